package rebalance

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/ashita-ai/rarity/internal/model"
)

// MinBatchSize is the smallest batch worth a selection call. Smaller
// batches are marked processed unchanged.
const MinBatchSize = 3

// TargetCount is how many words of an n-word batch move to the target
// level: round(n*ratio) clamped to [1, n-1]. It is 0 below MinBatchSize.
func TargetCount(n int, ratio float64) int {
	if n < MinBatchSize {
		return 0
	}
	target := int(math.Round(float64(n) * ratio))
	return min(max(target, 1), n-1)
}

// quotas apportions size slots across levels in proportion to their
// remaining backlog: floors first, then the largest remainders. Slots a
// level cannot fill go to the level with the most backlog left.
func quotas(levels []int, remaining map[int][]model.WordRow, size int) map[int]int {
	out := make(map[int]int, len(levels))
	if len(levels) == 1 {
		out[levels[0]] = min(size, len(remaining[levels[0]]))
		return out
	}

	total := 0
	for _, l := range levels {
		total += len(remaining[l])
	}
	if total == 0 {
		return out
	}

	type share struct {
		level int
		frac  float64
	}
	shares := make([]share, 0, len(levels))
	assigned := 0
	for _, l := range levels {
		exact := float64(size) * float64(len(remaining[l])) / float64(total)
		floor := int(math.Floor(exact))
		out[l] = floor
		assigned += floor
		shares = append(shares, share{level: l, frac: exact - float64(floor)})
	}
	slices.SortStableFunc(shares, func(a, b share) int {
		switch {
		case a.frac > b.frac:
			return -1
		case a.frac < b.frac:
			return 1
		}
		return 0
	})
	for i := 0; assigned < size && i < len(shares); i++ {
		out[shares[i].level]++
		assigned++
	}

	missing := 0
	for _, l := range levels {
		if avail := len(remaining[l]); out[l] > avail {
			missing += out[l] - avail
			out[l] = avail
		}
	}
	for ; missing > 0; missing-- {
		best, backlog := 0, 0
		for _, l := range levels {
			if left := len(remaining[l]) - out[l]; left > backlog {
				best, backlog = l, left
			}
		}
		if backlog == 0 {
			break
		}
		out[best]++
	}
	return out
}

// nextBatch draws up to maxSize words from the per-level queues by quota and
// shuffles the result. The queues are consumed from the end.
func nextBatch(levels []int, remaining map[int][]model.WordRow, maxSize int, rng *rand.Rand) []model.WordRow {
	total := 0
	for _, l := range levels {
		total += len(remaining[l])
	}
	if total == 0 {
		return nil
	}
	q := quotas(levels, remaining, min(maxSize, total))

	var batch []model.WordRow
	for _, l := range levels {
		queue := remaining[l]
		take := min(q[l], len(queue))
		batch = append(batch, queue[len(queue)-take:]...)
		remaining[l] = queue[:len(queue)-take]
	}
	rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
	return batch
}

// selectTargets picks the batch ids that move to level to: the scorer's
// choices first, then the lowest remaining ids until target is reached.
func selectTargets(batch []model.WordRow, scored []model.ScoreResult, to, target int) map[int64]bool {
	inBatch := make(map[int64]bool, len(batch))
	for _, w := range batch {
		inBatch[w.ID] = true
	}
	selected := make(map[int64]bool, target)
	for _, s := range scored {
		if len(selected) >= target {
			break
		}
		if s.RarityLevel == to && inBatch[s.WordID] {
			selected[s.WordID] = true
		}
	}
	if len(selected) >= target {
		return selected
	}

	ids := make([]int64, 0, len(batch))
	for _, w := range batch {
		if !selected[w.ID] {
			ids = append(ids, w.ID)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		if len(selected) >= target {
			break
		}
		selected[id] = true
	}
	return selected
}
