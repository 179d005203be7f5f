package lmstudio

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/rarity/internal/model"
)

// Selection items are resolved to batch positions in priority order:
// local_id (1-based position), then absolute id fields, then the word
// text. A bare integer is only ever a batch index, 0-based when the reply
// contains a literal 0 and 1-based otherwise. Each item
// contributes its best reading first; the weaker readings are kept as
// alternates and only consulted when the primary picks fall short.
func parseSelection(req ParseRequest, results []any) (ParsedBatch, error) {
	if !model.ValidRarity(req.ForcedLevel) {
		return ParsedBatch{}, errors.New("lmstudio: forced rarity level is required for selection mode")
	}
	if req.Expected <= 0 {
		return ParsedBatch{}, errors.New("lmstudio: expected selection count is required for selection mode")
	}
	batch := req.Batch
	if len(batch) == 0 {
		return ParsedBatch{}, nil
	}

	zeroBased := false
	for _, node := range results {
		if id, ok := asInt(node); ok && id == 0 {
			zeroBased = true
			break
		}
	}

	var primary, alternates []int
	for _, node := range results {
		readings := selectionReadings(batch, node, zeroBased)
		if len(readings) == 0 {
			continue
		}
		primary = append(primary, readings[0])
		alternates = append(alternates, readings[1:]...)
	}

	chosen := make([]int, 0, req.Expected)
	seen := make(map[int]bool, req.Expected)
	for _, list := range [][]int{primary, alternates} {
		for _, pos := range list {
			if len(chosen) == req.Expected {
				break
			}
			if !seen[pos] {
				seen[pos] = true
				chosen = append(chosen, pos)
			}
		}
	}
	if len(chosen) != req.Expected {
		return ParsedBatch{}, fmt.Errorf("lmstudio: expected exactly %d selected ids, got %d for batch of %d",
			req.Expected, len(chosen), len(batch))
	}

	scores := make([]model.ScoreResult, len(chosen))
	for i, pos := range chosen {
		scores[i] = SelectedScore(batch[pos], req.ForcedLevel)
	}
	return ParsedBatch{Scores: scores}, nil
}

// SelectedScore is the result recorded for a row picked in selection mode.
func SelectedScore(row model.WordRow, level int) model.ScoreResult {
	return model.ScoreResult{
		WordID:      row.ID,
		Word:        row.Word,
		Type:        row.Type,
		RarityLevel: level,
		Tag:         selectedTag,
		Confidence:  selectedConfidence,
	}
}

// selectionReadings returns every batch position node can be read as, best
// reading first, without duplicates.
func selectionReadings(batch []model.WordRow, node any, zeroBased bool) []int {
	var out []int
	add := func(pos int) {
		if pos < 0 || pos >= len(batch) {
			return
		}
		for _, p := range out {
			if p == pos {
				return
			}
		}
		out = append(out, pos)
	}

	obj, isObj := node.(map[string]any)
	if !isObj {
		n, ok := asInt(node)
		if !ok {
			return nil
		}
		if zeroBased {
			add(int(n))
		} else {
			add(int(n) - 1)
		}
		return out
	}

	if local, ok := asInt(obj["local_id"]); ok && local >= 1 {
		add(int(local) - 1)
	}
	for _, key := range []string{"word_id", "id"} {
		if id, ok := asInt(obj[key]); ok {
			add(positionOfID(batch, id))
		}
	}
	if word, ok := obj["word"].(string); ok {
		add(positionOfWord(batch, word))
	}
	return out
}

func positionOfID(batch []model.WordRow, id int64) int {
	for i, r := range batch {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func positionOfWord(batch []model.WordRow, word string) int {
	target := normalizeLoose(word)
	if target == "" {
		return -1
	}
	for i, r := range batch {
		if normalizeLoose(r.Word) == target {
			return i
		}
	}
	for i, r := range batch {
		if WordsMatch(normalizeLoose(r.Word), target) {
			return i
		}
	}
	return -1
}
