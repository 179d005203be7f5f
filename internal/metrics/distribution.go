package metrics

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/rarity/internal/model"
)

// Distribution counts words per rarity level. Not safe for concurrent use.
type Distribution struct {
	counts [model.MaxRarity + 1]int
}

// DistributionOf counts levels; values outside 1..5 are ignored.
func DistributionOf(levels []int) *Distribution {
	d := &Distribution{}
	for _, l := range levels {
		d.Add(l)
	}
	return d
}

// Add counts one word at level.
func (d *Distribution) Add(level int) {
	if model.ValidRarity(level) {
		d.counts[level]++
	}
}

// Move re-counts a word from previous (if any) to level.
func (d *Distribution) Move(previous *int, level int) {
	if previous != nil && model.ValidRarity(*previous) && d.counts[*previous] > 0 {
		d.counts[*previous]--
	}
	d.Add(level)
}

// Count returns the words at level.
func (d *Distribution) Count(level int) int {
	if !model.ValidRarity(level) {
		return 0
	}
	return d.counts[level]
}

// String renders distribution=[1:n(p%) 2:n(p%) ...].
func (d *Distribution) String() string {
	total := 0
	for l := model.MinRarity; l <= model.MaxRarity; l++ {
		total += d.counts[l]
	}
	parts := make([]string, 0, model.MaxRarity)
	for l := model.MinRarity; l <= model.MaxRarity; l++ {
		pct := 0.0
		if total > 0 {
			pct = float64(d.counts[l]) * 100 / float64(total)
		}
		parts = append(parts, fmt.Sprintf("%d:%d(%.1f%%)", l, d.counts[l], pct))
	}
	return "distribution=[" + strings.Join(parts, " ") + "]"
}
