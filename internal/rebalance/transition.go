package rebalance

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/ashita-ai/rarity/internal/model"
)

// DefaultTransitions moves a third of levels 2, 3 and 4 one level down.
const DefaultTransitions = "2:1,3:2,4:3"

// Transition moves an exact share of the words at one level, or at two
// adjacent levels From and Upper, to level To. Upper is 0 for a single
// source level.
type Transition struct {
	From  int
	Upper int
	To    int
}

// SourceLevels lists the levels the transition draws words from.
func (t Transition) SourceLevels() []int {
	if t.Upper == 0 {
		return []int{t.From}
	}
	return []int{t.From, t.Upper}
}

// OtherLevel is where the words not selected for To end up: the other level
// of a pair, the source level of a downgrade, or one above To for a
// keep/promote split.
func (t Transition) OtherLevel() int {
	if t.Upper != 0 {
		if t.To == t.From {
			return t.Upper
		}
		return t.From
	}
	if t.To == t.From {
		return min(t.To+1, model.MaxRarity)
	}
	return t.From
}

// DescribeSources renders the source levels as 2 or 2-3.
func (t Transition) DescribeSources() string {
	if t.Upper == 0 {
		return strconv.Itoa(t.From)
	}
	return fmt.Sprintf("%d-%d", t.From, t.Upper)
}

func (t Transition) String() string {
	return fmt.Sprintf("%s->%d", t.DescribeSources(), t.To)
}

// ParseTransitions reads a comma-separated list such as "2:1,3:2" or
// "2-3:2". A blank input parses DefaultTransitions. The result is
// deduplicated and ordered by source level.
func ParseTransitions(raw string) ([]Transition, error) {
	input := strings.TrimSpace(raw)
	if input == "" {
		input = DefaultTransitions
	}

	var parsed []Transition
	for _, token := range strings.Split(input, ",") {
		t, err := parseTransition(token)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(parsed, t) {
			parsed = append(parsed, t)
		}
	}
	if err := ValidateTransitions(parsed); err != nil {
		return nil, err
	}
	slices.SortFunc(parsed, func(a, b Transition) int {
		if c := cmp.Compare(a.From, b.From); c != 0 {
			return c
		}
		return cmp.Compare(a.Upper, b.Upper)
	})
	return parsed, nil
}

func parseTransition(token string) (Transition, error) {
	from, to, ok := strings.Cut(strings.TrimSpace(token), ":")
	if !ok || strings.Contains(to, ":") {
		return Transition{}, fmt.Errorf("rebalance: invalid transition token '%s', expected format from:to (example: 2:1 or 2-3:2)", token)
	}
	target, err := strconv.Atoi(strings.TrimSpace(to))
	if err != nil {
		return Transition{}, fmt.Errorf("rebalance: invalid transition target level in '%s'", token)
	}

	from = strings.TrimSpace(from)
	if lower, upper, isRange := strings.Cut(from, "-"); isRange {
		lo, err := strconv.Atoi(strings.TrimSpace(lower))
		if err != nil {
			return Transition{}, fmt.Errorf("rebalance: invalid transition lower source level in '%s'", token)
		}
		hi, err := strconv.Atoi(strings.TrimSpace(upper))
		if err != nil {
			return Transition{}, fmt.Errorf("rebalance: invalid transition upper source level in '%s'", token)
		}
		if err := validatePair(lo, hi, target); err != nil {
			return Transition{}, err
		}
		return Transition{From: lo, Upper: hi, To: target}, nil
	}

	source, err := strconv.Atoi(from)
	if err != nil {
		return Transition{}, fmt.Errorf("rebalance: invalid transition source level in '%s'", token)
	}
	relation := target == source-1 || target == source
	if !model.ValidRarity(source) || !model.ValidRarity(target) || !relation || (source == model.MaxRarity && target == model.MaxRarity) {
		return Transition{}, fmt.Errorf("rebalance: invalid transition '%d:%d', allowed: one-step downgrade (ex: 3:2) or keep+promote split (ex: 2:2), never 5:5", source, target)
	}
	return Transition{From: source, To: target}, nil
}

func validatePair(lower, upper, target int) error {
	label := fmt.Sprintf("%d-%d:%d", lower, upper, target)
	switch {
	case !model.ValidRarity(lower) || !model.ValidRarity(upper) || !model.ValidRarity(target):
		return fmt.Errorf("rebalance: invalid pair transition '%s': levels must be in range 1..5", label)
	case upper != lower+1:
		return fmt.Errorf("rebalance: invalid pair transition '%s': source levels must be consecutive", label)
	case target != lower && target != upper:
		return fmt.Errorf("rebalance: invalid pair transition '%s': target must be one of the source levels", label)
	}
	return nil
}

// ValidateTransitions rejects an empty set and any source level claimed by
// two transitions.
func ValidateTransitions(ts []Transition) error {
	if len(ts) == 0 {
		return errors.New("rebalance: at least one transition is required")
	}
	seen := make(map[int]int)
	for _, t := range ts {
		for _, l := range t.SourceLevels() {
			seen[l]++
		}
	}
	var dup []string
	for l := model.MinRarity; l <= model.MaxRarity; l++ {
		if seen[l] > 1 {
			dup = append(dup, strconv.Itoa(l))
		}
	}
	if len(dup) > 0 {
		return fmt.Errorf("rebalance: transitions must not overlap source levels, duplicates: %s", strings.Join(dup, ","))
	}
	return nil
}
