package lmstudio

import (
	"strings"
	"unicode"
)

const maxEditDistance = 2

var diacriticFold = strings.NewReplacer(
	"ă", "a", "Ă", "A",
	"â", "a", "Â", "A",
	"î", "i", "Î", "I",
	"ș", "s", "Ș", "S",
	"ț", "t", "Ț", "T",
	"ş", "s", "Ş", "S",
	"ţ", "t", "Ţ", "T",
)

// FoldWord maps Romanian diacritics (comma-below and cedilla forms alike) to
// ASCII and lowercases the result.
func FoldWord(text string) string {
	return strings.ToLower(diacriticFold.Replace(text))
}

// WordsMatch reports whether actual is close enough to expected to be the
// same dictionary word: equal after folding diacritics, or within two edits.
func WordsMatch(expected, actual string) bool {
	if expected == actual {
		return true
	}
	a, b := []rune(FoldWord(expected)), []rune(FoldWord(actual))
	if string(a) == string(b) {
		return true
	}
	if diff := len(a) - len(b); diff > maxEditDistance || -diff > maxEditDistance {
		return false
	}
	return levenshtein(a, b) <= maxEditDistance
}

// normalizeLoose folds diacritics and drops everything but letters and
// digits, so "depeșat..." and "depesat" compare equal.
func normalizeLoose(text string) string {
	folded := FoldWord(strings.TrimSpace(text))
	var b strings.Builder
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
