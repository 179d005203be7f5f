package pipeline

import (
	"cmp"
	"slices"
	"strconv"

	"github.com/ashita-ai/rarity/internal/csvtable"
	"github.com/ashita-ai/rarity/internal/model"
	"github.com/ashita-ai/rarity/internal/runstore"
)

func sortByID[T any](rows []T, id func(T) int64) {
	slices.SortStableFunc(rows, func(a, b T) int { return cmp.Compare(id(a), id(b)) })
}

func writeBaseRows(path string, words []model.WordRow) error {
	sorted := slices.Clone(words)
	sortWords(sorted)
	body := make([][]string, len(sorted))
	for i, w := range sorted {
		body[i] = []string{strconv.FormatInt(w.ID, 10), w.Word, w.Type}
	}
	return csvtable.WriteTableAtomic(path, runstore.BaseHeaders, body)
}

func optionalInt(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func optionalFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return runstore.FormatConfidence(*v)
}
