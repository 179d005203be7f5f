// Package runstore persists scoring runs as id-keyed tables.
//
// A run file is append-friendly while a session is in progress and is
// reconciled at the end by a guarded merge-and-rewrite: the rewrite is
// refused when the merged result would hold fewer rows, or a narrower id
// range, than the baseline captured before the session began.
package runstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ashita-ai/rarity/internal/csvtable"
	"github.com/ashita-ai/rarity/internal/model"
)

// Column sets for the base and run tables.
var (
	BaseHeaders = []string{"word_id", "word", "type"}
	RunHeaders  = []string{"word_id", "word", "type", "rarity_level", "tag", "confidence", "scored_at", "model", "run_slug"}
)

// ErrGuard is matched by every GuardError.
var ErrGuard = errors.New("runstore: guarded rewrite aborted")

// GuardError reports a merge that would shrink the persisted run.
type GuardError struct {
	Path   string
	Reason string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("runstore: guarded rewrite aborted for %s: %s", e.Path, e.Reason)
}

func (e *GuardError) Is(target error) bool { return target == ErrGuard }

// LoadBaseRows reads a word_id,word,type table sorted by id.
func LoadBaseRows(path string) ([]model.WordRow, error) {
	table, err := csvtable.ReadTable(path)
	if err != nil {
		return nil, err
	}
	if err := requireColumns(path, table.Headers, BaseHeaders); err != nil {
		return nil, err
	}

	rows := make([]model.WordRow, 0, len(table.Records))
	for _, rec := range table.Records {
		id, err := parseID(path, rec, "word_id")
		if err != nil {
			return nil, err
		}
		word, err := requireNonBlank(path, rec, "word")
		if err != nil {
			return nil, err
		}
		typ, err := requireNonBlank(path, rec, "type")
		if err != nil {
			return nil, err
		}
		rows = append(rows, model.WordRow{ID: id, Word: word, Type: typ})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

// LoadRunRows reads a run table into an id-keyed map. A missing file is an
// empty run. Later rows for the same id replace earlier ones.
func LoadRunRows(path string) (map[int64]model.RunRow, error) {
	rows := make(map[int64]model.RunRow)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return rows, nil
	}

	table, err := csvtable.ReadTable(path)
	if err != nil {
		return nil, err
	}
	if err := requireColumns(path, table.Headers, RunHeaders); err != nil {
		return nil, err
	}

	for _, rec := range table.Records {
		level, err := parseInt(path, rec, "rarity_level")
		if err != nil {
			return nil, err
		}
		confidence, err := strconv.ParseFloat(strings.TrimSpace(rec.Get("confidence")), 64)
		if err != nil {
			return nil, fmt.Errorf("runstore: invalid confidence at %s:%d", absPath(path), rec.Line)
		}
		if !model.ValidRarity(level) {
			return nil, fmt.Errorf("runstore: rarity_level out of range at %s:%d", absPath(path), rec.Line)
		}
		if confidence < 0 || confidence > 1 {
			return nil, fmt.Errorf("runstore: confidence out of range at %s:%d", absPath(path), rec.Line)
		}
		id, err := parseID(path, rec, "word_id")
		if err != nil {
			return nil, err
		}
		word, err := requireNonBlank(path, rec, "word")
		if err != nil {
			return nil, err
		}
		typ, err := requireNonBlank(path, rec, "type")
		if err != nil {
			return nil, err
		}
		rows[id] = model.RunRow{
			ScoreResult: model.ScoreResult{
				WordID:      id,
				Word:        word,
				Type:        typ,
				RarityLevel: level,
				Tag:         rec.Get("tag"),
				Confidence:  confidence,
			},
			ScoredAt: rec.Get("scored_at"),
			Model:    rec.Get("model"),
			RunSlug:  rec.Get("run_slug"),
		}
	}
	return rows, nil
}

// SortedRunRows returns the map's rows ordered by id.
func SortedRunRows(rows map[int64]model.RunRow) []model.RunRow {
	out := make([]model.RunRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WordID < out[j].WordID })
	return out
}

// AppendRunRows appends rows, creating the file with RunHeaders if needed.
// Rows follow the column order of an existing file's header.
func AppendRunRows(path string, rows []model.RunRow) error {
	if len(rows) == 0 {
		return nil
	}
	headers, err := appendHeaders(path)
	if err != nil {
		return err
	}
	body := make([][]string, len(rows))
	for i, r := range rows {
		body[i] = serialize(r, headers)
	}
	_, err = csvtable.AppendRows(path, headers, body)
	return err
}

// ComputeBaseline snapshots the size and id range of rows.
func ComputeBaseline(rows map[int64]model.RunRow) model.RunBaseline {
	if len(rows) == 0 {
		return model.RunBaseline{}
	}
	var lo, hi int64
	first := true
	for id := range rows {
		if first || id < lo {
			lo = id
		}
		if first || id > hi {
			hi = id
		}
		first = false
	}
	return model.RunBaseline{Count: len(rows), MinID: &lo, MaxID: &hi}
}

// MergeAndRewrite unions the on-disk rows with inMemory (in-memory wins) and
// atomically rewrites path. It returns a *GuardError without touching the
// file when the merge would shrink below baseline.
func MergeAndRewrite(path string, inMemory map[int64]model.RunRow, baseline model.RunBaseline) error {
	merged, err := LoadRunRows(path)
	if err != nil {
		return err
	}
	for id, r := range inMemory {
		merged[id] = r
	}
	sorted := SortedRunRows(merged)
	if err := assertNotShrunk(path, sorted, baseline); err != nil {
		return err
	}
	return RewriteRunRows(path, sorted)
}

// RewriteRunRows atomically replaces path with rows sorted by id.
func RewriteRunRows(path string, rows []model.RunRow) error {
	sorted := append([]model.RunRow(nil), rows...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].WordID < sorted[j].WordID })
	body := make([][]string, len(sorted))
	for i, r := range sorted {
		body[i] = serialize(r, RunHeaders)
	}
	return csvtable.WriteTableAtomic(path, RunHeaders, body)
}

// LoadFinalLevels reads id→level from the first of final_level,
// rarity_level or median_level present in the table.
func LoadFinalLevels(path string) (map[int64]int, error) {
	table, err := csvtable.ReadTable(path)
	if err != nil {
		return nil, err
	}
	if !table.HasColumns("word_id") {
		return nil, fmt.Errorf("runstore: CSV %s is missing required column 'word_id'", absPath(path))
	}
	column := LevelColumn(table.Headers)
	if column == "" {
		return nil, fmt.Errorf("runstore: CSV %s must contain one of: final_level, rarity_level, median_level", absPath(path))
	}

	levels := make(map[int64]int, len(table.Records))
	for _, rec := range table.Records {
		id, err := parseID(path, rec, "word_id")
		if err != nil {
			return nil, err
		}
		level, err := parseInt(path, rec, column)
		if err != nil {
			return nil, err
		}
		if !model.ValidRarity(level) {
			return nil, fmt.Errorf("runstore: %s out of range at %s:%d", column, absPath(path), rec.Line)
		}
		levels[id] = level
	}
	return levels, nil
}

// LevelColumn picks the level column a downstream table should be read by.
func LevelColumn(headers []string) string {
	for _, c := range []string{"final_level", "rarity_level", "median_level"} {
		for _, h := range headers {
			if h == c {
				return c
			}
		}
	}
	return ""
}

// FormatConfidence renders a confidence without trailing zeros.
func FormatConfidence(c float64) string {
	return strconv.FormatFloat(c, 'f', -1, 64)
}

func serialize(r model.RunRow, headers []string) []string {
	values := map[string]string{
		"word_id":      strconv.FormatInt(r.WordID, 10),
		"word":         r.Word,
		"type":         r.Type,
		"rarity_level": strconv.Itoa(r.RarityLevel),
		"tag":          r.Tag,
		"confidence":   FormatConfidence(r.Confidence),
		"scored_at":    r.ScoredAt,
		"model":        r.Model,
		"run_slug":     r.RunSlug,
	}
	out := make([]string, len(headers))
	for i, h := range headers {
		out[i] = values[h]
	}
	return out
}

func appendHeaders(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return RunHeaders, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runstore: read header %s: %w", path, err)
	}
	first, _, _ := strings.Cut(string(data), "\n")
	first = strings.TrimRight(first, "\r")
	if strings.TrimSpace(first) == "" {
		return RunHeaders, nil
	}
	headers, err := csvtable.ParseLine(first, 1)
	if err != nil {
		return nil, err
	}
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}
	if err := requireColumns(path, headers, RunHeaders); err != nil {
		return nil, err
	}
	return headers, nil
}

func assertNotShrunk(path string, merged []model.RunRow, baseline model.RunBaseline) error {
	abs := absPath(path)
	if len(merged) < baseline.Count {
		return &GuardError{Path: abs, Reason: fmt.Sprintf("mergedCount=%d < baseline=%d", len(merged), baseline.Count)}
	}
	if len(merged) == 0 {
		return nil
	}
	first, last := merged[0].WordID, merged[len(merged)-1].WordID
	if baseline.MinID != nil && first > *baseline.MinID {
		return &GuardError{Path: abs, Reason: fmt.Sprintf("merged minId %d > baseline %d", first, *baseline.MinID)}
	}
	if baseline.MaxID != nil && last < *baseline.MaxID {
		return &GuardError{Path: abs, Reason: fmt.Sprintf("merged maxId %d < baseline %d", last, *baseline.MaxID)}
	}
	return nil
}

func requireColumns(path string, headers, required []string) error {
	var missing []string
	for _, r := range required {
		found := false
		for _, h := range headers {
			if h == r {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("runstore: CSV %s is missing required columns: %s", absPath(path), strings.Join(missing, ", "))
	}
	return nil
}

func parseID(path string, rec csvtable.Record, key string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(rec.Get(key)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("runstore: invalid %s at %s:%d", key, absPath(path), rec.Line)
	}
	return v, nil
}

func parseInt(path string, rec csvtable.Record, key string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(rec.Get(key)))
	if err != nil {
		return 0, fmt.Errorf("runstore: invalid %s at %s:%d", key, absPath(path), rec.Line)
	}
	return v, nil
}

func requireNonBlank(path string, rec csvtable.Record, key string) (string, error) {
	v := rec.Get(key)
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("runstore: blank %s at %s:%d", key, absPath(path), rec.Line)
	}
	return v, nil
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
