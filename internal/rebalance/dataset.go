package rebalance

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/ashita-ai/rarity/internal/csvtable"
	"github.com/ashita-ai/rarity/internal/model"
	"github.com/ashita-ai/rarity/internal/runstore"
)

// Output columns added to the input table.
var outputColumns = []string{"final_level", "rebalance_rule", "rebalance_model", "rebalance_run", "rebalanced_at"}

// dataset is the input table plus the words it describes, in first-seen
// order. levels holds the last level seen for each id.
type dataset struct {
	headers []string
	records []csvtable.Record
	words   []model.WordRow
	byID    map[int64]model.WordRow
	levels  map[int64]int
}

func loadDataset(path string) (*dataset, error) {
	table, err := csvtable.ReadTable(path)
	if err != nil {
		return nil, err
	}
	abs := absPath(path)
	var missing []string
	for _, c := range runstore.BaseHeaders {
		if !table.HasColumns(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("rebalance: CSV %s is missing required columns: %s", abs, strings.Join(missing, ", "))
	}
	column := runstore.LevelColumn(table.Headers)
	if column == "" {
		return nil, fmt.Errorf("rebalance: CSV must contain one of: final_level, rarity_level, median_level (received: %s)", strings.Join(table.Headers, ", "))
	}

	ds := &dataset{
		headers: table.Headers,
		records: table.Records,
		byID:    make(map[int64]model.WordRow, len(table.Records)),
		levels:  make(map[int64]int, len(table.Records)),
	}
	for _, rec := range table.Records {
		id, err := strconv.ParseInt(strings.TrimSpace(rec.Get("word_id")), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("rebalance: invalid word_id at %s:%d", abs, rec.Line)
		}
		level, err := strconv.Atoi(strings.TrimSpace(rec.Get(column)))
		if err != nil {
			return nil, fmt.Errorf("rebalance: invalid %s at %s:%d", column, abs, rec.Line)
		}
		if !model.ValidRarity(level) {
			return nil, fmt.Errorf("rebalance: %s out of range at %s:%d", column, abs, rec.Line)
		}
		word := model.WordRow{ID: id, Word: rec.Get("word"), Type: rec.Get("type")}
		if _, seen := ds.byID[id]; !seen {
			ds.words = append(ds.words, word)
		}
		ds.byID[id] = word
		ds.levels[id] = level
	}
	for i, w := range ds.words {
		ds.words[i] = ds.byID[w.ID]
	}
	return ds, nil
}

// write renders the table with the rebalance columns. Rows of words that
// switched carry the rule, model, run and time; the others keep whatever
// those columns held before.
func (ds *dataset) write(path string, st *state, modelID, run, at string) error {
	headers := slices.Clone(ds.headers)
	for _, c := range outputColumns {
		if !slices.Contains(headers, c) {
			headers = append(headers, c)
		}
	}

	rows := make([][]string, len(ds.records))
	for i, rec := range ds.records {
		id, _ := strconv.ParseInt(strings.TrimSpace(rec.Get("word_id")), 10, 64)
		values := maps.Clone(rec.Values)
		values["final_level"] = strconv.Itoa(st.levels[id])
		rule, switched := st.rules[id]
		values["rebalance_rule"] = rule
		if switched {
			values["rebalance_model"] = modelID
			values["rebalance_run"] = run
			values["rebalanced_at"] = at
		}
		row := make([]string, len(headers))
		for j, h := range headers {
			row[j] = values[h]
		}
		rows[i] = row
	}
	return csvtable.WriteTableAtomic(path, headers, rows)
}
