package lmstudio

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ashita-ai/rarity/internal/model"
)

const (
	maxTagLength = 16
	defaultTag   = "uncertain"
	selectedTag  = "common"

	selectedConfidence = 0.9
)

// ParseObserver receives parser events worth counting.
type ParseObserver interface {
	RecordJSONRepair()
	RecordFuzzyMatch()
	RecordWordMismatch()
}

// ParsedBatch is what one response resolved: scored rows plus the rows the
// response did not account for.
type ParsedBatch struct {
	Scores     []model.ScoreResult
	Unresolved []model.WordRow
}

// ParseRequest describes how a response body should be interpreted.
type ParseRequest struct {
	Batch []model.WordRow
	Mode  model.OutputMode
	// ForcedLevel and Expected apply to SelectedWordIDs only.
	ForcedLevel int
	Expected    int
}

// Parser turns raw inference responses into resolved rows.
type Parser struct {
	observer ParseObserver
}

// NewParser returns a parser. observer may be nil.
func NewParser(observer ParseObserver) *Parser {
	return &Parser{observer: observer}
}

// Parse extracts the assistant content from body, repairs and decodes it,
// and matches the result items back to req.Batch.
func (p *Parser) Parse(req ParseRequest, body string) (ParsedBatch, error) {
	root, err := decodeFirst(body)
	if err != nil {
		return ParsedBatch{}, fmt.Errorf("lmstudio: response is not valid JSON: %w", err)
	}
	content, ok := extractModelContent(root)
	if !ok {
		return ParsedBatch{}, errors.New("lmstudio: response missing assistant content")
	}

	repaired := RepairJSON(content)
	if repaired != content {
		p.recordRepair()
	}

	parsed, err := p.parseContentJSON(repaired)
	if err != nil {
		return ParsedBatch{}, err
	}
	results, err := extractResultsArray(parsed)
	if err != nil {
		return ParsedBatch{}, err
	}

	if req.Mode == model.SelectedWordIDs {
		return parseSelection(req, results)
	}
	return p.parseScores(req.Batch, results)
}

func (p *Parser) recordRepair() {
	if p.observer != nil {
		p.observer.RecordJSONRepair()
	}
}

// jsonValue is a decoded JSON value that remembers object key order, which
// the results-array lookup depends on.
type jsonValue struct {
	raw  json.RawMessage
	data any
}

func decodeFirst(text string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeValue(text string) (jsonValue, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return jsonValue{}, err
	}
	data, err := decodeFirst(string(raw))
	if err != nil {
		return jsonValue{}, err
	}
	return jsonValue{raw: raw, data: data}, nil
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

func extractModelContent(root any) (string, bool) {
	obj, _ := root.(map[string]any)
	if obj == nil {
		return "", false
	}
	if choices, ok := obj["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if msg, ok := choice["message"].(map[string]any); ok {
				if text, ok := contentText(msg["content"]); ok {
					return text, true
				}
			}
		}
	}
	if msg, ok := obj["message"].(map[string]any); ok {
		if text, ok := contentText(msg["content"]); ok {
			return text, true
		}
	}
	return contentText(obj["output_text"])
}

func contentText(node any) (string, bool) {
	var raw string
	switch v := node.(type) {
	case nil:
		return "", false
	case string:
		raw = v
	case []any:
		var b strings.Builder
		for _, part := range v {
			switch pv := part.(type) {
			case string:
				b.WriteString(pv)
			case map[string]any:
				if text, ok := pv["text"].(string); ok {
					b.WriteString(text)
				}
			}
		}
		raw = b.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		raw = string(data)
	}
	text := stripCodeFences(raw)
	if strings.TrimSpace(text) == "" {
		return "", false
	}
	return text, true
}

func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```JSON")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

func (p *Parser) parseContentJSON(content string) (jsonValue, error) {
	excerpt := ExcerptForLog(content, defaultExcerptChars)

	direct, directErr := decodeValue(content)
	if directErr == nil && isContainer(direct.data) {
		return direct, nil
	}

	block, ok := extractFirstJSONBlock(content)
	if !ok {
		if directErr == nil {
			return jsonValue{}, fmt.Errorf("lmstudio: content is not a JSON object/array, excerpt: %s", excerpt)
		}
		return jsonValue{}, fmt.Errorf("lmstudio: content is not valid JSON, excerpt: %s", excerpt)
	}

	extracted, extractErr := decodeValue(block)
	if extractErr == nil && isContainer(extracted.data) {
		return extracted, nil
	}

	if salvaged, ok := p.salvage(block); ok {
		return salvaged, nil
	}

	reason := "not a JSON object/array"
	if extractErr != nil {
		reason = extractErr.Error()
	}
	return jsonValue{}, fmt.Errorf("lmstudio: content JSON parse failed: %s, excerpt: %s", reason, excerpt)
}

// salvage recovers the individually parsable objects of a results array
// that fails to parse as a whole.
func (p *Parser) salvage(content string) (jsonValue, bool) {
	arraySlice, ok := likelyResultsArraySlice(content)
	if !ok {
		return jsonValue{}, false
	}
	var items []json.RawMessage
	for _, slice := range topLevelObjectSlices(arraySlice) {
		v, err := decodeValue(RepairJSON(slice))
		if err != nil {
			continue
		}
		if _, isObj := v.data.(map[string]any); isObj {
			items = append(items, v.raw)
		}
	}
	if len(items) == 0 {
		return jsonValue{}, false
	}
	p.recordRepair()

	wrapped, err := json.Marshal(map[string][]json.RawMessage{"results": items})
	if err != nil {
		return jsonValue{}, false
	}
	v, err := decodeValue(string(wrapped))
	if err != nil {
		return jsonValue{}, false
	}
	return v, true
}

var resultKeys = []string{"results", "items", "data", "predictions"}

func extractResultsArray(v jsonValue) ([]any, error) {
	switch data := v.data.(type) {
	case []any:
		return data, nil
	case map[string]any:
		for _, key := range resultKeys {
			if arr, ok := data[key].([]any); ok {
				return arr, nil
			}
		}
		keys := objectKeysInOrder(v.raw)
		for _, key := range keys {
			if arr, ok := data[key].([]any); ok {
				return arr, nil
			}
		}
		return nil, fmt.Errorf("lmstudio: content has no results array, object keys: [%s]", strings.Join(keys, ","))
	default:
		return nil, fmt.Errorf("lmstudio: content must be JSON object/array, got: %T", v.data)
	}
}

// objectKeysInOrder lists the top-level keys of a JSON object as written.
func objectKeysInOrder(raw json.RawMessage) []string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return keys
		}
		key, ok := tok.(string)
		if !ok {
			return keys
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return keys
		}
	}
	return keys
}

type scoreCandidate struct {
	wordID     *int64
	word       string
	typ        string
	level      int
	tag        string
	confidence float64
}

func (p *Parser) parseScores(batch []model.WordRow, results []any) (ParsedBatch, error) {
	if len(batch) == 0 {
		return ParsedBatch{}, nil
	}
	pending := newPendingRows(batch)

	var scored []model.ScoreResult
	for _, node := range results {
		cand, ok := parseScoreCandidate(node)
		if !ok {
			continue
		}
		row, fuzzy, ok := pending.match(cand)
		if !ok {
			continue
		}
		if fuzzy && p.observer != nil {
			p.observer.RecordFuzzyMatch()
		}
		tag := cand.tag
		if strings.TrimSpace(tag) == "" {
			tag = defaultTag
		}
		scored = append(scored, model.ScoreResult{
			WordID:      row.ID,
			Word:        row.Word,
			Type:        row.Type,
			RarityLevel: cand.level,
			Tag:         truncateRunes(tag, maxTagLength),
			Confidence:  cand.confidence,
		})
	}

	unresolved := pending.remaining()
	if len(scored) == 0 && len(unresolved) == len(batch) {
		return ParsedBatch{}, fmt.Errorf("lmstudio: no valid results parsed from %d result nodes for batch of %d", len(results), len(batch))
	}
	if len(unresolved) > 0 && p.observer != nil {
		p.observer.RecordWordMismatch()
	}
	return ParsedBatch{Scores: scored, Unresolved: unresolved}, nil
}

func parseScoreCandidate(node any) (scoreCandidate, bool) {
	obj, ok := node.(map[string]any)
	if !ok {
		return scoreCandidate{}, false
	}
	level, ok := asLevel(obj["rarity_level"])
	if !ok || !model.ValidRarity(level) {
		return scoreCandidate{}, false
	}
	cand := scoreCandidate{
		level:      level,
		tag:        defaultTag,
		confidence: normalizeConfidence(asFloat(obj["confidence"])),
	}
	if id, ok := asInt(obj["word_id"]); ok {
		cand.wordID = &id
	}
	cand.word, _ = obj["word"].(string)
	cand.typ, _ = obj["type"].(string)
	switch t := obj["tag"].(type) {
	case string:
		cand.tag = t
	case json.Number:
		cand.tag = t.String()
	case bool:
		cand.tag = strconv.FormatBool(t)
	}
	return cand, true
}

// pendingRows tracks batch rows not yet claimed by a result item.
type pendingRows struct {
	order []model.WordRow
	taken map[int64]bool
}

func newPendingRows(batch []model.WordRow) *pendingRows {
	return &pendingRows{order: batch, taken: make(map[int64]bool, len(batch))}
}

func (p *pendingRows) byID(id int64) (model.WordRow, bool) {
	for _, r := range p.order {
		if r.ID == id && !p.taken[r.ID] {
			return r, true
		}
	}
	return model.WordRow{}, false
}

func (p *pendingRows) match(c scoreCandidate) (model.WordRow, bool, bool) {
	if c.wordID != nil {
		if row, ok := p.byID(*c.wordID); ok {
			p.taken[row.ID] = true
			return row, false, true
		}
	}
	if strings.TrimSpace(c.word) == "" || strings.TrimSpace(c.typ) == "" {
		return model.WordRow{}, false, false
	}
	for _, r := range p.order {
		if !p.taken[r.ID] && r.Word == c.word && r.Type == c.typ {
			p.taken[r.ID] = true
			return r, false, true
		}
	}
	for _, r := range p.order {
		if !p.taken[r.ID] && r.Type == c.typ && WordsMatch(r.Word, c.word) {
			p.taken[r.ID] = true
			return r, true, true
		}
	}
	return model.WordRow{}, false, false
}

func (p *pendingRows) remaining() []model.WordRow {
	var out []model.WordRow
	for _, r := range p.order {
		if !p.taken[r.ID] {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	}
	return 0, false
}

func asLevel(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return int(f), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return f
		}
	}
	return math.NaN()
}

func normalizeConfidence(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0.5
	case v >= 0 && v <= 1:
		return v
	case v > 1 && v <= 100:
		return v / 100
	default:
		return 0.5
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
