// Package metrics tracks scoring throughput and failures for a Step 2 run
// and mirrors the counters to OpenTelemetry.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/rarity/internal/telemetry"
)

// MeterName is the instrumentation scope for scoring metrics.
const MeterName = "github.com/ashita-ai/rarity/scoring"

// ErrorCategory buckets attempt failures by their likely cause.
type ErrorCategory int

const (
	TruncatedJSON ErrorCategory = iota
	DecimalFormat
	WordMismatch
	ModelCrash
	MissingContent
	Connectivity
	Other

	numCategories
)

var categoryNames = [numCategories]string{
	TruncatedJSON:  "TRUNCATED_JSON",
	DecimalFormat:  "DECIMAL_FORMAT",
	WordMismatch:   "WORD_MISMATCH",
	ModelCrash:     "MODEL_CRASH",
	MissingContent: "MISSING_CONTENT",
	Connectivity:   "CONNECTIVITY",
	Other:          "OTHER",
}

func (c ErrorCategory) String() string {
	if c < 0 || c >= numCategories {
		return "OTHER"
	}
	return categoryNames[c]
}

// CategorizeError maps an error message to a category. Rules are checked in
// order; the first match wins.
func CategorizeError(message string) ErrorCategory {
	lower := strings.ToLower(message)
	has := func(s string) bool { return strings.Contains(lower, s) }
	switch {
	case message == "":
		return Other
	case has("missing") && has("content"):
		return MissingContent
	case has("truncat") || has("unclosed") || has("unexpected end") || has("premature"):
		return TruncatedJSON
	case has("decimal") || has("number format"):
		return DecimalFormat
	case has("mismatch") && has("word"):
		return WordMismatch
	case has("model") && (has("crash") || has("exit code")):
		return ModelCrash
	case has("timed out") || has("connection refused") || (has("connect") && has("fail")):
		return Connectivity
	default:
		return Other
	}
}

// Step2 holds the counters for one scoring run. Safe for concurrent use.
// It satisfies lmstudio.ParseObserver.
type Step2 struct {
	start time.Time
	now   func() time.Time

	scored      atomic.Int64
	failed      atomic.Int64
	batches     atomic.Int64
	successful  atomic.Int64
	partial     atomic.Int64
	repairs     atomic.Int64
	fuzzy       atomic.Int64
	errorCounts [numCategories]atomic.Int64
	lastBatch   atomic.Int64
}

// NewStep2 starts a metrics session for run and registers its observable
// instruments on the global meter provider.
func NewStep2(run string) *Step2 {
	return newStep2(run, time.Now)
}

func newStep2(run string, now func() time.Time) *Step2 {
	m := &Step2{start: now(), now: now}
	m.registerMetrics(run)
	return m
}

func (m *Step2) registerMetrics(run string) {
	meter := telemetry.Meter(MeterName)
	runAttr := attribute.String("rarity.run", run)

	counter := func(name, desc string, load func() int64) {
		_, _ = meter.Int64ObservableCounter(name,
			metric.WithDescription(desc),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(load(), metric.WithAttributes(runAttr))
				return nil
			}),
		)
	}
	counter("rarity.words.scored", "Words scored in this run", m.scored.Load)
	counter("rarity.words.failed", "Words left unscored by a batch", m.failed.Load)
	counter("rarity.batches", "Batches attempted", m.batches.Load)
	counter("rarity.batches.successful", "Batches with at least one scored word", m.successful.Load)
	counter("rarity.batches.partial", "Batches that scored only part of their words", m.partial.Load)
	counter("rarity.json.repairs", "Model responses that needed JSON repair", m.repairs.Load)
	counter("rarity.words.fuzzy_matched", "Result items matched by fuzzy word comparison", m.fuzzy.Load)

	_, _ = meter.Int64ObservableCounter("rarity.errors",
		metric.WithDescription("Attempt failures by category"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for c := range numCategories {
				o.Observe(m.errorCounts[c].Load(), metric.WithAttributes(runAttr,
					attribute.String("rarity.error_category", c.String())))
			}
			return nil
		}),
	)
}

// RecordBatch notes a finished batch of size words of which scored resolved.
func (m *Step2) RecordBatch(size, scored int) {
	m.batches.Add(1)
	m.scored.Add(int64(scored))
	m.failed.Add(int64(size - scored))
	m.lastBatch.Store(int64(size))
	if scored > 0 {
		m.successful.Add(1)
	}
	if scored > 0 && scored < size {
		m.partial.Add(1)
	}
}

// RecordError counts one failure in category c.
func (m *Step2) RecordError(c ErrorCategory) {
	if c < 0 || c >= numCategories {
		c = Other
	}
	m.errorCounts[c].Add(1)
}

// RecordJSONRepair counts a repaired response.
func (m *Step2) RecordJSONRepair() { m.repairs.Add(1) }

// RecordFuzzyMatch counts a fuzzy word match.
func (m *Step2) RecordFuzzyMatch() { m.fuzzy.Add(1) }

// RecordWordMismatch counts a response that left batch words unresolved.
func (m *Step2) RecordWordMismatch() { m.RecordError(WordMismatch) }

// Scored returns the words scored so far.
func (m *Step2) Scored() int64 { return m.scored.Load() }

// Failed returns the words left unscored so far.
func (m *Step2) Failed() int64 { return m.failed.Load() }

// ErrorCount returns the failures recorded in category c.
func (m *Step2) ErrorCount(c ErrorCategory) int64 { return m.errorCounts[c].Load() }

// WordsPerMinute is scored throughput since the run started; zero during
// the first second.
func (m *Step2) WordsPerMinute() float64 {
	elapsed := m.now().Sub(m.start).Seconds()
	if elapsed < 1 {
		return 0
	}
	return float64(m.scored.Load()) * 60 / elapsed
}

// SuccessRate is the share of batches that scored anything, 1.0 before the
// first batch.
func (m *Step2) SuccessRate() float64 {
	batches := m.batches.Load()
	if batches == 0 {
		return 1
	}
	return float64(m.successful.Load()) / float64(batches)
}

// ETA estimates the time to score remaining words at the current rate.
func (m *Step2) ETA(remaining int) time.Duration {
	wpm := m.WordsPerMinute()
	if wpm < 0.1 {
		return 0
	}
	return time.Duration(float64(remaining)/wpm*60) * time.Second
}

// ProgressLine formats the periodic progress log message.
func (m *Step2) ProgressLine(remaining, batchSize int) string {
	return fmt.Sprintf("scored=%d failed=%d remaining=%d wpm=%.1f eta=%s batch_size=%d success_rate=%.0f%%",
		m.scored.Load(), m.failed.Load(), remaining, m.WordsPerMinute(),
		FormatDuration(m.ETA(remaining)), batchSize, m.SuccessRate()*100)
}

// Summary formats the end-of-run report.
func (m *Step2) Summary() string {
	elapsed := m.now().Sub(m.start).Truncate(time.Second)
	lines := []string{
		"--- Step 2 Run Summary ---",
		"Duration: " + FormatDuration(elapsed),
		fmt.Sprintf("Words scored: %d, failed: %d", m.scored.Load(), m.failed.Load()),
		fmt.Sprintf("Batches: %d (success_rate=%.0f%%)", m.batches.Load(), m.SuccessRate()*100),
		fmt.Sprintf("Throughput: %.1f words/min", m.WordsPerMinute()),
		fmt.Sprintf("JSON repairs: %d", m.repairs.Load()),
		fmt.Sprintf("Fuzzy matches: %d", m.fuzzy.Load()),
		fmt.Sprintf("Partial extractions: %d", m.partial.Load()),
	}

	type entry struct {
		cat   ErrorCategory
		count int64
	}
	var errs []entry
	for c := range numCategories {
		if n := m.errorCounts[c].Load(); n > 0 {
			errs = append(errs, entry{c, n})
		}
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].count > errs[j].count })
	if len(errs) > 0 {
		parts := make([]string, len(errs))
		for i, e := range errs {
			parts[i] = fmt.Sprintf("%s=%d", e.cat, e.count)
		}
		lines = append(lines, "Errors: "+strings.Join(parts, ", "))
	}
	return strings.Join(lines, "\n")
}

// FormatDuration renders d as 1h2m3s, 2m3s or 3s.
func FormatDuration(d time.Duration) string {
	total := int64(d / time.Second)
	h, mins, s := total/3600, (total%3600)/60, total%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%dm%ds", h, mins, s)
	case mins > 0:
		return fmt.Sprintf("%dm%ds", mins, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
