package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorCategory
	}{
		{"", Other},
		{"lmstudio: response missing assistant content", MissingContent},
		{"unexpected end of JSON input", TruncatedJSON},
		{"malformed CSV: unclosed quoted field", TruncatedJSON},
		{"invalid decimal literal", DecimalFormat},
		{"word mismatch in result", WordMismatch},
		{"The model has crashed", ModelCrash},
		{"Model process exit code 137", ModelCrash},
		{"Connect timed out", Connectivity},
		{"dial tcp: connection refused", Connectivity},
		{"failed to connect to host", Connectivity},
		{"scorer: server returned HTTP 500: something else entirely", Other},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CategorizeError(tt.msg), tt.msg)
	}
	assert.Equal(t, "WORD_MISMATCH", WordMismatch.String())
	assert.Equal(t, "OTHER", ErrorCategory(42).String())
}

func TestStep2Counters(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newStep2("run_a", clock.now)

	assert.Equal(t, 1.0, m.SuccessRate())
	assert.Equal(t, 0.0, m.WordsPerMinute())

	m.RecordBatch(10, 10)
	m.RecordBatch(10, 4)
	m.RecordBatch(5, 0)
	m.RecordJSONRepair()
	m.RecordFuzzyMatch()
	m.RecordWordMismatch()
	m.RecordError(Connectivity)
	m.RecordError(Connectivity)
	m.RecordError(ErrorCategory(-1))

	assert.Equal(t, int64(14), m.Scored())
	assert.Equal(t, int64(11), m.Failed())
	assert.InDelta(t, 2.0/3.0, m.SuccessRate(), 1e-9)
	assert.Equal(t, int64(1), m.ErrorCount(WordMismatch))
	assert.Equal(t, int64(1), m.ErrorCount(Other))

	clock.t = clock.t.Add(2 * time.Minute)
	assert.InDelta(t, 7.0, m.WordsPerMinute(), 1e-9)
	assert.Equal(t, 10*time.Minute, m.ETA(70))

	assert.Equal(t,
		"scored=14 failed=11 remaining=70 wpm=7.0 eta=10m0s batch_size=8 success_rate=67%",
		m.ProgressLine(70, 8))

	summary := m.Summary()
	assert.Contains(t, summary, "--- Step 2 Run Summary ---")
	assert.Contains(t, summary, "Duration: 2m0s")
	assert.Contains(t, summary, "Partial extractions: 1")
	assert.Contains(t, summary, "Errors: CONNECTIVITY=2, WORD_MISMATCH=1, OTHER=1")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0s", FormatDuration(0))
	assert.Equal(t, "59s", FormatDuration(59*time.Second))
	assert.Equal(t, "1m5s", FormatDuration(65*time.Second))
	assert.Equal(t, "2h0m1s", FormatDuration(2*time.Hour+time.Second))
}

func TestDistribution(t *testing.T) {
	d := DistributionOf([]int{1, 1, 2, 5, 9, 0})
	assert.Equal(t, "distribution=[1:2(50.0%) 2:1(25.0%) 3:0(0.0%) 4:0(0.0%) 5:1(25.0%)]", d.String())

	prev := 1
	d.Move(&prev, 3)
	d.Move(nil, 3)
	assert.Equal(t, 1, d.Count(1))
	assert.Equal(t, 2, d.Count(3))
	assert.Equal(t, 0, d.Count(7))

	assert.Equal(t, "distribution=[1:0(0.0%) 2:0(0.0%) 3:0(0.0%) 4:0(0.0%) 5:0(0.0%)]", (&Distribution{}).String())
}
