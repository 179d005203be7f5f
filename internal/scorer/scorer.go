// Package scorer sends word batches to the inference server and recovers
// from partial, malformed and failed responses by retrying, demoting
// request capabilities and bisecting the batch.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ashita-ai/rarity/internal/lmstudio"
	"github.com/ashita-ai/rarity/internal/metrics"
	"github.com/ashita-ai/rarity/internal/model"
	"github.com/ashita-ai/rarity/internal/prompts"
	"github.com/ashita-ai/rarity/internal/runstore"
)

const (
	// MaxDepth bounds the bisection recursion.
	MaxDepth = 10

	crashBackoff = 10 * time.Second

	failedAfterRetries = "batch_failed_after_retries"
)

// ErrConnectivity marks a scoring call aborted because the inference server
// could not be reached. Bisecting cannot fix a down server, so it is fatal.
var ErrConnectivity = errors.New("scorer: connectivity failure")

var errUnresolved = errors.New("rows left unresolved by the response at max depth")

type connectivityError struct {
	endpoint string
	cause    error
}

func (e *connectivityError) Error() string {
	return fmt.Sprintf("scorer: request failed due to connectivity/timeout issues at '%s': %v", e.endpoint, e.cause)
}

func (e *connectivityError) Is(target error) bool { return target == ErrConnectivity }

func (e *connectivityError) Unwrap() error { return e.cause }

// Context is the immutable per-call configuration of a scoring request.
type Context struct {
	RunSlug    string
	Model      string
	Endpoint   lmstudio.Endpoint
	MaxRetries int
	Timeout    time.Duration
	MaxTokens  int

	RunLog    *runstore.LineLog
	FailedLog *runstore.LineLog

	SystemPrompt string
	UserTemplate string

	Mode model.OutputMode
	// ForcedLevel and Expected apply to SelectedWordIDs: exactly Expected
	// rows of the batch are returned at ForcedLevel.
	ForcedLevel int
	Expected    int
	// AllowPartial returns a partially resolved batch as is instead of
	// rescoring the unresolved rows.
	AllowPartial bool
}

// BatchScorer scores one batch of words.
type BatchScorer interface {
	ScoreBatch(ctx context.Context, batch []model.WordRow, sc Context) ([]model.ScoreResult, error)
}

// Transport posts a request body to the chat endpoint.
type Transport interface {
	Post(ctx context.Context, url string, body []byte, timeout time.Duration) (lmstudio.Response, error)
}

// Recorder receives parse events and categorized attempt failures.
type Recorder interface {
	lmstudio.ParseObserver
	RecordError(metrics.ErrorCategory)
}

// Scorer is the resilient BatchScorer backed by an inference server.
// Capability state is shared by every call made through one Scorer.
type Scorer struct {
	transport Transport
	profiles  *lmstudio.Profiles
	caps      *lmstudio.Capabilities
	parser    *lmstudio.Parser
	recorder  Recorder
	logger    *slog.Logger
	sleep     func(context.Context, time.Duration) error
	now       func() time.Time
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithRecorder routes parse events and attempt errors to r.
func WithRecorder(r Recorder) Option {
	return func(s *Scorer) { s.recorder = r }
}

// WithCapabilities shares capability state between scorers.
func WithCapabilities(c *lmstudio.Capabilities) Option {
	return func(s *Scorer) { s.caps = c }
}

// WithSleep replaces the crash backoff sleep.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(s *Scorer) { s.sleep = fn }
}

// WithClock replaces the clock used for log timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// New returns a scorer posting through transport.
func New(transport Transport, profiles *lmstudio.Profiles, logger *slog.Logger, opts ...Option) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	if profiles == nil {
		profiles = lmstudio.NewProfiles()
	}
	s := &Scorer{
		transport: transport,
		profiles:  profiles,
		logger:    logger,
		sleep:     sleepContext,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.caps == nil {
		s.caps = lmstudio.NewCapabilities(logger)
	}
	var observer lmstudio.ParseObserver
	if s.recorder != nil {
		observer = s.recorder
	}
	s.parser = lmstudio.NewParser(observer)
	return s
}

// Capabilities returns the capability state shared by this scorer's calls.
func (s *Scorer) Capabilities() *lmstudio.Capabilities { return s.caps }

// ScoreBatch resolves as many rows of batch as it can. It never returns more
// results than rows. Ordinary server and parse failures are absorbed by
// retries and bisection; rows that still fail alone go to sc.FailedLog.
// Only connectivity failures (ErrConnectivity), cancellation and failed-log
// write errors are returned.
func (s *Scorer) ScoreBatch(ctx context.Context, batch []model.WordRow, sc Context) ([]model.ScoreResult, error) {
	if sc.Mode == model.SelectedWordIDs && !model.ValidRarity(sc.ForcedLevel) {
		return nil, fmt.Errorf("scorer: selection mode requires a forced level in 1..5, got %d", sc.ForcedLevel)
	}
	sc.MaxRetries = max(sc.MaxRetries, 1)
	return s.score(ctx, batch, sc, 0)
}

func (s *Scorer) score(ctx context.Context, batch []model.WordRow, sc Context, depth int) ([]model.ScoreResult, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	selection := sc.Mode == model.SelectedWordIDs
	if selection {
		if sc.Expected <= 0 {
			return nil, nil
		}
		if sc.Expected >= len(batch) {
			out := make([]model.ScoreResult, len(batch))
			for i, row := range batch {
				out[i] = lmstudio.SelectedScore(row, sc.ForcedLevel)
			}
			return out, nil
		}
	}

	res := s.attempt(ctx, batch, sc, sc.SystemPrompt, sc.MaxRetries)
	if err := s.fatal(ctx, sc, res); err != nil {
		return nil, err
	}

	if len(res.scores) > 0 {
		if len(res.unresolved) == 0 || sc.AllowPartial {
			return res.scores, nil
		}
		if depth >= MaxDepth {
			return res.scores, s.recordFailed(sc, res.unresolved, errUnresolved)
		}
		rest, err := s.score(ctx, res.unresolved, sc, depth+1)
		if err != nil {
			return nil, err
		}
		return append(res.scores, rest...), nil
	}

	if selection {
		repair := s.attempt(ctx, batch, sc, prompts.SelectionRepairSystem, 1)
		if err := s.fatal(ctx, sc, repair); err != nil {
			return nil, err
		}
		if len(repair.scores) > 0 {
			return repair.scores, nil
		}
	}

	if len(batch) == 1 || depth >= MaxDepth {
		return nil, s.recordFailed(sc, batch, res.lastErr)
	}

	mid := len(batch) / 2
	left, right := batch[:mid], batch[mid:]
	leftCtx, rightCtx := sc, sc
	if selection {
		leftCtx.Expected, rightCtx.Expected = splitExpected(sc.Expected, len(left), len(right))
	}
	leftScores, err := s.score(ctx, left, leftCtx, depth+1)
	if err != nil {
		return nil, err
	}
	rightScores, err := s.score(ctx, right, rightCtx, depth+1)
	if err != nil {
		return nil, err
	}
	return append(leftScores, rightScores...), nil
}

func (s *Scorer) fatal(ctx context.Context, sc Context, res attemptResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if res.connectivity {
		return &connectivityError{endpoint: sc.Endpoint.ChatURL, cause: res.lastErr}
	}
	return nil
}

// splitExpected apportions a selection count across two halves in
// proportion to their sizes. The sum is preserved and neither half is asked
// for more than it holds.
func splitExpected(expected, leftSize, rightSize int) (int, int) {
	total := leftSize + rightSize
	left := int(math.Round(float64(expected) * float64(leftSize) / float64(total)))
	left = min(max(left, 0), leftSize)
	right := expected - left
	if right > rightSize {
		right = rightSize
		left = min(expected-right, leftSize)
	}
	if right < 0 {
		right = 0
	}
	return left, right
}

type failedWordLine struct {
	TS        string `json:"ts"`
	Run       string `json:"run"`
	WordID    int64  `json:"word_id"`
	Word      string `json:"word"`
	Type      string `json:"type"`
	Error     string `json:"error"`
	LastError string `json:"last_error,omitempty"`
}

func (s *Scorer) recordFailed(sc Context, rows []model.WordRow, cause error) error {
	if len(rows) == 0 {
		return nil
	}
	last := ""
	if cause != nil {
		last = cause.Error()
	}
	ts := s.now().Format(time.RFC3339Nano)
	for _, row := range rows {
		line := failedWordLine{
			TS: ts, Run: sc.RunSlug,
			WordID: row.ID, Word: row.Word, Type: row.Type,
			Error: failedAfterRetries, LastError: last,
		}
		if err := sc.FailedLog.Append(line); err != nil {
			return fmt.Errorf("scorer: record failed word %d: %w", row.ID, err)
		}
	}
	s.logger.Warn("scorer: words failed after retries", "run", sc.RunSlug, "count", len(rows), "last_error", last)
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
