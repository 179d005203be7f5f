package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/rarity/internal/batchsize"
	"github.com/ashita-ai/rarity/internal/lmstudio"
	"github.com/ashita-ai/rarity/internal/metrics"
	"github.com/ashita-ai/rarity/internal/model"
	"github.com/ashita-ai/rarity/internal/runlock"
	"github.com/ashita-ai/rarity/internal/runstore"
	"github.com/ashita-ai/rarity/internal/scorer"
)

// Step 2 defaults.
const (
	DefaultBatchSize  = 100
	DefaultMaxRetries = 3
	DefaultTimeout    = 300 * time.Second
	DefaultMaxTokens  = 8000
)

// Step2Options configures one scoring run.
type Step2Options struct {
	RunSlug   string
	Model     string
	BaseCSV   string
	OutputCSV string
	// InputCSV, when set, replaces BaseCSV as the source of words to score.
	InputCSV string

	BatchSize  int
	Limit      int // 0 scores every pending word
	MaxRetries int
	Timeout    time.Duration
	MaxTokens  int

	SkipPreflight bool
	Force         bool

	Endpoint string
	BaseURL  string

	SystemPrompt string
	UserTemplate string

	Scorer   scorer.BatchScorer
	Resolver EndpointResolver
	// Metrics is created for the run when nil.
	Metrics *metrics.Step2
}

// Step2Result summarizes a finished run.
type Step2Result struct {
	RunSlug   string
	Scored    int
	Failed    int
	// Pending is the number of words queued when scoring started.
	Pending   int
	OutputCSV string
	RunLog    string
	FailedLog string
	StatePath string
	Message   string
}

type step2Files struct {
	runLog    string
	failedLog string
	state     string
}

func (s *Service) step2Files(slug string) (step2Files, error) {
	runsDir := filepath.Join(s.outputDir, "runs")
	failedDir := filepath.Join(s.outputDir, "failed_batches")
	for _, dir := range []string{runsDir, failedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return step2Files{}, fmt.Errorf("pipeline: create %s: %w", dir, err)
		}
	}
	return step2Files{
		runLog:    filepath.Join(runsDir, slug+".jsonl"),
		failedLog: filepath.Join(failedDir, slug+".failed.jsonl"),
		state:     filepath.Join(runsDir, slug+".state.json"),
	}, nil
}

// Step2 scores every pending word of the base (or input) table into
// opts.OutputCSV. Rows are appended after each batch so an interrupted run
// resumes where it stopped; the file is reconciled with a guarded rewrite at
// the end. The run's state file tracks running, completed and failed.
func (s *Service) Step2(ctx context.Context, opts Step2Options) (Step2Result, error) {
	slug, err := model.SanitizeRunSlug(opts.RunSlug)
	if err != nil {
		return Step2Result{}, err
	}
	opts.RunSlug = slug
	if opts.Scorer == nil || opts.Resolver == nil {
		return Step2Result{}, errors.New("pipeline: step 2 requires a scorer and an endpoint resolver")
	}
	if opts.BatchSize < 1 {
		return Step2Result{}, fmt.Errorf("pipeline: batch size must be >= 1, got %d", opts.BatchSize)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewStep2(slug)
	}

	files, err := s.step2Files(slug)
	if err != nil {
		return Step2Result{}, err
	}

	lock, err := runlock.Acquire(opts.OutputCSV)
	if err != nil {
		return Step2Result{}, err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			s.logger.Warn("pipeline: release run lock", "error", rerr)
		}
	}()

	if err := runstore.WriteState(files.state, s.runningState(opts)); err != nil {
		return Step2Result{}, err
	}

	result, err := s.runStep2(ctx, opts, files)
	if err != nil {
		failed := runstore.State{
			Status:   runstore.StatusFailed,
			RunSlug:  slug,
			FailedAt: s.timestamp(),
			Error:    err.Error(),
		}
		if serr := runstore.WriteState(files.state, failed); serr != nil {
			s.logger.Error("pipeline: write failed state", "run", slug, "error", serr)
		}
		return Step2Result{}, err
	}
	return result, nil
}

func (s *Service) runningState(opts Step2Options) runstore.State {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	state := runstore.State{
		Status:    runstore.StatusRunning,
		RunSlug:   opts.RunSlug,
		SessionID: uuid.NewString(),
		Model:     opts.Model,
		PID:       os.Getpid(),
		Host:      host,
		StartedAt: s.timestamp(),
		BaseCSV:   absPath(opts.BaseCSV),
		OutputCSV: absPath(opts.OutputCSV),
	}
	if opts.InputCSV != "" {
		state.InputCSV = absPath(opts.InputCSV)
	}
	return state
}

func (s *Service) runStep2(ctx context.Context, opts Step2Options, files step2Files) (Step2Result, error) {
	source := opts.BaseCSV
	if opts.InputCSV != "" {
		source = opts.InputCSV
	}
	baseRows, err := runstore.LoadBaseRows(source)
	if err != nil {
		return Step2Result{}, err
	}
	existing, err := runstore.LoadRunRows(opts.OutputCSV)
	if err != nil {
		return Step2Result{}, err
	}
	baseline := runstore.ComputeBaseline(existing)
	pending := pendingRows(baseRows, existing, opts.Force, opts.Limit)

	result := Step2Result{
		RunSlug:   opts.RunSlug,
		OutputCSV: absPath(opts.OutputCSV),
		RunLog:    absPath(files.runLog),
		FailedLog: absPath(files.failedLog),
		StatePath: absPath(files.state),
	}

	if len(pending) == 0 {
		result.Message = "No pending words"
		state := runstore.State{
			Status:      runstore.StatusCompleted,
			RunSlug:     opts.RunSlug,
			FinishedAt:  s.timestamp(),
			Message:     result.Message,
			StateCounts: &runstore.StateCounts{},
		}
		if err := runstore.WriteState(files.state, state); err != nil {
			return Step2Result{}, err
		}
		s.logger.Info("step 2 complete: no pending words", "run", opts.RunSlug, "output_csv", result.OutputCSV)
		return result, nil
	}

	ep, err := opts.Resolver.ResolveEndpoint(ctx, opts.Endpoint, opts.BaseURL)
	if err != nil {
		return Step2Result{}, err
	}
	s.logger.Info("lmstudio endpoint", "endpoint", ep.ChatURL, "flavor", ep.Flavor.String(), "source", ep.Source)
	if opts.SkipPreflight {
		s.logger.Info("skipping lmstudio preflight")
	} else if err := opts.Resolver.Preflight(ctx, ep, opts.Model); err != nil {
		return Step2Result{}, err
	}

	scored, failed, err := s.scorePending(ctx, opts, files, ep, pending, existing)
	if err != nil {
		return Step2Result{}, err
	}

	if err := runstore.MergeAndRewrite(opts.OutputCSV, existing, baseline); err != nil {
		return Step2Result{}, err
	}

	result.Scored, result.Failed, result.Pending = scored, failed, len(pending)
	state := runstore.State{
		Status:     runstore.StatusCompleted,
		RunSlug:    opts.RunSlug,
		FinishedAt: s.timestamp(),
		OutputCSV:  result.OutputCSV,
		RunLog:     result.RunLog,
		FailedLog:  result.FailedLog,
		StateCounts: &runstore.StateCounts{
			Scored:  scored,
			Failed:  failed,
			Pending: len(pending),
		},
	}
	if err := runstore.WriteState(files.state, state); err != nil {
		return Step2Result{}, err
	}

	s.logger.Info("step 2 complete",
		"run", opts.RunSlug,
		"scored", scored,
		"failed", failed,
		"pending", len(pending),
		"output_csv", result.OutputCSV,
		"run_log", result.RunLog,
		"failed_log", result.FailedLog,
	)
	s.logger.Info(opts.Metrics.Summary())
	return result, nil
}

// pendingRows keeps the base rows not yet in the run (all of them with
// force), deduplicated by id, in id order, up to limit.
func pendingRows(base []model.WordRow, existing map[int64]model.RunRow, force bool, limit int) []model.WordRow {
	byID := make(map[int64]int, len(base))
	unique := make([]model.WordRow, 0, len(base))
	for _, row := range base {
		if i, ok := byID[row.ID]; ok {
			unique[i] = row
			continue
		}
		byID[row.ID] = len(unique)
		unique = append(unique, row)
	}
	sortWords(unique)

	pending := make([]model.WordRow, 0, len(unique))
	for _, row := range unique {
		if limit > 0 && len(pending) >= limit {
			break
		}
		if _, done := existing[row.ID]; done && !force {
			continue
		}
		pending = append(pending, row)
	}
	return pending
}

func (s *Service) scorePending(
	ctx context.Context,
	opts Step2Options,
	files step2Files,
	ep lmstudio.Endpoint,
	pending []model.WordRow,
	existing map[int64]model.RunRow,
) (scored, failed int, err error) {
	minSize := min(max(opts.BatchSize/5, 5), opts.BatchSize)
	adapter, err := batchsize.New(opts.BatchSize, minSize, 0)
	if err != nil {
		return 0, 0, err
	}

	levels := make([]int, 0, len(existing))
	for _, row := range existing {
		levels = append(levels, row.RarityLevel)
	}
	dist := metrics.DistributionOf(levels)

	sc := scorer.Context{
		RunSlug:      opts.RunSlug,
		Model:        opts.Model,
		Endpoint:     ep,
		MaxRetries:   opts.MaxRetries,
		Timeout:      opts.Timeout,
		MaxTokens:    opts.MaxTokens,
		RunLog:       runstore.NewLineLog(files.runLog),
		FailedLog:    runstore.NewLineLog(files.failedLog),
		SystemPrompt: opts.SystemPrompt,
		UserTemplate: opts.UserTemplate,
		Mode:         model.ScoreResults,
	}
	runAttr := metric.WithAttributes(attribute.String("rarity.run", opts.RunSlug))

	remaining := pending
	for len(remaining) > 0 {
		if err := ctx.Err(); err != nil {
			return scored, failed, err
		}
		size := min(adapter.Size(), len(remaining))
		batch := remaining[:size]
		remaining = remaining[size:]

		start := s.now()
		results, err := opts.Scorer.ScoreBatch(ctx, batch, sc)
		s.batchDuration.Record(ctx, float64(s.now().Sub(start).Milliseconds()), runAttr)
		if err != nil {
			return scored, failed, err
		}
		if len(results) > len(batch) {
			results = results[:len(batch)]
		}

		adapter.Record(float64(len(results)) / float64(len(batch)))
		opts.Metrics.RecordBatch(len(batch), len(results))

		if len(results) > 0 {
			rows := s.toRunRows(results, opts.Model, opts.RunSlug)
			if err := runstore.AppendRunRows(opts.OutputCSV, rows); err != nil {
				return scored, failed, err
			}
			for _, row := range rows {
				var previous *int
				if old, ok := existing[row.WordID]; ok {
					previous = &old.RarityLevel
				}
				dist.Move(previous, row.RarityLevel)
				existing[row.WordID] = row
			}
			scored += len(rows)
		}
		failed += len(batch) - len(results)

		s.logger.Info(fmt.Sprintf("Step 2 progress run='%s' %s %s",
			opts.RunSlug, opts.Metrics.ProgressLine(len(remaining), adapter.Size()), dist))
	}
	return scored, failed, nil
}

func (s *Service) toRunRows(results []model.ScoreResult, modelID, slug string) []model.RunRow {
	scoredAt := s.now().Format(time.RFC3339)
	rows := make([]model.RunRow, len(results))
	for i, r := range results {
		rows[i] = model.RunRow{ScoreResult: r, ScoredAt: scoredAt, Model: modelID, RunSlug: slug}
	}
	return rows
}
