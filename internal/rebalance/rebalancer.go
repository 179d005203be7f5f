// Package rebalance redistributes words between adjacent rarity levels.
// Each transition draws stratified, seeded batches from its source levels
// and asks the scorer, in selection mode, for an exact number of words to
// move to the target level. Progress is checkpointed per batch so an
// interrupted run resumes without reprocessing words.
package rebalance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/rarity/internal/lmstudio"
	"github.com/ashita-ai/rarity/internal/metrics"
	"github.com/ashita-ai/rarity/internal/model"
	"github.com/ashita-ai/rarity/internal/prompts"
	"github.com/ashita-ai/rarity/internal/runstore"
	"github.com/ashita-ai/rarity/internal/scorer"
)

// Defaults for a rebalance run.
const (
	DefaultBatchSize  = 60
	DefaultLowerRatio = 1.0 / 3.0
)

// EndpointResolver locates the chat endpoint and checks the model is served.
type EndpointResolver interface {
	ResolveEndpoint(ctx context.Context, endpoint, baseURL string) (lmstudio.Endpoint, error)
	Preflight(ctx context.Context, ep lmstudio.Endpoint, modelID string) error
}

// Options configures a rebalance run.
type Options struct {
	RunSlug   string
	Model     string
	InputCSV  string
	OutputCSV string

	BatchSize  int
	LowerRatio float64
	MaxRetries int
	Timeout    time.Duration
	MaxTokens  int

	SkipPreflight bool
	Endpoint      string
	BaseURL       string

	// Seed fixes the shuffle; nil seeds from the clock.
	Seed        *uint64
	Transitions []Transition

	SystemPrompt string
	UserTemplate string
}

// Summary reports one transition.
type Summary struct {
	Transition     Transition
	Eligible       int
	TargetAssigned int
	Switched       int
}

// Result reports a finished run.
type Result struct {
	RunSlug   string
	Seed      uint64
	Summaries []Summary
	Switched  int
	OutputCSV string

	ResumedBatches   int
	ResumedProcessed int
	ResumedSwitched  int
}

// Rebalancer runs transitions through a selection-mode scorer.
type Rebalancer struct {
	scorer    scorer.BatchScorer
	resolver  EndpointResolver
	outputDir string
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Rebalancer.
type Option func(*Rebalancer)

// WithOutputDir sets the directory holding the rebalance logs.
func WithOutputDir(dir string) Option {
	return func(r *Rebalancer) { r.outputDir = dir }
}

// WithClock replaces the clock used for timestamps and default seeds.
func WithClock(now func() time.Time) Option {
	return func(r *Rebalancer) { r.now = now }
}

// New returns a Rebalancer.
func New(s scorer.BatchScorer, resolver EndpointResolver, logger *slog.Logger, opts ...Option) *Rebalancer {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Rebalancer{
		scorer:    s,
		resolver:  resolver,
		outputDir: filepath.Join("build", "rarity"),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type logs struct {
	run        *runstore.LineLog
	failed     *runstore.LineLog
	switched   *runstore.LineLog
	checkpoint *runstore.LineLog
}

func (r *Rebalancer) prepareLogs(slug string) (logs, error) {
	root := filepath.Join(r.outputDir, "rebalance")
	dirs := []string{"runs", "failed_batches", "switched_words", "checkpoints"}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return logs{}, fmt.Errorf("rebalance: create %s: %w", d, err)
		}
	}
	return logs{
		run:        runstore.NewLineLog(filepath.Join(root, "runs", slug+".jsonl")),
		failed:     runstore.NewLineLog(filepath.Join(root, "failed_batches", slug+".failed.jsonl")),
		switched:   runstore.NewLineLog(filepath.Join(root, "switched_words", slug+".switched.jsonl")),
		checkpoint: runstore.NewLineLog(filepath.Join(root, "checkpoints", slug+".checkpoint.jsonl")),
	}, nil
}

// state is the mutable working set of a run.
type state struct {
	levels    map[int64]int
	rules     map[int64]string
	processed map[int64]bool
	dist      *metrics.Distribution
}

type switchedRef struct {
	WordID   int64  `json:"word_id"`
	NewLevel int    `json:"new_level"`
	Rule     string `json:"rule"`
}

type checkpointLine struct {
	Timestamp    string        `json:"timestamp"`
	Transition   string        `json:"transition"`
	ProcessedIDs []int64       `json:"processed_word_ids"`
	Switched     []switchedRef `json:"switched"`
}

type switchedLine struct {
	Timestamp     string `json:"timestamp"`
	RunSlug       string `json:"run_slug"`
	Model         string `json:"model"`
	WordID        int64  `json:"word_id"`
	Word          string `json:"word"`
	Type          string `json:"type"`
	PreviousLevel int    `json:"previous_level"`
	NewLevel      int    `json:"new_level"`
	Transition    string `json:"transition"`
}

// Run applies opts.Transitions once each, in order, and writes the output
// table. Words that reach a source level through an earlier transition are
// already processed and are not split again.
func (r *Rebalancer) Run(ctx context.Context, opts Options) (Result, error) {
	slug, err := model.SanitizeRunSlug(opts.RunSlug)
	if err != nil {
		return Result{}, err
	}
	opts.RunSlug = slug
	if err := ValidateTransitions(opts.Transitions); err != nil {
		return Result{}, err
	}
	if opts.BatchSize < 1 {
		return Result{}, fmt.Errorf("rebalance: batch size must be >= 1, got %d", opts.BatchSize)
	}
	if opts.LowerRatio <= 0 || opts.LowerRatio >= 1 {
		return Result{}, fmt.Errorf("rebalance: lower ratio must be in (0,1), got %g", opts.LowerRatio)
	}
	if r.scorer == nil || r.resolver == nil {
		return Result{}, errors.New("rebalance: a scorer and an endpoint resolver are required")
	}

	ds, err := loadDataset(opts.InputCSV)
	if err != nil {
		return Result{}, err
	}
	ep, err := r.resolver.ResolveEndpoint(ctx, opts.Endpoint, opts.BaseURL)
	if err != nil {
		return Result{}, err
	}
	r.logger.Info("lmstudio endpoint", "endpoint", ep.ChatURL, "flavor", ep.Flavor.String(), "source", ep.Source)
	if opts.SkipPreflight {
		r.logger.Info("skipping lmstudio preflight")
	} else if err := r.resolver.Preflight(ctx, ep, opts.Model); err != nil {
		return Result{}, err
	}

	lg, err := r.prepareLogs(slug)
	if err != nil {
		return Result{}, err
	}

	levels := make([]int, 0, len(ds.levels))
	for _, l := range ds.levels {
		levels = append(levels, l)
	}
	st := &state{
		levels:    ds.levels,
		rules:     make(map[int64]string),
		processed: make(map[int64]bool),
		dist:      metrics.DistributionOf(levels),
	}

	result := Result{RunSlug: slug, OutputCSV: absPath(opts.OutputCSV)}
	if err := r.restore(ds, st, lg.checkpoint.Path(), &result); err != nil {
		return Result{}, err
	}

	seed := uint64(r.now().UnixNano())
	if opts.Seed != nil {
		seed = *opts.Seed
	}
	result.Seed = seed
	rng := rand.New(rand.NewPCG(seed, seed))

	descs := make([]string, len(opts.Transitions))
	for i, t := range opts.Transitions {
		descs[i] = t.String()
	}
	r.logger.Info("step 5 rebalance",
		"run", slug,
		"seed", seed,
		"batch_size", opts.BatchSize,
		"lower_ratio", strconv.FormatFloat(opts.LowerRatio, 'f', 4, 64),
		"transitions", strings.Join(descs, ","),
	)
	if result.ResumedBatches > 0 {
		r.logger.Info("step 5 resumed from checkpoint",
			"run", slug,
			"batches", result.ResumedBatches,
			"processed", result.ResumedProcessed,
			"switched", result.ResumedSwitched,
		)
	}
	r.logger.Info("step 5 input " + st.dist.String())

	sc := scorer.Context{
		Model:      opts.Model,
		Endpoint:   ep,
		MaxRetries: opts.MaxRetries,
		Timeout:    opts.Timeout,
		MaxTokens:  opts.MaxTokens,
		RunLog:     lg.run,
		FailedLog:  lg.failed,
		Mode:       model.SelectedWordIDs,
	}
	for _, t := range opts.Transitions {
		sum, err := r.applyTransition(ctx, opts, t, ds, st, lg, sc, rng)
		if err != nil {
			return Result{}, err
		}
		result.Summaries = append(result.Summaries, sum)
		result.Switched += sum.Switched
	}

	if err := ds.write(opts.OutputCSV, st, opts.Model, slug, r.timestamp()); err != nil {
		return Result{}, err
	}
	for _, s := range result.Summaries {
		r.logger.Info("step 5 transition",
			"transition", s.Transition.String(),
			"eligible", s.Eligible,
			"target_assigned", s.TargetAssigned,
			"switched", s.Switched,
		)
	}
	r.logger.Info("step 5 complete",
		"run", slug,
		"switched", result.Switched,
		"output_csv", result.OutputCSV,
		"switched_log", absPath(lg.switched.Path()),
	)
	r.logger.Info("step 5 output " + st.dist.String())
	return result, nil
}

func (r *Rebalancer) applyTransition(
	ctx context.Context,
	opts Options,
	t Transition,
	ds *dataset,
	st *state,
	lg logs,
	base scorer.Context,
	rng *rand.Rand,
) (Summary, error) {
	sum := Summary{Transition: t}
	sources := t.SourceLevels()
	remaining := make(map[int][]model.WordRow, len(sources))
	for _, l := range sources {
		var queue []model.WordRow
		for _, w := range ds.words {
			if st.levels[w.ID] == l && !st.processed[w.ID] {
				queue = append(queue, w)
			}
		}
		rng.Shuffle(len(queue), func(i, j int) { queue[i], queue[j] = queue[j], queue[i] })
		remaining[l] = queue
		sum.Eligible += len(queue)
	}

	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		batch := nextBatch(sources, remaining, opts.BatchSize, rng)
		if len(batch) == 0 {
			return sum, nil
		}
		processed += len(batch)
		mix := batchMix(batch, st)

		target := TargetCount(len(batch), opts.LowerRatio)
		var switched []switchedRef
		if target > 0 {
			sc := base
			sc.RunSlug = fmt.Sprintf("%s_%s_%d", opts.RunSlug, strings.ReplaceAll(t.DescribeSources(), "-", "_"), t.To)
			sc.ForcedLevel = t.To
			sc.Expected = target
			vars := map[string]string{
				prompts.FromLevel:   t.DescribeSources(),
				prompts.ToLevel:     strconv.Itoa(t.To),
				prompts.OtherLevel:  strconv.Itoa(t.OtherLevel()),
				prompts.TargetCount: strconv.Itoa(target),
			}
			sc.SystemPrompt = prompts.Render(opts.SystemPrompt, vars)
			sc.UserTemplate = prompts.Render(opts.UserTemplate, vars)

			scored, err := r.scorer.ScoreBatch(ctx, batch, sc)
			if err != nil {
				return sum, err
			}
			selected := selectTargets(batch, scored, t.To, target)
			sum.TargetAssigned += len(selected)
			switched, err = r.assign(opts, t, batch, selected, st, lg)
			if err != nil {
				return sum, err
			}
		} else {
			for _, w := range batch {
				st.processed[w.ID] = true
			}
		}

		ids := make([]int64, len(batch))
		for i, w := range batch {
			ids[i] = w.ID
		}
		line := checkpointLine{Timestamp: r.timestamp(), Transition: t.String(), ProcessedIDs: ids, Switched: switched}
		if line.Switched == nil {
			line.Switched = []switchedRef{}
		}
		if err := lg.checkpoint.Append(line); err != nil {
			return sum, err
		}
		sum.Switched += len(switched)

		r.logger.Info(fmt.Sprintf("Step 5 progress run='%s' transition=%s processed=%d/%d target_assigned=%d batch_target=%d batch_mix=%s %s",
			opts.RunSlug, t, processed, sum.Eligible, sum.TargetAssigned, target, mix, st.dist))
	}
}

// assign moves every batch word to its new level and logs the ones that
// changed.
func (r *Rebalancer) assign(opts Options, t Transition, batch []model.WordRow, selected map[int64]bool, st *state, lg logs) ([]switchedRef, error) {
	var switched []switchedRef
	var promoted, downgraded []string
	other := t.OtherLevel()
	for _, w := range batch {
		next := other
		if selected[w.ID] {
			next = t.To
		}
		prev := st.levels[w.ID]
		st.levels[w.ID] = next
		st.dist.Move(&prev, next)
		st.processed[w.ID] = true
		if prev == next {
			continue
		}

		rule := fmt.Sprintf("%s->%d (via %s:%d)", t.DescribeSources(), next, t.DescribeSources(), t.To)
		st.rules[w.ID] = rule
		switched = append(switched, switchedRef{WordID: w.ID, NewLevel: next, Rule: rule})
		if err := lg.switched.Append(switchedLine{
			Timestamp:     r.timestamp(),
			RunSlug:       opts.RunSlug,
			Model:         opts.Model,
			WordID:        w.ID,
			Word:          w.Word,
			Type:          w.Type,
			PreviousLevel: prev,
			NewLevel:      next,
			Transition:    t.String(),
		}); err != nil {
			return nil, err
		}
		label := fmt.Sprintf("%s(%d->%d)", w.Word, prev, next)
		if next > prev {
			promoted = append(promoted, label)
		} else {
			downgraded = append(downgraded, label)
		}
	}
	if len(switched) > 0 {
		r.logger.Info("step 5 switched words",
			"run", opts.RunSlug,
			"transition", t.String(),
			"changed", len(switched),
			"promoted", strings.Join(promoted, " | "),
			"downgraded", strings.Join(downgraded, " | "),
		)
	}
	return switched, nil
}

// restore replays a checkpoint log: processed ids are skipped by this run
// and the first recorded switch of each word is reapplied.
func (r *Rebalancer) restore(ds *dataset, st *state, path string, result *Result) error {
	lines, skipped, err := runstore.ReadLines[checkpointLine](path)
	if err != nil {
		return err
	}
	if skipped > 0 {
		r.logger.Warn("rebalance: unreadable checkpoint lines skipped", "path", path, "count", skipped)
	}
	applied := make(map[int64]bool)
	for _, line := range lines {
		result.ResumedBatches++
		for _, id := range line.ProcessedIDs {
			if _, ok := ds.byID[id]; ok && !st.processed[id] {
				st.processed[id] = true
				result.ResumedProcessed++
			}
		}
		for _, sw := range line.Switched {
			if _, ok := ds.byID[sw.WordID]; !ok || !model.ValidRarity(sw.NewLevel) || applied[sw.WordID] {
				continue
			}
			applied[sw.WordID] = true
			prev := st.levels[sw.WordID]
			st.levels[sw.WordID] = sw.NewLevel
			st.dist.Move(&prev, sw.NewLevel)
			if sw.Rule != "" {
				st.rules[sw.WordID] = sw.Rule
			}
			result.ResumedSwitched++
		}
	}
	return nil
}

func batchMix(batch []model.WordRow, st *state) string {
	var counts [model.MaxRarity + 1]int
	for _, w := range batch {
		counts[st.levels[w.ID]]++
	}
	var parts []string
	for l := model.MinRarity; l <= model.MaxRarity; l++ {
		if counts[l] > 0 {
			parts = append(parts, fmt.Sprintf("%d:%d", l, counts[l]))
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (r *Rebalancer) timestamp() string {
	return r.now().Format(time.RFC3339Nano)
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
