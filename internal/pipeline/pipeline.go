// Package pipeline runs the rarity steps: exporting the dictionary, scoring
// it into resumable run files, reconciling runs into final levels, and
// uploading those levels back to the word store.
package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/rarity/internal/lmstudio"
	"github.com/ashita-ai/rarity/internal/model"
	"github.com/ashita-ai/rarity/internal/telemetry"
	"github.com/ashita-ai/rarity/internal/wordstore"
)

// DefaultOutputDir is where step artifacts are written unless overridden.
var DefaultOutputDir = filepath.Join("build", "rarity")

// EndpointResolver locates the chat endpoint and checks that a model is
// served there. *lmstudio.Client satisfies it.
type EndpointResolver interface {
	ResolveEndpoint(ctx context.Context, endpoint, baseURL string) (lmstudio.Endpoint, error)
	Preflight(ctx context.Context, ep lmstudio.Endpoint, modelID string) error
}

// Service carries the collaborators shared by the steps. Steps that do not
// touch the word store accept a nil store.
type Service struct {
	store     wordstore.Store
	outputDir string
	logger    *slog.Logger
	now       func() time.Time

	batchDuration metric.Float64Histogram
	uploadedWords metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithOutputDir sets the artifact directory.
func WithOutputDir(dir string) Option {
	return func(s *Service) { s.outputDir = dir }
}

// WithClock replaces the clock used for timestamps and batch ids.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New creates a pipeline Service.
func New(store wordstore.Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("github.com/ashita-ai/rarity/pipeline")
	batchDur, _ := meter.Float64Histogram("rarity.batch.duration",
		metric.WithDescription("Time to score one batch (ms)"),
		metric.WithUnit("ms"),
	)
	uploaded, _ := meter.Int64Counter("rarity.words.uploaded",
		metric.WithDescription("Rarity levels written to the word store"),
	)
	s := &Service{
		store:         store,
		outputDir:     DefaultOutputDir,
		logger:        logger,
		now:           time.Now,
		batchDuration: batchDur,
		uploadedWords: uploaded,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OutputDir returns the artifact directory.
func (s *Service) OutputDir() string { return s.outputDir }

// Step1 exports every dictionary word, sorted by id, to
// <outdir>/step1_words.csv and returns the file path.
func (s *Service) Step1(ctx context.Context) (string, error) {
	if s.store == nil {
		return "", wordstore.ErrNotConfigured
	}
	words, err := s.store.FetchAllWords(ctx)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(s.outputDir, "step1_words.csv")
	if err := writeBaseRows(path, words); err != nil {
		return "", err
	}
	s.logger.Info("step 1 complete", "words", len(words), "path", absPath(path))
	return path, nil
}

func (s *Service) timestamp() string {
	return s.now().Format(time.RFC3339Nano)
}

func sortWords(rows []model.WordRow) {
	sortByID(rows, func(r model.WordRow) int64 { return r.ID })
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
