package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/rarity/internal/config"
	"github.com/ashita-ai/rarity/internal/lmstudio"
	"github.com/ashita-ai/rarity/internal/pipeline"
	"github.com/ashita-ai/rarity/internal/prompts"
	"github.com/ashita-ai/rarity/internal/scorer"
	"github.com/ashita-ai/rarity/internal/wordstore"
)

// app carries what every subcommand needs.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time
}

func newApp(cfg config.Config, logger *slog.Logger) *app {
	return &app{cfg: cfg, logger: logger, now: time.Now}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "rarity",
		Short:         "Classify dictionary words by rarity with a local language model",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newStep1Cmd(a),
		newStep2Cmd(a),
		newStep3Cmd(a),
		newStep4Cmd(a),
		newStep5Cmd(a),
	)
	return root
}

func (a *app) service(store wordstore.Store) *pipeline.Service {
	return pipeline.New(store, a.logger,
		pipeline.WithOutputDir(a.cfg.OutputDir),
		pipeline.WithClock(a.now),
	)
}

// withStore opens the configured word store for the duration of fn.
func (a *app) withStore(ctx context.Context, fn func(wordstore.Store) error) error {
	store, err := wordstore.Open(ctx, a.cfg.WordStore(), a.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			a.logger.Warn("close word store", "error", cerr)
		}
	}()
	return fn(store)
}

func (a *app) client() *lmstudio.Client {
	return lmstudio.NewClient(a.cfg.LMStudioAPIKey, a.logger,
		lmstudio.WithPreflightTimeout(a.cfg.PreflightTimeout))
}

func (a *app) profiles() (*lmstudio.Profiles, error) {
	if a.cfg.ProfilesFile == "" {
		return lmstudio.NewProfiles(), nil
	}
	return lmstudio.LoadProfiles(a.cfg.ProfilesFile)
}

// inferenceFlags are the flags shared by the steps that call the model.
type inferenceFlags struct {
	run              string
	model            string
	batchSize        int
	maxRetries       int
	timeoutSeconds   int
	maxTokens        int
	skipPreflight    bool
	endpoint         string
	baseURL          string
	systemPromptFile string
	userTemplateFile string
}

func (f *inferenceFlags) register(cmd *cobra.Command, cfg config.Config, batchSize int) {
	fl := cmd.Flags()
	fl.StringVar(&f.run, "run", "", "run slug ([a-z0-9_]{1,40}, dashes become underscores)")
	fl.StringVar(&f.model, "model", cfg.Model, "model id served by the inference server")
	fl.IntVar(&f.batchSize, "batch-size", batchSize, "words per model call")
	fl.IntVar(&f.maxRetries, "max-retries", max(cfg.MaxRetries, 1), "attempts per batch before bisecting")
	fl.IntVar(&f.timeoutSeconds, "timeout-seconds", int(cfg.Timeout/time.Second), "per-call timeout in seconds")
	fl.IntVar(&f.maxTokens, "max-tokens", cfg.MaxTokens, "upper bound on completion tokens")
	fl.BoolVar(&f.skipPreflight, "skip-preflight", false, "skip the models listing check")
	fl.StringVar(&f.endpoint, "endpoint", cfg.LMStudioEndpoint, "explicit chat endpoint or server base")
	fl.StringVar(&f.baseURL, "base-url", cfg.LMStudioBaseURL, "server base probed when no endpoint is given")
	fl.StringVar(&f.systemPromptFile, "system-prompt-file", "", "system prompt override")
	fl.StringVar(&f.userTemplateFile, "user-template-file", "", "user prompt template override")
	_ = cmd.MarkFlagRequired("run")
}

// normalize applies the lower bounds and checks the model is set.
func (f *inferenceFlags) normalize(minBatch int) error {
	if f.model == "" {
		return errors.New("missing required option --model")
	}
	f.batchSize = max(f.batchSize, minBatch)
	f.maxRetries = max(f.maxRetries, 1)
	f.timeoutSeconds = max(f.timeoutSeconds, 5)
	f.maxTokens = max(f.maxTokens, 64)
	return nil
}

func (f *inferenceFlags) timeout() time.Duration {
	return time.Duration(f.timeoutSeconds) * time.Second
}

func (f *inferenceFlags) loadPrompts(system, user string) (string, string, error) {
	sys, err := prompts.Load(f.systemPromptFile, system)
	if err != nil {
		return "", "", err
	}
	tmpl, err := prompts.Load(f.userTemplateFile, user)
	if err != nil {
		return "", "", err
	}
	return sys, tmpl, nil
}

func (a *app) newScorer(rec scorer.Recorder) (*scorer.Scorer, *lmstudio.Client, error) {
	profiles, err := a.profiles()
	if err != nil {
		return nil, nil, err
	}
	client := a.client()
	var opts []scorer.Option
	if rec != nil {
		opts = append(opts, scorer.WithRecorder(rec))
	}
	return scorer.New(client, profiles, a.logger, opts...), client, nil
}
