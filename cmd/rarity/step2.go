package main

import (
	"github.com/spf13/cobra"

	"github.com/ashita-ai/rarity/internal/metrics"
	"github.com/ashita-ai/rarity/internal/model"
	"github.com/ashita-ai/rarity/internal/pipeline"
	"github.com/ashita-ai/rarity/internal/prompts"
)

func newStep2Cmd(a *app) *cobra.Command {
	var (
		inf       inferenceFlags
		baseCSV   string
		outputCSV string
		inputCSV  string
		limit     int
		force     bool
	)
	cmd := &cobra.Command{
		Use:   "step2",
		Short: "Score every pending word of the base table into a run CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := inf.normalize(1); err != nil {
				return err
			}
			slug, err := model.SanitizeRunSlug(inf.run)
			if err != nil {
				return err
			}
			system, user, err := inf.loadPrompts(prompts.ScoreSystem, prompts.ScoreUser)
			if err != nil {
				return err
			}

			m := metrics.NewStep2(slug)
			sc, client, err := a.newScorer(m)
			if err != nil {
				return err
			}
			_, err = a.service(nil).Step2(cmd.Context(), pipeline.Step2Options{
				RunSlug:       slug,
				Model:         inf.model,
				BaseCSV:       baseCSV,
				OutputCSV:     outputCSV,
				InputCSV:      inputCSV,
				BatchSize:     inf.batchSize,
				Limit:         max(limit, 0),
				MaxRetries:    inf.maxRetries,
				Timeout:       inf.timeout(),
				MaxTokens:     inf.maxTokens,
				SkipPreflight: inf.skipPreflight,
				Force:         force,
				Endpoint:      inf.endpoint,
				BaseURL:       inf.baseURL,
				SystemPrompt:  system,
				UserTemplate:  user,
				Scorer:        sc,
				Resolver:      client,
				Metrics:       m,
			})
			return err
		},
	}
	inf.register(cmd, a.cfg, a.cfg.BatchSize)
	fl := cmd.Flags()
	fl.StringVar(&baseCSV, "base-csv", "", "step 1 export")
	fl.StringVar(&outputCSV, "output-csv", "", "run CSV to create or resume")
	fl.StringVar(&inputCSV, "input", "", "score this table instead of the base")
	fl.IntVar(&limit, "limit", 0, "score at most this many pending words")
	fl.BoolVar(&force, "force", false, "rescore words already in the run")
	_ = cmd.MarkFlagRequired("base-csv")
	_ = cmd.MarkFlagRequired("output-csv")
	return cmd
}
