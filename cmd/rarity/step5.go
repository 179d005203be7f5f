package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/rarity/internal/model"
	"github.com/ashita-ai/rarity/internal/prompts"
	"github.com/ashita-ai/rarity/internal/rebalance"
)

func newStep5Cmd(a *app) *cobra.Command {
	var (
		inf         inferenceFlags
		step2CSV    string
		inputCSV    string
		outputCSV   string
		lowerRatio  float64
		seed        int64
		transitions string
		fromLevel   int
		toLevel     int
	)
	cmd := &cobra.Command{
		Use:   "step5",
		Short: "Rebalance adjacent rarity levels with selection prompts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := inf.normalize(rebalance.MinBatchSize); err != nil {
				return err
			}
			slug, err := model.SanitizeRunSlug(inf.run)
			if err != nil {
				return err
			}
			ts, err := stepTransitions(cmd, transitions, fromLevel, toLevel)
			if err != nil {
				return err
			}
			input := step2CSV
			if input == "" {
				input = inputCSV
			}
			if input == "" {
				return errors.New("missing required option --step2-csv (alias: --input-csv)")
			}
			system, user, err := inf.loadPrompts(prompts.RebalanceSystem, prompts.RebalanceUser)
			if err != nil {
				return err
			}

			opts := rebalance.Options{
				RunSlug:       slug,
				Model:         inf.model,
				InputCSV:      input,
				OutputCSV:     outputCSV,
				BatchSize:     inf.batchSize,
				LowerRatio:    min(max(lowerRatio, 0.01), 0.49),
				MaxRetries:    inf.maxRetries,
				Timeout:       inf.timeout(),
				MaxTokens:     inf.maxTokens,
				SkipPreflight: inf.skipPreflight,
				Endpoint:      inf.endpoint,
				BaseURL:       inf.baseURL,
				Transitions:   ts,
				SystemPrompt:  system,
				UserTemplate:  user,
			}
			if cmd.Flags().Changed("seed") {
				s := uint64(seed) //nolint:gosec // any bit pattern is a valid seed
				opts.Seed = &s
			}

			sc, client, err := a.newScorer(nil)
			if err != nil {
				return err
			}
			r := rebalance.New(sc, client, a.logger,
				rebalance.WithOutputDir(a.cfg.OutputDir),
				rebalance.WithClock(a.now),
			)
			_, err = r.Run(cmd.Context(), opts)
			return err
		},
	}
	inf.register(cmd, a.cfg, a.cfg.RebalanceBatchSize)
	fl := cmd.Flags()
	fl.StringVar(&step2CSV, "step2-csv", "", "table with current levels (final, rarity or median)")
	fl.StringVar(&inputCSV, "input-csv", "", "alias of --step2-csv")
	fl.StringVar(&outputCSV, "output-csv", "", "rebalanced table")
	fl.Float64Var(&lowerRatio, "lower-ratio", a.cfg.RebalanceLowerRatio, "share of each batch moved to the target level")
	fl.Int64Var(&seed, "seed", 0, "shuffle seed (default from the clock)")
	fl.StringVar(&transitions, "transitions", rebalance.DefaultTransitions, "comma separated from:to or lo-hi:to rules")
	fl.IntVar(&fromLevel, "from-level", 0, "single transition source level")
	fl.IntVar(&toLevel, "to-level", 0, "single transition target level")
	_ = cmd.MarkFlagRequired("output-csv")
	return cmd
}

// stepTransitions reads --from-level/--to-level when either is set, else
// --transitions.
func stepTransitions(cmd *cobra.Command, spec string, from, to int) ([]rebalance.Transition, error) {
	fromSet, toSet := cmd.Flags().Changed("from-level"), cmd.Flags().Changed("to-level")
	if !fromSet && !toSet {
		return rebalance.ParseTransitions(spec)
	}
	if !fromSet || !toSet {
		return nil, errors.New("step5: --from-level and --to-level must be given together")
	}
	return rebalance.ParseTransitions(fmt.Sprintf("%d:%d", from, to))
}
