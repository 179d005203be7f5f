package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/rarity/internal/pipeline"
)

func newStep3Cmd(a *app) *cobra.Command {
	var opts pipeline.Step3Options
	cmd := &cobra.Command{
		Use:   "step3",
		Short: "Compare two or three runs and flag outliers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.BaseCSV == "" {
				opts.BaseCSV = filepath.Join(a.cfg.OutputDir, "step1_words.csv")
			}
			if opts.OutliersCSV == "" {
				opts.OutliersCSV = filepath.Join(a.cfg.OutputDir, "step3_outliers.csv")
			}
			opts.OutlierThreshold = max(opts.OutlierThreshold, 1)
			opts.ConfidenceThreshold = min(max(opts.ConfidenceThreshold, 0), 1)
			_, err := a.service(nil).Step3(cmd.Context(), opts)
			return err
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&opts.RunA, "run-a-csv", "", "first run CSV")
	fl.StringVar(&opts.RunB, "run-b-csv", "", "second run CSV")
	fl.StringVar(&opts.RunC, "run-c-csv", "", "optional third run CSV")
	fl.StringVar(&opts.OutputCSV, "output-csv", "", "comparison table")
	fl.StringVar(&opts.OutliersCSV, "outliers-csv", "", "outlier table (default <output dir>/step3_outliers.csv)")
	fl.StringVar(&opts.BaseCSV, "base-csv", "", "step 1 export (default <output dir>/step1_words.csv)")
	fl.IntVar(&opts.OutlierThreshold, "outlier-threshold", a.cfg.OutlierThreshold, "level spread that marks an outlier")
	fl.Float64Var(&opts.ConfidenceThreshold, "confidence-threshold", a.cfg.ConfidenceThreshold, "confidence below which a word is an outlier")
	_ = cmd.MarkFlagRequired("run-a-csv")
	_ = cmd.MarkFlagRequired("run-b-csv")
	_ = cmd.MarkFlagRequired("output-csv")
	return cmd
}
