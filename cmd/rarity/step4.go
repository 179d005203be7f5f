package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/rarity/internal/pipeline"
	"github.com/ashita-ai/rarity/internal/wordstore"
)

func newStep4Cmd(a *app) *cobra.Command {
	var (
		opts pipeline.Step4Options
		mode string
	)
	cmd := &cobra.Command{
		Use:   "step4",
		Short: "Upload final levels to the word store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := pipeline.ParseUploadMode(mode)
			if err != nil {
				return err
			}
			opts.Mode = m
			if opts.ReportCSV == "" {
				opts.ReportCSV = filepath.Join(a.cfg.OutputDir, "step4_upload_report.csv")
			}
			return a.withStore(cmd.Context(), func(store wordstore.Store) error {
				_, err := a.service(store).Step4(cmd.Context(), opts)
				return err
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&opts.FinalCSV, "final-csv", "", "table with final levels")
	fl.StringVar(&mode, "mode", "partial", "partial or full-fallback")
	fl.StringVar(&opts.ReportCSV, "report-csv", "", "upload report (default <output dir>/step4_upload_report.csv)")
	fl.StringVar(&opts.BatchID, "upload-batch-id", "", "marker batch id (default upload_<unix millis>)")
	_ = cmd.MarkFlagRequired("final-csv")
	return cmd
}
