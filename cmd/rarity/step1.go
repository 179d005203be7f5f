package main

import (
	"github.com/spf13/cobra"

	"github.com/ashita-ai/rarity/internal/wordstore"
)

func newStep1Cmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "step1",
		Short: "Export the dictionary words to step1_words.csv",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(store wordstore.Store) error {
				_, err := a.service(store).Step1(cmd.Context())
				return err
			})
		},
	}
}
