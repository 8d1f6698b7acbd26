package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Make failed items eligible for transfer again",
	Long: `Clear the transfer timestamp of every item whose last upload failed so the
next publish invocation of the current run uploads it again.`,
	RunE: runRetryFailed,
}

func init() {
	rootCmd.AddCommand(retryFailedCmd)
}

func runRetryFailed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	store, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = store.Stop() }()

	n, err := store.ResetFailed(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Reset %d failed items\n", n)

	return nil
}
