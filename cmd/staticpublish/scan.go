package main

import (
	"fmt"
	"os"

	"github.com/docker/go-units"
	"github.com/ethpandaops/staticpublish/pkg/archive"
	"github.com/spf13/cobra"
)

var scanNewRun bool

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Register the archive's files in the transfer ledger",
	Long: `Walk publish.archive_dir and upsert one transfer item per file. Existing
items keep their transfer state.`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().BoolVar(&scanNewRun, "new-run", false,
		"Begin a new publish run after scanning so every item is transferred again")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.Publish.ArchiveDir == "" {
		return fmt.Errorf("publish.archive_dir is required")
	}

	if _, err := os.Stat(cfg.Publish.ArchiveDir); err != nil {
		return fmt.Errorf("publish.archive_dir: %w", err)
	}

	ctx := cmd.Context()

	store, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = store.Stop() }()

	result, err := archive.NewScanner(log, store).Scan(ctx, cfg.Publish.ArchiveDir)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Registered %d files (%s), skipped %d\n",
		result.Files, units.HumanSize(float64(result.Bytes)), result.Skipped)

	if scanNewRun {
		run, err := store.BeginRun(ctx, now())
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Started run %s\n", run.ID)
	}

	return nil
}
