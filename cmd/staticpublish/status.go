package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/ethpandaops/staticpublish/pkg/ledger"
	"github.com/spf13/cobra"
)

var statusFailedLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the transfer progress of the current run",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntVar(&statusFailedLimit, "failed", 10,
		"Number of failed items to list")
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	out := cmd.OutOrStdout()

	var runStart time.Time

	run, err := store.CurrentRun(ctx)

	switch {
	case err == nil:
		runStart = run.StartedAt
		state := "in progress"

		if run.CompletedAt != nil {
			state = "completed " + run.CompletedAt.Format(time.RFC3339)
		}

		fmt.Fprintf(out, "Run %s started %s (%s)\n", run.ID, run.StartedAt.Format(time.RFC3339), state)
	case errors.Is(err, ledger.ErrNoRun):
		fmt.Fprintln(out, "No publish run started")
	default:
		return err
	}

	stats, err := store.Stats(ctx, runStart)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Items: %d total, %d pending, %d transferred, %d failed\n",
		stats.Total, stats.Pending, stats.Transferred, stats.Failed)

	msgs, err := store.ListStatusMessages(ctx)
	if err != nil {
		return err
	}

	for _, m := range msgs {
		fmt.Fprintf(out, "%s: %s\n", m.Key, m.Message)
	}

	if statusFailedLimit <= 0 || stats.Failed == 0 {
		return nil
	}

	failed, err := store.ListFailed(ctx, statusFailedLimit)
	if err != nil {
		return err
	}

	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tATTEMPTS\tERROR")

	for i := range failed {
		var msg string
		if failed[i].ErrorMessage != nil {
			msg = *failed[i].ErrorMessage
		}

		fmt.Fprintf(tw, "%s\t%d\t%s\n", failed[i].Path(), failed[i].Attempts, msg)
	}

	return tw.Flush()
}
