package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethpandaops/staticpublish/pkg/archive"
	"github.com/spf13/cobra"
)

var (
	publishOnce      bool
	publishNewRun    bool
	publishScan      bool
	publishPreflight bool
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Upload pending archive files to S3",
	Long: `Upload the archive in batches of publish.batch_size until every item has
been transferred in the current run. With --once a single batch is uploaded
and the command exits; run it again to continue.`,
	RunE: runPublish,
}

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().BoolVar(&publishOnce, "once", false,
		"Upload a single batch and exit")
	publishCmd.Flags().BoolVar(&publishNewRun, "new-run", false,
		"Begin a new publish run before uploading")
	publishCmd.Flags().BoolVar(&publishScan, "scan", false,
		"Scan the archive directory before uploading")
	publishCmd.Flags().BoolVar(&publishPreflight, "preflight", false,
		"Write a test object to the bucket before uploading")
}

func now() time.Time {
	return time.Now().UTC()
}

func runPublish(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = store.Stop() }()

	if publishScan {
		if _, err := archive.NewScanner(log, store).Scan(ctx, cfg.Publish.ArchiveDir); err != nil {
			return err
		}
	}

	if publishNewRun {
		if _, err := store.BeginRun(ctx, now()); err != nil {
			return err
		}
	}

	p, err := newPublisher(ctx, cfg, store)
	if err != nil {
		return err
	}

	if publishPreflight {
		if err := p.uploader.Preflight(ctx, p.settings.Bucket); err != nil {
			return fmt.Errorf("preflight: %w", err)
		}
	}

	if publishOnce {
		done, err := p.scheduler.Step(ctx)
		if err != nil {
			return err
		}

		if !done {
			log.Info("Run not complete, invoke publish again to continue")
		}

		return nil
	}

	if err := p.scheduler.RunUntilDone(ctx); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			log.Info("Publish interrupted, progress is kept in the ledger")

			return nil
		}

		return err
	}

	return nil
}
