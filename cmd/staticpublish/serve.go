package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/staticpublish/pkg/api"
	"github.com/ethpandaops/staticpublish/pkg/scheduler"
	"github.com/spf13/cobra"
)

var servePublish bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the status API server",
	Long: `Start the read-only status API. With --publish the server also invokes the
transfer engine every publish.interval until the current run completes.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&servePublish, "publish", false,
		"Publish pending items in the background")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if servePublish {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validating config: %w", err)
		}
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	store, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = store.Stop() }()

	var sched scheduler.Scheduler

	if servePublish {
		p, err := newPublisher(ctx, cfg, store)
		if err != nil {
			return err
		}

		sched = p.scheduler
	}

	srv := api.NewServer(log, &cfg.API, store)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Start publishing after the API is listening.
	if sched != nil {
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if sched != nil {
		if err := sched.Stop(); err != nil {
			log.WithError(err).Warn("Scheduler stop error")
		}
	}

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
