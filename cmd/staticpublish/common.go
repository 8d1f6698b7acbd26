package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/staticpublish/pkg/config"
	"github.com/ethpandaops/staticpublish/pkg/ledger"
	"github.com/ethpandaops/staticpublish/pkg/publish"
	"github.com/ethpandaops/staticpublish/pkg/scheduler"
	"github.com/ethpandaops/staticpublish/pkg/upload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// loadConfig loads the config files given with --config. Without any
// file, defaults and STATICPUBLISH_* environment variables apply. The
// configured log level is used unless --log-level was given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if !cmd.Flags().Changed("log-level") {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	return cfg, nil
}

// openLedger validates the database settings and starts the ledger store.
func openLedger(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	if err := cfg.Database.Validate(); err != nil {
		return nil, fmt.Errorf("validating database config: %w", err)
	}

	store := ledger.NewStore(log, &cfg.Database)
	if err := store.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting ledger: %w", err)
	}

	return store, nil
}

// publisher bundles what a publish run needs.
type publisher struct {
	settings  *publish.Settings
	uploader  upload.Uploader
	scheduler scheduler.Scheduler
}

// newPublisher decodes the publish options and wires the uploader, the
// transfer engine and the scheduler around the given ledger.
func newPublisher(
	ctx context.Context,
	cfg *config.Config,
	store ledger.Store,
) (*publisher, error) {
	settings, err := publish.DecodeSettings(cfg.Options())
	if err != nil {
		return nil, fmt.Errorf("decoding publish options: %w", err)
	}

	s3Cfg := cfg.S3
	s3Cfg.Bucket = settings.Bucket
	s3Cfg.AccessKeyID = settings.AccessKeyID
	s3Cfg.SecretAccessKey = settings.SecretAccessKey

	uploader, err := upload.NewS3Uploader(ctx, log, &s3Cfg)
	if err != nil {
		return nil, fmt.Errorf("creating S3 uploader: %w", err)
	}

	engine := publish.NewEngine(log, store, uploader,
		publish.MultiSink{store, publish.LogSink{Log: log}},
		publish.Config{
			BatchSize:            cfg.Publish.BatchSize,
			RetryFailedWithinRun: cfg.Publish.RetryFailedWithinRun,
			Concurrency:          cfg.Publish.Concurrency,
		},
	)

	return &publisher{
		settings:  settings,
		uploader:  uploader,
		scheduler: scheduler.New(log, store, engine, settings.Target(), cfg.PublishInterval()),
	}, nil
}
