package scheduler_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/staticpublish/pkg/config"
	"github.com/ethpandaops/staticpublish/pkg/ledger"
	"github.com/ethpandaops/staticpublish/pkg/publish"
	"github.com/ethpandaops/staticpublish/pkg/scheduler"
	"github.com/ethpandaops/staticpublish/pkg/upload"
)

type switchUploader struct {
	fail    map[string]bool
	uploads map[string]int
}

func (u *switchUploader) Preflight(context.Context, string) error { return nil }

func (u *switchUploader) Upload(_ context.Context, _, bucket, key string) upload.Result {
	u.uploads[key]++

	if u.fail[key] {
		return upload.Result{Key: key, Failure: &upload.Failure{
			Reason: upload.ReasonAuth,
			Bucket: bucket,
			Key:    key,
			Err:    errors.New("access denied"),
		}}
	}

	return upload.Result{Key: key, Bytes: 1}
}

func TestScheduler_RetryFailedAfterCompletedRun(t *testing.T) {
	ctx := context.Background()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	store := ledger.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: filepath.Join(t.TempDir(), "ledger.db")},
	})
	require.NoError(t, store.Start(ctx))

	t.Cleanup(func() { _ = store.Stop() })

	_, err := store.UpsertItems(ctx, []ledger.ItemSpec{
		{URL: "/", FilePath: "index.html"},
		{URL: "/about/", FilePath: "about/index.html"},
	})
	require.NoError(t, err)

	uploader := &switchUploader{
		fail:    map[string]bool{"about/index.html": true},
		uploads: make(map[string]int, 2),
	}
	engine := publish.NewEngine(log, store, uploader, store, publish.Config{})
	sched := scheduler.New(log, store, engine, publish.Target{Bucket: "site"}, time.Millisecond)

	// The failure does not keep the run open.
	require.NoError(t, sched.RunUntilDone(ctx))

	run, err := store.CurrentRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, run.CompletedAt)

	reset, err := store.ResetFailed(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), reset)

	uploader.fail = nil

	done, err := sched.Step(ctx)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 2, uploader.uploads["about/index.html"])

	done, err = sched.Step(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 1, uploader.uploads["index.html"])

	stats, err := store.Stats(ctx, run.StartedAt)
	require.NoError(t, err)
	assert.Equal(t, ledger.Stats{Total: 2, Pending: 0, Transferred: 2, Failed: 0}, *stats)

	run, err = store.CurrentRun(ctx)
	require.NoError(t, err)
	assert.NotNil(t, run.CompletedAt)
}
