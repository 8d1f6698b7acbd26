package publish

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/staticpublish/pkg/ledger"
	"github.com/ethpandaops/staticpublish/pkg/upload"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultBatchSize is the number of items transferred per invocation.
	DefaultBatchSize = 100

	progressMessage = "Uploaded %d of %d files"
)

// Ledger is the part of the transfer ledger the engine uses.
type Ledger interface {
	SelectBatch(ctx context.Context, runStart time.Time, limit int) ([]ledger.Item, error)
	CountTotalCandidates(ctx context.Context) (int64, error)
	RecordAttempt(ctx context.Context, attempt ledger.Attempt) error
}

// Config tunes the engine.
type Config struct {
	// BatchSize bounds the items selected per invocation.
	BatchSize int
	// RetryFailedWithinRun leaves failed items eligible for the next
	// invocation of the same run. When false a failed item is stamped like
	// a successful one and is not retried until the next run.
	RetryFailedWithinRun bool
	// Concurrency is the number of parallel uploads within a batch.
	Concurrency int
}

// Target identifies what one run publishes and where.
type Target struct {
	ArchiveDir         string
	Bucket             string
	RunStart           time.Time
	DestinationURLType string
	DestinationURL     string
}

// Progress is the accounting of one invocation. Processed and Total are
// the snapshot taken before the batch ran; the batch's own items are not
// counted as processed until the next invocation.
type Progress struct {
	Processed int64
	Total     int64
	Remaining int64
	Succeeded int64
	Failed    int64
	Bytes     int64
}

// Done reports whether the run had nothing left when the batch was selected.
func (p Progress) Done() bool {
	return p.Processed >= p.Total
}

// Engine uploads one bounded batch of pending items per invocation.
type Engine struct {
	log      logrus.FieldLogger
	ledger   Ledger
	uploader upload.Uploader
	sink     StatusSink
	cfg      Config
	now      func() time.Time
	dbMu     sync.Mutex // serializes ledger writes from parallel uploads
}

// NewEngine creates a transfer engine.
func NewEngine(
	log logrus.FieldLogger,
	l Ledger,
	uploader upload.Uploader,
	sink StatusSink,
	cfg Config,
) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	return &Engine{
		log:      log.WithField("component", "publish"),
		ledger:   l,
		uploader: uploader,
		sink:     sink,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Perform runs one invocation: transfers a batch, saves the progress
// message and reports whether the run is complete.
func (e *Engine) Perform(ctx context.Context, target Target) (bool, error) {
	progress, err := e.TransferBatch(ctx, target)
	if err != nil {
		return false, err
	}

	if progress.Processed != 0 {
		e.saveStatus(ctx, StatusKeyProgress,
			fmt.Sprintf(progressMessage, progress.Processed, progress.Total))
	}

	done := progress.Done()

	if done && target.DestinationURLType == DestinationURLAbsolute {
		url := strings.TrimRight(target.DestinationURL, "/") + "/"
		e.saveStatus(ctx, StatusKeyDestinationURL, fmt.Sprintf(
			`Destination URL: <a href="%s" target="_blank">%s</a>`, url, url,
		))
	}

	return done, nil
}

// TransferBatch selects up to BatchSize eligible items and uploads each of
// them once. Upload failures are recorded on the item and do not stop the
// batch. Ledger errors abort the invocation. Once started, the batch is not
// interrupted by cancellation of ctx.
func (e *Engine) TransferBatch(ctx context.Context, target Target) (Progress, error) {
	var progress Progress

	total, err := e.ledger.CountTotalCandidates(ctx)
	if err != nil {
		return progress, fmt.Errorf("counting candidates: %w", err)
	}

	batch, err := e.ledger.SelectBatch(ctx, target.RunStart, e.cfg.BatchSize)
	if err != nil {
		return progress, fmt.Errorf("selecting batch: %w", err)
	}

	progress.Total = total
	progress.Remaining = int64(len(batch))
	progress.Processed = total - progress.Remaining

	e.log.WithFields(logrus.Fields{
		"total":     progress.Total,
		"remaining": progress.Remaining,
	}).Debug("Selected transfer batch")

	if len(batch) == 0 {
		return progress, nil
	}

	var (
		start   = time.Now()
		counter batchCounter
		workCtx = context.WithoutCancel(ctx)
	)

	if e.cfg.Concurrency <= 1 {
		for i := range batch {
			if err := e.transfer(workCtx, target, &batch[i], &counter); err != nil {
				counter.fill(&progress)

				return progress, err
			}
		}
	} else {
		g, gCtx := errgroup.WithContext(workCtx)
		g.SetLimit(e.cfg.Concurrency)

		for i := range batch {
			item := &batch[i]

			g.Go(func() error {
				return e.transfer(gCtx, target, item, &counter)
			})
		}

		if err := g.Wait(); err != nil {
			counter.fill(&progress)

			return progress, err
		}
	}

	counter.fill(&progress)

	e.log.WithFields(logrus.Fields{
		"bucket":    target.Bucket,
		"succeeded": progress.Succeeded,
		"failed":    progress.Failed,
		"bytes":     units.HumanSize(float64(progress.Bytes)),
		"duration":  time.Since(start).Round(time.Millisecond),
	}).Info("Transfer batch completed")

	return progress, nil
}

// transfer uploads one item and records the attempt.
func (e *Engine) transfer(
	ctx context.Context,
	target Target,
	item *ledger.Item,
	counter *batchCounter,
) error {
	filePath := item.Path()
	res := e.upload(ctx, target, filePath)

	attempt := ledger.Attempt{
		ItemID:      item.ID,
		AttemptedAt: e.now(),
	}

	if res.OK() {
		counter.succeeded.Add(1)
		counter.bytes.Add(res.Bytes)
	} else {
		counter.failed.Add(1)

		e.log.WithError(res.Failure.Err).WithFields(logrus.Fields{
			"file_path": filePath,
			"reason":    res.Failure.Reason,
		}).Warnf("Cannot copy %s to s3://%s/%s", filePath, target.Bucket, res.Key)

		attempt.Err = res.Failure
		attempt.KeepEligible = e.cfg.RetryFailedWithinRun
	}

	e.dbMu.Lock()
	err := e.ledger.RecordAttempt(ctx, attempt)
	e.dbMu.Unlock()

	if err != nil {
		return fmt.Errorf("recording attempt for %s: %w", filePath, err)
	}

	return nil
}

// upload resolves the local path inside the archive directory and hands it
// to the uploader. Paths escaping the archive directory are refused.
func (e *Engine) upload(ctx context.Context, target Target, filePath string) upload.Result {
	rel := strings.TrimLeft(filepath.FromSlash(filePath), string(filepath.Separator))

	if !filepath.IsLocal(rel) {
		return upload.Result{
			Key: filePath,
			Failure: &upload.Failure{
				Reason: upload.ReasonInvalidPath,
				Bucket: target.Bucket,
				Key:    filePath,
				Err:    fmt.Errorf("file path %q escapes the archive directory", filePath),
			},
		}
	}

	return e.uploader.Upload(ctx, filepath.Join(target.ArchiveDir, rel), target.Bucket, filePath)
}

func (e *Engine) saveStatus(ctx context.Context, key, message string) {
	if e.sink == nil {
		return
	}

	if err := e.sink.SaveStatusMessage(ctx, key, message); err != nil {
		e.log.WithError(err).WithField("key", key).Warn("Failed to save status message")
	}
}

type batchCounter struct {
	succeeded atomic.Int64
	failed    atomic.Int64
	bytes     atomic.Int64
}

func (c *batchCounter) fill(p *Progress) {
	p.Succeeded = c.succeeded.Load()
	p.Failed = c.failed.Load()
	p.Bytes = c.bytes.Load()
}
