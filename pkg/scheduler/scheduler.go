package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/staticpublish/pkg/ledger"
	"github.com/ethpandaops/staticpublish/pkg/publish"
	"github.com/sirupsen/logrus"
)

// DefaultInterval is the delay between invocations of an unfinished run.
const DefaultInterval = 5 * time.Second

// Ledger is the part of the ledger the scheduler needs besides the engine.
type Ledger interface {
	CurrentRun(ctx context.Context) (*ledger.Run, error)
	BeginRun(ctx context.Context, at time.Time) (*ledger.Run, error)
	CompleteRun(ctx context.Context, id string, at time.Time) error
}

// Performer runs one transfer invocation.
type Performer interface {
	Perform(ctx context.Context, target publish.Target) (bool, error)
}

// Scheduler re-invokes the transfer engine until the current run is done.
type Scheduler interface {
	// Step runs one invocation and reports whether the run is complete.
	Step(ctx context.Context) (bool, error)
	// RunUntilDone invokes Step every interval until the run completes.
	RunUntilDone(ctx context.Context) error
	// Start runs Step in the background every interval.
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Scheduler = (*scheduler)(nil)

type scheduler struct {
	log      logrus.FieldLogger
	ledger   Ledger
	engine   Performer
	target   publish.Target
	interval time.Duration
	now      func() time.Time
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler. A zero target.RunStart makes the scheduler use
// the ledger's current run, beginning one when none exists.
func New(
	log logrus.FieldLogger,
	l Ledger,
	engine Performer,
	target publish.Target,
	interval time.Duration,
) Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &scheduler{
		log:      log.WithField("component", "scheduler"),
		ledger:   l,
		engine:   engine,
		target:   target,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		done:     make(chan struct{}),
	}
}

func (s *scheduler) Step(ctx context.Context) (bool, error) {
	target := s.target

	var run *ledger.Run

	if target.RunStart.IsZero() {
		current, err := s.resolveRun(ctx)
		if err != nil {
			return false, err
		}

		if current.CompletedAt != nil {
			s.log.WithField("run_id", current.ID).Debug("Run already completed")

			return true, nil
		}

		run = current
		target.RunStart = run.StartedAt
	}

	done, err := s.engine.Perform(ctx, target)
	if err != nil {
		return false, fmt.Errorf("performing transfer: %w", err)
	}

	if done && run != nil {
		if err := s.ledger.CompleteRun(ctx, run.ID, s.now()); err != nil {
			return true, fmt.Errorf("completing run: %w", err)
		}

		s.log.WithField("run_id", run.ID).Info("Publish run completed")
	}

	return done, nil
}

func (s *scheduler) resolveRun(ctx context.Context) (*ledger.Run, error) {
	run, err := s.ledger.CurrentRun(ctx)
	if err == nil {
		return run, nil
	}

	if !errors.Is(err, ledger.ErrNoRun) {
		return nil, fmt.Errorf("getting current run: %w", err)
	}

	run, err = s.ledger.BeginRun(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("beginning run: %w", err)
	}

	return run, nil
}

func (s *scheduler) RunUntilDone(ctx context.Context) error {
	for {
		done, err := s.Step(ctx)
		if err != nil {
			return err
		}

		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-time.After(s.interval):
		}
	}
}

// Start launches a goroutine that runs a step immediately and then ticks
// at the configured interval. Step errors are logged and retried on the
// next tick.
func (s *scheduler) Start(ctx context.Context) error {
	s.log.WithField("interval", s.interval.String()).Info("Starting scheduler")

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.tick(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.tick(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (s *scheduler) tick(ctx context.Context) {
	if _, err := s.Step(ctx); err != nil {
		s.log.WithError(err).Warn("Publish step failed")
	}
}

// Stop signals the background goroutine to stop and waits for it.
func (s *scheduler) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()

	s.log.Info("Scheduler stopped")

	return nil
}
