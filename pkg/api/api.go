package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/staticpublish/pkg/config"
	"github.com/ethpandaops/staticpublish/pkg/ledger"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Reader is the read-only view of the ledger served by the API.
type Reader interface {
	CurrentRun(ctx context.Context) (*ledger.Run, error)
	Stats(ctx context.Context, runStart time.Time) (*ledger.Stats, error)
	ListStatusMessages(ctx context.Context) ([]ledger.StatusMessage, error)
	ListFailed(ctx context.Context, limit int) ([]ledger.Item, error)
}

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Addr returns the bound listen address once started.
	Addr() string
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.APIConfig
	reader     Reader
	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server. The reader's lifecycle is owned by
// the caller.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.APIConfig,
	reader Reader,
) Server {
	return &server{
		log:    log.WithField("component", "api"),
		cfg:    cfg,
		reader: reader,
		done:   make(chan struct{}),
	}
}

// Start binds the listener and serves the API in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.listener = ln

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", ln.Addr().String()).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

func (s *server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server. Calling it again is a no-op.
func (s *server) Stop() error {
	var stopped bool

	s.stopOnce.Do(func() {
		close(s.done)
		stopped = true
	})

	if !stopped {
		return nil
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
