package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/user/fantombot/internal/config"
	"github.com/user/fantombot/internal/metrics"
)

const timeoutBody = `{"error":"request timed out"}`

// Service binds the HTTP listener and serves a handler through the
// middleware chain until its context is cancelled.
type Service struct {
	cfg     config.HTTPConfig
	handler http.Handler
	logger  *slog.Logger

	mu   sync.Mutex
	addr string
}

// NewService wraps h with request ids, metrics, panic recovery, a worker
// pool of cfg.Workers slots and a per-request timeout.
func NewService(cfg config.HTTPConfig, h http.Handler, logger *slog.Logger, m *metrics.Collector) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if cfg.RequestTimeout > 0 {
		h = http.TimeoutHandler(h, cfg.RequestTimeout, timeoutBody)
	}
	h = withWorkers(semaphore.NewWeighted(int64(workers)), m, h)
	h = withRecover(logger, h)
	h = withMetrics(m, h)
	h = withRequestID(h)

	return &Service{cfg: cfg, handler: h, logger: logger}
}

func (s *Service) Name() string { return "http" }

// Handler returns the fully wrapped handler.
func (s *Service) Handler() http.Handler { return s.handler }

// Addr returns the bound listen address, or "" before Run has bound.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run binds and serves. A bind failure is returned immediately. After ctx is
// cancelled open connections get cfg.DrainTimeout to finish before they are
// closed.
func (s *Service) Run(ctx context.Context, ready func()) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.cfg.Addr(), err)
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	s.logger.Info("http server listening", "addr", s.Addr(), "workers", s.cfg.Workers, "request_timeout", s.cfg.RequestTimeout)
	if ready != nil {
		ready()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
		defer cancel()
		if err := srv.Shutdown(drainCtx); err != nil {
			s.logger.Warn("http drain incomplete, closing connections", "timeout", s.cfg.DrainTimeout, "error", err)
			srv.Close()
		}
		return nil
	})
	return g.Wait()
}
