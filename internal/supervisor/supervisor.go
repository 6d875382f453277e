// Package supervisor runs the HTTP service and the event consumer side by
// side and owns their shared lifecycle.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/fantombot/internal/config"
	"github.com/user/fantombot/internal/metrics"
)

// ErrShutdownTimeout is returned when the consumer ignores both the stop
// request and the abort that follows the grace period.
var ErrShutdownTimeout = errors.New("consumer did not stop within shutdown grace")

// Service is a long-lived loop. Run blocks until ctx is cancelled or the
// service fails, and calls ready once it is serving.
type Service interface {
	Name() string
	Run(ctx context.Context, ready func()) error
}

// Connector dials the remote platform and returns the consumer to run.
type Connector func(ctx context.Context) (Service, error)

// Supervisor starts the HTTP service as a non-critical background loop and
// the consumer as the critical one.
type Supervisor struct {
	cfg       *config.Config
	http      Service
	connect   Connector
	logger    *slog.Logger
	metrics   *metrics.Collector
	abortWait time.Duration

	mu      sync.Mutex
	handles []*Handle
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithAbortWait sets how long Run waits for the consumer after aborting it.
func WithAbortWait(d time.Duration) Option {
	return func(s *Supervisor) { s.abortWait = d }
}

func New(cfg *config.Config, httpSvc Service, connect Connector, logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		http:      httpSvc,
		connect:   connect,
		logger:    logger,
		abortWait: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Status returns a snapshot of every service handle in start order.
func (s *Supervisor) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, h.Status())
	}
	return out
}

func (s *Supervisor) track(name string) *Handle {
	h := newHandle(name, s.logger, s.metrics)
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	return h
}

// Run validates the configuration, starts both services and blocks until
// the consumer stops. It returns nil after a requested shutdown and an error
// for invalid configuration, a failed connect or a consumer failure.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		s.logger.Error("fatal configuration error", "error", err)
		return fmt.Errorf("configuration: %w", err)
	}

	httpCtx, stopHTTP := context.WithCancel(ctx)
	httpDone := make(chan struct{})
	go s.runHTTP(httpCtx, s.track(s.http.Name()), httpDone)
	defer s.joinHTTP(stopHTTP, httpDone)

	h := s.track("consumer")
	svc, err := s.connect(ctx)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			s.logger.Info("shutdown requested before consumer connected")
			h.set(StateStopped, "")
			return nil
		}
		h.fail(err)
		return fmt.Errorf("connect consumer: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx, func() { h.set(StateRunning, "") })
	}()

	select {
	case err := <-errCh:
		return s.finish(h, err)
	case <-ctx.Done():
	}

	s.logger.Info("shutdown requested", "grace", s.cfg.ShutdownGrace)
	select {
	case err := <-errCh:
		return s.finish(h, err)
	case <-time.After(s.cfg.ShutdownGrace):
	}

	if a, ok := svc.(interface{ Abort() }); ok {
		s.logger.Warn("shutdown grace elapsed, aborting in-flight fetch", "service", svc.Name())
		a.Abort()
		select {
		case err := <-errCh:
			return s.finish(h, err)
		case <-time.After(s.abortWait):
		}
	}

	h.fail(ErrShutdownTimeout)
	return ErrShutdownTimeout
}

func (s *Supervisor) finish(h *Handle, err error) error {
	if err != nil {
		h.fail(err)
		return fmt.Errorf("%s: %w", h.name, err)
	}
	h.set(StateStopped, "")
	return nil
}

func (s *Supervisor) runHTTP(ctx context.Context, h *Handle, done chan<- struct{}) {
	defer close(done)
	if err := s.http.Run(ctx, func() { h.set(StateRunning, "") }); err != nil {
		h.fail(err)
		return
	}
	h.set(StateStopped, "")
}

// joinHTTP stops the HTTP service and waits for its drain, but no longer
// than the drain timeout plus a second.
func (s *Supervisor) joinHTTP(stop context.CancelFunc, done <-chan struct{}) {
	stop()
	select {
	case <-done:
	case <-time.After(s.cfg.HTTP.DrainTimeout + time.Second):
		s.logger.Warn("http service still draining, not waiting", "service", s.http.Name())
	}
}
