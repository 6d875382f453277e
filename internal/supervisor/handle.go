package supervisor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/user/fantombot/internal/metrics"
)

// State is a supervised service's lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Status is a snapshot of one Handle.
type Status struct {
	Service string
	State   State
	Reason  string
	Since   time.Time
}

// Handle tracks one service. Every transition is logged and mirrored into
// the service_up gauge.
type Handle struct {
	name    string
	logger  *slog.Logger
	metrics *metrics.Collector

	mu     sync.Mutex
	state  State
	reason string
	since  time.Time
}

func newHandle(name string, logger *slog.Logger, m *metrics.Collector) *Handle {
	h := &Handle{name: name, logger: logger, metrics: m}
	h.set(StateStarting, "")
	return h
}

func (h *Handle) set(state State, reason string) {
	h.mu.Lock()
	if h.state == state {
		h.mu.Unlock()
		return
	}
	h.state = state
	h.reason = reason
	h.since = time.Now()
	h.mu.Unlock()

	h.metrics.SetServiceUp(h.name, state == StateRunning)
	if state == StateFailed {
		h.logger.Error("service failed", "service", h.name, "reason", reason)
		return
	}
	h.logger.Info("service "+string(state), "service", h.name)
}

func (h *Handle) fail(err error) {
	h.set(StateFailed, err.Error())
}

// Status returns the handle's current state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{Service: h.name, State: h.state, Reason: h.reason, Since: h.since}
}
