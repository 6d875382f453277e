// Package consumer runs the long-poll loop that pulls updates from the Bot
// API and dispatches them, one at a time, to the handler registry.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/user/fantombot/internal/config"
	"github.com/user/fantombot/internal/dispatch"
	"github.com/user/fantombot/internal/metrics"
	"github.com/user/fantombot/internal/telegram"
)

var (
	// ErrFatalTransport wraps fetch errors that retrying cannot fix.
	ErrFatalTransport = errors.New("fatal transport error")
	// ErrRetriesExhausted is returned once the retry policy gives up.
	ErrRetriesExhausted = errors.New("fetch retries exhausted")
	// ErrHandlerPanic wraps a panic recovered from a handler.
	ErrHandlerPanic = errors.New("handler panicked")
)

// Poller is the transport the consumer fetches from.
type Poller interface {
	GetUpdates(tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
}

// State is the consumer's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateDispatching
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Consumer pulls updates and dispatches them in fetch order.
type Consumer struct {
	poller   Poller
	registry *dispatch.Registry
	cfg      config.PollConfig
	retry    *RetryPolicy
	logger   *slog.Logger
	metrics  *metrics.Collector
	// botName filters out commands addressed to other bots.
	botName string

	offset atomic.Int64
	state  atomic.Int32

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithRetryPolicy replaces the default retry policy, including its
// MaxAttempts. p is copied.
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(c *Consumer) {
		cp := *p
		c.retry = &cp
	}
}

// WithBotUsername drops "/cmd@name" commands whose name is not this bot's.
func WithBotUsername(name string) Option {
	return func(c *Consumer) { c.botName = name }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Consumer) { c.metrics = m }
}

// New creates a Consumer. Unless WithRetryPolicy is given, fetches are
// retried with DefaultRetryPolicy limited to cfg.MaxFailures attempts.
func New(p Poller, reg *dispatch.Registry, cfg config.PollConfig, logger *slog.Logger, opts ...Option) *Consumer {
	retry := DefaultRetryPolicy()
	retry.MaxAttempts = cfg.MaxFailures
	c := &Consumer{
		poller:   p,
		registry: reg,
		cfg:      cfg,
		retry:    retry,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

func (c *Consumer) Name() string { return "consumer" }

// State returns the current lifecycle state.
func (c *Consumer) State() State { return State(c.state.Load()) }

// Offset returns the next update id the consumer will ask for.
func (c *Consumer) Offset() int { return int(c.offset.Load()) }

func (c *Consumer) setState(s State) { c.state.Store(int32(s)) }

// Stop makes the in-flight fetch the last one. Its batch is still dispatched.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Abort stops the consumer and cancels the in-flight fetch when the poller
// supports it. Nothing from an aborted fetch is dispatched.
func (c *Consumer) Abort() {
	c.Stop()
	if a, ok := c.poller.(interface{ Abort() }); ok {
		a.Abort()
	}
}

func (c *Consumer) stopping(ctx context.Context) bool {
	select {
	case <-c.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Run fetches and dispatches until stopped, returning nil on a requested
// stop. It returns an error wrapping ErrFatalTransport or ErrRetriesExhausted
// when the transport cannot be recovered.
func (c *Consumer) Run(ctx context.Context, ready func()) error {
	c.setState(StatePolling)
	if ready != nil {
		ready()
	}
	c.logger.Info("polling for updates", "offset", c.Offset(), "timeout", c.cfg.Timeout, "limit", c.cfg.Limit)

	failures := 0
	for {
		if c.stopping(ctx) {
			c.setState(StateStopped)
			return nil
		}

		start := time.Now()
		updates, err := c.poller.GetUpdates(telegram.UpdateConfig(c.Offset(), c.cfg.Limit, c.cfg.Timeout))
		c.metrics.ObserveFetch(time.Since(start).Seconds())
		if err != nil {
			if c.stopping(ctx) {
				if telegram.IsAborted(err) {
					c.logger.Info("in-flight fetch aborted", "offset", c.Offset())
				}
				c.setState(StateStopped)
				return nil
			}
			failures++
			if telegram.IsPermanent(err) {
				c.metrics.FetchError("fatal")
				c.setState(StateFailed)
				return fmt.Errorf("%w: %w", ErrFatalTransport, err)
			}
			c.metrics.FetchError("transient")
			if !c.retry.ShouldRetry(err, failures) {
				c.setState(StateFailed)
				return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, failures, err)
			}
			delay := c.retry.Delay(err, failures)
			c.logger.Warn("fetch failed, retrying", "error", err, "attempt", failures, "delay", delay)
			select {
			case <-time.After(delay):
			case <-c.stopCh:
			case <-ctx.Done():
			}
			continue
		}
		failures = 0

		if len(updates) == 0 {
			continue
		}
		c.setState(StateDispatching)
		// Handlers finish even if shutdown starts mid-batch.
		dctx := context.WithoutCancel(ctx)
		for _, u := range updates {
			c.dispatch(dctx, u)
			c.offset.Store(int64(u.UpdateID) + 1)
		}
		c.setState(StatePolling)
	}
}

func (c *Consumer) dispatch(ctx context.Context, u tgbotapi.Update) {
	ev, ok := dispatch.FromUpdate(u)
	if !ok {
		c.logger.Debug("skipping unsupported update", "update_id", u.UpdateID)
		c.metrics.Update("unsupported", "skipped")
		return
	}
	kind := string(ev.Kind)

	if ev.Mention != "" && c.botName != "" && !strings.EqualFold(ev.Mention, c.botName) {
		c.logger.Debug("command for another bot", "update_id", ev.UpdateID, "mention", ev.Mention)
		c.metrics.Update(kind, "other_bot")
		return
	}

	h := c.registry.Match(ev)
	if h == nil {
		c.logger.Debug("no handler for event", "update_id", ev.UpdateID, "kind", kind)
		c.metrics.Update(kind, "dropped")
		return
	}

	if err := invoke(ctx, h, ev); err != nil {
		c.logger.Error("handler failed",
			"dispatch_id", uuid.NewString(),
			"update_id", ev.UpdateID,
			"kind", kind,
			"chat_id", ev.ChatID,
			"user_id", ev.UserID,
			"command", ev.Command,
			"data", ev.Data,
			"error", err,
		)
		c.metrics.DispatchError(kind)
		c.metrics.Update(kind, "failed")
		return
	}
	c.metrics.Update(kind, "handled")
}

func invoke(ctx context.Context, h dispatch.Handler, ev *dispatch.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h.Handle(ctx, ev)
}
