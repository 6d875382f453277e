package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/fantombot/internal/telegram"
)

// Connect calls dial until it succeeds, retrying transient failures under
// policy. A permanent API rejection wraps ErrFatalTransport; running out of
// attempts wraps ErrRetriesExhausted. Cancelling ctx ends the wait between
// attempts and returns ctx.Err().
func Connect[T any](ctx context.Context, policy *RetryPolicy, logger *slog.Logger, dial func(context.Context) (T, error)) (T, error) {
	var zero T
	if logger == nil {
		logger = slog.Default()
	}
	failures := 0
	for {
		v, err := dial(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		failures++
		if telegram.IsPermanent(err) {
			return zero, fmt.Errorf("%w: %w", ErrFatalTransport, err)
		}
		if !policy.ShouldRetry(err, failures) {
			return zero, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, failures, err)
		}
		delay := policy.Delay(err, failures)
		logger.Warn("connect failed, retrying", "error", err, "attempt", failures, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
