package consumer

import (
	"math"
	"time"

	"github.com/user/fantombot/internal/telegram"
)

// RetryPolicy controls how failed fetches are retried with exponential backoff.
type RetryPolicy struct {
	// MaxAttempts is the number of consecutive failures tolerated before the
	// consumer gives up. Zero means retry forever.
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns a RetryPolicy with unlimited attempts, 1s
// initial delay, 2x multiplier and 30s max delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  0,
		InitialDelay: 1 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// ShouldRetry returns true if the error is transient and failures (the count
// of consecutive failures so far, including this one) is still within
// MaxAttempts.
func (p *RetryPolicy) ShouldRetry(err error, failures int) bool {
	if err == nil || telegram.IsPermanent(err) {
		return false
	}
	return p.MaxAttempts <= 0 || failures < p.MaxAttempts
}

// NextDelay returns the backoff delay for the given attempt number (1-indexed).
// The delay is InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Delay is NextDelay, raised to the server's retry_after hint when one was given.
func (p *RetryPolicy) Delay(err error, attempt int) time.Duration {
	d := p.NextDelay(attempt)
	if ra := telegram.RetryAfter(err); ra > d {
		return ra
	}
	return d
}
