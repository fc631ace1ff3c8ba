// Package retry runs an operation with capped exponential backoff.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseWait   = time.Second
	DefaultMaxWait    = 30 * time.Second
)

type config struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
	jitter     bool
	retryIf    func(error) bool
	onRetry    func(attempt int, err error, wait time.Duration)
}

// Option configures Do.
type Option func(*config)

// WithMaxRetries sets how many times a failed call is retried. Zero means
// the operation runs exactly once.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = max(n, 0) }
}

// WithBaseWait sets the wait before the first retry. Each later retry waits
// twice as long, up to the max wait.
func WithBaseWait(d time.Duration) Option {
	return func(c *config) { c.baseWait = d }
}

// WithMaxWait caps the wait between attempts.
func WithMaxWait(d time.Duration) Option {
	return func(c *config) { c.maxWait = d }
}

// WithJitter randomizes each wait between half and all of its nominal value.
func WithJitter(enabled bool) Option {
	return func(c *config) { c.jitter = enabled }
}

// WithRetryIf replaces IsRecoverable as the retry predicate.
func WithRetryIf(fn func(error) bool) Option {
	return func(c *config) { c.retryIf = fn }
}

// WithOnRetry is called before each retry with the 1-based number of the
// attempt that failed.
func WithOnRetry(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(c *config) { c.onRetry = fn }
}

// Do calls fn until it succeeds, returns an error the predicate rejects, or
// the retries are exhausted. The last error from fn is returned; if ctx is
// canceled while waiting, ctx.Err() is returned.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	cfg := config{
		maxRetries: DefaultMaxRetries,
		baseWait:   DefaultBaseWait,
		maxWait:    DefaultMaxWait,
		retryIf:    IsRecoverable,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt >= cfg.maxRetries || !cfg.retryIf(err) {
			return err
		}
		wait := cfg.backoff(attempt)
		if cfg.onRetry != nil {
			cfg.onRetry(attempt+1, err, wait)
		}
		if wait <= 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c config) backoff(attempt int) time.Duration {
	wait := c.baseWait
	for range attempt {
		wait *= 2
		if c.maxWait > 0 && wait >= c.maxWait {
			break
		}
	}
	if c.maxWait > 0 && wait > c.maxWait {
		wait = c.maxWait
	}
	if c.jitter && wait > 1 {
		half := wait / 2
		wait = half + rand.N(wait-half)
	}
	return wait
}
