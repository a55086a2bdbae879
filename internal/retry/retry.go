// Package retry runs an operation with exponential backoff.
//
// It is used where the analysis engine competes for an exclusive resource,
// such as a DuckDB file lock held by another process or a write conflict
// that aborts an annotation save. Backoff doubles on each attempt, is capped by
// MaxBackoff, and may carry jitter that grows with the attempt number.
//
//	err := retry.Do(ctx, retry.LockContention(), func() error {
//	    return openDatabase()
//	}, isLocked)
//
// Do stops early when the context is canceled or when fn returns an error
// wrapped with Permanent.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Config defines the backoff schedule. MaxRetries and InitialBackoff must
// be positive.
type Config struct {
	// MaxRetries is the total number of attempts.
	MaxRetries int
	// InitialBackoff is the wait before the second attempt; it doubles on
	// each later attempt.
	InitialBackoff time.Duration
	// MaxBackoff caps the wait. Zero means uncapped.
	MaxBackoff time.Duration
	// Jitter is the fraction (0.0 to 1.0) of the backoff added at the last
	// attempt, scaled linearly for earlier ones.
	Jitter float64
}

// LockContention is the schedule used when a database file is locked by
// another process: a few seconds in total, then give up.
func LockContention() Config {
	return Config{
		MaxRetries:     8,
		InitialBackoff: 25 * time.Millisecond,
		MaxBackoff:     time.Second,
		Jitter:         0.2,
	}
}

// WriteConflict is the schedule used for transaction conflicts between
// concurrent writers in the same process.
func WriteConflict() Config {
	return Config{
		MaxRetries:     10,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		Jitter:         0.1,
	}
}

// ShouldRetryFunc reports whether err is transient. A nil ShouldRetryFunc
// retries every error.
type ShouldRetryFunc func(error) bool

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying regardless of ShouldRetryFunc.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a non-retryable error, or
// cfg.MaxRetries attempts have been made. An exhausted loop returns the
// last error wrapped with the attempt count.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(Backoff(cfg, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// Backoff returns the wait before the given attempt (1-based count of
// retries so far).
func Backoff(cfg Config, attempt int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt-1)) * float64(cfg.InitialBackoff))

	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}

	if cfg.Jitter > 0 && cfg.MaxRetries > 0 {
		backoff += time.Duration(float64(backoff) * cfg.Jitter * float64(attempt) / float64(cfg.MaxRetries))
	}

	return backoff
}
