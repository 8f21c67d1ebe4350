package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrExhausted is wrapped by Do when every attempt failed.
var ErrExhausted = errors.New("retry budget exhausted")

// Config holds retry configuration
type Config struct {
	MaxAttempts    int           // Total number of attempts, including the first one
	AttemptTimeout time.Duration // Deadline applied to each attempt's context (0 = none)
	InitialDelay   time.Duration // Delay before the second attempt
	MaxDelay       time.Duration // Maximum delay between attempts
	Multiplier     float64       // Exponential backoff multiplier (typically 2.0)
	Jitter         bool          // Spread delays by up to ±25%

	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		AttemptTimeout: 10 * time.Second,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       8 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// Permanent marks an error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Do runs fn until it succeeds, returns a Permanent error, the attempt budget
// is spent, or ctx is done. Each attempt gets its own context bounded by
// AttemptTimeout.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		err := runAttempt(ctx, cfg.AttemptTimeout, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}

		if attempt == attempts {
			break
		}

		delay := Backoff(cfg, attempt-1)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

func runAttempt(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

// Backoff returns the delay before retry number n (0-based).
func Backoff(cfg Config, n int) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(n))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	duration := time.Duration(delay)
	if cfg.Jitter && duration > 0 {
		spread := int64(duration / 2)
		if spread > 0 {
			duration = duration - duration/4 + time.Duration(rand.Int63n(spread))
		}
	}
	return duration
}
