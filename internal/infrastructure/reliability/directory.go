package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/circuitbreaker"
	"livecast/pkg/retry"

	"go.uber.org/zap"
)

type DirectoryConfig struct {
	Retry   retry.Config
	Breaker circuitbreaker.Config
}

func DefaultDirectoryConfig() DirectoryConfig {
	breaker := circuitbreaker.DefaultConfig()
	breaker.Timeout = 10 * time.Second
	return DirectoryConfig{
		Retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     200 * time.Millisecond,
			Multiplier:   2.0,
			Jitter:       true,
		},
		Breaker: breaker,
	}
}

// ResilientDirectory guards a remote StreamDirectory with a circuit breaker
// and retries its idempotent operations. Create is never retried.
type ResilientDirectory struct {
	directory ports.StreamDirectory
	retry     retry.Config
	breaker   *circuitbreaker.CircuitBreaker
	logger    *zap.SugaredLogger
}

func NewResilientDirectory(directory ports.StreamDirectory, cfg DirectoryConfig, logger *zap.SugaredLogger) *ResilientDirectory {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg.Breaker.IsFailure = isStoreFailure

	d := &ResilientDirectory{
		directory: directory,
		retry:     cfg.Retry,
		breaker:   circuitbreaker.New(cfg.Breaker),
		logger:    logger,
	}
	d.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("stream directory circuit changed", "from", from.String(), "to", to.String())
	})
	return d
}

// isStoreFailure is false for answers the store gave on purpose.
func isStoreFailure(err error) bool {
	return err != nil &&
		!errors.Is(err, domain.ErrStreamNotFound) &&
		!errors.Is(err, domain.ErrStreamAlreadyLive) &&
		!errors.Is(err, context.Canceled)
}

func (d *ResilientDirectory) guarded(fn func() error) error {
	err := d.breaker.Execute(fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("stream directory: %w", err)
	}
	return err
}

func (d *ResilientDirectory) retried(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, d.retry, func(ctx context.Context) error {
		err := d.guarded(func() error { return fn(ctx) })
		if err != nil && (!isStoreFailure(err) || errors.Is(err, circuitbreaker.ErrOpen)) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (d *ResilientDirectory) Create(ctx context.Context, session domain.StreamSession) error {
	return d.guarded(func() error { return d.directory.Create(ctx, session) })
}

func (d *ResilientDirectory) Get(ctx context.Context, id domain.StreamID) (domain.StreamSession, error) {
	var session domain.StreamSession
	err := d.retried(ctx, func(ctx context.Context) error {
		var err error
		session, err = d.directory.Get(ctx, id)
		return err
	})
	return session, err
}

func (d *ResilientDirectory) Update(ctx context.Context, session domain.StreamSession) error {
	return d.retried(ctx, func(ctx context.Context) error { return d.directory.Update(ctx, session) })
}

func (d *ResilientDirectory) Delete(ctx context.Context, id domain.StreamID) error {
	return d.retried(ctx, func(ctx context.Context) error { return d.directory.Delete(ctx, id) })
}

func (d *ResilientDirectory) ListActive(ctx context.Context) ([]domain.StreamSession, error) {
	var sessions []domain.StreamSession
	err := d.retried(ctx, func(ctx context.Context) error {
		var err error
		sessions, err = d.directory.ListActive(ctx)
		return err
	})
	return sessions, err
}

func (d *ResilientDirectory) Touch(ctx context.Context, broadcaster domain.ParticipantID) error {
	return d.retried(ctx, func(ctx context.Context) error { return d.directory.Touch(ctx, broadcaster) })
}

// Check fails while the circuit is open, for the health endpoint.
func (d *ResilientDirectory) Check(ctx context.Context) error {
	if state := d.breaker.State(); state == circuitbreaker.StateOpen {
		return fmt.Errorf("stream directory circuit is %s", state)
	}
	return nil
}
