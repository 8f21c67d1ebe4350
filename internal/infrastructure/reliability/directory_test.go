package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/infrastructure/repositories/memory"
	"livecast/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStoreDown = errors.New("store down")

// flakyDirectory fails the next `failures` calls before delegating.
type flakyDirectory struct {
	*memory.StreamDirectory

	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyDirectory) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errStoreDown
	}
	return nil
}

func (f *flakyDirectory) setFailures(n int) {
	f.mu.Lock()
	f.failures = n
	f.calls = 0
	f.mu.Unlock()
}

func (f *flakyDirectory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *flakyDirectory) Create(ctx context.Context, s domain.StreamSession) error {
	if err := f.fail(); err != nil {
		return err
	}
	return f.StreamDirectory.Create(ctx, s)
}

func (f *flakyDirectory) Get(ctx context.Context, id domain.StreamID) (domain.StreamSession, error) {
	if err := f.fail(); err != nil {
		return domain.StreamSession{}, err
	}
	return f.StreamDirectory.Get(ctx, id)
}

func (f *flakyDirectory) ListActive(ctx context.Context) ([]domain.StreamSession, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.StreamDirectory.ListActive(ctx)
}

func testConfig() DirectoryConfig {
	cfg := DefaultDirectoryConfig()
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = time.Millisecond
	cfg.Retry.Jitter = false
	cfg.Breaker.FailureThreshold = 3
	cfg.Breaker.Timeout = time.Hour
	return cfg
}

func newFlaky() *flakyDirectory {
	return &flakyDirectory{StreamDirectory: memory.NewStreamDirectory(0)}
}

func session(id domain.StreamID) domain.StreamSession {
	return domain.NewStreamSession(id, "alice", domain.StreamMetadata{Title: "t"})
}

func TestResilientDirectory_RetriesReads(t *testing.T) {
	flaky := newFlaky()
	d := NewResilientDirectory(flaky, testConfig(), nil)
	ctx := context.Background()
	require.NoError(t, d.Create(ctx, session("s1")))

	flaky.setFailures(2)
	got, err := d.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StreamID("s1"), got.ID)
	assert.Equal(t, 3, flaky.callCount())
}

func TestResilientDirectory_DomainErrorsPassThrough(t *testing.T) {
	flaky := newFlaky()
	d := NewResilientDirectory(flaky, testConfig(), nil)
	ctx := context.Background()
	require.NoError(t, d.Create(ctx, session("s1")))

	for i := 0; i < 5; i++ {
		_, err := d.Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrStreamNotFound)
		assert.ErrorIs(t, d.Create(ctx, session("s1")), domain.ErrStreamAlreadyLive)
	}
	assert.NoError(t, d.Check(ctx))
}

func TestResilientDirectory_CreateIsNotRetried(t *testing.T) {
	flaky := newFlaky()
	d := NewResilientDirectory(flaky, testConfig(), nil)

	flaky.setFailures(1)
	assert.ErrorIs(t, d.Create(context.Background(), session("s1")), errStoreDown)
	assert.Equal(t, 1, flaky.callCount())
}

func TestResilientDirectory_OpensCircuit(t *testing.T) {
	flaky := newFlaky()
	d := NewResilientDirectory(flaky, testConfig(), nil)
	ctx := context.Background()

	flaky.setFailures(100)
	_, err := d.ListActive(ctx)
	require.Error(t, err)
	assert.Error(t, d.Check(ctx))

	calls := flaky.callCount()
	_, err = d.ListActive(ctx)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, calls, flaky.callCount())
}
