package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"livecast/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// HealthChecker runs named dependency checks for the relay's /health
// endpoint.
type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
	logger *zap.SugaredLogger
}

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) error
	Timeout time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Details   map[string]any    `json:"details,omitempty"`
}

func NewHealthChecker(logger *zap.SugaredLogger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HealthChecker{logger: logger}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check, Timeout: timeout})
}

// AddRedisCheck pings client.
func (h *HealthChecker) AddRedisCheck(client *redis.Client, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// AddDirectoryCheck lists live streams as a liveness probe of the store.
func (h *HealthChecker) AddDirectoryCheck(directory ports.StreamDirectory, timeout time.Duration) {
	h.AddCheck("stream_directory", func(ctx context.Context) error {
		_, err := directory.ListActive(ctx)
		return err
	}, timeout)
}

// CheckAll runs every check and reports unhealthy if any fails.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]string, len(checks)),
	}

	for _, check := range checks {
		if err := runCheck(ctx, check); err != nil {
			status.Status = StatusUnhealthy
			status.Checks[check.Name] = err.Error()
			continue
		}
		status.Checks[check.Name] = StatusHealthy
	}
	return status
}

func runCheck(ctx context.Context, check HealthCheck) error {
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()
	return check.Check(checkCtx)
}

// IsReady reports whether every check passes.
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}

// StartBackgroundChecks runs every check each interval and logs when a
// check changes state. It returns when ctx is done.
func (h *HealthChecker) StartBackgroundChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failing := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := h.CheckAll(ctx)
			names := make([]string, 0, len(status.Checks))
			for name := range status.Checks {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				result := status.Checks[name]
				bad := result != StatusHealthy
				if bad != failing[name] {
					if bad {
						h.logger.Warnw("health check failing", "check", name, "error", result)
					} else {
						h.logger.Infow("health check recovered", "check", name)
					}
					failing[name] = bad
				}
			}
		}
	}
}
