package repositories

import (
	"context"

	"livecast/internal/core/ports"
	"livecast/internal/infrastructure/reliability"
	"livecast/internal/infrastructure/repositories/memory"
	redisrepo "livecast/internal/infrastructure/repositories/redis"
	"livecast/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory picks the stream directory backend. When Redis is
// enabled but unreachable it falls back to memory.
type RepositoryFactory struct {
	cfg         *config.Config
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	f := &RepositoryFactory{cfg: cfg, logger: logger}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewClient(ctx, cfg, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory directory", "error", err)
		} else {
			f.redisClient = client
		}
	}
	return f
}

func (f *RepositoryFactory) CreateStreamDirectory() ports.StreamDirectory {
	if f.redisClient != nil {
		f.logger.Info("using Redis stream directory")
		return reliability.NewResilientDirectory(
			redisrepo.NewStreamDirectory(f.redisClient, f.cfg.Redis.StreamTTL),
			reliability.DefaultDirectoryConfig(),
			f.logger,
		)
	}
	f.logger.Info("using memory stream directory")
	return memory.NewStreamDirectory(f.cfg.Redis.StreamTTL)
}

// RedisClient is nil when the memory backend is in use.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}
