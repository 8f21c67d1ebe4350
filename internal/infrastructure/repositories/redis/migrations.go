package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const schemaVersionKey = keyPrefix + "schema:version"

type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, client *redis.Client) error
}

// Migrate applies every migration newer than the stored schema version.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	return migrate(ctx, client, migrations(), logger)
}

func migrate(ctx context.Context, client *redis.Client, all []Migration, logger *zap.SugaredLogger) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	current, err := schemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, m := range all {
		if m.Version <= current {
			continue
		}
		logger.Infow("running migration", "version", m.Version, "description", m.Description)
		if err := m.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
		current = m.Version
	}

	logger.Debugw("schema is up to date", "version", current)
	return nil
}

func schemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	v, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

func migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "index live streams in a sorted set",
			Up: func(ctx context.Context, client *redis.Client) error {
				// Earlier deployments kept the index as a plain set.
				kind, err := client.Type(ctx, activeStreamsKey()).Result()
				if err != nil {
					return err
				}
				if kind != "none" && kind != "zset" {
					return client.Del(ctx, activeStreamsKey()).Err()
				}
				return nil
			},
		},
	}
}
