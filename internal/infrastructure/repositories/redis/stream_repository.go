package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"livecast/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "livecast:"

// StreamDirectory stores live sessions in Redis so several relays can share
// one directory. Each session is a JSON value whose TTL is refreshed by
// Touch; a sorted set indexes live ids by start time.
type StreamDirectory struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStreamDirectory(client *redis.Client, ttl time.Duration) *StreamDirectory {
	return &StreamDirectory{client: client, ttl: ttl}
}

func streamKey(id domain.StreamID) string {
	return keyPrefix + "stream:" + string(id)
}

func activeStreamsKey() string {
	return keyPrefix + "streams:active"
}

func broadcasterKey(id domain.ParticipantID) string {
	return keyPrefix + "broadcaster:" + string(id) + ":streams"
}

func (r *StreamDirectory) Create(ctx context.Context, session domain.StreamSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal stream: %w", err)
	}

	ok, err := r.client.SetNX(ctx, streamKey(session.ID), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to set stream in Redis: %w", err)
	}
	if !ok {
		return domain.ErrStreamAlreadyLive
	}

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, activeStreamsKey(), redis.Z{
		Score:  float64(session.StartedAt.UnixMicro()),
		Member: string(session.ID),
	})
	pipe.SAdd(ctx, broadcasterKey(session.BroadcasterID), string(session.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index stream: %w", err)
	}
	return nil
}

func (r *StreamDirectory) Get(ctx context.Context, id domain.StreamID) (domain.StreamSession, error) {
	data, err := r.client.Get(ctx, streamKey(id)).Bytes()
	if err == redis.Nil {
		return domain.StreamSession{}, domain.ErrStreamNotFound
	}
	if err != nil {
		return domain.StreamSession{}, fmt.Errorf("failed to get stream from Redis: %w", err)
	}

	var session domain.StreamSession
	if err := json.Unmarshal(data, &session); err != nil {
		return domain.StreamSession{}, fmt.Errorf("failed to unmarshal stream: %w", err)
	}
	return session, nil
}

// Update replaces the stored session and keeps its TTL.
func (r *StreamDirectory) Update(ctx context.Context, session domain.StreamSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal stream: %w", err)
	}

	err = r.client.SetArgs(ctx, streamKey(session.ID), data, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if err == redis.Nil {
		return domain.ErrStreamNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update stream in Redis: %w", err)
	}
	return nil
}

func (r *StreamDirectory) Delete(ctx context.Context, id domain.StreamID) error {
	session, err := r.Get(ctx, id)
	if err != nil && err != domain.ErrStreamNotFound {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, streamKey(id))
	pipe.ZRem(ctx, activeStreamsKey(), string(id))
	if err == nil {
		pipe.SRem(ctx, broadcasterKey(session.BroadcasterID), string(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete stream from Redis: %w", err)
	}
	return nil
}

// ListActive returns sessions by start time. Index entries whose value has
// expired are pruned on the way.
func (r *StreamDirectory) ListActive(ctx context.Context) ([]domain.StreamSession, error) {
	ids, err := r.client.ZRange(ctx, activeStreamsKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list active streams: %w", err)
	}
	if len(ids) == 0 {
		return []domain.StreamSession{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = streamKey(domain.StreamID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get active streams: %w", err)
	}

	sessions := make([]domain.StreamSession, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		data, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var session domain.StreamSession
		if err := json.Unmarshal([]byte(data), &session); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stream %s: %w", ids[i], err)
		}
		sessions = append(sessions, session)
	}

	if len(stale) > 0 {
		if err := r.client.ZRem(ctx, activeStreamsKey(), stale...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune expired streams: %w", err)
		}
	}
	return sessions, nil
}

// Touch pushes back the expiry of every stream owned by broadcaster.
func (r *StreamDirectory) Touch(ctx context.Context, broadcaster domain.ParticipantID) error {
	if r.ttl <= 0 {
		return nil
	}

	ids, err := r.client.SMembers(ctx, broadcasterKey(broadcaster)).Result()
	if err != nil {
		return fmt.Errorf("failed to get broadcaster streams: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.BoolCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Expire(ctx, streamKey(domain.StreamID(id)), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to refresh stream expiry: %w", err)
	}

	var gone []interface{}
	for i, cmd := range cmds {
		if !cmd.Val() {
			gone = append(gone, ids[i])
		}
	}
	if len(gone) > 0 {
		pipe := r.client.TxPipeline()
		pipe.SRem(ctx, broadcasterKey(broadcaster), gone...)
		pipe.ZRem(ctx, activeStreamsKey(), gone...)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to prune expired streams: %w", err)
		}
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (r *StreamDirectory) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
