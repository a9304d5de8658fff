package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/dukex/lexflow/pkg/models"
)

const redisKeyPrefix = "lexflow:definiciones:"

// Redis shares cached definitions between API and worker processes.
type Redis struct {
	logger *slog.Logger
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(logger *slog.Logger, client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &Redis{logger: logger.With("module", "redis_cache"), client: client, ttl: ttl}
}

// NewRedisFromURL connects to the server named by url and checks it answers.
func NewRedisFromURL(ctx context.Context, logger *slog.Logger, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.InfoContext(ctx, "Connected to Redis", "addr", opts.Addr, "db", opts.DB)

	return NewRedis(logger, client, ttl), nil
}

func (r *Redis) key(tenantID string) string {
	return redisKeyPrefix + tenantID
}

func (r *Redis) Get(ctx context.Context, tenantID string) ([]*models.Definition, bool) {
	data, err := r.client.Get(ctx, r.key(tenantID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.WarnContext(ctx, "redis get failed", "tenant_id", tenantID, "error", err)
		}

		return nil, false
	}

	var definitions []*models.Definition
	if err := json.Unmarshal(data, &definitions); err != nil {
		r.logger.WarnContext(ctx, "discarding undecodable cache entry", "tenant_id", tenantID, "error", err)

		return nil, false
	}

	return definitions, true
}

func (r *Redis) Set(ctx context.Context, tenantID string, definitions []*models.Definition) error {
	data, err := json.Marshal(definitions)
	if err != nil {
		return fmt.Errorf("failed to encode definitions: %w", err)
	}

	return r.client.Set(ctx, r.key(tenantID), data, r.ttl).Err()
}

func (r *Redis) Invalidate(ctx context.Context, tenantID string) error {
	return r.client.Del(ctx, r.key(tenantID)).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
