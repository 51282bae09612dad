package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("mediagate-replay")

const keyPrefix = "mediagate:token:"

// RedisGuard shares spent tokens between server instances through Redis.
type RedisGuard struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisGuard connects to addr and verifies the connection.
func NewRedisGuard(ctx context.Context, addr string, password string, db int) (*RedisGuard, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisGuard{client: client, now: time.Now}, nil
}

// Close closes the Redis connection.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}

func (g *RedisGuard) Claim(ctx context.Context, token string, expires time.Time) (bool, error) {
	ctx, span := tracer.Start(ctx, "redis.claim_token")
	defer span.End()

	// Keep the marker until the token could no longer verify anyway.
	ttl := expires.Sub(g.now())
	if ttl < time.Second {
		ttl = time.Second
	}

	ok, err := g.client.SetNX(ctx, keyPrefix+fingerprint(token), 1, ttl).Result()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to claim token: %w", err)
	}

	span.SetAttributes(attribute.Bool("first_use", ok))
	return ok, nil
}

func (g *RedisGuard) Release(ctx context.Context, token string) error {
	ctx, span := tracer.Start(ctx, "redis.release_token")
	defer span.End()

	if err := g.client.Del(ctx, keyPrefix+fingerprint(token)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to release token: %w", err)
	}
	return nil
}
