package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "trialmatch"

// MatchCache stores serialized match batches in Redis. Keys are scoped by
// tenant and by a per-tenant generation counter so that a catalog change
// invalidates every cached batch for that tenant with a single INCR.
type MatchCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to the Redis instance at url (redis://host:port/db).
func New(ctx context.Context, url string, ttl time.Duration) (*MatchCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &MatchCache{client: client, ttl: ttl}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, ttl time.Duration) *MatchCache {
	return &MatchCache{client: client, ttl: ttl}
}

// Get returns the cached value for key. A miss is reported as ok=false with a
// nil error.
func (c *MatchCache) Get(ctx context.Context, tenantID, key string) ([]byte, bool, error) {
	full, err := c.key(ctx, tenantID, key)
	if err != nil {
		return nil, false, err
	}
	b, err := c.client.Get(ctx, full).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get from cache: %w", err)
	}
	return b, true, nil
}

func (c *MatchCache) Set(ctx context.Context, tenantID, key string, value []byte) error {
	full, err := c.key(ctx, tenantID, key)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, full, value, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in cache: %w", err)
	}
	return nil
}

// Invalidate drops every cached batch for the tenant by advancing its
// generation. Old entries expire on their own TTL.
func (c *MatchCache) Invalidate(ctx context.Context, tenantID string) error {
	if err := c.client.Incr(ctx, generationKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate cache: %w", err)
	}
	return nil
}

func (c *MatchCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *MatchCache) Close() error {
	return c.client.Close()
}

func (c *MatchCache) key(ctx context.Context, tenantID, key string) (string, error) {
	gen, err := c.client.Get(ctx, generationKey(tenantID)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("failed to read cache generation: %w", err)
	}
	return fmt.Sprintf("%s:%s:%d:%s", keyPrefix, tenantID, gen, key), nil
}

func generationKey(tenantID string) string {
	return fmt.Sprintf("%s:%s:gen", keyPrefix, tenantID)
}
