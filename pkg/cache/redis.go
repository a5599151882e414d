// Package cache is a thin Redis wrapper used for the partner dashboard.
// Everything stored here is derived from the ledger and safe to lose.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Client holds the Redis connection plus the TTL applied to stats entries.
type Client struct {
	Redis    *redis.Client
	StatsTTL time.Duration
}

// NewClient connects to Redis and verifies the connection.
func NewClient(redisURL string, statsTTL time.Duration) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed connecting to redis: %w", err)
	}

	return &Client{Redis: client, StatsTTL: statsTTL}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.Redis.Close()
}

// PartnerStatsKey is the cache key for one partner's dashboard stats.
func PartnerStatsKey(partnerID uuid.UUID) string {
	return "partner:stats:" + partnerID.String()
}

// SetJSON marshals value and stores it under key with the given TTL.
func (c *Client) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	return c.Redis.Set(ctx, key, data, ttl).Err()
}

// GetJSON loads key into dest. The bool reports a cache hit; a miss or a
// decode failure is not an error, the caller recomputes.
func (c *Client) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	data, err := c.Redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, nil
	}
	return true, nil
}

// Delete removes keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	return c.Redis.Del(ctx, keys...).Err()
}

// InvalidatePartner drops a partner's cached stats after a ledger write.
func (c *Client) InvalidatePartner(ctx context.Context, partnerID uuid.UUID) error {
	return c.Redis.Del(ctx, PartnerStatsKey(partnerID)).Err()
}
