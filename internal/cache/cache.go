// Package cache wraps Redis helpers for short-lived JSON payloads.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// JSON stores JSON payloads in Redis with a fixed TTL.
type JSON struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// New constructs a JSON cache. A nil client or non-positive TTL yields a cache
// that never hits and never stores.
func New(client *redis.Client, ttl time.Duration, prefix string) *JSON {
	return &JSON{client: client, ttl: ttl, prefix: prefix}
}

// Enabled reports whether the cache will store values.
func (c *JSON) Enabled() bool {
	return c != nil && c.client != nil && c.ttl > 0
}

// GetJSON unmarshals a cached JSON payload into dst. It reports whether the key existed.
func (c *JSON) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	if !c.Enabled() || key == "" {
		return false, nil
	}
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON serialises v as JSON and stores it with the configured TTL.
func (c *JSON) SetJSON(ctx context.Context, key string, v any) error {
	if !c.Enabled() || key == "" {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, data, c.ttl).Err()
}

// KeyProduct returns the cache key for a product's price and taxes.
func KeyProduct(id int64) string {
	return "product:" + strconv.FormatInt(id, 10)
}

// KeyComboItem returns the cache key for a combo item.
func KeyComboItem(id int64) string {
	return "combo-item:" + strconv.FormatInt(id, 10)
}
