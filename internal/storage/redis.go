package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"openiotzen-gateway/internal/data"
)

const recentAlertsPerDevice = 100

// RedisCache keeps the latest normalized record per device and a short alert list.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(ctx context.Context, addr string, ttl time.Duration) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis unavailable at %s: %w", addr, err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: rdb, ttl: ttl}, nil
}

func (c *RedisCache) Close() error { return c.client.Close() }

func latestKey(deviceID string) string { return "device:last:" + deviceID }
func alertsKey(deviceID string) string { return "device:alerts:" + deviceID }

func (c *RedisCache) SaveTelemetry(ctx context.Context, rec *data.TelemetryRecord) error {
	payload, err := json.Marshal(rec.Normalized())
	if err != nil {
		return fmt.Errorf("marshal latest telemetry: %w", err)
	}
	if err := c.client.Set(ctx, latestKey(rec.DeviceID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("update latest telemetry for %s: %w", rec.DeviceID, err)
	}
	return nil
}

func (c *RedisCache) SaveAlert(ctx context.Context, alert *data.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	key := alertsKey(alert.DeviceID)
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, recentAlertsPerDevice-1)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache alert for %s: %w", alert.DeviceID, err)
	}
	return nil
}

// Latest returns the last normalized record of a device, or nil when none is cached.
func (c *RedisCache) Latest(ctx context.Context, deviceID string) (map[string]interface{}, error) {
	raw, err := c.client.Get(ctx, latestKey(deviceID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read latest telemetry for %s: %w", deviceID, err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode latest telemetry for %s: %w", deviceID, err)
	}
	return out, nil
}
