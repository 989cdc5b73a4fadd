// FilePath: internal/repository/rediscache/rediscache.go
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gxplatform/gxp-ingest/internal/config"
	"github.com/gxplatform/gxp-ingest/internal/models"
	"github.com/redis/go-redis/v9"
	nuts "github.com/vaudience/go-nuts"
)

const (
	deviceKeyPrefix = "gxp:device:"
	onceKeyPrefix   = "gxp:once:"
	deviceCacheTTL  = 5 * time.Minute
)

// Cache is a best-effort Redis layer: a short-TTL device cache in front of
// the record store plus the once-per-window gate used to rate-limit
// repeated warning emissions. Every miss or Redis failure falls through to
// the caller; the cache is never authoritative.
type Cache struct {
	client *redis.Client
}

func New(cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("error connecting to Redis: %w", err)
	}

	nuts.L.Infof("[RedisCache] Connected to %s:%d (db %d)", cfg.Host, cfg.Port, cfg.DB)
	return &Cache{client: client}, nil
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// GetDevice returns the cached device for a hardware id, or nil on miss.
func (c *Cache) GetDevice(ctx context.Context, hwID string) *models.Device {
	val, err := c.client.Get(ctx, deviceKeyPrefix+hwID).Bytes()
	if err != nil {
		return nil
	}
	device := &models.Device{}
	if err := json.Unmarshal(val, device); err != nil {
		return nil
	}
	return device
}

// PutDevice caches a resolved device.
func (c *Cache) PutDevice(ctx context.Context, device *models.Device) {
	val, err := json.Marshal(device)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, deviceKeyPrefix+device.HardwareID, val, deviceCacheTTL).Err(); err != nil {
		nuts.L.Debugf("[RedisCache] device cache set failed: %v", err)
	}
}

// InvalidateDevice drops the cached device, e.g. after a next-wake write.
func (c *Cache) InvalidateDevice(ctx context.Context, hwID string) {
	if err := c.client.Del(ctx, deviceKeyPrefix+hwID).Err(); err != nil {
		nuts.L.Debugf("[RedisCache] device cache del failed: %v", err)
	}
}

// Once reports whether this is the key's first firing in the window. The first caller in
// a window gets true; repeats get false until the TTL lapses. On Redis
// failure it returns true so warnings are never suppressed silently.
func (c *Cache) Once(ctx context.Context, key string, window time.Duration) bool {
	ok, err := c.client.SetNX(ctx, onceKeyPrefix+key, 1, window).Result()
	if err != nil {
		nuts.L.Debugf("[RedisCache] once gate failed for %s: %v", key, err)
		return true
	}
	return ok
}
