package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

const activeKey = "trialsched:session:active"

// CachedRegistry fronts a Registry with a short-lived Redis copy of the
// active row so every remote call does not hit Postgres. Any write through
// this registry drops the cached copy.
type CachedRegistry struct {
	Registry
	redis  *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

func NewCachedRegistry(inner Registry, client *redis.Client, ttl time.Duration, logger *logging.Logger) *CachedRegistry {
	if logger == nil {
		logger = logging.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedRegistry{Registry: inner, redis: client, ttl: ttl, logger: logger}
}

func (c *CachedRegistry) Active(ctx context.Context) (Record, error) {
	if data, err := c.redis.Get(ctx, activeKey).Bytes(); err == nil {
		var rec Record
		if jsonErr := json.Unmarshal(data, &rec); jsonErr == nil {
			return rec, nil
		}
	} else if err != redis.Nil {
		c.logger.Warn("session cache read failed", "error", err)
	}

	rec, err := c.Registry.Active(ctx)
	if err != nil {
		return Record{}, err
	}
	ttl := c.ttl
	if left := time.Until(rec.ExpiresAt); left < ttl {
		ttl = left
	}
	if ttl > 0 {
		if data, err := json.Marshal(rec); err == nil {
			if err := c.redis.Set(ctx, activeKey, data, ttl).Err(); err != nil {
				c.logger.Warn("session cache write failed", "error", err)
			}
		}
	}
	return rec, nil
}

// ActiveUncached reads the active row straight from the backing registry.
// Usage counters move on every remote call, so reporting needs this path.
func (c *CachedRegistry) ActiveUncached(ctx context.Context) (Record, error) {
	return c.Registry.Active(ctx)
}

func (c *CachedRegistry) Activate(ctx context.Context, rec Record, now time.Time) (uuid.UUID, error) {
	prior, err := c.Registry.Activate(ctx, rec, now)
	c.drop(ctx)
	return prior, err
}

func (c *CachedRegistry) Deactivate(ctx context.Context, id uuid.UUID, reason string, now time.Time) (bool, error) {
	ok, err := c.Registry.Deactivate(ctx, id, reason, now)
	c.drop(ctx)
	return ok, err
}

func (c *CachedRegistry) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := c.Registry.DeactivateExpired(ctx, now)
	if n > 0 {
		c.drop(ctx)
	}
	return n, err
}

func (c *CachedRegistry) drop(ctx context.Context) {
	if err := c.redis.Del(ctx, activeKey).Err(); err != nil {
		c.logger.Warn("session cache delete failed", "error", err)
	}
}
