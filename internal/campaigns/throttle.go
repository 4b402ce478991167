package campaigns

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

// Throttle caps outbound campaign SMS per phone across all campaigns.
type Throttle struct {
	redis  *redis.Client
	logger *logging.Logger
	max    int
	window time.Duration
}

// NewThrottle allows max sends per phone within window. A nil client
// disables throttling.
func NewThrottle(redisClient *redis.Client, max int, window time.Duration, logger *logging.Logger) *Throttle {
	if logger == nil {
		logger = logging.Default()
	}
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Throttle{redis: redisClient, logger: logger, max: max, window: window}
}

func throttleKey(phone string) string {
	return fmt.Sprintf("throttle:campaign_sms:%s", phone)
}

// Allow counts one send for phone and reports whether it stays under the cap.
func (t *Throttle) Allow(ctx context.Context, phone string) (bool, error) {
	if t == nil || t.redis == nil {
		return true, nil
	}
	key := throttleKey(phone)
	count, err := t.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("campaigns: throttle incr: %w", err)
	}
	// Set expiry only on first increment
	if count == 1 {
		if err := t.redis.Expire(ctx, key, t.window).Err(); err != nil {
			t.logger.Warn("failed to set throttle expiry", "error", err)
		}
	}
	if int(count) > t.max {
		t.logger.Info("campaign sms throttled", "count", count, "max", t.max)
		return false, nil
	}
	return true, nil
}

// Release returns a slot taken by Allow when the send did not happen.
func (t *Throttle) Release(ctx context.Context, phone string) {
	if t == nil || t.redis == nil {
		return
	}
	if err := t.redis.Decr(ctx, throttleKey(phone)).Err(); err != nil {
		t.logger.Warn("failed to release throttle slot", "error", err)
	}
}

// Reset clears the counter for a phone (admin use).
func (t *Throttle) Reset(ctx context.Context, phone string) error {
	if t == nil || t.redis == nil {
		return nil
	}
	return t.redis.Del(ctx, throttleKey(phone)).Err()
}
