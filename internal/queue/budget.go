package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "aichat:"

// Quota is the state of one user's provider budget after a spend.
type Quota struct {
	Allowed bool
	Used    int64
	Limit   int64
	ResetAt time.Time
}

// ProviderBudget counts provider calls per user in fixed UTC hours. The bot
// has a single owner, so the budget follows the user across every chat.
type ProviderBudget struct {
	redis   *redis.Client
	perHour int64
}

func NewProviderBudget(rdb *redis.Client, perHour int64) *ProviderBudget {
	return &ProviderBudget{redis: rdb, perHour: perHour}
}

// Spend records one provider call for userID. A non-positive limit disables
// the budget and nothing is written.
func (b *ProviderBudget) Spend(ctx context.Context, userID int64, now time.Time) (Quota, error) {
	if b.perHour <= 0 {
		return Quota{Allowed: true}, nil
	}
	hour := now.UTC().Truncate(time.Hour)
	resetAt := hour.Add(time.Hour)
	key := budgetKey(userID, hour)

	var incr *redis.IntCmd
	_, err := b.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		// Every spend in the hour lands on the same deadline.
		pipe.Expire(ctx, key, max(resetAt.Sub(now.UTC()), time.Second))
		return nil
	})
	if err != nil {
		return Quota{}, fmt.Errorf("spend budget: %w", err)
	}
	used := incr.Val()
	return Quota{Allowed: used <= b.perHour, Used: used, Limit: b.perHour, ResetAt: resetAt}, nil
}

func budgetKey(userID int64, hour time.Time) string {
	return fmt.Sprintf("%sbudget:%d:%s", keyPrefix, userID, hour.Format("2006010215"))
}
