package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrInFlight = errors.New("another request for this chat is still running")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// InFlight serializes provider-bound actions per chat across processes.
// The holder gets a token; only that token can release the guard, and the
// TTL frees it if the holder dies.
type InFlight struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewInFlight(rdb *redis.Client, ttl time.Duration) *InFlight {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &InFlight{redis: rdb, ttl: ttl}
}

func (g *InFlight) key(chatID int64) string {
	return fmt.Sprintf("%sinflight:%d", keyPrefix, chatID)
}

func (g *InFlight) Acquire(ctx context.Context, chatID int64) (string, error) {
	token := newJobID()
	ok, err := g.redis.SetNX(ctx, g.key(chatID), token, g.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("inflight setnx: %w", err)
	}
	if !ok {
		return "", ErrInFlight
	}
	return token, nil
}

// Release reports whether token still held the guard.
func (g *InFlight) Release(ctx context.Context, chatID int64, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	n, err := releaseScript.Run(ctx, g.redis, []string{g.key(chatID)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("inflight release: %w", err)
	}
	return n == 1, nil
}
