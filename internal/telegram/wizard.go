package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	wizCharacter = "character"
	wizPersona   = "persona"
	wizLore      = "lore"
	wizLoreEdit  = "lore_edit"
)

// wizardState is a multi-step form driven by plain text replies.
type wizardState struct {
	Kind     string `json:"kind"`
	Step     string `json:"step"`
	TargetID string `json:"target_id,omitempty"`
	Name     string `json:"name,omitempty"`
	Bio      string `json:"bio,omitempty"`
	Category string `json:"category,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

type wizardStore struct {
	redis *redis.Client
	ttl   time.Duration
}

func newWizardStore(rdb *redis.Client, ttl time.Duration) *wizardStore {
	return &wizardStore{redis: rdb, ttl: ttl}
}

func (w *wizardStore) key(userID int64) string {
	return fmt.Sprintf("aichat:wizard:%d", userID)
}

func (w *wizardStore) Set(ctx context.Context, userID int64, state wizardState) error {
	b, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return w.redis.Set(ctx, w.key(userID), string(b), w.ttl).Err()
}

func (w *wizardStore) Get(ctx context.Context, userID int64) (*wizardState, error) {
	raw, err := w.redis.Get(ctx, w.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state wizardState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (w *wizardStore) Clear(ctx context.Context, userID int64) error {
	return w.redis.Del(ctx, w.key(userID)).Err()
}
