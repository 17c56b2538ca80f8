// Package usage keeps the append-only token ledger and derives aggregates
// from it on demand.
package usage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wizicer/aichat/internal/providers"
	"github.com/wizicer/aichat/internal/storage"
)

type GroupBy string

const (
	ByCharacter         GroupBy = "character"
	ByProvider          GroupBy = "provider"
	ByCharacterProvider GroupBy = "character_provider"
)

func ParseGroupBy(s string) (GroupBy, error) {
	switch GroupBy(s) {
	case ByCharacter, ByProvider, ByCharacterProvider:
		return GroupBy(s), nil
	case "pair", "":
		return ByCharacterProvider, nil
	default:
		return "", fmt.Errorf("unknown grouping %q", s)
	}
}

type RecordStore interface {
	InsertTokenUsage(ctx context.Context, rec storage.TokenUsage) error
	ListTokenUsage(ctx context.Context) ([]storage.TokenUsage, error)
	ClearTokenUsage(ctx context.Context) error
}

type Caller struct {
	CharacterID   string
	CharacterName string
	Provider      string
}

// Stat is one aggregate row. CharacterName and Provider are filled
// according to the grouping that produced it.
type Stat struct {
	Key              string
	CharacterID      string
	CharacterName    string
	Provider         string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Requests         int64
}

type Ledger struct {
	store RecordStore
	now   func() time.Time
}

func NewLedger(store RecordStore) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Record appends one row. Calls that reported no usage are skipped, so
// "absent" never turns into a zero row.
func (l *Ledger) Record(ctx context.Context, who Caller, u *providers.Usage) (bool, error) {
	if u.Empty() {
		return false, nil
	}
	rec := storage.TokenUsage{
		ID:               uuid.NewString(),
		CharacterID:      who.CharacterID,
		CharacterName:    who.CharacterName,
		Provider:         who.Provider,
		PromptTokens:     u.Prompt,
		CompletionTokens: u.Completion,
		TotalTokens:      u.Total,
		CreatedAt:        l.now().UTC(),
	}
	if err := l.store.InsertTokenUsage(ctx, rec); err != nil {
		return false, fmt.Errorf("record token usage: %w", err)
	}
	return true, nil
}

func (l *Ledger) Aggregate(ctx context.Context, by GroupBy) ([]Stat, error) {
	recs, err := l.store.ListTokenUsage(ctx)
	if err != nil {
		return nil, fmt.Errorf("load token usage: %w", err)
	}
	return Fold(recs, by), nil
}

func (l *Ledger) Records(ctx context.Context) ([]storage.TokenUsage, error) {
	return l.store.ListTokenUsage(ctx)
}

func (l *Ledger) Clear(ctx context.Context) error {
	if err := l.store.ClearTokenUsage(ctx); err != nil {
		return fmt.Errorf("clear token usage: %w", err)
	}
	return nil
}

// Fold is a pure aggregation over recs. The result is sorted by total
// tokens descending and then by key, so input order never matters.
func Fold(recs []storage.TokenUsage, by GroupBy) []Stat {
	acc := make(map[string]*Stat)
	for _, r := range recs {
		key := keyFor(r, by)
		st, ok := acc[key]
		if !ok {
			st = &Stat{Key: key}
			switch by {
			case ByCharacter:
				st.CharacterID, st.CharacterName = r.CharacterID, r.CharacterName
			case ByProvider:
				st.Provider = r.Provider
			default:
				st.CharacterID, st.CharacterName, st.Provider = r.CharacterID, r.CharacterName, r.Provider
			}
			acc[key] = st
		}
		st.PromptTokens += int64(r.PromptTokens)
		st.CompletionTokens += int64(r.CompletionTokens)
		st.TotalTokens += int64(r.TotalTokens)
		st.Requests++
	}

	out := make([]Stat, 0, len(acc))
	for _, st := range acc {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalTokens != out[j].TotalTokens {
			return out[i].TotalTokens > out[j].TotalTokens
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func keyFor(r storage.TokenUsage, by GroupBy) string {
	switch by {
	case ByCharacter:
		return r.CharacterID
	case ByProvider:
		return r.Provider
	default:
		return r.CharacterID + ":" + r.Provider
	}
}
