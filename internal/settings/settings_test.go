package settings

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/wizicer/aichat/internal/crypto"
	"github.com/wizicer/aichat/internal/providers"
	"github.com/wizicer/aichat/internal/storage"
)

type memStore struct {
	row *storage.Settings
}

func (m *memStore) GetSettings(context.Context) (storage.Settings, error) {
	if m.row == nil {
		return storage.Settings{}, storage.ErrNotFound
	}
	return *m.row, nil
}

func (m *memStore) SaveSettings(_ context.Context, st storage.Settings) error {
	m.row = &st
	return nil
}

func newTestService(t *testing.T, store *memStore, defaults Defaults) *Service {
	t.Helper()
	sealer, err := crypto.NewSealer("k1", map[string][]byte{"k1": make([]byte, 32)})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	return NewService(store, sealer, defaults)
}

func TestLoadDefaultsWithoutRow(t *testing.T) {
	svc := newTestService(t, &memStore{}, Defaults{})
	st, err := svc.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Provider != "openai" || st.Model != "gpt-4o-mini" || st.Endpoint != "https://api.openai.com/v1" || st.DebugMode {
		t.Fatalf("unexpected defaults %+v", st)
	}
	if _, err := svc.Ready(context.Background()); !errors.Is(err, providers.ErrMissingCredential) {
		t.Fatalf("expected missing credential, got %v", err)
	}
}

func TestEnvironmentDefaults(t *testing.T) {
	svc := newTestService(t, &memStore{}, Defaults{Provider: "gemini", APIKey: "g-key"})
	st, err := svc.Ready(context.Background())
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if st.Model != "gemini-1.5-pro" || st.Kind() != providers.KindGemini {
		t.Fatalf("unexpected settings %+v", st)
	}
}

func TestAPIKeyStoredSealed(t *testing.T) {
	store := &memStore{}
	svc := newTestService(t, store, Defaults{})
	ctx := context.Background()

	if _, err := svc.SetAPIKey(ctx, "  sk-live-1234 "); err != nil {
		t.Fatalf("set key: %v", err)
	}
	if store.row.EncAPIKey == nil || strings.Contains(*store.row.EncAPIKey, "sk-live") {
		t.Fatalf("api key stored in clear: %+v", store.row)
	}
	st, err := svc.Ready(ctx)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if st.APIKey != "sk-live-1234" {
		t.Fatalf("unexpected key %q", st.APIKey)
	}
	if Masked(st.APIKey) != "****1234" {
		t.Fatalf("unexpected mask %q", Masked(st.APIKey))
	}
}

func TestSetProviderResetsEndpointAndModel(t *testing.T) {
	store := &memStore{}
	svc := newTestService(t, store, Defaults{APIKey: "k"})
	ctx := context.Background()

	if _, err := svc.SetModel(ctx, "gpt-4-turbo"); err != nil {
		t.Fatalf("set model: %v", err)
	}
	st, err := svc.SetProvider(ctx, "DeepSeek")
	if err != nil {
		t.Fatalf("set provider: %v", err)
	}
	if st.Provider != "deepseek" || st.Endpoint != "https://api.deepseek.com/v1" || st.Model != "deepseek-chat" {
		t.Fatalf("provider switch did not reset: %+v", st)
	}
	if st.APIKey != "k" {
		t.Fatalf("credential lost on provider switch")
	}

	st, err = svc.SetProvider(ctx, "custom")
	if err != nil {
		t.Fatalf("set custom: %v", err)
	}
	if !errors.Is(st.Validate(), providers.ErrMissingCredential) {
		t.Fatalf("custom provider without endpoint must not validate")
	}
	if _, err := svc.SetProvider(ctx, "nope"); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func TestRotateReseals(t *testing.T) {
	store := &memStore{}
	oldKey := make([]byte, 32)
	newKey := make([]byte, 32)
	newKey[0] = 1

	old, _ := crypto.NewSealer("old", map[string][]byte{"old": oldKey})
	svc := NewService(store, old, Defaults{})
	if _, err := svc.SetAPIKey(context.Background(), "secret"); err != nil {
		t.Fatalf("set key: %v", err)
	}

	rotated, _ := crypto.NewSealer("new", map[string][]byte{"old": oldKey, "new": newKey})
	svc = NewService(store, rotated, Defaults{})
	changed, err := svc.Rotate(context.Background())
	if err != nil || !changed {
		t.Fatalf("rotate: changed=%v err=%v", changed, err)
	}
	if !strings.Contains(*store.row.EncAPIKey, `"kid":"new"`) {
		t.Fatalf("credential not resealed: %s", *store.row.EncAPIKey)
	}
	st, err := svc.Load(context.Background())
	if err != nil || st.APIKey != "secret" {
		t.Fatalf("load after rotate: %+v %v", st, err)
	}
}
