package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wizicer/aichat/internal/crypto"
	"github.com/wizicer/aichat/internal/providers"
	"github.com/wizicer/aichat/internal/storage"
)

const (
	apiKeyPurpose   = "settings.api_key"
	defaultProvider = "openai"
	defaultModel    = "gpt-4o-mini"
)

// Settings is the decrypted view of the singleton settings row.
type Settings struct {
	Provider  string
	Endpoint  string
	APIKey    string
	Model     string
	DebugMode bool
}

// Validate fails with providers.ErrMissingCredential when a call could not
// possibly succeed.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.APIKey) == "" || strings.TrimSpace(s.Endpoint) == "" {
		return providers.ErrMissingCredential
	}
	return nil
}

// Kind is the wire strategy for the configured provider.
func (s Settings) Kind() string {
	return providers.KindOf(s.Provider)
}

type Store interface {
	GetSettings(ctx context.Context) (storage.Settings, error)
	SaveSettings(ctx context.Context, st storage.Settings) error
}

// Defaults are used while no settings row exists.
type Defaults struct {
	Provider string
	Endpoint string
	Model    string
	APIKey   string
}

type Service struct {
	store    Store
	sealer   *crypto.Sealer
	defaults Defaults
	now      func() time.Time
}

func NewService(store Store, sealer *crypto.Sealer, defaults Defaults) *Service {
	return &Service{store: store, sealer: sealer, defaults: defaults, now: time.Now}
}

func (s *Service) Load(ctx context.Context) (Settings, error) {
	row, err := s.store.GetSettings(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return s.initial(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	out := Settings{
		Provider:  row.Provider,
		Endpoint:  row.Endpoint,
		Model:     row.Model,
		DebugMode: row.DebugMode,
	}
	if row.EncAPIKey != nil && *row.EncAPIKey != "" {
		key, err := s.sealer.Open(apiKeyPurpose, *row.EncAPIKey)
		if err != nil {
			return Settings{}, fmt.Errorf("open api key: %w", err)
		}
		out.APIKey = key
	}
	return out, nil
}

// Ready loads the settings and validates them before any provider call.
func (s *Service) Ready(ctx context.Context) (Settings, error) {
	st, err := s.Load(ctx)
	if err != nil {
		return Settings{}, err
	}
	if err := st.Validate(); err != nil {
		return Settings{}, err
	}
	return st, nil
}

func (s *Service) Save(ctx context.Context, st Settings) error {
	row := storage.Settings{
		Provider:  st.Provider,
		Endpoint:  strings.TrimSpace(st.Endpoint),
		Model:     strings.TrimSpace(st.Model),
		DebugMode: st.DebugMode,
		UpdatedAt: s.now().UTC(),
	}
	if key := strings.TrimSpace(st.APIKey); key != "" {
		enc, err := s.sealer.Seal(apiKeyPurpose, key)
		if err != nil {
			return fmt.Errorf("seal api key: %w", err)
		}
		row.EncAPIKey = &enc
	}
	if err := s.store.SaveSettings(ctx, row); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// SetProvider switches provider and resets endpoint and model to the
// profile defaults. The credential is kept.
func (s *Service) SetProvider(ctx context.Context, id string) (Settings, error) {
	profile, err := providers.Lookup(id)
	if err != nil {
		return Settings{}, err
	}
	return s.update(ctx, func(st *Settings) {
		st.Provider = profile.ID
		st.Endpoint = profile.Endpoint
		st.Model = profile.DefaultModel()
	})
}

func (s *Service) SetEndpoint(ctx context.Context, endpoint string) (Settings, error) {
	return s.update(ctx, func(st *Settings) { st.Endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/") })
}

func (s *Service) SetModel(ctx context.Context, model string) (Settings, error) {
	return s.update(ctx, func(st *Settings) { st.Model = strings.TrimSpace(model) })
}

func (s *Service) SetAPIKey(ctx context.Context, key string) (Settings, error) {
	return s.update(ctx, func(st *Settings) { st.APIKey = strings.TrimSpace(key) })
}

func (s *Service) SetDebug(ctx context.Context, on bool) (Settings, error) {
	return s.update(ctx, func(st *Settings) { st.DebugMode = on })
}

// Rotate reseals the stored credential under the current master key.
func (s *Service) Rotate(ctx context.Context) (bool, error) {
	row, err := s.store.GetSettings(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load settings: %w", err)
	}
	if row.EncAPIKey == nil || *row.EncAPIKey == "" {
		return false, nil
	}
	enc, changed, err := s.sealer.Reseal(apiKeyPurpose, *row.EncAPIKey)
	if err != nil || !changed {
		return false, err
	}
	row.EncAPIKey = &enc
	row.UpdatedAt = s.now().UTC()
	if err := s.store.SaveSettings(ctx, row); err != nil {
		return false, fmt.Errorf("save settings: %w", err)
	}
	return true, nil
}

func (s *Service) update(ctx context.Context, fn func(*Settings)) (Settings, error) {
	st, err := s.Load(ctx)
	if err != nil {
		return Settings{}, err
	}
	fn(&st)
	if err := s.Save(ctx, st); err != nil {
		return Settings{}, err
	}
	return st, nil
}

func (s *Service) initial() Settings {
	st := Settings{
		Provider: s.defaults.Provider,
		Endpoint: s.defaults.Endpoint,
		Model:    s.defaults.Model,
		APIKey:   s.defaults.APIKey,
	}
	if st.Provider == "" {
		st.Provider = defaultProvider
	}
	if st.Model == "" && st.Provider == defaultProvider {
		st.Model = defaultModel
	}
	if profile, err := providers.Lookup(st.Provider); err == nil {
		if st.Endpoint == "" {
			st.Endpoint = profile.Endpoint
		}
		if st.Model == "" {
			st.Model = profile.DefaultModel()
		}
	}
	return st
}

// Masked hides all but the last four characters of a credential.
func Masked(key string) string {
	r := []rune(key)
	if len(r) == 0 {
		return "not set"
	}
	if len(r) <= 4 {
		return "****"
	}
	return "****" + string(r[len(r)-4:])
}
