package config

import (
	"errors"
	"testing"
	"time"
)

const testKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("ADMIN_USER_ID", "42")
	t.Setenv("MASTER_KEY_B64", testKey)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.BotAccessMode != AccessModePrivate || cfg.AdminUserID != 42 {
		t.Fatalf("unexpected access config: %+v", cfg)
	}
	if cfg.DB.Driver != "sqlite" || cfg.LLM.Provider != "openai" || cfg.Chat.HistoryWindow != 20 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.HTTP.ClientTimeout != 0 {
		t.Fatalf("provider calls must not have a default deadline, got %v", cfg.HTTP.ClientTimeout)
	}
	if cfg.Crypto.CurrentKeyID != "default" {
		t.Fatalf("unexpected key id %q", cfg.Crypto.CurrentKeyID)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("MASTER_KEY_B64", testKey)
	if _, err := Load(); !errors.Is(err, ErrMissingBotToken) {
		t.Fatalf("expected missing token, got %v", err)
	}

	t.Setenv("BOT_TOKEN", "123:abc")
	if _, err := Load(); !errors.Is(err, ErrMissingAdminUserID) {
		t.Fatalf("expected missing admin, got %v", err)
	}

	t.Setenv("BOT_ACCESS_MODE", "everyone")
	if _, err := Load(); !errors.Is(err, ErrInvalidAccessMode) {
		t.Fatalf("expected invalid access mode, got %v", err)
	}
}

func TestLoadCoreSkipsBotChecks(t *testing.T) {
	t.Setenv("MASTER_KEY_B64", testKey)
	t.Setenv("HTTP_TIMEOUT", "45s")
	t.Setenv("LLM_PROVIDER", "Gemini")

	cfg, err := LoadCore()
	if err != nil {
		t.Fatalf("load core: %v", err)
	}
	if cfg.HTTP.ClientTimeout != 45*time.Second || cfg.LLM.Provider != "gemini" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadCryptoRotation(t *testing.T) {
	t.Setenv("MASTER_KEYS_JSON", `{"old":"`+testKey+`","new":"AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE="}`)
	if _, err := LoadCore(); err == nil {
		t.Fatalf("expected error without current key id")
	}

	t.Setenv("MASTER_KEY_CURRENT_ID", "new")
	cfg, err := LoadCore()
	if err != nil {
		t.Fatalf("load core: %v", err)
	}
	if cfg.Crypto.CurrentKeyID != "new" || len(cfg.Crypto.Keys) != 2 {
		t.Fatalf("unexpected crypto config: %+v", cfg.Crypto)
	}
}

func TestMissingMasterKey(t *testing.T) {
	if _, err := LoadCore(); !errors.Is(err, ErrMissingMasterKey) {
		t.Fatalf("expected missing master key, got %v", err)
	}
}
