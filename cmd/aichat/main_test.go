package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSanitizeTelegramErr(t *testing.T) {
	token := "123456:ABC-secret"
	err := errors.New(`Post "https://api.telegram.org/bot123456:ABC-secret/getUpdates": timeout`)
	got := sanitizeTelegramErr(err, token)
	if strings.Contains(got, "ABC-secret") || !strings.Contains(got, "<redacted-token>") {
		t.Fatalf("token leaked: %q", got)
	}
	if sanitizeTelegramErr(nil, token) != "" {
		t.Fatalf("nil error should render empty")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLogLevel(in); got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
