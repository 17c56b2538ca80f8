package openai_compat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wizicer/aichat/internal/providers"
)

func TestBuildPayloadChatCompletions(t *testing.T) {
	c := New(Config{BaseURL: "https://api.deepseek.com/v1/"})

	body, endpoint, err := c.buildPayload(providers.ChatRequest{
		Model: "deepseek-chat",
		Messages: []providers.Message{
			{Role: providers.RoleSystem, Content: "You are Aria."},
			{Role: providers.RoleUser, Content: "hello"},
		},
	})
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://api.deepseek.com/v1/chat/completions" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	var payload struct {
		Model       string              `json:"model"`
		Messages    []providers.Message `json:"messages"`
		Temperature float64             `json:"temperature"`
		MaxTokens   int                 `json:"max_tokens"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Model != "deepseek-chat" {
		t.Fatalf("expected model deepseek-chat, got %q", payload.Model)
	}
	if len(payload.Messages) != 2 || payload.Messages[0].Role != "system" || payload.Messages[1].Content != "hello" {
		t.Fatalf("messages not passed verbatim: %#v", payload.Messages)
	}
	if payload.Temperature != 0.8 || payload.MaxTokens != 2000 {
		t.Fatalf("unexpected sampling params %v/%d", payload.Temperature, payload.MaxTokens)
	}
}

func TestChatExtractsTextAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"hi there"}}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/v1", APIKey: "sk-test"})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "hi there" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if resp.Usage == nil || resp.Usage.Prompt != 12 || resp.Usage.Completion != 3 || resp.Usage.Total != 15 {
		t.Fatalf("unexpected usage %#v", resp.Usage)
	}
}

func TestChatWithoutUsageLeavesItNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	resp, err := New(Config{BaseURL: srv.URL, APIKey: "k"}).Chat(context.Background(), providers.ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Usage != nil {
		t.Fatalf("expected nil usage, got %#v", resp.Usage)
	}
}

func TestChatNon2xxIsTransportError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":"slow down"}`)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL, APIKey: "k"}).Chat(context.Background(), providers.ChatRequest{Model: "m"})
	var terr *providers.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if terr.Status != http.StatusTooManyRequests || terr.Body != `{"error":"slow down"}` {
		t.Fatalf("unexpected transport error %#v", terr)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestChatEmptyChoicesIsShapeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	_, err := New(Config{BaseURL: srv.URL, APIKey: "k"}).Chat(context.Background(), providers.ChatRequest{Model: "m"})
	var serr *providers.ShapeError
	if !errors.As(err, &serr) {
		t.Fatalf("expected shape error, got %v", err)
	}
}
