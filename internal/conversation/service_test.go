package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/wizicer/aichat/internal/classify"
	"github.com/wizicer/aichat/internal/debugtrace"
	"github.com/wizicer/aichat/internal/prompt"
	"github.com/wizicer/aichat/internal/providers"
	"github.com/wizicer/aichat/internal/reality"
	"github.com/wizicer/aichat/internal/settings"
	"github.com/wizicer/aichat/internal/storage"
	"github.com/wizicer/aichat/internal/usage"
)

type staticSettings struct {
	st  settings.Settings
	err error
}

func (s staticSettings) Ready(context.Context) (settings.Settings, error) {
	if s.err != nil {
		return settings.Settings{}, s.err
	}
	if err := s.st.Validate(); err != nil {
		return settings.Settings{}, err
	}
	return s.st, nil
}

// scripted replies in order and remembers every request.
type scripted struct {
	mu       sync.Mutex
	replies  []providers.ChatResponse
	errs     []error
	requests []providers.ChatRequest
}

func (p *scripted) Chat(_ context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	i := len(p.requests) - 1
	if i < len(p.errs) && p.errs[i] != nil {
		return providers.ChatResponse{}, p.errs[i]
	}
	if i >= len(p.replies) {
		return providers.ChatResponse{}, errors.New("no scripted reply")
	}
	return p.replies[i], nil
}

type fixture struct {
	svc      *Service
	store    *storage.Store
	provider *scripted
	ledger   *usage.Ledger
	recorder *debugtrace.Recorder
	chatID   string
}

func newFixture(t *testing.T, st settings.Settings, replies ...providers.ChatResponse) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(ctx, "sqlite", filepath.Join(t.TempDir(), "chat.db"), true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	now := time.Now().UTC()
	ch := storage.Character{ID: "char-1", Name: "Aria", Persona: "A gentle bard.", CreatedAt: now, UpdatedAt: now}
	if err := store.CreateCharacter(ctx, ch); err != nil {
		t.Fatalf("create character: %v", err)
	}
	if err := store.CreateChat(ctx, storage.Chat{ID: "chat-1", CharacterID: ch.ID, Name: "Aria", CreatedAt: now}); err != nil {
		t.Fatalf("create chat: %v", err)
	}

	p := &scripted{replies: replies}
	ledger := usage.NewLedger(store)
	recorder := debugtrace.NewRecorder(5)
	svc := NewService(Config{
		Store:     store,
		Settings:  staticSettings{st: st},
		Build:     func(settings.Settings) (providers.Provider, error) { return p, nil },
		Engine:    reality.New(reality.Config{Store: store, Logger: zerolog.Nop()}),
		Ledger:    ledger,
		Recorder:  recorder,
		Assembler: prompt.New(20),
		Logger:    zerolog.Nop(),
	})
	return &fixture{svc: svc, store: store, provider: p, ledger: ledger, recorder: recorder, chatID: "chat-1"}
}

var readySettings = settings.Settings{Provider: "openai", Endpoint: "https://api.example.com/v1", APIKey: "sk-test", Model: "gpt-4o-mini"}

const narrativeReply = "Sure!\n```json\n{\"type\":\"reality\",\"title\":\"Old House\",\"paragraph\":\"The door creaks.\",\"choices\":[{\"id\":\"1\",\"label\":\"Enter\"},{\"id\":\"2\",\"label\":\"Leave\"}]}\n```"

func TestSendPlainText(t *testing.T) {
	f := newFixture(t, readySettings, providers.ChatResponse{
		Text:  "Hello there, traveller.",
		Usage: &providers.Usage{Prompt: 10, Completion: 5, Total: 15},
	})
	ctx := context.Background()

	res, err := f.svc.Send(ctx, f.chatID, "  hi  ")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Response.Kind != classify.KindText || res.Message == nil || res.Message.Sender != storage.SenderAI {
		t.Fatalf("unexpected result %+v", res)
	}

	req := f.provider.requests[0]
	if req.Model != "gpt-4o-mini" || req.Temperature != providers.DefaultTemperature || req.MaxTokens != providers.DefaultMaxTokens {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Messages[0].Role != providers.RoleSystem || !strings.HasPrefix(req.Messages[0].Content, "You are Aria.") {
		t.Fatalf("system prompt missing: %+v", req.Messages[0])
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != providers.RoleUser || last.Content != "hi" {
		t.Fatalf("user message not last in prompt: %+v", last)
	}

	msgs, _ := f.store.ListMessages(ctx, f.chatID, 0)
	if len(msgs) != 2 || msgs[0].Sender != storage.SenderUser || msgs[1].Content != "Hello there, traveller." {
		t.Fatalf("unexpected stored messages %+v", msgs)
	}
	stats, _ := f.ledger.Aggregate(ctx, usage.ByCharacter)
	if len(stats) != 1 || stats[0].TotalTokens != 15 || stats[0].CharacterName != "Aria" {
		t.Fatalf("usage not recorded: %+v", stats)
	}
	if len(res.Traces) != 0 {
		t.Fatalf("traces captured without debug mode")
	}
}

func TestMissingCredentialBeforeAnyCall(t *testing.T) {
	st := readySettings
	st.APIKey = ""
	f := newFixture(t, st)

	if _, err := f.svc.Send(context.Background(), f.chatID, "hi"); !errors.Is(err, providers.ErrMissingCredential) {
		t.Fatalf("expected missing credential, got %v", err)
	}
	if len(f.provider.requests) != 0 {
		t.Fatalf("provider called without credential")
	}
	msgs, _ := f.store.ListMessages(context.Background(), f.chatID, 0)
	if len(msgs) != 0 {
		t.Fatalf("messages stored on failed validation")
	}
	if _, err := f.svc.TestConnection(context.Background()); !errors.Is(err, providers.ErrMissingCredential) {
		t.Fatalf("expected missing credential from ping, got %v", err)
	}
}

func TestNarrativeLifecycle(t *testing.T) {
	st := readySettings
	st.DebugMode = true
	f := newFixture(t, st,
		providers.ChatResponse{Text: narrativeReply},
		providers.ChatResponse{Text: `{"type":"reality","title":"Old House","paragraph":"Dust everywhere.","choices":[{"id":"a","label":"Go upstairs"}]}`},
		providers.ChatResponse{Text: "What an adventure we had.", Usage: &providers.Usage{Prompt: 3, Completion: 4, Total: 7}},
	)
	ctx := context.Background()

	res, err := f.svc.Send(ctx, f.chatID, "tell me a story")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Reality == nil || res.Reality.Status != storage.RealityPending {
		t.Fatalf("expected pending reality, got %+v", res)
	}
	if len(res.Traces) != 1 || res.Traces[0].Raw != narrativeReply {
		t.Fatalf("debug trace missing: %+v", res.Traces)
	}
	id := res.Reality.ID

	if _, err := f.svc.Accept(ctx, id); err != nil {
		t.Fatalf("accept: %v", err)
	}
	res, err = f.svc.Choose(ctx, id, "1")
	if err != nil {
		t.Fatalf("choose: %v", err)
	}
	if len(res.Reality.Paragraphs) != 2 || res.Reality.Status != storage.RealityActive {
		t.Fatalf("unexpected continuation %+v", res.Reality)
	}
	cont := f.provider.requests[1].Messages
	if !strings.Contains(cont[0].Content, "[User chose: Enter]") || cont[1].Content != "Please continue the story." {
		t.Fatalf("continuation prompt missing chosen label: %+v", cont)
	}

	res, err = f.svc.Choose(ctx, id, reality.EndChoiceID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if res.Reality.Status != storage.RealityEnded || res.Reality.Summary == nil {
		t.Fatalf("expected ended reality with summary, got %+v", res.Reality)
	}
	msgs, _ := f.store.ListMessages(ctx, f.chatID, 0)
	recap := msgs[len(msgs)-1]
	if recap.Sender != storage.SenderSystem || recap.Content != "[Old House] What an adventure we had." {
		t.Fatalf("unexpected recap %+v", recap)
	}
	if got := f.recorder.List(f.chatID); len(got) != 3 {
		t.Fatalf("expected 3 traces, got %d", len(got))
	}
}

func TestFailedContinuationLeavesRealityUnchanged(t *testing.T) {
	f := newFixture(t, readySettings, providers.ChatResponse{Text: narrativeReply})
	ctx := context.Background()

	res, err := f.svc.Send(ctx, f.chatID, "story please")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	id := res.Reality.ID
	if _, err := f.svc.Accept(ctx, id); err != nil {
		t.Fatalf("accept: %v", err)
	}
	f.provider.errs = []error{nil, &providers.TransportError{Status: 500, Body: "boom"}}

	_, err = f.svc.Choose(ctx, id, "2")
	var te *providers.TransportError
	if !errors.As(err, &te) || te.Status != 500 {
		t.Fatalf("expected transport error, got %v", err)
	}
	stored, _ := f.store.GetReality(ctx, id)
	if len(stored.Paragraphs) != 1 || stored.Paragraphs[0].ChosenID != "" || stored.Status != storage.RealityActive {
		t.Fatalf("reality changed on failure: %+v", stored)
	}
	recs, _ := f.ledger.Records(ctx)
	if len(recs) != 0 {
		t.Fatalf("usage recorded for a failed call")
	}
}

func TestSuggestStoresOnlyReply(t *testing.T) {
	f := newFixture(t, readySettings, providers.ChatResponse{Text: "I'd rather just chat today."})
	ctx := context.Background()

	res, err := f.svc.Suggest(ctx, f.chatID)
	if err != nil {
		t.Fatalf("suggest: %v", err)
	}
	if res.Message == nil || res.Reality != nil {
		t.Fatalf("plain suggestion reply must be stored as text: %+v", res)
	}
	msgs := f.provider.requests[0].Messages
	if msgs[len(msgs)-1].Role != providers.RoleUser {
		t.Fatalf("suggest prompt must end with the user nudge")
	}
	stored, _ := f.store.ListMessages(ctx, f.chatID, 0)
	if len(stored) != 1 {
		t.Fatalf("expected only the reply to be stored, got %d", len(stored))
	}
}

func TestTestConnection(t *testing.T) {
	f := newFixture(t, readySettings, providers.ChatResponse{Text: strings.Repeat("ok ", 40)})
	got, err := f.svc.TestConnection(context.Background())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !strings.HasSuffix(got, "...") || len([]rune(got)) != 53 {
		t.Fatalf("unexpected ping reply %q", got)
	}
}
