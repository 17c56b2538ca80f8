// Package conversation runs one user action end to end: settings check,
// prompt assembly, the provider call, classification, narrative state and
// usage accounting.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wizicer/aichat/internal/classify"
	"github.com/wizicer/aichat/internal/debugtrace"
	"github.com/wizicer/aichat/internal/metrics"
	"github.com/wizicer/aichat/internal/prompt"
	"github.com/wizicer/aichat/internal/providers"
	"github.com/wizicer/aichat/internal/providers/registry"
	"github.com/wizicer/aichat/internal/reality"
	"github.com/wizicer/aichat/internal/settings"
	"github.com/wizicer/aichat/internal/storage"
	"github.com/wizicer/aichat/internal/usage"
)

const (
	OpChat     = "chat"
	OpSuggest  = "suggest"
	OpContinue = "continue"
	OpSummary  = "summary"
	OpPing     = "ping"
)

var ErrEmptyMessage = errors.New("message is empty")

type Store interface {
	GetChat(ctx context.Context, id string) (storage.Chat, error)
	GetCharacter(ctx context.Context, id string) (storage.Character, error)
	ListLore(ctx context.Context, onlyEnabled bool) ([]storage.LoreEntry, error)
	ListMessages(ctx context.Context, chatID string, limit int) ([]storage.Message, error)
	AddMessage(ctx context.Context, m storage.Message) error
	GetReality(ctx context.Context, id string) (storage.Reality, error)
}

type SettingsSource interface {
	Ready(ctx context.Context) (settings.Settings, error)
}

// Builder turns validated settings into a provider client.
type Builder func(st settings.Settings) (providers.Provider, error)

// RegistryBuilder builds clients through the provider registry with the
// given HTTP client. A nil client means no deadline beyond ctx.
func RegistryBuilder(httpClient *http.Client) Builder {
	return func(st settings.Settings) (providers.Provider, error) {
		return registry.Build(registry.BuildOptions{
			ProviderID: st.Provider,
			BaseURL:    st.Endpoint,
			APIKey:     st.APIKey,
			HTTPClient: httpClient,
		})
	}
}

type Config struct {
	Store     Store
	Settings  SettingsSource
	Build     Builder
	Engine    *reality.Engine
	Ledger    *usage.Ledger
	Recorder  *debugtrace.Recorder
	Assembler *prompt.Assembler
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type Service struct {
	cfg Config
}

// Result is what the UI renders after an action. Message is the stored
// reply (an ai text or a reality invite). Reality is set whenever the
// action created or changed one. Traces are only filled in debug mode.
type Result struct {
	Response classify.Response
	Message  *storage.Message
	Reality  *storage.Reality
	Traces   []debugtrace.Trace
}

func NewService(cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Build == nil {
		cfg.Build = RegistryBuilder(nil)
	}
	if cfg.Assembler == nil {
		cfg.Assembler = prompt.New(prompt.DefaultHistoryWindow)
	}
	return &Service{cfg: cfg}
}

// call carries what one provider round trip needs.
type call struct {
	st        settings.Settings
	provider  providers.Provider
	chatID    string
	character storage.Character
	traces    []debugtrace.Trace
}

// Send stores the user's message, asks the model for a reply and stores
// that reply as text or as a pending reality invite.
func (s *Service) Send(ctx context.Context, chatID, text string) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrEmptyMessage
	}
	c, err := s.prepare(ctx, chatID)
	if err != nil {
		return Result{}, err
	}
	lore, err := s.cfg.Store.ListLore(ctx, true)
	if err != nil {
		return Result{}, fmt.Errorf("load lore: %w", err)
	}

	userMsg := storage.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Sender:    storage.SenderUser,
		Type:      storage.MessageText,
		Content:   text,
		CreatedAt: s.cfg.Now().UTC(),
	}
	if err := s.cfg.Store.AddMessage(ctx, userMsg); err != nil {
		return Result{}, fmt.Errorf("store user message: %w", err)
	}

	history, err := s.history(ctx, chatID)
	if err != nil {
		return Result{}, err
	}
	msgs, err := s.cfg.Assembler.ChatMessages(c.character, lore, history)
	if err != nil {
		return Result{}, fmt.Errorf("assemble prompt: %w", err)
	}
	raw, err := s.invoke(ctx, c, OpChat, msgs)
	if err != nil {
		return Result{Traces: c.traces}, err
	}
	return s.reply(ctx, c, raw)
}

// Suggest asks the character to propose a reality from the recent chat.
// Nothing is stored for the request itself.
func (s *Service) Suggest(ctx context.Context, chatID string) (Result, error) {
	c, err := s.prepare(ctx, chatID)
	if err != nil {
		return Result{}, err
	}
	lore, err := s.cfg.Store.ListLore(ctx, true)
	if err != nil {
		return Result{}, fmt.Errorf("load lore: %w", err)
	}
	history, err := s.history(ctx, chatID)
	if err != nil {
		return Result{}, err
	}
	msgs, err := s.cfg.Assembler.SuggestMessages(c.character, lore, history)
	if err != nil {
		return Result{}, fmt.Errorf("assemble prompt: %w", err)
	}
	raw, err := s.invoke(ctx, c, OpSuggest, msgs)
	if err != nil {
		return Result{Traces: c.traces}, err
	}
	return s.reply(ctx, c, raw)
}

func (s *Service) Accept(ctx context.Context, realityID string) (Result, error) {
	r, err := s.cfg.Engine.Accept(ctx, realityID)
	if err != nil {
		return Result{}, err
	}
	return Result{Reality: &r}, nil
}

func (s *Service) Reject(ctx context.Context, realityID string) (Result, error) {
	r, err := s.cfg.Engine.Reject(ctx, realityID)
	if err != nil {
		return Result{}, err
	}
	return Result{Reality: &r}, nil
}

// Choose resolves a choice of an active reality. The engine decides between
// continuation and summary; the provider calls it needs run through a
// narrator bound to this call's settings.
func (s *Service) Choose(ctx context.Context, realityID, choiceID string) (Result, error) {
	r, err := s.cfg.Store.GetReality(ctx, realityID)
	if err != nil {
		return Result{}, fmt.Errorf("load reality: %w", err)
	}
	c, err := s.prepare(ctx, r.ChatID)
	if err != nil {
		return Result{}, err
	}
	lore, err := s.cfg.Store.ListLore(ctx, true)
	if err != nil {
		return Result{}, fmt.Errorf("load lore: %w", err)
	}
	n := &narrator{svc: s, call: c, lore: lore}
	updated, err := s.cfg.Engine.Choose(ctx, realityID, choiceID, n)
	if err != nil {
		return Result{Traces: c.traces}, err
	}
	return Result{Reality: &updated, Traces: c.traces}, nil
}

// TestConnection sends a fixed probe with the current settings.
func (s *Service) TestConnection(ctx context.Context) (string, error) {
	st, err := s.cfg.Settings.Ready(ctx)
	if err != nil {
		return "", err
	}
	p, err := s.cfg.Build(st)
	if err != nil {
		return "", err
	}
	started := s.cfg.Now()
	reply, err := providers.Ping(ctx, p, st.Model)
	s.observe(st.Provider, OpPing, started, err)
	return reply, err
}

func (s *Service) prepare(ctx context.Context, chatID string) (*call, error) {
	st, err := s.cfg.Settings.Ready(ctx)
	if err != nil {
		return nil, err
	}
	chat, err := s.cfg.Store.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat: %w", err)
	}
	character, err := s.cfg.Store.GetCharacter(ctx, chat.CharacterID)
	if err != nil {
		return nil, fmt.Errorf("load character: %w", err)
	}
	p, err := s.cfg.Build(st)
	if err != nil {
		return nil, err
	}
	return &call{st: st, provider: p, chatID: chatID, character: character}, nil
}

// history loads enough recent messages for the window; reality invites are
// filtered later so a few extra rows are read.
func (s *Service) history(ctx context.Context, chatID string) ([]storage.Message, error) {
	msgs, err := s.cfg.Store.ListMessages(ctx, chatID, s.cfg.Assembler.HistoryWindow()*2)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return msgs, nil
}

func (s *Service) reply(ctx context.Context, c *call, raw string) (Result, error) {
	res := classify.Classify(raw)
	out := Result{Response: res, Traces: c.traces}

	if res.Kind == classify.KindNarrative {
		r, err := s.cfg.Engine.Create(ctx, c.chatID, *res.Narrative)
		if err != nil {
			return out, err
		}
		out.Reality = &r
		return out, nil
	}

	msg := storage.Message{
		ID:        uuid.NewString(),
		ChatID:    c.chatID,
		Sender:    storage.SenderAI,
		Type:      storage.MessageText,
		Content:   res.Text,
		CreatedAt: s.cfg.Now().UTC(),
	}
	if err := s.cfg.Store.AddMessage(ctx, msg); err != nil {
		return out, fmt.Errorf("store reply: %w", err)
	}
	out.Message = &msg
	return out, nil
}

// invoke performs one provider call and does the bookkeeping around it.
// Usage is recorded only for successful calls that reported it.
func (s *Service) invoke(ctx context.Context, c *call, op string, msgs []providers.Message) (string, error) {
	req := providers.ChatRequest{
		Model:       c.st.Model,
		Messages:    msgs,
		Temperature: providers.DefaultTemperature,
		MaxTokens:   providers.DefaultMaxTokens,
	}
	log := s.cfg.Logger.With().Str("chat_id", c.chatID).Str("provider", c.st.Provider).Str("operation", op).Logger()

	started := s.cfg.Now()
	resp, err := c.provider.Chat(ctx, req)
	s.observe(c.st.Provider, op, started, err)
	if err != nil {
		log.Warn().Err(err).Msg("provider call failed")
		return "", err
	}

	if _, err := s.cfg.Ledger.Record(ctx, usage.Caller{
		CharacterID:   c.character.ID,
		CharacterName: c.character.Name,
		Provider:      c.st.Provider,
	}, resp.Usage); err != nil {
		log.Error().Err(err).Msg("failed to record token usage")
	}
	if s.cfg.Metrics != nil && !resp.Usage.Empty() {
		s.cfg.Metrics.TokensTotal.WithLabelValues(c.st.Provider, "prompt").Add(float64(resp.Usage.Prompt))
		s.cfg.Metrics.TokensTotal.WithLabelValues(c.st.Provider, "completion").Add(float64(resp.Usage.Completion))
	}

	if c.st.DebugMode && s.cfg.Recorder != nil {
		tr := debugtrace.Capture(c.chatID, op, c.st.Provider, req, resp, started)
		s.cfg.Recorder.Add(tr)
		c.traces = append(c.traces, tr)
	}
	log.Debug().Int("chars", len(resp.Text)).Msg("provider replied")
	return resp.Text, nil
}

func (s *Service) observe(provider, op string, started time.Time, err error) {
	if s.cfg.Metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.cfg.Metrics.ProviderCalls.WithLabelValues(provider, op, outcome).Inc()
	s.cfg.Metrics.ProviderLatency.WithLabelValues(provider).Observe(s.cfg.Now().Sub(started).Seconds())
}

type narrator struct {
	svc  *Service
	call *call
	lore []storage.LoreEntry
}

func (n *narrator) Continue(ctx context.Context, r storage.Reality, steps []prompt.Step) (string, error) {
	msgs, err := n.svc.cfg.Assembler.ContinueMessages(n.call.character, n.lore, r.Title, steps)
	if err != nil {
		return "", fmt.Errorf("assemble prompt: %w", err)
	}
	return n.svc.invoke(ctx, n.call, OpContinue, msgs)
}

func (n *narrator) Summarize(ctx context.Context, r storage.Reality, steps []prompt.Step) (string, error) {
	msgs, err := n.svc.cfg.Assembler.SummaryMessages(n.call.character, n.lore, r.Title, steps)
	if err != nil {
		return "", fmt.Errorf("assemble prompt: %w", err)
	}
	return n.svc.invoke(ctx, n.call, OpSummary, msgs)
}
