// Package reality drives the branching narrative state machine:
// pending -> active -> ended, with choice resolution and end-of-story
// summaries.
package reality

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/wizicer/aichat/internal/classify"
	"github.com/wizicer/aichat/internal/metrics"
	"github.com/wizicer/aichat/internal/prompt"
	"github.com/wizicer/aichat/internal/providers"
	"github.com/wizicer/aichat/internal/storage"
)

const (
	EndChoiceID    = "end"
	endChoiceLabel = "End the story"
)

var (
	ErrBusy              = errors.New("reality is busy with another action")
	ErrInvalidTransition = errors.New("invalid reality transition")
	ErrInvalidChoice     = errors.New("invalid choice")
)

type Store interface {
	CreateReality(ctx context.Context, r storage.Reality, invite storage.Message) error
	GetReality(ctx context.Context, id string) (storage.Reality, error)
	UpdateReality(ctx context.Context, r storage.Reality) error
	// FinishReality writes the ended reality and its recap message together.
	FinishReality(ctx context.Context, r storage.Reality, recap storage.Message) error
}

// Narrator performs the provider calls the engine needs. It returns the raw
// model text; the engine classifies it.
type Narrator interface {
	Continue(ctx context.Context, r storage.Reality, steps []prompt.Step) (string, error)
	Summarize(ctx context.Context, r storage.Reality, steps []prompt.Step) (string, error)
}

type Config struct {
	Store   Store
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Engine struct {
	cfg Config

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{cfg: cfg, inflight: make(map[string]struct{})}
}

// Create stores a pending reality seeded from n together with the invite
// message shown in the chat.
func (e *Engine) Create(ctx context.Context, chatID string, n classify.Narrative) (storage.Reality, error) {
	now := e.cfg.Now().UTC()
	r := storage.Reality{
		ID:     uuid.NewString(),
		ChatID: chatID,
		Status: storage.RealityPending,
		Title:  strings.TrimSpace(n.Title),
		Paragraphs: []storage.RealityParagraph{{
			ID:      uuid.NewString(),
			Content: n.Paragraph,
			Choices: EnsureEnd(toChoices(n.Choices)),
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	invite := storage.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Sender:    storage.SenderAI,
		Type:      storage.MessageReality,
		Content:   r.Title,
		Metadata:  map[string]string{storage.MetaRealityID: r.ID},
		CreatedAt: now,
	}
	if err := e.cfg.Store.CreateReality(ctx, r, invite); err != nil {
		return storage.Reality{}, fmt.Errorf("create reality: %w", err)
	}
	e.observe(storage.RealityPending)
	e.cfg.Logger.Info().Str("reality_id", r.ID).Str("chat_id", chatID).Msg("reality proposed")
	return r, nil
}

func (e *Engine) Accept(ctx context.Context, id string) (storage.Reality, error) {
	return e.transition(ctx, id, func(r *storage.Reality) error {
		if r.Status != storage.RealityPending {
			return fmt.Errorf("%w: accept from %s", ErrInvalidTransition, r.Status)
		}
		r.Status = storage.RealityActive
		if cur := current(r); cur != nil && len(cur.Choices) > 0 {
			cur.Choices = EnsureEnd(cur.Choices)
		}
		return nil
	})
}

func (e *Engine) Reject(ctx context.Context, id string) (storage.Reality, error) {
	return e.transition(ctx, id, func(r *storage.Reality) error {
		if r.Status != storage.RealityPending {
			return fmt.Errorf("%w: reject from %s", ErrInvalidTransition, r.Status)
		}
		r.Status = storage.RealityEnded
		return nil
	})
}

func (e *Engine) transition(ctx context.Context, id string, apply func(r *storage.Reality) error) (storage.Reality, error) {
	release, err := e.acquire(id)
	if err != nil {
		return storage.Reality{}, err
	}
	defer release()

	r, err := e.cfg.Store.GetReality(ctx, id)
	if err != nil {
		return storage.Reality{}, fmt.Errorf("load reality: %w", err)
	}
	if err := apply(&r); err != nil {
		return storage.Reality{}, err
	}
	r.UpdatedAt = e.cfg.Now().UTC()
	if err := e.cfg.Store.UpdateReality(ctx, r); err != nil {
		return storage.Reality{}, fmt.Errorf("update reality: %w", err)
	}
	e.observe(r.Status)
	return r, nil
}

// Choose resolves the current paragraph. The "end" choice asks the narrator
// for a recap and ends the reality with it. Any other choice asks for a
// continuation; a continuation without choices ends the reality with no
// summary. On any error nothing is written.
func (e *Engine) Choose(ctx context.Context, id, choiceID string, narrator Narrator) (storage.Reality, error) {
	release, err := e.acquire(id)
	if err != nil {
		return storage.Reality{}, err
	}
	defer release()

	stored, err := e.cfg.Store.GetReality(ctx, id)
	if err != nil {
		return storage.Reality{}, fmt.Errorf("load reality: %w", err)
	}
	if stored.Status != storage.RealityActive {
		return storage.Reality{}, fmt.Errorf("%w: choose while %s", ErrInvalidTransition, stored.Status)
	}

	r := clone(stored)
	cur := current(&r)
	if cur == nil || len(cur.Choices) == 0 || cur.ChosenID != "" {
		return storage.Reality{}, fmt.Errorf("%w: no open choice", ErrInvalidTransition)
	}
	if !hasChoice(cur.Choices, choiceID) {
		return storage.Reality{}, fmt.Errorf("%w: %q", ErrInvalidChoice, choiceID)
	}
	cur.ChosenID = choiceID
	steps := Steps(r)
	log := e.cfg.Logger.With().Str("reality_id", id).Str("choice", choiceID).Logger()

	if choiceID == EndChoiceID {
		summary, err := narrator.Summarize(ctx, r, steps)
		if err != nil {
			return storage.Reality{}, fmt.Errorf("summarize reality: %w", err)
		}
		summary = strings.TrimSpace(summary)
		if summary == "" {
			return storage.Reality{}, fmt.Errorf("summarize reality: %w", &providers.ShapeError{Provider: "narrator", Reason: "empty summary"})
		}
		r.Status = storage.RealityEnded
		r.Summary = &summary
		r.UpdatedAt = e.cfg.Now().UTC()
		recap := storage.Message{
			ID:        uuid.NewString(),
			ChatID:    r.ChatID,
			Sender:    storage.SenderSystem,
			Type:      storage.MessageText,
			Content:   fmt.Sprintf("[%s] %s", r.Title, summary),
			CreatedAt: r.UpdatedAt,
		}
		if err := e.cfg.Store.FinishReality(ctx, r, recap); err != nil {
			return storage.Reality{}, fmt.Errorf("finish reality: %w", err)
		}
		e.observe(r.Status)
		log.Info().Msg("reality ended with summary")
		return r, nil
	}

	raw, err := narrator.Continue(ctx, r, steps)
	if err != nil {
		return storage.Reality{}, fmt.Errorf("continue reality: %w", err)
	}

	next := storage.RealityParagraph{ID: uuid.NewString()}
	if n, ok := classify.Continuation(raw); ok {
		next.Content = n.Paragraph
		next.Choices = toChoices(n.Choices)
	} else {
		// A reply that is not a narrative at all becomes the closing paragraph.
		next.Content = strings.TrimSpace(raw)
	}
	if len(next.Choices) == 0 {
		next.Choices = nil
		r.Status = storage.RealityEnded
	} else {
		next.Choices = EnsureEnd(next.Choices)
	}
	r.Paragraphs = append(r.Paragraphs, next)
	r.UpdatedAt = e.cfg.Now().UTC()

	if err := e.cfg.Store.UpdateReality(ctx, r); err != nil {
		return storage.Reality{}, fmt.Errorf("update reality: %w", err)
	}
	if r.Status == storage.RealityEnded {
		e.observe(r.Status)
		log.Info().Msg("reality ended without choices")
	}
	return r, nil
}

func (e *Engine) acquire(id string) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return nil, ErrBusy
	}
	e.inflight[id] = struct{}{}
	return func() {
		e.mu.Lock()
		delete(e.inflight, id)
		e.mu.Unlock()
	}, nil
}

func (e *Engine) observe(to storage.RealityStatus) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.RealityTransitions.WithLabelValues(string(to)).Inc()
	}
}

// EnsureEnd leaves exactly one "end" choice in a non-empty list, appending
// the default one when the model left it out.
func EnsureEnd(choices []storage.RealityChoice) []storage.RealityChoice {
	if len(choices) == 0 {
		return choices
	}
	out := make([]storage.RealityChoice, 0, len(choices)+1)
	seenEnd := false
	for _, c := range choices {
		if c.ID == EndChoiceID {
			if seenEnd {
				continue
			}
			seenEnd = true
		}
		out = append(out, c)
	}
	if !seenEnd {
		out = append(out, storage.RealityChoice{ID: EndChoiceID, Label: endChoiceLabel})
	}
	return out
}

// Steps flattens the paragraphs into prompt history with chosen labels.
func Steps(r storage.Reality) []prompt.Step {
	out := make([]prompt.Step, 0, len(r.Paragraphs))
	for _, p := range r.Paragraphs {
		s := prompt.Step{Content: p.Content}
		for _, c := range p.Choices {
			if c.ID == p.ChosenID && p.ChosenID != "" {
				s.ChosenLabel = c.Label
				break
			}
		}
		out = append(out, s)
	}
	return out
}

// Current returns the paragraph awaiting a decision, if any.
func Current(r storage.Reality) (storage.RealityParagraph, bool) {
	if r.Status != storage.RealityActive {
		return storage.RealityParagraph{}, false
	}
	p := current(&r)
	if p == nil || len(p.Choices) == 0 || p.ChosenID != "" {
		return storage.RealityParagraph{}, false
	}
	return *p, true
}

func current(r *storage.Reality) *storage.RealityParagraph {
	if len(r.Paragraphs) == 0 {
		return nil
	}
	return &r.Paragraphs[len(r.Paragraphs)-1]
}

func hasChoice(choices []storage.RealityChoice, id string) bool {
	for _, c := range choices {
		if c.ID == id {
			return true
		}
	}
	return false
}

func toChoices(in []classify.Choice) []storage.RealityChoice {
	if len(in) == 0 {
		return nil
	}
	out := make([]storage.RealityChoice, 0, len(in))
	for _, c := range in {
		out = append(out, storage.RealityChoice{ID: c.ID, Label: c.Label})
	}
	return out
}

func clone(r storage.Reality) storage.Reality {
	out := r
	out.Paragraphs = make([]storage.RealityParagraph, len(r.Paragraphs))
	for i, p := range r.Paragraphs {
		p.Choices = append([]storage.RealityChoice(nil), p.Choices...)
		out.Paragraphs[i] = p
	}
	if r.Summary != nil {
		s := *r.Summary
		out.Summary = &s
	}
	return out
}
