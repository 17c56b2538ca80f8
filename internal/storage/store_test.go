package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "aichat.db")
	s, err := Open(context.Background(), "sqlite", dsn, true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSeedDefaultsOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seeded, err := s.SeedDefaults(ctx)
	if err != nil || !seeded {
		t.Fatalf("seed: seeded=%v err=%v", seeded, err)
	}
	again, err := s.SeedDefaults(ctx)
	if err != nil || again {
		t.Fatalf("second seed must be a no-op: seeded=%v err=%v", again, err)
	}

	chars, err := s.ListCharacters(ctx)
	if err != nil {
		t.Fatalf("list characters: %v", err)
	}
	if len(chars) != len(CharacterTemplates) || chars[0].Name != CharacterTemplates[0].Name {
		t.Fatalf("unexpected characters %#v", chars)
	}
	enabled, err := s.ListLore(ctx, true)
	if err != nil {
		t.Fatalf("list lore: %v", err)
	}
	if len(enabled) != 0 {
		t.Fatalf("seeded lore must start disabled")
	}
}

func TestLoreOrderAndToggle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, name := range []string{"first", "second", "third"} {
		e := LoreEntry{ID: name, Name: name, Content: "c", Priority: i, Enabled: i != 1, CreatedAt: time.Now()}
		if err := s.CreateLoreEntry(ctx, e); err != nil {
			t.Fatalf("create lore: %v", err)
		}
	}
	all, err := s.ListLore(ctx, false)
	if err != nil {
		t.Fatalf("list lore: %v", err)
	}
	if len(all) != 3 || all[0].ID != "first" || all[2].ID != "third" || all[0].Seq >= all[1].Seq {
		t.Fatalf("lore not in insertion order: %#v", all)
	}

	if err := s.SetLoreEnabled(ctx, "second", true); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	enabled, _ := s.ListLore(ctx, true)
	if len(enabled) != 3 {
		t.Fatalf("expected 3 enabled entries, got %d", len(enabled))
	}
	if err := s.SetLoreEnabled(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMessagesWindowAndPreview(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chat := Chat{ID: "chat-1", CharacterID: "c1", Name: "with Aria", ExternalID: 42, CreatedAt: time.Now()}
	if err := s.CreateChat(ctx, chat); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	for i := 0; i < 5; i++ {
		m := Message{ID: fmt.Sprint("m", i), ChatID: chat.ID, Sender: SenderUser, Type: MessageText, Content: fmt.Sprint("hello ", i), CreatedAt: time.Now()}
		if err := s.AddMessage(ctx, m); err != nil {
			t.Fatalf("add message: %v", err)
		}
	}
	long := strings.Repeat("x", 80)
	if err := s.AddMessage(ctx, Message{ID: "m5", ChatID: chat.ID, Sender: SenderAI, Type: MessageText, Content: long, Metadata: map[string]string{"k": "v"}, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("add message: %v", err)
	}

	last, err := s.ListMessages(ctx, chat.ID, 3)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	ids := []string{last[0].ID, last[1].ID, last[2].ID}
	if diff := cmp.Diff([]string{"m3", "m4", "m5"}, ids); diff != "" {
		t.Fatalf("window mismatch (-want +got):\n%s", diff)
	}
	if last[2].Metadata["k"] != "v" {
		t.Fatalf("metadata not round-tripped: %#v", last[2].Metadata)
	}

	got, err := s.GetChat(ctx, chat.ID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if got.LastMessage != strings.Repeat("x", 50) || got.LastMessageAt == nil {
		t.Fatalf("preview not updated: %#v", got)
	}
}

func TestRealityRoundTripAndFinish(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateChat(ctx, Chat{ID: "chat-1", CharacterID: "c1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	now := time.Now().UTC()
	r := Reality{
		ID:     "r1",
		ChatID: "chat-1",
		Status: RealityPending,
		Title:  "Old House",
		Paragraphs: []RealityParagraph{{
			ID:      "p1",
			Content: "The door creaks.",
			Choices: []RealityChoice{{ID: "1", Label: "Enter"}, {ID: "end", Label: "End the story"}},
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	invite := Message{ID: "inv", ChatID: "chat-1", Sender: SenderAI, Type: MessageReality, Content: r.Title, Metadata: map[string]string{MetaRealityID: "r1"}, CreatedAt: now}
	if err := s.CreateReality(ctx, r, invite); err != nil {
		t.Fatalf("create reality: %v", err)
	}

	got, err := s.GetReality(ctx, "r1")
	if err != nil {
		t.Fatalf("get reality: %v", err)
	}
	if diff := cmp.Diff(r, got, cmpopts.IgnoreFields(Reality{}, "CreatedAt", "UpdatedAt")); diff != "" {
		t.Fatalf("reality mismatch (-want +got):\n%s", diff)
	}

	got.Status = RealityEnded
	got.Paragraphs[0].ChosenID = "end"
	summary := "What a night."
	got.Summary = &summary
	recap := Message{ID: "recap", ChatID: "chat-1", Sender: SenderSystem, Type: MessageText, Content: "[Old House] What a night.", CreatedAt: now.Add(time.Second)}
	if err := s.FinishReality(ctx, got, recap); err != nil {
		t.Fatalf("finish reality: %v", err)
	}

	ended, _ := s.GetReality(ctx, "r1")
	if ended.Status != RealityEnded || ended.Summary == nil || *ended.Summary != summary || ended.Paragraphs[0].ChosenID != "end" {
		t.Fatalf("unexpected ended reality %#v", ended)
	}
	msgs, _ := s.ListMessages(ctx, "chat-1", 0)
	if len(msgs) != 2 || msgs[0].Type != MessageReality || msgs[1].Content != recap.Content {
		t.Fatalf("unexpected messages %#v", msgs)
	}

	if err := s.UpdateReality(ctx, Reality{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteChatCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_ = s.CreateChat(ctx, Chat{ID: "chat-1", CharacterID: "c1", ExternalID: 7, CreatedAt: now})
	_ = s.BindChat(ctx, 7, "chat-1")
	_ = s.AddMessage(ctx, Message{ID: "m1", ChatID: "chat-1", Sender: SenderUser, Type: MessageText, Content: "hi", CreatedAt: now})
	_ = s.CreateReality(ctx, Reality{ID: "r1", ChatID: "chat-1", Status: RealityPending, Title: "T", CreatedAt: now, UpdatedAt: now},
		Message{ID: "inv", ChatID: "chat-1", Sender: SenderAI, Type: MessageReality, Content: "T", CreatedAt: now})

	active, err := s.ActiveChat(ctx, 7)
	if err != nil || active.ID != "chat-1" {
		t.Fatalf("active chat: %#v %v", active, err)
	}

	if err := s.DeleteChat(ctx, "chat-1"); err != nil {
		t.Fatalf("delete chat: %v", err)
	}
	if _, err := s.GetReality(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reality survived chat deletion: %v", err)
	}
	if _, err := s.ActiveChat(ctx, 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("binding survived chat deletion: %v", err)
	}
	msgs, _ := s.ListMessages(ctx, "chat-1", 0)
	if len(msgs) != 0 {
		t.Fatalf("messages survived chat deletion")
	}
}

func TestSettingsAndUsage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSettings(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no settings, got %v", err)
	}
	enc := "sealed"
	want := Settings{Provider: "gemini", Endpoint: "https://generativelanguage.googleapis.com/v1beta", EncAPIKey: &enc, Model: "gemini-1.5-flash", DebugMode: true, UpdatedAt: time.Now()}
	if err := s.SaveSettings(ctx, want); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	want.Model = "gemini-1.5-pro"
	if err := s.SaveSettings(ctx, want); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	got, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(Settings{}, "UpdatedAt")); diff != "" {
		t.Fatalf("settings mismatch (-want +got):\n%s", diff)
	}

	for i := 0; i < 3; i++ {
		u := TokenUsage{ID: fmt.Sprint("u", i), CharacterID: "c1", Provider: "openai", PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3, CreatedAt: time.Now()}
		if err := s.InsertTokenUsage(ctx, u); err != nil {
			t.Fatalf("insert usage: %v", err)
		}
	}
	recs, _ := s.ListTokenUsage(ctx)
	if len(recs) != 3 || recs[0].TotalTokens != 3 {
		t.Fatalf("unexpected usage %#v", recs)
	}
	if err := s.ClearTokenUsage(ctx); err != nil {
		t.Fatalf("clear usage: %v", err)
	}
	recs, _ = s.ListTokenUsage(ctx)
	if len(recs) != 0 {
		t.Fatalf("usage not cleared")
	}
}
