package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"github.com/wizicer/aichat/internal/providers"
	"github.com/wizicer/aichat/internal/queue"
	"github.com/wizicer/aichat/internal/reality"
	"github.com/wizicer/aichat/internal/storage"
	"github.com/wizicer/aichat/internal/usage"
)

func TestParseCallback(t *testing.T) {
	cases := []struct {
		data string
		want callback
		ok   bool
	}{
		{data: cbData(actMenu), want: callback{Action: actMenu, Index: -1}, ok: true},
		{data: cbData(actAccept, "r1"), want: callback{Action: actAccept, Arg: "r1", Index: -1}, ok: true},
		{data: cbData(actPick, "r1", "2"), want: callback{Action: actPick, Arg: "r1", Index: 2}, ok: true},
		{data: "ac:pick:r1:-1"},
		{data: "ac:pick:r1:x"},
		{data: "ac:"},
		{data: "other:menu"},
	}
	for _, tc := range cases {
		got, ok := parseCallback(tc.data)
		if ok != tc.ok {
			t.Fatalf("%q: ok=%v want %v", tc.data, ok, tc.ok)
		}
		if ok && got != tc.want {
			t.Fatalf("%q: got %#v want %#v", tc.data, got, tc.want)
		}
	}
}

func TestChoiceButtonsFitTelegramLimit(t *testing.T) {
	id := strings.Repeat("a", 36)
	data := cbData(actPick, id, "12")
	if len(data) > 64 {
		t.Fatalf("callback data is %d bytes", len(data))
	}
}

func TestRenderReality(t *testing.T) {
	r := storage.Reality{
		ID:     "r1",
		Status: storage.RealityPending,
		Title:  "Old House",
		Paragraphs: []storage.RealityParagraph{{
			ID:      "p1",
			Content: "The door creaks.",
			Choices: []storage.RealityChoice{{ID: "1", Label: "Enter"}, {ID: reality.EndChoiceID, Label: "End the story"}},
		}},
	}

	text, markup := renderReality(r)
	if !strings.Contains(text, "The door creaks.") || markup == nil || len(markup.InlineKeyboard[0]) != 2 {
		t.Fatalf("pending card: %q %#v", text, markup)
	}
	if markup.InlineKeyboard[0][0].CallbackData != "ac:ok:r1" {
		t.Fatalf("unexpected accept data %q", markup.InlineKeyboard[0][0].CallbackData)
	}

	r.Status = storage.RealityActive
	_, markup = renderReality(r)
	var got []string
	for _, row := range markup.InlineKeyboard {
		got = append(got, row[0].CallbackData)
	}
	if diff := cmp.Diff([]string{"ac:pick:r1:0", "ac:pick:r1:1"}, got); diff != "" {
		t.Fatalf("choice buttons (-want +got):\n%s", diff)
	}

	r.Status = storage.RealityEnded
	text, markup = renderReality(r)
	if markup != nil || !strings.HasPrefix(text, "Story declined") {
		t.Fatalf("declined card: %q", text)
	}

	summary := "What a night."
	r.Paragraphs[0].ChosenID = reality.EndChoiceID
	r.Summary = &summary
	text, _ = renderReality(r)
	if !strings.Contains(text, summary) {
		t.Fatalf("ended card misses summary: %q", text)
	}
}

func TestUsageText(t *testing.T) {
	stats := []usage.Stat{
		{CharacterName: "Aria", Provider: "openai", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, Requests: 2},
		{CharacterName: "", Provider: "gemini", PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2, Requests: 1},
	}
	text := usageText(stats, usage.ByCharacterProvider)
	for _, want := range []string{"Aria via openai: 15 tokens", "(deleted) via gemini", "Total: 17 tokens"} {
		if !strings.Contains(text, want) {
			t.Fatalf("usage text misses %q:\n%s", want, text)
		}
	}
	if usageText(nil, usage.ByProvider) != "No token usage recorded yet." {
		t.Fatalf("unexpected empty text")
	}
}

func TestBudgetText(t *testing.T) {
	q := queue.Quota{Used: 4, Limit: 3, ResetAt: time.Date(2026, 2, 13, 11, 0, 0, 0, time.UTC)}
	if got, want := budgetText(q), "You used 3 of 3 model calls this hour. Try again after 11:00 UTC."; got != want {
		t.Fatalf("budgetText = %q, want %q", got, want)
	}
}

func TestErrorText(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("wrap: %w", providers.ErrMissingCredential), "Set an API key"},
		{&providers.TransportError{Status: 401, Body: "bad key"}, "API error 401: bad key"},
		{fmt.Errorf("x: %w", reality.ErrBusy), "Still working"},
		{queue.ErrInFlight, "Still working"},
		{reality.ErrInvalidChoice, "not available"},
		{fmt.Errorf("transition: %w", reality.ErrInvalidTransition), "no longer be changed"},
		{fmt.Errorf("load: %w", storage.ErrNotFound), "Not found"},
		{context.DeadlineExceeded, "too long"},
		{errors.New("boom"), "Something went wrong"},
	}
	for _, tc := range cases {
		if got := errorText(tc.err); !strings.Contains(got, tc.want) {
			t.Fatalf("errorText(%v) = %q, want it to contain %q", tc.err, got, tc.want)
		}
	}
}

func TestSplitMessage(t *testing.T) {
	text := strings.Repeat("й", maxMessageRunes+10)
	chunks := splitMessage(text)
	if len(chunks) != 2 || len([]rune(chunks[0])) != maxMessageRunes || len([]rune(chunks[1])) != 10 {
		t.Fatalf("unexpected chunks: %d", len(chunks))
	}
	if got := splitMessage(""); len(got) != 1 {
		t.Fatalf("empty text should still produce one chunk")
	}
}

func TestWizardStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	w := newWizardStore(rdb, time.Minute)
	ctx := context.Background()

	got, err := w.Get(ctx, 7)
	if err != nil || got != nil {
		t.Fatalf("expected no state, got %#v %v", got, err)
	}
	want := wizardState{Kind: wizLore, Step: "priority", Name: "Castle", Category: "world"}
	if err := w.Set(ctx, 7, want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err = w.Get(ctx, 7)
	if err != nil || got == nil || *got != want {
		t.Fatalf("round trip: %#v %v", got, err)
	}

	mr.FastForward(2 * time.Minute)
	if got, _ := w.Get(ctx, 7); got != nil {
		t.Fatalf("state should expire")
	}
}
