package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"github.com/wizicer/aichat/internal/conversation"
	"github.com/wizicer/aichat/internal/providers"
	"github.com/wizicer/aichat/internal/queue"
	"github.com/wizicer/aichat/internal/storage"
)

type sentMessage struct {
	chatID  int64
	text    string
	replyTo int64
	markup  bool
}

type fakeSender struct {
	sent []sentMessage
	err  error
}

func (f *fakeSender) SendMessageWithContext(_ context.Context, chatID int64, text string, opts *gotgbot.SendMessageOpts) (*gotgbot.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	m := sentMessage{chatID: chatID, text: text}
	if opts != nil {
		if opts.ReplyParameters != nil {
			m.replyTo = opts.ReplyParameters.MessageId
		}
		m.markup = opts.ReplyMarkup != nil
	}
	f.sent = append(f.sent, m)
	return &gotgbot.Message{}, nil
}

func TestReplierResultText(t *testing.T) {
	bot := &fakeSender{}
	r := NewReplier(bot, zerolog.Nop())
	job := queue.Job{ExternalChatID: 5, MessageID: 9}

	long := strings.Repeat("a", maxMessageRunes+1)
	res := conversation.Result{Message: &storage.Message{Type: storage.MessageText, Content: long}}
	if err := r.Result(context.Background(), job, res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if len(bot.sent) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(bot.sent))
	}
	if bot.sent[0].replyTo != 9 || bot.sent[1].replyTo != 0 || bot.sent[0].chatID != 5 {
		t.Fatalf("only the first chunk replies to the user: %#v", bot.sent)
	}
}

func TestReplierResultReality(t *testing.T) {
	bot := &fakeSender{}
	r := NewReplier(bot, zerolog.Nop())

	reality := storage.Reality{ID: "r1", Status: storage.RealityPending, Title: "Old House",
		Paragraphs: []storage.RealityParagraph{{ID: "p1", Content: "The door creaks."}}}
	res := conversation.Result{
		Message: &storage.Message{Type: storage.MessageReality, Content: "Old House"},
		Reality: &reality,
	}
	if err := r.Result(context.Background(), queue.Job{ExternalChatID: 5}, res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if len(bot.sent) != 1 || !bot.sent[0].markup || !strings.Contains(bot.sent[0].text, "Start this story?") {
		t.Fatalf("expected one invite card, got %#v", bot.sent)
	}
}

func TestReplierFailure(t *testing.T) {
	bot := &fakeSender{}
	r := NewReplier(bot, zerolog.Nop())
	if err := r.Failure(context.Background(), queue.Job{ExternalChatID: 5}, providers.ErrMissingCredential); err != nil {
		t.Fatalf("failure: %v", err)
	}
	if len(bot.sent) != 1 || !strings.Contains(bot.sent[0].text, "API key") {
		t.Fatalf("unexpected failure message %#v", bot.sent)
	}

	bot.err = errors.New("telegram down")
	if err := r.Text(context.Background(), queue.Job{ExternalChatID: 5}, "hi"); err == nil {
		t.Fatalf("expected send error")
	}
}
