package telegram

import (
	"context"
	"fmt"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"github.com/wizicer/aichat/internal/conversation"
	"github.com/wizicer/aichat/internal/queue"
	"github.com/wizicer/aichat/internal/storage"
)

// sender is the part of *gotgbot.Bot the worker needs.
type sender interface {
	SendMessageWithContext(ctx context.Context, chatId int64, text string, opts *gotgbot.SendMessageOpts) (*gotgbot.Message, error)
}

// Replier renders worker outcomes back into the originating chat.
type Replier struct {
	bot    sender
	logger zerolog.Logger
}

func NewReplier(bot sender, logger zerolog.Logger) *Replier {
	return &Replier{bot: bot, logger: logger}
}

func (r *Replier) Result(ctx context.Context, job queue.Job, res conversation.Result) error {
	replyTo := job.MessageID
	if res.Message != nil && res.Message.Type == storage.MessageText {
		for _, chunk := range splitMessage(res.Message.Content) {
			if err := r.send(ctx, job.ExternalChatID, replyTo, chunk, nil); err != nil {
				return err
			}
			replyTo = 0
		}
	}
	if res.Reality != nil {
		text, markup := renderReality(*res.Reality)
		if err := r.send(ctx, job.ExternalChatID, replyTo, truncateRunes(text, maxMessageRunes), markup); err != nil {
			return err
		}
	}
	for _, t := range res.Traces {
		if err := r.send(ctx, job.ExternalChatID, 0, traceSummary(t), nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replier) Text(ctx context.Context, job queue.Job, text string) error {
	return r.send(ctx, job.ExternalChatID, job.MessageID, truncateRunes(text, maxMessageRunes), nil)
}

func (r *Replier) Failure(ctx context.Context, job queue.Job, err error) error {
	r.logger.Warn().Err(err).Str("job_id", job.JobID).Str("kind", string(job.Kind)).Msg("job failed")
	return r.send(ctx, job.ExternalChatID, job.MessageID, errorText(err), nil)
}

func (r *Replier) send(ctx context.Context, chatID, replyTo int64, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	opts := &gotgbot.SendMessageOpts{}
	if replyTo > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: replyTo, AllowSendingWithoutReply: true}
	}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	if _, err := r.bot.SendMessageWithContext(ctx, chatID, text, opts); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
