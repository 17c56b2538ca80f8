package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"github.com/wizicer/aichat/internal/providers"
	"github.com/wizicer/aichat/internal/queue"
	"github.com/wizicer/aichat/internal/reality"
	"github.com/wizicer/aichat/internal/storage"
	"github.com/wizicer/aichat/internal/usage"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil {
		return nil
	}

	cb, ok := parseCallback(strings.TrimSpace(ctx.CallbackQuery.Data))
	if !ok {
		s.answerCallback(b, ctx, "This button is no longer valid.", true)
		return nil
	}

	if cb.Arg == "" && cb.Action != actMenu && cb.Action != actStory {
		s.answerCallback(b, ctx, "", false)
		return s.showList(b, ctx, cb.Action)
	}

	switch cb.Action {
	case actMenu:
		s.answerCallback(b, ctx, "", false)
		text, err := s.menuText(ctx)
		if err != nil {
			return s.editOrReplyCallback(ctx, b, errorText(err), nil)
		}
		return s.editOrReplyCallback(ctx, b, text, mainMenuKeyboard())

	case actStory:
		s.answerCallback(b, ctx, "", false)
		return s.story(b, ctx)

	case actChat:
		c, err := s.store.GetCharacter(context.Background(), cb.Arg)
		if err != nil {
			s.answerCallback(b, ctx, errorText(err), true)
			return nil
		}
		s.answerCallback(b, ctx, "", false)
		return s.openChat(ctx, b, c)

	case actUse:
		return s.switchChat(b, ctx, cb.Arg)

	case actDelete:
		return s.deleteChat(b, ctx, cb.Arg)

	case actLore:
		return s.toggleLore(b, ctx, cb.Arg)

	case actProv:
		s.answerCallback(b, ctx, "", false)
		return s.editOrReplyCallback(ctx, b, s.switchProvider(cb.Arg), providersKeyboard(cb.Arg))

	case actModel:
		return s.pickModel(b, ctx, cb)

	case actAccept, actReject:
		return s.answerInvite(b, ctx, cb)

	case actPick:
		return s.pickChoice(b, ctx, cb)

	case actUsage:
		by, err := usage.ParseGroupBy(cb.Arg)
		if err != nil {
			s.answerCallback(b, ctx, "Unknown grouping.", true)
			return nil
		}
		s.answerCallback(b, ctx, "", false)
		text, err := s.usageView(by)
		if err != nil {
			return s.editOrReplyCallback(ctx, b, errorText(err), usageKeyboard())
		}
		return s.editOrReplyCallback(ctx, b, text, usageKeyboard())

	default:
		s.answerCallback(b, ctx, fmt.Sprintf("Unknown action: %s", cb.Action), true)
		return nil
	}
}

// showList opens the view behind a main menu button.
func (s *Service) showList(b *gotgbot.Bot, ctx *ext.Context, action string) error {
	switch action {
	case actChat:
		chars, err := s.store.ListCharacters(context.Background())
		if err != nil {
			return s.editOrReplyCallback(ctx, b, errorText(err), nil)
		}
		return s.editOrReplyCallback(ctx, b, charactersText(chars), charactersKeyboard(chars))
	case actUse:
		text, markup, err := s.chatsView(ctx)
		if err != nil {
			return s.editOrReplyCallback(ctx, b, errorText(err), nil)
		}
		return s.editOrReplyCallback(ctx, b, text, markup)
	case actLore:
		entries, err := s.store.ListLore(context.Background(), false)
		if err != nil {
			return s.editOrReplyCallback(ctx, b, errorText(err), nil)
		}
		return s.editOrReplyCallback(ctx, b, loreText(entries), loreKeyboard(entries))
	case actProv, actModel:
		st, err := s.settings.Load(context.Background())
		if err != nil {
			return s.editOrReplyCallback(ctx, b, errorText(err), nil)
		}
		if action == actProv {
			return s.editOrReplyCallback(ctx, b, "Pick a provider:", providersKeyboard(st.Provider))
		}
		profile, err := providers.Lookup(st.Provider)
		if err != nil || len(profile.Models) == 0 {
			return s.editOrReplyCallback(ctx, b, "This provider has no model list. Use /model <name>.", nil)
		}
		return s.editOrReplyCallback(ctx, b, "Pick a model:", modelsKeyboard(profile, st.Model))
	case actUsage:
		text, err := s.usageView(usage.ByCharacter)
		if err != nil {
			return s.editOrReplyCallback(ctx, b, errorText(err), usageKeyboard())
		}
		return s.editOrReplyCallback(ctx, b, text, usageKeyboard())
	}
	return s.editOrReplyCallback(ctx, b, "This button is no longer valid.", nil)
}

func (s *Service) switchChat(b *gotgbot.Bot, ctx *ext.Context, id string) error {
	chatID, ok := s.callbackChatID(ctx)
	if !ok {
		s.answerCallback(b, ctx, "Chat is unavailable for this action.", true)
		return nil
	}
	chat, err := s.store.GetChat(context.Background(), id)
	if err != nil || chat.ExternalID != chatID {
		s.answerCallback(b, ctx, "That chat no longer exists.", true)
		return nil
	}
	if err := s.store.BindChat(context.Background(), chatID, chat.ID); err != nil {
		s.logger.Error().Err(err).Str("chat_id", chat.ID).Msg("bind chat failed")
		s.answerCallback(b, ctx, "Failed to switch chats.", true)
		return nil
	}
	s.answerCallback(b, ctx, "Now talking in "+chat.Name, false)
	text, markup, err := s.chatsView(ctx)
	if err != nil {
		return nil
	}
	return s.editOrReplyCallback(ctx, b, text, markup)
}

func (s *Service) deleteChat(b *gotgbot.Bot, ctx *ext.Context, id string) error {
	chatID, ok := s.callbackChatID(ctx)
	if !ok {
		s.answerCallback(b, ctx, "Chat is unavailable for this action.", true)
		return nil
	}
	chat, err := s.store.GetChat(context.Background(), id)
	if err != nil || chat.ExternalID != chatID {
		s.answerCallback(b, ctx, "That chat no longer exists.", true)
		return nil
	}
	if err := s.store.DeleteChat(context.Background(), chat.ID); err != nil {
		s.logger.Error().Err(err).Str("chat_id", chat.ID).Msg("delete chat failed")
		s.answerCallback(b, ctx, "Failed to delete the chat.", true)
		return nil
	}
	if s.recorder != nil {
		s.recorder.Forget(chat.ID)
	}
	s.answerCallback(b, ctx, "Chat deleted.", false)
	text, markup, err := s.chatsView(ctx)
	if err != nil {
		return nil
	}
	return s.editOrReplyCallback(ctx, b, text, markup)
}

func (s *Service) toggleLore(b *gotgbot.Bot, ctx *ext.Context, id string) error {
	e, err := s.store.GetLoreEntry(context.Background(), id)
	if err != nil {
		s.answerCallback(b, ctx, errorText(err), true)
		return nil
	}
	if err := s.store.SetLoreEnabled(context.Background(), e.ID, !e.Enabled); err != nil {
		s.answerCallback(b, ctx, errorText(err), true)
		return nil
	}
	s.answerCallback(b, ctx, "", false)
	entries, err := s.store.ListLore(context.Background(), false)
	if err != nil {
		return nil
	}
	return s.editOrReplyCallback(ctx, b, loreText(entries), loreKeyboard(entries))
}

func (s *Service) pickModel(b *gotgbot.Bot, ctx *ext.Context, cb callback) error {
	profile, err := providers.Lookup(cb.Arg)
	if err != nil || cb.Index < 0 || cb.Index >= len(profile.Models) {
		s.answerCallback(b, ctx, "Unknown model.", true)
		return nil
	}
	st, err := s.settings.SetModel(context.Background(), profile.Models[cb.Index])
	if err != nil {
		s.answerCallback(b, ctx, errorText(err), true)
		return nil
	}
	s.answerCallback(b, ctx, "Model set to "+st.Model, false)
	return s.editOrReplyCallback(ctx, b, "Pick a model:", modelsKeyboard(profile, st.Model))
}

func (s *Service) answerInvite(b *gotgbot.Bot, ctx *ext.Context, cb callback) error {
	r, err := s.store.GetReality(context.Background(), cb.Arg)
	if err != nil {
		s.answerCallback(b, ctx, errorText(err), true)
		return nil
	}
	if r.Status != storage.RealityPending {
		s.answerCallback(b, ctx, errorText(reality.ErrInvalidTransition), true)
		return nil
	}

	kind, note := queue.JobAccept, "Starting the story..."
	if cb.Action == actReject {
		kind, note = queue.JobReject, "Declined."
	}
	s.answerCallback(b, ctx, "", false)
	queued, err := s.enqueue(ctx, b, queue.Job{Kind: kind, ChatID: r.ChatID, RealityID: r.ID}, true)
	if err != nil || !queued {
		return err
	}
	return s.editOrReplyCallback(ctx, b, fmt.Sprintf("Reality: %s\n\n%s", r.Title, note), nil)
}

func (s *Service) pickChoice(b *gotgbot.Bot, ctx *ext.Context, cb callback) error {
	r, err := s.store.GetReality(context.Background(), cb.Arg)
	if err != nil {
		s.answerCallback(b, ctx, errorText(err), true)
		return nil
	}
	cur, ok := reality.Current(r)
	if r.Status != storage.RealityActive || !ok || cb.Index < 0 || cb.Index >= len(cur.Choices) {
		s.answerCallback(b, ctx, errorText(reality.ErrInvalidChoice), true)
		return nil
	}
	choice := cur.Choices[cb.Index]

	s.answerCallback(b, ctx, "", false)
	queued, err := s.enqueue(ctx, b, queue.Job{Kind: queue.JobChoose, ChatID: r.ChatID, RealityID: r.ID, ChoiceID: choice.ID}, true)
	if err != nil || !queued {
		return err
	}
	text := fmt.Sprintf("%s\n\n%s\n\nYou chose: %s", r.Title, cur.Content, choice.Label)
	return s.editOrReplyCallback(ctx, b, text, nil)
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}

func (s *Service) editOrReplyCallback(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		opts := &gotgbot.EditMessageTextOpts{}
		if markup != nil {
			opts.ReplyMarkup = *markup
		}
		_, _, err := ctx.CallbackQuery.Message.EditText(b, text, opts)
		if err == nil {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
			return nil
		}
		// Fallback to sending a regular message if edit failed.
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}

func (s *Service) callbackChatID(ctx *ext.Context) (int64, bool) {
	if ctx != nil && ctx.EffectiveChat != nil {
		return ctx.EffectiveChat.Id, true
	}
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		chat := ctx.CallbackQuery.Message.GetChat()
		return chat.Id, true
	}
	return 0, false
}
