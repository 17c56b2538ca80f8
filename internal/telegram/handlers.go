package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/google/uuid"

	"github.com/wizicer/aichat/internal/providers"
	"github.com/wizicer/aichat/internal/queue"
	"github.com/wizicer/aichat/internal/settings"
	"github.com/wizicer/aichat/internal/storage"
	"github.com/wizicer/aichat/internal/usage"
)

const maxNameRunes = 64

func (s *Service) start(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.sendMenu(ctx, b)
}

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.reply(ctx, b, helpText())
}

func (s *Service) menu(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.sendMenu(ctx, b)
}

func (s *Service) sendMenu(ctx *ext.Context, b *gotgbot.Bot) error {
	text, err := s.menuText(ctx)
	if err != nil {
		return s.reply(ctx, b, errorText(err))
	}
	return s.replyWithMarkup(ctx, b, text, mainMenuKeyboard())
}

func (s *Service) menuText(ctx *ext.Context) (string, error) {
	st, err := s.settings.Load(context.Background())
	if err != nil {
		s.logger.Error().Err(err).Msg("load settings failed")
		return "", err
	}
	var active *storage.Chat
	character := ""
	if ctx.EffectiveChat != nil {
		if chat, err := s.store.ActiveChat(context.Background(), ctx.EffectiveChat.Id); err == nil {
			active = &chat
			if c, err := s.store.GetCharacter(context.Background(), chat.CharacterID); err == nil {
				character = c.Name
			}
		}
	}
	return mainMenuText(st, active, character), nil
}

func (s *Service) cancelWizard(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	if err := s.wizard.Clear(context.Background(), ctx.EffectiveUser.Id); err != nil {
		return s.reply(ctx, b, "Failed to cancel wizard right now.")
	}
	return s.reply(ctx, b, "Canceled.")
}

func (s *Service) characters(b *gotgbot.Bot, ctx *ext.Context) error {
	chars, err := s.store.ListCharacters(context.Background())
	if err != nil {
		s.logger.Error().Err(err).Msg("list characters failed")
		return s.reply(ctx, b, "Failed to load characters.")
	}
	return s.replyWithMarkup(ctx, b, charactersText(chars), charactersKeyboard(chars))
}

func (s *Service) characterAdd(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.beginWizard(ctx, b, wizardState{Kind: wizCharacter, Step: "name"}, "Send the character's name.")
}

func (s *Service) characterDel(b *gotgbot.Bot, ctx *ext.Context) error {
	name := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if name == "" {
		return s.reply(ctx, b, "Usage: /character_del <name>")
	}
	c, err := s.store.FindCharacterByName(context.Background(), name)
	if err != nil {
		return s.reply(ctx, b, errorText(err))
	}
	if err := s.store.DeleteCharacter(context.Background(), c.ID); err != nil {
		s.logger.Error().Err(err).Str("character_id", c.ID).Msg("delete character failed")
		return s.reply(ctx, b, errorText(err))
	}
	return s.reply(ctx, b, "Character deleted.")
}

func (s *Service) personaEdit(b *gotgbot.Bot, ctx *ext.Context) error {
	name := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if name == "" {
		return s.reply(ctx, b, "Usage: /persona <name>")
	}
	c, err := s.store.FindCharacterByName(context.Background(), name)
	if err != nil {
		return s.reply(ctx, b, errorText(err))
	}
	return s.beginWizard(ctx, b, wizardState{Kind: wizPersona, Step: "persona", TargetID: c.ID},
		"Current persona:\n"+c.Persona+"\n\nSend the new persona.")
}

func (s *Service) newChat(b *gotgbot.Bot, ctx *ext.Context) error {
	name := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if name == "" {
		return s.characters(b, ctx)
	}
	c, err := s.store.FindCharacterByName(context.Background(), name)
	if err != nil {
		return s.reply(ctx, b, errorText(err))
	}
	return s.openChat(ctx, b, c)
}

func (s *Service) openChat(ctx *ext.Context, b *gotgbot.Bot, c storage.Character) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	chat := storage.Chat{
		ID:          uuid.NewString(),
		CharacterID: c.ID,
		Name:        c.Name,
		ExternalID:  ctx.EffectiveChat.Id,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateChat(context.Background(), chat); err != nil {
		s.logger.Error().Err(err).Msg("create chat failed")
		return s.reply(ctx, b, errorText(err))
	}
	if err := s.store.BindChat(context.Background(), chat.ExternalID, chat.ID); err != nil {
		s.logger.Error().Err(err).Msg("bind chat failed")
		return s.reply(ctx, b, errorText(err))
	}
	return s.reply(ctx, b, fmt.Sprintf("New chat with %s. Say hello!", c.Name))
}

func (s *Service) chats(b *gotgbot.Bot, ctx *ext.Context) error {
	text, markup, err := s.chatsView(ctx)
	if err != nil {
		return s.reply(ctx, b, errorText(err))
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}

func (s *Service) chatsView(ctx *ext.Context) (string, *gotgbot.InlineKeyboardMarkup, error) {
	chatID, ok := s.callbackChatID(ctx)
	if !ok {
		return "", nil, storage.ErrNotFound
	}
	list, err := s.store.ListChats(context.Background(), chatID)
	if err != nil {
		s.logger.Error().Err(err).Msg("list chats failed")
		return "", nil, err
	}
	activeID := ""
	if active, err := s.store.ActiveChat(context.Background(), chatID); err == nil {
		activeID = active.ID
	}
	return chatsText(list, activeID), chatsKeyboard(list), nil
}

func (s *Service) lore(b *gotgbot.Bot, ctx *ext.Context) error {
	entries, err := s.store.ListLore(context.Background(), false)
	if err != nil {
		s.logger.Error().Err(err).Msg("list lore failed")
		return s.reply(ctx, b, "Failed to load lore.")
	}
	return s.replyWithMarkup(ctx, b, loreText(entries), loreKeyboard(entries))
}

func (s *Service) loreAdd(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.beginWizard(ctx, b, wizardState{Kind: wizLore, Step: "name"}, "Send the lore entry name.")
}

func (s *Service) loreToggle(b *gotgbot.Bot, ctx *ext.Context) error {
	e, err := s.loreByPosition(ctx)
	if err != nil {
		return s.reply(ctx, b, "Usage: /lore_toggle <number from /lore>")
	}
	if err := s.store.SetLoreEnabled(context.Background(), e.ID, !e.Enabled); err != nil {
		return s.reply(ctx, b, errorText(err))
	}
	if e.Enabled {
		return s.reply(ctx, b, e.Name+" disabled.")
	}
	return s.reply(ctx, b, e.Name+" enabled.")
}

func (s *Service) loreEdit(b *gotgbot.Bot, ctx *ext.Context) error {
	e, err := s.loreByPosition(ctx)
	if err != nil {
		return s.reply(ctx, b, "Usage: /lore_edit <number from /lore>")
	}
	return s.beginWizard(ctx, b, wizardState{Kind: wizLoreEdit, Step: "content", TargetID: e.ID},
		"Current text:\n"+e.Content+"\n\nSend the new text.")
}

func (s *Service) loreDel(b *gotgbot.Bot, ctx *ext.Context) error {
	e, err := s.loreByPosition(ctx)
	if err != nil {
		return s.reply(ctx, b, "Usage: /lore_del <number from /lore>")
	}
	if err := s.store.DeleteLoreEntry(context.Background(), e.ID); err != nil {
		return s.reply(ctx, b, errorText(err))
	}
	return s.reply(ctx, b, e.Name+" deleted.")
}

// loreByPosition resolves the 1-based position shown by /lore.
func (s *Service) loreByPosition(ctx *ext.Context) (storage.LoreEntry, error) {
	n, err := strconv.Atoi(strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText())))
	if err != nil {
		return storage.LoreEntry{}, err
	}
	entries, err := s.store.ListLore(context.Background(), false)
	if err != nil {
		return storage.LoreEntry{}, err
	}
	if n < 1 || n > len(entries) {
		return storage.LoreEntry{}, storage.ErrNotFound
	}
	return entries[n-1], nil
}

func (s *Service) provider(b *gotgbot.Bot, ctx *ext.Context) error {
	id := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if id == "" {
		st, err := s.settings.Load(context.Background())
		if err != nil {
			return s.reply(ctx, b, errorText(err))
		}
		return s.replyWithMarkup(ctx, b, "Pick a provider:", providersKeyboard(st.Provider))
	}
	return s.reply(ctx, b, s.switchProvider(id))
}

func (s *Service) switchProvider(id string) string {
	st, err := s.settings.SetProvider(context.Background(), id)
	if err != nil {
		return err.Error()
	}
	text := fmt.Sprintf("Provider set to %s, model %s.", st.Provider, st.Model)
	if st.Endpoint == "" {
		text += " Set the endpoint with /endpoint <url>."
	}
	return text
}

func (s *Service) model(b *gotgbot.Bot, ctx *ext.Context) error {
	name := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if name == "" {
		st, err := s.settings.Load(context.Background())
		if err != nil {
			return s.reply(ctx, b, errorText(err))
		}
		profile, err := providers.Lookup(st.Provider)
		if err != nil || len(profile.Models) == 0 {
			return s.reply(ctx, b, "Usage: /model <name>")
		}
		return s.replyWithMarkup(ctx, b, "Pick a model:", modelsKeyboard(profile, st.Model))
	}
	st, err := s.settings.SetModel(context.Background(), name)
	if err != nil {
		return s.reply(ctx, b, errorText(err))
	}
	return s.reply(ctx, b, "Model set to "+st.Model+".")
}

func (s *Service) endpoint(b *gotgbot.Bot, ctx *ext.Context) error {
	raw := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	u, err := url.Parse(raw)
	if raw == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return s.reply(ctx, b, "Usage: /endpoint https://host/v1")
	}
	st, err := s.settings.SetEndpoint(context.Background(), raw)
	if err != nil {
		return s.reply(ctx, b, errorText(err))
	}
	return s.reply(ctx, b, "Endpoint set to "+st.Endpoint+".")
}

func (s *Service) apiKey(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	key := strings.TrimSpace(commandRemainder(msg.GetText()))
	if key == "" {
		return s.reply(ctx, b, "Usage: /apikey <key>")
	}
	// The key should not stay in the chat history.
	if _, err := b.DeleteMessage(msg.Chat.Id, msg.MessageId, nil); err != nil {
		s.logger.Warn().Err(err).Msg("failed to delete api key message")
	}
	st, err := s.settings.SetAPIKey(context.Background(), key)
	if err != nil {
		s.logger.Error().Err(err).Msg("save api key failed")
		return s.reply(ctx, b, "Failed to save the API key.")
	}
	return s.reply(ctx, b, "API key saved: "+settings.Masked(st.APIKey))
}

func (s *Service) ping(b *gotgbot.Bot, ctx *ext.Context) error {
	_, err := s.enqueue(ctx, b, queue.Job{Kind: queue.JobPing}, false)
	return err
}

func (s *Service) debug(b *gotgbot.Bot, ctx *ext.Context) error {
	arg := strings.ToLower(strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText())))
	var on bool
	switch arg {
	case "on", "true", "1":
		on = true
	case "off", "false", "0":
	default:
		return s.reply(ctx, b, "Usage: /debug on|off")
	}
	if _, err := s.settings.SetDebug(context.Background(), on); err != nil {
		return s.reply(ctx, b, errorText(err))
	}
	if on {
		return s.reply(ctx, b, "Debug traces on. Use /trace to see the last request.")
	}
	return s.reply(ctx, b, "Debug traces off.")
}

func (s *Service) trace(b *gotgbot.Bot, ctx *ext.Context) error {
	chat, ok := s.activeChat(ctx, b)
	if !ok {
		return nil
	}
	if s.recorder == nil {
		return s.reply(ctx, b, "Traces are kept by the worker process only.")
	}
	t, found := s.recorder.Last(chat.ID)
	if !found {
		return s.reply(ctx, b, "No trace recorded for this chat. Enable them with /debug on.")
	}
	return s.reply(ctx, b, traceDetail(t))
}

func (s *Service) usage(b *gotgbot.Bot, ctx *ext.Context) error {
	by, err := usage.ParseGroupBy(strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText())))
	if err != nil {
		return s.reply(ctx, b, "Usage: /usage [character|provider|pair]")
	}
	text, err := s.usageView(by)
	if err != nil {
		return s.reply(ctx, b, errorText(err))
	}
	return s.replyWithMarkup(ctx, b, text, usageKeyboard())
}

func (s *Service) usageView(by usage.GroupBy) (string, error) {
	stats, err := s.ledger.Aggregate(context.Background(), by)
	if err != nil {
		s.logger.Error().Err(err).Msg("aggregate usage failed")
		return "", err
	}
	return usageText(stats, by), nil
}

func (s *Service) usageClear(b *gotgbot.Bot, ctx *ext.Context) error {
	if err := s.ledger.Clear(context.Background()); err != nil {
		s.logger.Error().Err(err).Msg("clear usage failed")
		return s.reply(ctx, b, errorText(err))
	}
	return s.reply(ctx, b, "Token usage cleared.")
}

func (s *Service) suggest(b *gotgbot.Bot, ctx *ext.Context) error {
	chat, ok := s.activeChat(ctx, b)
	if !ok {
		return nil
	}
	_, err := s.enqueue(ctx, b, queue.Job{Kind: queue.JobSuggest, ChatID: chat.ID}, true)
	return err
}

func (s *Service) story(b *gotgbot.Bot, ctx *ext.Context) error {
	chat, ok := s.activeChat(ctx, b)
	if !ok {
		return nil
	}
	list, err := s.store.ListRealities(context.Background(), chat.ID)
	if err != nil {
		return s.reply(ctx, b, errorText(err))
	}
	for _, r := range list {
		if r.Status != storage.RealityEnded {
			text, markup := renderReality(r)
			return s.replyWithMarkup(ctx, b, text, markup)
		}
	}
	return s.reply(ctx, b, "No story in progress. Ask for one with /reality.")
}

func (s *Service) privateText(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	text := strings.TrimSpace(ctx.EffectiveMessage.GetText())
	if text == "" {
		return nil
	}

	state, err := s.wizard.Get(context.Background(), ctx.EffectiveUser.Id)
	if err != nil {
		s.logger.Error().Err(err).Msg("wizard load failed")
	}
	if state != nil {
		return s.wizardStep(ctx, b, state, text)
	}

	chat, ok := s.activeChat(ctx, b)
	if !ok {
		return nil
	}
	_, err = s.enqueue(ctx, b, queue.Job{
		Kind:      queue.JobSend,
		ChatID:    chat.ID,
		MessageID: ctx.EffectiveMessage.MessageId,
		Text:      text,
	}, true)
	return err
}

func (s *Service) beginWizard(ctx *ext.Context, b *gotgbot.Bot, state wizardState, prompt string) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	if err := s.wizard.Set(context.Background(), ctx.EffectiveUser.Id, state); err != nil {
		s.logger.Error().Err(err).Msg("wizard save failed")
		return s.reply(ctx, b, "Failed to start. Try again.")
	}
	return s.reply(ctx, b, prompt+"\n(/cancel to abort)")
}

func (s *Service) wizardStep(ctx *ext.Context, b *gotgbot.Bot, state *wizardState, text string) error {
	uid := ctx.EffectiveUser.Id
	next, prompt, done, err := s.advanceWizard(context.Background(), state, text)
	if err != nil {
		if errors.Is(err, errWizardInput) {
			return s.reply(ctx, b, prompt)
		}
		s.logger.Error().Err(err).Str("wizard", state.Kind).Msg("wizard step failed")
		_ = s.wizard.Clear(context.Background(), uid)
		return s.reply(ctx, b, errorText(err))
	}
	if done {
		_ = s.wizard.Clear(context.Background(), uid)
		return s.reply(ctx, b, prompt)
	}
	if err := s.wizard.Set(context.Background(), uid, next); err != nil {
		return s.reply(ctx, b, "Failed to save progress. Start again.")
	}
	return s.reply(ctx, b, prompt)
}

var errWizardInput = errors.New("invalid wizard input")

// advanceWizard applies one reply to the form. It returns the next state,
// the text to show, and whether the form is complete.
func (s *Service) advanceWizard(ctx context.Context, state *wizardState, text string) (wizardState, string, bool, error) {
	st := *state
	switch st.Kind + "/" + st.Step {
	case wizCharacter + "/name", wizLore + "/name":
		if len([]rune(text)) > maxNameRunes {
			return st, fmt.Sprintf("Names are limited to %d characters.", maxNameRunes), false, errWizardInput
		}
		st.Name = text
		if st.Kind == wizCharacter {
			st.Step = "bio"
			return st, "Send a one-line bio, or - to skip.", false, nil
		}
		st.Step = "category"
		return st, "Send a category (world, people, items...).", false, nil

	case wizCharacter + "/bio":
		if text != "-" {
			st.Bio = text
		}
		st.Step = "persona"
		return st, "Send the persona: who they are and how they talk.", false, nil

	case wizCharacter + "/persona":
		now := s.now()
		c := storage.Character{ID: uuid.NewString(), Name: st.Name, Bio: st.Bio, Persona: text, CreatedAt: now, UpdatedAt: now}
		if err := s.store.CreateCharacter(ctx, c); err != nil {
			return st, "", false, err
		}
		return st, fmt.Sprintf("%s created. Start with /newchat %s", c.Name, c.Name), true, nil

	case wizPersona + "/persona":
		c, err := s.store.GetCharacter(ctx, st.TargetID)
		if err != nil {
			return st, "", false, err
		}
		c.Persona = text
		c.UpdatedAt = s.now()
		if err := s.store.UpdateCharacter(ctx, c); err != nil {
			return st, "", false, err
		}
		return st, "Persona updated.", true, nil

	case wizLore + "/category":
		st.Category = text
		st.Step = "priority"
		return st, "Send a priority number (higher comes first).", false, nil

	case wizLore + "/priority":
		n, err := strconv.Atoi(text)
		if err != nil {
			return st, "Priority must be a whole number.", false, errWizardInput
		}
		st.Priority = n
		st.Step = "content"
		return st, "Send the lore text.", false, nil

	case wizLore + "/content":
		e := storage.LoreEntry{
			ID:        uuid.NewString(),
			Name:      st.Name,
			Content:   text,
			Category:  st.Category,
			Priority:  st.Priority,
			Enabled:   true,
			CreatedAt: s.now(),
		}
		if err := s.store.CreateLoreEntry(ctx, e); err != nil {
			return st, "", false, err
		}
		return st, e.Name + " added and enabled.", true, nil

	case wizLoreEdit + "/content":
		e, err := s.store.GetLoreEntry(ctx, st.TargetID)
		if err != nil {
			return st, "", false, err
		}
		e.Content = text
		if err := s.store.UpdateLoreEntry(ctx, e); err != nil {
			return st, "", false, err
		}
		return st, e.Name + " updated.", true, nil
	}
	return st, "", false, fmt.Errorf("unknown wizard step %s/%s", st.Kind, st.Step)
}

func (s *Service) activeChat(ctx *ext.Context, b *gotgbot.Bot) (storage.Chat, bool) {
	chatID, ok := s.callbackChatID(ctx)
	if !ok {
		return storage.Chat{}, false
	}
	chat, err := s.store.ActiveChat(context.Background(), chatID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = s.reply(ctx, b, "Pick a character first: /characters")
		} else {
			s.logger.Error().Err(err).Msg("load active chat failed")
			_ = s.reply(ctx, b, errorText(err))
		}
		return storage.Chat{}, false
	}
	return chat, true
}

// enqueue hands a job to the worker and reports whether it was queued.
// Guarded jobs take the per-chat in-flight guard, which the worker releases
// when it is done. Only jobs that reach the provider spend the user's budget.
func (s *Service) enqueue(ctx *ext.Context, b *gotgbot.Bot, job queue.Job, guarded bool) (bool, error) {
	chatID, ok := s.callbackChatID(ctx)
	if !ok {
		return false, nil
	}
	job.ExternalChatID = chatID
	job.UserID = userID(ctx)

	if guarded {
		if job.Kind.CallsProvider() && !s.allowRate(job.UserID, b, ctx) {
			return false, nil
		}
		if s.inflight != nil {
			token, err := s.inflight.Acquire(context.Background(), chatID)
			if err != nil {
				if !errors.Is(err, queue.ErrInFlight) {
					s.logger.Error().Err(err).Msg("inflight acquire failed")
				}
				return false, s.reply(ctx, b, errorText(err))
			}
			job.GuardToken = token
		}
	}

	if _, err := s.queue.Enqueue(context.Background(), job); err != nil {
		s.logger.Error().Err(err).Str("kind", string(job.Kind)).Msg("failed to enqueue job")
		if job.GuardToken != "" {
			_, _ = s.inflight.Release(context.Background(), chatID, job.GuardToken)
		}
		return false, s.reply(ctx, b, "Queue is unavailable right now.")
	}
	s.metrics.EnqueuedJobs.Inc()
	_, _ = b.SendChatAction(chatID, "typing", nil)
	return true, nil
}

func (s *Service) allowRate(userID int64, b *gotgbot.Bot, ctx *ext.Context) bool {
	if userID == 0 || s.budget == nil {
		return true
	}
	q, err := s.budget.Spend(context.Background(), userID, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("provider budget failed")
		return true
	}
	if q.Allowed {
		return true
	}
	_ = s.reply(ctx, b, budgetText(q))
	return false
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	return s.replyWithMarkup(ctx, b, text, nil)
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	chatID, ok := s.callbackChatID(ctx)
	if !ok {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, err := b.SendMessage(chatID, text, opts)
	return err
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func userID(ctx *ext.Context) int64 {
	if ctx.EffectiveUser == nil {
		return 0
	}
	return ctx.EffectiveUser.Id
}
