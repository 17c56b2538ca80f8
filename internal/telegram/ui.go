package telegram

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"

	"github.com/wizicer/aichat/internal/debugtrace"
	"github.com/wizicer/aichat/internal/providers"
	"github.com/wizicer/aichat/internal/queue"
	"github.com/wizicer/aichat/internal/reality"
	"github.com/wizicer/aichat/internal/settings"
	"github.com/wizicer/aichat/internal/storage"
	"github.com/wizicer/aichat/internal/usage"
)

const (
	cbPrefix = "ac:"

	actMenu   = "menu"
	actStory  = "story"
	actChat   = "chat"
	actUse    = "use"
	actDelete = "del"
	actLore   = "lore"
	actProv   = "prov"
	actModel  = "model"
	actAccept = "ok"
	actReject = "no"
	actPick   = "pick"
	actUsage  = "usage"

	maxMessageRunes = 4000
)

// callback is decoded inline button data: "ac:<action>[:<arg>[:<index>]]".
type callback struct {
	Action string
	Arg    string
	Index  int
}

func cbData(action string, args ...string) string {
	parts := append([]string{action}, args...)
	return cbPrefix + strings.Join(parts, ":")
}

func parseCallback(data string) (callback, bool) {
	if !strings.HasPrefix(data, cbPrefix) {
		return callback{}, false
	}
	parts := strings.SplitN(strings.TrimPrefix(data, cbPrefix), ":", 3)
	if parts[0] == "" {
		return callback{}, false
	}
	cb := callback{Action: parts[0], Index: -1}
	if len(parts) > 1 {
		cb.Arg = parts[1]
	}
	if len(parts) > 2 {
		n, err := strconv.Atoi(parts[2])
		if err != nil || n < 0 {
			return callback{}, false
		}
		cb.Index = n
	}
	return cb, true
}

func button(text, data string) gotgbot.InlineKeyboardButton {
	return gotgbot.InlineKeyboardButton{Text: text, CallbackData: data}
}

func mainMenuText(st settings.Settings, active *storage.Chat, character string) string {
	chat := "none, pick a character"
	if active != nil {
		chat = fmt.Sprintf("%s (%s)", active.Name, character)
	}
	return strings.Join([]string{
		"aichat",
		"",
		"Current chat: " + chat,
		fmt.Sprintf("Provider: %s, model %s", st.Provider, st.Model),
		"API key: " + settings.Masked(st.APIKey),
		fmt.Sprintf("Debug traces: %v", st.DebugMode),
		"",
		"Send any text to talk. Use the buttons below or /help.",
	}, "\n")
}

func mainMenuKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{button("Characters", cbData(actChat)), button("Chats", cbData(actUse))},
		{button("Start a story", cbData(actStory)), button("World lore", cbData(actLore))},
		{button("Provider", cbData(actProv)), button("Model", cbData(actModel))},
		{button("Token usage", cbData(actUsage, string(usage.ByCharacter))), button("Refresh", cbData(actMenu))},
	}}
}

func helpText() string {
	return strings.Join([]string{
		"Chat:",
		"/characters - pick a character to talk to",
		"/newchat <character> - open a new chat",
		"/chats - switch or delete chats",
		"/reality - ask for an interactive story",
		"/story - show the story in progress",
		"",
		"Characters and lore:",
		"/character_add, /character_del <name>, /persona <name>",
		"/lore, /lore_add, /lore_toggle <n>, /lore_edit <n>, /lore_del <n>",
		"",
		"Provider:",
		"/provider [id], /model [name], /endpoint <url>, /apikey <key>",
		"/ping - test the connection",
		"",
		"Usage and debugging:",
		"/usage [character|provider|pair], /usage_clear",
		"/debug on|off, /trace",
		"/cancel - abort a running wizard",
	}, "\n")
}

func charactersKeyboard(chars []storage.Character) *gotgbot.InlineKeyboardMarkup {
	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(chars)+1)
	for _, c := range chars {
		rows = append(rows, []gotgbot.InlineKeyboardButton{button(c.Name, cbData(actChat, c.ID))})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{button("Back to menu", cbData(actMenu))})
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func charactersText(chars []storage.Character) string {
	if len(chars) == 0 {
		return "No characters yet. Create one with /character_add."
	}
	lines := []string{"Characters:"}
	for _, c := range chars {
		line := "- " + c.Name
		if c.Bio != "" {
			line += ": " + c.Bio
		}
		lines = append(lines, line)
	}
	lines = append(lines, "", "Tap a name to start a new chat.")
	return strings.Join(lines, "\n")
}

func chatsText(chats []storage.Chat, activeID string) string {
	if len(chats) == 0 {
		return "No chats yet. Pick a character with /characters."
	}
	lines := []string{"Chats:"}
	for _, c := range chats {
		mark := " "
		if c.ID == activeID {
			mark = "*"
		}
		preview := c.LastMessage
		if preview == "" {
			preview = "(empty)"
		}
		lines = append(lines, fmt.Sprintf("%s %s: %s", mark, c.Name, preview))
	}
	return strings.Join(lines, "\n")
}

func chatsKeyboard(chats []storage.Chat) *gotgbot.InlineKeyboardMarkup {
	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(chats)+1)
	for _, c := range chats {
		rows = append(rows, []gotgbot.InlineKeyboardButton{
			button("Open "+c.Name, cbData(actUse, c.ID)),
			button("Delete", cbData(actDelete, c.ID)),
		})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{button("Back to menu", cbData(actMenu))})
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func loreText(entries []storage.LoreEntry) string {
	if len(entries) == 0 {
		return "No lore entries. Add one with /lore_add."
	}
	lines := []string{"World lore (tap to toggle):"}
	for i, e := range entries {
		state := "off"
		if e.Enabled {
			state = "on"
		}
		lines = append(lines, fmt.Sprintf("%d. [%s] %s (%s, priority %d)", i+1, state, e.Name, e.Category, e.Priority))
	}
	return strings.Join(lines, "\n")
}

func loreKeyboard(entries []storage.LoreEntry) *gotgbot.InlineKeyboardMarkup {
	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(entries)+1)
	for _, e := range entries {
		label := "Enable " + e.Name
		if e.Enabled {
			label = "Disable " + e.Name
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{button(label, cbData(actLore, e.ID))})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{button("Back to menu", cbData(actMenu))})
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func providersKeyboard(current string) *gotgbot.InlineKeyboardMarkup {
	rows := [][]gotgbot.InlineKeyboardButton{}
	for _, p := range providers.Catalog() {
		label := p.Name
		if p.ID == current {
			label = "* " + label
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{button(label, cbData(actProv, p.ID))})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{button("Back to menu", cbData(actMenu))})
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func modelsKeyboard(profile providers.Profile, current string) *gotgbot.InlineKeyboardMarkup {
	rows := [][]gotgbot.InlineKeyboardButton{}
	for i, m := range profile.Models {
		label := m
		if m == current {
			label = "* " + label
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{button(label, cbData(actModel, profile.ID, strconv.Itoa(i)))})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{button("Back to menu", cbData(actMenu))})
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// renderReality returns the card for r in its current state. Choice
// buttons carry the choice position so the data stays within Telegram's
// 64 byte limit whatever ids the model picked.
func renderReality(r storage.Reality) (string, *gotgbot.InlineKeyboardMarkup) {
	title := r.Title
	switch r.Status {
	case storage.RealityPending:
		first := ""
		if len(r.Paragraphs) > 0 {
			first = r.Paragraphs[0].Content
		}
		text := fmt.Sprintf("Reality: %s\n\n%s\n\nStart this story?", title, first)
		return text, &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{{
			button("Accept", cbData(actAccept, r.ID)),
			button("Decline", cbData(actReject, r.ID)),
		}}}

	case storage.RealityActive:
		cur, ok := reality.Current(r)
		if !ok {
			return fmt.Sprintf("%s\n\nThe story is waiting for the narrator.", title), nil
		}
		rows := make([][]gotgbot.InlineKeyboardButton, 0, len(cur.Choices))
		for i, c := range cur.Choices {
			rows = append(rows, []gotgbot.InlineKeyboardButton{button(c.Label, cbData(actPick, r.ID, strconv.Itoa(i)))})
		}
		return fmt.Sprintf("%s\n\n%s", title, cur.Content), &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}

	default:
		if r.Summary != nil {
			return fmt.Sprintf("%s: the end.\n\n%s", title, *r.Summary), nil
		}
		if len(r.Paragraphs) <= 1 && (len(r.Paragraphs) == 0 || r.Paragraphs[0].ChosenID == "") {
			return fmt.Sprintf("Story declined: %s", title), nil
		}
		last := r.Paragraphs[len(r.Paragraphs)-1]
		return fmt.Sprintf("%s\n\n%s\n\nThe end.", title, last.Content), nil
	}
}

func usageKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			button("By character", cbData(actUsage, string(usage.ByCharacter))),
			button("By provider", cbData(actUsage, string(usage.ByProvider))),
		},
		{
			button("By pair", cbData(actUsage, string(usage.ByCharacterProvider))),
			button("Back to menu", cbData(actMenu)),
		},
	}}
}

func budgetText(q queue.Quota) string {
	return fmt.Sprintf("You used %d of %d model calls this hour. Try again after %s.",
		q.Limit, q.Limit, q.ResetAt.UTC().Format("15:04 UTC"))
}

func usageText(stats []usage.Stat, by usage.GroupBy) string {
	if len(stats) == 0 {
		return "No token usage recorded yet."
	}
	var sum int64
	lines := []string{fmt.Sprintf("Token usage by %s:", by)}
	for _, s := range stats {
		var name string
		switch by {
		case usage.ByProvider:
			name = s.Provider
		case usage.ByCharacterProvider:
			name = fmt.Sprintf("%s via %s", orUnknown(s.CharacterName), s.Provider)
		default:
			name = orUnknown(s.CharacterName)
		}
		lines = append(lines, fmt.Sprintf("- %s: %d tokens (%d in, %d out), %d requests",
			name, s.TotalTokens, s.PromptTokens, s.CompletionTokens, s.Requests))
		sum += s.TotalTokens
	}
	lines = append(lines, fmt.Sprintf("Total: %d tokens", sum))
	return strings.Join(lines, "\n")
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(deleted)"
	}
	return s
}

func traceSummary(t debugtrace.Trace) string {
	return fmt.Sprintf("debug: %s %s/%s, %d messages, tokens %d/%d/%d, %s",
		t.Operation, t.Provider, t.Model, len(t.Messages),
		t.PromptTokens, t.CompletionTokens, t.TotalTokens, t.Duration.Round(10*time.Millisecond))
}

func traceDetail(t debugtrace.Trace) string {
	lines := []string{traceSummary(t), t.Timestamp.UTC().Format(time.RFC3339), ""}
	for _, m := range t.Messages {
		lines = append(lines, fmt.Sprintf("[%s] %s", m.Role, truncateRunes(m.Content, 300)))
	}
	lines = append(lines, "", "[raw] "+truncateRunes(t.Raw, 1000))
	return truncateRunes(strings.Join(lines, "\n"), maxMessageRunes)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// splitMessage breaks text into Telegram-sized chunks on rune boundaries.
func splitMessage(text string) []string {
	r := []rune(text)
	if len(r) == 0 {
		return []string{"(empty reply)"}
	}
	out := make([]string, 0, len(r)/maxMessageRunes+1)
	for len(r) > maxMessageRunes {
		out = append(out, string(r[:maxMessageRunes]))
		r = r[maxMessageRunes:]
	}
	return append(out, string(r))
}
