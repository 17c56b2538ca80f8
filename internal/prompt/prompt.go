// Package prompt assembles provider-agnostic message lists from a character,
// its world lore and the conversation so far.
package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/wizicer/aichat/internal/providers"
	"github.com/wizicer/aichat/internal/storage"
)

const (
	DefaultHistoryWindow = 20
	SuggestWindow        = 10
)

type Step struct {
	Content     string
	ChosenLabel string
}

type Assembler struct {
	historyWindow int
}

func New(historyWindow int) *Assembler {
	if historyWindow <= 0 {
		historyWindow = DefaultHistoryWindow
	}
	return &Assembler{historyWindow: historyWindow}
}

func (a *Assembler) HistoryWindow() int { return a.historyWindow }

type loreLine struct {
	Name    string
	Content string
}

type promptData struct {
	Name    string
	Persona string
	Lore    []loreLine
	Title   string
	Steps   []Step
}

var funcs = template.FuncMap{
	"trim":  strings.TrimSpace,
	"quote": jsonString,
}

// jsonString renders s as a JSON string literal, quotes included.
func jsonString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

var (
	personaTmpl = template.Must(template.New("persona").Funcs(funcs).Option("missingkey=zero").Parse(
		`You are {{.Name}}. {{trim .Persona}}
{{- if .Lore}}

[World Lore]
{{- range .Lore}}
{{.Name}}: {{.Content}}
{{- end}}
{{- end}}`))

	chatInstructions = `Stay in character and reply to the user. You may answer with a normal text message, or you may start an interactive scene (a "reality").

To start a reality, reply with exactly one fenced JSON block in this format:
` + "```json" + `
{
  "type": "reality",
  "title": "Scene title",
  "paragraph": "Scene description",
  "choices": [
    {"id": "1", "label": "Option 1"},
    {"id": "2", "label": "Option 2"}
  ]
}
` + "```" + `

For ordinary conversation reply with plain text only, without JSON.`

	suggestInstructions = `Based on the conversation so far, create an engaging interactive scene (a "reality"). The scene should:
1. relate to what you have been talking about
2. open with a vivid description of 100 to 200 words
3. offer 2 or 3 meaningful choices

Reply with exactly one fenced JSON block in this format:
` + "```json" + `
{
  "type": "reality",
  "title": "Scene title",
  "paragraph": "Scene description",
  "choices": [
    {"id": "1", "label": "Option 1"},
    {"id": "2", "label": "Option 2"}
  ]
}
` + "```"

	storyTmpl = template.Must(template.New("story").Option("missingkey=zero").Parse(
		`You are running an interactive story with the user called "{{.Title}}".

[Story so far]
{{- range .Steps}}
{{.Content}}
{{- if .ChosenLabel}}
[User chose: {{.ChosenLabel}}]
{{- end}}
{{- end}}`))

	continueTmpl = template.Must(template.New("continue").Funcs(funcs).Option("missingkey=zero").Parse(
		`Continue the story according to the user's choice. Reply with exactly one fenced JSON block in this format:
` + "```json" + `
{
  "type": "reality",
  "title": {{quote .Title}},
  "paragraph": "What happens next",
  "choices": [
    {"id": "1", "label": "Option 1"},
    {"id": "2", "label": "Option 2"}
  ]
}
` + "```" + `

If the story should end here, leave out the choices array or make it empty.`))

	summaryInstructions = `The story is over. In your own voice as the character, write a short first-person recap (2 to 4 sentences) of what happened and how you feel about it. Reply with plain text only, no JSON.`
)

const (
	suggestNudge  = "Please create an interactive scene from our conversation."
	continueNudge = "Please continue the story."
	summaryNudge  = "Please sum up our story."
)

// SortLore returns the enabled entries by priority, highest first. Entries
// with equal priority keep insertion order.
func SortLore(entries []storage.LoreEntry) []storage.LoreEntry {
	out := make([]storage.LoreEntry, 0, len(entries))
	for _, e := range entries {
		if e.Enabled {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func personaBlock(c storage.Character, lore []storage.LoreEntry) (string, error) {
	data := promptData{Name: c.Name, Persona: c.Persona}
	for _, e := range SortLore(lore) {
		data.Lore = append(data.Lore, loreLine{Name: e.Name, Content: e.Content})
	}
	return render(personaTmpl, data)
}

// SystemPrompt is the persona line, the optional lore block and the
// response-shape instructions used for ordinary chat turns.
func SystemPrompt(c storage.Character, lore []storage.LoreEntry) (string, error) {
	head, err := personaBlock(c, lore)
	if err != nil {
		return "", err
	}
	return head + "\n\n" + chatInstructions, nil
}

// History maps the most recent n text messages to provider roles. Reality
// invite cards are skipped so the model never sees its own invite JSON.
// System-authored summaries are folded in as assistant turns.
func History(messages []storage.Message, n int) []providers.Message {
	picked := make([]storage.Message, 0, len(messages))
	for _, m := range messages {
		if m.Type != storage.MessageText {
			continue
		}
		picked = append(picked, m)
	}
	if n > 0 && len(picked) > n {
		picked = picked[len(picked)-n:]
	}

	out := make([]providers.Message, 0, len(picked))
	for _, m := range picked {
		role := providers.RoleAssistant
		if m.Sender == storage.SenderUser {
			role = providers.RoleUser
		}
		out = append(out, providers.Message{Role: role, Content: m.Content})
	}
	return out
}

func (a *Assembler) ChatMessages(c storage.Character, lore []storage.LoreEntry, history []storage.Message) ([]providers.Message, error) {
	sys, err := SystemPrompt(c, lore)
	if err != nil {
		return nil, err
	}
	out := []providers.Message{{Role: providers.RoleSystem, Content: sys}}
	return append(out, History(history, a.historyWindow)...), nil
}

func (a *Assembler) SuggestMessages(c storage.Character, lore []storage.LoreEntry, history []storage.Message) ([]providers.Message, error) {
	head, err := personaBlock(c, lore)
	if err != nil {
		return nil, err
	}
	out := []providers.Message{{Role: providers.RoleSystem, Content: head + "\n\n" + suggestInstructions}}
	out = append(out, History(history, SuggestWindow)...)
	return append(out, providers.Message{Role: providers.RoleUser, Content: suggestNudge}), nil
}

func (a *Assembler) ContinueMessages(c storage.Character, lore []storage.LoreEntry, title string, steps []Step) ([]providers.Message, error) {
	sys, err := a.storyPrompt(c, lore, title, steps, continueTmpl)
	if err != nil {
		return nil, err
	}
	return []providers.Message{
		{Role: providers.RoleSystem, Content: sys},
		{Role: providers.RoleUser, Content: continueNudge},
	}, nil
}

func (a *Assembler) SummaryMessages(c storage.Character, lore []storage.LoreEntry, title string, steps []Step) ([]providers.Message, error) {
	sys, err := a.storyPrompt(c, lore, title, steps, nil)
	if err != nil {
		return nil, err
	}
	return []providers.Message{
		{Role: providers.RoleSystem, Content: sys + "\n\n" + summaryInstructions},
		{Role: providers.RoleUser, Content: summaryNudge},
	}, nil
}

func (a *Assembler) storyPrompt(c storage.Character, lore []storage.LoreEntry, title string, steps []Step, tail *template.Template) (string, error) {
	head, err := personaBlock(c, lore)
	if err != nil {
		return "", err
	}
	data := promptData{Title: title, Steps: steps}
	story, err := render(storyTmpl, data)
	if err != nil {
		return "", err
	}
	out := head + "\n\n" + story
	if tail != nil {
		t, err := render(tail, data)
		if err != nil {
			return "", err
		}
		out += "\n\n" + t
	}
	return out, nil
}

func render(t *template.Template, data promptData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s template: %w", t.Name(), err)
	}
	return buf.String(), nil
}
