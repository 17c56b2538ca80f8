package providers

import (
	"fmt"
	"strings"
)

const (
	KindOpenAICompat = "openai_compat"
	KindGemini       = "gemini"
)

// Profile is a compiled-in provider preset. Kind selects the wire strategy.
type Profile struct {
	ID       string
	Name     string
	Kind     string
	Endpoint string
	Models   []string
}

func (p Profile) DefaultModel() string {
	if len(p.Models) == 0 {
		return ""
	}
	return p.Models[0]
}

var catalog = []Profile{
	{
		ID:       "openai",
		Name:     "OpenAI",
		Kind:     KindOpenAICompat,
		Endpoint: "https://api.openai.com/v1",
		Models:   []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-3.5-turbo"},
	},
	{
		ID:       "gemini",
		Name:     "Google Gemini",
		Kind:     KindGemini,
		Endpoint: "https://generativelanguage.googleapis.com/v1beta",
		Models:   []string{"gemini-1.5-pro", "gemini-1.5-flash", "gemini-2.0-flash-exp"},
	},
	{
		ID:       "deepseek",
		Name:     "DeepSeek",
		Kind:     KindOpenAICompat,
		Endpoint: "https://api.deepseek.com/v1",
		Models:   []string{"deepseek-chat", "deepseek-reasoner"},
	},
	{
		ID:       "moonshot",
		Name:     "Moonshot",
		Kind:     KindOpenAICompat,
		Endpoint: "https://api.moonshot.cn/v1",
		Models:   []string{"moonshot-v1-8k", "moonshot-v1-32k", "moonshot-v1-128k"},
	},
	{
		ID:   "custom",
		Name: "Custom (OpenAI compatible)",
		Kind: KindOpenAICompat,
	},
}

func Catalog() []Profile {
	out := make([]Profile, len(catalog))
	for i, p := range catalog {
		p.Models = append([]string(nil), p.Models...)
		out[i] = p
	}
	return out
}

func Lookup(id string) (Profile, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	for _, p := range catalog {
		if p.ID == id {
			p.Models = append([]string(nil), p.Models...)
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("unknown provider %q", id)
}

// KindOf falls back to the chat-completions shape for ids outside the
// catalog, which is what every custom endpoint speaks.
func KindOf(id string) string {
	p, err := Lookup(id)
	if err != nil {
		return KindOpenAICompat
	}
	return p.Kind
}
