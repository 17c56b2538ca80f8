package providers

import "context"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	DefaultTemperature = 0.8
	DefaultMaxTokens   = 2000
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Usage is nil on ChatResponse when the provider reported no counters.
type Usage struct {
	Prompt     int
	Completion int
	Total      int
}

func (u *Usage) Empty() bool {
	return u == nil || (u.Prompt == 0 && u.Completion == 0 && u.Total == 0)
}

type ChatResponse struct {
	Text  string
	Usage *Usage
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}
