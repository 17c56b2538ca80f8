package providers

import (
	"context"
	"fmt"
)

// Ping sends a tiny fixed conversation and returns the start of the reply.
func Ping(ctx context.Context, p Provider, model string) (string, error) {
	resp, err := p.Chat(ctx, ChatRequest{
		Model: model,
		Messages: []Message{
			{Role: RoleSystem, Content: "You are a helpful assistant."},
			{Role: RoleUser, Content: "Hello, reply with one short sentence."},
		},
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("ping provider: %w", err)
	}
	r := []rune(resp.Text)
	if len(r) > 50 {
		return string(r[:50]) + "...", nil
	}
	return resp.Text, nil
}
