package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/genai"

	"github.com/wizicer/aichat/internal/providers"
)

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Client speaks the generateContent REST shape directly. The genai types are
// used for the wire structs so field names follow the upstream schema.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateRequest struct {
	SystemInstruction *genai.Content   `json:"systemInstruction,omitempty"`
	Contents          []*genai.Content `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (providers.ChatResponse, error) {
	body, endpointURL, err := c.buildPayload(req)
	if err != nil {
		return providers.ChatResponse{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		// url.Error embeds the full URL, key included.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return providers.ChatResponse{}, fmt.Errorf("request failed: %w", uerr.Err)
		}
		return providers.ChatResponse{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.ChatResponse{}, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return providers.ChatResponse{}, &providers.TransportError{Status: resp.StatusCode, Body: string(respBody)}
	}

	return parseGenerateContent(respBody)
}

func (c *Client) buildPayload(req providers.ChatRequest) ([]byte, string, error) {
	endpointURL, err := c.buildEndpointURL(req.Model)
	if err != nil {
		return nil, "", err
	}

	if req.Temperature <= 0 {
		req.Temperature = providers.DefaultTemperature
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = providers.DefaultMaxTokens
	}

	payload := generateRequest{
		Contents: make([]*genai.Content, 0, len(req.Messages)),
		GenerationConfig: generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		},
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case providers.RoleSystem:
			system = append(system, m.Content)
		case providers.RoleAssistant:
			payload.Contents = append(payload.Contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			payload.Contents = append(payload.Contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(system) > 0 {
		payload.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(strings.Join(system, "\n\n"))},
		}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal generate content payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) buildEndpointURL(model string) (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.TrimSpace(model) == "" {
		return "", fmt.Errorf("model is empty")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/models/" + model + ":generateContent"
	q := u.Query()
	q.Set("key", c.cfg.APIKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func parseGenerateContent(body []byte) (providers.ChatResponse, error) {
	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.ChatResponse{}, &providers.ShapeError{Provider: "gemini", Reason: "decode body", Err: err}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return providers.ChatResponse{}, &providers.ShapeError{Provider: "gemini", Reason: "empty candidates"}
	}
	content := resp.Candidates[0].Content
	if content == nil || len(content.Parts) == 0 || content.Parts[0] == nil || strings.TrimSpace(content.Parts[0].Text) == "" {
		return providers.ChatResponse{}, &providers.ShapeError{Provider: "gemini", Reason: "missing candidate text"}
	}

	out := providers.ChatResponse{Text: content.Parts[0].Text}
	if m := resp.UsageMetadata; m != nil {
		out.Usage = &providers.Usage{
			Prompt:     int(m.PromptTokenCount),
			Completion: int(m.CandidatesTokenCount),
			Total:      int(m.TotalTokenCount),
		}
	}
	return out, nil
}
