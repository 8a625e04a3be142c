// Package openai is a minimal chat completions client.
package openai

import (
	"context"
	"errors"
	"net/http"

	"github.com/theirongolddev/mergemeter/internal/config"
	"github.com/theirongolddev/mergemeter/internal/provider"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client calls the OpenAI chat completions API.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// New returns a client for apiKey.
func New(apiKey string) *Client {
	return &Client{apiKey: apiKey, baseURL: defaultBaseURL, http: &http.Client{}}
}

// WithBaseURL points the client at another endpoint (proxies, tests).
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = u
	return c
}

// Name implements provider.Provider.
func (c *Client) Name() string { return config.ProviderOpenAI }

// Complete implements provider.Provider.
func (c *Client) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if c.apiKey == "" {
		return nil, errors.Join(provider.ErrUnauthorized, errors.New("openai: no API key configured"))
	}

	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	body := chatRequest{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)

	var out chatResponse
	if err := provider.PostJSON(ctx, c.http, "openai", c.baseURL+"/chat/completions", header, body, &out); err != nil {
		return nil, err
	}

	resp := &provider.Response{ID: out.ID, Usage: provider.NoUsage{}}
	if len(out.Choices) > 0 {
		resp.Content = out.Choices[0].Message.Content
	}
	if out.Usage != nil {
		model := out.Model
		if model == "" {
			model = req.Model
		}
		resp.Usage = provider.HasUsage{
			Provider:         config.ProviderOpenAI,
			Model:            model,
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
		}
	}
	return resp, nil
}
