// Package anthropic is a minimal Messages API client.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/theirongolddev/mergemeter/internal/config"
	"github.com/theirongolddev/mergemeter/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Client calls the Anthropic Messages API.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Content []contentBlock `json:"content"`
	Usage   *usage         `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
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
func (c *Client) Name() string { return config.ProviderAnthropic }

// Complete implements provider.Provider. System messages are joined into the
// top-level system prompt.
func (c *Client) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	if c.apiKey == "" {
		return nil, errors.Join(provider.ErrUnauthorized, errors.New("anthropic: no API key configured"))
	}

	var system []string
	var msgs []message
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			msgs = append(msgs, message{Role: "assistant", Content: m.Content})
		default:
			msgs = append(msgs, message{Role: "user", Content: m.Content})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}
	body := messagesRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      strings.Join(system, "\n\n"),
		Messages:    msgs,
		Temperature: req.Temperature,
	}

	header := http.Header{}
	header.Set("x-api-key", c.apiKey)
	header.Set("anthropic-version", apiVersion)

	var out messagesResponse
	if err := provider.PostJSON(ctx, c.http, "anthropic", c.baseURL+"/messages", header, body, &out); err != nil {
		return nil, err
	}

	resp := &provider.Response{ID: out.ID, Usage: provider.NoUsage{}}
	var text strings.Builder
	for _, b := range out.Content {
		if b.Type == "text" {
			text.WriteString(b.Text)
		}
	}
	resp.Content = text.String()

	if out.Usage != nil {
		model := out.Model
		if model == "" {
			model = req.Model
		}
		resp.Usage = provider.HasUsage{
			Provider:         config.ProviderAnthropic,
			Model:            model,
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
		}
	}
	return resp, nil
}
