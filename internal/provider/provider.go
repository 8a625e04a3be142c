// Package provider defines the boundary to metered AI APIs.
package provider

import (
	"context"
	"errors"
)

var (
	// ErrUnauthorized indicates the API key is missing, expired or invalid.
	ErrUnauthorized = errors.New("provider: unauthorized")
	// ErrRateLimited indicates the API rate limit was hit.
	ErrRateLimited = errors.New("provider: rate limited")
)

// Request is a provider-neutral completion request.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Message is one chat turn. Role is "system", "user" or "assistant".
type Message struct {
	Role    string
	Content string
}

// Response is a completed call. Usage is HasUsage or NoUsage.
type Response struct {
	ID      string
	Content string
	Usage   Usage
}

// Usage is either HasUsage or NoUsage.
type Usage interface {
	isUsage()
}

// HasUsage carries token counts reported by the provider.
type HasUsage struct {
	Provider         string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
}

// NoUsage marks a response without usage data. Nothing is metered for it.
type NoUsage struct{}

func (HasUsage) isUsage() {}
func (NoUsage) isUsage()  {}

// UsageOf returns resp.Usage, treating a nil response or nil usage as NoUsage.
func UsageOf(resp *Response) Usage {
	if resp == nil || resp.Usage == nil {
		return NoUsage{}
	}
	return resp.Usage
}

// Provider completes chat requests against one API.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
}

// CompleteFunc is the shape of a provider call that can be wrapped for metering.
type CompleteFunc func(ctx context.Context, req *Request) (*Response, error)
