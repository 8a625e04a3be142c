package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/mergemeter/internal/provider"
)

var req = &provider.Request{
	Model:    "gpt-4o-mini",
	Messages: []provider.Message{{Role: "user", Content: "hi"}},
}

func TestComplete_WithUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "gpt-4o-mini", body.Model)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini-2024-07-18",
			"choices": [{"message": {"role": "assistant", "content": "hello"}}],
			"usage": {"prompt_tokens": 15, "completion_tokens": 25, "total_tokens": 40}
		}`))
	}))
	defer server.Close()

	resp, err := New("test-key").WithBaseURL(server.URL).Complete(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "hello", resp.Content)
	require.Equal(t, provider.HasUsage{
		Provider:         "openai",
		Model:            "gpt-4o-mini-2024-07-18",
		PromptTokens:     15,
		CompletionTokens: 25,
	}, resp.Usage)
}

func TestComplete_NoUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id": "x", "choices": [{"message": {"content": "ok"}}]}`))
	}))
	defer server.Close()

	resp, err := New("test-key").WithBaseURL(server.URL).Complete(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, provider.NoUsage{}, resp.Usage)
}

func TestComplete_StatusErrors(t *testing.T) {
	cases := map[int]error{
		http.StatusUnauthorized:    provider.ErrUnauthorized,
		http.StatusTooManyRequests: provider.ErrRateLimited,
	}
	for status, want := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		_, err := New("test-key").WithBaseURL(server.URL).Complete(context.Background(), req)
		server.Close()
		require.True(t, errors.Is(err, want), "status %d: got %v", status, err)
	}

	_, err := New("").Complete(context.Background(), req)
	require.ErrorIs(t, err, provider.ErrUnauthorized)
}
