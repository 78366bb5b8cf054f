package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tingly-dev/claude-box/internal/config"
)

func TestAnthropicMessagesHeaders(t *testing.T) {
	var got http.Header
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotPath = r.URL.Path
		w.Write([]byte(`{"id":"msg_1","type":"message"}`))
	}))
	defer server.Close()

	c := NewAnthropicClient(NewTransportPool(), WithBaseURL(server.URL))
	body, err := c.Messages(context.Background(), []byte(`{"model":"m"}`), "tok-123", "oauth-2025-04-20")
	require.NoError(t, err)
	assert.Contains(t, string(body), "msg_1")

	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, "Bearer tok-123", got.Get("Authorization"))
	assert.Equal(t, "2023-06-01", got.Get("anthropic-version"))
	assert.Equal(t, "oauth-2025-04-20", got.Get("anthropic-beta"))
	assert.Equal(t, "cli", got.Get("x-app"))
	assert.Contains(t, got.Get("user-agent"), "claude-cli/")
	assert.Equal(t, "*/*", got.Get("accept-language"))
}

func TestAnthropicMessagesNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer server.Close()

	c := NewAnthropicClient(NewTransportPool(), WithBaseURL(server.URL))
	_, err := c.Messages(context.Background(), []byte(`{}`), "tok", "")

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
	assert.Contains(t, string(httpErr.Body), "slow down")
}

func TestStreamMessagesNon2xxDrainsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer server.Close()

	c := NewAnthropicClient(NewTransportPool(), WithBaseURL(server.URL))
	_, err := c.StreamMessages(context.Background(), []byte(`{}`), "tok", "")

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.Contains(t, string(httpErr.Body), "bad")
}

func TestProviderClientEndpointAndAuth(t *testing.T) {
	var got http.Header
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotPath = r.URL.Path
		w.Write([]byte(`{"id":"chatcmpl-1"}`))
	}))
	defer server.Close()

	pool := NewTransportPool()
	c := NewProviderClient(pool, &config.Provider{Name: "p", BaseURL: server.URL, APIKey: "sk-test"})
	_, err := c.ChatCompletions(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer sk-test", got.Get("Authorization"))

	// A base URL already ending in /chat/completions is not doubled.
	c = NewProviderClient(pool, &config.Provider{Name: "p", BaseURL: server.URL + "/chat/completions"})
	_, err = c.ChatCompletions(context.Background(), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "/chat/completions", gotPath)
}

func TestTransportPoolReuse(t *testing.T) {
	pool := NewTransportPool()
	a, err := pool.Get("")
	require.NoError(t, err)
	b, err := pool.Get("")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = pool.Get("ftp://bad")
	assert.Error(t, err)
}
