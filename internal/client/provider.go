package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/claude-box/internal/config"
)

// ProviderClient posts Chat Completions requests to a user-declared
// OpenAI-compatible upstream. The request body passes through untouched
// apart from the model rewrite the caller already applied.
type ProviderClient struct {
	baseURL string
	apiKey  string
	pool    *TransportPool
}

// NewProviderClient builds a client for one provider declaration.
func NewProviderClient(pool *TransportPool, provider *config.Provider) *ProviderClient {
	return &ProviderClient{
		baseURL: strings.TrimSuffix(provider.BaseURL, "/"),
		apiKey:  provider.APIKey,
		pool:    pool,
	}
}

// endpoint appends /chat/completions unless the base URL already carries
// it.
func (c *ProviderClient) endpoint() string {
	if strings.HasSuffix(c.baseURL, "/chat/completions") {
		return c.baseURL
	}
	return c.baseURL + "/chat/completions"
}

// ChatCompletions posts a non-streaming request. Non-2xx responses come
// back as *HTTPError.
func (c *ProviderClient) ChatCompletions(ctx context.Context, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, UnaryTimeout)
	defer cancel()

	resp, err := c.post(ctx, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: data}
	}
	return data, nil
}

// StreamChatCompletions posts a streaming request and returns the SSE
// body with the idle watchdog armed.
func (c *ProviderClient) StreamChatCompletions(ctx context.Context, body []byte) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, StreamTimeout)

	resp, err := c.post(ctx, body, true)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		cancel()
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: data}
	}

	return newIdleTimeoutBody(resp.Body, cancel, StreamIdleWindow), nil
}

func (c *ProviderClient) post(ctx context.Context, body []byte, streaming bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create provider request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	transport, err := c.pool.Get("")
	if err != nil {
		return nil, err
	}

	logrus.Debugf("client: POST %s stream=%v", req.URL, streaming)

	resp, err := (&http.Client{Transport: transport}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	return resp, nil
}
