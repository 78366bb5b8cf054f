package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

// DefaultAnthropicBaseURL is the hosted Messages API.
const DefaultAnthropicBaseURL = "https://api.anthropic.com"

const anthropicVersion = "2023-06-01"

// AnthropicClient posts to the Messages endpoint with OAuth credentials
// and the fingerprint header set of the first-party CLI. The consumer
// endpoint rejects callers that do not look like the CLI, so the headers
// are part of the protocol here, not decoration.
type AnthropicClient struct {
	baseURL  string
	pool     *TransportPool
	proxyURL string
}

// AnthropicOption configures an AnthropicClient.
type AnthropicOption func(*AnthropicClient)

// WithBaseURL points the client at a different endpoint. Tests use this
// with httptest servers.
func WithBaseURL(baseURL string) AnthropicOption {
	return func(c *AnthropicClient) { c.baseURL = baseURL }
}

// WithProxy routes requests through an http, https or socks5 proxy.
func WithProxy(proxyURL string) AnthropicOption {
	return func(c *AnthropicClient) { c.proxyURL = proxyURL }
}

// NewAnthropicClient builds a client over a shared transport pool.
func NewAnthropicClient(pool *TransportPool, opts ...AnthropicOption) *AnthropicClient {
	c := &AnthropicClient{baseURL: DefaultAnthropicBaseURL, pool: pool}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Messages posts a non-streaming request and returns the response body.
// Non-2xx responses come back as *HTTPError with the upstream status and
// body verbatim.
func (c *AnthropicClient) Messages(ctx context.Context, body []byte, accessToken, betaHeader string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, UnaryTimeout)
	defer cancel()

	resp, err := c.post(ctx, body, accessToken, betaHeader, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: data}
	}
	return data, nil
}

// StreamMessages posts a streaming request and returns the SSE body. The
// returned reader enforces the between-chunk idle budget; closing it
// aborts the upstream call. Non-2xx responses are drained into an
// *HTTPError.
func (c *AnthropicClient) StreamMessages(ctx context.Context, body []byte, accessToken, betaHeader string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, StreamTimeout)

	resp, err := c.post(ctx, body, accessToken, betaHeader, true)
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

func (c *AnthropicClient) post(ctx context.Context, body []byte, accessToken, betaHeader string, streaming bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("anthropic-version", anthropicVersion)
	if betaHeader != "" {
		req.Header.Set("anthropic-beta", betaHeader)
	}
	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	setCLIFingerprint(req.Header)

	transport, err := c.pool.Get(c.proxyURL)
	if err != nil {
		return nil, err
	}

	logrus.Debugf("client: POST %s stream=%v beta=%q", req.URL, streaming, betaHeader)

	resp, err := (&http.Client{Transport: transport}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	return resp, nil
}

// setCLIFingerprint applies the first-party CLI header set.
func setCLIFingerprint(h http.Header) {
	h.Set("accept-language", "*/*")
	h.Set("user-agent", "claude-cli/2.0.60 (external, cli)")
	h.Set("x-app", "cli")
	h.Set("anthropic-dangerous-direct-browser-access", "true")
	h.Set("x-stainless-lang", "js")
	h.Set("x-stainless-runtime", "node")
	h.Set("x-stainless-runtime-version", "v22.14.0")
	h.Set("x-stainless-package-version", "0.70.0")
	h.Set("x-stainless-os", "MacOS")
	h.Set("x-stainless-arch", "arm64")
	h.Set("x-stainless-retry-count", "0")
}
