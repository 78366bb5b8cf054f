package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tingly-dev/claude-box/internal/auth"
	"github.com/tingly-dev/claude-box/internal/client"
	"github.com/tingly-dev/claude-box/internal/config"
	"github.com/tingly-dev/claude-box/internal/normalize"
	"github.com/tingly-dev/claude-box/internal/protocol"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type testEnv struct {
	srv       *Server
	configDir string
	store     *auth.Store
}

// newTestEnv builds a server against upstreamURL. providersYAML may be
// empty.
func newTestEnv(t *testing.T, upstreamURL, providersYAML string) *testEnv {
	t.Helper()

	dir := t.TempDir()
	if providersYAML != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "providers.yaml"), []byte(providersYAML), 0644))
	}

	cfg, err := config.NewAppConfig(config.WithConfigDir(dir))
	require.NoError(t, err)

	store := auth.NewStore(dir)
	mgr := auth.NewManager(store, auth.DefaultConfig())

	opts := []Option{WithVersion("test")}
	if upstreamURL != "" {
		opts = append(opts, WithAnthropicClient(
			client.NewAnthropicClient(client.NewTransportPool(), client.WithBaseURL(upstreamURL))))
	}

	srv := NewServer(cfg, mgr, opts...)
	t.Cleanup(func() { _ = srv.Stop(t.Context()) })
	return &testEnv{srv: srv, configDir: dir, store: store}
}

func (e *testEnv) login(t *testing.T) {
	t.Helper()
	require.NoError(t, e.store.Save(&auth.Token{
		AccessToken:  "at-test",
		RefreshToken: "rt-test",
		ExpiresAt:    time.Now().Add(time.Hour),
		Type:         auth.TokenTypeLongLived,
	}))
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.srv.GetRouter().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, "", "")
	w := env.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", gjson.Get(w.Body.String(), "status").String())
	assert.Equal(t, "test", gjson.Get(w.Body.String(), "version").String())
}

func TestAuthStatus(t *testing.T) {
	env := newTestEnv(t, "", "")

	w := env.do(http.MethodGet, "/auth/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, gjson.Get(w.Body.String(), "authenticated").Bool())

	env.login(t)
	w = env.do(http.MethodGet, "/auth/status", "")
	body := w.Body.String()
	assert.True(t, gjson.Get(body, "authenticated").Bool())
	assert.NotContains(t, body, "at-test")
}

func TestListModelsHidesUpstreamAliases(t *testing.T) {
	env := newTestEnv(t, "", "")
	w := env.do(http.MethodGet, "/v1/models", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Equal(t, "list", gjson.Get(body, "object").String())

	ids := map[string]bool{}
	for _, m := range gjson.Get(body, "data").Array() {
		id := m.Get("id").String()
		ids[id] = true
		assert.Greater(t, m.Get("context_length").Int(), int64(0), "model %s", id)
		assert.Greater(t, m.Get("max_completion_tokens").Int(), int64(0), "model %s", id)
	}
	assert.True(t, ids["sonnet-4-5"])
	assert.True(t, ids["sonnet-4-5-reasoning-high"])
	assert.True(t, ids["sonnet-4-5-1m"])
	assert.False(t, ids["claude-sonnet-4-5-20250929"], "upstream alias must stay hidden")
}

func TestGetModel(t *testing.T) {
	env := newTestEnv(t, "", "")

	w := env.do(http.MethodGet, "/v1/models/sonnet-4-5", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "sonnet-4-5", gjson.Get(w.Body.String(), "id").String())

	w = env.do(http.MethodGet, "/v1/models/no-such-model", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMessagesUnknownModel(t *testing.T) {
	env := newTestEnv(t, "", "")
	w := env.do(http.MethodPost, "/v1/messages",
		`{"model":"no-such-model","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := w.Body.String()
	assert.Equal(t, "error", gjson.Get(body, "type").String())
	assert.Equal(t, "invalid_request_error", gjson.Get(body, "error.type").String())
	assert.Contains(t, gjson.Get(body, "error.message").String(), "no-such-model")
}

func TestMessagesUnauthenticated(t *testing.T) {
	env := newTestEnv(t, "", "")
	w := env.do(http.MethodPost, "/v1/messages",
		`{"model":"sonnet-4-5","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "authentication_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestMessagesPassthrough(t *testing.T) {
	var captured []byte
	var capturedHeaders http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = readAll(r)
		capturedHeaders = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5-20250929","content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn","usage":{"input_tokens":12,"output_tokens":3}}`)
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL, "")
	env.login(t)

	w := env.do(http.MethodPost, "/v1/messages",
		`{"model":"sonnet-4-5","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	// Upstream saw the normalized body with the real model id and spoof.
	assert.Equal(t, "claude-sonnet-4-5-20250929", gjson.GetBytes(captured, "model").String())
	assert.Equal(t, normalize.SpoofSentinel, gjson.GetBytes(captured, "system.0.text").String())
	assert.Equal(t, "Bearer at-test", capturedHeaders.Get("Authorization"))
	assert.Contains(t, capturedHeaders.Get("anthropic-beta"), normalize.BetaOAuth)

	// Client got the upstream body verbatim.
	assert.Equal(t, "msg_1", gjson.Get(w.Body.String(), "id").String())
	assert.Equal(t, "hello", gjson.Get(w.Body.String(), "content.0.text").String())
}

func TestMessagesUpstreamErrorForwardedVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL, "")
	env.login(t)

	w := env.do(http.MethodPost, "/v1/messages",
		`{"model":"sonnet-4-5","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limit_error", gjson.Get(w.Body.String(), "error.type").String())
}

func TestMessagesStreamInterruptedEmitsErrorEvent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		// Promise more bytes than we send so the relay's read fails
		// mid-stream instead of seeing a clean EOF.
		w.Header().Set("Content-Length", "4096")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":9}}}\n\n")
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL, "")
	env.login(t)

	w := env.do(http.MethodPost, "/v1/messages",
		`{"model":"sonnet-4-5","max_tokens":100,"stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "event: message_start")

	// The relayed prefix is followed by a synthetic error event naming
	// the interruption.
	idx := strings.Index(body, "event: error\n")
	require.GreaterOrEqual(t, idx, 0, "stream must not end silently")
	tail := body[idx+len("event: error\n"):]
	require.True(t, strings.HasPrefix(tail, "data: "))
	payload := strings.SplitN(strings.TrimPrefix(tail, "data: "), "\n", 2)[0]
	assert.Equal(t, "error", gjson.Get(payload, "type").String())
	assert.Contains(t, gjson.Get(payload, "error.message").String(), "interrupted")
}

func TestCountTokens(t *testing.T) {
	env := newTestEnv(t, "", "")
	w := env.do(http.MethodPost, "/v1/messages/count_tokens",
		`{"model":"sonnet-4-5","messages":[{"role":"user","content":"how do rivers form"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Greater(t, gjson.Get(w.Body.String(), "input_tokens").Int(), int64(0))
}

func TestChatCompletionsUnknownModel(t *testing.T) {
	env := newTestEnv(t, "", "")
	w := env.do(http.MethodPost, "/v1/chat/completions",
		`{"model":"no-such-model","messages":[{"role":"user","content":"hi"}]}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := w.Body.String()
	assert.Equal(t, "invalid_request_error", gjson.Get(body, "error.type").String())
	assert.Contains(t, gjson.Get(body, "error.message").String(), "no-such-model")
}

func TestChatCompletionsTranslation(t *testing.T) {
	var captured []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = readAll(r)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_42","type":"message","role":"assistant","model":"claude-sonnet-4-5-20250929","content":[{"type":"text","text":"the answer"}],"stop_reason":"end_turn","usage":{"input_tokens":20,"output_tokens":5}}`)
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL, "")
	env.login(t)

	w := env.do(http.MethodPost, "/v1/chat/completions",
		`{"model":"sonnet-4-5-reasoning-high","messages":[{"role":"system","content":"be brief"},{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	// Translated request: real model id, thinking enabled with the high
	// budget, system hoisted behind the spoof sentinel.
	assert.Equal(t, "claude-sonnet-4-5-20250929", gjson.GetBytes(captured, "model").String())
	assert.Equal(t, "enabled", gjson.GetBytes(captured, "thinking.type").String())
	assert.Equal(t, int64(32000), gjson.GetBytes(captured, "thinking.budget_tokens").Int())
	assert.Equal(t, normalize.SpoofSentinel, gjson.GetBytes(captured, "system.0.text").String())
	assert.Contains(t, gjson.GetBytes(captured, "system.1.text").String(), "be brief")

	// Translated response: OpenAI shape echoing the requested model id.
	var resp protocol.ChatCompletionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "sonnet-4-5-reasoning-high", resp.Model)
	require.Len(t, resp.Choices, 1)
	require.NotNil(t, resp.Choices[0].Message.Content)
	assert.Equal(t, "the answer", *resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 20, resp.Usage.PromptTokens)
	assert.Equal(t, 5, resp.Usage.CompletionTokens)
}

func TestChatCompletionsStreaming(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`event: message_start` + "\n" + `data: {"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":9}}}`,
			`event: content_block_start` + "\n" + `data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
			`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi there"}}`,
			`event: content_block_stop` + "\n" + `data: {"type":"content_block_stop","index":0}`,
			`event: message_delta` + "\n" + `data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":2}}`,
			`event: message_stop` + "\n" + `data: {"type":"message_stop"}`,
		}
		for _, ev := range events {
			fmt.Fprint(w, ev+"\n\n")
		}
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL, "")
	env.login(t)

	w := env.do(http.MethodPost, "/v1/chat/completions",
		`{"model":"sonnet-4-5","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	body := w.Body.String()
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	var sawContent bool
	for _, line := range strings.Split(body, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		assert.Equal(t, "chat.completion.chunk", gjson.Get(data, "object").String())
		assert.Equal(t, "sonnet-4-5", gjson.Get(data, "model").String())
		if gjson.Get(data, "choices.0.delta.content").String() == "hi there" {
			sawContent = true
		}
	}
	assert.True(t, sawContent)
}

func TestChatCompletionsUpstreamErrorRewritten(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL, "")
	env.login(t)

	w := env.do(http.MethodPost, "/v1/chat/completions",
		`{"model":"sonnet-4-5","messages":[{"role":"user","content":"hi"}]}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Rewritten into the OpenAI error envelope.
	body := w.Body.String()
	assert.Equal(t, "rate_limit_error", gjson.Get(body, "error.type").String())
	assert.Equal(t, "slow down", gjson.Get(body, "error.message").String())
	assert.False(t, gjson.Get(body, "type").Exists())
}

func TestChatCompletionsCustomProvider(t *testing.T) {
	var captured []byte
	var authHeader string
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		captured, _ = readAll(r)
		authHeader = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-7","object":"chat.completion","model":"glm-4-plus-0520","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}],"usage":{"prompt_tokens":4,"completion_tokens":1,"total_tokens":5}}`)
	}))
	defer provider.Close()

	providersYAML := fmt.Sprintf(`providers:
  - name: glm
    base_url: %s/v1
    api_key: sk-glm-test
    models:
      - id: glm-4-plus
        upstream_id: glm-4-plus-0520
`, provider.URL)

	env := newTestEnv(t, "", providersYAML)

	// No login required: custom providers use their own API key.
	w := env.do(http.MethodPost, "/v1/chat/completions",
		`{"model":"glm-4-plus","messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "glm-4-plus-0520", gjson.GetBytes(captured, "model").String())
	assert.Equal(t, "Bearer sk-glm-test", authHeader)
	// No spoofing on the pass-through path.
	assert.False(t, gjson.GetBytes(captured, "system").Exists())

	assert.Equal(t, "chatcmpl-7", gjson.Get(w.Body.String(), "id").String())
	assert.Equal(t, "ok", gjson.Get(w.Body.String(), "choices.0.message.content").String())
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t, "", "")

	w := env.do(http.MethodGet, "/healthz", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rec := httptest.NewRecorder()
	env.srv.GetRouter().ServeHTTP(rec, req)
	assert.Equal(t, "fixed-id", rec.Header().Get("X-Request-ID"))
}

func readAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
