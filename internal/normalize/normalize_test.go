package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tingly-dev/claude-box/internal/protocol"
	"github.com/tingly-dev/claude-box/internal/thinking"
)

func mustNormalize(t *testing.T, body string) *Result {
	t.Helper()
	res, err := New(nil).Normalize([]byte(body))
	require.NoError(t, err)
	return res
}

func TestNormalizeRejectsInvalidJSON(t *testing.T) {
	_, err := New(nil).Normalize([]byte("{not json"))
	assert.Error(t, err)
}

func TestSanitizeDropsInvalidParameters(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		missing []string
		present []string
	}{
		{
			name:    "top_p above range",
			body:    `{"model":"m","max_tokens":10,"messages":[],"top_p":1.5}`,
			missing: []string{"top_p"},
		},
		{
			name:    "top_p wrong type",
			body:    `{"model":"m","max_tokens":10,"messages":[],"top_p":"high"}`,
			missing: []string{"top_p"},
		},
		{
			name:    "top_p valid stays",
			body:    `{"model":"m","max_tokens":10,"messages":[],"top_p":0.9}`,
			present: []string{"top_p"},
		},
		{
			name:    "temperature wrong type",
			body:    `{"model":"m","max_tokens":10,"messages":[],"temperature":"hot"}`,
			missing: []string{"temperature"},
		},
		{
			name:    "top_k negative",
			body:    `{"model":"m","max_tokens":10,"messages":[],"top_k":-1}`,
			missing: []string{"top_k"},
		},
		{
			name:    "top_k fractional",
			body:    `{"model":"m","max_tokens":10,"messages":[],"top_k":2.5}`,
			missing: []string{"top_k"},
		},
		{
			name:    "top_k valid stays",
			body:    `{"model":"m","max_tokens":10,"messages":[],"top_k":40}`,
			present: []string{"top_k"},
		},
		{
			name:    "tools null",
			body:    `{"model":"m","max_tokens":10,"messages":[],"tools":null}`,
			missing: []string{"tools"},
		},
		{
			name:    "tools empty",
			body:    `{"model":"m","max_tokens":10,"messages":[],"tools":[]}`,
			missing: []string{"tools"},
		},
		{
			name:    "thinking null",
			body:    `{"model":"m","max_tokens":10,"messages":[],"thinking":null}`,
			missing: []string{"thinking"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := mustNormalize(t, tt.body)
			for _, path := range tt.missing {
				assert.False(t, gjson.GetBytes(res.Body, path).Exists(), "%s should be dropped", path)
			}
			for _, path := range tt.present {
				assert.True(t, gjson.GetBytes(res.Body, path).Exists(), "%s should survive", path)
			}
		})
	}
}

func TestThinkingTightensSampling(t *testing.T) {
	body := `{"model":"m","max_tokens":100,"messages":[],
		"temperature":0.2,"top_p":0.5,"top_k":40,
		"thinking":{"type":"enabled","budget_tokens":32000}}`

	res := mustNormalize(t, body)

	assert.Equal(t, 1.0, gjson.GetBytes(res.Body, "temperature").Float())
	assert.Equal(t, 0.95, gjson.GetBytes(res.Body, "top_p").Float())
	assert.False(t, gjson.GetBytes(res.Body, "top_k").Exists())
	assert.Equal(t, int64(33024), gjson.GetBytes(res.Body, "max_tokens").Int())
}

func TestThinkingNeverLowersSufficientMaxTokens(t *testing.T) {
	body := `{"model":"m","max_tokens":50000,"messages":[],
		"thinking":{"type":"enabled","budget_tokens":32000}}`

	res := mustNormalize(t, body)

	assert.Equal(t, int64(50000), gjson.GetBytes(res.Body, "max_tokens").Int())
}

func TestNoTighteningWithoutThinking(t *testing.T) {
	body := `{"model":"m","max_tokens":100,"messages":[],"temperature":0.2,"top_p":0.5,"top_k":40}`

	res := mustNormalize(t, body)

	assert.Equal(t, 0.2, gjson.GetBytes(res.Body, "temperature").Float())
	assert.Equal(t, 0.5, gjson.GetBytes(res.Body, "top_p").Float())
	assert.Equal(t, int64(40), gjson.GetBytes(res.Body, "top_k").Int())
	assert.Equal(t, int64(100), gjson.GetBytes(res.Body, "max_tokens").Int())
}

func TestSpoofInjectedWhenSystemMissing(t *testing.T) {
	res := mustNormalize(t, `{"model":"m","max_tokens":10,"messages":[]}`)

	sys := gjson.GetBytes(res.Body, "system")
	require.True(t, sys.IsArray())
	require.Len(t, sys.Array(), 1)
	assert.Equal(t, SpoofSentinel, sys.Array()[0].Get("text").String())
}

func TestSpoofWrapsStringSystem(t *testing.T) {
	res := mustNormalize(t, `{"model":"m","max_tokens":10,"messages":[],"system":"You are a pirate."}`)

	sys := gjson.GetBytes(res.Body, "system").Array()
	require.Len(t, sys, 2)
	assert.Equal(t, SpoofSentinel, sys[0].Get("text").String())
	assert.Equal(t, "You are a pirate.", sys[1].Get("text").String())
}

func TestSpoofPrependsToArraySystem(t *testing.T) {
	res := mustNormalize(t, `{"model":"m","max_tokens":10,"messages":[],
		"system":[{"type":"text","text":"existing prompt"}]}`)

	sys := gjson.GetBytes(res.Body, "system").Array()
	require.Len(t, sys, 2)
	assert.Equal(t, SpoofSentinel, sys[0].Get("text").String())
	assert.Equal(t, "existing prompt", sys[1].Get("text").String())
}

func TestSpoofNotDuplicatedWhenAlreadyFirst(t *testing.T) {
	body := `{"model":"m","max_tokens":10,"messages":[],
		"system":[{"type":"text","text":"` + SpoofSentinel + `"},{"type":"text","text":"more"}]}`

	res := mustNormalize(t, body)

	assert.Len(t, gjson.GetBytes(res.Body, "system").Array(), 2)
}

func TestCacheControlPriorityAndLimit(t *testing.T) {
	body := `{"model":"m","max_tokens":10,
		"tools":[{"name":"a","input_schema":{}},{"name":"b","input_schema":{}}],
		"system":[{"type":"text","text":"s1"},{"type":"text","text":"s2"}],
		"messages":[
			{"role":"user","content":[{"type":"text","text":"u1"}]},
			{"role":"assistant","content":[{"type":"text","text":"a1"}]},
			{"role":"user","content":[{"type":"text","text":"u2a"},{"type":"text","text":"u2b"}]},
			{"role":"assistant","content":[{"type":"text","text":"a2"}]},
			{"role":"user","content":[{"type":"text","text":"u3"}]}
		]}`

	res := mustNormalize(t, body)

	assert.Equal(t, 4, countCacheControls(res.Body))
	// last tool, not the first
	assert.False(t, gjson.GetBytes(res.Body, "tools.0.cache_control").Exists())
	assert.True(t, gjson.GetBytes(res.Body, "tools.1.cache_control").Exists())
	// last system block (index shifts by one after spoof injection)
	sys := gjson.GetBytes(res.Body, "system").Array()
	assert.True(t, sys[len(sys)-1].Get("cache_control").Exists())
	// last content block of the last two user messages
	assert.True(t, gjson.GetBytes(res.Body, "messages.4.content.0.cache_control").Exists())
	assert.False(t, gjson.GetBytes(res.Body, "messages.2.content.0.cache_control").Exists())
	assert.True(t, gjson.GetBytes(res.Body, "messages.2.content.1.cache_control").Exists())
	// earlier user message untouched
	assert.False(t, gjson.GetBytes(res.Body, "messages.0.content.0.cache_control").Exists())
}

func TestCacheControlSkipsWhenAtLimit(t *testing.T) {
	marked := `{"type":"text","text":"x","cache_control":{"type":"ephemeral"}}`
	body := `{"model":"m","max_tokens":10,
		"messages":[{"role":"user","content":[` + marked + `,` + marked + `,` + marked + `,` + marked + `]}]}`

	res := mustNormalize(t, body)

	assert.Equal(t, 4, countCacheControls(res.Body))
}

func TestCacheControlPromotesStringUserContent(t *testing.T) {
	res := mustNormalize(t, `{"model":"m","max_tokens":10,
		"messages":[{"role":"user","content":"plain words"}]}`)

	content := gjson.GetBytes(res.Body, "messages.0.content")
	require.True(t, content.IsArray())
	require.Len(t, content.Array(), 1)
	block := content.Array()[0]
	assert.Equal(t, "text", block.Get("type").String())
	assert.Equal(t, "plain words", block.Get("text").String())
	assert.True(t, block.Get("cache_control").Exists())
}

func TestBetaFlagAssembly(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "base",
			body: `{"model":"m","max_tokens":10,"messages":[]}`,
			want: "oauth-2025-04-20",
		},
		{
			name: "thinking enabled",
			body: `{"model":"m","max_tokens":64000,"messages":[],"thinking":{"type":"enabled","budget_tokens":1000}}`,
			want: "oauth-2025-04-20,interleaved-thinking-2025-05-14",
		},
		{
			name: "tools on non-streaming request",
			body: `{"model":"m","max_tokens":10,"messages":[],"tools":[{"name":"t","input_schema":{}}]}`,
			want: "oauth-2025-04-20,fine-grained-tool-streaming-2025-05-14",
		},
		{
			name: "tools on streaming request",
			body: `{"model":"m","max_tokens":10,"messages":[],"stream":true,"tools":[{"name":"t","input_schema":{}}]}`,
			want: "oauth-2025-04-20",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := mustNormalize(t, tt.body)
			assert.Equal(t, tt.want, res.BetaHeader)
		})
	}
}

func TestExtendedContextFlagConsumed(t *testing.T) {
	body, err := MarkExtendedContext([]byte(`{"model":"m","max_tokens":10,"messages":[]}`))
	require.NoError(t, err)

	res, err := New(nil).Normalize(body)
	require.NoError(t, err)

	assert.Contains(t, res.BetaHeader, BetaExtendedContext)
	assert.False(t, gjson.GetBytes(res.Body, ExtendedContextKey).Exists())
}

func TestNormalizeIsIdempotent(t *testing.T) {
	bodies := []string{
		`{"model":"m","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`,
		`{"model":"m","max_tokens":100,"messages":[{"role":"user","content":[{"type":"text","text":"hi"}]}],
			"temperature":0.3,"top_p":0.4,"top_k":5,
			"thinking":{"type":"enabled","budget_tokens":8000}}`,
		`{"model":"m","max_tokens":10,"system":"be brief",
			"tools":[{"name":"t","input_schema":{"type":"object"}}],
			"messages":[
				{"role":"user","content":"one"},
				{"role":"assistant","content":[{"type":"text","text":"two"}]},
				{"role":"user","content":"three"}
			]}`,
	}

	n := New(nil)
	for _, body := range bodies {
		first, err := n.Normalize([]byte(body))
		require.NoError(t, err)
		second, err := n.Normalize(first.Body)
		require.NoError(t, err)
		assert.JSONEq(t, string(first.Body), string(second.Body))
	}
}

func TestNormalizePreservesUnknownFields(t *testing.T) {
	body := `{"model":"m","max_tokens":10,"messages":[],
		"metadata":{"user_id":"u-123"},
		"some_future_field":{"nested":[1,2,3]}}`

	res := mustNormalize(t, body)

	assert.Equal(t, "u-123", gjson.GetBytes(res.Body, "metadata.user_id").String())
	assert.Equal(t, int64(2), gjson.GetBytes(res.Body, "some_future_field.nested.1").Int())
}

func TestRestoreThinkingFromCache(t *testing.T) {
	cache := thinking.NewDefaultCache()
	require.True(t, cache.Put("toolu_01", protocol.ContentBlock{
		Type:      protocol.BlockTypeThinking,
		Thinking:  "I should check the weather",
		Signature: "sig-abc",
	}))

	body := `{"model":"m","max_tokens":64000,
		"thinking":{"type":"enabled","budget_tokens":8000},
		"messages":[
			{"role":"user","content":[{"type":"text","text":"weather?"}]},
			{"role":"assistant","content":[
				{"type":"text","text":"checking"},
				{"type":"tool_use","id":"toolu_01","name":"get_weather","input":{}}
			]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_01","content":"sunny"}]}
		]}`

	res, err := New(cache).Normalize([]byte(body))
	require.NoError(t, err)

	head := gjson.GetBytes(res.Body, "messages.1.content.0")
	assert.Equal(t, "thinking", head.Get("type").String())
	assert.Equal(t, "I should check the weather", head.Get("thinking").String())
	assert.Equal(t, "sig-abc", head.Get("signature").String())
	// the original blocks follow
	assert.Equal(t, "text", gjson.GetBytes(res.Body, "messages.1.content.1.type").String())
	assert.Equal(t, "tool_use", gjson.GetBytes(res.Body, "messages.1.content.2.type").String())
}

func TestRestoreThinkingMissProceedsUnchanged(t *testing.T) {
	body := `{"model":"m","max_tokens":64000,
		"thinking":{"type":"enabled","budget_tokens":8000},
		"messages":[
			{"role":"assistant","content":[{"type":"tool_use","id":"toolu_gone","name":"t","input":{}}]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_gone","content":"x"}]}
		]}`

	res, err := New(thinking.NewDefaultCache()).Normalize([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, "tool_use", gjson.GetBytes(res.Body, "messages.0.content.0.type").String())
}

func TestRestoreThinkingNotDuplicated(t *testing.T) {
	cache := thinking.NewDefaultCache()
	require.True(t, cache.Put("toolu_01", protocol.ContentBlock{
		Type:      protocol.BlockTypeThinking,
		Thinking:  "cached",
		Signature: "sig",
	}))

	body := `{"model":"m","max_tokens":64000,
		"thinking":{"type":"enabled","budget_tokens":8000},
		"messages":[
			{"role":"assistant","content":[
				{"type":"thinking","thinking":"already here","signature":"sig-orig"},
				{"type":"tool_use","id":"toolu_01","name":"t","input":{}}
			]},
			{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_01","content":"x"}]}
		]}`

	res, err := New(cache).Normalize([]byte(body))
	require.NoError(t, err)

	content := gjson.GetBytes(res.Body, "messages.0.content").Array()
	require.Len(t, content, 2)
	assert.Equal(t, "already here", content[0].Get("thinking").String())
}

func TestEnsureThinkingRespectsClientConfig(t *testing.T) {
	body := []byte(`{"model":"m","max_tokens":10,"messages":[],
		"thinking":{"type":"enabled","budget_tokens":500}}`)

	out, err := EnsureThinking(body, 16000)
	require.NoError(t, err)

	assert.Equal(t, int64(500), gjson.GetBytes(out, "thinking.budget_tokens").Int())

	out, err = EnsureThinking([]byte(`{"model":"m","max_tokens":10,"messages":[]}`), 16000)
	require.NoError(t, err)
	assert.Equal(t, "enabled", gjson.GetBytes(out, "thinking.type").String())
	assert.Equal(t, int64(16000), gjson.GetBytes(out, "thinking.budget_tokens").Int())
}
