package nonstream

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tingly-dev/claude-box/internal/constant"
	"github.com/tingly-dev/claude-box/internal/protocol"
	"github.com/tingly-dev/claude-box/internal/registry"
)

func raw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func intPtr(n int) *int { return &n }

func TestToMessagesRequestBasic(t *testing.T) {
	req := &protocol.ChatCompletionsRequest{
		Model: "sonnet-4-5",
		Messages: []protocol.ChatMessage{
			{Role: "system", Content: raw(t, "Be terse.")},
			{Role: "user", Content: raw(t, "Hi")},
		},
		MaxTokens: intPtr(100),
	}

	out, err := ToMessagesRequest(req, "claude-sonnet-4-5-20250929", registry.LevelNone)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5-20250929", out.Model)
	assert.Equal(t, 100, out.MaxTokens)
	require.Len(t, out.System, 1)
	assert.Equal(t, "Be terse.", out.System[0].Text)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "user", out.Messages[0].Role)
	assert.Equal(t, "Hi", out.Messages[0].Content[0].Text)
	assert.Nil(t, out.Thinking)
}

func TestToMessagesRequestReasoningBudget(t *testing.T) {
	req := &protocol.ChatCompletionsRequest{
		Model:     "sonnet-4-5-reasoning-high",
		Messages:  []protocol.ChatMessage{{Role: "user", Content: raw(t, "Hi")}},
		MaxTokens: intPtr(100),
	}

	out, err := ToMessagesRequest(req, "claude-sonnet-4-5-20250929", registry.LevelHigh)
	require.NoError(t, err)
	require.NotNil(t, out.Thinking)
	assert.Equal(t, "enabled", out.Thinking.Type)
	assert.Equal(t, constant.ThinkingBudgetHigh, out.Thinking.BudgetTokens)
	assert.Equal(t, constant.ThinkingBudgetHigh+constant.MinResponseAllowance, out.MaxTokens)
}

func TestReasoningEffortOverridesModelLevel(t *testing.T) {
	req := &protocol.ChatCompletionsRequest{
		Model:           "sonnet-4-5-reasoning-high",
		ReasoningEffort: "low",
		Messages:        []protocol.ChatMessage{{Role: "user", Content: raw(t, "Hi")}},
	}

	out, err := ToMessagesRequest(req, "claude-sonnet-4-5-20250929", registry.LevelHigh)
	require.NoError(t, err)
	require.NotNil(t, out.Thinking)
	assert.Equal(t, constant.ThinkingBudgetLow, out.Thinking.BudgetTokens)

	// Invalid effort falls back to the model-implied level.
	req.ReasoningEffort = "extreme"
	out, err = ToMessagesRequest(req, "claude-sonnet-4-5-20250929", registry.LevelHigh)
	require.NoError(t, err)
	assert.Equal(t, constant.ThinkingBudgetHigh, out.Thinking.BudgetTokens)
}

func TestFlattenMergesAndAlternates(t *testing.T) {
	req := &protocol.ChatCompletionsRequest{
		Model: "sonnet-4-5",
		Messages: []protocol.ChatMessage{
			{Role: "assistant", Content: raw(t, "leading assistant")},
			{Role: "user", Content: raw(t, "one")},
			{Role: "user", Content: raw(t, "two")},
			{Role: "assistant", Content: raw(t, "reply")},
		},
	}

	out, err := ToMessagesRequest(req, "m", registry.LevelNone)
	require.NoError(t, err)
	require.Len(t, out.Messages, 3)
	assert.Equal(t, "user", out.Messages[0].Role)
	require.Len(t, out.Messages[0].Content, 2)
	assert.Equal(t, "one", out.Messages[0].Content[0].Text)
	assert.Equal(t, "two", out.Messages[0].Content[1].Text)
	assert.Equal(t, "assistant", out.Messages[1].Role)
	assert.Equal(t, "leading assistant", out.Messages[1].Content[0].Text)
	assert.Equal(t, "assistant", out.Messages[2].Role)
}

func TestToolMessageBecomesToolResult(t *testing.T) {
	req := &protocol.ChatCompletionsRequest{
		Model: "sonnet-4-5",
		Messages: []protocol.ChatMessage{
			{Role: "user", Content: raw(t, "run it")},
			{Role: "assistant", ToolCalls: []protocol.ToolCall{{
				ID:       "toolu_01",
				Type:     "function",
				Function: protocol.FunctionCall{Name: "get_time", Arguments: `{"tz":"UTC"}`},
			}}},
			{Role: "tool", ToolCallID: "toolu_01", Content: raw(t, "14:05")},
		},
	}

	out, err := ToMessagesRequest(req, "m", registry.LevelNone)
	require.NoError(t, err)
	require.Len(t, out.Messages, 3)

	use := out.Messages[1].Content[0]
	assert.Equal(t, protocol.BlockTypeToolUse, use.Type)
	assert.Equal(t, "toolu_01", use.ID)
	assert.Equal(t, "get_time", use.Name)
	assert.JSONEq(t, `{"tz":"UTC"}`, string(use.Input))

	result := out.Messages[2].Content[0]
	assert.Equal(t, protocol.BlockTypeToolResult, result.Type)
	assert.Equal(t, "toolu_01", result.ToolUseID)
	assert.JSONEq(t, `"14:05"`, string(result.Content))
}

func TestMalformedToolArgumentsYieldEmptyObject(t *testing.T) {
	req := &protocol.ChatCompletionsRequest{
		Model: "m",
		Messages: []protocol.ChatMessage{
			{Role: "user", Content: raw(t, "go")},
			{Role: "assistant", ToolCalls: []protocol.ToolCall{{
				ID:       "toolu_02",
				Function: protocol.FunctionCall{Name: "f", Arguments: `{"broken`},
			}}},
			{Role: "user", Content: raw(t, "and?")},
		},
	}

	out, err := ToMessagesRequest(req, "m", registry.LevelNone)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(out.Messages[1].Content[0].Input))
}

func TestNonObjectToolArgumentsYieldEmptyObject(t *testing.T) {
	for _, arguments := range []string{`[1]`, `"text"`, `42`, `null`} {
		req := &protocol.ChatCompletionsRequest{
			Model: "m",
			Messages: []protocol.ChatMessage{
				{Role: "user", Content: raw(t, "go")},
				{Role: "assistant", ToolCalls: []protocol.ToolCall{{
					ID:       "toolu_02",
					Function: protocol.FunctionCall{Name: "f", Arguments: arguments},
				}}},
			},
		}

		out, err := ToMessagesRequest(req, "m", registry.LevelNone)
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(out.Messages[1].Content[0].Input), "arguments %s", arguments)
	}
}

func TestImageDataURI(t *testing.T) {
	req := &protocol.ChatCompletionsRequest{
		Model: "m",
		Messages: []protocol.ChatMessage{{
			Role: "user",
			Content: raw(t, []protocol.ContentPart{
				{Type: "text", Text: "what is this"},
				{Type: "image_url", ImageURL: &protocol.ImageURLPart{URL: "data:image/png;base64,aGk="}},
				{Type: "image_url", ImageURL: &protocol.ImageURLPart{URL: "https://example.com/x.png"}},
			}),
		}},
	}

	out, err := ToMessagesRequest(req, "m", registry.LevelNone)
	require.NoError(t, err)
	blocks := out.Messages[0].Content
	require.Len(t, blocks, 3)
	assert.Equal(t, "base64", blocks[1].Source.Type)
	assert.Equal(t, "image/png", blocks[1].Source.MediaType)
	assert.Equal(t, "aGk=", blocks[1].Source.Data)
	assert.Equal(t, "url", blocks[2].Source.Type)
	assert.Equal(t, "https://example.com/x.png", blocks[2].Source.URL)
}

func TestToolChoiceShapes(t *testing.T) {
	base := func() *protocol.ChatCompletionsRequest {
		return &protocol.ChatCompletionsRequest{
			Model:    "m",
			Messages: []protocol.ChatMessage{{Role: "user", Content: raw(t, "go")}},
			Tools: []protocol.ChatTool{{
				Type:     "function",
				Function: protocol.FunctionDef{Name: "f", Parameters: raw(t, map[string]string{"type": "object"})},
			}},
		}
	}

	req := base()
	req.ToolChoice = raw(t, "none")
	out, err := ToMessagesRequest(req, "m", registry.LevelNone)
	require.NoError(t, err)
	assert.Nil(t, out.Tools)
	assert.Nil(t, out.ToolChoice)

	req = base()
	req.ToolChoice = raw(t, "auto")
	out, err = ToMessagesRequest(req, "m", registry.LevelNone)
	require.NoError(t, err)
	require.Len(t, out.Tools, 1)
	assert.Nil(t, out.ToolChoice)

	req = base()
	req.ToolChoice = raw(t, map[string]interface{}{
		"type":     "function",
		"function": map[string]string{"name": "f"},
	})
	out, err = ToMessagesRequest(req, "m", registry.LevelNone)
	require.NoError(t, err)
	require.NotNil(t, out.ToolChoice)
	assert.Equal(t, "tool", out.ToolChoice.Type)
	assert.Equal(t, "f", out.ToolChoice.Name)
}

func TestStopForms(t *testing.T) {
	req := &protocol.ChatCompletionsRequest{
		Model:    "m",
		Messages: []protocol.ChatMessage{{Role: "user", Content: raw(t, "go")}},
		Stop:     raw(t, "END"),
	}
	out, err := ToMessagesRequest(req, "m", registry.LevelNone)
	require.NoError(t, err)
	assert.Equal(t, []string{"END"}, out.StopSequences)

	req.Stop = raw(t, []string{"a", "b"})
	out, err = ToMessagesRequest(req, "m", registry.LevelNone)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out.StopSequences)
}

func TestFromMessagesResponse(t *testing.T) {
	resp := &protocol.MessagesResponse{
		ID:    "msg_01ABC",
		Type:  "message",
		Role:  "assistant",
		Model: "claude-sonnet-4-5-20250929",
		Content: []protocol.ContentBlock{
			{Type: protocol.BlockTypeThinking, Thinking: "pondering", Signature: "sig1"},
			{Type: protocol.BlockTypeText, Text: "Hello "},
			{Type: protocol.BlockTypeText, Text: "world"},
			{Type: protocol.BlockTypeToolUse, ID: "toolu_03", Name: "f", Input: raw(t, map[string]int{"n": 1})},
		},
		StopReason: "tool_use",
		Usage:      protocol.MessagesUsage{InputTokens: 10, OutputTokens: 20},
	}

	out := FromMessagesResponse(resp, "sonnet-4-5")
	assert.Equal(t, "chatcmpl-01ABC", out.ID)
	assert.Equal(t, "sonnet-4-5", out.Model)
	require.Len(t, out.Choices, 1)

	choice := out.Choices[0]
	assert.Equal(t, "tool_calls", choice.FinishReason)
	assert.Equal(t, "Hello world", *choice.Message.Content)
	assert.Equal(t, "pondering", choice.Message.ReasoningContent)
	require.Len(t, choice.Message.ThinkingBlocks, 1)
	assert.Equal(t, "sig1", choice.Message.ThinkingBlocks[0].Signature)
	require.Len(t, choice.Message.ToolCalls, 1)
	assert.Equal(t, "toolu_03", choice.Message.ToolCalls[0].ID)
	assert.JSONEq(t, `{"n":1}`, choice.Message.ToolCalls[0].Function.Arguments)

	assert.Equal(t, 10, out.Usage.PromptTokens)
	assert.Equal(t, 20, out.Usage.CompletionTokens)
	assert.Equal(t, 30, out.Usage.TotalTokens)
	require.NotNil(t, out.Usage.CompletionTokensDetails)
	assert.Positive(t, out.Usage.CompletionTokensDetails.ReasoningTokens)
}

// A reply echoed through both directions keeps its text and the ordered
// tool-call names and ids.
func TestRoundTripPreservesContentAndToolOrder(t *testing.T) {
	openaiReq := &protocol.ChatCompletionsRequest{
		Model: "sonnet-4-5",
		Messages: []protocol.ChatMessage{
			{Role: "user", Content: raw(t, "echo")},
			{Role: "assistant", Content: raw(t, "the reply"), ToolCalls: []protocol.ToolCall{
				{ID: "toolu_a", Type: "function", Function: protocol.FunctionCall{Name: "alpha", Arguments: `{"i":1}`}},
				{ID: "toolu_b", Type: "function", Function: protocol.FunctionCall{Name: "beta", Arguments: `{"i":2}`}},
			}},
			{Role: "user", Content: raw(t, "again")},
		},
	}

	msgReq, err := ToMessagesRequest(openaiReq, "claude-sonnet-4-5-20250929", registry.LevelNone)
	require.NoError(t, err)

	// Mock the upstream as echo of the assistant turn.
	echo := &protocol.MessagesResponse{
		ID:         "msg_echo",
		Content:    msgReq.Messages[1].Content,
		StopReason: "tool_use",
	}
	out := FromMessagesResponse(echo, "sonnet-4-5")

	require.Len(t, out.Choices, 1)
	assert.Equal(t, "the reply", *out.Choices[0].Message.Content)
	calls := out.Choices[0].Message.ToolCalls
	require.Len(t, calls, 2)
	assert.Equal(t, "toolu_a", calls[0].ID)
	assert.Equal(t, "alpha", calls[0].Function.Name)
	assert.Equal(t, "toolu_b", calls[1].ID)
	assert.Equal(t, "beta", calls[1].Function.Name)
}

func TestRewriteErrorBody(t *testing.T) {
	body := raw(t, protocol.NewErrorResponse("overloaded_error", "overloaded"))
	out := RewriteErrorBody(529, body)
	assert.Equal(t, "overloaded", out.Error.Message)
	assert.Equal(t, "overloaded_error", out.Error.Type)

	out = RewriteErrorBody(502, []byte("bad gateway"))
	assert.Equal(t, "api_error", out.Error.Type)
	assert.Equal(t, "bad gateway", out.Error.Message)
}
