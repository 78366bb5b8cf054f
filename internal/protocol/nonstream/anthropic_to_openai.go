package nonstream

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tingly-dev/claude-box/internal/protocol"
	"github.com/tingly-dev/claude-box/internal/protocol/token"
)

// FromMessagesResponse converts a complete Anthropic message into an
// OpenAI chat completion. responseModel is echoed back to the client; it
// is the id the client asked for, not the resolved upstream id.
func FromMessagesResponse(resp *protocol.MessagesResponse, responseModel string) *protocol.ChatCompletionsResponse {
	var (
		text      strings.Builder
		reasoning strings.Builder
		toolCalls []protocol.ToolCall
		blocks    []protocol.ContentBlock
	)

	for _, block := range resp.Content {
		switch block.Type {
		case protocol.BlockTypeText:
			text.WriteString(block.Text)

		case protocol.BlockTypeToolUse:
			args := "{}"
			if len(block.Input) > 0 {
				args = string(block.Input)
			}
			toolCalls = append(toolCalls, protocol.ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: protocol.FunctionCall{Name: block.Name, Arguments: args},
			})

		case protocol.BlockTypeThinking:
			reasoning.WriteString(block.Thinking)
			blocks = append(blocks, block)

		case protocol.BlockTypeRedactedThinking:
			blocks = append(blocks, block)
		}
	}

	content := text.String()
	message := protocol.ResponseMessage{
		Role:             "assistant",
		Content:          &content,
		ReasoningContent: reasoning.String(),
		ThinkingBlocks:   blocks,
		ToolCalls:        toolCalls,
	}

	usage := &protocol.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	if reasoning.Len() > 0 {
		usage.CompletionTokensDetails = &protocol.CompletionTokensDetails{
			ReasoningTokens: token.Estimate(reasoning.String()),
		}
	}

	return &protocol.ChatCompletionsResponse{
		ID:      completionID(resp.ID),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   responseModel,
		Choices: []protocol.ResponseChoice{{
			Index:        0,
			Message:      message,
			FinishReason: protocol.MapStopReason(resp.StopReason),
		}},
		Usage: usage,
	}
}

// completionID derives the chatcmpl id from the Anthropic message id
// suffix, keeping cross-log correlation possible.
func completionID(anthropicID string) string {
	suffix := strings.TrimPrefix(anthropicID, "msg_")
	if suffix == "" {
		suffix = "0"
	}
	return "chatcmpl-" + suffix
}

// RewriteErrorBody converts an Anthropic error body into the OpenAI error
// envelope. Bodies that are not Anthropic-shaped are wrapped as-is.
func RewriteErrorBody(status int, body []byte) protocol.OpenAIErrorResponse {
	var parsed protocol.ErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return protocol.OpenAIErrorResponse{Error: protocol.OpenAIError{
			Message: parsed.Error.Message,
			Type:    parsed.Error.Type,
			Code:    parsed.Error.Type,
		}}
	}
	return protocol.NewOpenAIErrorResponse(errorTypeForStatus(status), strings.TrimSpace(string(body)))
}

func errorTypeForStatus(status int) string {
	switch {
	case status == 401:
		return "authentication_error"
	case status == 429:
		return "rate_limit_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}
