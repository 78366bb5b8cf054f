// Package token estimates token counts locally with tiktoken. The
// estimates back the count_tokens endpoint and fill in usage when a
// stream ends without upstream numbers. They are approximations: the
// upstream tokenizer is not public, and O200kBase tracks it closely
// enough for accounting.
package token

import (
	"encoding/json"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/tingly-dev/claude-box/internal/protocol"
)

var (
	encOnce sync.Once
	enc     tokenizer.Codec
	encErr  error
)

func codec() (tokenizer.Codec, error) {
	encOnce.Do(func() {
		enc, encErr = tokenizer.Get(tokenizer.O200kBase)
	})
	return enc, encErr
}

// Estimate counts tokens in text, falling back to the classic len/4
// heuristic when the tokenizer is unavailable.
func Estimate(text string) int {
	c, err := codec()
	if err != nil {
		return len(text) / 4
	}
	n, err := c.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// requestOverhead approximates the structural tokens the upstream adds
// around the message list.
const requestOverhead = 3

// EstimateRequest estimates the input tokens of a Messages request:
// system, message content, and tool definitions.
func EstimateRequest(req *protocol.MessagesRequest) int {
	total := requestOverhead
	total += Estimate(req.Model)

	for _, block := range req.System {
		total += estimateBlock(block)
	}
	for _, msg := range req.Messages {
		total += Estimate(msg.Role)
		for _, block := range msg.Content {
			total += estimateBlock(block)
		}
	}
	for _, tool := range req.Tools {
		total += Estimate(tool.Name)
		total += Estimate(tool.Description)
		total += estimateRaw(tool.InputSchema)
	}

	return total
}

func estimateBlock(block protocol.ContentBlock) int {
	switch block.Type {
	case protocol.BlockTypeText:
		return Estimate(block.Text)
	case protocol.BlockTypeThinking:
		return Estimate(block.Thinking)
	case protocol.BlockTypeToolUse:
		return Estimate(block.Name) + estimateRaw(block.Input)
	case protocol.BlockTypeToolResult:
		return estimateRaw(block.Content)
	case protocol.BlockTypeImage:
		// Flat allowance; actual image token cost depends on dimensions
		// the proxy does not inspect.
		return 1600
	default:
		return 0
	}
}

func estimateRaw(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	return Estimate(string(raw))
}
