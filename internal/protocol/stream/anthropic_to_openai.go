// Package stream converts the Anthropic Messages event stream into the
// OpenAI chat.completion.chunk stream. One Converter handles one message:
// it keeps per-block state, maintains the thinking cache across tool-call
// round-trips, and guarantees the downstream ends with the [DONE]
// sentinel on success and error paths alike.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/claude-box/internal/protocol"
	"github.com/tingly-dev/claude-box/internal/protocol/sse"
	"github.com/tingly-dev/claude-box/internal/protocol/token"
	"github.com/tingly-dev/claude-box/internal/thinking"
)

// Result summarizes a finished stream for usage tracking.
type Result struct {
	InputTokens  int
	OutputTokens int
	FinishReason string
}

// blockState tracks one open content block by its Anthropic index.
type blockState struct {
	blockType string

	// toolIndex is the position in the OpenAI tool_calls index space,
	// which counts only tool_use blocks.
	toolIndex int
	toolUseID string

	// thinking accumulation for cache insertion at block close
	thinkingText strings.Builder
	signature    string
	redactedData string
}

// Converter consumes decoded Anthropic stream events and writes OpenAI
// chunks. The completion id and creation timestamp are fixed at
// construction and repeated on every chunk.
type Converter struct {
	w       io.Writer
	model   string
	cache   *thinking.Cache
	id      string
	created int64

	blocks    map[int]*blockState
	toolCount int

	// lastThinking is the most recent signed thinking (or redacted)
	// block completed in this message, pending cache insertion when a
	// tool_use block closes.
	lastThinking *protocol.ContentBlock

	contentText  strings.Builder
	inputTokens  int
	outputTokens int
	finishReason string
	done         bool
}

// NewConverter builds a converter writing to w. cache may be nil; the
// thinking-cache maintenance is then skipped.
func NewConverter(w io.Writer, model string, cache *thinking.Cache) *Converter {
	return &Converter{
		w:       w,
		model:   model,
		cache:   cache,
		id:      fmt.Sprintf("chatcmpl-%d", time.Now().Unix()),
		created: time.Now().Unix(),
		blocks:  make(map[int]*blockState),
	}
}

// Run drains the scanner through the converter. It always terminates the
// downstream: on upstream read failure a synthetic error chunk goes out
// before [DONE].
func (c *Converter) Run(events *sse.Scanner) (*Result, error) {
	for events.Next() {
		if err := c.Consume(events.Event()); err != nil {
			return c.result(), err
		}
		if c.done {
			return c.result(), nil
		}
	}
	if err := events.Err(); err != nil {
		logrus.Warnf("stream: upstream read failed: %v", err)
		return c.result(), c.Fail("upstream stream error: "+err.Error(), "upstream_error")
	}
	// Upstream ended without message_stop; close out what we have.
	return c.result(), c.finish()
}

func (c *Converter) result() *Result {
	out := c.outputTokens
	if out == 0 && c.contentText.Len() > 0 {
		out = token.Estimate(c.contentText.String())
	}
	return &Result{
		InputTokens:  c.inputTokens,
		OutputTokens: out,
		FinishReason: c.finishReason,
	}
}

// Consume handles one upstream SSE event.
func (c *Converter) Consume(ev sse.Event) error {
	if c.done {
		return nil
	}

	var event protocol.StreamEvent
	if err := json.Unmarshal([]byte(ev.Data), &event); err != nil {
		// The error path of the upstream client emits non-JSON bodies
		// under an error event name.
		if ev.Name == protocol.EventError {
			return c.Fail(ev.Data, "upstream_error")
		}
		logrus.Debugf("stream: skipping undecodable event %q", ev.Name)
		return nil
	}
	if event.Type == "" {
		event.Type = ev.Name
	}

	switch event.Type {
	case protocol.EventPing:
		return nil

	case protocol.EventMessageStart:
		if event.Message != nil {
			c.inputTokens = event.Message.Usage.InputTokens
		}
		return c.writeChunk(protocol.ChunkDelta{Role: "assistant", Content: ""}, nil, nil)

	case protocol.EventContentBlockStart:
		return c.startBlock(event)

	case protocol.EventContentBlockDelta:
		return c.deltaBlock(event)

	case protocol.EventContentBlockStop:
		c.stopBlock(event.Index)
		return nil

	case protocol.EventMessageDelta:
		if event.Usage != nil {
			c.outputTokens = event.Usage.OutputTokens
		}
		if event.Delta != nil && event.Delta.StopReason != "" {
			c.finishReason = protocol.MapStopReason(event.Delta.StopReason)
			reason := c.finishReason
			return c.writeChunk(protocol.ChunkDelta{}, &reason, c.usage())
		}
		return nil

	case protocol.EventMessageStop:
		return c.finish()

	case protocol.EventError:
		msg := "upstream error"
		code := "upstream_error"
		if event.Error != nil {
			msg = event.Error.Message
			code = event.Error.Type
		}
		return c.Fail(msg, code)

	default:
		logrus.Debugf("stream: ignoring unknown event type %q", event.Type)
		return nil
	}
}

func (c *Converter) startBlock(event protocol.StreamEvent) error {
	state := &blockState{}
	if event.ContentBlock != nil {
		state.blockType = event.ContentBlock.Type
	}
	c.blocks[event.Index] = state

	switch state.blockType {
	case protocol.BlockTypeToolUse:
		state.toolIndex = c.toolCount
		c.toolCount++
		state.toolUseID = event.ContentBlock.ID
		idx := state.toolIndex
		return c.writeChunk(protocol.ChunkDelta{ToolCalls: []protocol.ToolCall{{
			Index:    &idx,
			ID:       event.ContentBlock.ID,
			Type:     "function",
			Function: protocol.FunctionCall{Name: event.ContentBlock.Name, Arguments: ""},
		}}}, nil, nil)

	case protocol.BlockTypeRedactedThinking:
		state.redactedData = event.ContentBlock.Data

	case protocol.BlockTypeText:
		if event.ContentBlock.Text != "" {
			c.contentText.WriteString(event.ContentBlock.Text)
			return c.writeChunk(protocol.ChunkDelta{Content: event.ContentBlock.Text}, nil, nil)
		}
	}
	return nil
}

func (c *Converter) deltaBlock(event protocol.StreamEvent) error {
	if event.Delta == nil {
		return nil
	}
	state := c.blocks[event.Index]

	switch event.Delta.Type {
	case protocol.DeltaTypeText:
		if event.Delta.Text == "" {
			return nil
		}
		c.contentText.WriteString(event.Delta.Text)
		return c.writeChunk(protocol.ChunkDelta{Content: event.Delta.Text}, nil, nil)

	case protocol.DeltaTypeThinking:
		if state != nil {
			state.thinkingText.WriteString(event.Delta.Thinking)
		}
		return c.writeChunk(protocol.ChunkDelta{ReasoningContent: event.Delta.Thinking}, nil, nil)

	case protocol.DeltaTypeSignature:
		if state != nil {
			state.signature += event.Delta.Signature
		}
		return nil

	case protocol.DeltaTypeInputJSON:
		if state == nil || state.blockType != protocol.BlockTypeToolUse {
			return nil
		}
		idx := state.toolIndex
		return c.writeChunk(protocol.ChunkDelta{ToolCalls: []protocol.ToolCall{{
			Index:    &idx,
			Function: protocol.FunctionCall{Arguments: event.Delta.PartialJSON},
		}}}, nil, nil)

	default:
		return nil
	}
}

// stopBlock closes a content block. Closing a thinking block records it
// as the restoration candidate; closing a tool_use block inserts that
// candidate into the cache under the tool-use id, before any later chunk
// reaches the client.
func (c *Converter) stopBlock(index int) {
	state := c.blocks[index]
	if state == nil {
		return
	}
	delete(c.blocks, index)

	switch state.blockType {
	case protocol.BlockTypeThinking:
		if state.signature != "" {
			c.lastThinking = &protocol.ContentBlock{
				Type:      protocol.BlockTypeThinking,
				Thinking:  state.thinkingText.String(),
				Signature: state.signature,
			}
		}

	case protocol.BlockTypeRedactedThinking:
		if state.redactedData != "" {
			c.lastThinking = &protocol.ContentBlock{
				Type: protocol.BlockTypeRedactedThinking,
				Data: state.redactedData,
			}
		}

	case protocol.BlockTypeToolUse:
		if c.cache != nil && c.lastThinking != nil && state.toolUseID != "" {
			if c.cache.Put(state.toolUseID, *c.lastThinking) {
				logrus.Debugf("stream: cached thinking block for tool call %s", state.toolUseID)
			}
		}
	}
}

// Fail emits one OpenAI-shaped error chunk and terminates the stream.
func (c *Converter) Fail(message, code string) error {
	if c.done {
		return nil
	}
	payload, err := json.Marshal(protocol.NewOpenAIErrorResponse(code, message))
	if err != nil {
		return err
	}
	if err := sse.WriteData(c.w, payload); err != nil {
		return err
	}
	c.done = true
	return sse.WriteDone(c.w)
}

func (c *Converter) finish() error {
	if c.done {
		return nil
	}
	c.done = true
	return sse.WriteDone(c.w)
}

func (c *Converter) usage() *protocol.Usage {
	in, out := c.inputTokens, c.outputTokens
	if out == 0 && c.contentText.Len() > 0 {
		out = token.Estimate(c.contentText.String())
	}
	if in == 0 && out == 0 {
		return nil
	}
	return &protocol.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
}

func (c *Converter) writeChunk(delta protocol.ChunkDelta, finishReason *string, usage *protocol.Usage) error {
	chunk := protocol.ChatCompletionsChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []protocol.ChunkChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
		Usage:   usage,
	}
	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	return sse.WriteData(c.w, payload)
}
