// Package nonstream converts between the OpenAI Chat Completions schema
// and the Anthropic Messages schema for unary round-trips.
package nonstream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/claude-box/internal/constant"
	"github.com/tingly-dev/claude-box/internal/protocol"
	"github.com/tingly-dev/claude-box/internal/registry"
)

// ToMessagesRequest converts an OpenAI Chat Completions request into an
// Anthropic Messages request. upstreamID and modelLevel come from model
// resolution; an explicit reasoning_effort on the request overrides the
// model-implied level.
func ToMessagesRequest(req *protocol.ChatCompletionsRequest, upstreamID string, modelLevel registry.ReasoningLevel) (*protocol.MessagesRequest, error) {
	out := &protocol.MessagesRequest{
		Model:       upstreamID,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}

	systemText, messages, err := flattenMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("request has no user or assistant messages")
	}
	out.Messages = messages
	if systemText != "" {
		out.System = protocol.BlockList{{Type: protocol.BlockTypeText, Text: systemText}}
	}

	out.MaxTokens = constant.DefaultMaxTokens
	if req.MaxCompletionTokens != nil {
		out.MaxTokens = *req.MaxCompletionTokens
	} else if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	if stops := parseStop(req.Stop); len(stops) > 0 {
		out.StopSequences = stops
	}

	tools, toolChoice := convertTools(req)
	out.Tools = tools
	out.ToolChoice = toolChoice

	level := resolveLevel(req.ReasoningEffort, modelLevel)
	if level != registry.LevelNone {
		budget := level.BudgetTokens()
		out.Thinking = &protocol.ThinkingConfig{Type: "enabled", BudgetTokens: budget}
		if floor := budget + constant.MinResponseAllowance; out.MaxTokens < floor {
			out.MaxTokens = floor
		}
	}

	return out, nil
}

// resolveLevel applies the reasoning precedence: an explicit valid
// reasoning_effort wins, an invalid one is ignored with a warning, and
// the model-implied level is the fallback.
func resolveLevel(effort string, modelLevel registry.ReasoningLevel) registry.ReasoningLevel {
	if effort == "" {
		return modelLevel
	}
	level, ok := registry.ParseLevel(effort)
	if !ok {
		logrus.Warnf("translate: ignoring unknown reasoning_effort %q", effort)
		return modelLevel
	}
	return level
}

// flattenMessages walks the OpenAI message list, hoisting system text and
// converting the rest into strictly alternating Anthropic turns. The
// first emitted message must be user-role: a leading assistant message is
// deferred until a user message lands before it.
func flattenMessages(msgs []protocol.ChatMessage) (string, []protocol.Message, error) {
	var systemParts []string
	var out []protocol.Message
	var deferred []protocol.Message

	flushDeferred := func() {
		for _, d := range deferred {
			out = appendMerged(out, d)
		}
		deferred = nil
	}

	emit := func(m protocol.Message) {
		if len(out) == 0 && m.Role == "assistant" {
			deferred = append(deferred, m)
			return
		}
		if len(deferred) > 0 && m.Role == "assistant" {
			// The user run that displaced the deferred assistant turns
			// has ended; place them behind it as their own turn.
			flushDeferred()
			out = append(out, m)
			return
		}
		out = appendMerged(out, m)
	}

	for i := range msgs {
		msg := &msgs[i]
		switch msg.Role {
		case "system", "developer":
			text, err := systemTextOf(msg.Content)
			if err != nil {
				return "", nil, fmt.Errorf("message %d: %w", i, err)
			}
			if text != "" {
				systemParts = append(systemParts, text)
			}

		case "user":
			blocks, err := convertContent(msg.Content)
			if err != nil {
				return "", nil, fmt.Errorf("message %d: %w", i, err)
			}
			emit(protocol.Message{Role: "user", Content: blocks})

		case "assistant":
			blocks, err := convertAssistant(msg)
			if err != nil {
				return "", nil, fmt.Errorf("message %d: %w", i, err)
			}
			emit(protocol.Message{Role: "assistant", Content: blocks})

		case "tool":
			emit(protocol.Message{Role: "user", Content: protocol.BlockList{
				toolResultBlock(msg.ToolCallID, msg.Content),
			}})

		case "function":
			emit(protocol.Message{Role: "user", Content: protocol.BlockList{
				toolResultBlock("func_"+msg.Name, msg.Content),
			}})

		default:
			return "", nil, fmt.Errorf("message %d: unsupported role %q", i, msg.Role)
		}
	}
	flushDeferred()

	return strings.Join(systemParts, "\n\n"), out, nil
}

// appendMerged appends m, concatenating content into the previous message
// when both share a role so the upstream sees alternating turns.
func appendMerged(out []protocol.Message, m protocol.Message) []protocol.Message {
	if n := len(out); n > 0 && out[n-1].Role == m.Role {
		out[n-1].Content = append(out[n-1].Content, m.Content...)
		return out
	}
	return append(out, m)
}

// systemTextOf extracts the text of a system message: either a plain
// string or the text items of a content part array.
func systemTextOf(content json.RawMessage) (string, error) {
	if len(content) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s, nil
	}
	var parts []protocol.ContentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return "", fmt.Errorf("system content is neither string nor part array")
	}
	var texts []string
	for _, part := range parts {
		if part.Type == "text" && part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	return strings.Join(texts, "\n"), nil
}

// convertContent converts user/assistant content into Anthropic blocks:
// string content becomes one text block, part arrays map item by item.
func convertContent(content json.RawMessage) ([]protocol.ContentBlock, error) {
	if len(content) == 0 || string(content) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return []protocol.ContentBlock{{Type: protocol.BlockTypeText, Text: s}}, nil
	}

	var parts []protocol.ContentPart
	if err := json.Unmarshal(content, &parts); err != nil {
		return nil, fmt.Errorf("content is neither string nor part array")
	}

	var blocks []protocol.ContentBlock
	for _, part := range parts {
		switch part.Type {
		case "text":
			blocks = append(blocks, protocol.ContentBlock{Type: protocol.BlockTypeText, Text: part.Text})
		case "image_url":
			if part.ImageURL == nil {
				continue
			}
			blocks = append(blocks, imageBlock(part.ImageURL.URL))
		default:
			logrus.Debugf("translate: dropping unsupported content part type %q", part.Type)
		}
	}
	return blocks, nil
}

// imageBlock converts an image reference. A data:image/<kind>;base64,<data>
// URI becomes an inline base64 source; anything else stays a URL source.
func imageBlock(url string) protocol.ContentBlock {
	if media, data, ok := parseDataURI(url); ok {
		return protocol.ContentBlock{
			Type:   protocol.BlockTypeImage,
			Source: &protocol.ImageSource{Type: "base64", MediaType: media, Data: data},
		}
	}
	return protocol.ContentBlock{
		Type:   protocol.BlockTypeImage,
		Source: &protocol.ImageSource{Type: "url", URL: url},
	}
}

func parseDataURI(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:image/")
	if !found {
		return "", "", false
	}
	kind, data, found := strings.Cut(rest, ";base64,")
	if !found || kind == "" {
		return "", "", false
	}
	return "image/" + kind, data, true
}

// convertAssistant converts an assistant message, replacing tool_calls
// (and the legacy function_call) with tool_use blocks behind any text.
func convertAssistant(msg *protocol.ChatMessage) ([]protocol.ContentBlock, error) {
	blocks, err := convertContent(msg.Content)
	if err != nil {
		return nil, err
	}

	for _, call := range msg.ToolCalls {
		blocks = append(blocks, toolUseBlock(call.ID, call.Function.Name, call.Function.Arguments))
	}
	if msg.FunctionCall != nil {
		blocks = append(blocks, toolUseBlock("func_"+msg.FunctionCall.Name, msg.FunctionCall.Name, msg.FunctionCall.Arguments))
	}

	if len(blocks) == 0 {
		blocks = []protocol.ContentBlock{{Type: protocol.BlockTypeText, Text: ""}}
	}
	return blocks, nil
}

// toolUseBlock builds a tool_use block. Arguments that fail to parse as a
// JSON object yield an empty input object rather than failing the request.
func toolUseBlock(id, name, arguments string) protocol.ContentBlock {
	input := json.RawMessage(arguments)
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(input, &obj); err != nil || obj == nil {
		if len(arguments) > 0 {
			logrus.Debugf("translate: non-object arguments for tool %s, substituting empty object", name)
		}
		input = json.RawMessage("{}")
	}
	return protocol.ContentBlock{Type: protocol.BlockTypeToolUse, ID: id, Name: name, Input: input}
}

// toolResultBlock builds a tool_result block. String content passes
// through raw; anything else is re-serialized.
func toolResultBlock(toolUseID string, content json.RawMessage) protocol.ContentBlock {
	block := protocol.ContentBlock{Type: protocol.BlockTypeToolResult, ToolUseID: toolUseID}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		block.Content = mustRaw(s)
	} else if len(content) > 0 {
		block.Content = mustRaw(string(content))
	} else {
		block.Content = mustRaw("")
	}
	return block
}

func mustRaw(s string) json.RawMessage {
	raw, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	return raw
}

// convertTools maps the OpenAI tool surface (current and legacy) to
// Anthropic definitions, and interprets tool_choice: "none" strips the
// tools entirely, "auto" keeps defaults, and a function object pins one
// tool by name.
func convertTools(req *protocol.ChatCompletionsRequest) ([]protocol.Tool, *protocol.ToolChoice) {
	var tools []protocol.Tool
	for _, t := range req.Tools {
		if t.Type != "function" {
			logrus.Debugf("translate: dropping unsupported tool type %q", t.Type)
			continue
		}
		tools = append(tools, protocol.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	for _, f := range req.Functions {
		tools = append(tools, protocol.Tool{
			Name:        f.Name,
			Description: f.Description,
			InputSchema: f.Parameters,
		})
	}
	if len(tools) == 0 {
		return nil, nil
	}

	choiceRaw := req.ToolChoice
	if len(choiceRaw) == 0 {
		choiceRaw = req.FunctionCall
	}
	if len(choiceRaw) == 0 {
		return tools, nil
	}

	var s string
	if err := json.Unmarshal(choiceRaw, &s); err == nil {
		switch s {
		case "none":
			return nil, nil
		case "auto", "required", "":
			return tools, nil
		default:
			logrus.Warnf("translate: ignoring unknown tool_choice %q", s)
			return tools, nil
		}
	}

	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(choiceRaw, &obj); err != nil {
		logrus.Warnf("translate: ignoring malformed tool_choice: %v", err)
		return tools, nil
	}
	name := obj.Function.Name
	if name == "" {
		name = obj.Name
	}
	if name == "" {
		return tools, nil
	}
	return tools, &protocol.ToolChoice{Type: "tool", Name: name}
}

// parseStop accepts the string and array forms of the OpenAI stop field.
func parseStop(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		logrus.Debugf("translate: ignoring malformed stop field")
		return nil
	}
	return list
}
