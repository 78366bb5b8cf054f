package normalize

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tingly-dev/claude-box/internal/protocol"
)

// restoreThinking re-inserts the signed thinking block that preceded a
// tool call when the incoming turn answers it with a tool_result. The
// upstream rejects tool_result turns whose prior assistant message lost
// its thinking head, and OpenAI clients do not resend reasoning content.
// A cache miss leaves the request as-is; the upstream's verdict is
// surfaced like any other error.
func (n *Normalizer) restoreThinking(body []byte) []byte {
	if n.cache == nil || !thinkingEnabled(body) {
		return body
	}

	msgs := gjson.GetBytes(body, "messages").Array()
	if len(msgs) == 0 {
		return body
	}
	last := msgs[len(msgs)-1]
	if last.Get("role").String() != "user" {
		return body
	}
	content := last.Get("content")
	if !content.IsArray() {
		return body
	}

	var ids []string
	for _, block := range content.Array() {
		if block.Get("type").String() == protocol.BlockTypeToolResult {
			if id := block.Get("tool_use_id").String(); id != "" {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return body
	}

	assistantIdx := -1
	for i := len(msgs) - 2; i >= 0; i-- {
		if msgs[i].Get("role").String() == "assistant" {
			assistantIdx = i
			break
		}
	}
	if assistantIdx < 0 {
		return body
	}

	contentPath := fmt.Sprintf("messages.%d.content", assistantIdx)
	assistantContent := gjson.GetBytes(body, contentPath)

	if assistantContent.IsArray() {
		if arr := assistantContent.Array(); len(arr) > 0 {
			switch arr[0].Get("type").String() {
			case protocol.BlockTypeThinking, protocol.BlockTypeRedactedThinking:
				return body
			}
		}
	}

	var cached protocol.ContentBlock
	hit := ""
	for _, id := range ids {
		if block, ok := n.cache.Get(id); ok {
			cached = block
			hit = id
			break
		}
	}
	if hit == "" {
		logrus.Debugf("normalize: no cached thinking block for tool results %v", ids)
		return body
	}

	var out []byte
	var err error
	if assistantContent.Type == gjson.String {
		blocks := []protocol.ContentBlock{cached}
		if text := assistantContent.String(); text != "" {
			blocks = append(blocks, protocol.ContentBlock{Type: protocol.BlockTypeText, Text: text})
		}
		out, err = sjson.SetRawBytes(body, contentPath, mustJSON(blocks))
	} else {
		out, err = prependRaw(body, contentPath, mustJSON(cached))
	}
	if err != nil {
		logrus.Debugf("normalize: thinking restoration failed: %v", err)
		return body
	}
	logrus.Debugf("normalize: restored thinking block for tool call %s", hit)
	return out
}
