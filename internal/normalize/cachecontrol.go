package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tingly-dev/claude-box/internal/protocol"
)

var ephemeralMarker = json.RawMessage(`{"type":"ephemeral"}`)

// annotateCacheControl attaches prompt-cache breakpoints, staying within
// the upstream limit of four markers per request. Requests already at the
// limit are left alone. Slots are spent in priority order: the last tool
// definition, the last system block, then the last content block of the
// last two user messages, most recent first. A block that already carries
// a marker is skipped without spending a slot.
func annotateCacheControl(body []byte) ([]byte, error) {
	count := countCacheControls(body)
	if count >= maxCacheControls {
		return body, nil
	}
	slots := maxCacheControls - count
	var err error

	if tools := gjson.GetBytes(body, "tools"); tools.IsArray() && slots > 0 {
		if n := len(tools.Array()); n > 0 {
			last := tools.Array()[n-1]
			if !last.Get("cache_control").Exists() {
				path := fmt.Sprintf("tools.%d.cache_control", n-1)
				if body, err = sjson.SetRawBytes(body, path, ephemeralMarker); err != nil {
					return nil, err
				}
				slots--
			}
		}
	}

	if sys := gjson.GetBytes(body, "system"); sys.IsArray() && slots > 0 {
		if n := len(sys.Array()); n > 0 {
			last := sys.Array()[n-1]
			if !last.Get("cache_control").Exists() {
				path := fmt.Sprintf("system.%d.cache_control", n-1)
				if body, err = sjson.SetRawBytes(body, path, ephemeralMarker); err != nil {
					return nil, err
				}
				slots--
			}
		}
	}

	msgs := gjson.GetBytes(body, "messages").Array()
	seen := 0
	for i := len(msgs) - 1; i >= 0 && slots > 0 && seen < 2; i-- {
		if msgs[i].Get("role").String() != "user" {
			continue
		}
		seen++

		contentPath := fmt.Sprintf("messages.%d.content", i)
		content := gjson.GetBytes(body, contentPath)
		switch {
		case content.Type == gjson.String:
			logrus.Debugf("normalize: promoting string content of message %d for cache marker", i)
			promoted := mustJSON([]protocol.ContentBlock{{
				Type:         protocol.BlockTypeText,
				Text:         content.String(),
				CacheControl: &protocol.CacheControl{Type: "ephemeral"},
			}})
			if body, err = sjson.SetRawBytes(body, contentPath, promoted); err != nil {
				return nil, err
			}
			slots--

		case content.IsArray():
			n := len(content.Array())
			if n == 0 {
				continue
			}
			if content.Array()[n-1].Get("cache_control").Exists() {
				continue
			}
			path := fmt.Sprintf("%s.%d.cache_control", contentPath, n-1)
			if body, err = sjson.SetRawBytes(body, path, ephemeralMarker); err != nil {
				return nil, err
			}
			slots--
		}
	}

	return body, nil
}

// countCacheControls tallies markers everywhere the upstream counts them:
// tool definitions, system blocks, and message content blocks.
func countCacheControls(body []byte) int {
	count := 0
	for _, tool := range gjson.GetBytes(body, "tools").Array() {
		if tool.Get("cache_control").Exists() {
			count++
		}
	}
	if sys := gjson.GetBytes(body, "system"); sys.IsArray() {
		for _, block := range sys.Array() {
			if block.Get("cache_control").Exists() {
				count++
			}
		}
	}
	for _, msg := range gjson.GetBytes(body, "messages").Array() {
		content := msg.Get("content")
		if !content.IsArray() {
			continue
		}
		for _, block := range content.Array() {
			if block.Get("cache_control").Exists() {
				count++
			}
		}
	}
	return count
}
