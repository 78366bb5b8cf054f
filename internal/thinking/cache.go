// Package thinking retains signed thinking blocks between conversation
// turns. The upstream requires the signed block of a prior assistant
// message to be resent when a tool_result refers back to it, but OpenAI
// clients drop reasoning content from history, so the proxy remembers the
// blocks itself, keyed by tool-use id.
package thinking

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tingly-dev/claude-box/internal/protocol"
)

const (
	// DefaultSize bounds how many tool calls can be awaiting their
	// tool_result round-trip at once.
	DefaultSize = 512

	// DefaultTTL is how long a block stays retrievable. Conversations
	// idle longer than this lose restoration and fall back to plain
	// dispatch.
	DefaultTTL = 30 * time.Minute
)

// Cache maps tool-use ids to the signed thinking block that preceded the
// tool call. Entries expire after the TTL and the least recently used
// entry is evicted at capacity.
type Cache struct {
	lru *expirable.LRU[string, protocol.ContentBlock]
}

// NewCache builds a cache with the given capacity and TTL.
func NewCache(size int, ttl time.Duration) *Cache {
	return &Cache{
		lru: expirable.NewLRU[string, protocol.ContentBlock](size, nil, ttl),
	}
}

// NewDefaultCache builds a cache with the default capacity and TTL.
func NewDefaultCache() *Cache {
	return NewCache(DefaultSize, DefaultTTL)
}

// Put stores a block under a tool-use id. Blocks the upstream would not
// accept back are rejected: a thinking block must carry a signature, a
// redacted_thinking block its opaque data. It reports whether the block
// was stored.
func (c *Cache) Put(toolUseID string, block protocol.ContentBlock) bool {
	if toolUseID == "" || !restorable(block) {
		return false
	}
	c.lru.Add(toolUseID, block)
	return true
}

// Get returns the block stored under a tool-use id, if any is present and
// unexpired.
func (c *Cache) Get(toolUseID string) (protocol.ContentBlock, bool) {
	return c.lru.Get(toolUseID)
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

func restorable(block protocol.ContentBlock) bool {
	switch block.Type {
	case protocol.BlockTypeThinking:
		return block.Signature != ""
	case protocol.BlockTypeRedactedThinking:
		return block.Data != ""
	default:
		return false
	}
}
