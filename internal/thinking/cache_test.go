package thinking

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tingly-dev/claude-box/internal/protocol"
)

func signedBlock(text string) protocol.ContentBlock {
	return protocol.ContentBlock{
		Type:      protocol.BlockTypeThinking,
		Thinking:  text,
		Signature: "sig-" + text,
	}
}

func TestCachePutGetRoundTrip(t *testing.T) {
	c := NewDefaultCache()
	block := signedBlock("let me think")

	require.True(t, c.Put("toolu_01", block))

	got, ok := c.Get("toolu_01")
	require.True(t, ok)
	assert.Equal(t, block, got)
}

func TestCacheRejectsUnsignedThinking(t *testing.T) {
	c := NewDefaultCache()

	ok := c.Put("toolu_01", protocol.ContentBlock{
		Type:     protocol.BlockTypeThinking,
		Thinking: "no signature attached",
	})

	assert.False(t, ok)
	_, found := c.Get("toolu_01")
	assert.False(t, found)
}

func TestCacheRejectsNonThinkingBlocks(t *testing.T) {
	c := NewDefaultCache()

	assert.False(t, c.Put("toolu_01", protocol.ContentBlock{
		Type: protocol.BlockTypeText,
		Text: "plain text",
	}))
	assert.False(t, c.Put("", signedBlock("empty key")))
}

func TestCacheAcceptsRedactedThinkingWithData(t *testing.T) {
	c := NewDefaultCache()
	block := protocol.ContentBlock{
		Type: protocol.BlockTypeRedactedThinking,
		Data: "opaque-payload",
	}

	require.True(t, c.Put("toolu_02", block))

	got, ok := c.Get("toolu_02")
	require.True(t, ok)
	assert.Equal(t, block, got)

	assert.False(t, c.Put("toolu_03", protocol.ContentBlock{
		Type: protocol.BlockTypeRedactedThinking,
	}))
}

func TestCacheEntriesExpireAfterTTL(t *testing.T) {
	c := NewCache(8, 50*time.Millisecond)
	require.True(t, c.Put("toolu_01", signedBlock("short lived")))

	got, ok := c.Get("toolu_01")
	require.True(t, ok)
	assert.Equal(t, "short lived", got.Thinking)

	time.Sleep(80 * time.Millisecond)

	_, ok = c.Get("toolu_01")
	assert.False(t, ok)
}

func TestCacheEvictsOldestAtCapacity(t *testing.T) {
	c := NewCache(2, time.Minute)

	for i := 0; i < 3; i++ {
		require.True(t, c.Put(fmt.Sprintf("toolu_%d", i), signedBlock(fmt.Sprintf("b%d", i))))
	}

	_, ok := c.Get("toolu_0")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = c.Get("toolu_2")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}
