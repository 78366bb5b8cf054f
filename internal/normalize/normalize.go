// Package normalize rewrites Anthropic-shaped request bodies into the form
// the hosted API accepts from a first-party client. It operates on raw JSON
// so fields it does not know about pass through untouched.
package normalize

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/tingly-dev/claude-box/internal/thinking"
)

// Spoof sentinel recognized by the upstream as the first-party system prompt.
const SpoofSentinel = "You are Claude Code, Anthropic's official CLI for Claude."

// Capability opt-in flags assembled into the anthropic-beta header.
const (
	BetaOAuth                    = "oauth-2025-04-20"
	BetaExtendedContext          = "context-1m-2025-08-07"
	BetaInterleavedThinking      = "interleaved-thinking-2025-05-14"
	BetaFineGrainedToolStreaming = "fine-grained-tool-streaming-2025-05-14"
)

// ExtendedContextKey is a transient body key set during model resolution
// and consumed by beta-flag assembly. It never reaches the upstream.
const ExtendedContextKey = "x_extended_context"

const maxCacheControls = 4

// Result is a normalized request ready for dispatch.
type Result struct {
	// Body is the rewritten request body.
	Body []byte

	// BetaHeader is the comma-joined anthropic-beta header value.
	BetaHeader string
}

// Normalizer applies the fixed normalization pipeline. The thinking cache
// is optional; without it the restoration step is skipped.
type Normalizer struct {
	cache *thinking.Cache
}

// New builds a Normalizer. cache may be nil.
func New(cache *thinking.Cache) *Normalizer {
	return &Normalizer{cache: cache}
}

// Normalize runs the pipeline: thinking restoration, parameter
// sanitization, thinking-constrained tightening, system spoof injection,
// prompt-cache annotation, beta-flag assembly. The pipeline is idempotent
// on the body.
func (n *Normalizer) Normalize(body []byte) (*Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("request body is not valid JSON")
	}

	body = n.restoreThinking(body)

	body, err := sanitizeParameters(body)
	if err != nil {
		return nil, fmt.Errorf("sanitize parameters: %w", err)
	}

	body, err = tightenForThinking(body)
	if err != nil {
		return nil, fmt.Errorf("tighten thinking constraints: %w", err)
	}

	body, err = injectSystemSpoof(body)
	if err != nil {
		return nil, fmt.Errorf("inject system spoof: %w", err)
	}

	body, err = annotateCacheControl(body)
	if err != nil {
		return nil, fmt.Errorf("annotate cache control: %w", err)
	}

	body, betaHeader, err := assembleBetaFlags(body)
	if err != nil {
		return nil, fmt.Errorf("assemble beta flags: %w", err)
	}

	return &Result{Body: body, BetaHeader: betaHeader}, nil
}

func thinkingEnabled(body []byte) bool {
	return gjson.GetBytes(body, "thinking.type").String() == "enabled"
}
