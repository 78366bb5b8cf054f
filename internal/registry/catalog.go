package registry

// baseModel declares one Anthropic model the gateway exposes. The catalog
// is expanded at construction: reasoning-capable bases grow three
// -reasoning-* variants, extended-context declarations grow a -1m variant,
// and upstream ids register as hidden aliases.
type baseModel struct {
	ID                  string
	UpstreamID          string
	Created             int64
	ContextLength       int
	MaxCompletionTokens int
	Reasoning           bool
	ExtendedContext     bool
}

var baseCatalog = []baseModel{
	{
		ID:                  "opus-4-1",
		UpstreamID:          "claude-opus-4-1-20250805",
		Created:             1754352000,
		ContextLength:       200000,
		MaxCompletionTokens: 32000,
		Reasoning:           true,
	},
	{
		ID:                  "sonnet-4-5",
		UpstreamID:          "claude-sonnet-4-5-20250929",
		Created:             1759104000,
		ContextLength:       200000,
		MaxCompletionTokens: 64000,
		Reasoning:           true,
		ExtendedContext:     true,
	},
	{
		ID:                  "haiku-4-5",
		UpstreamID:          "claude-haiku-4-5-20251001",
		Created:             1759276800,
		ContextLength:       200000,
		MaxCompletionTokens: 64000,
		Reasoning:           true,
	},
}

// reasoningSuffixes are the listing-visible variants synthesized per
// reasoning-capable base, in listing order.
var reasoningSuffixes = []ReasoningLevel{LevelLow, LevelMedium, LevelHigh}
