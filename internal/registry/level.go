package registry

import (
	"github.com/tingly-dev/claude-box/internal/constant"
)

// ReasoningLevel is the discrete reasoning-effort knob carried by the
// synthesized -reasoning-* model variants.
type ReasoningLevel string

const (
	LevelNone    ReasoningLevel = ""
	LevelMinimal ReasoningLevel = "minimal"
	LevelLow     ReasoningLevel = "low"
	LevelMedium  ReasoningLevel = "medium"
	LevelHigh    ReasoningLevel = "high"
)

// ParseLevel maps a reasoning-effort string to a level. Unknown values
// yield LevelNone and false.
func ParseLevel(s string) (ReasoningLevel, bool) {
	switch ReasoningLevel(s) {
	case LevelMinimal:
		return LevelMinimal, true
	case LevelLow:
		return LevelLow, true
	case LevelMedium:
		return LevelMedium, true
	case LevelHigh:
		return LevelHigh, true
	default:
		return LevelNone, false
	}
}

// BudgetTokens returns the thinking-token budget the level maps to.
func (l ReasoningLevel) BudgetTokens() int {
	switch l {
	case LevelMinimal, LevelLow:
		return constant.ThinkingBudgetLow
	case LevelMedium:
		return constant.ThinkingBudgetMedium
	case LevelHigh:
		return constant.ThinkingBudgetHigh
	default:
		return 0
	}
}
