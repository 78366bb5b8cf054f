package normalize

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tingly-dev/claude-box/internal/protocol"
)

// SetModel rewrites the model field to a resolved upstream id.
func SetModel(body []byte, upstreamID string) ([]byte, error) {
	return sjson.SetBytes(body, "model", upstreamID)
}

// EnsureThinking installs a thinking configuration for a reasoning-variant
// model. A thinking field configured by the client wins.
func EnsureThinking(body []byte, budgetTokens int) ([]byte, error) {
	if v := gjson.GetBytes(body, "thinking"); v.Exists() && v.Type != gjson.Null {
		return body, nil
	}
	return sjson.SetBytes(body, "thinking", protocol.ThinkingConfig{
		Type:         "enabled",
		BudgetTokens: budgetTokens,
	})
}

// MarkExtendedContext sets the transient flag consumed and stripped by
// beta-flag assembly.
func MarkExtendedContext(body []byte) ([]byte, error) {
	return sjson.SetBytes(body, ExtendedContextKey, true)
}
