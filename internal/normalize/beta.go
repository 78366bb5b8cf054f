package normalize

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// assembleBetaFlags derives the anthropic-beta header from the
// materialized request and strips the transient extended-context key.
// Client-supplied beta headers are never consulted: some flags request
// tier-restricted features the subscription cannot use.
func assembleBetaFlags(body []byte) ([]byte, string, error) {
	flags := []string{BetaOAuth}

	if gjson.GetBytes(body, ExtendedContextKey).Bool() {
		flags = append(flags, BetaExtendedContext)
		var err error
		if body, err = sjson.DeleteBytes(body, ExtendedContextKey); err != nil {
			return nil, "", err
		}
	}

	if thinkingEnabled(body) {
		flags = append(flags, BetaInterleavedThinking)
	}

	if gjson.GetBytes(body, "tools").IsArray() && !gjson.GetBytes(body, "stream").Bool() {
		flags = append(flags, BetaFineGrainedToolStreaming)
	}

	return body, strings.Join(flags, ","), nil
}
