package normalize

import (
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tingly-dev/claude-box/internal/protocol"
)

// injectSystemSpoof places the first-party sentinel at the head of the
// system field. String systems are promoted to block sequences; a sentinel
// already at the head is left alone, so the step is a fixed point.
func injectSystemSpoof(body []byte) ([]byte, error) {
	sentinel := mustJSON(protocol.ContentBlock{Type: protocol.BlockTypeText, Text: SpoofSentinel})

	sys := gjson.GetBytes(body, "system")
	switch {
	case !sys.Exists():
		return sjson.SetRawBytes(body, "system", mustJSON([]protocol.ContentBlock{
			{Type: protocol.BlockTypeText, Text: SpoofSentinel},
		}))

	case sys.Type == gjson.String:
		logrus.Debug("normalize: promoting string system prompt to block sequence")
		blocks := []protocol.ContentBlock{{Type: protocol.BlockTypeText, Text: SpoofSentinel}}
		if text := sys.String(); text != "" && text != SpoofSentinel {
			blocks = append(blocks, protocol.ContentBlock{Type: protocol.BlockTypeText, Text: text})
		}
		return sjson.SetRawBytes(body, "system", mustJSON(blocks))

	case sys.IsArray():
		head := gjson.GetBytes(body, "system.0")
		if head.Get("type").String() == protocol.BlockTypeText && head.Get("text").String() == SpoofSentinel {
			return body, nil
		}
		return prependRaw(body, "system", sentinel)

	default:
		// Unrecognized shape - replace rather than forward something the
		// upstream would reject.
		logrus.Debugf("normalize: replacing malformed system field %s", sys.Raw)
		return sjson.SetRawBytes(body, "system", mustJSON([]protocol.ContentBlock{
			{Type: protocol.BlockTypeText, Text: SpoofSentinel},
		}))
	}
}
