package normalize

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// prependRaw sets path to an array beginning with head followed by the
// existing elements at path. A non-array existing value is discarded.
func prependRaw(body []byte, path string, head json.RawMessage) ([]byte, error) {
	elems := []json.RawMessage{head}
	if existing := gjson.GetBytes(body, path); existing.IsArray() {
		for _, e := range existing.Array() {
			elems = append(elems, json.RawMessage(e.Raw))
		}
	}
	raw, err := json.Marshal(elems)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(body, path, raw)
}

// mustJSON marshals a value known to be encodable.
func mustJSON(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
