package utils

import (
	"bytes"
	"encoding/json"
)

// CompactJSON returns data without insignificant whitespace, or nil when data
// is empty or not valid JSON.
func CompactJSON(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil
	}
	return json.RawMessage(buf.Bytes())
}
