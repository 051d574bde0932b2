package chain

import (
	"bytes"
	"encoding/json"
)

// extractABI returns the "abi" field of a compiler artifact, or data as-is
// when it is already a bare ABI array.
func extractABI(data []byte) string {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return string(trimmed)
	}
	var artifact struct {
		ABI json.RawMessage `json:"abi"`
	}
	if err := json.Unmarshal(trimmed, &artifact); err != nil || len(artifact.ABI) == 0 {
		return string(trimmed)
	}
	return string(artifact.ABI)
}
