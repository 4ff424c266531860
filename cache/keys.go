package cache

import (
	"encoding/json"
	"fmt"
)

// GenerateKey derives a deterministic cache key from an endpoint and its
// parameters. encoding/json serializes map keys in sorted order, so
// semantically identical parameter sets collide to the same key regardless
// of how the caller assembled them.
func GenerateKey(endpoint string, params map[string]any) string {
	if len(params) == 0 {
		return endpoint
	}
	serialized, err := json.Marshal(params)
	if err != nil {
		// Unserializable parameters still need a stable-ish key; fall back
		// to the formatted map, which Go prints with sorted keys.
		serialized = []byte(fmt.Sprintf("%v", params))
	}
	return endpoint + "?" + string(serialized)
}
