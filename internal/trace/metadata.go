package trace

import (
	"encoding/json"
	"strconv"
	"strings"
)

// MetadataString returns the trimmed string under key, or "" when the key is
// absent or holds another type.
func MetadataString(metadata map[string]any, key string) string {
	value, _ := metadata[key].(string)
	return strings.TrimSpace(value)
}

// MetadataMap returns the nested object stored under key, if any.
func MetadataMap(metadata map[string]any, key string) map[string]any {
	nested, _ := metadata[key].(map[string]any)
	return nested
}

// CoerceFloat64 widens decoded JSON numbers, Go numeric types and numeric
// strings to float64.
func CoerceFloat64(value any) (float64, bool) {
	var (
		out float64
		err error
	)
	switch n := value.(type) {
	case float64:
		out = n
	case float32:
		out = float64(n)
	case int:
		out = float64(n)
	case int32:
		out = float64(n)
	case int64:
		out = float64(n)
	case json.Number:
		out, err = n.Float64()
	case string:
		out, err = strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, false
	}
	if err != nil {
		return 0, false
	}
	return out, true
}
