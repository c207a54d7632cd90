package adapter

import (
	"fmt"
	"math"

	"github.com/KevinKickass/OpenLabCore/internal/transform"
)

// StringParam returns the first non-empty string parameter among keys.
func StringParam(params map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if s, ok := params[key].(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}

// IntParam returns the first numeric parameter among keys. JSON numbers and
// numeric strings are accepted.
func IntParam(params map[string]any, keys ...string) (int, bool) {
	for _, key := range keys {
		v, exists := params[key]
		if !exists {
			continue
		}
		if f, ok := transform.ToFloat(v); ok && f == math.Trunc(f) {
			return int(f), true
		}
	}
	return 0, false
}

// Uint16Param is IntParam restricted to the 0..65535 range.
func Uint16Param(params map[string]any, key string) (uint16, error) {
	n, ok := IntParam(params, key)
	if !ok {
		return 0, fmt.Errorf("parameter %s missing or not an integer", key)
	}
	if n < 0 || n > math.MaxUint16 {
		return 0, fmt.Errorf("parameter %s out of range: %d", key, n)
	}
	return uint16(n), nil
}

// StringsParam accepts a []string or a JSON array of strings.
func StringsParam(params map[string]any, key string) ([]string, bool) {
	switch v := params[key].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
