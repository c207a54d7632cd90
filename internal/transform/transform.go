// Package transform turns raw device payloads into canonical readings using a
// declarative field mapping (rename, scale/offset, type coercion).
package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/KevinKickass/OpenLabCore/internal/types"
)

// Apply maps payload onto a Reading. Without a spec, object payloads are
// copied field by field and scalars land under "value".
func Apply(spec *types.TransformSpec, payload any) (types.Reading, error) {
	reading := types.Reading{Values: make(map[string]any)}

	if spec == nil || len(spec.Fields) == 0 {
		copyFields(reading.Values, payload, nil)
		return reading, nil
	}

	used := make(map[string]bool)
	for _, rule := range spec.Fields {
		raw, ok := Lookup(payload, rule.Source)
		if !ok {
			continue
		}
		used[strings.SplitN(rule.Source, ".", 2)[0]] = true

		value, err := convert(rule, raw)
		if err != nil {
			return types.Reading{}, fmt.Errorf("field %s: %w", rule.Source, err)
		}

		target := rule.Target
		if target == "" {
			target = lastSegment(rule.Source)
		}
		reading.Values[target] = value

		if rule.Unit != "" {
			if reading.Units == nil {
				reading.Units = make(map[string]string)
			}
			reading.Units[target] = rule.Unit
		}
	}

	if spec.KeepUnmapped {
		copyFields(reading.Values, payload, used)
	}

	return reading, nil
}

// Decode parses a wire payload as JSON, falling back to the trimmed text.
func Decode(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return strings.TrimSpace(string(raw))
}

// Lookup resolves a dot path such as "sensors.0.temp" inside decoded JSON.
func Lookup(payload any, path string) (any, bool) {
	if path == "" {
		return payload, true
	}

	current := payload
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

func convert(rule types.FieldRule, raw any) (any, error) {
	numeric := rule.Type == "number" || rule.Scale != 0 || rule.Offset != 0

	switch {
	case numeric:
		f, ok := ToFloat(raw)
		if !ok {
			return nil, fmt.Errorf("not a number: %v", raw)
		}
		scale := rule.Scale
		if scale == 0 {
			scale = 1.0
		}
		return f*scale + rule.Offset, nil
	case rule.Type == "string":
		return fmt.Sprint(raw), nil
	case rule.Type == "bool":
		return toBool(raw)
	default:
		return raw, nil
	}
}

// ToFloat accepts JSON numbers, Go numeric types and numeric strings.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(b))
	}
	if f, ok := ToFloat(v); ok {
		return f != 0, nil
	}
	return false, fmt.Errorf("not a bool: %v", v)
}

func copyFields(dst map[string]any, payload any, skip map[string]bool) {
	obj, ok := payload.(map[string]any)
	if !ok {
		if _, exists := dst["value"]; !exists && payload != nil {
			dst["value"] = payload
		}
		return
	}
	for k, v := range obj {
		if skip[k] {
			continue
		}
		if _, exists := dst[k]; exists {
			continue
		}
		dst[k] = v
	}
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[i+1:]
	}
	return path
}
