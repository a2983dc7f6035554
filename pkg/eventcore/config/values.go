package config

import (
	"time"
)

// Values wraps a map[string]any for type-safe value extraction.
// All accessor methods return default values if the key is missing
// or the value cannot be converted to the requested type.
//
// Integration handlers receive their configuration as Values.
type Values struct {
	data map[string]any
}

// NewValues creates Values from the given map.
// If data is nil, empty Values are returned.
func NewValues(data map[string]any) Values {
	if data == nil {
		data = make(map[string]any)
	}
	return Values{data: data}
}

// String returns the string value for key, or defaultVal if missing or not a string.
func (v Values) String(key, defaultVal string) string {
	raw, ok := v.data[key]
	if !ok {
		return defaultVal
	}
	if s, ok := raw.(string); ok {
		return s
	}
	return defaultVal
}

// Duration returns the duration value for key, or defaultVal if missing or invalid.
//
// Accepts:
//   - string: parsed with time.ParseDuration
//   - int, int64, float64: interpreted as milliseconds
//   - time.Duration: used directly
func (v Values) Duration(key string, defaultVal time.Duration) time.Duration {
	raw, ok := v.data[key]
	if !ok {
		return defaultVal
	}

	switch val := raw.(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	case float64:
		return time.Duration(val * float64(time.Millisecond))
	case int:
		return time.Duration(val) * time.Millisecond
	case int64:
		return time.Duration(val) * time.Millisecond
	case time.Duration:
		return val
	}
	return defaultVal
}

// Bool returns the boolean value for key, or defaultVal if missing or not a bool.
func (v Values) Bool(key string, defaultVal bool) bool {
	raw, ok := v.data[key]
	if !ok {
		return defaultVal
	}
	if b, ok := raw.(bool); ok {
		return b
	}
	return defaultVal
}

// Int returns the integer value for key, or defaultVal if missing or not convertible.
// A float64 converts only when it has no fractional part.
func (v Values) Int(key string, defaultVal int) int {
	raw, ok := v.data[key]
	if !ok {
		return defaultVal
	}

	switch val := raw.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		if val == float64(int(val)) {
			return int(val)
		}
	}
	return defaultVal
}

// Float returns the float64 value for key, or defaultVal if missing or not convertible.
func (v Values) Float(key string, defaultVal float64) float64 {
	raw, ok := v.data[key]
	if !ok {
		return defaultVal
	}

	switch val := raw.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	}
	return defaultVal
}

// StringSlice returns the string slice for key, or defaultVal if missing or not convertible.
func (v Values) StringSlice(key string, defaultVal []string) []string {
	raw, ok := v.data[key]
	if !ok {
		return defaultVal
	}

	switch val := raw.(type) {
	case []string:
		return val
	case []any:
		result := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return defaultVal
			}
			result = append(result, s)
		}
		return result
	}
	return defaultVal
}

// Sub returns the nested map under key as Values.
// Missing or non-map values yield empty Values.
func (v Values) Sub(key string) Values {
	raw, ok := v.data[key]
	if !ok {
		return NewValues(nil)
	}
	switch val := raw.(type) {
	case map[string]any:
		return NewValues(val)
	case Values:
		return val
	}
	return NewValues(nil)
}

// Any returns the raw value for key, or defaultVal if missing.
func (v Values) Any(key string, defaultVal any) any {
	raw, ok := v.data[key]
	if !ok {
		return defaultVal
	}
	return raw
}

// Has returns true if the key exists.
func (v Values) Has(key string) bool {
	_, ok := v.data[key]
	return ok
}

// Merge returns new Values holding v overlaid with other.
// Neither input is modified.
func (v Values) Merge(other Values) Values {
	out := make(map[string]any, len(v.data)+len(other.data))
	for k, val := range v.data {
		out[k] = val
	}
	for k, val := range other.data {
		out[k] = val
	}
	return Values{data: out}
}

// Raw returns the underlying map.
// The returned map should not be modified.
func (v Values) Raw() map[string]any {
	return v.data
}
