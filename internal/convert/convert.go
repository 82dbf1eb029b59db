// Package convert turns untrusted telemetry values into typed values. No
// function in this package panics; failures are reported through the ok
// result or by returning the supplied default.
package convert

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// String renders v as a trimmed string.
func String(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case []byte:
		return strings.TrimSpace(string(val))
	case fmt.Stringer:
		return strings.TrimSpace(val.String())
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == math.Trunc(val) && fitsInt64(val) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", val))
	}
}

// Int parses v as an integer. Float strings are truncated.
func Int(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int64:
		return val, true
	case float64:
		if !fitsInt64(val) {
			return 0, false
		}
		return int64(val), true
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0, false
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		if f, ok := Float(s); ok && fitsInt64(f) {
			return int64(f), true
		}
	}
	return 0, false
}

// fitsInt64 reports whether f truncates to an int64 without overflow. NaN
// never fits.
func fitsInt64(f float64) bool {
	return math.Abs(f) < 1<<63
}

// Float parses v as a finite float.
func Float(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return 0, false
		}
		return val, true
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// Bool parses common boolean spellings used by node firmware.
func Bool(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case int, int64, float64:
		n, ok := Int(val)
		return n != 0, ok
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "true", "yes", "on", "ok", "up":
			return true, true
		case "0", "false", "no", "off", "down", "failed":
			return false, true
		}
	}
	return false, false
}

// IntOr returns the parsed integer or def.
func IntOr(v interface{}, def int64) int64 {
	if n, ok := Int(v); ok {
		return n
	}
	return def
}

// FloatOr returns the parsed float or def.
func FloatOr(v interface{}, def float64) float64 {
	if f, ok := Float(v); ok {
		return f
	}
	return def
}

// BoolOr returns the parsed boolean or def.
func BoolOr(v interface{}, def bool) bool {
	if b, ok := Bool(v); ok {
		return b
	}
	return def
}

// Lookup walks a dotted path through nested maps.
func Lookup(root map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = root
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}
