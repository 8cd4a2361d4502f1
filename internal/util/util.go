package util

import (
	"fmt"
	"strings"
	"time"
)

func TagMatch(inputTag, match string) bool {
	// Split the pattern by '*' and get the parts.
	if match == "" && inputTag != "" {
		return false
	}
	parts := strings.Split(match, "*")

	// Keep track of the current position in the input string.
	pos := 0

	for i, part := range parts {
		if part == "" {
			continue
		}

		// If it's the first part, the input string must start with this part.
		if i == 0 && !strings.HasPrefix(inputTag, part) {
			return false
		}

		// If it's the last part, the input string must end with this part.
		if i == len(parts)-1 && !strings.HasSuffix(inputTag, part) {
			return false
		}

		// Find the next occurrence of the part in the input string starting from `pos`.
		index := strings.Index(inputTag[pos:], part)
		if index == -1 {
			return false
		}

		// Move the position forward.
		pos += index + len(part)
	}

	return true
}

func MergeMaps(m1, m2 map[string]any) map[string]any {
	for k, v := range m2 {
		m1[k] = v
	}
	return m1
}

// MustString converts a decoded config value to a string. It panics on any
// other type, so plugins only use it for keys documented as strings.
func MustString(data any) string {
	if data == nil {
		return ""
	}
	stringData, ok := data.(string)
	if !ok {
		panic(fmt.Sprintf("cant convert %T to string", data))
	}
	return stringData
}

// IntOr returns data as an int, or def when it is unset.
func IntOr(data any, def int) (int, error) {
	switch v := data.(type) {
	case nil:
		return def, nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, fmt.Errorf("%v is not a whole number", v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("cant convert %T to int", data)
	}
}

// BoolOr returns data as a bool, or def when it is unset.
func BoolOr(data any, def bool) (bool, error) {
	switch v := data.(type) {
	case nil:
		return def, nil
	case bool:
		return v, nil
	default:
		return false, fmt.Errorf("cant convert %T to bool", data)
	}
}

// DurationOr accepts a Go duration string ("1.5s") or a number of seconds.
func DurationOr(data any, def time.Duration) (time.Duration, error) {
	switch v := data.(type) {
	case nil:
		return def, nil
	case time.Duration:
		return v, nil
	case string:
		if v == "" {
			return def, nil
		}
		return time.ParseDuration(v)
	case int:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("cant convert %T to duration", data)
	}
}
