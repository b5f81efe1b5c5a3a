package plugin

import (
	"fmt"
	"time"
)

// Option helpers read plugin configuration maps. Values may come from YAML
// (int) or JSON (float64), so numeric getters accept both.

// IntOption returns config[key] as an int, or def when absent.
func IntOption(config map[string]any, key string, def int) (int, error) {
	v, ok := config[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%s: %v is not an integer", key, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%s: expected number, got %T", key, v)
	}
}

// StringOption returns config[key] as a string, or def when absent.
func StringOption(config map[string]any, key, def string) (string, error) {
	v, ok := config[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: expected string, got %T", key, v)
	}
	return s, nil
}

// BoolOption returns config[key] as a bool, or def when absent.
func BoolOption(config map[string]any, key string, def bool) (bool, error) {
	v, ok := config[key]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s: expected bool, got %T", key, v)
	}
	return b, nil
}

// DurationOption parses config[key] with time.ParseDuration.
func DurationOption(config map[string]any, key string, def time.Duration) (time.Duration, error) {
	s, err := StringOption(config, key, "")
	if err != nil || s == "" {
		return def, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// StringsOption returns config[key] as a string slice.
func StringsOption(config map[string]any, key string) ([]string, error) {
	v, ok := config[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s: invalid type %T at index %d", key, item, i)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s: expected list, got %T", key, v)
	}
}
