package ports

import "strconv"

// Float reads a numeric parameter, accepting JSON numbers and strings.
func Float(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// Int reads an integer parameter.
func Int(params map[string]any, key string, def int) int {
	return int(Float(params, key, float64(def)))
}

// Bool reads a boolean parameter.
func Bool(params map[string]any, key string, def bool) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
