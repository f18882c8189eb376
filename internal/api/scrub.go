package api

import "math"

// scrubNonFinite replaces NaN and ±Inf floats with nil throughout decoded
// JSON-like values. encoding/json refuses to encode them.
func scrubNonFinite(v any) any {
	switch value := v.(type) {
	case float64:
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return nil
		}
		return value
	case float32:
		return scrubNonFinite(float64(value))
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = scrubNonFinite(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = scrubNonFinite(item)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = scrubNonFinite(item)
		}
		return out
	default:
		return v
	}
}

func finiteScores(scores map[string]float64) map[string]*float64 {
	out := make(map[string]*float64, len(scores))
	for name, score := range scores {
		if math.IsNaN(score) || math.IsInf(score, 0) {
			out[name] = nil
			continue
		}
		s := score
		out[name] = &s
	}
	return out
}
