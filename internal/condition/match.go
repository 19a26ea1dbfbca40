package condition

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/harunnryd/karakuri/internal/domain"
)

// MatchStructural reports whether every condition resolves in data to an
// equal value. Empty conditions match everything.
func MatchStructural(data map[string]any, conds domain.Conditions) bool {
	for _, cond := range conds {
		actual, ok := Lookup(data, cond.Path)
		if !ok || !Equal(cond.Value, actual) {
			return false
		}
	}
	return true
}

// Lookup resolves a dotted path through nested objects. A key that itself
// contains dots is matched literally before the path is split. Arrays are
// never indexed.
func Lookup(data map[string]any, path string) (any, bool) {
	cur := data
	rest := path
	for cur != nil {
		if v, ok := cur[rest]; ok {
			return v, true
		}
		head, tail, found := strings.Cut(rest, ".")
		if !found {
			return nil, false
		}
		next, ok := cur[head]
		if !ok {
			return nil, false
		}
		cur = asObject(next)
		rest = tail
	}
	return nil, false
}

func asObject(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out
	default:
		return nil
	}
}

// Equal compares an expected condition value with an event value. Numbers
// compare by value regardless of Go type; strings never equal numbers.
func Equal(expected, actual any) bool {
	return reflect.DeepEqual(normalize(expected), normalize(actual))
}

func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = e
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = e
		}
		return out
	default:
		return v
	}
}
