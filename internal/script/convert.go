package script

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
)

// ToStarlark converts a decoded JSON-like Go value into a Starlark value.
// Map keys are inserted in sorted order so iteration is deterministic.
func ToStarlark(v any) (starlark.Value, error) {
	switch x := v.(type) {
	case nil:
		return starlark.None, nil
	case starlark.Value:
		return x, nil
	case bool:
		return starlark.Bool(x), nil
	case string:
		return starlark.String(x), nil
	case int:
		return starlark.MakeInt(x), nil
	case int8:
		return starlark.MakeInt64(int64(x)), nil
	case int16:
		return starlark.MakeInt64(int64(x)), nil
	case int32:
		return starlark.MakeInt64(int64(x)), nil
	case int64:
		return starlark.MakeInt64(x), nil
	case uint:
		return starlark.MakeUint64(uint64(x)), nil
	case uint8:
		return starlark.MakeUint64(uint64(x)), nil
	case uint16:
		return starlark.MakeUint64(uint64(x)), nil
	case uint32:
		return starlark.MakeUint64(uint64(x)), nil
	case uint64:
		return starlark.MakeUint64(x), nil
	case float32:
		return starlark.Float(x), nil
	case float64:
		return starlark.Float(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return starlark.MakeInt64(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", x, err)
		}
		return starlark.Float(f), nil
	case time.Time:
		return starlark.String(x.UTC().Format(time.RFC3339Nano)), nil
	case []any:
		elems := make([]starlark.Value, 0, len(x))
		for i, e := range x {
			sv, err := ToStarlark(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case []string:
		elems := make([]starlark.Value, 0, len(x))
		for _, e := range x {
			elems = append(elems, starlark.String(e))
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := starlark.NewDict(len(x))
		for _, k := range keys {
			sv, err := ToStarlark(x[k])
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	case map[string]string:
		generic := make(map[string]any, len(x))
		for k, s := range x {
			generic[k] = s
		}
		return ToStarlark(generic)
	default:
		// Structs and other typed values go through their JSON form.
		raw, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("unsupported value of type %T: %w", v, err)
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, err
		}
		return ToStarlark(generic)
	}
}

// ToGo converts a Starlark value back into plain Go data suitable for JSON.
func ToGo(v starlark.Value) any {
	switch x := v.(type) {
	case nil, starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(x)
	case starlark.Int:
		if i, ok := x.Int64(); ok {
			return i
		}
		return x.String()
	case starlark.Float:
		return float64(x)
	case starlark.String:
		return string(x)
	case *starlark.List:
		out := make([]any, 0, x.Len())
		for i := 0; i < x.Len(); i++ {
			out = append(out, ToGo(x.Index(i)))
		}
		return out
	case starlark.Tuple:
		out := make([]any, 0, len(x))
		for _, e := range x {
			out = append(out, ToGo(e))
		}
		return out
	case *starlark.Dict:
		out := make(map[string]any, x.Len())
		for _, item := range x.Items() {
			key := item[0]
			if s, ok := key.(starlark.String); ok {
				out[string(s)] = ToGo(item[1])
			} else {
				out[key.String()] = ToGo(item[1])
			}
		}
		return out
	case *starlark.Set:
		out := make([]any, 0, x.Len())
		iter := x.Iterate()
		defer iter.Done()
		var e starlark.Value
		for iter.Next(&e) {
			out = append(out, ToGo(e))
		}
		return out
	default:
		return v.String()
	}
}
