package value

import (
	"encoding/base64"
	"time"
)

// ToJSON converts a value into encoding/json-native Go types, for
// dump output and for targets that persist complex values as JSON
// text. Bytes become base64; times become RFC 3339 UTC; tables become
// arrays of row objects with key fields inlined (KTable rows are
// emitted in canonical key order so the output is deterministic).
func ToJSON(v Value) any {
	switch val := v.(type) {
	case nil, Null:
		return nil
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Float:
		return float64(val)
	case Bool:
		return bool(val)
	case Bytes:
		return base64.StdEncoding.EncodeToString(val)
	case Time:
		return time.Time(val).UTC().Format(time.RFC3339Nano)
	case Struct:
		m := make(map[string]any, len(val.Fields))
		for _, f := range val.Fields {
			m[f.Name] = ToJSON(f.Value)
		}
		return m
	case Table:
		rows := val.SortedRows()
		out := make([]any, 0, len(rows))
		for _, r := range rows {
			m := map[string]any{"__key": ToJSON(r.Key)}
			for _, f := range r.Data.Fields {
				m[f.Name] = ToJSON(f.Value)
			}
			out = append(out, m)
		}
		return out
	default:
		return nil
	}
}
