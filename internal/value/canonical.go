package value

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Canonical encoding: a deterministic, self-describing binary form
// used for fingerprinting and for storing cached results.
//
// Rules that make it canonical:
//   - strings are NFC normalized before encoding
//   - struct fields are encoded sorted by field name
//   - KTable rows are encoded sorted by the canonical form of the key
//   - times are encoded as their UTC instant (UnixNano)
//   - floats are encoded as raw IEEE-754 bits
//
// Two values with the same canonical bytes are the same value as far
// as the engine is concerned; everything incremental hangs off that.

const (
	tagNull byte = iota
	tagFalse
	tagTrue
	tagInt
	tagFloat
	tagString
	tagBytes
	tagTime
	tagStruct
	tagLTable
	tagKTable
)

// AppendCanonical appends the canonical encoding of v to dst.
func AppendCanonical(dst []byte, v Value) []byte {
	switch val := v.(type) {
	case nil, Null:
		return append(dst, tagNull)
	case Bool:
		if val {
			return append(dst, tagTrue)
		}
		return append(dst, tagFalse)
	case Int:
		dst = append(dst, tagInt)
		return binary.BigEndian.AppendUint64(dst, uint64(val))
	case Float:
		dst = append(dst, tagFloat)
		return binary.BigEndian.AppendUint64(dst, math.Float64bits(float64(val)))
	case String:
		s := norm.NFC.String(string(val))
		dst = append(dst, tagString)
		dst = binary.AppendUvarint(dst, uint64(len(s)))
		return append(dst, s...)
	case Bytes:
		dst = append(dst, tagBytes)
		dst = binary.AppendUvarint(dst, uint64(len(val)))
		return append(dst, val...)
	case Time:
		dst = append(dst, tagTime)
		return binary.BigEndian.AppendUint64(dst, uint64(time.Time(val).UTC().UnixNano()))
	case Struct:
		dst = append(dst, tagStruct)
		fields := sortedFields(val.Fields)
		dst = binary.AppendUvarint(dst, uint64(len(fields)))
		for _, f := range fields {
			name := norm.NFC.String(f.Name)
			dst = binary.AppendUvarint(dst, uint64(len(name)))
			dst = append(dst, name...)
			dst = AppendCanonical(dst, f.Value)
		}
		return dst
	case Table:
		if val.Kind == KTableKind {
			dst = append(dst, tagKTable)
		} else {
			dst = append(dst, tagLTable)
		}
		rows := val.SortedRows()
		dst = binary.AppendUvarint(dst, uint64(len(rows)))
		for _, r := range rows {
			dst = AppendCanonical(dst, r.Key)
			dst = AppendCanonical(dst, r.Data)
		}
		return dst
	default:
		// Sealed interface: unreachable unless a new type is added
		// without updating this switch.
		panic(fmt.Sprintf("value: cannot canonically encode %T", v))
	}
}

// Encode returns the canonical encoding of v.
func Encode(v Value) []byte {
	return AppendCanonical(nil, v)
}

func sortedFields(fields []Field) []Field {
	sorted := true
	for i := 1; i < len(fields); i++ {
		if fields[i-1].Name > fields[i].Name {
			sorted = false
			break
		}
	}
	if sorted {
		return fields
	}
	out := make([]Field, len(fields))
	copy(out, fields)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Name > out[j].Name; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Decode parses a canonical encoding back into a Value. The encoding
// is self-describing, so no schema is needed. Used by the cache store
// to round-trip memoized transformation outputs.
func Decode(data []byte) (Value, error) {
	v, rest, err := decode(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("decode value: %d trailing bytes", len(rest))
	}
	return v, nil
}

func decode(data []byte) (Value, []byte, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("decode value: empty input")
	}
	tag, data := data[0], data[1:]
	switch tag {
	case tagNull:
		return Null{}, data, nil
	case tagFalse:
		return Bool(false), data, nil
	case tagTrue:
		return Bool(true), data, nil
	case tagInt:
		if len(data) < 8 {
			return nil, nil, fmt.Errorf("decode int: truncated")
		}
		return Int(int64(binary.BigEndian.Uint64(data[:8]))), data[8:], nil
	case tagFloat:
		if len(data) < 8 {
			return nil, nil, fmt.Errorf("decode float: truncated")
		}
		return Float(math.Float64frombits(binary.BigEndian.Uint64(data[:8]))), data[8:], nil
	case tagString:
		b, rest, err := decodeBlob(data)
		if err != nil {
			return nil, nil, fmt.Errorf("decode string: %w", err)
		}
		return String(b), rest, nil
	case tagBytes:
		b, rest, err := decodeBlob(data)
		if err != nil {
			return nil, nil, fmt.Errorf("decode bytes: %w", err)
		}
		out := make([]byte, len(b))
		copy(out, b)
		return Bytes(out), rest, nil
	case tagTime:
		if len(data) < 8 {
			return nil, nil, fmt.Errorf("decode time: truncated")
		}
		ns := int64(binary.BigEndian.Uint64(data[:8]))
		return Time(time.Unix(0, ns).UTC()), data[8:], nil
	case tagStruct:
		n, rest, err := decodeCount(data)
		if err != nil {
			return nil, nil, fmt.Errorf("decode struct: %w", err)
		}
		fields := make([]Field, 0, n)
		for i := 0; i < n; i++ {
			var name []byte
			name, rest, err = decodeBlob(rest)
			if err != nil {
				return nil, nil, fmt.Errorf("decode struct field name: %w", err)
			}
			var fv Value
			fv, rest, err = decode(rest)
			if err != nil {
				return nil, nil, fmt.Errorf("decode struct field %q: %w", name, err)
			}
			fields = append(fields, Field{Name: string(name), Value: fv})
		}
		return Struct{Fields: fields}, rest, nil
	case tagLTable, tagKTable:
		kind := LTableKind
		if tag == tagKTable {
			kind = KTableKind
		}
		n, rest, err := decodeCount(data)
		if err != nil {
			return nil, nil, fmt.Errorf("decode table: %w", err)
		}
		rows := make([]Row, 0, n)
		for i := 0; i < n; i++ {
			var key Value
			key, rest, err = decode(rest)
			if err != nil {
				return nil, nil, fmt.Errorf("decode table row key: %w", err)
			}
			var rv Value
			rv, rest, err = decode(rest)
			if err != nil {
				return nil, nil, fmt.Errorf("decode table row: %w", err)
			}
			rs, ok := rv.(Struct)
			if !ok {
				return nil, nil, fmt.Errorf("decode table row: not a struct")
			}
			rows = append(rows, Row{Key: key, Data: rs})
		}
		return Table{Kind: kind, Rows: rows}, rest, nil
	default:
		return nil, nil, fmt.Errorf("decode value: unknown tag 0x%02x", tag)
	}
}

func decodeCount(data []byte) (int, []byte, error) {
	n, used := binary.Uvarint(data)
	if used <= 0 {
		return 0, nil, fmt.Errorf("bad count varint")
	}
	if n > uint64(len(data)) {
		return 0, nil, fmt.Errorf("count %d exceeds input", n)
	}
	return int(n), data[used:], nil
}

func decodeBlob(data []byte) ([]byte, []byte, error) {
	n, used := binary.Uvarint(data)
	if used <= 0 {
		return nil, nil, fmt.Errorf("bad length varint")
	}
	data = data[used:]
	if uint64(len(data)) < n {
		return nil, nil, fmt.Errorf("truncated: want %d bytes, have %d", n, len(data))
	}
	return data[:n], data[n:], nil
}
