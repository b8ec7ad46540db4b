package value

import (
	"fmt"
	"sort"
	"time"
)

// Value is a sealed interface over the engine's runtime value types.
// Only the types in this package implement it.
type Value interface {
	isValue()
}

// Null represents an absent value.
type Null struct{}

func (Null) isValue() {}

// String is a Unicode string value.
type String string

func (String) isValue() {}

// Int is a 64-bit integer value.
type Int int64

func (Int) isValue() {}

// Float is a 64-bit floating point value. Floats participate in
// fingerprints via their exact IEEE-754 bits, so equality is bitwise.
type Float float64

func (Float) isValue() {}

// Bool is a boolean value.
type Bool bool

func (Bool) isValue() {}

// Bytes is a raw byte string value (file contents, embeddings on the
// wire, etc).
type Bytes []byte

func (Bytes) isValue() {}

// Time is a timestamp value. Canonical encoding uses the UTC instant,
// so two Times naming the same instant in different zones fingerprint
// identically.
type Time time.Time

func (Time) isValue() {}

// Std returns the wrapped time.Time.
func (t Time) Std() time.Time { return time.Time(t) }

// Field is one named field of a Struct.
type Field struct {
	Name  string
	Value Value
}

// Struct is an ordered set of named fields. Field order is the
// declaration order from the flow schema; canonical encoding sorts by
// name so construction order never leaks into fingerprints.
type Struct struct {
	Fields []Field
}

func (Struct) isValue() {}

// NewStruct builds a Struct from fields in the given order.
func NewStruct(fields ...Field) Struct {
	return Struct{Fields: fields}
}

// F is shorthand for constructing a Field.
func F(name string, v Value) Field {
	return Field{Name: name, Value: v}
}

// Get returns the value of the named field, if present.
func (s Struct) Get(name string) (Value, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// MustGet returns the named field or panics. Use only where the schema
// guarantees the field exists (the builder has already checked it).
func (s Struct) MustGet(name string) Value {
	v, ok := s.Get(name)
	if !ok {
		panic(fmt.Sprintf("value: struct has no field %q", name))
	}
	return v
}

// TableKind distinguishes the two table shapes.
type TableKind uint8

const (
	// KTableKind is a keyed table: rows addressed by key, unordered.
	KTableKind TableKind = iota + 1
	// LTableKind is an ordered table: rows addressed by position.
	LTableKind
)

// String returns the table kind name.
func (k TableKind) String() string {
	switch k {
	case KTableKind:
		return "KTable"
	case LTableKind:
		return "LTable"
	default:
		return fmt.Sprintf("TableKind(%d)", uint8(k))
	}
}

// Row is one row of a table. For LTables the Key is the row ordinal
// (Int); for KTables it is the declared key value.
type Row struct {
	Key  Value
	Data Struct
}

// Table is a collection of rows, keyed or ordered per Kind.
type Table struct {
	Kind TableKind
	Rows []Row
}

func (Table) isValue() {}

// SortedRows returns the rows of a KTable sorted by canonical key
// encoding, or the rows unchanged for an LTable. The receiver is not
// modified.
func (t Table) SortedRows() []Row {
	if t.Kind != KTableKind || len(t.Rows) < 2 {
		return t.Rows
	}
	type keyed struct {
		enc string
		row Row
	}
	ks := make([]keyed, len(t.Rows))
	for i, r := range t.Rows {
		ks[i] = keyed{enc: string(AppendCanonical(nil, r.Key)), row: r}
	}
	sort.SliceStable(ks, func(i, j int) bool { return ks[i].enc < ks[j].enc })
	rows := make([]Row, len(ks))
	for i, k := range ks {
		rows[i] = k.row
	}
	return rows
}

// EstimateSize returns a rough in-memory byte size for a value. Used
// by admission control to bound in-flight row bytes; precision does
// not matter, monotonicity with payload size does.
func EstimateSize(v Value) int64 {
	switch val := v.(type) {
	case nil, Null:
		return 8
	case String:
		return int64(len(val)) + 16
	case Int, Float, Bool, Time:
		return 16
	case Bytes:
		return int64(len(val)) + 24
	case Struct:
		var n int64 = 24
		for _, f := range val.Fields {
			n += int64(len(f.Name)) + EstimateSize(f.Value)
		}
		return n
	case Table:
		var n int64 = 24
		for _, r := range val.Rows {
			n += EstimateSize(r.Key) + EstimateSize(r.Data)
		}
		return n
	default:
		return 64
	}
}
