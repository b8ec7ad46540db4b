package value

import (
	"fmt"
	"strings"
)

// Kind enumerates value kinds at the type level.
type Kind uint8

const (
	KindNull Kind = iota + 1
	KindString
	KindInt
	KindFloat
	KindBool
	KindBytes
	KindTime
	KindStruct
	KindTable
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "Null"
	case KindString:
		return "String"
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindBool:
		return "Bool"
	case KindBytes:
		return "Bytes"
	case KindTime:
		return "Time"
	case KindStruct:
		return "Struct"
	case KindTable:
		return "Table"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// TypeField is one named field of a struct or table-row type.
type TypeField struct {
	Name string
	Type Type
}

// TableType describes a table's shape: its kind, the row fields, and
// for KTables the names of the key fields (a subset of Row).
type TableType struct {
	Kind      TableKind
	KeyFields []string
	Row       []TypeField
}

// Type is a definition-time type. Types are fully resolved when a flow
// definition is built; nothing about them depends on runtime values.
type Type struct {
	Kind   Kind
	Fields []TypeField // KindStruct only
	Table  *TableType  // KindTable only
}

// Basic type constructors.
func StringType() Type { return Type{Kind: KindString} }
func IntType() Type    { return Type{Kind: KindInt} }
func FloatType() Type  { return Type{Kind: KindFloat} }
func BoolType() Type   { return Type{Kind: KindBool} }
func BytesType() Type  { return Type{Kind: KindBytes} }
func TimeType() Type   { return Type{Kind: KindTime} }

// StructType builds a struct type with fields in declaration order.
func StructType(fields ...TypeField) Type {
	return Type{Kind: KindStruct, Fields: fields}
}

// TF is shorthand for constructing a TypeField.
func TF(name string, t Type) TypeField {
	return TypeField{Name: name, Type: t}
}

// KTableType builds a keyed-table type.
func KTableType(keyFields []string, row ...TypeField) Type {
	return Type{Kind: KindTable, Table: &TableType{Kind: KTableKind, KeyFields: keyFields, Row: row}}
}

// LTableType builds an ordered-table type.
func LTableType(row ...TypeField) Type {
	return Type{Kind: KindTable, Table: &TableType{Kind: LTableKind, Row: row}}
}

// IsTable reports whether the type is a table of either kind.
func (t Type) IsTable() bool {
	return t.Kind == KindTable && t.Table != nil
}

// RowFields returns the row fields of a table type, or the struct
// fields of a struct type.
func (t Type) RowFields() []TypeField {
	if t.IsTable() {
		return t.Table.Row
	}
	return t.Fields
}

// FieldType returns the type of the named field for struct and table
// types.
func (t Type) FieldType(name string) (Type, bool) {
	for _, f := range t.RowFields() {
		if f.Name == name {
			return f.Type, true
		}
	}
	return Type{}, false
}

// Equal reports structural type equality, including field names,
// order, and key fields.
func (t Type) Equal(other Type) bool {
	if t.Kind != other.Kind {
		return false
	}
	switch t.Kind {
	case KindStruct:
		return fieldsEqual(t.Fields, other.Fields)
	case KindTable:
		if (t.Table == nil) != (other.Table == nil) {
			return false
		}
		if t.Table == nil {
			return true
		}
		if t.Table.Kind != other.Table.Kind {
			return false
		}
		if len(t.Table.KeyFields) != len(other.Table.KeyFields) {
			return false
		}
		for i, k := range t.Table.KeyFields {
			if other.Table.KeyFields[i] != k {
				return false
			}
		}
		return fieldsEqual(t.Table.Row, other.Table.Row)
	default:
		return true
	}
}

func fieldsEqual(a, b []TypeField) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || !a[i].Type.Equal(b[i].Type) {
			return false
		}
	}
	return true
}

// String renders the type for error messages and `silt show` output,
// e.g. `KTable(key=[path], {path: String, body: Bytes})`.
func (t Type) String() string {
	switch t.Kind {
	case KindStruct:
		return renderFields(t.Fields)
	case KindTable:
		if t.Table == nil {
			return "Table(?)"
		}
		if t.Table.Kind == KTableKind {
			return fmt.Sprintf("KTable(key=[%s], %s)",
				strings.Join(t.Table.KeyFields, ", "), renderFields(t.Table.Row))
		}
		return fmt.Sprintf("LTable(%s)", renderFields(t.Table.Row))
	default:
		return t.Kind.String()
	}
}

func renderFields(fields []TypeField) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Type.String())
	}
	b.WriteByte('}')
	return b.String()
}
