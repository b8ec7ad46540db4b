package graph

import (
	"time"

	"github.com/lagoonworks/silt/internal/value"
)

// RootScope is the arena index of the root scope.
const RootScope = 0

// SliceRef is a typed reference to data within a scope: the scope's
// arena index plus a field path (one element for a direct field, more
// for sub-fields of struct-typed fields).
type SliceRef struct {
	Scope int
	Path  []string
}

// OpKind enumerates DAG node kinds.
type OpKind uint8

const (
	OpImport OpKind = iota + 1
	OpTransform
	OpForEach
	OpCollect
	OpExport
	OpDeclare
)

// String returns the op kind name.
func (k OpKind) String() string {
	switch k {
	case OpImport:
		return "import"
	case OpTransform:
		return "transform"
	case OpForEach:
		return "for_each"
	case OpCollect:
		return "collect"
	case OpExport:
		return "export"
	case OpDeclare:
		return "declare"
	default:
		return "unknown"
	}
}

// RefreshOptions enables change capture for a source: a fixed
// interval, a cron schedule, or both. Zero values disable the
// mechanism.
type RefreshOptions struct {
	Interval time.Duration
	Schedule string // cron expression, validated at build time
}

// Enabled reports whether any refresh mechanism is configured.
func (r RefreshOptions) Enabled() bool {
	return r.Interval > 0 || r.Schedule != ""
}

// ExecutionOptions bounds in-flight rows for one iteration level.
// Zero means "no local limit" (global limits still apply).
type ExecutionOptions struct {
	MaxInflightRows  int
	MaxInflightBytes int64
}

// Op is one DAG node. Kind selects which of the case fields below are
// populated, mirroring how events carry one of several payloads in a
// tagged struct.
type Op struct {
	ID    int    // index into Definition.Ops
	Kind  OpKind
	Name  string // unique within the flow; part of cache identity
	Scope int    // scope the op executes in

	// OpImport
	Import *ImportOp
	// OpTransform
	Transform *TransformOp
	// OpForEach
	ForEach *ForEachOp
	// OpCollect
	Collect *CollectOp
	// OpExport
	Export *ExportOp
	// OpDeclare
	Declare *DeclareOp
}

// ImportOp brings a source's rows into the root scope as a keyed
// table field.
type ImportOp struct {
	FieldName string // root-scope field holding the table
	Spec      SourceSpec
	SpecJSON  []byte
	Connector SourceConnector
	Refresh   RefreshOptions
	Exec      ExecutionOptions
	RowScope  int // scope iterating this table's rows
	RowType   value.Type
}

// TransformOp applies a function executor to input slices, producing
// a new field in the op's scope.
type TransformOp struct {
	Spec        FunctionSpec
	Executor    FunctionExecutor
	Behavior    FunctionBehavior
	Inputs      []SliceRef
	OutputField string
	OutputType  value.Type
}

// ForEachOp iterates a table-typed slice, running the child scope's
// ops once per row.
type ForEachOp struct {
	Input      SliceRef
	ChildScope int
	Exec       ExecutionOptions
}

// CollectOp emits one entry into a collector for every execution of
// its scope.
type CollectOp struct {
	Collector      int // index into Definition.Collectors
	FieldNames     []string
	Inputs         []SliceRef // parallel to FieldNames
	GeneratedField string     // name of the engine-generated id field, "" if none
}

// ExportOp binds a collector to a target backend. Root scope only.
type ExportOp struct {
	TargetName string
	Spec       TargetSpec
	SpecJSON   []byte
	Connector  TargetConnector
	Collector  int
	KeyFields  []string
	// PersistentKey is resolved at build time and stays stable across
	// runs; the synchronizer diffs recorded state against it.
	PersistentKey string
	SetupByUser   bool
}

// DeclareOp is a root-level declaration folded into setup.
type DeclareOp struct {
	Spec      DeclarationSpec
	SpecJSON  []byte
	Connector DeclarationConnector
	// PersistentKey plays the same role as for exports: recorded state
	// under a vanished key is dropped on the next setup.
	PersistentKey string
}

// FieldDef is one named field of a scope. Producer is the op that set
// it, or -1 for fields seeded by row iteration.
type FieldDef struct {
	Name     string
	Type     value.Type
	Producer int
}

// ScopeDef is one node of the scope arena. The root scope has
// Parent == -1; every other scope is created by a row iteration and
// holds a back-reference to its parent.
type ScopeDef struct {
	Parent int
	Label  string // e.g. "documents" or "documents.chunks"
	Fields []FieldDef
	OpIDs  []int // ops executed in this scope, declaration order
}

// FieldType returns the declared type of a scope field.
func (s *ScopeDef) FieldType(name string) (value.Type, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f.Type, true
		}
	}
	return value.Type{}, false
}

// CollectorDef accumulates entries destined for one or more exports.
type CollectorDef struct {
	Name           string
	Scope          int // scope the collector is declared on
	Fields         []value.TypeField
	GeneratedField string
	KeyFields      []string // set by export; key fields within Fields
}

// Definition is an immutable flow definition graph. Treat every slice
// and map as read-only after Build returns it.
type Definition struct {
	Name       string
	Scopes     []ScopeDef
	Ops        []Op
	Collectors []CollectorDef
	Imports    []int // op ids, declaration order
	Exports    []int
	Declares   []int
}

// ImportByName returns the import op with the given field name.
func (d *Definition) ImportByName(name string) (*Op, bool) {
	for _, id := range d.Imports {
		if d.Ops[id].Import.FieldName == name {
			return &d.Ops[id], true
		}
	}
	return nil, false
}

// ResolveType resolves a slice reference to its declared type.
func (d *Definition) ResolveType(ref SliceRef) (value.Type, bool) {
	if ref.Scope < 0 || ref.Scope >= len(d.Scopes) || len(ref.Path) == 0 {
		return value.Type{}, false
	}
	t, ok := d.Scopes[ref.Scope].FieldType(ref.Path[0])
	if !ok {
		return value.Type{}, false
	}
	for _, name := range ref.Path[1:] {
		t, ok = t.FieldType(name)
		if !ok {
			return value.Type{}, false
		}
	}
	return t, true
}

// HasChangeCapture reports whether any import has a refresh mechanism
// or a watchable connector. Without one, a live updater degenerates to
// a single cycle per source.
func (d *Definition) HasChangeCapture() bool {
	for _, id := range d.Imports {
		imp := d.Ops[id].Import
		if imp.Refresh.Enabled() {
			return true
		}
		if _, ok := imp.Connector.(WatchableSource); ok {
			return true
		}
	}
	return false
}
