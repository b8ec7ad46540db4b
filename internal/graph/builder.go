package graph

import (
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/lagoonworks/silt/internal/value"
)

// Builder constructs a flow definition. Errors are sticky: the first
// definition error is recorded and every later call becomes a no-op,
// so callers chain freely and check once at Build.
type Builder struct {
	flowName string
	reg      Registry
	err      error

	scopes     []ScopeDef
	ops        []Op
	collectors []CollectorDef
	imports    []int
	exports    []int
	declares   []int

	names       map[string]bool
	nextNameIdx map[string]int
	rowScopes   map[string]int // slice ref key -> existing row scope
	targetNames map[string]bool
}

// NewBuilder creates a builder for the named flow. The registry
// resolves spec kinds; pass registry.Default() outside of tests.
func NewBuilder(flowName string, reg Registry) *Builder {
	return &Builder{
		flowName:    flowName,
		reg:         reg,
		scopes:      []ScopeDef{{Parent: -1, Label: ""}},
		names:       make(map[string]bool),
		nextNameIdx: make(map[string]int),
		rowScopes:   make(map[string]int),
		targetNames: make(map[string]bool),
	}
}

// Slice is a typed reference to data in the flow being built. Invalid
// slices (produced after a definition error) are inert.
type Slice struct {
	b     *Builder
	ref   SliceRef
	typ   value.Type
	valid bool
}

// Type returns the slice's resolved type.
func (s *Slice) Type() value.Type {
	return s.typ
}

// Scope is a handle on one scope of the flow being built.
type Scope struct {
	b     *Builder
	id    int
	valid bool
}

// Err returns the sticky definition error, if any.
func (b *Builder) Err() error {
	return b.err
}

func (b *Builder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *Builder) failf(where, format string, args ...any) {
	b.setErr(defErrf(b.flowName, where, format, args...))
}

// buildName returns name unchanged if non-empty (recording it), or
// generates "<prefix><n>" avoiding collisions with explicit names.
func (b *Builder) buildName(name, prefix string) string {
	if name != "" {
		b.names[name] = true
		return name
	}
	for {
		idx := b.nextNameIdx[prefix]
		b.nextNameIdx[prefix] = idx + 1
		candidate := fmt.Sprintf("%s%d", prefix, idx)
		if !b.names[candidate] {
			b.names[candidate] = true
			return candidate
		}
	}
}

func (b *Builder) badSlice() *Slice {
	return &Slice{b: b, valid: false}
}

func (b *Builder) badScope() *Scope {
	return &Scope{b: b, valid: false}
}

func refKey(ref SliceRef) string {
	key := fmt.Sprintf("%d", ref.Scope)
	for _, p := range ref.Path {
		key += "/" + p
	}
	return key
}

// addField attaches a field to a scope, rejecting overwrites: fields,
// once set, are immutable.
func (b *Builder) addField(scope int, name string, typ value.Type, producer int, where string) bool {
	if _, exists := b.scopes[scope].FieldType(name); exists {
		b.failf(where, "field %q already set in scope %q", name, b.scopeLabel(scope))
		return false
	}
	b.scopes[scope].Fields = append(b.scopes[scope].Fields, FieldDef{Name: name, Type: typ, Producer: producer})
	return true
}

func (b *Builder) scopeLabel(scope int) string {
	if b.scopes[scope].Label == "" {
		return "<root>"
	}
	return b.scopes[scope].Label
}

// ImportOption configures an import.
type ImportOption func(*ImportOp)

// WithRefreshInterval enables periodic re-listing of the source.
func WithRefreshInterval(d time.Duration) ImportOption {
	return func(op *ImportOp) { op.Refresh.Interval = d }
}

// WithRefreshSchedule enables cron-scheduled re-listing of the source.
// The expression is validated at build time.
func WithRefreshSchedule(expr string) ImportOption {
	return func(op *ImportOp) { op.Refresh.Schedule = expr }
}

// WithImportInflight bounds in-flight rows for this source's
// iteration. Zero leaves the corresponding limit unset.
func WithImportInflight(rows int, bytes int64) ImportOption {
	return func(op *ImportOp) {
		op.Exec.MaxInflightRows = rows
		op.Exec.MaxInflightBytes = bytes
	}
}

// ImportFrom declares a source import: a keyed-table field in the root
// scope whose rows come from the source connector. Imports are only
// valid at root.
func (b *Builder) ImportFrom(name string, spec SourceSpec, opts ...ImportOption) *Slice {
	if b.err != nil {
		return b.badSlice()
	}
	where := fmt.Sprintf("import %s", name)
	if name == "" {
		b.failf("import", "import requires a field name")
		return b.badSlice()
	}
	conn, err := b.reg.BuildSource(spec)
	if err != nil {
		b.setErr(defErrf(b.flowName, where, "%v", err))
		return b.badSlice()
	}
	specJSON, err := MarshalSpec(spec.SourceKind(), spec)
	if err != nil {
		b.setErr(defErrf(b.flowName, where, "%v", err))
		return b.badSlice()
	}

	schema := conn.Schema()
	rowFields := make([]value.TypeField, 0, len(schema.Fields)+1)
	rowFields = append(rowFields, schema.KeyField)
	rowFields = append(rowFields, schema.Fields...)
	tableType := value.KTableType([]string{schema.KeyField.Name}, rowFields...)

	imp := &ImportOp{
		FieldName: name,
		Spec:      spec,
		SpecJSON:  specJSON,
		Connector: conn,
		RowScope:  -1,
		RowType:   value.StructType(rowFields...),
	}
	for _, opt := range opts {
		opt(imp)
	}
	if imp.Refresh.Schedule != "" {
		if _, err := cronexpr.Parse(imp.Refresh.Schedule); err != nil {
			b.failf(where, "invalid refresh schedule %q: %v", imp.Refresh.Schedule, err)
			return b.badSlice()
		}
	}

	opID := len(b.ops)
	b.ops = append(b.ops, Op{
		ID:     opID,
		Kind:   OpImport,
		Name:   b.buildName("import."+name, ""),
		Scope:  RootScope,
		Import: imp,
	})
	b.imports = append(b.imports, opID)
	b.scopes[RootScope].OpIDs = append(b.scopes[RootScope].OpIDs, opID)

	if !b.addField(RootScope, name, tableType, opID, where) {
		return b.badSlice()
	}
	return &Slice{b: b, ref: SliceRef{Scope: RootScope, Path: []string{name}}, typ: tableType, valid: true}
}

// Field narrows a struct- or table-row-typed slice to one of its
// fields.
func (s *Slice) Field(name string) *Slice {
	b := s.b
	if b.err != nil || !s.valid {
		return b.badSlice()
	}
	ft, ok := s.typ.FieldType(name)
	if !ok {
		b.failf(fmt.Sprintf("field %s", name), "type %s has no field %q", s.typ, name)
		return b.badSlice()
	}
	path := make([]string, 0, len(s.ref.Path)+1)
	path = append(path, s.ref.Path...)
	path = append(path, name)
	return &Slice{b: b, ref: SliceRef{Scope: s.ref.Scope, Path: path}, typ: ft, valid: true}
}

// RowOption configures a row iteration.
type RowOption func(*ExecutionOptions)

// WithMaxInflightRows bounds concurrently admitted rows for this
// iteration level.
func WithMaxInflightRows(n int) RowOption {
	return func(e *ExecutionOptions) { e.MaxInflightRows = n }
}

// WithMaxInflightBytes bounds the total byte size of admitted rows for
// this iteration level.
func WithMaxInflightBytes(n int64) RowOption {
	return func(e *ExecutionOptions) { e.MaxInflightBytes = n }
}

// Row returns the scope iterating the rows of a table-typed slice,
// creating it on first use. Calling Row twice on the same slice
// returns the same scope.
//
// For a root import field the iteration is implicit (the processor
// drives it from the source listing); for any nested table a ForEachRow
// node is appended to the enclosing scope.
func (s *Slice) Row(opts ...RowOption) *Scope {
	b := s.b
	if b.err != nil || !s.valid {
		return b.badScope()
	}
	where := fmt.Sprintf("row over %s", refKey(s.ref))
	if !s.typ.IsTable() {
		b.failf(where, "cannot iterate non-table type %s", s.typ)
		return b.badScope()
	}

	if id, ok := b.rowScopes[refKey(s.ref)]; ok {
		return &Scope{b: b, id: id, valid: true}
	}

	var exec ExecutionOptions
	for _, opt := range opts {
		opt(&exec)
	}

	parentLabel := b.scopeLabel(s.ref.Scope)
	label := s.ref.Path[len(s.ref.Path)-1]
	if parentLabel != "<root>" {
		label = parentLabel + "." + label
	}

	childID := len(b.scopes)
	child := ScopeDef{Parent: s.ref.Scope, Label: label}
	for _, f := range s.typ.Table.Row {
		child.Fields = append(child.Fields, FieldDef{Name: f.Name, Type: f.Type, Producer: -1})
	}
	b.scopes = append(b.scopes, child)
	b.rowScopes[refKey(s.ref)] = childID

	// Root import field: wire the scope into the import instead of
	// emitting a ForEachRow node.
	if s.ref.Scope == RootScope && len(s.ref.Path) == 1 {
		if fd := b.rootField(s.ref.Path[0]); fd != nil && fd.Producer >= 0 && b.ops[fd.Producer].Kind == OpImport {
			imp := b.ops[fd.Producer].Import
			imp.RowScope = childID
			if exec.MaxInflightRows != 0 {
				imp.Exec.MaxInflightRows = exec.MaxInflightRows
			}
			if exec.MaxInflightBytes != 0 {
				imp.Exec.MaxInflightBytes = exec.MaxInflightBytes
			}
			return &Scope{b: b, id: childID, valid: true}
		}
	}

	opID := len(b.ops)
	b.ops = append(b.ops, Op{
		ID:    opID,
		Kind:  OpForEach,
		Name:  b.buildName("", "for_each"),
		Scope: s.ref.Scope,
		ForEach: &ForEachOp{
			Input:      s.ref,
			ChildScope: childID,
			Exec:       exec,
		},
	})
	b.scopes[s.ref.Scope].OpIDs = append(b.scopes[s.ref.Scope].OpIDs, opID)
	return &Scope{b: b, id: childID, valid: true}
}

func (b *Builder) rootField(name string) *FieldDef {
	for i := range b.scopes[RootScope].Fields {
		if b.scopes[RootScope].Fields[i].Name == name {
			return &b.scopes[RootScope].Fields[i]
		}
	}
	return nil
}

// Field returns a slice over one of the scope's fields.
func (sc *Scope) Field(name string) *Slice {
	b := sc.b
	if b.err != nil || !sc.valid {
		return b.badSlice()
	}
	ft, ok := b.scopes[sc.id].FieldType(name)
	if !ok {
		b.failf(fmt.Sprintf("scope %s", b.scopeLabel(sc.id)), "no field %q", name)
		return b.badSlice()
	}
	return &Slice{b: b, ref: SliceRef{Scope: sc.id, Path: []string{name}}, typ: ft, valid: true}
}

// Transform applies a function to the given argument slices, attaching
// the result to the deepest argument's scope under an auto-generated
// field name.
func (b *Builder) Transform(spec FunctionSpec, args ...*Slice) *Slice {
	return b.TransformNamed("", spec, args...)
}

// TransformNamed is Transform with an explicit output field name.
func (b *Builder) TransformNamed(name string, spec FunctionSpec, args ...*Slice) *Slice {
	if b.err != nil {
		return b.badSlice()
	}
	where := fmt.Sprintf("transform %s", spec.FunctionKind())
	if len(args) == 0 {
		b.failf(where, "transform requires at least one argument")
		return b.badSlice()
	}
	for _, a := range args {
		if a == nil || !a.valid {
			if b.err == nil {
				b.failf(where, "invalid argument slice")
			}
			return b.badSlice()
		}
	}

	scope, ok := b.commonScope(args)
	if !ok {
		b.failf(where, "arguments span unrelated scopes")
		return b.badSlice()
	}
	if scope == RootScope {
		b.failf(where, "transform outside a row scope")
		return b.badSlice()
	}

	exec, err := b.reg.BuildFunction(spec)
	if err != nil {
		b.setErr(defErrf(b.flowName, where, "%v", err))
		return b.badSlice()
	}
	argTypes := make([]value.Type, len(args))
	for i, a := range args {
		argTypes[i] = a.typ
	}
	outType, err := exec.Analyze(argTypes)
	if err != nil {
		b.setErr(defErrf(b.flowName, where, "analyze: %v", err))
		return b.badSlice()
	}

	fieldName := b.buildName(name, "fn_"+spec.FunctionKind()+"_")
	opName := b.buildName("", "transform.")
	inputs := make([]SliceRef, len(args))
	for i, a := range args {
		inputs[i] = a.ref
	}

	opID := len(b.ops)
	b.ops = append(b.ops, Op{
		ID:    opID,
		Kind:  OpTransform,
		Name:  opName,
		Scope: scope,
		Transform: &TransformOp{
			Spec:        spec,
			Executor:    exec,
			Behavior:    exec.Behavior(),
			Inputs:      inputs,
			OutputField: fieldName,
			OutputType:  outType,
		},
	})
	b.scopes[scope].OpIDs = append(b.scopes[scope].OpIDs, opID)
	if !b.addField(scope, fieldName, outType, opID, where) {
		return b.badSlice()
	}
	return &Slice{b: b, ref: SliceRef{Scope: scope, Path: []string{fieldName}}, typ: outType, valid: true}
}

// commonScope returns the deepest argument scope, requiring all
// argument scopes to lie on a single ancestor chain.
func (b *Builder) commonScope(args []*Slice) (int, bool) {
	deepest := args[0].ref.Scope
	for _, a := range args[1:] {
		if b.isAncestor(a.ref.Scope, deepest) {
			continue
		}
		if b.isAncestor(deepest, a.ref.Scope) {
			deepest = a.ref.Scope
			continue
		}
		return 0, false
	}
	return deepest, true
}

// isAncestor reports whether a is an ancestor of (or equal to) s.
func (b *Builder) isAncestor(a, s int) bool {
	for s >= 0 {
		if s == a {
			return true
		}
		s = b.scopes[s].Parent
	}
	return false
}

// Collector is a handle on a declared collector.
type Collector struct {
	b     *Builder
	idx   int
	valid bool
}

// AddCollector declares a collector on the scope. Entries may be
// collected from this scope or any of its descendants; export requires
// a root-scope collector.
func (sc *Scope) AddCollector(name string) *Collector {
	b := sc.b
	if b.err != nil || !sc.valid {
		return &Collector{b: b, valid: false}
	}
	idx := len(b.collectors)
	b.collectors = append(b.collectors, CollectorDef{
		Name:  b.buildName(name, "collector_"),
		Scope: sc.id,
	})
	return &Collector{b: b, idx: idx, valid: true}
}

// RootScope returns the flow's root scope.
func (b *Builder) RootScope() *Scope {
	return &Scope{b: b, id: RootScope, valid: b.err == nil}
}

// CollectEntry is one named field of a collected entry: either a slice
// value or an engine-generated identifier.
type CollectEntry struct {
	Name      string
	Slice     *Slice
	Generated bool
}

// Col names a slice field of a collected entry.
func Col(name string, s *Slice) CollectEntry {
	return CollectEntry{Name: name, Slice: s}
}

// GeneratedUUID declares an engine-generated identifier field, derived
// deterministically from the other collected values.
func GeneratedUUID(name string) CollectEntry {
	return CollectEntry{Name: name, Generated: true}
}

// Collect appends a collect node emitting one entry per execution of
// the entries' scope. All Collect calls on one collector must agree on
// the entry schema, and at most one generated identifier field is
// allowed.
func (c *Collector) Collect(entries ...CollectEntry) {
	b := c.b
	if b.err != nil || !c.valid {
		return
	}
	def := &b.collectors[c.idx]
	where := fmt.Sprintf("collect into %s", def.Name)

	var generated string
	var fieldNames []string
	var inputs []SliceRef
	var slices []*Slice
	seen := make(map[string]bool)
	for _, e := range entries {
		if e.Name == "" {
			b.failf(where, "entry field requires a name")
			return
		}
		if seen[e.Name] {
			b.failf(where, "duplicate entry field %q", e.Name)
			return
		}
		seen[e.Name] = true
		if e.Generated {
			if generated != "" {
				b.failf(where, "at most one generated identifier field is allowed (%q and %q)", generated, e.Name)
				return
			}
			generated = e.Name
			continue
		}
		if e.Slice == nil || !e.Slice.valid {
			if b.err == nil {
				b.failf(where, "invalid slice for field %q", e.Name)
			}
			return
		}
		fieldNames = append(fieldNames, e.Name)
		inputs = append(inputs, e.Slice.ref)
		slices = append(slices, e.Slice)
	}
	if len(fieldNames) == 0 {
		b.failf(where, "collect requires at least one value field")
		return
	}

	scope, ok := b.commonScope(slices)
	if !ok {
		b.failf(where, "entry fields span unrelated scopes")
		return
	}
	if !b.isAncestor(def.Scope, scope) {
		b.failf(where, "entries must come from the collector's scope or a descendant")
		return
	}

	// Entry schema: generated field first (if any), then value fields
	// in collect order.
	schema := make([]value.TypeField, 0, len(fieldNames)+1)
	if generated != "" {
		schema = append(schema, value.TF(generated, value.StringType()))
	}
	for i, name := range fieldNames {
		schema = append(schema, value.TF(name, slices[i].typ))
	}
	if def.Fields == nil {
		def.Fields = schema
		def.GeneratedField = generated
	} else if !schemaCompatible(def.Fields, schema) || def.GeneratedField != generated {
		b.failf(where, "entry schema differs from earlier collect into %s", def.Name)
		return
	}

	opID := len(b.ops)
	b.ops = append(b.ops, Op{
		ID:    opID,
		Kind:  OpCollect,
		Name:  b.buildName("", "collect."),
		Scope: scope,
		Collect: &CollectOp{
			Collector:      c.idx,
			FieldNames:     fieldNames,
			Inputs:         inputs,
			GeneratedField: generated,
		},
	})
	b.scopes[scope].OpIDs = append(b.scopes[scope].OpIDs, opID)
}

func schemaCompatible(a, b []value.TypeField) bool {
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

// ExportOption configures an export.
type ExportOption func(*ExportOp)

// WithSetupByUser marks the target as managed outside the engine:
// setup and drop skip it, mutations still flow.
func WithSetupByUser() ExportOption {
	return func(op *ExportOp) { op.SetupByUser = true }
}

// ExportTo binds the collector to a target backend. Exports are only
// valid at root: the collector must be declared on the root scope.
func (c *Collector) ExportTo(targetName string, spec TargetSpec, keyFields []string, opts ...ExportOption) {
	b := c.b
	if b.err != nil || !c.valid {
		return
	}
	where := fmt.Sprintf("export %s", targetName)
	def := &b.collectors[c.idx]

	if targetName == "" {
		b.failf("export", "export requires a target name")
		return
	}
	if b.targetNames[targetName] {
		b.failf(where, "target name already used")
		return
	}
	if def.Scope != RootScope {
		b.failf(where, "export requires a root-scope collector (collector %s is in scope %s)",
			def.Name, b.scopeLabel(def.Scope))
		return
	}
	if def.Fields == nil {
		b.failf(where, "collector %s has no collected entries", def.Name)
		return
	}
	if len(keyFields) == 0 {
		b.failf(where, "export requires at least one key field")
		return
	}
	for _, k := range keyFields {
		found := false
		for _, f := range def.Fields {
			if f.Name == k {
				found = true
				break
			}
		}
		if !found {
			b.failf(where, "key field %q not collected into %s", k, def.Name)
			return
		}
	}

	conn, err := b.reg.BuildTarget(spec)
	if err != nil {
		b.setErr(defErrf(b.flowName, where, "%v", err))
		return
	}
	specJSON, err := MarshalSpec(spec.TargetKind(), spec)
	if err != nil {
		b.setErr(defErrf(b.flowName, where, "%v", err))
		return
	}
	persistentKey, err := conn.PersistentKey(spec, targetName)
	if err != nil {
		b.setErr(defErrf(b.flowName, where, "persistent key: %v", err))
		return
	}

	exp := &ExportOp{
		TargetName:    targetName,
		Spec:          spec,
		SpecJSON:      specJSON,
		Connector:     conn,
		Collector:     c.idx,
		KeyFields:     keyFields,
		PersistentKey: persistentKey,
	}
	for _, opt := range opts {
		opt(exp)
	}

	opID := len(b.ops)
	b.ops = append(b.ops, Op{
		ID:     opID,
		Kind:   OpExport,
		Name:   b.buildName("export."+targetName, ""),
		Scope:  RootScope,
		Export: exp,
	})
	b.exports = append(b.exports, opID)
	b.scopes[RootScope].OpIDs = append(b.scopes[RootScope].OpIDs, opID)
	b.targetNames[targetName] = true
	def.KeyFields = keyFields
}

// Declare adds a root-level declaration folded into target setup.
func (b *Builder) Declare(spec DeclarationSpec) {
	if b.err != nil {
		return
	}
	where := "declare " + spec.DeclarationKind()
	specJSON, err := MarshalSpec(spec.DeclarationKind(), spec)
	if err != nil {
		b.setErr(defErrf(b.flowName, where, "%v", err))
		return
	}
	conn, err := b.reg.BuildDeclaration(spec)
	if err != nil {
		b.setErr(defErrf(b.flowName, where, "%v", err))
		return
	}
	persistentKey, err := conn.PersistentKey(spec)
	if err != nil {
		b.setErr(defErrf(b.flowName, where, "persistent key: %v", err))
		return
	}
	opID := len(b.ops)
	b.ops = append(b.ops, Op{
		ID:    opID,
		Kind:  OpDeclare,
		Name:  b.buildName("", "declare."),
		Scope: RootScope,
		Declare: &DeclareOp{
			Spec:          spec,
			SpecJSON:      specJSON,
			Connector:     conn,
			PersistentKey: persistentKey,
		},
	})
	b.declares = append(b.declares, opID)
	b.scopes[RootScope].OpIDs = append(b.scopes[RootScope].OpIDs, opID)
}

// Build finalizes the definition. The result is immutable; the builder
// must not be reused afterwards.
func (b *Builder) Build() (*Definition, error) {
	if b.err != nil {
		return nil, b.err
	}
	seen := make(map[string]string) // persistent key -> owner label
	check := func(key, label string) bool {
		if owner, ok := seen[key]; ok {
			b.failf(label, "persistent key %q collides with %s", key, owner)
			return false
		}
		seen[key] = label
		return true
	}
	for _, id := range b.exports {
		exp := b.ops[id].Export
		if !check(exp.PersistentKey, fmt.Sprintf("export %s", exp.TargetName)) {
			return nil, b.err
		}
	}
	for _, id := range b.declares {
		dec := b.ops[id].Declare
		if !check(dec.PersistentKey, "declare "+dec.Spec.DeclarationKind()) {
			return nil, b.err
		}
	}
	return &Definition{
		Name:       b.flowName,
		Scopes:     b.scopes,
		Ops:        b.ops,
		Collectors: b.collectors,
		Imports:    b.imports,
		Exports:    b.exports,
		Declares:   b.declares,
	}, nil
}
