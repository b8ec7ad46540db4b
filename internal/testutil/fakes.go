// Package testutil provides in-memory fake sources, functions, and
// targets for exercising the engine without real backends.
//
// The fakes implement the capability contracts in internal/graph and
// register under an isolated registry per test (never the process-wide
// default), so tests cannot collide on kind names.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lagoonworks/silt/internal/graph"
	"github.com/lagoonworks/silt/internal/registry"
	"github.com/lagoonworks/silt/internal/value"
)

// NewRegistry returns an isolated registry with all fakes registered
// against the given fixtures.
func NewRegistry(src *MemSource, hub *TargetHub) *registry.Registry {
	reg := registry.New()
	reg.MustRegisterSource("memory", func(spec graph.SourceSpec) (graph.SourceConnector, error) {
		return src, nil
	})
	reg.MustRegisterSource("static", func(spec graph.SourceSpec) (graph.SourceConnector, error) {
		return &StaticSource{inner: src}, nil
	})
	reg.MustRegisterFunction("upper", func(spec graph.FunctionSpec) (graph.FunctionExecutor, error) {
		return &UpperFn{spec: spec.(UpperSpec)}, nil
	})
	reg.MustRegisterFunction("split", func(spec graph.FunctionSpec) (graph.FunctionExecutor, error) {
		return &SplitFn{spec: spec.(SplitSpec)}, nil
	})
	reg.MustRegisterTarget("memtable", func(spec graph.TargetSpec) (graph.TargetConnector, error) {
		return &MemTargetConnector{hub: hub}, nil
	})
	reg.MustRegisterDeclaration("memschema", func(spec graph.DeclarationSpec) (graph.DeclarationConnector, error) {
		return &MemDeclarationConnector{hub: hub}, nil
	})
	reg.RegisterSourceSpec("memory", registry.SourceSpecJSON[MemSourceSpec]())
	reg.RegisterSourceSpec("static", registry.SourceSpecJSON[StaticSourceSpec]())
	reg.RegisterFunctionSpec("upper", registry.FunctionSpecJSON[UpperSpec]())
	reg.RegisterFunctionSpec("split", registry.FunctionSpecJSON[SplitSpec]())
	reg.RegisterTargetSpec("memtable", registry.TargetSpecJSON[MemTargetSpec]())
	reg.RegisterDeclarationSpec("memschema", registry.DeclarationSpecJSON[MemDeclarationSpec]())
	return reg
}

// MemSourceSpec selects the shared in-memory source fixture.
type MemSourceSpec struct {
	Name string `json:"name"`
}

// SourceKind implements graph.SourceSpec.
func (MemSourceSpec) SourceKind() string { return "memory" }

// MemSource is an in-memory source: rows keyed by string, mutable from
// the test, optionally watchable.
type MemSource struct {
	mu       sync.Mutex
	fields   []value.TypeField
	rows     map[string]value.Struct
	modified map[string]time.Time
	watchers []chan graph.SourceChange
	listErr  error
	readErr  error
	lists    int
	onList   func()
}

// NewMemSource creates a source whose rows carry the given value
// fields. The key field is always "key": String.
func NewMemSource(fields ...value.TypeField) *MemSource {
	return &MemSource{
		fields:   fields,
		rows:     make(map[string]value.Struct),
		modified: make(map[string]time.Time),
	}
}

// SetRow adds or replaces a row and notifies watchers.
func (s *MemSource) SetRow(key string, fields ...value.Field) {
	s.mu.Lock()
	s.rows[key] = value.NewStruct(fields...)
	s.modified[key] = time.Now()
	s.notifyLocked(key)
	s.mu.Unlock()
}

// DeleteRow removes a row and notifies watchers.
func (s *MemSource) DeleteRow(key string) {
	s.mu.Lock()
	delete(s.rows, key)
	delete(s.modified, key)
	s.notifyLocked(key)
	s.mu.Unlock()
}

// FailList makes the next List calls return err (nil restores).
func (s *MemSource) FailList(err error) {
	s.mu.Lock()
	s.listErr = err
	s.mu.Unlock()
}

// OnList installs a hook called at the start of every List, before
// the source lock is taken. Tests use it to hold a cycle mid-flight.
func (s *MemSource) OnList(hook func()) {
	s.mu.Lock()
	s.onList = hook
	s.mu.Unlock()
}

// ListCount returns how many times List has been called.
func (s *MemSource) ListCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

func (s *MemSource) notifyLocked(key string) {
	for _, w := range s.watchers {
		select {
		case w <- graph.SourceChange{Keys: []value.Value{value.String(key)}}:
		default:
		}
	}
}

// Schema implements graph.SourceConnector.
func (s *MemSource) Schema() graph.SourceSchema {
	return graph.SourceSchema{
		KeyField: value.TF("key", value.StringType()),
		Fields:   s.fields,
	}
}

// List implements graph.SourceConnector.
func (s *MemSource) List(ctx context.Context) ([]graph.SourceRowMeta, error) {
	s.mu.Lock()
	hook := s.onList
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	if s.listErr != nil {
		return nil, s.listErr
	}
	metas := make([]graph.SourceRowMeta, 0, len(s.rows))
	for key, row := range s.rows {
		metas = append(metas, graph.SourceRowMeta{
			Key:          value.String(key),
			Fingerprint:  value.FingerprintOf(row),
			LastModified: s.modified[key],
		})
	}
	return metas, nil
}

// Read implements graph.SourceConnector.
func (s *MemSource) Read(ctx context.Context, key value.Value) (value.Struct, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return value.Struct{}, false, s.readErr
	}
	k, ok := key.(value.String)
	if !ok {
		return value.Struct{}, false, fmt.Errorf("memory source: non-string key %T", key)
	}
	row, ok := s.rows[string(k)]
	if !ok {
		return value.Struct{}, false, nil
	}
	return row, true, nil
}

// Watch implements graph.WatchableSource.
func (s *MemSource) Watch(ctx context.Context) (<-chan graph.SourceChange, error) {
	ch := make(chan graph.SourceChange, 16)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, w := range s.watchers {
			if w == ch {
				s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// StaticSourceSpec selects the shared fixture without change capture.
type StaticSourceSpec struct {
	Name string `json:"name"`
}

// SourceKind implements graph.SourceSpec.
func (StaticSourceSpec) SourceKind() string { return "static" }

// StaticSource exposes a MemSource without its Watch capability, for
// exercising one-shot behavior.
type StaticSource struct {
	inner *MemSource
}

// Schema implements graph.SourceConnector.
func (s *StaticSource) Schema() graph.SourceSchema { return s.inner.Schema() }

// List implements graph.SourceConnector.
func (s *StaticSource) List(ctx context.Context) ([]graph.SourceRowMeta, error) {
	return s.inner.List(ctx)
}

// Read implements graph.SourceConnector.
func (s *StaticSource) Read(ctx context.Context, key value.Value) (value.Struct, bool, error) {
	return s.inner.Read(ctx, key)
}

// UpperSpec configures the uppercase fake function.
type UpperSpec struct {
	// Version is the behavior version: bumping it must invalidate
	// cached results.
	Version string `json:"version"`
	// NoCache disables result caching for this function.
	NoCache bool `json:"no_cache,omitempty"`
	// FailOn makes Call return an error when the input contains the
	// substring. Exercises per-row failure isolation.
	FailOn string `json:"fail_on,omitempty"`
	// FailPrepare makes one-time executor setup fail.
	FailPrepare bool `json:"fail_prepare,omitempty"`

	// Calls counts executor invocations across cache misses. Shared
	// pointer so the test can observe it.
	Calls *int32 `json:"-"`
	// Probe, when set, samples call concurrency.
	Probe *ConcurrencyProbe `json:"-"`
	// Gate, when set, blocks every Call until released.
	Gate *CallGate `json:"-"`
}

// CallGate holds executor calls at a known point so the test can act
// while a row is in flight.
type CallGate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// NewCallGate creates a closed gate.
func NewCallGate() *CallGate {
	return &CallGate{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

// Entered receives one signal per call that reached the gate.
func (g *CallGate) Entered() <-chan struct{} { return g.entered }

// Release lets every held and future call proceed.
func (g *CallGate) Release() {
	g.once.Do(func() { close(g.release) })
}

func (g *CallGate) pass() {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
}

// ConcurrencyProbe observes how many calls overlap.
type ConcurrencyProbe struct {
	mu     sync.Mutex
	active int
	max    int
}

// Enter marks a call started and holds briefly so overlap is
// observable.
func (p *ConcurrencyProbe) Enter() {
	p.mu.Lock()
	p.active++
	if p.active > p.max {
		p.max = p.active
	}
	p.mu.Unlock()
	time.Sleep(2 * time.Millisecond)
}

// Exit marks a call finished.
func (p *ConcurrencyProbe) Exit() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
}

// Max returns the highest overlap seen.
func (p *ConcurrencyProbe) Max() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.max
}

// FunctionKind implements graph.FunctionSpec.
func (UpperSpec) FunctionKind() string { return "upper" }

// UpperFn uppercases a string input.
type UpperFn struct {
	spec UpperSpec
	mu   sync.Mutex
}

// Analyze implements graph.FunctionExecutor.
func (f *UpperFn) Analyze(args []value.Type) (value.Type, error) {
	if len(args) != 1 || args[0].Kind != value.KindString {
		return value.Type{}, fmt.Errorf("upper expects one String argument")
	}
	return value.StringType(), nil
}

// Prepare implements graph.PreparableFunction.
func (f *UpperFn) Prepare(ctx context.Context) error {
	if f.spec.FailPrepare {
		return fmt.Errorf("upper: setup failed")
	}
	return nil
}

// Behavior implements graph.FunctionExecutor.
func (f *UpperFn) Behavior() graph.FunctionBehavior {
	version := f.spec.Version
	if version == "" {
		version = "1"
	}
	return graph.FunctionBehavior{Version: version, CacheEnabled: !f.spec.NoCache}
}

// Call implements graph.FunctionExecutor.
func (f *UpperFn) Call(ctx context.Context, args []value.Value) (value.Value, error) {
	in := string(args[0].(value.String))
	if f.spec.FailOn != "" && strings.Contains(in, f.spec.FailOn) {
		return nil, fmt.Errorf("upper: refusing input containing %q", f.spec.FailOn)
	}
	if f.spec.Calls != nil {
		f.mu.Lock()
		*f.spec.Calls++
		f.mu.Unlock()
	}
	if f.spec.Probe != nil {
		f.spec.Probe.Enter()
		defer f.spec.Probe.Exit()
	}
	if f.spec.Gate != nil {
		f.spec.Gate.pass()
	}
	return value.String(strings.ToUpper(in)), nil
}

// SplitSpec configures the split fake function: String -> LTable of
// {text: String} rows.
type SplitSpec struct {
	Sep string `json:"sep"`
}

// FunctionKind implements graph.FunctionSpec.
func (SplitSpec) FunctionKind() string { return "split" }

// SplitFn splits a string into an ordered table of parts.
type SplitFn struct {
	spec SplitSpec
}

// Analyze implements graph.FunctionExecutor.
func (f *SplitFn) Analyze(args []value.Type) (value.Type, error) {
	if len(args) != 1 || args[0].Kind != value.KindString {
		return value.Type{}, fmt.Errorf("split expects one String argument")
	}
	return value.LTableType(value.TF("text", value.StringType())), nil
}

// Behavior implements graph.FunctionExecutor.
func (f *SplitFn) Behavior() graph.FunctionBehavior {
	return graph.FunctionBehavior{Version: "1", CacheEnabled: true}
}

// Call implements graph.FunctionExecutor.
func (f *SplitFn) Call(ctx context.Context, args []value.Value) (value.Value, error) {
	sep := f.spec.Sep
	if sep == "" {
		sep = " "
	}
	parts := strings.Split(string(args[0].(value.String)), sep)
	rows := make([]value.Row, 0, len(parts))
	for i, p := range parts {
		rows = append(rows, value.Row{
			Key:  value.Int(int64(i)),
			Data: value.NewStruct(value.F("text", value.String(p))),
		})
	}
	return value.Table{Kind: value.LTableKind, Rows: rows}, nil
}

// SetupCall records one ApplySetupChange invocation.
type SetupCall struct {
	Key  string
	Prev *graph.TargetSetup
	Cur  *graph.TargetSetup
}

// TargetHub holds the shared state behind every memtable target in a
// test: tables of rows plus a log of setup calls and mutate batches.
type TargetHub struct {
	mu          sync.Mutex
	tables      map[string]map[string]value.Struct
	schemas     map[string]bool
	setupCalls  []SetupCall
	mutateCount int
	mutateErr   error
}

// NewTargetHub creates an empty hub.
func NewTargetHub() *TargetHub {
	return &TargetHub{
		tables:  make(map[string]map[string]value.Struct),
		schemas: make(map[string]bool),
	}
}

// HasSchema reports whether a declaration created the named schema.
func (h *TargetHub) HasSchema(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.schemas[name]
}

// Rows returns a copy of a table's rows keyed by the hex fingerprint
// of the row key.
func (h *TargetHub) Rows(table string) map[string]value.Struct {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]value.Struct, len(h.tables[table]))
	for k, v := range h.tables[table] {
		out[k] = v
	}
	return out
}

// HasTable reports whether setup has created the table.
func (h *TargetHub) HasTable(table string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.tables[table]
	return ok
}

// SetupCalls returns the recorded setup-change invocations.
func (h *TargetHub) SetupCalls() []SetupCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SetupCall, len(h.setupCalls))
	copy(out, h.setupCalls)
	return out
}

// ResetSetupCalls clears the setup-change log.
func (h *TargetHub) ResetSetupCalls() {
	h.mu.Lock()
	h.setupCalls = nil
	h.mu.Unlock()
}

// MutateCount returns how many mutation batches were applied.
func (h *TargetHub) MutateCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mutateCount
}

// FailMutate makes subsequent mutate batches return err (nil restores).
func (h *TargetHub) FailMutate(err error) {
	h.mu.Lock()
	h.mutateErr = err
	h.mu.Unlock()
}

// MemTargetSpec selects a table in the hub. Compression is a dummy
// option: it changes the spec without changing the persistent key,
// which is how tests produce a "same target, new spec" transition.
type MemTargetSpec struct {
	Table       string `json:"table"`
	Compression string `json:"compression,omitempty"`
}

// TargetKind implements graph.TargetSpec.
func (MemTargetSpec) TargetKind() string { return "memtable" }

// MemTargetConnector is the memtable connector bound to a hub.
type MemTargetConnector struct {
	hub *TargetHub
}

// PersistentKey implements graph.TargetConnector.
func (c *MemTargetConnector) PersistentKey(spec graph.TargetSpec, targetName string) (string, error) {
	ms, ok := spec.(MemTargetSpec)
	if !ok {
		return "", fmt.Errorf("memtable: unexpected spec %T", spec)
	}
	if ms.Table == "" {
		return "", fmt.Errorf("memtable: table name required")
	}
	return "memtable:" + ms.Table, nil
}

// ApplySetupChange implements graph.TargetConnector. Creating an
// existing table and dropping an absent one are both silent no-ops, as
// the contract requires.
func (c *MemTargetConnector) ApplySetupChange(ctx context.Context, key string, prev, cur *graph.TargetSetup) error {
	table := strings.TrimPrefix(key, "memtable:")
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.hub.setupCalls = append(c.hub.setupCalls, SetupCall{Key: key, Prev: prev, Cur: cur})
	if cur == nil {
		delete(c.hub.tables, table)
		return nil
	}
	if _, ok := c.hub.tables[table]; !ok {
		c.hub.tables[table] = make(map[string]value.Struct)
	}
	return nil
}

// Prepare implements graph.TargetConnector.
func (c *MemTargetConnector) Prepare(spec graph.TargetSpec, setup *graph.TargetSetup) (graph.TargetWriter, error) {
	ms, ok := spec.(MemTargetSpec)
	if !ok {
		return nil, fmt.Errorf("memtable: unexpected spec %T", spec)
	}
	return &memTargetWriter{hub: c.hub, table: ms.Table}, nil
}

// Describe implements graph.TargetConnector.
func (c *MemTargetConnector) Describe(key string) string {
	return "in-memory table " + strings.TrimPrefix(key, "memtable:")
}

// MemDeclarationSpec declares a named schema in the hub, standing in
// for shared DDL owned by no single export.
type MemDeclarationSpec struct {
	Schema string `json:"schema"`
}

// DeclarationKind implements graph.DeclarationSpec.
func (MemDeclarationSpec) DeclarationKind() string { return "memschema" }

// MemDeclarationConnector applies memschema declarations to a hub.
type MemDeclarationConnector struct {
	hub *TargetHub
}

// PersistentKey implements graph.DeclarationConnector.
func (c *MemDeclarationConnector) PersistentKey(spec graph.DeclarationSpec) (string, error) {
	ds, ok := spec.(MemDeclarationSpec)
	if !ok {
		return "", fmt.Errorf("memschema: unexpected spec %T", spec)
	}
	if ds.Schema == "" {
		return "", fmt.Errorf("memschema: schema name required")
	}
	return "memschema:" + ds.Schema, nil
}

// ApplySetupChange implements graph.DeclarationConnector.
func (c *MemDeclarationConnector) ApplySetupChange(ctx context.Context, key string, prev, cur *graph.TargetSetup) error {
	name := strings.TrimPrefix(key, "memschema:")
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	c.hub.setupCalls = append(c.hub.setupCalls, SetupCall{Key: key, Prev: prev, Cur: cur})
	if cur == nil {
		delete(c.hub.schemas, name)
		return nil
	}
	c.hub.schemas[name] = true
	return nil
}

// Describe implements graph.DeclarationConnector.
func (c *MemDeclarationConnector) Describe(key string) string {
	return "in-memory schema " + strings.TrimPrefix(key, "memschema:")
}

type memTargetWriter struct {
	hub   *TargetHub
	table string
}

// Mutate applies upserts and deletes keyed by the canonical key
// fingerprint. Re-applying any batch converges to the same rows.
func (w *memTargetWriter) Mutate(ctx context.Context, muts []graph.Mutation) error {
	w.hub.mu.Lock()
	defer w.hub.mu.Unlock()
	if w.hub.mutateErr != nil {
		return w.hub.mutateErr
	}
	w.hub.mutateCount++
	rows, ok := w.hub.tables[w.table]
	if !ok {
		rows = make(map[string]value.Struct)
		w.hub.tables[w.table] = rows
	}
	for _, m := range muts {
		k := value.FingerprintOf(m.Key).Hex()
		if m.Value == nil {
			delete(rows, k)
		} else {
			rows[k] = *m.Value
		}
	}
	return nil
}

func (w *memTargetWriter) Close() error { return nil }
