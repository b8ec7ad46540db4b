package engine

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lagoonworks/silt/internal/graph"
	"github.com/lagoonworks/silt/internal/value"
)

// scopeFrame binds the fields of one scope for the row path being
// evaluated. Frames are written only by ops of their own scope, which
// run in declaration order; descendant iterations read them without
// locking.
type scopeFrame struct {
	fields map[string]value.Value
}

func newFrame() *scopeFrame {
	return &scopeFrame{fields: make(map[string]value.Value)}
}

// bindings maps scope id to its frame along the current row path.
// Child iterations get a copied map with a fresh frame for the child
// scope; ancestor frames are shared read-only.
type bindings map[int]*scopeFrame

func (b bindings) child(scope int, frame *scopeFrame) bindings {
	nb := make(bindings, len(b)+1)
	for id, f := range b {
		nb[id] = f
	}
	nb[scope] = frame
	return nb
}

func (b bindings) resolve(ref graph.SliceRef) (value.Value, error) {
	frame, ok := b[ref.Scope]
	if !ok {
		return nil, fmt.Errorf("scope %d not bound", ref.Scope)
	}
	v, ok := frame.fields[ref.Path[0]]
	if !ok {
		return nil, fmt.Errorf("field %q not bound", ref.Path[0])
	}
	for _, name := range ref.Path[1:] {
		st, ok := v.(value.Struct)
		if !ok {
			return nil, fmt.Errorf("field %q is not a struct", name)
		}
		v, ok = st.Get(name)
		if !ok {
			return nil, fmt.Errorf("field %q not present", name)
		}
	}
	return v, nil
}

// collected accumulates collector entries for one source row,
// including entries emitted from nested iterations.
type collected struct {
	mu      sync.Mutex
	entries map[int][]value.Struct
}

func newCollected() *collected {
	return &collected{entries: make(map[int][]value.Struct)}
}

func (c *collected) add(collector int, entry value.Struct) {
	c.mu.Lock()
	c.entries[collector] = append(c.entries[collector], entry)
	c.mu.Unlock()
}

// frameForRow seeds a child frame from a table row. Key fields absent
// from the row data are filled in from the row key, so keyed-table
// iterations always see their key fields.
func frameForRow(tt *value.TableType, row value.Row) *scopeFrame {
	frame := newFrame()
	for _, f := range row.Data.Fields {
		frame.fields[f.Name] = f.Value
	}
	if tt.Kind == value.KTableKind {
		switch len(tt.KeyFields) {
		case 1:
			if _, ok := frame.fields[tt.KeyFields[0]]; !ok {
				frame.fields[tt.KeyFields[0]] = row.Key
			}
		default:
			if ks, ok := row.Key.(value.Struct); ok {
				for _, f := range ks.Fields {
					if _, bound := frame.fields[f.Name]; !bound {
						frame.fields[f.Name] = f.Value
					}
				}
			}
		}
	}
	return frame
}

// evalScope runs the scope's ops in declaration order against b,
// emitting collector entries into out. Root-only ops (imports,
// exports, declares) are handled by the processor and syncer, not
// here.
func (f *Flow) evalScope(ctx context.Context, b bindings, scope int, out *collected, useCache bool) error {
	for _, opID := range f.def.Scopes[scope].OpIDs {
		op := &f.def.Ops[opID]
		switch op.Kind {
		case graph.OpTransform:
			if err := f.evalTransform(ctx, b, op, useCache); err != nil {
				return err
			}
		case graph.OpForEach:
			if err := f.evalForEach(ctx, b, op, out, useCache); err != nil {
				return err
			}
		case graph.OpCollect:
			if err := f.evalCollect(b, op, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (f *Flow) evalTransform(ctx context.Context, b bindings, op *graph.Op, useCache bool) error {
	t := op.Transform
	args := make([]value.Value, len(t.Inputs))
	fps := make([]value.Fingerprint, len(t.Inputs))
	for i, ref := range t.Inputs {
		v, err := b.resolve(ref)
		if err != nil {
			return fmt.Errorf("%s: %w", op.Name, err)
		}
		args[i] = v
		fps[i] = value.FingerprintOf(v)
	}

	cacheable := useCache && t.Behavior.CacheEnabled
	var key value.Fingerprint
	if cacheable {
		key = value.CacheKey(op.Name, t.Behavior.Version, fps)
		cached, hit, err := f.env.cache().Get(ctx, key)
		if err != nil {
			// A broken cache degrades to recompute, it never fails the
			// row.
			f.log.Warn("cache read failed", "op", op.Name, "error", err)
		} else if hit {
			b[op.Scope].fields[t.OutputField] = cached
			return nil
		}
	}

	result, err := t.Executor.Call(ctx, args)
	if err != nil {
		return fmt.Errorf("%s: %w", op.Name, err)
	}
	if cacheable {
		if err := f.env.cache().Put(ctx, key, result); err != nil {
			f.log.Warn("cache write failed", "op", op.Name, "error", err)
		}
	}
	b[op.Scope].fields[t.OutputField] = result
	return nil
}

func (f *Flow) evalForEach(ctx context.Context, b bindings, op *graph.Op, out *collected, useCache bool) error {
	fe := op.ForEach
	v, err := b.resolve(fe.Input)
	if err != nil {
		return fmt.Errorf("%s: %w", op.Name, err)
	}
	table, ok := v.(value.Table)
	if !ok {
		return fmt.Errorf("%s: iterating non-table %T", op.Name, v)
	}
	tt, ok := f.def.ResolveType(fe.Input)
	if !ok || !tt.IsTable() {
		return fmt.Errorf("%s: input type not resolvable", op.Name)
	}

	adm := admitters{f.global, f.local[op.ID]}
	g, gctx := errgroup.WithContext(ctx)
	var admitErr error
	for _, row := range table.Rows {
		row := row
		if err := adm.acquireRow(gctx); err != nil {
			admitErr = err
			break
		}
		g.Go(func() error {
			defer adm.releaseRow()
			size := value.EstimateSize(row.Data)
			if err := adm.acquireBytes(gctx, size); err != nil {
				return err
			}
			defer adm.releaseBytes(size)
			cb := b.child(fe.ChildScope, frameForRow(tt.Table, row))
			return f.evalScope(gctx, cb, fe.ChildScope, out, useCache)
		})
	}
	err = g.Wait()
	if err == nil {
		err = admitErr
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op.Name, err)
	}
	return nil
}

func (f *Flow) evalCollect(b bindings, op *graph.Op, out *collected) error {
	c := op.Collect
	fields := make([]value.Field, 0, len(c.FieldNames)+1)
	for i, name := range c.FieldNames {
		v, err := b.resolve(c.Inputs[i])
		if err != nil {
			return fmt.Errorf("%s: %w", op.Name, err)
		}
		fields = append(fields, value.F(name, v))
	}
	if c.GeneratedField != "" {
		// The identifier derives from the other collected values, so
		// it is stable while they are unchanged.
		contents := value.FingerprintOf(value.NewStruct(fields...))
		id := value.CollectorUUID(contents).String()
		fields = append([]value.Field{value.F(c.GeneratedField, value.String(id))}, fields...)
	}
	out.add(c.Collector, value.NewStruct(fields...))
	return nil
}
