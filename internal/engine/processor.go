package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lagoonworks/silt/internal/graph"
	"github.com/lagoonworks/silt/internal/store"
	"github.com/lagoonworks/silt/internal/value"
)

// targetWriters holds the prepared writers for one cycle, keyed by
// persistent key.
type targetWriters map[string]*preparedTarget

type preparedTarget struct {
	exp    *graph.ExportOp
	writer graph.TargetWriter
}

func (f *Flow) prepareWriters() (targetWriters, error) {
	writers := make(targetWriters, len(f.def.Exports))
	for _, id := range f.def.Exports {
		exp := f.def.Ops[id].Export
		w, err := exp.Connector.Prepare(exp.Spec, buildTargetSetup(f.def, exp))
		if err != nil {
			writers.close(f)
			return nil, &MutateError{Flow: f.def.Name, TargetKey: exp.PersistentKey,
				Err: fmt.Errorf("prepare: %w", err)}
		}
		writers[exp.PersistentKey] = &preparedTarget{exp: exp, writer: w}
	}
	return writers, nil
}

func (w targetWriters) close(f *Flow) {
	for key, pt := range w {
		if err := pt.writer.Close(); err != nil {
			f.log.Warn("close target writer", "target", key, "error", err)
		}
	}
}

// processSource runs one incremental cycle for the import op impID:
// list, skip unchanged rows, evaluate the rest, retract vanished rows,
// checkpoint. A stop callback makes the cycle stop admitting new rows
// at the next row boundary; admitted rows still complete and commit.
func (f *Flow) processSource(ctx context.Context, impID int, stop func() bool) (SourceStats, error) {
	imp := f.def.Ops[impID].Import
	source := imp.FieldName
	var stats SourceStats
	var statsMu sync.Mutex

	metas, err := imp.Connector.List(ctx)
	if err != nil {
		return stats, &SourceError{Flow: f.def.Name, Source: source, Err: fmt.Errorf("list: %w", err)}
	}
	ledger, err := f.env.Store.ListRowStates(ctx, f.def.Name, source)
	if err != nil {
		return stats, &SourceError{Flow: f.def.Name, Source: source, Err: err}
	}
	writers, err := f.prepareWriters()
	if err != nil {
		return stats, err
	}
	defer writers.close(f)

	ordinal := f.ordinal.Add(1)
	adm := admitters{f.global, f.local[impID]}

	var wg sync.WaitGroup
	var errMu sync.Mutex
	var rowErrs []error
	current := make(map[string]bool, len(metas))

	for _, meta := range metas {
		keyEnc := value.Encode(meta.Key)
		current[string(keyEnc)] = true
		if st, ok := ledger[string(keyEnc)]; ok && st.Fingerprint == meta.Fingerprint.Hex() {
			stats.Skipped++
			continue
		}
		if stop != nil && stop() {
			break
		}
		if err := adm.acquireRow(ctx); err != nil {
			errMu.Lock()
			rowErrs = append(rowErrs, err)
			errMu.Unlock()
			break
		}
		wg.Add(1)
		go func(meta graph.SourceRowMeta, keyEnc []byte) {
			defer wg.Done()
			defer adm.releaseRow()
			deleted, err := f.processRow(ctx, imp, source, meta, keyEnc, ordinal, adm, writers)
			statsMu.Lock()
			switch {
			case err != nil:
				stats.Failed++
			case deleted:
				stats.Deleted++
			default:
				stats.Processed++
			}
			statsMu.Unlock()
			if err != nil {
				f.log.Error("row processing failed", "source", source, "error", err)
				errMu.Lock()
				rowErrs = append(rowErrs, err)
				errMu.Unlock()
			}
		}(meta, keyEnc)
	}
	wg.Wait()

	// Rows in the ledger but absent from the listing were deleted at
	// the source: retract their entries and drop the checkpoint.
	for keyEnc := range ledger {
		if current[keyEnc] {
			continue
		}
		if stop != nil && stop() {
			break
		}
		if err := f.retractRow(ctx, source, []byte(keyEnc), writers); err != nil {
			stats.Failed++
			f.log.Error("row retraction failed", "source", source, "error", err)
			rowErrs = append(rowErrs, err)
			continue
		}
		stats.Deleted++
	}

	return stats, errors.Join(rowErrs...)
}

// processRow evaluates one source row and applies its mutations.
// Returns deleted=true when the row vanished between List and Read, in
// which case it was retracted instead.
func (f *Flow) processRow(ctx context.Context, imp *graph.ImportOp, source string, meta graph.SourceRowMeta, keyEnc []byte, ordinal int64, adm admitters, writers targetWriters) (deleted bool, err error) {
	row, ok, err := imp.Connector.Read(ctx, meta.Key)
	if err != nil {
		return false, &SourceError{Flow: f.def.Name, Source: source, Err: fmt.Errorf("read: %w", err)}
	}
	if !ok {
		return true, f.retractRow(ctx, source, keyEnc, writers)
	}

	size := value.EstimateSize(row)
	if err := adm.acquireBytes(ctx, size); err != nil {
		return false, err
	}
	defer adm.releaseBytes(size)

	out := newCollected()
	if imp.RowScope >= 0 {
		rowFrame := newFrame()
		rowFrame.fields[imp.Connector.Schema().KeyField.Name] = meta.Key
		for _, fd := range row.Fields {
			rowFrame.fields[fd.Name] = fd.Value
		}
		b := bindings{graph.RootScope: newFrame(), imp.RowScope: rowFrame}
		if err := f.evalScope(ctx, b, imp.RowScope, out, true); err != nil {
			return false, &TransformError{Flow: f.def.Name, Source: source, RowKey: meta.Key, Err: err}
		}
	}

	prev, err := f.env.Store.CollectedKeys(ctx, f.def.Name, source, keyEnc)
	if err != nil {
		return false, err
	}

	collectedKeys := make(map[string][][]byte, len(writers))
	for targetKey, pt := range writers {
		muts, newKeys, err := f.targetMutations(pt.exp, out, prev[targetKey])
		if err != nil {
			return false, &TransformError{Flow: f.def.Name, Source: source, RowKey: meta.Key, Err: err}
		}
		if len(muts) > 0 {
			if err := pt.writer.Mutate(ctx, muts); err != nil {
				return false, &MutateError{Flow: f.def.Name, TargetKey: targetKey, Err: err}
			}
		}
		collectedKeys[targetKey] = newKeys
	}

	st := store.RowState{
		Key:         keyEnc,
		Fingerprint: meta.Fingerprint.Hex(),
		Ordinal:     ordinal,
		ProcessedAt: time.Now().UTC(),
	}
	if err := f.env.Store.CommitRow(ctx, f.def.Name, source, st, collectedKeys); err != nil {
		return false, err
	}
	return false, nil
}

// targetMutations builds the upserts for the row's collected entries
// plus deletes for previously recorded entry keys no longer produced.
func (f *Flow) targetMutations(exp *graph.ExportOp, out *collected, prevKeys [][]byte) ([]graph.Mutation, [][]byte, error) {
	entries := out.entries[exp.Collector]
	muts := make([]graph.Mutation, 0, len(entries))
	newKeys := make([][]byte, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		k := entryKey(entry, exp.KeyFields)
		enc := value.Encode(k)
		if seen[string(enc)] {
			return nil, nil, fmt.Errorf("target %s: duplicate entry key %s",
				exp.TargetName, value.FingerprintOf(k).Short())
		}
		seen[string(enc)] = true
		newKeys = append(newKeys, enc)
		v := entryValue(entry, exp.KeyFields)
		muts = append(muts, graph.Mutation{Key: k, Value: &v})
	}
	for _, old := range prevKeys {
		if seen[string(old)] {
			continue
		}
		k, err := value.Decode(old)
		if err != nil {
			return nil, nil, fmt.Errorf("decode recorded entry key: %w", err)
		}
		muts = append(muts, graph.Mutation{Key: k})
	}
	return muts, newKeys, nil
}

// retractRow deletes every entry a source row previously produced and
// removes its checkpoint.
func (f *Flow) retractRow(ctx context.Context, source string, keyEnc []byte, writers targetWriters) error {
	prev, err := f.env.Store.CollectedKeys(ctx, f.def.Name, source, keyEnc)
	if err != nil {
		return err
	}
	for targetKey, oldKeys := range prev {
		pt, ok := writers[targetKey]
		if !ok {
			// The export is gone from the definition; its backend was
			// (or will be) dropped by setup.
			continue
		}
		muts := make([]graph.Mutation, 0, len(oldKeys))
		for _, old := range oldKeys {
			k, err := value.Decode(old)
			if err != nil {
				return fmt.Errorf("decode recorded entry key: %w", err)
			}
			muts = append(muts, graph.Mutation{Key: k})
		}
		if len(muts) > 0 {
			if err := pt.writer.Mutate(ctx, muts); err != nil {
				return &MutateError{Flow: f.def.Name, TargetKey: targetKey, Err: err}
			}
		}
	}
	return f.env.Store.DeleteRow(ctx, f.def.Name, source, keyEnc)
}

// entryKey extracts the export key from a collected entry: the single
// key field's value, or a struct of the key fields in declared order.
func entryKey(entry value.Struct, keyFields []string) value.Value {
	if len(keyFields) == 1 {
		v, _ := entry.Get(keyFields[0])
		return v
	}
	fields := make([]value.Field, 0, len(keyFields))
	for _, name := range keyFields {
		v, _ := entry.Get(name)
		fields = append(fields, value.F(name, v))
	}
	return value.NewStruct(fields...)
}

// entryValue is the collected entry minus its key fields.
func entryValue(entry value.Struct, keyFields []string) value.Struct {
	isKey := make(map[string]bool, len(keyFields))
	for _, name := range keyFields {
		isKey[name] = true
	}
	fields := make([]value.Field, 0, len(entry.Fields))
	for _, fd := range entry.Fields {
		if !isKey[fd.Name] {
			fields = append(fields, fd)
		}
	}
	return value.NewStruct(fields...)
}

// buildTargetSetup renders the desired persistent state for an export
// from the collector schema feeding it.
func buildTargetSetup(def *graph.Definition, exp *graph.ExportOp) *graph.TargetSetup {
	coll := def.Collectors[exp.Collector]
	isKey := make(map[string]bool, len(exp.KeyFields))
	for _, name := range exp.KeyFields {
		isKey[name] = true
	}
	setup := &graph.TargetSetup{
		TargetName: exp.TargetName,
		SpecJSON:   exp.SpecJSON,
	}
	for _, tf := range coll.Fields {
		if isKey[tf.Name] {
			setup.KeyFields = append(setup.KeyFields, tf)
		} else {
			setup.ValueFields = append(setup.ValueFields, tf)
		}
	}
	return setup
}
