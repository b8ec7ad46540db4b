package ops

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/lagoonworks/silt/internal/graph"
	"github.com/lagoonworks/silt/internal/value"
)

const jsonlKind = "jsonl"

// JSONLTargetSpec exports a collector as a JSON-lines file: one line
// per entry, sorted by key, rewritten atomically on every mutation
// batch.
type JSONLTargetSpec struct {
	Path string `json:"path"`
}

// TargetKind implements graph.TargetSpec.
func (JSONLTargetSpec) TargetKind() string { return jsonlKind }

type jsonlTarget struct{}

func newJSONLTarget(spec graph.TargetSpec) (graph.TargetConnector, error) {
	s := spec.(JSONLTargetSpec)
	if s.Path == "" {
		return nil, fmt.Errorf("jsonl: path is required")
	}
	return jsonlTarget{}, nil
}

func (jsonlTarget) PersistentKey(spec graph.TargetSpec, targetName string) (string, error) {
	return "jsonl:" + filepath.Clean(spec.(JSONLTargetSpec).Path), nil
}

func (jsonlTarget) Describe(key string) string {
	return "JSON-lines file " + strings.TrimPrefix(key, "jsonl:")
}

func (jsonlTarget) ApplySetupChange(ctx context.Context, key string, prev, cur *graph.TargetSetup) error {
	setup := cur
	if setup == nil {
		setup = prev
	}
	if setup == nil {
		return nil
	}
	var spec JSONLTargetSpec
	if err := unmarshalSpecBody(setup.SpecJSON, &spec); err != nil {
		return fmt.Errorf("jsonl: %w", err)
	}
	if cur == nil {
		if err := os.Remove(spec.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("jsonl: remove %s: %w", spec.Path, err)
		}
		return nil
	}
	if dir := filepath.Dir(spec.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("jsonl: create parent of %s: %w", spec.Path, err)
		}
	}
	// An existing file keeps its entries; the persistent key pins the
	// path, so an update can only change value columns, which the next
	// mutation batches rewrite.
	if _, err := os.Stat(spec.Path); os.IsNotExist(err) {
		if err := os.WriteFile(spec.Path, nil, 0o644); err != nil {
			return fmt.Errorf("jsonl: create %s: %w", spec.Path, err)
		}
	}
	return nil
}

func (jsonlTarget) Prepare(spec graph.TargetSpec, setup *graph.TargetSetup) (graph.TargetWriter, error) {
	return &jsonlWriter{path: spec.(JSONLTargetSpec).Path}, nil
}

type jsonlLine struct {
	Key   any `json:"key"`
	Value any `json:"value"`
}

type jsonlWriter struct {
	path string

	// mu serializes load/rewrite pairs; concurrent row batches share
	// one writer.
	mu sync.Mutex
}

func (w *jsonlWriter) Close() error { return nil }

// Mutate rewrites the whole file: load, apply the batch, write sorted
// lines to a temp file, rename into place. Re-applying a batch lands
// on the same final content.
func (w *jsonlWriter) Mutate(ctx context.Context, muts []graph.Mutation) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	entries, err := w.load()
	if err != nil {
		return err
	}
	for _, m := range muts {
		id, err := keyIdentity(value.ToJSON(m.Key))
		if err != nil {
			return fmt.Errorf("jsonl: %s: %w", w.path, err)
		}
		if m.Value == nil {
			delete(entries, id)
			continue
		}
		entries[id] = jsonlLine{Key: value.ToJSON(m.Key), Value: value.ToJSON(*m.Value)}
	}
	return w.write(entries)
}

func (w *jsonlWriter) load() (map[string]jsonlLine, error) {
	entries := make(map[string]jsonlLine)
	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, fmt.Errorf("jsonl: open %s: %w", w.path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var line jsonlLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("jsonl: parse %s: %w", w.path, err)
		}
		id, err := keyIdentity(line.Key)
		if err != nil {
			return nil, fmt.Errorf("jsonl: %s: %w", w.path, err)
		}
		entries[id] = line
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("jsonl: scan %s: %w", w.path, err)
	}
	return entries, nil
}

func (w *jsonlWriter) write(entries map[string]jsonlLine) error {
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tmp, err := os.CreateTemp(filepath.Dir(w.path), ".jsonl-*")
	if err != nil {
		return fmt.Errorf("jsonl: temp file for %s: %w", w.path, err)
	}
	defer os.Remove(tmp.Name())

	bw := bufio.NewWriter(tmp)
	enc := json.NewEncoder(bw)
	for _, id := range ids {
		if err := enc.Encode(entries[id]); err != nil {
			tmp.Close()
			return fmt.Errorf("jsonl: encode line: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("jsonl: flush %s: %w", w.path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("jsonl: close temp for %s: %w", w.path, err)
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		return fmt.Errorf("jsonl: replace %s: %w", w.path, err)
	}
	return nil
}

// keyIdentity renders a parsed or generated key as compact JSON.
// encoding/json sorts map keys, so the identity is stable across load
// and mutate.
func keyIdentity(key any) (string, error) {
	data, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("encode key: %w", err)
	}
	return string(data), nil
}
