package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lagoonworks/silt/internal/graph"
	"github.com/lagoonworks/silt/internal/value"
)

// DumpOptions configures EvaluateAndDump.
type DumpOptions struct {
	// OutputDir receives one JSON file per source.
	OutputDir string
	// UseCache reuses (and fills) the result cache during evaluation.
	UseCache bool
}

// EvaluateAndDump runs the definition graph over every source row and
// writes the evaluated rows and collected entries as JSON, without
// touching any target or checkpoint. Output is deterministic: rows
// and entries are ordered by their canonical key encoding.
func (f *Flow) EvaluateAndDump(ctx context.Context, opts DumpOptions) error {
	if err := f.checkOpen("evaluate"); err != nil {
		return err
	}
	if opts.OutputDir == "" {
		return fmt.Errorf("flow %s: evaluate requires an output directory", f.def.Name)
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := f.prepareExecutors(ctx); err != nil {
		return err
	}

	for _, impID := range f.def.Imports {
		imp := f.def.Ops[impID].Import
		doc, err := f.evaluateSource(ctx, imp, opts.UseCache)
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal dump for %s: %w", imp.FieldName, err)
		}
		name := dumpFileName(f.def.Name, imp.FieldName)
		if err := os.WriteFile(filepath.Join(opts.OutputDir, name), append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("write dump for %s: %w", imp.FieldName, err)
		}
	}
	return nil
}

type dumpDoc struct {
	Flow   string    `json:"flow"`
	Source string    `json:"source"`
	Rows   []dumpRow `json:"rows"`
}

type dumpRow struct {
	Key       any              `json:"key"`
	Fields    map[string]any   `json:"fields"`
	Collected map[string][]any `json:"collected,omitempty"`
}

func (f *Flow) evaluateSource(ctx context.Context, imp *graph.ImportOp, useCache bool) (*dumpDoc, error) {
	source := imp.FieldName
	metas, err := imp.Connector.List(ctx)
	if err != nil {
		return nil, &SourceError{Flow: f.def.Name, Source: source, Err: fmt.Errorf("list: %w", err)}
	}
	sort.Slice(metas, func(i, j int) bool {
		return string(value.Encode(metas[i].Key)) < string(value.Encode(metas[j].Key))
	})

	doc := &dumpDoc{Flow: f.def.Name, Source: source, Rows: make([]dumpRow, 0, len(metas))}
	for _, meta := range metas {
		row, ok, err := imp.Connector.Read(ctx, meta.Key)
		if err != nil {
			return nil, &SourceError{Flow: f.def.Name, Source: source, Err: fmt.Errorf("read: %w", err)}
		}
		if !ok {
			continue
		}

		out := newCollected()
		rowFrame := newFrame()
		rowFrame.fields[imp.Connector.Schema().KeyField.Name] = meta.Key
		for _, fd := range row.Fields {
			rowFrame.fields[fd.Name] = fd.Value
		}
		if imp.RowScope >= 0 {
			b := bindings{graph.RootScope: newFrame(), imp.RowScope: rowFrame}
			if err := f.evalScope(ctx, b, imp.RowScope, out, useCache); err != nil {
				return nil, &TransformError{Flow: f.def.Name, Source: source, RowKey: meta.Key, Err: err}
			}
		}

		fields := make(map[string]any, len(rowFrame.fields))
		for name, v := range rowFrame.fields {
			fields[name] = value.ToJSON(v)
		}
		dr := dumpRow{Key: value.ToJSON(meta.Key), Fields: fields}
		if len(out.entries) > 0 {
			dr.Collected = make(map[string][]any, len(out.entries))
			for idx, entries := range out.entries {
				sort.Slice(entries, func(i, j int) bool {
					return string(value.Encode(entries[i])) < string(value.Encode(entries[j]))
				})
				rendered := make([]any, 0, len(entries))
				for _, e := range entries {
					rendered = append(rendered, value.ToJSON(e))
				}
				dr.Collected[f.def.Collectors[idx].Name] = rendered
			}
		}
		doc.Rows = append(doc.Rows, dr)
	}
	return doc, nil
}

func dumpFileName(flow, source string) string {
	sanitize := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch r {
			case '/', '\\', ':':
				return '_'
			}
			return r
		}, s)
	}
	return sanitize(flow) + "__" + sanitize(source) + ".json"
}
