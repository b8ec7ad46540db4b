// Package compiler turns declarative CUE flow files into flow
// definitions. A flow file names its sources, transformations,
// collectors, and exports; the compiler resolves each spec through the
// registry's decoders and drives the definition builder.
//
// The expected shape:
//
//	flow: {
//		name: "flows/docs"
//		sources: [{
//			name: "documents"
//			kind: "localfile"
//			spec: {path: "./docs"}
//			refresh: {interval: "30s"}
//		}]
//		transforms: [{
//			scope:    "documents"
//			function: "split_text"
//			spec:     {chunk_size: 512}
//			args:     ["content"]
//			name:     "chunks"
//		}]
//		collectors: [{
//			name:  "out"
//			scope: "documents.chunks"
//			entries: [
//				{name: "id", generated: true},
//				{name: "doc", ref: "documents.filename"},
//				{name: "text", ref: "text"},
//			]
//		}]
//		exports: [{
//			collector: "out"
//			target:    "main"
//			kind:      "sqlite"
//			spec:      {database: "out.db", table: "docs"}
//			keys:      ["id"]
//		}]
//	}
//
// Scope paths are dotted: an import name enters its row scope, and
// each further segment iterates a table-typed field of the enclosing
// scope. A ref resolves against the longest scope-path prefix it
// names, falling back to the fields of its own scope.
package compiler

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/lagoonworks/silt/internal/graph"
	"github.com/lagoonworks/silt/internal/registry"
)

// CompileFile compiles the flow file at path against reg.
func CompileFile(path string, reg *registry.Registry) (*graph.Definition, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow file: %w", err)
	}
	return Compile(path, src, reg)
}

// Compile compiles CUE flow source. filename is used for positions.
func Compile(filename string, src []byte, reg *registry.Registry) (*graph.Definition, error) {
	ctx := cuecontext.New()
	root := ctx.CompileBytes(src, cue.Filename(filename))
	if err := root.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	flow := root.LookupPath(cue.ParsePath("flow"))
	if !flow.Exists() {
		return nil, &CompileError{Path: "flow", Message: "flow definition is required", Pos: root.Pos()}
	}
	if err := flow.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	name, err := requiredString(flow, "name")
	if err != nil {
		return nil, err
	}

	c := &fileCompiler{
		reg:     reg,
		b:       graph.NewBuilder(name, reg),
		scopes:  make(map[string]*graph.Scope),
		collect: make(map[string]*graph.Collector),
	}
	if err := c.compileSources(flow.LookupPath(cue.ParsePath("sources"))); err != nil {
		return nil, err
	}
	if err := c.compileTransforms(flow.LookupPath(cue.ParsePath("transforms"))); err != nil {
		return nil, err
	}
	if err := c.compileCollectors(flow.LookupPath(cue.ParsePath("collectors"))); err != nil {
		return nil, err
	}
	if err := c.compileExports(flow.LookupPath(cue.ParsePath("exports"))); err != nil {
		return nil, err
	}
	if err := c.compileDeclarations(flow.LookupPath(cue.ParsePath("declarations"))); err != nil {
		return nil, err
	}
	return c.b.Build()
}

type fileCompiler struct {
	reg     *registry.Registry
	b       *graph.Builder
	scopes  map[string]*graph.Scope
	collect map[string]*graph.Collector
}

func (c *fileCompiler) compileSources(v cue.Value) error {
	if !v.Exists() {
		return &CompileError{Path: "flow.sources", Message: "at least one source is required", Pos: v.Pos()}
	}
	n := 0
	err := eachListItem(v, "flow.sources", func(item cue.Value) error {
		n++
		name, err := requiredString(item, "name")
		if err != nil {
			return err
		}
		spec, err := c.sourceSpec(item)
		if err != nil {
			return err
		}
		opts, err := importOptions(item)
		if err != nil {
			return err
		}
		c.b.ImportFrom(name, spec, opts...)
		return nil
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return &CompileError{Path: "flow.sources", Message: "at least one source is required", Pos: v.Pos()}
	}
	return nil
}

func (c *fileCompiler) compileTransforms(v cue.Value) error {
	if !v.Exists() {
		return nil
	}
	return eachListItem(v, "flow.transforms", func(item cue.Value) error {
		scopePath, err := requiredString(item, "scope")
		if err != nil {
			return err
		}
		spec, err := c.functionSpec(item)
		if err != nil {
			return err
		}
		sc, err := c.ensureScope(scopePath)
		if err != nil {
			return err
		}
		var args []*graph.Slice
		err = eachListItem(item.LookupPath(cue.ParsePath("args")), "args", func(ref cue.Value) error {
			refStr, err := ref.String()
			if err != nil {
				return formatCUEError(err)
			}
			slice, err := c.resolveRef(sc, refStr)
			if err != nil {
				return err
			}
			args = append(args, slice)
			return nil
		})
		if err != nil {
			return err
		}
		name, _ := optionalString(item, "name")
		c.b.TransformNamed(name, spec, args...)
		return c.b.Err()
	})
}

func (c *fileCompiler) compileCollectors(v cue.Value) error {
	if !v.Exists() {
		return nil
	}
	return eachListItem(v, "flow.collectors", func(item cue.Value) error {
		name, err := requiredString(item, "name")
		if err != nil {
			return err
		}
		scopePath, _ := optionalString(item, "scope")
		sc, err := c.ensureScope(scopePath)
		if err != nil {
			return err
		}
		coll := sc.AddCollector(name)
		c.collect[name] = coll

		var entries []graph.CollectEntry
		err = eachListItem(item.LookupPath(cue.ParsePath("entries")), "entries", func(entry cue.Value) error {
			entryName, err := requiredString(entry, "name")
			if err != nil {
				return err
			}
			if generated, _ := entry.LookupPath(cue.ParsePath("generated")).Bool(); generated {
				entries = append(entries, graph.GeneratedUUID(entryName))
				return nil
			}
			refStr, err := requiredString(entry, "ref")
			if err != nil {
				return err
			}
			slice, err := c.resolveRef(sc, refStr)
			if err != nil {
				return err
			}
			entries = append(entries, graph.Col(entryName, slice))
			return nil
		})
		if err != nil {
			return err
		}
		coll.Collect(entries...)
		return c.b.Err()
	})
}

func (c *fileCompiler) compileExports(v cue.Value) error {
	if !v.Exists() {
		return nil
	}
	return eachListItem(v, "flow.exports", func(item cue.Value) error {
		collName, err := requiredString(item, "collector")
		if err != nil {
			return err
		}
		coll, ok := c.collect[collName]
		if !ok {
			return &CompileError{
				Path:    "flow.exports",
				Message: fmt.Sprintf("unknown collector %q", collName),
				Pos:     item.Pos(),
			}
		}
		target, err := requiredString(item, "target")
		if err != nil {
			return err
		}
		spec, err := c.targetSpec(item)
		if err != nil {
			return err
		}
		var keys []string
		err = eachListItem(item.LookupPath(cue.ParsePath("keys")), "keys", func(k cue.Value) error {
			s, err := k.String()
			if err != nil {
				return formatCUEError(err)
			}
			keys = append(keys, s)
			return nil
		})
		if err != nil {
			return err
		}
		var opts []graph.ExportOption
		if byUser, _ := item.LookupPath(cue.ParsePath("setup_by_user")).Bool(); byUser {
			opts = append(opts, graph.WithSetupByUser())
		}
		coll.ExportTo(target, spec, keys, opts...)
		return c.b.Err()
	})
}

func (c *fileCompiler) compileDeclarations(v cue.Value) error {
	if !v.Exists() {
		return nil
	}
	return eachListItem(v, "flow.declarations", func(item cue.Value) error {
		kind, raw, err := specEnvelope(item)
		if err != nil {
			return err
		}
		spec, err := c.reg.DecodeDeclarationSpec(envelopeJSON(kind, raw))
		if err != nil {
			return &CompileError{Path: "flow.declarations", Message: err.Error(), Pos: item.Pos()}
		}
		c.b.Declare(spec)
		return c.b.Err()
	})
}

// ensureScope materializes the row scope for a dotted path, creating
// intermediate row iterations as needed. The empty path is the root.
func (c *fileCompiler) ensureScope(path string) (*graph.Scope, error) {
	if path == "" {
		return c.b.RootScope(), nil
	}
	if sc, ok := c.scopes[path]; ok {
		return sc, nil
	}
	segs := strings.Split(path, ".")
	var slice *graph.Slice
	if len(segs) == 1 {
		slice = c.b.RootScope().Field(segs[0])
	} else {
		parent, err := c.ensureScope(strings.Join(segs[:len(segs)-1], "."))
		if err != nil {
			return nil, err
		}
		slice = parent.Field(segs[len(segs)-1])
	}
	sc := slice.Row()
	if err := c.b.Err(); err != nil {
		return nil, err
	}
	c.scopes[path] = sc
	return sc, nil
}

// resolveRef resolves a dotted field reference. The longest prefix
// matching an existing scope path anchors the lookup there; otherwise
// the ref is read from the entry's own scope.
func (c *fileCompiler) resolveRef(sc *graph.Scope, ref string) (*graph.Slice, error) {
	segs := strings.Split(ref, ".")
	var slice *graph.Slice
	anchored := false
	for cut := len(segs) - 1; cut > 0; cut-- {
		if anchor, ok := c.scopes[strings.Join(segs[:cut], ".")]; ok {
			slice = fieldChain(anchor, segs[cut:])
			anchored = true
			break
		}
	}
	if !anchored {
		slice = fieldChain(sc, segs)
	}
	if err := c.b.Err(); err != nil {
		return nil, err
	}
	return slice, nil
}

func fieldChain(sc *graph.Scope, segs []string) *graph.Slice {
	slice := sc.Field(segs[0])
	for _, seg := range segs[1:] {
		slice = slice.Field(seg)
	}
	return slice
}

func (c *fileCompiler) sourceSpec(item cue.Value) (graph.SourceSpec, error) {
	kind, raw, err := specEnvelope(item)
	if err != nil {
		return nil, err
	}
	spec, err := c.reg.DecodeSourceSpec(envelopeJSON(kind, raw))
	if err != nil {
		return nil, &CompileError{Path: "flow.sources", Message: err.Error(), Pos: item.Pos()}
	}
	return spec, nil
}

func (c *fileCompiler) functionSpec(item cue.Value) (graph.FunctionSpec, error) {
	kind, err := requiredString(item, "function")
	if err != nil {
		return nil, err
	}
	raw, err := rawSpec(item)
	if err != nil {
		return nil, err
	}
	spec, err := c.reg.DecodeFunctionSpec(envelopeJSON(kind, raw))
	if err != nil {
		return nil, &CompileError{Path: "flow.transforms", Message: err.Error(), Pos: item.Pos()}
	}
	return spec, nil
}

func (c *fileCompiler) targetSpec(item cue.Value) (graph.TargetSpec, error) {
	kind, raw, err := specEnvelope(item)
	if err != nil {
		return nil, err
	}
	spec, err := c.reg.DecodeTargetSpec(envelopeJSON(kind, raw))
	if err != nil {
		return nil, &CompileError{Path: "flow.exports", Message: err.Error(), Pos: item.Pos()}
	}
	return spec, nil
}

func specEnvelope(item cue.Value) (string, json.RawMessage, error) {
	kind, err := requiredString(item, "kind")
	if err != nil {
		return "", nil, err
	}
	raw, err := rawSpec(item)
	if err != nil {
		return "", nil, err
	}
	return kind, raw, nil
}

func rawSpec(item cue.Value) (json.RawMessage, error) {
	specVal := item.LookupPath(cue.ParsePath("spec"))
	if !specVal.Exists() {
		return json.RawMessage(`{}`), nil
	}
	data, err := specVal.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	return data, nil
}

func envelopeJSON(kind string, raw json.RawMessage) []byte {
	data, _ := json.Marshal(struct {
		Kind string          `json:"kind"`
		Spec json.RawMessage `json:"spec"`
	}{Kind: kind, Spec: raw})
	return data
}

func importOptions(item cue.Value) ([]graph.ImportOption, error) {
	var opts []graph.ImportOption
	refresh := item.LookupPath(cue.ParsePath("refresh"))
	if refresh.Exists() {
		if s, ok := optionalString(refresh, "interval"); ok {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, &CompileError{
					Path:    "refresh.interval",
					Message: fmt.Sprintf("invalid duration %q", s),
					Pos:     refresh.Pos(),
				}
			}
			opts = append(opts, graph.WithRefreshInterval(d))
		}
		if s, ok := optionalString(refresh, "schedule"); ok {
			opts = append(opts, graph.WithRefreshSchedule(s))
		}
	}
	inflight := item.LookupPath(cue.ParsePath("max_inflight"))
	if inflight.Exists() {
		rows, _ := inflight.LookupPath(cue.ParsePath("rows")).Int64()
		bytes, _ := inflight.LookupPath(cue.ParsePath("bytes")).Int64()
		opts = append(opts, graph.WithImportInflight(int(rows), bytes))
	}
	return opts, nil
}

func eachListItem(v cue.Value, path string, fn func(item cue.Value) error) error {
	if !v.Exists() {
		return nil
	}
	iter, err := v.List()
	if err != nil {
		return &CompileError{Path: path, Message: "must be a list", Pos: v.Pos()}
	}
	for iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

func requiredString(v cue.Value, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", &CompileError{Path: field, Message: field + " is required", Pos: v.Pos()}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalString(v cue.Value, field string) (string, bool) {
	fv := v.LookupPath(cue.ParsePath(field))
	if !fv.Exists() {
		return "", false
	}
	s, err := fv.String()
	if err != nil {
		return "", false
	}
	return s, true
}
