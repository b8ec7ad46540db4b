package compiler_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagoonworks/silt/internal/compiler"
	"github.com/lagoonworks/silt/internal/engine"
	"github.com/lagoonworks/silt/internal/testutil"
	"github.com/lagoonworks/silt/internal/value"
)

const chunkedFlow = `
flow: {
	name: "flows/cue-chunks"
	sources: [{
		name: "documents"
		kind: "memory"
		spec: {name: "docs"}
	}]
	transforms: [{
		scope:    "documents"
		function: "split"
		spec:     {sep: " "}
		args:     ["content"]
		name:     "chunks"
	}, {
		scope:    "documents.chunks"
		function: "upper"
		spec:     {version: "1"}
		args:     ["text"]
		name:     "loud"
	}]
	collectors: [{
		name:  "out"
		scope: "documents.chunks"
		entries: [
			{name: "id", generated: true},
			{name: "doc", ref: "documents.key"},
			{name: "text", ref: "loud"},
		]
	}]
	exports: [{
		collector: "out"
		target:    "main"
		kind:      "memtable"
		spec:      {table: "main"}
		keys:      ["id"]
	}]
	declarations: [{
		kind: "memschema"
		spec: {schema: "public"}
	}]
}
`

func TestCompile_FullFlow(t *testing.T) {
	src := testutil.NewMemSource(value.TF("content", value.StringType()))
	hub := testutil.NewTargetHub()
	reg := testutil.NewRegistry(src, hub)

	def, err := compiler.Compile("chunks.cue", []byte(chunkedFlow), reg)
	require.NoError(t, err)
	assert.Equal(t, "flows/cue-chunks", def.Name)
	require.Len(t, def.Imports, 1)
	require.Len(t, def.Exports, 1)
	require.Len(t, def.Declares, 1)
	require.Len(t, def.Collectors, 1)

	exp := def.Ops[def.Exports[0]].Export
	assert.Equal(t, "main", exp.TargetName)
	assert.Equal(t, []string{"id"}, exp.KeyFields)

	coll := def.Collectors[0]
	assert.Equal(t, "out", coll.Name)
}

func TestCompile_CompiledFlowRuns(t *testing.T) {
	src := testutil.NewMemSource(value.TF("content", value.StringType()))
	hub := testutil.NewTargetHub()
	reg := testutil.NewRegistry(src, hub)
	src.SetRow("doc", value.F("content", value.String("alpha beta")))

	def, err := compiler.Compile("chunks.cue", []byte(chunkedFlow), reg)
	require.NoError(t, err)

	env, err := engine.NewEnvironment(t.TempDir(), reg)
	require.NoError(t, err)
	defer env.Close()
	f, err := engine.OpenFlow(def, env)
	require.NoError(t, err)
	defer f.Close()

	ctx := context.Background()
	_, err = f.Setup(ctx)
	require.NoError(t, err)
	require.True(t, hub.HasSchema("public"))

	stats, err := f.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Source("documents").Processed)

	texts := make(map[string]bool)
	for _, row := range hub.Rows("main") {
		texts[string(row.MustGet("text").(value.String))] = true
	}
	assert.True(t, texts["ALPHA"])
	assert.True(t, texts["BETA"])
}

func TestCompile_RefreshOptions(t *testing.T) {
	src := testutil.NewMemSource(value.TF("content", value.StringType()))
	reg := testutil.NewRegistry(src, testutil.NewTargetHub())

	def, err := compiler.Compile("flow.cue", []byte(`
flow: {
	name: "flows/refresh"
	sources: [{
		name: "documents"
		kind: "memory"
		spec: {name: "docs"}
		refresh: {interval: "30s"}
		max_inflight: {rows: 4}
	}]
}
`), reg)
	require.NoError(t, err)
	imp, ok := def.ImportByName("documents")
	require.True(t, ok)
	assert.Equal(t, "30s", imp.Import.Refresh.Interval.String())
	assert.Equal(t, 4, imp.Import.Exec.MaxInflightRows)
}

func TestCompile_Errors(t *testing.T) {
	src := testutil.NewMemSource(value.TF("content", value.StringType()))
	reg := testutil.NewRegistry(src, testutil.NewTargetHub())

	cases := map[string]string{
		"missing flow": `x: 1`,
		"missing name": `flow: {sources: [{name: "d", kind: "memory", spec: {name: "x"}}]}`,
		"no sources":   `flow: {name: "flows/x"}`,
		"unknown kind": `flow: {name: "flows/x", sources: [{name: "d", kind: "nope", spec: {}}]}`,
		"bad interval": `flow: {name: "flows/x", sources: [{name: "d", kind: "memory", spec: {name: "x"}, refresh: {interval: "soon"}}]}`,
		"unknown ref": `flow: {
			name: "flows/x"
			sources: [{name: "d", kind: "memory", spec: {name: "x"}}]
			transforms: [{scope: "d", function: "upper", spec: {version: "1"}, args: ["nope"]}]
		}`,
		"unknown collector": `flow: {
			name: "flows/x"
			sources: [{name: "d", kind: "memory", spec: {name: "x"}}]
			exports: [{collector: "missing", target: "t", kind: "memtable", spec: {table: "t"}, keys: ["k"]}]
		}`,
	}
	for label, src := range cases {
		_, err := compiler.Compile("bad.cue", []byte(src), reg)
		require.Error(t, err, label)
	}
}

func TestCompile_ErrorCarriesPosition(t *testing.T) {
	src := testutil.NewMemSource(value.TF("content", value.StringType()))
	reg := testutil.NewRegistry(src, testutil.NewTargetHub())

	_, err := compiler.Compile("broken.cue", []byte(`flow: {name: 3}`), reg)
	require.Error(t, err)
	var ce *compiler.CompileError
	if assert.ErrorAs(t, err, &ce) {
		assert.Contains(t, ce.Error(), "broken.cue")
	}
}

func TestCompile_ResolvesAuthReferences(t *testing.T) {
	src := testutil.NewMemSource(value.TF("content", value.StringType()))
	reg := testutil.NewRegistry(src, testutil.NewTargetHub())

	// The environment installs its auth entries as the registry's
	// reference resolver.
	env, err := engine.NewEnvironment(t.TempDir(), reg)
	require.NoError(t, err)
	defer env.Close()
	ctx := context.Background()
	_, err = env.Auth.AddPersistent(ctx, "docs-fixture", []byte("docs"))
	require.NoError(t, err)

	def, err := compiler.Compile("flow.cue", []byte(`
flow: {
	name: "flows/authed"
	sources: [{name: "documents", kind: "memory", spec: {name: {auth_ref: "docs-fixture"}}}]
}
`), reg)
	require.NoError(t, err)
	imp, ok := def.ImportByName("documents")
	require.True(t, ok)
	assert.Equal(t, "docs", imp.Import.Spec.(testutil.MemSourceSpec).Name)

	// A reference to an unregistered key fails the compile.
	_, err = compiler.Compile("flow.cue", []byte(`
flow: {
	name: "flows/authed"
	sources: [{name: "documents", kind: "memory", spec: {name: {auth_ref: "absent"}}}]
}
`), reg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `auth key "absent" not found`)
}

func TestCompile_SetupByUserExport(t *testing.T) {
	src := testutil.NewMemSource(value.TF("content", value.StringType()))
	reg := testutil.NewRegistry(src, testutil.NewTargetHub())

	def, err := compiler.Compile("flow.cue", []byte(`
flow: {
	name: "flows/by-user"
	sources: [{name: "documents", kind: "memory", spec: {name: "docs"}}]
	transforms: [{scope: "documents", function: "upper", spec: {version: "1"}, args: ["content"], name: "loud"}]
	collectors: [{
		name: "out"
		scope: "documents"
		entries: [{name: "key", ref: "key"}, {name: "text", ref: "loud"}]
	}]
	exports: [{
		collector: "out", target: "main", kind: "memtable"
		spec: {table: "main"}, keys: ["key"], setup_by_user: true
	}]
}
`), reg)
	require.NoError(t, err)
	require.Len(t, def.Exports, 1)
	assert.True(t, def.Ops[def.Exports[0]].Export.SetupByUser)
}
