package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lagoonworks/silt/internal/engine"
	"github.com/lagoonworks/silt/internal/graph"
	"github.com/lagoonworks/silt/internal/registry"
	"github.com/lagoonworks/silt/internal/testutil"
	"github.com/lagoonworks/silt/internal/value"
)

type fixture struct {
	src *testutil.MemSource
	hub *testutil.TargetHub
	reg *registry.Registry
	env *engine.Environment
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	src := testutil.NewMemSource(value.TF("content", value.StringType()))
	hub := testutil.NewTargetHub()
	reg := testutil.NewRegistry(src, hub)
	env, err := engine.NewEnvironment(t.TempDir(), reg)
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return &fixture{src: src, hub: hub, reg: reg, env: env}
}

// openFlow builds and opens a flow against the fixture environment.
func (fx *fixture) openFlow(t *testing.T, name string, build func(b *graph.Builder)) *engine.Flow {
	t.Helper()
	b := graph.NewBuilder(name, fx.reg)
	build(b)
	def, err := b.Build()
	require.NoError(t, err)
	f, err := engine.OpenFlow(def, fx.env)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

// upperFlow is the standard simple flow: documents -> upper(content)
// -> export to table "main" keyed by the document key.
func upperFlow(spec testutil.UpperSpec) func(b *graph.Builder) {
	return func(b *graph.Builder) {
		docs := b.ImportFrom("documents", testutil.MemSourceSpec{Name: "docs"})
		row := docs.Row()
		text := b.Transform(spec, row.Field("content"))
		coll := b.RootScope().AddCollector("out")
		coll.Collect(
			graph.Col("key", row.Field("key")),
			graph.Col("text", text),
		)
		coll.ExportTo("main", testutil.MemTargetSpec{Table: "main"}, []string{"key"})
	}
}

// chunkFlow splits documents into chunks collected under a generated
// identifier.
func chunkFlow(b *graph.Builder) {
	docs := b.ImportFrom("documents", testutil.MemSourceSpec{Name: "docs"})
	doc := docs.Row()
	chunks := b.Transform(testutil.SplitSpec{Sep: " "}, doc.Field("content"))
	chunk := chunks.Row()
	coll := b.RootScope().AddCollector("chunks")
	coll.Collect(
		graph.GeneratedUUID("id"),
		graph.Col("doc", doc.Field("key")),
		graph.Col("text", chunk.Field("text")),
	)
	coll.ExportTo("chunks", testutil.MemTargetSpec{Table: "chunks"}, []string{"id"})
}
