package graph_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagoonworks/silt/internal/graph"
	"github.com/lagoonworks/silt/internal/testutil"
	"github.com/lagoonworks/silt/internal/value"
)

func newFixtures() (*testutil.MemSource, *testutil.TargetHub, *graph.Builder) {
	src := testutil.NewMemSource(value.TF("content", value.StringType()))
	hub := testutil.NewTargetHub()
	b := graph.NewBuilder("flows/test", testutil.NewRegistry(src, hub))
	return src, hub, b
}

func TestBuilder_SimpleFlow(t *testing.T) {
	_, _, b := newFixtures()

	docs := b.ImportFrom("documents", testutil.MemSourceSpec{Name: "docs"})
	row := docs.Row()
	upper := b.Transform(testutil.UpperSpec{}, row.Field("content"))

	coll := b.RootScope().AddCollector("out")
	coll.Collect(
		graph.Col("key", row.Field("key")),
		graph.Col("text", upper),
	)
	coll.ExportTo("main", testutil.MemTargetSpec{Table: "main"}, []string{"key"})

	def, err := b.Build()
	require.NoError(t, err)

	require.Len(t, def.Imports, 1)
	require.Len(t, def.Exports, 1)
	imp := def.Ops[def.Imports[0]].Import
	assert.Equal(t, "documents", imp.FieldName)
	assert.NotEqual(t, -1, imp.RowScope, "Row() must wire the import's row scope")

	// Import declares a keyed table at root.
	tt, ok := def.Scopes[graph.RootScope].FieldType("documents")
	require.True(t, ok)
	require.True(t, tt.IsTable())
	assert.Equal(t, value.KTableKind, tt.Table.Kind)
	assert.Equal(t, []string{"key"}, tt.Table.KeyFields)

	assert.Equal(t, value.KindStruct, imp.RowType.Kind)
	rowScope := def.Scopes[imp.RowScope]
	ft, ok := rowScope.FieldType("content")
	require.True(t, ok)
	assert.Equal(t, value.KindString, ft.Kind)

	exp := def.Ops[def.Exports[0]].Export
	assert.Equal(t, "memtable:main", exp.PersistentKey)
	assert.Equal(t, []string{"key"}, exp.KeyFields)
}

func TestBuilder_NestedRowScopes(t *testing.T) {
	_, _, b := newFixtures()

	docs := b.ImportFrom("documents", testutil.MemSourceSpec{})
	doc := docs.Row()
	chunks := b.Transform(testutil.SplitSpec{Sep: " "}, doc.Field("content"))
	chunk := chunks.Row(graph.WithMaxInflightRows(4))

	coll := b.RootScope().AddCollector("chunks")
	coll.Collect(
		graph.GeneratedUUID("id"),
		graph.Col("doc", doc.Field("key")),
		graph.Col("text", chunk.Field("text")),
	)
	coll.ExportTo("chunks", testutil.MemTargetSpec{Table: "chunks"}, []string{"id"})

	def, err := b.Build()
	require.NoError(t, err)

	// The nested iteration is an explicit for-each node in the doc
	// row scope.
	var forEach *graph.ForEachOp
	for _, op := range def.Ops {
		if op.Kind == graph.OpForEach {
			forEach = op.ForEach
		}
	}
	require.NotNil(t, forEach)
	assert.Equal(t, 4, forEach.Exec.MaxInflightRows)
	assert.Equal(t, -1, def.Scopes[graph.RootScope].Parent)
	assert.NotEqual(t, -1, def.Scopes[forEach.ChildScope].Parent)

	// Collector schema: generated field first, then collect order.
	require.Len(t, def.Collectors, 1)
	c := def.Collectors[0]
	assert.Equal(t, "id", c.GeneratedField)
	require.Len(t, c.Fields, 3)
	assert.Equal(t, "id", c.Fields[0].Name)
	assert.Equal(t, "doc", c.Fields[1].Name)
	assert.Equal(t, "text", c.Fields[2].Name)
}

func TestBuilder_RowIsIdempotent(t *testing.T) {
	_, _, b := newFixtures()
	docs := b.ImportFrom("documents", testutil.MemSourceSpec{})
	s1 := docs.Row()
	s2 := docs.Row()
	_, err := b.Build()
	require.NoError(t, err)
	assert.Equal(t, s1.Field("content").Type(), s2.Field("content").Type())
}

func TestBuilder_FieldOverwriteRejected(t *testing.T) {
	_, _, b := newFixtures()
	docs := b.ImportFrom("documents", testutil.MemSourceSpec{})
	row := docs.Row()
	// "content" is already a source field of the row scope.
	b.TransformNamed("content", testutil.UpperSpec{}, row.Field("content"))

	_, err := b.Build()
	require.Error(t, err)
	assert.True(t, graph.IsDefinitionError(err))
	assert.Contains(t, err.Error(), "already set")
}

func TestBuilder_DuplicateImportFieldRejected(t *testing.T) {
	_, _, b := newFixtures()
	b.ImportFrom("documents", testutil.MemSourceSpec{})
	b.ImportFrom("documents", testutil.MemSourceSpec{})
	_, err := b.Build()
	require.Error(t, err)
	assert.True(t, graph.IsDefinitionError(err))
}

func TestBuilder_TransformAtRootRejected(t *testing.T) {
	_, _, b := newFixtures()
	docs := b.ImportFrom("documents", testutil.MemSourceSpec{})
	b.Transform(testutil.UpperSpec{}, docs.Field("content"))
	_, err := b.Build()
	require.Error(t, err)
	assert.True(t, graph.IsDefinitionError(err))
}

func TestBuilder_ExportNeedsRootCollector(t *testing.T) {
	_, _, b := newFixtures()
	docs := b.ImportFrom("documents", testutil.MemSourceSpec{})
	row := docs.Row()
	coll := row.AddCollector("inner")
	coll.Collect(graph.Col("key", row.Field("key")))
	coll.ExportTo("main", testutil.MemTargetSpec{Table: "main"}, []string{"key"})

	_, err := b.Build()
	require.Error(t, err)
	assert.True(t, graph.IsDefinitionError(err))
	assert.Contains(t, err.Error(), "root-scope collector")
}

func TestBuilder_TwoGeneratedFieldsRejected(t *testing.T) {
	_, _, b := newFixtures()
	docs := b.ImportFrom("documents", testutil.MemSourceSpec{})
	row := docs.Row()
	coll := b.RootScope().AddCollector("out")
	coll.Collect(
		graph.GeneratedUUID("id"),
		graph.GeneratedUUID("id2"),
		graph.Col("key", row.Field("key")),
	)
	_, err := b.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at most one generated identifier")
}

func TestBuilder_UnknownFieldRejected(t *testing.T) {
	_, _, b := newFixtures()
	docs := b.ImportFrom("documents", testutil.MemSourceSpec{})
	row := docs.Row()
	row.Field("missing")
	_, err := b.Build()
	require.Error(t, err)
	assert.True(t, graph.IsDefinitionError(err))
}

func TestBuilder_AnalyzeErrorSurfaces(t *testing.T) {
	_, _, b := newFixtures()
	docs := b.ImportFrom("documents", testutil.MemSourceSpec{})
	row := docs.Row()
	// upper expects a String, key of split output is a table.
	chunks := b.Transform(testutil.SplitSpec{}, row.Field("content"))
	b.Transform(testutil.UpperSpec{}, chunks)
	_, err := b.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analyze")
}

func TestBuilder_InvalidCronScheduleRejected(t *testing.T) {
	_, _, b := newFixtures()
	b.ImportFrom("documents", testutil.MemSourceSpec{},
		graph.WithRefreshSchedule("not a cron expr"))
	_, err := b.Build()
	require.Error(t, err)
	assert.True(t, graph.IsDefinitionError(err))
}

func TestBuilder_ExportKeyFieldMustExist(t *testing.T) {
	_, _, b := newFixtures()
	docs := b.ImportFrom("documents", testutil.MemSourceSpec{})
	row := docs.Row()
	coll := b.RootScope().AddCollector("out")
	coll.Collect(graph.Col("key", row.Field("key")))
	coll.ExportTo("main", testutil.MemTargetSpec{Table: "main"}, []string{"nope"})
	_, err := b.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not collected")
}

func TestBuilder_PersistentKeyCollisionRejected(t *testing.T) {
	_, _, b := newFixtures()
	docs := b.ImportFrom("documents", testutil.MemSourceSpec{})
	row := docs.Row()
	coll := b.RootScope().AddCollector("out")
	coll.Collect(graph.Col("key", row.Field("key")))
	coll.ExportTo("a", testutil.MemTargetSpec{Table: "same"}, []string{"key"})
	coll2 := b.RootScope().AddCollector("out2")
	coll2.Collect(graph.Col("key", row.Field("key")))
	coll2.ExportTo("b", testutil.MemTargetSpec{Table: "same"}, []string{"key"})
	_, err := b.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collides")
}

func TestBuilder_RefreshOptions(t *testing.T) {
	_, _, b := newFixtures()
	b.ImportFrom("documents", testutil.MemSourceSpec{},
		graph.WithRefreshInterval(30*time.Second),
		graph.WithImportInflight(10, 1<<20))
	def, err := b.Build()
	require.NoError(t, err)

	imp := def.Ops[def.Imports[0]].Import
	assert.Equal(t, 30*time.Second, imp.Refresh.Interval)
	assert.True(t, imp.Refresh.Enabled())
	assert.Equal(t, 10, imp.Exec.MaxInflightRows)
	assert.Equal(t, int64(1<<20), imp.Exec.MaxInflightBytes)
	assert.True(t, def.HasChangeCapture())
}

func TestDefinition_ResolveType(t *testing.T) {
	_, _, b := newFixtures()
	docs := b.ImportFrom("documents", testutil.MemSourceSpec{})
	row := docs.Row()
	_ = row
	def, err := b.Build()
	require.NoError(t, err)

	tt, ok := def.ResolveType(graph.SliceRef{Scope: graph.RootScope, Path: []string{"documents"}})
	require.True(t, ok)
	assert.True(t, tt.IsTable())

	_, ok = def.ResolveType(graph.SliceRef{Scope: graph.RootScope, Path: []string{"missing"}})
	assert.False(t, ok)
}

func TestMarshalSpec_RoundTripsKind(t *testing.T) {
	data, err := graph.MarshalSpec("memtable", testutil.MemTargetSpec{Table: "x"})
	require.NoError(t, err)
	kind, err := graph.SpecKindOf(data)
	require.NoError(t, err)
	assert.Equal(t, "memtable", kind)
}
