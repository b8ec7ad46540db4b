package engine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagoonworks/silt/internal/engine"
	"github.com/lagoonworks/silt/internal/graph"
	"github.com/lagoonworks/silt/internal/testutil"
	"github.com/lagoonworks/silt/internal/value"
)

func actionKinds(r *engine.SetupReport) map[string]engine.SetupActionKind {
	out := make(map[string]engine.SetupActionKind)
	for _, a := range r.Actions {
		out[a.TargetKey] = a.Kind
	}
	return out
}

func TestSetup_CreatesAndIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	f := fx.openFlow(t, "flows/setup", func(b *graph.Builder) {
		upperFlow(testutil.UpperSpec{})(b)
		b.Declare(testutil.MemDeclarationSpec{Schema: "public"})
	})

	report, err := f.Setup(ctx)
	require.NoError(t, err)
	assert.True(t, report.Changed())
	assert.True(t, fx.hub.HasTable("main"))
	assert.True(t, fx.hub.HasSchema("public"))
	kinds := actionKinds(report)
	assert.Equal(t, engine.SetupCreate, kinds["memtable:main"])
	assert.Equal(t, engine.SetupCreate, kinds["memschema:public"])

	// Repeating with nothing declared anew touches no backend.
	fx.hub.ResetSetupCalls()
	report, err = f.Setup(ctx)
	require.NoError(t, err)
	assert.False(t, report.Changed())
	assert.Empty(t, fx.hub.SetupCalls())
}

func TestSetup_SpecChangeUpdatesInPlace(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	f1 := fx.openFlow(t, "flows/spec-change", upperFlow(testutil.UpperSpec{}))
	_, err := f1.Setup(ctx)
	require.NoError(t, err)

	// Same persistent key, different spec body.
	f2 := fx.openFlow(t, "flows/spec-change", func(b *graph.Builder) {
		docs := b.ImportFrom("documents", testutil.MemSourceSpec{Name: "docs"})
		row := docs.Row()
		text := b.Transform(testutil.UpperSpec{}, row.Field("content"))
		coll := b.RootScope().AddCollector("out")
		coll.Collect(graph.Col("key", row.Field("key")), graph.Col("text", text))
		coll.ExportTo("main", testutil.MemTargetSpec{Table: "main", Compression: "zstd"}, []string{"key"})
	})
	fx.hub.ResetSetupCalls()
	report, err := f2.Setup(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.SetupUpdate, actionKinds(report)["memtable:main"])

	calls := fx.hub.SetupCalls()
	require.Len(t, calls, 1)
	assert.NotNil(t, calls[0].Prev, "update must carry the previous spec")
	assert.NotNil(t, calls[0].Cur)
}

func TestSetup_RemovedTargetDropped(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	f1 := fx.openFlow(t, "flows/removal", func(b *graph.Builder) {
		docs := b.ImportFrom("documents", testutil.MemSourceSpec{Name: "docs"})
		row := docs.Row()
		text := b.Transform(testutil.UpperSpec{}, row.Field("content"))
		coll := b.RootScope().AddCollector("out")
		coll.Collect(graph.Col("key", row.Field("key")), graph.Col("text", text))
		coll.ExportTo("main", testutil.MemTargetSpec{Table: "main"}, []string{"key"})
		coll.ExportTo("aux", testutil.MemTargetSpec{Table: "aux"}, []string{"key"})
	})
	_, err := f1.Setup(ctx)
	require.NoError(t, err)
	require.True(t, fx.hub.HasTable("aux"))

	// The aux export disappears from the definition; its recorded key
	// is the only trace left, and setup must drop it.
	f2 := fx.openFlow(t, "flows/removal", upperFlow(testutil.UpperSpec{}))
	report, err := f2.Setup(ctx)
	require.NoError(t, err)
	assert.Equal(t, engine.SetupDrop, actionKinds(report)["memtable:aux"])
	assert.False(t, fx.hub.HasTable("aux"))
	assert.True(t, fx.hub.HasTable("main"))
}

func TestSetup_SetupByUserSkipped(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	f := fx.openFlow(t, "flows/by-user", func(b *graph.Builder) {
		docs := b.ImportFrom("documents", testutil.MemSourceSpec{Name: "docs"})
		row := docs.Row()
		text := b.Transform(testutil.UpperSpec{}, row.Field("content"))
		coll := b.RootScope().AddCollector("out")
		coll.Collect(graph.Col("key", row.Field("key")), graph.Col("text", text))
		coll.ExportTo("main", testutil.MemTargetSpec{Table: "main"}, []string{"key"},
			graph.WithSetupByUser())
	})

	report, err := f.Setup(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Actions)
	assert.False(t, fx.hub.HasTable("main"))
}

func TestDrop_RemovesStateAndIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.src.SetRow("a", value.F("content", value.String("hello")))

	f := fx.openFlow(t, "flows/drop", upperFlow(testutil.UpperSpec{}))
	_, err := f.Setup(ctx)
	require.NoError(t, err)
	stats, err := f.Update(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Total().Processed)

	report, err := f.Drop(ctx)
	require.NoError(t, err)
	require.Len(t, report.Actions, 1)
	assert.Equal(t, engine.SetupDrop, report.Actions[0].Kind)
	assert.False(t, fx.hub.HasTable("main"))

	// Dropping again finds nothing recorded.
	report, err = f.Drop(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Actions)

	// The handle stays valid: the ledger was purged, so the next
	// update reprocesses from scratch.
	stats, err = f.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total().Processed)
	assert.Equal(t, 0, stats.Total().Skipped)
}

func TestDrop_NeverSetUpIsNoOp(t *testing.T) {
	fx := newFixture(t)
	f := fx.openFlow(t, "flows/never", upperFlow(testutil.UpperSpec{}))
	report, err := f.Drop(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Actions)
}
