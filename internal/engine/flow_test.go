package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagoonworks/silt/internal/engine"
	"github.com/lagoonworks/silt/internal/graph"
	"github.com/lagoonworks/silt/internal/testutil"
	"github.com/lagoonworks/silt/internal/value"
)

func rowTexts(rows map[string]value.Struct) map[string]bool {
	out := make(map[string]bool)
	for _, row := range rows {
		if v, ok := row.Get("text"); ok {
			out[string(v.(value.String))] = true
		}
	}
	return out
}

func TestUpdate_EndToEnd(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.src.SetRow("a", value.F("content", value.String("hello world")))
	fx.src.SetRow("b", value.F("content", value.String("bye")))

	f := fx.openFlow(t, "flows/e2e", upperFlow(testutil.UpperSpec{}))
	_, err := f.Setup(ctx)
	require.NoError(t, err)

	stats, err := f.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Source("documents").Processed)

	rows := fx.hub.Rows("main")
	require.Len(t, rows, 2)
	texts := rowTexts(rows)
	assert.True(t, texts["HELLO WORLD"])
	assert.True(t, texts["BYE"])
}

func TestUpdate_UnchangedRowsSkipped(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.src.SetRow("a", value.F("content", value.String("hello")))
	fx.src.SetRow("b", value.F("content", value.String("bye")))

	var calls int32
	f := fx.openFlow(t, "flows/skip", upperFlow(testutil.UpperSpec{Calls: &calls}))
	_, err := f.Update(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, calls)
	mutations := fx.hub.MutateCount()

	stats, err := f.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Source("documents").Skipped)
	assert.Equal(t, 0, stats.Source("documents").Processed)
	assert.EqualValues(t, 2, calls, "unchanged rows must not be re-evaluated")
	assert.Equal(t, mutations, fx.hub.MutateCount(), "unchanged rows must not touch targets")
}

func TestUpdate_ModifiedRowReprocessed(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.src.SetRow("a", value.F("content", value.String("old")))
	fx.src.SetRow("b", value.F("content", value.String("keep")))

	f := fx.openFlow(t, "flows/modify", upperFlow(testutil.UpperSpec{}))
	_, err := f.Update(ctx)
	require.NoError(t, err)

	fx.src.SetRow("a", value.F("content", value.String("new")))
	stats, err := f.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Source("documents").Processed)
	assert.Equal(t, 1, stats.Source("documents").Skipped)

	texts := rowTexts(fx.hub.Rows("main"))
	assert.True(t, texts["NEW"])
	assert.False(t, texts["OLD"])
}

func TestUpdate_DeletionPropagates(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.src.SetRow("a", value.F("content", value.String("gone")))
	fx.src.SetRow("b", value.F("content", value.String("stays")))

	f := fx.openFlow(t, "flows/delete", upperFlow(testutil.UpperSpec{}))
	_, err := f.Update(ctx)
	require.NoError(t, err)
	require.Len(t, fx.hub.Rows("main"), 2)

	fx.src.DeleteRow("a")
	stats, err := f.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Source("documents").Deleted)

	rows := fx.hub.Rows("main")
	require.Len(t, rows, 1)
	assert.True(t, rowTexts(rows)["STAYS"])
}

func TestUpdate_RowFailureIsolated(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.src.SetRow("good", value.F("content", value.String("fine")))
	fx.src.SetRow("bad", value.F("content", value.String("poison pill")))

	f := fx.openFlow(t, "flows/isolate", upperFlow(testutil.UpperSpec{FailOn: "poison"}))
	stats, err := f.Update(ctx)
	require.Error(t, err)
	assert.True(t, engine.IsTransformError(err))
	assert.Equal(t, 1, stats.Source("documents").Processed)
	assert.Equal(t, 1, stats.Source("documents").Failed)
	assert.True(t, rowTexts(fx.hub.Rows("main"))["FINE"])

	// The failing row was never checkpointed: it is retried, not
	// skipped, on the next cycle.
	stats, err = f.Update(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, stats.Source("documents").Failed)
	assert.Equal(t, 1, stats.Source("documents").Skipped)

	// Once its content is fixed it processes normally.
	fx.src.SetRow("bad", value.F("content", value.String("cured")))
	stats, err = f.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Source("documents").Processed)
	assert.True(t, rowTexts(fx.hub.Rows("main"))["CURED"])
}

func TestUpdate_ListFailureMutatesNothing(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.src.SetRow("a", value.F("content", value.String("x")))
	fx.src.FailList(fmt.Errorf("bucket unavailable"))

	f := fx.openFlow(t, "flows/list-fail", upperFlow(testutil.UpperSpec{}))
	_, err := f.Update(ctx)
	require.Error(t, err)
	assert.True(t, engine.IsSourceError(err))
	assert.Equal(t, 0, fx.hub.MutateCount())
}

func TestUpdate_PrepareFailureAbortsCycle(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.src.SetRow("a", value.F("content", value.String("x")))

	f := fx.openFlow(t, "flows/prepare-fail", upperFlow(testutil.UpperSpec{FailPrepare: true}))
	_, err := f.Update(ctx)
	require.ErrorContains(t, err, "setup failed")
	assert.Equal(t, 0, fx.hub.MutateCount())
}

func TestUpdate_MutateFailureRetriesAndConverges(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.src.SetRow("a", value.F("content", value.String("x")))

	f := fx.openFlow(t, "flows/mutate-fail", upperFlow(testutil.UpperSpec{}))
	fx.hub.FailMutate(fmt.Errorf("connection reset"))
	stats, err := f.Update(ctx)
	require.Error(t, err)
	assert.True(t, engine.IsMutateError(err))
	assert.Equal(t, 1, stats.Source("documents").Failed)

	// The row was not checkpointed; the retry re-applies the same
	// mutation and converges.
	fx.hub.FailMutate(nil)
	stats, err = f.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Source("documents").Processed)
	assert.True(t, rowTexts(fx.hub.Rows("main"))["X"])
}

func TestUpdate_OverlappingCallersCoalesce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.src.SetRow("a", value.F("content", value.String("one")))

	f := fx.openFlow(t, "flows/coalesce", upperFlow(testutil.UpperSpec{}))
	_, err := f.Update(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, fx.src.ListCount())

	inList := make(chan struct{}, 8)
	release := make(chan struct{})
	fx.src.OnList(func() {
		inList <- struct{}{}
		<-release
	})

	done := make(chan error, 3)
	go func() {
		_, err := f.Update(ctx)
		done <- err
	}()
	<-inList // first caller's cycle is mid-listing

	// Two callers arrive while that cycle is in flight. Both need
	// state at least as fresh as their call, which one shared
	// follow-up cycle provides.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Update(ctx)
			done <- err
		}()
	}
	time.Sleep(50 * time.Millisecond) // let the late callers enqueue
	fx.src.SetRow("b", value.F("content", value.String("two")))
	close(release)
	wg.Wait()
	for i := 0; i < 3; i++ {
		require.NoError(t, <-done)
	}

	// One in-flight cycle plus exactly one shared follow-up.
	assert.Equal(t, 3, fx.src.ListCount())
	assert.Len(t, fx.hub.Rows("main"), 2, "late callers must observe the new row")
}

func TestUpdate_AdmissionBoundsConcurrency(t *testing.T) {
	fx := newFixture(t)
	fx.env.Exec = graph.ExecutionOptions{MaxInflightRows: 2}
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		fx.src.SetRow(fmt.Sprintf("doc-%d", i), value.F("content", value.String("text")))
	}

	probe := &testutil.ConcurrencyProbe{}
	f := fx.openFlow(t, "flows/admission", upperFlow(testutil.UpperSpec{NoCache: true, Probe: probe}))
	stats, err := f.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, stats.Source("documents").Processed)
	assert.LessOrEqual(t, probe.Max(), 2, "in-flight rows must respect the global bound")
	assert.GreaterOrEqual(t, probe.Max(), 1)
}

func TestUpdate_GeneratedIdentifierStability(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.src.SetRow("doc", value.F("content", value.String("alpha beta")))

	f := fx.openFlow(t, "flows/ids", chunkFlow)
	_, err := f.Update(ctx)
	require.NoError(t, err)
	before := fx.hub.Rows("chunks")
	require.Len(t, before, 2)

	// Reprocessing identical content reproduces identical ids.
	_, err = f.Drop(ctx)
	require.NoError(t, err)
	_, err = f.Update(ctx)
	require.NoError(t, err)
	after := fx.hub.Rows("chunks")
	require.Len(t, after, 2)
	for id := range before {
		assert.Contains(t, after, id)
	}

	// Changing one chunk changes only that chunk's id; the stale
	// entry is retracted.
	fx.src.SetRow("doc", value.F("content", value.String("alpha gamma")))
	_, err = f.Update(ctx)
	require.NoError(t, err)
	final := fx.hub.Rows("chunks")
	require.Len(t, final, 2)
	unchanged := 0
	for id := range before {
		if _, ok := final[id]; ok {
			unchanged++
		}
	}
	assert.Equal(t, 1, unchanged, "the alpha chunk keeps its id, the beta chunk is gone")
}

func TestUpdate_CacheSurvivesLedgerPurge(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.src.SetRow("a", value.F("content", value.String("hello")))

	var calls int32
	f := fx.openFlow(t, "flows/cache", upperFlow(testutil.UpperSpec{Calls: &calls}))
	_, err := f.Update(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, calls)

	// Drop purges the row ledger but not the result cache: the row is
	// reprocessed, the transformation is not re-executed.
	_, err = f.Drop(ctx)
	require.NoError(t, err)
	stats, err := f.Update(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Source("documents").Processed)
	assert.EqualValues(t, 1, calls)
}

func TestUpdate_BehaviorVersionInvalidatesCache(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.src.SetRow("a", value.F("content", value.String("hello")))

	var calls int32
	f1 := fx.openFlow(t, "flows/ver-1", upperFlow(testutil.UpperSpec{Version: "1", Calls: &calls}))
	_, err := f1.Update(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, calls)

	// Same inputs, same operation, bumped version: the cached result
	// must not be reused.
	f2 := fx.openFlow(t, "flows/ver-2", upperFlow(testutil.UpperSpec{Version: "2", Calls: &calls}))
	_, err = f2.Update(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls)

	// A third flow back on version 1 hits the original entry.
	f3 := fx.openFlow(t, "flows/ver-3", upperFlow(testutil.UpperSpec{Version: "1", Calls: &calls}))
	_, err = f3.Update(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls)
}

func TestUpdate_NoCacheAlwaysExecutes(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.src.SetRow("a", value.F("content", value.String("hello")))

	var calls int32
	f := fx.openFlow(t, "flows/nocache", upperFlow(testutil.UpperSpec{NoCache: true, Calls: &calls}))
	_, err := f.Update(ctx)
	require.NoError(t, err)
	_, err = f.Drop(ctx)
	require.NoError(t, err)
	_, err = f.Update(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls)
}

func TestFlow_CloseRejectsFurtherOps(t *testing.T) {
	fx := newFixture(t)
	f := fx.openFlow(t, "flows/closed", upperFlow(testutil.UpperSpec{}))
	require.NoError(t, f.Close())

	_, err := f.Update(context.Background())
	require.Error(t, err)
	_, err = f.Setup(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
