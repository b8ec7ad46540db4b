package ops

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagoonworks/silt/internal/graph"
	"github.com/lagoonworks/silt/internal/value"
)

func sqliteSetup(t *testing.T, spec SQLiteTargetSpec, valueFields ...value.TypeField) *graph.TargetSetup {
	t.Helper()
	specJSON, err := graph.MarshalSpec(sqliteKind, spec)
	require.NoError(t, err)
	return &graph.TargetSetup{
		TargetName:  "main",
		SpecJSON:    specJSON,
		KeyFields:   []value.TypeField{value.TF("id", value.StringType())},
		ValueFields: valueFields,
	}
}

func queryAll(t *testing.T, dbPath, query string) map[string]string {
	t.Helper()
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()
	rows, err := db.Query(query)
	require.NoError(t, err)
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		require.NoError(t, rows.Scan(&k, &v))
		out[k] = v
	}
	require.NoError(t, rows.Err())
	return out
}

func TestSQLiteTarget_SetupMutateDrop(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "out.db")
	spec := SQLiteTargetSpec{Database: dbPath, Table: "docs"}
	setup := sqliteSetup(t, spec, value.TF("body", value.StringType()))

	conn, err := newSQLiteTarget(spec)
	require.NoError(t, err)
	key, err := conn.PersistentKey(spec, "main")
	require.NoError(t, err)

	require.NoError(t, conn.ApplySetupChange(ctx, key, nil, setup))
	// Create is idempotent.
	require.NoError(t, conn.ApplySetupChange(ctx, key, nil, setup))

	w, err := conn.Prepare(spec, setup)
	require.NoError(t, err)
	body := func(s string) *value.Struct {
		st := value.NewStruct(value.F("body", value.String(s)))
		return &st
	}
	require.NoError(t, w.Mutate(ctx, []graph.Mutation{
		{Key: value.String("a"), Value: body("alpha")},
		{Key: value.String("b"), Value: body("beta")},
	}))
	// Re-applying the same batch plus an overwrite converges.
	require.NoError(t, w.Mutate(ctx, []graph.Mutation{
		{Key: value.String("a"), Value: body("alpha2")},
		{Key: value.String("b"), Value: body("beta")},
	}))
	require.NoError(t, w.Mutate(ctx, []graph.Mutation{
		{Key: value.String("b"), Value: nil},
		{Key: value.String("missing"), Value: nil},
	}))
	require.NoError(t, w.Close())

	got := queryAll(t, dbPath, `SELECT id, body FROM docs`)
	assert.Equal(t, map[string]string{"a": "alpha2"}, got)

	require.NoError(t, conn.ApplySetupChange(ctx, key, setup, nil))
	// Dropping an already-dropped table succeeds.
	require.NoError(t, conn.ApplySetupChange(ctx, key, setup, nil))
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()
	var n int
	err = db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'docs'`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSQLiteTarget_ColumnChangeRebuildsTable(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "out.db")
	spec := SQLiteTargetSpec{Database: dbPath, Table: "docs"}

	prev := sqliteSetup(t, spec, value.TF("body", value.StringType()))
	conn, err := newSQLiteTarget(spec)
	require.NoError(t, err)
	key, err := conn.PersistentKey(spec, "main")
	require.NoError(t, err)
	require.NoError(t, conn.ApplySetupChange(ctx, key, nil, prev))

	cur := sqliteSetup(t, spec,
		value.TF("body", value.StringType()),
		value.TF("score", value.FloatType()))
	require.NoError(t, conn.ApplySetupChange(ctx, key, prev, cur))

	w, err := conn.Prepare(spec, cur)
	require.NoError(t, err)
	st := value.NewStruct(value.F("body", value.String("x")), value.F("score", value.Float(0.5)))
	require.NoError(t, w.Mutate(ctx, []graph.Mutation{{Key: value.String("a"), Value: &st}}))
	require.NoError(t, w.Close())
}

func TestSQLiteTarget_CompositeKey(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "out.db")
	spec := SQLiteTargetSpec{Database: dbPath, Table: "chunks"}
	specJSON, err := graph.MarshalSpec(sqliteKind, spec)
	require.NoError(t, err)
	setup := &graph.TargetSetup{
		TargetName: "chunks",
		SpecJSON:   specJSON,
		KeyFields: []value.TypeField{
			value.TF("doc", value.StringType()),
			value.TF("ord", value.IntType()),
		},
		ValueFields: []value.TypeField{value.TF("text", value.StringType())},
	}

	conn, err := newSQLiteTarget(spec)
	require.NoError(t, err)
	key, err := conn.PersistentKey(spec, "chunks")
	require.NoError(t, err)
	require.NoError(t, conn.ApplySetupChange(ctx, key, nil, setup))

	w, err := conn.Prepare(spec, setup)
	require.NoError(t, err)
	row := value.NewStruct(value.F("text", value.String("hello")))
	require.NoError(t, w.Mutate(ctx, []graph.Mutation{{
		Key:   value.NewStruct(value.F("doc", value.String("a")), value.F("ord", value.Int(0))),
		Value: &row,
	}}))
	require.NoError(t, w.Close())

	got := queryAll(t, dbPath, `SELECT doc, text FROM chunks WHERE ord = 0`)
	assert.Equal(t, map[string]string{"a": "hello"}, got)
}

func TestSQLiteTarget_RejectsBadSpec(t *testing.T) {
	_, err := newSQLiteTarget(SQLiteTargetSpec{Table: "t"})
	require.Error(t, err)
	_, err = newSQLiteTarget(SQLiteTargetSpec{Database: "x.db", Table: `bad"name`})
	require.Error(t, err)
}
