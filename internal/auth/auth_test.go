package auth

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagoonworks/silt/internal/store"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tracking.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	r, err := New(s.DB())
	require.NoError(t, err)
	return r
}

func TestPersistent_RoundTrip(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	ref, err := r.AddPersistent(ctx, "pg-main", []byte(`{"dsn":"postgres://x"}`))
	require.NoError(t, err)
	assert.False(t, ref.Transient)

	got, err := r.Resolve(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"dsn":"postgres://x"}`), got)

	// A ref built from the key alone resolves the same entry. This is
	// what lets cleanup work after the owning spec is gone.
	got, err = r.Resolve(ctx, StableRef("pg-main"))
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"dsn":"postgres://x"}`), got)
}

func TestPersistent_OverwriteAndRemove(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	_, err := r.AddPersistent(ctx, "k", []byte("v1"))
	require.NoError(t, err)
	_, err = r.AddPersistent(ctx, "k", []byte("v2"))
	require.NoError(t, err)

	got, err := r.Resolve(ctx, StableRef("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, r.RemovePersistent(ctx, "k"))
	require.NoError(t, r.RemovePersistent(ctx, "k"))
	_, err = r.Resolve(ctx, StableRef("k"))
	assert.True(t, IsKeyNotFound(err))
}

func TestPersistent_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tracking.db")

	s, err := store.Open(path)
	require.NoError(t, err)
	r, err := New(s.DB())
	require.NoError(t, err)
	_, err = r.AddPersistent(ctx, "k", []byte("v"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := store.Open(path)
	require.NoError(t, err)
	defer s2.Close()
	r2, err := New(s2.DB())
	require.NoError(t, err)
	got, err := r2.Resolve(ctx, StableRef("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestTransient(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	ref := r.AddTransient([]byte("temp"))
	assert.True(t, ref.Transient)
	assert.NotEmpty(t, ref.Key)

	got, err := r.Resolve(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("temp"), got)

	// Generated keys are distinct.
	ref2 := r.AddTransient([]byte("temp"))
	assert.NotEqual(t, ref.Key, ref2.Key)
}

func TestResolve_UnknownKey(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Resolve(context.Background(), StableRef("nope"))
	require.Error(t, err)
	assert.True(t, IsKeyNotFound(err))
	assert.Contains(t, err.Error(), "nope")
}

func TestAddPersistent_EmptyKeyRejected(t *testing.T) {
	r := testRegistry(t)
	_, err := r.AddPersistent(context.Background(), "", []byte("v"))
	require.Error(t, err)
}

func TestResolveSpecJSON_ReplacesReferences(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	_, err := r.AddPersistent(ctx, "pg-main", []byte("postgres://u:pw@db/idx"))
	require.NoError(t, err)

	spec := []byte(`{"table":"docs","conn":{"auth_ref":"pg-main"},"retries":[1,{"auth_ref":"pg-main"}]}`)
	got, err := r.ResolveSpecJSON(ctx, spec)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"table":"docs","conn":"postgres://u:pw@db/idx","retries":[1,"postgres://u:pw@db/idx"]}`,
		string(got))

	// Transient refs resolve the same way.
	ref := r.AddTransient([]byte("temp-token"))
	got, err = r.ResolveSpecJSON(ctx, []byte(`{"token":{"auth_ref":"`+ref.Key+`"}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"temp-token"}`, string(got))
}

func TestResolveSpecJSON_PassThroughAndErrors(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()

	// No references: the bytes come back untouched, so spec
	// fingerprints are stable.
	spec := []byte(`{"path": "/data/docs", "auth_ref": "literal", "extra": 1}`)
	got, err := r.ResolveSpecJSON(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, spec, got)

	_, err = r.ResolveSpecJSON(ctx, []byte(`{"conn":{"auth_ref":"absent"}}`))
	require.Error(t, err)
	assert.True(t, IsKeyNotFound(err))
}
