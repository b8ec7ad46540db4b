// Package auth is the process-wide credential registry. Connector
// specs carry references into it instead of embedding secrets, so a
// flow definition can change freely while target cleanup still
// resolves the credentials it needs.
//
// Persistent entries use caller-supplied stable keys and live in the
// tracking database. Transient entries use generated keys and exist
// only for the lifetime of the process.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ref names a registry entry. Stable refs come from AddPersistent and
// resolve across restarts; transient refs come from AddTransient and
// resolve only within this process. A stable ref is accepted anywhere
// a transient one is.
type Ref struct {
	Key       string
	Transient bool
}

// StableRef builds a reference to a persistent entry by key, without
// checking that the entry exists. Resolution fails later if it does
// not.
func StableRef(key string) Ref {
	return Ref{Key: key}
}

// KeyNotFoundError reports a reference whose entry is not registered.
type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("auth key %q not found", e.Key)
}

// IsKeyNotFound reports whether err is a KeyNotFoundError.
func IsKeyNotFound(err error) bool {
	var e *KeyNotFoundError
	return errors.As(err, &e)
}

const schema = `
CREATE TABLE IF NOT EXISTS auth_entries (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    created_at TEXT NOT NULL
);`

// Registry is the keyed credential store. Safe for concurrent use.
type Registry struct {
	db *sql.DB

	mu        sync.RWMutex
	transient map[string][]byte
}

// New creates a registry persisting stable entries in db, which is
// shared with the tracking store.
func New(db *sql.DB) (*Registry, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("init auth registry: %w", err)
	}
	return &Registry{db: db, transient: make(map[string][]byte)}, nil
}

// AddPersistent registers a stable entry under the given key,
// replacing any previous value. Registering the same key and value
// again is a no-op.
func (r *Registry) AddPersistent(ctx context.Context, key string, secret []byte) (Ref, error) {
	if key == "" {
		return Ref{}, fmt.Errorf("auth: empty key")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_entries (key, value, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, secret, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return Ref{}, fmt.Errorf("add auth entry %q: %w", key, err)
	}
	return Ref{Key: key}, nil
}

// AddTransient registers an entry under a generated key. The entry
// is not persisted and vanishes with the process.
func (r *Registry) AddTransient(secret []byte) Ref {
	key := uuid.NewString()
	r.mu.Lock()
	r.transient[key] = secret
	r.mu.Unlock()
	return Ref{Key: key, Transient: true}
}

// Resolve returns the secret for ref. Unknown keys fail with
// KeyNotFoundError.
func (r *Registry) Resolve(ctx context.Context, ref Ref) ([]byte, error) {
	r.mu.RLock()
	secret, ok := r.transient[ref.Key]
	r.mu.RUnlock()
	if ok {
		return secret, nil
	}

	var value []byte
	err := r.db.QueryRowContext(ctx,
		"SELECT value FROM auth_entries WHERE key = ?", ref.Key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, &KeyNotFoundError{Key: ref.Key}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve auth entry %q: %w", ref.Key, err)
	}
	return value, nil
}

// RemovePersistent deletes a stable entry. Removing an absent key is
// a no-op.
func (r *Registry) RemovePersistent(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx,
		"DELETE FROM auth_entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("remove auth entry %q: %w", key, err)
	}
	return nil
}
