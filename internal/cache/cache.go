// Package cache memoizes transformation outputs.
//
// Entries are keyed by a derived fingerprint of (operation identity,
// input fingerprints, behavior version); see value.CacheKey. Entries
// are never mutated in place - any change to the key components
// produces a different key, and stale entries are simply never read
// again.
//
// The durable implementation is a bbolt file: one bucket, one key per
// entry, msgpack-encoded payloads. Writes are atomic per key, so
// concurrent readers never observe torn entries. Tests and
// evaluate-without-cache paths use the in-memory implementation.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/lagoonworks/silt/internal/value"
)

// Store is the cache contract used by the incremental processor.
type Store interface {
	// Get returns the cached value for key, or ok=false on miss.
	Get(ctx context.Context, key value.Fingerprint) (val value.Value, ok bool, err error)
	// Put stores the value under key. Overwriting an existing entry
	// with the same key is harmless (the payload is identical by
	// construction).
	Put(ctx context.Context, key value.Fingerprint, val value.Value) error
	Close() error
}

// entry is the stored payload: the canonical encoding of the value
// plus the computation timestamp.
type entry struct {
	Value    []byte    `msgpack:"v"`
	StoredAt time.Time `msgpack:"t"`
}

func encodeEntry(val value.Value) ([]byte, error) {
	data, err := msgpack.Marshal(entry{
		Value:    value.Encode(val),
		StoredAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (value.Value, error) {
	var e entry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	val, err := value.Decode(e.Value)
	if err != nil {
		return nil, fmt.Errorf("decode cached value: %w", err)
	}
	return val, nil
}

var bucketResults = []byte("results")

// BoltStore is a durable cache store backed by a bbolt file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the cache file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResults)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache %s: %w", path, err)
	}
	return &BoltStore{db: db}, nil
}

// Get implements Store.
func (s *BoltStore) Get(ctx context.Context, key value.Fingerprint) (value.Value, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketResults).Get(key[:]); raw != nil {
			data = make([]byte, len(raw))
			copy(data, raw)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key.Short(), err)
	}
	if data == nil {
		return nil, false, nil
	}
	val, err := decodeEntry(data)
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key.Short(), err)
	}
	return val, true, nil
}

// Put implements Store.
func (s *BoltStore) Put(ctx context.Context, key value.Fingerprint, val value.Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeEntry(val)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResults).Put(key[:], data)
	})
	if err != nil {
		return fmt.Errorf("cache put %s: %w", key.Short(), err)
	}
	return nil
}

// Close releases the bbolt file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// MemStore is an in-memory cache store.
type MemStore struct {
	mu      sync.RWMutex
	entries map[value.Fingerprint][]byte
}

// NewMem creates an empty in-memory store.
func NewMem() *MemStore {
	return &MemStore{entries: make(map[value.Fingerprint][]byte)}
}

// Get implements Store.
func (s *MemStore) Get(ctx context.Context, key value.Fingerprint) (value.Value, bool, error) {
	s.mu.RLock()
	data, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	val, err := decodeEntry(data)
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Put implements Store.
func (s *MemStore) Put(ctx context.Context, key value.Fingerprint, val value.Value) error {
	data, err := encodeEntry(val)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[key] = data
	s.mu.Unlock()
	return nil
}

// Len returns the number of entries, for tests.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close implements Store.
func (s *MemStore) Close() error { return nil }

// Disabled is a Store that never hits and drops every Put. Used by
// evaluate-and-dump when caching is turned off.
type Disabled struct{}

// Get implements Store.
func (Disabled) Get(ctx context.Context, key value.Fingerprint) (value.Value, bool, error) {
	return nil, false, nil
}

// Put implements Store.
func (Disabled) Put(ctx context.Context, key value.Fingerprint, val value.Value) error {
	return nil
}

// Close implements Store.
func (Disabled) Close() error { return nil }
