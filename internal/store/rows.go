package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RowState is the ledger entry for one source row: the content
// fingerprint seen at its last successful processing.
type RowState struct {
	Key         []byte
	Fingerprint string
	Ordinal     int64
	ProcessedAt time.Time
}

// ListRowStates returns the ledger for one source of a flow, keyed by
// the canonical encoding of the row key.
func (s *Store) ListRowStates(ctx context.Context, flow, source string) (map[string]RowState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT row_key, fingerprint, ordinal, processed_at
		FROM source_rows
		WHERE flow = ? AND source = ?`, flow, source)
	if err != nil {
		return nil, fmt.Errorf("list row states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]RowState)
	for rows.Next() {
		var st RowState
		var processed string
		if err := rows.Scan(&st.Key, &st.Fingerprint, &st.Ordinal, &processed); err != nil {
			return nil, fmt.Errorf("scan row state: %w", err)
		}
		st.ProcessedAt, err = time.Parse(time.RFC3339Nano, processed)
		if err != nil {
			return nil, fmt.Errorf("parse processed_at: %w", err)
		}
		states[string(st.Key)] = st
	}
	return states, rows.Err()
}

// CollectedKeys returns the target entry keys recorded for one source
// row, grouped by target key. Each entry is the canonical encoding of
// the target-side key value.
func (s *Store) CollectedKeys(ctx context.Context, flow, source string, rowKey []byte) (map[string][][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_key, entry_keys
		FROM collected_rows
		WHERE flow = ? AND source = ? AND row_key = ?`, flow, source, rowKey)
	if err != nil {
		return nil, fmt.Errorf("collected keys: %w", err)
	}
	defer rows.Close()

	out := make(map[string][][]byte)
	for rows.Next() {
		var targetKey string
		var blob []byte
		if err := rows.Scan(&targetKey, &blob); err != nil {
			return nil, fmt.Errorf("scan collected keys: %w", err)
		}
		keys, err := DecodeKeyList(blob)
		if err != nil {
			return nil, fmt.Errorf("decode entry keys for %s: %w", targetKey, err)
		}
		out[targetKey] = keys
	}
	return out, rows.Err()
}

// CommitRow checkpoints one processed source row: upserts its
// fingerprint into the ledger and replaces its collected entry keys
// per target, all in one transaction. The caller applies the target
// mutations first; committing the checkpoint last means a crash in
// between replays the row, which the idempotent mutations absorb.
func (s *Store) CommitRow(ctx context.Context, flow, source string, st RowState, collected map[string][][]byte) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO source_rows (flow, source, row_key, fingerprint, ordinal, processed_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (flow, source, row_key) DO UPDATE SET
				fingerprint = excluded.fingerprint,
				ordinal = excluded.ordinal,
				processed_at = excluded.processed_at`,
			flow, source, st.Key, st.Fingerprint, st.Ordinal,
			st.ProcessedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("upsert row state: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM collected_rows
			WHERE flow = ? AND source = ? AND row_key = ?`,
			flow, source, st.Key); err != nil {
			return fmt.Errorf("clear collected rows: %w", err)
		}
		for targetKey, keys := range collected {
			if len(keys) == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO collected_rows (flow, source, row_key, target_key, entry_keys)
				VALUES (?, ?, ?, ?, ?)`,
				flow, source, st.Key, targetKey, EncodeKeyList(keys)); err != nil {
				return fmt.Errorf("record collected rows for %s: %w", targetKey, err)
			}
		}
		return nil
	})
}

// DeleteRow removes one source row from the ledger along with its
// collected entry keys. The caller applies the retraction mutations
// first; deleting the checkpoint last keeps the replay property.
func (s *Store) DeleteRow(ctx context.Context, flow, source string, rowKey []byte) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM source_rows
			WHERE flow = ? AND source = ? AND row_key = ?`,
			flow, source, rowKey); err != nil {
			return fmt.Errorf("delete row state: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM collected_rows
			WHERE flow = ? AND source = ? AND row_key = ?`,
			flow, source, rowKey); err != nil {
			return fmt.Errorf("delete collected rows: %w", err)
		}
		return nil
	})
}
