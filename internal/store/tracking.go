package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TargetState is the recorded setup state of one target backend,
// keyed by the target's persistent key within a flow.
type TargetState struct {
	TargetKey string
	SpecJSON  []byte
	SpecFP    string
	AppliedAt time.Time
}

// ListTargetStates returns all recorded target states for a flow,
// ordered by target key.
func (s *Store) ListTargetStates(ctx context.Context, flow string) ([]TargetState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_key, spec, spec_fp, applied_at
		FROM target_states
		WHERE flow = ?
		ORDER BY target_key`, flow)
	if err != nil {
		return nil, fmt.Errorf("list target states: %w", err)
	}
	defer rows.Close()

	var states []TargetState
	for rows.Next() {
		var st TargetState
		var spec string
		var applied string
		if err := rows.Scan(&st.TargetKey, &spec, &st.SpecFP, &applied); err != nil {
			return nil, fmt.Errorf("scan target state: %w", err)
		}
		st.SpecJSON = []byte(spec)
		st.AppliedAt, err = time.Parse(time.RFC3339Nano, applied)
		if err != nil {
			return nil, fmt.Errorf("parse applied_at: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// GetTargetState returns the recorded state for one target key, or
// ok=false when none is recorded.
func (s *Store) GetTargetState(ctx context.Context, flow, targetKey string) (TargetState, bool, error) {
	var st TargetState
	var spec string
	var applied string
	err := s.db.QueryRowContext(ctx, `
		SELECT target_key, spec, spec_fp, applied_at
		FROM target_states
		WHERE flow = ? AND target_key = ?`, flow, targetKey).
		Scan(&st.TargetKey, &spec, &st.SpecFP, &applied)
	if err == sql.ErrNoRows {
		return TargetState{}, false, nil
	}
	if err != nil {
		return TargetState{}, false, fmt.Errorf("get target state: %w", err)
	}
	st.SpecJSON = []byte(spec)
	st.AppliedAt, err = time.Parse(time.RFC3339Nano, applied)
	if err != nil {
		return TargetState{}, false, fmt.Errorf("parse applied_at: %w", err)
	}
	return st, true, nil
}

// PutTargetState records the state after the backend confirmed the
// setup change. Replaces any previous record for the same key.
func (s *Store) PutTargetState(ctx context.Context, flow string, st TargetState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO target_states (flow, target_key, spec, spec_fp, applied_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (flow, target_key) DO UPDATE SET
			spec = excluded.spec,
			spec_fp = excluded.spec_fp,
			applied_at = excluded.applied_at`,
		flow, st.TargetKey, string(st.SpecJSON), st.SpecFP,
		st.AppliedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put target state: %w", err)
	}
	return nil
}

// DeleteTargetState removes the record for a target key, along with
// the collected-row ledger entries pointing at it. Deleting an absent
// key is a no-op.
func (s *Store) DeleteTargetState(ctx context.Context, flow, targetKey string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM target_states WHERE flow = ? AND target_key = ?`,
			flow, targetKey); err != nil {
			return fmt.Errorf("delete target state: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM collected_rows WHERE flow = ? AND target_key = ?`,
			flow, targetKey); err != nil {
			return fmt.Errorf("delete collected rows for target: %w", err)
		}
		return nil
	})
}

// PurgeFlow removes every record for a flow across all tables. Used
// by drop after the backends confirmed their state is gone.
func (s *Store) PurgeFlow(ctx context.Context, flow string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"target_states", "source_rows", "collected_rows"} {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE flow = ?", table), flow); err != nil {
				return fmt.Errorf("purge %s: %w", table, err)
			}
		}
		return nil
	})
}
