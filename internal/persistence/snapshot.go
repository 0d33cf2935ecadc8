package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"

	"github.com/google/uuid"
)

// snapshotFormatVersion 1: JSON-encoded SnapshotData
const snapshotFormatVersion = 1

// SnapshotData is what op_log.snapshots stores: the core state plus the
// idempotency keys used to warm the dedup cache on restart.
type SnapshotData struct {
	core.SnapshotState
	IdempotencyKeys []string `json:"idempotency_keys"`
}

// SnapshotManager saves and loads snapshots and reads the operation log
// for recovery.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot and returns its encoded size. Saving the
// same sequence twice overwrites the earlier one.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO op_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, string(data), snap.StateHash[:], snapshotFormatVersion, len(data))
	if err != nil {
		return 0, fmt.Errorf("save snapshot at sequence %d: %w", snap.Sequence, err)
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil when
// there is none (cold start).
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM op_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot usable for recovery.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE op_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadOperationsFrom returns up to limit committed outputs with sequence >=
// fromSequence, in order.
func (sm *SnapshotManager) LoadOperationsFrom(ctx context.Context, fromSequence int64, limit int) ([]core.CoreOutput, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, asset, payload, delta, batch,
		       state_hash, prev_hash, op_timestamp
		FROM op_log.operations
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outs []core.CoreOutput
	for rows.Next() {
		var r OperationRow
		if err := rows.Scan(
			&r.Sequence, &r.EventType, &r.IdempotencyKey, &r.Asset, &r.Payload,
			&r.Delta, &r.Batch, &r.StateHash, &r.PrevHash, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		out, err := r.Output()
		if err != nil {
			return nil, err
		}
		outs = append(outs, out)
	}
	return outs, rows.Err()
}

// Output rebuilds the core output a row was written from.
func (r OperationRow) Output() (core.CoreOutput, error) {
	et, err := event.ParseEventType(r.EventType)
	if err != nil {
		return core.CoreOutput{}, fmt.Errorf("sequence %d: %w", r.Sequence, err)
	}
	env := &event.Envelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      et,
		Timestamp:      r.Timestamp,
		Payload:        r.Payload,
	}
	if r.Asset != nil {
		env.Asset = *r.Asset
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return core.CoreOutput{}, fmt.Errorf("sequence %d: malformed hash", r.Sequence)
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)

	out := core.CoreOutput{Envelope: env, Delta: &core.StateDelta{}}
	if err := json.Unmarshal(r.Delta, out.Delta); err != nil {
		return core.CoreOutput{}, fmt.Errorf("sequence %d delta: %w", r.Sequence, err)
	}
	if len(r.Batch) > 0 {
		out.Batch = &ledger.Batch{}
		if err := json.Unmarshal(r.Batch, out.Batch); err != nil {
			return core.CoreOutput{}, fmt.Errorf("sequence %d batch: %w", r.Sequence, err)
		}
	}
	return out, nil
}

// GetLatestSequence returns the highest sequence in the operation log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM op_log.operations`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// RecentIdempotencyKeys returns the dedup keys ("op:key") of the last limit
// operations at or below sequence.
func (sm *SnapshotManager) RecentIdempotencyKeys(ctx context.Context, sequence int64, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key FROM op_log.operations
		WHERE sequence <= $1
		ORDER BY sequence DESC
		LIMIT $2
	`, sequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var op, key string
		if err := rows.Scan(&op, &key); err != nil {
			return nil, err
		}
		keys = append(keys, op+":"+key)
	}
	return keys, rows.Err()
}
