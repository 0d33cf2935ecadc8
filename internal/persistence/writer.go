package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"LendLedger/internal/core"
	"LendLedger/internal/ledger"
)

// OpLogWriter writes committed operations and their custody journals to
// Postgres with multi-row INSERTs.
type OpLogWriter struct {
	db *sql.DB
}

// OperationRow represents a row in op_log.operations
type OperationRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Asset          *string
	Payload        []byte // JSON operation payload
	Delta          []byte // JSON core.StateDelta
	Batch          []byte // JSON ledger.Batch, nil when nothing moved
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64
}

// JournalRow represents a row in op_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

func NewOpLogWriter(db *sql.DB) *OpLogWriter {
	return &OpLogWriter{db: db}
}

// NewOperationRow flattens a core output into its op_log row.
func NewOperationRow(out core.CoreOutput) (OperationRow, error) {
	env := out.Envelope

	delta, err := json.Marshal(out.Delta)
	if err != nil {
		return OperationRow{}, fmt.Errorf("marshal delta at sequence %d: %w", env.Sequence, err)
	}
	row := OperationRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		Delta:          delta,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}
	if env.Asset != "" {
		asset := env.Asset
		row.Asset = &asset
	}
	if out.Batch != nil {
		if row.Batch, err = json.Marshal(out.Batch); err != nil {
			return OperationRow{}, fmt.Errorf("marshal batch at sequence %d: %w", env.Sequence, err)
		}
	}
	return row, nil
}

// NewJournalRows flattens a custody batch into op_log.journal rows.
func NewJournalRows(batch *ledger.Batch) []JournalRow {
	if batch == nil {
		return nil
	}
	rows := make([]JournalRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			AssetID:       uint16(j.AssetID),
			Amount:        j.Amount,
			JournalType:   int32(j.JournalType),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

// WriteOperationBatch writes operations inside tx. Rows already present
// (same sequence) are skipped so a retried flush is harmless.
func (w *OpLogWriter) WriteOperationBatch(ctx context.Context, tx *sql.Tx, ops []OperationRow) error {
	if len(ops) == 0 {
		return nil
	}

	const cols = 10
	query := `INSERT INTO op_log.operations
		(sequence, event_type, idempotency_key, asset, payload, delta, batch, state_hash, prev_hash, op_timestamp)
		VALUES `

	values := make([]string, 0, len(ops))
	args := make([]interface{}, 0, len(ops)*cols)

	for i, o := range ops {
		values = append(values, placeholders(i*cols, cols))

		// JSONB columns take text; lib/pq sends []byte as bytea
		var batch interface{}
		if o.Batch != nil {
			batch = string(o.Batch)
		}
		args = append(args,
			o.Sequence, o.EventType, o.IdempotencyKey, o.Asset,
			string(o.Payload), string(o.Delta), batch, o.StateHash, o.PrevHash, o.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes journal entries inside tx.
func (w *OpLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 10
	query := `INSERT INTO op_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, op_timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, int16(j.AssetID), j.Amount,
			int16(j.JournalType), j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}
