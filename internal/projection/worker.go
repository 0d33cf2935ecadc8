package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/observability"
	"LendLedger/internal/state"

	"github.com/rs/zerolog"
)

const watermarkName = "lending"

// OperationSource reads committed outputs back from the operation log.
type OperationSource interface {
	LoadOperationsFrom(ctx context.Context, fromSequence int64, limit int) ([]core.CoreOutput, error)
}

// ProjectionWorker keeps the read-side tables (pools, positions,
// liquidation history) in step with committed outputs. The core drops
// outputs when the projection channel is full, so rows are post-state
// upserts guarded by last_sequence and any gap is refilled from the log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	source    OperationSource
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   int64
}

func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	source OperationSource,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		source:    source,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run catches up from the stored watermark, then applies outputs as they
// arrive until ctx is cancelled or the channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	if err := pw.loadWatermark(ctx); err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}
	if err := pw.catchUp(ctx, -1); err != nil {
		pw.logger.Warn().Err(err).Msg("projection catch-up incomplete")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := out.Envelope.Sequence
			if seq <= pw.lastSeq {
				continue
			}
			if seq > pw.lastSeq+1 {
				// Outputs were dropped upstream
				if err := pw.catchUp(ctx, seq-1); err != nil {
					pw.logger.Warn().Err(err).Int64("from", pw.lastSeq+1).Int64("to", seq-1).Msg("projection gap not refilled")
				}
			}
			if err := pw.Apply(ctx, out); err != nil {
				// Eventually consistent: the next catch-up or a rebuild fixes it
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				continue
			}
		}
	}
}

// catchUp applies logged outputs after lastSeq, up to and including until
// (or to the end of the log when until < 0).
func (pw *ProjectionWorker) catchUp(ctx context.Context, until int64) error {
	if pw.source == nil {
		return nil
	}
	const batch = 500
	for until < 0 || pw.lastSeq < until {
		outs, err := pw.source.LoadOperationsFrom(ctx, pw.lastSeq+1, batch)
		if err != nil {
			return err
		}
		if len(outs) == 0 {
			return nil
		}
		for _, out := range outs {
			if until >= 0 && out.Envelope.Sequence > until {
				return nil
			}
			if err := pw.Apply(ctx, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// Apply writes one output's post-state in a single transaction and moves
// the watermark.
func (pw *ProjectionWorker) Apply(ctx context.Context, out core.CoreOutput) error {
	start := time.Now()
	seq := out.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if out.Delta != nil {
		for _, p := range out.Delta.Pools {
			if err := upsertPool(ctx, tx, p, seq); err != nil {
				return fmt.Errorf("pool projection: %w", err)
			}
		}
		for _, pos := range out.Delta.Positions {
			if err := upsertPosition(ctx, tx, pos, seq); err != nil {
				return fmt.Errorf("position projection: %w", err)
			}
		}
		if rec := out.Delta.Liquidation; rec != nil {
			if err := insertLiquidation(ctx, tx, rec, seq, out.Envelope.Timestamp); err != nil {
				return fmt.Errorf("liquidation projection: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE
			SET last_sequence = GREATEST(projections.watermark.last_sequence, EXCLUDED.last_sequence),
			    updated_at = NOW()
	`, watermarkName, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if seq > pw.lastSeq {
		pw.lastSeq = seq
	}
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(watermarkName).Observe(time.Since(start).Seconds())
		if out.Delta != nil {
			for _, p := range out.Delta.Pools {
				pw.metrics.ObservePool(p.Asset, p.TotalDeposited, p.TotalBorrowed)
			}
		}
	}
	return nil
}

func (pw *ProjectionWorker) loadWatermark(ctx context.Context) error {
	var seq int64
	err := pw.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE projection_name = $1`, watermarkName,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	pw.lastSeq = seq
	return nil
}

// Rebuild truncates every projection table and replays the full log.
func (pw *ProjectionWorker) Rebuild(ctx context.Context) error {
	for _, stmt := range []string{
		`TRUNCATE projections.pools`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.liquidation_history`,
		`DELETE FROM projections.watermark WHERE projection_name = 'lending'`,
	} {
		if _, err := pw.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}
	pw.lastSeq = 0
	if err := pw.catchUp(ctx, -1); err != nil {
		return err
	}
	pw.logger.Info().Int64("sequence", pw.lastSeq).Msg("projection rebuild complete")
	return nil
}

func upsertPool(ctx context.Context, tx *sql.Tx, p *state.Pool, seq int64) error {
	params, err := json.Marshal(p.Params)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.pools
			(asset, decimals, total_deposited, total_borrowed, total_deposit_shares, total_borrow_shares,
			 utilization_bps, bad_debt, params, last_updated, version, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (asset) DO UPDATE SET
			decimals = EXCLUDED.decimals,
			total_deposited = EXCLUDED.total_deposited,
			total_borrowed = EXCLUDED.total_borrowed,
			total_deposit_shares = EXCLUDED.total_deposit_shares,
			total_borrow_shares = EXCLUDED.total_borrow_shares,
			utilization_bps = EXCLUDED.utilization_bps,
			bad_debt = EXCLUDED.bad_debt,
			params = EXCLUDED.params,
			last_updated = EXCLUDED.last_updated,
			version = EXCLUDED.version,
			last_sequence = EXCLUDED.last_sequence
		WHERE projections.pools.last_sequence < EXCLUDED.last_sequence
	`, p.Asset, int16(p.Decimals), numeric(p.TotalDeposited), numeric(p.TotalBorrowed),
		numeric(p.TotalDepositShares), numeric(p.TotalBorrowShares), int32(p.Utilization()),
		numeric(p.BadDebt), string(params), p.LastUpdated, p.Version, seq)
	return err
}

func upsertPosition(ctx context.Context, tx *sql.Tx, pos *state.Position, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.positions
			(owner, deposit_asset, deposited_amount, deposited_shares,
			 borrow_asset, borrowed_amount, borrowed_shares, version, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner) DO UPDATE SET
			deposit_asset = EXCLUDED.deposit_asset,
			deposited_amount = EXCLUDED.deposited_amount,
			deposited_shares = EXCLUDED.deposited_shares,
			borrow_asset = EXCLUDED.borrow_asset,
			borrowed_amount = EXCLUDED.borrowed_amount,
			borrowed_shares = EXCLUDED.borrowed_shares,
			version = EXCLUDED.version,
			last_sequence = EXCLUDED.last_sequence
		WHERE projections.positions.last_sequence < EXCLUDED.last_sequence
	`, pos.Owner, nullable(pos.DepositAsset), numeric(pos.DepositedAmount), numeric(pos.DepositedShares),
		nullable(pos.BorrowAsset), numeric(pos.BorrowedAmount), numeric(pos.BorrowedShares), pos.Version, seq)
	return err
}

func insertLiquidation(ctx context.Context, tx *sql.Tx, rec *core.LiquidationRecord, seq, ts int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidation_history
			(sequence, owner, liquidator, debt_asset, collateral_asset, repay_amount, seize_amount,
			 bad_debt, outcome, health_before, health_after, op_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (sequence) DO NOTHING
	`, seq, rec.Owner, rec.Liquidator, rec.DebtAsset, rec.CollateralAsset,
		numeric(rec.RepayAmount), numeric(rec.SeizeAmount), numeric(rec.BadDebt), rec.Outcome(),
		numeric(rec.HealthBefore), numeric(rec.HealthAfter), ts)
	return err
}

// numeric renders a uint64 for a NUMERIC column; database/sql rejects
// uint64 values with the high bit set.
func numeric(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
