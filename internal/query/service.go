package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/observability"
	"LendLedger/internal/state"

	"github.com/google/uuid"
)

var ErrPositionNotFound = errors.New("position not found")

// LedgerReader is the read side of the lending core.
type LedgerReader interface {
	Pool(asset string) (*state.Pool, error)
	Pools() []*state.Pool
	Position(owner uuid.UUID) (*state.Position, bool)
	Health(ctx context.Context, owner uuid.UUID, now int64) (state.Valuation, error)
	GetSequence() int64
	CheckInvariants() error
}

// QueryService answers pool, position and health queries from the live
// core, and history queries from the projection and op_log tables.
type QueryService struct {
	db      *sql.DB
	ledger  LedgerReader
	rates   state.RateModel
	metrics *observability.Metrics
	now     func() int64
}

type Option func(*QueryService)

func WithMetrics(m *observability.Metrics) Option {
	return func(qs *QueryService) { qs.metrics = m }
}

// WithClock overrides the time used to accrue pools for reads.
func WithClock(now func() int64) Option {
	return func(qs *QueryService) { qs.now = now }
}

func NewQueryService(db *sql.DB, ledger LedgerReader, opts ...Option) *QueryService {
	qs := &QueryService{
		db:     db,
		ledger: ledger,
		rates:  state.ParamRateModel{},
		now:    func() int64 { return time.Now().Unix() },
	}
	for _, opt := range opts {
		opt(qs)
	}
	return qs
}

// GetPool returns asset's pool with interest accrued to now. Nothing is
// committed.
func (qs *QueryService) GetPool(ctx context.Context, asset string) (resp *PoolResponse, err error) {
	defer qs.observe("get_pool", time.Now(), &err)

	seq := qs.ledger.GetSequence()
	p, err := qs.ledger.Pool(asset)
	if err != nil {
		return nil, err
	}
	return qs.poolResponse(p, seq)
}

// ListPools returns every pool ordered by asset.
func (qs *QueryService) ListPools(ctx context.Context) (resp []PoolResponse, err error) {
	defer qs.observe("list_pools", time.Now(), &err)

	seq := qs.ledger.GetSequence()
	pools := qs.ledger.Pools()
	resp = make([]PoolResponse, 0, len(pools))
	for _, p := range pools {
		r, err := qs.poolResponse(p, seq)
		if err != nil {
			return nil, err
		}
		resp = append(resp, *r)
	}
	return resp, nil
}

func (qs *QueryService) poolResponse(p *state.Pool, seq int64) (*PoolResponse, error) {
	now := qs.now()
	if _, err := state.Accrue(p, now, qs.rates); err != nil {
		return nil, err
	}
	available, err := p.AvailableLiquidity()
	if err != nil {
		return nil, err
	}
	utilization := p.Utilization()
	borrowRate, err := qs.rates.BorrowRate(p)
	if err != nil {
		return nil, err
	}
	supplyRate, err := fpmath.MulDiv(borrowRate, utilization, fpmath.BpsScale, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}

	return &PoolResponse{
		Asset:              p.Asset,
		Decimals:           p.Decimals,
		TotalDeposited:     p.TotalDeposited,
		TotalBorrowed:      p.TotalBorrowed,
		TotalDepositShares: p.TotalDepositShares,
		TotalBorrowShares:  p.TotalBorrowShares,
		AvailableLiquidity: available,
		UtilizationBps:     utilization,
		BorrowRateBps:      borrowRate,
		SupplyRateBps:      supplyRate,
		BadDebt:            p.BadDebt,
		Params:             p.Params,
		LastUpdated:        p.LastUpdated,
		AsOfTime:           now,
		AsOfSequence:       seq,
	}, nil
}

// GetPosition returns owner's position with amounts valued against pools
// accrued to now.
func (qs *QueryService) GetPosition(ctx context.Context, owner uuid.UUID) (resp *PositionResponse, err error) {
	defer qs.observe("get_position", time.Now(), &err)

	seq := qs.ledger.GetSequence()
	pos, ok := qs.ledger.Position(owner)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, owner)
	}

	now := qs.now()
	resp = &PositionResponse{
		Owner:        owner,
		DepositAsset: pos.DepositAsset,
		BorrowAsset:  pos.BorrowAsset,
		Version:      pos.Version,
		AsOfTime:     now,
		AsOfSequence: seq,
	}

	var depositPool, borrowPool *state.Pool
	if pos.HasCollateral() {
		if depositPool, err = qs.accruedPool(pos.DepositAsset, now); err != nil {
			return nil, err
		}
	}
	if pos.HasDebt() {
		if borrowPool, err = qs.accruedPool(pos.BorrowAsset, now); err != nil {
			return nil, err
		}
	}
	if err := pos.Sync(depositPool, borrowPool); err != nil {
		return nil, err
	}

	resp.DepositedAmount = pos.DepositedAmount
	resp.DepositedShares = pos.DepositedShares
	resp.BorrowedAmount = pos.BorrowedAmount
	resp.BorrowedShares = pos.BorrowedShares
	if depositPool != nil {
		resp.PoolShareBps = pos.DepositShareOf(depositPool)
	}
	return resp, nil
}

func (qs *QueryService) accruedPool(asset string, now int64) (*state.Pool, error) {
	p, err := qs.ledger.Pool(asset)
	if err != nil {
		return nil, err
	}
	if _, err := state.Accrue(p, now, qs.rates); err != nil {
		return nil, err
	}
	return p, nil
}

// GetHealth values owner's position at current prices.
func (qs *QueryService) GetHealth(ctx context.Context, owner uuid.UUID) (resp *HealthResponse, err error) {
	defer qs.observe("get_health", time.Now(), &err)

	if _, ok := qs.ledger.Position(owner); !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, owner)
	}
	seq := qs.ledger.GetSequence()
	now := qs.now()
	v, err := qs.ledger.Health(ctx, owner, now)
	if err != nil {
		return nil, err
	}
	return &HealthResponse{
		Owner:        owner,
		Valuation:    v,
		Liquidatable: !v.Healthy(),
		AsOfTime:     now,
		AsOfSequence: seq,
	}, nil
}

// GetLiquidationHistory returns owner's liquidations, newest first.
// beforeSequence pages backwards when set.
func (qs *QueryService) GetLiquidationHistory(
	ctx context.Context,
	owner uuid.UUID,
	limit int,
	beforeSequence *int64,
) (resp []LiquidationResponse, err error) {
	defer qs.observe("liquidation_history", time.Now(), &err)

	query := `
		SELECT sequence, owner, liquidator, debt_asset, collateral_asset,
		       repay_amount::TEXT, seize_amount::TEXT, bad_debt::TEXT, outcome,
		       health_before::TEXT, health_after::TEXT, op_timestamp
		FROM projections.liquidation_history
		WHERE owner = $1
	`
	args := []interface{}{owner}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}
	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var r LiquidationResponse
		var repay, seize, badDebt, before, after string
		if err := rows.Scan(
			&r.Sequence, &r.Owner, &r.Liquidator, &r.DebtAsset, &r.CollateralAsset,
			&repay, &seize, &badDebt, &r.Outcome, &before, &after, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		if err := parseNumerics(
			numericField{repay, &r.RepayAmount},
			numericField{seize, &r.SeizeAmount},
			numericField{badDebt, &r.BadDebt},
			numericField{before, &r.HealthBefore},
			numericField{after, &r.HealthAfter},
		); err != nil {
			return nil, fmt.Errorf("liquidation %d: %w", r.Sequence, err)
		}
		resp = append(resp, r)
	}
	return resp, rows.Err()
}

// GetJournalHistory returns custody journals touching owner's wallets.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	owner uuid.UUID,
	limit int,
	beforeSequence *int64,
) (resp []JournalHistoryEntry, err error) {
	defer qs.observe("journal_history", time.Now(), &err)

	accountPrefix := fmt.Sprintf("user:%s:%%", owner)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, op_timestamp
		FROM op_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}
	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		resp = append(resp, e)
	}
	return resp, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the stored hash chain and the live core's pool
// and custody invariants.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("verify_integrity", time.Now(), &err)

	report = &IntegrityReport{Sequence: qs.ledger.GetSequence()}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT o1.sequence
		FROM op_log.operations o1
		JOIN op_log.operations o2 ON o2.sequence = o1.sequence - 1
		WHERE o1.prev_hash != o2.state_hash
		ORDER BY o1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := qs.ledger.CheckInvariants(); err != nil {
		report.InvariantError = err.Error()
	}
	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.InvariantError == ""
	return report, nil
}

// --- helpers ---

func (qs *QueryService) observe(endpoint string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if *errp != nil {
		status = "error"
		qs.metrics.QueryErrors.WithLabelValues(endpoint, ErrorCode(*errp)).Inc()
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

// ErrorCode labels a query error for metrics and API responses.
func ErrorCode(err error) string {
	if errors.Is(err, ErrPositionNotFound) {
		return "position_not_found"
	}
	return state.Reason(err)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}

type numericField struct {
	text string
	dst  *uint64
}

// parseNumerics reads NUMERIC(20) columns scanned as text.
func parseNumerics(fields ...numericField) error {
	for _, f := range fields {
		v, err := strconv.ParseUint(strings.TrimSpace(f.text), 10, 64)
		if err != nil {
			return err
		}
		*f.dst = v
	}
	return nil
}
