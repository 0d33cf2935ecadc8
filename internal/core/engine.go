package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	"LendLedger/internal/observability"
	"LendLedger/internal/oracle"
	"LendLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Custodian moves tokens for committed operations. Transfer applies all
// legs or none.
type Custodian interface {
	Transfer(ctx context.Context, ref string, timestamp int64, legs ...ledger.TransferLeg) (*ledger.Batch, error)
	Replay(batch *ledger.Batch) error
	Snapshot() map[ledger.AccountKey]int64
	Restore(balances map[ledger.AccountKey]int64)
}

// invariantChecker is implemented by custodians that can verify their
// treasuries against pool liquidity (ledger.Custodian).
type invariantChecker interface {
	CheckInvariants(idle map[string]uint64) error
}

// CoreOutput is everything one committed operation produced.
type CoreOutput struct {
	Envelope *event.Envelope
	Batch    *ledger.Batch
	Delta    *StateDelta
}

// StateDelta is the post-state of every pool, position and feed binding an
// operation touched. Replaying deltas in sequence order rebuilds the core.
type StateDelta struct {
	Pools       []*state.Pool        `json:"pools,omitempty"`
	Positions   []*state.Position    `json:"positions,omitempty"`
	Feeds       []oracle.FeedBinding `json:"feeds,omitempty"`
	Interest    map[string]uint64    `json:"interest,omitempty"`
	Liquidation *LiquidationRecord   `json:"liquidation,omitempty"`
}

// LiquidationRecord is a committed liquidation as reported downstream.
type LiquidationRecord struct {
	Liquidator      uuid.UUID `json:"liquidator"`
	Owner           uuid.UUID `json:"owner"`
	DebtAsset       string    `json:"debt_asset"`
	CollateralAsset string    `json:"collateral_asset"`
	state.LiquidationResult
}

// Outcome labels the liquidation for metrics and projections.
func (r *LiquidationRecord) Outcome() string {
	switch {
	case r.BadDebt > 0:
		return "bad_debt"
	case r.Capped:
		return "capped"
	default:
		return "partial"
	}
}

// LendingCore owns all pools and positions and applies operations to them.
// Operations on disjoint pools and positions run in parallel; operations
// sharing one serialize on its lock. Every operation works on copies and
// commits them only after risk and custody succeed.
type LendingCore struct {
	regMu     sync.RWMutex
	pools     map[string]*poolSlot
	positions map[uuid.UUID]*positionSlot

	feedMu sync.Mutex
	feeds  *oracle.FeedRegistry

	commitMu sync.Mutex
	sequence int64 // last committed
	hasher   *StateHasher

	custodian   Custodian
	risk        *state.RiskEngine
	liquidation *state.LiquidationEngine
	rateModel   state.RateModel
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

type Option func(*LendingCore)

func WithRateModel(m state.RateModel) Option {
	return func(c *LendingCore) { c.rateModel = m }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(c *LendingCore) { c.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *LendingCore) { c.logger = l }
}

// WithIdempotency sizes the dedup LRU and plugs in the durable tier.
func WithIdempotency(capacity int, db DBIdempotencyChecker) Option {
	return func(c *LendingCore) {
		c.idempotency = NewIdempotencyChecker(capacity, db, c.metrics)
	}
}

// WithOutputs wires the persistence (blocking) and projection
// (non-blocking) channels. Either may be nil.
func WithOutputs(persist, projection chan<- CoreOutput) Option {
	return func(c *LendingCore) {
		c.persistChan = persist
		c.projectionChan = projection
	}
}

func NewLendingCore(custodian Custodian, feeds *oracle.FeedRegistry, prices state.PriceReader, opts ...Option) *LendingCore {
	risk := state.NewRiskEngine(prices)
	c := &LendingCore{
		pools:       make(map[string]*poolSlot),
		positions:   make(map[uuid.UUID]*positionSlot),
		feeds:       feeds,
		hasher:      NewStateHasher(),
		custodian:   custodian,
		risk:        risk,
		liquidation: state.NewLiquidationEngine(risk),
		rateModel:   state.ParamRateModel{},
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.idempotency == nil {
		c.idempotency = NewIdempotencyChecker(1_000_000, nil, c.metrics)
	}
	return c
}

// Apply validates and commits one operation. A duplicate idempotency key
// returns (nil, nil) and changes nothing. On error no state is modified.
func (c *LendingCore) Apply(ctx context.Context, evt event.Event) (*CoreOutput, error) {
	start := time.Now()
	op := evt.EventType().String()

	out, err := c.dispatch(ctx, evt)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreOpsRejected.WithLabelValues(op, state.Reason(err)).Inc()
		}
		c.logger.Debug().
			Str("op", op).
			Str("key", evt.IdempotencyKey()).
			Err(err).
			Msg("operation rejected")
		return nil, err
	}
	if out == nil {
		if c.metrics != nil {
			c.metrics.CoreOpsRejected.WithLabelValues(op, "duplicate").Inc()
		}
		return nil, nil
	}

	if c.metrics != nil {
		c.metrics.CoreOpsApplied.WithLabelValues(op).Inc()
		c.metrics.CoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
	return out, nil
}

func (c *LendingCore) dispatch(ctx context.Context, evt event.Event) (*CoreOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch e := evt.(type) {
	case *event.InitPool:
		return c.initPool(ctx, e)
	case *event.RegisterFeed:
		return c.registerFeed(ctx, e)
	case *event.OpenPosition:
		return c.openPosition(ctx, e)
	case *event.RiskParamUpdate:
		return c.run(ctx, evt, nil, []string{e.Asset}, func(tx *txn) error {
			return c.updateRiskParams(tx, e)
		})
	case *event.Deposit:
		return c.positionOp(ctx, evt, e.PositionOp, c.deposit)
	case *event.Withdraw:
		return c.positionOp(ctx, evt, e.PositionOp, c.withdraw)
	case *event.Borrow:
		return c.positionOp(ctx, evt, e.PositionOp, c.borrow)
	case *event.Repay:
		return c.positionOp(ctx, evt, e.PositionOp, c.repay)
	case *event.FundWallet:
		return c.walletOp(ctx, evt, e.WalletOp,
			ledger.Boundary(ledger.SubTypeExternalDeposits), ledger.Wallet(e.Owner), ledger.JournalTypeFunding)
	case *event.CashOut:
		return c.walletOp(ctx, evt, e.WalletOp,
			ledger.Wallet(e.Owner), ledger.Boundary(ledger.SubTypeExternalWithdrawals), ledger.JournalTypeCashOut)
	case *event.Liquidate:
		return c.run(ctx, evt, []uuid.UUID{e.Owner}, []string{e.DebtAsset, e.CollateralAsset}, func(tx *txn) error {
			return c.liquidate(tx, e)
		})
	default:
		return nil, fmt.Errorf("unsupported operation %T", evt)
	}
}

// txn holds the working copies of one operation.
type txn struct {
	ctx context.Context
	now int64

	poolSlots     map[string]*poolSlot
	pools         map[string]*state.Pool
	positionSlots map[uuid.UUID]*positionSlot
	positions     map[uuid.UUID]*state.Position

	legs  []ledger.TransferLeg
	delta StateDelta
}

func begin(ctx context.Context, now int64, ls *lockSet) *txn {
	tx := &txn{
		ctx:           ctx,
		now:           now,
		poolSlots:     make(map[string]*poolSlot, len(ls.pools)),
		pools:         make(map[string]*state.Pool, len(ls.pools)),
		positionSlots: make(map[uuid.UUID]*positionSlot, len(ls.positions)),
		positions:     make(map[uuid.UUID]*state.Position, len(ls.positions)),
	}
	for _, slot := range ls.pools {
		p := slot.pool.Clone()
		tx.poolSlots[slot.asset] = slot
		tx.pools[slot.asset] = p
		// An operation never runs before the pools it touches were last
		// accrued; a backdated timestamp is lifted so price staleness is
		// measured from there.
		if p.LastUpdated > tx.now {
			tx.now = p.LastUpdated
		}
	}
	for _, slot := range ls.positions {
		tx.positionSlots[slot.owner] = slot
		if slot.pos != nil {
			tx.positions[slot.owner] = slot.pos.Clone()
		} else {
			tx.positions[slot.owner] = state.NewPosition(slot.owner)
		}
	}
	return tx
}

func (tx *txn) pool(asset string) (*state.Pool, error) {
	p, ok := tx.pools[normalizeAsset(asset)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrPoolNotFound, asset)
	}
	return p, nil
}

// accrue brings every pool in the transaction up to tx.now.
func (tx *txn) accrue(model state.RateModel) error {
	for _, asset := range tx.sortedAssets() {
		interest, err := state.Accrue(tx.pools[asset], tx.now, model)
		if err != nil {
			return fmt.Errorf("accrue %s: %w", asset, err)
		}
		if interest > 0 {
			if tx.delta.Interest == nil {
				tx.delta.Interest = make(map[string]uint64)
			}
			tx.delta.Interest[asset] = interest
		}
	}
	return nil
}

// sync refreshes every position's cached amounts from the accrued pools.
func (tx *txn) sync() error {
	for _, pos := range tx.positions {
		if err := pos.Sync(tx.pools[pos.DepositAsset], tx.pools[pos.BorrowAsset]); err != nil {
			return err
		}
	}
	return nil
}

func (tx *txn) transfer(asset string, from, to ledger.Endpoint, amount uint64, jt ledger.JournalType) {
	if amount == 0 {
		return
	}
	tx.legs = append(tx.legs, ledger.TransferLeg{
		Asset:  asset,
		From:   from,
		To:     to,
		Amount: amount,
		Type:   jt,
	})
}

func (tx *txn) validate() error {
	for _, asset := range tx.sortedAssets() {
		if err := tx.pools[asset].Validate(); err != nil {
			return fmt.Errorf("%w: %v", state.ErrInvariantViolation, err)
		}
	}
	return nil
}

func (tx *txn) sortedAssets() []string {
	assets := make([]string, 0, len(tx.pools))
	for a := range tx.pools {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	return assets
}

// run is the shared pipeline: lock, dedup, copy, accrue, sync, apply fn,
// validate, transfer, commit.
func (c *LendingCore) run(ctx context.Context, evt event.Event, owners []uuid.UUID, assets []string, fn func(tx *txn) error) (*CoreOutput, error) {
	ls, err := c.acquire(owners, assets)
	if err != nil {
		return nil, err
	}
	defer ls.unlock()

	op := evt.EventType().String()
	if c.idempotency.IsDuplicate(ctx, op, evt.IdempotencyKey()) {
		return nil, nil
	}

	tx := begin(ctx, evt.EventTime(), ls)
	if err := tx.accrue(c.rateModel); err != nil {
		return nil, err
	}
	if err := tx.sync(); err != nil {
		return nil, err
	}
	if err := fn(tx); err != nil {
		return nil, err
	}
	if err := tx.validate(); err != nil {
		return nil, err
	}

	env, err := event.NewEnvelope(evt)
	if err != nil {
		return nil, err
	}

	var batch *ledger.Batch
	if len(tx.legs) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err = c.custodian.Transfer(ctx, evt.IdempotencyKey(), tx.now, tx.legs...)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", state.ErrTransfer, err)
		}
	}

	return c.commit(env, tx, batch), nil
}

func (c *LendingCore) positionOp(ctx context.Context, evt event.Event, op event.PositionOp, fn func(*txn, event.PositionOp) error) (*CoreOutput, error) {
	if err := state.CheckAmount(op.Amount); err != nil {
		return nil, err
	}
	op.Asset = normalizeAsset(op.Asset)
	return c.run(ctx, evt, []uuid.UUID{op.Owner}, []string{op.Asset}, func(tx *txn) error {
		return fn(tx, op)
	})
}

func (c *LendingCore) deposit(tx *txn, op event.PositionOp) error {
	pool, err := tx.pool(op.Asset)
	if err != nil {
		return err
	}
	pos := tx.positions[op.Owner]

	if _, err := state.Deposit(pool, pos, op.Amount); err != nil {
		return err
	}
	tx.transfer(pool.Asset, ledger.Wallet(op.Owner), ledger.Treasury(), op.Amount, ledger.JournalTypeDeposit)
	return nil
}

func (c *LendingCore) withdraw(tx *txn, op event.PositionOp) error {
	pool, err := tx.pool(op.Asset)
	if err != nil {
		return err
	}
	pos := tx.positions[op.Owner]

	if _, err := state.Withdraw(pool, pos, op.Amount); err != nil {
		return err
	}
	if pos.HasDebt() {
		if _, err := c.risk.CheckWithdraw(tx.ctx, pos, tx.pools[pos.DepositAsset], tx.pools[pos.BorrowAsset], tx.now); err != nil {
			return err
		}
	}
	tx.transfer(pool.Asset, ledger.Treasury(), ledger.Wallet(op.Owner), op.Amount, ledger.JournalTypeWithdraw)
	return nil
}

func (c *LendingCore) borrow(tx *txn, op event.PositionOp) error {
	pool, err := tx.pool(op.Asset)
	if err != nil {
		return err
	}
	pos := tx.positions[op.Owner]

	if _, err := state.Borrow(pool, pos, op.Amount); err != nil {
		return err
	}
	if _, err := c.risk.CheckBorrow(tx.ctx, pos, tx.pools[pos.DepositAsset], pool, tx.now); err != nil {
		return err
	}
	tx.transfer(pool.Asset, ledger.Treasury(), ledger.Wallet(op.Owner), op.Amount, ledger.JournalTypeBorrow)
	return nil
}

func (c *LendingCore) repay(tx *txn, op event.PositionOp) error {
	pool, err := tx.pool(op.Asset)
	if err != nil {
		return err
	}
	pos := tx.positions[op.Owner]

	if _, err := state.Repay(pool, pos, op.Amount); err != nil {
		return err
	}
	tx.transfer(pool.Asset, ledger.Wallet(op.Owner), ledger.Treasury(), op.Amount, ledger.JournalTypeRepay)
	return nil
}

func (c *LendingCore) liquidate(tx *txn, e *event.Liquidate) error {
	if err := state.CheckAmount(e.RepayAmount); err != nil {
		return err
	}
	debtPool, err := tx.pool(e.DebtAsset)
	if err != nil {
		return err
	}
	collateralPool, err := tx.pool(e.CollateralAsset)
	if err != nil {
		return err
	}
	pos := tx.positions[e.Owner]

	res, err := c.liquidation.Liquidate(tx.ctx, debtPool, collateralPool, pos, e.RepayAmount, tx.now)
	if err != nil {
		return err
	}

	tx.transfer(debtPool.Asset, ledger.Wallet(e.Liquidator), ledger.Treasury(), res.RepayAmount, ledger.JournalTypeLiquidationRepay)
	tx.transfer(collateralPool.Asset, ledger.Treasury(), ledger.Wallet(e.Liquidator), res.SeizeAmount, ledger.JournalTypeLiquidationSeize)

	tx.delta.Liquidation = &LiquidationRecord{
		Liquidator:        e.Liquidator,
		Owner:             e.Owner,
		DebtAsset:         debtPool.Asset,
		CollateralAsset:   collateralPool.Asset,
		LiquidationResult: *res,
	}
	return nil
}

func (c *LendingCore) updateRiskParams(tx *txn, e *event.RiskParamUpdate) error {
	pool, err := tx.pool(e.Asset)
	if err != nil {
		return err
	}
	params := e.Params
	if params.RateModel == "" {
		params.RateModel = state.RateModelFixed
	}
	if err := state.ValidateRiskParams(params); err != nil {
		return err
	}
	pool.Params = params
	return nil
}

// initPool creates a pool. The registry lock is held through commit so the
// new pool is not visible until its operation has a sequence.
func (c *LendingCore) initPool(ctx context.Context, e *event.InitPool) (*CoreOutput, error) {
	pool, err := state.NewPool(e.Authority, e.Asset, e.Decimals, e.Params, e.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", state.ErrInvalidRiskParams, err)
	}

	c.regMu.Lock()
	defer c.regMu.Unlock()

	if c.idempotency.IsDuplicate(ctx, e.EventType().String(), e.IdempotencyKey()) {
		return nil, nil
	}
	if _, ok := c.pools[pool.Asset]; ok {
		return nil, fmt.Errorf("%w: %s", state.ErrPoolExists, pool.Asset)
	}

	env, err := event.NewEnvelope(e)
	if err != nil {
		return nil, err
	}
	// Asset ids are assigned in commit order so replay reproduces them
	if _, err := ledger.RegisterAsset(pool.Asset); err != nil {
		return nil, err
	}

	slot := &poolSlot{asset: pool.Asset}
	tx := &txn{
		ctx:       ctx,
		now:       e.Timestamp,
		poolSlots: map[string]*poolSlot{pool.Asset: slot},
		pools:     map[string]*state.Pool{pool.Asset: pool},
	}
	out := c.commit(env, tx, nil)
	c.pools[pool.Asset] = slot

	c.logger.Info().
		Str("asset", pool.Asset).
		Uint8("decimals", pool.Decimals).
		Uint64("max_ltv", pool.Params.MaxLTV).
		Uint64("liquidation_threshold", pool.Params.LiquidationThreshold).
		Str("rate_model", pool.Params.RateModel).
		Msg("pool initialized")
	return out, nil
}

func (c *LendingCore) registerFeed(ctx context.Context, e *event.RegisterFeed) (*CoreOutput, error) {
	c.feedMu.Lock()
	defer c.feedMu.Unlock()

	if c.idempotency.IsDuplicate(ctx, e.EventType().String(), e.IdempotencyKey()) {
		return nil, nil
	}

	binding := oracle.FeedBinding{
		Symbol:       e.Symbol,
		FeedID:       e.FeedID,
		Authority:    e.Authority,
		RegisteredAt: e.Timestamp,
	}
	env, err := event.NewEnvelope(e)
	if err != nil {
		return nil, err
	}
	if err := c.feeds.StoreFeed(binding); err != nil {
		return nil, err
	}

	tx := &txn{ctx: ctx, now: e.Timestamp}
	for _, b := range c.feeds.Bindings() {
		if b.Symbol == normalizeAsset(e.Symbol) {
			tx.delta.Feeds = append(tx.delta.Feeds, b)
		}
	}
	out := c.commit(env, tx, nil)

	c.logger.Info().Str("symbol", e.Symbol).Str("feed_id", e.FeedID).Msg("price feed registered")
	return out, nil
}

// openPosition creates an empty position. Opening an existing position
// commits nothing.
func (c *LendingCore) openPosition(ctx context.Context, e *event.OpenPosition) (*CoreOutput, error) {
	ls, err := c.acquire([]uuid.UUID{e.Owner}, nil)
	if err != nil {
		return nil, err
	}
	defer ls.unlock()

	op := e.EventType().String()
	if c.idempotency.IsDuplicate(ctx, op, e.IdempotencyKey()) {
		return nil, nil
	}
	if ls.positions[0].pos != nil {
		c.idempotency.MarkProcessed(op, e.IdempotencyKey())
		return nil, nil
	}

	env, err := event.NewEnvelope(e)
	if err != nil {
		return nil, err
	}
	tx := begin(ctx, e.Timestamp, ls)
	return c.commit(env, tx, nil), nil
}

// walletOp moves tokens across the ledger boundary. The pool must exist
// but is not accrued or versioned; only the custody batch is committed.
func (c *LendingCore) walletOp(ctx context.Context, evt event.Event, op event.WalletOp, from, to ledger.Endpoint, jt ledger.JournalType) (*CoreOutput, error) {
	if err := state.CheckAmount(op.Amount); err != nil {
		return nil, err
	}
	asset := normalizeAsset(op.Asset)

	// The owner's slot serializes against in-flight position operations
	// drawing on the same wallet.
	ls, err := c.acquire([]uuid.UUID{op.Owner}, []string{asset})
	if err != nil {
		return nil, err
	}
	defer ls.unlock()

	if c.idempotency.IsDuplicate(ctx, evt.EventType().String(), evt.IdempotencyKey()) {
		return nil, nil
	}

	env, err := event.NewEnvelope(evt)
	if err != nil {
		return nil, err
	}
	tx := &txn{ctx: ctx, now: op.Timestamp}
	tx.transfer(asset, from, to, op.Amount, jt)

	batch, err := c.custodian.Transfer(ctx, evt.IdempotencyKey(), tx.now, tx.legs...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", state.ErrTransfer, err)
	}
	return c.commit(env, tx, batch), nil
}

// commit installs the transaction's copies, assigns the next sequence,
// extends the hash chain and emits the output. It cannot fail.
func (c *LendingCore) commit(env *event.Envelope, tx *txn, batch *ledger.Batch) *CoreOutput {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	seq := c.sequence + 1

	delta := tx.delta
	for _, asset := range tx.sortedAssets() {
		p := tx.pools[asset]
		p.Version++
		tx.poolSlots[asset].pool = p
		delta.Pools = append(delta.Pools, p)
	}
	owners := make([]uuid.UUID, 0, len(tx.positions))
	for owner := range tx.positions {
		owners = append(owners, owner)
	}
	owners = uniqueOwners(owners)
	for _, owner := range owners {
		pos := tx.positions[owner]
		pos.Version++
		tx.positionSlots[owner].pos = pos
		delta.Positions = append(delta.Positions, pos)
	}

	if batch != nil {
		batch.Stamp(seq)
	}

	hashStart := time.Now()
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, computeStateDigest(&delta, batch))

	env.Sequence = seq
	env.StateHash = stateHash
	env.PrevHash = prevHash
	c.sequence = seq

	c.idempotency.MarkProcessed(env.EventType.String(), env.IdempotencyKey)

	out := CoreOutput{Envelope: env, Batch: batch, Delta: &delta}
	c.observeCommit(&out, time.Since(hashStart))

	if c.persistChan != nil {
		select {
		case c.persistChan <- out:
		default:
			// Block until the persistence worker drains; an output must
			// never be lost.
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- out
		}
	}

	if c.projectionChan != nil {
		select {
		case c.projectionChan <- out:
		default:
			// Dropped; projections rebuild from the operation log
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	c.logger.Debug().
		Int64("seq", seq).
		Str("op", env.EventType.String()).
		Str("key", env.IdempotencyKey).
		Msg("operation committed")

	return &out
}

func (c *LendingCore) observeCommit(out *CoreOutput, hashDur time.Duration) {
	if rec := out.Delta.Liquidation; rec != nil {
		c.logger.Info().
			Str("owner", rec.Owner.String()).
			Str("liquidator", rec.Liquidator.String()).
			Str("debt_asset", rec.DebtAsset).
			Str("collateral_asset", rec.CollateralAsset).
			Uint64("repaid", rec.RepayAmount).
			Uint64("seized", rec.SeizeAmount).
			Uint64("bad_debt", rec.BadDebt).
			Msg("position liquidated")
	}

	if c.metrics == nil {
		return
	}
	c.metrics.CoreStateHashDur.Observe(hashDur.Seconds())
	c.metrics.CoreSequence.Set(float64(out.Envelope.Sequence))
	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	for asset, interest := range out.Delta.Interest {
		c.metrics.InterestAccrued.WithLabelValues(asset).Add(float64(interest))
	}
	for _, p := range out.Delta.Pools {
		c.metrics.ObservePool(p.Asset, p.TotalDeposited, p.TotalBorrowed)
	}
	if rec := out.Delta.Liquidation; rec != nil {
		c.metrics.Liquidations.WithLabelValues(rec.DebtAsset, rec.CollateralAsset, rec.Outcome()).Inc()
		c.metrics.LiquidationRepaid.WithLabelValues(rec.DebtAsset).Add(float64(rec.RepayAmount))
		c.metrics.LiquidationSeized.WithLabelValues(rec.CollateralAsset).Add(float64(rec.SeizeAmount))
		if rec.BadDebt > 0 {
			c.metrics.BadDebt.WithLabelValues(rec.DebtAsset).Add(float64(rec.BadDebt))
		}
	}
}

// computeStateDigest serializes the post-state an operation produced:
// touched pools and positions (already sorted), feed bindings and the
// custody journals.
func computeStateDigest(delta *StateDelta, batch *ledger.Batch) []byte {
	digest := make([]byte, 0, 256)

	for _, p := range delta.Pools {
		digest = append(digest, p.CanonicalBytes()...)
	}
	for _, pos := range delta.Positions {
		digest = append(digest, pos.CanonicalBytes()...)
	}
	for _, b := range delta.Feeds {
		digest = append(digest, byte(len(b.Symbol)))
		digest = append(digest, []byte(b.Symbol)...)
		digest = append(digest, byte(len(b.FeedID)))
		digest = append(digest, []byte(b.FeedID)...)
	}

	if batch != nil {
		for _, j := range batch.Journals {
			for _, path := range []string{j.DebitAccount.AccountPath(), j.CreditAccount.AccountPath()} {
				digest = append(digest, byte(len(path)))
				digest = append(digest, []byte(path)...)
			}
			digest = appendInt64LE(digest, j.Amount)
		}
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	u := uint64(v)
	return append(buf,
		byte(u), byte(u>>8), byte(u>>16), byte(u>>24),
		byte(u>>32), byte(u>>40), byte(u>>48), byte(u>>56),
	)
}
