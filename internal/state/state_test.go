package state_test

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"testing"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/oracle"
	"LendLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

type priceMap map[string]uint64

func (m priceMap) AssetPrice(_ context.Context, asset string, _ int64) (uint64, error) {
	p, ok := m[asset]
	if !ok {
		return 0, fmt.Errorf("%w: %s", oracle.ErrInvalidPriceFeed, asset)
	}
	return p, nil
}

func testParams() state.RiskParams {
	return state.RiskParams{
		MaxLTV:                 8_000,
		LiquidationThreshold:   8_500,
		LiquidationBonus:       500,
		LiquidationCloseFactor: 5_000,
		InterestRate:           0,
	}
}

func newPool(t *testing.T, asset string, params state.RiskParams) *state.Pool {
	t.Helper()
	p, err := state.NewPool(uuid.New(), asset, 0, params, 1_000)
	require.NoError(t, err)
	return p
}

func deposit(t *testing.T, pool *state.Pool, pos *state.Position, amount uint64) uint64 {
	t.Helper()
	shares, err := state.Deposit(pool, pos, amount)
	require.NoError(t, err)
	return shares
}

// shareRate returns total_deposited / total_deposit_shares exactly.
func shareRate(p *state.Pool) *big.Rat {
	return new(big.Rat).SetFrac(
		new(big.Int).SetUint64(p.TotalDeposited),
		new(big.Int).SetUint64(p.TotalDepositShares),
	)
}

// ============================================================================
// Test: ShareLedger
// ============================================================================

func TestAmountToShares_Bootstrap(t *testing.T) {
	shares, err := state.AmountToShares(1_000, 0, 0, fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), shares)
}

func TestAmountToShares_Rounding(t *testing.T) {
	// rate 3 amount per 2 shares
	down, err := state.AmountToShares(10, 3, 2, fpmath.RoundDown)
	require.NoError(t, err)
	up, err := state.AmountToShares(10, 3, 2, fpmath.RoundUp)
	require.NoError(t, err)

	assert.Equal(t, uint64(6), down)
	assert.Equal(t, uint64(7), up)
}

func TestAmountToShares_ZeroAmountWithShares(t *testing.T) {
	_, err := state.AmountToShares(10, 0, 5, fpmath.RoundDown)
	assert.ErrorIs(t, err, state.ErrDivisionByZero)
}

func TestSharesToAmount_EmptyPool(t *testing.T) {
	amount, err := state.SharesToAmount(10, 0, 0, fpmath.RoundUp)
	require.NoError(t, err)
	assert.Zero(t, amount)
}

func TestDeposit_RoundTripBootstrap(t *testing.T) {
	pool := newPool(t, "SOL", testParams())
	pos := state.NewPosition(uuid.New())

	shares := deposit(t, pool, pos, 1_000)

	assert.Equal(t, uint64(1_000), shares)
	value, err := pool.DepositValue(shares)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), value)
	assert.Equal(t, uint64(1_000), pos.DepositedAmount)
	assert.Equal(t, "SOL", pos.DepositAsset)
}

// ============================================================================
// Test: InterestAccrualModel
// ============================================================================

func TestAccrue_LinearInterest(t *testing.T) {
	params := testParams()
	params.InterestRate = 1_000 // 10% a year
	pool := newPool(t, "USDC", params)
	pool.TotalDeposited = 2_000_000
	pool.TotalDepositShares = 2_000_000
	pool.TotalBorrowed = 1_000_000
	pool.TotalBorrowShares = 1_000_000

	interest, err := state.Accrue(pool, pool.LastUpdated+int64(fpmath.SecondsPerYear), state.FixedRate{})
	require.NoError(t, err)

	assert.Equal(t, uint64(100_000), interest)
	assert.Equal(t, uint64(1_100_000), pool.TotalBorrowed)
	assert.Equal(t, uint64(2_100_000), pool.TotalDeposited)
}

func TestAccrue_Idempotent(t *testing.T) {
	params := testParams()
	params.InterestRate = 500
	pool := newPool(t, "USDC", params)
	pool.TotalDeposited = 10_000_000
	pool.TotalDepositShares = 10_000_000
	pool.TotalBorrowed = 5_000_000
	pool.TotalBorrowShares = 5_000_000

	now := pool.LastUpdated + 86_400
	first, err := state.Accrue(pool, now, state.FixedRate{})
	require.NoError(t, err)
	require.NotZero(t, first)
	snapshot := *pool

	second, err := state.Accrue(pool, now, state.FixedRate{})
	require.NoError(t, err)
	assert.Zero(t, second)
	assert.Equal(t, snapshot, *pool)

	// Going back in time is a no-op too
	_, err = state.Accrue(pool, now-10, state.FixedRate{})
	require.NoError(t, err)
	assert.Equal(t, snapshot, *pool)
}

func TestAccrue_NoBorrowsOnlyAdvancesClock(t *testing.T) {
	pool := newPool(t, "SOL", testParams())
	pool.TotalDeposited = 100
	pool.TotalDepositShares = 100

	interest, err := state.Accrue(pool, 5_000, state.FixedRate{})
	require.NoError(t, err)
	assert.Zero(t, interest)
	assert.Equal(t, int64(5_000), pool.LastUpdated)
	assert.Equal(t, uint64(100), pool.TotalDeposited)
}

func TestKinkedRate(t *testing.T) {
	params := testParams()
	params.RateModel = state.RateModelKinked
	params.InterestRate = 200
	params.OptimalUtilization = 8_000
	params.Slope1 = 400
	params.Slope2 = 6_000
	pool := newPool(t, "USDC", params)
	pool.TotalDeposited = 10_000

	tests := []struct {
		borrowed uint64
		want     uint64
	}{
		{0, 200},
		{4_000, 400},    // half way to the kink
		{8_000, 600},    // at the kink
		{9_000, 3_600},  // half way up the steep slope
		{10_000, 6_600}, // fully utilized
	}

	for _, tt := range tests {
		pool.TotalBorrowed = tt.borrowed
		rate, err := state.ParamRateModel{}.BorrowRate(pool)
		require.NoError(t, err)
		assert.Equal(t, tt.want, rate, "borrowed=%d", tt.borrowed)
	}
}

func TestKinkedRate_OverflowIsAnError(t *testing.T) {
	pool := &state.Pool{
		Asset:          "USDC",
		TotalDeposited: 10_000,
		TotalBorrowed:  8_000,
		Params: state.RiskParams{
			RateModel:          state.RateModelKinked,
			InterestRate:       1,
			OptimalUtilization: 8_000,
			Slope1:             math.MaxUint64,
		},
	}
	_, err := state.KinkedRate{}.BorrowRate(pool)
	assert.ErrorIs(t, err, state.ErrMathOverflow)

	_, err = state.Accrue(pool, 1_000, state.ParamRateModel{})
	assert.ErrorIs(t, err, state.ErrMathOverflow)
	assert.Equal(t, uint64(8_000), pool.TotalBorrowed)
}

func TestSharePriceMonotonic(t *testing.T) {
	params := testParams()
	params.InterestRate = 2_500
	pool := newPool(t, "USDC", params)
	lender := state.NewPosition(uuid.New())
	borrower := state.NewPosition(uuid.New())

	deposit(t, pool, lender, 1_000_003)
	_, err := state.Borrow(pool, borrower, 700_001)
	require.NoError(t, err)

	prev := shareRate(pool)
	now := pool.LastUpdated
	for i := 0; i < 50; i++ {
		now += 3_607
		_, err := state.Accrue(pool, now, state.FixedRate{})
		require.NoError(t, err)

		depositor := state.NewPosition(uuid.New())
		deposit(t, pool, depositor, uint64(997+i*13))

		cur := shareRate(pool)
		require.True(t, cur.Cmp(prev) >= 0, "share price fell at step %d: %s -> %s", i, prev, cur)
		prev = cur
	}
}

// ============================================================================
// Test: Pool / Position operations
// ============================================================================

func TestWithdraw_OverRequest(t *testing.T) {
	pool := newPool(t, "SOL", testParams())
	pos := state.NewPosition(uuid.New())
	deposit(t, pool, pos, 100)

	_, err := state.Withdraw(pool, pos, 101)
	assert.ErrorIs(t, err, state.ErrOverWithdrawRequest)

	_, err = state.Withdraw(pool, state.NewPosition(uuid.New()), 1)
	assert.ErrorIs(t, err, state.ErrOverWithdrawRequest)
}

func TestWithdraw_InsufficientLiquidity(t *testing.T) {
	pool := newPool(t, "USDC", testParams())
	lender := state.NewPosition(uuid.New())
	borrower := state.NewPosition(uuid.New())
	deposit(t, pool, lender, 1_000)
	_, err := state.Borrow(pool, borrower, 900)
	require.NoError(t, err)

	_, err = state.Withdraw(pool, lender, 200)
	assert.ErrorIs(t, err, state.ErrInsufficientLiquidity)

	_, err = state.Withdraw(pool, lender, 100)
	assert.NoError(t, err)
	assert.NoError(t, pool.Validate())
}

func TestWithdraw_FullDrainReleasesSlot(t *testing.T) {
	pool := newPool(t, "SOL", testParams())
	pos := state.NewPosition(uuid.New())
	deposit(t, pool, pos, 500)

	shares, err := state.Withdraw(pool, pos, 500)
	require.NoError(t, err)

	assert.Equal(t, uint64(500), shares)
	assert.True(t, pos.IsEmpty())
	assert.Empty(t, pos.DepositAsset)
	assert.Zero(t, pool.TotalDeposited)
	assert.Zero(t, pool.TotalDepositShares)
}

func TestDeposit_AssetMismatch(t *testing.T) {
	sol := newPool(t, "SOL", testParams())
	usdc := newPool(t, "USDC", testParams())
	pos := state.NewPosition(uuid.New())
	deposit(t, sol, pos, 10)

	_, err := state.Deposit(usdc, pos, 10)
	assert.ErrorIs(t, err, state.ErrAssetMismatch)
}

func TestDeposit_ZeroAmount(t *testing.T) {
	pool := newPool(t, "SOL", testParams())
	_, err := state.Deposit(pool, state.NewPosition(uuid.New()), 0)
	assert.ErrorIs(t, err, state.ErrInvalidAmount)
}

func TestBorrow_OverLiquidity(t *testing.T) {
	pool := newPool(t, "USDC", testParams())
	deposit(t, pool, state.NewPosition(uuid.New()), 1_000)

	_, err := state.Borrow(pool, state.NewPosition(uuid.New()), 1_001)
	assert.ErrorIs(t, err, state.ErrOverBorrowRequest)
}

func TestRepay_RoundsOwedUp(t *testing.T) {
	pool := newPool(t, "USDC", testParams())
	deposit(t, pool, state.NewPosition(uuid.New()), 10_000)
	a := state.NewPosition(uuid.New())
	b := state.NewPosition(uuid.New())
	_, err := state.Borrow(pool, a, 3)
	require.NoError(t, err)
	_, err = state.Borrow(pool, b, 3)
	require.NoError(t, err)

	// One unit of interest across 6 shares
	pool.TotalBorrowed++
	pool.TotalDeposited++

	owed, err := pool.DebtValue(a.BorrowedShares)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), owed) // 3.5 rounded up

	_, err = state.Repay(pool, a, 5)
	assert.ErrorIs(t, err, state.ErrOverRepayRequest)

	shares, err := state.Repay(pool, a, owed)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), shares)
	assert.False(t, a.HasDebt())
	assert.NoError(t, pool.Validate())
}

func TestRepay_NoDebt(t *testing.T) {
	pool := newPool(t, "USDC", testParams())
	_, err := state.Repay(pool, state.NewPosition(uuid.New()), 1)
	assert.ErrorIs(t, err, state.ErrOverRepayRequest)
}

func TestRoundingNeverFavorsAccount(t *testing.T) {
	params := testParams()
	params.InterestRate = 3_000
	pool := newPool(t, "USDC", params)
	deposit(t, pool, state.NewPosition(uuid.New()), 1_000_000)
	_, err := state.Borrow(pool, state.NewPosition(uuid.New()), 333_333)
	require.NoError(t, err)
	_, err = state.Accrue(pool, pool.LastUpdated+7*86_400, state.FixedRate{})
	require.NoError(t, err)

	actor := state.NewPosition(uuid.New())
	const amount = 7
	var paid, received uint64
	for i := 0; i < 200; i++ {
		if _, err := state.Deposit(pool, actor, amount); err != nil {
			require.ErrorIs(t, err, state.ErrInvalidAmount)
			continue
		}
		paid += amount

		withdrawable, err := pool.DepositValue(actor.DepositedShares)
		require.NoError(t, err)
		if withdrawable == 0 {
			continue
		}
		_, err = state.Withdraw(pool, actor, withdrawable)
		require.NoError(t, err)
		received += withdrawable
	}

	assert.LessOrEqual(t, received, paid)
}

// ============================================================================
// Test: RiskEngine
// ============================================================================

func TestRiskEngine_LTVGate(t *testing.T) {
	prices := priceMap{"SOL": fpmath.PriceScale, "USDC": fpmath.PriceScale}
	risk := state.NewRiskEngine(prices)
	ctx := context.Background()

	sol := newPool(t, "SOL", testParams())
	usdc := newPool(t, "USDC", testParams())
	deposit(t, usdc, state.NewPosition(uuid.New()), 10_000)

	pos := state.NewPosition(uuid.New())
	deposit(t, sol, pos, 1_000) // collateral value 1000

	over := pos.Clone()
	usdcOver := usdc.Clone()
	_, err := state.Borrow(usdcOver, over, 801)
	require.NoError(t, err)
	_, err = risk.CheckBorrow(ctx, over, sol, usdcOver, 0)
	assert.ErrorIs(t, err, state.ErrOverBorrowableAmount)

	_, err = state.Borrow(usdc, pos, 800)
	require.NoError(t, err)
	v, err := risk.CheckBorrow(ctx, pos, sol, usdc, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000)*fpmath.ValueScale, v.CollateralValue)
	assert.Equal(t, uint64(800)*fpmath.ValueScale, v.DebtValue)
}

func TestRiskEngine_HealthFactor(t *testing.T) {
	prices := priceMap{"SOL": 100 * fpmath.PriceScale, "USDC": fpmath.PriceScale}
	risk := state.NewRiskEngine(prices)

	sol := newPool(t, "SOL", testParams())
	usdc := newPool(t, "USDC", testParams())
	deposit(t, usdc, state.NewPosition(uuid.New()), 10_000)
	pos := state.NewPosition(uuid.New())
	deposit(t, sol, pos, 10)

	v, err := risk.Assess(context.Background(), pos, sol, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, state.MaxHealthFactor, v.HealthFactor)

	_, err = state.Borrow(usdc, pos, 850)
	require.NoError(t, err)
	v, err = risk.Assess(context.Background(), pos, sol, usdc, 0)
	require.NoError(t, err)
	// 1000 * 0.85 / 850 = 1.0
	assert.Equal(t, fpmath.HealthScale, v.HealthFactor)
	assert.True(t, v.Healthy())
}

func TestRiskEngine_WithdrawGate(t *testing.T) {
	prices := priceMap{"SOL": fpmath.PriceScale, "USDC": fpmath.PriceScale}
	risk := state.NewRiskEngine(prices)

	sol := newPool(t, "SOL", testParams())
	usdc := newPool(t, "USDC", testParams())
	deposit(t, usdc, state.NewPosition(uuid.New()), 10_000)
	pos := state.NewPosition(uuid.New())
	deposit(t, sol, pos, 1_000)
	_, err := state.Borrow(usdc, pos, 400)
	require.NoError(t, err)

	// 500 collateral still backs 400 at 80%
	ok := pos.Clone()
	_, err = state.Withdraw(sol.Clone(), ok, 500)
	require.NoError(t, err)
	_, err = risk.CheckWithdraw(context.Background(), ok, sol, usdc, 0)
	assert.NoError(t, err)

	bad := pos.Clone()
	solBad := sol.Clone()
	_, err = state.Withdraw(solBad, bad, 501)
	require.NoError(t, err)
	_, err = risk.CheckWithdraw(context.Background(), bad, solBad, usdc, 0)
	assert.ErrorIs(t, err, state.ErrWithdrawAmountExceedsCollateralValue)
}

func TestRiskEngine_PriceFailure(t *testing.T) {
	risk := state.NewRiskEngine(priceMap{})
	sol := newPool(t, "SOL", testParams())
	pos := state.NewPosition(uuid.New())
	deposit(t, sol, pos, 10)

	_, err := risk.Assess(context.Background(), pos, sol, nil, 0)
	assert.ErrorIs(t, err, state.ErrInvalidPriceFeed)
}

// ============================================================================
// Test: LiquidationEngine
// ============================================================================

type liquidationFixture struct {
	prices priceMap
	engine *state.LiquidationEngine
	sol    *state.Pool
	usdc   *state.Pool
	pos    *state.Position
}

// newLiquidationFixture: 10 SOL at 100 collateral, 800 USDC borrowed.
func newLiquidationFixture(t *testing.T, closeFactor uint64) *liquidationFixture {
	t.Helper()
	prices := priceMap{"SOL": 100 * fpmath.PriceScale, "USDC": fpmath.PriceScale}
	params := testParams()
	params.LiquidationCloseFactor = closeFactor

	f := &liquidationFixture{
		prices: prices,
		engine: state.NewLiquidationEngine(state.NewRiskEngine(prices)),
		sol:    newPool(t, "SOL", params),
		usdc:   newPool(t, "USDC", params),
		pos:    state.NewPosition(uuid.New()),
	}
	deposit(t, f.usdc, state.NewPosition(uuid.New()), 10_000)
	deposit(t, f.sol, f.pos, 10)
	_, err := state.Borrow(f.usdc, f.pos, 800)
	require.NoError(t, err)
	return f
}

func TestLiquidate_HealthyAccount(t *testing.T) {
	f := newLiquidationFixture(t, 5_000)

	_, err := f.engine.Liquidate(context.Background(), f.usdc, f.sol, f.pos, 100, 0)
	assert.ErrorIs(t, err, state.ErrHealthyAccount)
}

func TestLiquidate_CloseFactorAndBonus(t *testing.T) {
	f := newLiquidationFixture(t, 5_000)
	f.prices["SOL"] = 90 * fpmath.PriceScale // HF = 900*0.85/800 < 1

	_, err := f.engine.Liquidate(context.Background(), f.usdc.Clone(), f.sol.Clone(), f.pos.Clone(), 401, 0)
	assert.ErrorIs(t, err, state.ErrOverRepayRequest)

	res, err := f.engine.Liquidate(context.Background(), f.usdc, f.sol, f.pos, 400, 0)
	require.NoError(t, err)

	// 400 * 1.05 / 90 = 4.67 SOL, rounded down
	assert.Equal(t, uint64(400), res.RepayAmount)
	assert.Equal(t, uint64(4), res.SeizeAmount)
	assert.False(t, res.Capped)
	assert.Zero(t, res.BadDebt)
	assert.Less(t, res.HealthBefore, fpmath.HealthScale)
	assert.Greater(t, res.HealthAfter, res.HealthBefore)

	assert.Equal(t, uint64(6), f.pos.DepositedAmount)
	assert.Equal(t, uint64(400), f.pos.BorrowedAmount)
	assert.Equal(t, uint64(400), f.usdc.TotalBorrowed)
	assert.Equal(t, uint64(6), f.sol.TotalDeposited)
}

func TestLiquidate_CappedSeizureWritesOffBadDebt(t *testing.T) {
	f := newLiquidationFixture(t, 10_000)
	f.prices["SOL"] = 50 * fpmath.PriceScale

	res, err := f.engine.Liquidate(context.Background(), f.usdc, f.sol, f.pos, 800, 0)
	require.NoError(t, err)

	// All 10 SOL (500) are worth 500/1.05 = 476.19 of debt, rounded up
	assert.True(t, res.Capped)
	assert.Equal(t, uint64(10), res.SeizeAmount)
	assert.Equal(t, uint64(477), res.RepayAmount)
	assert.Equal(t, uint64(323), res.BadDebt)

	assert.True(t, f.pos.IsEmpty())
	assert.Zero(t, f.usdc.TotalBorrowed)
	assert.Zero(t, f.usdc.TotalBorrowShares)
	assert.Equal(t, uint64(10_000-323), f.usdc.TotalDeposited)
	assert.Equal(t, uint64(323), f.usdc.BadDebt)
	assert.NoError(t, f.usdc.Validate())
}

func TestWriteOffDebt_RefusesToEmptyBackedPool(t *testing.T) {
	usdc := newPool(t, "USDC", testParams())
	deposit(t, usdc, state.NewPosition(uuid.New()), 800)
	pos := state.NewPosition(uuid.New())
	_, err := state.Borrow(usdc, pos, 800)
	require.NoError(t, err)
	before := usdc.Clone()

	// Fully utilized: the debt is every unit depositors own
	_, err = state.WriteOffDebt(usdc, pos)
	assert.ErrorIs(t, err, state.ErrUnbackedShares)
	assert.Equal(t, before, usdc)
	assert.True(t, pos.HasDebt())

	// The pool still prices new deposits
	shares := deposit(t, usdc, state.NewPosition(uuid.New()), 100)
	assert.Equal(t, uint64(100), shares)

	owed, err := state.WriteOffDebt(usdc, pos)
	require.NoError(t, err)
	assert.Equal(t, uint64(800), owed)
	assert.Equal(t, uint64(100), usdc.TotalDeposited)
	assert.Equal(t, uint64(900), usdc.TotalDepositShares)
	assert.Zero(t, usdc.TotalBorrowed)
	assert.NoError(t, usdc.Validate())
}

func TestLiquidate_RequiresMatchingSlots(t *testing.T) {
	f := newLiquidationFixture(t, 5_000)
	f.prices["SOL"] = 10 * fpmath.PriceScale

	_, err := f.engine.Liquidate(context.Background(), f.sol, f.usdc, f.pos, 100, 0)
	assert.ErrorIs(t, err, state.ErrAssetMismatch)
}

// ============================================================================
// Test: RiskParams
// ============================================================================

func TestValidateRiskParams(t *testing.T) {
	require.NoError(t, state.ValidateRiskParams(testParams()))

	bad := testParams()
	bad.LiquidationThreshold = bad.MaxLTV - 1
	assert.ErrorIs(t, state.ValidateRiskParams(bad), state.ErrInvalidRiskParams)

	bad = testParams()
	bad.LiquidationCloseFactor = 0
	assert.ErrorIs(t, state.ValidateRiskParams(bad), state.ErrInvalidRiskParams)

	bad = testParams()
	bad.RateModel = "exponential"
	assert.ErrorIs(t, state.ValidateRiskParams(bad), state.ErrInvalidRiskParams)

	for asset, params := range state.DefaultRiskParams {
		assert.NoError(t, state.ValidateRiskParams(params), asset)
	}
}
