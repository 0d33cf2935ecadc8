package state

import (
	"context"
	"fmt"
	"math"

	fpmath "LendLedger/internal/math"
)

// MaxHealthFactor is reported for positions without debt.
const MaxHealthFactor = uint64(math.MaxUint64)

// PriceReader returns the price of one whole asset unit at
// fpmath.PriceScale, failing with ErrInvalidPriceFeed on bad readings.
type PriceReader interface {
	AssetPrice(ctx context.Context, asset string, now int64) (uint64, error)
}

// Valuation is a position priced in the common unit (fpmath.ValueScale).
type Valuation struct {
	CollateralValue  uint64 `json:"collateral_value"`
	DebtValue        uint64 `json:"debt_value"`
	BorrowableValue  uint64 `json:"borrowable_value"`  // collateral * max_ltv
	LiquidationValue uint64 `json:"liquidation_value"` // collateral * liquidation_threshold
	HealthFactor     uint64 `json:"health_factor"`     // HealthScale = 1.0
	CollateralPrice  uint64 `json:"collateral_price,omitempty"`
	DebtPrice        uint64 `json:"debt_price,omitempty"`
}

// Healthy reports HealthFactor >= 1.0.
func (v Valuation) Healthy() bool {
	return v.HealthFactor >= fpmath.HealthScale
}

// RiskEngine prices positions and gates borrow and withdraw.
type RiskEngine struct {
	prices PriceReader
}

func NewRiskEngine(prices PriceReader) *RiskEngine {
	return &RiskEngine{prices: prices}
}

// Assess values pos against its (accrued) collateral and debt pools.
// Either pool may be nil when the matching slot is empty; the oracle is only
// queried for non-empty slots.
func (r *RiskEngine) Assess(ctx context.Context, pos *Position, collateral, debt *Pool, now int64) (Valuation, error) {
	var collateralPrice, debtPrice uint64
	var err error

	if pos.HasCollateral() {
		if collateral == nil {
			return Valuation{}, fmt.Errorf("assess %s: %w: %s", pos.Owner, ErrPoolNotFound, pos.DepositAsset)
		}
		if collateralPrice, err = r.prices.AssetPrice(ctx, collateral.Asset, now); err != nil {
			return Valuation{}, err
		}
	}
	if pos.HasDebt() {
		if debt == nil {
			return Valuation{}, fmt.Errorf("assess %s: %w: %s", pos.Owner, ErrPoolNotFound, pos.BorrowAsset)
		}
		if debtPrice, err = r.prices.AssetPrice(ctx, debt.Asset, now); err != nil {
			return Valuation{}, err
		}
	}

	return assessAt(pos, collateral, debt, collateralPrice, debtPrice)
}

// assessAt values pos at fixed prices. Collateral rounds down, debt rounds
// up.
func assessAt(pos *Position, collateral, debt *Pool, collateralPrice, debtPrice uint64) (Valuation, error) {
	v := Valuation{
		CollateralPrice: collateralPrice,
		DebtPrice:       debtPrice,
		HealthFactor:    MaxHealthFactor,
	}
	var err error

	if pos.HasCollateral() {
		if v.CollateralValue, err = ValueOf(pos.DepositedAmount, collateralPrice, collateral.Decimals, fpmath.RoundDown); err != nil {
			return Valuation{}, err
		}
		if v.BorrowableValue, err = fpmath.ApplyBps(v.CollateralValue, collateral.Params.MaxLTV, fpmath.RoundDown); err != nil {
			return Valuation{}, err
		}
		if v.LiquidationValue, err = fpmath.ApplyBps(v.CollateralValue, collateral.Params.LiquidationThreshold, fpmath.RoundDown); err != nil {
			return Valuation{}, err
		}
	}

	if pos.HasDebt() {
		if v.DebtValue, err = ValueOf(pos.BorrowedAmount, debtPrice, debt.Decimals, fpmath.RoundUp); err != nil {
			return Valuation{}, err
		}
	}

	if v.DebtValue > 0 {
		hf, err := fpmath.MulDiv(v.LiquidationValue, fpmath.HealthScale, v.DebtValue, fpmath.RoundDown)
		if err != nil {
			// Saturate: a ratio this large is healthy by any measure
			hf = MaxHealthFactor
		}
		v.HealthFactor = hf
	}

	return v, nil
}

// CheckBorrow fails with ErrOverBorrowableAmount when the post-borrow debt
// value exceeds collateral_value * max_ltv.
func (r *RiskEngine) CheckBorrow(ctx context.Context, pos *Position, collateral, debt *Pool, now int64) (Valuation, error) {
	if !pos.HasCollateral() {
		return Valuation{}, fmt.Errorf("%w: %v", ErrOverBorrowableAmount, ErrNoCollateral)
	}
	v, err := r.Assess(ctx, pos, collateral, debt, now)
	if err != nil {
		return Valuation{}, err
	}
	if v.DebtValue > v.BorrowableValue {
		return v, fmt.Errorf("%w: debt value %s exceeds borrowable %s",
			ErrOverBorrowableAmount,
			fpmath.FormatScaled(v.DebtValue, fpmath.ValueScale),
			fpmath.FormatScaled(v.BorrowableValue, fpmath.ValueScale))
	}
	return v, nil
}

// CheckWithdraw fails with ErrWithdrawAmountExceedsCollateralValue when the
// post-withdraw collateral no longer covers the debt under max_ltv.
// Positions without debt always pass.
func (r *RiskEngine) CheckWithdraw(ctx context.Context, pos *Position, collateral, debt *Pool, now int64) (Valuation, error) {
	if !pos.HasDebt() {
		return Valuation{HealthFactor: MaxHealthFactor}, nil
	}
	v, err := r.Assess(ctx, pos, collateral, debt, now)
	if err != nil {
		return Valuation{}, err
	}
	if v.DebtValue > v.BorrowableValue {
		return v, fmt.Errorf("%w: debt value %s exceeds borrowable %s",
			ErrWithdrawAmountExceedsCollateralValue,
			fpmath.FormatScaled(v.DebtValue, fpmath.ValueScale),
			fpmath.FormatScaled(v.BorrowableValue, fpmath.ValueScale))
	}
	return v, nil
}

// ValueOf converts a native-unit amount to the common unit:
// amount * price / (10^decimals * PriceScale / ValueScale).
func ValueOf(amount, price uint64, decimals uint8, mode fpmath.RoundingMode) (uint64, error) {
	den, err := valueDenominator(decimals)
	if err != nil {
		return 0, err
	}
	return fpmath.MulDiv(amount, price, den, mode)
}

// AmountOf is the inverse of ValueOf.
func AmountOf(value, price uint64, decimals uint8, mode fpmath.RoundingMode) (uint64, error) {
	if price == 0 {
		return 0, ErrDivisionByZero
	}
	den, err := valueDenominator(decimals)
	if err != nil {
		return 0, err
	}
	return fpmath.MulDiv(value, den, price, mode)
}

func valueDenominator(decimals uint8) (uint64, error) {
	unit, err := fpmath.Pow10(decimals)
	if err != nil {
		return 0, err
	}
	return fpmath.CheckedMul(unit, fpmath.PriceScale/fpmath.ValueScale)
}
