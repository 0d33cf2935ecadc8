// internal/state/liquidation.go
package state

import (
	"context"
	"fmt"

	fpmath "LendLedger/internal/math"
)

// LiquidationResult describes what one liquidation did to a position.
type LiquidationResult struct {
	RepayAmount  uint64 `json:"repay_amount"`
	RepayShares  uint64 `json:"repay_shares"`
	SeizeAmount  uint64 `json:"seize_amount"`
	SeizeShares  uint64 `json:"seize_shares"`
	BadDebt      uint64 `json:"bad_debt"`
	Capped       bool   `json:"capped"`
	HealthBefore uint64 `json:"health_before"`
	HealthAfter  uint64 `json:"health_after"`
}

// LiquidationEngine lets a third party repay an unhealthy position's debt
// in exchange for its collateral plus a bonus.
type LiquidationEngine struct {
	risk *RiskEngine
}

func NewLiquidationEngine(risk *RiskEngine) *LiquidationEngine {
	return &LiquidationEngine{risk: risk}
}

// Liquidate applies a liquidation to the (accrued, synced) pools and
// position in place. debtPool and collateralPool may be the same pool.
//
// The position must be below a 1.0 health factor under the collateral's
// liquidation threshold. repayAmount is capped by the debt pool's close
// factor. The liquidator receives repay value * (1 + bonus) of collateral;
// when that exceeds the collateral left, seizure takes all of it and the
// repay is reduced to match. Debt left with no collateral behind it is
// written off as bad debt.
func (l *LiquidationEngine) Liquidate(
	ctx context.Context,
	debtPool, collateralPool *Pool,
	pos *Position,
	repayAmount uint64,
	now int64,
) (*LiquidationResult, error) {
	if repayAmount == 0 {
		return nil, ErrInvalidAmount
	}
	if !pos.HasDebt() || pos.BorrowAsset != debtPool.Asset {
		return nil, fmt.Errorf("%w: %w: no %s debt", ErrAssetMismatch, ErrNoDebt, debtPool.Asset)
	}
	if !pos.HasCollateral() || pos.DepositAsset != collateralPool.Asset {
		return nil, fmt.Errorf("%w: %w: no %s collateral", ErrAssetMismatch, ErrNoCollateral, collateralPool.Asset)
	}

	before, err := l.risk.Assess(ctx, pos, collateralPool, debtPool, now)
	if err != nil {
		return nil, err
	}
	if before.Healthy() {
		return nil, fmt.Errorf("%w: health factor %s",
			ErrHealthyAccount, fpmath.FormatScaled(before.HealthFactor, fpmath.HealthScale))
	}

	maxRepay, err := fpmath.ApplyBps(pos.BorrowedAmount, debtPool.Params.LiquidationCloseFactor, fpmath.RoundDown)
	if err != nil {
		return nil, err
	}
	if maxRepay == 0 {
		// Dust debt: allow closing it in one go
		maxRepay = pos.BorrowedAmount
	}
	if repayAmount > maxRepay {
		return nil, fmt.Errorf("%w: liquidation repays %d, close factor allows %d",
			ErrOverRepayRequest, repayAmount, maxRepay)
	}

	res := &LiquidationResult{
		RepayAmount:  repayAmount,
		HealthBefore: before.HealthFactor,
	}

	bonusBps := fpmath.BpsScale + collateralPool.Params.LiquidationBonus
	seizeAmount, err := seizeFor(repayAmount, before, debtPool, collateralPool, bonusBps)
	if err != nil {
		return nil, err
	}

	available := pos.DepositedAmount
	if seizeAmount > available {
		res.Capped = true
		seizeAmount = available
		if res.RepayAmount, err = repayFor(available, before, debtPool, collateralPool, bonusBps); err != nil {
			return nil, err
		}
		if res.RepayAmount > repayAmount {
			res.RepayAmount = repayAmount
		}
	}
	res.SeizeAmount = seizeAmount

	if res.RepayAmount > 0 {
		if res.RepayShares, err = Repay(debtPool, pos, res.RepayAmount); err != nil {
			return nil, err
		}
	}
	if res.SeizeAmount > 0 {
		if res.SeizeShares, err = Withdraw(collateralPool, pos, res.SeizeAmount); err != nil {
			return nil, err
		}
	}

	if res.Capped && pos.HasCollateral() && pos.DepositedAmount == 0 {
		// Shares worth nothing after a full seizure
		if err := sweepDepositDust(collateralPool, pos); err != nil {
			return nil, err
		}
	}

	if !pos.HasCollateral() && pos.HasDebt() {
		if res.BadDebt, err = WriteOffDebt(debtPool, pos); err != nil {
			return nil, err
		}
	}

	after, err := assessAt(pos, collateralPool, debtPool, before.CollateralPrice, before.DebtPrice)
	if err != nil {
		return nil, err
	}
	res.HealthAfter = after.HealthFactor

	return res, nil
}

// seizeFor returns the collateral units worth repayAmount of debt plus the
// bonus, rounded down.
func seizeFor(repayAmount uint64, v Valuation, debtPool, collateralPool *Pool, bonusBps uint64) (uint64, error) {
	repayValue, err := ValueOf(repayAmount, v.DebtPrice, debtPool.Decimals, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	seizeValue, err := fpmath.ApplyBps(repayValue, bonusBps, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	return AmountOf(seizeValue, v.CollateralPrice, collateralPool.Decimals, fpmath.RoundDown)
}

// repayFor is the inverse of seizeFor: the debt units a liquidator pays for
// seizeAmount of collateral, rounded up.
func repayFor(seizeAmount uint64, v Valuation, debtPool, collateralPool *Pool, bonusBps uint64) (uint64, error) {
	seizeValue, err := ValueOf(seizeAmount, v.CollateralPrice, collateralPool.Decimals, fpmath.RoundUp)
	if err != nil {
		return 0, err
	}
	repayValue, err := fpmath.MulDiv(seizeValue, fpmath.BpsScale, bonusBps, fpmath.RoundUp)
	if err != nil {
		return 0, err
	}
	return AmountOf(repayValue, v.DebtPrice, debtPool.Decimals, fpmath.RoundUp)
}
