package state

import (
	"errors"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/oracle"
)

// Error kinds returned by pool and position operations. Every kind aborts
// the enclosing operation with no state committed; callers match them with
// errors.Is.
var (
	ErrMathOverflow     = fpmath.ErrMathOverflow
	ErrDivisionByZero   = fpmath.ErrDivisionByZero
	ErrInvalidPriceFeed = oracle.ErrInvalidPriceFeed

	ErrOverWithdrawRequest                  = errors.New("over withdraw request")
	ErrOverBorrowRequest                    = errors.New("over borrow request")
	ErrOverRepayRequest                     = errors.New("over repay request")
	ErrOverBorrowableAmount                 = errors.New("over borrowable amount")
	ErrWithdrawAmountExceedsCollateralValue = errors.New("withdraw amount exceeds collateral value")
	ErrHealthyAccount                       = errors.New("account is healthy")
	ErrTransfer                             = errors.New("custody transfer failed")

	ErrAmountTooLarge        = errors.New("amount too large")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")
	ErrAssetMismatch         = errors.New("position slot holds a different asset")
	ErrNoCollateral          = errors.New("position has no collateral")
	ErrNoDebt                = errors.New("position has no debt")
	ErrPoolNotFound          = errors.New("pool not found")
	ErrPoolExists            = errors.New("pool already exists")
	ErrInvalidRiskParams     = errors.New("invalid risk params")
	ErrUnbackedShares        = errors.New("write-off would leave deposit shares unbacked")
	ErrInvariantViolation    = errors.New("pool invariant violation")
)

// Reason maps an error to a short, stable label for metrics and API
// responses.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMathOverflow):
		return "math_overflow"
	case errors.Is(err, ErrDivisionByZero):
		return "division_by_zero"
	case errors.Is(err, ErrInvalidPriceFeed):
		return "invalid_price_feed"
	case errors.Is(err, ErrOverWithdrawRequest):
		return "over_withdraw_request"
	case errors.Is(err, ErrOverBorrowRequest):
		return "over_borrow_request"
	case errors.Is(err, ErrOverRepayRequest):
		return "over_repay_request"
	case errors.Is(err, ErrOverBorrowableAmount):
		return "over_borrowable_amount"
	case errors.Is(err, ErrWithdrawAmountExceedsCollateralValue):
		return "withdraw_exceeds_collateral_value"
	case errors.Is(err, ErrHealthyAccount):
		return "healthy_account"
	case errors.Is(err, ErrTransfer):
		return "transfer_error"
	case errors.Is(err, ErrAmountTooLarge):
		return "amount_too_large"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, ErrAssetMismatch):
		return "asset_mismatch"
	case errors.Is(err, ErrNoCollateral):
		return "no_collateral"
	case errors.Is(err, ErrNoDebt):
		return "no_debt"
	case errors.Is(err, ErrPoolNotFound):
		return "pool_not_found"
	case errors.Is(err, ErrPoolExists):
		return "pool_exists"
	case errors.Is(err, ErrInvalidRiskParams):
		return "invalid_risk_params"
	case errors.Is(err, ErrUnbackedShares):
		return "unbacked_shares"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	default:
		return "internal"
	}
}
