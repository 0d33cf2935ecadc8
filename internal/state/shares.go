package state

import (
	fpmath "LendLedger/internal/math"
)

// AmountToShares converts an underlying amount into shares at the current
// exchange rate totalAmount/totalShares. The first issuance is 1:1.
func AmountToShares(amount, totalAmount, totalShares uint64, mode fpmath.RoundingMode) (uint64, error) {
	if totalShares == 0 {
		return amount, nil
	}
	if totalAmount == 0 {
		return 0, ErrDivisionByZero
	}
	return fpmath.MulDiv(amount, totalShares, totalAmount, mode)
}

// SharesToAmount converts shares into the underlying amount they represent.
func SharesToAmount(shares, totalAmount, totalShares uint64, mode fpmath.RoundingMode) (uint64, error) {
	if totalShares == 0 {
		return 0, nil
	}
	return fpmath.MulDiv(shares, totalAmount, totalShares, mode)
}
