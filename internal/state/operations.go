package state

import (
	"fmt"
	"math"

	fpmath "LendLedger/internal/math"
)

// MaxOperationAmount bounds a single deposit, withdraw, borrow, repay or
// liquidation amount. Custody journals carry signed 64-bit amounts.
const MaxOperationAmount uint64 = math.MaxInt64

// CheckAmount rejects zero and oversized operation amounts.
func CheckAmount(amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if amount > MaxOperationAmount {
		return fmt.Errorf("%w: %d exceeds %d", ErrAmountTooLarge, amount, MaxOperationAmount)
	}
	return nil
}

// The functions below are the share-accounting half of each operation.
// They assume the pools are already accrued to the operation time and do
// no risk checks; the caller works on clones and discards them on error.

// Deposit mints deposit shares (rounded down) for amount.
func Deposit(pool *Pool, pos *Position, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	if err := pos.bindDeposit(pool.Asset); err != nil {
		return 0, err
	}

	shares, err := AmountToShares(amount, pool.TotalDeposited, pool.TotalDepositShares, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	if shares == 0 {
		return 0, fmt.Errorf("%w: deposit of %d %s is worth less than one share", ErrInvalidAmount, amount, pool.Asset)
	}

	if pool.TotalDeposited, err = fpmath.CheckedAdd(pool.TotalDeposited, amount); err != nil {
		return 0, err
	}
	if pool.TotalDepositShares, err = fpmath.CheckedAdd(pool.TotalDepositShares, shares); err != nil {
		return 0, err
	}
	if pos.DepositedShares, err = fpmath.CheckedAdd(pos.DepositedShares, shares); err != nil {
		return 0, err
	}

	return shares, pos.SyncDeposit(pool)
}

// Withdraw burns deposit shares (rounded up) for amount. Liquidation
// seizure goes through here too.
func Withdraw(pool *Pool, pos *Position, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	if !pos.HasCollateral() || pos.DepositAsset != pool.Asset {
		return 0, fmt.Errorf("%w: no %s deposit", ErrOverWithdrawRequest, pool.Asset)
	}

	withdrawable, err := pool.DepositValue(pos.DepositedShares)
	if err != nil {
		return 0, err
	}
	if amount > withdrawable {
		return 0, fmt.Errorf("%w: requested %d, withdrawable %d", ErrOverWithdrawRequest, amount, withdrawable)
	}

	liquidity, err := pool.AvailableLiquidity()
	if err != nil {
		return 0, err
	}
	if amount > liquidity {
		return 0, fmt.Errorf("%w: requested %d, available %d", ErrInsufficientLiquidity, amount, liquidity)
	}

	shares, err := AmountToShares(amount, pool.TotalDeposited, pool.TotalDepositShares, fpmath.RoundUp)
	if err != nil {
		return 0, err
	}
	if shares > pos.DepositedShares {
		return 0, fmt.Errorf("%w: burns %d shares, holds %d", ErrOverWithdrawRequest, shares, pos.DepositedShares)
	}

	if pool.TotalDeposited, err = fpmath.CheckedSub(pool.TotalDeposited, amount); err != nil {
		return 0, err
	}
	if pool.TotalDepositShares, err = fpmath.CheckedSub(pool.TotalDepositShares, shares); err != nil {
		return 0, err
	}
	pos.DepositedShares -= shares

	if err := pos.SyncDeposit(pool); err != nil {
		return 0, err
	}
	pos.releaseSlots()
	return shares, nil
}

// Borrow mints borrow shares (rounded up) for amount.
func Borrow(pool *Pool, pos *Position, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	if err := pos.bindBorrow(pool.Asset); err != nil {
		return 0, err
	}

	liquidity, err := pool.AvailableLiquidity()
	if err != nil {
		return 0, err
	}
	if amount > liquidity {
		return 0, fmt.Errorf("%w: requested %d, available %d", ErrOverBorrowRequest, amount, liquidity)
	}

	shares, err := AmountToShares(amount, pool.TotalBorrowed, pool.TotalBorrowShares, fpmath.RoundUp)
	if err != nil {
		return 0, err
	}

	if pool.TotalBorrowed, err = fpmath.CheckedAdd(pool.TotalBorrowed, amount); err != nil {
		return 0, err
	}
	if pool.TotalBorrowShares, err = fpmath.CheckedAdd(pool.TotalBorrowShares, shares); err != nil {
		return 0, err
	}
	if pos.BorrowedShares, err = fpmath.CheckedAdd(pos.BorrowedShares, shares); err != nil {
		return 0, err
	}

	return shares, pos.SyncBorrow(pool)
}

// Repay burns borrow shares (rounded down) for amount. Repaying the full
// amount owed burns every share the position holds.
func Repay(pool *Pool, pos *Position, amount uint64) (uint64, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	if !pos.HasDebt() || pos.BorrowAsset != pool.Asset {
		return 0, fmt.Errorf("%w: no %s debt", ErrOverRepayRequest, pool.Asset)
	}

	owed, err := pool.DebtValue(pos.BorrowedShares)
	if err != nil {
		return 0, err
	}
	if amount > owed {
		return 0, fmt.Errorf("%w: repaying %d, owed %d", ErrOverRepayRequest, amount, owed)
	}

	shares := pos.BorrowedShares
	if amount < owed {
		shares, err = AmountToShares(amount, pool.TotalBorrowed, pool.TotalBorrowShares, fpmath.RoundDown)
		if err != nil {
			return 0, err
		}
		if shares == 0 {
			return 0, fmt.Errorf("%w: repayment of %d %s is worth less than one share", ErrInvalidAmount, amount, pool.Asset)
		}
	}

	if pool.TotalBorrowed, err = fpmath.CheckedSub(pool.TotalBorrowed, amount); err != nil {
		return 0, err
	}
	if pool.TotalBorrowShares, err = fpmath.CheckedSub(pool.TotalBorrowShares, shares); err != nil {
		return 0, err
	}
	pos.BorrowedShares -= shares

	if err := pos.SyncBorrow(pool); err != nil {
		return 0, err
	}
	pos.releaseSlots()
	return shares, nil
}
