package state

import (
	"fmt"

	fpmath "LendLedger/internal/math"
)

// WriteOffDebt removes a collateral-less position's remaining debt from the
// pool. The debt leaves both totals, so depositors absorb the loss pro rata
// while available liquidity is unchanged. Returns the amount written off.
//
// A write-off that would take total_deposited to zero while deposit shares
// are still outstanding is refused with ErrUnbackedShares: no later deposit
// could be priced against those shares.
func WriteOffDebt(pool *Pool, pos *Position) (uint64, error) {
	if !pos.HasDebt() || pos.BorrowAsset != pool.Asset {
		return 0, nil
	}

	owed, err := pool.DebtValue(pos.BorrowedShares)
	if err != nil {
		return 0, err
	}
	if owed > pool.TotalBorrowed {
		owed = pool.TotalBorrowed
	}
	if owed >= pool.TotalDeposited && pool.TotalDepositShares > 0 {
		return 0, fmt.Errorf("%w: %s write-off of %d consumes all deposits behind %d shares",
			ErrUnbackedShares, pool.Asset, owed, pool.TotalDepositShares)
	}

	if pool.TotalBorrowed, err = fpmath.CheckedSub(pool.TotalBorrowed, owed); err != nil {
		return 0, err
	}
	if pool.TotalDeposited, err = fpmath.CheckedSub(pool.TotalDeposited, owed); err != nil {
		return 0, err
	}
	if pool.TotalBorrowShares, err = fpmath.CheckedSub(pool.TotalBorrowShares, pos.BorrowedShares); err != nil {
		return 0, err
	}
	if pool.BadDebt, err = fpmath.CheckedAdd(pool.BadDebt, owed); err != nil {
		return 0, err
	}

	pos.BorrowedShares = 0
	pos.releaseSlots()
	return owed, nil
}

// sweepDepositDust burns deposit shares that round down to a zero amount.
func sweepDepositDust(pool *Pool, pos *Position) error {
	shares := pos.DepositedShares
	var err error
	if pool.TotalDepositShares, err = fpmath.CheckedSub(pool.TotalDepositShares, shares); err != nil {
		return err
	}
	pos.DepositedShares = 0
	pos.releaseSlots()
	return nil
}

// BadDebtRatio reports written-off debt relative to current deposits, in bps.
func BadDebtRatio(pool *Pool) uint64 {
	if pool.TotalDeposited == 0 {
		if pool.BadDebt > 0 {
			return fpmath.BpsScale
		}
		return 0
	}
	r, err := fpmath.Ratio(pool.BadDebt, pool.TotalDeposited, fpmath.BpsScale, fpmath.RoundUp)
	if err != nil {
		return fpmath.BpsScale
	}
	return r
}
