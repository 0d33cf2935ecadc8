// internal/state/position.go
package state

import (
	"fmt"

	fpmath "LendLedger/internal/math"

	"github.com/google/uuid"
)

// Position is one account's stake in the ledger: a single collateral slot
// and a single debt slot. Amount fields are caches of the share balances
// refreshed by Sync; the shares are the source of truth.
type Position struct {
	Owner                uuid.UUID `json:"owner"`
	DepositAsset         string    `json:"deposit_asset,omitempty"`
	DepositedAmount      uint64    `json:"deposited_amount"`
	DepositedShares      uint64    `json:"deposited_shares"`
	BorrowAsset          string    `json:"borrow_asset,omitempty"`
	BorrowedAmount       uint64    `json:"borrowed_amount"`
	BorrowedShares       uint64    `json:"borrowed_shares"`
	LastUpdatedDeposited int64     `json:"last_updated_deposited"`
	LastUpdatedBorrowed  int64     `json:"last_updated_borrowed"`
	Version              int64     `json:"version"`
}

func NewPosition(owner uuid.UUID) *Position {
	return &Position{Owner: owner}
}

func (p *Position) Clone() *Position {
	c := *p
	return &c
}

func (p *Position) HasCollateral() bool { return p.DepositedShares > 0 }

func (p *Position) HasDebt() bool { return p.BorrowedShares > 0 }

// IsEmpty reports a drained position. Drained positions are kept, never
// removed.
func (p *Position) IsEmpty() bool {
	return p.DepositedShares == 0 && p.BorrowedShares == 0
}

// Sync refreshes the cached amounts from the (already accrued) pools.
// A pool may be nil only when the matching slot is empty.
func (p *Position) Sync(depositPool, borrowPool *Pool) error {
	if err := p.SyncDeposit(depositPool); err != nil {
		return err
	}
	return p.SyncBorrow(borrowPool)
}

func (p *Position) SyncDeposit(pool *Pool) error {
	if !p.HasCollateral() {
		p.DepositedAmount = 0
		return nil
	}
	if pool == nil || pool.Asset != p.DepositAsset {
		return fmt.Errorf("sync %s: deposit pool %s missing", p.Owner, p.DepositAsset)
	}
	amount, err := pool.DepositValue(p.DepositedShares)
	if err != nil {
		return err
	}
	p.DepositedAmount = amount
	p.LastUpdatedDeposited = pool.LastUpdated
	return nil
}

func (p *Position) SyncBorrow(pool *Pool) error {
	if !p.HasDebt() {
		p.BorrowedAmount = 0
		return nil
	}
	if pool == nil || pool.Asset != p.BorrowAsset {
		return fmt.Errorf("sync %s: borrow pool %s missing", p.Owner, p.BorrowAsset)
	}
	amount, err := pool.DebtValue(p.BorrowedShares)
	if err != nil {
		return err
	}
	p.BorrowedAmount = amount
	p.LastUpdatedBorrowed = pool.LastUpdated
	return nil
}

func (p *Position) bindDeposit(asset string) error {
	if p.DepositedShares > 0 && p.DepositAsset != asset {
		return fmt.Errorf("%w: deposit slot holds %s, got %s", ErrAssetMismatch, p.DepositAsset, asset)
	}
	p.DepositAsset = asset
	return nil
}

func (p *Position) bindBorrow(asset string) error {
	if p.BorrowedShares > 0 && p.BorrowAsset != asset {
		return fmt.Errorf("%w: borrow slot holds %s, got %s", ErrAssetMismatch, p.BorrowAsset, asset)
	}
	p.BorrowAsset = asset
	return nil
}

// releaseSlots clears asset bindings of drained slots.
func (p *Position) releaseSlots() {
	if p.DepositedShares == 0 {
		p.DepositAsset = ""
		p.DepositedAmount = 0
	}
	if p.BorrowedShares == 0 {
		p.BorrowAsset = ""
		p.BorrowedAmount = 0
	}
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)

	// owner (16 bytes UUID binary)
	buf = append(buf, p.Owner[:]...)

	buf = append(buf, byte(len(p.DepositAsset)))
	buf = append(buf, []byte(p.DepositAsset)...)
	buf = appendUint64LE(buf, p.DepositedShares)

	buf = append(buf, byte(len(p.BorrowAsset)))
	buf = append(buf, []byte(p.BorrowAsset)...)
	buf = appendUint64LE(buf, p.BorrowedShares)

	buf = appendUint64LE(buf, uint64(p.LastUpdatedDeposited))
	buf = appendUint64LE(buf, uint64(p.LastUpdatedBorrowed))

	return buf
}

// DepositShareOf is a convenience for reporting: the position's fraction
// of the pool's deposit shares, in bps.
func (p *Position) DepositShareOf(pool *Pool) uint64 {
	if pool.TotalDepositShares == 0 || p.DepositAsset != pool.Asset {
		return 0
	}
	r, err := fpmath.Ratio(p.DepositedShares, pool.TotalDepositShares, fpmath.BpsScale, fpmath.RoundDown)
	if err != nil {
		return 0
	}
	return r
}
