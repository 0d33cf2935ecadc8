// internal/state/pool.go
package state

import (
	"fmt"
	"strings"

	fpmath "LendLedger/internal/math"

	"github.com/google/uuid"
)

// Pool aggregates one asset's liquidity: deposit and borrow totals, the
// shares issued against them, and the pool's risk parameters.
type Pool struct {
	Authority          uuid.UUID  `json:"authority"`
	Asset              string     `json:"asset"`
	Decimals           uint8      `json:"decimals"`
	TotalDeposited     uint64     `json:"total_deposited"`
	TotalBorrowed      uint64     `json:"total_borrowed"`
	TotalDepositShares uint64     `json:"total_deposit_shares"`
	TotalBorrowShares  uint64     `json:"total_borrow_shares"`
	Params             RiskParams `json:"params"`
	LastUpdated        int64      `json:"last_updated"`
	BadDebt            uint64     `json:"bad_debt"`
	Version            int64      `json:"version"`
}

// NewPool creates an empty pool. The first accrual happens at createdAt.
func NewPool(authority uuid.UUID, asset string, decimals uint8, params RiskParams, createdAt int64) (*Pool, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return nil, fmt.Errorf("empty asset")
	}
	if decimals > 18 {
		return nil, fmt.Errorf("decimals must be <= 18, got %d", decimals)
	}
	if params.RateModel == "" {
		params.RateModel = RateModelFixed
	}
	if err := ValidateRiskParams(params); err != nil {
		return nil, fmt.Errorf("pool %s: %w", asset, err)
	}

	return &Pool{
		Authority:   authority,
		Asset:       asset,
		Decimals:    decimals,
		Params:      params,
		LastUpdated: createdAt,
	}, nil
}

func (p *Pool) Clone() *Pool {
	c := *p
	return &c
}

// AvailableLiquidity is the idle amount that can leave the treasury.
func (p *Pool) AvailableLiquidity() (uint64, error) {
	return fpmath.CheckedSub(p.TotalDeposited, p.TotalBorrowed)
}

// Utilization returns total_borrowed / total_deposited in bps.
func (p *Pool) Utilization() uint64 {
	if p.TotalDeposited == 0 {
		return 0
	}
	u, err := fpmath.Ratio(p.TotalBorrowed, p.TotalDeposited, fpmath.BpsScale, fpmath.RoundDown)
	if err != nil || u > fpmath.BpsScale {
		return fpmath.BpsScale
	}
	return u
}

// DepositValue returns what deposit shares are worth now, rounded down.
func (p *Pool) DepositValue(shares uint64) (uint64, error) {
	return SharesToAmount(shares, p.TotalDeposited, p.TotalDepositShares, fpmath.RoundDown)
}

// DebtValue returns what borrow shares owe now, rounded up.
func (p *Pool) DebtValue(shares uint64) (uint64, error) {
	return SharesToAmount(shares, p.TotalBorrowed, p.TotalBorrowShares, fpmath.RoundUp)
}

// Validate checks the invariants every committed pool must satisfy.
// Deposits may be left with no shares: rounding dust from the last
// withdrawal stays in the pool and accrues to the next depositor.
func (p *Pool) Validate() error {
	if p.TotalBorrowed > p.TotalDeposited {
		return fmt.Errorf("%w: %s borrowed %d > deposited %d",
			ErrInvariantViolation, p.Asset, p.TotalBorrowed, p.TotalDeposited)
	}
	if p.TotalBorrowShares == 0 && p.TotalBorrowed != 0 {
		return fmt.Errorf("%w: %s has %d borrowed with no shares",
			ErrInvariantViolation, p.Asset, p.TotalBorrowed)
	}
	return nil
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Pool) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)

	// authority (16 bytes)
	buf = append(buf, p.Authority[:]...)

	// asset (length-prefixed)
	buf = append(buf, byte(len(p.Asset)))
	buf = append(buf, []byte(p.Asset)...)

	buf = append(buf, p.Decimals)
	buf = appendUint64LE(buf, p.TotalDeposited)
	buf = appendUint64LE(buf, p.TotalBorrowed)
	buf = appendUint64LE(buf, p.TotalDepositShares)
	buf = appendUint64LE(buf, p.TotalBorrowShares)

	buf = appendUint64LE(buf, p.Params.MaxLTV)
	buf = appendUint64LE(buf, p.Params.LiquidationThreshold)
	buf = appendUint64LE(buf, p.Params.LiquidationBonus)
	buf = appendUint64LE(buf, p.Params.LiquidationCloseFactor)
	buf = appendUint64LE(buf, p.Params.InterestRate)

	buf = appendUint64LE(buf, uint64(p.LastUpdated))
	buf = appendUint64LE(buf, p.BadDebt)

	return buf
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
