package query

import (
	"LendLedger/internal/state"

	"github.com/google/uuid"
)

// PoolResponse is a pool as seen by API callers, accrued to AsOfTime.
type PoolResponse struct {
	Asset              string           `json:"asset"`
	Decimals           uint8            `json:"decimals"`
	TotalDeposited     uint64           `json:"total_deposited"`
	TotalBorrowed      uint64           `json:"total_borrowed"`
	TotalDepositShares uint64           `json:"total_deposit_shares"`
	TotalBorrowShares  uint64           `json:"total_borrow_shares"`
	AvailableLiquidity uint64           `json:"available_liquidity"`
	UtilizationBps     uint64           `json:"utilization_bps"`
	BorrowRateBps      uint64           `json:"borrow_rate_bps"`
	SupplyRateBps      uint64           `json:"supply_rate_bps"`
	BadDebt            uint64           `json:"bad_debt"`
	Params             state.RiskParams `json:"params"`
	LastUpdated        int64            `json:"last_updated"`
	AsOfTime           int64            `json:"as_of_time"`
	AsOfSequence       int64            `json:"as_of_sequence"`
}

// PositionResponse is a position with its amounts brought up to date.
type PositionResponse struct {
	Owner           uuid.UUID `json:"owner"`
	DepositAsset    string    `json:"deposit_asset,omitempty"`
	DepositedAmount uint64    `json:"deposited_amount"`
	DepositedShares uint64    `json:"deposited_shares"`
	PoolShareBps    uint64    `json:"pool_share_bps"`
	BorrowAsset     string    `json:"borrow_asset,omitempty"`
	BorrowedAmount  uint64    `json:"borrowed_amount"`
	BorrowedShares  uint64    `json:"borrowed_shares"`
	Version         int64     `json:"version"`
	AsOfTime        int64     `json:"as_of_time"`
	AsOfSequence    int64     `json:"as_of_sequence"`
}

// HealthResponse is the risk view of a position at AsOfTime.
type HealthResponse struct {
	Owner uuid.UUID `json:"owner"`
	state.Valuation
	Liquidatable bool  `json:"liquidatable"`
	AsOfTime     int64 `json:"as_of_time"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// LiquidationResponse is one committed liquidation from the projection.
type LiquidationResponse struct {
	Sequence        int64     `json:"sequence"`
	Owner           uuid.UUID `json:"owner"`
	Liquidator      uuid.UUID `json:"liquidator"`
	DebtAsset       string    `json:"debt_asset"`
	CollateralAsset string    `json:"collateral_asset"`
	RepayAmount     uint64    `json:"repay_amount"`
	SeizeAmount     uint64    `json:"seize_amount"`
	BadDebt         uint64    `json:"bad_debt"`
	Outcome         string    `json:"outcome"`
	HealthBefore    uint64    `json:"health_before"`
	HealthAfter     uint64    `json:"health_after"`
	Timestamp       int64     `json:"timestamp"`
}

// JournalHistoryEntry is a custody journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   int32  `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	Sequence        int64   `json:"sequence"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	InvariantError  string  `json:"invariant_error,omitempty"`
}
