package event

import "github.com/google/uuid"

// WalletOp moves tokens between an owner's wallet and the outside world.
// Pools and positions are untouched; only custody changes.
type WalletOp struct {
	OperationID uuid.UUID `json:"operation_id"`
	Owner       uuid.UUID `json:"owner"`
	Asset       string    `json:"asset"`
	Amount      uint64    `json:"amount"`
	Timestamp   int64     `json:"timestamp"`
}

func (o *WalletOp) IdempotencyKey() string { return o.OperationID.String() }
func (o *WalletOp) PoolAsset() string      { return o.Asset }
func (o *WalletOp) EventTime() int64       { return o.Timestamp }

// FundWallet credits Amount to the owner's wallet from the external
// deposits account.
type FundWallet struct{ WalletOp }

func (e *FundWallet) EventType() EventType { return EventTypeFundWallet }

// CashOut sends Amount from the owner's wallet to the external
// withdrawals account.
type CashOut struct{ WalletOp }

func (e *CashOut) EventType() EventType { return EventTypeCashOut }
