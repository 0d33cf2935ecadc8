package event

import "github.com/google/uuid"

// OpenPosition creates an empty position for Owner. Deposits open one
// implicitly; replaying OpenPosition for an existing owner changes nothing.
type OpenPosition struct {
	OperationID uuid.UUID `json:"operation_id"`
	Owner       uuid.UUID `json:"owner"`
	Timestamp   int64     `json:"timestamp"`
}

func (e *OpenPosition) IdempotencyKey() string { return e.OperationID.String() }
func (e *OpenPosition) EventType() EventType   { return EventTypeOpenPosition }
func (e *OpenPosition) PoolAsset() string      { return "" }
func (e *OpenPosition) EventTime() int64       { return e.Timestamp }

// PositionOp is the payload shared by deposit, withdraw, borrow and repay.
type PositionOp struct {
	OperationID uuid.UUID `json:"operation_id"`
	Owner       uuid.UUID `json:"owner"`
	Asset       string    `json:"asset"`
	Amount      uint64    `json:"amount"`
	Timestamp   int64     `json:"timestamp"`
}

func (o *PositionOp) IdempotencyKey() string { return o.OperationID.String() }
func (o *PositionOp) PoolAsset() string      { return o.Asset }
func (o *PositionOp) EventTime() int64       { return o.Timestamp }

// Deposit moves Amount from the owner's wallet into the pool as collateral.
type Deposit struct{ PositionOp }

func (e *Deposit) EventType() EventType { return EventTypeDeposit }

// Withdraw returns Amount of deposited collateral to the owner's wallet.
type Withdraw struct{ PositionOp }

func (e *Withdraw) EventType() EventType { return EventTypeWithdraw }

// Borrow draws Amount from the pool against the owner's collateral.
type Borrow struct{ PositionOp }

func (e *Borrow) EventType() EventType { return EventTypeBorrow }

// Repay returns Amount of borrowed principal plus interest to the pool.
type Repay struct{ PositionOp }

func (e *Repay) EventType() EventType { return EventTypeRepay }
