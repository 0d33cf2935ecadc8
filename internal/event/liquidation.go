package event

import "github.com/google/uuid"

// Liquidate repays up to RepayAmount of Owner's DebtAsset debt on behalf of
// Liquidator, who receives CollateralAsset collateral plus the bonus.
type Liquidate struct {
	OperationID     uuid.UUID `json:"operation_id"`
	Liquidator      uuid.UUID `json:"liquidator"`
	Owner           uuid.UUID `json:"owner"`
	DebtAsset       string    `json:"debt_asset"`
	CollateralAsset string    `json:"collateral_asset"`
	RepayAmount     uint64    `json:"repay_amount"`
	Timestamp       int64     `json:"timestamp"`
}

func (e *Liquidate) IdempotencyKey() string { return e.OperationID.String() }
func (e *Liquidate) EventType() EventType   { return EventTypeLiquidate }
func (e *Liquidate) PoolAsset() string      { return e.DebtAsset }
func (e *Liquidate) EventTime() int64       { return e.Timestamp }
