package event

import (
	"LendLedger/internal/state"

	"github.com/google/uuid"
)

// InitPool creates the pool for one asset.
type InitPool struct {
	OperationID uuid.UUID        `json:"operation_id"`
	Authority   uuid.UUID        `json:"authority"`
	Asset       string           `json:"asset"`
	Decimals    uint8            `json:"decimals"`
	Params      state.RiskParams `json:"params"`
	Timestamp   int64            `json:"timestamp"`
}

func (e *InitPool) IdempotencyKey() string { return e.OperationID.String() }
func (e *InitPool) EventType() EventType   { return EventTypeInitPool }
func (e *InitPool) PoolAsset() string      { return e.Asset }
func (e *InitPool) EventTime() int64       { return e.Timestamp }

// RegisterFeed binds an asset symbol to an oracle feed id.
type RegisterFeed struct {
	OperationID uuid.UUID `json:"operation_id"`
	Authority   uuid.UUID `json:"authority"`
	Symbol      string    `json:"symbol"`
	FeedID      string    `json:"feed_id"`
	Timestamp   int64     `json:"timestamp"`
}

func (e *RegisterFeed) IdempotencyKey() string { return e.OperationID.String() }
func (e *RegisterFeed) EventType() EventType   { return EventTypeRegisterFeed }
func (e *RegisterFeed) PoolAsset() string      { return e.Symbol }
func (e *RegisterFeed) EventTime() int64       { return e.Timestamp }

// RiskParamUpdate replaces a pool's risk parameters. The pool is accrued
// to Timestamp under the old parameters first.
type RiskParamUpdate struct {
	OperationID uuid.UUID        `json:"operation_id"`
	Authority   uuid.UUID        `json:"authority"`
	Asset       string           `json:"asset"`
	Params      state.RiskParams `json:"params"`
	Timestamp   int64            `json:"timestamp"`
}

func (e *RiskParamUpdate) IdempotencyKey() string { return e.OperationID.String() }
func (e *RiskParamUpdate) EventType() EventType   { return EventTypeRiskParamUpdate }
func (e *RiskParamUpdate) PoolAsset() string      { return e.Asset }
func (e *RiskParamUpdate) EventTime() int64       { return e.Timestamp }
