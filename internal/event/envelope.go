package event

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType discriminator for operation payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeInitPool
	EventTypeRegisterFeed
	EventTypeOpenPosition
	EventTypeDeposit
	EventTypeWithdraw
	EventTypeBorrow
	EventTypeRepay
	EventTypeLiquidate
	EventTypeRiskParamUpdate
	EventTypeFundWallet
	EventTypeCashOut
)

var eventTypeNames = map[EventType]string{
	EventTypeInitPool:        "init_pool",
	EventTypeRegisterFeed:    "register_feed",
	EventTypeOpenPosition:    "open_position",
	EventTypeDeposit:         "deposit",
	EventTypeWithdraw:        "withdraw",
	EventTypeBorrow:          "borrow",
	EventTypeRepay:           "repay",
	EventTypeLiquidate:       "liquidate",
	EventTypeRiskParamUpdate: "risk_param_update",
	EventTypeFundWallet:      "fund_wallet",
	EventTypeCashOut:         "cash_out",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "unknown"
}

// ParseEventType maps a wire name ("deposit", "risk_param_update") back to
// its EventType. Dashes are accepted in place of underscores.
func ParseEventType(s string) (EventType, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for et, n := range eventTypeNames {
		if n == name {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", s)
}

// Event is the interface all operation payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// PoolAsset returns the primary pool the operation touches ("" for
	// position-only operations)
	PoolAsset() string

	// EventTime is the operation timestamp in unix seconds. It drives
	// interest accrual and oracle staleness, never the wall clock.
	EventTime() int64
}

// Envelope wraps every committed operation in the log
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64 `json:"sequence"`

	// Stable idempotency key from upstream
	IdempotencyKey string `json:"idempotency_key"`

	EventType EventType `json:"event_type"`

	// Primary pool asset ("" for position-only operations)
	Asset string `json:"asset,omitempty"`

	// Operation timestamp (unix seconds, NOT wall-clock)
	Timestamp int64 `json:"timestamp"`

	// JSON-encoded operation payload
	Payload []byte `json:"payload"`

	// SHA-256 of state AFTER applying this operation
	StateHash [32]byte `json:"state_hash"`

	// Previous operation's state hash (chain integrity)
	PrevHash [32]byte `json:"prev_hash"`
}

// NewEnvelope encodes ev into an unsequenced envelope.
func NewEnvelope(ev Event) (*Envelope, error) {
	payload, err := Encode(ev)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		IdempotencyKey: ev.IdempotencyKey(),
		EventType:      ev.EventType(),
		Asset:          strings.ToUpper(strings.TrimSpace(ev.PoolAsset())),
		Timestamp:      ev.EventTime(),
		Payload:        payload,
	}, nil
}

// Decode returns the typed operation carried by the envelope.
func (e *Envelope) Decode() (Event, error) {
	return Decode(e.EventType, e.Payload)
}

func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return payload, nil
}

// New returns an empty payload of the given type, ready to unmarshal into.
func New(et EventType) (Event, error) {
	switch et {
	case EventTypeInitPool:
		return &InitPool{}, nil
	case EventTypeRegisterFeed:
		return &RegisterFeed{}, nil
	case EventTypeOpenPosition:
		return &OpenPosition{}, nil
	case EventTypeDeposit:
		return &Deposit{}, nil
	case EventTypeWithdraw:
		return &Withdraw{}, nil
	case EventTypeBorrow:
		return &Borrow{}, nil
	case EventTypeRepay:
		return &Repay{}, nil
	case EventTypeLiquidate:
		return &Liquidate{}, nil
	case EventTypeRiskParamUpdate:
		return &RiskParamUpdate{}, nil
	case EventTypeFundWallet:
		return &FundWallet{}, nil
	case EventTypeCashOut:
		return &CashOut{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %d", et)
	}
}

func Decode(et EventType, payload []byte) (Event, error) {
	ev, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return ev, nil
}
