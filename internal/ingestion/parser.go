package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/state"

	"github.com/google/uuid"
)

// SubjectPrefix is the inbound subject root: lending.ops.<operation>[.<asset>]
const SubjectPrefix = "lending.ops."

var ErrInvalidMessage = errors.New("invalid message")

// EventTypeFromSubject extracts the operation from an inbound subject, e.g.
// "lending.ops.deposit.SOL" -> deposit.
func EventTypeFromSubject(subject string) (event.EventType, error) {
	rest, ok := strings.CutPrefix(subject, SubjectPrefix)
	if !ok {
		return event.EventTypeUnknown, fmt.Errorf("%w: subject %q outside %s>", ErrInvalidMessage, subject, SubjectPrefix)
	}
	op, _, _ := strings.Cut(rest, ".")
	et, err := event.ParseEventType(op)
	if err != nil {
		return event.EventTypeUnknown, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return et, nil
}

// ParseRawEvent converts an inbound message into a typed operation. The
// operation comes from the subject. A message without a timestamp takes
// the stream's publish time, so the value is fixed once and replays the
// same.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	et, err := EventTypeFromSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	return ParsePayload(et, raw.Data, raw.Timestamp.Unix())
}

// ParsePayload decodes data as operation et. defaultTime fills a missing
// timestamp.
func ParsePayload(et event.EventType, data []byte, defaultTime int64) (event.Event, error) {
	var (
		ev  event.Event
		err error
	)
	switch et {
	case event.EventTypeDeposit, event.EventTypeWithdraw, event.EventTypeBorrow, event.EventTypeRepay,
		event.EventTypeFundWallet, event.EventTypeCashOut:
		ev, err = parsePositionOp(et, data)
	case event.EventTypeLiquidate:
		ev, err = parseLiquidate(data)
	case event.EventTypeOpenPosition:
		ev, err = parseOpenPosition(data)
	case event.EventTypeInitPool:
		ev, err = parseInitPool(data)
	case event.EventTypeRegisterFeed:
		ev, err = parseRegisterFeed(data)
	case event.EventTypeRiskParamUpdate:
		ev, err = parseRiskParamUpdate(data)
	default:
		return nil, fmt.Errorf("%w: unsupported operation %s", ErrInvalidMessage, et)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, et, err)
	}
	if ev.EventTime() == 0 {
		setTimestamp(ev, defaultTime)
	}
	if ev.EventTime() <= 0 {
		return nil, fmt.Errorf("%w: %s: missing timestamp", ErrInvalidMessage, et)
	}
	return ev, nil
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Ids are strings
// so a malformed id is reported by field name.

type positionOpJSON struct {
	OperationID string `json:"operation_id"`
	Owner       string `json:"owner"`
	Asset       string `json:"asset"`
	Amount      uint64 `json:"amount"`
	Timestamp   int64  `json:"timestamp"`
}

func parsePositionOp(et event.EventType, data []byte) (event.Event, error) {
	var j positionOpJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	opID, err := parseID("operation_id", j.OperationID)
	if err != nil {
		return nil, err
	}
	owner, err := parseID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	asset, err := parseAsset("asset", j.Asset)
	if err != nil {
		return nil, err
	}

	op := event.PositionOp{
		OperationID: opID,
		Owner:       owner,
		Asset:       asset,
		Amount:      j.Amount,
		Timestamp:   j.Timestamp,
	}
	switch et {
	case event.EventTypeDeposit:
		return &event.Deposit{PositionOp: op}, nil
	case event.EventTypeWithdraw:
		return &event.Withdraw{PositionOp: op}, nil
	case event.EventTypeBorrow:
		return &event.Borrow{PositionOp: op}, nil
	case event.EventTypeFundWallet:
		return &event.FundWallet{WalletOp: event.WalletOp(op)}, nil
	case event.EventTypeCashOut:
		return &event.CashOut{WalletOp: event.WalletOp(op)}, nil
	default:
		return &event.Repay{PositionOp: op}, nil
	}
}

type liquidateJSON struct {
	OperationID     string `json:"operation_id"`
	Liquidator      string `json:"liquidator"`
	Owner           string `json:"owner"`
	DebtAsset       string `json:"debt_asset"`
	CollateralAsset string `json:"collateral_asset"`
	RepayAmount     uint64 `json:"repay_amount"`
	Timestamp       int64  `json:"timestamp"`
}

func parseLiquidate(data []byte) (*event.Liquidate, error) {
	var j liquidateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	opID, err := parseID("operation_id", j.OperationID)
	if err != nil {
		return nil, err
	}
	liquidator, err := parseID("liquidator", j.Liquidator)
	if err != nil {
		return nil, err
	}
	owner, err := parseID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	debt, err := parseAsset("debt_asset", j.DebtAsset)
	if err != nil {
		return nil, err
	}
	collateral, err := parseAsset("collateral_asset", j.CollateralAsset)
	if err != nil {
		return nil, err
	}
	return &event.Liquidate{
		OperationID:     opID,
		Liquidator:      liquidator,
		Owner:           owner,
		DebtAsset:       debt,
		CollateralAsset: collateral,
		RepayAmount:     j.RepayAmount,
		Timestamp:       j.Timestamp,
	}, nil
}

type openPositionJSON struct {
	OperationID string `json:"operation_id"`
	Owner       string `json:"owner"`
	Timestamp   int64  `json:"timestamp"`
}

func parseOpenPosition(data []byte) (*event.OpenPosition, error) {
	var j openPositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	opID, err := parseID("operation_id", j.OperationID)
	if err != nil {
		return nil, err
	}
	owner, err := parseID("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	return &event.OpenPosition{OperationID: opID, Owner: owner, Timestamp: j.Timestamp}, nil
}

// riskParamsJSON carries fractions as strings ("0.75", "5%").
type riskParamsJSON struct {
	MaxLTV               string `json:"max_ltv"`
	LiquidationThreshold string `json:"liquidation_threshold"`
	LiquidationBonus     string `json:"liquidation_bonus"`
	CloseFactor          string `json:"close_factor"`
	InterestRate         string `json:"interest_rate"`
	RateModel            string `json:"rate_model"`
	OptimalUtilization   string `json:"optimal_utilization"`
	Slope1               string `json:"slope1"`
	Slope2               string `json:"slope2"`
}

func (j riskParamsJSON) params() (state.RiskParams, error) {
	p := state.RiskParams{RateModel: strings.ToLower(strings.TrimSpace(j.RateModel))}
	if p.RateModel == "" {
		p.RateModel = state.RateModelFixed
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *uint64
	}{
		{"max_ltv", j.MaxLTV, &p.MaxLTV},
		{"liquidation_threshold", j.LiquidationThreshold, &p.LiquidationThreshold},
		{"liquidation_bonus", j.LiquidationBonus, &p.LiquidationBonus},
		{"close_factor", j.CloseFactor, &p.LiquidationCloseFactor},
		{"interest_rate", j.InterestRate, &p.InterestRate},
		{"optimal_utilization", j.OptimalUtilization, &p.OptimalUtilization},
		{"slope1", j.Slope1, &p.Slope1},
		{"slope2", j.Slope2, &p.Slope2},
	} {
		if f.raw == "" {
			continue
		}
		bps, err := fpmath.ParseBps(f.raw)
		if err != nil {
			return state.RiskParams{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = bps
	}
	return p, nil
}

type initPoolJSON struct {
	OperationID string         `json:"operation_id"`
	Authority   string         `json:"authority"`
	Asset       string         `json:"asset"`
	Decimals    uint8          `json:"decimals"`
	Params      riskParamsJSON `json:"params"`
	Timestamp   int64          `json:"timestamp"`
}

func parseInitPool(data []byte) (*event.InitPool, error) {
	var j initPoolJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	opID, err := parseID("operation_id", j.OperationID)
	if err != nil {
		return nil, err
	}
	authority, err := parseID("authority", j.Authority)
	if err != nil {
		return nil, err
	}
	asset, err := parseAsset("asset", j.Asset)
	if err != nil {
		return nil, err
	}
	params, err := j.Params.params()
	if err != nil {
		return nil, err
	}
	return &event.InitPool{
		OperationID: opID,
		Authority:   authority,
		Asset:       asset,
		Decimals:    j.Decimals,
		Params:      params,
		Timestamp:   j.Timestamp,
	}, nil
}

type registerFeedJSON struct {
	OperationID string `json:"operation_id"`
	Authority   string `json:"authority"`
	Symbol      string `json:"symbol"`
	FeedID      string `json:"feed_id"`
	Timestamp   int64  `json:"timestamp"`
}

func parseRegisterFeed(data []byte) (*event.RegisterFeed, error) {
	var j registerFeedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	opID, err := parseID("operation_id", j.OperationID)
	if err != nil {
		return nil, err
	}
	authority, err := parseID("authority", j.Authority)
	if err != nil {
		return nil, err
	}
	symbol, err := parseAsset("symbol", j.Symbol)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(j.FeedID) == "" {
		return nil, fmt.Errorf("feed_id is required")
	}
	return &event.RegisterFeed{
		OperationID: opID,
		Authority:   authority,
		Symbol:      symbol,
		FeedID:      strings.TrimSpace(j.FeedID),
		Timestamp:   j.Timestamp,
	}, nil
}

type riskParamUpdateJSON struct {
	OperationID string         `json:"operation_id"`
	Authority   string         `json:"authority"`
	Asset       string         `json:"asset"`
	Params      riskParamsJSON `json:"params"`
	Timestamp   int64          `json:"timestamp"`
}

func parseRiskParamUpdate(data []byte) (*event.RiskParamUpdate, error) {
	var j riskParamUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	opID, err := parseID("operation_id", j.OperationID)
	if err != nil {
		return nil, err
	}
	authority, err := parseID("authority", j.Authority)
	if err != nil {
		return nil, err
	}
	asset, err := parseAsset("asset", j.Asset)
	if err != nil {
		return nil, err
	}
	params, err := j.Params.params()
	if err != nil {
		return nil, err
	}
	return &event.RiskParamUpdate{
		OperationID: opID,
		Authority:   authority,
		Asset:       asset,
		Params:      params,
		Timestamp:   j.Timestamp,
	}, nil
}

// --- helpers ---

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	if id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%s is the nil uuid", field)
	}
	return id, nil
}

func parseAsset(field, s string) (string, error) {
	asset := strings.ToUpper(strings.TrimSpace(s))
	if asset == "" {
		return "", fmt.Errorf("%s is required", field)
	}
	return asset, nil
}

func setTimestamp(ev event.Event, ts int64) {
	switch e := ev.(type) {
	case *event.Deposit:
		e.Timestamp = ts
	case *event.Withdraw:
		e.Timestamp = ts
	case *event.Borrow:
		e.Timestamp = ts
	case *event.Repay:
		e.Timestamp = ts
	case *event.FundWallet:
		e.Timestamp = ts
	case *event.CashOut:
		e.Timestamp = ts
	case *event.Liquidate:
		e.Timestamp = ts
	case *event.OpenPosition:
		e.Timestamp = ts
	case *event.InitPool:
		e.Timestamp = ts
	case *event.RegisterFeed:
		e.Timestamp = ts
	case *event.RiskParamUpdate:
		e.Timestamp = ts
	}
}
