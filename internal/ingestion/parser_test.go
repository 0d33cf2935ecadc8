package ingestion_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/state"
)

const (
	opID    = "550e8400-e29b-41d4-a716-446655440000"
	ownerID = "660e8400-e29b-41d4-a716-446655440001"
	otherID = "770e8400-e29b-41d4-a716-446655440002"
)

func rawFromJSON(t *testing.T, subject string, v interface{}) ingestion.RawEvent {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      data,
		Timestamp: time.Unix(1_700_000_000, 0),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}
}

func TestParseDeposit(t *testing.T) {
	payload := map[string]interface{}{
		"operation_id": opID,
		"owner":        ownerID,
		"asset":        "sol",
		"amount":       uint64(1_000_000),
		"timestamp":    int64(1_700_000_123),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "lending.ops.deposit.SOL", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	d, ok := evt.(*event.Deposit)
	if !ok {
		t.Fatalf("expected *event.Deposit, got %T", evt)
	}
	if d.Asset != "SOL" {
		t.Errorf("asset: got %s, want SOL", d.Asset)
	}
	if d.Amount != 1_000_000 {
		t.Errorf("amount: got %d, want 1_000_000", d.Amount)
	}
	if d.Owner.String() != ownerID {
		t.Errorf("owner: got %s, want %s", d.Owner, ownerID)
	}
	if d.Timestamp != 1_700_000_123 {
		t.Errorf("timestamp: got %d, want 1_700_000_123", d.Timestamp)
	}
	if d.IdempotencyKey() != opID {
		t.Errorf("idempotency key: got %s, want %s", d.IdempotencyKey(), opID)
	}
}

func TestParsePositionOps_TypeFromSubject(t *testing.T) {
	payload := map[string]interface{}{
		"operation_id": opID,
		"owner":        ownerID,
		"asset":        "USDC",
		"amount":       uint64(5),
		"timestamp":    int64(1),
	}

	cases := []struct {
		subject string
		want    event.EventType
	}{
		{"lending.ops.withdraw.USDC", event.EventTypeWithdraw},
		{"lending.ops.borrow.USDC", event.EventTypeBorrow},
		{"lending.ops.repay.USDC", event.EventTypeRepay},
		{"lending.ops.fund_wallet.USDC", event.EventTypeFundWallet},
		{"lending.ops.cash_out.USDC", event.EventTypeCashOut},
	}
	for _, tc := range cases {
		evt, err := ingestion.ParseRawEvent(rawFromJSON(t, tc.subject, payload))
		if err != nil {
			t.Fatalf("%s: parse failed: %v", tc.subject, err)
		}
		if evt.EventType() != tc.want {
			t.Errorf("%s: got %v, want %v", tc.subject, evt.EventType(), tc.want)
		}
		if evt.PoolAsset() != "USDC" {
			t.Errorf("%s: pool asset %s", tc.subject, evt.PoolAsset())
		}
	}
}

func TestParseDeposit_DefaultsTimestampToPublishTime(t *testing.T) {
	payload := map[string]interface{}{
		"operation_id": opID,
		"owner":        ownerID,
		"asset":        "SOL",
		"amount":       uint64(1),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "lending.ops.deposit.SOL", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if evt.EventTime() != 1_700_000_000 {
		t.Errorf("timestamp: got %d, want stream publish time", evt.EventTime())
	}
}

func TestParseLiquidate(t *testing.T) {
	payload := map[string]interface{}{
		"operation_id":     opID,
		"liquidator":       otherID,
		"owner":            ownerID,
		"debt_asset":       "usdc",
		"collateral_asset": "sol",
		"repay_amount":     uint64(250),
		"timestamp":        int64(1_700_000_500),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "lending.ops.liquidate.USDC", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	l, ok := evt.(*event.Liquidate)
	if !ok {
		t.Fatalf("expected *event.Liquidate, got %T", evt)
	}
	if l.DebtAsset != "USDC" || l.CollateralAsset != "SOL" {
		t.Errorf("assets: got %s/%s, want USDC/SOL", l.DebtAsset, l.CollateralAsset)
	}
	if l.Liquidator.String() != otherID {
		t.Errorf("liquidator: got %s", l.Liquidator)
	}
	if l.RepayAmount != 250 {
		t.Errorf("repay_amount: got %d, want 250", l.RepayAmount)
	}
}

func TestParseInitPool_Fractions(t *testing.T) {
	payload := map[string]interface{}{
		"operation_id": opID,
		"authority":    otherID,
		"asset":        "SOL",
		"decimals":     9,
		"params": map[string]interface{}{
			"max_ltv":               "0.75",
			"liquidation_threshold": "80%",
			"liquidation_bonus":     "0.05",
			"close_factor":          "0.5",
			"rate_model":            "kinked",
			"optimal_utilization":   "0.8",
			"slope1":                "0.04",
			"slope2":                "0.75",
		},
		"timestamp": int64(1_700_000_000),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "lending.ops.init_pool.SOL", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	ip, ok := evt.(*event.InitPool)
	if !ok {
		t.Fatalf("expected *event.InitPool, got %T", evt)
	}
	if ip.Decimals != 9 {
		t.Errorf("decimals: got %d, want 9", ip.Decimals)
	}

	p := ip.Params
	if p.MaxLTV != 7_500 {
		t.Errorf("max_ltv: got %d, want 7_500", p.MaxLTV)
	}
	if p.LiquidationThreshold != 8_000 {
		t.Errorf("liquidation_threshold: got %d, want 8_000", p.LiquidationThreshold)
	}
	if p.LiquidationBonus != 500 {
		t.Errorf("liquidation_bonus: got %d, want 500", p.LiquidationBonus)
	}
	if p.LiquidationCloseFactor != 5_000 {
		t.Errorf("close_factor: got %d, want 5_000", p.LiquidationCloseFactor)
	}
	if p.RateModel != state.RateModelKinked {
		t.Errorf("rate_model: got %s, want kinked", p.RateModel)
	}
	if p.Slope2 != 7_500 {
		t.Errorf("slope2: got %d, want 7_500", p.Slope2)
	}
}

func TestParseRiskParamUpdate_DefaultsToFixedRate(t *testing.T) {
	payload := map[string]interface{}{
		"operation_id": opID,
		"authority":    otherID,
		"asset":        "usdc",
		"params": map[string]interface{}{
			"max_ltv":               "0.8",
			"liquidation_threshold": "0.85",
			"close_factor":          "0.5",
			"interest_rate":         "10%",
		},
		"timestamp": int64(1),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "lending.ops.risk_param_update.USDC", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	u := evt.(*event.RiskParamUpdate)
	if u.Asset != "USDC" {
		t.Errorf("asset: got %s", u.Asset)
	}
	if u.Params.RateModel != state.RateModelFixed {
		t.Errorf("rate_model: got %s, want fixed", u.Params.RateModel)
	}
	if u.Params.InterestRate != 1_000 {
		t.Errorf("interest_rate: got %d, want 1_000", u.Params.InterestRate)
	}
}

func TestParseRegisterFeed(t *testing.T) {
	payload := map[string]interface{}{
		"operation_id": opID,
		"authority":    otherID,
		"symbol":       "sol",
		"feed_id":      " 0xef0d8b6f ",
		"timestamp":    int64(1),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "lending.ops.register_feed.SOL", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	rf := evt.(*event.RegisterFeed)
	if rf.Symbol != "SOL" || rf.FeedID != "0xef0d8b6f" {
		t.Errorf("got %s/%q", rf.Symbol, rf.FeedID)
	}
}

func TestParseOpenPosition_ExactSubject(t *testing.T) {
	payload := map[string]interface{}{
		"operation_id": opID,
		"owner":        ownerID,
		"timestamp":    int64(1),
	}

	evt, err := ingestion.ParseRawEvent(rawFromJSON(t, "lending.ops.open_position", payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if _, ok := evt.(*event.OpenPosition); !ok {
		t.Fatalf("expected *event.OpenPosition, got %T", evt)
	}
}

func TestParse_Rejects(t *testing.T) {
	valid := map[string]interface{}{
		"operation_id": opID,
		"owner":        ownerID,
		"asset":        "SOL",
		"amount":       uint64(1),
		"timestamp":    int64(1),
	}
	with := func(k string, v interface{}) map[string]interface{} {
		m := make(map[string]interface{}, len(valid))
		for key, val := range valid {
			m[key] = val
		}
		m[k] = v
		return m
	}

	cases := []struct {
		name    string
		subject string
		payload interface{}
	}{
		{"foreign subject", "perp.fills.BTC", valid},
		{"unknown operation", "lending.ops.flash_loan.SOL", valid},
		{"bad owner", "lending.ops.deposit.SOL", with("owner", "not-a-uuid")},
		{"nil operation id", "lending.ops.deposit.SOL", with("operation_id", "00000000-0000-0000-0000-000000000000")},
		{"missing asset", "lending.ops.deposit.SOL", with("asset", "  ")},
		{"negative amount", "lending.ops.deposit.SOL", with("amount", -1)},
		{"negative timestamp", "lending.ops.deposit.SOL", with("timestamp", -5)},
		{"not json", "lending.ops.deposit.SOL", "{"},
	}
	for _, tc := range cases {
		raw := rawFromJSON(t, tc.subject, tc.payload)
		if s, ok := tc.payload.(string); ok {
			raw.Data = []byte(s)
		}
		_, err := ingestion.ParseRawEvent(raw)
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if !errors.Is(err, ingestion.ErrInvalidMessage) {
			t.Errorf("%s: error %v does not wrap ErrInvalidMessage", tc.name, err)
		}
	}
}

func TestParse_MissingTimestampWithoutDefault(t *testing.T) {
	data := []byte(`{"operation_id":"` + opID + `","owner":"` + ownerID + `","asset":"SOL","amount":1}`)
	if _, err := ingestion.ParsePayload(event.EventTypeDeposit, data, 0); !errors.Is(err, ingestion.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestEventTypeFromSubject(t *testing.T) {
	et, err := ingestion.EventTypeFromSubject("lending.ops.risk-param-update.SOL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if et != event.EventTypeRiskParamUpdate {
		t.Errorf("got %v, want risk_param_update", et)
	}
}
