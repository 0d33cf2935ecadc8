package event

import (
	"testing"

	"LendLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventType(t *testing.T) {
	for et, name := range eventTypeNames {
		got, err := ParseEventType(name)
		require.NoError(t, err)
		assert.Equal(t, et, got)
	}

	got, err := ParseEventType(" Risk-Param-Update ")
	require.NoError(t, err)
	assert.Equal(t, EventTypeRiskParamUpdate, got)

	_, err = ParseEventType("funding")
	assert.Error(t, err)
	assert.Equal(t, "unknown", EventTypeUnknown.String())
}

func TestEnvelopeDecode(t *testing.T) {
	owner := uuid.New()
	dep := &Deposit{PositionOp: PositionOp{
		OperationID: uuid.New(),
		Owner:       owner,
		Asset:       "usdc",
		Amount:      250,
		Timestamp:   1_700_000_000,
	}}

	env, err := NewEnvelope(dep)
	require.NoError(t, err)
	assert.Equal(t, EventTypeDeposit, env.EventType)
	assert.Equal(t, dep.OperationID.String(), env.IdempotencyKey)
	assert.Equal(t, "USDC", env.Asset)
	assert.Equal(t, int64(1_700_000_000), env.Timestamp)
	assert.Zero(t, env.Sequence)

	ev, err := env.Decode()
	require.NoError(t, err)
	got, ok := ev.(*Deposit)
	require.True(t, ok, "decoded %T", ev)
	assert.Equal(t, dep, got)
}

func TestEnvelopeDecode_Liquidate(t *testing.T) {
	liq := &Liquidate{
		OperationID:     uuid.New(),
		Liquidator:      uuid.New(),
		Owner:           uuid.New(),
		DebtAsset:       "USDC",
		CollateralAsset: "SOL",
		RepayAmount:     400,
		Timestamp:       42,
	}
	env, err := NewEnvelope(liq)
	require.NoError(t, err)
	assert.Equal(t, "USDC", env.Asset)

	ev, err := env.Decode()
	require.NoError(t, err)
	assert.Equal(t, liq, ev)
}

func TestDecode_PoolAdministration(t *testing.T) {
	params := state.RiskParams{
		MaxLTV:                 7_500,
		LiquidationThreshold:   8_000,
		LiquidationBonus:       500,
		LiquidationCloseFactor: 5_000,
		InterestRate:           500,
		RateModel:              state.RateModelFixed,
	}
	pool := &InitPool{OperationID: uuid.New(), Asset: "SOL", Decimals: 9, Params: params, Timestamp: 1}

	payload, err := Encode(pool)
	require.NoError(t, err)
	ev, err := Decode(EventTypeInitPool, payload)
	require.NoError(t, err)
	assert.Equal(t, pool, ev)

	_, err = Decode(EventTypeUnknown, payload)
	assert.Error(t, err)
	_, err = Decode(EventTypeDeposit, []byte("{not json"))
	assert.Error(t, err)
}

func TestIdempotencyKeys(t *testing.T) {
	id := uuid.New()
	events := []Event{
		&InitPool{OperationID: id},
		&RegisterFeed{OperationID: id},
		&RiskParamUpdate{OperationID: id},
		&OpenPosition{OperationID: id},
		&Withdraw{PositionOp: PositionOp{OperationID: id}},
		&Borrow{PositionOp: PositionOp{OperationID: id}},
		&Repay{PositionOp: PositionOp{OperationID: id}},
		&Liquidate{OperationID: id},
	}
	for _, ev := range events {
		assert.Equal(t, id.String(), ev.IdempotencyKey(), "%s", ev.EventType())
	}
}
