package testutil

import (
	"context"
	"sync"
	"testing"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/oracle"
	"LendLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// BaseTime is the operation clock fixtures start from (unix seconds).
const BaseTime int64 = 1_700_000_000

// Params returns risk params with no interest: 80% LTV, 85% liquidation
// threshold, 5% bonus, 50% close factor.
func Params() state.RiskParams {
	return state.RiskParams{
		MaxLTV:                 8_000,
		LiquidationThreshold:   8_500,
		LiquidationBonus:       500,
		LiquidationCloseFactor: 5_000,
		RateModel:              state.RateModelFixed,
	}
}

// Dollars scales a whole-dollar price to fpmath.PriceScale.
func Dollars(d uint64) uint64 {
	return d * fpmath.PriceScale
}

// CoreFixture is a LendingCore backed by an in-memory custodian and a
// static oracle.
type CoreFixture struct {
	Core      *core.LendingCore
	Custodian *ledger.Custodian
	Oracle    *oracle.StaticOracle
	Feeds     *oracle.FeedRegistry
	Persist   chan core.CoreOutput
	Authority uuid.UUID

	mu     sync.Mutex
	prices map[string]uint64
}

func NewCoreFixture(t *testing.T, opts ...core.Option) *CoreFixture {
	t.Helper()

	f := &CoreFixture{
		Custodian: ledger.NewCustodian(ledger.NewBalanceTracker()),
		Oracle:    oracle.NewStaticOracle(),
		Feeds:     oracle.NewFeedRegistry(),
		Persist:   make(chan core.CoreOutput, 4096),
		Authority: uuid.New(),
		prices:    make(map[string]uint64),
	}
	resolver := oracle.NewResolver(f.Feeds, f.Oracle)
	opts = append([]core.Option{core.WithOutputs(f.Persist, nil)}, opts...)
	f.Core = core.NewLendingCore(f.Custodian, f.Feeds, resolver, opts...)
	return f
}

func FeedID(asset string) string {
	return "feed:" + asset
}

// AddPool initializes a pool, binds its feed and publishes price at
// BaseTime.
func (f *CoreFixture) AddPool(t *testing.T, asset string, decimals uint8, params state.RiskParams, price uint64) {
	t.Helper()

	f.Apply(t, &event.InitPool{
		OperationID: uuid.New(),
		Authority:   f.Authority,
		Asset:       asset,
		Decimals:    decimals,
		Params:      params,
		Timestamp:   BaseTime,
	})
	f.Apply(t, &event.RegisterFeed{
		OperationID: uuid.New(),
		Authority:   f.Authority,
		Symbol:      asset,
		FeedID:      FeedID(asset),
		Timestamp:   BaseTime,
	})
	f.SetPrice(asset, price, BaseTime)
}

// SetPrice publishes a price (at fpmath.PriceScale) for asset.
func (f *CoreFixture) SetPrice(asset string, price uint64, publishTime int64) {
	f.mu.Lock()
	f.prices[asset] = price
	f.mu.Unlock()

	f.Oracle.Set(oracle.Price{
		FeedID:      FeedID(asset),
		Value:       int64(price),
		Expo:        -8,
		PublishTime: publishTime,
	})
}

// RefreshPrices republishes every known price at publishTime so readings
// are fresh for operations at that time.
func (f *CoreFixture) RefreshPrices(publishTime int64) {
	f.mu.Lock()
	prices := make(map[string]uint64, len(f.prices))
	for k, v := range f.prices {
		prices[k] = v
	}
	f.mu.Unlock()

	for asset, price := range prices {
		f.SetPrice(asset, price, publishTime)
	}
}

// Fund credits owner's wallet from outside the ledger.
func (f *CoreFixture) Fund(t *testing.T, owner uuid.UUID, asset string, amount uint64) {
	t.Helper()
	_, err := f.Custodian.Fund(context.Background(), owner, asset, amount, BaseTime)
	require.NoError(t, err)
}

// Apply commits evt and fails the test on error.
func (f *CoreFixture) Apply(t *testing.T, evt event.Event) *core.CoreOutput {
	t.Helper()
	out, err := f.Core.Apply(context.Background(), evt)
	require.NoError(t, err, "%s", evt.EventType())
	return out
}

// Try applies evt and returns its error.
func (f *CoreFixture) Try(evt event.Event) error {
	_, err := f.Core.Apply(context.Background(), evt)
	return err
}

func positionOp(owner uuid.UUID, asset string, amount uint64, ts int64) event.PositionOp {
	return event.PositionOp{
		OperationID: uuid.New(),
		Owner:       owner,
		Asset:       asset,
		Amount:      amount,
		Timestamp:   ts,
	}
}

func Deposit(owner uuid.UUID, asset string, amount uint64, ts int64) *event.Deposit {
	return &event.Deposit{PositionOp: positionOp(owner, asset, amount, ts)}
}

func Withdraw(owner uuid.UUID, asset string, amount uint64, ts int64) *event.Withdraw {
	return &event.Withdraw{PositionOp: positionOp(owner, asset, amount, ts)}
}

func Borrow(owner uuid.UUID, asset string, amount uint64, ts int64) *event.Borrow {
	return &event.Borrow{PositionOp: positionOp(owner, asset, amount, ts)}
}

func Repay(owner uuid.UUID, asset string, amount uint64, ts int64) *event.Repay {
	return &event.Repay{PositionOp: positionOp(owner, asset, amount, ts)}
}

func Liquidate(liquidator, owner uuid.UUID, debtAsset, collateralAsset string, amount uint64, ts int64) *event.Liquidate {
	return &event.Liquidate{
		OperationID:     uuid.New(),
		Liquidator:      liquidator,
		Owner:           owner,
		DebtAsset:       debtAsset,
		CollateralAsset: collateralAsset,
		RepayAmount:     amount,
		Timestamp:       ts,
	}
}

func walletOp(owner uuid.UUID, asset string, amount uint64, ts int64) event.WalletOp {
	return event.WalletOp{
		OperationID: uuid.New(),
		Owner:       owner,
		Asset:       asset,
		Amount:      amount,
		Timestamp:   ts,
	}
}

func FundWallet(owner uuid.UUID, asset string, amount uint64, ts int64) *event.FundWallet {
	return &event.FundWallet{WalletOp: walletOp(owner, asset, amount, ts)}
}

func CashOut(owner uuid.UUID, asset string, amount uint64, ts int64) *event.CashOut {
	return &event.CashOut{WalletOp: walletOp(owner, asset, amount, ts)}
}
