package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownAsset        = errors.New("unknown asset")
)

type endpointKind uint8

const (
	endpointWallet endpointKind = iota
	endpointTreasury
	endpointBoundary
)

// Endpoint names one side of a transfer: an owner's wallet, the pool
// treasury, or the external boundary.
type Endpoint struct {
	kind    endpointKind
	owner   uuid.UUID
	subType AccountSubType
}

func Wallet(owner uuid.UUID) Endpoint { return Endpoint{kind: endpointWallet, owner: owner} }

func Treasury() Endpoint { return Endpoint{kind: endpointTreasury} }

// Boundary is money entering (SubTypeExternalDeposits) or leaving
// (SubTypeExternalWithdrawals) the ledger.
func Boundary(subType AccountSubType) Endpoint {
	return Endpoint{kind: endpointBoundary, subType: subType}
}

func (e Endpoint) key(assetID AssetID) AccountKey {
	switch e.kind {
	case endpointBoundary:
		return NewExternalAccountKey(e.subType, assetID)
	case endpointTreasury:
		return NewTreasuryKey(assetID)
	default:
		return NewWalletKey(e.owner, assetID)
	}
}

// TransferLeg moves Amount of Asset from one endpoint to another.
type TransferLeg struct {
	Asset  string
	From   Endpoint
	To     Endpoint
	Amount uint64
	Type   JournalType
}

// Custodian moves tokens between wallets and pool treasuries as balanced
// journal batches. A Transfer applies every leg or none.
type Custodian struct {
	mu        sync.Mutex
	tracker   *BalanceTracker
	validator *InvariantValidator
}

func NewCustodian(tracker *BalanceTracker) *Custodian {
	return &Custodian{
		tracker:   tracker,
		validator: NewInvariantValidator(tracker),
	}
}

// Transfer validates and applies all legs as one batch. The returned batch
// carries sequence 0; the caller stamps it on commit.
func (c *Custodian) Transfer(ctx context.Context, ref string, timestamp int64, legs ...TransferLeg) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	batch, err := buildBatch(ref, timestamp, legs)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Pre-check every source account against its total outflow in the batch
	required := make(map[AccountKey]int64)
	for _, j := range batch.Journals {
		required[j.CreditAccount] += j.Amount
	}
	keys := make([]AccountKey, 0, len(required))
	for k := range required {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].AccountPath() < keys[j].AccountPath() })
	for _, k := range keys {
		if err := c.tracker.ValidateSufficient(k, required[k]); err != nil {
			return nil, err
		}
	}

	if err := c.tracker.ApplyBatch(batch); err != nil {
		return nil, err
	}
	return batch, nil
}

func buildBatch(ref string, timestamp int64, legs []TransferLeg) (*Batch, error) {
	batchID := uuid.New()
	batch := &Batch{
		BatchID:   batchID,
		EventRef:  ref,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, len(legs)),
	}

	for _, leg := range legs {
		assetID, ok := GetAssetID(leg.Asset)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, leg.Asset)
		}
		if leg.Amount == 0 || leg.Amount > math.MaxInt64 {
			return nil, fmt.Errorf("transfer amount %d out of range", leg.Amount)
		}

		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      ref,
			DebitAccount:  leg.To.key(assetID),
			CreditAccount: leg.From.key(assetID),
			AssetID:       assetID,
			Amount:        int64(leg.Amount),
			JournalType:   leg.Type,
			Timestamp:     timestamp,
		})
	}

	if err := batch.Validate(); err != nil {
		return nil, err
	}
	return batch, nil
}

// Fund credits an owner's wallet from outside the ledger.
func (c *Custodian) Fund(ctx context.Context, owner uuid.UUID, asset string, amount uint64, timestamp int64) (*Batch, error) {
	return c.Transfer(ctx, "fund:"+uuid.NewString(), timestamp, TransferLeg{
		Asset:  asset,
		From:   Boundary(SubTypeExternalDeposits),
		To:     Wallet(owner),
		Amount: amount,
		Type:   JournalTypeFunding,
	})
}

// CashOut moves tokens from an owner's wallet out of the ledger.
func (c *Custodian) CashOut(ctx context.Context, owner uuid.UUID, asset string, amount uint64, timestamp int64) (*Batch, error) {
	return c.Transfer(ctx, "cashout:"+uuid.NewString(), timestamp, TransferLeg{
		Asset:  asset,
		From:   Wallet(owner),
		To:     Boundary(SubTypeExternalWithdrawals),
		Amount: amount,
		Type:   JournalTypeCashOut,
	})
}

// Replay applies an already-committed batch during recovery.
func (c *Custodian) Replay(batch *Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.ApplyBatch(batch)
}

func (c *Custodian) WalletBalance(owner uuid.UUID, asset string) int64 {
	assetID, ok := GetAssetID(asset)
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.GetWalletBalance(owner, assetID)
}

func (c *Custodian) TreasuryBalance(asset string) int64 {
	assetID, ok := GetAssetID(asset)
	if !ok {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.GetTreasuryBalance(assetID)
}

// CheckInvariants verifies the zero-sum ledger, non-negative accounts and
// that each treasury matches its pool's idle liquidity (keyed by asset).
func (c *Custodian) CheckInvariants(idle map[string]uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	if err := c.validator.ValidateNoNegativeAccounts(); err != nil {
		return err
	}
	for asset, amount := range idle {
		assetID, ok := GetAssetID(asset)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
		}
		if err := c.validator.ValidateTreasury(assetID, amount); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns a copy of all balances.
func (c *Custodian) Snapshot() map[AccountKey]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.Snapshot()
}

func (c *Custodian) Restore(balances map[AccountKey]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracker.Restore(balances)
}
