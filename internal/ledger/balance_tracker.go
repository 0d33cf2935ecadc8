package ledger

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances. Not safe for
// concurrent use; Custodian serializes access.
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// GetWalletBalance returns an owner's wallet balance for an asset.
func (bt *BalanceTracker) GetWalletBalance(owner uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewWalletKey(owner, assetID))
}

// GetTreasuryBalance returns a pool treasury's balance.
func (bt *BalanceTracker) GetTreasuryBalance(assetID AssetID) int64 {
	return bt.GetBalance(NewTreasuryKey(assetID))
}

// ValidateSufficient checks that a non-external account can fund required.
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, required int64) error {
	if key.IsExternal() {
		return nil
	}
	have := bt.GetBalance(key)
	if have < required {
		return fmt.Errorf("%w: %s have=%d, need=%d", ErrInsufficientBalance, key.AccountPath(), have, required)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for snapshots and hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances from a snapshot.
func (bt *BalanceTracker) Restore(balances map[AccountKey]int64) {
	bt.balances = make(map[AccountKey]int64, len(balances))
	for k, v := range balances {
		bt.balances[k] = v
	}
}

// BalanceEntry is one account balance in serializable form (AccountKey
// cannot be a JSON map key).
type BalanceEntry struct {
	Account AccountKey `json:"account"`
	Balance int64      `json:"balance"`
}

// Entries flattens balances into a slice ordered by account path.
func Entries(balances map[AccountKey]int64) []BalanceEntry {
	entries := make([]BalanceEntry, 0, len(balances))
	for k, v := range balances {
		entries = append(entries, BalanceEntry{Account: k, Balance: v})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Account.AccountPath() < entries[j].Account.AccountPath()
	})
	return entries
}

func FromEntries(entries []BalanceEntry) map[AccountKey]int64 {
	balances := make(map[AccountKey]int64, len(entries))
	for _, e := range entries {
		balances[e.Account] = e.Balance
	}
	return balances
}
