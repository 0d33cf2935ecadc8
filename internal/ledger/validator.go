package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateTreasury verifies a pool treasury holds exactly the pool's idle
// liquidity (total_deposited - total_borrowed). Accrued interest and bad
// debt write-offs move both totals together, so the difference tracks
// token flows one to one.
func (v *InvariantValidator) ValidateTreasury(assetID AssetID, idle uint64) error {
	balance := v.tracker.GetTreasuryBalance(assetID)
	if balance < 0 || uint64(balance) != idle {
		assetName, _ := GetAssetName(assetID)
		return fmt.Errorf("treasury for %s holds %d, pool idle liquidity is %d", assetName, balance, idle)
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}

// ValidateNoNegativeAccounts verifies every wallet and treasury is >= 0.
func (v *InvariantValidator) ValidateNoNegativeAccounts() error {
	for key, balance := range v.tracker.balances {
		if !key.IsExternal() && balance < 0 {
			return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
		}
	}
	return nil
}
