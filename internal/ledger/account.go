package ledger

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeSystemTreasury

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetMu   sync.RWMutex
	assetToID = map[string]AssetID{
		"SOL":  1,
		"USDC": 2,
		"USDT": 3,
		"BTC":  4,
		"ETH":  5,
	}
	idToAsset = map[AssetID]string{
		1: "SOL",
		2: "USDC",
		3: "USDT",
		4: "BTC",
		5: "ETH",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	id, ok := assetToID[strings.ToUpper(asset)]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	name, ok := idToAsset[id]
	return name, ok
}

// RegisterAsset assigns the next free ID to a new asset symbol. Registering
// a known symbol returns its existing ID.
func RegisterAsset(asset string) (AssetID, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return 0, fmt.Errorf("empty asset symbol")
	}

	assetMu.Lock()
	defer assetMu.Unlock()

	if id, ok := assetToID[asset]; ok {
		return id, nil
	}
	next := AssetID(len(idToAsset) + 1)
	for idToAsset[next] != "" {
		next++
	}
	if next == 0 {
		return 0, fmt.Errorf("asset id space exhausted")
	}
	assetToID[asset] = next
	idToAsset[next] = asset
	return next, nil
}

// AssetBinding is one symbol to id assignment of the asset registry.
type AssetBinding struct {
	Symbol string  `json:"symbol"`
	ID     AssetID `json:"id"`
}

// AssetBindings returns the registry ordered by id.
func AssetBindings() []AssetBinding {
	assetMu.RLock()
	defer assetMu.RUnlock()
	out := make([]AssetBinding, 0, len(idToAsset))
	for id, sym := range idToAsset {
		out = append(out, AssetBinding{Symbol: sym, ID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BindAsset registers asset under a fixed id, as recorded in a snapshot.
// Rebinding the same pair is a no-op; a conflicting binding fails.
func BindAsset(asset string, id AssetID) error {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" || id == 0 {
		return fmt.Errorf("invalid asset binding %q=%d", asset, id)
	}

	assetMu.Lock()
	defer assetMu.Unlock()

	if cur, ok := assetToID[asset]; ok {
		if cur != id {
			return fmt.Errorf("asset %s bound to %d, snapshot has %d", asset, cur, id)
		}
		return nil
	}
	if other, ok := idToAsset[id]; ok {
		return fmt.Errorf("asset id %d bound to %s, snapshot has %s", id, other, asset)
	}
	assetToID[asset] = id
	idToAsset[id] = asset
	return nil
}

// AccountKey is the in-memory key for balance tracking (21 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, name for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewWalletKey is an account owner's wallet for one asset.
func NewWalletKey(owner uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: owner,
		SubType:  SubTypeWallet,
		AssetID:  assetID,
	}
}

// NewTreasuryKey is the custody account holding a pool's idle liquidity.
func NewTreasuryKey(assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte("pool"))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  SubTypeSystemTreasury,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// IsExternal reports boundary accounts, which may run negative.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeSystemTreasury:
		return "treasury"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
