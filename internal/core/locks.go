package core

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"

	"LendLedger/internal/state"

	"github.com/google/uuid"
)

// poolSlot guards one pool. pool is replaced, never mutated, on commit;
// asset is fixed at creation and may be read without the lock.
type poolSlot struct {
	asset string
	mu    sync.Mutex
	pool  *state.Pool
}

// positionSlot guards one position. pos is nil until the first commit that
// creates it.
type positionSlot struct {
	owner uuid.UUID
	mu    sync.Mutex
	pos   *state.Position
}

// lockSet is the set of slots held by one operation. Locks are taken
// positions first (sorted by owner), then pools (sorted by asset), and
// released in reverse.
type lockSet struct {
	positions []*positionSlot
	pools     []*poolSlot
}

func (ls *lockSet) unlock() {
	for i := len(ls.pools) - 1; i >= 0; i-- {
		ls.pools[i].mu.Unlock()
	}
	for i := len(ls.positions) - 1; i >= 0; i-- {
		ls.positions[i].mu.Unlock()
	}
	ls.pools = nil
	ls.positions = nil
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// positionSlotFor returns the slot for owner, creating an empty one.
func (c *LendingCore) positionSlotFor(owner uuid.UUID) *positionSlot {
	c.regMu.RLock()
	slot, ok := c.positions[owner]
	c.regMu.RUnlock()
	if ok {
		return slot
	}

	c.regMu.Lock()
	defer c.regMu.Unlock()
	if slot, ok = c.positions[owner]; ok {
		return slot
	}
	slot = &positionSlot{owner: owner}
	c.positions[owner] = slot
	return slot
}

func (c *LendingCore) poolSlotFor(asset string) (*poolSlot, error) {
	c.regMu.RLock()
	defer c.regMu.RUnlock()
	slot, ok := c.pools[asset]
	if !ok {
		return nil, fmt.Errorf("%w: %s", state.ErrPoolNotFound, asset)
	}
	return slot, nil
}

// acquire locks the positions of owners, then the pools of assets plus the
// pools those positions currently hold (their bound deposit and borrow
// assets), all in global order. A position's slots only change while its
// lock is held, so the pool set read after locking the positions is stable.
func (c *LendingCore) acquire(owners []uuid.UUID, assets []string) (*lockSet, error) {
	ls := &lockSet{}

	owners = uniqueOwners(owners)
	for _, owner := range owners {
		slot := c.positionSlotFor(owner)
		slot.mu.Lock()
		ls.positions = append(ls.positions, slot)
	}

	need := make(map[string]struct{}, len(assets)+2)
	for _, a := range assets {
		if a = normalizeAsset(a); a != "" {
			need[a] = struct{}{}
		}
	}
	for _, slot := range ls.positions {
		if slot.pos == nil {
			continue
		}
		if slot.pos.HasCollateral() {
			need[slot.pos.DepositAsset] = struct{}{}
		}
		if slot.pos.HasDebt() {
			need[slot.pos.BorrowAsset] = struct{}{}
		}
	}

	sorted := make([]string, 0, len(need))
	for a := range need {
		sorted = append(sorted, a)
	}
	sort.Strings(sorted)

	slots := make([]*poolSlot, 0, len(sorted))
	for _, a := range sorted {
		slot, err := c.poolSlotFor(a)
		if err != nil {
			ls.unlock()
			return nil, err
		}
		slots = append(slots, slot)
	}
	for _, slot := range slots {
		slot.mu.Lock()
		ls.pools = append(ls.pools, slot)
	}

	return ls, nil
}

func uniqueOwners(owners []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(owners))
	out := make([]uuid.UUID, 0, len(owners))
	for _, o := range owners {
		if _, ok := seen[o]; ok {
			continue
		}
		seen[o] = struct{}{}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
