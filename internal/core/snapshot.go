package core

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"LendLedger/internal/ledger"
	"LendLedger/internal/oracle"
	"LendLedger/internal/state"

	"github.com/google/uuid"
)

// SnapshotState is a consistent copy of the whole core at one sequence.
type SnapshotState struct {
	Sequence  int64                 `json:"sequence"`
	StateHash [32]byte              `json:"state_hash"`
	Pools     []*state.Pool         `json:"pools"`
	Positions []*state.Position     `json:"positions"`
	Feeds     []oracle.FeedBinding  `json:"feeds"`
	Assets    []ledger.AssetBinding `json:"assets"`
	Balances  []ledger.BalanceEntry `json:"balances"`
}

// lockAll takes every position and pool lock in global order.
func (c *LendingCore) lockAll() *lockSet {
	c.regMu.RLock()
	positions := make([]*positionSlot, 0, len(c.positions))
	for _, slot := range c.positions {
		positions = append(positions, slot)
	}
	pools := make([]*poolSlot, 0, len(c.pools))
	for _, slot := range c.pools {
		pools = append(pools, slot)
	}
	c.regMu.RUnlock()

	sort.Slice(positions, func(i, j int) bool {
		return bytes.Compare(positions[i].owner[:], positions[j].owner[:]) < 0
	})
	sort.Slice(pools, func(i, j int) bool { return pools[i].asset < pools[j].asset })

	ls := &lockSet{}
	for _, slot := range positions {
		slot.mu.Lock()
		ls.positions = append(ls.positions, slot)
	}
	for _, slot := range pools {
		slot.mu.Lock()
		ls.pools = append(ls.pools, slot)
	}
	return ls
}

// CreateSnapshotState captures pools, positions, feeds and custody balances
// at the last committed sequence.
func (c *LendingCore) CreateSnapshotState() *SnapshotState {
	ls := c.lockAll()
	defer ls.unlock()

	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	snap := &SnapshotState{
		Sequence:  c.sequence,
		StateHash: c.hasher.GetPrevHash(),
		Feeds:     c.feeds.Bindings(),
		Assets:    ledger.AssetBindings(),
		Balances:  ledger.Entries(c.custodian.Snapshot()),
	}
	for _, slot := range ls.pools {
		snap.Pools = append(snap.Pools, slot.pool.Clone())
	}
	for _, slot := range ls.positions {
		if slot.pos != nil {
			snap.Positions = append(snap.Positions, slot.pos.Clone())
		}
	}
	return snap
}

// RestoreFromSnapshot replaces all core state. Call before serving traffic.
func (c *LendingCore) RestoreFromSnapshot(snap *SnapshotState) error {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	for _, a := range snap.Assets {
		if err := ledger.BindAsset(a.Symbol, a.ID); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
	}
	pools := make(map[string]*poolSlot, len(snap.Pools))
	for _, p := range snap.Pools {
		if _, ok := ledger.GetAssetID(p.Asset); !ok {
			return fmt.Errorf("restore snapshot: pool %s has no asset id", p.Asset)
		}
		pools[p.Asset] = &poolSlot{asset: p.Asset, pool: p.Clone()}
	}
	positions := make(map[uuid.UUID]*positionSlot, len(snap.Positions))
	for _, pos := range snap.Positions {
		positions[pos.Owner] = &positionSlot{owner: pos.Owner, pos: pos.Clone()}
	}

	c.pools = pools
	c.positions = positions
	c.feeds.Restore(snap.Feeds)
	c.custodian.Restore(ledger.FromEntries(snap.Balances))
	c.sequence = snap.Sequence
	c.hasher.SetPrevHash(snap.StateHash)
	return nil
}

// ReplayOutput re-applies a committed output during recovery. Outputs must
// arrive in sequence order; the recomputed state hash must match the one
// recorded at commit time.
func (c *LendingCore) ReplayOutput(out *CoreOutput) error {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	env := out.Envelope
	if env.Sequence != c.sequence+1 {
		return fmt.Errorf("replay: expected sequence %d, got %d", c.sequence+1, env.Sequence)
	}

	delta := out.Delta
	if delta == nil {
		delta = &StateDelta{}
	}
	stateHash := c.hasher.ComputeHash(env.Sequence, computeStateDigest(delta, out.Batch))
	if stateHash != env.StateHash {
		return fmt.Errorf("replay: state hash mismatch at sequence %d", env.Sequence)
	}

	if out.Batch != nil {
		if err := c.custodian.Replay(out.Batch); err != nil {
			return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
		}
	}
	for _, p := range delta.Pools {
		if _, err := ledger.RegisterAsset(p.Asset); err != nil {
			return err
		}
		if slot, ok := c.pools[p.Asset]; ok {
			slot.pool = p.Clone()
		} else {
			c.pools[p.Asset] = &poolSlot{asset: p.Asset, pool: p.Clone()}
		}
	}
	for _, pos := range delta.Positions {
		if slot, ok := c.positions[pos.Owner]; ok {
			slot.pos = pos.Clone()
		} else {
			c.positions[pos.Owner] = &positionSlot{owner: pos.Owner, pos: pos.Clone()}
		}
	}
	for _, b := range delta.Feeds {
		if err := c.feeds.StoreFeed(b); err != nil {
			return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
		}
	}

	c.sequence = env.Sequence
	c.idempotency.MarkProcessed(env.EventType.String(), env.IdempotencyKey)
	return nil
}

// WarmIdempotency preloads recently committed keys ("op:key").
func (c *LendingCore) WarmIdempotency(keys []string) {
	c.idempotency.Warm(keys)
}

// GetSequence returns the last committed sequence.
func (c *LendingCore) GetSequence() int64 {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	return c.sequence
}

func (c *LendingCore) GetStateHash() [32]byte {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	return c.hasher.GetPrevHash()
}

// Pool returns a copy of the committed pool for asset.
func (c *LendingCore) Pool(asset string) (*state.Pool, error) {
	slot, err := c.poolSlotFor(normalizeAsset(asset))
	if err != nil {
		return nil, err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.pool.Clone(), nil
}

// Pools returns copies of every pool, ordered by asset.
func (c *LendingCore) Pools() []*state.Pool {
	c.regMu.RLock()
	slots := make([]*poolSlot, 0, len(c.pools))
	for _, slot := range c.pools {
		slots = append(slots, slot)
	}
	c.regMu.RUnlock()

	pools := make([]*state.Pool, 0, len(slots))
	for _, slot := range slots {
		slot.mu.Lock()
		pools = append(pools, slot.pool.Clone())
		slot.mu.Unlock()
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Asset < pools[j].Asset })
	return pools
}

// Position returns a copy of the committed position for owner.
func (c *LendingCore) Position(owner uuid.UUID) (*state.Position, bool) {
	c.regMu.RLock()
	slot, ok := c.positions[owner]
	c.regMu.RUnlock()
	if !ok {
		return nil, false
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.pos == nil {
		return nil, false
	}
	return slot.pos.Clone(), true
}

// Health values owner's position with its pools accrued to now. Nothing is
// committed.
func (c *LendingCore) Health(ctx context.Context, owner uuid.UUID, now int64) (state.Valuation, error) {
	if _, ok := c.Position(owner); !ok {
		return state.Valuation{HealthFactor: state.MaxHealthFactor}, nil
	}

	ls, err := c.acquire([]uuid.UUID{owner}, nil)
	if err != nil {
		return state.Valuation{}, err
	}
	tx := begin(ctx, now, ls)
	ls.unlock()

	if err := tx.accrue(c.rateModel); err != nil {
		return state.Valuation{}, err
	}
	if err := tx.sync(); err != nil {
		return state.Valuation{}, err
	}
	pos := tx.positions[owner]
	return c.risk.Assess(ctx, pos, tx.pools[pos.DepositAsset], tx.pools[pos.BorrowAsset], tx.now)
}

// CheckInvariants verifies, under every lock:
//   - each pool's own invariants (borrowed <= deposited, shares vs totals),
//   - deposit and borrow shares held by positions sum to the pool totals,
//   - each treasury holds exactly the pool's idle liquidity.
func (c *LendingCore) CheckInvariants() error {
	ls := c.lockAll()
	defer ls.unlock()

	depositShares := make(map[string]uint64)
	borrowShares := make(map[string]uint64)
	for _, slot := range ls.positions {
		if slot.pos == nil {
			continue
		}
		if slot.pos.HasCollateral() {
			depositShares[slot.pos.DepositAsset] += slot.pos.DepositedShares
		}
		if slot.pos.HasDebt() {
			borrowShares[slot.pos.BorrowAsset] += slot.pos.BorrowedShares
		}
	}

	idle := make(map[string]uint64, len(ls.pools))
	for _, slot := range ls.pools {
		p := slot.pool
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: %v", state.ErrInvariantViolation, err)
		}
		if depositShares[p.Asset] != p.TotalDepositShares {
			return fmt.Errorf("%w: %s positions hold %d deposit shares, pool issued %d",
				state.ErrInvariantViolation, p.Asset, depositShares[p.Asset], p.TotalDepositShares)
		}
		if borrowShares[p.Asset] != p.TotalBorrowShares {
			return fmt.Errorf("%w: %s positions hold %d borrow shares, pool issued %d",
				state.ErrInvariantViolation, p.Asset, borrowShares[p.Asset], p.TotalBorrowShares)
		}
		idle[p.Asset] = p.TotalDeposited - p.TotalBorrowed
	}

	if checker, ok := c.custodian.(invariantChecker); ok {
		if err := checker.CheckInvariants(idle); err != nil {
			return fmt.Errorf("%w: %v", state.ErrInvariantViolation, err)
		}
	}
	return nil
}
