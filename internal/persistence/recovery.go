package persistence

import (
	"context"
	"fmt"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/observability"

	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

// Recovery rebuilds the core from the latest verified snapshot plus the
// operation log tail, and takes new snapshots while the service runs.
type Recovery struct {
	snapshots *SnapshotManager
	metrics   *observability.Metrics
	logger    zerolog.Logger

	// warmKeys bounds how many dedup keys a snapshot carries
	warmKeys int
}

func NewRecovery(snapshots *SnapshotManager, warmKeys int, metrics *observability.Metrics, logger zerolog.Logger) *Recovery {
	return &Recovery{snapshots: snapshots, metrics: metrics, logger: logger, warmKeys: warmKeys}
}

// Restore loads the newest snapshot into c (if any) and replays every
// operation after it. It returns the number of replayed operations. Any hash
// or sequence mismatch aborts recovery.
func (r *Recovery) Restore(ctx context.Context, c *core.LendingCore) (int64, error) {
	start := time.Now()

	snap, err := r.snapshots.LoadLatestSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	if snap != nil {
		if err := c.RestoreFromSnapshot(&snap.SnapshotState); err != nil {
			return 0, err
		}
		c.WarmIdempotency(snap.IdempotencyKeys)
		r.logger.Info().
			Int64("sequence", snap.Sequence).
			Int("pools", len(snap.Pools)).
			Int("positions", len(snap.Positions)).
			Int("warm_keys", len(snap.IdempotencyKeys)).
			Msg("restored snapshot")
	} else {
		r.logger.Info().Msg("no snapshot found, replaying from sequence 1")
	}

	var replayed int64
	from := c.GetSequence() + 1
	for {
		outs, err := r.snapshots.LoadOperationsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return replayed, fmt.Errorf("load operations from %d: %w", from, err)
		}
		if len(outs) == 0 {
			break
		}
		for i := range outs {
			if err := c.ReplayOutput(&outs[i]); err != nil {
				return replayed, err
			}
			replayed++
		}
		from = outs[len(outs)-1].Envelope.Sequence + 1
	}

	if r.metrics != nil {
		r.metrics.ReplayOpsTotal.Add(float64(replayed))
		r.metrics.ReplayDuration.Set(time.Since(start).Seconds())
		r.metrics.CoreSequence.Set(float64(c.GetSequence()))
	}
	if err := c.CheckInvariants(); err != nil {
		return replayed, fmt.Errorf("invariants after recovery: %w", err)
	}

	r.logger.Info().
		Int64("replayed", replayed).
		Int64("sequence", c.GetSequence()).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return replayed, nil
}

// TakeSnapshot captures c and stores it as a verified snapshot. Snapshots
// ahead of the durable log are refused because recovery could not replay
// past them consistently.
func (r *Recovery) TakeSnapshot(ctx context.Context, c *core.LendingCore) error {
	start := time.Now()

	state := c.CreateSnapshotState()
	durable, err := r.snapshots.GetLatestSequence(ctx)
	if err != nil {
		return fmt.Errorf("latest durable sequence: %w", err)
	}
	if state.Sequence > durable {
		return fmt.Errorf("snapshot at %d is ahead of durable log at %d", state.Sequence, durable)
	}
	keys, err := r.snapshots.RecentIdempotencyKeys(ctx, state.Sequence, r.warmKeys)
	if err != nil {
		return fmt.Errorf("load idempotency keys: %w", err)
	}

	snap := &SnapshotData{SnapshotState: *state, IdempotencyKeys: keys}
	size, err := r.snapshots.SaveSnapshot(ctx, snap)
	if err != nil {
		return err
	}
	if err := r.snapshots.MarkVerified(ctx, snap.Sequence); err != nil {
		return fmt.Errorf("mark snapshot verified: %w", err)
	}

	if r.metrics != nil {
		r.metrics.SnapshotTaken.Inc()
		r.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		r.metrics.SnapshotSizeBytes.Set(float64(size))
		r.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	r.logger.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	return nil
}

// RunPeriodic snapshots c every interval committed operations, checking
// every tick. It returns when ctx is cancelled.
func (r *Recovery) RunPeriodic(ctx context.Context, c *core.LendingCore, interval int64, tick time.Duration) error {
	if interval <= 0 {
		interval = 100_000
	}
	last := c.GetSequence()

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			seq := c.GetSequence()
			if seq-last < interval {
				continue
			}
			if err := r.TakeSnapshot(ctx, c); err != nil {
				r.logger.Warn().Err(err).Int64("sequence", seq).Msg("periodic snapshot failed")
				continue
			}
			last = seq
		}
	}
}
