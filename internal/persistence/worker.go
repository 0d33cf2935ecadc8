package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on that channel with a blocking send, so if this worker
// falls behind the core stalls and no committed operation is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *OpLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	// onFlushed receives every batch after it is durable
	onFlushed func([]core.CoreOutput)
}

type WorkerOption func(*PersistenceWorker)

func WithMetrics(m *observability.Metrics) WorkerOption {
	return func(pw *PersistenceWorker) { pw.metrics = m }
}

func WithLogger(l zerolog.Logger) WorkerOption {
	return func(pw *PersistenceWorker) { pw.logger = l }
}

// WithFlushHook is called with each committed batch, in sequence order,
// after its transaction commits. The hook must not block.
func WithFlushHook(fn func([]core.CoreOutput)) WorkerOption {
	return func(pw *PersistenceWorker) { pw.onFlushed = fn }
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	opts ...WorkerOption,
) *PersistenceWorker {
	pw := &PersistenceWorker{
		db:           db,
		writer:       NewOpLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(pw)
	}
	return pw
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input
// channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]core.CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context, reason string) {
		if len(batch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, batch); err != nil {
			pw.logger.Error().Err(err).Str("reason", reason).Int("ops", len(batch)).Msg("batch flush failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain what the core already committed before exiting
		drain:
			for {
				select {
				case out, ok := <-pw.inputChan:
					if !ok {
						break drain
					}
					batch = append(batch, out)
					if len(batch) >= pw.batchSize {
						flush(context.Background(), "shutdown")
					}
				default:
					break drain
				}
			}
			flush(context.Background(), "shutdown")
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background(), "closed")
				return nil
			}

			batch = append(batch, out)
			if len(batch) >= pw.batchSize {
				flush(ctx, "full")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}

		if pw.metrics != nil {
			pw.metrics.SetChannelMetrics("persist", len(pw.inputChan), cap(pw.inputChan))
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made without a
// deadline.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, outs []core.CoreOutput) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("ops", len(outs)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), outs)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, outs)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Error().Err(err).Msg("persistence flush failed")

		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, outs []core.CoreOutput) error {
	start := time.Now()

	ops := make([]OperationRow, 0, len(outs))
	var journals []JournalRow
	for _, out := range outs {
		row, err := NewOperationRow(out)
		if err != nil {
			pw.observeError("encode")
			return err
		}
		ops = append(ops, row)
		journals = append(journals, NewJournalRows(out.Batch)...)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.observeError("tx_begin")
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := pw.writer.WriteOperationBatch(ctx, tx, ops); err != nil {
		pw.observeError("write_operations")
		return fmt.Errorf("write operations: %w", err)
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.observeError("write_journals")
		return fmt.Errorf("write journals: %w", err)
	}
	if err := tx.Commit(); err != nil {
		pw.observeError("tx_commit")
		return fmt.Errorf("commit: %w", err)
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(ops)))
		pw.metrics.PersistOpsWritten.Add(float64(len(ops)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(ops[len(ops)-1].Sequence))
	}

	if pw.onFlushed != nil {
		flushed := make([]core.CoreOutput, len(outs))
		copy(flushed, outs)
		pw.onFlushed(flushed)
	}
	return nil
}

func (pw *PersistenceWorker) observeError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
