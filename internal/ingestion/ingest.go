package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/observability"
	"LendLedger/internal/state"

	"github.com/rs/zerolog"
)

// DefaultMaxClockSkew is how far an operation timestamp may run ahead of
// the ingest clock.
const DefaultMaxClockSkew = 30 * time.Second

// Applier is the core entry point the ingest loop feeds.
type Applier interface {
	Apply(ctx context.Context, evt event.Event) (*core.CoreOutput, error)
}

// Ingester parses inbound messages and applies them to the core.
//
// A message is acked once the core has answered for it: committed,
// deduplicated, or rejected for a reason redelivery cannot change.
// Cancellation and internal failures are nak'd so JetStream redelivers;
// the idempotency key keeps a redelivered message from committing twice.
//
// Operations stamped further ahead of the ingest clock than maxSkew are
// rejected before they reach the core, which accrues interest up to
// whatever time an operation carries.
type Ingester struct {
	core    Applier
	rawChan <-chan RawEvent
	workers int
	maxSkew time.Duration
	now     func() time.Time
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// IngesterOption configures an Ingester.
type IngesterOption func(*Ingester)

// WithMaxClockSkew overrides DefaultMaxClockSkew.
func WithMaxClockSkew(d time.Duration) IngesterOption {
	return func(in *Ingester) {
		if d > 0 {
			in.maxSkew = d
		}
	}
}

// WithIngestClock replaces time.Now as the ingest clock.
func WithIngestClock(now func() time.Time) IngesterOption {
	return func(in *Ingester) { in.now = now }
}

func NewIngester(c Applier, rawChan <-chan RawEvent, workers int, metrics *observability.Metrics, logger zerolog.Logger, opts ...IngesterOption) *Ingester {
	if workers <= 0 {
		workers = 1
	}
	in := &Ingester{
		core:    c,
		rawChan: rawChan,
		workers: workers,
		maxSkew: DefaultMaxClockSkew,
		now:     time.Now,
		metrics: metrics,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Run drains rawChan with the configured number of workers until ctx is
// cancelled or the channel is closed.
func (in *Ingester) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < in.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in.loop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (in *Ingester) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-in.rawChan:
			if !ok {
				return
			}
			in.handle(ctx, raw)
		}
	}
}

func (in *Ingester) handle(ctx context.Context, raw RawEvent) {
	if in.metrics != nil {
		in.metrics.IngestReceived.WithLabelValues(raw.Subject).Inc()
	}

	evt, err := ParseRawEvent(raw)
	if err != nil {
		in.logger.Warn().Str("subject", raw.Subject).Err(err).Msg("dropping unparseable message")
		in.countError("parse")
		ack(raw)
		return
	}
	if err := in.checkClock(evt); err != nil {
		in.logger.Warn().Str("subject", raw.Subject).Err(err).Msg("dropping future-dated message")
		in.countError("clock_skew")
		ack(raw)
		return
	}

	op := evt.EventType().String()
	_, err = in.core.Apply(ctx, evt)
	if in.metrics != nil && !raw.ReceivedAt.IsZero() {
		in.metrics.IngestToApply.WithLabelValues(op).Observe(time.Since(raw.ReceivedAt).Seconds())
	}

	switch {
	case err == nil:
		ack(raw)
	case retryable(err):
		in.logger.Error().
			Str("op", op).
			Str("key", evt.IdempotencyKey()).
			Err(err).
			Msg("apply failed, requesting redelivery")
		in.countError(state.Reason(err))
		nak(raw)
	default:
		in.logger.Info().
			Str("op", op).
			Str("key", evt.IdempotencyKey()).
			Str("reason", state.Reason(err)).
			Msg("operation rejected")
		in.countError(state.Reason(err))
		ack(raw)
	}
}

// Submit parses and applies one operation synchronously. A nil output with
// a nil error means the operation was a duplicate.
func (in *Ingester) Submit(ctx context.Context, et event.EventType, payload []byte) (*core.CoreOutput, error) {
	evt, err := ParsePayload(et, payload, in.now().Unix())
	if err != nil {
		in.countError("parse")
		return nil, err
	}
	if err := in.checkClock(evt); err != nil {
		in.countError("clock_skew")
		return nil, err
	}
	out, err := in.core.Apply(ctx, evt)
	if err != nil {
		in.countError(state.Reason(err))
		return nil, err
	}
	return out, nil
}

// checkClock rejects an operation stamped more than maxSkew ahead of now.
func (in *Ingester) checkClock(evt event.Event) error {
	limit := in.now().Add(in.maxSkew).Unix()
	if ts := evt.EventTime(); ts > limit {
		return fmt.Errorf("%w: %s timestamp %d is ahead of ingest clock limit %d",
			ErrInvalidMessage, evt.EventType(), ts, limit)
	}
	return nil
}

func (in *Ingester) countError(reason string) {
	if in.metrics != nil {
		in.metrics.IngestErrors.WithLabelValues(reason).Inc()
	}
}

// retryable reports whether redelivering the message could succeed.
// Domain rejections are final; a stale oracle reading is not.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch state.Reason(err) {
	case "internal", "invalid_price_feed":
		return true
	}
	return false
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}

func nak(raw RawEvent) {
	if raw.NakFunc != nil {
		raw.NakFunc()
	}
}
