package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"LendLedger/internal/core"
	"LendLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventSubjectPrefix is the outbound subject root:
// lending.events.<operation>[.<asset>]
const EventSubjectPrefix = "lending.events."

// OutboundPublisher publishes committed operations once they are durable.
// It is fed from the persistence worker's flush hook, never from the core
// directly.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is the outbound wire format.
type PublishableEvent struct {
	Sequence       int64            `json:"sequence"`
	EventType      string           `json:"event_type"`
	IdempotencyKey string           `json:"idempotency_key"`
	Asset          string           `json:"asset,omitempty"`
	Payload        json.RawMessage  `json:"payload"`
	Delta          *core.StateDelta `json:"delta,omitempty"`
	StateHash      string           `json:"state_hash"`
	Timestamp      int64            `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, size int, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: make(chan core.CoreOutput, size),
		metrics:   metrics,
		logger:    logger,
	}
}

// Enqueue queues durable outputs without blocking; outputs that do not fit
// are dropped and counted. Downstream consumers can backfill from op_log.
func (op *OutboundPublisher) Enqueue(outs []core.CoreOutput) {
	for _, out := range outs {
		select {
		case op.inputChan <- out:
		default:
			if op.metrics != nil {
				op.metrics.PublishDrops.Inc()
			}
		}
	}
}

// Run publishes queued outputs until ctx is cancelled.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out := <-op.inputChan:
			if err := op.publish(ctx, out); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
			if op.metrics != nil {
				op.metrics.SetChannelMetrics("publish", len(op.inputChan), cap(op.inputChan))
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	evt := NewPublishableEvent(out)
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Message id lets the stream drop a republish of the same sequence
	_, err = op.js.Publish(ctx, EventSubject(evt.EventType, evt.Asset), data,
		jetstream.WithMsgID(strconv.FormatInt(evt.Sequence, 10)))
	return err
}

func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Asset:          env.Asset,
		Payload:        env.Payload,
		Delta:          out.Delta,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
}

// EventSubject builds lending.events.<operation>[.<asset>].
func EventSubject(eventType, asset string) string {
	subject := EventSubjectPrefix + eventType
	if asset != "" {
		subject += "." + strings.ToUpper(asset)
	}
	return subject
}
