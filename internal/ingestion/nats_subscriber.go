package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OpsStream    = "LENDING_OPS"
	EventsStream = "LENDING_EVENTS"
)

// NATSSubscriber consumes inbound operations from JetStream and hands
// them to the ingest loop over rawChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawEvent
	logger    zerolog.Logger
	consumers []jetstream.ConsumeContext
}

// RawEvent is an inbound message before parsing. Timestamp is the stream's
// publish time, not the local receive time.
type RawEvent struct {
	Subject    string
	Data       []byte
	Timestamp  time.Time
	ReceivedAt time.Time
	AckFunc    func() // terminal: processed or permanently rejected
	NakFunc    func() // redeliver
}

// SubjectConfig binds a subject filter to a durable consumer.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects splits user traffic from pool administration so a burst
// of one never starves the other.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "lending.ops.deposit.>", ConsumerName: "ledger-deposit", StreamName: OpsStream},
		{Subject: "lending.ops.withdraw.>", ConsumerName: "ledger-withdraw", StreamName: OpsStream},
		{Subject: "lending.ops.borrow.>", ConsumerName: "ledger-borrow", StreamName: OpsStream},
		{Subject: "lending.ops.repay.>", ConsumerName: "ledger-repay", StreamName: OpsStream},
		{Subject: "lending.ops.liquidate.>", ConsumerName: "ledger-liquidate", StreamName: OpsStream},
		{Subject: "lending.ops.fund_wallet.>", ConsumerName: "ledger-fund-wallet", StreamName: OpsStream},
		{Subject: "lending.ops.cash_out.>", ConsumerName: "ledger-cash-out", StreamName: OpsStream},
		{Subject: "lending.ops.open_position", ConsumerName: "ledger-open-position", StreamName: OpsStream},
		{Subject: "lending.ops.init_pool.>", ConsumerName: "ledger-init-pool", StreamName: OpsStream},
		{Subject: "lending.ops.register_feed.>", ConsumerName: "ledger-register-feed", StreamName: OpsStream},
		{Subject: "lending.ops.risk_param_update.>", ConsumerName: "ledger-risk-params", StreamName: OpsStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		logger:  logger,
	}
}

// Subscribe creates a durable consumer per subject. Consumers use explicit
// ACK, max_deliver=5 and ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:    msg.Subject(),
				Data:       msg.Data(),
				ReceivedAt: time.Now(),
				AckFunc:    func() { _ = msg.Ack() },
				NakFunc:    func() { _ = msg.Nak() },
			}
			if md, err := msg.Metadata(); err == nil {
				raw.Timestamp = md.Timestamp
			}

			select {
			case ns.rawChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, cc)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// EnsureStreams creates the inbound and outbound streams if missing. Both
// use FileStorage, Limits retention and a 72h max age.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       OpsStream,
			Subjects:   []string{SubjectPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
		{
			Name:       EventsStream,
			Subjects:   []string{EventSubjectPrefix + ">"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Stop stops every consumer.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("lendledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
