package ingestion_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type stubApplier struct {
	mu      sync.Mutex
	err     error
	applied []event.Event
}

func (s *stubApplier) Apply(_ context.Context, evt event.Event) (*core.CoreOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.applied = append(s.applied, evt)
	return &core.CoreOutput{Envelope: &event.Envelope{Sequence: int64(len(s.applied))}}, nil
}

type ackRecorder struct {
	mu    sync.Mutex
	acks  int
	naks  int
	ready chan struct{}
}

func (r *ackRecorder) raw(subject string, data []byte) ingestion.RawEvent {
	return ingestion.RawEvent{
		Subject:    subject,
		Data:       data,
		Timestamp:  time.Unix(1_700_000_000, 0),
		ReceivedAt: time.Now(),
		AckFunc: func() {
			r.mu.Lock()
			r.acks++
			r.mu.Unlock()
			r.ready <- struct{}{}
		},
		NakFunc: func() {
			r.mu.Lock()
			r.naks++
			r.mu.Unlock()
			r.ready <- struct{}{}
		},
	}
}

func depositJSON() []byte {
	return depositAt(1)
}

func depositAt(ts int64) []byte {
	return []byte(fmt.Sprintf(`{"operation_id":%q,"owner":%q,"asset":"SOL","amount":10,"timestamp":%d}`,
		uuid.NewString(), uuid.NewString(), ts))
}

// runOne feeds a single message through a fresh ingester and reports
// whether it was acked.
func runOne(t *testing.T, applier *stubApplier, subject string, data []byte, opts ...ingestion.IngesterOption) (acked bool) {
	t.Helper()
	rec := &ackRecorder{ready: make(chan struct{}, 1)}
	rawChan := make(chan ingestion.RawEvent, 1)
	in := ingestion.NewIngester(applier, rawChan, 1, nil, zerolog.Nop(), opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = in.Run(ctx)
		close(done)
	}()

	rawChan <- rec.raw(subject, data)
	select {
	case <-rec.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("message was neither acked nor nak'd")
	}
	cancel()
	<-done

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.acks == 1 && rec.naks == 0
}

func TestIngester_AcksCommitted(t *testing.T) {
	applier := &stubApplier{}
	if !runOne(t, applier, "lending.ops.deposit.SOL", depositJSON()) {
		t.Fatal("committed operation was not acked")
	}
	if len(applier.applied) != 1 {
		t.Fatalf("applied %d operations, want 1", len(applier.applied))
	}
}

func TestIngester_AcksUnparseable(t *testing.T) {
	applier := &stubApplier{}
	if !runOne(t, applier, "lending.ops.deposit.SOL", []byte("{")) {
		t.Fatal("unparseable message was not acked")
	}
	if len(applier.applied) != 0 {
		t.Fatal("unparseable message reached the core")
	}
}

func TestIngester_AcksDomainRejection(t *testing.T) {
	applier := &stubApplier{err: fmt.Errorf("borrow: %w", state.ErrOverBorrowableAmount)}
	if !runOne(t, applier, "lending.ops.deposit.SOL", depositJSON()) {
		t.Fatal("domain rejection was not acked")
	}
}

func TestIngester_NaksRetryable(t *testing.T) {
	for _, err := range []error{
		errors.New("disk on fire"),
		fmt.Errorf("stale: %w", state.ErrInvalidPriceFeed),
		context.DeadlineExceeded,
	} {
		applier := &stubApplier{err: err}
		if runOne(t, applier, "lending.ops.deposit.SOL", depositJSON()) {
			t.Errorf("%v: acked, want nak", err)
		}
	}
}

func TestIngester_Submit(t *testing.T) {
	applier := &stubApplier{}
	in := ingestion.NewIngester(applier, nil, 1, nil, zerolog.Nop())

	out, err := in.Submit(context.Background(), event.EventTypeDeposit, depositJSON())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out == nil || out.Envelope.Sequence != 1 {
		t.Fatalf("unexpected output %+v", out)
	}

	if _, err := in.Submit(context.Background(), event.EventTypeDeposit, []byte(`{}`)); !errors.Is(err, ingestion.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestIngester_RejectsFutureTimestamps(t *testing.T) {
	const now = 1_700_000_000
	clock := ingestion.WithIngestClock(func() time.Time { return time.Unix(now, 0) })
	skew := ingestion.WithMaxClockSkew(30 * time.Second)

	applier := &stubApplier{}
	in := ingestion.NewIngester(applier, nil, 1, nil, zerolog.Nop(), clock, skew)

	if _, err := in.Submit(context.Background(), event.EventTypeDeposit, depositAt(now+30)); err != nil {
		t.Fatalf("timestamp at the skew limit: %v", err)
	}
	tenYears := int64(10 * 365 * 24 * 3600)
	if _, err := in.Submit(context.Background(), event.EventTypeDeposit, depositAt(now+tenYears)); !errors.Is(err, ingestion.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
	if _, err := in.Submit(context.Background(), event.EventTypeDeposit, depositAt(now+31)); !errors.Is(err, ingestion.ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage one second past the limit, got %v", err)
	}
	if len(applier.applied) != 1 {
		t.Fatalf("applied %d operations, want 1", len(applier.applied))
	}

	// Stream path: dropped and acked, never applied
	streamed := &stubApplier{}
	if !runOne(t, streamed, "lending.ops.deposit.SOL", depositAt(now+tenYears), clock, skew) {
		t.Fatal("future-dated message was not acked")
	}
	if len(streamed.applied) != 0 {
		t.Fatal("future-dated message reached the core")
	}
}

func TestEventSubject(t *testing.T) {
	if got := ingestion.EventSubject("deposit", "sol"); got != "lending.events.deposit.SOL" {
		t.Errorf("got %s", got)
	}
	if got := ingestion.EventSubject("open_position", ""); got != "lending.events.open_position" {
		t.Errorf("got %s", got)
	}
}

func TestNewPublishableEvent(t *testing.T) {
	evt := &event.Deposit{PositionOp: event.PositionOp{
		OperationID: uuid.New(),
		Owner:       uuid.New(),
		Asset:       "SOL",
		Amount:      10,
		Timestamp:   1_700_000_000,
	}}
	env, err := event.NewEnvelope(evt)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.Sequence = 7
	env.StateHash[0] = 0xab

	pe := ingestion.NewPublishableEvent(core.CoreOutput{Envelope: env, Delta: &core.StateDelta{}})
	if pe.Sequence != 7 || pe.EventType != "deposit" || pe.Asset != "SOL" {
		t.Errorf("unexpected event %+v", pe)
	}
	if pe.StateHash != hex.EncodeToString(env.StateHash[:]) {
		t.Errorf("state hash: got %s", pe.StateHash)
	}

	var payload event.Deposit
	if err := json.Unmarshal(pe.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.Amount != 10 {
		t.Errorf("payload amount: got %d", payload.Amount)
	}
}
