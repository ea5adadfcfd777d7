package orders

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"ordersaga/internal/observability"
	"ordersaga/internal/orders/saga"

	"github.com/rs/zerolog"
)

type recordingSink struct {
	letters []saga.DeadLetter
	err     error
	block   bool
}

func (s *recordingSink) Record(ctx context.Context, letter saga.DeadLetter) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.err != nil {
		return s.err
	}
	s.letters = append(s.letters, letter)
	return nil
}

func deadLetterFixture() saga.DeadLetter {
	return saga.DeadLetter{
		Order:      saga.Order{ID: "o-9", ProductID: "P1", Quantity: 1, Status: saga.StatusDead, Reason: saga.ReasonCompensationExhausted},
		LastError:  "inventory.AddStock: unavailable: boom",
		Attempts:   3,
		RecordedAt: time.Unix(0, 0).UTC(),
	}
}

func TestFallbackSink_DelegatesToPrimary(t *testing.T) {
	primary := &recordingSink{}
	sink := NewFallbackSink(primary, time.Second, observability.NewMetrics(), zerolog.Nop())

	if err := sink.Record(context.Background(), deadLetterFixture()); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(primary.letters) != 1 || primary.letters[0].Order.ID != "o-9" {
		t.Fatalf("expected primary to receive the letter, got %+v", primary.letters)
	}
}

func TestFallbackSink_LogsWhenPrimaryFails(t *testing.T) {
	var buf bytes.Buffer
	primary := &recordingSink{err: errors.New("stream down")}
	sink := NewFallbackSink(primary, time.Second, nil, zerolog.New(&buf))

	if err := sink.Record(context.Background(), deadLetterFixture()); err != nil {
		t.Fatalf("fallback sink must never fail, got %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"order_id":"o-9"`, `"attempts":3`, `"sink_error":"stream down"`, `"level":"error"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in log output: %s", want, out)
		}
	}
}

func TestFallbackSink_BoundsPrimaryWrite(t *testing.T) {
	primary := &recordingSink{block: true}
	sink := NewFallbackSink(primary, 20*time.Millisecond, nil, zerolog.Nop())

	start := time.Now()
	if err := sink.Record(context.Background(), deadLetterFixture()); err != nil {
		t.Fatalf("record: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("primary write was not bounded")
	}
}

func TestLogSink_NeverFails(t *testing.T) {
	var buf bytes.Buffer
	if err := NewLogSink(zerolog.New(&buf)).Record(context.Background(), deadLetterFixture()); err != nil {
		t.Fatalf("record: %v", err)
	}
	if !strings.Contains(buf.String(), "manual reconciliation") {
		t.Fatalf("expected dead letter log line, got %s", buf.String())
	}
}
