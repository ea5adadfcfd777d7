package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"ordersaga/internal/observability"
	"ordersaga/internal/orders/saga"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type fakeRestorer struct {
	errs  []error
	calls int
}

func (f *fakeRestorer) AddStock(ctx context.Context, orderID, productID string, qty int) (Ack, error) {
	f.calls++
	if f.calls <= len(f.errs) && f.errs[f.calls-1] != nil {
		return Ack{}, f.errs[f.calls-1]
	}
	return Ack{IdempotencyKey: saga.IdempotencyKey(orderID, saga.StepAddStock)}, nil
}

func recordingPolicy(delays *[]time.Duration) CompensationPolicy {
	return CompensationPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    15 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return nil
		},
	}
}

func testOrder() saga.Order {
	return saga.Order{ID: "o-1", ProductID: "P1", Quantity: 2, Amount: 10, Status: saga.StatusRollingBack}
}

func TestCompensate_RetriesWithBoundedBackoff(t *testing.T) {
	var delays []time.Duration
	restorer := &fakeRestorer{errs: []error{errors.New("down"), errors.New("down")}}
	exec := NewCompensationExecutor(restorer, recordingPolicy(&delays), nil, zerolog.Nop())

	outcome, attempts, err := exec.Compensate(context.Background(), testOrder(), saga.StepDeductStock)
	if err != nil {
		t.Fatalf("compensate: %v", err)
	}
	if outcome != Compensated {
		t.Fatalf("expected compensated, got %s", outcome)
	}
	if len(attempts) != 3 || attempts[0].Succeeded() || !attempts[2].Succeeded() {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 15*time.Millisecond {
		t.Fatalf("unexpected delays: %v", delays)
	}
}

func TestCompensate_ExhaustsAfterMaxAttempts(t *testing.T) {
	var delays []time.Duration
	last := errors.New("still down")
	restorer := &fakeRestorer{errs: []error{errors.New("a"), errors.New("b"), last}}
	metrics := observability.NewMetrics()
	exec := NewCompensationExecutor(restorer, recordingPolicy(&delays), metrics, zerolog.Nop())

	outcome, attempts, err := exec.Compensate(context.Background(), testOrder(), saga.StepDeductStock)
	if outcome != Exhausted {
		t.Fatalf("expected exhausted, got %s", outcome)
	}
	if !errors.Is(err, ErrCompensationExhausted) || !errors.Is(err, last) {
		t.Fatalf("expected exhaustion wrapping last error, got %v", err)
	}
	if restorer.calls != 3 || len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d calls / %d records", restorer.calls, len(attempts))
	}
	if len(delays) != 2 {
		t.Fatalf("expected no sleep after the final attempt, got %v", delays)
	}
	if n, err := testutil.GatherAndCount(metrics.Registry(), "ordersaga_orders_compensation_attempts_total"); err != nil || n != 1 {
		t.Fatalf("expected one failed-attempt series, got %d (%v)", n, err)
	}
}

func TestCompensate_RejectionStillRetries(t *testing.T) {
	var delays []time.Duration
	rejected := &AdapterError{Kind: KindRejected, Op: "inventory.AddStock", Err: saga.ErrUnknownProduct}
	restorer := &fakeRestorer{errs: []error{rejected}}
	exec := NewCompensationExecutor(restorer, recordingPolicy(&delays), nil, zerolog.Nop())

	outcome, _, err := exec.Compensate(context.Background(), testOrder(), saga.StepDeductStock)
	if err != nil || outcome != Compensated {
		t.Fatalf("expected retry past rejection, got %s %v", outcome, err)
	}
	if restorer.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", restorer.calls)
	}
}

func TestCompensate_StopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	restorer := &fakeRestorer{errs: []error{errors.New("down"), errors.New("down"), errors.New("down")}}
	policy := CompensationPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}
	exec := NewCompensationExecutor(restorer, policy, nil, zerolog.Nop())

	outcome, attempts, err := exec.Compensate(ctx, testOrder(), saga.StepDeductStock)
	if outcome != Interrupted || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected interrupted by cancel, got %s %v", outcome, err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected a single attempt before cancel, got %d", len(attempts))
	}
}

func TestCompensate_UnknownStep(t *testing.T) {
	exec := NewCompensationExecutor(&fakeRestorer{}, CompensationPolicy{}, nil, zerolog.Nop())
	if _, _, err := exec.Compensate(context.Background(), testOrder(), saga.StepCharge); err == nil {
		t.Fatalf("expected error for a step without compensation")
	}
}

func TestCompensationPolicy_Defaults(t *testing.T) {
	p := CompensationPolicy{}.withDefaults()
	if p.MaxAttempts != DefaultCompensationAttempts || p.MaxDelay != DefaultCompensationMaxDelay {
		t.Fatalf("unexpected defaults: %+v", p)
	}
	if got := defaultJitter(100 * time.Millisecond); got < 50*time.Millisecond || got > 100*time.Millisecond {
		t.Fatalf("jitter out of range: %v", got)
	}
}
