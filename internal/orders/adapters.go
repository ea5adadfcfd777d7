package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ordersaga/internal/breaker"
	"ordersaga/internal/orders/saga"
)

var (
	// ErrUnavailable covers an open breaker and transport failures.
	ErrUnavailable = errors.New("dependency unavailable")
	// ErrTimeout means the outcome is unknown and the call may have been applied.
	ErrTimeout = errors.New("dependency call timed out")
)

// ErrorKind classifies adapter failures.
type ErrorKind int

const (
	KindUnavailable ErrorKind = iota + 1
	KindRejected
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindRejected:
		return "rejected"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// AdapterError is the only error type returned by the service adapters.
type AdapterError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Is lets errors.Is match the kind sentinels.
func (e *AdapterError) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrTimeout:
		return e.Kind == KindTimeout
	case saga.ErrRejected:
		return e.Kind == KindRejected
	}
	return false
}

func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, saga.ErrRejected), errors.Is(err, saga.ErrIdempotencyConflict):
		return &AdapterError{Kind: KindRejected, Op: op, Err: err}
	case errors.Is(err, breaker.ErrCircuitOpen):
		return &AdapterError{Kind: KindUnavailable, Op: op, Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &AdapterError{Kind: KindTimeout, Op: op, Err: err}
	default:
		return &AdapterError{Kind: KindUnavailable, Op: op, Err: err}
	}
}

// CountsAsFailure is the breaker condition for dependency calls: business
// rejections and idempotent replays prove the dependency is healthy.
func CountsAsFailure(err error) bool {
	return err != nil &&
		!errors.Is(err, saga.ErrRejected) &&
		!errors.Is(err, saga.ErrIdempotencyConflict) &&
		!errors.Is(err, saga.ErrAlreadyApplied)
}

// Ack acknowledges an inventory call.
type Ack struct {
	IdempotencyKey string
	AlreadyApplied bool
}

// Receipt acknowledges a charge.
type Receipt struct {
	ID             string
	IdempotencyKey string
	AlreadyApplied bool
}

// InventoryAdapter issues inventory calls through one breaker.
type InventoryAdapter struct {
	svc     InventoryService
	breaker *breaker.CircuitBreaker
	timeout time.Duration
}

// NewInventoryAdapter constructs an InventoryAdapter. A zero timeout leaves
// calls bounded only by the caller's context.
func NewInventoryAdapter(svc InventoryService, cb *breaker.CircuitBreaker, timeout time.Duration) *InventoryAdapter {
	return &InventoryAdapter{svc: svc, breaker: cb, timeout: timeout}
}

func (a *InventoryAdapter) DeductStock(ctx context.Context, orderID, productID string, qty int) (Ack, error) {
	key := saga.IdempotencyKey(orderID, saga.StepDeductStock)
	err := guarded(ctx, a.breaker, a.timeout, func(ctx context.Context) error {
		return a.svc.DeductStock(ctx, key, productID, qty)
	})
	return ack("inventory.DeductStock", key, err)
}

func (a *InventoryAdapter) AddStock(ctx context.Context, orderID, productID string, qty int) (Ack, error) {
	key := saga.IdempotencyKey(orderID, saga.StepAddStock)
	err := guarded(ctx, a.breaker, a.timeout, func(ctx context.Context) error {
		return a.svc.AddStock(ctx, key, productID, qty)
	})
	return ack("inventory.AddStock", key, err)
}

func ack(op, key string, err error) (Ack, error) {
	if errors.Is(err, saga.ErrAlreadyApplied) {
		return Ack{IdempotencyKey: key, AlreadyApplied: true}, nil
	}
	if err != nil {
		return Ack{}, classify(op, err)
	}
	return Ack{IdempotencyKey: key}, nil
}

// PaymentAdapter issues payment calls through one breaker.
type PaymentAdapter struct {
	svc     PaymentService
	breaker *breaker.CircuitBreaker
	timeout time.Duration
}

// NewPaymentAdapter constructs a PaymentAdapter.
func NewPaymentAdapter(svc PaymentService, cb *breaker.CircuitBreaker, timeout time.Duration) *PaymentAdapter {
	return &PaymentAdapter{svc: svc, breaker: cb, timeout: timeout}
}

func (a *PaymentAdapter) Charge(ctx context.Context, orderID string, amount float64) (Receipt, error) {
	key := saga.IdempotencyKey(orderID, saga.StepCharge)
	var receiptID string
	err := guarded(ctx, a.breaker, a.timeout, func(ctx context.Context) error {
		var err error
		receiptID, err = a.svc.Charge(ctx, key, orderID, amount)
		return err
	})
	if errors.Is(err, saga.ErrAlreadyApplied) {
		return Receipt{ID: receiptID, IdempotencyKey: key, AlreadyApplied: true}, nil
	}
	if err != nil {
		return Receipt{}, classify("payment.Charge", err)
	}
	return Receipt{ID: receiptID, IdempotencyKey: key}, nil
}

// guarded runs fn through the breaker with a per-call deadline. The deadline
// is enforced even when fn ignores its context. Only the per-call deadline
// counts against the breaker; the caller's own cancellation does not.
func guarded(ctx context.Context, cb *breaker.CircuitBreaker, timeout time.Duration, fn func(context.Context) error) error {
	return cb.Execute(ctx, func(parent context.Context) error {
		callCtx := parent
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(parent, timeout)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			done <- fn(callCtx)
		}()
		var err error
		select {
		case err = <-done:
		case <-callCtx.Done():
			err = callCtx.Err()
		}
		if err != nil && parent.Err() != nil {
			return parent.Err()
		}
		return err
	})
}
