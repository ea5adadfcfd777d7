package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"ordersaga/internal/observability"
	"ordersaga/internal/orders/saga"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrInvalidOrder is returned for a malformed place-order request.
var ErrInvalidOrder = errors.New("invalid order")

// Inventory is the stock side of the saga.
type Inventory interface {
	DeductStock(ctx context.Context, orderID, productID string, qty int) (Ack, error)
	AddStock(ctx context.Context, orderID, productID string, qty int) (Ack, error)
}

// Payments is the charge side of the saga.
type Payments interface {
	Charge(ctx context.Context, orderID string, amount float64) (Receipt, error)
}

// Compensator undoes a completed step.
type Compensator interface {
	Compensate(ctx context.Context, order saga.Order, step saga.Step) (CompensationOutcome, []CompensationAttempt, error)
}

// Transition is a persisted status change.
type Transition struct {
	OrderID string      `json:"order_id"`
	From    saga.Status `json:"from"`
	To      saga.Status `json:"to"`
	Reason  saga.Reason `json:"reason,omitempty"`
	At      time.Time   `json:"at"`
}

// TransitionListener observes persisted transitions. It must not block.
type TransitionListener interface {
	OrderTransitioned(Transition)
}

// OrderResult is what PlaceOrder and Resume report to the caller.
type OrderResult struct {
	OrderID string
	Status  saga.Status
	Reason  saga.Reason
}

func resultOf(order saga.Order) OrderResult {
	return OrderResult{OrderID: order.ID, Status: order.Status, Reason: order.Reason}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = metrics }
}

func WithListener(listener TransitionListener) Option {
	return func(o *Orchestrator) { o.listener = listener }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// Orchestrator drives each order through deduct, charge and, when needed,
// compensation. Work on a single order is serialized; different orders run
// concurrently.
type Orchestrator struct {
	store       saga.OrderStore
	inventory   Inventory
	payments    Payments
	compensator Compensator
	deadLetters saga.DeadLetterSink

	listener TransitionListener
	metrics  *observability.Metrics
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string

	locks *keyedLocks
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(store saga.OrderStore, inventory Inventory, payments Payments, compensator Compensator, deadLetters saga.DeadLetterSink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		inventory:   inventory,
		payments:    payments,
		compensator: compensator,
		deadLetters: deadLetters,
		logger:      zerolog.Nop(),
		tracer:      otel.Tracer("ordersaga/orders"),
		now:         time.Now,
		newID:       uuid.NewString,
		locks:       newKeyedLocks(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// PlaceOrder creates an order and runs the saga to a terminal state. If ctx
// ends first, the result carries the last persisted status and the error
// wraps ctx.Err().
func (o *Orchestrator) PlaceOrder(ctx context.Context, productID string, qty int, amount float64) (OrderResult, error) {
	productID = strings.TrimSpace(productID)
	switch {
	case productID == "":
		return OrderResult{}, fmt.Errorf("%w: product id is required", ErrInvalidOrder)
	case qty <= 0:
		return OrderResult{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	case math.IsNaN(amount) || math.IsInf(amount, 0):
		return OrderResult{}, fmt.Errorf("%w: amount must be a finite number", ErrInvalidOrder)
	case amount <= 0:
		return OrderResult{}, fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}

	ctx, span := o.tracer.Start(ctx, "orders.PlaceOrder")
	defer span.End()

	now := o.now()
	order := saga.Order{
		ID:        o.newID(),
		ProductID: productID,
		Quantity:  qty,
		Amount:    amount,
		Status:    saga.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	span.SetAttributes(attribute.String("order.id", order.ID))

	unlock := o.locks.lock(order.ID)
	defer unlock()

	if err := o.store.Create(ctx, order); err != nil {
		recordSpanError(span, err)
		return OrderResult{}, fmt.Errorf("create order: %w", err)
	}
	o.logger.Info().Str("order_id", order.ID).Str("product_id", productID).Int("quantity", qty).Msg("order placed")

	err := o.run(ctx, &order)
	if err != nil {
		recordSpanError(span, err)
	}
	span.SetAttributes(attribute.String("order.status", string(order.Status)))
	return resultOf(order), err
}

// GetOrder returns the persisted order.
func (o *Orchestrator) GetOrder(ctx context.Context, orderID string) (saga.Order, error) {
	return o.store.Load(ctx, orderID)
}

// Resume continues a non-terminal order. A PENDING order re-issues the
// deduct under the same idempotency key. A STOCK_DEDUCTED order is rolled
// back rather than charged again, since an earlier charge may have landed.
// Terminal orders are returned unchanged.
func (o *Orchestrator) Resume(ctx context.Context, orderID string) (OrderResult, error) {
	ctx, span := o.tracer.Start(ctx, "orders.Resume", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	unlock := o.locks.lock(orderID)
	defer unlock()

	order, err := o.store.Load(ctx, orderID)
	if err != nil {
		recordSpanError(span, err)
		return OrderResult{}, err
	}
	if order.Status.Terminal() {
		return resultOf(order), nil
	}
	o.logger.Info().Str("order_id", order.ID).Str("status", string(order.Status)).Msg("resuming order")

	if order.Status == saga.StatusStockDeducted {
		if err := o.transition(ctx, &order, saga.StatusRollingBack, saga.ReasonUpstreamUnavailable); err != nil {
			recordSpanError(span, err)
			return resultOf(order), err
		}
	}
	if err := o.run(ctx, &order); err != nil {
		recordSpanError(span, err)
		return resultOf(order), err
	}
	return resultOf(order), nil
}

func (o *Orchestrator) run(ctx context.Context, order *saga.Order) error {
	for !order.Status.Terminal() {
		if err := ctx.Err(); err != nil {
			return o.interrupted(order, err)
		}

		var err error
		switch order.Status {
		case saga.StatusPending:
			err = o.deductStock(ctx, order)
		case saga.StatusStockDeducted:
			err = o.charge(ctx, order)
		case saga.StatusRollingBack:
			err = o.rollBack(ctx, order)
		default:
			err = fmt.Errorf("%w: unexpected status %s", saga.ErrInvalidTransition, order.Status)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) deductStock(ctx context.Context, order *saga.Order) error {
	ctx, span := o.startStep(ctx, order, saga.StepDeductStock)
	defer span.End()

	ack, err := o.inventory.DeductStock(ctx, order.ID, order.ProductID, order.Quantity)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return o.interrupted(order, ctxErr)
	}

	at := o.now()
	switch {
	case err == nil:
		order.LogStep(saga.StepDeductStock, saga.OutcomeSucceeded, replayDetail(ack.AlreadyApplied), at)
		return o.transition(ctx, order, saga.StatusStockDeducted, saga.ReasonNone)
	case errors.Is(err, saga.ErrRejected):
		order.LogStep(saga.StepDeductStock, saga.OutcomeRejected, err.Error(), at)
		return o.transition(ctx, order, saga.StatusFailed, saga.ReasonOutOfStock)
	case errors.Is(err, ErrTimeout):
		recordSpanError(span, err)
		order.LogStep(saga.StepDeductStock, saga.OutcomeUnknown, err.Error(), at)
		return o.transition(ctx, order, saga.StatusFailed, saga.ReasonUpstreamUnavailable)
	case errors.Is(err, ErrUnavailable):
		recordSpanError(span, err)
		order.LogStep(saga.StepDeductStock, saga.OutcomeFailed, err.Error(), at)
		return o.transition(ctx, order, saga.StatusFailed, saga.ReasonUpstreamUnavailable)
	default:
		recordSpanError(span, err)
		return fmt.Errorf("deduct stock for %s: %w", order.ID, err)
	}
}

func (o *Orchestrator) charge(ctx context.Context, order *saga.Order) error {
	ctx, span := o.startStep(ctx, order, saga.StepCharge)
	defer span.End()

	receipt, err := o.payments.Charge(ctx, order.ID, order.Amount)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return o.interrupted(order, ctxErr)
	}

	at := o.now()
	switch {
	case err == nil:
		order.ReceiptID = receipt.ID
		order.LogStep(saga.StepCharge, saga.OutcomeSucceeded, replayDetail(receipt.AlreadyApplied), at)
		return o.transition(ctx, order, saga.StatusConfirmed, saga.ReasonNone)
	case errors.Is(err, saga.ErrRejected):
		order.LogStep(saga.StepCharge, saga.OutcomeRejected, err.Error(), at)
		return o.transition(ctx, order, saga.StatusRollingBack, saga.ReasonPaymentDeclined)
	case errors.Is(err, ErrTimeout):
		// The charge may have been applied; stock is restored regardless.
		recordSpanError(span, err)
		order.LogStep(saga.StepCharge, saga.OutcomeUnknown, err.Error(), at)
		return o.transition(ctx, order, saga.StatusRollingBack, saga.ReasonUpstreamUnavailable)
	case errors.Is(err, ErrUnavailable):
		recordSpanError(span, err)
		order.LogStep(saga.StepCharge, saga.OutcomeFailed, err.Error(), at)
		return o.transition(ctx, order, saga.StatusRollingBack, saga.ReasonUpstreamUnavailable)
	default:
		recordSpanError(span, err)
		return fmt.Errorf("charge for %s: %w", order.ID, err)
	}
}

func (o *Orchestrator) rollBack(ctx context.Context, order *saga.Order) error {
	ctx, span := o.startStep(ctx, order, saga.StepAddStock)
	defer span.End()

	outcome, attempts, err := o.compensator.Compensate(ctx, order.Clone(), saga.StepDeductStock)
	for _, attempt := range attempts {
		result := saga.OutcomeSucceeded
		if !attempt.Succeeded() {
			result = saga.OutcomeFailed
		}
		order.LogStep(saga.StepAddStock, result, attempt.Err, attempt.At)
	}

	switch outcome {
	case Compensated:
		return o.transition(ctx, order, saga.StatusFailed, order.Reason)
	case Exhausted:
		recordSpanError(span, err)
		if terr := o.transition(ctx, order, saga.StatusDead, saga.ReasonCompensationExhausted); terr != nil {
			return terr
		}
		o.recordDeadLetter(ctx, *order, err, len(attempts))
		return nil
	case Interrupted:
		return o.interrupted(order, err)
	default:
		recordSpanError(span, err)
		return fmt.Errorf("compensate %s: %w", order.ID, err)
	}
}

func (o *Orchestrator) recordDeadLetter(ctx context.Context, order saga.Order, cause error, attempts int) {
	letter := saga.DeadLetter{
		Order:      order.Clone(),
		Attempts:   attempts,
		RecordedAt: o.now(),
	}
	if cause != nil {
		letter.LastError = cause.Error()
	}
	if o.deadLetters == nil {
		o.logger.Error().Str("order_id", order.ID).Str("last_error", letter.LastError).Msg("order dead with no dead letter sink")
		return
	}
	// The order is already DEAD; the record must not depend on the caller's deadline.
	if err := o.deadLetters.Record(context.WithoutCancel(ctx), letter); err != nil {
		o.logger.Error().Err(err).Str("order_id", order.ID).Msg("dead letter not recorded")
	}
}

// transition persists the next status. On a failed save the in-memory order
// is restored so callers keep reporting the last persisted state.
func (o *Orchestrator) transition(ctx context.Context, order *saga.Order, next saga.Status, reason saga.Reason) error {
	prev := order.Clone()
	if err := order.Transition(next, reason, o.now()); err != nil {
		*order = prev
		return err
	}
	if err := o.store.Save(ctx, *order); err != nil {
		*order = prev
		if ctxErr := ctx.Err(); ctxErr != nil {
			return o.interrupted(order, ctxErr)
		}
		return fmt.Errorf("persist order %s: %w", order.ID, err)
	}
	order.Version++

	o.metrics.OrderTransitioned(string(prev.Status), string(next))
	o.logger.Info().
		Str("order_id", order.ID).
		Str("from", string(prev.Status)).
		Str("to", string(next)).
		Str("reason", string(reason)).
		Msg("order transitioned")
	if o.listener != nil {
		o.listener.OrderTransitioned(Transition{
			OrderID: order.ID,
			From:    prev.Status,
			To:      next,
			Reason:  reason,
			At:      order.UpdatedAt,
		})
	}
	return nil
}

func (o *Orchestrator) interrupted(order *saga.Order, cause error) error {
	o.logger.Warn().Err(cause).Str("order_id", order.ID).Str("status", string(order.Status)).Msg("order left for recovery")
	return fmt.Errorf("order %s left %s: %w", order.ID, order.Status, cause)
}

func (o *Orchestrator) startStep(ctx context.Context, order *saga.Order, step saga.Step) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "saga."+string(step), trace.WithAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("order.status", string(order.Status)),
	))
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func replayDetail(alreadyApplied bool) string {
	if alreadyApplied {
		return "already applied"
	}
	return ""
}
