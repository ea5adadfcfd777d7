package saga

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status captures where an order is in the place-order saga.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusStockDeducted Status = "STOCK_DEDUCTED"
	StatusConfirmed     Status = "CONFIRMED"
	StatusRollingBack   Status = "ROLLING_BACK"
	StatusFailed        Status = "FAILED"
	StatusDead          Status = "DEAD"
)

var transitions = map[Status][]Status{
	StatusPending:       {StatusStockDeducted, StatusFailed},
	StatusStockDeducted: {StatusConfirmed, StatusRollingBack},
	StatusRollingBack:   {StatusFailed, StatusDead},
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusDead
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusStockDeducted, StatusConfirmed, StatusRollingBack, StatusFailed, StatusDead:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// NonTerminalStatuses lists the statuses a recovery pass has to resume.
func NonTerminalStatuses() []Status {
	return []Status{StatusPending, StatusStockDeducted, StatusRollingBack}
}

// Reason explains why an order ended in FAILED or DEAD.
type Reason string

const (
	ReasonNone                  Reason = ""
	ReasonOutOfStock            Reason = "out_of_stock"
	ReasonPaymentDeclined       Reason = "payment_declined"
	ReasonUpstreamUnavailable   Reason = "upstream_unavailable"
	ReasonCompensationExhausted Reason = "compensation_exhausted"
)

// Step names a remote call made on behalf of an order.
type Step string

const (
	StepDeductStock Step = "deduct_stock"
	StepCharge      Step = "charge"
	StepAddStock    Step = "add_stock"
)

// IdempotencyKey derives the key sent to a dependency for one step of one order.
func IdempotencyKey(orderID string, step Step) string {
	return orderID + ":" + string(step)
}

// StepRecord is one entry of the order's audit log.
type StepRecord struct {
	Step    Step      `json:"step"`
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Step outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeUnknown   = "unknown"
)

// Order is the persisted saga record for one placed order.
type Order struct {
	ID        string       `json:"id"`
	ProductID string       `json:"product_id"`
	Quantity  int          `json:"quantity"`
	Amount    float64      `json:"amount"`
	Status    Status       `json:"status"`
	Reason    Reason       `json:"reason,omitempty"`
	ReceiptID string       `json:"receipt_id,omitempty"`
	Steps     []StepRecord `json:"steps"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	// Version is the number of successful saves since creation.
	Version   int64        `json:"version"`
}

// Clone returns a copy that shares no memory with o.
func (o Order) Clone() Order {
	out := o
	out.Steps = append([]StepRecord(nil), o.Steps...)
	return out
}

// Transition moves the order to next if the state machine allows it.
func (o *Order) Transition(next Status, reason Reason, at time.Time) error {
	if !o.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	o.Status = next
	o.Reason = reason
	o.UpdatedAt = at
	return nil
}

// LogStep appends an audit entry.
func (o *Order) LogStep(step Step, outcome, detail string, at time.Time) {
	o.Steps = append(o.Steps, StepRecord{Step: step, Outcome: outcome, Detail: detail, At: at})
}

// OrderStore persists orders. Each call is atomic for a single row.
// Save succeeds only while the stored version equals order.Version, and
// stores the row as order.Version+1; otherwise it returns ErrVersionConflict.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	Save(ctx context.Context, order Order) error
	Load(ctx context.Context, orderID string) (Order, error)
	ListByStatus(ctx context.Context, statuses []Status, updatedBefore time.Time) ([]Order, error)
}

// DeadLetter is the escalation record for an order that could not be rolled back.
type DeadLetter struct {
	Order      Order     `json:"order"`
	LastError  string    `json:"last_error"`
	Attempts   int       `json:"attempts"`
	RecordedAt time.Time `json:"recorded_at"`
}

// DeadLetterSink accepts escalation records for manual reconciliation.
type DeadLetterSink interface {
	Record(ctx context.Context, letter DeadLetter) error
}

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrOrderExists         = errors.New("order already exists")
	ErrVersionConflict     = errors.New("order was modified by another writer")
	ErrInvalidTransition   = errors.New("invalid order status transition")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")

	// ErrRejected marks a dependency that processed a request and declined it.
	ErrRejected          = errors.New("request rejected by dependency")
	ErrInsufficientStock = fmt.Errorf("%w: insufficient stock", ErrRejected)
	ErrUnknownProduct    = fmt.Errorf("%w: unknown product", ErrRejected)
	ErrPaymentDeclined   = fmt.Errorf("%w: payment declined", ErrRejected)

	// ErrAlreadyApplied is returned by a dependency that already processed the idempotency key.
	ErrAlreadyApplied = errors.New("request already applied")
)
