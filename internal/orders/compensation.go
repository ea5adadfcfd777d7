package orders

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"ordersaga/internal/observability"
	"ordersaga/internal/orders/saga"

	"github.com/rs/zerolog"
)

// ErrCompensationExhausted is returned when every compensating attempt failed.
var ErrCompensationExhausted = errors.New("compensation exhausted")

// CompensationOutcome is the result of running a compensating call.
type CompensationOutcome string

const (
	Compensated CompensationOutcome = "compensated"
	Exhausted   CompensationOutcome = "exhausted"
	// Interrupted means the context ended before the outcome was known.
	Interrupted CompensationOutcome = "interrupted"
)

// CompensationAttempt describes one compensating call.
type CompensationAttempt struct {
	OrderID string
	Step    saga.Step
	Number  int
	Err     string
	At      time.Time
}

func (a CompensationAttempt) Succeeded() bool { return a.Err == "" }

// CompensationPolicy controls retry behavior for compensating calls.
type CompensationPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      func(time.Duration) time.Duration
	Sleep       func(context.Context, time.Duration) error
	Now         func() time.Time
}

// Default compensation policy values.
const (
	DefaultCompensationAttempts  = 3
	DefaultCompensationBaseDelay = 100 * time.Millisecond
	DefaultCompensationMaxDelay  = 2 * time.Second
)

func (p CompensationPolicy) withDefaults() CompensationPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultCompensationAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultCompensationMaxDelay
	}
	if p.Jitter == nil {
		p.Jitter = defaultJitter
	}
	if p.Sleep == nil {
		p.Sleep = sleepWithContext
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return p
}

// backoff returns the wait after the given attempt number (1-based).
func (p CompensationPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	if delay > 0 {
		delay = delay << (attempt - 1)
	}
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay < 0) {
		delay = p.MaxDelay
	}
	return p.Jitter(delay)
}

// StockRestorer is the compensating call for a stock deduction.
type StockRestorer interface {
	AddStock(ctx context.Context, orderID, productID string, qty int) (Ack, error)
}

// CompensationExecutor runs compensating calls with bounded retries.
type CompensationExecutor struct {
	stock   StockRestorer
	policy  CompensationPolicy
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewCompensationExecutor constructs an executor. Metrics may be nil.
func NewCompensationExecutor(stock StockRestorer, policy CompensationPolicy, metrics *observability.Metrics, logger zerolog.Logger) *CompensationExecutor {
	return &CompensationExecutor{
		stock:   stock,
		policy:  policy.withDefaults(),
		metrics: metrics,
		logger:  logger,
	}
}

// Compensate undoes step for order. Success or an already-applied replay is
// Compensated. A rejected compensating call is still a failed attempt. When
// ctx ends the outcome is Interrupted and ctx's error is returned.
func (e *CompensationExecutor) Compensate(ctx context.Context, order saga.Order, step saga.Step) (CompensationOutcome, []CompensationAttempt, error) {
	if step != saga.StepDeductStock {
		return "", nil, fmt.Errorf("step %q has no compensating action", step)
	}

	p := e.policy
	attempts := make([]CompensationAttempt, 0, p.MaxAttempts)
	var lastErr error
	for n := 1; n <= p.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return Interrupted, attempts, err
		}

		_, err := e.stock.AddStock(ctx, order.ID, order.ProductID, order.Quantity)
		attempt := CompensationAttempt{OrderID: order.ID, Step: saga.StepAddStock, Number: n, At: p.Now()}
		e.metrics.CompensationAttempt(err == nil)
		if err == nil {
			attempts = append(attempts, attempt)
			e.logger.Info().Str("order_id", order.ID).Int("attempt", n).Msg("stock restored")
			return Compensated, attempts, nil
		}
		attempt.Err = err.Error()
		attempts = append(attempts, attempt)
		lastErr = err
		e.logger.Warn().Err(err).Str("order_id", order.ID).Int("attempt", n).Msg("compensation attempt failed")

		if ctxErr := ctx.Err(); ctxErr != nil {
			return Interrupted, attempts, ctxErr
		}
		if n == p.MaxAttempts {
			break
		}
		if err := p.Sleep(ctx, p.backoff(n)); err != nil {
			return Interrupted, attempts, err
		}
	}
	return Exhausted, attempts, fmt.Errorf("%w after %d attempts: %w", ErrCompensationExhausted, len(attempts), lastErr)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
