package orders

import (
	"context"
	"time"

	"ordersaga/internal/observability"
	"ordersaga/internal/orders/saga"

	"github.com/rs/zerolog"
)

// DefaultDeadLetterTimeout bounds a single write to the primary sink.
const DefaultDeadLetterTimeout = 3 * time.Second

// LogSink writes dead letters to the error log. It never fails.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, letter saga.DeadLetter) error {
	logDeadLetter(s.logger, letter, nil)
	return nil
}

// FallbackSink makes one bounded attempt on the primary sink and logs the
// full record when that fails. Record always returns nil.
type FallbackSink struct {
	primary saga.DeadLetterSink
	timeout time.Duration
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewFallbackSink wraps primary. A nil primary logs every record.
func NewFallbackSink(primary saga.DeadLetterSink, timeout time.Duration, metrics *observability.Metrics, logger zerolog.Logger) *FallbackSink {
	if timeout <= 0 {
		timeout = DefaultDeadLetterTimeout
	}
	return &FallbackSink{primary: primary, timeout: timeout, metrics: metrics, logger: logger}
}

func (s *FallbackSink) Record(ctx context.Context, letter saga.DeadLetter) error {
	if s.primary != nil {
		writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := s.primary.Record(writeCtx, letter)
		cancel()
		if err == nil {
			s.metrics.DeadLetter("recorded")
			s.logger.Warn().Str("order_id", letter.Order.ID).Int("attempts", letter.Attempts).Msg("dead letter recorded")
			return nil
		}
		logDeadLetter(s.logger, letter, err)
	} else {
		logDeadLetter(s.logger, letter, nil)
	}
	s.metrics.DeadLetter("fallback")
	return nil
}

func logDeadLetter(logger zerolog.Logger, letter saga.DeadLetter, sinkErr error) {
	event := logger.Error().
		Str("order_id", letter.Order.ID).
		Str("product_id", letter.Order.ProductID).
		Int("quantity", letter.Order.Quantity).
		Float64("amount", letter.Order.Amount).
		Str("status", string(letter.Order.Status)).
		Str("reason", string(letter.Order.Reason)).
		Str("last_error", letter.LastError).
		Int("attempts", letter.Attempts).
		Time("recorded_at", letter.RecordedAt).
		Interface("steps", letter.Order.Steps)
	if sinkErr != nil {
		event = event.AnErr("sink_error", sinkErr)
	}
	event.Msg("dead letter: manual reconciliation required")
}
