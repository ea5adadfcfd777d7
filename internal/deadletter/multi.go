package deadletter

import (
	"context"
	"errors"

	"ordersaga/internal/orders/saga"
)

// MultiSink writes each dead letter to several sinks in order.
type MultiSink struct {
	sinks []saga.DeadLetterSink
}

// Combine returns a sink over the non-nil sinks: nil when there are none, the
// sink itself when there is one, a MultiSink otherwise.
func Combine(sinks ...saga.DeadLetterSink) saga.DeadLetterSink {
	var kept []saga.DeadLetterSink
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return &MultiSink{sinks: kept}
}

// Record forwards the letter to every sink, collecting errors so all sinks
// get a chance to write.
func (m *MultiSink) Record(ctx context.Context, letter saga.DeadLetter) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Record(ctx, letter); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
