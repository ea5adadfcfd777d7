package saga

import (
	"context"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemoryStore is an in-process OrderStore for tests and local runs.
type MemoryStore struct {
	orders *xsync.MapOf[string, Order]
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: xsync.NewMapOf[string, Order]()}
}

func (m *MemoryStore) Create(ctx context.Context, order Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, loaded := m.orders.LoadOrStore(order.ID, order.Clone()); loaded {
		return ErrOrderExists
	}
	return nil
}

func (m *MemoryStore) Save(ctx context.Context, order Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var err error
	m.orders.Compute(order.ID, func(current Order, loaded bool) (Order, bool) {
		switch {
		case !loaded:
			err = ErrOrderNotFound
			return current, true
		case current.Version != order.Version:
			err = ErrVersionConflict
			return current, false
		}
		next := order.Clone()
		next.Version++
		return next, false
	})
	return err
}

func (m *MemoryStore) Load(ctx context.Context, orderID string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	order, ok := m.orders.Load(orderID)
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return order.Clone(), nil
}

// ListByStatus returns matching orders oldest first.
func (m *MemoryStore) ListByStatus(ctx context.Context, statuses []Status, updatedBefore time.Time) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}

	var out []Order
	m.orders.Range(func(_ string, order Order) bool {
		if _, ok := want[order.Status]; ok && order.UpdatedAt.Before(updatedBefore) {
			out = append(out, order.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}
