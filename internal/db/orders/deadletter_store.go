package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"ordersaga/internal/orders/saga"
)

// DeadLetterStore keeps dead letters in Postgres, at most one per order.
type DeadLetterStore struct {
	db *sql.DB
}

func NewDeadLetterStore(db *sql.DB) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

// NewDeadLetterStoreWithSchema initializes the schema then returns the store.
func NewDeadLetterStoreWithSchema(ctx context.Context, db *sql.DB) (*DeadLetterStore, error) {
	store := NewDeadLetterStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *DeadLetterStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS order_dead_letters (
			order_id TEXT PRIMARY KEY,
			payload JSONB NOT NULL,
			last_error TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

// Record implements saga.DeadLetterSink. A second record for the same order
// is ignored.
func (s *DeadLetterStore) Record(ctx context.Context, letter saga.DeadLetter) error {
	if letter.Order.ID == "" {
		return fmt.Errorf("dead letter without order id")
	}
	payload, err := json.Marshal(letter.Order)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO order_dead_letters (order_id, payload, last_error, attempts, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (order_id) DO NOTHING`,
		letter.Order.ID, payload, letter.LastError, letter.Attempts, letter.RecordedAt,
	)
	return err
}
