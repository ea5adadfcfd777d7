package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ordersaga/internal/orders/saga"
)

// OrderStore persists saga orders in Postgres.
type OrderStore struct {
	db *sql.DB
}

// NewOrderStore constructs an OrderStore backed by Postgres.
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

// NewOrderStoreWithSchema initializes the schema then returns the store.
func NewOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*OrderStore, error) {
	store := NewOrderStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the orders table if it does not exist.
func (s *OrderStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			receipt_id TEXT NOT NULL DEFAULT '',
			steps JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			version BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS orders_status_updated_idx ON orders (status, updated_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// Create inserts a new order. An existing id yields saga.ErrOrderExists.
func (s *OrderStore) Create(ctx context.Context, order saga.Order) error {
	steps, err := encodeSteps(order.Steps)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, product_id, quantity, amount, status, reason, receipt_id, steps, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		order.ID, order.ProductID, order.Quantity, order.Amount, string(order.Status),
		string(order.Reason), order.ReceiptID, steps, order.CreatedAt, order.UpdatedAt, order.Version,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return saga.ErrOrderExists
	}
	return nil
}

// Save overwrites the mutable columns of an existing order if its version
// still matches, and bumps the version.
func (s *OrderStore) Save(ctx context.Context, order saga.Order) error {
	steps, err := encodeSteps(order.Steps)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, reason = $3, receipt_id = $4, steps = $5, updated_at = $6, version = version + 1
		WHERE id = $1 AND version = $7`,
		order.ID, string(order.Status), string(order.Reason), order.ReceiptID, steps, order.UpdatedAt, order.Version,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, order.ID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return saga.ErrVersionConflict
	}
	return saga.ErrOrderNotFound
}

const orderColumns = `id, product_id, quantity, amount, status, reason, receipt_id, steps, created_at, updated_at, version`

// Load returns one order by id.
func (s *OrderStore) Load(ctx context.Context, orderID string) (saga.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Order{}, saga.ErrOrderNotFound
	}
	return order, err
}

// ListByStatus returns orders in any of statuses last updated before the
// cutoff, oldest first.
func (s *OrderStore) ListByStatus(ctx context.Context, statuses []saga.Status, updatedBefore time.Time) ([]saga.Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, status := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args = append(args, string(status))
	}
	args = append(args, updatedBefore)

	query := fmt.Sprintf(`SELECT %s FROM orders WHERE status IN (%s) AND updated_at < $%d ORDER BY updated_at`,
		orderColumns, strings.Join(placeholders, ", "), len(args))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []saga.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (saga.Order, error) {
	var order saga.Order
	var status, reason string
	var steps []byte
	if err := row.Scan(&order.ID, &order.ProductID, &order.Quantity, &order.Amount, &status, &reason,
		&order.ReceiptID, &steps, &order.CreatedAt, &order.UpdatedAt, &order.Version); err != nil {
		return saga.Order{}, err
	}
	order.Status = saga.Status(status)
	order.Reason = saga.Reason(reason)
	if !order.Status.Valid() {
		return saga.Order{}, fmt.Errorf("order %s has unknown status %q", order.ID, status)
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &order.Steps); err != nil {
			return saga.Order{}, fmt.Errorf("decode steps for %s: %w", order.ID, err)
		}
	}
	return order, nil
}

func encodeSteps(steps []saga.StepRecord) ([]byte, error) {
	if steps == nil {
		steps = []saga.StepRecord{}
	}
	return json.Marshal(steps)
}
