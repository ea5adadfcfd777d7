package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ordersaga/internal/orders/saga"
)

// InventoryService keeps stock levels in Postgres. Every applied change is
// recorded in a ledger keyed by idempotency key, in the same transaction as
// the stock update.
type InventoryService struct {
	db *sql.DB
}

// NewInventoryService constructs an inventory backed by Postgres.
func NewInventoryService(db *sql.DB) *InventoryService {
	return &InventoryService{db: db}
}

// NewInventoryServiceWithSchema initializes the schema then returns the service.
func NewInventoryServiceWithSchema(ctx context.Context, db *sql.DB) (*InventoryService, error) {
	svc := NewInventoryService(db)
	if err := svc.InitSchema(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

// InitSchema creates the inventory tables if they do not exist.
func (s *InventoryService) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS inventory (
			product_id TEXT PRIMARY KEY,
			available INTEGER NOT NULL CHECK (available >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS inventory_ledger (
			idempotency_key TEXT PRIMARY KEY,
			product_id TEXT NOT NULL,
			delta INTEGER NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// SetStock sets the available level for a product, creating it if needed.
func (s *InventoryService) SetStock(ctx context.Context, productID string, qty int) error {
	if productID == "" || qty < 0 {
		return fmt.Errorf("product id and a non-negative quantity are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory (product_id, available) VALUES ($1, $2)
		ON CONFLICT (product_id) DO UPDATE SET available = EXCLUDED.available`,
		productID, qty,
	)
	return err
}

func (s *InventoryService) DeductStock(ctx context.Context, idempotencyKey, productID string, qty int) error {
	return s.apply(ctx, idempotencyKey, productID, -qty)
}

func (s *InventoryService) AddStock(ctx context.Context, idempotencyKey, productID string, qty int) error {
	return s.apply(ctx, idempotencyKey, productID, qty)
}

func (s *InventoryService) apply(ctx context.Context, idempotencyKey, productID string, delta int) (err error) {
	if idempotencyKey == "" || productID == "" {
		return fmt.Errorf("idempotency key and product id are required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_ledger (idempotency_key, product_id, delta)
		VALUES ($1, $2, $3)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		idempotencyKey, productID, delta,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return saga.ErrAlreadyApplied
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE inventory
		SET available = available + $2
		WHERE product_id = $1 AND available + $2 >= 0`,
		productID, delta,
	)
	if err != nil {
		return err
	}
	affected, err = res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.explainMiss(ctx, tx, productID)
	}

	return tx.Commit()
}

func (s *InventoryService) explainMiss(ctx context.Context, tx *sql.Tx, productID string) error {
	var available int
	row := tx.QueryRowContext(ctx, `SELECT available FROM inventory WHERE product_id = $1`, productID)
	switch scanErr := row.Scan(&available); {
	case scanErr == nil:
		return saga.ErrInsufficientStock
	case errors.Is(scanErr, sql.ErrNoRows):
		return saga.ErrUnknownProduct
	default:
		return scanErr
	}
}
