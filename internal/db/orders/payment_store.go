package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ordersaga/internal/orders/saga"

	"github.com/google/uuid"
)

// PaymentService persists charges in Postgres, one row per idempotency key.
type PaymentService struct {
	db    *sql.DB
	limit float64
}

// NewPaymentService constructs a payment service. Charges above limit are
// declined; a non-positive limit accepts every amount.
func NewPaymentService(db *sql.DB, limit float64) *PaymentService {
	return &PaymentService{db: db, limit: limit}
}

// NewPaymentServiceWithSchema initializes the schema then returns the service.
func NewPaymentServiceWithSchema(ctx context.Context, db *sql.DB, limit float64) (*PaymentService, error) {
	svc := NewPaymentService(db, limit)
	if err := svc.InitSchema(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

// InitSchema creates the payments table if it does not exist.
func (p *PaymentService) InitSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payments (
			idempotency_key TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			receipt_id TEXT NOT NULL,
			charged_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// Charge records a charge. A replayed key returns the original receipt with
// saga.ErrAlreadyApplied, or saga.ErrIdempotencyConflict when the payload differs.
func (p *PaymentService) Charge(ctx context.Context, idempotencyKey, orderID string, amount float64) (string, error) {
	if idempotencyKey == "" || orderID == "" {
		return "", fmt.Errorf("idempotency key and order id are required")
	}
	if p.limit > 0 && amount > p.limit {
		return "", fmt.Errorf("%w: amount %.2f exceeds limit", saga.ErrPaymentDeclined, amount)
	}

	receipt := "rcpt-" + uuid.NewString()
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (idempotency_key, order_id, amount, receipt_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		idempotencyKey, orderID, amount, receipt,
	)
	if err != nil {
		return "", err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if affected == 1 {
		return receipt, nil
	}

	var existingOrder, existingReceipt string
	var existingAmount float64
	row := p.db.QueryRowContext(ctx, `SELECT order_id, amount, receipt_id FROM payments WHERE idempotency_key = $1`, idempotencyKey)
	switch scanErr := row.Scan(&existingOrder, &existingAmount, &existingReceipt); {
	case scanErr == nil:
		if existingOrder != orderID || existingAmount != amount {
			return "", saga.ErrIdempotencyConflict
		}
		return existingReceipt, saga.ErrAlreadyApplied
	case errors.Is(scanErr, sql.ErrNoRows):
		return "", fmt.Errorf("payment not found after insert")
	default:
		return "", scanErr
	}
}
