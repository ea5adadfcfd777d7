package orders

import (
	"context"
	"fmt"
	"sync"

	"ordersaga/internal/orders/saga"

	"github.com/google/uuid"
)

// InventoryService is the stock dependency. Implementations must honor the
// idempotency key and return saga.ErrAlreadyApplied for a repeated key.
type InventoryService interface {
	DeductStock(ctx context.Context, idempotencyKey, productID string, qty int) error
	AddStock(ctx context.Context, idempotencyKey, productID string, qty int) error
}

// PaymentService is the payment dependency. A repeated key returns the
// original receipt together with saga.ErrAlreadyApplied.
type PaymentService interface {
	Charge(ctx context.Context, idempotencyKey, orderID string, amount float64) (string, error)
}

// NewInMemoryInventory constructs an inventory seeded with the given stock levels.
func NewInMemoryInventory(stock map[string]int) *InMemoryInventory {
	levels := make(map[string]int, len(stock))
	for product, qty := range stock {
		levels[product] = qty
	}
	return &InMemoryInventory{
		stock:   levels,
		applied: make(map[string]struct{}),
	}
}

// InMemoryInventory tracks stock levels and applied idempotency keys in memory.
type InMemoryInventory struct {
	mu      sync.Mutex
	stock   map[string]int
	applied map[string]struct{}
}

func (c *InMemoryInventory) DeductStock(ctx context.Context, idempotencyKey, productID string, qty int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.applied[idempotencyKey]; ok {
		return saga.ErrAlreadyApplied
	}
	level, ok := c.stock[productID]
	if !ok {
		return saga.ErrUnknownProduct
	}
	if level < qty {
		return saga.ErrInsufficientStock
	}
	c.stock[productID] = level - qty
	c.applied[idempotencyKey] = struct{}{}
	return nil
}

func (c *InMemoryInventory) AddStock(ctx context.Context, idempotencyKey, productID string, qty int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.applied[idempotencyKey]; ok {
		return saga.ErrAlreadyApplied
	}
	if _, ok := c.stock[productID]; !ok {
		return saga.ErrUnknownProduct
	}
	c.stock[productID] += qty
	c.applied[idempotencyKey] = struct{}{}
	return nil
}

// Stock returns the current level for a product (for testing/inspection).
func (c *InMemoryInventory) Stock(productID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stock[productID]
}

// NewInMemoryPayments constructs a payment service that declines charges
// above limit. A non-positive limit accepts every amount.
func NewInMemoryPayments(limit float64) *InMemoryPayments {
	return &InMemoryPayments{
		limit:   limit,
		charges: make(map[string]charge),
	}
}

type charge struct {
	orderID   string
	amount    float64
	receiptID string
}

// InMemoryPayments records charges by idempotency key.
type InMemoryPayments struct {
	mu      sync.Mutex
	limit   float64
	charges map[string]charge
}

func (c *InMemoryPayments) Charge(ctx context.Context, idempotencyKey, orderID string, amount float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.charges[idempotencyKey]; ok {
		if existing.orderID != orderID || existing.amount != amount {
			return "", saga.ErrIdempotencyConflict
		}
		return existing.receiptID, saga.ErrAlreadyApplied
	}
	if c.limit > 0 && amount > c.limit {
		return "", fmt.Errorf("%w: amount %.2f exceeds limit", saga.ErrPaymentDeclined, amount)
	}
	receipt := "rcpt-" + uuid.NewString()
	c.charges[idempotencyKey] = charge{orderID: orderID, amount: amount, receiptID: receipt}
	return receipt, nil
}

// Charged returns the total amount charged for an order (for testing/inspection).
func (c *InMemoryPayments) Charged(orderID string) (float64, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total float64
	var count int
	for _, ch := range c.charges {
		if ch.orderID == orderID {
			total += ch.amount
			count++
		}
	}
	return total, count
}
