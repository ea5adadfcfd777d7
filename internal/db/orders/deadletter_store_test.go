package ordersdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"ordersaga/internal/orders/saga"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestDeadLetterStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS order_dead_letters").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if _, err := NewDeadLetterStoreWithSchema(context.Background(), db); err != nil {
		t.Fatalf("WithSchema: %v", err)
	}
}

func TestDeadLetterStore_Record(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectExec("INSERT INTO order_dead_letters").
		WithArgs("o-1", sqlmock.AnyArg(), "compensation exhausted", 3, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	letter := saga.DeadLetter{
		Order:      saga.Order{ID: "o-1", Status: saga.StatusDead},
		LastError:  "compensation exhausted",
		Attempts:   3,
		RecordedAt: at,
	}
	if err := NewDeadLetterStore(db).Record(context.Background(), letter); err != nil {
		t.Fatalf("Record: %v", err)
	}
}

func TestDeadLetterStore_RecordError(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO order_dead_letters").
		WillReturnError(errors.New("disk full"))
	mock.ExpectClose()

	if err := NewDeadLetterStore(db).Record(context.Background(), saga.DeadLetter{Order: saga.Order{ID: "o-1"}}); err == nil {
		t.Fatalf("expected insert error")
	}
}

func TestDeadLetterStore_RequiresOrderID(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)
	mock.ExpectClose()

	if err := NewDeadLetterStore(db).Record(context.Background(), saga.DeadLetter{}); err == nil {
		t.Fatalf("expected error for empty order id")
	}
}
