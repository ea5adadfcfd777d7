package orders

import (
	"context"
	"testing"
	"time"

	"ordersaga/internal/breaker"
	"ordersaga/internal/observability"
	"ordersaga/internal/orders/saga"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
)

func TestBuildSaga_InMemory(t *testing.T) {
	rel := DefaultReliabilityConfig()
	rel.BreakerFailureThreshold = 2
	listener := &transitionLog{}

	s, cleanup := BuildSaga(context.Background(), BuildConfig{
		Reliability:  rel,
		Stock:        map[string]int{"P1": 3},
		PaymentLimit: 100,
		Listener:     listener,
		Metrics:      observability.NewMetrics(),
		Logger:       zerolog.Nop(),
	})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.Orchestrator.PlaceOrder(ctx, "P1", 2, 40)
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if res.Status != saga.StatusConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", res.Status)
	}
	if _, err := s.Store.Load(ctx, res.OrderID); err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
	if got := listener.path(res.OrderID); len(got) != 3 || got[2] != saga.StatusConfirmed {
		t.Fatalf("unexpected transitions: %v", got)
	}
	if s.Inventory.State() != breaker.Closed || s.Payment.State() != breaker.Closed {
		t.Fatalf("breakers should start closed")
	}

	report, err := s.Recoverer.RecoverOnce(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if report.Scanned != 0 {
		t.Fatalf("expected nothing to recover, got %+v", report)
	}
}

func TestPostgresBackends_InitsEverySchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS orders").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS orders_status_updated_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS inventory").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS inventory_ledger").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS payments").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS order_dead_letters").WillReturnResult(sqlmock.NewResult(0, 0))

	b, err := postgresBackends(context.Background(), db, BuildConfig{PaymentLimit: 50, PostgresDeadLetters: true})
	if err != nil {
		t.Fatalf("postgresBackends: %v", err)
	}
	if b.store == nil || b.inventory == nil || b.payments == nil || b.deadLetters == nil {
		t.Fatalf("expected every backend wired: %+v", b)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
