package orders

import (
	"context"
	"database/sql"
	"time"

	"ordersaga/internal/breaker"
	ordersdb "ordersaga/internal/db/orders"
	"ordersaga/internal/deadletter"
	"ordersaga/internal/observability"
	"ordersaga/internal/orders/saga"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

// BuildConfig selects the backends the saga is wired against.
type BuildConfig struct {
	// DSN enables Postgres orders, inventory, payments and (optionally) the
	// dead-letter table. Empty means in-memory.
	DSN         string
	Reliability ReliabilityConfig
	// Stock seeds the in-memory inventory.
	Stock        map[string]int
	PaymentLimit float64
	// DeadLetters receives irrecoverable orders. With PostgresDeadLetters and
	// a working DSN, the order_dead_letters table is written as well.
	DeadLetters         saga.DeadLetterSink
	PostgresDeadLetters bool
	Listener            TransitionListener
	Metrics             *observability.Metrics
	Logger              zerolog.Logger
}

// Saga groups the wired components.
type Saga struct {
	Orchestrator *Orchestrator
	Recoverer    *Recoverer
	Store        saga.OrderStore
	Inventory    *breaker.CircuitBreaker
	Payment      *breaker.CircuitBreaker
}

type backends struct {
	store       saga.OrderStore
	inventory   InventoryService
	payments    PaymentService
	deadLetters saga.DeadLetterSink
}

// BuildSaga wires an Orchestrator from cfg. If the DSN is empty or Postgres
// initialization fails, it falls back to in-memory stores and services.
// The returned cleanup closes any external resources.
func BuildSaga(ctx context.Context, cfg BuildConfig) (*Saga, func()) {
	logger := cfg.Logger
	cleanup := func() {}

	b := backends{
		store:     saga.NewMemoryStore(),
		inventory: NewInMemoryInventory(cfg.Stock),
		payments:  NewInMemoryPayments(cfg.PaymentLimit),
	}

	if cfg.DSN != "" {
		sqlDB, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			logger.Warn().Err(err).Msg("postgres open failed, falling back to in-memory stores")
		} else {
			setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			pg, err := postgresBackends(setupCtx, sqlDB, cfg)
			if err != nil {
				logger.Warn().Err(err).Msg("postgres init failed, falling back to in-memory stores")
				_ = sqlDB.Close()
			} else {
				logger.Info().Msg("postgres stores enabled")
				b = pg
				cleanup = func() {
					if err := sqlDB.Close(); err != nil {
						logger.Error().Err(err).Msg("close postgres")
					}
				}
			}
		}
	}

	primary := deadletter.Combine(b.deadLetters, cfg.DeadLetters)

	onStateChange := func(name string, from, to breaker.State) {
		cfg.Metrics.BreakerStateChanged(name, from, to)
		logger.Warn().Str("dependency", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
	}
	rel := cfg.Reliability
	inventoryBreaker := breaker.New("inventory", rel.BreakerConfig(onStateChange))
	paymentBreaker := breaker.New("payment", rel.BreakerConfig(onStateChange))

	inventory := NewInventoryAdapter(b.inventory, inventoryBreaker, rel.CallTimeout)
	payments := NewPaymentAdapter(b.payments, paymentBreaker, rel.CallTimeout)
	compensator := NewCompensationExecutor(inventory, rel.CompensationPolicy(), cfg.Metrics, logger)
	sink := NewFallbackSink(primary, rel.DeadLetterTimeout, cfg.Metrics, logger)

	opts := []Option{WithLogger(logger), WithMetrics(cfg.Metrics)}
	if cfg.Listener != nil {
		opts = append(opts, WithListener(cfg.Listener))
	}
	orch := NewOrchestrator(b.store, inventory, payments, compensator, sink, opts...)

	recoverer := NewRecoverer(b.store, orch, RecovererConfig{
		Grace:       rel.RecoveryGrace,
		Concurrency: rel.RecoveryConcurrency,
		Metrics:     cfg.Metrics,
		Logger:      logger,
	})

	return &Saga{
		Orchestrator: orch,
		Recoverer:    recoverer,
		Store:        b.store,
		Inventory:    inventoryBreaker,
		Payment:      paymentBreaker,
	}, cleanup
}

func postgresBackends(ctx context.Context, db *sql.DB, cfg BuildConfig) (backends, error) {
	store, err := ordersdb.NewOrderStoreWithSchema(ctx, db)
	if err != nil {
		return backends{}, err
	}
	inventory, err := ordersdb.NewInventoryServiceWithSchema(ctx, db)
	if err != nil {
		return backends{}, err
	}
	payments, err := ordersdb.NewPaymentServiceWithSchema(ctx, db, cfg.PaymentLimit)
	if err != nil {
		return backends{}, err
	}
	b := backends{store: store, inventory: inventory, payments: payments}
	if cfg.PostgresDeadLetters {
		letters, err := ordersdb.NewDeadLetterStoreWithSchema(ctx, db)
		if err != nil {
			return backends{}, err
		}
		b.deadLetters = letters
	}
	return b, nil
}
