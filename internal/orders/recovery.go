package orders

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"ordersaga/internal/logging"
	"ordersaga/internal/observability"
	"ordersaga/internal/orders/saga"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Recovery defaults.
const (
	DefaultRecoverySchedule    = "*/1 * * * *"
	DefaultRecoveryGrace       = 30 * time.Second
	DefaultRecoveryConcurrency = 4
)

// Resumer continues a stalled order.
type Resumer interface {
	Resume(ctx context.Context, orderID string) (OrderResult, error)
}

// RecoveryReport summarizes one recovery pass.
type RecoveryReport struct {
	Scanned int
	Resumed int
	Failed  int
}

// Recoverer finds orders left in a non-terminal status and resumes them.
type Recoverer struct {
	store       saga.OrderStore
	resumer     Resumer
	grace       time.Duration
	concurrency int
	now         func() time.Time
	metrics     *observability.Metrics
	logger      zerolog.Logger
}

// RecovererConfig configures a Recoverer.
type RecovererConfig struct {
	// Grace skips orders updated more recently than this; they may still be in flight.
	Grace       time.Duration
	Concurrency int
	Now         func() time.Time
	Metrics     *observability.Metrics
	Logger      zerolog.Logger
}

func NewRecoverer(store saga.OrderStore, resumer Resumer, cfg RecovererConfig) *Recoverer {
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultRecoveryConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Recoverer{
		store:       store,
		resumer:     resumer,
		grace:       cfg.Grace,
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// RecoverOnce resumes every stalled order. A failure on one order does not
// stop the others; only a listing error or ctx ending fails the pass.
func (r *Recoverer) RecoverOnce(ctx context.Context) (RecoveryReport, error) {
	stalled, err := r.store.ListByStatus(ctx, saga.NonTerminalStatuses(), r.now().Add(-r.grace))
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("list stalled orders: %w", err)
	}

	var resumed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, order := range stalled {
		orderID := order.ID
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			res, err := r.resumer.Resume(gctx, orderID)
			r.metrics.OrderRecovered(err == nil)
			if err != nil {
				failed.Add(1)
				r.logger.Warn().Err(err).Str("order_id", orderID).Msg("recovery failed")
				return nil
			}
			resumed.Add(1)
			r.logger.Info().Str("order_id", orderID).Str("status", string(res.Status)).Msg("order recovered")
			return nil
		})
	}
	err = g.Wait()

	report := RecoveryReport{Scanned: len(stalled), Resumed: int(resumed.Load()), Failed: int(failed.Load())}
	if err == nil {
		err = ctx.Err()
	}
	return report, err
}

// ParseSchedule validates a five-field cron expression or a descriptor such as "@every 30s".
func ParseSchedule(expr string) (cron.Schedule, error) {
	schedule, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid recovery schedule %q: %w", expr, err)
	}
	return schedule, nil
}

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Run performs one pass immediately, then one per schedule tick until ctx
// ends. Overlapping ticks are skipped.
func (r *Recoverer) Run(ctx context.Context, expr string) error {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return err
	}

	pass := func() {
		if ctx.Err() != nil {
			return
		}
		report, err := r.RecoverOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("recovery pass failed")
			return
		}
		if report.Scanned > 0 {
			r.logger.Info().Int("scanned", report.Scanned).Int("resumed", report.Resumed).Int("failed", report.Failed).Msg("recovery pass finished")
		}
	}

	pass()
	c := cron.New(cron.WithParser(scheduleParser), cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(logging.Printf(r.logger)))))
	c.Schedule(schedule, cron.FuncJob(pass))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
