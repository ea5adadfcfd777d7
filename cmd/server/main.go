package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ordersaga/cmd/server/config"
	"ordersaga/internal/adapters/grpc"
	"ordersaga/internal/logging"
	"ordersaga/internal/observability"
	"ordersaga/internal/orders"
	"ordersaga/internal/realtime"
	"ordersaga/internal/tracing"

	"github.com/rs/zerolog"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const serviceName = "ordersaga"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fallback := zerolog.New(os.Stderr).With().Timestamp().Str("service", serviceName).Logger()
		fallback.Fatal().Err(err).Msg("server error")
	}
}

func run(ctx context.Context) error {
	appCfg, err := config.LoadApp()
	if err != nil {
		return err
	}
	logger, err := logging.New(serviceName, appCfg.LogLevel, os.Stdout)
	if err != nil {
		return err
	}

	tp, err := tracing.InitTracerProvider(serviceName, appCfg.JaegerEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx, tp); err != nil {
			logger.Error().Err(err).Msg("tracer shutdown")
		}
	}()

	reliability, err := orders.LoadReliabilityConfig()
	if err != nil {
		return err
	}
	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	obsCfg, err := config.LoadObservability()
	if err != nil {
		return err
	}
	dlCfg, err := config.LoadDeadLetter()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	hub := realtime.NewHub(256, logger)
	go hub.Run(ctx)

	deadLetters, err := buildDeadLetterBackend(ctx, dlCfg, logger)
	if err != nil {
		return err
	}
	defer deadLetters.cleanup()

	sagaSvc, cleanup := orders.BuildSaga(ctx, orders.BuildConfig{
		DSN:                 appCfg.DatabaseURL,
		Reliability:         reliability,
		Stock:               appCfg.SeedStock,
		PaymentLimit:        appCfg.PaymentLimit,
		DeadLetters:         deadLetters.sink,
		PostgresDeadLetters: deadLetters.postgres,
		Listener:            realtime.NewOrderFeed(hub, logger),
		Metrics:             metrics,
		Logger:              logger,
	})
	defer cleanup()

	lis, err := net.Listen("tcp", grpcCfg.Addr)
	if err != nil {
		return err
	}

	limiter := newGrpcRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst, metrics.AddRateLimitWait)
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics, logger)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics, logger)),
	)
	grpc.RegisterOrderServiceServer(server, grpc.NewOrderServer(sagaSvc.Orchestrator))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(grpc.OrderServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if !appCfg.Production() {
		reflection.Register(server)
		logger.Info().Str("app_env", appCfg.Env).Msg("gRPC reflection enabled")
	}

	obsSrv := startObservabilityServer(obsCfg, metrics, hub, logger)

	go func() {
		if err := sagaSvc.Recoverer.Run(ctx, reliability.RecoverySchedule); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("recovery loop stopped")
		}
	}()

	logger.Info().Str("addr", grpcCfg.Addr).Msg("server running")
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		healthServer.SetServingStatus(grpc.OrderServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		server.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = obsSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func newObservabilityMux(metrics *observability.Metrics, hub *realtime.Hub) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))
	mux.Handle("/ws/orders", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func startObservabilityServer(cfg config.ObservabilityConfig, metrics *observability.Metrics, hub *realtime.Hub, logger zerolog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newObservabilityMux(metrics, hub),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("observability server error")
		}
	}()
	return srv
}
