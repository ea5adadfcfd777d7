package main

import (
	"context"

	"ordersaga/cmd/server/config"
	"ordersaga/internal/deadletter"
	"ordersaga/internal/orders/saga"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// deadLetterBackend holds the external sinks chosen by DEAD_LETTER_BACKEND.
// The postgres backend lives in the order database and is wired by the saga
// builder.
type deadLetterBackend struct {
	sink     saga.DeadLetterSink
	postgres bool
	closers  []func() error
	logger   zerolog.Logger
}

func (b *deadLetterBackend) cleanup() {
	for _, closeFn := range b.closers {
		if err := closeFn(); err != nil {
			b.logger.Error().Err(err).Msg("close dead letter sink")
		}
	}
}

func buildDeadLetterBackend(ctx context.Context, cfg config.DeadLetterConfig, logger zerolog.Logger) (*deadLetterBackend, error) {
	backend := &deadLetterBackend{postgres: cfg.Has(config.DeadLetterPostgres), logger: logger}
	var sinks []saga.DeadLetterSink

	if cfg.Has(config.DeadLetterRedis) {
		redisCfg, err := config.LoadRedis()
		if err != nil {
			backend.cleanup()
			return nil, err
		}
		client, err := newRedisClient(ctx, redisCfg)
		if err != nil {
			backend.cleanup()
			return nil, err
		}
		backend.closers = append(backend.closers, client.Close)
		stream := redisCfg.Stream
		if cfg.Stream != "" {
			stream = cfg.Stream
		}
		sinks = append(sinks, deadletter.NewRedisStreamSink(client, stream, redisCfg.StreamMaxLen))
	}
	if cfg.Has(config.DeadLetterKafka) {
		sink := deadletter.NewKafkaSink(deadletter.NewKafkaWriter(cfg.KafkaBrokers, cfg.Topic))
		backend.closers = append(backend.closers, sink.Close)
		sinks = append(sinks, sink)
	}
	if cfg.Has(config.DeadLetterFile) {
		sink, err := deadletter.NewFileSink(cfg.File)
		if err != nil {
			backend.cleanup()
			return nil, err
		}
		backend.closers = append(backend.closers, sink.Close)
		sinks = append(sinks, sink)
	}

	backend.sink = deadletter.Combine(sinks...)
	logger.Info().Strs("backends", cfg.Backends).Msg("dead letter sinks configured")
	return backend, nil
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
