package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RedisConfig holds Redis connection settings for the dead-letter stream.
type RedisConfig struct {
	URL                string
	Stream             string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	StreamMaxLen       int64
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// GRPCConfig holds the listen address and ingress rate limiting settings.
// A zero interval or burst disables rate limiting.
type GRPCConfig struct {
	Addr              string
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// ObservabilityConfig holds the HTTP address for metrics, health and the
// live order feed.
type ObservabilityConfig struct {
	Addr string
}

// Dead-letter backends.
const (
	DeadLetterLog      = "log"
	DeadLetterPostgres = "postgres"
	DeadLetterRedis    = "redis"
	DeadLetterKafka    = "kafka"
	DeadLetterFile     = "file"
)

// DeadLetterConfig selects where irrecoverable orders are recorded. Several
// backends may be listed; each record is written to all of them.
type DeadLetterConfig struct {
	Backends     []string
	Stream       string
	KafkaBrokers []string
	Topic        string
	File         string
}

// Has reports whether backend was selected.
func (c DeadLetterConfig) Has(backend string) bool {
	for _, b := range c.Backends {
		if b == backend {
			return true
		}
	}
	return false
}

// AppConfig holds process-wide settings.
type AppConfig struct {
	Env            string
	LogLevel       string
	DatabaseURL    string
	JaegerEndpoint string
	PaymentLimit   float64
	SeedStock      map[string]int
}

const (
	defaultGRPCAddr           = ":50051"
	defaultObsAddr            = ":9090"
	defaultHealthcheckTimeout = 2 * time.Second
)

// LoadApp reads process settings from env.
func LoadApp() (AppConfig, error) {
	cfg := AppConfig{
		Env:            strings.TrimSpace(os.Getenv("APP_ENV")),
		LogLevel:       strings.TrimSpace(os.Getenv("LOG_LEVEL")),
		DatabaseURL:    strings.TrimSpace(os.Getenv("DATABASE_URL")),
		JaegerEndpoint: strings.TrimSpace(os.Getenv("OTEL_JAEGER_ENDPOINT")),
	}

	var err error
	if cfg.PaymentLimit, err = optionalFloat("ORDERS_PAYMENT_LIMIT"); err != nil {
		return cfg, err
	}
	if cfg.SeedStock, err = parseStock(os.Getenv("ORDERS_SEED_STOCK")); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Production reports whether APP_ENV is production.
func (c AppConfig) Production() bool {
	return c.Env == "production"
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		Stream:             strings.TrimSpace(os.Getenv("REDIS_STREAM")),
		HealthcheckTimeout: defaultHealthcheckTimeout,
	}

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if d, err := optionalDuration("REDIS_HEALTHCHECK_TIMEOUT"); err != nil {
		return cfg, err
	} else if d != nil {
		cfg.HealthcheckTimeout = *d
	}
	if n, err := optionalInt64("DEAD_LETTER_STREAM_MAXLEN"); err != nil {
		return cfg, err
	} else if n != nil {
		if *n < 0 {
			return cfg, fmt.Errorf("DEAD_LETTER_STREAM_MAXLEN must not be negative")
		}
		cfg.StreamMaxLen = *n
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadGRPC reads the gRPC listen address and optional rate limit from env.
func LoadGRPC() (GRPCConfig, error) {
	cfg := GRPCConfig{Addr: optionalString("GRPC_ADDR", defaultGRPCAddr)}

	interval, err := optionalDuration("GRPC_RATE_LIMIT_INTERVAL")
	if err != nil {
		return cfg, err
	}
	burst, err := optionalInt("GRPC_RATE_LIMIT_BURST")
	if err != nil {
		return cfg, err
	}
	if (interval == nil) != (burst == nil) {
		return cfg, errors.New("GRPC_RATE_LIMIT_INTERVAL and GRPC_RATE_LIMIT_BURST must be set together")
	}
	if interval != nil {
		cfg.RateLimitInterval = *interval
		cfg.RateLimitBurst = *burst
	}
	return cfg, nil
}

// LoadObservability reads the observability HTTP server address from env.
func LoadObservability() (ObservabilityConfig, error) {
	return ObservabilityConfig{Addr: optionalString("OBS_ADDR", defaultObsAddr)}, nil
}

// LoadDeadLetter reads the dead-letter backend selection from env.
// DEAD_LETTER_BACKEND is a comma-separated list and defaults to log.
func LoadDeadLetter() (DeadLetterConfig, error) {
	cfg := DeadLetterConfig{
		Stream: strings.TrimSpace(os.Getenv("DEAD_LETTER_STREAM")),
		Topic:  strings.TrimSpace(os.Getenv("DEAD_LETTER_TOPIC")),
		File:   strings.TrimSpace(os.Getenv("DEAD_LETTER_FILE")),
	}

	for _, b := range splitList(optionalString("DEAD_LETTER_BACKEND", DeadLetterLog)) {
		b = strings.ToLower(b)
		switch b {
		case DeadLetterLog, DeadLetterPostgres, DeadLetterRedis, DeadLetterKafka, DeadLetterFile:
		default:
			return cfg, fmt.Errorf("DEAD_LETTER_BACKEND: unknown backend %q", b)
		}
		if !cfg.Has(b) {
			cfg.Backends = append(cfg.Backends, b)
		}
	}

	if cfg.Has(DeadLetterKafka) {
		brokers, err := requiredString("KAFKA_BROKERS")
		if err != nil {
			return cfg, err
		}
		cfg.KafkaBrokers = splitList(brokers)
		if len(cfg.KafkaBrokers) == 0 {
			return cfg, errors.New("KAFKA_BROKERS lists no brokers")
		}
	}
	if cfg.Has(DeadLetterFile) && cfg.File == "" {
		return cfg, errors.New("DEAD_LETTER_FILE is required for the file backend")
	}
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseStock reads "P1=10,P2=5".
func parseStock(raw string) (map[string]int, error) {
	stock := make(map[string]int)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		product, qty, ok := strings.Cut(pair, "=")
		product = strings.TrimSpace(product)
		if !ok || product == "" {
			return nil, fmt.Errorf("ORDERS_SEED_STOCK: malformed entry %q", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(qty))
		if err != nil {
			return nil, fmt.Errorf("ORDERS_SEED_STOCK: %s: %w", product, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("ORDERS_SEED_STOCK: %s must be >= 0", product)
		}
		stock[product] = n
	}
	return stock, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func optionalString(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func optionalDuration(name string) (*time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt(name string) (*int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalInt64(name string) (*int64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, nil
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return nil, fmt.Errorf("%s must be >= 0", name)
	}
	return &val, nil
}

func optionalFloat(name string) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return 0, nil
	}
	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("%s must be >= 0", name)
	}
	return val, nil
}

func optionalBool(name string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, nil
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}
	return val, nil
}

func requiredString(name string) (string, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return raw, nil
}
