package orders

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"ordersaga/internal/breaker"

	"gopkg.in/yaml.v3"
)

// ReliabilityConfig holds the tunables of the saga's remote calls.
type ReliabilityConfig struct {
	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold"`
	BreakerCooldown         time.Duration `yaml:"breaker_cooldown"`
	CallTimeout             time.Duration `yaml:"call_timeout"`
	CompensationMaxAttempts int           `yaml:"compensation_max_attempts"`
	CompensationBaseDelay   time.Duration `yaml:"compensation_base_delay"`
	CompensationMaxDelay    time.Duration `yaml:"compensation_max_delay"`
	RecoverySchedule        string        `yaml:"recovery_schedule"`
	RecoveryGrace           time.Duration `yaml:"recovery_grace"`
	RecoveryConcurrency     int           `yaml:"recovery_concurrency"`
	DeadLetterTimeout       time.Duration `yaml:"dead_letter_timeout"`
}

// DefaultCallTimeout bounds each dependency call.
const DefaultCallTimeout = 2 * time.Second

// DefaultReliabilityConfig returns the built-in values.
func DefaultReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		BreakerFailureThreshold: breaker.DefaultFailureThreshold,
		BreakerCooldown:         breaker.DefaultCooldown,
		CallTimeout:             DefaultCallTimeout,
		CompensationMaxAttempts: DefaultCompensationAttempts,
		CompensationBaseDelay:   DefaultCompensationBaseDelay,
		CompensationMaxDelay:    DefaultCompensationMaxDelay,
		RecoverySchedule:        DefaultRecoverySchedule,
		RecoveryGrace:           DefaultRecoveryGrace,
		RecoveryConcurrency:     DefaultRecoveryConcurrency,
		DeadLetterTimeout:       DefaultDeadLetterTimeout,
	}
}

// LoadReliabilityConfig starts from the defaults, applies the YAML file named
// by ORDERS_CONFIG_FILE when set, then applies ORDERS_* environment overrides.
func LoadReliabilityConfig() (ReliabilityConfig, error) {
	cfg := DefaultReliabilityConfig()
	if path := strings.TrimSpace(os.Getenv("ORDERS_CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read ORDERS_CONFIG_FILE: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := applyReliabilityEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyReliabilityEnv(cfg *ReliabilityConfig) error {
	ints := []struct {
		name string
		dst  *int
	}{
		{"ORDERS_BREAKER_FAILURE_THRESHOLD", &cfg.BreakerFailureThreshold},
		{"ORDERS_COMPENSATION_MAX_ATTEMPTS", &cfg.CompensationMaxAttempts},
		{"ORDERS_RECOVERY_CONCURRENCY", &cfg.RecoveryConcurrency},
	}
	for _, v := range ints {
		if err := parseOptionalInt(v.name, v.dst); err != nil {
			return err
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"ORDERS_BREAKER_COOLDOWN", &cfg.BreakerCooldown},
		{"ORDERS_CALL_TIMEOUT", &cfg.CallTimeout},
		{"ORDERS_COMPENSATION_BASE_DELAY", &cfg.CompensationBaseDelay},
		{"ORDERS_COMPENSATION_MAX_DELAY", &cfg.CompensationMaxDelay},
		{"ORDERS_RECOVERY_GRACE", &cfg.RecoveryGrace},
		{"ORDERS_DEAD_LETTER_TIMEOUT", &cfg.DeadLetterTimeout},
	}
	for _, v := range durations {
		if err := parseOptionalDuration(v.name, v.dst); err != nil {
			return err
		}
	}

	if raw := strings.TrimSpace(os.Getenv("ORDERS_RECOVERY_SCHEDULE")); raw != "" {
		cfg.RecoverySchedule = raw
	}
	return nil
}

// Validate rejects values the saga cannot run with.
func (c ReliabilityConfig) Validate() error {
	switch {
	case c.BreakerFailureThreshold < 1:
		return errors.New("breaker failure threshold must be >= 1")
	case c.BreakerCooldown <= 0:
		return errors.New("breaker cooldown must be > 0")
	case c.CompensationMaxAttempts < 1:
		return errors.New("compensation max attempts must be >= 1")
	case c.CompensationMaxDelay > 0 && c.CompensationBaseDelay > c.CompensationMaxDelay:
		return errors.New("compensation base delay must not exceed max delay")
	case c.RecoveryConcurrency < 1:
		return errors.New("recovery concurrency must be >= 1")
	}
	if _, err := ParseSchedule(c.RecoverySchedule); err != nil {
		return err
	}
	return nil
}

// BreakerConfig returns breaker settings that ignore business rejections.
func (c ReliabilityConfig) BreakerConfig(onStateChange func(name string, from, to breaker.State)) breaker.Config {
	return breaker.Config{
		FailureThreshold: c.BreakerFailureThreshold,
		Cooldown:         c.BreakerCooldown,
		IsFailure:        CountsAsFailure,
		OnStateChange:    onStateChange,
	}
}

// CompensationPolicy returns the retry policy for compensating calls.
func (c ReliabilityConfig) CompensationPolicy() CompensationPolicy {
	return CompensationPolicy{
		MaxAttempts: c.CompensationMaxAttempts,
		BaseDelay:   c.CompensationBaseDelay,
		MaxDelay:    c.CompensationMaxDelay,
	}
}

func parseOptionalDuration(name string, dst *time.Duration) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return errors.New(name + " must be >= 0")
	}
	*dst = val
	return nil
}

func parseOptionalInt(name string, dst *int) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return errors.New(name + " must be >= 0")
	}
	*dst = val
	return nil
}
