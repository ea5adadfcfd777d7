// Package breaker guards calls to a single remote dependency with a
// closed/open/half-open failure detector.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen indicates the circuit breaker rejected the call without running it.
var ErrCircuitOpen = errors.New("circuit breaker open")

// IsOpen reports whether err is because the circuit is open.
func IsOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// State is the breaker mode.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Default values.
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 5 * time.Second
)

// Config configures a circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before admitting a probe.
	Cooldown time.Duration
	Now      func() time.Time
	// IsFailure decides whether an error counts against the breaker.
	// By default any non-nil error is a failure.
	IsFailure func(error) bool
	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)
}

type transition struct {
	from, to State
}

// CircuitBreaker stops calls after repeated failures. Safe for concurrent use.
type CircuitBreaker struct {
	name          string
	maxFails      int
	cooldown      time.Duration
	now           func() time.Time
	isFailure     func(error) bool
	onStateChange func(name string, from, to State)

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// New constructs a breaker for the named dependency.
func New(name string, cfg Config) *CircuitBreaker {
	maxFails := cfg.FailureThreshold
	if maxFails < 1 {
		maxFails = DefaultFailureThreshold
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	isFailure := cfg.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{
		name:          name,
		maxFails:      maxFails,
		cooldown:      cooldown,
		now:           now,
		isFailure:     isFailure,
		onStateChange: cfg.OnStateChange,
		state:         Closed,
	}
}

// Name returns the dependency name the breaker guards.
func (c *CircuitBreaker) Name() string {
	return c.name
}

// State returns the current mode. It does not advance an expired open state;
// only an admitted call does that.
func (c *CircuitBreaker) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Failures returns the consecutive failure count.
func (c *CircuitBreaker) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Execute runs fn while enforcing breaker state. A nil breaker runs fn directly.
// If ctx is done by the time fn returns, the outcome is not recorded.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if c == nil {
		return fn(ctx)
	}

	probe, changed, err := c.admit()
	c.notify(changed)
	if err != nil {
		return err
	}

	fnErr := fn(ctx)

	if ctx.Err() != nil {
		c.abandon(probe)
		return fnErr
	}
	c.notify(c.record(probe, fnErr))
	return fnErr
}

// Run executes fn with breaker protection and returns its value.
func Run[T any](ctx context.Context, c *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := c.Execute(ctx, func(ctx context.Context) error {
		var fnErr error
		result, fnErr = fn(ctx)
		return fnErr
	})
	return result, err
}

func (c *CircuitBreaker) admit() (bool, *transition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Open:
		if c.now().Sub(c.openedAt) < c.cooldown {
			return false, nil, ErrCircuitOpen
		}
		changed := c.setState(HalfOpen)
		c.probeInFlight = true
		return true, changed, nil
	case HalfOpen:
		if c.probeInFlight {
			return false, nil, ErrCircuitOpen
		}
		c.probeInFlight = true
		return true, nil, nil
	}
	return false, nil, nil
}

func (c *CircuitBreaker) record(probe bool, err error) *transition {
	c.mu.Lock()
	defer c.mu.Unlock()

	failed := c.isFailure(err)

	if probe {
		c.probeInFlight = false
		if failed {
			return c.setState(Open)
		}
		return c.setState(Closed)
	}

	// A closed-state call that finishes after another caller tripped the
	// breaker does not affect the new state.
	if c.state != Closed {
		return nil
	}
	if !failed {
		c.failures = 0
		return nil
	}
	c.failures++
	if c.failures >= c.maxFails {
		return c.setState(Open)
	}
	return nil
}

// abandon releases a probe slot without changing state, so the next call
// becomes the probe.
func (c *CircuitBreaker) abandon(probe bool) {
	if !probe {
		return
	}
	c.mu.Lock()
	c.probeInFlight = false
	c.mu.Unlock()
}

func (c *CircuitBreaker) setState(to State) *transition {
	if c.state == to {
		if to == Open {
			c.openedAt = c.now()
		}
		return nil
	}
	from := c.state
	c.state = to
	c.failures = 0
	if to == Open {
		c.openedAt = c.now()
	}
	return &transition{from: from, to: to}
}

func (c *CircuitBreaker) notify(t *transition) {
	if t == nil || c.onStateChange == nil {
		return
	}
	c.onStateChange(c.name, t.from, t.to)
}
