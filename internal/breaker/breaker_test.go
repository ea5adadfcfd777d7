package breaker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ordersaga/internal/breaker"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var errTest = errors.New("test error")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type transitionLog struct {
	mu   sync.Mutex
	seen []string
}

func (l *transitionLog) record(name string, from, to breaker.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, name+":"+from.String()+"->"+to.String())
}

func (l *transitionLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.seen...)
}

type BreakerSuite struct {
	suite.Suite
	clock *fakeClock
	log   *transitionLog
	cb    *breaker.CircuitBreaker
	calls atomic.Int32
}

func TestBreakerSuite(t *testing.T) {
	suite.Run(t, new(BreakerSuite))
}

func (s *BreakerSuite) SetupTest() {
	s.clock = newFakeClock()
	s.log = &transitionLog{}
	s.calls.Store(0)
	s.cb = breaker.New("inventory", breaker.Config{
		FailureThreshold: 5,
		Cooldown:         5 * time.Second,
		Now:              s.clock.Now,
		OnStateChange:    s.log.record,
	})
}

func (s *BreakerSuite) fail(ctx context.Context) error {
	s.calls.Add(1)
	return errTest
}

func (s *BreakerSuite) succeed(ctx context.Context) error {
	s.calls.Add(1)
	return nil
}

func (s *BreakerSuite) trip() {
	for i := 0; i < 5; i++ {
		s.Require().ErrorIs(s.cb.Execute(context.Background(), s.fail), errTest)
	}
	s.Require().Equal(breaker.Open, s.cb.State())
}

func (s *BreakerSuite) TestDefaults() {
	cb := breaker.New("payment", breaker.Config{})

	s.Equal("payment", cb.Name())
	s.Equal(breaker.Closed, cb.State())
	s.Zero(cb.Failures())
}

func (s *BreakerSuite) TestOpensAfterThresholdAndFailsFast() {
	for i := 0; i < 4; i++ {
		s.ErrorIs(s.cb.Execute(context.Background(), s.fail), errTest)
		s.Equal(breaker.Closed, s.cb.State())
	}
	s.ErrorIs(s.cb.Execute(context.Background(), s.fail), errTest)
	s.Equal(breaker.Open, s.cb.State())

	err := s.cb.Execute(context.Background(), s.succeed)
	s.ErrorIs(err, breaker.ErrCircuitOpen)
	s.True(breaker.IsOpen(err))
	s.EqualValues(5, s.calls.Load(), "sixth call must not reach the dependency")
}

func (s *BreakerSuite) TestSuccessResetsCounterWhileClosed() {
	for i := 0; i < 4; i++ {
		_ = s.cb.Execute(context.Background(), s.fail)
	}
	s.Equal(4, s.cb.Failures())

	s.NoError(s.cb.Execute(context.Background(), s.succeed))
	s.Zero(s.cb.Failures())

	for i := 0; i < 4; i++ {
		_ = s.cb.Execute(context.Background(), s.fail)
	}
	s.Equal(breaker.Closed, s.cb.State())
}

func (s *BreakerSuite) TestStaysOpenDuringCooldown() {
	s.trip()

	s.clock.Advance(4999 * time.Millisecond)
	s.ErrorIs(s.cb.Execute(context.Background(), s.succeed), breaker.ErrCircuitOpen)
	s.EqualValues(5, s.calls.Load())
}

func (s *BreakerSuite) TestSuccessfulProbeCloses() {
	s.trip()
	s.clock.Advance(5 * time.Second)

	s.NoError(s.cb.Execute(context.Background(), s.succeed))
	s.Equal(breaker.Closed, s.cb.State())
	s.Zero(s.cb.Failures())
	s.Equal([]string{
		"inventory:closed->open",
		"inventory:open->half-open",
		"inventory:half-open->closed",
	}, s.log.all())
}

func (s *BreakerSuite) TestFailedProbeReopensAndRestartsCooldown() {
	s.trip()
	s.clock.Advance(5 * time.Second)

	s.ErrorIs(s.cb.Execute(context.Background(), s.fail), errTest)
	s.Equal(breaker.Open, s.cb.State())

	s.clock.Advance(4 * time.Second)
	s.ErrorIs(s.cb.Execute(context.Background(), s.succeed), breaker.ErrCircuitOpen)

	s.clock.Advance(time.Second)
	s.NoError(s.cb.Execute(context.Background(), s.succeed))
	s.Equal(breaker.Closed, s.cb.State())
}

func (s *BreakerSuite) TestHalfOpenAdmitsExactlyOneProbe() {
	s.trip()
	s.clock.Advance(5 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	probeErr := make(chan error, 1)
	go func() {
		probeErr <- s.cb.Execute(context.Background(), func(ctx context.Context) error {
			s.calls.Add(1)
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	const callers = 32
	var wg sync.WaitGroup
	var rejected atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.cb.Execute(context.Background(), s.succeed); errors.Is(err, breaker.ErrCircuitOpen) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	s.EqualValues(callers, rejected.Load())
	s.EqualValues(6, s.calls.Load(), "only the probe reaches the dependency")

	close(release)
	s.NoError(<-probeErr)
	s.Equal(breaker.Closed, s.cb.State())
}

func (s *BreakerSuite) TestConcurrentAdmissionAfterCooldownElectsOneProbe() {
	s.trip()
	s.clock.Advance(5 * time.Second)

	release := make(chan struct{})
	var admitted atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.cb.Execute(context.Background(), func(ctx context.Context) error {
				admitted.Add(1)
				<-release
				return nil
			})
		}()
	}

	s.Eventually(func() bool {
		return len(errs) == 15
	}, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	var open int
	for err := range errs {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			open++
		}
	}
	s.EqualValues(1, admitted.Load())
	s.Equal(15, open)
}

func (s *BreakerSuite) TestIgnoredErrorsDoNotTrip() {
	errDeclined := errors.New("declined")
	cb := breaker.New("payment", breaker.Config{
		FailureThreshold: 2,
		Now:              s.clock.Now,
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, errDeclined)
		},
	})

	for i := 0; i < 10; i++ {
		s.ErrorIs(cb.Execute(context.Background(), func(context.Context) error { return errDeclined }), errDeclined)
	}
	s.Equal(breaker.Closed, cb.State())
}

func (s *BreakerSuite) TestLateClosedResultDoesNotOverrideOpen() {
	cb := breaker.New("inventory", breaker.Config{FailureThreshold: 1, Now: s.clock.Now})

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	s.ErrorIs(cb.Execute(context.Background(), s.fail), errTest)
	s.Equal(breaker.Open, cb.State())

	close(release)
	s.NoError(<-done)
	s.Equal(breaker.Open, cb.State())
}

func (s *BreakerSuite) TestCallerCancellationIsNotCounted() {
	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		err := s.cb.Execute(ctx, func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		})
		s.ErrorIs(err, context.Canceled)
	}
	s.Equal(breaker.Closed, s.cb.State())
	s.Zero(s.cb.Failures())
	s.Empty(s.log.all())
}

func (s *BreakerSuite) TestCancelledProbeReleasesSlot() {
	s.trip()
	s.clock.Advance(5 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	err := s.cb.Execute(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	s.ErrorIs(err, context.Canceled)
	s.Equal(breaker.HalfOpen, s.cb.State())

	s.NoError(s.cb.Execute(context.Background(), s.succeed))
	s.Equal(breaker.Closed, s.cb.State())
}

func TestNilBreakerRunsFunction(t *testing.T) {
	var cb *breaker.CircuitBreaker
	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	require.True(t, called)
}

func TestRunReturnsValue(t *testing.T) {
	cb := breaker.New("payment", breaker.Config{})

	got, err := breaker.Run(context.Background(), cb, func(context.Context) (string, error) {
		return "receipt-1", nil
	})
	require.NoError(t, err)
	require.Equal(t, "receipt-1", got)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "closed", breaker.Closed.String())
	require.Equal(t, "open", breaker.Open.String())
	require.Equal(t, "half-open", breaker.HalfOpen.String())
	require.Equal(t, "unknown", breaker.State(42).String())
}
