package circuit_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventcore/pkg/eventcore/circuit"
	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
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

var errBoom = errors.New("boom")

func failing(calls *atomic.Int32) func(context.Context) error {
	return func(context.Context) error {
		calls.Add(1)
		return errBoom
	}
}

func ok(calls *atomic.Int32) func(context.Context) error {
	return func(context.Context) error {
		calls.Add(1)
		return nil
	}
}

func newBreaker(clock *fakeClock, onChange func(string, circuit.State, circuit.State)) *circuit.Breaker {
	return circuit.New(circuit.Config{
		Name:              "api",
		FailureThreshold:  3,
		SuccessThreshold:  2,
		MinimumThroughput: 2,
		Timeout:           time.Minute,
		MonitoringPeriod:  time.Minute,
		OnStateChange:     onChange,
		Now:               clock.Now,
	})
}

func TestBreaker_OpensAfterThresholdAndRejects(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := newBreaker(clock, func(_ string, from, to circuit.State) {
		transitions = append(transitions, string(from)+"->"+string(to))
	})

	var calls atomic.Int32
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := b.Execute(ctx, failing(&calls))
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, circuit.StateOpen, b.State())

	err := b.Execute(ctx, failing(&calls))
	var openErr *ecerrors.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "api", openErr.Name)
	assert.Equal(t, int32(3), calls.Load(), "rejected call must not run")
	assert.True(t, ecerrors.IsIsolation(err))

	status := b.Status()
	assert.Equal(t, int64(1), status.Stats.Rejected)
	assert.Equal(t, int64(3), status.Stats.Failures)
	assert.InDelta(t, 100.0, status.FailureRate, 0.001)
	assert.Equal(t, []string{"closed->open"}, transitions)
}

func TestBreaker_MinimumThroughput(t *testing.T) {
	clock := newFakeClock()
	b := circuit.New(circuit.Config{
		Name:              "slow-start",
		FailureThreshold:  1,
		MinimumThroughput: 3,
		Now:               clock.Now,
	})

	var calls atomic.Int32
	_ = b.Execute(context.Background(), failing(&calls))
	_ = b.Execute(context.Background(), failing(&calls))
	assert.Equal(t, circuit.StateClosed, b.State())

	_ = b.Execute(context.Background(), failing(&calls))
	assert.Equal(t, circuit.StateOpen, b.State())
}

func TestBreaker_WindowExpires(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(clock, nil)

	var calls atomic.Int32
	_ = b.Execute(context.Background(), failing(&calls))
	_ = b.Execute(context.Background(), failing(&calls))
	clock.Advance(2 * time.Minute)
	_ = b.Execute(context.Background(), failing(&calls))

	assert.Equal(t, circuit.StateClosed, b.State())
	assert.Equal(t, 1, b.Status().WindowFailures)
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(clock, nil)
	ctx := context.Background()

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failing(&calls))
	}
	require.Equal(t, circuit.StateOpen, b.State())
	assert.False(t, b.Status().NextAttempt.IsZero())

	clock.Advance(time.Minute)
	require.NoError(t, b.Execute(ctx, ok(&calls)))
	assert.Equal(t, circuit.StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, ok(&calls)))
	assert.Equal(t, circuit.StateClosed, b.State())
	assert.Equal(t, 0, b.Status().WindowCalls)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newBreaker(clock, nil)
	ctx := context.Background()

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, failing(&calls))
	}
	clock.Advance(time.Minute)

	assert.ErrorIs(t, b.Execute(ctx, failing(&calls)), errBoom)
	assert.Equal(t, circuit.StateOpen, b.State())

	var openErr *ecerrors.CircuitOpenError
	assert.ErrorAs(t, b.Execute(ctx, ok(&calls)), &openErr)
}

func TestBreaker_CallTimeout(t *testing.T) {
	b := circuit.New(circuit.Config{
		Name:        "timeout",
		CallTimeout: 20 * time.Millisecond,
	})

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		return nil
	})
	var timeoutErr *ecerrors.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, int64(1), b.Status().Stats.Timeouts)
	assert.Equal(t, int64(1), b.Status().Stats.Failures)
}

func TestBreaker_PanicIsFailure(t *testing.T) {
	b := circuit.New(circuit.Config{Name: "panics"})
	err := b.Execute(context.Background(), func(context.Context) error {
		panic("kaboom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, int64(1), b.Status().Stats.Failures)
}

func TestDo_ReturnsValue(t *testing.T) {
	b := circuit.New(circuit.Config{Name: "value"})
	v, err := circuit.Do(context.Background(), b, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestBreaker_SlowCalls(t *testing.T) {
	counting := circuit.New(circuit.Config{Name: "slow"})
	counting.Record(10*time.Second, nil)
	counting.Record(time.Millisecond, nil)
	assert.Equal(t, int64(1), counting.Status().Stats.SlowCalls)
	assert.Equal(t, circuit.StateClosed, counting.State())

	disabled := circuit.New(circuit.Config{Name: "unbounded", SlowCallThreshold: -1})
	disabled.Record(10*time.Second, nil)
	assert.Zero(t, disabled.Status().Stats.SlowCalls)
}

func TestBreaker_ForceAndReset(t *testing.T) {
	b := circuit.New(circuit.Config{Name: "manual"})

	b.ForceOpen()
	assert.Equal(t, circuit.StateOpen, b.State())

	b.ForceClose()
	assert.Equal(t, circuit.StateClosed, b.State())

	var calls atomic.Int32
	_ = b.Execute(context.Background(), failing(&calls))
	b.ForceOpen()
	b.Reset()
	assert.Equal(t, circuit.StateClosed, b.State())
	assert.Equal(t, circuit.Stats{}, b.Status().Stats)
}

func TestRegistry(t *testing.T) {
	clock := newFakeClock()
	reg := circuit.NewRegistry(circuit.Config{
		FailureThreshold:  1,
		MinimumThroughput: 1,
		Now:               clock.Now,
	})

	a := reg.Get("a", nil)
	assert.Same(t, a, reg.Get("a", nil))
	reg.Get("b", &circuit.Config{FailureThreshold: 10})

	err := reg.Execute(context.Background(), "a", func(context.Context) error { return errBoom })
	assert.ErrorIs(t, err, errBoom)

	assert.Equal(t, []string{"a", "b"}, reg.Names())
	assert.Equal(t, []string{"a"}, reg.Unhealthy())
	assert.Equal(t, []string{"a"}, reg.Open())
	assert.Equal(t, []string{"b"}, reg.Healthy())

	statuses := reg.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, circuit.StateOpen, statuses["a"].State)

	reg.ResetAll()
	assert.Empty(t, reg.Unhealthy())

	assert.True(t, reg.Remove("b"))
	assert.False(t, reg.Remove("b"))
	_, found := reg.Lookup("b")
	assert.False(t, found)
}
