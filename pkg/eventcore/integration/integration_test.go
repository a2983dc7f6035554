package integration_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventcore/pkg/eventcore/circuit"
	"github.com/randalmurphal/eventcore/pkg/eventcore/config"
	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/health"
	"github.com/randalmurphal/eventcore/pkg/eventcore/integration"
	"github.com/randalmurphal/eventcore/pkg/eventcore/queue"
	"github.com/randalmurphal/eventcore/pkg/eventcore/recovery"
)

var errBoom = errors.New("boom")

func opCtx() event.OperationContext {
	return event.OperationContext{
		ProjectRoot: "/tmp/project",
		Session:     map[string]any{"id": "s1"},
		Source:      event.SourceCLI,
	}
}

func taskData() map[string]any {
	return map[string]any{"taskId": "1", "task": map[string]any{"title": "write tests"}}
}

// recorder records "<pattern>@<type>" for every call it receives.
type recorder struct {
	integration.Base

	mu    sync.Mutex
	calls []string
	table map[string]integration.EventFunc
}

func newRecorder(name, version string, defaults map[string]any, patterns ...string) *recorder {
	r := &recorder{
		Base:  integration.NewBase(name, version, config.NewValues(defaults), nil),
		table: make(map[string]integration.EventFunc),
	}
	for _, pattern := range patterns {
		r.table[pattern] = func(_ context.Context, p *event.Payload) error {
			r.record(pattern + "@" + p.Type)
			return nil
		}
	}
	return r
}

func (r *recorder) EventHandlers() map[string]integration.EventFunc { return r.table }

func (r *recorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

type catchAll struct {
	*recorder
}

func (c catchAll) HandleGeneric(_ context.Context, eventType string, _ *event.Payload) error {
	c.record("generic@" + eventType)
	return nil
}

type dependent struct {
	*recorder
	deps map[string]string
}

func (d dependent) Dependencies() map[string]string { return d.deps }

func newManager(t *testing.T, cfg integration.Config, opts ...integration.Option) *integration.Manager {
	t.Helper()
	m := integration.NewManager(cfg, opts...)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func register(t *testing.T, m *integration.Manager, hs ...integration.Handler) {
	t.Helper()
	for _, h := range hs {
		require.NoError(t, m.Register(context.Background(), h))
	}
}

func TestRegister_RejectsInvalidHandlers(t *testing.T) {
	m := newManager(t, integration.Config{})

	empty := newRecorder("empty", "1.0.0", nil)
	err := m.Register(context.Background(), empty)
	require.ErrorIs(t, err, ecerrors.ErrInvalidHandler)

	badVersion := newRecorder("bad", "one", nil, event.TaskCreated)
	err = m.Register(context.Background(), badVersion)
	require.ErrorIs(t, err, ecerrors.ErrInvalidHandler)
	var ve *ecerrors.ValidationError
	require.ErrorAs(t, err, &ve)

	badName := newRecorder("has space", "1.0.0", nil, event.TaskCreated)
	require.ErrorIs(t, m.Register(context.Background(), badName), ecerrors.ErrInvalidHandler)

	assert.Empty(t, m.List())
}

func TestEmit_RoutesExactPatternAndGeneric(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, integration.Config{})

	exact := newRecorder("exact", "1.0.0", nil, event.TaskCreated)
	prefix := newRecorder("prefix", "1.0.0", nil, "task:*")
	generic := catchAll{newRecorder("generic", "1.0.0", nil)}
	register(t, m, exact, prefix, generic)
	require.NoError(t, m.Initialize(ctx))

	res, err := m.Emit(ctx, event.TaskCreated, taskData(), opCtx())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Handlers)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, []string{"task:created@task:created"}, exact.seen())
	assert.Equal(t, []string{"task:*@task:created"}, prefix.seen())
	assert.Equal(t, []string{"generic@task:created"}, generic.seen())

	res, err = m.Emit(ctx, event.TagCreated, map[string]any{"tagName": "v2"}, opCtx())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Handlers)
	assert.Equal(t, []string{"generic@task:created", "generic@tag:created"}, generic.seen())
}

func TestEmit_MostSpecificSubscriptionOnly(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, integration.Config{})

	h := newRecorder("sync", "1.0.0", nil, event.TaskCreated, "task:*", event.Wildcard)
	register(t, m, h)
	require.NoError(t, m.Initialize(ctx))

	res, err := m.Emit(ctx, event.TaskCreated, taskData(), opCtx())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Handlers)

	_, err = m.Emit(ctx, event.TaskUpdated, taskData(), opCtx())
	require.NoError(t, err)
	_, err = m.Emit(ctx, event.TagDeleted, map[string]any{"tagName": "old"}, opCtx())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"task:created@task:created",
		"task:*@task:updated",
		"*@tag:deleted",
	}, h.seen())
}

func TestEmit_GenericWithTableIsNotWildcard(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, integration.Config{})

	h := catchAll{newRecorder("mixed", "1.0.0", nil, event.TaskCreated)}
	register(t, m, h)
	require.NoError(t, m.Initialize(ctx))

	res, err := m.Emit(ctx, event.TagCreated, map[string]any{"tagName": "x"}, opCtx())
	require.NoError(t, err)
	assert.Zero(t, res.Handlers)
	assert.Empty(t, h.seen())
}

func TestEmit_NoHandlers(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, integration.Config{})
	require.NoError(t, m.Initialize(ctx))

	res, err := m.Emit(ctx, event.TaskCreated, taskData(), opCtx())
	require.NoError(t, err)
	assert.Zero(t, res.Handlers)
	assert.False(t, res.Dropped)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.EventsEmitted)
	assert.Equal(t, int64(1), stats.EventsUnhandled)
	assert.Zero(t, stats.EventsProcessed)
}

func TestEmit_DroppedWhenNotInitialized(t *testing.T) {
	m := newManager(t, integration.Config{})
	h := newRecorder("early", "1.0.0", nil, event.TaskCreated)
	register(t, m, h)

	res, err := m.Emit(context.Background(), event.TaskCreated, taskData(), opCtx())
	require.NoError(t, err)
	assert.True(t, res.Dropped)
	assert.Empty(t, h.seen())
	assert.Equal(t, int64(1), m.Stats().EventsDropped)
}

func TestEmit_Validation(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, integration.Config{})
	require.NoError(t, m.Initialize(ctx))

	_, err := m.Emit(ctx, event.TaskCreated, map[string]any{"taskId": "1"}, opCtx())
	var ve *ecerrors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "task")

	_, err = m.Emit(ctx, "task:*", taskData(), opCtx())
	require.ErrorAs(t, err, &ve)

	_, err = m.Emit(ctx, event.TaskCreated, taskData(), event.OperationContext{})
	require.ErrorAs(t, err, &ve)
	assert.Zero(t, m.Stats().EventsEmitted)
}

func TestMiddleware(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, integration.Config{})

	var got atomic.Value
	_, err := m.On(event.TaskCreated, func(_ context.Context, p *event.Payload) error {
		v, _ := p.Get("traceId")
		got.Store(v)
		return nil
	}, integration.HandlerOptions{})
	require.NoError(t, err)

	m.Use(
		func(context.Context, string, *event.Payload) (*event.Payload, error) {
			return nil, errBoom
		},
		integration.EnrichMiddleware("traceId", func(context.Context, *event.Payload) any { return "t-1" }),
		integration.FilterMiddleware(func(_ string, p *event.Payload) bool {
			id, _ := p.Get("taskId")
			return id != "skip"
		}),
	)
	require.NoError(t, m.Initialize(ctx))

	res, err := m.Emit(ctx, event.TaskCreated, taskData(), opCtx())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, "t-1", got.Load())

	res, err = m.Emit(ctx, event.TaskCreated, map[string]any{"taskId": "skip", "task": map[string]any{}}, opCtx())
	require.NoError(t, err)
	assert.True(t, res.Filtered)
	assert.Equal(t, int64(1), m.Stats().EventsFiltered)
}

func TestEmit_SequentialHandlersRunInPriorityOrder(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, integration.Config{})

	var mu sync.Mutex
	var order []string
	add := func(name string, priority int) {
		h := newRecorder(name, "1.0.0", map[string]any{"sequential": true, "priority": priority})
		h.table[event.TaskUpdated] = func(context.Context, *event.Payload) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
		register(t, m, h)
	}
	add("low", 1)
	add("high", 5)
	add("mid", 3)
	require.NoError(t, m.Initialize(ctx))

	res, err := m.Emit(ctx, event.TaskUpdated, taskData(), opCtx())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestEmit_ConcurrencyIsBounded(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, integration.Config{MaxConcurrentHandlers: 2})

	var active, peak atomic.Int32
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		h := newRecorder(name, "1.0.0", nil)
		h.table[event.TaskCreated] = func(context.Context, *event.Payload) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return nil
		}
		register(t, m, h)
	}
	require.NoError(t, m.Initialize(ctx))

	res, err := m.Emit(ctx, event.TaskCreated, taskData(), opCtx())
	require.NoError(t, err)
	assert.Equal(t, 5, res.Succeeded)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestEmit_FailureIsIsolatedFromSiblings(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, integration.Config{})

	ok := newRecorder("ok", "1.0.0", nil, event.TaskCreated)
	bad := newRecorder("bad", "1.0.0", nil)
	bad.table[event.TaskCreated] = func(context.Context, *event.Payload) error { return errBoom }
	panicky := newRecorder("panicky", "1.0.0", nil)
	panicky.table[event.TaskCreated] = func(context.Context, *event.Payload) error { panic("nil map") }
	register(t, m, ok, bad, panicky)

	var failures atomic.Int32
	m.Signals().On(integration.SignalHandlerFailed, func(_ context.Context, _ string, data any) error {
		if _, isFailure := data.(integration.HandlerFailure); isFailure {
			failures.Add(1)
		}
		return nil
	}, event.ListenerOptions{})
	require.NoError(t, m.Initialize(ctx))

	res, err := m.Emit(ctx, event.TaskCreated, taskData(), opCtx())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Handlers)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.Failed)
	assert.Len(t, res.Errors, 2)
	assert.Len(t, ok.seen(), 1)
	assert.Equal(t, int32(2), failures.Load())

	st := bad.Status()
	assert.Equal(t, int64(1), st.Failed)
	assert.Equal(t, "boom", st.LastError)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.EventsFailed)
	assert.Equal(t, int64(2), stats.HandlersFailed)
	assert.Equal(t, int64(3), stats.HandlersExecuted)
}

func TestEmit_HandlerTimeout(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, integration.Config{})

	slow := newRecorder("slow", "1.0.0", map[string]any{"timeout": 20 * time.Millisecond})
	slow.table[event.TaskCreated] = func(ctx context.Context, _ *event.Payload) error {
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		return nil
	}
	register(t, m, slow)
	require.NoError(t, m.Initialize(ctx))

	start := time.Now()
	res, err := m.Emit(ctx, event.TaskCreated, taskData(), opCtx())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	require.Equal(t, 1, res.Failed)
	var te *ecerrors.TimeoutError
	assert.ErrorAs(t, res.Errors[0], &te)
}

func TestEmit_RetriesHandler(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, integration.Config{
		Retry: ecerrors.RetryConfig{
			MaxAttempts:   3,
			Strategy:      ecerrors.StrategyExponential,
			BaseDelay:     time.Millisecond,
			RetryableFunc: func(error) bool { return true },
		},
	})

	var calls atomic.Int32
	h := newRecorder("flaky", "1.0.0", nil)
	h.table[event.TaskCreated] = func(context.Context, *event.Payload) error {
		if calls.Add(1) < 3 {
			return errBoom
		}
		return nil
	}
	register(t, m, h)
	require.NoError(t, m.Initialize(ctx))

	res, err := m.Emit(ctx, event.TaskCreated, taskData(), opCtx())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEmit_CircuitBreakerIsolatesIntegration(t *testing.T) {
	ctx := context.Background()
	breakers := circuit.NewRegistry(circuit.Config{FailureThreshold: 2, MinimumThroughput: 2, Timeout: time.Minute})
	m := newManager(t, integration.Config{EnableCircuitBreakers: true}, integration.WithBreakers(breakers))

	var calls atomic.Int32
	h := newRecorder("jira", "1.0.0", nil)
	h.table[event.TaskCreated] = func(context.Context, *event.Payload) error {
		calls.Add(1)
		return errBoom
	}
	register(t, m, h)

	var isolated atomic.Int32
	m.Signals().On(integration.SignalEventIsolated, func(context.Context, string, any) error {
		isolated.Add(1)
		return nil
	}, event.ListenerOptions{})
	require.NoError(t, m.Initialize(ctx))

	for range 2 {
		res, err := m.Emit(ctx, event.TaskCreated, taskData(), opCtx())
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
	}

	res, err := m.Emit(ctx, event.TaskCreated, taskData(), opCtx())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Isolated)
	assert.Zero(t, res.Failed)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), isolated.Load())

	var open *ecerrors.CircuitOpenError
	assert.ErrorAs(t, res.Errors[0], &open)
	assert.Equal(t, int64(1), m.Stats().EventsIsolated)

	sh := m.SystemHealth(ctx)
	assert.Equal(t, health.StatusDegraded, sh.Status)
	assert.Equal(t, circuit.StateOpen, sh.Breakers["jira"].State)
}

func TestEmit_BoundaryIsolatesAndRequeues(t *testing.T) {
	ctx := context.Background()
	boundaries := recovery.NewBoundaryRegistry(recovery.BoundaryConfig{MaxErrors: 1, ResetTimeout: time.Minute})
	q := queue.New(queue.Config{ProcessingInterval: 5 * time.Millisecond, RetryDelay: 5 * time.Millisecond, MaxRetries: 50})
	m := newManager(t, integration.Config{EnableErrorBoundaries: true, RequeueIsolated: true},
		integration.WithBoundaries(boundaries), integration.WithQueue(q))

	var calls atomic.Int32
	h := newRecorder("slack", "1.0.0", nil)
	h.table[event.TaskCreated] = func(context.Context, *event.Payload) error {
		if calls.Add(1) == 1 {
			return errBoom
		}
		return nil
	}
	register(t, m, h)
	require.NoError(t, m.Initialize(ctx))

	res, err := m.Emit(ctx, event.TaskCreated, taskData(), opCtx())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	res, err = m.Emit(ctx, event.TaskCreated, taskData(), opCtx())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Isolated)
	assert.Equal(t, int32(1), calls.Load())

	boundaries.ResetAll()
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestEmit_BulkEventsAreQueued(t *testing.T) {
	ctx := context.Background()
	q := queue.New(queue.Config{ProcessingInterval: 5 * time.Millisecond})
	m := newManager(t, integration.Config{EnableBatching: true}, integration.WithQueue(q))

	h := newRecorder("bulk", "1.0.0", nil, event.TasksBulkCreated)
	register(t, m, h)
	require.NoError(t, m.Initialize(ctx))

	res, err := m.Emit(ctx, event.TasksBulkCreated, map[string]any{"tasks": []any{"1", "2"}}, opCtx())
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.NotEmpty(t, res.QueueItemID)
	assert.Zero(t, res.Handlers)

	assert.Eventually(t, func() bool { return len(h.seen()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), m.Stats().EventsQueued)
}

func TestEmit_GuaranteedDeliveryLedger(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, integration.Config{GuaranteedDelivery: true})

	var fail atomic.Bool
	fail.Store(true)
	h := newRecorder("webhook", "1.0.0", nil)
	h.table[event.TaskCreated] = func(context.Context, *event.Payload) error {
		if fail.Load() {
			return errBoom
		}
		return nil
	}
	register(t, m, h)
	require.NoError(t, m.Initialize(ctx))

	_, err := m.Emit(ctx, event.TaskCreated, taskData(), opCtx())
	require.NoError(t, err)
	pending := m.PendingDeliveries()
	require.Len(t, pending, 1)
	assert.Equal(t, "integration", pending[0].Origin)
	assert.Equal(t, "webhook", pending[0].Target)

	report := m.RetryFailedDeliveries(ctx)
	assert.Equal(t, 1, report.Failed)

	fail.Store(false)
	report = m.RetryFailedDeliveries(ctx)
	assert.Equal(t, 1, report.Succeeded)
	assert.Empty(t, m.PendingDeliveries())
}

func TestEmit_AutoRecovery(t *testing.T) {
	ctx := context.Background()
	rm := recovery.NewManager(recovery.Config{RetryDelay: -1, ScanInterval: time.Hour})
	m := newManager(t, integration.Config{EnableAutoRecovery: true}, integration.WithRecovery(rm))

	var calls atomic.Int32
	h := newRecorder("github", "1.0.0", nil)
	h.table[event.TaskCreated] = func(context.Context, *event.Payload) error {
		if calls.Add(1) == 1 {
			return errBoom
		}
		return nil
	}
	register(t, m, h)
	require.NoError(t, m.Initialize(ctx))

	res, err := m.Emit(ctx, event.TaskCreated, taskData(), opCtx())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	assert.Eventually(t, func() bool { return m.Stats().EventsRecovered == 1 }, time.Second, 5*time.Millisecond)
	jobs := rm.Jobs(0)
	require.NotEmpty(t, jobs)
	assert.Equal(t, "github", jobs[0].Integration)
	assert.Equal(t, recovery.JobSuccess, jobs[0].Status)
}

func TestBus_ReceivesProcessedEvents(t *testing.T) {
	ctx := context.Background()
	bus := event.NewBus(event.BusConfig{})
	m := newManager(t, integration.Config{}, integration.WithBus(bus))

	got := make(chan integration.ProcessedEvent, 1)
	_, err := bus.Subscribe(event.Wildcard, func(_ context.Context, msg event.Message) error {
		if pe, ok := msg.Data.(integration.ProcessedEvent); ok {
			got <- pe
		}
		return nil
	}, event.SubscribeOptions{Channel: integration.ProcessedChannel})
	require.NoError(t, err)

	register(t, m, newRecorder("audit", "1.0.0", nil, event.TaskCreated))
	require.NoError(t, m.Initialize(ctx))

	res, err := m.Emit(ctx, event.TaskCreated, taskData(), opCtx())
	require.NoError(t, err)

	select {
	case pe := <-got:
		assert.Equal(t, res.EventID, pe.Payload.EventID)
		assert.Equal(t, 1, pe.Result.Succeeded)
	case <-time.After(time.Second):
		t.Fatal("processed event not published")
	}
}

func TestDiscovery(t *testing.T) {
	m := newManager(t, integration.Config{})

	a := newRecorder("alpha", "1.2.0", nil, event.TaskCreated, event.TaskUpdated)
	b := newRecorder("beta", "2.0.0", nil, "tag:*")
	c := dependent{
		recorder: newRecorder("gamma", "0.9.0", nil, event.DependencyAdded),
		deps:     map[string]string{"alpha": ">=1.0.0 <2.0.0", "beta": "<2.0.0", "delta": "*"},
	}
	register(t, m, c, b, a)

	list := m.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, []string{event.TaskCreated, event.TaskUpdated}, list[0].EventTypes)
	assert.Equal(t, []string{"handleTaskCreated", "handleTaskUpdated"}, list[0].Methods)

	found, err := m.Discover(integration.DiscoverFilter{Version: ">=1.0.0"})
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = m.Discover(integration.DiscoverFilter{EventTypes: []string{event.TagSwitched}})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "beta", found[0].Name)

	_, err = m.Discover(integration.DiscoverFilter{Version: ">=banana"})
	assert.Error(t, err)

	report, err := m.CheckDependencies("gamma")
	require.NoError(t, err)
	assert.False(t, report.Satisfied)
	assert.Equal(t, []string{"delta"}, report.Missing)
	assert.Contains(t, report.Incompatible, "beta")
	assert.NotContains(t, report.Incompatible, "alpha")

	report, err = m.CheckDependencies("alpha")
	require.NoError(t, err)
	assert.True(t, report.Satisfied)

	_, err = m.CheckDependencies("nope")
	assert.ErrorIs(t, err, ecerrors.ErrHandlerNotFound)

	got, ok := m.Integration("beta")
	require.True(t, ok)
	assert.Equal(t, "2.0.0", got.Version())
}

func TestEnableDisable(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, integration.Config{})
	h := newRecorder("toggle", "1.0.0", nil, event.TaskCreated)
	register(t, m, h)
	require.NoError(t, m.Initialize(ctx))

	require.NoError(t, m.Disable("toggle"))
	assert.False(t, h.Enabled())
	res, err := m.Emit(ctx, event.TaskCreated, taskData(), opCtx())
	require.NoError(t, err)
	assert.Zero(t, res.Handlers)

	disabled := false
	found, err := m.Discover(integration.DiscoverFilter{Enabled: &disabled})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	require.NoError(t, m.Enable("toggle"))
	res, err = m.Emit(ctx, event.TaskCreated, taskData(), opCtx())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	assert.ErrorIs(t, m.Disable("missing"), ecerrors.ErrHandlerNotFound)
}

func TestRegisterReplaceAndUnregister(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, integration.Config{})
	require.NoError(t, m.Initialize(ctx))

	first := newRecorder("svc", "1.0.0", nil, event.TaskCreated)
	second := newRecorder("svc", "1.1.0", nil, event.TaskCreated)
	register(t, m, first)
	assert.True(t, first.Initialized())

	register(t, m, second)
	assert.False(t, first.Initialized())
	assert.True(t, second.Initialized())
	assert.Equal(t, 1, m.HandlerCount())

	_, err := m.Emit(ctx, event.TaskCreated, taskData(), opCtx())
	require.NoError(t, err)
	assert.Empty(t, first.seen())
	assert.Len(t, second.seen(), 1)

	require.NoError(t, m.Unregister(ctx, "svc"))
	assert.Zero(t, m.HandlerCount())
	assert.ErrorIs(t, m.Unregister(ctx, "svc"), ecerrors.ErrHandlerNotFound)
}

func TestInitialize_FailingHandlerIsDisabled(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, integration.Config{
		Integrations: map[string]config.Values{
			"configured": config.NewValues(map[string]any{"token": "abc"}),
		},
	})

	needy := newRecorder("needy", "1.0.0", nil, event.TaskCreated)
	needy.RequireConfig("token")
	configured := newRecorder("configured", "1.0.0", nil, event.TaskCreated)
	configured.RequireConfig("token")
	register(t, m, needy, configured)
	require.NoError(t, m.Initialize(ctx))

	assert.False(t, needy.Initialized())
	assert.True(t, configured.Initialized())
	assert.Equal(t, "abc", configured.Config().String("token", ""))

	res, err := m.Emit(ctx, event.TaskCreated, taskData(), opCtx())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Handlers)
	assert.Empty(t, needy.seen())
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	m := integration.NewManager(integration.Config{ShutdownGracePeriod: time.Second})
	h := newRecorder("closer", "1.0.0", nil, event.TaskCreated)
	register(t, m, h)
	require.NoError(t, m.Initialize(ctx))
	assert.Equal(t, integration.StateInitialized, m.State())

	require.NoError(t, m.Shutdown(ctx))
	assert.Equal(t, integration.StateUninitialized, m.State())
	assert.False(t, h.Initialized())

	res, err := m.Emit(ctx, event.TaskCreated, taskData(), opCtx())
	require.NoError(t, err)
	assert.True(t, res.Dropped)

	require.NoError(t, m.Shutdown(ctx))
}

func TestHealthChecksPerIntegration(t *testing.T) {
	ctx := context.Background()
	mon := health.NewMonitor(health.Config{CheckInterval: time.Hour})
	m := newManager(t, integration.Config{EnableHealthMonitoring: true}, integration.WithHealth(mon))

	h := newRecorder("linear", "1.0.0", nil, event.TaskCreated)
	register(t, m, h)
	require.NoError(t, m.Initialize(ctx))
	require.True(t, mon.HasCheck("linear"))

	records, err := mon.ForceCheck(ctx, "linear")
	require.NoError(t, err)
	assert.Equal(t, health.StatusHealthy, records["linear"].Last.Status)

	h.SetEnabled(false)
	records, err = mon.ForceCheck(ctx, "linear")
	require.NoError(t, err)
	assert.Equal(t, health.StatusDegraded, records["linear"].Last.Status)

	require.NoError(t, m.Unregister(ctx, "linear"))
	assert.False(t, mon.HasCheck("linear"))
}

func TestBase_ShutdownWaitsForInFlight(t *testing.T) {
	h := newRecorder("waiter", "1.0.0", nil)
	release := make(chan struct{})
	started := make(chan struct{})
	h.table[event.TaskCreated] = func(context.Context, *event.Payload) error {
		close(started)
		<-release
		return nil
	}
	require.NoError(t, h.Initialize(context.Background(), config.Values{}))

	done := make(chan error, 1)
	go func() {
		done <- integration.Dispatch(context.Background(), h, event.TaskCreated, event.NewPayload(event.TaskCreated, opCtx(), taskData()))
	}()
	<-started
	assert.Equal(t, 1, h.Status().InFlight)

	shut := make(chan struct{})
	go func() {
		_ = h.Shutdown(context.Background())
		close(shut)
	}()

	select {
	case <-shut:
		t.Fatal("shutdown returned with work in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-done)
	<-shut
	assert.Equal(t, int64(1), h.Status().Processed)
	assert.False(t, h.Initialized())
}

func TestBase_ShutdownHonorsContext(t *testing.T) {
	h := newRecorder("stuck", "1.0.0", nil)
	block := make(chan struct{})
	defer close(block)
	started := make(chan struct{})
	h.table[event.TaskCreated] = func(context.Context, *event.Payload) error {
		close(started)
		<-block
		return nil
	}
	go func() {
		_ = integration.Dispatch(context.Background(), h, event.TaskCreated, event.NewPayload(event.TaskCreated, opCtx(), taskData()))
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))
}

func TestBase_Retry(t *testing.T) {
	h := newRecorder("retrier", "1.0.0", nil)
	var calls int
	err := h.Retry(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return ecerrors.Transient(errBoom, "call api")
		}
		return nil
	}, ecerrors.RetryConfig{BaseDelay: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	err = h.Retry(context.Background(), func(context.Context) error {
		calls++
		return errBoom
	}, ecerrors.RetryConfig{BaseDelay: time.Millisecond})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	p := event.NewPayload(event.TaskCreated, opCtx(), taskData())

	h := newRecorder("plain", "1.0.0", nil, event.TaskCreated)
	require.NoError(t, integration.Dispatch(ctx, h, event.TaskCreated, p))
	err := integration.Dispatch(ctx, h, event.TaskRemoved, p)
	assert.ErrorIs(t, err, ecerrors.ErrHandlerNotFound)

	g := catchAll{newRecorder("any", "1.0.0", nil)}
	require.NoError(t, integration.Dispatch(ctx, g, event.TaskRemoved, p))
	assert.Equal(t, []string{"generic@task:removed"}, g.seen())
}

func TestMethodName(t *testing.T) {
	tests := map[string]string{
		event.TaskCreated:            "handleTaskCreated",
		event.TaskStatusChanged:      "handleTaskStatusChanged",
		event.TasksBulkStatusChanged: "handleTasksBulkStatusChanged",
		"sync.jira-cloud":            "handleSyncJiraCloud",
	}
	for in, want := range tests {
		assert.Equal(t, want, integration.MethodName(in), in)
	}
}

func TestSatisfies(t *testing.T) {
	tests := []struct {
		version, constraint string
		want                bool
	}{
		{"1.2.0", "", true},
		{"1.2.0", "*", true},
		{"1.2.0", "1.2.0", true},
		{"1.2", "=1.2.0", true},
		{"v1.2.0", ">=1.0.0", true},
		{"1.2.0", ">1.2.0", false},
		{"1.2.0", ">=1.0.0 <2.0.0", true},
		{"2.0.0", ">=1.0.0 <2.0.0", false},
		{"0.9.0", "<=0.9.0", true},
	}
	for _, tt := range tests {
		got, err := integration.Satisfies(tt.version, tt.constraint)
		require.NoError(t, err, tt)
		assert.Equal(t, tt.want, got, "%s %s", tt.version, tt.constraint)
	}

	_, err := integration.Satisfies("latest", ">=1.0.0")
	assert.Error(t, err)
}
