package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventcore/pkg/eventcore/config"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
	"github.com/randalmurphal/eventcore/pkg/eventcore/recovery"
)

func newTestApp(t *testing.T) (*application, *httptest.Server) {
	t.Helper()
	s := config.Default()
	s.Queue.ProcessingInterval = 5 * time.Millisecond
	s.Manager.ShutdownGracePeriod = time.Second
	s.Manager.Retry.MaxAttempts = 1

	logger := observability.NewLoggerTo(io.Discard, s.Log)
	app := newApplication(s, logger, observability.NoopMetrics{}, observability.NoopSpanManager{})
	require.NoError(t, app.start(context.Background()))

	srv := httptest.NewServer(app.router())
	t.Cleanup(func() {
		srv.Close()
		_ = app.stop(context.Background())
	})
	return app, srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

const validEvent = `{
	"type": "task:created",
	"context": {"projectRoot": "/srv/project", "session": {"id": "s1"}},
	"data": {"taskId": "42", "task": {"title": "ship it"}}
}`

func TestPostEvent(t *testing.T) {
	app, srv := newTestApp(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/events", validEvent)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.EqualValues(t, 1, body["handlers"])
	assert.EqualValues(t, 1, body["succeeded"])

	stats := app.manager.Stats()
	assert.Equal(t, int64(1), stats.EventsProcessed)
	assert.Equal(t, 1, stats.Integrations)
}

func TestPostEvent_Invalid(t *testing.T) {
	_, srv := newTestApp(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/events", `{
		"type": "task:created",
		"context": {"projectRoot": "/srv/project", "session": {"id": "s1"}},
		"data": {"taskId": "42"}
	}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, body["problems"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/events", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	_, srv := newTestApp(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "initialized", body["state"])
}

func TestBreakers(t *testing.T) {
	app, srv := newTestApp(t)
	app.breakers.Get("jira", nil).ForceOpen()
	_, err := app.recovery.TriggerRecovery(context.Background(), "jira", recovery.StrategyImmediateRetry, recovery.TriggerOptions{
		MaxAttempts: 1,
		Retry:       func(context.Context) error { return errors.New("still down") },
	})
	require.NoError(t, err)
	require.Equal(t, 1, app.recovery.Stats().Incidents["jira"])

	resp, body := do(t, http.MethodGet, srv.URL+"/breakers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "jira")

	resp, _ = do(t, http.MethodPost, srv.URL+"/breakers/jira/reset", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, app.breakers.Open())
	assert.Zero(t, app.recovery.Stats().Incidents["jira"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/breakers/nope/reset", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeadLetters(t *testing.T) {
	_, srv := newTestApp(t)

	resp, _ := do(t, http.MethodGet, srv.URL+"/deadletters?limit=10&priority=high", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/deadletters?priority=urgent", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := do(t, http.MethodPost, srv.URL+"/deadletters/retry", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "retried")
}

func TestIntegrationToggle(t *testing.T) {
	app, srv := newTestApp(t)

	resp, _ := do(t, http.MethodPost, srv.URL+"/integrations/audit/disable", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	infos := app.manager.List()
	require.Len(t, infos, 1)
	assert.False(t, infos[0].Enabled)

	resp, _ = do(t, http.MethodPost, srv.URL+"/integrations/audit/enable", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/integrations/missing/disable", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStats(t *testing.T) {
	_, srv := newTestApp(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, key := range []string{"manager", "queue", "bus", "recovery"} {
		assert.Contains(t, body, key)
	}
}

func TestSchedule_RejectsBadExpression(t *testing.T) {
	s := config.Default()
	s.Schedule.RetryDeliveries = "every now and then"
	app := newApplication(s, observability.NewLoggerTo(io.Discard, s.Log), nil, nil)

	_, err := app.schedule()
	assert.Error(t, err)
}

func TestRun_BadFlag(t *testing.T) {
	assert.Error(t, run([]string{"--no-such-flag"}))
}
