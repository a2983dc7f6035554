package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/health"
	"github.com/randalmurphal/eventcore/pkg/eventcore/queue"
)

// router exposes health, statistics, breaker and dead-letter views and
// webhook event ingress.
func (app *application) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", app.handleHealth)
	r.Get("/stats", app.handleStats)

	r.Route("/breakers", func(r chi.Router) {
		r.Get("/", app.handleBreakers)
		r.Post("/{name}/reset", app.handleBreakerReset)
	})

	r.Route("/deadletters", func(r chi.Router) {
		r.Get("/", app.handleDeadLetters)
		r.Post("/retry", app.handleDeadLetterRetry)
	})

	r.Route("/integrations", func(r chi.Router) {
		r.Get("/", app.handleIntegrations)
		r.Post("/{name}/enable", app.handleToggle(true))
		r.Post("/{name}/disable", app.handleToggle(false))
	})

	r.Get("/recovery/jobs", app.handleRecoveryJobs)
	r.Post("/events", app.handleEvent)
	return r
}

func (app *application) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		app.logger.Error("write response failed", slog.String("error", err.Error()))
	}
}

func (app *application) writeError(w http.ResponseWriter, status int, err error) {
	app.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (app *application) handleHealth(w http.ResponseWriter, r *http.Request) {
	sh := app.manager.SystemHealth(r.Context())
	status := http.StatusOK
	if sh.Status == health.StatusUnhealthy || sh.Status == health.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	app.writeJSON(w, status, sh)
}

func (app *application) handleStats(w http.ResponseWriter, _ *http.Request) {
	app.writeJSON(w, http.StatusOK, map[string]any{
		"manager":  app.manager.Stats(),
		"queue":    app.queue.Stats(),
		"bus":      app.bus.Stats(),
		"recovery": app.recovery.Stats(),
	})
}

func (app *application) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	app.writeJSON(w, http.StatusOK, app.breakers.Statuses())
}

func (app *application) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, ok := app.breakers.Lookup(name)
	if !ok {
		app.writeError(w, http.StatusNotFound, ecerrors.ErrNotFound)
		return
	}
	b.Reset()
	app.recovery.ResetIncidents(name)
	app.writeJSON(w, http.StatusOK, b.Status())
}

// deadLetterView is the JSON form of a dead letter; queue items carry
// processor functions that cannot be encoded.
type deadLetterView struct {
	ID             string         `json:"id"`
	Priority       string         `json:"priority"`
	Attempts       int            `json:"attempts"`
	Errors         []string       `json:"errors"`
	LastError      string         `json:"last_error"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	QueuedAt       time.Time      `json:"queued_at"`
	DeadLetteredAt time.Time      `json:"dead_lettered_at"`
}

func (app *application) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	var query queue.DeadLetterQuery
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			app.writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		query.Limit = n
	}
	if v := r.URL.Query().Get("priority"); v != "" {
		p, ok := queue.ParsePriority(v)
		if !ok {
			app.writeError(w, http.StatusBadRequest, errors.New("unknown priority "+v))
			return
		}
		query.Priority = &p
	}

	letters := app.queue.DeadLetters(query)
	out := make([]deadLetterView, 0, len(letters))
	for _, dl := range letters {
		out = append(out, deadLetterView{
			ID:             dl.Item.ID,
			Priority:       dl.Item.Options.Priority.String(),
			Attempts:       dl.Item.Attempts,
			Errors:         dl.Item.Errors,
			LastError:      dl.LastError,
			Metadata:       dl.Item.Options.Metadata,
			QueuedAt:       dl.Item.QueuedAt,
			DeadLetteredAt: dl.DeadLetteredAt,
		})
	}
	app.writeJSON(w, http.StatusOK, out)
}

func (app *application) handleDeadLetterRetry(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			app.writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	retried := app.queue.RetryDeadLetters(body.IDs...)
	app.writeJSON(w, http.StatusOK, map[string]any{"retried": retried})
}

func (app *application) handleIntegrations(w http.ResponseWriter, _ *http.Request) {
	app.writeJSON(w, http.StatusOK, app.manager.List())
}

func (app *application) handleToggle(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		var err error
		if enabled {
			err = app.manager.Enable(name)
		} else {
			err = app.manager.Disable(name)
		}
		if errors.Is(err, ecerrors.ErrHandlerNotFound) {
			app.writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			app.writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (app *application) handleRecoveryJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			app.writeError(w, http.StatusBadRequest, errors.New("limit must be an integer"))
			return
		}
		limit = n
	}
	app.writeJSON(w, http.StatusOK, app.recovery.Jobs(limit))
}

// eventRequest is the body of POST /events.
type eventRequest struct {
	Type    string                 `json:"type"`
	Context event.OperationContext `json:"context"`
	Data    map[string]any         `json:"data"`
}

func (app *application) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		app.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Context.Source == "" {
		req.Context.Source = event.SourceWebhook
	}
	if req.Context.RequestID == "" {
		req.Context.RequestID = middleware.GetReqID(r.Context())
	}

	res, err := app.manager.Emit(r.Context(), req.Type, req.Data, req.Context)
	var ve *ecerrors.ValidationError
	switch {
	case errors.As(err, &ve):
		app.writeJSON(w, http.StatusBadRequest, map[string]any{"error": ve.Error(), "problems": ve.Errors})
		return
	case err != nil:
		app.writeError(w, http.StatusInternalServerError, err)
		return
	case res.Dropped:
		app.writeError(w, http.StatusServiceUnavailable, errors.New("event manager is not accepting events"))
		return
	}
	app.writeJSON(w, http.StatusAccepted, res)
}
