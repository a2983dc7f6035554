package integration

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/randalmurphal/eventcore/pkg/eventcore/config"
	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
)

// EventFunc handles one event.
type EventFunc func(ctx context.Context, p *event.Payload) error

// Handler is the contract every integration satisfies.
type Handler interface {
	Name() string
	Version() string
	Config() config.Values
	Enabled() bool

	// Initialize prepares the handler. cfg is merged over its defaults.
	Initialize(ctx context.Context, cfg config.Values) error

	// Shutdown releases resources, waiting for in-flight work until ctx
	// ends.
	Shutdown(ctx context.Context) error

	// EventHandlers maps event types or patterns to handler functions.
	EventHandlers() map[string]EventFunc

	Status() Status
}

// GenericHandler is implemented by handlers that accept any event. A
// generic handler is subscribed to the wildcard only when its
// EventHandlers table is empty.
type GenericHandler interface {
	HandleGeneric(ctx context.Context, eventType string, p *event.Payload) error
}

// Dependent is implemented by handlers that require other integrations.
// The map is keyed by integration name; values are version constraints.
type Dependent interface {
	Dependencies() map[string]string
}

// Toggler is implemented by handlers that can be enabled at runtime.
type Toggler interface {
	SetEnabled(enabled bool)
}

// Status is a handler's self-reported state.
type Status struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Enabled     bool      `json:"enabled"`
	Initialized bool      `json:"initialized"`
	InFlight    int       `json:"in_flight"`
	Processed   int64     `json:"processed"`
	Failed      int64     `json:"failed"`
	LastError   string    `json:"last_error,omitempty"`
	LastEventAt time.Time `json:"last_event_at,omitzero"`
}

// HandlerOptions configure one subscription.
type HandlerOptions struct {
	// Priority orders dispatch; higher runs first.
	Priority int

	// Sequential handlers run one at a time after all concurrent handlers.
	Sequential bool

	// Timeout bounds each call. Zero uses the manager default.
	Timeout time.Duration
}

// optionsFromConfig reads subscription options from a handler's
// configuration keys priority, sequential and timeout.
func optionsFromConfig(v config.Values) HandlerOptions {
	return HandlerOptions{
		Priority:   v.Int("priority", 0),
		Sequential: v.Bool("sequential", false),
		Timeout:    v.Duration("timeout", 0),
	}
}

// MethodName returns the conventional handler name for an event type:
// "handle" followed by the PascalCase of its segments, so
// "task:status:changed" becomes "handleTaskStatusChanged".
func MethodName(eventType string) string {
	var b strings.Builder
	b.WriteString("handle")
	for _, seg := range strings.FieldsFunc(eventType, func(r rune) bool {
		return r == ':' || r == '.' || r == '_' || r == '-'
	}) {
		runes := []rune(seg)
		runes[0] = unicode.ToUpper(runes[0])
		b.WriteString(string(runes))
	}
	return b.String()
}

// Dispatch runs the handler's function for eventType, falling back to its
// generic handler. It returns ErrHandlerNotFound when neither exists.
func Dispatch(ctx context.Context, h Handler, eventType string, p *event.Payload) error {
	if fn, ok := h.EventHandlers()[eventType]; ok {
		return track(h, func() error { return fn(ctx, p) })
	}
	if g, ok := h.(GenericHandler); ok {
		return track(h, func() error { return g.HandleGeneric(ctx, eventType, p) })
	}
	return fmt.Errorf("%s has no handler for %s: %w", h.Name(), eventType, ecerrors.ErrHandlerNotFound)
}

// tracker is satisfied by handlers embedding Base.
type tracker interface {
	begin() func(err error)
}

func track(h Handler, fn func() error) error {
	t, ok := h.(tracker)
	if !ok {
		return fn()
	}
	done := t.begin()
	err := fn()
	done(err)
	return err
}

func validateHandler(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler: %w", ecerrors.ErrInvalidHandler)
	}
	var problems []string
	if h.Name() == "" {
		problems = append(problems, "name is required")
	} else if !event.ValidName(h.Name()) {
		problems = append(problems, "name contains invalid characters")
	}
	if h.Version() == "" {
		problems = append(problems, "version is required")
	} else if _, err := canonical(h.Version()); err != nil {
		problems = append(problems, err.Error())
	}
	_, generic := h.(GenericHandler)
	if len(h.EventHandlers()) == 0 && !generic {
		problems = append(problems, "no event handlers and no generic handler")
	}
	for eventType, fn := range h.EventHandlers() {
		if fn == nil {
			problems = append(problems, "nil handler for "+eventType)
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %w", ecerrors.ErrInvalidHandler, &ecerrors.ValidationError{
			Subject: "handler " + h.Name(),
			Errors:  problems,
		})
	}
	return nil
}
