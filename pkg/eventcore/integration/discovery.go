package integration

import (
	"context"
	"fmt"
	"sort"

	"github.com/randalmurphal/eventcore/pkg/eventcore/circuit"
	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/event"
	"github.com/randalmurphal/eventcore/pkg/eventcore/health"
	"github.com/randalmurphal/eventcore/pkg/eventcore/queue"
	"github.com/randalmurphal/eventcore/pkg/eventcore/recovery"
)

// Info describes a registered integration.
type Info struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Enabled      bool              `json:"enabled"`
	EventTypes   []string          `json:"event_types"`
	Methods      []string          `json:"methods"`
	Generic      bool              `json:"generic"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Status       Status            `json:"status"`
}

func (m *Manager) info(h Handler) Info {
	m.mu.RLock()
	disabled := m.disabled[h.Name()]
	m.mu.RUnlock()

	in := Info{
		Name:    h.Name(),
		Version: h.Version(),
		Enabled: h.Enabled() && !disabled,
		Status:  h.Status(),
	}
	for eventType := range h.EventHandlers() {
		in.EventTypes = append(in.EventTypes, eventType)
	}
	sort.Strings(in.EventTypes)
	for _, t := range in.EventTypes {
		in.Methods = append(in.Methods, MethodName(t))
	}
	_, in.Generic = h.(GenericHandler)
	if d, ok := h.(Dependent); ok {
		in.Dependencies = d.Dependencies()
	}
	return in
}

// handles reports whether the integration would receive eventType.
func (in Info) handles(eventType string) bool {
	for _, p := range in.EventTypes {
		if event.Match(p, eventType) {
			return true
		}
	}
	return in.Generic && len(in.EventTypes) == 0
}

// List describes every integration, sorted by name.
func (m *Manager) List() []Info {
	regs := m.handlers.Values()
	out := make([]Info, 0, len(regs))
	for _, reg := range regs {
		out = append(out, m.info(reg.handler))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DiscoverFilter narrows Discover. Zero fields match everything.
type DiscoverFilter struct {
	Enabled *bool

	// Version is a constraint such as ">=1.2.0".
	Version string

	// EventTypes keeps integrations handling any of these types.
	EventTypes []string
}

// Discover returns the integrations matching f.
func (m *Manager) Discover(f DiscoverFilter) ([]Info, error) {
	var out []Info
	for _, in := range m.List() {
		if f.Enabled != nil && in.Enabled != *f.Enabled {
			continue
		}
		if f.Version != "" {
			ok, err := Satisfies(in.Version, f.Version)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		if len(f.EventTypes) > 0 {
			handled := false
			for _, t := range f.EventTypes {
				if in.handles(t) {
					handled = true
					break
				}
			}
			if !handled {
				continue
			}
		}
		out = append(out, in)
	}
	return out, nil
}

// DependencyReport is the result of CheckDependencies.
type DependencyReport struct {
	Integration string `json:"integration"`
	Satisfied   bool   `json:"satisfied"`

	// Missing lists required integrations that are not registered.
	Missing []string `json:"missing,omitempty"`

	// Incompatible maps a registered dependency to the reason its
	// version does not satisfy the constraint.
	Incompatible map[string]string `json:"incompatible,omitempty"`
}

// CheckDependencies verifies the named integration's dependencies are
// registered at compatible versions.
func (m *Manager) CheckDependencies(name string) (DependencyReport, error) {
	reg, ok := m.handlers.Get(name)
	if !ok {
		return DependencyReport{}, fmt.Errorf("integration %q: %w", name, ecerrors.ErrHandlerNotFound)
	}
	report := DependencyReport{Integration: name, Satisfied: true}
	d, ok := reg.handler.(Dependent)
	if !ok {
		return report, nil
	}

	deps := d.Dependencies()
	names := make([]string, 0, len(deps))
	for dep := range deps {
		names = append(names, dep)
	}
	sort.Strings(names)

	for _, dep := range names {
		constraint := deps[dep]
		other, ok := m.handlers.Get(dep)
		if !ok {
			report.Missing = append(report.Missing, dep)
			report.Satisfied = false
			continue
		}
		ok, err := Satisfies(other.handler.Version(), constraint)
		if err != nil {
			return DependencyReport{}, err
		}
		if !ok {
			if report.Incompatible == nil {
				report.Incompatible = make(map[string]string)
			}
			report.Incompatible[dep] = fmt.Sprintf("have %s, need %s", other.handler.Version(), constraint)
			report.Satisfied = false
		}
	}
	return report, nil
}

// Integration returns a registered handler.
func (m *Manager) Integration(name string) (Handler, bool) {
	reg, ok := m.handlers.Get(name)
	if !ok {
		return nil, false
	}
	return reg.handler, true
}

// Enable resumes dispatch to an integration.
func (m *Manager) Enable(name string) error {
	return m.setEnabled(name, true)
}

// Disable stops dispatch to an integration without unregistering it.
func (m *Manager) Disable(name string) error {
	return m.setEnabled(name, false)
}

func (m *Manager) setEnabled(name string, enabled bool) error {
	reg, ok := m.handlers.Get(name)
	if !ok {
		return fmt.Errorf("integration %q: %w", name, ecerrors.ErrHandlerNotFound)
	}
	m.mu.Lock()
	if enabled {
		delete(m.disabled, name)
	} else {
		m.disabled[name] = true
	}
	m.mu.Unlock()
	if t, ok := reg.handler.(Toggler); ok {
		t.SetEnabled(enabled)
	}
	return nil
}

// Stats are the manager's counters.
type Stats struct {
	EventsEmitted    int64 `json:"events_emitted"`
	EventsProcessed  int64 `json:"events_processed"`
	EventsFailed     int64 `json:"events_failed"`
	EventsUnhandled  int64 `json:"events_unhandled"`
	EventsFiltered   int64 `json:"events_filtered"`
	EventsQueued     int64 `json:"events_queued"`
	EventsDropped    int64 `json:"events_dropped"`
	EventsIsolated   int64 `json:"events_isolated"`
	EventsRecovered  int64 `json:"events_recovered"`
	HandlersExecuted int64 `json:"handlers_executed"`
	HandlersFailed   int64 `json:"handlers_failed"`
	Integrations     int   `json:"integrations"`
	Handlers         int   `json:"handlers"`
	PendingDelivery  int   `json:"pending_deliveries"`
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		EventsEmitted:    m.stats.emitted.Load(),
		EventsProcessed:  m.stats.processed.Load(),
		EventsFailed:     m.stats.failed.Load(),
		EventsUnhandled:  m.stats.unhandled.Load(),
		EventsFiltered:   m.stats.filtered.Load(),
		EventsQueued:     m.stats.queued.Load(),
		EventsDropped:    m.stats.dropped.Load(),
		EventsIsolated:   m.stats.isolated.Load(),
		EventsRecovered:  m.stats.recovered.Load(),
		HandlersExecuted: m.stats.handlersExecuted.Load(),
		HandlersFailed:   m.stats.handlersFailed.Load(),
		Integrations:     m.handlers.Len(),
		Handlers:         m.HandlerCount(),
		PendingDelivery:  m.ledger.Len(),
	}
}

// SystemHealth combines the manager's stats with every attached
// subsystem's view.
type SystemHealth struct {
	State        State                              `json:"state"`
	Status       health.Status                      `json:"status"`
	Stats        Stats                              `json:"stats"`
	Health       *health.SystemHealth               `json:"health,omitempty"`
	Breakers     map[string]circuit.Status          `json:"breakers,omitempty"`
	Boundaries   map[string]recovery.BoundaryStatus `json:"boundaries,omitempty"`
	Queue        *queue.Stats                       `json:"queue,omitempty"`
	Recovery     *recovery.Stats                    `json:"recovery,omitempty"`
	Integrations []Info                             `json:"integrations"`
}

// SystemHealth returns the nested health snapshot. Without a health
// monitor the verdict is degraded when any breaker is open or boundary
// isolated.
func (m *Manager) SystemHealth(ctx context.Context) SystemHealth {
	sh := SystemHealth{
		State:        m.State(),
		Status:       health.StatusHealthy,
		Stats:        m.Stats(),
		Integrations: m.List(),
	}
	if m.health != nil {
		h := m.health.SystemHealth(ctx)
		sh.Health = &h
		sh.Status = h.Status
	}
	if m.breakers != nil {
		sh.Breakers = m.breakers.Statuses()
		if m.health == nil && len(m.breakers.Open()) > 0 {
			sh.Status = health.StatusDegraded
		}
	}
	if m.boundaries != nil {
		sh.Boundaries = m.boundaries.Statuses()
		if len(m.boundaries.Isolated()) > 0 && sh.Status == health.StatusHealthy {
			sh.Status = health.StatusDegraded
		}
	}
	if m.queue != nil {
		qs := m.queue.Stats()
		sh.Queue = &qs
	}
	if m.recovery != nil {
		rs := m.recovery.Stats()
		sh.Recovery = &rs
	}
	return sh
}
