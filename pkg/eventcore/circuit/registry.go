package circuit

import (
	"context"
	"sort"

	"github.com/randalmurphal/eventcore/pkg/eventcore/registry"
)

// Registry holds named breakers created lazily from shared defaults.
type Registry struct {
	defaults Config
	breakers *registry.Registry[string, *Breaker]
}

// NewRegistry creates a registry whose breakers inherit defaults.
func NewRegistry(defaults Config) *Registry {
	return &Registry{
		defaults: defaults.withDefaults(DefaultConfig),
		breakers: registry.New[string, *Breaker](),
	}
}

// Get returns the breaker for name, creating it on first use. Overrides
// only apply when the breaker is created.
func (r *Registry) Get(name string, overrides *Config) *Breaker {
	return r.breakers.GetOrCreate(name, func() *Breaker {
		cfg := r.defaults
		if overrides != nil {
			cfg = overrides.withDefaults(r.defaults)
		}
		cfg.Name = name
		return New(cfg)
	})
}

// Lookup returns an existing breaker.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	return r.breakers.Get(name)
}

// Remove drops a breaker. It reports whether it existed.
func (r *Registry) Remove(name string) bool {
	_, ok := r.breakers.LoadAndDelete(name)
	return ok
}

// Execute runs fn through the named breaker.
func (r *Registry) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return r.Get(name, nil).Execute(ctx, fn)
}

// Names returns breaker names in sorted order.
func (r *Registry) Names() []string {
	names := r.breakers.Keys()
	sort.Strings(names)
	return names
}

// Statuses returns a snapshot of every breaker keyed by name.
func (r *Registry) Statuses() map[string]Status {
	out := make(map[string]Status, r.breakers.Len())
	r.breakers.Range(func(name string, b *Breaker) bool {
		out[name] = b.Status()
		return true
	})
	return out
}

// ResetAll resets every breaker.
func (r *Registry) ResetAll() {
	for _, b := range r.breakers.Values() {
		b.Reset()
	}
}

// Healthy returns the names of closed breakers.
func (r *Registry) Healthy() []string {
	return r.filter(func(s State) bool { return s == StateClosed })
}

// Unhealthy returns the names of open and half-open breakers.
func (r *Registry) Unhealthy() []string {
	return r.filter(func(s State) bool { return s != StateClosed })
}

// Open returns the names of open breakers.
func (r *Registry) Open() []string {
	return r.filter(func(s State) bool { return s == StateOpen })
}

func (r *Registry) filter(keep func(State) bool) []string {
	var out []string
	r.breakers.Range(func(name string, b *Breaker) bool {
		if keep(b.State()) {
			out = append(out, name)
		}
		return true
	})
	sort.Strings(out)
	return out
}
