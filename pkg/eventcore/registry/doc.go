// Package registry provides the generic thread-safe keyed store that backs the
// eventcore component registries: circuit breakers by name, health checks by
// name, integration handlers by name and error boundaries by name.
//
// Registry is designed for read-heavy workloads using sync.RWMutex. Each owning
// component mutates its own registry; callers receive copies or snapshots and
// never reach into the underlying map.
//
// # Lazy Creation
//
// GetOrCreate is atomic, so the factory is called at most once per key even
// under concurrent access:
//
//	breakers := registry.New[string, *circuit.Breaker]()
//	b := breakers.GetOrCreate("github", func() *circuit.Breaker {
//	    return circuit.New(circuit.Config{Name: "github"})
//	})
//
// # Replacement
//
// Swap stores a value and returns the previous one, which lets callers
// shut down a replaced entry outside the lock:
//
//	old, replaced := handlers.Swap("jira", newHandler)
//	if replaced {
//	    _ = old.Shutdown(ctx)
//	}
//
// # Iteration
//
// Range iterates over a snapshot, so Register and LoadAndDelete are safe
// inside the callback.
package registry
