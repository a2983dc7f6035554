// Package integration dispatches task-management events to pluggable
// integration handlers.
//
// A Handler exposes an explicit table mapping event types to functions.
// Concrete handlers embed Base for lifecycle, retry and configuration
// helpers and supply the table themselves:
//
//	type tracker struct {
//		integration.Base
//	}
//
//	func (t *tracker) EventHandlers() map[string]integration.EventFunc {
//		return map[string]integration.EventFunc{
//			event.TaskCreated: t.handleTaskCreated,
//		}
//	}
//
// The Manager registers handlers, runs middleware, routes events to exact,
// wildcard and prefix-pattern subscriptions and bounds handler
// concurrency. Each handler call passes through the configured circuit
// breaker, error boundary, retry policy and timeout, outermost first.
// Bulk event types are deferred to the queue.
//
// Manager state moves uninitialized -> initializing -> initialized ->
// shutting-down -> uninitialized. Events emitted outside the initialized
// state are logged and dropped.
package integration
