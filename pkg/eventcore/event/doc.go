// Package event provides in-process publish/subscribe primitives and the
// standardized event payload.
//
// This package implements:
//   - Payload: the versioned, immutable payload every emitted event carries
//   - Validator: payload shape and per-type required field checks
//   - Bus: topic and channel addressed pub/sub with history, replay,
//     routing rules and message de-duplication
//   - Emitter: listener registry with priorities, filters, per-listener
//     timeouts and retries
//   - Ledger: failed guaranteed deliveries shared by Bus and Emitter
//
// Topics and event types may be subscribed exactly, with the wildcard "*",
// or with a prefix pattern such as "task:*" or "sync.*".
//
// # Guaranteed Delivery
//
// Bus and Emitter share one contract. A guaranteed delivery that fails is
// recorded in the Ledger; Bus.Publish additionally reports the failures to
// its caller. RetryFailedDeliveries on either primitive re-attempts every
// recorded delivery, and hosts usually drive it from a timer.
//
//	ledger := event.NewLedger(0, logger)
//	bus := event.NewBus(event.BusConfig{Ledger: ledger})
//	em := event.NewEmitter(event.EmitterConfig{Ledger: ledger})
//
//	res, _ := bus.Publish(ctx, "sync.jira", data, event.PublishOptions{Guaranteed: true})
//	if !res.Success {
//	    // res.Failures lists the rejecting subscribers
//	}
//	report := em.RetryFailedDeliveries(ctx) // retries bus and emitter failures
package event
