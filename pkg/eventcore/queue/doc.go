// Package queue implements an in-memory priority work queue.
//
// Items are pushed with Options (priority, attempt budget, timeout,
// batchable, guaranteed) and pulled in strict priority order, FIFO within a
// priority. A processing loop runs on a fixed interval and wakes early on
// push; each cycle takes
//
//	min(MaxConcurrency-active, BatchSize, Size, rate tokens)
//
// items and processes two or more batchable ones as a batch grouped by
// processor. Failed items return to the front of their bucket after a
// retry delay until their attempt budget is spent, then move to a bounded
// dead-letter ring that evicts its oldest entry first.
//
// Basic usage:
//
//	q := queue.New(queue.DefaultConfig)
//	q.Start(ctx)
//	defer q.Stop()
//
//	id, err := q.Push(event, queue.Options{Priority: queue.High})
//	var full *ecerrors.QueueFullError
//	if errors.As(err, &full) {
//	    // rejected, nothing was queued
//	}
package queue
