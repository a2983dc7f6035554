package queue

import (
	"slices"
	"time"
)

// DeadLetters returns dead-lettered items matching query, oldest first.
func (q *Queue) DeadLetters(query DeadLetterQuery) []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]DeadLetter, 0, len(q.deadLetters))
	for _, dl := range q.deadLetters {
		if query.Priority != nil && dl.Item.Options.Priority != *query.Priority {
			continue
		}
		if !query.Since.IsZero() && dl.DeadLetteredAt.Before(query.Since) {
			continue
		}
		out = append(out, dl)
		if query.Limit > 0 && len(out) == query.Limit {
			break
		}
	}
	return out
}

// RetryDeadLetters moves dead letters back into the queue with a fresh
// attempt budget. With no ids every dead letter is retried. Items that no
// longer fit stay in the ring. It returns the ids re-queued.
func (q *Queue) RetryDeadLetters(ids ...string) []string {
	q.mu.Lock()
	var retried []string
	kept := q.deadLetters[:0:0]
	now := time.Now()
	for _, dl := range q.deadLetters {
		wanted := len(ids) == 0 || slices.Contains(ids, dl.Item.ID)
		if !wanted || q.ownedLocked() >= q.cfg.MaxSize {
			kept = append(kept, dl)
			continue
		}
		item := dl.Item
		item.Attempts = 0
		item.Errors = nil
		item.QueuedAt = now
		p := item.Options.Priority
		q.buckets[p] = append(q.buckets[p], &item)
		q.size++
		retried = append(retried, item.ID)
	}
	q.deadLetters = kept
	q.mu.Unlock()

	if len(retried) > 0 {
		q.signal()
	}
	return retried
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	State          State
	Size           int
	ByPriority     map[string]int
	Active         int
	DelayedRetries int
	Pushed         int64
	Processed      int64
	Failed         int64
	Retried        int64
	DeadLettered   int64
	DeadLetterSize int
	Batches        int64
	AvgProcessing  time.Duration
	Tokens         int
}

// Stats returns current counters.
func (q *Queue) Stats() Stats {
	tokens := q.Tokens()

	q.mu.Lock()
	defer q.mu.Unlock()

	by := make(map[string]int, len(priorities))
	for _, p := range priorities {
		by[p.String()] = len(q.buckets[p])
	}
	var avg time.Duration
	if q.stats.processed > 0 {
		avg = q.stats.totalDuration / time.Duration(q.stats.processed)
	}
	return Stats{
		State:          q.state,
		Size:           q.size,
		ByPriority:     by,
		Active:         q.active,
		DelayedRetries: q.delayed,
		Pushed:         q.stats.pushed,
		Processed:      q.stats.processed,
		Failed:         q.stats.failed,
		Retried:        q.stats.retried,
		DeadLettered:   q.stats.deadLettered,
		DeadLetterSize: len(q.deadLetters),
		Batches:        q.stats.batches,
		AvgProcessing:  avg,
		Tokens:         tokens,
	}
}
