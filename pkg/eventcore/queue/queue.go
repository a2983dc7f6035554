package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
)

// Queue is a priority work queue with batching, rate limiting, retry and a
// dead-letter ring.
//
// Items are served in strict priority order and FIFO within a priority.
// Failed items go back to the front of their bucket until their attempt
// budget is spent, then move to the dead-letter ring.
type Queue struct {
	cfg     Config
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	limiter *rate.Limiter

	mu          sync.Mutex
	buckets     map[Priority][]*Item
	size        int
	active      int
	delayed     int
	deadLetters []DeadLetter
	paused      bool
	draining    bool
	state       State
	stats       counters

	wake    chan struct{}
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	itemsWG sync.WaitGroup
	running bool
}

type counters struct {
	pushed        int64
	processed     int64
	failed        int64
	retried       int64
	deadLettered  int64
	batches       int64
	totalDuration time.Duration
}

// New creates a queue. Zero config fields take DefaultConfig values.
func New(cfg Config) *Queue {
	cfg = cfg.withDefaults()

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}

	buckets := make(map[Priority][]*Item, len(priorities))
	for _, p := range priorities {
		buckets[p] = nil
	}

	return &Queue{
		cfg:     cfg,
		logger:  observability.EnrichLogger(cfg.Logger, "queue"),
		metrics: cfg.Metrics,
		limiter: limiter,
		buckets: buckets,
		state:   StateIdle,
		wake:    make(chan struct{}, 1),
	}
}

// Push enqueues one item and returns its id.
// It returns a QueueFullError without modifying the queue when full.
func (q *Queue) Push(data any, opts Options) (string, error) {
	ids, err := q.PushBatch([]Entry{{Data: data, Options: opts}})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// PushBatch enqueues all entries or none of them.
func (q *Queue) PushBatch(entries []Entry) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	now := time.Now()
	items := make([]*Item, len(entries))
	for i, e := range entries {
		items[i] = q.newItem(e.Data, e.Options, now)
	}

	q.mu.Lock()
	if owned := q.ownedLocked(); owned+len(items) > q.cfg.MaxSize {
		q.mu.Unlock()
		return nil, &ecerrors.QueueFullError{MaxSize: q.cfg.MaxSize, Size: owned, Requested: len(items)}
	}
	ids := make([]string, len(items))
	for i, it := range items {
		p := it.Options.Priority
		it.owned = true
		q.buckets[p] = append(q.buckets[p], it)
		ids[i] = it.ID
	}
	q.size += len(items)
	q.stats.pushed += int64(len(items))
	q.mu.Unlock()

	q.signal()
	return ids, nil
}

func (q *Queue) newItem(data any, opts Options, now time.Time) *Item {
	if !opts.Priority.Valid() {
		opts.Priority = Normal
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = q.cfg.MaxRetries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = q.cfg.Timeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = q.cfg.RetryDelay
	}
	return &Item{
		ID:       uuid.NewString(),
		Data:     data,
		Options:  opts,
		QueuedAt: now,
	}
}

// ownedLocked counts every item the queue is responsible for.
func (q *Queue) ownedLocked() int {
	return q.size + q.active + q.delayed
}

// NextItems removes and returns up to n items in strict priority order.
func (q *Queue) NextItems(n int) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.takeLocked(n)
}

func (q *Queue) takeLocked(n int) []*Item {
	if n <= 0 || q.size == 0 {
		return nil
	}
	out := make([]*Item, 0, min(n, q.size))
	for _, p := range priorities {
		bucket := q.buckets[p]
		for len(bucket) > 0 && len(out) < n {
			out = append(out, bucket[0])
			bucket[0] = nil
			bucket = bucket[1:]
		}
		q.buckets[p] = bucket
		if len(out) == n {
			break
		}
	}
	q.size -= len(out)
	return out
}

// Remove deletes a queued item. It reports whether the item was found.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range priorities {
		bucket := q.buckets[p]
		for i, it := range bucket {
			if it.ID == id {
				q.buckets[p] = append(bucket[:i:i], bucket[i+1:]...)
				q.size--
				return true
			}
		}
	}
	return false
}

// Size returns the number of queued items, excluding in-flight and
// delayed retries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// State returns the processing state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Tokens returns the whole rate-limit tokens currently available.
// Without a rate limit it returns math.MaxInt.
func (q *Queue) Tokens() int {
	if q.cfg.RateLimit <= 0 {
		return math.MaxInt
	}
	t := q.limiter.Tokens()
	if t < 0 {
		return 0
	}
	return int(math.Floor(t))
}

// Start begins the processing loop. It is a no-op when already running.
// Cancelling ctx ends the loop; items already in flight keep ctx's values
// but not its cancellation.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	itemCtx := context.WithoutCancel(ctx)
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running = true
	q.paused = false
	if q.size > 0 && !q.draining {
		q.state = StateProcessing
	}
	q.mu.Unlock()

	q.loopWG.Add(1)
	go q.loop(ctx, itemCtx)
	q.signal()

	q.logger.Info("queue processing started",
		slog.Int("max_size", q.cfg.MaxSize),
		slog.Int("max_concurrency", q.cfg.MaxConcurrency),
	)
}

// Pause stops pulling new items. In-flight items finish normally.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.state = StatePaused
	q.mu.Unlock()
}

// Resume continues after Pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	if q.size > 0 {
		q.state = StateProcessing
	} else {
		q.state = StateIdle
	}
	q.mu.Unlock()
	q.signal()
}

// Drain processes until the queue, in-flight items and delayed retries are
// all empty, then returns to idle. It starts the loop if needed and
// returns the context error if ctx ends first.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	q.draining = true
	q.paused = false
	q.state = StateDraining
	running := q.running
	q.mu.Unlock()

	if !running {
		q.Start(context.WithoutCancel(ctx))
	}

	defer func() {
		q.mu.Lock()
		q.draining = false
		if q.state == StateDraining {
			q.state = StateIdle
		}
		q.mu.Unlock()
	}()

	ticker := time.NewTicker(q.cfg.ProcessingInterval)
	defer ticker.Stop()
	for {
		q.mu.Lock()
		done := q.ownedLocked() == 0
		q.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.signal()
		}
	}
}

// Stop ends the processing loop and waits for in-flight items to finish
// on their own; each is still bounded by its item timeout. Queued items
// and pending retries stay queued.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel := q.cancel
	q.mu.Unlock()

	cancel()
	q.loopWG.Wait()

	q.mu.Lock()
	inFlight := q.active
	q.mu.Unlock()
	if inFlight > 0 {
		q.logger.Info("waiting for in-flight items", slog.Int("in_flight", inFlight))
	}
	q.itemsWG.Wait()

	q.mu.Lock()
	q.state = StateIdle
	queued, delayed := q.size, q.delayed
	q.mu.Unlock()
	q.logger.Info("queue processing stopped",
		slog.Int("queued", queued),
		slog.Int("delayed_retries", delayed),
	)
}

// Clear removes queued items, and dead letters when includeDeadLetters is
// set. It returns the number of queued items removed.
func (q *Queue) Clear(includeDeadLetters bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.size
	for _, p := range priorities {
		q.buckets[p] = nil
	}
	q.size = 0
	if includeDeadLetters {
		q.deadLetters = nil
	}
	return n
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop(ctx, itemCtx context.Context) {
	defer q.loopWG.Done()
	ticker := time.NewTicker(q.cfg.ProcessingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.wake:
		}
		q.cycle(itemCtx)
	}
}

// cycle runs one processing step.
func (q *Queue) cycle(ctx context.Context) {
	q.mu.Lock()
	if q.paused {
		q.mu.Unlock()
		return
	}
	if q.size == 0 {
		idle := q.active == 0 && q.delayed == 0 && q.state != StateIdle && !q.draining
		if idle {
			q.state = StateIdle
		}
		q.mu.Unlock()
		if idle && q.cfg.OnEmpty != nil {
			q.cfg.OnEmpty()
		}
		return
	}

	slots := min(q.cfg.MaxConcurrency-q.active, q.cfg.BatchSize, q.size, q.Tokens())
	if slots <= 0 {
		q.mu.Unlock()
		return
	}
	if q.cfg.RateLimit > 0 && !q.limiter.AllowN(time.Now(), slots) {
		q.mu.Unlock()
		return
	}
	items := q.takeLocked(slots)
	q.active += len(items)
	if !q.draining {
		q.state = StateProcessing
	}
	q.mu.Unlock()

	var batch, single []*Item
	for _, it := range items {
		if it.Options.Batchable {
			batch = append(batch, it)
		} else {
			single = append(single, it)
		}
	}
	if !q.cfg.EnableBatching || len(batch) < 2 {
		single = append(single, batch...)
		batch = nil
	}

	if len(batch) > 0 {
		q.itemsWG.Add(1)
		go func() {
			defer q.itemsWG.Done()
			q.ProcessBatch(ctx, batch)
			q.release(len(batch))
		}()
	}
	for _, it := range single {
		q.itemsWG.Add(1)
		go func() {
			defer q.itemsWG.Done()
			_, _ = q.ProcessItem(ctx, it)
			q.release(1)
		}()
	}
}

func (q *Queue) release(n int) {
	q.mu.Lock()
	q.active -= n
	q.mu.Unlock()
	q.signal()
}

// ProcessItem runs one attempt for item. On failure an item that was
// pushed to this queue is either re-queued at the front of its bucket or
// dead-lettered; any other item is only reported. An attempt abandoned
// because ctx was cancelled does not count against the item.
func (q *Queue) ProcessItem(ctx context.Context, item *Item) (any, error) {
	start := time.Now()
	item.Attempts++
	item.LastAttempt = start

	result, err := q.invoke(ctx, item)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			item.Attempts--
			q.restore(item)
			return nil, err
		}
		q.handleFailure(item, err, duration)
		return nil, err
	}

	q.mu.Lock()
	q.stats.processed++
	q.stats.totalDuration += duration
	q.mu.Unlock()

	q.metrics.RecordQueueOutcome(ctx, item.Options.Priority.String(), "processed", duration)
	if q.cfg.OnProcessed != nil {
		q.cfg.OnProcessed(item, result)
	}
	return result, nil
}

// ProcessBatch processes items grouped by processor. Items within a group
// run concurrently and each keeps its own retry accounting.
func (q *Queue) ProcessBatch(ctx context.Context, items []*Item) []BatchResult {
	var order []string
	groups := make(map[string][]*Item)
	for _, it := range items {
		key := it.batchKey()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], it)
	}

	out := make([]BatchResult, 0, len(order))
	for _, key := range order {
		group := groups[key]
		res := BatchResult{
			Key:     key,
			Items:   group,
			Results: make([]any, len(group)),
			Errors:  make([]error, len(group)),
		}

		var g errgroup.Group
		for i, it := range group {
			g.Go(func() error {
				res.Results[i], res.Errors[i] = q.ProcessItem(ctx, it)
				return nil
			})
		}
		_ = g.Wait()

		q.mu.Lock()
		q.stats.batches++
		q.mu.Unlock()

		if q.cfg.OnBatch != nil {
			q.cfg.OnBatch(res)
		}
		out = append(out, res)
	}
	return out
}

// invoke runs the processor raced against the item timeout.
func (q *Queue) invoke(ctx context.Context, item *Item) (any, error) {
	proc := item.Options.Processor
	if proc == nil {
		proc = q.cfg.Processor
	}
	if proc == nil {
		return item.Data, nil
	}

	timeout := item.Options.Timeout
	if timeout <= 0 {
		timeout = q.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("processor panic: %v", r)}
			}
		}()
		res, err := proc(ctx, item.Data, item)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &ecerrors.TimeoutError{Operation: "queue item " + item.ID, Timeout: timeout}
		}
		return nil, ctx.Err()
	}
}

func (q *Queue) handleFailure(item *Item, err error, duration time.Duration) {
	item.Errors = append(item.Errors, err.Error())
	priority := item.Options.Priority.String()

	q.mu.Lock()
	q.stats.failed++
	if !item.owned {
		q.mu.Unlock()
		q.logger.Debug("unqueued item failed",
			slog.String("item_id", item.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	retry := item.Attempts < item.Options.MaxRetries
	if retry {
		q.stats.retried++
		q.delayed++
	}
	q.mu.Unlock()

	if retry {
		q.metrics.RecordQueueOutcome(context.Background(), priority, "retried", duration)
		q.logger.Warn("queue item failed, retrying",
			slog.String("item_id", item.ID),
			slog.Int("attempt", item.Attempts),
			slog.Int("max_retries", item.Options.MaxRetries),
			slog.String("error", err.Error()),
		)
		if q.cfg.OnRetry != nil {
			q.cfg.OnRetry(item, err)
		}
		time.AfterFunc(item.Options.RetryDelay, func() { q.requeueFront(item) })
		return
	}

	entry := DeadLetter{Item: *item, DeadLetteredAt: time.Now(), LastError: err.Error()}
	q.mu.Lock()
	if len(q.deadLetters) >= q.cfg.DeadLetterSize {
		q.deadLetters = q.deadLetters[1:]
	}
	q.deadLetters = append(q.deadLetters, entry)
	q.stats.deadLettered++
	q.mu.Unlock()

	q.metrics.RecordQueueOutcome(context.Background(), priority, "dead_lettered", duration)
	observability.LogDeadLetter(q.logger.With(slog.Bool("guaranteed", item.Options.Guaranteed)),
		item.ID, item.Attempts, err)
	if q.cfg.OnDeadLetter != nil {
		q.cfg.OnDeadLetter(entry)
	}
}

// restore returns an item whose attempt was abandoned to the head of its
// bucket without a retry delay.
func (q *Queue) restore(item *Item) {
	if !item.owned {
		return
	}
	q.mu.Lock()
	p := item.Options.Priority
	q.buckets[p] = append([]*Item{item}, q.buckets[p]...)
	q.size++
	q.mu.Unlock()
	q.signal()
}

// requeueFront puts a retried item back at the head of its bucket.
func (q *Queue) requeueFront(item *Item) {
	q.mu.Lock()
	p := item.Options.Priority
	q.buckets[p] = append([]*Item{item}, q.buckets[p]...)
	q.size++
	q.delayed--
	q.mu.Unlock()
	q.signal()
}
