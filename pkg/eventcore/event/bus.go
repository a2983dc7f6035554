package event

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	ecerrors "github.com/randalmurphal/eventcore/pkg/eventcore/errors"
	"github.com/randalmurphal/eventcore/pkg/eventcore/observability"
)

// DefaultChannel is used when a message is published without a channel.
const DefaultChannel = "default"

// Message is one published bus message.
type Message struct {
	ID        string
	Topic     string
	Channel   string
	Data      any
	Priority  int
	Metadata  map[string]any
	Timestamp time.Time
}

// SubscriberFunc receives bus messages.
type SubscriberFunc func(ctx context.Context, msg Message) error

// PublishOptions configure one publication.
type PublishOptions struct {
	Channel    string
	Priority   int
	Metadata   map[string]any
	Guaranteed bool

	// MessageID enables de-duplication within the bus DedupeTTL window.
	MessageID string
}

// SubscribeOptions configure one subscription.
type SubscribeOptions struct {
	// Channel restricts delivery to one channel. Empty receives every channel.
	Channel string

	// Priority orders delivery; higher values are delivered first.
	Priority int

	Filter func(Message) bool
	Once   bool

	// Replay re-delivers up to ReplayCount historical messages
	// asynchronously right after subscribing. ReplayCount <= 0 means 10.
	Replay      bool
	ReplayCount int
}

// DeliveryFailure describes one subscriber that rejected a message.
type DeliveryFailure struct {
	SubscriptionID string
	Err            error
}

// PublishResult reports a publication.
type PublishResult struct {
	MessageID string
	Delivered int
	Success   bool
	Duplicate bool
	Failures  []DeliveryFailure
}

// RoutingRule runs Action for every published message matching Condition.
type RoutingRule struct {
	Name      string
	Condition func(Message) bool
	Action    func(ctx context.Context, msg Message) error
}

// BusConfig configures a Bus.
type BusConfig struct {
	// HistorySize bounds the per-topic message history. Default: 100.
	HistorySize int

	// DedupeTTL enables MessageID de-duplication. Zero disables it.
	DedupeTTL time.Duration

	// DedupeSize bounds the de-duplication cache. Default: 10000.
	DedupeSize int

	// Ledger records failed guaranteed deliveries. Default: a private ledger.
	Ledger *Ledger

	Logger *slog.Logger
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	HistorySize: 100,
	DedupeSize:  10000,
}

// BusStats are bus counters.
type BusStats struct {
	Topics      int
	Subscribers int
	Published   int64
	Delivered   int64
	Failed      int64
	Duplicates  int64
	RuleErrors  int64
	Pending     int
}

type busSubscription struct {
	id      string
	pattern string
	fn      SubscriberFunc
	opts    SubscribeOptions
	seq     uint64
	fired   atomic.Bool
}

// Bus is an in-process topic and channel addressed publish/subscribe hub.
// Delivery is synchronous, in descending subscriber priority.
type Bus struct {
	cfg    BusConfig
	logger *slog.Logger
	ledger *Ledger
	dedupe *expirable.LRU[string, struct{}]

	mu      sync.RWMutex
	topics  map[string]map[string]struct{} // topic -> channels
	history map[string][]Message
	subs    map[string]*busSubscription
	rules   []RoutingRule
	seq     uint64

	published  atomic.Int64
	delivered  atomic.Int64
	failed     atomic.Int64
	duplicates atomic.Int64
	ruleErrors atomic.Int64
}

// NewBus creates a bus.
func NewBus(cfg BusConfig) *Bus {
	if cfg.HistorySize < 0 {
		cfg.HistorySize = 0
	} else if cfg.HistorySize == 0 {
		cfg.HistorySize = DefaultBusConfig.HistorySize
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = DefaultBusConfig.DedupeSize
	}
	logger := observability.EnrichLogger(observability.LoggerOrDefault(cfg.Logger), "bus")
	if cfg.Ledger == nil {
		cfg.Ledger = NewLedger(0, logger)
	}

	b := &Bus{
		cfg:     cfg,
		logger:  logger,
		ledger:  cfg.Ledger,
		topics:  make(map[string]map[string]struct{}),
		history: make(map[string][]Message),
		subs:    make(map[string]*busSubscription),
	}
	if cfg.DedupeTTL > 0 {
		b.dedupe = expirable.NewLRU[string, struct{}](cfg.DedupeSize, nil, cfg.DedupeTTL)
	}
	return b
}

// Publish delivers data to every matching subscriber. Invalid topics are
// rejected with a ValidationError. Subscriber failures never abort
// delivery; with Guaranteed set they are returned in Failures, recorded in
// the ledger and Success is false.
func (b *Bus) Publish(ctx context.Context, topic string, data any, opts PublishOptions) (PublishResult, error) {
	if topic == "" || !ValidName(topic) || IsPattern(topic) {
		return PublishResult{}, &ecerrors.ValidationError{
			Subject: "topic",
			Errors:  []string{fmt.Sprintf("invalid topic %q", topic)},
		}
	}

	if b.dedupe != nil && opts.MessageID != "" {
		if _, seen := b.dedupe.Get(opts.MessageID); seen {
			b.duplicates.Add(1)
			return PublishResult{MessageID: opts.MessageID, Success: true, Duplicate: true}, nil
		}
		b.dedupe.Add(opts.MessageID, struct{}{})
	}

	channel := opts.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	id := opts.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	msg := Message{
		ID:        id,
		Topic:     topic,
		Channel:   channel,
		Data:      data,
		Priority:  opts.Priority,
		Metadata:  opts.Metadata,
		Timestamp: time.Now(),
	}

	b.mu.Lock()
	channels, ok := b.topics[topic]
	if !ok {
		channels = make(map[string]struct{})
		b.topics[topic] = channels
	}
	channels[channel] = struct{}{}
	if b.cfg.HistorySize > 0 {
		h := append(b.history[topic], msg)
		if len(h) > b.cfg.HistorySize {
			h = h[len(h)-b.cfg.HistorySize:]
		}
		b.history[topic] = h
	}
	rules := slices.Clone(b.rules)
	subs := b.matchingLocked(msg)
	b.mu.Unlock()

	b.published.Add(1)
	b.runRules(ctx, rules, msg)

	result := PublishResult{MessageID: id, Success: true}
	for _, sub := range subs {
		if sub.opts.Once && !sub.fired.CompareAndSwap(false, true) {
			continue
		}
		err := b.deliver(ctx, sub, msg)
		if sub.opts.Once {
			b.Unsubscribe(sub.id)
		}
		if err == nil {
			result.Delivered++
			continue
		}

		b.failed.Add(1)
		b.logger.Warn("bus subscriber failed",
			slog.String("topic", topic),
			slog.String("subscription_id", sub.id),
			slog.String("error", err.Error()),
		)
		if opts.Guaranteed {
			result.Success = false
			result.Failures = append(result.Failures, DeliveryFailure{SubscriptionID: sub.id, Err: err})
			b.recordFailure(sub.id, msg, err)
		}
	}
	b.delivered.Add(int64(result.Delivered))
	return result, nil
}

func (b *Bus) recordFailure(subID string, msg Message, err error) {
	b.ledger.Record(Delivery{
		Origin:    "bus",
		Target:    subID,
		Name:      msg.Topic,
		Data:      msg.Data,
		Attempts:  1,
		LastError: err.Error(),
	}, func(ctx context.Context) error {
		b.mu.RLock()
		sub, ok := b.subs[subID]
		b.mu.RUnlock()
		if !ok {
			return ecerrors.ErrNotFound
		}
		return b.deliver(ctx, sub, msg)
	})
}

// deliver calls one subscriber, converting panics to errors.
func (b *Bus) deliver(ctx context.Context, sub *busSubscription, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return sub.fn(ctx, msg)
}

func (b *Bus) runRules(ctx context.Context, rules []RoutingRule, msg Message) {
	for _, rule := range rules {
		if err := b.runRule(ctx, rule, msg); err != nil {
			b.ruleErrors.Add(1)
			b.logger.Warn("routing rule failed",
				slog.String("rule", rule.Name),
				slog.String("topic", msg.Topic),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (b *Bus) runRule(ctx context.Context, rule RoutingRule, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule panic: %v", r)
		}
	}()
	if rule.Condition != nil && !rule.Condition(msg) {
		return nil
	}
	return rule.Action(ctx, msg)
}

// matchingLocked returns subscribers for msg, highest priority first and
// in subscription order within a priority.
func (b *Bus) matchingLocked(msg Message) []*busSubscription {
	var out []*busSubscription
	for _, sub := range b.subs {
		if b.accepts(sub, msg) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].opts.Priority != out[j].opts.Priority {
			return out[i].opts.Priority > out[j].opts.Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (b *Bus) accepts(sub *busSubscription, msg Message) bool {
	if !Match(sub.pattern, msg.Topic) {
		return false
	}
	if sub.opts.Channel != "" && sub.opts.Channel != msg.Channel {
		return false
	}
	if sub.opts.Filter != nil && !sub.opts.Filter(msg) {
		return false
	}
	return true
}

// Subscribe registers fn for topic, which may be exact, the wildcard or a
// prefix pattern. It returns the subscription id.
func (b *Bus) Subscribe(topic string, fn SubscriberFunc, opts SubscribeOptions) (string, error) {
	if topic == "" || !ValidName(topic) {
		return "", &ecerrors.ValidationError{
			Subject: "topic",
			Errors:  []string{fmt.Sprintf("invalid topic %q", topic)},
		}
	}
	if fn == nil {
		return "", &ecerrors.ValidationError{Subject: "subscriber", Errors: []string{"subscriber function is nil"}}
	}

	b.mu.Lock()
	b.seq++
	sub := &busSubscription{
		id:      uuid.NewString(),
		pattern: topic,
		fn:      fn,
		opts:    opts,
		seq:     b.seq,
	}
	b.subs[sub.id] = sub
	var replay []Message
	if opts.Replay {
		replay = b.replayLocked(sub)
	}
	b.mu.Unlock()

	if len(replay) > 0 {
		go b.replay(sub, replay)
	}
	return sub.id, nil
}

func (b *Bus) replayLocked(sub *busSubscription) []Message {
	n := sub.opts.ReplayCount
	if n <= 0 {
		n = 10
	}
	var msgs []Message
	for topic, h := range b.history {
		if !Match(sub.pattern, topic) {
			continue
		}
		for _, m := range h {
			if b.accepts(sub, m) {
				msgs = append(msgs, m)
			}
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs
}

func (b *Bus) replay(sub *busSubscription, msgs []Message) {
	ctx := context.Background()
	for _, m := range msgs {
		if sub.opts.Once && !sub.fired.CompareAndSwap(false, true) {
			return
		}
		if err := b.deliver(ctx, sub, m); err != nil {
			b.logger.Warn("bus replay delivery failed",
				slog.String("subscription_id", sub.id),
				slog.String("topic", m.Topic),
				slog.String("error", err.Error()),
			)
		}
		if sub.opts.Once {
			b.Unsubscribe(sub.id)
			return
		}
	}
}

// Unsubscribe removes a subscription. It reports whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

// AddRoutingRule registers a rule that runs before subscriber delivery.
func (b *Bus) AddRoutingRule(name string, condition func(Message) bool, action func(ctx context.Context, msg Message) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rules = append(b.rules, RoutingRule{Name: name, Condition: condition, Action: action})
}

// History returns up to limit recent messages for topic, oldest first.
// An empty channel matches every channel; limit <= 0 returns everything kept.
func (b *Bus) History(topic, channel string, limit int) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Message
	for _, m := range b.history[topic] {
		if channel == "" || m.Channel == channel {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Topics returns the topics published so far, sorted.
func (b *Bus) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.topics))
	for t := range b.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Ledger returns the guaranteed-delivery ledger.
func (b *Bus) Ledger() *Ledger {
	return b.ledger
}

// RetryFailedDeliveries re-attempts every failed guaranteed delivery in
// the ledger.
func (b *Bus) RetryFailedDeliveries(ctx context.Context) RetryReport {
	return b.ledger.Retry(ctx)
}

// Stats returns bus counters.
func (b *Bus) Stats() BusStats {
	b.mu.RLock()
	topics, subs := len(b.topics), len(b.subs)
	b.mu.RUnlock()
	return BusStats{
		Topics:      topics,
		Subscribers: subs,
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Failed:      b.failed.Load(),
		Duplicates:  b.duplicates.Load(),
		RuleErrors:  b.ruleErrors.Load(),
		Pending:     b.ledger.Len(),
	}
}
