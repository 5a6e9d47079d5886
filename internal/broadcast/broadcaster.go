package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/game/event"
	"github.com/cory-johannsen/tablesync/internal/observability"
)

var (
	// ErrSubscriptionLimit is returned when a user already holds the maximum subscriptions.
	ErrSubscriptionLimit = errors.New("subscription limit exceeded")
	// ErrSubscriptionNotFound is returned when unsubscribing an unknown id.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("broadcaster closed")
)

// Delivery is what a handler receives.
type Delivery struct {
	SubscriptionID string
	UserID         string
	Event          event.Event
}

// Handler consumes deliveries for one subscription. Calls for a subscription are sequential.
type Handler interface {
	Handle(ctx context.Context, d Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d Delivery) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, d Delivery) error { return f(ctx, d) }

// BatchObserver sees every flushed batch, e.g. to relay it to other nodes.
type BatchObserver interface {
	ObserveBatch(b Batch)
}

// Config holds Broadcaster tunables.
type Config struct {
	Batcher                 BatcherConfig
	MaxSubscriptionsPerUser int
	SubscriptionTimeout     time.Duration
	OutboxSize              int
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Batcher:                 DefaultBatcherConfig(),
		MaxSubscriptionsPerUser: 10,
		SubscriptionTimeout:     time.Hour,
		OutboxSize:              64,
	}
}

// Subscription is a registered interest in one room's events. An empty UserID is a wildcard
// subscription that receives room broadcasts but no user-directed messages.
type Subscription struct {
	id            string
	interactionID string
	userID        string
	types         map[event.Type]bool
	handler       Handler

	lastTraffic atomic.Int64

	mu     sync.Mutex
	outbox chan Delivery
	closed bool
}

// ID returns the subscription id.
func (s *Subscription) ID() string { return s.id }

// Matches reports whether t passes the subscription's type filter.
func (s *Subscription) Matches(t event.Type) bool {
	return s.types[event.Wildcard] || s.types[t]
}

// push enqueues d without blocking.
//
// Postcondition: Returns false if the subscription is closed or its outbox is full.
func (s *Subscription) push(d Delivery) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.outbox <- d:
		return true
	default:
		return false
	}
}

func (s *Subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.outbox)
	return true
}

// Broadcaster is the subscription registry and fan-out point. It implements the room
// notifier interface. All methods are safe for concurrent use.
type Broadcaster struct {
	cfg     Config
	clk     clock.Clock
	batcher *Batcher
	metrics *observability.Metrics
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.RWMutex
	subs      map[string]*Subscription
	byRoom    map[string]map[string]*Subscription
	userCount map[string]int
	observers []BatchObserver
	closed    bool
}

// New creates a Broadcaster with its own Batcher.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a Broadcaster ready for Subscribe.
func New(cfg Config, clk clock.Clock, metrics *observability.Metrics, logger *zap.Logger) *Broadcaster {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broadcaster{
		cfg:       cfg,
		clk:       clk,
		metrics:   metrics,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]*Subscription),
		byRoom:    make(map[string]map[string]*Subscription),
		userCount: make(map[string]int),
	}
	b.batcher = NewBatcher(cfg.Batcher, clk, b.deliverBatch, metrics, logger)
	return b
}

// Batcher exposes the underlying batcher for diagnostics.
func (b *Broadcaster) Batcher() *Batcher { return b.batcher }

// AddObserver registers o to see every flushed batch.
func (b *Broadcaster) AddObserver(o BatchObserver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Subscribe registers h for events of the given types in interactionID. No types, or
// event.Wildcard among them, means every type.
//
// Precondition: interactionID must be non-empty; h must not be nil.
// Postcondition: Returns the subscription id, or ErrSubscriptionLimit if userID already holds
// the maximum number of subscriptions. Existing subscriptions are never evicted.
func (b *Broadcaster) Subscribe(interactionID string, types []event.Type, userID string, h Handler) (string, error) {
	if interactionID == "" {
		return "", fmt.Errorf("subscribe: interaction id is required")
	}
	filter := make(map[event.Type]bool, len(types))
	for _, t := range types {
		filter[t] = true
	}
	if len(filter) == 0 {
		filter[event.Wildcard] = true
	}
	s := &Subscription{
		id:            uuid.NewString(),
		interactionID: interactionID,
		userID:        userID,
		types:         filter,
		handler:       h,
		outbox:        make(chan Delivery, b.cfg.OutboxSize),
	}
	s.lastTraffic.Store(b.clk.Now().UnixNano())

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	if userID != "" && b.userCount[userID] >= b.cfg.MaxSubscriptionsPerUser {
		b.mu.Unlock()
		return "", fmt.Errorf("user %s holds %d subscriptions: %w", userID, b.cfg.MaxSubscriptionsPerUser, ErrSubscriptionLimit)
	}
	b.subs[s.id] = s
	room := b.byRoom[interactionID]
	if room == nil {
		room = make(map[string]*Subscription)
		b.byRoom[interactionID] = room
	}
	room[s.id] = s
	if userID != "" {
		b.userCount[userID]++
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go b.pump(s)
	return s.id, nil
}

// Unsubscribe removes the subscription. Deliveries already in its outbox are still handled.
//
// Postcondition: Returns ErrSubscriptionNotFound for an unknown id.
func (b *Broadcaster) Unsubscribe(id string) error {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		b.unregisterLocked(s)
	}
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrSubscriptionNotFound)
	}
	s.close()
	return nil
}

func (b *Broadcaster) unregisterLocked(s *Subscription) {
	delete(b.subs, s.id)
	if room := b.byRoom[s.interactionID]; room != nil {
		delete(room, s.id)
		if len(room) == 0 {
			delete(b.byRoom, s.interactionID)
		}
	}
	if s.userID != "" {
		b.userCount[s.userID]--
		if b.userCount[s.userID] <= 0 {
			delete(b.userCount, s.userID)
		}
	}
}

// RemoveRoom delivers whatever is still queued for interactionID, then drops its batch queue
// and every subscription. Outboxes already holding the final batches drain before their
// pumps exit.
func (b *Broadcaster) RemoveRoom(interactionID string) {
	b.batcher.Drain(interactionID)
	b.batcher.Drop(interactionID)
	b.mu.Lock()
	var doomed []*Subscription
	for _, s := range b.byRoom[interactionID] {
		doomed = append(doomed, s)
	}
	for _, s := range doomed {
		b.unregisterLocked(s)
	}
	b.mu.Unlock()
	for _, s := range doomed {
		s.close()
	}
}

// SubscriptionCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// UserSubscriptionCount returns how many subscriptions userID holds.
func (b *Broadcaster) UserSubscriptionCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.userCount[userID]
}

// Notify queues a room event for batched delivery.
func (b *Broadcaster) Notify(ev event.Event) {
	b.BroadcastToRoom(ev)
}

// NotifyDelta queues a delta for batched delivery.
func (b *Broadcaster) NotifyDelta(interactionID string, d event.Delta) {
	b.QueueDelta(interactionID, d)
}

// BroadcastToRoom queues ev for every matching subscription in its room.
func (b *Broadcaster) BroadcastToRoom(ev event.Event) {
	if ev.At.IsZero() {
		ev.At = b.clk.Now()
	}
	b.batcher.EnqueueEvent(ev)
}

// QueueDelta queues d for interactionID; same-target deltas merge at flush.
func (b *Broadcaster) QueueDelta(interactionID string, d event.Delta) {
	if d.At.IsZero() {
		d.At = b.clk.Now()
	}
	b.batcher.EnqueueDelta(interactionID, d)
}

// BroadcastToUser delivers ev immediately, bypassing the batcher, to userID's subscriptions
// in interactionID.
//
// Postcondition: Returns the number of subscriptions the event was queued to.
func (b *Broadcaster) BroadcastToUser(interactionID, userID string, ev event.Event) int {
	if ev.At.IsZero() {
		ev.At = b.clk.Now()
	}
	if ev.InteractionID == "" {
		ev.InteractionID = interactionID
	}
	delivered := 0
	for _, s := range b.roomSubscriptions(interactionID) {
		if s.userID != userID || !s.Matches(ev.Type) {
			continue
		}
		if b.deliver(s, ev) {
			delivered++
		}
	}
	return delivered
}

func (b *Broadcaster) roomSubscriptions(interactionID string) []*Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	room := b.byRoom[interactionID]
	out := make([]*Subscription, 0, len(room))
	for _, s := range room {
		out = append(out, s)
	}
	return out
}

func (b *Broadcaster) deliver(s *Subscription, ev event.Event) bool {
	if !s.push(Delivery{SubscriptionID: s.id, UserID: s.userID, Event: ev}) {
		b.metrics.Inc(observability.MetricDeliveriesDropped)
		return false
	}
	s.lastTraffic.Store(b.clk.Now().UnixNano())
	return true
}

// deliverBatch is the batcher's flush target.
func (b *Broadcaster) deliverBatch(batch Batch) {
	b.fanOut(batch)

	b.mu.RLock()
	observers := append([]BatchObserver(nil), b.observers...)
	b.mu.RUnlock()
	for _, o := range observers {
		o.ObserveBatch(batch)
	}
}

// DeliverRemote hands a batch flushed on another node to local subscribers of its room.
// Observers are not told, so relayed batches are never relayed again.
func (b *Broadcaster) DeliverRemote(batch Batch) {
	b.fanOut(batch)
}

// fanOut delivers batch to every matching subscription of its room. Subscriptions removed
// mid-iteration are skipped by push.
func (b *Broadcaster) fanOut(batch Batch) {
	for _, s := range b.roomSubscriptions(batch.InteractionID) {
		payload := event.BatchPayload{}
		for _, ev := range batch.Events {
			if s.Matches(ev.Type) {
				payload.Events = append(payload.Events, ev)
			}
		}
		if s.Matches(event.StateDelta) {
			payload.Deltas = batch.Deltas
		}
		if len(payload.Events) == 0 && len(payload.Deltas) == 0 {
			continue
		}
		b.deliver(s, event.Event{
			Type:          event.Batch,
			InteractionID: batch.InteractionID,
			Payload:       payload,
			At:            batch.FlushedAt,
		})
	}
}

// pump drains one subscription's outbox, isolating handler errors and panics.
func (b *Broadcaster) pump(s *Subscription) {
	defer b.wg.Done()
	for d := range s.outbox {
		var err error
		var pc panics.Catcher
		pc.Try(func() { err = s.handler.Handle(b.ctx, d) })
		if r := pc.Recovered(); r != nil {
			err = r.AsError()
		}
		if err != nil {
			b.metrics.Inc(observability.MetricHandlerFailures)
			b.logger.Warn("subscription handler failed",
				zap.String("subscription_id", s.id),
				zap.String("interaction_id", s.interactionID),
				zap.String("event_type", string(d.Event.Type)),
				zap.Error(err),
			)
			continue
		}
		b.metrics.Inc(observability.MetricMessagesDelivered)
	}
}

// ReapIdle removes subscriptions that have seen no matching traffic for SubscriptionTimeout.
//
// Postcondition: Returns the number of subscriptions removed.
func (b *Broadcaster) ReapIdle() int {
	if b.cfg.SubscriptionTimeout <= 0 {
		return 0
	}
	cutoff := b.clk.Now().Add(-b.cfg.SubscriptionTimeout).UnixNano()
	b.mu.Lock()
	var idle []*Subscription
	for _, s := range b.subs {
		if s.lastTraffic.Load() < cutoff {
			idle = append(idle, s)
		}
	}
	for _, s := range idle {
		b.unregisterLocked(s)
	}
	b.mu.Unlock()
	for _, s := range idle {
		s.close()
		b.logger.Info("idle subscription reaped", zap.String("subscription_id", s.id), zap.String("interaction_id", s.interactionID))
	}
	if len(idle) > 0 {
		b.metrics.Add(observability.MetricSubscriptionsReaped, int64(len(idle)))
	}
	return len(idle)
}

// Close drops every subscription and waits for in-flight handlers to finish.
func (b *Broadcaster) Close() {
	b.batcher.Close()
	b.mu.Lock()
	b.closed = true
	all := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		all = append(all, s)
	}
	for _, s := range all {
		b.unregisterLocked(s)
	}
	b.mu.Unlock()
	for _, s := range all {
		s.close()
	}
	b.cancel()
	b.wg.Wait()
}
