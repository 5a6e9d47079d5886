// Package broadcast fans room events out to subscribers, coalescing deltas and low-priority
// events into batches.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/game/event"
	"github.com/cory-johannsen/tablesync/internal/observability"
	"github.com/cory-johannsen/tablesync/internal/resource"
)

// MessageKind says whether a queued message is a delta or a whole event.
type MessageKind string

const (
	KindDelta MessageKind = "delta"
	KindEvent MessageKind = "event"
)

// QueuedMessage lives in a room queue between enqueue and flush.
type QueuedMessage struct {
	ID        string
	Kind      MessageKind
	Event     event.Event
	Delta     event.Delta
	Priority  int
	Timestamp time.Time
	Size      int
}

// Batch is the result of one flush.
type Batch struct {
	InteractionID string
	Events        []event.Event
	Deltas        []event.Delta
	// Merged counts deltas folded into an earlier one.
	Merged    int
	FlushedAt time.Time
}

// BatcherConfig holds Batcher tunables.
type BatcherConfig struct {
	BatchDelay        time.Duration
	MaxBatchSize      int
	MaxQueueSize      int
	PriorityThreshold int
}

// DefaultBatcherConfig returns the server defaults.
func DefaultBatcherConfig() BatcherConfig {
	return BatcherConfig{
		BatchDelay:        50 * time.Millisecond,
		MaxBatchSize:      50,
		MaxQueueSize:      1000,
		PriorityThreshold: 8,
	}
}

type roomQueue struct {
	flushMu sync.Mutex // serializes delivery so batches leave in order
	msgs    []*QueuedMessage
	timer   *clock.Timer
	// urgent is set while an immediate flush goroutine is pending.
	urgent bool
}

// Batcher holds one ordered queue per room and flushes them on a delay, or right away on a
// background goroutine for urgent messages and full batches. Enqueue never waits for delivery.
// All methods are safe for concurrent use.
type Batcher struct {
	cfg     BatcherConfig
	clk     clock.Clock
	flush   func(Batch)
	pool    *resource.Pool[QueuedMessage]
	metrics *observability.Metrics
	logger  *zap.Logger

	mu     sync.Mutex
	queues map[string]*roomQueue
}

// NewBatcher creates a Batcher that hands every flushed batch to flush.
//
// Precondition: flush must not be nil and must not block for long.
// Postcondition: Returns a Batcher with no queues.
func NewBatcher(cfg BatcherConfig, clk clock.Clock, flush func(Batch), metrics *observability.Metrics, logger *zap.Logger) *Batcher {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}
	if cfg.MaxQueueSize < cfg.MaxBatchSize {
		cfg.MaxQueueSize = cfg.MaxBatchSize
	}
	return &Batcher{
		cfg:     cfg,
		clk:     clk,
		flush:   flush,
		pool:    resource.NewPool(func(m *QueuedMessage) { *m = QueuedMessage{} }),
		metrics: metrics,
		logger:  logger,
		queues:  make(map[string]*roomQueue),
	}
}

// PoolStats reports traffic through the message pool.
func (b *Batcher) PoolStats() resource.PoolStats { return b.pool.Stats() }

// Queued returns the number of messages waiting across all rooms.
func (b *Batcher) Queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, q := range b.queues {
		n += len(q.msgs)
	}
	return n
}

// EnqueueEvent queues ev with the priority of its type.
func (b *Batcher) EnqueueEvent(ev event.Event) {
	m := b.pool.Get()
	m.ID = uuid.NewString()
	m.Kind = KindEvent
	m.Event = ev
	m.Priority = event.Priority(ev.Type)
	m.Timestamp = ev.At
	m.Size = estimateSize(ev.Payload)
	b.enqueue(ev.InteractionID, m)
}

// EnqueueDelta queues d for interactionID.
func (b *Batcher) EnqueueDelta(interactionID string, d event.Delta) {
	m := b.pool.Get()
	m.ID = uuid.NewString()
	m.Kind = KindDelta
	m.Delta = d
	m.Priority = event.Priority(event.StateDelta)
	m.Timestamp = d.At
	m.Size = estimateSize(d.Fields)
	b.enqueue(interactionID, m)
}

func (b *Batcher) enqueue(interactionID string, m *QueuedMessage) {
	if m.Timestamp.IsZero() {
		m.Timestamp = b.clk.Now()
	}
	b.mu.Lock()
	q, ok := b.queues[interactionID]
	if !ok {
		q = &roomQueue{}
		b.queues[interactionID] = q
	}
	if len(q.msgs) >= b.cfg.MaxQueueSize {
		b.evictLocked(interactionID, q)
	}
	q.msgs = insertOrdered(q.msgs, m)
	immediate := m.Priority >= b.cfg.PriorityThreshold || len(q.msgs) >= b.cfg.MaxBatchSize
	switch {
	case immediate && !q.urgent:
		q.urgent = true
		go b.flushRoom(interactionID, q)
	case !immediate && q.timer == nil:
		q.timer = b.clk.AfterFunc(b.cfg.BatchDelay, func() { b.flushRoom(interactionID, q) })
	}
	b.mu.Unlock()
}

// insertOrdered places m after every message with higher priority, and after equal-priority
// messages that are not newer.
func insertOrdered(msgs []*QueuedMessage, m *QueuedMessage) []*QueuedMessage {
	i := len(msgs)
	for i > 0 {
		prev := msgs[i-1]
		if prev.Priority > m.Priority || (prev.Priority == m.Priority && !prev.Timestamp.After(m.Timestamp)) {
			break
		}
		i--
	}
	msgs = append(msgs, nil)
	copy(msgs[i+1:], msgs[i:])
	msgs[i] = m
	return msgs
}

// evictLocked drops the oldest message below the priority threshold, or the oldest overall.
//
// Precondition: b.mu is held and q is non-empty.
func (b *Batcher) evictLocked(interactionID string, q *roomQueue) {
	victim := -1
	for i, m := range q.msgs {
		if m.Priority >= b.cfg.PriorityThreshold {
			continue
		}
		if victim < 0 || m.Timestamp.Before(q.msgs[victim].Timestamp) {
			victim = i
		}
	}
	if victim < 0 {
		victim = 0
		for i, m := range q.msgs {
			if m.Timestamp.Before(q.msgs[victim].Timestamp) {
				victim = i
			}
		}
	}
	dropped := q.msgs[victim]
	q.msgs = append(q.msgs[:victim], q.msgs[victim+1:]...)
	b.metrics.Inc(observability.MetricQueueOverflows)
	b.logger.Debug("queue overflow eviction",
		zap.String("interaction_id", interactionID),
		zap.String("kind", string(dropped.Kind)),
		zap.Int("priority", dropped.Priority),
	)
	b.pool.Put(dropped)
}

// Flush delivers whatever is queued for interactionID now.
func (b *Batcher) Flush(interactionID string) {
	b.mu.Lock()
	q, ok := b.queues[interactionID]
	b.mu.Unlock()
	if ok {
		b.flushRoom(interactionID, q)
	}
}

// Drain flushes interactionID until its queue is empty, MaxBatchSize messages per batch.
// It waits for any flush already in flight.
func (b *Batcher) Drain(interactionID string) {
	for {
		b.mu.Lock()
		q, ok := b.queues[interactionID]
		pending := ok && len(q.msgs) > 0
		b.mu.Unlock()
		if !pending {
			return
		}
		b.flushRoom(interactionID, q)
	}
}

func (b *Batcher) flushRoom(interactionID string, q *roomQueue) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	b.mu.Lock()
	if b.queues[interactionID] != q {
		b.mu.Unlock()
		return
	}
	q.urgent = false
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	n := len(q.msgs)
	if n > b.cfg.MaxBatchSize {
		n = b.cfg.MaxBatchSize
	}
	taken := make([]*QueuedMessage, n)
	copy(taken, q.msgs[:n])
	q.msgs = append(q.msgs[:0], q.msgs[n:]...)
	if len(q.msgs) > 0 {
		q.timer = b.clk.AfterFunc(b.cfg.BatchDelay, func() { b.flushRoom(interactionID, q) })
	}
	b.mu.Unlock()

	if len(taken) == 0 {
		return
	}
	batch := b.compact(interactionID, taken)
	for _, m := range taken {
		b.pool.Put(m)
	}
	b.metrics.Inc(observability.MetricBatchesFlushed)
	if batch.Merged > 0 {
		b.metrics.Add(observability.MetricDeltasMerged, int64(batch.Merged))
	}
	b.flush(batch)
}

// compact turns queued messages into a Batch, merging deltas with the same key into the
// position of the first one.
func (b *Batcher) compact(interactionID string, msgs []*QueuedMessage) Batch {
	batch := Batch{InteractionID: interactionID, FlushedAt: b.clk.Now()}
	index := make(map[string]int)
	for _, m := range msgs {
		switch m.Kind {
		case KindEvent:
			batch.Events = append(batch.Events, m.Event)
		case KindDelta:
			key := m.Delta.Key()
			if i, ok := index[key]; ok {
				batch.Deltas[i] = batch.Deltas[i].Merge(m.Delta)
				batch.Merged++
				continue
			}
			index[key] = len(batch.Deltas)
			batch.Deltas = append(batch.Deltas, m.Delta.Merge(event.Delta{Kind: m.Delta.Kind, Target: m.Delta.Target}))
		}
	}
	return batch
}

// Drop discards the queue for interactionID and cancels its timer.
func (b *Batcher) Drop(interactionID string) {
	b.mu.Lock()
	q, ok := b.queues[interactionID]
	if ok {
		delete(b.queues, interactionID)
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	for _, m := range q.msgs {
		b.pool.Put(m)
	}
	q.msgs = nil
}

// Close stops every timer and discards every queue.
func (b *Batcher) Close() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.queues))
	for id := range b.queues {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.Drop(id)
	}
}

func estimateSize(v any) int {
	if v == nil {
		return 0
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
