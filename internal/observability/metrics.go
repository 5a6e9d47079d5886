package observability

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Counter names shared by the session components.
const (
	MetricHandlerFailures     = "broadcast.handler_failures"
	MetricDeliveriesDropped   = "broadcast.deliveries_dropped"
	MetricBatchesFlushed      = "broadcast.batches_flushed"
	MetricMessagesDelivered   = "broadcast.messages_delivered"
	MetricDeltasMerged        = "broadcast.deltas_merged"
	MetricQueueOverflows      = "broadcast.queue_overflows"
	MetricSubscriptionsReaped = "broadcast.subscriptions_reaped"
	MetricPersistenceFailures = "persistence.failures"
	MetricPersistenceSaves    = "persistence.saves"
	MetricForcedLosses        = "persistence.forced_losses"
	MetricRoomsEvicted        = "rooms.evicted"
	MetricTurnsRejected       = "rooms.turns_rejected"
	MetricRecoveries          = "connection.recoveries"
	MetricTimeouts            = "connection.timeouts"
	MetricReconnectFailures   = "connection.reconnect_failures"
	MetricMemoryAlerts        = "memory.alerts"
	MetricReclamationPasses   = "memory.reclamation_passes"
	MetricLeakFindings        = "memory.leak_findings"
)

// Metrics is a registry of named monotonic counters.
// All methods are safe for concurrent use; a nil *Metrics discards updates.
type Metrics struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
}

// NewMetrics returns an empty registry.
func NewMetrics() *Metrics {
	return &Metrics{counters: make(map[string]*atomic.Int64)}
}

func (m *Metrics) counter(name string) *atomic.Int64 {
	m.mu.RLock()
	c, ok := m.counters[name]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.counters[name]; ok {
		return c
	}
	c = &atomic.Int64{}
	m.counters[name] = c
	return c
}

// Inc adds one to the named counter.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

// Add adds delta to the named counter.
func (m *Metrics) Add(name string, delta int64) {
	if m == nil {
		return
	}
	m.counter(name).Add(delta)
}

// Get returns the current value of the named counter, zero if never touched.
func (m *Metrics) Get(name string) int64 {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.counters[name]; ok {
		return c.Load()
	}
	return 0
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	if m == nil {
		return out
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, c := range m.counters {
		out[name] = c.Load()
	}
	return out
}

// Names returns the registered counter names in sorted order.
func (m *Metrics) Names() []string {
	snap := m.Snapshot()
	names := make([]string, 0, len(snap))
	for n := range snap {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
