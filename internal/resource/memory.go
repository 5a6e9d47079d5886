// Package resource is the housekeeping layer: memory sampling and alerts, reclamation passes over
// room history, advisory leak detection, and counted object pools.
package resource

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/game/room"
	"github.com/cory-johannsen/tablesync/internal/game/state"
	"github.com/cory-johannsen/tablesync/internal/observability"
)

// RoomSource lists the rooms a reclamation pass visits.
type RoomSource interface {
	Rooms() []*room.Room
}

// MemoryConfig holds MemoryManager tunables.
type MemoryConfig struct {
	Thresholds   Thresholds
	HistoryLimit int
	AlertLimit   int
	Optimizer    OptimizerConfig
}

// DefaultMemoryConfig returns the server defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Thresholds:   Thresholds{Warning: 512 << 20, Critical: 1 << 30},
		HistoryLimit: 50,
		AlertLimit:   50,
		Optimizer:    DefaultOptimizerConfig(),
	}
}

// Alert is raised when a sample crosses a threshold.
type Alert struct {
	Level     string    `json:"level"`
	Used      uint64    `json:"used"`
	Threshold uint64    `json:"threshold"`
	At        time.Time `json:"at"`
}

// ReclamationRecord describes one reclamation pass.
type ReclamationRecord struct {
	Strategy string        `json:"strategy"`
	Reason   string        `json:"reason"`
	Before   Sample        `json:"before"`
	After    Sample        `json:"after"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Stats    Stats         `json:"stats"`
	At       time.Time     `json:"at"`
}

// Freed returns how much Used dropped during the pass, zero if it grew.
func (r ReclamationRecord) Freed() uint64 {
	if r.After.Used() >= r.Before.Used() {
		return 0
	}
	return r.Before.Used() - r.After.Used()
}

// MemoryManager samples memory on demand, raises alerts and runs reclamation passes chosen
// by its Strategy. Every sample also trims room history to the configured maxima.
// All methods are safe for concurrent use.
type MemoryManager struct {
	cfg       MemoryConfig
	strategy  Strategy
	sampler   Sampler
	rooms     RoomSource
	optimizer *Optimizer
	clk       clock.Clock
	metrics   *observability.Metrics
	logger    *zap.Logger

	passMu  sync.Mutex // one sample or reclamation at a time
	mu      sync.Mutex
	prev    Sample
	history []ReclamationRecord
	alerts  []Alert
}

// NewMemoryManager creates a MemoryManager.
//
// Precondition: strategy, sampler, rooms and logger must be non-nil.
func NewMemoryManager(cfg MemoryConfig, strategy Strategy, sampler Sampler, rooms RoomSource, clk clock.Clock, metrics *observability.Metrics, logger *zap.Logger) *MemoryManager {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1
	}
	if cfg.AlertLimit <= 0 {
		cfg.AlertLimit = 1
	}
	return &MemoryManager{
		cfg:       cfg,
		strategy:  strategy,
		sampler:   sampler,
		rooms:     rooms,
		optimizer: NewOptimizer(cfg.Optimizer),
		clk:       clk,
		metrics:   metrics,
		logger:    logger,
	}
}

// Strategy returns the configured strategy.
func (m *MemoryManager) Strategy() Strategy { return m.strategy }

// Sample takes one reading, trims every room, raises any alert and reclaims when the
// strategy asks for it.
//
// Postcondition: Returns the reading. A sampler error is returned after the trim still ran.
func (m *MemoryManager) Sample(ctx context.Context) (Sample, error) {
	m.passMu.Lock()
	defer m.passMu.Unlock()

	cur, err := m.sampler.Sample(ctx)
	m.visit(func(g *state.GameState) Stats { return m.optimizer.Trim(g) })
	if err != nil {
		m.logger.Warn("memory sample incomplete", zap.Error(err))
		if cur.Used() == 0 {
			return cur, err
		}
	}

	m.mu.Lock()
	prev := m.prev
	m.prev = cur
	m.mu.Unlock()

	m.alert(cur)
	if m.strategy.ShouldReclaim(cur, prev, m.cfg.Thresholds) {
		m.reclaimLocked(ctx, "threshold", cur)
	}
	return cur, err
}

func (m *MemoryManager) alert(s Sample) {
	level := m.cfg.Thresholds.Classify(s)
	if level == LevelNormal {
		return
	}
	threshold := m.cfg.Thresholds.Warning
	if level == LevelCritical {
		threshold = m.cfg.Thresholds.Critical
	}
	a := Alert{Level: level.String(), Used: s.Used(), Threshold: threshold, At: m.clk.Now()}
	m.mu.Lock()
	m.alerts = append(m.alerts, a)
	if over := len(m.alerts) - m.cfg.AlertLimit; over > 0 {
		m.alerts = append([]Alert(nil), m.alerts[over:]...)
	}
	m.mu.Unlock()

	m.metrics.Inc(observability.MetricMemoryAlerts)
	fields := []zap.Field{
		zap.String("level", a.Level),
		zap.Uint64("used_bytes", a.Used),
		zap.Uint64("threshold_bytes", a.Threshold),
	}
	if level == LevelCritical {
		m.logger.Error("memory above critical threshold", fields...)
		return
	}
	m.logger.Warn("memory above warning threshold", fields...)
}

// Reclaim runs a reclamation pass now with the strategy's plan.
//
// Postcondition: Returns the record appended to the history.
func (m *MemoryManager) Reclaim(ctx context.Context, reason string) ReclamationRecord {
	m.passMu.Lock()
	defer m.passMu.Unlock()
	before, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Debug("pre-reclamation sample incomplete", zap.Error(err))
	}
	return m.reclaimLocked(ctx, reason, before)
}

func (m *MemoryManager) reclaimLocked(ctx context.Context, reason string, before Sample) ReclamationRecord {
	start := m.clk.Now()
	plan := m.strategy.Plan()
	rec := ReclamationRecord{Strategy: m.strategy.Name(), Reason: reason, Before: before, At: start}

	rec.Stats = m.visitCtx(ctx, func(g *state.GameState) Stats { return m.optimizer.Apply(g, plan) })
	m.optimizer.Reset()
	if plan.ReleaseOS {
		debug.FreeOSMemory()
	}
	if err := ctx.Err(); err != nil {
		rec.Error = err.Error()
	} else {
		rec.Success = true
	}
	after, err := m.sampler.Sample(context.WithoutCancel(ctx))
	if err != nil {
		m.logger.Debug("post-reclamation sample incomplete", zap.Error(err))
	}
	rec.After = after
	rec.Duration = m.clk.Since(start)

	m.mu.Lock()
	m.history = append(m.history, rec)
	if over := len(m.history) - m.cfg.HistoryLimit; over > 0 {
		m.history = append([]ReclamationRecord(nil), m.history[over:]...)
	}
	m.mu.Unlock()

	m.metrics.Inc(observability.MetricReclamationPasses)
	m.logger.Info("reclamation pass finished",
		zap.String("strategy", rec.Strategy),
		zap.String("reason", reason),
		zap.Bool("success", rec.Success),
		zap.Duration("duration", rec.Duration),
		zap.Uint64("freed_bytes", rec.Freed()),
		zap.Int("rooms", rec.Stats.Rooms),
		zap.Int("trimmed_turns", rec.Stats.TrimmedTurns),
		zap.Int("compressed", rec.Stats.Compressed),
	)
	return rec
}

func (m *MemoryManager) visit(fn func(g *state.GameState) Stats) Stats {
	return m.visitCtx(context.Background(), fn)
}

// visitCtx runs fn on each room under that room's lock only, stopping early if ctx ends.
func (m *MemoryManager) visitCtx(ctx context.Context, fn func(g *state.GameState) Stats) Stats {
	var total Stats
	for _, r := range m.rooms.Rooms() {
		if ctx.Err() != nil {
			break
		}
		r.Housekeep(func(g *state.GameState) {
			s := fn(g)
			s.Rooms = 1
			total.Add(s)
		})
	}
	return total
}

// History returns the retained reclamation records, oldest first.
func (m *MemoryManager) History() []ReclamationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ReclamationRecord(nil), m.history...)
}

// Alerts returns the retained alerts, oldest first.
func (m *MemoryManager) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

// Last returns the most recent reading.
func (m *MemoryManager) Last() Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prev
}
