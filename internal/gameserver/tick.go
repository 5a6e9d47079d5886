package gameserver

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

// TickManager runs named maintenance tasks on a shared interval: inactivity sweeps,
// heartbeat checks, memory sampling.
//
// Invariant: each task runs at most once per tick, sequentially, in name order. A panicking
// task is logged and does not stop the others.
type TickManager struct {
	name     string
	interval time.Duration
	clk      clock.Clock
	logger   *zap.Logger

	mu    sync.Mutex
	tasks map[string]func(ctx context.Context)
	done  chan struct{}
}

// NewTickManager returns a manager that fires every interval.
//
// Precondition: interval must be > 0.
func NewTickManager(name string, interval time.Duration, clk clock.Clock, logger *zap.Logger) *TickManager {
	if interval <= 0 {
		panic("gameserver.NewTickManager: interval must be > 0")
	}
	if clk == nil {
		clk = clock.New()
	}
	return &TickManager{
		name:     name,
		interval: interval,
		clk:      clk,
		logger:   logger.With(zap.String("ticker", name)),
		tasks:    make(map[string]func(context.Context)),
	}
}

// Register sets the task called name, replacing any existing one.
func (t *TickManager) Register(name string, fn func(ctx context.Context)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks[name] = fn
}

// Unregister removes the task called name.
func (t *TickManager) Unregister(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, name)
}

// Tick runs every task once.
func (t *TickManager) Tick(ctx context.Context) {
	t.mu.Lock()
	names := make([]string, 0, len(t.tasks))
	for n := range t.tasks {
		names = append(names, n)
	}
	tasks := make(map[string]func(context.Context), len(t.tasks))
	for k, v := range t.tasks {
		tasks[k] = v
	}
	t.mu.Unlock()
	sort.Strings(names)

	for _, n := range names {
		var catcher panics.Catcher
		catcher.Try(func() { tasks[n](ctx) })
		if r := catcher.Recovered(); r != nil {
			t.logger.Error("tick task panicked", zap.String("task", n), zap.Error(r.AsError()))
		}
	}
}

// Start begins the tick loop. Runs until ctx is cancelled.
//
// Postcondition: Done is closed once the loop has exited.
func (t *TickManager) Start(ctx context.Context) {
	t.mu.Lock()
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	ticker := t.clk.Ticker(t.interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Tick(ctx)
			}
		}
	}()
}

// Done returns a channel closed when the loop started by Start exits, or nil before Start.
func (t *TickManager) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}
