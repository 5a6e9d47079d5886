package gameserver_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/tablesync/internal/gameserver"
)

func TestTickManager_StartsAndStops(t *testing.T) {
	tm := gameserver.NewTickManager("test", time.Second, clock.NewMock(), zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	tm.Start(ctx)
	cancel()
	select {
	case <-tm.Done():
	case <-time.After(time.Second):
		t.Fatal("tick loop did not exit")
	}
}

func TestTickManager_RunsTasksOnInterval(t *testing.T) {
	clk := clock.NewMock()
	tm := gameserver.NewTickManager("test", time.Second, clk, zaptest.NewLogger(t))
	var count atomic.Int64
	tm.Register("sweep", func(context.Context) { count.Add(1) })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tm.Start(ctx)

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return count.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestTickManager_UnregisterStopsTask(t *testing.T) {
	tm := gameserver.NewTickManager("test", time.Second, clock.NewMock(), zaptest.NewLogger(t))
	var count atomic.Int64
	tm.Register("z1", func(context.Context) { count.Add(1) })
	tm.Tick(context.Background())
	tm.Unregister("z1")
	tm.Tick(context.Background())
	assert.Equal(t, int64(1), count.Load())
}

func TestTickManager_PanicIsIsolatedAndOrderIsStable(t *testing.T) {
	tm := gameserver.NewTickManager("test", time.Second, clock.NewMock(), zaptest.NewLogger(t))
	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) {
		return func(context.Context) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
		}
	}
	tm.Register("c", record("c"))
	tm.Register("b", func(context.Context) { panic("boom") })
	tm.Register("a", record("a"))

	assert.NotPanics(t, func() { tm.Tick(context.Background()) })
	assert.Equal(t, []string{"a", "c"}, order)
}

func TestNewTickManager_RejectsZeroInterval(t *testing.T) {
	assert.Panics(t, func() { gameserver.NewTickManager("bad", 0, nil, zaptest.NewLogger(t)) })
}
