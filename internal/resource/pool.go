package resource

import (
	"sync"
	"sync/atomic"
)

// PoolStats reports pool traffic.
type PoolStats struct {
	Gets int64 `json:"gets"`
	Puts int64 `json:"puts"`
	News int64 `json:"news"`
}

// Outstanding is the number of values handed out and not yet returned.
func (s PoolStats) Outstanding() int64 { return s.Gets - s.Puts }

// Pool is a typed sync.Pool that counts its traffic so leak detection can watch it.
type Pool[T any] struct {
	pool  sync.Pool
	reset func(*T)
	gets  atomic.Int64
	puts  atomic.Int64
	news  atomic.Int64
}

// NewPool returns a pool whose values are cleared with reset before reuse.
// reset may be nil.
func NewPool[T any](reset func(*T)) *Pool[T] {
	p := &Pool[T]{reset: reset}
	p.pool.New = func() any {
		p.news.Add(1)
		return new(T)
	}
	return p
}

// Get returns a cleared value.
func (p *Pool[T]) Get() *T {
	p.gets.Add(1)
	return p.pool.Get().(*T)
}

// Put returns v to the pool. A nil v is ignored.
func (p *Pool[T]) Put(v *T) {
	if v == nil {
		return
	}
	if p.reset != nil {
		p.reset(v)
	}
	p.puts.Add(1)
	p.pool.Put(v)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{Gets: p.gets.Load(), Puts: p.puts.Load(), News: p.news.Load()}
}
