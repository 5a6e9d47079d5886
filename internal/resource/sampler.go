package resource

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one memory reading.
type Sample struct {
	At         time.Time `json:"at"`
	HeapAlloc  uint64    `json:"heapAlloc"`
	HeapInuse  uint64    `json:"heapInuse"`
	Sys        uint64    `json:"sys"`
	RSS        uint64    `json:"rss"`
	NumGC      uint32    `json:"numGc"`
	Goroutines int       `json:"goroutines"`
}

// Used is the figure compared against thresholds: resident set size when the OS reports it,
// the live heap otherwise.
func (s Sample) Used() uint64 {
	if s.RSS > 0 {
		return s.RSS
	}
	return s.HeapAlloc
}

// Sampler reads current memory usage.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// ProcessSampler combines the Go runtime's heap statistics with the process RSS.
type ProcessSampler struct {
	proc *process.Process
	clk  clock.Clock
}

// NewProcessSampler returns a sampler for the current process.
//
// Postcondition: Returns an error only when the process handle cannot be opened.
func NewProcessSampler(clk clock.Clock) (*ProcessSampler, error) {
	if clk == nil {
		clk = clock.New()
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("opening process handle: %w", err)
	}
	return &ProcessSampler{proc: proc, clk: clk}, nil
}

// Sample implements Sampler. A failed RSS read still yields the runtime figures.
func (p *ProcessSampler) Sample(ctx context.Context) (Sample, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s := Sample{
		At:         p.clk.Now(),
		HeapAlloc:  ms.HeapAlloc,
		HeapInuse:  ms.HeapInuse,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
	}
	info, err := p.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return s, fmt.Errorf("reading process rss: %w", err)
	}
	s.RSS = info.RSS
	return s, nil
}
