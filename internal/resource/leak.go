package resource

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/observability"
)

// Finding reports a probe that grew on every check across a full window. Findings are
// advisory; nothing is remediated.
type Finding struct {
	Probe   string    `json:"probe"`
	Samples []int     `json:"samples"`
	Growth  int       `json:"growth"`
	At      time.Time `json:"at"`
}

// LeakDetector keeps a sliding window of counts per probe.
// All methods are safe for concurrent use.
type LeakDetector struct {
	window  int
	clk     clock.Clock
	metrics *observability.Metrics
	logger  *zap.Logger

	mu     sync.Mutex
	probes map[string]func() int
	series map[string][]int
}

// NewLeakDetector creates a detector that flags growth sustained over window checks.
//
// Precondition: window should be at least 2; smaller values are raised to 2.
func NewLeakDetector(window int, clk clock.Clock, metrics *observability.Metrics, logger *zap.Logger) *LeakDetector {
	if window < 2 {
		window = 2
	}
	if clk == nil {
		clk = clock.New()
	}
	return &LeakDetector{
		window:  window,
		clk:     clk,
		metrics: metrics,
		logger:  logger,
		probes:  make(map[string]func() int),
		series:  make(map[string][]int),
	}
}

// Register adds or replaces a probe.
func (d *LeakDetector) Register(name string, count func() int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.probes[name] = count
	delete(d.series, name)
}

// Check reads every probe once and returns the probes whose window is strictly increasing.
//
// Postcondition: Findings are sorted by probe name and each is logged.
func (d *LeakDetector) Check() []Finding {
	d.mu.Lock()
	names := make([]string, 0, len(d.probes))
	for name := range d.probes {
		names = append(names, name)
	}
	probes := make(map[string]func() int, len(d.probes))
	for k, v := range d.probes {
		probes[k] = v
	}
	d.mu.Unlock()
	sort.Strings(names)

	counts := make(map[string]int, len(names))
	for _, name := range names {
		counts[name] = probes[name]()
	}

	now := d.clk.Now()
	var findings []Finding
	d.mu.Lock()
	for _, name := range names {
		if _, ok := d.probes[name]; !ok {
			continue
		}
		s := append(d.series[name], counts[name])
		if len(s) > d.window {
			s = append([]int(nil), s[len(s)-d.window:]...)
		}
		d.series[name] = s
		if len(s) == d.window && increasing(s) {
			findings = append(findings, Finding{
				Probe:   name,
				Samples: append([]int(nil), s...),
				Growth:  s[len(s)-1] - s[0],
				At:      now,
			})
		}
	}
	d.mu.Unlock()

	for _, f := range findings {
		d.metrics.Inc(observability.MetricLeakFindings)
		d.logger.Warn("sustained growth",
			zap.String("probe", f.Probe),
			zap.Ints("samples", f.Samples),
			zap.Int("growth", f.Growth),
		)
	}
	return findings
}

func increasing(s []int) bool {
	for i := 1; i < len(s); i++ {
		if s[i] <= s[i-1] {
			return false
		}
	}
	return true
}
