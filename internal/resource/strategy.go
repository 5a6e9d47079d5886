package resource

import "fmt"

// Thresholds are the alerting levels in bytes of Sample.Used.
type Thresholds struct {
	Warning  uint64
	Critical uint64
}

// Level classifies a sample against Thresholds.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Classify returns the level of s.
func (t Thresholds) Classify(s Sample) Level {
	used := s.Used()
	switch {
	case t.Critical > 0 && used >= t.Critical:
		return LevelCritical
	case t.Warning > 0 && used >= t.Warning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// Plan selects the optimizer steps a reclamation pass runs.
type Plan struct {
	Trim          bool `json:"trim"`
	Compress      bool `json:"compress"`
	Intern        bool `json:"intern"`
	CompactSparse bool `json:"compactSparse"`
	// ReleaseOS returns freed heap to the operating system after the pass.
	ReleaseOS bool `json:"releaseOs"`
}

// Strategy decides when to reclaim and how hard.
type Strategy interface {
	Name() string
	ShouldReclaim(cur, prev Sample, t Thresholds) bool
	Plan() Plan
}

// NewStrategy returns the strategy registered under name.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "conservative":
		return Conservative{}, nil
	case "", "balanced":
		return Balanced{}, nil
	case "aggressive":
		return Aggressive{}, nil
	default:
		return nil, fmt.Errorf("unknown reclamation strategy %q", name)
	}
}

// growth is the fractional change from prev to cur, zero without a previous sample.
func growth(cur, prev Sample) float64 {
	p := prev.Used()
	if p == 0 {
		return 0
	}
	return (float64(cur.Used()) - float64(p)) / float64(p)
}

// Conservative reclaims only at the critical level.
type Conservative struct{}

func (Conservative) Name() string { return "conservative" }

func (Conservative) ShouldReclaim(cur, _ Sample, t Thresholds) bool {
	return t.Classify(cur) == LevelCritical
}

func (Conservative) Plan() Plan { return Plan{Trim: true, Compress: true} }

// Balanced reclaims at the warning level, or on fast growth past half of it.
type Balanced struct{}

func (Balanced) Name() string { return "balanced" }

func (Balanced) ShouldReclaim(cur, prev Sample, t Thresholds) bool {
	if t.Classify(cur) >= LevelWarning {
		return true
	}
	return cur.Used() >= t.Warning/2 && growth(cur, prev) >= 0.25
}

func (Balanced) Plan() Plan { return Plan{Trim: true, Compress: true, CompactSparse: true} }

// Aggressive reclaims past half the warning level or on any noticeable growth.
type Aggressive struct{}

func (Aggressive) Name() string { return "aggressive" }

func (Aggressive) ShouldReclaim(cur, prev Sample, t Thresholds) bool {
	return cur.Used() >= t.Warning/2 || growth(cur, prev) >= 0.10
}

func (Aggressive) Plan() Plan {
	return Plan{Trim: true, Compress: true, Intern: true, CompactSparse: true, ReleaseOS: true}
}
