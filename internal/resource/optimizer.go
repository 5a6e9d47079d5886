package resource

import (
	"sync"

	"github.com/cory-johannsen/tablesync/internal/game/state"
)

// OptimizerConfig holds Optimizer tunables.
type OptimizerConfig struct {
	MaxHistorySize      int
	MaxChatSize         int
	CompressAfterRounds int
	// InternMinLength is the shortest string worth deduplicating.
	InternMinLength int
	// SparseRatio is the fraction of empty slots above which a slice is compacted.
	SparseRatio float64
}

// DefaultOptimizerConfig returns the server defaults.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		MaxHistorySize:      500,
		MaxChatSize:         200,
		CompressAfterRounds: 3,
		InternMinLength:     24,
		SparseRatio:         0.5,
	}
}

// Stats counts what a pass changed.
type Stats struct {
	TrimmedTurns int `json:"trimmedTurns"`
	TrimmedChat  int `json:"trimmedChat"`
	Compressed   int `json:"compressed"`
	Interned     int `json:"interned"`
	Compacted    int `json:"compacted"`
	Rooms        int `json:"rooms"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.TrimmedTurns += o.TrimmedTurns
	s.TrimmedChat += o.TrimmedChat
	s.Compressed += o.Compressed
	s.Interned += o.Interned
	s.Compacted += o.Compacted
	s.Rooms += o.Rooms
}

// Optimizer shrinks the in-memory history of one game state at a time. Callers hold the
// owning room's lock while a state is being optimized.
type Optimizer struct {
	cfg OptimizerConfig

	mu    sync.Mutex
	table map[string]string
}

// NewOptimizer creates an Optimizer.
func NewOptimizer(cfg OptimizerConfig) *Optimizer {
	return &Optimizer{cfg: cfg, table: make(map[string]string)}
}

// Apply runs the steps selected by plan against g.
func (o *Optimizer) Apply(g *state.GameState, plan Plan) Stats {
	var s Stats
	if plan.Trim {
		s.Add(o.Trim(g))
	}
	if plan.Compress {
		s.Add(o.Compress(g))
	}
	if plan.Intern {
		s.Add(o.Intern(g))
	}
	if plan.CompactSparse {
		s.Add(o.CompactSparse(g))
	}
	return s
}

// Trim drops the oldest turn records and chat lines beyond the configured maxima.
//
// Postcondition: len(g.TurnHistory) <= MaxHistorySize and len(g.Chat) <= MaxChatSize when
// the respective maximum is positive. Retained entries keep their order.
func (o *Optimizer) Trim(g *state.GameState) Stats {
	var s Stats
	if limit := o.cfg.MaxHistorySize; limit > 0 && len(g.TurnHistory) > limit {
		s.TrimmedTurns = len(g.TurnHistory) - limit
		g.TurnHistory = append([]state.TurnRecord(nil), g.TurnHistory[s.TrimmedTurns:]...)
	}
	if limit := o.cfg.MaxChatSize; limit > 0 && len(g.Chat) > limit {
		s.TrimmedChat = len(g.Chat) - limit
		g.Chat = append([]state.ChatEntry(nil), g.Chat[s.TrimmedChat:]...)
	}
	return s
}

// Compress strips display detail from turn records at least CompressAfterRounds rounds old.
func (o *Optimizer) Compress(g *state.GameState) Stats {
	var s Stats
	cutoff := g.Round - o.cfg.CompressAfterRounds
	for i := range g.TurnHistory {
		rec := &g.TurnHistory[i]
		if rec.Compressed || rec.Round > cutoff {
			continue
		}
		rec.Compress()
		s.Compressed++
	}
	return s
}

// Intern makes repeated long strings share one backing copy. The table lives until Reset.
func (o *Optimizer) Intern(g *state.GameState) Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	var s Stats
	intern := func(p *string) {
		if len(*p) < o.cfg.InternMinLength {
			return
		}
		if c, ok := o.table[*p]; ok {
			*p = c
			s.Interned++
			return
		}
		o.table[*p] = *p
	}
	for i := range g.Initiative {
		intern(&g.Initiative[i].Name)
	}
	for i := range g.Chat {
		intern(&g.Chat[i].Name)
		intern(&g.Chat[i].Text)
	}
	for i := range g.TurnHistory {
		for j := range g.TurnHistory[i].Actions {
			a := &g.TurnHistory[i].Actions[j]
			intern(&a.Description)
			intern(&a.Spell)
		}
	}
	return s
}

// Reset empties the intern table.
func (o *Optimizer) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.table = make(map[string]string)
}

// CompactSparse removes empty obstacle and terrain slots once they exceed SparseRatio.
func (o *Optimizer) CompactSparse(g *state.GameState) Stats {
	var s Stats
	if n, ok := compact(g.Map.Obstacles, func(x state.Obstacle) bool { return x.Kind == "" }, o.cfg.SparseRatio); ok {
		g.Map.Obstacles = n
		s.Compacted++
	}
	if n, ok := compact(g.Map.Terrain, func(x state.TerrainCell) bool { return x.Terrain == "" }, o.cfg.SparseRatio); ok {
		g.Map.Terrain = n
		s.Compacted++
	}
	return s
}

func compact[T any](xs []T, empty func(T) bool, ratio float64) ([]T, bool) {
	if len(xs) == 0 {
		return xs, false
	}
	holes := 0
	for _, x := range xs {
		if empty(x) {
			holes++
		}
	}
	if float64(holes)/float64(len(xs)) <= ratio {
		return xs, false
	}
	out := make([]T, 0, len(xs)-holes)
	for _, x := range xs {
		if !empty(x) {
			out = append(out, x)
		}
	}
	return out, true
}
