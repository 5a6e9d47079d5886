package state

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// CorruptionError lists every invariant a GameState violates.
type CorruptionError struct {
	Problems []string
}

func (e *CorruptionError) Error() string {
	return "corrupt game state: " + strings.Join(e.Problems, "; ")
}

// Validate checks the structural invariants of g.
//
// Postcondition: Returns nil, or a *CorruptionError naming each violation.
func (g *GameState) Validate() error {
	var problems []string
	if !g.Status.Valid() {
		problems = append(problems, fmt.Sprintf("unknown status %q", g.Status))
	}
	if n := len(g.Initiative); n > 0 {
		if g.CurrentTurnIndex < 0 || g.CurrentTurnIndex >= n {
			problems = append(problems, fmt.Sprintf("turn index %d out of range [0,%d)", g.CurrentTurnIndex, n))
		}
		if g.Round < 1 {
			problems = append(problems, fmt.Sprintf("round %d below 1", g.Round))
		}
	} else if g.CurrentTurnIndex != 0 {
		problems = append(problems, fmt.Sprintf("turn index %d without initiative", g.CurrentTurnIndex))
	}
	seen := make(map[string]bool, len(g.Initiative))
	for _, e := range g.Initiative {
		if e.EntityID == "" {
			problems = append(problems, "initiative entry without entity id")
			continue
		}
		if seen[e.EntityID] {
			problems = append(problems, fmt.Sprintf("duplicate initiative entity %q", e.EntityID))
		}
		seen[e.EntityID] = true
	}
	turns := make(map[int]bool, len(g.TurnHistory))
	for _, r := range g.TurnHistory {
		if r.Status == TurnDiscarded {
			continue
		}
		if turns[r.TurnNumber] {
			problems = append(problems, fmt.Sprintf("duplicate turn record %d", r.TurnNumber))
		}
		turns[r.TurnNumber] = true
	}
	if len(problems) == 0 {
		return nil
	}
	return &CorruptionError{Problems: problems}
}

// Repair fixes what Validate reports, keeping the first occurrence of any duplicate.
//
// Postcondition: g.Validate() == nil. Returns the number of changes made.
func (g *GameState) Repair() int {
	changes := 0
	if !g.Status.Valid() {
		g.Status = StatusPaused
		changes++
	}
	seen := make(map[string]bool, len(g.Initiative))
	kept := g.Initiative[:0]
	for _, e := range g.Initiative {
		if e.EntityID == "" || seen[e.EntityID] {
			changes++
			continue
		}
		seen[e.EntityID] = true
		kept = append(kept, e)
	}
	g.Initiative = kept
	if n := len(g.Initiative); n > 0 {
		if g.CurrentTurnIndex < 0 || g.CurrentTurnIndex >= n {
			g.CurrentTurnIndex = 0
			changes++
		}
		if g.Round < 1 {
			g.Round = 1
			changes++
		}
	} else if g.CurrentTurnIndex != 0 {
		g.CurrentTurnIndex = 0
		changes++
	}
	turns := make(map[int]bool, len(g.TurnHistory))
	for i := range g.TurnHistory {
		r := &g.TurnHistory[i]
		if r.Status == TurnDiscarded {
			continue
		}
		if turns[r.TurnNumber] {
			r.Status = TurnDiscarded
			changes++
			continue
		}
		turns[r.TurnNumber] = true
	}
	return changes
}

// Checksum returns the hex blake2b-256 digest of the JSON encoding of g.
func (g *GameState) Checksum() (string, error) {
	data, err := g.Marshal()
	if err != nil {
		return "", fmt.Errorf("encoding game state: %w", err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
