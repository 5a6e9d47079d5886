package state

import "time"

// TurnStatus records how a turn ended.
type TurnStatus string

const (
	TurnCompleted TurnStatus = "completed"
	// TurnDiscarded marks a record removed by conflict resolution; it stays in history for audit.
	TurnDiscarded TurnStatus = "discarded"
)

// TurnRecord is one entity's completed turn. It is never edited after being appended,
// except by Compress.
type TurnRecord struct {
	EntityID   string     `json:"entityId"`
	TurnNumber int        `json:"turnNumber"`
	Round      int        `json:"round"`
	Actions    []Action   `json:"actions"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    time.Time  `json:"endedAt"`
	Status     TurnStatus `json:"status"`
	Compressed bool       `json:"compressed,omitempty"`
}

// Compress drops display-only action fields, keeping everything needed for replay.
//
// Postcondition: Compressed is true; calling Compress again changes nothing.
// Returns the number of actions that were stripped.
func (r *TurnRecord) Compress() int {
	if r.Compressed {
		return 0
	}
	n := 0
	for i, a := range r.Actions {
		if a.Description != "" || a.Details != nil {
			n++
		}
		r.Actions[i] = a.essential()
	}
	r.Compressed = true
	return n
}

func (r TurnRecord) clone() TurnRecord {
	out := r
	out.Actions = make([]Action, len(r.Actions))
	for i, a := range r.Actions {
		out.Actions[i] = a
		if a.To != nil {
			to := *a.To
			out.Actions[i].To = &to
		}
		if a.Details != nil {
			d := make(map[string]string, len(a.Details))
			for k, v := range a.Details {
				d[k] = v
			}
			out.Actions[i].Details = d
		}
	}
	return out
}

// AppendTurn adds a record to the history.
func (g *GameState) AppendTurn(r TurnRecord) {
	g.TurnHistory = append(g.TurnHistory, r)
}

// HasTurn reports whether a completed record exists for turnNumber.
func (g *GameState) HasTurn(turnNumber int) bool {
	for i := len(g.TurnHistory) - 1; i >= 0; i-- {
		r := g.TurnHistory[i]
		if r.TurnNumber == turnNumber && r.Status != TurnDiscarded {
			return true
		}
		if r.TurnNumber < turnNumber {
			return false
		}
	}
	return false
}
