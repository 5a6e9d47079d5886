// Package state defines the authoritative session snapshot held by an interaction room:
// initiative order, turn index, round counter, map sub-state, and the bounded turn and chat logs.
package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is a room lifecycle status.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Valid reports whether s is one of the three lifecycle statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusCompleted:
		return true
	}
	return false
}

// EntityKind distinguishes who controls an entity.
type EntityKind string

const (
	KindPlayer  EntityKind = "player"
	KindNPC     EntityKind = "npc"
	KindMonster EntityKind = "monster"
)

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	switch k {
	case KindPlayer, KindNPC, KindMonster:
		return true
	}
	return false
}

// InitiativeEntry is one slot in the turn order.
type InitiativeEntry struct {
	EntityID   string            `json:"entityId" yaml:"entity_id"`
	Name       string            `json:"name" yaml:"name"`
	Kind       EntityKind        `json:"kind" yaml:"kind"`
	Initiative int               `json:"initiative" yaml:"initiative"`
	Side       map[string]string `json:"side,omitempty" yaml:"side,omitempty"`
}

// Position is a grid coordinate.
type Position struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// Obstacle is a blocking map feature. The zero value marks a removed slot.
type Obstacle struct {
	X    int    `json:"x" yaml:"x"`
	Y    int    `json:"y" yaml:"y"`
	Kind string `json:"kind" yaml:"kind"`
}

// TerrainCell overrides the terrain of one grid cell. The zero value marks a removed slot.
type TerrainCell struct {
	X       int    `json:"x" yaml:"x"`
	Y       int    `json:"y" yaml:"y"`
	Terrain string `json:"terrain" yaml:"terrain"`
}

// MapState is the positional sub-state of a room.
type MapState struct {
	Width     int                 `json:"width" yaml:"width"`
	Height    int                 `json:"height" yaml:"height"`
	Positions map[string]Position `json:"positions" yaml:"positions"`
	Obstacles []Obstacle          `json:"obstacles,omitempty" yaml:"obstacles,omitempty"`
	Terrain   []TerrainCell       `json:"terrain,omitempty" yaml:"terrain,omitempty"`
}

// RemoveObstacle clears the obstacle at (x, y), leaving an empty slot so indexes held by
// clients stay valid until the next compaction.
//
// Postcondition: Returns true if an obstacle was cleared.
func (m *MapState) RemoveObstacle(x, y int) bool {
	for i, o := range m.Obstacles {
		if o.Kind != "" && o.X == x && o.Y == y {
			m.Obstacles[i] = Obstacle{}
			return true
		}
	}
	return false
}

// InBounds reports whether p lies on the map. A map without dimensions accepts any position.
func (m *MapState) InBounds(p Position) bool {
	if m.Width <= 0 || m.Height <= 0 {
		return true
	}
	return p.X >= 0 && p.Y >= 0 && p.X < m.Width && p.Y < m.Height
}

// ChatEntry is one line of room chat.
type ChatEntry struct {
	ID     string    `json:"id"`
	UserID string    `json:"userId"`
	Name   string    `json:"name"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sentAt"`
}

// GameState is the authoritative session snapshot.
//
// Invariant: 0 <= CurrentTurnIndex < len(Initiative) whenever len(Initiative) > 0.
type GameState struct {
	Status           Status            `json:"status"`
	Initiative       []InitiativeEntry `json:"initiative"`
	CurrentTurnIndex int               `json:"currentTurnIndex"`
	Round            int               `json:"round"`
	// TurnNumber counts turns started since initiative was set; it never wraps.
	TurnNumber   int                    `json:"turnNumber"`
	Map          MapState               `json:"map"`
	Participants map[string]Participant `json:"participants"`
	TurnHistory  []TurnRecord           `json:"turnHistory"`
	Chat         []ChatEntry            `json:"chat"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// New returns an empty active GameState.
func New(now time.Time) *GameState {
	return &GameState{
		Status:       StatusActive,
		Map:          MapState{Positions: make(map[string]Position)},
		Participants: make(map[string]Participant),
		UpdatedAt:    now,
	}
}

// CurrentEntry returns the initiative entry whose turn it is.
//
// Postcondition: Returns (entry, true) if initiative is non-empty and the index is in range.
func (g *GameState) CurrentEntry() (InitiativeEntry, bool) {
	if len(g.Initiative) == 0 || g.CurrentTurnIndex < 0 || g.CurrentTurnIndex >= len(g.Initiative) {
		return InitiativeEntry{}, false
	}
	return g.Initiative[g.CurrentTurnIndex], true
}

// Advance moves to the next initiative slot, wrapping to 0 and incrementing Round.
//
// Precondition: len(Initiative) > 0.
// Postcondition: Returns true if the round wrapped.
func (g *GameState) Advance() bool {
	if len(g.Initiative) == 0 {
		return false
	}
	g.TurnNumber++
	g.CurrentTurnIndex++
	if g.CurrentTurnIndex >= len(g.Initiative) {
		g.CurrentTurnIndex = 0
		g.Round++
		return true
	}
	return false
}

// SetInitiative replaces the turn order, sorted highest initiative first, and restarts at
// round 1, index 0.
func (g *GameState) SetInitiative(entries []InitiativeEntry) {
	sorted := make([]InitiativeEntry, len(entries))
	copy(sorted, entries)
	SortInitiative(sorted)
	g.Initiative = sorted
	g.CurrentTurnIndex = 0
	if len(sorted) > 0 {
		g.Round = 1
		g.TurnNumber = 1
	} else {
		g.Round = 0
		g.TurnNumber = 0
	}
}

// Clone returns a deep copy that shares no mutable memory with g.
func (g *GameState) Clone() *GameState {
	if g == nil {
		return nil
	}
	out := *g
	out.Initiative = make([]InitiativeEntry, len(g.Initiative))
	for i, e := range g.Initiative {
		out.Initiative[i] = e
		if e.Side != nil {
			side := make(map[string]string, len(e.Side))
			for k, v := range e.Side {
				side[k] = v
			}
			out.Initiative[i].Side = side
		}
	}
	out.Map.Positions = make(map[string]Position, len(g.Map.Positions))
	for k, v := range g.Map.Positions {
		out.Map.Positions[k] = v
	}
	out.Map.Obstacles = append([]Obstacle(nil), g.Map.Obstacles...)
	out.Map.Terrain = append([]TerrainCell(nil), g.Map.Terrain...)
	out.Participants = make(map[string]Participant, len(g.Participants))
	for k, v := range g.Participants {
		out.Participants[k] = v
	}
	out.TurnHistory = make([]TurnRecord, len(g.TurnHistory))
	for i, r := range g.TurnHistory {
		out.TurnHistory[i] = r.clone()
	}
	out.Chat = append([]ChatEntry(nil), g.Chat...)
	return &out
}

// Marshal encodes the state as JSON.
func (g *GameState) Marshal() ([]byte, error) {
	return json.Marshal(g)
}

// Unmarshal decodes a JSON snapshot and fills nil maps.
//
// Postcondition: Returns a non-nil state or a decode error.
func Unmarshal(data []byte) (*GameState, error) {
	var g GameState
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decoding game state: %w", err)
	}
	if g.Map.Positions == nil {
		g.Map.Positions = make(map[string]Position)
	}
	if g.Participants == nil {
		g.Participants = make(map[string]Participant)
	}
	return &g, nil
}
