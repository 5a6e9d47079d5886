package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Encounter is a reusable starting layout for a room: map, initiative and positions.
type Encounter struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Map        MapState          `yaml:"map"`
	Initiative []InitiativeEntry `yaml:"initiative"`
}

// GameState builds a fresh active state from the encounter.
//
// Postcondition: Returns a state whose initiative is sorted and whose map is a copy.
func (e *Encounter) GameState(now time.Time) *GameState {
	g := New(now)
	g.Map.Width = e.Map.Width
	g.Map.Height = e.Map.Height
	for k, v := range e.Map.Positions {
		g.Map.Positions[k] = v
	}
	g.Map.Obstacles = append([]Obstacle(nil), e.Map.Obstacles...)
	g.Map.Terrain = append([]TerrainCell(nil), e.Map.Terrain...)
	g.SetInitiative(e.Initiative)
	return g
}

// LoadEncounters reads every *.yaml file in dir.
//
// Precondition: dir must be a readable directory.
// Postcondition: Returns encounters keyed by ID, or an error naming the first bad file.
func LoadEncounters(dir string) (map[string]*Encounter, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading encounters dir %s: %w", dir, err)
	}
	out := make(map[string]*Encounter)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		enc, err := LoadEncounterFromBytes(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if _, dup := out[enc.ID]; dup {
			return nil, fmt.Errorf("%s: duplicate encounter id %q", name, enc.ID)
		}
		out[enc.ID] = enc
	}
	return out, nil
}

// LoadEncounterFromBytes parses one encounter document.
func LoadEncounterFromBytes(data []byte) (*Encounter, error) {
	var enc Encounter
	if err := yaml.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("parsing encounter: %w", err)
	}
	if enc.ID == "" {
		return nil, fmt.Errorf("encounter id is required")
	}
	seen := make(map[string]bool, len(enc.Initiative))
	for _, e := range enc.Initiative {
		if e.EntityID == "" {
			return nil, fmt.Errorf("encounter %q: initiative entry without entity_id", enc.ID)
		}
		if seen[e.EntityID] {
			return nil, fmt.Errorf("encounter %q: duplicate entity %q", enc.ID, e.EntityID)
		}
		seen[e.EntityID] = true
		if e.Kind != "" && !e.Kind.Valid() {
			return nil, fmt.Errorf("encounter %q: unknown kind %q", enc.ID, e.Kind)
		}
	}
	return &enc, nil
}
