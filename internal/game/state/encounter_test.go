package state_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/tablesync/internal/game/state"
)

func writeEncounter(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestLoadEncounters(t *testing.T) {
	dir := t.TempDir()
	writeEncounter(t, dir, "crypt.yaml", `id: crypt
name: The Crypt
map:
  width: 6
  height: 6
  positions:
    skel: {x: 1, y: 1}
  obstacles:
    - {x: 2, y: 2, kind: pillar}
initiative:
  - {entity_id: skel, name: Skeleton, kind: monster, initiative: 8}
  - {entity_id: hero, name: Aria, kind: player, initiative: 19}
`)
	writeEncounter(t, dir, "notes.txt", "not an encounter")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "drafts"), 0o700))

	encs, err := state.LoadEncounters(dir)
	require.NoError(t, err)
	require.Len(t, encs, 1)
	enc := encs["crypt"]
	require.NotNil(t, enc)
	assert.Equal(t, "The Crypt", enc.Name)

	g := enc.GameState(t0)
	assert.Equal(t, state.StatusActive, g.Status)
	assert.Equal(t, "hero", g.Initiative[0].EntityID, "highest initiative acts first")
	assert.Equal(t, 1, g.Round)
	assert.Equal(t, state.Position{X: 1, Y: 1}, g.Map.Positions["skel"])

	g.Map.Positions["skel"] = state.Position{X: 5, Y: 5}
	g.Map.Obstacles[0].Kind = "rubble"
	assert.Equal(t, state.Position{X: 1, Y: 1}, enc.Map.Positions["skel"], "template map is copied")
	assert.Equal(t, "pillar", enc.Map.Obstacles[0].Kind)
}

func TestLoadEncounters_Rejects(t *testing.T) {
	cases := map[string]string{
		"missing id":     "name: nameless\n",
		"no entity id":   "id: a\ninitiative:\n  - {name: x, initiative: 3}\n",
		"duplicate":      "id: a\ninitiative:\n  - {entity_id: x}\n  - {entity_id: x}\n",
		"unknown kind":   "id: a\ninitiative:\n  - {entity_id: x, kind: dragon}\n",
		"malformed yaml": "id: [unterminated\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeEncounter(t, dir, "bad.yaml", body)
			_, err := state.LoadEncounters(dir)
			assert.Error(t, err)
		})
	}

	dir := t.TempDir()
	writeEncounter(t, dir, "a.yaml", "id: same\n")
	writeEncounter(t, dir, "b.yml", "id: same\n")
	_, err := state.LoadEncounters(dir)
	assert.ErrorContains(t, err, "duplicate encounter id")

	_, err = state.LoadEncounters(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestShippedEncountersLoad(t *testing.T) {
	encs, err := state.LoadEncounters(filepath.Join("..", "..", "..", "configs", "encounters"))
	require.NoError(t, err)
	assert.Contains(t, encs, "goblin-ambush")
}
