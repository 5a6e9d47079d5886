package gameserver_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/tablesync/internal/broadcast"
	"github.com/cory-johannsen/tablesync/internal/config"
	"github.com/cory-johannsen/tablesync/internal/game/event"
	"github.com/cory-johannsen/tablesync/internal/game/room"
	"github.com/cory-johannsen/tablesync/internal/game/state"
	"github.com/cory-johannsen/tablesync/internal/gameserver"
	"github.com/cory-johannsen/tablesync/internal/identity"
	"github.com/cory-johannsen/tablesync/internal/resource"
	"github.com/cory-johannsen/tablesync/internal/storage"
)

type fixedSampler struct{ used uint64 }

func (f fixedSampler) Sample(context.Context) (resource.Sample, error) {
	return resource.Sample{HeapAlloc: f.used}, nil
}

type inbox struct {
	mu     sync.Mutex
	events []event.Event
}

func (i *inbox) Handle(_ context.Context, d broadcast.Delivery) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if d.Event.Type == event.Batch {
		if p, ok := d.Event.Payload.(event.BatchPayload); ok {
			i.events = append(i.events, p.Events...)
			return nil
		}
	}
	i.events = append(i.events, d.Event)
	return nil
}

func (i *inbox) has(t event.Type) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, ev := range i.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

var (
	dm     = identity.User{ID: "dm", IsSessionOwner: true}
	player = identity.User{ID: "alice"}
)

// faces replays die results in order; each value is the face shown, 1-based.
type faces struct {
	mu   sync.Mutex
	next []int
}

func (f *faces) Intn(n int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.next) == 0 {
		return 0
	}
	v := f.next[0]
	f.next = f.next[1:]
	return (v - 1) % n
}

type fixture struct {
	svc   *gameserver.Service
	store *storage.Memory
	clk   *clock.Mock
	dice  *faces
	cfg   config.Config
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Session.HeartbeatInterval = time.Second
	cfg.Session.ConnectionTimeout = 3 * time.Second
	cfg.Session.SweepInterval = time.Second
	cfg.Session.InactivityTimeout = time.Hour
	cfg.Memory.SampleInterval = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	store := storage.NewMemory()
	clk := clock.NewMock()
	src := &faces{}
	svc, err := gameserver.New(gameserver.Options{
		Config:  cfg,
		Store:   store,
		Clock:   clk,
		Sampler: fixedSampler{used: 1 << 20},
		Dice:    src,
		Logger:  zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return &fixture{svc: svc, store: store, clk: clk, dice: src, cfg: cfg}
}

// seat creates int-1 with two combatants and seats the DM and one player.
func (f *fixture) seat(t *testing.T) {
	t.Helper()
	g := state.New(f.clk.Now())
	g.SetInitiative([]state.InitiativeEntry{
		{EntityID: "hero", Name: "Aria", Initiative: 15},
		{EntityID: "orc", Name: "Orc", Kind: state.KindMonster, Initiative: 10},
	})
	_, err := f.svc.CreateRoom(context.Background(), gameserver.CreateRoomRequest{InteractionID: "int-1", State: g})
	require.NoError(t, err)
	_, err = f.svc.JoinRoom("int-1", dm, gameserver.JoinRequest{})
	require.NoError(t, err)
	res, err := f.svc.JoinRoom("int-1", player, gameserver.JoinRequest{EntityID: "hero", Character: state.CharacterSnapshot{Name: "Aria", HP: 12, MaxHP: 12, AC: 15}})
	require.NoError(t, err)
	require.True(t, res.Participant.Connected)
}

func TestService_TurnFlowReachesSubscribers(t *testing.T) {
	f := newFixture(t, nil)
	f.seat(t)
	in := &inbox{}
	_, err := f.svc.Subscribe("int-1", player.ID, nil, in)
	require.NoError(t, err)

	res, err := f.svc.SubmitTurnAction("int-1", player.ID, state.Action{Kind: state.ActionDodge, EntityID: "hero"})
	require.NoError(t, err)
	assert.Equal(t, "orc", res.Next.EntityID)

	// the monster's turn is driven by the session owner
	_, err = f.svc.SubmitTurnAction("int-1", dm.ID, state.Action{Kind: state.ActionAttack, EntityID: "orc", TargetID: "hero"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		f.clk.Add(f.cfg.Broadcast.BatchDelay)
		return in.has(event.TurnCompleted) && in.has(event.RoundStarted)
	}, 2*time.Second, 5*time.Millisecond)

	g, err := f.svc.GetRoomState("int-1")
	require.NoError(t, err)
	assert.Equal(t, 2, g.Round)
	assert.Len(t, g.TurnHistory, 2)
}

func TestService_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t, nil)
	f.seat(t)

	_, err := f.svc.SubmitTurnAction("int-1", player.ID, state.Action{Kind: state.ActionMove, EntityID: "hero"})
	assert.ErrorIs(t, err, state.ErrInvalidAction)

	_, err = f.svc.SubmitTurnAction("int-1", player.ID, state.Action{Kind: state.ActionDodge, EntityID: "orc"})
	assert.ErrorIs(t, err, room.ErrNotYourTurn)

	_, err = f.svc.SendChat("int-1", player.ID, "   ")
	assert.ErrorIs(t, err, gameserver.ErrInvalidChat)

	entry, err := f.svc.SendChat("int-1", player.ID, " hello ")
	require.NoError(t, err)
	assert.Equal(t, "hello", entry.Text)
	assert.Equal(t, "Aria", entry.Name)

	_, err = f.svc.CreateRoom(context.Background(), gameserver.CreateRoomRequest{InteractionID: "int-1"})
	assert.ErrorIs(t, err, room.ErrRoomExists)
	_, err = f.svc.CreateRoom(context.Background(), gameserver.CreateRoomRequest{InteractionID: "int-2", EncounterID: "nope"})
	assert.ErrorIs(t, err, gameserver.ErrUnknownEncounter)
}

func TestService_OwnerOnlyOperations(t *testing.T) {
	f := newFixture(t, nil)
	f.seat(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.PauseRoom("int-1", player.ID, ""), gameserver.ErrNotSessionOwner)
	assert.ErrorIs(t, f.svc.CompleteRoom(ctx, "int-1", player.ID, ""), gameserver.ErrNotSessionOwner)
	assert.ErrorIs(t, f.svc.SetInitiative("int-1", player.ID, nil), gameserver.ErrNotSessionOwner)
	_, err := f.svc.ResolveConflict("int-1", player.ID, true)
	assert.ErrorIs(t, err, gameserver.ErrNotSessionOwner)
	assert.ErrorIs(t, f.svc.PauseRoom("int-1", "stranger", ""), room.ErrParticipantNotFound)

	require.NoError(t, f.svc.PauseRoom("int-1", dm.ID, "snack break"))
	saved, err := f.store.Load(ctx, "int-1")
	require.NoError(t, err)
	require.NotNil(t, saved, "pausing saves a snapshot")
	assert.Equal(t, state.StatusPaused, saved.Status)

	require.NoError(t, f.svc.ResumeRoom("int-1", dm.ID))
	_, err = f.svc.ResolveConflict("int-1", dm.ID, true)
	assert.ErrorIs(t, err, room.ErrNoConflict)
}

func TestService_CompleteTearsDownEverything(t *testing.T) {
	f := newFixture(t, nil)
	f.seat(t)
	_, err := f.svc.Subscribe("int-1", player.ID, nil, &inbox{})
	require.NoError(t, err)
	require.Equal(t, 1, f.svc.Stats().Subscriptions)
	require.Equal(t, 2, f.svc.Stats().Connections)

	require.NoError(t, f.svc.CompleteRoom(context.Background(), "int-1", dm.ID, ""))
	_, err = f.svc.GetRoomState("int-1")
	assert.ErrorIs(t, err, room.ErrRoomNotFound)
	st := f.svc.Stats()
	assert.Zero(t, st.Rooms)
	assert.Zero(t, st.Subscriptions)
	assert.Zero(t, st.Connections)

	saved, err := f.store.Load(context.Background(), "int-1")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, state.StatusCompleted, saved.Status)
}

func TestService_CompleteReachesSubscribersBeforeTeardown(t *testing.T) {
	f := newFixture(t, nil)
	f.seat(t)
	in := &inbox{}
	_, err := f.svc.Subscribe("int-1", player.ID, []event.Type{event.RoomCompleted}, in)
	require.NoError(t, err)

	require.NoError(t, f.svc.CompleteRoom(context.Background(), "int-1", dm.ID, "victory"))
	require.Eventually(t, func() bool { return in.has(event.RoomCompleted) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.svc.Broadcaster().SubscriptionCount())
}

func TestService_LeaveDisconnectReconnect(t *testing.T) {
	f := newFixture(t, nil)
	f.seat(t)

	require.NoError(t, f.svc.Disconnect("int-1", player.ID))
	g, err := f.svc.Reconnect("int-1", player.ID, "")
	require.NoError(t, err)
	assert.True(t, g.Participants[player.ID].Connected)
	require.NoError(t, f.svc.Heartbeat("int-1", player.ID))

	require.NoError(t, f.svc.LeaveRoom("int-1", player.ID))
	_, ok := f.svc.Connections().Status("int-1", player.ID)
	assert.False(t, ok)
	assert.ErrorIs(t, f.svc.LeaveRoom("int-1", player.ID), room.ErrParticipantNotFound)
}

func TestService_UpdateParticipantIsBatchedAsDelta(t *testing.T) {
	f := newFixture(t, nil)
	f.seat(t)
	var mu sync.Mutex
	var deltas []event.Delta
	_, err := f.svc.Subscribe("int-1", player.ID, []event.Type{event.StateDelta}, broadcast.HandlerFunc(func(_ context.Context, d broadcast.Delivery) error {
		if p, ok := d.Event.Payload.(event.BatchPayload); ok {
			mu.Lock()
			deltas = append(deltas, p.Deltas...)
			mu.Unlock()
		}
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, f.svc.UpdateParticipant("int-1", player.ID, state.CharacterSnapshot{Name: "Aria", HP: 9, MaxHP: 12, AC: 15}))
	require.NoError(t, f.svc.UpdateParticipant("int-1", player.ID, state.CharacterSnapshot{Name: "Aria", HP: 4, MaxHP: 12, AC: 15}))

	require.Eventually(t, func() bool {
		f.clk.Add(f.cfg.Broadcast.BatchDelay)
		mu.Lock()
		defer mu.Unlock()
		return len(deltas) > 0
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, deltas, 1, "updates to one participant merge")
	assert.EqualValues(t, 4, deltas[0].Fields["hp"])
}

func TestService_EncounterTemplates(t *testing.T) {
	dir := t.TempDir()
	doc := `id: goblin-ambush
name: Goblin Ambush
map:
  width: 10
  height: 8
  positions:
    gob1: {x: 1, y: 1}
initiative:
  - entity_id: gob1
    name: Goblin
    kind: monster
    initiative: 14
  - entity_id: hero
    name: Aria
    kind: player
    initiative: 9
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "goblins.yaml"), []byte(doc), 0o600))
	f := newFixture(t, func(c *config.Config) { c.Session.EncountersDir = dir })

	assert.Equal(t, []string{"goblin-ambush"}, f.svc.Encounters())
	info, err := f.svc.CreateRoom(context.Background(), gameserver.CreateRoomRequest{InteractionID: "int-9", EncounterID: "goblin-ambush"})
	require.NoError(t, err)
	assert.Equal(t, 10, info.GameState.Map.Width)
	require.Len(t, info.GameState.Initiative, 2)
	assert.Equal(t, "gob1", info.GameState.Initiative[0].EntityID)
	assert.Equal(t, 1, info.GameState.Round)
}

func TestService_HeartbeatTimeoutsRunOnTicker(t *testing.T) {
	f := newFixture(t, nil)
	f.seat(t)
	f.svc.Start(context.Background())

	require.Eventually(t, func() bool {
		f.clk.Add(f.cfg.Session.HeartbeatInterval)
		st, ok := f.svc.Connections().Status("int-1", player.ID)
		return ok && !st.Connected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestService_ShutdownPersistsLiveRooms(t *testing.T) {
	f := newFixture(t, nil)
	f.seat(t)
	f.svc.Start(context.Background())

	require.NoError(t, f.svc.Shutdown(context.Background()))
	saved, err := f.store.Load(context.Background(), "int-1")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, state.StatusActive, saved.Status)
}

func TestService_ListRoomsAndStats(t *testing.T) {
	f := newFixture(t, nil)
	f.seat(t)

	rooms := f.svc.ListRooms()
	require.Len(t, rooms, 1)
	assert.Equal(t, "int-1", rooms[0].InteractionID)
	assert.Equal(t, 2, rooms[0].Participants)

	rec := f.svc.Reclaim(context.Background())
	assert.True(t, rec.Success)
	st := f.svc.Stats()
	assert.Equal(t, 1, st.Rooms)
	assert.Equal(t, "balanced", st.Strategy)
	assert.Len(t, st.Reclamations, 1)
	assert.NotEmpty(t, st.Counters)
}

func TestService_RollInitiative(t *testing.T) {
	f := newFixture(t, nil)
	f.seat(t)
	// hero rolls 4, orc rolls 9 and 17 with advantage.
	f.dice.next = []int{4, 9, 17}

	_, err := f.svc.RollInitiative("int-1", player.ID, []gameserver.InitiativeRoll{{EntityID: "hero"}})
	assert.ErrorIs(t, err, gameserver.ErrNotSessionOwner)

	rolled, err := f.svc.RollInitiative("int-1", dm.ID, []gameserver.InitiativeRoll{
		{EntityID: "hero", Name: "Aria", Modifier: 3},
		{EntityID: "orc", Name: "Orc", Kind: state.KindMonster, Modifier: -1, Advantage: true},
	})
	require.NoError(t, err)
	require.Len(t, rolled, 2)
	assert.Equal(t, "orc", rolled[0].Entry.EntityID)
	assert.Equal(t, 16, rolled[0].Entry.Initiative)
	assert.Equal(t, []int{9, 17}, rolled[0].Roll.Rolled)
	assert.Equal(t, []int{17}, rolled[0].Roll.Kept)
	assert.Equal(t, 7, rolled[1].Entry.Initiative)
	assert.Equal(t, state.KindPlayer, rolled[1].Entry.Kind)

	g, err := f.svc.GetRoomState("int-1")
	require.NoError(t, err)
	require.Len(t, g.Initiative, 2)
	assert.Equal(t, "orc", g.Initiative[0].EntityID)
	assert.Equal(t, 0, g.CurrentTurnIndex)
	assert.Equal(t, 1, g.Round)

	for name, rolls := range map[string][]gameserver.InitiativeRoll{
		"empty":        nil,
		"no entity":    {{Name: "ghost"}},
		"duplicate":    {{EntityID: "a"}, {EntityID: "a"}},
		"unknown kind": {{EntityID: "a", Kind: "dragon"}},
	} {
		_, err := f.svc.RollInitiative("int-1", dm.ID, rolls)
		assert.ErrorIs(t, err, state.ErrInvalidAction, name)
	}
}
