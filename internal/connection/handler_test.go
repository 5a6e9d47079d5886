package connection_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/tablesync/internal/connection"
	"github.com/cory-johannsen/tablesync/internal/game/event"
	"github.com/cory-johannsen/tablesync/internal/game/room"
	"github.com/cory-johannsen/tablesync/internal/game/state"
	"github.com/cory-johannsen/tablesync/internal/observability"
)

type sent struct {
	userID string
	ev     event.Event
}

type recordingPublisher struct {
	mu   sync.Mutex
	room []event.Event
	user []sent
}

func (p *recordingPublisher) BroadcastToRoom(ev event.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.room = append(p.room, ev)
}

func (p *recordingPublisher) BroadcastToUser(_ string, userID string, ev event.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.user = append(p.user, sent{userID: userID, ev: ev})
	return 1
}

func (p *recordingPublisher) roomTypes() []event.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]event.Type, 0, len(p.room))
	for _, ev := range p.room {
		out = append(out, ev.Type)
	}
	return out
}

func (p *recordingPublisher) userTypes(userID string) []event.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []event.Type
	for _, s := range p.user {
		if s.userID == userID {
			out = append(out, s.ev.Type)
		}
	}
	return out
}

type memStore struct {
	mu   sync.Mutex
	data map[string]*state.GameState
}

func (s *memStore) Load(_ context.Context, id string) (*state.GameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[id].Clone(), nil
}

func (s *memStore) Save(_ context.Context, id string, g *state.GameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = g.Clone()
	return nil
}

type fixture struct {
	manager *room.Manager
	handler *connection.Handler
	pub     *recordingPublisher
	clk     *clock.Mock
	metrics *observability.Metrics
	room    *room.Room
}

func newFixture(t *testing.T, policy connection.Policy) *fixture {
	t.Helper()
	clk := clock.NewMock()
	metrics := observability.NewMetrics()
	logger := zaptest.NewLogger(t)
	m := room.NewManager(room.DefaultConfig(), &memStore{data: map[string]*state.GameState{}}, nil, clk, metrics, logger)
	pub := &recordingPublisher{}
	cfg := connection.DefaultConfig()
	cfg.MaxReconnectAttempts = 2
	cfg.Policy = policy
	h := connection.NewHandler(cfg, m, pub, clk, metrics, logger)
	t.Cleanup(h.Close)
	m.SetRecoverer(h)

	initial := state.New(clk.Now())
	initial.SetInitiative([]state.InitiativeEntry{{EntityID: "e1", Initiative: 15}, {EntityID: "e2", Initiative: 10}})
	r, err := m.CreateRoom(context.Background(), "int-1", initial)
	require.NoError(t, err)
	for _, p := range []state.Participant{
		{UserID: "dm", EntityID: "dm", IsSessionOwner: true},
		{UserID: "A", EntityID: "e1"},
		{UserID: "B", EntityID: "e2"},
	} {
		_, err := m.JoinRoom("int-1", p)
		require.NoError(t, err)
		require.NoError(t, h.Connect("int-1", p.UserID, "conn-"+p.UserID))
	}
	return &fixture{manager: m, handler: h, pub: pub, clk: clk, metrics: metrics, room: r}
}

func TestConnect_RequiresParticipant(t *testing.T) {
	f := newFixture(t, connection.PolicyFirstWins)
	assert.ErrorIs(t, f.handler.Connect("int-1", "stranger", "c"), room.ErrParticipantNotFound)
	assert.ErrorIs(t, f.handler.Connect("nowhere", "A", "c"), room.ErrRoomNotFound)
	assert.Equal(t, 3, f.handler.Tracked())
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t, connection.PolicyFirstWins)
	f.clk.Add(10 * time.Second)
	require.NoError(t, f.handler.Heartbeat("int-1", "A"))
	st, ok := f.handler.Status("int-1", "A")
	require.True(t, ok)
	assert.Equal(t, f.clk.Now(), st.LastSeen)

	assert.ErrorIs(t, f.handler.Heartbeat("int-1", "ghost"), connection.ErrUnknownConnection)
	require.NoError(t, f.handler.Disconnect("int-1", "A", connection.ReasonClientClosed))
	assert.ErrorIs(t, f.handler.Heartbeat("int-1", "A"), connection.ErrNotConnected)
}

func TestCheckTimeouts_DisconnectsOnlyStaleUsers(t *testing.T) {
	f := newFixture(t, connection.PolicyFirstWins)
	f.clk.Add(60 * time.Second)
	require.NoError(t, f.handler.Heartbeat("int-1", "A"))
	require.NoError(t, f.handler.Heartbeat("int-1", "dm"))
	f.clk.Add(40 * time.Second)

	assert.Equal(t, 1, f.handler.CheckTimeouts())
	st, _ := f.handler.Status("int-1", "B")
	assert.False(t, st.Connected)
	assert.Equal(t, connection.ReasonConnectionTimeout, st.Reason)
	p, ok := f.room.Participant("B")
	require.True(t, ok, "timed out participant stays in the room")
	assert.False(t, p.Connected)
	assert.Equal(t, []event.Type{event.PlayerDisconnected}, f.pub.roomTypes())
	assert.Equal(t, int64(1), f.metrics.Get(observability.MetricTimeouts))

	assert.Equal(t, 0, f.handler.CheckTimeouts(), "already disconnected users are not timed out twice")
}

func TestDisconnect_IsIdempotent(t *testing.T) {
	f := newFixture(t, connection.PolicyFirstWins)
	require.NoError(t, f.handler.Disconnect("int-1", "A", connection.ReasonClientClosed))
	require.NoError(t, f.handler.Disconnect("int-1", "A", connection.ReasonClientClosed))
	assert.Equal(t, []event.Type{event.PlayerDisconnected}, f.pub.roomTypes())
	assert.ErrorIs(t, f.handler.Disconnect("int-1", "ghost", ""), connection.ErrUnknownConnection)
}

func TestDMDisconnect_GraceExpiryPausesRoom(t *testing.T) {
	f := newFixture(t, connection.PolicyFirstWins)
	require.NoError(t, f.handler.Disconnect("int-1", "dm", connection.ReasonClientClosed))
	assert.Equal(t, []event.Type{event.DMDisconnected}, f.pub.roomTypes())

	f.clk.Add(4 * time.Minute)
	assert.Equal(t, state.StatusActive, f.room.Status())

	f.clk.Add(2 * time.Minute)
	require.Eventually(t, func() bool { return f.room.Status() == state.StatusPaused }, time.Second, 5*time.Millisecond)

	_, err := f.handler.Reconnect("int-1", "dm", "conn-dm-2")
	require.NoError(t, err)
	assert.Equal(t, state.StatusActive, f.room.Status(), "owner reconnect resumes a grace pause")
	assert.Contains(t, f.pub.roomTypes(), event.DMReconnected)
}

func TestDMReconnectWithinGraceCancelsPause(t *testing.T) {
	f := newFixture(t, connection.PolicyFirstWins)
	require.NoError(t, f.handler.Disconnect("int-1", "dm", connection.ReasonClientClosed))
	f.clk.Add(time.Minute)
	_, err := f.handler.Reconnect("int-1", "dm", "conn-dm-2")
	require.NoError(t, err)

	f.clk.Add(10 * time.Minute)
	assert.Equal(t, state.StatusActive, f.room.Status())
}

func TestForgetRoom_CancelsGraceTimer(t *testing.T) {
	f := newFixture(t, connection.PolicyFirstWins)
	require.NoError(t, f.handler.Disconnect("int-1", "dm", connection.ReasonClientClosed))
	f.handler.ForgetRoom("int-1")
	assert.Equal(t, 0, f.handler.Tracked())

	f.clk.Add(10 * time.Minute)
	assert.Equal(t, state.StatusActive, f.room.Status())
}

func TestReconnect_SyncsOnlyTheReconnectingUser(t *testing.T) {
	f := newFixture(t, connection.PolicyFirstWins)
	require.NoError(t, f.handler.Disconnect("int-1", "A", connection.ReasonClientClosed))

	g, err := f.handler.Reconnect("int-1", "A", "conn-A-2")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, []event.Type{event.StateSyncRequired, event.StateSync}, f.pub.userTypes("A"))
	assert.Empty(t, f.pub.userTypes("B"))
	assert.Equal(t, []event.Type{event.PlayerDisconnected, event.PlayerReconnected}, f.pub.roomTypes())

	p, _ := f.room.Participant("A")
	assert.True(t, p.Connected)
	assert.Equal(t, "conn-A-2", p.ConnectionID)
}

func TestReconnect_AttemptsBoundedPerWindow(t *testing.T) {
	f := newFixture(t, connection.PolicyFirstWins)
	require.NoError(t, f.handler.Disconnect("int-1", "A", connection.ReasonClientClosed))
	_, err := f.handler.Reconnect("int-1", "A", "c2")
	require.NoError(t, err)
	require.NoError(t, f.handler.Disconnect("int-1", "A", connection.ReasonClientClosed))
	_, err = f.handler.Reconnect("int-1", "A", "c3")
	require.NoError(t, err)
	require.NoError(t, f.handler.Disconnect("int-1", "A", connection.ReasonClientClosed))

	_, err = f.handler.Reconnect("int-1", "A", "c4")
	assert.ErrorIs(t, err, connection.ErrReconnectLimit)
	assert.Contains(t, f.pub.roomTypes(), event.ReconnectFailed)
	st, _ := f.handler.Status("int-1", "A")
	assert.False(t, st.Connected)
	assert.Equal(t, int64(1), f.metrics.Get(observability.MetricReconnectFailures))

	f.clk.Add(6 * time.Minute)
	_, err = f.handler.Reconnect("int-1", "A", "c5")
	require.NoError(t, err, "a new window resets the count")

	_, err = f.handler.Reconnect("int-1", "ghost", "c")
	assert.ErrorIs(t, err, connection.ErrUnknownConnection)
}

func TestForget(t *testing.T) {
	f := newFixture(t, connection.PolicyFirstWins)
	f.handler.Forget("int-1", "A")
	_, ok := f.handler.Status("int-1", "A")
	assert.False(t, ok)
	assert.Equal(t, 2, f.handler.Tracked())
}

func TestParsePolicy(t *testing.T) {
	p, err := connection.ParsePolicy("dm_decides")
	require.NoError(t, err)
	assert.Equal(t, connection.PolicyDMDecides, p)
	p, err = connection.ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, connection.PolicyFirstWins, p)
	_, err = connection.ParsePolicy("coin_flip")
	assert.Error(t, err)
}
