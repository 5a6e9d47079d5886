package http_test

import (
	"context"
	"encoding/json"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/tablesync/internal/game/event"
	"github.com/cory-johannsen/tablesync/internal/game/state"
	transport "github.com/cory-johannsen/tablesync/internal/transport/http"
)

type wireEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type frame struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId"`
	Event     *wireEvent `json:"event"`
	Error     string     `json:"error"`
}

// batchTypes lists the event types inside a BATCH frame.
func batchTypes(t *testing.T, ev *wireEvent) []string {
	t.Helper()
	var p struct {
		Events []struct {
			Type string `json:"type"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	out := make([]string, 0, len(p.Events))
	for _, e := range p.Events {
		out = append(out, e.Type)
	}
	return out
}

func dialStream(ctx context.Context, ts *httptest.Server, interactionID, user string) (*websocket.Conn, *stdhttp.Response, error) {
	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/api/rooms/" + interactionID + "/stream"
	return websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: stdhttp.Header{"X-User-Id": []string{user}},
	})
}

func TestStream_SyncActionsAndDisconnect(t *testing.T) {
	r, svc := newTestRouter(t)
	seatRoom(t, r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := dialStream(ctx, ts, "int-1", "alice")
	require.NoError(t, err)
	defer conn.CloseNow()

	var first frame
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	require.Equal(t, transport.FrameEvent, first.Type)
	require.NotNil(t, first.Event)
	assert.Equal(t, string(event.StateSync), first.Event.Type)

	require.NoError(t, wsjson.Write(ctx, conn, transport.Inbound{
		Type:      transport.FrameAction,
		RequestID: "r1",
		Action:    &state.Action{Kind: state.ActionDodge, EntityID: "hero"},
	}))
	require.NoError(t, wsjson.Write(ctx, conn, transport.Inbound{Type: "bogus", RequestID: "r2"}))

	var acked, rejected, completed bool
	for !(acked && rejected && completed) {
		var f frame
		require.NoError(t, wsjson.Read(ctx, conn, &f))
		switch f.Type {
		case transport.FrameAck:
			assert.Equal(t, "r1", f.RequestID)
			acked = true
		case transport.FrameError:
			assert.Equal(t, "r2", f.RequestID)
			assert.Contains(t, f.Error, "unknown frame type")
			rejected = true
		case transport.FrameEvent:
			if f.Event.Type == string(event.Batch) {
				for _, typ := range batchTypes(t, f.Event) {
					if typ == string(event.TurnCompleted) {
						completed = true
					}
				}
			}
		}
	}

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool {
		st, ok := svc.Connections().Status("int-1", "alice")
		return ok && !st.Connected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStream_ReopenReconnects(t *testing.T) {
	r, svc := newTestRouter(t)
	seatRoom(t, r)
	require.NoError(t, svc.Disconnect("int-1", "alice"))
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := dialStream(ctx, ts, "int-1", "alice")
	require.NoError(t, err)
	defer conn.CloseNow()

	var seen []string
	for len(seen) == 0 || seen[len(seen)-1] != string(event.StateSync) {
		var f frame
		require.NoError(t, wsjson.Read(ctx, conn, &f))
		if f.Type == transport.FrameEvent {
			seen = append(seen, f.Event.Type)
		}
	}
	assert.Equal(t, []string{string(event.StateSyncRequired), string(event.StateSync)}, seen)
	st, ok := svc.Connections().Status("int-1", "alice")
	require.True(t, ok)
	assert.True(t, st.Connected)
	assert.Equal(t, 1, st.Attempts)
}

func TestStream_ReconnectSyncSurvivesTypeFilter(t *testing.T) {
	r, svc := newTestRouter(t)
	seatRoom(t, r)
	require.NoError(t, svc.Disconnect("int-1", "alice"))
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/api/rooms/int-1/stream?types=CHAT_MESSAGE"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: stdhttp.Header{"X-User-Id": []string{"alice"}},
	})
	require.NoError(t, err)
	defer conn.CloseNow()

	var f frame
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	assert.Equal(t, string(event.StateSyncRequired), f.Event.Type)
	require.NoError(t, wsjson.Read(ctx, conn, &f))
	assert.Equal(t, string(event.StateSync), f.Event.Type)
}

func TestStream_LastStreamCloseDisconnects(t *testing.T) {
	r, svc := newTestRouter(t)
	seatRoom(t, r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	connected := func() bool {
		st, ok := svc.Connections().Status("int-1", "alice")
		return ok && st.Connected
	}

	tab1, _, err := dialStream(ctx, ts, "int-1", "alice")
	require.NoError(t, err)
	defer tab1.CloseNow()
	tab2, _, err := dialStream(ctx, ts, "int-1", "alice")
	require.NoError(t, err)
	defer tab2.CloseNow()
	var f frame
	require.NoError(t, wsjson.Read(ctx, tab1, &f))
	require.NoError(t, wsjson.Read(ctx, tab2, &f))

	require.NoError(t, tab1.Close(websocket.StatusNormalClosure, "tab closed"))
	assert.Never(t, func() bool { return !connected() }, 300*time.Millisecond, 10*time.Millisecond,
		"alice still has a stream open")

	require.NoError(t, wsjson.Write(ctx, tab2, transport.Inbound{Type: transport.FrameHeartbeat, RequestID: "hb"}))
	for f.Type != transport.FrameAck {
		require.NoError(t, wsjson.Read(ctx, tab2, &f))
	}
	assert.Equal(t, "hb", f.RequestID)

	require.NoError(t, tab2.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return !connected() }, 2*time.Second, 10*time.Millisecond)
}

func TestStream_RejectsUnknownRoom(t *testing.T) {
	r, _ := newTestRouter(t)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := dialStream(ctx, ts, "nope", "alice")
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, stdhttp.StatusNotFound, resp.StatusCode)
	}
}
