package http

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/broadcast"
	"github.com/cory-johannsen/tablesync/internal/game/event"
	"github.com/cory-johannsen/tablesync/internal/game/state"
	"github.com/cory-johannsen/tablesync/internal/gameserver"
	"github.com/cory-johannsen/tablesync/internal/identity"
)

// Frame types exchanged on a room stream.
const (
	FrameHeartbeat = "heartbeat"
	FrameAction    = "action"
	FrameChat      = "chat"
	FrameEvent     = "event"
	FrameAck       = "ack"
	FrameError     = "error"
)

// streamBuffer bounds the deliveries waiting for the socket writer.
const streamBuffer = 64

// Inbound is a client frame.
type Inbound struct {
	Type      string        `json:"type"`
	RequestID string        `json:"requestId,omitempty"`
	Action    *state.Action `json:"action,omitempty"`
	Text      string        `json:"text,omitempty"`
}

// Outbound is a server frame.
type Outbound struct {
	Type      string       `json:"type"`
	RequestID string       `json:"requestId,omitempty"`
	Event     *event.Event `json:"event,omitempty"`
	Result    any          `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// StreamHandler upgrades GET /api/rooms/:id/stream to a WebSocket carrying the room's events
// out and heartbeats, actions and chat in.
type StreamHandler struct {
	svc *gameserver.Service
	log *zap.Logger

	mu   sync.Mutex
	open map[streamKey]int
}

type streamKey struct {
	interactionID string
	userID        string
}

// NewStreamHandler creates the room stream handler.
func NewStreamHandler(svc *gameserver.Service, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{svc: svc, log: logger, open: make(map[streamKey]int)}
}

// opened counts one more live stream for the user.
func (h *StreamHandler) opened(k streamKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.open[k]++
}

// closed counts one stream gone and reports whether it was the user's last in the room.
func (h *StreamHandler) closed(k streamKey) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.open[k]--
	if h.open[k] > 0 {
		return false
	}
	delete(h.open, k)
	return true
}

// OpenStreams returns how many streams userID holds open in the room.
func (h *StreamHandler) OpenStreams(interactionID, userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.open[streamKey{interactionID, userID}]
}

// parseTypes reads the comma separated ?types= filter. Empty means every type.
func parseTypes(raw string) []event.Type {
	if raw == "" {
		return nil
	}
	var out []event.Type
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, event.Type(t))
		}
	}
	return out
}

// streamTypes is parseTypes with the resync events always included.
func streamTypes(raw string) []event.Type {
	types := parseTypes(raw)
	if types == nil {
		return nil
	}
	return append(types, event.StateSyncRequired, event.StateSync)
}

// Serve handles one stream. The caller must already be a participant of the room. Opening a
// stream for a disconnected participant counts as a reconnect, and the stream then receives
// STATE_SYNC_REQUIRED followed by STATE_SYNC. A stream opened while the user is live starts
// with STATE_SYNC. The user is disconnected when their last stream in the room closes.
func (h *StreamHandler) Serve(c *gin.Context) {
	user, _ := currentUser(c)
	interactionID := c.Param("id")
	k := streamKey{interactionID, user.ID}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	out := make(chan event.Event, streamBuffer)
	subID, err := h.svc.Subscribe(interactionID, user.ID, streamTypes(c.Query("types")), broadcast.HandlerFunc(
		func(hctx context.Context, d broadcast.Delivery) error {
			select {
			case out <- d.Event:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			case <-hctx.Done():
				return hctx.Err()
			}
		}))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	defer func() { _ = h.svc.Unsubscribe(subID) }()

	g, reconnected, err := h.attach(interactionID, user, c.Query("connection_id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	h.opened(k)
	defer func() {
		if !h.closed(k) {
			return
		}
		if derr := h.svc.Disconnect(interactionID, user.ID); derr != nil {
			h.log.Debug("disconnect after stream close", zap.Error(derr))
		}
	}()

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error("ws accept error", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")

	log := h.log.With(
		zap.String("interaction_id", interactionID),
		zap.String("user_id", user.ID),
		zap.String("subscription_id", subID),
	)
	log.Info("stream opened", zap.Bool("reconnected", reconnected))

	if !reconnected {
		initial := event.Event{
			Type:          event.StateSync,
			InteractionID: interactionID,
			Payload:       event.SyncPayload{State: g},
			At:            g.UpdatedAt,
		}
		if err := wsjson.Write(ctx, conn, Outbound{Type: FrameEvent, Event: &initial}); err != nil {
			log.Warn("write initial sync", zap.Error(err))
			return
		}
	}

	frames := make(chan Outbound, streamBuffer)
	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, interactionID, user.ID, frames)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, out, frames)
	}()

	err = <-errCh
	cancel()
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
		if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
			err = nil
		}
		if err != nil {
			if status == websocket.StatusNormalClosure {
				status = websocket.StatusInternalError
			}
			reason = err.Error()
			log.Warn("stream closed with error", zap.Error(err))
		}
	}
	log.Info("stream closed", zap.Int("status", int(status)))
	_ = conn.Close(status, reason)
}

// attach marks the user live for this stream and returns the state to sync from. A reconnect
// pushes its own sync events to the user's subscriptions.
func (h *StreamHandler) attach(interactionID string, user identity.User, connID string) (*state.GameState, bool, error) {
	if connID == "" {
		connID = uuid.NewString()
	}
	st, ok := h.svc.Connections().Status(interactionID, user.ID)
	if ok && !st.Connected {
		g, err := h.svc.Reconnect(interactionID, user.ID, connID)
		return g, true, err
	}
	if err := h.svc.Heartbeat(interactionID, user.ID); err != nil {
		return nil, false, err
	}
	g, err := h.svc.GetRoomState(interactionID)
	return g, false, err
}

func (h *StreamHandler) readLoop(ctx context.Context, conn *websocket.Conn, interactionID, userID string, frames chan<- Outbound) error {
	for {
		var in Inbound
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			return err
		}
		reply := h.dispatch(interactionID, userID, in)
		select {
		case frames <- reply:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatch applies one inbound frame and returns the ack or error frame for it.
func (h *StreamHandler) dispatch(interactionID, userID string, in Inbound) Outbound {
	var (
		result any
		err    error
	)
	switch in.Type {
	case FrameHeartbeat:
		err = h.svc.Heartbeat(interactionID, userID)
	case FrameAction:
		if in.Action == nil {
			err = errors.New("action frame without action")
			break
		}
		result, err = h.svc.SubmitTurnAction(interactionID, userID, *in.Action)
	case FrameChat:
		result, err = h.svc.SendChat(interactionID, userID, in.Text)
	default:
		err = errors.New("unknown frame type " + in.Type)
	}
	if err != nil {
		return Outbound{Type: FrameError, RequestID: in.RequestID, Error: err.Error()}
	}
	return Outbound{Type: FrameAck, RequestID: in.RequestID, Result: result}
}

func (h *StreamHandler) writeLoop(ctx context.Context, conn *websocket.Conn, events <-chan event.Event, frames <-chan Outbound) error {
	for {
		select {
		case ev := <-events:
			if err := wsjson.Write(ctx, conn, Outbound{Type: FrameEvent, Event: &ev}); err != nil {
				return err
			}
		case f := <-frames:
			if err := wsjson.Write(ctx, conn, f); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
