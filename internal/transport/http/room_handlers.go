package http

import (
	"errors"
	"io"
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/game/state"
	"github.com/cory-johannsen/tablesync/internal/gameserver"
)

// RoomHandlers exposes gameserver.Service operations as JSON endpoints.
type RoomHandlers struct {
	svc *gameserver.Service
	log *zap.Logger
}

// NewRoomHandlers creates the room endpoint handlers.
func NewRoomHandlers(svc *gameserver.Service, logger *zap.Logger) *RoomHandlers {
	return &RoomHandlers{svc: svc, log: logger}
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type initiativeRequest struct {
	Entries []state.InitiativeEntry `json:"entries"`
}

type rollInitiativeRequest struct {
	Rolls []gameserver.InitiativeRoll `json:"rolls"`
}

type chatRequest struct {
	Text string `json:"text"`
}

type resolveRequest struct {
	KeepFirst bool `json:"keepFirst"`
}

type reconnectRequest struct {
	ConnectionID string `json:"connectionId"`
}

// bindOptional decodes a JSON body into v, accepting an empty body.
func bindOptional(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (h *RoomHandlers) badRequest(c *gin.Context, err error) {
	h.log.Debug("invalid request body", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
}

// ListRooms handles GET /api/rooms.
func (h *RoomHandlers) ListRooms(c *gin.Context) {
	c.JSON(stdhttp.StatusOK, h.svc.ListRooms())
}

// ListEncounters handles GET /api/encounters.
func (h *RoomHandlers) ListEncounters(c *gin.Context) {
	c.JSON(stdhttp.StatusOK, gin.H{"encounters": h.svc.Encounters()})
}

// CreateRoom handles POST /api/rooms. Only session owners may open rooms.
func (h *RoomHandlers) CreateRoom(c *gin.Context) {
	user, _ := currentUser(c)
	if !user.IsSessionOwner {
		writeError(c, h.log, gameserver.ErrNotSessionOwner)
		return
	}
	var req gameserver.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if req.InteractionID == "" {
		c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: "interactionId is required"})
		return
	}
	info, err := h.svc.CreateRoom(c.Request.Context(), req)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	h.log.Info("room created",
		zap.String("interaction_id", info.InteractionID),
		zap.String("room_id", info.RoomID),
		zap.String("user_id", user.ID),
	)
	c.JSON(stdhttp.StatusCreated, info)
}

// GetRoomState handles GET /api/rooms/:id.
func (h *RoomHandlers) GetRoomState(c *gin.Context) {
	g, err := h.svc.GetRoomState(c.Param("id"))
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(stdhttp.StatusOK, g)
}

// JoinRoom handles POST /api/rooms/:id/join.
func (h *RoomHandlers) JoinRoom(c *gin.Context) {
	user, _ := currentUser(c)
	var req gameserver.JoinRequest
	if err := bindOptional(c, &req); err != nil {
		h.badRequest(c, err)
		return
	}
	res, err := h.svc.JoinRoom(c.Param("id"), user, req)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(stdhttp.StatusOK, res)
}

// LeaveRoom handles POST /api/rooms/:id/leave.
func (h *RoomHandlers) LeaveRoom(c *gin.Context) {
	user, _ := currentUser(c)
	if err := h.svc.LeaveRoom(c.Param("id"), user.ID); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(stdhttp.StatusNoContent)
}

// PauseRoom handles POST /api/rooms/:id/pause.
func (h *RoomHandlers) PauseRoom(c *gin.Context) {
	user, _ := currentUser(c)
	var req reasonRequest
	if err := bindOptional(c, &req); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := h.svc.PauseRoom(c.Param("id"), user.ID, req.Reason); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(stdhttp.StatusNoContent)
}

// ResumeRoom handles POST /api/rooms/:id/resume.
func (h *RoomHandlers) ResumeRoom(c *gin.Context) {
	user, _ := currentUser(c)
	if err := h.svc.ResumeRoom(c.Param("id"), user.ID); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(stdhttp.StatusNoContent)
}

// CompleteRoom handles POST /api/rooms/:id/complete.
func (h *RoomHandlers) CompleteRoom(c *gin.Context) {
	user, _ := currentUser(c)
	var req reasonRequest
	if err := bindOptional(c, &req); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := h.svc.CompleteRoom(c.Request.Context(), c.Param("id"), user.ID, req.Reason); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(stdhttp.StatusNoContent)
}

// SetInitiative handles PUT /api/rooms/:id/initiative.
func (h *RoomHandlers) SetInitiative(c *gin.Context) {
	user, _ := currentUser(c)
	var req initiativeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := h.svc.SetInitiative(c.Param("id"), user.ID, req.Entries); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(stdhttp.StatusNoContent)
}

// RollInitiative handles POST /api/rooms/:id/initiative/roll.
func (h *RoomHandlers) RollInitiative(c *gin.Context) {
	user, _ := currentUser(c)
	var req rollInitiativeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	rolled, err := h.svc.RollInitiative(c.Param("id"), user.ID, req.Rolls)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(stdhttp.StatusOK, gin.H{"rolls": rolled})
}

// SubmitAction handles POST /api/rooms/:id/actions.
func (h *RoomHandlers) SubmitAction(c *gin.Context) {
	user, _ := currentUser(c)
	var action state.Action
	if err := c.ShouldBindJSON(&action); err != nil {
		h.badRequest(c, err)
		return
	}
	res, err := h.svc.SubmitTurnAction(c.Param("id"), user.ID, action)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(stdhttp.StatusOK, res)
}

// ResolveConflict handles POST /api/rooms/:id/conflict.
func (h *RoomHandlers) ResolveConflict(c *gin.Context) {
	user, _ := currentUser(c)
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	rec, err := h.svc.ResolveConflict(c.Param("id"), user.ID, req.KeepFirst)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(stdhttp.StatusOK, rec)
}

// SendChat handles POST /api/rooms/:id/chat.
func (h *RoomHandlers) SendChat(c *gin.Context) {
	user, _ := currentUser(c)
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	entry, err := h.svc.SendChat(c.Param("id"), user.ID, req.Text)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(stdhttp.StatusCreated, entry)
}

// UpdateParticipant handles PUT /api/rooms/:id/participant.
func (h *RoomHandlers) UpdateParticipant(c *gin.Context) {
	user, _ := currentUser(c)
	var snap state.CharacterSnapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		h.badRequest(c, err)
		return
	}
	if err := h.svc.UpdateParticipant(c.Param("id"), user.ID, snap); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(stdhttp.StatusNoContent)
}

// Heartbeat handles POST /api/rooms/:id/heartbeat.
func (h *RoomHandlers) Heartbeat(c *gin.Context) {
	user, _ := currentUser(c)
	if err := h.svc.Heartbeat(c.Param("id"), user.ID); err != nil {
		writeError(c, h.log, err)
		return
	}
	c.Status(stdhttp.StatusNoContent)
}

// Reconnect handles POST /api/rooms/:id/reconnect and returns the state to resync from.
func (h *RoomHandlers) Reconnect(c *gin.Context) {
	user, _ := currentUser(c)
	var req reconnectRequest
	if err := bindOptional(c, &req); err != nil {
		h.badRequest(c, err)
		return
	}
	g, err := h.svc.Reconnect(c.Param("id"), user.ID, req.ConnectionID)
	if err != nil {
		writeError(c, h.log, err)
		return
	}
	c.JSON(stdhttp.StatusOK, g)
}

// Stats handles GET /api/stats.
func (h *RoomHandlers) Stats(c *gin.Context) {
	c.JSON(stdhttp.StatusOK, h.svc.Stats())
}

// Reclaim handles POST /api/reclaim. Only session owners may force a pass.
func (h *RoomHandlers) Reclaim(c *gin.Context) {
	user, _ := currentUser(c)
	if !user.IsSessionOwner {
		writeError(c, h.log, gameserver.ErrNotSessionOwner)
		return
	}
	c.JSON(stdhttp.StatusOK, h.svc.Reclaim(c.Request.Context()))
}
