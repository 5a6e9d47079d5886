package http

import (
	"errors"
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/broadcast"
	"github.com/cory-johannsen/tablesync/internal/connection"
	"github.com/cory-johannsen/tablesync/internal/game/room"
	"github.com/cory-johannsen/tablesync/internal/game/state"
	"github.com/cory-johannsen/tablesync/internal/gameserver"
	"github.com/cory-johannsen/tablesync/internal/identity"
)

var statusByError = []struct {
	err    error
	status int
}{
	{identity.ErrMissingToken, stdhttp.StatusUnauthorized},
	{identity.ErrInvalidToken, stdhttp.StatusUnauthorized},
	{gameserver.ErrNotSessionOwner, stdhttp.StatusForbidden},
	{room.ErrNotYourTurn, stdhttp.StatusForbidden},
	{room.ErrRoomNotFound, stdhttp.StatusNotFound},
	{room.ErrParticipantNotFound, stdhttp.StatusNotFound},
	{broadcast.ErrSubscriptionNotFound, stdhttp.StatusNotFound},
	{connection.ErrUnknownConnection, stdhttp.StatusNotFound},
	{room.ErrRoomExists, stdhttp.StatusConflict},
	{room.ErrTurnConflict, stdhttp.StatusConflict},
	{room.ErrConflictPending, stdhttp.StatusConflict},
	{room.ErrNoConflict, stdhttp.StatusConflict},
	{room.ErrInvalidTransition, stdhttp.StatusConflict},
	{room.ErrRoomNotActive, stdhttp.StatusConflict},
	{room.ErrNoInitiative, stdhttp.StatusConflict},
	{room.ErrCheckpointUnavailable, stdhttp.StatusConflict},
	{room.ErrRoomEvicting, stdhttp.StatusConflict},
	{connection.ErrNotConnected, stdhttp.StatusConflict},
	{state.ErrInvalidAction, stdhttp.StatusBadRequest},
	{gameserver.ErrInvalidChat, stdhttp.StatusBadRequest},
	{gameserver.ErrUnknownEncounter, stdhttp.StatusBadRequest},
	{broadcast.ErrSubscriptionLimit, stdhttp.StatusTooManyRequests},
	{connection.ErrReconnectLimit, stdhttp.StatusTooManyRequests},
	{broadcast.ErrClosed, stdhttp.StatusServiceUnavailable},
}

// StatusFor maps a service error to an HTTP status. Unrecognised errors are 500.
func StatusFor(err error) int {
	for _, e := range statusByError {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return stdhttp.StatusInternalServerError
}

// writeError replies with the status for err. Server errors are logged and their detail
// withheld from the client.
func writeError(c *gin.Context, logger *zap.Logger, err error) {
	status := StatusFor(err)
	if status >= stdhttp.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("interaction_id", c.Param("id")),
			zap.Error(err),
		)
		c.JSON(status, ErrorResponse{Error: "internal server error"})
		return
	}
	c.JSON(status, ErrorResponse{Error: err.Error()})
}
