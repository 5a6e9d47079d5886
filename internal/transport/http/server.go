// Package http serves the room API over gin and streams room events over WebSockets.
package http

import (
	"context"
	"errors"
	stdhttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/config"
	"github.com/cory-johannsen/tablesync/internal/gameserver"
	"github.com/cory-johannsen/tablesync/internal/identity"
)

const readHeaderTimeout = 10 * time.Second

// NewRouter builds the gin engine with every route registered.
//
// Precondition: svc, resolver and logger must be non-nil.
func NewRouter(svc *gameserver.Service, resolver identity.Resolver, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), LoggerMiddleware(logger.Named("access")))
	r.GET("/healthz", func(c *gin.Context) { c.String(stdhttp.StatusOK, "ok") })

	rooms := NewRoomHandlers(svc, logger)
	stream := NewStreamHandler(svc, logger.Named("stream"))

	api := r.Group("/api", AuthMiddleware(resolver, logger))
	api.GET("/rooms", rooms.ListRooms)
	api.POST("/rooms", rooms.CreateRoom)
	api.GET("/encounters", rooms.ListEncounters)
	api.GET("/stats", rooms.Stats)
	api.POST("/reclaim", rooms.Reclaim)

	room := api.Group("/rooms/:id")
	room.GET("", rooms.GetRoomState)
	room.POST("/join", rooms.JoinRoom)
	room.POST("/leave", rooms.LeaveRoom)
	room.POST("/pause", rooms.PauseRoom)
	room.POST("/resume", rooms.ResumeRoom)
	room.POST("/complete", rooms.CompleteRoom)
	room.PUT("/initiative", rooms.SetInitiative)
	room.POST("/initiative/roll", rooms.RollInitiative)
	room.POST("/actions", rooms.SubmitAction)
	room.POST("/conflict", rooms.ResolveConflict)
	room.POST("/chat", rooms.SendChat)
	room.PUT("/participant", rooms.UpdateParticipant)
	room.POST("/heartbeat", rooms.Heartbeat)
	room.POST("/reconnect", rooms.Reconnect)
	room.GET("/stream", stream.Serve)
	return r
}

// Server runs the HTTP API as a server.Service.
type Server struct {
	srv    *stdhttp.Server
	logger *zap.Logger
}

// NewServer wraps handler in an http.Server bound to cfg.HTTPAddr.
func NewServer(cfg config.ServerConfig, handler stdhttp.Handler, logger *zap.Logger) *Server {
	return &Server{
		srv: &stdhttp.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		logger: logger,
	}
}

// Start listens until Stop is called.
//
// Postcondition: Returns nil after a graceful Stop.
func (s *Server) Start() error {
	s.logger.Info("http api listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests. Open streams are closed by the service shutdown hook.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), readHeaderTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
}
