package http

import (
	"errors"
	stdhttp "net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/identity"
)

// ContextKeyUser is the gin context key holding the resolved identity.User.
const ContextKeyUser = "user"

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// AuthMiddleware resolves the caller with resolver and stores it under ContextKeyUser.
// Requests that cannot be resolved are rejected with 401.
func AuthMiddleware(resolver identity.Resolver, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := resolver.ResolveCurrentUser(c.Request.Context(), c.Request)
		if err != nil {
			logger.Debug("unauthenticated request",
				zap.String("path", c.Request.URL.Path),
				zap.Error(err),
			)
			msg := "invalid token"
			if errors.Is(err, identity.ErrMissingToken) {
				msg = "missing credentials"
			}
			c.AbortWithStatusJSON(stdhttp.StatusUnauthorized, ErrorResponse{Error: msg})
			return
		}
		c.Set(ContextKeyUser, user)
		c.Next()
	}
}

// LoggerMiddleware logs one line per request after it completes.
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
		}
		if status >= stdhttp.StatusInternalServerError {
			logger.Warn("http request", fields...)
			return
		}
		logger.Debug("http request", fields...)
	}
}

// currentUser returns the identity set by AuthMiddleware.
func currentUser(c *gin.Context) (identity.User, bool) {
	v, ok := c.Get(ContextKeyUser)
	if !ok {
		return identity.User{}, false
	}
	u, ok := v.(identity.User)
	return u, ok
}
