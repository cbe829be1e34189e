package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rendezvous/internal/websocket"
	"rendezvous/pkg/interfaces"
	"rendezvous/pkg/types"
)

const userKey = "rendezvous.user_id"

// requireAuth resolves the bearer token to a user and stores the id on the
// context.
func requireAuth(auth interfaces.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := auth.Authenticate(c.Request.Context(), websocket.Credential(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:   http.StatusText(http.StatusUnauthorized),
				Code:    types.CodeAuthRequired,
				Message: types.ErrAuthRequired.Message,
			})
			return
		}
		c.Set(userKey, user.ID)
		c.Next()
	}
}

func callerID(c *gin.Context) string {
	return c.GetString(userKey)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if id := c.GetString(userKey); id != "" {
			fields = append(fields, zap.String("user_id", id))
		}
		logger.Debug("http request", fields...)
	}
}

func recovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic serving request",
					zap.String("path", c.Request.URL.Path),
					zap.Any("panic", r))
				c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
					Error:   http.StatusText(http.StatusInternalServerError),
					Code:    types.CodeStorage,
					Message: types.ErrStorage.Message,
				})
			}
		}()
		c.Next()
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		h.Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
