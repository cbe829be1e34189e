// Package api exposes the REST surface next to the live channel: consent
// decisions, history, notifications and presence lookups.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rendezvous/internal/consent"
	"rendezvous/internal/hub"
	"rendezvous/internal/messaging"
	"rendezvous/internal/notify"
	"rendezvous/pkg/interfaces"
	"rendezvous/pkg/types"
)

// Runner serializes an operation with live traffic. *hub.Hub implements it.
type Runner interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
	Running() bool
}

// Registry is the part of the connection registry the API reads.
type Registry interface {
	IsOnline(userID string) bool
	GetStats() map[string]int
}

// Dependencies are the collaborators behind the routes.
type Dependencies struct {
	Auth      interfaces.Authenticator
	Store     interfaces.Store
	Registry  Registry
	Hub       Runner
	Gate      *consent.Gate
	Pipeline  *messaging.Pipeline
	Notifier  *notify.Coordinator
	WebSocket http.Handler
}

// Server is a gin engine wired to the coordinator.
type Server struct {
	Dependencies
	engine *gin.Engine
	logger *zap.Logger
}

// NewServer builds the router.
func NewServer(deps Dependencies, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		Dependencies: deps,
		engine:       gin.New(),
		logger:       logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.Use(recovery(s.logger), requestLogger(s.logger), cors())

	s.engine.GET("/health", s.healthCheck)
	if s.WebSocket != nil {
		s.engine.GET("/ws", gin.WrapH(s.WebSocket))
	}

	api := s.engine.Group("/api", requireAuth(s.Auth))
	{
		api.GET("/consents/:userId", s.queryConsent)
		api.POST("/consents/:consentId/accept", s.acceptConsent)
		api.POST("/consents/:consentId/reject", s.rejectConsent)

		api.GET("/conversations/:userId/messages", s.listMessages)

		api.GET("/notifications", s.listNotifications)
		api.GET("/notifications/unread-count", s.unreadCount)
		api.POST("/notifications/read-all", s.markAllRead)
		api.POST("/notifications/:id/read", s.markRead)

		api.POST("/users/:userId/view", s.profileEvent(types.NotificationProfileView))
		api.POST("/users/:userId/like", s.profileEvent(types.NotificationProfileLike))
		api.GET("/users/:userId/presence", s.presence)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// Engine returns the underlying gin engine.
func (s *Server) Engine() *gin.Engine { return s.engine }

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Hub         string         `json:"hub"`
	Connections map[string]int `json:"connections"`
}

type ErrorResponse struct {
	Error   string     `json:"error"`
	Code    types.Code `json:"code"`
	Message string     `json:"message"`
}

func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Database:  "healthy",
		Hub:       "running",
	}
	if err := s.Store.HealthCheck(ctx); err != nil {
		s.logger.Warn("health check: store unavailable", zap.Error(err))
		resp.Status = "unhealthy"
		resp.Database = "unavailable"
	}
	if s.Hub == nil || !s.Hub.Running() {
		resp.Status = "unhealthy"
		resp.Hub = "stopped"
	}
	if s.Registry != nil {
		resp.Connections = s.Registry.GetStats()
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

// StatusOf maps an error code to an HTTP status.
func StatusOf(err error) int {
	if errors.Is(err, hub.ErrHubNotRunning) || errors.Is(err, hub.ErrHubAlreadyRunning) {
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch types.CodeOf(err) {
	case types.CodeNotFound:
		return http.StatusNotFound
	case types.CodeForbidden:
		return http.StatusForbidden
	case types.CodeConflict:
		return http.StatusConflict
	case types.CodeAuthRequired:
		return http.StatusUnauthorized
	case types.CodeInvalidMessage, types.CodeInvalidFrame:
		return http.StatusBadRequest
	case types.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes err with its client-safe message. Causes stay in the log.
func (s *Server) sendError(c *gin.Context, err error) {
	status := StatusOf(err)
	resp := ErrorResponse{Error: http.StatusText(status), Code: types.CodeStorage, Message: types.ErrStorage.Message}

	var e *types.Error
	switch {
	case errors.As(err, &e):
		resp.Code, resp.Message = e.Code, e.Message
	case status == http.StatusServiceUnavailable:
		resp.Message = "service unavailable"
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("user_id", c.GetString(userKey)),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, resp)
}
