package websocket

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rendezvous/pkg/interfaces"
	"rendezvous/pkg/types"
)

// Dispatcher consumes connection lifecycle events and decoded frames. The
// hub implements it.
type Dispatcher interface {
	Connect(ctx context.Context, conn interfaces.Connection) error
	Disconnect(conn interfaces.Connection)
	Dispatch(conn interfaces.Connection, frame types.InboundFrame) error
}

// HandlerConfig holds the keep-alive and sizing knobs for live sessions.
type HandlerConfig struct {
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	BufferSize      int
	MaxMessageBytes int64
	AllowedOrigins  []string
}

// DefaultHandlerConfig returns the production keep-alive settings.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval:    30 * time.Second,
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    5 * time.Second,
		BufferSize:      100,
		MaxMessageBytes: 16 * 1024,
	}
}

// Handler upgrades HTTP requests, authenticates the session and pumps frames
// into the dispatcher.
type Handler struct {
	auth       interfaces.Authenticator
	dispatcher Dispatcher
	config     HandlerConfig
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(auth interfaces.Authenticator, dispatcher Dispatcher, config HandlerConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		auth:       auth,
		dispatcher: dispatcher,
		config:     config,
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleWebSocket(w, r)
}

// HandleWebSocket upgrades first so that authentication failures can be
// reported with a close code the client can read.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	user, err := h.auth.Authenticate(r.Context(), Credential(r))
	if err != nil {
		h.logger.Info("websocket authentication failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		msg := websocket.FormatCloseMessage(CloseAuthFailed, "authentication required")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	wsConn := NewConnection(conn, user.ID, ConnectionOptions{
		BufferSize:   h.config.BufferSize,
		WriteTimeout: h.config.WriteTimeout,
		Logger:       h.logger,
	})

	if err := h.dispatcher.Connect(r.Context(), wsConn); err != nil {
		h.logger.Warn("failed to register connection",
			zap.String("user_id", user.ID),
			zap.Error(err))
		// The registration may already be queued; unregistering an unknown
		// connection is a no-op.
		h.dispatcher.Disconnect(wsConn)
		_ = wsConn.CloseWithCode(CloseTryAgainLater, "server unavailable")
		return
	}

	go h.handleConnection(wsConn)
}

// Credential extracts the session token from the token query parameter or
// an Authorization: Bearer header.
func Credential(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.dispatcher.Disconnect(conn)
		_ = conn.Close()
	}()

	if h.config.MaxMessageBytes > 0 {
		conn.conn.SetReadLimit(h.config.MaxMessageBytes)
	}
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				conn.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := types.DecodeInbound(data)
		if err != nil {
			_ = conn.WriteJSON(types.ErrorFrame(err, ""))
			continue
		}

		if err := h.dispatcher.Dispatch(conn, frame); err != nil {
			tempID := ""
			if send, ok := frame.(types.SendMessage); ok {
				tempID = send.TempID
			}
			conn.logger.Warn("failed to dispatch frame",
				zap.String("type", frame.Kind()),
				zap.Error(err))
			_ = conn.WriteJSON(types.ErrorFrame(types.NewError(types.CodeRateLimited, "server busy"), tempID))
		}
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		}
	}
}
