package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rendezvous/pkg/interfaces"
)

var _ interfaces.Connection = (*Connection)(nil)

// ConnectionOptions tunes a Connection. Zero values fall back to defaults.
type ConnectionOptions struct {
	BufferSize   int
	WriteTimeout time.Duration
	Logger       *zap.Logger
}

// Connection wraps a gorilla socket with a single writer goroutine. gorilla
// allows one concurrent writer, so every WriteJSON goes through writeCh.
type Connection struct {
	id           string
	userID       string
	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	logger       *zap.Logger
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

// NewConnection wraps conn for the authenticated userID and starts the writer.
func NewConnection(conn *websocket.Conn, userID string, opts ConnectionOptions) *Connection {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c := &Connection{
		id:           id,
		userID:       userID,
		conn:         conn,
		writeCh:      make(chan []byte, opts.BufferSize),
		writeTimeout: opts.WriteTimeout,
		logger:       opts.Logger.With(zap.String("user_id", userID), zap.String("connection_id", id)),
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed, closing connection", zap.Error(err))
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// ID returns the per-connection id.
func (c *Connection) ID() string { return c.id }

// UserID returns the authenticated owner.
func (c *Connection) UserID() string { return c.userID }

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// WriteJSON marshals v and queues it without blocking. A client that lets
// its buffer fill is disconnected rather than allowed to stall the caller.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		c.logger.Warn("send buffer full, dropping slow client")
		go func() { _ = c.CloseWithCode(CloseTryAgainLater, "send buffer full") }()
		return ErrSendBufferFull
	}
}

// Close tears the connection down without a close handshake.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// CloseWithCode sends a close frame carrying code and reason, then closes.
func (c *Connection) CloseWithCode(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
