package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a websocket client for end-to-end tests.
type Client struct {
	conn   *websocket.Conn
	frames chan Frame
	done   chan struct{}

	mu        sync.Mutex
	closed    bool
	closeCode int
}

// Dial connects to the /ws endpoint of serverURL presenting token.
func Dial(ctx context.Context, serverURL, token string) (*Client, *http.Response, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, resp, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Client{
		conn:   conn,
		frames: make(chan Frame, 256),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, resp, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var f Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				c.mu.Lock()
				c.closeCode = ce.Code
				c.mu.Unlock()
			}
			return
		}
		select {
		case c.frames <- f:
		default:
		}
	}
}

// Send writes a {"type","data"} frame.
func (c *Client) Send(typ string, data interface{}) error {
	frame := map[string]interface{}{"type": typ}
	if data != nil {
		frame["data"] = data
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(frame)
}

// SendRaw writes an arbitrary text frame.
func (c *Client) SendRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive waits for the next frame.
func (c *Client) Receive(timeout time.Duration) (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-time.After(timeout):
		return Frame{}, fmt.Errorf("timeout waiting for frame")
	case <-c.done:
		select {
		case f := <-c.frames:
			return f, nil
		default:
		}
		return Frame{}, fmt.Errorf("client disconnected")
	}
}

// ReceiveType skips frames until one of typ arrives.
func (c *Client) ReceiveType(typ string, timeout time.Duration) (Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Frame{}, fmt.Errorf("timeout waiting for frame of type %s", typ)
		}
		f, err := c.Receive(remaining)
		if err != nil {
			return Frame{}, fmt.Errorf("waiting for %s: %w", typ, err)
		}
		if f.Type == typ {
			return f, nil
		}
	}
}

// ExpectNone fails if a frame of typ arrives within wait. Other frames are
// consumed.
func (c *Client) ExpectNone(typ string, wait time.Duration) error {
	f, err := c.ReceiveType(typ, wait)
	if err == nil {
		return fmt.Errorf("unexpected %s frame: %s", typ, string(f.Data))
	}
	return nil
}

// Drain discards buffered frames.
func (c *Client) Drain() {
	for {
		select {
		case <-c.frames:
		default:
			return
		}
	}
}

// Done is closed when the server side goes away.
func (c *Client) Done() <-chan struct{} { return c.done }

// CloseCode returns the close code sent by the server, or 0.
func (c *Client) CloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// Close sends a normal close frame and closes the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
