package testutil

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrFakeClosed is returned by writes to a closed FakeConnection.
var ErrFakeClosed = errors.New("fake connection closed")

// FakeConnection records every frame written to it.
type FakeConnection struct {
	id     string
	userID string

	mu       sync.Mutex
	frames   []Frame
	closed   bool
	writeErr error
	notify   chan struct{}
}

// NewFakeConnection creates a recording connection owned by userID.
func NewFakeConnection(userID string) *FakeConnection {
	return &FakeConnection{
		id:     uuid.NewString(),
		userID: userID,
		notify: make(chan struct{}, 1),
	}
}

func (c *FakeConnection) ID() string     { return c.id }
func (c *FakeConnection) UserID() string { return c.userID }

// FailWrites makes every subsequent WriteJSON return err.
func (c *FakeConnection) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *FakeConnection) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrFakeClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	f, err := toFrame(v)
	if err != nil {
		return err
	}
	c.frames = append(c.frames, f)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *FakeConnection) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (c *FakeConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frames returns a copy of everything written so far.
func (c *FakeConnection) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// Types returns the frame types written so far, in order.
func (c *FakeConnection) Types() []string {
	frames := c.Frames()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

// OfType returns the frames of the given type.
func (c *FakeConnection) OfType(typ string) []Frame {
	var out []Frame
	for _, f := range c.Frames() {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// Reset forgets recorded frames.
func (c *FakeConnection) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

// WaitFor blocks until a frame of typ has been written or timeout elapses.
func (c *FakeConnection) WaitFor(typ string, timeout time.Duration) (Frame, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if frames := c.OfType(typ); len(frames) > 0 {
			return frames[len(frames)-1], true
		}
		select {
		case <-c.notify:
		case <-deadline.C:
			return Frame{}, false
		}
	}
}
