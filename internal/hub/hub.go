// Package hub runs the coordinator event loop. Every connection event,
// inbound frame and API operation is handled on one goroutine, so handlers
// never race each other over registry state.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"rendezvous/internal/consent"
	"rendezvous/internal/messaging"
	"rendezvous/internal/notify"
	"rendezvous/internal/presence"
	"rendezvous/internal/websocket"
	"rendezvous/pkg/interfaces"
	"rendezvous/pkg/types"
)

var _ websocket.Dispatcher = (*Hub)(nil)

// Config sizes the hub's queues.
type Config struct {
	FrameBuffer    int
	RegisterBuffer int
	OpTimeout      time.Duration
	SweepInterval  time.Duration
}

// DefaultConfig returns production queue sizes.
func DefaultConfig() Config {
	return Config{
		FrameBuffer:    1000,
		RegisterBuffer: 100,
		OpTimeout:      10 * time.Second,
		SweepInterval:  time.Minute,
	}
}

// Components are the collaborators the hub drives.
type Components struct {
	Registry *websocket.Registry
	Store    interfaces.Store
	Presence *presence.Broadcaster
	Gate     *consent.Gate
	Pipeline *messaging.Pipeline
	Notifier *notify.Coordinator
}

type registration struct {
	conn   interfaces.Connection
	result chan error
}

type inboundFrame struct {
	conn  interfaces.Connection
	frame types.InboundFrame
}

type call struct {
	ctx    context.Context
	fn     func(ctx context.Context) error
	result chan error
}

// Hub coordinates connections, frames and API calls.
type Hub struct {
	registerChannel   chan registration
	unregisterChannel chan interfaces.Connection
	frameChannel      chan inboundFrame
	callChannel       chan call
	shutdownChannel   chan struct{}
	done              chan struct{}

	Components
	config Config
	logger *zap.Logger

	ctx     context.Context
	running bool
	mu      sync.RWMutex
}

// NewHub creates a hub. It does nothing until Start.
func NewHub(components Components, config Config, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if config.FrameBuffer <= 0 {
		config.FrameBuffer = defaults.FrameBuffer
	}
	if config.RegisterBuffer <= 0 {
		config.RegisterBuffer = defaults.RegisterBuffer
	}
	if config.OpTimeout <= 0 {
		config.OpTimeout = defaults.OpTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	return &Hub{
		registerChannel:   make(chan registration, config.RegisterBuffer),
		unregisterChannel: make(chan interfaces.Connection, config.RegisterBuffer),
		frameChannel:      make(chan inboundFrame, config.FrameBuffer),
		callChannel:       make(chan call, config.RegisterBuffer),
		Components:        components,
		config:            config,
		logger:            logger,
	}
}

// Start launches the event loop. ctx bounds every operation it runs.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		select {
		case <-h.done:
		default:
			return ErrHubAlreadyRunning
		}
	}
	h.running = true
	h.ctx = ctx
	h.shutdownChannel = make(chan struct{})
	h.done = make(chan struct{})

	h.logger.Info("starting hub")
	go h.run(ctx, h.shutdownChannel, h.done)
	return nil
}

// Stop ends the event loop and waits for the in-flight handler to finish.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	done := h.done
	h.mu.Unlock()

	<-done
	h.logger.Info("hub stopped")
	return nil
}

// Running reports whether the event loop is active. A loop that exited
// because its context was cancelled is not running.
func (h *Hub) Running() bool {
	_, _, ok := h.channels()
	return ok
}

// channels returns the loop's shutdown and done channels. Callers select on
// both so that a loop ended by context cancellation never strands them.
func (h *Hub) channels() (shutdown, done chan struct{}, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return nil, nil, false
	}
	select {
	case <-h.done:
		return nil, nil, false
	default:
	}
	return h.shutdownChannel, h.done, true
}

// Connect registers conn and waits until the loop has processed it, so the
// caller knows the connection is live before reading from it.
func (h *Hub) Connect(ctx context.Context, conn interfaces.Connection) error {
	shutdown, done, ok := h.channels()
	if !ok {
		return ErrHubNotRunning
	}

	reg := registration{conn: conn, result: make(chan error, 1)}
	select {
	case h.registerChannel <- reg:
	case <-ctx.Done():
		return ctx.Err()
	case <-shutdown:
		return ErrHubNotRunning
	case <-done:
		return ErrHubNotRunning
	}

	select {
	case err := <-reg.result:
		return err
	case <-ctx.Done():
		go h.abandon(reg, shutdown, done)
		return ctx.Err()
	case <-shutdown:
		return ErrHubNotRunning
	case <-done:
		return ErrHubNotRunning
	}
}

// abandon unregisters a connection whose caller stopped waiting after the
// registration was queued. Waiting for the result keeps the unregister
// ordered after the register.
func (h *Hub) abandon(reg registration, shutdown, done <-chan struct{}) {
	select {
	case err := <-reg.result:
		if err == nil {
			h.Disconnect(reg.conn)
		}
	case <-shutdown:
	case <-done:
	}
}

// Disconnect queues conn for removal. It is a no-op once the hub stopped.
func (h *Hub) Disconnect(conn interfaces.Connection) {
	shutdown, done, ok := h.channels()
	if !ok {
		return
	}
	select {
	case h.unregisterChannel <- conn:
	case <-shutdown:
	case <-done:
	}
}

// Dispatch queues an inbound frame without blocking the reader.
func (h *Hub) Dispatch(conn interfaces.Connection, frame types.InboundFrame) error {
	if _, _, ok := h.channels(); !ok {
		return ErrHubNotRunning
	}
	select {
	case h.frameChannel <- inboundFrame{conn: conn, frame: frame}:
		return nil
	default:
		return ErrFrameChannelFull
	}
}

// Do runs fn on the event loop and returns its error. API handlers use it so
// that consent transitions and notifications serialize with live frames.
func (h *Hub) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	shutdown, done, ok := h.channels()
	if !ok {
		return ErrHubNotRunning
	}

	c := call{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case h.callChannel <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-shutdown:
		return ErrHubNotRunning
	case <-done:
		return ErrHubNotRunning
	}

	select {
	case err := <-c.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-shutdown:
		return ErrHubNotRunning
	case <-done:
		return ErrHubNotRunning
	}
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	sweep := time.NewTicker(h.config.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case reg := <-h.registerChannel:
			reg.result <- h.handleRegister(reg.conn)

		case conn := <-h.unregisterChannel:
			h.handleUnregister(conn)

		case in := <-h.frameChannel:
			h.handleFrame(in.conn, in.frame)

		case c := <-h.callChannel:
			c.result <- h.handleCall(c)

		case <-sweep.C:
			h.Pipeline.Sweep()

		case <-shutdown:
			return

		case <-ctx.Done():
			h.logger.Info("hub context cancelled")
			return
		}
	}
}

func (h *Hub) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(h.ctx, h.config.OpTimeout)
}

func (h *Hub) handleCall(c call) error {
	if err := c.ctx.Err(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(c.ctx, h.config.OpTimeout)
	defer cancel()
	return c.fn(ctx)
}

func (h *Hub) handleRegister(conn interfaces.Connection) error {
	first, err := h.Registry.Register(conn)
	if err != nil {
		return err
	}

	ctx, cancel := h.opContext()
	defer cancel()

	userID := conn.UserID()
	if first {
		if err := h.Store.SetUserOnlineStatus(ctx, userID, true); err != nil {
			h.logger.Warn("failed to persist online status", zap.String("user_id", userID), zap.Error(err))
		}
		h.Presence.Announce(userID, true)
	}

	if err := conn.WriteJSON(types.PresenceSnapshotFrame(h.Registry.OnlineUserIDs())); err != nil {
		h.logger.Debug("failed to send presence snapshot", zap.String("user_id", userID), zap.Error(err))
	}
	h.logger.Info("connection registered",
		zap.String("user_id", userID),
		zap.String("connection_id", conn.ID()),
		zap.Bool("first", first))
	return nil
}

func (h *Hub) handleUnregister(conn interfaces.Connection) {
	last := h.Registry.Unregister(conn)
	h.logger.Info("connection unregistered",
		zap.String("user_id", conn.UserID()),
		zap.String("connection_id", conn.ID()),
		zap.Bool("last", last))
	if !last {
		return
	}

	ctx, cancel := h.opContext()
	defer cancel()
	if err := h.Store.SetUserOnlineStatus(ctx, conn.UserID(), false); err != nil {
		h.logger.Warn("failed to persist offline status", zap.String("user_id", conn.UserID()), zap.Error(err))
	}
	h.Presence.Announce(conn.UserID(), false)
}

func (h *Hub) handleFrame(conn interfaces.Connection, frame types.InboundFrame) {
	ctx, cancel := h.opContext()
	defer cancel()

	userID := conn.UserID()
	switch f := frame.(type) {
	case types.OpenChatWindow:
		h.openWindow(ctx, userID, f.OtherUserID)

	case types.CloseChatWindow:
		h.Registry.CloseWindow(userID, f.OtherUserID)

	case types.SendMessage:
		_, err := h.Pipeline.Send(ctx, messaging.SendRequest{
			SenderID:   userID,
			ReceiverID: f.ReceiverID,
			Content:    f.Content,
			ImageRef:   f.ImageURL,
			TempID:     f.TempID,
		})
		if err != nil {
			h.reportError(conn, err, f.TempID)
		}

	case types.Typing:
		h.typing(ctx, userID, f)

	default:
		h.logger.Warn("unhandled frame", zap.String("type", frame.Kind()))
	}
}

// openWindow marks the counterpart's messages and message notifications read,
// then tells the user's tabs and, if anything flipped, the counterpart.
func (h *Hub) openWindow(ctx context.Context, userID, otherID string) {
	if userID == otherID {
		return
	}
	h.Registry.OpenWindow(userID, otherID)

	var flipped int64
	conv, err := h.Store.GetConversationByPair(ctx, userID, otherID)
	switch {
	case err == nil:
		flipped, err = h.Store.MarkMessagesReadInConversation(ctx, conv.ID, userID)
		if err != nil {
			h.logger.Warn("failed to mark messages read", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	case !errors.Is(err, types.ErrNotFound):
		h.logger.Warn("failed to look up conversation", zap.String("user_id", userID), zap.Error(err))
	}

	cleared, err := h.Notifier.ClearMessageNotifications(ctx, userID, otherID)
	if err != nil {
		h.logger.Warn("failed to clear message notifications", zap.String("user_id", userID), zap.Error(err))
	}
	h.Registry.SendTo(userID, types.MessageNotificationsReadFrame(otherID, cleared))
	if cleared > 0 {
		h.Registry.SendTo(userID, types.NotificationCountFrame(types.CountDecrement, cleared))
	}

	if flipped > 0 {
		h.Registry.SendTo(otherID, types.MessagesReadFrame(userID, conv.ID))
	}
}

func (h *Hub) typing(ctx context.Context, userID string, f types.Typing) {
	perm, _, err := h.Gate.CheckPermission(ctx, userID, f.ReceiverID)
	if err != nil {
		h.logger.Debug("typing permission check failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	if perm != consent.Accepted {
		return
	}
	h.Registry.SendTo(f.ReceiverID, types.UserTypingFrame(userID, f.IsTyping))
}

func (h *Hub) reportError(conn interfaces.Connection, err error, tempID string) {
	level := h.logger.Debug
	if types.CodeOf(err) == types.CodeStorage {
		level = h.logger.Error
	}
	level("send failed",
		zap.String("user_id", conn.UserID()),
		zap.String("temp_id", tempID),
		zap.Error(err))
	if werr := conn.WriteJSON(types.ErrorFrame(err, tempID)); werr != nil {
		h.logger.Debug("failed to deliver error frame", zap.Error(werr))
	}
}
