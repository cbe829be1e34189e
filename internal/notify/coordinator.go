// Package notify coalesces notification writes and fans each one out to the
// configured sinks.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"rendezvous/pkg/interfaces"
	"rendezvous/pkg/types"
)

// ErrUnknownType is returned for notification types outside the enumeration.
var ErrUnknownType = types.NewError(types.CodeInvalidMessage, "unknown notification type")

// Store is the slice of the durable store the coordinator needs.
type Store interface {
	interfaces.UserStore
	interfaces.NotificationStore
}

// Pusher delivers frames to a user's live connections.
type Pusher interface {
	SendTo(userID string, v interface{}) bool
}

// Request identifies one logical notification by its coalescing key.
type Request struct {
	RecipientID    string
	ActorID        string
	Type           types.NotificationType
	ConversationID *string
}

// Result describes what a Notify call did to the stored row.
type Result struct {
	Notification *types.Notification
	Created      bool
	NewlyUnread  bool
	Skipped      bool
}

// Coordinator owns the notification write path.
type Coordinator struct {
	store  Store
	pusher Pusher
	sinks  []interfaces.NotificationSink
	logger *zap.Logger
}

// NewCoordinator creates a coordinator delivering to sinks in order.
func NewCoordinator(store Store, pusher Pusher, logger *zap.Logger, sinks ...interfaces.NotificationSink) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: store, pusher: pusher, sinks: sinks, logger: logger}
}

// AddSink registers another sink. Not safe for use once Notify is running.
func (c *Coordinator) AddSink(sink interfaces.NotificationSink) {
	c.sinks = append(c.sinks, sink)
}

// Notify creates the notification or refreshes the existing row with the
// same key, then hands the event to every sink. Sink failures are logged and
// never returned.
func (c *Coordinator) Notify(ctx context.Context, req Request) (*Result, error) {
	if !types.IsValidNotificationType(req.Type) {
		return nil, ErrUnknownType
	}
	if req.RecipientID == req.ActorID {
		return &Result{Skipped: true}, nil
	}

	actor, err := c.store.GetUser(ctx, req.ActorID)
	if err != nil {
		return nil, err
	}

	res, err := c.upsert(ctx, req)
	if err != nil {
		return nil, err
	}

	event := types.NotificationEvent{
		Notification: *res.Notification,
		Actor:        actor.Public(),
		Text:         Text(req.Type, actor.DisplayName),
		NewlyUnread:  res.NewlyUnread,
	}
	for _, sink := range c.sinks {
		if err := sink.Deliver(ctx, event); err != nil {
			c.logger.Warn("notification sink failed",
				zap.String("sink", sink.Name()),
				zap.String("notification_id", event.Notification.ID),
				zap.Error(err))
		}
	}
	return res, nil
}

func (c *Coordinator) upsert(ctx context.Context, req Request) (*Result, error) {
	existing, err := c.store.FindNotification(ctx, req.RecipientID, req.ActorID, req.Type, req.ConversationID)
	switch {
	case err == nil:
		return c.refresh(ctx, existing.ID)
	case !errors.Is(err, types.ErrNotFound):
		return nil, err
	}

	n, created, err := c.store.CreateNotification(ctx, &types.Notification{
		UserID:         req.RecipientID,
		FromUserID:     req.ActorID,
		Type:           req.Type,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return c.refresh(ctx, n.ID)
	}
	return &Result{Notification: n, Created: true, NewlyUnread: true}, nil
}

func (c *Coordinator) refresh(ctx context.Context, id string) (*Result, error) {
	n, wasRead, err := c.store.RefreshNotification(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Result{Notification: n, NewlyUnread: wasRead}, nil
}

// List returns the user's newest notifications with the actor resolved.
func (c *Coordinator) List(ctx context.Context, userID string, limit int) ([]types.NotificationPayload, error) {
	rows, err := c.store.ListNotifications(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	actors := make(map[string]*types.User)
	out := make([]types.NotificationPayload, 0, len(rows))
	for _, n := range rows {
		actor, ok := actors[n.FromUserID]
		if !ok {
			actor, err = c.store.GetUser(ctx, n.FromUserID)
			if err != nil {
				return nil, err
			}
			actors[n.FromUserID] = actor
		}
		out = append(out, Payload(types.NotificationEvent{
			Notification: *n,
			Actor:        actor.Public(),
			Text:         Text(n.Type, actor.DisplayName),
		}))
	}
	return out, nil
}

// UnreadCount returns the badge count for userID.
func (c *Coordinator) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return c.store.CountUnreadNotifications(ctx, userID)
}

// MarkRead marks one notification read and decrements the user's badge on
// every tab when it changed.
func (c *Coordinator) MarkRead(ctx context.Context, userID, notificationID string) (bool, error) {
	changed, err := c.store.MarkNotificationRead(ctx, notificationID, userID)
	if err != nil {
		return false, err
	}
	if changed {
		c.pusher.SendTo(userID, types.NotificationCountFrame(types.CountDecrement, 1))
	}
	return changed, nil
}

// MarkAllRead clears the user's badge.
func (c *Coordinator) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	n, err := c.store.MarkAllNotificationsRead(ctx, userID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.pusher.SendTo(userID, types.NotificationCountFrame(types.CountReset, 0))
	}
	return n, nil
}

// ClearMessageNotifications marks userID's message_received notifications
// from fromUserID read. The caller echoes the result to the user.
func (c *Coordinator) ClearMessageNotifications(ctx context.Context, userID, fromUserID string) (int64, error) {
	return c.store.MarkMessageNotificationsRead(ctx, userID, fromUserID)
}

// Text renders the human-readable line shown for a notification.
func Text(t types.NotificationType, actorName string) string {
	switch t {
	case types.NotificationProfileView:
		return fmt.Sprintf("%s viewed your profile", actorName)
	case types.NotificationProfileLike:
		return fmt.Sprintf("%s liked your profile", actorName)
	case types.NotificationMessageReceived:
		return fmt.Sprintf("%s sent you a message", actorName)
	default:
		return actorName
	}
}

// Payload builds the denormalized in-app view of event.
func Payload(event types.NotificationEvent) types.NotificationPayload {
	n := event.Notification
	return types.NotificationPayload{
		ID:             n.ID,
		Type:           n.Type,
		FromUserID:     n.FromUserID,
		FromUser:       event.Actor,
		ConversationID: n.ConversationID,
		Message:        event.Text,
		IsRead:         n.IsRead,
		CreatedAt:      n.CreatedAt,
	}
}
