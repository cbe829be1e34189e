package interfaces

import (
	"context"

	"rendezvous/pkg/types"
)

// UserStore covers the user projection. Lookups of unknown ids return
// types.ErrNotFound.
type UserStore interface {
	CreateUser(ctx context.Context, user *types.User) error
	GetUser(ctx context.Context, userID string) (*types.User, error)

	// SetUserOnlineStatus persists the presence flag and stamps last_seen_at.
	SetUserOnlineStatus(ctx context.Context, userID string, online bool) error
}

// ConversationStore holds conversations and their messages. Every pair
// lookup is order-insensitive.
type ConversationStore interface {
	GetConversationByPair(ctx context.Context, a, b string) (*types.Conversation, error)

	// CreateConversation inserts the pair's conversation. When a row already
	// exists (including one inserted concurrently) it is returned with
	// created=false.
	CreateConversation(ctx context.Context, a, b string) (conv *types.Conversation, created bool, err error)

	// InsertMessage stores a message and bumps the conversation's
	// last_message_at in the same transaction.
	InsertMessage(ctx context.Context, conversationID, senderID string, content, imageRef *string, isRead bool) (*types.Message, error)

	// ListMessages returns up to limit of the newest messages, oldest first.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*types.Message, error)

	// MarkMessagesReadInConversation flips is_read on every unread message
	// not sent by exceptSenderID and returns how many changed.
	MarkMessagesReadInConversation(ctx context.Context, conversationID, exceptSenderID string) (int64, error)
}

// ConsentStore holds chat consent records, at most one per unordered pair.
type ConsentStore interface {
	GetConsentByPair(ctx context.Context, a, b string) (*types.ChatConsent, error)
	GetConsentByID(ctx context.Context, consentID string) (*types.ChatConsent, error)

	// CreateConsent is an optimistic insert of a pending record. If the pair
	// already has one the existing record is returned with created=false.
	CreateConsent(ctx context.Context, requesterID, responderID string) (consent *types.ChatConsent, created bool, err error)

	// UpdateConsentStatus moves a pending record to status. Records that are
	// no longer pending are left alone and types.ErrConsentResolved is returned.
	UpdateConsentStatus(ctx context.Context, consentID string, status types.ConsentStatus) (*types.ChatConsent, error)

	// DeleteConsent withdraws a pending record. Resolved records are kept and
	// reported as types.ErrConsentResolved.
	DeleteConsent(ctx context.Context, consentID string) error
}

// NotificationStore holds coalesced notifications. The coalescing key is
// (user, from user, type, conversation).
type NotificationStore interface {
	FindNotification(ctx context.Context, userID, fromUserID string, notificationType types.NotificationType, conversationID *string) (*types.Notification, error)

	// CreateNotification inserts n unread. On a coalescing-key conflict the
	// existing row is returned with created=false and left unchanged.
	CreateNotification(ctx context.Context, n *types.Notification) (notification *types.Notification, created bool, err error)

	// RefreshNotification sets created_at to now and is_read to false, and
	// reports whether the row had been read before.
	RefreshNotification(ctx context.Context, notificationID string) (notification *types.Notification, wasRead bool, err error)

	ListNotifications(ctx context.Context, userID string, limit int) ([]*types.Notification, error)
	CountUnreadNotifications(ctx context.Context, userID string) (int64, error)

	// MarkNotificationRead returns types.ErrNotFound unless userID owns the row.
	// changed is false when it was already read.
	MarkNotificationRead(ctx context.Context, notificationID, userID string) (changed bool, err error)
	MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error)

	// MarkMessageNotificationsRead clears unread message_received rows sent
	// to userID by fromUserID.
	MarkMessageNotificationsRead(ctx context.Context, userID, fromUserID string) (int64, error)
}

// Store is the durable store the coordinator runs against. Each write path
// is individually atomic; callers hold no cross-call locks.
type Store interface {
	UserStore
	ConversationStore
	ConsentStore
	NotificationStore

	HealthCheck(ctx context.Context) error
	Close() error
}
