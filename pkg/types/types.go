package types

import (
	"time"
)

// ConsentStatus is the stored state of a chat consent record.
// A pair with no record at all is the implicit NO_RECORD state and has no
// ConsentStatus value.
type ConsentStatus string

const (
	ConsentPending  ConsentStatus = "pending"
	ConsentAccepted ConsentStatus = "accepted"
	ConsentRejected ConsentStatus = "rejected"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s ConsentStatus) IsTerminal() bool {
	return s == ConsentAccepted || s == ConsentRejected
}

// NotificationType enumerates the events that produce notification rows.
type NotificationType string

const (
	NotificationProfileView     NotificationType = "profile_view"
	NotificationProfileLike     NotificationType = "profile_like"
	NotificationMessageReceived NotificationType = "message_received"
)

// User is the minimal projection of a platform account held by the coordinator.
// Profile fields are owned by external profile editing; the coordinator only
// writes Online and LastSeenAt.
type User struct {
	ID          string     `json:"id" db:"id"`
	DisplayName string     `json:"displayName" db:"display_name"`
	AvatarRef   *string    `json:"avatarRef,omitempty" db:"avatar_ref"`
	Online      bool       `json:"online" db:"online"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty" db:"last_seen_at"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
}

// PublicUser is the projection of a user that may be shown to other users.
type PublicUser struct {
	ID          string  `json:"id"`
	DisplayName string  `json:"displayName"`
	AvatarRef   *string `json:"avatarRef,omitempty"`
	Online      bool    `json:"online"`
}

// Public returns the public projection of u.
func (u *User) Public() PublicUser {
	if u == nil {
		return PublicUser{}
	}
	return PublicUser{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		AvatarRef:   u.AvatarRef,
		Online:      u.Online,
	}
}

// Conversation is the single thread between an unordered pair of users.
// Participant1ID is always the lexically smaller id (see PairKey) so the
// pair has one canonical row regardless of who opened it.
type Conversation struct {
	ID             string     `json:"id" db:"id"`
	Participant1ID string     `json:"participant1Id" db:"participant1_id"`
	Participant2ID string     `json:"participant2Id" db:"participant2_id"`
	LastMessageAt  *time.Time `json:"lastMessageAt,omitempty" db:"last_message_at"`
	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
}

// Has reports whether userID is one of the two participants.
func (c *Conversation) Has(userID string) bool {
	return c.Participant1ID == userID || c.Participant2ID == userID
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) string {
	if c.Participant1ID == userID {
		return c.Participant2ID
	}
	return c.Participant1ID
}

// Message is a single chat message. At least one of Content and ImageRef is set.
type Message struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"conversationId" db:"conversation_id"`
	SenderID       string    `json:"senderId" db:"sender_id"`
	Content        *string   `json:"content,omitempty" db:"content"`
	ImageRef       *string   `json:"imageUrl,omitempty" db:"image_ref"`
	Timestamp      time.Time `json:"timestamp" db:"timestamp"`
	IsRead         bool      `json:"isRead" db:"is_read"`
}

// ChatConsent gates free-form messaging between RequesterID and ResponderID.
// At most one record exists per unordered pair.
type ChatConsent struct {
	ID          string        `json:"id" db:"id"`
	RequesterID string        `json:"requesterId" db:"requester_id"`
	ResponderID string        `json:"responderId" db:"responder_id"`
	Status      ConsentStatus `json:"status" db:"status"`
	CreatedAt   time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time     `json:"updatedAt" db:"updated_at"`
}

// Involves reports whether userID is the requester or the responder.
func (c *ChatConsent) Involves(userID string) bool {
	return c.RequesterID == userID || c.ResponderID == userID
}

// Notification is a coalesced, per-(recipient, actor, type[, conversation]) row.
type Notification struct {
	ID             string           `json:"id" db:"id"`
	UserID         string           `json:"userId" db:"user_id"`
	Type           NotificationType `json:"type" db:"type"`
	FromUserID     string           `json:"fromUserId" db:"from_user_id"`
	ConversationID *string          `json:"conversationId,omitempty" db:"conversation_id"`
	IsRead         bool             `json:"isRead" db:"is_read"`
	CreatedAt      time.Time        `json:"createdAt" db:"created_at"`
}

// NotificationEvent is what a coalesced notification write hands to every sink.
type NotificationEvent struct {
	Notification Notification `json:"notification"`
	Actor        PublicUser   `json:"actor"`
	Text         string       `json:"message"`
	NewlyUnread  bool         `json:"newlyUnread"`
}

// PairKey returns the two ids in canonical (low, high) order.
func PairKey(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}
