package types

import (
	"encoding/json"
	"errors"
	"time"
)

// Client → server frame types.
const (
	FrameOpenChatWindow  = "openChatWindow"
	FrameCloseChatWindow = "closeChatWindow"
	FrameSendMessage     = "sendMessage"
	FrameTyping          = "typing"
)

// Server → client frame types.
const (
	FrameNewMessage               = "newMessage"
	FrameMessageConfirmed         = "messageConfirmed"
	FrameMessagesRead             = "messagesRead"
	FrameConsentRequest           = "consentRequest"
	FrameConsentPending           = "consentPending"
	FrameConsentAccepted          = "consentAccepted"
	FrameConsentRejected          = "consentRejected"
	FrameUserOnline               = "userOnline"
	FrameUserOffline              = "userOffline"
	FramePresenceSnapshot         = "presenceSnapshot"
	FrameUserTyping               = "userTyping"
	FrameNewNotification          = "newNotification"
	FrameNotificationCountUpdate  = "notificationCountUpdate"
	FrameMessageNotificationsRead = "messageNotificationsRead"
	FrameError                    = "error"
)

// Count update actions carried by notificationCountUpdate.
const (
	CountIncrement = "increment"
	CountDecrement = "decrement"
	CountReset     = "reset"
)

// Frame is the wire envelope shared by both directions.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// InboundFrame is the closed set of frames a client may send. The unexported
// method keeps the set closed to this package, so a type switch over the four
// variants is exhaustive.
type InboundFrame interface {
	Kind() string
	inbound()
}

// OpenChatWindow reports that the client is now viewing the conversation with OtherUserID.
type OpenChatWindow struct {
	OtherUserID string `json:"otherUserId"`
}

// CloseChatWindow reports that the client stopped viewing the conversation with OtherUserID.
type CloseChatWindow struct {
	OtherUserID string `json:"otherUserId"`
}

// SendMessage asks the coordinator to persist and deliver a chat message.
// TempID is an optional client-side id echoed back in messageConfirmed.
type SendMessage struct {
	ReceiverID string  `json:"receiverId"`
	Content    *string `json:"content,omitempty"`
	ImageURL   *string `json:"imageUrl,omitempty"`
	TempID     string  `json:"tempId,omitempty"`
}

// Typing forwards a typing indicator to ReceiverID.
type Typing struct {
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

func (OpenChatWindow) Kind() string  { return FrameOpenChatWindow }
func (CloseChatWindow) Kind() string { return FrameCloseChatWindow }
func (SendMessage) Kind() string     { return FrameSendMessage }
func (Typing) Kind() string          { return FrameTyping }

func (OpenChatWindow) inbound()  {}
func (CloseChatWindow) inbound() {}
func (SendMessage) inbound()     {}
func (Typing) inbound()          {}

type rawFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeInbound parses a client frame into its typed variant. Unknown types
// and missing or malformed counterpart ids are rejected here so handlers never
// see them.
func DecodeInbound(data []byte) (InboundFrame, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, Wrap(ErrInvalidFrame, err)
	}
	if len(raw.Data) == 0 {
		raw.Data = []byte("{}")
	}

	var (
		frame InboundFrame
		id    string
		err   error
	)
	switch raw.Type {
	case FrameOpenChatWindow:
		var f OpenChatWindow
		err = json.Unmarshal(raw.Data, &f)
		frame, id = f, f.OtherUserID
	case FrameCloseChatWindow:
		var f CloseChatWindow
		err = json.Unmarshal(raw.Data, &f)
		frame, id = f, f.OtherUserID
	case FrameSendMessage:
		var f SendMessage
		err = json.Unmarshal(raw.Data, &f)
		frame, id = f, f.ReceiverID
	case FrameTyping:
		var f Typing
		err = json.Unmarshal(raw.Data, &f)
		frame, id = f, f.ReceiverID
	default:
		return nil, ErrUnknownFrameType
	}
	if err != nil {
		return nil, Wrap(ErrInvalidFrame, err)
	}
	if !IsValidUserID(id) {
		return nil, ErrInvalidUserID
	}
	return frame, nil
}

// Outbound payloads. Field names are part of the client protocol.

type NewMessagePayload struct {
	Message *Message   `json:"message"`
	Sender  PublicUser `json:"sender"`
}

type MessageConfirmedPayload struct {
	Message *Message `json:"message"`
	TempID  string   `json:"tempId,omitempty"`
}

type MessagesReadPayload struct {
	ByUserID       string `json:"byUserId"`
	ConversationID string `json:"conversationId"`
}

type ConsentRequestPayload struct {
	Consent      *ChatConsent `json:"consent"`
	Requester    PublicUser   `json:"requester"`
	FirstMessage *Message     `json:"firstMessage"`
}

type ConsentPendingPayload struct {
	ReceiverID string       `json:"receiverId"`
	Consent    *ChatConsent `json:"consent,omitempty"`
}

type ConsentAcceptedPayload struct {
	ResponderID string       `json:"responderId"`
	Consent     *ChatConsent `json:"consent"`
}

// ConsentRejectedPayload is sent to the requester when the responder declines
// (ResponderID set) and to any sender blocked by a rejected record (ReceiverID set).
type ConsentRejectedPayload struct {
	ResponderID string       `json:"responderId,omitempty"`
	ReceiverID  string       `json:"receiverId,omitempty"`
	Consent     *ChatConsent `json:"consent,omitempty"`
}

type PresencePayload struct {
	UserID string `json:"userId"`
}

type PresenceSnapshotPayload struct {
	UserIDs []string `json:"userIds"`
}

type UserTypingPayload struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// NotificationPayload is the denormalized notification shown in-app.
type NotificationPayload struct {
	ID             string           `json:"id"`
	Type           NotificationType `json:"type"`
	FromUserID     string           `json:"fromUserId"`
	FromUser       PublicUser       `json:"fromUser"`
	ConversationID *string          `json:"conversationId,omitempty"`
	Message        string           `json:"message"`
	IsRead         bool             `json:"isRead"`
	CreatedAt      time.Time        `json:"createdAt"`
}

type NewNotificationPayload struct {
	Notification NotificationPayload `json:"notification"`
}

type NotificationCountPayload struct {
	Action string `json:"action"`
	Count  int64  `json:"count,omitempty"`
}

type MessageNotificationsReadPayload struct {
	FromUserID string `json:"fromUserId"`
	Count      int64  `json:"count"`
}

type ErrorPayload struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	TempID  string `json:"tempId,omitempty"`
}

// Outbound frame constructors.

func NewMessageFrame(msg *Message, sender PublicUser) Frame {
	return Frame{Type: FrameNewMessage, Data: NewMessagePayload{Message: msg, Sender: sender}}
}

func MessageConfirmedFrame(msg *Message, tempID string) Frame {
	return Frame{Type: FrameMessageConfirmed, Data: MessageConfirmedPayload{Message: msg, TempID: tempID}}
}

func MessagesReadFrame(byUserID, conversationID string) Frame {
	return Frame{Type: FrameMessagesRead, Data: MessagesReadPayload{ByUserID: byUserID, ConversationID: conversationID}}
}

func ConsentRequestFrame(consent *ChatConsent, requester PublicUser, first *Message) Frame {
	return Frame{Type: FrameConsentRequest, Data: ConsentRequestPayload{Consent: consent, Requester: requester, FirstMessage: first}}
}

func ConsentPendingFrame(receiverID string, consent *ChatConsent) Frame {
	return Frame{Type: FrameConsentPending, Data: ConsentPendingPayload{ReceiverID: receiverID, Consent: consent}}
}

func ConsentAcceptedFrame(responderID string, consent *ChatConsent) Frame {
	return Frame{Type: FrameConsentAccepted, Data: ConsentAcceptedPayload{ResponderID: responderID, Consent: consent}}
}

func ConsentRejectedByResponderFrame(responderID string, consent *ChatConsent) Frame {
	return Frame{Type: FrameConsentRejected, Data: ConsentRejectedPayload{ResponderID: responderID, Consent: consent}}
}

func ConsentRejectedForReceiverFrame(receiverID string, consent *ChatConsent) Frame {
	return Frame{Type: FrameConsentRejected, Data: ConsentRejectedPayload{ReceiverID: receiverID, Consent: consent}}
}

func UserOnlineFrame(userID string) Frame {
	return Frame{Type: FrameUserOnline, Data: PresencePayload{UserID: userID}}
}

func UserOfflineFrame(userID string) Frame {
	return Frame{Type: FrameUserOffline, Data: PresencePayload{UserID: userID}}
}

func PresenceSnapshotFrame(userIDs []string) Frame {
	if userIDs == nil {
		userIDs = []string{}
	}
	return Frame{Type: FramePresenceSnapshot, Data: PresenceSnapshotPayload{UserIDs: userIDs}}
}

func UserTypingFrame(userID string, isTyping bool) Frame {
	return Frame{Type: FrameUserTyping, Data: UserTypingPayload{UserID: userID, IsTyping: isTyping}}
}

func NewNotificationFrame(n NotificationPayload) Frame {
	return Frame{Type: FrameNewNotification, Data: NewNotificationPayload{Notification: n}}
}

func NotificationCountFrame(action string, count int64) Frame {
	return Frame{Type: FrameNotificationCountUpdate, Data: NotificationCountPayload{Action: action, Count: count}}
}

func MessageNotificationsReadFrame(fromUserID string, count int64) Frame {
	return Frame{Type: FrameMessageNotificationsRead, Data: MessageNotificationsReadPayload{FromUserID: fromUserID, Count: count}}
}

// ErrorFrame reports a failed client operation. The message never includes
// the underlying cause.
func ErrorFrame(err error, tempID string) Frame {
	payload := ErrorPayload{Code: CodeStorage, Message: ErrStorage.Message, TempID: tempID}
	var e *Error
	if errors.As(err, &e) {
		payload.Code = e.Code
		payload.Message = e.Message
	}
	return Frame{Type: FrameError, Data: payload}
}
