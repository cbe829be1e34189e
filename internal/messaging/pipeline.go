// Package messaging is the only path through which chat messages are
// persisted and delivered.
package messaging

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"rendezvous/internal/consent"
	"rendezvous/internal/notify"
	"rendezvous/pkg/interfaces"
	"rendezvous/pkg/types"
)

// Outcome is what a send attempt amounted to. Consent outcomes are normal
// results, not errors.
type Outcome string

const (
	Delivered        Outcome = "delivered"
	ConsentRequested Outcome = "consent_requested"
	ConsentPending   Outcome = "consent_pending"
	ConsentRejected  Outcome = "consent_rejected"
)

// Sessions is the live-connection view the pipeline needs.
type Sessions interface {
	SendTo(userID string, v interface{}) bool
	HasWindowOpen(userID, counterpartID string) bool
}

// Notifier raises message_received notifications.
type Notifier interface {
	Notify(ctx context.Context, req notify.Request) (*notify.Result, error)
}

const withdrawTimeout = 5 * time.Second

// Config tunes the pipeline.
type Config struct {
	RateLimitPerMinute int
	HistoryLimit       int
}

// DefaultConfig returns production limits.
func DefaultConfig() Config {
	return Config{RateLimitPerMinute: 100, HistoryLimit: 50}
}

// SendRequest is one sendMessage frame from an authenticated sender.
type SendRequest struct {
	SenderID   string
	ReceiverID string
	Content    *string
	ImageRef   *string
	TempID     string
}

// SendResult reports what happened. Message is nil unless something was
// persisted.
type SendResult struct {
	Outcome        Outcome
	Message        *types.Message
	Consent        *types.ChatConsent
	ReceiverOnline bool
	Notified       bool
}

// Pipeline validates, gates, persists and delivers messages.
type Pipeline struct {
	store    interfaces.Store
	gate     *consent.Gate
	sessions Sessions
	notifier Notifier
	limiter  *RateLimiter
	config   Config
	logger   *zap.Logger
}

// NewPipeline creates a message pipeline.
func NewPipeline(store interfaces.Store, gate *consent.Gate, sessions Sessions, notifier Notifier, config Config, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultConfig().HistoryLimit
	}
	return &Pipeline{
		store:    store,
		gate:     gate,
		sessions: sessions,
		notifier: notifier,
		limiter:  NewRateLimiter(config.RateLimitPerMinute, time.Minute),
		config:   config,
		logger:   logger,
	}
}

// Send runs one message through the consent gate. Errors are genuine
// failures to report to the sender; gate outcomes come back in the result
// with the matching frame already pushed to the sender.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	if req.SenderID == req.ReceiverID {
		return nil, types.ErrSelfMessage
	}
	if err := types.ValidateMessageBody(req.Content, req.ImageRef); err != nil {
		return nil, err
	}
	if !p.limiter.Allow(req.SenderID) {
		return nil, types.ErrRateLimited
	}

	sender, err := p.store.GetUser(ctx, req.SenderID)
	if err != nil {
		return nil, err
	}
	if _, err := p.store.GetUser(ctx, req.ReceiverID); err != nil {
		return nil, err
	}

	perm, record, err := p.gate.CheckPermission(ctx, req.SenderID, req.ReceiverID)
	if err != nil {
		return nil, err
	}

	claimed := false
	if perm == consent.NoRecord {
		// Claim the pair before persisting. A lost race is judged against
		// the winning record.
		c, created, err := p.gate.Open(ctx, req.SenderID, req.ReceiverID)
		if err != nil {
			return nil, err
		}
		record = c
		if created {
			claimed = true
		} else {
			perm = consent.PermissionOf(c, req.SenderID)
		}
	}

	switch perm {
	case consent.Rejected:
		p.sessions.SendTo(req.SenderID, types.ConsentRejectedForReceiverFrame(req.ReceiverID, record))
		return &SendResult{Outcome: ConsentRejected, Consent: record}, nil
	case consent.PendingAsRequester, consent.PendingAsResponder:
		p.sessions.SendTo(req.SenderID, types.ConsentPendingFrame(req.ReceiverID, record))
		return &SendResult{Outcome: ConsentPending, Consent: record}, nil
	}

	return p.deliver(ctx, req, sender, record, claimed)
}

func (p *Pipeline) deliver(ctx context.Context, req SendRequest, sender *types.User, record *types.ChatConsent, first bool) (*SendResult, error) {
	msg, conv, err := p.persist(ctx, req)
	if err != nil {
		if first {
			p.withdraw(record)
		}
		return nil, err
	}

	public := sender.Public()
	res := &SendResult{Outcome: Delivered, Message: msg, Consent: record}
	res.ReceiverOnline = p.sessions.SendTo(req.ReceiverID, types.NewMessageFrame(msg, public))
	p.sessions.SendTo(req.SenderID, types.MessageConfirmedFrame(msg, req.TempID))

	if first {
		p.sessions.SendTo(req.ReceiverID, types.ConsentRequestFrame(record, public, msg))
		p.sessions.SendTo(req.SenderID, types.ConsentPendingFrame(req.ReceiverID, record))
		res.Outcome = ConsentRequested
		return res, nil
	}

	bothViewing := p.sessions.HasWindowOpen(req.SenderID, req.ReceiverID) &&
		p.sessions.HasWindowOpen(req.ReceiverID, req.SenderID)
	if bothViewing {
		return res, nil
	}

	_, err = p.notifier.Notify(ctx, notify.Request{
		RecipientID:    req.ReceiverID,
		ActorID:        req.SenderID,
		Type:           types.NotificationMessageReceived,
		ConversationID: &conv.ID,
	})
	if err != nil {
		// The message is already stored and confirmed.
		p.logger.Warn("message notification failed",
			zap.String("message_id", msg.ID),
			zap.String("receiver_id", req.ReceiverID),
			zap.Error(err))
		return res, nil
	}
	res.Notified = true
	return res, nil
}

func (p *Pipeline) persist(ctx context.Context, req SendRequest) (*types.Message, *types.Conversation, error) {
	conv, err := p.conversation(ctx, req.SenderID, req.ReceiverID)
	if err != nil {
		return nil, nil, err
	}
	isRead := p.sessions.HasWindowOpen(req.ReceiverID, req.SenderID)
	msg, err := p.store.InsertMessage(ctx, conv.ID, req.SenderID, req.Content, req.ImageRef, isRead)
	if err != nil {
		return nil, nil, err
	}
	return msg, conv, nil
}

// withdraw runs on a fresh context: the send's own context may be the
// reason the insert failed.
func (p *Pipeline) withdraw(record *types.ChatConsent) {
	ctx, cancel := context.WithTimeout(context.Background(), withdrawTimeout)
	defer cancel()
	if err := p.gate.Withdraw(ctx, record); err != nil {
		p.logger.Error("failed to withdraw unconfirmed chat request",
			zap.String("consent_id", record.ID),
			zap.Error(err))
	}
}

func (p *Pipeline) conversation(ctx context.Context, a, b string) (*types.Conversation, error) {
	conv, err := p.store.GetConversationByPair(ctx, a, b)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	conv, _, err = p.store.CreateConversation(ctx, a, b)
	return conv, err
}

// History returns up to limit of the newest messages between userID and
// counterpartID, oldest first. Pairs that never talked get an empty slice.
func (p *Pipeline) History(ctx context.Context, userID, counterpartID string, limit int) ([]*types.Message, error) {
	if limit <= 0 || limit > p.config.HistoryLimit {
		limit = p.config.HistoryLimit
	}
	conv, err := p.store.GetConversationByPair(ctx, userID, counterpartID)
	if errors.Is(err, types.ErrNotFound) {
		return []*types.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	return p.store.ListMessages(ctx, conv.ID, limit)
}

// Sweep drops idle rate-limit state.
func (p *Pipeline) Sweep() {
	p.limiter.Cleanup()
}
