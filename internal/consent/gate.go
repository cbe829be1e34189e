// Package consent implements the mutual opt-in gate that must open before two
// users may chat freely.
package consent

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"rendezvous/pkg/interfaces"
	"rendezvous/pkg/types"
)

// Permission is the outcome of checking a sender against the pair's record.
type Permission string

const (
	NoRecord           Permission = "NO_RECORD"
	PendingAsRequester Permission = "PENDING_AS_REQUESTER"
	PendingAsResponder Permission = "PENDING_AS_RESPONDER"
	Accepted           Permission = "ACCEPTED"
	Rejected           Permission = "REJECTED"
)

// Allowed reports whether a message may be persisted under p.
func (p Permission) Allowed() bool {
	return p == NoRecord || p == Accepted
}

// Store is the slice of the durable store the gate needs.
type Store interface {
	interfaces.UserStore
	interfaces.ConsentStore
}

// Pusher delivers frames to a user's live connections.
type Pusher interface {
	SendTo(userID string, v interface{}) bool
}

// Gate evaluates and transitions consent records.
type Gate struct {
	store  Store
	pusher Pusher
	logger *zap.Logger
}

// NewGate creates a consent gate.
func NewGate(store Store, pusher Pusher, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{store: store, pusher: pusher, logger: logger}
}

// CheckPermission classifies senderID's standing towards receiverID. The
// pair's record is returned alongside unless the permission is NoRecord.
func (g *Gate) CheckPermission(ctx context.Context, senderID, receiverID string) (Permission, *types.ChatConsent, error) {
	c, err := g.store.GetConsentByPair(ctx, senderID, receiverID)
	if errors.Is(err, types.ErrNotFound) {
		return NoRecord, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return PermissionOf(c, senderID), c, nil
}

// PermissionOf classifies senderID against an existing record.
func PermissionOf(c *types.ChatConsent, senderID string) Permission {
	switch c.Status {
	case types.ConsentAccepted:
		return Accepted
	case types.ConsentRejected:
		return Rejected
	}
	if c.RequesterID == senderID {
		return PendingAsRequester
	}
	return PendingAsResponder
}

// Open claims the pair for requesterID. When another request won the race
// the winning record is returned with created=false and the caller must
// re-evaluate against it.
func (g *Gate) Open(ctx context.Context, requesterID, responderID string) (*types.ChatConsent, bool, error) {
	if requesterID == responderID {
		return nil, false, types.ErrSelfMessage
	}
	c, created, err := g.store.CreateConsent(ctx, requesterID, responderID)
	if err != nil {
		return nil, false, err
	}
	if created {
		g.logger.Info("chat request opened",
			zap.String("consent_id", c.ID),
			zap.String("requester_id", requesterID),
			zap.String("responder_id", responderID))
	}
	return c, created, nil
}

// Withdraw undoes a claim made by Open whose first message was never stored,
// so the requester's retry starts from no record again.
func (g *Gate) Withdraw(ctx context.Context, c *types.ChatConsent) error {
	if err := g.store.DeleteConsent(ctx, c.ID); err != nil {
		return err
	}
	g.logger.Info("chat request withdrawn",
		zap.String("consent_id", c.ID),
		zap.String("requester_id", c.RequesterID))
	return nil
}

// Accept opens the gate. Only the responder may accept.
func (g *Gate) Accept(ctx context.Context, consentID, userID string) (*types.ChatConsent, error) {
	c, err := g.resolve(ctx, consentID, userID, types.ConsentAccepted)
	if err != nil {
		return nil, err
	}
	g.pusher.SendTo(c.RequesterID, types.ConsentAcceptedFrame(userID, c))
	return c, nil
}

// Reject closes the gate for good. Only the responder may reject.
func (g *Gate) Reject(ctx context.Context, consentID, userID string) (*types.ChatConsent, error) {
	c, err := g.resolve(ctx, consentID, userID, types.ConsentRejected)
	if err != nil {
		return nil, err
	}
	g.pusher.SendTo(c.RequesterID, types.ConsentRejectedByResponderFrame(userID, c))
	return c, nil
}

func (g *Gate) resolve(ctx context.Context, consentID, userID string, status types.ConsentStatus) (*types.ChatConsent, error) {
	c, err := g.store.GetConsentByID(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if c.ResponderID != userID {
		return nil, types.ErrForbidden
	}
	if c.Status.IsTerminal() {
		return nil, types.ErrConsentResolved
	}

	updated, err := g.store.UpdateConsentStatus(ctx, consentID, status)
	if err != nil {
		return nil, err
	}
	g.logger.Info("chat request answered",
		zap.String("consent_id", consentID),
		zap.String("responder_id", userID),
		zap.String("status", string(status)))
	return updated, nil
}

// Query statuses as seen by the caller.
const (
	QueryWaiting  = "waiting"
	QueryPending  = "pending"
	QueryAccepted = "accepted"
	QueryRejected = "rejected"
)

// QueryResult is the caller-relative consent view. Status is null when the
// pair has no record.
type QueryResult struct {
	Status    *string            `json:"status"`
	Allowed   bool               `json:"allowed"`
	Consent   *types.ChatConsent `json:"consent,omitempty"`
	Requester *types.PublicUser  `json:"requester,omitempty"`
}

// Query reports callerID's standing with counterpartID for clients that poll
// instead of waiting for live events.
func (g *Gate) Query(ctx context.Context, callerID, counterpartID string) (*QueryResult, error) {
	perm, c, err := g.CheckPermission(ctx, callerID, counterpartID)
	if err != nil {
		return nil, err
	}

	status := func(s string) *string { return &s }
	switch perm {
	case NoRecord:
		return &QueryResult{Allowed: true}, nil
	case PendingAsRequester:
		return &QueryResult{Status: status(QueryWaiting), Consent: c}, nil
	case PendingAsResponder:
		requester, err := g.store.GetUser(ctx, c.RequesterID)
		if err != nil {
			return nil, err
		}
		public := requester.Public()
		return &QueryResult{Status: status(QueryPending), Consent: c, Requester: &public}, nil
	case Accepted:
		return &QueryResult{Status: status(QueryAccepted), Allowed: true, Consent: c}, nil
	default:
		return &QueryResult{Status: status(QueryRejected), Consent: c}, nil
	}
}
