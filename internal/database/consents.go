package database

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"rendezvous/pkg/types"
)

const consentColumns = `id, requester_id, responder_id, status, created_at, updated_at`

type queryRower interface {
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func scanConsent(row rowScanner) (*types.ChatConsent, error) {
	var c types.ChatConsent
	if err := row.Scan(&c.ID, &c.RequesterID, &c.ResponderID, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func queryConsent(ctx context.Context, q queryRower, where string, args ...interface{}) (*types.ChatConsent, error) {
	row := q.QueryRowContext(ctx, `SELECT `+consentColumns+` FROM chat_consents WHERE `+where, args...)
	consent, err := scanConsent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get consent", err)
	}
	return consent, nil
}

const pairPredicate = `min(requester_id, responder_id) = ? AND max(requester_id, responder_id) = ?`

// GetConsentByPair finds the pair's record regardless of who requested.
func (m *Manager) GetConsentByPair(ctx context.Context, a, b string) (*types.ChatConsent, error) {
	lo, hi := types.PairKey(a, b)
	return queryConsent(ctx, m.db, pairPredicate, lo, hi)
}

// GetConsentByID returns the record or types.ErrNotFound.
func (m *Manager) GetConsentByID(ctx context.Context, consentID string) (*types.ChatConsent, error) {
	return queryConsent(ctx, m.db, `id = ?`, consentID)
}

// CreateConsent inserts a pending record. When the pair already has one,
// including one that won a concurrent insert, that record is returned with
// created=false.
func (m *Manager) CreateConsent(ctx context.Context, requesterID, responderID string) (*types.ChatConsent, bool, error) {
	if requesterID == responderID {
		return nil, false, types.ErrSelfMessage
	}
	now := m.now()
	consent := &types.ChatConsent{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		ResponderID: responderID,
		Status:      types.ConsentPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	created := false
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO chat_consents (`+consentColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			consent.ID, consent.RequesterID, consent.ResponderID, consent.Status, consent.CreatedAt, consent.UpdatedAt,
		)
		if err == nil {
			created = true
			return nil
		}
		if !isUniqueViolation(err) {
			return storageErr("insert consent", err)
		}
		lo, hi := types.PairKey(requesterID, responderID)
		existing, ferr := queryConsent(ctx, db, pairPredicate, lo, hi)
		if ferr != nil {
			return ferr
		}
		consent = existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return consent, created, nil
}

// DeleteConsent removes a pending record, e.g. a claim whose first message
// never got stored.
func (m *Manager) DeleteConsent(ctx context.Context, consentID string) error {
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`DELETE FROM chat_consents WHERE id = ? AND status = 'pending'`, consentID)
		if err != nil {
			return storageErr("delete consent", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		if _, err := queryConsent(ctx, db, `id = ?`, consentID); err != nil {
			return err
		}
		return types.ErrConsentResolved
	})
}

// UpdateConsentStatus resolves a pending record. Terminal records are never
// rewritten: the guard lives in the UPDATE itself.
func (m *Manager) UpdateConsentStatus(ctx context.Context, consentID string, status types.ConsentStatus) (*types.ChatConsent, error) {
	if !status.IsTerminal() {
		return nil, types.NewError(types.CodeInvalidFrame, "consent can only be accepted or rejected")
	}
	now := m.now()

	var updated *types.ChatConsent
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE chat_consents SET status = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
			status, now, consentID,
		)
		if err != nil {
			return storageErr("update consent", err)
		}
		current, ferr := queryConsent(ctx, db, `id = ?`, consentID)
		if ferr != nil {
			return ferr
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.ErrConsentResolved
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
