package database

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"rendezvous/pkg/types"
)

const notificationColumns = `id, user_id, type, from_user_id, conversation_id, is_read, created_at`

const coalescePredicate = `user_id = ? AND from_user_id = ? AND type = ? AND coalesce(conversation_id, '') = coalesce(?, '')`

func scanNotification(row rowScanner) (*types.Notification, error) {
	var (
		n    types.Notification
		conv sql.NullString
	)
	if err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.FromUserID, &conv, &n.IsRead, &n.CreatedAt); err != nil {
		return nil, err
	}
	if conv.Valid {
		n.ConversationID = &conv.String
	}
	return &n, nil
}

func queryNotification(ctx context.Context, q queryRower, where string, args ...interface{}) (*types.Notification, error) {
	row := q.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE `+where, args...)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get notification", err)
	}
	return n, nil
}

// FindNotification looks up the row for the coalescing key.
func (m *Manager) FindNotification(ctx context.Context, userID, fromUserID string, notificationType types.NotificationType, conversationID *string) (*types.Notification, error) {
	return queryNotification(ctx, m.db, coalescePredicate, userID, fromUserID, notificationType, conversationID)
}

// CreateNotification inserts an unread row, or returns the existing row for
// the same coalescing key with created=false.
func (m *Manager) CreateNotification(ctx context.Context, n *types.Notification) (*types.Notification, bool, error) {
	if !types.IsValidNotificationType(n.Type) {
		return nil, false, types.NewError(types.CodeInvalidFrame, "unknown notification type")
	}
	row := &types.Notification{
		ID:             uuid.NewString(),
		UserID:         n.UserID,
		Type:           n.Type,
		FromUserID:     n.FromUserID,
		ConversationID: n.ConversationID,
		CreatedAt:      m.now(),
	}

	created := false
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO notifications (`+notificationColumns+`) VALUES (?, ?, ?, ?, ?, 0, ?)`,
			row.ID, row.UserID, row.Type, row.FromUserID, row.ConversationID, row.CreatedAt,
		)
		if err == nil {
			created = true
			return nil
		}
		if !isUniqueViolation(err) {
			return storageErr("insert notification", err)
		}
		existing, ferr := queryNotification(ctx, db, coalescePredicate, row.UserID, row.FromUserID, row.Type, row.ConversationID)
		if ferr != nil {
			return ferr
		}
		row = existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return row, created, nil
}

// RefreshNotification re-surfaces a coalesced row.
func (m *Manager) RefreshNotification(ctx context.Context, notificationID string) (*types.Notification, bool, error) {
	now := m.now()

	var (
		refreshed *types.Notification
		wasRead   bool
	)
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		current, err := queryNotification(ctx, db, `id = ?`, notificationID)
		if err != nil {
			return err
		}
		wasRead = current.IsRead

		if _, err := db.ExecContext(ctx,
			`UPDATE notifications SET created_at = ?, is_read = 0 WHERE id = ?`,
			now, notificationID,
		); err != nil {
			return storageErr("refresh notification", err)
		}
		current.CreatedAt = now
		current.IsRead = false
		refreshed = current
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return refreshed, wasRead, nil
}

// ListNotifications returns the user's notifications, newest first.
func (m *Manager) ListNotifications(ctx context.Context, userID string, limit int) ([]*types.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE user_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, storageErr("list notifications", err)
	}
	defer func() { _ = rows.Close() }()

	list := make([]*types.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, storageErr("scan notification", err)
		}
		list = append(list, n)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate notifications", err)
	}
	return list, nil
}

// CountUnreadNotifications counts the user's unread rows.
func (m *Manager) CountUnreadNotifications(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0`, userID,
	).Scan(&count)
	if err != nil {
		return 0, storageErr("count unread notifications", err)
	}
	return count, nil
}

// MarkNotificationRead marks one row read if userID owns it.
func (m *Manager) MarkNotificationRead(ctx context.Context, notificationID, userID string) (bool, error) {
	changed := false
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		current, err := queryNotification(ctx, db, `id = ? AND user_id = ?`, notificationID, userID)
		if err != nil {
			return err
		}
		if current.IsRead {
			return nil
		}
		if _, err := db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE id = ?`, notificationID); err != nil {
			return storageErr("mark notification read", err)
		}
		changed = true
		return nil
	})
	return changed, err
}

// MarkAllNotificationsRead marks every unread row for userID read.
func (m *Manager) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	return m.execCount(ctx, "mark all notifications read",
		`UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0`, userID)
}

// MarkMessageNotificationsRead clears unread message_received rows from fromUserID.
func (m *Manager) MarkMessageNotificationsRead(ctx context.Context, userID, fromUserID string) (int64, error) {
	return m.execCount(ctx, "mark message notifications read",
		`UPDATE notifications SET is_read = 1 WHERE user_id = ? AND from_user_id = ? AND type = ? AND is_read = 0`,
		userID, fromUserID, types.NotificationMessageReceived)
}

func (m *Manager) execCount(ctx context.Context, op, query string, args ...interface{}) (int64, error) {
	var changed int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, query, args...)
		if err != nil {
			return storageErr(op, err)
		}
		changed, _ = res.RowsAffected()
		return nil
	})
	return changed, err
}
