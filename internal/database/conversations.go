package database

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"rendezvous/pkg/types"
)

const conversationColumns = `id, participant1_id, participant2_id, last_message_at, created_at`

const messageColumns = `id, conversation_id, sender_id, content, image_ref, timestamp, is_read`

func scanConversation(row rowScanner) (*types.Conversation, error) {
	var (
		c    types.Conversation
		last sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.Participant1ID, &c.Participant2ID, &last, &c.CreatedAt); err != nil {
		return nil, err
	}
	if last.Valid {
		t := last.Time
		c.LastMessageAt = &t
	}
	return &c, nil
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var (
		msg     types.Message
		content sql.NullString
		image   sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &content, &image, &msg.Timestamp, &msg.IsRead); err != nil {
		return nil, err
	}
	if content.Valid {
		msg.Content = &content.String
	}
	if image.Valid {
		msg.ImageRef = &image.String
	}
	return &msg, nil
}

func queryConversationByPair(ctx context.Context, q queryRower, a, b string) (*types.Conversation, error) {
	lo, hi := types.PairKey(a, b)
	row := q.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE participant1_id = ? AND participant2_id = ?`,
		lo, hi,
	)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get conversation", err)
	}
	return conv, nil
}

// GetConversationByPair looks the pair up in canonical order, so either
// argument order finds the same row.
func (m *Manager) GetConversationByPair(ctx context.Context, a, b string) (*types.Conversation, error) {
	return queryConversationByPair(ctx, m.db, a, b)
}

// CreateConversation inserts the pair's conversation, or returns the one that
// already exists with created=false.
func (m *Manager) CreateConversation(ctx context.Context, a, b string) (*types.Conversation, bool, error) {
	if a == b {
		return nil, false, types.ErrSelfMessage
	}
	lo, hi := types.PairKey(a, b)
	conv := &types.Conversation{
		ID:             uuid.NewString(),
		Participant1ID: lo,
		Participant2ID: hi,
		CreatedAt:      m.now(),
	}

	created := false
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, NULL, ?)`,
			conv.ID, conv.Participant1ID, conv.Participant2ID, conv.CreatedAt,
		)
		if err == nil {
			created = true
			return nil
		}
		if !isUniqueViolation(err) {
			return storageErr("insert conversation", err)
		}
		existing, ferr := queryConversationByPair(ctx, db, lo, hi)
		if ferr != nil {
			return ferr
		}
		conv = existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return conv, created, nil
}

// InsertMessage stores the message and bumps last_message_at atomically.
func (m *Manager) InsertMessage(ctx context.Context, conversationID, senderID string, content, imageRef *string, isRead bool) (*types.Message, error) {
	if err := types.ValidateMessageBody(content, imageRef); err != nil {
		return nil, err
	}
	content, imageRef = types.NormalizeBody(content, imageRef)
	msg := &types.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		ImageRef:       imageRef,
		Timestamp:      m.now(),
		IsRead:         isRead,
	}

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return storageErr("begin message tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx,
			`UPDATE conversations SET last_message_at = ? WHERE id = ?`,
			msg.Timestamp, conversationID,
		)
		if err != nil {
			return storageErr("bump last_message_at", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.ErrNotFound
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.ImageRef, msg.Timestamp, msg.IsRead,
		); err != nil {
			return storageErr("insert message", err)
		}
		return storageErr("commit message", tx.Commit())
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns the newest limit messages in send order.
func (m *Manager) ListMessages(ctx context.Context, conversationID string, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]*types.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr("scan message", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate messages", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// MarkMessagesReadInConversation marks the counterpart's unread messages read.
func (m *Manager) MarkMessagesReadInConversation(ctx context.Context, conversationID, exceptSenderID string) (int64, error) {
	return m.execCount(ctx, "mark messages read",
		`UPDATE messages SET is_read = 1 WHERE conversation_id = ? AND sender_id <> ? AND is_read = 0`,
		conversationID, exceptSenderID)
}
