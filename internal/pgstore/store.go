package pgstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rendezvous/pkg/interfaces"
	"rendezvous/pkg/types"
)

var _ interfaces.Store = (*Store)(nil)

// Store is the postgres implementation of interfaces.Store. Unlike sqlite,
// postgres handles concurrent writers itself; the unique indexes carry the
// pair and coalescing invariants.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	now    func() time.Time
}

// New wraps an open pool. The store owns the pool from here on.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:   pool,
		logger: logger.Named("postgres"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Open connects with cfg and returns a ready Store.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(pool, logger), nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *types.Error
	if errors.As(err, &typed) {
		return err
	}
	return types.Wrap(types.ErrStorage, errors.Wrap(err, "postgres: "+op))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFoundOr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return types.ErrNotFound
	}
	return storageErr(op, err)
}

// Users

const userColumns = `id, display_name, avatar_ref, online, last_seen_at, created_at`

func scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	if err := row.Scan(&u.ID, &u.DisplayName, &u.AvatarRef, &u.Online, &u.LastSeenAt, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, user *types.User) error {
	if !types.IsValidUserID(user.ID) {
		return types.ErrInvalidUserID
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		user.ID, user.DisplayName, user.AvatarRef, user.Online, user.LastSeenAt, user.CreatedAt,
	)
	if isUniqueViolation(err) {
		return types.Wrap(types.NewError(types.CodeConflict, "user already exists"), err)
	}
	return storageErr("insert user", err)
}

func (s *Store) GetUser(ctx context.Context, userID string) (*types.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
	if err != nil {
		return nil, notFoundOr("get user", err)
	}
	return u, nil
}

func (s *Store) SetUserOnlineStatus(ctx context.Context, userID string, online bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET online = $1, last_seen_at = $2 WHERE id = $3`,
		online, s.now(), userID,
	)
	if err != nil {
		return storageErr("set online status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

// Conversations and messages

const conversationColumns = `id, participant1_id, participant2_id, last_message_at, created_at`

const messageColumns = `id, conversation_id, sender_id, content, image_ref, "timestamp", is_read`

func scanConversation(row pgx.Row) (*types.Conversation, error) {
	var c types.Conversation
	if err := row.Scan(&c.ID, &c.Participant1ID, &c.Participant2ID, &c.LastMessageAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanMessage(row pgx.Row) (*types.Message, error) {
	var m types.Message
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.ImageRef, &m.Timestamp, &m.IsRead); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) conversationByPair(ctx context.Context, q queryRower, a, b string) (*types.Conversation, error) {
	lo, hi := types.PairKey(a, b)
	c, err := scanConversation(q.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE participant1_id = $1 AND participant2_id = $2`,
		lo, hi,
	))
	if err != nil {
		return nil, notFoundOr("get conversation", err)
	}
	return c, nil
}

func (s *Store) GetConversationByPair(ctx context.Context, a, b string) (*types.Conversation, error) {
	return s.conversationByPair(ctx, s.pool, a, b)
}

func (s *Store) CreateConversation(ctx context.Context, a, b string) (*types.Conversation, bool, error) {
	if a == b {
		return nil, false, types.ErrSelfMessage
	}
	lo, hi := types.PairKey(a, b)
	conv := &types.Conversation{ID: uuid.NewString(), Participant1ID: lo, Participant2ID: hi, CreatedAt: s.now()}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (id, participant1_id, participant2_id, created_at) VALUES ($1, $2, $3, $4)`,
		conv.ID, conv.Participant1ID, conv.Participant2ID, conv.CreatedAt,
	)
	if err == nil {
		return conv, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, storageErr("insert conversation", err)
	}
	existing, err := s.conversationByPair(ctx, s.pool, lo, hi)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) InsertMessage(ctx context.Context, conversationID, senderID string, content, imageRef *string, isRead bool) (*types.Message, error) {
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
		Timestamp:      s.now(),
		IsRead:         isRead,
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE conversations SET last_message_at = $1 WHERE id = $2`, msg.Timestamp, conversationID)
		if err != nil {
			return storageErr("bump last_message_at", err)
		}
		if tag.RowsAffected() == 0 {
			return types.ErrNotFound
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.ImageRef, msg.Timestamp, msg.IsRead,
		)
		return storageErr("insert message", err)
	})
	if err != nil {
		return nil, storageErr("message tx", err)
	}
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+`, seq FROM messages
			WHERE conversation_id = $1
			ORDER BY "timestamp" DESC, seq DESC
			LIMIT $2
		) recent ORDER BY "timestamp" ASC, seq ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	defer rows.Close()

	messages := make([]*types.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr("scan message", err)
		}
		messages = append(messages, m)
	}
	return messages, storageErr("iterate messages", rows.Err())
}

func (s *Store) MarkMessagesReadInConversation(ctx context.Context, conversationID, exceptSenderID string) (int64, error) {
	return s.execCount(ctx, "mark messages read",
		`UPDATE messages SET is_read = TRUE WHERE conversation_id = $1 AND sender_id <> $2 AND NOT is_read`,
		conversationID, exceptSenderID)
}

// Consents

const consentColumns = `id, requester_id, responder_id, status, created_at, updated_at`

const pairPredicate = `LEAST(requester_id, responder_id) = $1 AND GREATEST(requester_id, responder_id) = $2`

func scanConsent(row pgx.Row) (*types.ChatConsent, error) {
	var (
		c      types.ChatConsent
		status string
	)
	if err := row.Scan(&c.ID, &c.RequesterID, &c.ResponderID, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = types.ConsentStatus(status)
	return &c, nil
}

func (s *Store) consent(ctx context.Context, q queryRower, where string, args ...any) (*types.ChatConsent, error) {
	c, err := scanConsent(q.QueryRow(ctx, `SELECT `+consentColumns+` FROM chat_consents WHERE `+where, args...))
	if err != nil {
		return nil, notFoundOr("get consent", err)
	}
	return c, nil
}

func (s *Store) GetConsentByPair(ctx context.Context, a, b string) (*types.ChatConsent, error) {
	lo, hi := types.PairKey(a, b)
	return s.consent(ctx, s.pool, pairPredicate, lo, hi)
}

func (s *Store) GetConsentByID(ctx context.Context, consentID string) (*types.ChatConsent, error) {
	return s.consent(ctx, s.pool, `id = $1`, consentID)
}

func (s *Store) CreateConsent(ctx context.Context, requesterID, responderID string) (*types.ChatConsent, bool, error) {
	if requesterID == responderID {
		return nil, false, types.ErrSelfMessage
	}
	now := s.now()
	c := &types.ChatConsent{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		ResponderID: responderID,
		Status:      types.ConsentPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO chat_consents (`+consentColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.RequesterID, c.ResponderID, string(c.Status), c.CreatedAt, c.UpdatedAt,
	)
	if err == nil {
		return c, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, storageErr("insert consent", err)
	}
	s.logger.Debug("consent insert lost race, using existing record",
		zap.String("requester_id", requesterID), zap.String("responder_id", responderID))
	existing, err := s.GetConsentByPair(ctx, requesterID, responderID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) UpdateConsentStatus(ctx context.Context, consentID string, status types.ConsentStatus) (*types.ChatConsent, error) {
	if !status.IsTerminal() {
		return nil, types.NewError(types.CodeInvalidFrame, "consent can only be accepted or rejected")
	}
	c, err := scanConsent(s.pool.QueryRow(ctx,
		`UPDATE chat_consents SET status = $1, updated_at = $2 WHERE id = $3 AND status = 'pending'
		 RETURNING `+consentColumns,
		string(status), s.now(), consentID,
	))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, storageErr("update consent", err)
	}
	if _, err := s.GetConsentByID(ctx, consentID); err != nil {
		return nil, err
	}
	return nil, types.ErrConsentResolved
}

// DeleteConsent removes a pending record.
func (s *Store) DeleteConsent(ctx context.Context, consentID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM chat_consents WHERE id = $1 AND status = 'pending'`, consentID)
	if err != nil {
		return storageErr("delete consent", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetConsentByID(ctx, consentID); err != nil {
		return err
	}
	return types.ErrConsentResolved
}

// Notifications

const notificationColumns = `id, user_id, type, from_user_id, conversation_id, is_read, created_at`

const coalescePredicate = `user_id = $1 AND from_user_id = $2 AND type = $3 AND COALESCE(conversation_id, '') = COALESCE($4, '')`

func scanNotification(row pgx.Row) (*types.Notification, error) {
	var (
		n   types.Notification
		typ string
	)
	if err := row.Scan(&n.ID, &n.UserID, &typ, &n.FromUserID, &n.ConversationID, &n.IsRead, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.Type = types.NotificationType(typ)
	return &n, nil
}

func (s *Store) notification(ctx context.Context, where string, args ...any) (*types.Notification, error) {
	n, err := scanNotification(s.pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE `+where, args...))
	if err != nil {
		return nil, notFoundOr("get notification", err)
	}
	return n, nil
}

func (s *Store) FindNotification(ctx context.Context, userID, fromUserID string, notificationType types.NotificationType, conversationID *string) (*types.Notification, error) {
	return s.notification(ctx, coalescePredicate, userID, fromUserID, string(notificationType), conversationID)
}

func (s *Store) CreateNotification(ctx context.Context, n *types.Notification) (*types.Notification, bool, error) {
	if !types.IsValidNotificationType(n.Type) {
		return nil, false, types.NewError(types.CodeInvalidFrame, "unknown notification type")
	}
	row := &types.Notification{
		ID:             uuid.NewString(),
		UserID:         n.UserID,
		Type:           n.Type,
		FromUserID:     n.FromUserID,
		ConversationID: n.ConversationID,
		CreatedAt:      s.now(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (`+notificationColumns+`) VALUES ($1, $2, $3, $4, $5, FALSE, $6)`,
		row.ID, row.UserID, string(row.Type), row.FromUserID, row.ConversationID, row.CreatedAt,
	)
	if err == nil {
		return row, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, storageErr("insert notification", err)
	}
	existing, err := s.FindNotification(ctx, row.UserID, row.FromUserID, row.Type, row.ConversationID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) RefreshNotification(ctx context.Context, notificationID string) (*types.Notification, bool, error) {
	// The sub-select reads the pre-update row, which is how wasRead is recovered
	// in a single statement.
	var wasRead bool
	var n types.Notification
	var typ string
	err := s.pool.QueryRow(ctx, `
		UPDATE notifications AS n SET created_at = $1, is_read = FALSE
		FROM (SELECT id, is_read FROM notifications WHERE id = $2 FOR UPDATE) AS old
		WHERE n.id = old.id
		RETURNING n.id, n.user_id, n.type, n.from_user_id, n.conversation_id, n.is_read, n.created_at, old.is_read`,
		s.now(), notificationID,
	).Scan(&n.ID, &n.UserID, &typ, &n.FromUserID, &n.ConversationID, &n.IsRead, &n.CreatedAt, &wasRead)
	if err != nil {
		return nil, false, notFoundOr("refresh notification", err)
	}
	n.Type = types.NotificationType(typ)
	return &n, wasRead, nil
}

func (s *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]*types.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, storageErr("list notifications", err)
	}
	defer rows.Close()

	list := make([]*types.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, storageErr("scan notification", err)
		}
		list = append(list, n)
	}
	return list, storageErr("iterate notifications", rows.Err())
}

func (s *Store) CountUnreadNotifications(ctx context.Context, userID string) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT is_read`, userID,
	).Scan(&count); err != nil {
		return 0, storageErr("count unread notifications", err)
	}
	return count, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, notificationID, userID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2 AND NOT is_read`,
		notificationID, userID,
	)
	if err != nil {
		return false, storageErr("mark notification read", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := s.notification(ctx, `id = $1 AND user_id = $2`, notificationID, userID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	return s.execCount(ctx, "mark all notifications read",
		`UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND NOT is_read`, userID)
}

func (s *Store) MarkMessageNotificationsRead(ctx context.Context, userID, fromUserID string) (int64, error) {
	return s.execCount(ctx, "mark message notifications read",
		`UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND from_user_id = $2 AND type = $3 AND NOT is_read`,
		userID, fromUserID, string(types.NotificationMessageReceived))
}

func (s *Store) execCount(ctx context.Context, op, sql string, args ...any) (int64, error) {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, storageErr(op, err)
	}
	return tag.RowsAffected(), nil
}

// Lifecycle

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return storageErr("ping", err)
	}
	var n int64
	return storageErr("read test", s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n))
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
