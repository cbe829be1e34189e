package database

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"rendezvous/pkg/types"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const userColumns = `id, display_name, avatar_ref, online, last_seen_at, created_at`

func scanUser(row rowScanner) (*types.User, error) {
	var (
		u        types.User
		avatar   sql.NullString
		lastSeen sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.DisplayName, &avatar, &u.Online, &lastSeen, &u.CreatedAt); err != nil {
		return nil, err
	}
	if avatar.Valid {
		u.AvatarRef = &avatar.String
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		u.LastSeenAt = &t
	}
	return &u, nil
}

// CreateUser inserts a user. Duplicate ids are a CONFLICT.
func (m *Manager) CreateUser(ctx context.Context, user *types.User) error {
	if !types.IsValidUserID(user.ID) {
		return types.ErrInvalidUserID
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = m.now()
	}
	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			user.ID, user.DisplayName, user.AvatarRef, user.Online, user.LastSeenAt, user.CreatedAt,
		)
		if isUniqueViolation(err) {
			return types.Wrap(types.NewError(types.CodeConflict, "user already exists"), err)
		}
		return storageErr("insert user", err)
	})
}

// GetUser returns the user or types.ErrNotFound.
func (m *Manager) GetUser(ctx context.Context, userID string) (*types.User, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get user", err)
	}
	return user, nil
}

// SetUserOnlineStatus persists presence and stamps last_seen_at.
func (m *Manager) SetUserOnlineStatus(ctx context.Context, userID string, online bool) error {
	now := m.now()
	return m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE users SET online = ?, last_seen_at = ? WHERE id = ?`,
			online, now, userID,
		)
		if err != nil {
			return storageErr("set online status", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.ErrNotFound
		}
		return nil
	})
}
