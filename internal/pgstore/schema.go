package pgstore

import (
	"context"

	"github.com/pkg/errors"
)

// Ids use the C collation so ordering matches types.PairKey byte order.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id           TEXT COLLATE "C" PRIMARY KEY,
		display_name TEXT NOT NULL,
		avatar_ref   TEXT,
		online       BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen_at TIMESTAMPTZ,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id              TEXT COLLATE "C" PRIMARY KEY,
		participant1_id TEXT COLLATE "C" NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		participant2_id TEXT COLLATE "C" NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		last_message_at TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		CHECK (participant1_id < participant2_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_pair
		ON conversations (participant1_id, participant2_id)`,
	`CREATE TABLE IF NOT EXISTS messages (
		seq             BIGINT GENERATED ALWAYS AS IDENTITY,
		id              TEXT COLLATE "C" PRIMARY KEY,
		conversation_id TEXT COLLATE "C" NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id       TEXT COLLATE "C" NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		content         TEXT,
		image_ref       TEXT,
		"timestamp"     TIMESTAMPTZ NOT NULL,
		is_read         BOOLEAN NOT NULL DEFAULT FALSE,
		CHECK (content IS NOT NULL OR image_ref IS NOT NULL)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
		ON messages (conversation_id, "timestamp", seq)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_unread
		ON messages (conversation_id, sender_id) WHERE NOT is_read`,
	`CREATE TABLE IF NOT EXISTS chat_consents (
		id           TEXT COLLATE "C" PRIMARY KEY,
		requester_id TEXT COLLATE "C" NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		responder_id TEXT COLLATE "C" NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		status       TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'accepted', 'rejected')),
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL,
		CHECK (requester_id <> responder_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_chat_consents_pair
		ON chat_consents (LEAST(requester_id, responder_id), GREATEST(requester_id, responder_id))`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id              TEXT COLLATE "C" PRIMARY KEY,
		user_id         TEXT COLLATE "C" NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		type            TEXT NOT NULL CHECK (type IN ('profile_view', 'profile_like', 'message_received')),
		from_user_id    TEXT COLLATE "C" NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		conversation_id TEXT COLLATE "C" REFERENCES conversations(id) ON DELETE CASCADE,
		is_read         BOOLEAN NOT NULL DEFAULT FALSE,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_coalesce
		ON notifications (user_id, from_user_id, type, COALESCE(conversation_id, ''))`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user_created
		ON notifications (user_id, created_at DESC)`,
}

// Migrate bootstraps the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "postgres: bootstrap schema")
		}
	}
	return nil
}
