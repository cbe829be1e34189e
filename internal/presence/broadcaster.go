// Package presence announces online/offline transitions.
package presence

import (
	"go.uber.org/zap"

	"rendezvous/pkg/types"
)

// Fanout reaches every registered connection.
type Fanout interface {
	Broadcast(v interface{}) int
}

// Broadcaster sends presence changes to every connected client, not only to
// the user's contacts.
type Broadcaster struct {
	fanout Fanout
	logger *zap.Logger
}

// NewBroadcaster creates a presence broadcaster.
func NewBroadcaster(fanout Fanout, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{fanout: fanout, logger: logger}
}

// Announce broadcasts userOnline or userOffline for userID and returns how
// many connections received it.
func (b *Broadcaster) Announce(userID string, online bool) int {
	frame := types.UserOfflineFrame(userID)
	if online {
		frame = types.UserOnlineFrame(userID)
	}
	n := b.fanout.Broadcast(frame)
	b.logger.Debug("presence announced",
		zap.String("user_id", userID),
		zap.Bool("online", online),
		zap.Int("recipients", n))
	return n
}
