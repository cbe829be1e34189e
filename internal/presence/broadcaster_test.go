package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"rendezvous/internal/testutil"
	"rendezvous/internal/websocket"
	"rendezvous/pkg/types"
)

func TestBroadcaster_ReachesEveryone(t *testing.T) {
	registry := websocket.NewRegistry(nil)
	alice := testutil.NewFakeConnection("alice")
	bob := testutil.NewFakeConnection("bob")
	carol := testutil.NewFakeConnection("carol")
	for _, c := range []*testutil.FakeConnection{alice, bob, carol} {
		_, _ = registry.Register(c)
	}
	b := NewBroadcaster(registry, zaptest.NewLogger(t))

	assert.Equal(t, 3, b.Announce("alice", true))
	for _, c := range []*testutil.FakeConnection{alice, bob, carol} {
		frames := c.OfType(types.FrameUserOnline)
		if assert.Len(t, frames, 1) {
			assert.Equal(t, "alice", frames[0].Field("userId"))
		}
	}

	registry.Unregister(alice)
	assert.Equal(t, 2, b.Announce("alice", false))
	assert.Len(t, bob.OfType(types.FrameUserOffline), 1)
	assert.Empty(t, alice.OfType(types.FrameUserOffline))
}

func TestBroadcaster_NobodyConnected(t *testing.T) {
	b := NewBroadcaster(websocket.NewRegistry(nil), nil)
	assert.Zero(t, b.Announce("alice", false))
}
