package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rendezvous/pkg/types"
)

type fakePublisher struct {
	msgs []*nats.Msg
	err  error
}

func (p *fakePublisher) PublishMsg(msg *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.msgs = append(p.msgs, msg)
	return &nats.PubAck{Stream: "NOTIFICATIONS", Sequence: uint64(len(p.msgs))}, nil
}

type fakeStreams struct {
	existing map[string]bool
	added    []*nats.StreamConfig
	infoErr  error
}

func (s *fakeStreams) StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	if s.infoErr != nil {
		return nil, s.infoErr
	}
	if s.existing[stream] {
		return &nats.StreamInfo{Config: nats.StreamConfig{Name: stream}}, nil
	}
	return nil, nats.ErrStreamNotFound
}

func (s *fakeStreams) AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	s.added = append(s.added, cfg)
	return &nats.StreamInfo{Config: *cfg}, nil
}

func sampleEvent() types.NotificationEvent {
	return types.NotificationEvent{
		Notification: types.Notification{
			ID:         "n1",
			UserID:     "bob",
			FromUserID: "alice",
			Type:       types.NotificationProfileView,
			CreatedAt:  time.Unix(1700000000, 42),
		},
		Actor:       types.PublicUser{ID: "alice", DisplayName: "Alice"},
		Text:        "Alice viewed your profile",
		NewlyUnread: true,
	}
}

func TestGatewaySink_Deliver(t *testing.T) {
	pub := &fakePublisher{}
	config := DefaultGatewayConfig()
	config.SubjectPrefix = "rdv.notifications."
	sink := NewGatewaySink(pub, config, zaptest.NewLogger(t))

	require.NoError(t, sink.Deliver(context.Background(), sampleEvent()))
	require.Len(t, pub.msgs, 1)

	msg := pub.msgs[0]
	assert.Equal(t, "rdv.notifications.profile_view", msg.Subject)
	assert.Equal(t, "n1:1700000000000000042", msg.Header.Get(nats.MsgIdHdr))

	var decoded types.NotificationEvent
	require.NoError(t, json.Unmarshal(msg.Data, &decoded))
	assert.Equal(t, "bob", decoded.Notification.UserID)
	assert.Equal(t, "Alice viewed your profile", decoded.Text)
	assert.True(t, decoded.NewlyUnread)
}

func TestGatewaySink_RefreshGetsNewMsgID(t *testing.T) {
	event := sampleEvent()
	first := MsgID(event)
	event.Notification.CreatedAt = event.Notification.CreatedAt.Add(time.Second)
	assert.NotEqual(t, first, MsgID(event))
}

func TestGatewaySink_PublishError(t *testing.T) {
	sink := NewGatewaySink(&fakePublisher{err: nats.ErrNoResponders}, DefaultGatewayConfig(), nil)
	err := sink.Deliver(context.Background(), sampleEvent())
	require.Error(t, err)
	assert.True(t, errors.Is(err, nats.ErrNoResponders))
	assert.NoError(t, sink.Close())
}

func TestEnsureStream(t *testing.T) {
	streams := &fakeStreams{existing: map[string]bool{}}
	require.NoError(t, EnsureStream(streams, "NOTIFICATIONS", "rendezvous.notifications"))
	require.Len(t, streams.added, 1)
	assert.Equal(t, []string{"rendezvous.notifications.>"}, streams.added[0].Subjects)
	assert.Equal(t, 2*time.Minute, streams.added[0].Duplicates)

	streams.existing["NOTIFICATIONS"] = true
	require.NoError(t, EnsureStream(streams, "NOTIFICATIONS", "rendezvous.notifications"))
	assert.Len(t, streams.added, 1)

	streams.infoErr = nats.ErrConnectionClosed
	assert.Error(t, EnsureStream(streams, "NOTIFICATIONS", "rendezvous.notifications"))
}
