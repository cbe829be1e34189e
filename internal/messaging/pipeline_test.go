package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rendezvous/internal/consent"
	"rendezvous/internal/database"
	"rendezvous/internal/notify"
	"rendezvous/internal/testutil"
	"rendezvous/internal/websocket"
	"rendezvous/pkg/types"
)

type fixture struct {
	pipeline *Pipeline
	gate     *consent.Gate
	store    *database.Manager
	registry *websocket.Registry
	alice    *testutil.FakeConnection
	bob      *testutil.FakeConnection
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := testutil.NewStore(t, "alice", "bob")
	registry := websocket.NewRegistry(logger)
	gate := consent.NewGate(store, registry, logger)
	coord := notify.NewCoordinator(store, registry, logger, notify.NewLiveSink(registry))

	f := &fixture{
		pipeline: NewPipeline(store, gate, registry, coord, config, logger),
		gate:     gate,
		store:    store,
		registry: registry,
		alice:    testutil.NewFakeConnection("alice"),
		bob:      testutil.NewFakeConnection("bob"),
	}
	_, _ = registry.Register(f.alice)
	_, _ = registry.Register(f.bob)
	return f
}

func text(s string) *string { return &s }

func (f *fixture) send(t *testing.T, from, to, body string) *SendResult {
	t.Helper()
	res, err := f.pipeline.Send(context.Background(), SendRequest{SenderID: from, ReceiverID: to, Content: text(body), TempID: "tmp-" + body})
	require.NoError(t, err)
	return res
}

func (f *fixture) accept(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, c, err := f.gate.CheckPermission(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = f.gate.Accept(ctx, c.ID, c.ResponderID)
	require.NoError(t, err)
}

func (f *fixture) messageCount(t *testing.T) int {
	t.Helper()
	conv, err := f.store.GetConversationByPair(context.Background(), "alice", "bob")
	if errors.Is(err, types.ErrNotFound) {
		return 0
	}
	require.NoError(t, err)
	msgs, err := f.store.ListMessages(context.Background(), conv.ID, 100)
	require.NoError(t, err)
	return len(msgs)
}

func TestPipeline_FirstMessageRequestsConsent(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	res := f.send(t, "alice", "bob", "hi")
	assert.Equal(t, ConsentRequested, res.Outcome)
	require.NotNil(t, res.Message)
	assert.True(t, res.ReceiverOnline)
	assert.Equal(t, "alice", res.Consent.RequesterID)
	assert.Equal(t, types.ConsentPending, res.Consent.Status)

	assert.Equal(t, []string{types.FrameMessageConfirmed, types.FrameConsentPending}, f.alice.Types())
	assert.Equal(t, "tmp-hi", f.alice.OfType(types.FrameMessageConfirmed)[0].Field("tempId"))

	assert.Equal(t, []string{types.FrameNewMessage, types.FrameConsentRequest}, f.bob.Types())
	var req types.ConsentRequestPayload
	require.NoError(t, f.bob.OfType(types.FrameConsentRequest)[0].Decode(&req))
	assert.Equal(t, "alice", req.Requester.ID)
	assert.Equal(t, "hi", *req.FirstMessage.Content)
	assert.Equal(t, res.Consent.ID, req.Consent.ID)

	count, err := f.store.CountUnreadNotifications(context.Background(), "bob")
	require.NoError(t, err)
	assert.Zero(t, count, "the chat request itself is the notice")

	f.alice.Reset()
	f.bob.Reset()
	again := f.send(t, "alice", "bob", "hi again")
	assert.Equal(t, ConsentPending, again.Outcome)
	assert.Nil(t, again.Message)
	assert.Equal(t, []string{types.FrameConsentPending}, f.alice.Types())
	assert.Empty(t, f.bob.Frames())
	assert.Equal(t, 1, f.messageCount(t))
}

func TestPipeline_ResponderBlockedUntilAnswer(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.send(t, "alice", "bob", "hi")
	f.alice.Reset()

	res := f.send(t, "bob", "alice", "hello back")
	assert.Equal(t, ConsentPending, res.Outcome)
	assert.Empty(t, f.alice.Frames())
	assert.Equal(t, 1, f.messageCount(t))
}

func TestPipeline_RejectedIsTerminalAndSymmetric(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	first := f.send(t, "alice", "bob", "hi")

	_, err := f.gate.Reject(ctx, first.Consent.ID, "bob")
	require.NoError(t, err)
	f.alice.Reset()
	f.bob.Reset()

	for i := 0; i < 2; i++ {
		res := f.send(t, "alice", "bob", "please")
		assert.Equal(t, ConsentRejected, res.Outcome)
	}
	assert.Len(t, f.alice.OfType(types.FrameConsentRejected), 2, "every attempt is told")
	assert.Equal(t, "bob", f.alice.OfType(types.FrameConsentRejected)[0].Field("receiverId"))

	res := f.send(t, "bob", "alice", "changed my mind")
	assert.Equal(t, ConsentRejected, res.Outcome)
	assert.Len(t, f.bob.OfType(types.FrameConsentRejected), 1)

	_, err = f.gate.Accept(ctx, first.Consent.ID, "bob")
	assert.ErrorIs(t, err, types.ErrConsentResolved)
	assert.Equal(t, 1, f.messageCount(t))
}

func TestPipeline_AcceptedNotifiesUnlessBothViewing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	f.send(t, "alice", "bob", "hi")
	f.accept(t)

	f.registry.OpenWindow("alice", "bob")
	f.registry.OpenWindow("bob", "alice")
	f.bob.Reset()

	res := f.send(t, "alice", "bob", "we are both here")
	assert.Equal(t, Delivered, res.Outcome)
	assert.False(t, res.Notified)
	assert.True(t, res.Message.IsRead, "receiver is viewing the conversation")
	assert.Equal(t, []string{types.FrameNewMessage}, f.bob.Types())

	count, err := f.store.CountUnreadNotifications(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, count)

	f.registry.CloseWindow("bob", "alice")
	res = f.send(t, "alice", "bob", "are you there")
	assert.True(t, res.Notified)
	assert.False(t, res.Message.IsRead)
	assert.NotEmpty(t, f.bob.OfType(types.FrameNewNotification))

	count, err = f.store.CountUnreadNotifications(ctx, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	f.send(t, "alice", "bob", "hello?")
	count, err = f.store.CountUnreadNotifications(ctx, "bob")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count, "repeat messages coalesce")

	res = f.send(t, "bob", "alice", "sorry, here now")
	assert.Equal(t, Delivered, res.Outcome, "accepted works in both directions")
}

func TestPipeline_OfflineReceiver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())
	f.registry.Unregister(f.alice)

	res := f.send(t, "bob", "alice", "first")
	assert.Equal(t, ConsentRequested, res.Outcome)
	assert.False(t, res.ReceiverOnline)
	assert.Empty(t, f.alice.Frames())
	assert.Equal(t, []string{types.FrameMessageConfirmed, types.FrameConsentPending}, f.bob.Types())

	q, err := f.gate.Query(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, consent.QueryPending, *q.Status)
	assert.Equal(t, "bob", q.Requester.ID)
	assert.Equal(t, 1, f.messageCount(t))
}

func TestPipeline_RejectsInvalidSends(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig())

	tests := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"no body", SendRequest{SenderID: "alice", ReceiverID: "bob"}, types.ErrInvalidMessage},
		{"blank body", SendRequest{SenderID: "alice", ReceiverID: "bob", Content: text("  "), ImageRef: text("")}, types.ErrInvalidMessage},
		{"too long", SendRequest{SenderID: "alice", ReceiverID: "bob", Content: text(strings.Repeat("x", types.MaxContentBytes+1))}, types.ErrContentTooLarge},
		{"self", SendRequest{SenderID: "alice", ReceiverID: "alice", Content: text("me")}, types.ErrSelfMessage},
		{"unknown receiver", SendRequest{SenderID: "alice", ReceiverID: "ghost", Content: text("hi")}, types.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.pipeline.Send(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Equal(t, 0, f.messageCount(t))
	_, err := f.store.GetConsentByPair(ctx, "alice", "bob")
	assert.ErrorIs(t, err, types.ErrNotFound, "rejected sends leave no consent behind")
	assert.Empty(t, f.alice.Frames())
	assert.Empty(t, f.bob.Frames())
}

func TestPipeline_ImageOnlyMessage(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	res, err := f.pipeline.Send(context.Background(), SendRequest{SenderID: "alice", ReceiverID: "bob", ImageRef: text("https://cdn.example.com/a.jpg")})
	require.NoError(t, err)
	assert.Nil(t, res.Message.Content)
	assert.Equal(t, "https://cdn.example.com/a.jpg", *res.Message.ImageRef)
}

func TestPipeline_RateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimitPerMinute: 2})
	f.send(t, "alice", "bob", "one")
	f.send(t, "alice", "bob", "two")

	_, err := f.pipeline.Send(context.Background(), SendRequest{SenderID: "alice", ReceiverID: "bob", Content: text("three")})
	assert.ErrorIs(t, err, types.ErrRateLimited)
	assert.Equal(t, types.CodeRateLimited, types.CodeOf(err))
	f.pipeline.Sweep()
}

func TestPipeline_ConcurrentFirstMessages(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		wg.Add(1)
		go func(from, to string) {
			defer wg.Done()
			res, err := f.pipeline.Send(context.Background(), SendRequest{SenderID: from, ReceiverID: to, Content: text("hey")})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}(pair[0], pair[1])
	}
	wg.Wait()

	assert.Equal(t, map[Outcome]int{ConsentRequested: 1, ConsentPending: 1}, outcomes)
	assert.Equal(t, 1, f.messageCount(t))
}

func TestPipeline_History(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{HistoryLimit: 2})

	msgs, err := f.pipeline.History(ctx, "alice", "bob", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	f.send(t, "alice", "bob", "one")
	f.accept(t)
	f.send(t, "bob", "alice", "two")
	f.send(t, "alice", "bob", "three")

	msgs, err = f.pipeline.History(ctx, "bob", "alice", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2, "capped at the configured limit")
	assert.Equal(t, "two", *msgs[0].Content)
	assert.Equal(t, "three", *msgs[1].Content)
}

// flakyStore fails the next n message inserts.
type flakyStore struct {
	*database.Manager
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) failNextInserts(n int) {
	s.mu.Lock()
	s.failures = n
	s.mu.Unlock()
}

func (s *flakyStore) InsertMessage(ctx context.Context, conversationID, senderID string, content, imageRef *string, isRead bool) (*types.Message, error) {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return nil, types.Wrap(types.ErrStorage, errors.New("disk gone"))
	}
	return s.Manager.InsertMessage(ctx, conversationID, senderID, content, imageRef, isRead)
}

func TestPipeline_FailedFirstSendLeavesNoRequest(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	store := &flakyStore{Manager: f.store}
	logger := zaptest.NewLogger(t)
	gate := consent.NewGate(store, f.registry, logger)
	coord := notify.NewCoordinator(store, f.registry, logger, notify.NewLiveSink(f.registry))
	pipeline := NewPipeline(store, gate, f.registry, coord, DefaultConfig(), logger)
	ctx := context.Background()

	store.failNextInserts(1)
	_, err := pipeline.Send(ctx, SendRequest{SenderID: "alice", ReceiverID: "bob", Content: text("hi"), TempID: "t1"})
	require.Error(t, err)
	assert.Equal(t, types.CodeStorage, types.CodeOf(err))

	_, err = store.GetConsentByPair(ctx, "alice", "bob")
	assert.ErrorIs(t, err, types.ErrNotFound, "unconfirmed first message must not leave a request behind")
	assert.Zero(t, f.messageCount(t))
	assert.Empty(t, f.alice.Frames(), "nothing was confirmed")
	assert.Empty(t, f.bob.Frames(), "responder saw nothing")

	res, err := pipeline.Send(ctx, SendRequest{SenderID: "alice", ReceiverID: "bob", Content: text("hi"), TempID: "t2"})
	require.NoError(t, err)
	assert.Equal(t, ConsentRequested, res.Outcome)
	assert.Equal(t, 1, f.messageCount(t))
	assert.Equal(t, []string{types.FrameNewMessage, types.FrameConsentRequest}, f.bob.Types())
}

func TestPipeline_FailedSendKeepsExistingConsent(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.send(t, "alice", "bob", "hi")
	f.accept(t)

	store := &flakyStore{Manager: f.store}
	logger := zaptest.NewLogger(t)
	gate := consent.NewGate(store, f.registry, logger)
	coord := notify.NewCoordinator(store, f.registry, logger, notify.NewLiveSink(f.registry))
	pipeline := NewPipeline(store, gate, f.registry, coord, DefaultConfig(), logger)
	ctx := context.Background()

	store.failNextInserts(1)
	_, err := pipeline.Send(ctx, SendRequest{SenderID: "bob", ReceiverID: "alice", Content: text("yo"), TempID: "t3"})
	require.Error(t, err)

	c, err := store.GetConsentByPair(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, types.ConsentAccepted, c.Status)
	assert.Equal(t, 1, f.messageCount(t))
}
