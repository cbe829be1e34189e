package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rendezvous/internal/testutil"
	"rendezvous/pkg/interfaces"
	"rendezvous/pkg/types"
)

type tokenAuth map[string]string

func (a tokenAuth) Authenticate(ctx context.Context, credential string) (*types.User, error) {
	id, ok := a[credential]
	if !ok {
		return nil, types.ErrAuthRequired
	}
	return &types.User{ID: id, DisplayName: id}, nil
}

type recordingDispatcher struct {
	mu           sync.Mutex
	connected    []interfaces.Connection
	disconnected []interfaces.Connection
	frames       []types.InboundFrame
	connectErr   error
	dispatchErr  error
}

func (d *recordingDispatcher) Connect(ctx context.Context, conn interfaces.Connection) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connectErr != nil {
		return d.connectErr
	}
	d.connected = append(d.connected, conn)
	return conn.WriteJSON(types.PresenceSnapshotFrame(nil))
}

func (d *recordingDispatcher) Disconnect(conn interfaces.Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnected = append(d.disconnected, conn)
}

func (d *recordingDispatcher) Dispatch(conn interfaces.Connection, frame types.InboundFrame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dispatchErr != nil {
		return d.dispatchErr
	}
	d.frames = append(d.frames, frame)
	return nil
}

func (d *recordingDispatcher) snapshot() (connected, disconnected int, frames []types.InboundFrame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.connected), len(d.disconnected), append([]types.InboundFrame(nil), d.frames...)
}

func startHandler(t *testing.T, d *recordingDispatcher) *httptest.Server {
	t.Helper()
	h := NewHandler(tokenAuth{"tok-alice": "alice"}, d, DefaultHandlerConfig(), zaptest.NewLogger(t))
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestHandler_RejectsMissingCredential(t *testing.T) {
	d := &recordingDispatcher{}
	server := startHandler(t, d)

	for _, token := range []string{"", "forged"} {
		client, _, err := testutil.Dial(context.Background(), server.URL, token)
		require.NoError(t, err, "upgrade happens before authentication")

		select {
		case <-client.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("server did not close the connection")
		}
		assert.Equal(t, CloseAuthFailed, client.CloseCode())
		_ = client.Close()
	}

	connected, _, _ := d.snapshot()
	assert.Zero(t, connected)
}

func TestHandler_ForwardsDecodedFrames(t *testing.T) {
	d := &recordingDispatcher{}
	server := startHandler(t, d)

	client, _, err := testutil.Dial(context.Background(), server.URL, "tok-alice")
	require.NoError(t, err)
	defer client.Close()

	_, err = client.ReceiveType(types.FramePresenceSnapshot, 2*time.Second)
	require.NoError(t, err)

	require.NoError(t, client.Send(types.FrameOpenChatWindow, map[string]string{"otherUserId": "bob"}))
	require.NoError(t, client.Send(types.FrameSendMessage, map[string]interface{}{
		"receiverId": "bob", "content": "hi", "tempId": "t1",
	}))

	require.Eventually(t, func() bool {
		_, _, frames := d.snapshot()
		return len(frames) == 2
	}, 2*time.Second, 10*time.Millisecond)

	_, _, frames := d.snapshot()
	assert.Equal(t, types.OpenChatWindow{OtherUserID: "bob"}, frames[0])
	send, ok := frames[1].(types.SendMessage)
	require.True(t, ok)
	assert.Equal(t, "t1", send.TempID)
	assert.Equal(t, "hi", *send.Content)

	connected, _, _ := d.snapshot()
	assert.Equal(t, 1, connected)
}

func TestHandler_InvalidFramesGetErrorFrame(t *testing.T) {
	d := &recordingDispatcher{}
	server := startHandler(t, d)

	client, _, err := testutil.Dial(context.Background(), server.URL, "tok-alice")
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SendRaw([]byte("not json")))
	f, err := client.ReceiveType(types.FrameError, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, string(types.CodeInvalidFrame), f.Field("code"))

	require.NoError(t, client.Send("dance", map[string]string{}))
	f, err = client.ReceiveType(types.FrameError, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, types.ErrUnknownFrameType.Message, f.Field("message"))

	_, _, frames := d.snapshot()
	assert.Empty(t, frames)
}

func TestHandler_DispatchFailureEchoesTempID(t *testing.T) {
	d := &recordingDispatcher{dispatchErr: errors.New("queue full")}
	server := startHandler(t, d)

	client, _, err := testutil.Dial(context.Background(), server.URL, "tok-alice")
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send(types.FrameSendMessage, map[string]interface{}{
		"receiverId": "bob", "content": "hi", "tempId": "t9",
	}))
	f, err := client.ReceiveType(types.FrameError, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "t9", f.Field("tempId"))
	assert.Equal(t, string(types.CodeRateLimited), f.Field("code"))
}

func TestHandler_DisconnectIsReported(t *testing.T) {
	d := &recordingDispatcher{}
	server := startHandler(t, d)

	client, _, err := testutil.Dial(context.Background(), server.URL, "tok-alice")
	require.NoError(t, err)
	_, err = client.ReceiveType(types.FramePresenceSnapshot, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, client.Close())

	assert.Eventually(t, func() bool {
		_, disconnected, _ := d.snapshot()
		return disconnected == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_ConnectFailureClosesSocket(t *testing.T) {
	d := &recordingDispatcher{connectErr: errors.New("hub not running")}
	server := startHandler(t, d)

	client, _, err := testutil.Dial(context.Background(), server.URL, "tok-alice")
	require.NoError(t, err)
	defer client.Close()

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not close the connection")
	}
	assert.Equal(t, CloseTryAgainLater, client.CloseCode())

	connected, disconnected, _ := d.snapshot()
	assert.Zero(t, connected)
	assert.Equal(t, 1, disconnected, "a possibly queued registration is undone")
}

func TestCredential(t *testing.T) {
	tests := []struct {
		name   string
		url    string
		header string
		want   string
	}{
		{"query parameter", "/ws?token=abc", "", "abc"},
		{"bearer header", "/ws", "Bearer xyz", "xyz"},
		{"lowercase scheme", "/ws", "bearer xyz", "xyz"},
		{"query wins", "/ws?token=abc", "Bearer xyz", "abc"},
		{"basic auth ignored", "/ws", "Basic xyz", ""},
		{"nothing", "/ws", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, Credential(r))
		})
	}
}

func TestHandler_CheckOrigin(t *testing.T) {
	config := DefaultHandlerConfig()
	config.AllowedOrigins = []string{"https://app.example.com"}
	h := NewHandler(tokenAuth{}, &recordingDispatcher{}, config, nil)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, h.checkOrigin(r), "non-browser clients send no origin")

	r.Header.Set("Origin", "https://app.example.com")
	assert.True(t, h.checkOrigin(r))

	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, h.checkOrigin(r))

	open := NewHandler(tokenAuth{}, &recordingDispatcher{}, DefaultHandlerConfig(), nil)
	assert.True(t, open.checkOrigin(r))
}
