package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rendezvous/internal/app"
	"rendezvous/internal/config"
	"rendezvous/internal/testutil"
	"rendezvous/pkg/types"
)

const wait = 3 * time.Second

type env struct {
	app *app.Application
	url string
}

func startEnv(t *testing.T, users ...string) *env {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Database.Path = filepath.Join(t.TempDir(), "rendezvous.db")
	cfg.Auth.JWTSecret = "integration"

	application, err := app.NewApplication(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = application.Stop(ctx)
	})

	for _, id := range users {
		require.NoError(t, application.Store().CreateUser(context.Background(), &types.User{ID: id, DisplayName: id}))
	}
	return &env{app: application, url: "http://" + application.Addr()}
}

func (e *env) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := e.app.Authenticator().Issue(userID, time.Hour)
	require.NoError(t, err)
	return token
}

// connect dials as userID and waits for the presence snapshot, so the
// connection is registered when it returns.
func (e *env) connect(t *testing.T, userID string) *testutil.Client {
	t.Helper()
	c, _, err := testutil.Dial(context.Background(), e.url, e.token(t, userID))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	_, err = c.ReceiveType(types.FramePresenceSnapshot, wait)
	require.NoError(t, err)
	return c
}

func (e *env) rest(t *testing.T, method, path, userID string) (int, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, e.url+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token(t, userID))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func (e *env) unread(t *testing.T, userID string) float64 {
	t.Helper()
	status, body := e.rest(t, http.MethodGet, "/api/notifications/unread-count", userID)
	require.Equal(t, http.StatusOK, status)
	return body["count"].(float64)
}

func (e *env) history(t *testing.T, userID, other string) []interface{} {
	t.Helper()
	status, body := e.rest(t, http.MethodGet, "/api/conversations/"+other+"/messages", userID)
	require.Equal(t, http.StatusOK, status)
	return body["messages"].([]interface{})
}

func send(t *testing.T, c *testutil.Client, to, content string) {
	t.Helper()
	require.NoError(t, c.Send(types.FrameSendMessage, map[string]interface{}{
		"receiverId": to,
		"content":    content,
		"tempId":     content,
	}))
}

func receive(t *testing.T, c *testutil.Client, typ string) testutil.Frame {
	t.Helper()
	f, err := c.ReceiveType(typ, wait)
	require.NoError(t, err)
	return f
}

func object(t *testing.T, v interface{}) map[string]interface{} {
	t.Helper()
	m, ok := v.(map[string]interface{})
	require.True(t, ok, "expected object, got %T", v)
	return m
}

// accept makes a and b mutually accepted through the public API.
func (e *env) accept(t *testing.T, a, b string) {
	t.Helper()
	c, _, err := e.app.Store().CreateConsent(context.Background(), a, b)
	require.NoError(t, err)
	status, _ := e.rest(t, http.MethodPost, "/api/consents/"+c.ID+"/accept", b)
	require.Equal(t, http.StatusOK, status)
}

// barrier waits until every frame from's connection sent before it has been
// handled, using a typing indicator the accepted counterpart observes.
func barrier(t *testing.T, from, to *testutil.Client, toID string) {
	t.Helper()
	require.NoError(t, from.Send(types.FrameTyping, map[string]interface{}{"receiverId": toID, "isTyping": true}))
	receive(t, to, types.FrameUserTyping)
}
