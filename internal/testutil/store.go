package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rendezvous/internal/database"
	dbconfig "rendezvous/pkg/database"
	"rendezvous/pkg/types"
)

// NewStore opens a migrated sqlite store under t.TempDir() and creates the
// given users, each with a display name equal to its id.
func NewStore(t *testing.T, users ...string) *database.Manager {
	t.Helper()
	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "rendezvous.db")

	m, err := database.NewManager(config, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, m.Migrate())
	t.Cleanup(func() { _ = m.Close() })

	for _, id := range users {
		require.NoError(t, m.CreateUser(context.Background(), &types.User{ID: id, DisplayName: id}))
	}
	return m
}

// StrPtr returns a pointer to s.
func StrPtr(s string) *string { return &s }
