package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rendezvous/internal/app"
	"rendezvous/internal/config"
)

func TestRun_ValidatesUser(t *testing.T) {
	assert.Error(t, run(nil))
	assert.Error(t, run([]string{"-user", "not valid"}))
}

func TestRun_CreatesUser(t *testing.T) {
	chdir(t, t.TempDir())
	dbPath := filepath.Join(t.TempDir(), "rendezvous.db")
	t.Setenv("RENDEZVOUS_CONFIG_FILE", "")
	t.Setenv("RENDEZVOUS_AUTH_JWT_SECRET", "issue-test")
	t.Setenv("RENDEZVOUS_DATABASE_PATH", dbPath)

	require.NoError(t, run([]string{"-user", "alice", "-create", "-name", "Alice"}))
	require.NoError(t, run([]string{"-user", "alice", "-create"}), "existing user is fine")

	ctx := context.Background()
	store, err := app.OpenStore(ctx, config.DatabaseConfig{
		Driver:         config.DriverSQLite,
		Path:           dbPath,
		Timeout:        config.DefaultConfig().Database.Timeout,
		MaxConnections: 1,
	}, nil)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	u, err := store.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.DisplayName)
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
