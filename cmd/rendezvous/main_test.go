package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rendezvous/internal/app"
	"rendezvous/internal/config"
)

func TestRun_FailsWithoutSecret(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("RENDEZVOUS_CONFIG_FILE", "")
	t.Setenv("RENDEZVOUS_AUTH_JWT_SECRET", "")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt secret")
}

func TestNewApplication_FromLoadedConfig(t *testing.T) {
	t.Setenv("RENDEZVOUS_AUTH_JWT_SECRET", "main-test")
	t.Setenv("RENDEZVOUS_DATABASE_PATH", filepath.Join(t.TempDir(), "rendezvous.db"))

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTP.Port)

	application, err := app.NewApplication(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, application.Store().Close())
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
