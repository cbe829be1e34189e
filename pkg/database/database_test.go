package database

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	db, err := sql.Open("sqlite3", cfg.DSN())
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Failed to close test database: %v", err)
		}
	})
	return db
}

func migratedDB(t *testing.T) *sql.DB {
	t.Helper()
	db := openTestDB(t)
	require.NoError(t, NewMigrationManager(db, Migrations()).ApplyMigrations())
	return db
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NotNil(t, config)

	assert.Equal(t, "./data/rendezvous.db", config.DatabasePath)
	assert.Equal(t, 10, config.MaxConnections)
	assert.Equal(t, time.Hour, config.ConnMaxLifetime)
	assert.Equal(t, 10*time.Minute, config.ConnMaxIdleTime)
	assert.Equal(t, 30*time.Second, config.WriteTimeout)
	assert.NoError(t, config.Validate())
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty database path", func(c *Config) { c.DatabasePath = "" }},
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }},
		{"zero idle time", func(c *Config) { c.ConnMaxIdleTime = 0 }},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMigrationManager_LoadMigrations(t *testing.T) {
	source := fstest.MapFS{
		"002_add_index.sql":      {Data: []byte("CREATE INDEX i ON t (a);")},
		"001_initial_schema.sql": {Data: []byte("CREATE TABLE t (a TEXT);")},
		"README.md":              {Data: []byte("ignored")},
	}
	mgr := NewMigrationManager(openTestDB(t), source)

	migrations, err := mgr.LoadMigrations()
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "001", migrations[0].Version)
	assert.Equal(t, "initial_schema", migrations[0].Description)
	assert.Equal(t, "002", migrations[1].Version)
}

func TestMigrationManager_ApplyMigrations(t *testing.T) {
	db := openTestDB(t)
	mgr := NewMigrationManager(db, Migrations())

	require.NoError(t, mgr.ApplyMigrations())
	// Idempotent on restart.
	require.NoError(t, mgr.ApplyMigrations())

	applied, err := mgr.AppliedVersions()
	require.NoError(t, err)
	assert.True(t, applied["001"])

	assert.NoError(t, mgr.ValidateSchema())
}

func TestMigrationManager_FailedMigrationIsNotRecorded(t *testing.T) {
	db := openTestDB(t)
	source := fstest.MapFS{
		"001_broken.sql": {Data: []byte("CREATE TABLE oops (")},
	}
	mgr := NewMigrationManager(db, source)

	require.Error(t, mgr.ApplyMigrations())
	applied, err := mgr.AppliedVersions()
	require.NoError(t, err)
	assert.False(t, applied["001"])
}

func TestMigrationManager_ValidateSchemaOnEmptyDatabase(t *testing.T) {
	mgr := NewMigrationManager(openTestDB(t), Migrations())
	assert.Error(t, mgr.ValidateSchema())
}

func TestDatabase_SQLiteOptimizations(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, ApplySQLiteOptimizations(db))

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)
}
