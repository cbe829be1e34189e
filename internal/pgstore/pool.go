// Package pgstore implements interfaces.Store on PostgreSQL through pgx.
package pgstore

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Config holds the postgres connection settings.
type Config struct {
	DSN            string
	MaxConnections int32
	Timeout        time.Duration
}

// Connect creates a pool and verifies it with a ping.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(normalizeDSN(cfg.DSN))
	if err != nil {
		return nil, errors.Wrap(err, "postgres: parse config")
	}

	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if poolCfg.MaxConnIdleTime == 0 {
		poolCfg.MaxConnIdleTime = 5 * time.Minute
	}
	if poolCfg.MaxConnLifetime == 0 {
		poolCfg.MaxConnLifetime = time.Hour
	}
	if poolCfg.HealthCheckPeriod == 0 {
		poolCfg.HealthCheckPeriod = time.Minute
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: new pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "postgres: ping")
	}
	return pool, nil
}

// normalizeDSN strips SQLAlchemy-style driver suffixes that often end up in
// shared .env files.
func normalizeDSN(dsn string) string {
	s := strings.TrimSpace(dsn)
	for _, prefix := range []string{"postgresql+asyncpg://", "postgres+asyncpg://", "postgresql+pgx://", "postgres+pgx://"} {
		if strings.HasPrefix(s, prefix) {
			scheme := prefix[:strings.Index(prefix, "+")]
			return scheme + "://" + strings.TrimPrefix(s, prefix)
		}
	}
	return s
}
