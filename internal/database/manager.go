package database

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	dbconfig "rendezvous/pkg/database"
	"rendezvous/pkg/interfaces"
	"rendezvous/pkg/types"
)

var _ interfaces.Store = (*Manager)(nil)

var errShuttingDown = types.Wrap(types.ErrStorage, errors.New("database manager is shutting down"))

// Manager is the sqlite implementation of interfaces.Store. Reads run
// concurrently on the pool; every write is funneled through one goroutine so
// sqlite never sees competing writers.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *zap.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	stopped      chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex

	// now is swapped in tests that need distinct timestamps.
	now func() time.Time
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer. Call Migrate before use
// on a fresh file.
func NewManager(config *dbconfig.Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid database config")
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to apply sqlite optimizations")
	}

	m := &Manager{
		db:           db,
		config:       config,
		logger:       logger.Named("sqlite"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		stopped:      make(chan struct{}),
		now:          func() time.Time { return time.Now().UTC() },
	}

	m.wg.Add(1)
	go m.writeLoop()

	return m, nil
}

// Migrate applies the embedded migrations and validates the result.
func (m *Manager) Migrate() error {
	mm := dbconfig.NewMigrationManager(m.db, dbconfig.Migrations())
	if err := mm.ApplyMigrations(); err != nil {
		return err
	}
	return mm.ValidateSchema()
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()
	defer close(m.stopped)

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if isBusy(err) {
				// Another connection held the lock past busy_timeout.
				m.logger.Warn("database busy, retrying write", zap.Error(err))
				time.Sleep(100 * time.Millisecond)
				err = op.operation(m.db)
			}
			op.result <- err

		case <-m.shutdown:
			m.logger.Debug("write loop shutting down", zap.Int("pending", len(m.writeChannel)))
			for {
				select {
				case op := <-m.writeChannel:
					op.result <- errShuttingDown
				default:
					return
				}
			}
		}
	}
}

// executeWrite queues operation on the writer and waits for its result.
func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return types.Wrap(types.ErrStorage, errors.New("database manager is closed"))
	}

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return types.Wrap(types.ErrStorage, errors.New("write operation timeout"))
	case <-ctx.Done():
		return types.Wrap(types.ErrStorage, ctx.Err())
	case <-m.shutdown:
		return errShuttingDown
	}

	select {
	case err := <-result:
		return err
	case <-m.stopped:
		select {
		case err := <-result:
			return err
		default:
			return errShuttingDown
		}
	}
}

// HealthCheck validates connectivity and that the schema is readable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return storageErr("read test", err)
	}
	return nil
}

// DB exposes the pool for migrations and tests.
func (m *Manager) DB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the pool. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return errors.Wrap(err, "failed to close database")
	}
	return nil
}

// storageErr classifies a driver error as a storage failure and records
// which operation hit it.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *types.Error
	if errors.As(err, &typed) {
		return err
	}
	return types.Wrap(types.ErrStorage, errors.Wrap(err, "sqlite: "+op))
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
