package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fundlift/indexer/internal/logger"
)

// requiredTables are asserted at startup; the schema itself is owned and
// migrated by the backend.
var requiredTables = []string{
	"chains",
	"sync_state",
	"campaigns",
	"contributions",
	"events",
}

// ErrSchemaMissing indicates a required table is absent from the store.
var ErrSchemaMissing = errors.New("database schema missing")

// Store wraps the relational database. All queries are written with `?`
// placeholders and rebound to the driver's bind style on execution.
type Store struct {
	db       *sql.DB
	bindType int
	log      *logger.Logger
}

// Open connects to the relational store identified by dbURL.
// Supported schemes: postgres:// (production) and sqlite:// (tests, toolbox).
func Open(dbURL string, maxOpen, maxIdle int, log *logger.Logger) (*Store, error) {
	var driver, dsn string
	switch {
	case strings.HasPrefix(dbURL, "postgres://"), strings.HasPrefix(dbURL, "postgresql://"):
		driver, dsn = "postgres", dbURL
	case strings.HasPrefix(dbURL, "sqlite://"):
		driver = "sqlite3"
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&_foreign_keys=on&_busy_timeout=30000",
			strings.TrimPrefix(dbURL, "sqlite://"))
	default:
		return nil, fmt.Errorf("unsupported db.url scheme in %q (supported: postgres://, sqlite://)", dbURL)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	return NewStore(db, driver, log), nil
}

// NewStore wraps an existing database handle.
func NewStore(db *sql.DB, driver string, log *logger.Logger) *Store {
	return &Store{
		db:       db,
		bindType: sqlx.BindType(driver),
		log:      log.WithComponent("store"),
	}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// bind rewrites `?` placeholders into the driver's bind style.
func (s *Store) bind(query string) string {
	return sqlx.Rebind(s.bindType, query)
}

// CheckSchema asserts every required table exists. It fails fast with an
// actionable message when the backend migrations have not run.
func (s *Store) CheckSchema(ctx context.Context) error {
	for _, table := range requiredTables {
		var one int
		err := s.db.QueryRowContext(ctx, "SELECT 1 FROM "+table+" LIMIT 1").Scan(&one)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: table %q is not queryable (run backend migrations first): %v",
				ErrSchemaMissing, table, err)
		}
	}
	s.log.Debug("database schema verified")
	return nil
}

// ChainExists reports whether the chain row for the given id is present.
// Chain rows are created out-of-band; the indexer only reads them.
func (s *Store) ChainExists(ctx context.Context, chainID uint64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.bind("SELECT 1 FROM chains WHERE chain_id = ?"), chainID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query chains: %w", err)
	}
	return true, nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on every other exit path.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.log.Errorw("failed to rollback transaction", "error", err)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsTransientDBError reports whether the error is a retryable contention
// failure (deadlock, serialization failure, lock timeout).
func IsTransientDBError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return true
		}
	}

	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "deadlock") ||
		strings.Contains(errStr, "serialization") ||
		strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "database table is locked") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset")
}
