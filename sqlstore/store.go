// Package sqlstore is the relational driver of the job queue. It runs on
// PostgreSQL, MySQL, or SQLite behind database/sql, selecting the claim
// algorithm once at construction time from the engine's capabilities.
package sqlstore

import (
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/eclaire-labs/jobqueue"
)

// Dialect identifies the SQL engine behind the store.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

// supportsSkipLocked reports whether the engine has a native
// FOR UPDATE SKIP LOCKED primitive.
func (d Dialect) supportsSkipLocked() bool {
	return d == Postgres || d == MySQL
}

func (d Dialect) driverName() (string, error) {
	switch d {
	case Postgres:
		return "pgx", nil
	case MySQL:
		return "mysql", nil
	case SQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("sqlstore: unknown dialect %q", d)
	}
}

const (
	jobsTable      = "jobqueue_jobs"
	schedulesTable = "jobqueue_schedules"
)

// Store gives access to jobs and schedules persisted in a relational
// database. It is safe for concurrent use; all cross-worker arbitration
// happens in the database, never in process memory.
type Store struct {
	db         *sql.DB
	dialect    Dialect
	skipLocked bool
	logger     jobqueue.Logger
	claim      claimFunc
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetLogger redirects the store's log output.
func SetLogger(logger jobqueue.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// SetSkipLocked overrides the skip-locked capability detected from the
// dialect, e.g. for MySQL versions older than 8.0.
func SetSkipLocked(enabled bool) StoreOption {
	return func(s *Store) {
		s.skipLocked = enabled
	}
}

// NewStore wraps an existing database handle. The caller keeps ownership
// of schema migration timing; call EnsureSchema before first use.
func NewStore(db *sql.DB, dialect Dialect, options ...StoreOption) *Store {
	s := &Store{
		db:         db,
		dialect:    dialect,
		skipLocked: dialect.supportsSkipLocked(),
		logger:     jobqueue.StdLogger{},
	}
	for _, opt := range options {
		opt(s)
	}
	if s.skipLocked {
		s.claim = s.claimSkipLocked
	} else {
		s.claim = s.claimSerialized
	}
	return s
}

// Open connects to the database for the given dialect and returns a
// ready Store with the schema applied.
func Open(dialect Dialect, dsn string, options ...StoreOption) (*Store, error) {
	driver, err := dialect.driverName()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if dialect == SQLite {
		// SQLite serializes writers; a single pooled connection also keeps
		// an in-memory database from being split across connections.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	s := NewStore(db, dialect, options...)
	if err := s.EnsureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle, e.g. for application migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// toSQL renders a squirrel builder for the store's dialect. Builders are
// written with ?-placeholders; Postgres gets them rewritten to $n here so
// that nested subquery expressions stay correct.
func (s *Store) toSQL(b sq.Sqlizer) (string, []interface{}, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return "", nil, err
	}
	if s.dialect == Postgres {
		query, err = sq.Dollar.ReplacePlaceholders(query)
		if err != nil {
			return "", nil, err
		}
	}
	return query, args, nil
}

// runWithRetry retries transient database errors. Only used for writes
// that are idempotent, such as token-conditioned updates.
func (s *Store) runWithRetry(fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return backoff.Retry(fn, b)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
