// Package store is the persistence layer of the Aqua kernel: a
// single-file SQLite database opened in WAL mode, a transaction
// helper that acquires the writer slot eagerly, and a busy-retry
// loop with exponential backoff. All coordination state lives here;
// nothing in memory is authoritative between invocations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"aqua/pkg/protocol"

	_ "modernc.org/sqlite"
)

const (
	busyTimeoutMS = 5000
	maxRetries    = 5
	baseBackoff   = 100 * time.Millisecond
)

// Querier is satisfied by both *sql.DB and *sql.Tx so row helpers can
// run standalone or inside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the shared database handle.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the store at path, enforces WAL
// journal mode, a 5-second busy timeout, and restrictive file
// permissions, then applies any pending schema migrations. The
// _txlock=immediate DSN parameter makes every transaction begin as a
// write transaction, acquiring the writer slot eagerly so lock
// upgrades cannot deadlock.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMS),
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}

	if err := os.Chmod(path, 0o600); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for read-only queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the on-disk location of the store file.
func (s *Store) Path() string {
	return s.path
}

// migrate brings the schema from the recorded user_version up to
// protocol.SchemaVersion, applying each migration in its own
// transaction and bumping user_version as it goes.
func (s *Store) migrate(ctx context.Context) error {
	var current int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if current > protocol.SchemaVersion {
		return protocol.Errf(protocol.ErrConfig,
			"store schema version %d is newer than this build supports (%d)",
			current, protocol.SchemaVersion)
	}
	for v := current; v < protocol.SchemaVersion; v++ {
		if _, err := s.db.ExecContext(ctx, protocol.Migrations[v]); err != nil {
			return fmt.Errorf("apply migration %d: %w", v+1, err)
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", v+1)); err != nil {
			return fmt.Errorf("record schema version %d: %w", v+1, err)
		}
	}
	return nil
}

// SchemaVersion reports the store's recorded user_version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	return v, nil
}

// WithTx runs fn inside an immediate write transaction. On SQLITE_BUSY
// the whole transaction is retried up to five times with exponential
// backoff (100ms * 2^attempt plus jitter); any other error rolls back
// and returns unchanged.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseBackoff*(1<<attempt) + time.Duration(rand.Int63n(int64(50*time.Millisecond)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err
	}
	return &protocol.CoordError{
		Kind: protocol.ErrStoreBusy,
		Msg:  fmt.Sprintf("store still locked after %d attempts: %v", maxRetries+1, lastErr),
	}
}

func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// isBusy reports whether err is SQLite writer contention.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// nullStr converts a nullable column into its Go string, empty for NULL.
func nullStr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// toNull converts an empty string into a SQL NULL.
func toNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}
