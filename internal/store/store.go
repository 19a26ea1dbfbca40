// Package store persists listeners, automations, events and tasks in a SQL
// database. Every state transition that can race (task claims, listener
// admission, automation firing) is a single conditional UPDATE whose affected
// row count decides the winner.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	kerrors "github.com/harunnryd/karakuri/internal/errors"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

type Options struct {
	Driver string
	// Path is the SQLite database file. Ignored by the other drivers.
	Path string
	// DSN is the MySQL or Postgres connection string.
	DSN          string
	MaxOpenConns int
}

type Store struct {
	db      *sql.DB
	dialect dialect
	mapper  kerrors.ErrorMapper
}

// Open connects to the configured database and applies pending migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	d, err := dialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	db, err := d.open(opts)
	if err != nil {
		return nil, kerrors.WrapWithCategory(err, "open database", kerrors.ErrTransient)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, kerrors.WrapWithCategory(err, "ping database", kerrors.ErrTransient)
	}

	s := &Store{db: db, dialect: d, mapper: kerrors.NewDefaultErrorMapper()}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Debug("Store opened", "driver", d.name)
	return s, nil
}

func openSQLite(opts Options) (*sql.DB, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, kerrors.InvalidInput("store.path is required for sqlite")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection keeps transactions serialized.
	db.SetMaxOpenConns(1)
	return db, nil
}

func openMySQL(opts Options) (*sql.DB, error) {
	dsn := opts.DSN
	// clientFoundRows makes RowsAffected count matched rows, which the
	// conditional updates rely on.
	for _, param := range []string{"parseTime=true", "clientFoundRows=true"} {
		key := strings.SplitN(param, "=", 2)[0]
		if strings.Contains(dsn, key+"=") {
			continue
		}
		if strings.Contains(dsn, "?") {
			dsn += "&" + param
		} else {
			dsn += "?" + param
		}
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	applyPoolSize(db, opts.MaxOpenConns)
	return db, nil
}

func openPostgres(opts Options) (*sql.DB, error) {
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, err
	}
	applyPoolSize(db, opts.MaxOpenConns)
	return db, nil
}

func applyPoolSize(db *sql.DB, n int) {
	if n > 0 {
		db.SetMaxOpenConns(n)
		db.SetMaxIdleConns(n)
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Driver() string {
	return s.dialect.name
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return kerrors.WrapWithCategory(err, "ping database", kerrors.ErrTransient)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, q execer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, q execer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// withTx runs fn inside a transaction, committing only when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.wrap(err, "commit transaction")
	}
	return nil
}

// wrap categorizes a driver error and prefixes the failing operation.
func (s *Store) wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	return kerrors.Wrap(s.mapper.MapError(err), op)
}

// errRollback aborts a transaction without reporting an error to the caller.
var errRollback = errors.New("rollback")

func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "23505") ||
		strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry")
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
