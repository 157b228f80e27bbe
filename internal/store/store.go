// Package store wraps the single relational file the core persists to:
// a write-ahead-journaled SQLite database with one serialized writer.
// No other package opens the file directly.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/glee/core/internal/glerr"
)

// Store is the sole owner of the database handle. Every repository
// borrows it through the primitives below; nothing reaches for
// *sql.DB directly outside this package.
type Store struct {
	db  *dbutil.Database
	log zerolog.Logger
}

// Options configures how the database file is opened. Path may be
// ":memory:" for tests.
type Options struct {
	Path string
	Log  zerolog.Logger
}

// Open opens (creating if absent) the database file, sets the
// concurrency pragmas the core depends on, and runs migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	raw, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, glerr.Database("open database", err)
	}
	raw.SetMaxOpenConns(1)
	if _, err := raw.ExecContext(ctx, pragmaStatements); err != nil {
		raw.Close()
		return nil, glerr.Database("set pragmas", err)
	}
	db, err := dbutil.NewWithDB(raw, "sqlite3")
	if err != nil {
		raw.Close()
		return nil, glerr.Database("wrap database handle", err)
	}
	s := &Store{db: db, log: opts.Log.With().Str("component", "store").Logger()}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

const pragmaStatements = `
PRAGMA foreign_keys = ON;
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA busy_timeout = 5000;
PRAGMA cache_size = -64000;
`

// Raw exposes the underlying dbutil handle for repositories in this
// module tree only; it is not part of the public primitive surface.
func (s *Store) Raw() *dbutil.Database { return s.db }

// Execute runs a statement with no result set, returning rows affected.
func (s *Store) Execute(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, glerr.Database(fmt.Sprintf("execute: %s", query), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, glerr.Database("rows affected", err)
	}
	return n, nil
}

// Scanner is satisfied by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// QueryOne runs scan against the single row the query returns, mapping
// sql.ErrNoRows to glerr.NotFound.
func QueryOne[T any](ctx context.Context, s *Store, query string, scan func(row Scanner) (T, error), args ...any) (T, error) {
	var zero T
	row := s.db.QueryRow(ctx, query, args...)
	v, err := scan(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return zero, glerr.NotFound("record not found")
		}
		return zero, glerr.Database(fmt.Sprintf("query_one: %s", query), err)
	}
	return v, nil
}

// QueryOptional is QueryOne but returns (zero, false, nil) instead of
// NotFound when the query returns no rows.
func QueryOptional[T any](ctx context.Context, s *Store, query string, scan func(row Scanner) (T, error), args ...any) (T, bool, error) {
	var zero T
	row := s.db.QueryRow(ctx, query, args...)
	v, err := scan(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return zero, false, nil
		}
		return zero, false, glerr.Database(fmt.Sprintf("query_optional: %s", query), err)
	}
	return v, true, nil
}

// QueryAll maps every row the query returns.
func QueryAll[T any](ctx context.Context, s *Store, query string, scan func(rows Scanner) (T, error), args ...any) ([]T, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, glerr.Database(fmt.Sprintf("query_all: %s", query), err)
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, glerr.Database("scan row", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, glerr.Database("iterate rows", err)
	}
	return out, nil
}

// Transaction acquires the writer, begins, commits on a nil return and
// rolls back otherwise (including on panic, which is re-raised after
// rollback).
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	err := s.db.DoTxn(ctx, nil, fn)
	if err != nil {
		return glerr.Database("transaction", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.RawDB.Close() }
