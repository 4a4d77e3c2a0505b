/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package sqlitestore is the durable attempts.Store backed by a single SQLite
// database file.
//
// Every compare-and-modify operation is one conditional statement, so two
// deliveries for the same pull request can never both pass the retry ceiling
// check, whether they share a process or not.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"chainguard.dev/prloop/attempts"
	"chainguard.dev/prloop/retry"
	"chainguard.dev/prloop/workitem"
	"github.com/chainguard-dev/clog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	busyTimeout = 5000 // milliseconds

	// maxErrorLength bounds the stored agent failure text, in bytes.
	maxErrorLength = 4096
)

// DefaultClaimLease is how long a pending issue claim blocks other fix-issue
// runs for the same issue.
const DefaultClaimLease = time.Hour

// Store implements attempts.Store.
type Store struct {
	db         *sql.DB
	now        func() time.Time
	claimLease time.Duration
}

var _ attempts.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for created_at and updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithClaimLease sets how long a pending issue claim is honored before
// ClaimIssue may take it over.
func WithClaimLease(d time.Duration) Option {
	return func(s *Store) { s.claimLease = d }
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if path != ":memory:" {
		path = filepath.Clean(path)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)", path, busyTimeout)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes writers inside the process; busy_timeout
	// covers other processes sharing the file.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := retry.Do(ctx, retry.Quick(), "sqlite ping", isBusy, func() (struct{}, error) {
		return struct{}{}, db.PingContext(ctx)
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping sqlite db: %w", attempts.ErrUnavailable, err)
	}

	if err := applyMigrations(ctx, db, migrationFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{db: db, now: time.Now, claimLease: DefaultClaimLease}
	for _, opt := range opts {
		opt(s)
	}
	if s.claimLease <= 0 {
		_ = db.Close()
		return nil, fmt.Errorf("claim lease must be positive, got %s", s.claimLease)
	}
	clog.FromContext(ctx).With("path", path).Info("Opened attempt store")
	return s, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) stamp() int64 {
	return s.now().UTC().UnixMilli()
}

// GetOrCreate implements attempts.Store.
func (s *Store) GetOrCreate(ctx context.Context, key workitem.Key) (attempts.Record, error) {
	if err := key.Validate(); err != nil {
		return attempts.Record{}, err
	}
	return exec(ctx, "get or create", func() (attempts.Record, error) {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return attempts.Record{}, err
		}
		defer func() { _ = tx.Rollback() }()

		now := s.stamp()
		if _, err := tx.ExecContext(ctx, `
INSERT INTO attempts (work_key, owner, repo, number, attempts, status, last_error, created_at, updated_at)
VALUES (?, ?, ?, ?, 0, 'active', '', ?, ?)
ON CONFLICT (work_key) DO NOTHING`,
			key.String(), key.Owner, key.Repo, key.Number, now, now,
		); err != nil {
			return attempts.Record{}, err
		}

		rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecord+" WHERE work_key = ?", key.String()))
		if err != nil {
			return attempts.Record{}, err
		}
		return rec, tx.Commit()
	})
}

// Get implements attempts.Store.
func (s *Store) Get(ctx context.Context, key workitem.Key) (attempts.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord+" WHERE work_key = ?", key.String()))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return attempts.Record{}, fmt.Errorf("%s: %w", key, attempts.ErrNotFound)
	case err != nil:
		return attempts.Record{}, unavailable("get", err)
	}
	return rec, nil
}

// Increment implements attempts.Store.
func (s *Store) Increment(ctx context.Context, key workitem.Key) (int, error) {
	n, err := exec(ctx, "increment", func() (int, error) {
		var n int
		err := s.db.QueryRowContext(ctx, `
UPDATE attempts SET attempts = attempts + 1, updated_at = ?
WHERE work_key = ? AND status = 'active'
RETURNING attempts`,
			s.stamp(), key.String(),
		).Scan(&n)
		return n, err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.explainMiss(ctx, key, nil)
	}
	return n, err
}

// IncrementBelow implements attempts.Store.
func (s *Store) IncrementBelow(ctx context.Context, key workitem.Key, ceiling int) (int, error) {
	if ceiling < 1 {
		return 0, fmt.Errorf("ceiling must be at least 1, got %d", ceiling)
	}
	n, err := exec(ctx, "increment below", func() (int, error) {
		var n int
		err := s.db.QueryRowContext(ctx, `
UPDATE attempts SET attempts = attempts + 1, updated_at = ?
WHERE work_key = ? AND status = 'active' AND attempts < ?
RETURNING attempts`,
			s.stamp(), key.String(), ceiling,
		).Scan(&n)
		return n, err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.explainMiss(ctx, key, attempts.ErrCeilingReached)
	}
	return n, err
}

// MarkSucceeded implements attempts.Store.
func (s *Store) MarkSucceeded(ctx context.Context, key workitem.Key) error {
	return s.transition(ctx, key, attempts.StatusSucceeded)
}

// MarkExhausted implements attempts.Store.
func (s *Store) MarkExhausted(ctx context.Context, key workitem.Key) error {
	return s.transition(ctx, key, attempts.StatusExhausted)
}

func (s *Store) transition(ctx context.Context, key workitem.Key, to attempts.Status) error {
	affected, err := exec(ctx, "mark "+string(to), func() (int64, error) {
		res, err := s.db.ExecContext(ctx, `
UPDATE attempts SET status = ?, updated_at = ?
WHERE work_key = ? AND status = 'active'`,
			string(to), s.stamp(), key.String(),
		)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.explainMiss(ctx, key, nil)
	}
	return nil
}

// StatusOf implements attempts.Store.
func (s *Store) StatusOf(ctx context.Context, key workitem.Key) (attempts.Status, bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM attempts WHERE work_key = ?", key.String()).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, unavailable("status", err)
	}
	return attempts.Status(status), true, nil
}

// RecordFailure implements attempts.Store. An empty message clears the
// previous failure.
func (s *Store) RecordFailure(ctx context.Context, key workitem.Key, message string) error {
	message = truncateUTF8(strings.TrimSpace(message), maxErrorLength)
	affected, err := exec(ctx, "record failure", func() (int64, error) {
		res, err := s.db.ExecContext(ctx,
			"UPDATE attempts SET last_error = ?, updated_at = ? WHERE work_key = ?",
			message, s.stamp(), key.String(),
		)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", key, attempts.ErrNotFound)
	}
	return nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// List implements attempts.Store.
func (s *Store) List(ctx context.Context, limit int) ([]attempts.Record, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero, got %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, selectRecord+" ORDER BY updated_at DESC, work_key LIMIT ?", limit)
	if err != nil {
		return nil, unavailable("list", err)
	}
	defer rows.Close()

	records := make([]attempts.Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable("scan record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate records", err)
	}
	return records, nil
}

// explainMiss turns a conditional update that matched no row into the
// matching contract error. ceiling is returned when the row exists and is
// still active.
func (s *Store) explainMiss(ctx context.Context, key workitem.Key, ceiling error) error {
	status, ok, err := s.StatusOf(ctx, key)
	switch {
	case err != nil:
		return err
	case !ok:
		return fmt.Errorf("%s: %w", key, attempts.ErrNotFound)
	case status.Terminal():
		return fmt.Errorf("%s is %s: %w", key, status, attempts.ErrInvalidState)
	case ceiling != nil:
		return fmt.Errorf("%s: %w", key, ceiling)
	}
	// The row was active yet not updated: another writer changed it between
	// the two statements.
	return fmt.Errorf("%s: concurrent update: %w", key, attempts.ErrInvalidState)
}

const selectRecord = `
SELECT owner, repo, number, attempts, status, last_error, created_at, updated_at
FROM attempts`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (attempts.Record, error) {
	var (
		rec                  attempts.Record
		status               string
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&rec.Key.Owner,
		&rec.Key.Repo,
		&rec.Key.Number,
		&rec.Attempts,
		&status,
		&rec.LastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return attempts.Record{}, err
	}
	rec.Status = attempts.Status(status)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return rec, nil
}

// exec runs fn, retrying on SQLITE_BUSY. sql.ErrNoRows passes through
// unwrapped; every other failure is reported as attempts.ErrUnavailable.
func exec[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	v, err := retry.Do(ctx, retry.Quick(), "sqlite "+op, isBusy, fn)
	switch {
	case err == nil, errors.Is(err, sql.ErrNoRows):
		return v, err
	}
	return v, unavailable(op, err)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, attempts.ErrUnavailable, err)
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}
