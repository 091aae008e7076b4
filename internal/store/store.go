// Package store persists the local projection of remote issuer resources.
//
// Every projection row carries the remote last-modified instant and a local
// version. Writers read the row, decide whether the incoming observation is
// newer, and update with a version check so that a stale writer can never
// overwrite a fresher one.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateActive is returned when a second ACTIVE deposit account
	// would exist for the same local account.
	ErrDuplicateActive = errors.New("account already has an active deposit account")
	// ErrTerminalState is returned when a write would move a row out of an
	// absorbing state.
	ErrTerminalState = errors.New("row is in a terminal state")
	// ErrTokenBound is returned when a remote person token would be bound to a
	// second account, or an account would be rebound to another token.
	ErrTokenBound = errors.New("person token already bound")
	// ErrConflict is returned when optimistic writes keep losing races.
	ErrConflict = errors.New("concurrent update conflict")
)

// maxCASAttempts bounds the read-decide-write loop.
const maxCASAttempts = 5

// Store wraps a *sql.DB opened with either the pgx or the sqlite3 driver.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a store over db.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Open opens a database with the given driver name and checks connectivity.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// sqlite serializes writers; one connection keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) nowMs() int64 {
	return s.now().UnixMilli()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func toMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMs(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(b), nil
}

func decodeMap(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode integration: %w", err)
	}
	return m, nil
}
