// Package sqldb provides a SQL-backed rate-limit store supporting the sqlite
// and postgres dialects.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/atlasvet/clinical-ai-gateway/internal/ratelimit"
	"github.com/atlasvet/clinical-ai-gateway/internal/storage/dialect"
)

// Store is a SQL implementation of ratelimit.Store.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ ratelimit.Store = (*Store)(nil)

// Config holds database connection configuration.
type Config struct {
	Driver string // sqlite or postgres
	DSN    string
}

// New creates a SQL rate-limit store and initializes its schema.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewSQLite creates a SQLite-backed store at the given path.
func NewSQLite(dbPath string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	ts := s.dialect.TimestampType()
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rate_limits (
		identifier TEXT NOT NULL,
		action TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		window_start %s NOT NULL,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		locked_until %s,
		lockout_reason TEXT NOT NULL DEFAULT '',
		updated_at %s NOT NULL,
		PRIMARY KEY (identifier, action)
	)`, ts, ts, ts)

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

func (s *Store) Get(ctx context.Context, identifier, action string) (*ratelimit.Record, error) {
	query := s.dialect.Rebind(`SELECT identifier, action, attempt_count, window_start, consecutive_failures, locked_until, lockout_reason, updated_at
		FROM rate_limits WHERE identifier = ? AND action = ?`)

	var rec ratelimit.Record
	err := s.db.GetContext(ctx, &rec, query, identifier, action)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rate limit record: %w", err)
	}
	return &rec, nil
}

func (s *Store) Put(ctx context.Context, rec *ratelimit.Record) error {
	upsert := s.dialect.UpsertClause(
		[]string{"identifier", "action"},
		[]string{"attempt_count", "window_start", "consecutive_failures", "locked_until", "lockout_reason", "updated_at"},
	)
	query := s.dialect.Rebind(fmt.Sprintf(`INSERT INTO rate_limits
		(identifier, action, attempt_count, window_start, consecutive_failures, locked_until, lockout_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) %s`, upsert))

	_, err := s.db.ExecContext(ctx, query,
		rec.Identifier, rec.Action, rec.AttemptCount, rec.WindowStart,
		rec.ConsecutiveFailures, rec.LockedUntil, rec.LockoutReason, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rate limit record: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, identifier, action string) error {
	query := s.dialect.Rebind(`DELETE FROM rate_limits WHERE identifier = ? AND action = ?`)
	if _, err := s.db.ExecContext(ctx, query, identifier, action); err != nil {
		return fmt.Errorf("failed to delete rate limit record: %w", err)
	}
	return nil
}
