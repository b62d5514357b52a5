// Package sqldb provides a SQL-backed result store supporting the sqlite and
// postgres dialects.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/atlasvet/clinical-ai-gateway/internal/domain"
	"github.com/atlasvet/clinical-ai-gateway/internal/storage"
	"github.com/atlasvet/clinical-ai-gateway/internal/storage/dialect"
)

// Store is a SQL implementation of storage.ResultStore.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ storage.ResultStore = (*Store)(nil)

// Config holds database connection configuration.
type Config struct {
	Driver string // sqlite or postgres
	DSN    string
}

// New creates a SQL result store and initializes its schema.
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
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS analyses (
			id TEXT PRIMARY KEY,
			consult_id TEXT NOT NULL DEFAULT '',
			identifier TEXT NOT NULL,
			kind TEXT NOT NULL,
			modality TEXT NOT NULL,
			low_confidence INTEGER NOT NULL DEFAULT 0,
			result TEXT NOT NULL,
			created_at %s NOT NULL
		)`, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS status_checks (
			id TEXT PRIMARY KEY,
			client_name TEXT NOT NULL,
			created_at %s NOT NULL
		)`, ts),
		`CREATE INDEX IF NOT EXISTS idx_analyses_consult ON analyses(consult_id)`,
		`CREATE INDEX IF NOT EXISTS idx_analyses_identifier ON analyses(identifier)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SaveAnalysis(ctx context.Context, rec *storage.AnalysisRecord) error {
	payload, err := json.Marshal(rec.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis result: %w", err)
	}

	modality := domain.ModalityUnknown
	if rec.Result != nil {
		modality = rec.Result.Modality
	}

	query := s.dialect.Rebind(`INSERT INTO analyses
		(id, consult_id, identifier, kind, modality, low_confidence, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.ConsultID, rec.Identifier, rec.Kind, string(modality),
		rec.LowConfidence, string(payload), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save analysis: %w", err)
	}
	return nil
}

type analysisRow struct {
	ID            string    `db:"id"`
	ConsultID     string    `db:"consult_id"`
	Identifier    string    `db:"identifier"`
	Kind          string    `db:"kind"`
	Modality      string    `db:"modality"`
	LowConfidence bool      `db:"low_confidence"`
	Result        string    `db:"result"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r *analysisRow) toRecord() (*storage.AnalysisRecord, error) {
	var result domain.AnalysisResult
	if err := json.Unmarshal([]byte(r.Result), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal analysis result: %w", err)
	}
	return &storage.AnalysisRecord{
		ID:            r.ID,
		ConsultID:     r.ConsultID,
		Identifier:    r.Identifier,
		Kind:          r.Kind,
		Result:        &result,
		LowConfidence: r.LowConfidence,
		CreatedAt:     r.CreatedAt,
	}, nil
}

func (s *Store) GetAnalysis(ctx context.Context, id string) (*storage.AnalysisRecord, error) {
	query := s.dialect.Rebind(`SELECT id, consult_id, identifier, kind, modality, low_confidence, result, created_at
		FROM analyses WHERE id = ?`)

	var row analysisRow
	err := s.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("analysis %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load analysis: %w", err)
	}
	return row.toRecord()
}

func (s *Store) ListAnalysesByConsult(ctx context.Context, consultID string) ([]*storage.AnalysisRecord, error) {
	query := s.dialect.Rebind(`SELECT id, consult_id, identifier, kind, modality, low_confidence, result, created_at
		FROM analyses WHERE consult_id = ? ORDER BY created_at DESC`)

	var rows []analysisRow
	if err := s.db.SelectContext(ctx, &rows, query, consultID); err != nil {
		return nil, fmt.Errorf("failed to list analyses: %w", err)
	}

	out := make([]*storage.AnalysisRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) CreateStatusCheck(ctx context.Context, check *storage.StatusCheck) error {
	query := s.dialect.Rebind(`INSERT INTO status_checks (id, client_name, created_at) VALUES (?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, check.ID, check.ClientName, check.Timestamp); err != nil {
		return fmt.Errorf("failed to create status check: %w", err)
	}
	return nil
}

func (s *Store) ListStatusChecks(ctx context.Context, limit int) ([]*storage.StatusCheck, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.dialect.Rebind(`SELECT id, client_name, created_at FROM status_checks ORDER BY created_at DESC LIMIT ?`)

	rows, err := s.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list status checks: %w", err)
	}
	defer rows.Close()

	var out []*storage.StatusCheck
	for rows.Next() {
		var check storage.StatusCheck
		if err := rows.Scan(&check.ID, &check.ClientName, &check.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan status check: %w", err)
		}
		out = append(out, &check)
	}
	return out, rows.Err()
}
