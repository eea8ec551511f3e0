package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/e2ekit/internal/validation"
	"github.com/rendis/e2ekit/pkg/schema"
)

// LibSQLStore keeps failed-cleanup records in a libSQL database, for teams
// that share one record store between CI runners.
type LibSQLStore struct {
	db        *sql.DB
	validator *validation.Validator
}

// NewLibSQLStore opens a libSQL database. The path should be a file URI,
// e.g. "file:/path/to/cleanups.db", or a libsql:// URL.
func NewLibSQLStore(dbPath string, v *validation.Validator) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	if v == nil {
		v = validation.MustNew()
	}
	return &LibSQLStore{db: db, validator: v}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// schemaVersions lists the statements that bring the database from version
// i to i+1. The applied version lives in PRAGMA user_version.
var schemaVersions = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS failed_cleanups (
			session_id  TEXT PRIMARY KEY,
			recorded_at TEXT NOT NULL,
			record      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_failed_cleanups_recorded_at ON failed_cleanups (recorded_at)`,
	},
}

// Migrate applies the schema versions the database has not seen yet, each in
// its own transaction.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	for v := current; v < len(schemaVersions); v++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema version %d: %w", v+1, err)
		}
		for _, stmt := range schemaVersions[v] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("schema version %d: %w", v+1, err)
			}
		}
		// PRAGMA arguments cannot be bound.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record schema version %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit schema version %d: %w", v+1, err)
		}
	}
	return nil
}

func (s *LibSQLStore) schemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func (s *LibSQLStore) Save(ctx context.Context, rec *schema.FailedCleanupRecord) error {
	if err := checkRecord(rec); err != nil {
		return err
	}
	rec.Timestamp = timeOrNow(rec.Timestamp)
	if err := s.validator.ValidateValue(validation.SchemaRecord, rec); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO failed_cleanups (session_id, recorded_at, record) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET recorded_at=excluded.recorded_at, record=excluded.record`,
		rec.SessionID, rec.Timestamp.UTC().Format(time.RFC3339Nano), string(data),
	)
	if err != nil {
		return persistErr(rec.SessionID, err)
	}
	return nil
}

func (s *LibSQLStore) Get(ctx context.Context, sessionID string) (*schema.FailedCleanupRecord, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM failed_cleanups WHERE session_id = ?`, sessionID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound(sessionID)
	}
	if err != nil {
		return nil, err
	}
	return s.decode(sessionID, raw)
}

func (s *LibSQLStore) decode(sessionID, raw string) (*schema.FailedCleanupRecord, error) {
	if err := s.validator.ValidateBytes(validation.SchemaRecord, []byte(raw)); err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	var rec schema.FailedCleanupRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return &rec, nil
}

func (s *LibSQLStore) List(ctx context.Context) ([]*schema.FailedCleanupRecord, []error, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, record FROM failed_cleanups ORDER BY recorded_at, session_id`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var (
		recs    []*schema.FailedCleanupRecord
		invalid []error
	)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, nil, err
		}
		rec, err := s.decode(id, raw)
		if err != nil {
			invalid = append(invalid, err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, invalid, rows.Err()
}

func (s *LibSQLStore) Delete(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM failed_cleanups WHERE session_id = ?`, sessionID)
	return err
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
