package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/IntakeLine/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveIntake(ctx context.Context, result models.IntakeResult) (string, error) {
	row, err := newIntakeRow(result)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO intakes (id, session_id, call_sid, case_ref, caller_phone, outcome, score, recommendation, urgent, started_at, ended_at, result_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			outcome = excluded.outcome,
			score = excluded.score,
			recommendation = excluded.recommendation,
			urgent = excluded.urgent,
			ended_at = excluded.ended_at,
			result_json = excluded.result_json`,
		row.id, row.sessionID, row.callSID, row.caseRef, row.callerPhone, row.outcome,
		row.score, row.recommendation, row.urgent, row.startedAt, row.endedAt, row.resultJSON)
	if err != nil {
		slog.Error("SQLiteStore SaveIntake failed", "error", err, "id", row.id)
		return "", fmt.Errorf("failed to save intake %s: %w", row.id, err)
	}
	slog.Debug("SQLiteStore SaveIntake succeeded", "id", row.id, "caseRef", row.caseRef)
	return row.id, nil
}

func (s *SQLiteStore) GetIntake(ctx context.Context, id string) (*models.IntakeResult, error) {
	return scanIntake(s.db.QueryRowContext(ctx, `SELECT result_json FROM intakes WHERE id = ?`, id))
}

func (s *SQLiteStore) ListRecentIntakes(ctx context.Context, limit int) ([]models.IntakeResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT result_json FROM intakes ORDER BY started_at DESC, id ASC LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		slog.Error("SQLiteStore ListRecentIntakes query failed", "error", err)
		return nil, fmt.Errorf("failed to query intakes: %w", err)
	}
	return scanIntakes(rows)
}

func (s *SQLiteStore) RecordNotification(ctx context.Context, intakeID, kind string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO notification_ledger (intake_id, kind) VALUES (?, ?)`, intakeID, kind)
	if err != nil {
		return false, fmt.Errorf("record notification failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger rows affected check failed: %w", err)
	}
	return n > 0, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
