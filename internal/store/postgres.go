package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/IntakeLine/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return newPostgresStoreWithDB(db), nil
}

func newPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) SaveIntake(ctx context.Context, result models.IntakeResult) (string, error) {
	row, err := newIntakeRow(result)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO intakes (id, session_id, call_sid, case_ref, caller_phone, outcome, score, recommendation, urgent, started_at, ended_at, result_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			outcome = EXCLUDED.outcome,
			score = EXCLUDED.score,
			recommendation = EXCLUDED.recommendation,
			urgent = EXCLUDED.urgent,
			ended_at = EXCLUDED.ended_at,
			result_json = EXCLUDED.result_json`,
		row.id, row.sessionID, row.callSID, row.caseRef, row.callerPhone, row.outcome,
		row.score, row.recommendation, row.urgent, row.startedAt, row.endedAt, row.resultJSON)
	if err != nil {
		slog.Error("PostgresStore SaveIntake failed", "error", err, "id", row.id)
		return "", fmt.Errorf("failed to save intake %s: %w", row.id, err)
	}
	slog.Debug("PostgresStore SaveIntake succeeded", "id", row.id, "caseRef", row.caseRef)
	return row.id, nil
}

func (s *PostgresStore) GetIntake(ctx context.Context, id string) (*models.IntakeResult, error) {
	return scanIntake(s.db.QueryRowContext(ctx, `SELECT result_json FROM intakes WHERE id = $1`, id))
}

func (s *PostgresStore) ListRecentIntakes(ctx context.Context, limit int) ([]models.IntakeResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT result_json FROM intakes ORDER BY started_at DESC, id ASC LIMIT $1`, normalizeLimit(limit))
	if err != nil {
		slog.Error("PostgresStore ListRecentIntakes query failed", "error", err)
		return nil, fmt.Errorf("failed to query intakes: %w", err)
	}
	return scanIntakes(rows)
}

func (s *PostgresStore) RecordNotification(ctx context.Context, intakeID, kind string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_ledger (intake_id, kind) VALUES ($1, $2) ON CONFLICT (intake_id, kind) DO NOTHING`,
		intakeID, kind)
	if err != nil {
		return false, fmt.Errorf("record notification failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger rows affected check failed: %w", err)
	}
	return n > 0, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
