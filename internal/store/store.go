// Package store persists finalized intakes and the notification ledger.
//
// Three backends share one contract: an in-memory store for development and
// tests, SQLite for single-node deployments and PostgreSQL for production.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/BTreeMap/IntakeLine/internal/models"
)

// DefaultListLimit caps ListRecentIntakes when no positive limit is given.
const DefaultListLimit = 50

// ErrNotFound is returned when no intake has the requested id.
var ErrNotFound = errors.New("intake not found")

// IntakeStore persists finalized intake results.
type IntakeStore interface {
	// SaveIntake stores result and returns its record id. Saving the same
	// intake again replaces the stored copy.
	SaveIntake(ctx context.Context, result models.IntakeResult) (string, error)
	GetIntake(ctx context.Context, id string) (*models.IntakeResult, error)
	// ListRecentIntakes returns the newest intakes first.
	ListRecentIntakes(ctx context.Context, limit int) ([]models.IntakeResult, error)
	Close() error
}

// NotificationLedger records which notifications were delivered for an intake.
type NotificationLedger interface {
	// RecordNotification returns true the first time kind is recorded for
	// intakeID and false on every later call.
	RecordNotification(ctx context.Context, intakeID, kind string) (bool, error)
}

// Store is a backend providing both intake storage and the ledger.
type Store interface {
	IntakeStore
	NotificationLedger
}

// Opts holds configuration options for the persistent stores.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the path of the SQLite database file.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs and keyword DSNs and
// "sqlite" for everything else.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") || strings.Contains(d, "user=") {
		return "postgres"
	}
	return "sqlite"
}

// Open picks a backend for dsn. An empty dsn gives an in-memory store.
func Open(dsn string) (Store, error) {
	switch {
	case strings.TrimSpace(dsn) == "":
		return NewInMemoryStore(), nil
	case DetectDSNType(dsn) == "postgres":
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return DefaultListLimit
	}
	return limit
}
