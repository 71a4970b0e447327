package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/IntakeLine/internal/models"
)

func sampleResult(id string, started time.Time) models.IntakeResult {
	return models.IntakeResult{
		IntakeID:  id,
		SessionID: "sess-" + id,
		CallSID:   "CA" + id,
		CaseRef:   "IL-" + id,
		Caller:    models.CallerInfo{Phone: "+15550001111", State: "OH"},
		Record: models.IntakeRecord{
			Demographics: models.Demographics{Name: "Dana"},
			Medical:      models.Medical{Conditions: []string{"lumbar stenosis"}},
		},
		Scoring:   &models.ScoringResult{Score: 64, Recommendation: "accept"},
		Flags:     models.CallFlags{Urgent: true, UrgentReason: "hearing"},
		Outcome:   models.OutcomeCompleted,
		StartedAt: started,
		EndedAt:   started.Add(9 * time.Minute),
	}
}

var base = time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)

// storeContract exercises the behaviour every backend shares.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	id, err := s.SaveIntake(ctx, sampleResult("a1", base))
	require.NoError(t, err)
	assert.Equal(t, "a1", id)

	_, err = s.SaveIntake(ctx, sampleResult("b2", base.Add(time.Hour)))
	require.NoError(t, err)

	got, err := s.GetIntake(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.RecordID)
	assert.Equal(t, "IL-a1", got.CaseRef)
	assert.Equal(t, []string{"lumbar stenosis"}, got.Record.Medical.Conditions)
	require.NotNil(t, got.Scoring)
	assert.Equal(t, 64, got.Scoring.Score)
	assert.True(t, got.Flags.Urgent)
	assert.Equal(t, 9*time.Minute, got.Duration())

	_, err = s.GetIntake(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	// Re-saving replaces rather than duplicates.
	updated := sampleResult("a1", base)
	updated.Outcome = models.OutcomeTransferred
	_, err = s.SaveIntake(ctx, updated)
	require.NoError(t, err)

	list, err := s.ListRecentIntakes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b2", list[0].IntakeID)
	assert.Equal(t, "a1", list[1].IntakeID)
	assert.Equal(t, models.OutcomeTransferred, list[1].Outcome)

	list, err = s.ListRecentIntakes(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	first, err := s.RecordNotification(ctx, "a1", "sms_caller")
	require.NoError(t, err)
	assert.True(t, first)
	again, err := s.RecordNotification(ctx, "a1", "sms_caller")
	require.NoError(t, err)
	assert.False(t, again)
	other, err := s.RecordNotification(ctx, "a1", "email_staff")
	require.NoError(t, err)
	assert.True(t, other)
}

func TestInMemoryStore(t *testing.T) {
	storeContract(t, NewInMemoryStore())
}

func TestInMemoryStore_GeneratesIDAndIsolatesCopies(t *testing.T) {
	s := NewInMemoryStore()
	r := sampleResult("", base)
	id, err := s.SaveIntake(context.Background(), r)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	r.Record.Medical.Conditions[0] = "changed"
	got, err := s.GetIntake(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "lumbar stenosis", got.Record.Medical.Conditions[0])
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(t.TempDir(), "nested", "intake.db")))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	storeContract(t, s)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "intake.db")
	s1, err := NewSQLiteStore(WithSQLiteDSN(path))
	require.NoError(t, err)
	_, err = s1.SaveIntake(context.Background(), sampleResult("keep", base))
	require.NoError(t, err)
	_, err = s1.RecordNotification(context.Background(), "keep", "sms_caller")
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(WithSQLiteDSN(path))
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.GetIntake(context.Background(), "keep")
	require.NoError(t, err)
	assert.Equal(t, "IL-keep", got.CaseRef)
	first, err := s2.RecordNotification(context.Background(), "keep", "sms_caller")
	require.NoError(t, err)
	assert.False(t, first, "ledger must survive a restart")
}

func TestNewSQLiteStore_RequiresDSN(t *testing.T) {
	_, err := NewSQLiteStore()
	assert.Error(t, err)
}

func setupMockPostgres(t *testing.T) (sqlmock.Sqlmock, *PostgresStore) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mock, newPostgresStoreWithDB(db)
}

func TestPostgresStore_SaveIntake(t *testing.T) {
	mock, s := setupMockPostgres(t)
	r := sampleResult("p1", base)

	mock.ExpectExec(`INSERT INTO intakes`).
		WithArgs("p1", "sess-p1", "CAp1", "IL-p1", "+15550001111", "completed",
			64, "accept", true, base, base.Add(9*time.Minute), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := s.SaveIntake(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "p1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveIntakeUnscored(t *testing.T) {
	mock, s := setupMockPostgres(t)
	r := sampleResult("p2", base)
	r.Scoring = nil
	r.CallSID = ""

	mock.ExpectExec(`INSERT INTO intakes`).
		WithArgs("p2", "sess-p2", nil, "IL-p2", "+15550001111", "completed",
			nil, nil, true, base, base.Add(9*time.Minute), sqlmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	_, err := s.SaveIntake(context.Background(), r)
	assert.ErrorContains(t, err, "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetIntake(t *testing.T) {
	mock, s := setupMockPostgres(t)
	want := sampleResult("p3", base)
	want.RecordID = "p3"
	raw, err := json.Marshal(want)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT result_json FROM intakes WHERE id`).
		WithArgs("p3").
		WillReturnRows(sqlmock.NewRows([]string{"result_json"}).AddRow(raw))
	mock.ExpectQuery(`SELECT result_json FROM intakes WHERE id`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"result_json"}))

	got, err := s.GetIntake(context.Background(), "p3")
	require.NoError(t, err)
	assert.Equal(t, "IL-p3", got.CaseRef)
	assert.Equal(t, "p3", got.RecordID)

	_, err = s.GetIntake(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRecentIntakes(t *testing.T) {
	mock, s := setupMockPostgres(t)
	a, _ := json.Marshal(sampleResult("n1", base.Add(time.Hour)))
	b, _ := json.Marshal(sampleResult("n2", base))

	mock.ExpectQuery(`SELECT result_json FROM intakes ORDER BY started_at DESC`).
		WithArgs(DefaultListLimit).
		WillReturnRows(sqlmock.NewRows([]string{"result_json"}).AddRow(a).AddRow(b))

	list, err := s.ListRecentIntakes(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "n1", list[0].IntakeID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordNotification(t *testing.T) {
	mock, s := setupMockPostgres(t)
	mock.ExpectExec(`INSERT INTO notification_ledger`).
		WithArgs("p1", "sms_caller").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO notification_ledger`).
		WithArgs("p1", "sms_caller").
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := s.RecordNotification(context.Background(), "p1", "sms_caller")
	require.NoError(t, err)
	assert.True(t, first)
	second, err := s.RecordNotification(context.Background(), "p1", "sms_caller")
	require.NoError(t, err)
	assert.False(t, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@db:5432/intake":         "postgres",
		"postgresql://db/intake?sslmode=disable": "postgres",
		"host=db user=intake dbname=intake":      "postgres",
		"/var/lib/intakeline/intake.db":          "sqlite",
		"intake.db":                              "sqlite",
		"file:intake.db?cache=shared":            "sqlite",
	}
	for dsn, want := range tests {
		assert.Equal(t, want, DetectDSNType(dsn), dsn)
	}
}

func TestOpen(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	assert.IsType(t, &InMemoryStore{}, s)

	s, err = Open(filepath.Join(t.TempDir(), "intake.db"))
	require.NoError(t, err)
	defer s.Close()
	assert.IsType(t, &SQLiteStore{}, s)
}
