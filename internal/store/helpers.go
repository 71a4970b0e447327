package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/IntakeLine/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// intakeRow is the column projection of a result. The full result is kept in
// resultJSON; the other columns exist for indexing and ad-hoc queries.
type intakeRow struct {
	id             string
	sessionID      string
	callSID        interface{}
	caseRef        string
	callerPhone    interface{}
	outcome        string
	score          interface{}
	recommendation interface{}
	urgent         bool
	startedAt      time.Time
	endedAt        time.Time
	resultJSON     string
}

func newIntakeRow(result models.IntakeResult) (intakeRow, error) {
	id := recordID(result)
	result.RecordID = id
	b, err := json.Marshal(result)
	if err != nil {
		return intakeRow{}, fmt.Errorf("failed to encode intake %s: %w", id, err)
	}
	row := intakeRow{
		id:          id,
		sessionID:   result.SessionID,
		callSID:     nilIfEmpty(result.CallSID),
		caseRef:     result.CaseRef,
		callerPhone: nilIfEmpty(result.Caller.Phone),
		outcome:     string(result.Outcome),
		urgent:      result.Flags.Urgent,
		startedAt:   result.StartedAt.UTC(),
		endedAt:     result.EndedAt.UTC(),
		resultJSON:  string(b),
	}
	if result.Scoring != nil {
		row.score = result.Scoring.Score
		row.recommendation = string(result.Scoring.Recommendation)
	}
	return row, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanIntake decodes the result_json column of one row.
func scanIntake(row rowScanner) (*models.IntakeResult, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan intake failed: %w", err)
	}
	var r models.IntakeResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode intake failed: %w", err)
	}
	return &r, nil
}

func scanIntakes(rows *sql.Rows) ([]models.IntakeResult, error) {
	defer rows.Close()
	var out []models.IntakeResult
	for rows.Next() {
		r, err := scanIntake(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate intake rows: %w", err)
	}
	return out, nil
}
