package models

import "time"

// CallFlags are explicit signals raised during a call. Once true they stay true.
type CallFlags struct {
	Urgent            bool   `json:"urgent"`
	UrgentReason      string `json:"urgent_reason,omitempty"`
	CrisisMentioned   bool   `json:"crisis_mentioned"`
	TransferRequested bool   `json:"transfer_requested"`
}

// Outcome describes how a call ended.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeCallerHungUp   Outcome = "caller_hung_up"
	OutcomeTransferred    Outcome = "transferred"
	OutcomeConnectionLost Outcome = "connection_lost"
)

// CallerInfo is carrier-supplied caller metadata.
type CallerInfo struct {
	Phone string `json:"phone,omitempty"`
	City  string `json:"city,omitempty"`
	State string `json:"state,omitempty"`
}

// IntakeResult is the finalized hand-off for persistence and notification.
type IntakeResult struct {
	IntakeID     string         `json:"intake_id"`
	SessionID    string         `json:"session_id"`
	CallSID      string         `json:"call_sid,omitempty"`
	CaseRef      string         `json:"case_ref"`
	Caller       CallerInfo     `json:"caller"`
	Record       IntakeRecord   `json:"record"`
	Scoring      *ScoringResult `json:"scoring,omitempty"`
	ScoringError string         `json:"scoring_error,omitempty"`
	Flags        CallFlags      `json:"flags"`
	Outcome      Outcome        `json:"outcome"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      time.Time      `json:"ended_at"`
	RecordID     string         `json:"record_id,omitempty"`
}

// Duration is the call length.
func (r IntakeResult) Duration() time.Duration {
	if r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// SMSDestination picks the number consent was given for, falling back to
// the recorded phone and then caller ID.
func (r IntakeResult) SMSDestination() string {
	switch {
	case r.Record.Consent.Phone != "":
		return r.Record.Consent.Phone
	case r.Record.Demographics.Phone != "":
		return r.Record.Demographics.Phone
	default:
		return r.Caller.Phone
	}
}
