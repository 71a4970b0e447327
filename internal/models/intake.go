// Package models defines the intake record, call flags and scoring result types
// shared by the intake session, scoring engine, persistence and notification layers.
package models

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire format for calendar dates (no time component).
const DateLayout = "2006-01-02"

// Date is a calendar date serialized as YYYY-MM-DD.
type Date struct {
	time.Time
}

// NewDate builds a Date at midnight UTC.
func NewDate(year int, month time.Month, day int) Date {
	return Date{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to its calendar date.
func DateOf(t time.Time) Date {
	return NewDate(t.Year(), t.Month(), t.Day())
}

// ParseDate accepts YYYY-MM-DD as well as a few spoken-transcription friendly layouts.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Date{}, fmt.Errorf("empty date")
	}
	layouts := []string{DateLayout, "01/02/2006", "1/2/2006", "January 2, 2006", "Jan 2, 2006", time.RFC3339}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateOf(t), nil
		}
	}
	return Date{}, fmt.Errorf("unrecognized date %q", s)
}

// String formats the date as YYYY-MM-DD.
func (d Date) String() string {
	return d.Format(DateLayout)
}

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.Format(DateLayout) + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// EducationLevel is an ordinal education attainment.
type EducationLevel string

const (
	EducationIlliterate EducationLevel = "illiterate"
	EducationMarginal   EducationLevel = "marginal"
	EducationLimited    EducationLevel = "limited"
	EducationHighSchool EducationLevel = "high_school"
	EducationCollege    EducationLevel = "college"
)

// Rank returns the ordinal position (1 = illiterate ... 5 = college), 0 when unset or unknown.
func (e EducationLevel) Rank() int {
	switch e {
	case EducationIlliterate:
		return 1
	case EducationMarginal:
		return 2
	case EducationLimited:
		return 3
	case EducationHighSchool:
		return 4
	case EducationCollege:
		return 5
	}
	return 0
}

// ParseEducationLevel normalizes free-form education descriptions.
func ParseEducationLevel(s string) (EducationLevel, bool) {
	v := normalizeEnum(s)
	switch v {
	case "illiterate", "none", "no_school", "cannot_read":
		return EducationIlliterate, true
	case "marginal", "elementary", "grade_school", "6th_grade_or_less":
		return EducationMarginal, true
	case "limited", "some_high_school", "7th_11th_grade", "middle_school":
		return EducationLimited, true
	case "high_school", "ged", "high_school_diploma", "hs":
		return EducationHighSchool, true
	case "college", "some_college", "associates", "bachelors", "graduate", "degree":
		return EducationCollege, true
	}
	return "", false
}

// Severity is an ordinal medical severity.
type Severity string

const (
	SeverityMild      Severity = "mild"
	SeverityModerate  Severity = "moderate"
	SeveritySevere    Severity = "severe"
	SeverityDisabling Severity = "disabling"
)

// Rank returns the ordinal position (1 = mild ... 4 = disabling), 0 when unset.
func (s Severity) Rank() int {
	switch s {
	case SeverityMild:
		return 1
	case SeverityModerate:
		return 2
	case SeveritySevere:
		return 3
	case SeverityDisabling:
		return 4
	}
	return 0
}

// ParseSeverity normalizes a severity string.
func ParseSeverity(s string) (Severity, bool) {
	switch normalizeEnum(s) {
	case "mild", "minor", "low":
		return SeverityMild, true
	case "moderate", "medium":
		return SeverityModerate, true
	case "severe", "serious", "high":
		return SeveritySevere, true
	case "disabling", "extreme", "very_severe", "totally_disabling":
		return SeverityDisabling, true
	}
	return "", false
}

// PhysicalDemand is the exertional level of past work.
type PhysicalDemand string

const (
	DemandSedentary PhysicalDemand = "sedentary"
	DemandLight     PhysicalDemand = "light"
	DemandMedium    PhysicalDemand = "medium"
	DemandHeavy     PhysicalDemand = "heavy"
	DemandVeryHeavy PhysicalDemand = "very_heavy"
)

// Rank returns the ordinal position (1 = sedentary ... 5 = very heavy), 0 when unset.
func (p PhysicalDemand) Rank() int {
	switch p {
	case DemandSedentary:
		return 1
	case DemandLight:
		return 2
	case DemandMedium:
		return 3
	case DemandHeavy:
		return 4
	case DemandVeryHeavy:
		return 5
	}
	return 0
}

// ParsePhysicalDemand normalizes a physical demand level.
func ParsePhysicalDemand(s string) (PhysicalDemand, bool) {
	switch normalizeEnum(s) {
	case "sedentary", "desk", "seated":
		return DemandSedentary, true
	case "light":
		return DemandLight, true
	case "medium", "moderate":
		return DemandMedium, true
	case "heavy":
		return DemandHeavy, true
	case "very_heavy", "veryheavy", "extra_heavy":
		return DemandVeryHeavy, true
	}
	return "", false
}

// ApplicationStatus tracks where the caller is in the benefits process.
type ApplicationStatus string

const (
	StatusNeverApplied          ApplicationStatus = "never_applied"
	StatusWaiting               ApplicationStatus = "waiting"
	StatusDeniedInitial         ApplicationStatus = "denied_initial"
	StatusDeniedReconsideration ApplicationStatus = "denied_reconsideration"
	StatusHearingPending        ApplicationStatus = "hearing_pending"
	StatusHearingScheduled      ApplicationStatus = "hearing_scheduled"
)

// Rank returns the ordinal position in the application pipeline, 0 when unset.
func (a ApplicationStatus) Rank() int {
	switch a {
	case StatusNeverApplied:
		return 1
	case StatusWaiting:
		return 2
	case StatusDeniedInitial:
		return 3
	case StatusDeniedReconsideration:
		return 4
	case StatusHearingPending:
		return 5
	case StatusHearingScheduled:
		return 6
	}
	return 0
}

// IsDenied reports whether the status follows a denial.
func (a ApplicationStatus) IsDenied() bool {
	return a == StatusDeniedInitial || a == StatusDeniedReconsideration
}

// ParseApplicationStatus normalizes an application status string.
func ParseApplicationStatus(s string) (ApplicationStatus, bool) {
	switch normalizeEnum(s) {
	case "never_applied", "not_applied", "none", "new":
		return StatusNeverApplied, true
	case "waiting", "pending", "applied", "pending_initial":
		return StatusWaiting, true
	case "denied_initial", "denied", "initial_denial":
		return StatusDeniedInitial, true
	case "denied_reconsideration", "reconsideration_denied", "denied_recon":
		return StatusDeniedReconsideration, true
	case "hearing_pending", "hearing_requested":
		return StatusHearingPending, true
	case "hearing_scheduled", "hearing_set":
		return StatusHearingScheduled, true
	}
	return "", false
}

func normalizeEnum(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "-", "_", "/", "_").Replace(s)
	return s
}

// Demographics holds identity and contact facts.
type Demographics struct {
	Name        string `json:"name,omitempty"`
	DateOfBirth *Date  `json:"date_of_birth,omitempty"`
	Age         *int   `json:"age,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`
	City        string `json:"city,omitempty"`
	State       string `json:"state,omitempty"`
}

// Complete reports whether the required identity fields are present.
func (d Demographics) Complete() bool {
	return strings.TrimSpace(d.Name) != "" && strings.TrimSpace(d.Phone) != ""
}

// Education holds attainment level and detail.
type Education struct {
	Level  EducationLevel `json:"level,omitempty"`
	Detail string         `json:"detail,omitempty"`
}

// Medical holds conditions, treatment and medication facts.
type Medical struct {
	Conditions       []string `json:"conditions,omitempty"`
	Severity         Severity `json:"severity,omitempty"`
	DurationMonths   *int     `json:"duration_months,omitempty"`
	Treatments       []string `json:"treatments,omitempty"`
	Hospitalizations int      `json:"hospitalizations,omitempty"`
	Medications      []string `json:"medications,omitempty"`
	SideEffects      []string `json:"side_effects,omitempty"`
}

// Functional holds reported functional capacities and limitations.
type Functional struct {
	SittingMinutes   *int     `json:"sitting_minutes,omitempty"`
	StandingMinutes  *int     `json:"standing_minutes,omitempty"`
	WalkingBlocks    *int     `json:"walking_blocks,omitempty"`
	LiftingPounds    *int     `json:"lifting_pounds,omitempty"`
	Concentration    bool     `json:"concentration_issues,omitempty"`
	Memory           bool     `json:"memory_issues,omitempty"`
	Social           bool     `json:"social_difficulties,omitempty"`
	NeedsToLieDown   bool     `json:"needs_to_lie_down,omitempty"`
	ExpectedAbsences int      `json:"expected_monthly_absences,omitempty"`
	AssistiveDevices []string `json:"assistive_devices,omitempty"`
}

// Job is one past position.
type Job struct {
	Title string  `json:"title"`
	Years float64 `json:"years,omitempty"`
}

// WorkHistory holds past relevant work.
type WorkHistory struct {
	Jobs             []Job          `json:"jobs,omitempty"`
	HeaviestDemand   PhysicalDemand `json:"heaviest_demand,omitempty"`
	TotalYears       float64        `json:"total_years,omitempty"`
	LastWorked       *Date          `json:"last_worked,omitempty"`
	CurrentlyWorking bool           `json:"currently_working,omitempty"`
}

// Application holds the benefits application status.
type Application struct {
	Status      ApplicationStatus `json:"status,omitempty"`
	DenialDate  *Date             `json:"denial_date,omitempty"`
	HearingDate *Date             `json:"hearing_date,omitempty"`
}

// Consent records an explicit SMS consent answer. Given is nil until asked.
type Consent struct {
	Given     *bool      `json:"given,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Phone     string     `json:"phone,omitempty"`
}

// Granted reports an explicit affirmative answer; absence counts as no.
func (c Consent) Granted() bool {
	return c.Given != nil && *c.Given
}

// CallbackRequest is an out-of-band request for a human to call back.
type CallbackRequest struct {
	Requested     bool      `json:"requested"`
	PreferredTime string    `json:"preferred_time,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	RequestedAt   time.Time `json:"requested_at"`
}

// Role identifies the transcript speaker.
type Role string

const (
	RoleAssistant Role = "assistant"
	RoleCaller    Role = "caller"
	RoleSystem    Role = "system"
)

// TranscriptEntry is one assembled utterance.
type TranscriptEntry struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// IntakeRecord is the accumulating case file for one call.
type IntakeRecord struct {
	Demographics Demographics      `json:"demographics"`
	Education    Education         `json:"education"`
	Medical      Medical           `json:"medical"`
	Functional   Functional        `json:"functional"`
	Work         WorkHistory       `json:"work_history"`
	Application  Application       `json:"application"`
	Consent      Consent           `json:"consent"`
	Callback     *CallbackRequest  `json:"callback,omitempty"`
	Assessment   string            `json:"assessment_summary,omitempty"`
	Notes        []string          `json:"notes,omitempty"`
	Transcript   []TranscriptEntry `json:"transcript,omitempty"`
}

// SetDateOfBirth stores the birth date and recomputes age relative to today.
func (r *IntakeRecord) SetDateOfBirth(dob Date, today time.Time) {
	d := dob
	r.Demographics.DateOfBirth = &d
	age := AgeOn(dob, today)
	r.Demographics.Age = &age
}

// AppendTranscript appends an utterance; the transcript is never rewritten.
func (r *IntakeRecord) AppendTranscript(entry TranscriptEntry) {
	r.Transcript = append(r.Transcript, entry)
}

// AgeValue returns the derived age and whether it is known.
func (r IntakeRecord) AgeValue() (int, bool) {
	if r.Demographics.Age == nil {
		return 0, false
	}
	return *r.Demographics.Age, true
}

// Clone returns a deep copy suitable for handing to other goroutines.
func (r IntakeRecord) Clone() IntakeRecord {
	out := r
	out.Demographics.DateOfBirth = cloneDate(r.Demographics.DateOfBirth)
	out.Demographics.Age = cloneInt(r.Demographics.Age)
	out.Medical.Conditions = cloneStrings(r.Medical.Conditions)
	out.Medical.DurationMonths = cloneInt(r.Medical.DurationMonths)
	out.Medical.Treatments = cloneStrings(r.Medical.Treatments)
	out.Medical.Medications = cloneStrings(r.Medical.Medications)
	out.Medical.SideEffects = cloneStrings(r.Medical.SideEffects)
	out.Functional.SittingMinutes = cloneInt(r.Functional.SittingMinutes)
	out.Functional.StandingMinutes = cloneInt(r.Functional.StandingMinutes)
	out.Functional.WalkingBlocks = cloneInt(r.Functional.WalkingBlocks)
	out.Functional.LiftingPounds = cloneInt(r.Functional.LiftingPounds)
	out.Functional.AssistiveDevices = cloneStrings(r.Functional.AssistiveDevices)
	if r.Work.Jobs != nil {
		out.Work.Jobs = append([]Job(nil), r.Work.Jobs...)
	}
	out.Work.LastWorked = cloneDate(r.Work.LastWorked)
	out.Application.DenialDate = cloneDate(r.Application.DenialDate)
	out.Application.HearingDate = cloneDate(r.Application.HearingDate)
	if r.Consent.Given != nil {
		g := *r.Consent.Given
		out.Consent.Given = &g
	}
	if r.Consent.Timestamp != nil {
		ts := *r.Consent.Timestamp
		out.Consent.Timestamp = &ts
	}
	if r.Callback != nil {
		cb := *r.Callback
		out.Callback = &cb
	}
	out.Notes = cloneStrings(r.Notes)
	if r.Transcript != nil {
		out.Transcript = append([]TranscriptEntry(nil), r.Transcript...)
	}
	return out
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneDate(p *Date) *Date {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
