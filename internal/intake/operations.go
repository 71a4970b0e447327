package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Operation names accepted from the speech-AI backend.
const (
	OpRecordDemographics = "record_demographics"
	OpRecordEducation    = "record_education"
	OpRecordMedical      = "record_medical_conditions"
	OpRecordMedications  = "record_medications"
	OpRecordFunctional   = "record_functional_limitations"
	OpRecordWorkHistory  = "record_work_history"
	OpRecordApplication  = "record_application_status"
	OpRecordSMSConsent   = "record_sms_consent"
	OpCompleteAssessment = "complete_assessment"
	OpFlagUrgent         = "flag_urgent"
	OpRequestTransfer    = "request_transfer"
	OpEndCall            = "end_call"
	OpRequestCallback    = "request_callback"
)

// ErrUnknownOperation is returned by DecodeOperation for names outside the fixed set.
var ErrUnknownOperation = errors.New("unknown operation")

// Operation is one typed recording operation. The set is closed: only this
// package's types implement it.
type Operation interface {
	Name() string
	isOperation()
}

// RecordDemographics records identity and contact details.
type RecordDemographics struct {
	FullName    string `json:"name"`
	DateOfBirth string `json:"date_of_birth"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	City        string `json:"city"`
	State       string `json:"state"`
}

// RecordEducation records the highest education level.
type RecordEducation struct {
	Level  string `json:"level"`
	Detail string `json:"detail"`
}

// RecordMedical records conditions and treatment history.
type RecordMedical struct {
	Conditions       stringList `json:"conditions"`
	Severity         string     `json:"severity"`
	DurationMonths   flexInt    `json:"duration_months"`
	Treatments       stringList `json:"treatments"`
	Hospitalizations flexInt    `json:"hospitalizations"`
}

// RecordMedications records medications and side effects.
type RecordMedications struct {
	Medications stringList `json:"medications"`
	SideEffects stringList `json:"side_effects"`
}

// RecordFunctional records functional capacities and limitations.
type RecordFunctional struct {
	SittingMinutes   flexInt    `json:"sitting_minutes"`
	StandingMinutes  flexInt    `json:"standing_minutes"`
	WalkingBlocks    flexInt    `json:"walking_blocks"`
	LiftingPounds    flexInt    `json:"lifting_pounds"`
	Concentration    flexBool   `json:"concentration_issues"`
	Memory           flexBool   `json:"memory_issues"`
	Social           flexBool   `json:"social_difficulties"`
	NeedsToLieDown   flexBool   `json:"needs_to_lie_down"`
	ExpectedAbsences flexInt    `json:"expected_monthly_absences"`
	AssistiveDevices stringList `json:"assistive_devices"`
}

// JobArg is one past job as sent by the backend.
type JobArg struct {
	Title string    `json:"title"`
	Years flexFloat `json:"years"`
}

// RecordWorkHistory records past relevant work.
type RecordWorkHistory struct {
	Jobs             []JobArg  `json:"jobs"`
	HeaviestDemand   string    `json:"heaviest_demand"`
	TotalYears       flexFloat `json:"total_years"`
	LastWorked       string    `json:"last_worked"`
	CurrentlyWorking flexBool  `json:"currently_working"`
}

// RecordApplication records benefits application status.
type RecordApplication struct {
	Status      string `json:"status"`
	DenialDate  string `json:"denial_date"`
	HearingDate string `json:"hearing_date"`
}

// RecordSMSConsent records an explicit yes/no answer to text messages.
type RecordSMSConsent struct {
	Consent flexBool `json:"consent"`
	Phone   string   `json:"phone"`
}

// CompleteAssessment closes data collection and computes the score.
type CompleteAssessment struct {
	Summary string     `json:"summary"`
	Notes   stringList `json:"notes"`
}

// FlagUrgent raises the urgent flag.
type FlagUrgent struct {
	Reason string   `json:"reason"`
	Crisis flexBool `json:"crisis"`
}

// RequestTransfer asks for a live staff member.
type RequestTransfer struct {
	Reason string `json:"reason"`
}

// EndCall marks the conversation as concluding.
type EndCall struct {
	Reason string `json:"reason"`
}

// RequestCallback asks staff to call the caller back later.
type RequestCallback struct {
	PreferredTime string `json:"preferred_time"`
	Reason        string `json:"reason"`
}

func (RecordDemographics) Name() string { return OpRecordDemographics }
func (RecordEducation) Name() string    { return OpRecordEducation }
func (RecordMedical) Name() string      { return OpRecordMedical }
func (RecordMedications) Name() string  { return OpRecordMedications }
func (RecordFunctional) Name() string   { return OpRecordFunctional }
func (RecordWorkHistory) Name() string  { return OpRecordWorkHistory }
func (RecordApplication) Name() string  { return OpRecordApplication }
func (RecordSMSConsent) Name() string   { return OpRecordSMSConsent }
func (CompleteAssessment) Name() string { return OpCompleteAssessment }
func (FlagUrgent) Name() string         { return OpFlagUrgent }
func (RequestTransfer) Name() string    { return OpRequestTransfer }
func (EndCall) Name() string            { return OpEndCall }
func (RequestCallback) Name() string    { return OpRequestCallback }

func (RecordDemographics) isOperation() {}
func (RecordEducation) isOperation()    {}
func (RecordMedical) isOperation()      {}
func (RecordMedications) isOperation()  {}
func (RecordFunctional) isOperation()   {}
func (RecordWorkHistory) isOperation()  {}
func (RecordApplication) isOperation()  {}
func (RecordSMSConsent) isOperation()   {}
func (CompleteAssessment) isOperation() {}
func (FlagUrgent) isOperation()         {}
func (RequestTransfer) isOperation()    {}
func (EndCall) isOperation()            {}
func (RequestCallback) isOperation()    {}

// DecodeOperation maps a function-call name and JSON arguments to a typed Operation.
// Empty arguments decode to the zero value of the operation.
func DecodeOperation(name string, args []byte) (Operation, error) {
	var op Operation
	switch strings.TrimSpace(name) {
	case OpRecordDemographics:
		op = decodeInto[RecordDemographics](args)
	case OpRecordEducation:
		op = decodeInto[RecordEducation](args)
	case OpRecordMedical:
		op = decodeInto[RecordMedical](args)
	case OpRecordMedications:
		op = decodeInto[RecordMedications](args)
	case OpRecordFunctional:
		op = decodeInto[RecordFunctional](args)
	case OpRecordWorkHistory:
		op = decodeInto[RecordWorkHistory](args)
	case OpRecordApplication:
		op = decodeInto[RecordApplication](args)
	case OpRecordSMSConsent:
		op = decodeInto[RecordSMSConsent](args)
	case OpCompleteAssessment:
		op = decodeInto[CompleteAssessment](args)
	case OpFlagUrgent:
		op = decodeInto[FlagUrgent](args)
	case OpRequestTransfer:
		op = decodeInto[RequestTransfer](args)
	case OpEndCall:
		op = decodeInto[EndCall](args)
	case OpRequestCallback:
		op = decodeInto[RequestCallback](args)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	if d, ok := op.(decodeFailure); ok {
		return nil, d.err
	}
	return op, nil
}

// decodeFailure carries a decode error through the generic helper.
type decodeFailure struct {
	name string
	err  error
}

func (d decodeFailure) Name() string { return d.name }
func (decodeFailure) isOperation()   {}

func decodeInto[T Operation](args []byte) Operation {
	var v T
	trimmed := strings.TrimSpace(string(args))
	if trimmed == "" || trimmed == "null" {
		return v
	}
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return decodeFailure{name: v.Name(), err: fmt.Errorf("invalid arguments for %s: %w", v.Name(), err)}
	}
	return v
}
