package intake

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/IntakeLine/internal/models"
)

// UrgentDenialDays is the age of a denial at which the appeal window is treated as urgent.
const UrgentDenialDays = 45

// AppealWindowDays is how long after a denial an appeal can be filed on time.
const AppealWindowDays = 60

var crisisKeywords = []string{
	"suicid", "kill myself", "end my life", "self-harm", "self harm", "hurt myself", "overdose", "crisis",
}

// apply mutates rec and flags for one operation. On error neither is committed.
func (s *Session) apply(rec *models.IntakeRecord, flags *models.CallFlags, op Operation) (Result, error) {
	switch o := op.(type) {
	case RecordDemographics:
		return s.applyDemographics(rec, o)
	case RecordEducation:
		return applyEducation(rec, o)
	case RecordMedical:
		return s.applyMedical(rec, o)
	case RecordMedications:
		return applyMedications(rec, o)
	case RecordFunctional:
		return applyFunctional(rec, o)
	case RecordWorkHistory:
		return applyWorkHistory(rec, o)
	case RecordApplication:
		return s.applyApplication(rec, flags, o)
	case RecordSMSConsent:
		return s.applyConsent(rec, o)
	case CompleteAssessment:
		return applyAssessment(rec, o)
	case FlagUrgent:
		return applyFlagUrgent(flags, o)
	case RequestTransfer:
		flags.TransferRequested = true
		return Result{
			Transfer: true,
			Recorded: map[string]any{"transfer_requested": true, "reason": o.Reason},
			Guidance: "Tell the caller you will connect them with a staff member now, then call end_call.",
		}, nil
	case EndCall:
		return Result{
			EndCall:  true,
			Recorded: map[string]any{"reason": o.Reason},
			Guidance: "Give the caller their case reference, say a brief goodbye and stop talking.",
		}, nil
	case RequestCallback:
		return s.applyCallback(rec, o)
	default:
		return Result{}, fmt.Errorf("unsupported operation %T", op)
	}
}

func (s *Session) applyDemographics(rec *models.IntakeRecord, o RecordDemographics) (Result, error) {
	recorded := map[string]any{}
	var notes []string
	set := func(dst *string, key, value string) {
		if v := strings.TrimSpace(value); v != "" {
			*dst = v
			recorded[key] = v
		}
	}
	set(&rec.Demographics.Name, "name", o.FullName)
	set(&rec.Demographics.Phone, "phone", o.Phone)
	set(&rec.Demographics.Email, "email", o.Email)
	set(&rec.Demographics.City, "city", o.City)
	set(&rec.Demographics.State, "state", o.State)

	previousAge, hadAge := rec.AgeValue()
	if dob := strings.TrimSpace(o.DateOfBirth); dob != "" {
		parsed, err := models.ParseDate(dob)
		if err != nil {
			notes = append(notes, "Date of birth was not understood; ask for month, day and year.")
		} else {
			rec.SetDateOfBirth(parsed, s.now())
			age, _ := rec.AgeValue()
			recorded["date_of_birth"] = parsed.String()
			recorded["age"] = age
			if g := ageGuidance(age, previousAge, hadAge); g != "" {
				notes = append(notes, g)
			}
		}
	}

	if len(recorded) == 0 && len(notes) == 0 {
		return Result{}, fmt.Errorf("no demographic fields provided")
	}
	if !rec.Demographics.Complete() {
		missing := []string{}
		if rec.Demographics.Name == "" {
			missing = append(missing, "name")
		}
		if rec.Demographics.Phone == "" {
			missing = append(missing, "phone")
		}
		notes = append(notes, "Still needed: "+strings.Join(missing, " and ")+".")
	}
	return Result{Recorded: recorded, Guidance: strings.Join(notes, " ")}, nil
}

func applyEducation(rec *models.IntakeRecord, o RecordEducation) (Result, error) {
	recorded := map[string]any{}
	var guidance string
	if o.Level != "" {
		level, ok := models.ParseEducationLevel(o.Level)
		if ok {
			rec.Education.Level = level
			recorded["level"] = string(level)
			guidance = educationGuidance(level, rec)
		} else {
			guidance = fmt.Sprintf("Education level %q was not recognized; ask for the last grade completed.", o.Level)
		}
	}
	if d := strings.TrimSpace(o.Detail); d != "" {
		rec.Education.Detail = d
		recorded["detail"] = d
	}
	if len(recorded) == 0 {
		return Result{}, fmt.Errorf("unrecognized education level %q", o.Level)
	}
	return Result{Recorded: recorded, Guidance: guidance}, nil
}

func (s *Session) applyMedical(rec *models.IntakeRecord, o RecordMedical) (Result, error) {
	recorded := map[string]any{}
	var notes []string

	if len(o.Conditions) > 0 {
		var added int
		rec.Medical.Conditions, added = appendUnique(rec.Medical.Conditions, o.Conditions)
		recorded["conditions"] = rec.Medical.Conditions
		recorded["added"] = added
		tables := s.engine.Tables()
		for _, c := range o.Conditions {
			if entry, ok := tables.MatchCondition(c); ok && entry.ApprovalRate >= 0.5 {
				notes = append(notes, fmt.Sprintf("%s has a high approval rate; ask about treatment and how it limits daily activity.", c))
			}
		}
	}
	if o.Severity != "" {
		if sev, ok := models.ParseSeverity(o.Severity); ok {
			rec.Medical.Severity = sev
			recorded["severity"] = string(sev)
		} else {
			notes = append(notes, fmt.Sprintf("Severity %q was not recognized; use mild, moderate, severe or disabling.", o.Severity))
		}
	}
	if o.DurationMonths.Set {
		rec.Medical.DurationMonths = o.DurationMonths.Ptr()
		recorded["duration_months"] = o.DurationMonths.Value
		if o.DurationMonths.Value < 12 {
			notes = append(notes, "Conditions must last or be expected to last at least 12 months.")
		}
	}
	if len(o.Treatments) > 0 {
		rec.Medical.Treatments, _ = appendUnique(rec.Medical.Treatments, o.Treatments)
		recorded["treatments"] = rec.Medical.Treatments
	}
	if o.Hospitalizations.Set && o.Hospitalizations.Value >= 0 {
		rec.Medical.Hospitalizations = o.Hospitalizations.Value
		recorded["hospitalizations"] = o.Hospitalizations.Value
		if o.Hospitalizations.Value >= 3 {
			notes = append(notes, "Frequent hospitalizations strongly document severity.")
		}
	}
	if len(recorded) == 0 {
		return Result{}, fmt.Errorf("no medical fields provided")
	}
	return Result{Recorded: recorded, Guidance: strings.Join(notes, " ")}, nil
}

func applyMedications(rec *models.IntakeRecord, o RecordMedications) (Result, error) {
	if len(o.Medications) == 0 && len(o.SideEffects) == 0 {
		return Result{}, fmt.Errorf("no medications or side effects provided")
	}
	recorded := map[string]any{}
	if len(o.Medications) > 0 {
		rec.Medical.Medications, _ = appendUnique(rec.Medical.Medications, o.Medications)
		recorded["medications"] = rec.Medical.Medications
	}
	if len(o.SideEffects) > 0 {
		rec.Medical.SideEffects, _ = appendUnique(rec.Medical.SideEffects, o.SideEffects)
		recorded["side_effects"] = rec.Medical.SideEffects
	}
	var guidance string
	if n := len(rec.Medical.Medications); n >= 5 {
		guidance = fmt.Sprintf("Caller takes %d medications; ask whether side effects affect concentration or energy.", n)
	}
	return Result{Recorded: recorded, Guidance: guidance}, nil
}

func applyFunctional(rec *models.IntakeRecord, o RecordFunctional) (Result, error) {
	recorded := map[string]any{}
	f := &rec.Functional
	setInt := func(dst **int, key string, v flexInt) {
		if v.Set && v.Value >= 0 {
			*dst = v.Ptr()
			recorded[key] = v.Value
		}
	}
	setBool := func(dst *bool, key string, v flexBool) {
		if v.Set {
			*dst = v.Value
			recorded[key] = v.Value
		}
	}
	setInt(&f.SittingMinutes, "sitting_minutes", o.SittingMinutes)
	setInt(&f.StandingMinutes, "standing_minutes", o.StandingMinutes)
	setInt(&f.WalkingBlocks, "walking_blocks", o.WalkingBlocks)
	setInt(&f.LiftingPounds, "lifting_pounds", o.LiftingPounds)
	setBool(&f.Concentration, "concentration_issues", o.Concentration)
	setBool(&f.Memory, "memory_issues", o.Memory)
	setBool(&f.Social, "social_difficulties", o.Social)
	setBool(&f.NeedsToLieDown, "needs_to_lie_down", o.NeedsToLieDown)
	if o.ExpectedAbsences.Set && o.ExpectedAbsences.Value >= 0 {
		f.ExpectedAbsences = o.ExpectedAbsences.Value
		recorded["expected_monthly_absences"] = f.ExpectedAbsences
	}
	if len(o.AssistiveDevices) > 0 {
		f.AssistiveDevices, _ = appendUnique(f.AssistiveDevices, o.AssistiveDevices)
		recorded["assistive_devices"] = f.AssistiveDevices
	}
	if len(recorded) == 0 {
		return Result{}, fmt.Errorf("no functional limitation fields provided")
	}
	return Result{Recorded: recorded, Guidance: functionalGuidance(o)}, nil
}

func applyWorkHistory(rec *models.IntakeRecord, o RecordWorkHistory) (Result, error) {
	recorded := map[string]any{}
	var notes []string
	for _, j := range o.Jobs {
		title := strings.TrimSpace(j.Title)
		if title == "" {
			continue
		}
		rec.Work.Jobs = append(rec.Work.Jobs, models.Job{Title: title, Years: j.Years.Value})
	}
	if len(o.Jobs) > 0 {
		recorded["jobs"] = len(rec.Work.Jobs)
	}
	if o.HeaviestDemand != "" {
		if d, ok := models.ParsePhysicalDemand(o.HeaviestDemand); ok {
			rec.Work.HeaviestDemand = d
			recorded["heaviest_demand"] = string(d)
			if d == models.DemandSedentary {
				notes = append(notes, "Past sedentary work may still be possible; ask what prevents doing it now.")
			}
		} else {
			notes = append(notes, fmt.Sprintf("Physical demand %q was not recognized.", o.HeaviestDemand))
		}
	}
	if o.TotalYears.Set && o.TotalYears.Value >= 0 {
		rec.Work.TotalYears = o.TotalYears.Value
		recorded["total_years"] = o.TotalYears.Value
	}
	if lw := strings.TrimSpace(o.LastWorked); lw != "" {
		if d, err := models.ParseDate(lw); err == nil {
			rec.Work.LastWorked = &d
			recorded["last_worked"] = d.String()
		} else {
			notes = append(notes, "Last worked date was not understood.")
		}
	}
	if o.CurrentlyWorking.Set {
		rec.Work.CurrentlyWorking = o.CurrentlyWorking.Value
		recorded["currently_working"] = o.CurrentlyWorking.Value
		if o.CurrentlyWorking.Value {
			notes = append(notes, "Current work may count as substantial gainful activity; ask about hours and monthly earnings.")
		}
	}
	if len(recorded) == 0 {
		return Result{}, fmt.Errorf("no work history fields provided")
	}
	return Result{Recorded: recorded, Guidance: strings.Join(notes, " ")}, nil
}

func (s *Session) applyApplication(rec *models.IntakeRecord, flags *models.CallFlags, o RecordApplication) (Result, error) {
	recorded := map[string]any{}
	var notes []string
	if o.Status != "" {
		st, ok := models.ParseApplicationStatus(o.Status)
		if !ok {
			return Result{}, fmt.Errorf("unrecognized application status %q", o.Status)
		}
		rec.Application.Status = st
		recorded["status"] = string(st)
	}
	if v := strings.TrimSpace(o.DenialDate); v != "" {
		if d, err := models.ParseDate(v); err == nil {
			rec.Application.DenialDate = &d
			recorded["denial_date"] = d.String()
		} else {
			notes = append(notes, "Denial date was not understood; ask for the date on the denial letter.")
		}
	}
	if v := strings.TrimSpace(o.HearingDate); v != "" {
		if d, err := models.ParseDate(v); err == nil {
			rec.Application.HearingDate = &d
			recorded["hearing_date"] = d.String()
		} else {
			notes = append(notes, "Hearing date was not understood.")
		}
	}
	if len(recorded) == 0 {
		return Result{}, fmt.Errorf("no application fields provided")
	}

	if reason := urgencyReason(rec.Application, s.now()); reason != "" {
		raiseUrgent(flags, reason)
		recorded["urgent"] = true
		notes = append(notes, "This case is time sensitive: "+reason+". Let the caller know staff will prioritize it.")
	}
	return Result{Recorded: recorded, Guidance: strings.Join(notes, " ")}, nil
}

func (s *Session) applyConsent(rec *models.IntakeRecord, o RecordSMSConsent) (Result, error) {
	if !o.Consent.Set {
		return Result{}, fmt.Errorf("consent must be an explicit yes or no")
	}
	given := o.Consent.Value
	ts := s.now()
	rec.Consent.Given = &given
	rec.Consent.Timestamp = &ts
	if p := strings.TrimSpace(o.Phone); p != "" {
		rec.Consent.Phone = p
	} else if rec.Consent.Phone == "" {
		rec.Consent.Phone = firstNonEmpty(rec.Demographics.Phone, s.caller.Phone)
	}
	recorded := map[string]any{"consent": given}
	if rec.Consent.Phone != "" {
		recorded["phone"] = rec.Consent.Phone
	}
	guidance := ""
	if given && rec.Consent.Phone == "" {
		guidance = "Ask which number to text."
	}
	return Result{Recorded: recorded, Guidance: guidance}, nil
}

func applyAssessment(rec *models.IntakeRecord, o CompleteAssessment) (Result, error) {
	if s := strings.TrimSpace(o.Summary); s != "" {
		rec.Assessment = s
	}
	rec.Notes = append(rec.Notes, o.Notes...)
	return Result{Recorded: map[string]any{"assessment": true}}, nil
}

func applyFlagUrgent(flags *models.CallFlags, o FlagUrgent) (Result, error) {
	reason := strings.TrimSpace(o.Reason)
	if reason == "" {
		reason = "flagged urgent during call"
	}
	raiseUrgent(flags, reason)

	crisis := (o.Crisis.Set && o.Crisis.Value) || mentionsCrisis(reason)
	if crisis {
		flags.CrisisMentioned = true
	}
	res := Result{
		Recorded: map[string]any{"urgent": true, "reason": reason, "crisis": flags.CrisisMentioned},
		Guidance: "Staff will be alerted to prioritize this case.",
	}
	if crisis {
		res.Guidance = "If the caller may be in danger, share the 988 Suicide and Crisis Lifeline and offer a transfer to staff."
	}
	return res, nil
}

func (s *Session) applyCallback(rec *models.IntakeRecord, o RequestCallback) (Result, error) {
	rec.Callback = &models.CallbackRequest{
		Requested:     true,
		PreferredTime: strings.TrimSpace(o.PreferredTime),
		Reason:        strings.TrimSpace(o.Reason),
		RequestedAt:   s.now(),
	}
	return Result{
		Recorded: map[string]any{"callback": true, "preferred_time": rec.Callback.PreferredTime},
		Guidance: "Confirm the best number and time for the callback.",
	}, nil
}

func mentionsCrisis(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range crisisKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
