package intake

import (
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/IntakeLine/internal/models"
)

var ageThresholds = []struct {
	age  int
	text string
}{
	{60, "Caller is 60 or older, the most favorable age category."},
	{55, "Caller is 55 or older (advanced age); ask about past work and lifting to check the grid rules."},
	{50, "Caller is 50 or older (closely approaching advanced age); education and past work now carry more weight."},
}

// ageGuidance describes the age bracket reached, or a crossing if the age changed.
func ageGuidance(age, previous int, hadPrevious bool) string {
	for _, t := range ageThresholds {
		if age >= t.age {
			if hadPrevious && previous < t.age {
				return fmt.Sprintf("Age updated from %d to %d. %s", previous, age, t.text)
			}
			return t.text
		}
	}
	return "Caller is under 50; focus on how limitations rule out any full-time work."
}

func educationGuidance(level models.EducationLevel, rec *models.IntakeRecord) string {
	age, known := rec.AgeValue()
	switch {
	case level == models.EducationCollege:
		return "College education suggests transferable skills; ask about any skilled work the caller can no longer do."
	case level.Rank() <= models.EducationLimited.Rank() && known && age >= 50:
		return "Limited education at age 50 or older strengthens the case under the grid rules."
	case level.Rank() <= models.EducationLimited.Rank():
		return "Limited education reduces transferable skills."
	}
	return ""
}

func functionalGuidance(o RecordFunctional) string {
	var notes []string
	if o.LiftingPounds.Set {
		switch lift := o.LiftingPounds.Value; {
		case lift <= 10:
			notes = append(notes, fmt.Sprintf("Lifting limited to %d pounds rules out even sedentary work requirements.", lift))
		case lift <= 20:
			notes = append(notes, fmt.Sprintf("Lifting limited to %d pounds rules out light work.", lift))
		}
	}
	if o.ExpectedAbsences.Set && o.ExpectedAbsences.Value >= 2 {
		notes = append(notes, fmt.Sprintf("%d absences a month precludes competitive employment.", o.ExpectedAbsences.Value))
	}
	if o.NeedsToLieDown.Set && o.NeedsToLieDown.Value {
		notes = append(notes, "Needing to lie down during the day is a strong limitation; ask how long and how often.")
	}
	return strings.Join(notes, " ")
}

// urgencyReason returns why an application is time sensitive, or "".
func urgencyReason(app models.Application, now time.Time) string {
	if app.Status == models.StatusHearingScheduled {
		if app.HearingDate != nil {
			return "hearing scheduled for " + app.HearingDate.String()
		}
		return "hearing scheduled"
	}
	if app.DenialDate != nil {
		days := models.DaysSince(*app.DenialDate, now)
		switch {
		case days > AppealWindowDays:
			return fmt.Sprintf("denial was %d days ago and the %d day appeal window has passed; a late appeal needs good cause or a new application", days, AppealWindowDays)
		case days >= UrgentDenialDays:
			return fmt.Sprintf("denial was %d days ago and the %d day appeal window closes in %d days", days, AppealWindowDays, AppealWindowDays-days)
		}
	}
	return ""
}

func assessmentGuidance(score models.ScoringResult) string {
	return fmt.Sprintf("Assessment recorded. Tell the caller a specialist will follow up (%s), then ask if they have questions before ending the call.",
		strings.ToLower(score.CallbackTimeframe))
}
