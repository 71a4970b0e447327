// Package scoring converts an intake record into a bounded decision-support score.
// The Engine is pure and safe for concurrent use; Scorer implementations add optional
// remote delegation with local fallback.
package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/BTreeMap/IntakeLine/internal/models"
)

// Breakdown keys reported on every local result.
const (
	BreakdownAgeEducation    = "age_education"
	BreakdownConditions      = "conditions"
	BreakdownMedications     = "medications"
	BreakdownFunctional      = "functional"
	BreakdownWork            = "work_history"
	BreakdownGridRule        = "grid_rule"
	BreakdownHospitalization = "hospitalization"
	BreakdownRaw             = "raw"
	BreakdownAgeMultiplier   = "age_multiplier"
)

// Engine computes scores from a fixed set of Tables.
type Engine struct {
	tables Tables
}

// Opts holds configuration options for the Engine.
type Opts struct {
	Tables *Tables
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithTables replaces the default point tables.
func WithTables(t Tables) Option {
	return func(o *Opts) {
		o.Tables = &t
	}
}

// NewEngine creates an Engine. Tables are copied and never mutated afterwards.
func NewEngine(opts ...Option) *Engine {
	cfg := Opts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	tables := DefaultTables()
	if cfg.Tables != nil {
		tables = cfg.Tables.clone()
	}
	return &Engine{tables: tables}
}

// Tables returns a copy of the engine's tables.
func (e *Engine) Tables() Tables {
	return e.tables.clone()
}

// scorecard accumulates points and narratives for one calculation.
type scorecard struct {
	t         *Tables
	raw       float64
	breakdown map[string]float64
	strengths []string
	concerns  []string
}

func (s *scorecard) add(key string, points float64) {
	s.raw += points
	s.breakdown[key] += points
}

func (s *scorecard) strength(format string, args ...any) {
	s.strengths = append(s.strengths, fmt.Sprintf(format, args...))
}

func (s *scorecard) concern(format string, args ...any) {
	s.concerns = append(s.concerns, fmt.Sprintf(format, args...))
}

// CalculateScore scores a record. It never fails: absent fields contribute nothing.
func (e *Engine) CalculateScore(record models.IntakeRecord) models.ScoringResult {
	s := &scorecard{
		t: &e.tables,
		breakdown: map[string]float64{
			BreakdownAgeEducation:    0,
			BreakdownConditions:      0,
			BreakdownMedications:     0,
			BreakdownFunctional:      0,
			BreakdownWork:            0,
			BreakdownGridRule:        0,
			BreakdownHospitalization: 0,
		},
		strengths: []string{},
		concerns:  []string{},
	}

	age, ageKnown := record.AgeValue()
	multiplier := s.scoreAge(age, ageKnown)
	s.scoreEducation(record.Education.Level, age)
	s.scoreConditions(record.Medical, age)
	s.scoreMedications(record.Medical)
	s.scoreFunctional(record.Functional)
	s.scoreWork(record.Work)
	s.scoreGridRule(record, age, ageKnown)
	s.scoreHospitalizations(record.Medical.Hospitalizations)

	base := e.tables.BaseWeight
	adjusted := s.raw*base + s.raw*(1-base)*multiplier
	score := int(math.Round(adjusted))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	s.breakdown[BreakdownRaw] = s.raw
	s.breakdown[BreakdownAgeMultiplier] = multiplier

	tier := e.tables.TierFor(score)
	return models.ScoringResult{
		Score:              score,
		Recommendation:     tier.Recommendation,
		Viability:          tier.Viability,
		ApprovalLikelihood: tier.ApprovalLikelihood,
		Strengths:          s.strengths,
		Concerns:           s.concerns,
		CallbackTimeframe:  tier.CallbackTimeframe,
		Source:             models.ScoringSourceLocal,
		Breakdown:          s.breakdown,
	}
}

func (s *scorecard) scoreAge(age int, known bool) float64 {
	if !known {
		s.concern("Age not provided; no age-based advantage applied")
		return 1.0
	}
	bracket := s.t.Bracket(age)
	if age < 50 {
		s.concern("Age %d is under 50; younger claimants must show they cannot adjust to any other work", age)
	} else {
		s.strength("Age %d falls in the %s age bracket, where age weighs in favor of approval", age, bracket.Label)
	}
	return bracket.Multiplier
}

func (s *scorecard) scoreEducation(level models.EducationLevel, age int) {
	if level == "" {
		return
	}
	table := s.t.EducationYounger
	if age >= 50 {
		table = s.t.EducationOlder
	}
	points := table[level]
	s.add(BreakdownAgeEducation, points)
	switch {
	case points < 0:
		s.concern("Education level %s suggests transferable skills", humanize(string(level)))
	case points > 0 && age >= 50:
		s.strength("Education level %s combined with age 50+ limits adjustment to other work", humanize(string(level)))
	case points > 0:
		s.strength("Education level %s limits transferable skills", humanize(string(level)))
	}
}

func (s *scorecard) scoreConditions(med models.Medical, age int) {
	severity := s.t.DefaultSeverityMultiplier
	if m, ok := s.t.SeverityMultipliers[med.Severity]; ok {
		severity = m
	}

	ageBonus := 0.0
	switch {
	case age >= 55:
		ageBonus = s.t.ConditionBonus55
	case age >= 50:
		ageBonus = s.t.ConditionBonus50
	}

	var mental, physical bool
	counted := 0
	for _, condition := range med.Conditions {
		if strings.TrimSpace(condition) == "" {
			continue
		}
		counted++
		entry, ok := s.t.MatchCondition(condition)
		if !ok {
			s.add(BreakdownConditions, s.t.UnmatchedConditionPoints*severity)
			continue
		}
		points := entry.Base*(0.3+entry.ApprovalRate*2.5)*severity + ageBonus
		s.add(BreakdownConditions, points)
		if entry.ApprovalRate >= 0.5 {
			s.strength("%s is a condition with a high approval rate", condition)
		}
		if entry.Category == CategoryMental {
			mental = true
		} else {
			physical = true
		}
	}

	if counted == 0 {
		s.concern("No medical conditions reported")
		return
	}

	if bonus := stepPoints(s.t.MultipleConditions, counted); bonus > 0 {
		s.add(BreakdownConditions, bonus)
		s.strength("%d medical conditions reported; combined effects strengthen the claim", counted)
	}
	if mental && physical {
		s.add(BreakdownConditions, s.t.ComorbidityBonus)
		s.strength("Both mental and physical impairments are present")
	}
}

func (s *scorecard) scoreMedications(med models.Medical) {
	count := 0
	for _, m := range med.Medications {
		name := strings.ToLower(strings.TrimSpace(m))
		if name == "" {
			continue
		}
		count++
		switch {
		case containsAny(name, s.t.HighSeverityMedications):
			s.add(BreakdownMedications, s.t.HighMedicationPoints)
		case containsAny(name, s.t.ModerateSeverityMedications):
			s.add(BreakdownMedications, s.t.ModerateMedicationPoints)
		default:
			s.add(BreakdownMedications, s.t.OtherMedicationPoints)
		}
	}

	if bonus := stepPoints(s.t.Polypharmacy, count); bonus > 0 {
		s.add(BreakdownMedications, bonus)
		if n := len(s.t.Polypharmacy); n > 0 && count >= s.t.Polypharmacy[n-1].Min {
			s.strength("Takes %d medications, indicating complex ongoing treatment", count)
		}
	}

	if n := len(med.SideEffects); n > 0 {
		s.add(BreakdownMedications, math.Min(float64(n)*s.t.SideEffectPoints, s.t.SideEffectCap))
	}
}

func (s *scorecard) scoreFunctional(f models.Functional) {
	fp := s.t.Functional
	if f.LiftingPounds != nil {
		switch lift := *f.LiftingPounds; {
		case lift <= fp.LiftingSevereMax:
			s.add(BreakdownFunctional, fp.LiftingSevere)
			s.strength("Can lift only %d pounds, below the sedentary work threshold", lift)
		case lift <= fp.LiftingModerateMax:
			s.add(BreakdownFunctional, fp.LiftingModerate)
			s.strength("Can lift only %d pounds, below the light work threshold", lift)
		}
	}
	if f.SittingMinutes != nil && *f.SittingMinutes <= fp.SittingMax {
		s.add(BreakdownFunctional, fp.Sitting)
		s.strength("Can sit for only %d minutes at a time", *f.SittingMinutes)
	}
	if f.StandingMinutes != nil && *f.StandingMinutes <= fp.StandingMax {
		s.add(BreakdownFunctional, fp.Standing)
		s.strength("Can stand for only %d minutes at a time", *f.StandingMinutes)
	}
	if f.WalkingBlocks != nil && *f.WalkingBlocks <= fp.WalkingMax {
		s.add(BreakdownFunctional, fp.Walking)
		s.strength("Can walk no more than %d block(s)", *f.WalkingBlocks)
	}
	if f.Concentration {
		s.add(BreakdownFunctional, fp.Concentration)
		s.strength("Reports difficulty concentrating")
	}
	if f.Memory {
		s.add(BreakdownFunctional, fp.Memory)
		s.strength("Reports memory problems")
	}
	if f.Social {
		s.add(BreakdownFunctional, fp.Social)
		s.strength("Reports difficulty interacting with others")
	}
	if f.ExpectedAbsences >= fp.AbsencesMin {
		s.add(BreakdownFunctional, fp.Absences)
		s.strength("Expects %d absences per month, which precludes competitive employment", f.ExpectedAbsences)
	}
	if f.NeedsToLieDown {
		s.add(BreakdownFunctional, fp.LieDown)
		s.strength("Needs to lie down during the day")
	}
	if n := len(f.AssistiveDevices); n > 0 {
		s.add(BreakdownFunctional, float64(n)*fp.PerAssistiveDevice)
		s.strength("Uses assistive devices: %s", strings.Join(f.AssistiveDevices, ", "))
	}
}

func (s *scorecard) scoreWork(w models.WorkHistory) {
	if w.HeaviestDemand != "" {
		points := s.t.DemandPoints[w.HeaviestDemand]
		s.add(BreakdownWork, points)
		switch {
		case points < 0:
			s.concern("Past %s work may still be possible despite limitations", humanize(string(w.HeaviestDemand)))
		case points > 0:
			s.strength("Past work at %s exertion is unlikely to be resumed", humanize(string(w.HeaviestDemand)))
		}
	}

	for _, job := range w.Jobs {
		title := strings.ToLower(job.Title)
		if containsAny(title, s.t.UnskilledKeywords) {
			s.add(BreakdownWork, s.t.UnskilledBonus)
			s.strength("Past work as %s is unskilled with no transferable skills", job.Title)
			break
		}
	}

	if s.t.LongTenureYears > 0 && w.TotalYears >= s.t.LongTenureYears {
		s.add(BreakdownWork, s.t.LongTenureBonus)
		s.strength("Long work history of %.0f years supports credibility", w.TotalYears)
	}
}

func (s *scorecard) scoreGridRule(record models.IntakeRecord, age int, ageKnown bool) {
	lift := record.Functional.LiftingPounds
	rank := record.Education.Level.Rank()
	if !ageKnown || lift == nil || rank == 0 {
		return
	}
	for _, rule := range s.t.GridRules {
		if age >= rule.MinAge && rank <= rule.MaxEducationRank && *lift <= rule.MaxLiftingPounds {
			s.add(BreakdownGridRule, rule.Bonus)
			s.strength("Meets grid rule %s: age %d, %s education, lifting limited to %d pounds",
				rule.Name, age, humanize(string(record.Education.Level)), *lift)
			return
		}
	}
}

func (s *scorecard) scoreHospitalizations(count int) {
	switch {
	case count >= s.t.FrequentHospitalizationMin:
		s.add(BreakdownHospitalization, s.t.FrequentHospitalization)
		s.strength("%d hospitalizations document the severity of the conditions", count)
	case count > 0:
		s.add(BreakdownHospitalization, float64(count)*s.t.PerHospitalization)
	}
}

func containsAny(s string, keys []string) bool {
	for _, k := range keys {
		if k != "" && strings.Contains(s, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func humanize(s string) string {
	return strings.ReplaceAll(s, "_", " ")
}
