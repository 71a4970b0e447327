package scoring

import (
	"strings"

	"github.com/BTreeMap/IntakeLine/internal/models"
)

// Category groups reference conditions for the comorbidity bonus.
type Category string

const (
	CategoryPhysical Category = "physical"
	CategoryMental   Category = "mental"
)

// AgeBracket applies to ages >= MinAge until the next bracket.
type AgeBracket struct {
	MinAge     int
	Label      string
	Multiplier float64
}

// ConditionEntry is one row of the reference condition table.
type ConditionEntry struct {
	Key          string
	Base         float64
	ApprovalRate float64
	Category     Category
}

// Step is a count-gated bonus; the highest step whose Min is reached applies.
type Step struct {
	Min    int
	Points float64
}

// GridRule combines age, education and lifting capacity into a composite bonus.
// A rule holds when age >= MinAge, education rank <= MaxEducationRank and lifting <= MaxLiftingPounds.
type GridRule struct {
	Name             string
	MinAge           int
	MaxEducationRank int
	MaxLiftingPounds int
	Bonus            float64
}

// Tier maps a minimum score to a recommendation and its labels.
type Tier struct {
	MinScore           int
	Recommendation     models.Recommendation
	Viability          string
	ApprovalLikelihood string
	CallbackTimeframe  string
}

// FunctionalPoints holds the threshold-gated functional limitation values.
type FunctionalPoints struct {
	LiftingSevereMax   int
	LiftingSevere      float64
	LiftingModerateMax int
	LiftingModerate    float64
	SittingMax         int
	Sitting            float64
	StandingMax        int
	Standing           float64
	WalkingMax         int
	Walking            float64
	Concentration      float64
	Memory             float64
	Social             float64
	AbsencesMin        int
	Absences           float64
	LieDown            float64
	PerAssistiveDevice float64
}

// Tables is the swappable point configuration read by the Engine.
// Conditions and GridRules are ordered: first match wins for conditions,
// first holding rule wins for grid rules. Tiers are ascending by MinScore.
type Tables struct {
	AgeBrackets []AgeBracket

	EducationOlder   map[models.EducationLevel]float64
	EducationYounger map[models.EducationLevel]float64

	Conditions                []ConditionEntry
	SeverityMultipliers       map[models.Severity]float64
	DefaultSeverityMultiplier float64
	UnmatchedConditionPoints  float64
	ConditionBonus55          float64
	ConditionBonus50          float64
	MultipleConditions        []Step
	ComorbidityBonus          float64

	HighSeverityMedications     []string
	ModerateSeverityMedications []string
	HighMedicationPoints        float64
	ModerateMedicationPoints    float64
	OtherMedicationPoints       float64
	Polypharmacy                []Step
	SideEffectPoints            float64
	SideEffectCap               float64

	Functional FunctionalPoints

	DemandPoints      map[models.PhysicalDemand]float64
	UnskilledKeywords []string
	UnskilledBonus    float64
	LongTenureYears   float64
	LongTenureBonus   float64

	GridRules []GridRule

	FrequentHospitalizationMin int
	FrequentHospitalization    float64
	PerHospitalization         float64

	BaseWeight float64

	Tiers []Tier
}

// DefaultTables returns the built-in reference configuration.
func DefaultTables() Tables {
	return Tables{
		AgeBrackets: []AgeBracket{
			{MinAge: 0, Label: "under 50", Multiplier: 1.0},
			{MinAge: 50, Label: "50-54", Multiplier: 1.15},
			{MinAge: 55, Label: "55-59", Multiplier: 1.3},
			{MinAge: 60, Label: "60+", Multiplier: 1.45},
		},
		EducationOlder: map[models.EducationLevel]float64{
			models.EducationIlliterate: 15,
			models.EducationMarginal:   12,
			models.EducationLimited:    10,
			models.EducationHighSchool: 3,
			models.EducationCollege:    -5,
		},
		EducationYounger: map[models.EducationLevel]float64{
			models.EducationIlliterate: 8,
			models.EducationMarginal:   6,
			models.EducationLimited:    4,
			models.EducationHighSchool: 0,
			models.EducationCollege:    -5,
		},
		Conditions: []ConditionEntry{
			{Key: "rheumatoid arthritis", Base: 15, ApprovalRate: 0.4, Category: CategoryPhysical},
			{Key: "arthritis", Base: 12, ApprovalRate: 0.3, Category: CategoryPhysical},
			{Key: "degenerative disc", Base: 18, ApprovalRate: 0.45, Category: CategoryPhysical},
			{Key: "spinal stenosis", Base: 20, ApprovalRate: 0.5, Category: CategoryPhysical},
			{Key: "herniated disc", Base: 17, ApprovalRate: 0.4, Category: CategoryPhysical},
			{Key: "back pain", Base: 15, ApprovalRate: 0.35, Category: CategoryPhysical},
			{Key: "fibromyalgia", Base: 12, ApprovalRate: 0.3, Category: CategoryPhysical},
			{Key: "multiple sclerosis", Base: 25, ApprovalRate: 0.65, Category: CategoryPhysical},
			{Key: "parkinson", Base: 25, ApprovalRate: 0.7, Category: CategoryPhysical},
			{Key: "epilepsy", Base: 20, ApprovalRate: 0.5, Category: CategoryPhysical},
			{Key: "seizure", Base: 20, ApprovalRate: 0.5, Category: CategoryPhysical},
			{Key: "heart failure", Base: 25, ApprovalRate: 0.6, Category: CategoryPhysical},
			{Key: "coronary", Base: 18, ApprovalRate: 0.45, Category: CategoryPhysical},
			{Key: "heart disease", Base: 18, ApprovalRate: 0.45, Category: CategoryPhysical},
			{Key: "copd", Base: 20, ApprovalRate: 0.55, Category: CategoryPhysical},
			{Key: "diabetes", Base: 12, ApprovalRate: 0.3, Category: CategoryPhysical},
			{Key: "neuropathy", Base: 15, ApprovalRate: 0.4, Category: CategoryPhysical},
			{Key: "cancer", Base: 30, ApprovalRate: 0.7, Category: CategoryPhysical},
			{Key: "kidney failure", Base: 25, ApprovalRate: 0.65, Category: CategoryPhysical},
			{Key: "renal", Base: 25, ApprovalRate: 0.65, Category: CategoryPhysical},
			{Key: "stroke", Base: 22, ApprovalRate: 0.55, Category: CategoryPhysical},
			{Key: "depression", Base: 14, ApprovalRate: 0.35, Category: CategoryMental},
			{Key: "bipolar", Base: 20, ApprovalRate: 0.5, Category: CategoryMental},
			{Key: "schizophrenia", Base: 28, ApprovalRate: 0.7, Category: CategoryMental},
			{Key: "ptsd", Base: 16, ApprovalRate: 0.4, Category: CategoryMental},
			{Key: "post-traumatic", Base: 16, ApprovalRate: 0.4, Category: CategoryMental},
			{Key: "anxiety", Base: 12, ApprovalRate: 0.3, Category: CategoryMental},
			{Key: "intellectual disability", Base: 25, ApprovalRate: 0.65, Category: CategoryMental},
			{Key: "autism", Base: 20, ApprovalRate: 0.5, Category: CategoryMental},
		},
		SeverityMultipliers: map[models.Severity]float64{
			models.SeverityMild:      0.6,
			models.SeverityModerate:  0.85,
			models.SeveritySevere:    1.1,
			models.SeverityDisabling: 1.3,
		},
		DefaultSeverityMultiplier: 0.85,
		UnmatchedConditionPoints:  5,
		ConditionBonus55:          10,
		ConditionBonus50:          5,
		MultipleConditions:        []Step{{Min: 2, Points: 5}, {Min: 3, Points: 8}, {Min: 4, Points: 12}},
		ComorbidityBonus:          8,

		HighSeverityMedications: []string{
			"oxycodone", "hydrocodone", "morphine", "fentanyl", "methadone", "buprenorphine", "opioid",
			"percocet", "vicodin", "dilaudid", "hydromorphone",
			"clozapine", "olanzapine", "quetiapine", "risperidone", "aripiprazole", "haloperidol", "antipsychotic",
			"lithium", "chemotherapy", "insulin",
		},
		ModerateSeverityMedications: []string{
			"gabapentin", "pregabalin", "lyrica", "cyclobenzaprine", "tizanidine", "baclofen", "tramadol",
			"sertraline", "fluoxetine", "citalopram", "escitalopram", "paroxetine", "venlafaxine", "duloxetine",
			"bupropion", "trazodone", "mirtazapine", "amitriptyline",
			"alprazolam", "lorazepam", "clonazepam", "diazepam", "xanax", "ativan", "klonopin",
			"lamotrigine", "levetiracetam", "topiramate",
		},
		HighMedicationPoints:     4,
		ModerateMedicationPoints: 2,
		OtherMedicationPoints:    1,
		Polypharmacy:             []Step{{Min: 5, Points: 3}, {Min: 7, Points: 5}, {Min: 10, Points: 8}},
		SideEffectPoints:         1,
		SideEffectCap:            5,

		Functional: FunctionalPoints{
			LiftingSevereMax:   10,
			LiftingSevere:      12,
			LiftingModerateMax: 20,
			LiftingModerate:    6,
			SittingMax:         30,
			Sitting:            6,
			StandingMax:        15,
			Standing:           6,
			WalkingMax:         1,
			Walking:            6,
			Concentration:      5,
			Memory:             4,
			Social:             4,
			AbsencesMin:        2,
			Absences:           15,
			LieDown:            8,
			PerAssistiveDevice: 3,
		},

		DemandPoints: map[models.PhysicalDemand]float64{
			models.DemandVeryHeavy: 10,
			models.DemandHeavy:     8,
			models.DemandMedium:    5,
			models.DemandLight:     2,
			models.DemandSedentary: -5,
		},
		UnskilledKeywords: []string{
			"laborer", "warehouse", "construction", "cashier", "janitor", "custodian",
			"housekeep", "dishwasher", "farm", "factory", "assembly", "landscap", "mover",
			"stocker", "cook", "driver", "cleaner", "packer", "forklift",
		},
		UnskilledBonus:  5,
		LongTenureYears: 20,
		LongTenureBonus: 5,

		GridRules: []GridRule{
			{Name: "201", MinAge: 50, MaxEducationRank: models.EducationHighSchool.Rank(), MaxLiftingPounds: 10, Bonus: 15},
			{Name: "202", MinAge: 55, MaxEducationRank: models.EducationHighSchool.Rank(), MaxLiftingPounds: 20, Bonus: 12},
			{Name: "203", MinAge: 55, MaxEducationRank: models.EducationLimited.Rank(), MaxLiftingPounds: 50, Bonus: 8},
		},

		FrequentHospitalizationMin: 3,
		FrequentHospitalization:    10,
		PerHospitalization:         3,

		BaseWeight: 0.7,

		Tiers: []Tier{
			{MinScore: 0, Recommendation: models.RecommendationNotRecommended, Viability: "Very Low", ApprovalLikelihood: "Very Unlikely", CallbackTimeframe: "No callback needed"},
			{MinScore: 10, Recommendation: models.RecommendationUnlikely, Viability: "Low", ApprovalLikelihood: "Unlikely", CallbackTimeframe: "Within 2 weeks"},
			{MinScore: 30, Recommendation: models.RecommendationPossible, Viability: "Moderate", ApprovalLikelihood: "Possible", CallbackTimeframe: "Within 1 week"},
			{MinScore: 50, Recommendation: models.RecommendationRecommended, Viability: "High", ApprovalLikelihood: "Likely", CallbackTimeframe: "Within 48 hours"},
			{MinScore: 70, Recommendation: models.RecommendationHighlyRecommended, Viability: "Very High", ApprovalLikelihood: "Very Likely", CallbackTimeframe: "Within 24 hours"},
		},
	}
}

// MatchCondition returns the first reference entry whose key is a case-insensitive
// substring of the condition text.
func (t Tables) MatchCondition(condition string) (ConditionEntry, bool) {
	c := strings.ToLower(condition)
	for _, entry := range t.Conditions {
		if strings.Contains(c, strings.ToLower(entry.Key)) {
			return entry, true
		}
	}
	return ConditionEntry{}, false
}

// Bracket returns the age bracket for age.
func (t Tables) Bracket(age int) AgeBracket {
	selected := AgeBracket{Label: "unknown", Multiplier: 1.0}
	for _, b := range t.AgeBrackets {
		if age >= b.MinAge {
			selected = b
		}
	}
	return selected
}

// TierFor returns the highest tier whose MinScore is reached.
func (t Tables) TierFor(score int) Tier {
	selected := Tier{Recommendation: models.RecommendationNotRecommended}
	if len(t.Tiers) > 0 {
		selected = t.Tiers[0]
	}
	for _, tier := range t.Tiers {
		if score >= tier.MinScore {
			selected = tier
		}
	}
	return selected
}

func (t Tables) clone() Tables {
	out := t
	out.AgeBrackets = append([]AgeBracket(nil), t.AgeBrackets...)
	out.EducationOlder = cloneMap(t.EducationOlder)
	out.EducationYounger = cloneMap(t.EducationYounger)
	out.Conditions = append([]ConditionEntry(nil), t.Conditions...)
	out.SeverityMultipliers = cloneMap(t.SeverityMultipliers)
	out.MultipleConditions = append([]Step(nil), t.MultipleConditions...)
	out.HighSeverityMedications = append([]string(nil), t.HighSeverityMedications...)
	out.ModerateSeverityMedications = append([]string(nil), t.ModerateSeverityMedications...)
	out.Polypharmacy = append([]Step(nil), t.Polypharmacy...)
	out.DemandPoints = cloneMap(t.DemandPoints)
	out.UnskilledKeywords = append([]string(nil), t.UnskilledKeywords...)
	out.GridRules = append([]GridRule(nil), t.GridRules...)
	out.Tiers = append([]Tier(nil), t.Tiers...)
	return out
}

func cloneMap[K comparable](m map[K]float64) map[K]float64 {
	if m == nil {
		return nil
	}
	out := make(map[K]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func stepPoints(steps []Step, count int) float64 {
	points := 0.0
	for _, s := range steps {
		if count >= s.Min {
			points = s.Points
		}
	}
	return points
}
