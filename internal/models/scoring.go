package models

// Recommendation is one of five ordered decision-support tiers.
type Recommendation string

const (
	RecommendationNotRecommended    Recommendation = "not_recommended"
	RecommendationUnlikely          Recommendation = "unlikely"
	RecommendationPossible          Recommendation = "possible"
	RecommendationRecommended       Recommendation = "recommended"
	RecommendationHighlyRecommended Recommendation = "highly_recommended"
)

// Rank returns the tier's position, 1 (lowest) through 5, or 0 when unknown.
func (r Recommendation) Rank() int {
	switch r {
	case RecommendationNotRecommended:
		return 1
	case RecommendationUnlikely:
		return 2
	case RecommendationPossible:
		return 3
	case RecommendationRecommended:
		return 4
	case RecommendationHighlyRecommended:
		return 5
	}
	return 0
}

// ScoringSource records which scorer produced a result.
type ScoringSource string

const (
	ScoringSourceLocal  ScoringSource = "local"
	ScoringSourceRemote ScoringSource = "remote"
)

// ScoringResult is the decision-support output for one intake.
// It is treated as immutable once computed.
type ScoringResult struct {
	Score              int                `json:"score"`
	Recommendation     Recommendation     `json:"recommendation"`
	Viability          string             `json:"viability"`
	ApprovalLikelihood string             `json:"approval_likelihood"`
	Strengths          []string           `json:"strengths"`
	Concerns           []string           `json:"concerns"`
	CallbackTimeframe  string             `json:"callback_timeframe"`
	Source             ScoringSource      `json:"source"`
	Breakdown          map[string]float64 `json:"breakdown,omitempty"`
}
