package scoring

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/IntakeLine/internal/models"
)

// CallMetadata is call context sent alongside the record to remote scorers.
type CallMetadata struct {
	Phone           string                   `json:"phone,omitempty"`
	City            string                   `json:"city,omitempty"`
	State           string                   `json:"state,omitempty"`
	DurationSeconds int                      `json:"duration_seconds"`
	SMSConsent      bool                     `json:"sms_consent"`
	Urgent          bool                     `json:"urgent"`
	UrgentReason    string                   `json:"urgent_reason,omitempty"`
	Transcript      []models.TranscriptEntry `json:"transcript,omitempty"`
}

// Request is the input to a Scorer.
type Request struct {
	Record models.IntakeRecord
	Call   CallMetadata
}

// Scorer produces a ScoringResult for a finalized record.
type Scorer interface {
	Score(ctx context.Context, req Request) (models.ScoringResult, error)
}

// LocalScorer scores with the in-process Engine. It never fails.
type LocalScorer struct {
	engine *Engine
}

// NewLocalScorer wraps an Engine. A nil engine uses the default tables.
func NewLocalScorer(engine *Engine) *LocalScorer {
	if engine == nil {
		engine = NewEngine()
	}
	return &LocalScorer{engine: engine}
}

// Engine returns the wrapped engine.
func (l *LocalScorer) Engine() *Engine {
	return l.engine
}

// Score implements Scorer.
func (l *LocalScorer) Score(_ context.Context, req Request) (models.ScoringResult, error) {
	return l.engine.CalculateScore(req.Record), nil
}

// FallbackScorer tries Primary once and, when enabled, falls back to Local on any error.
type FallbackScorer struct {
	Primary Scorer
	Local   *LocalScorer
	Enabled bool
}

// NewFallbackScorer composes a primary scorer with local fallback.
func NewFallbackScorer(primary Scorer, local *LocalScorer, enabled bool) *FallbackScorer {
	if local == nil {
		local = NewLocalScorer(nil)
	}
	return &FallbackScorer{Primary: primary, Local: local, Enabled: enabled}
}

// Score implements Scorer.
func (f *FallbackScorer) Score(ctx context.Context, req Request) (models.ScoringResult, error) {
	result, err := f.Primary.Score(ctx, req)
	if err == nil {
		return result, nil
	}
	if !f.Enabled {
		slog.Error("FallbackScorer.Score: primary scorer failed, fallback disabled", "error", err)
		return models.ScoringResult{}, err
	}
	slog.Warn("FallbackScorer.Score: primary scorer failed, using local engine", "error", err)
	return f.Local.Score(ctx, req)
}
