package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/IntakeLine/internal/models"
	"github.com/go-resty/resty/v2"
)

// DefaultRemoteTimeout bounds a single delegation attempt.
const DefaultRemoteTimeout = 10 * time.Second

// Delegation failures. Every remote failure wraps exactly one of these.
var (
	ErrRemoteValidation   = errors.New("remote scoring rejected the request")
	ErrRemoteUnauthorized = errors.New("remote scoring credentials rejected")
	ErrRemoteRateLimited  = errors.New("remote scoring rate limited")
	ErrRemoteUnavailable  = errors.New("remote scoring unavailable")
)

type remoteRequest struct {
	Intake models.IntakeRecord `json:"intake"`
	Call   CallMetadata        `json:"call"`
}

type remoteResponse struct {
	Score          *float64           `json:"score"`
	Recommendation string             `json:"recommendation"`
	Viability      string             `json:"viability"`
	Factors        []string           `json:"factors"`
	Concerns       []string           `json:"concerns"`
	Breakdown      map[string]float64 `json:"breakdown"`
}

// RemoteScorer delegates scoring to an external HTTP service in a single attempt.
type RemoteScorer struct {
	client *resty.Client
	url    string
	tables Tables
}

// RemoteOpts holds configuration options for RemoteScorer.
type RemoteOpts struct {
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Tables     *Tables
}

// RemoteOption defines a function that configures RemoteOpts.
type RemoteOption func(*RemoteOpts)

// WithAPIKey sets the static credential sent as X-API-Key.
func WithAPIKey(key string) RemoteOption {
	return func(o *RemoteOpts) {
		o.APIKey = key
	}
}

// WithTimeout bounds the delegation attempt.
func WithTimeout(d time.Duration) RemoteOption {
	return func(o *RemoteOpts) {
		o.Timeout = d
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(o *RemoteOpts) {
		o.HTTPClient = c
	}
}

// WithRemoteTables sets the tables used to label remote scores.
func WithRemoteTables(t Tables) RemoteOption {
	return func(o *RemoteOpts) {
		o.Tables = &t
	}
}

// NewRemoteScorer creates a scorer that POSTs to url.
func NewRemoteScorer(url string, opts ...RemoteOption) *RemoteScorer {
	cfg := RemoteOpts{Timeout: DefaultRemoteTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRemoteTimeout
	}

	var client *resty.Client
	if cfg.HTTPClient != nil {
		client = resty.NewWithClient(cfg.HTTPClient)
	} else {
		client = resty.New()
	}
	client.
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetHeader("X-API-Key", cfg.APIKey)
	}

	tables := DefaultTables()
	if cfg.Tables != nil {
		tables = cfg.Tables.clone()
	}

	return &RemoteScorer{client: client, url: url, tables: tables}
}

// Score implements Scorer. It never retries.
func (r *RemoteScorer) Score(ctx context.Context, req Request) (models.ScoringResult, error) {
	slog.Debug("RemoteScorer.Score: delegating", "url", r.url)

	resp, err := r.client.R().
		SetContext(ctx).
		SetBody(remoteRequest{Intake: req.Record, Call: req.Call}).
		Post(r.url)
	if err != nil {
		return models.ScoringResult{}, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}

	switch status := resp.StatusCode(); {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return models.ScoringResult{}, fmt.Errorf("%w: status %d: %s", ErrRemoteValidation, status, truncate(resp.String(), 200))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.ScoringResult{}, fmt.Errorf("%w: status %d", ErrRemoteUnauthorized, status)
	case status == http.StatusTooManyRequests:
		return models.ScoringResult{}, fmt.Errorf("%w: status %d", ErrRemoteRateLimited, status)
	case status < 200 || status >= 300:
		return models.ScoringResult{}, fmt.Errorf("%w: status %d", ErrRemoteUnavailable, status)
	}

	var body remoteResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return models.ScoringResult{}, fmt.Errorf("%w: invalid response body: %v", ErrRemoteUnavailable, err)
	}
	if body.Score == nil {
		return models.ScoringResult{}, fmt.Errorf("%w: response missing score", ErrRemoteUnavailable)
	}

	return r.toResult(body), nil
}

func (r *RemoteScorer) toResult(body remoteResponse) models.ScoringResult {
	score := int(math.Round(*body.Score))
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	tier := r.tables.TierFor(score)
	if rec, ok := ParseRecommendation(body.Recommendation); ok {
		for _, t := range r.tables.Tiers {
			if t.Recommendation == rec {
				tier = t
				break
			}
		}
	}

	viability := tier.Viability
	if body.Viability != "" {
		viability = body.Viability
	}

	strengths := append([]string{}, body.Factors...)
	concerns := append([]string{}, body.Concerns...)

	return models.ScoringResult{
		Score:              score,
		Recommendation:     tier.Recommendation,
		Viability:          viability,
		ApprovalLikelihood: tier.ApprovalLikelihood,
		Strengths:          strengths,
		Concerns:           concerns,
		CallbackTimeframe:  tier.CallbackTimeframe,
		Source:             models.ScoringSourceRemote,
		Breakdown:          body.Breakdown,
	}
}

// ParseRecommendation maps a remote recommendation string to a tier.
func ParseRecommendation(s string) (models.Recommendation, bool) {
	switch strings.ToLower(strings.NewReplacer(" ", "_", "-", "_").Replace(strings.TrimSpace(s))) {
	case "not_recommended", "decline", "reject":
		return models.RecommendationNotRecommended, true
	case "unlikely", "weak":
		return models.RecommendationUnlikely, true
	case "possible", "consider", "maybe":
		return models.RecommendationPossible, true
	case "recommended", "accept", "likely":
		return models.RecommendationRecommended, true
	case "highly_recommended", "strongly_recommended", "strong_accept":
		return models.RecommendationHighlyRecommended, true
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
