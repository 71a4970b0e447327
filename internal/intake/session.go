// Package intake implements the per-call intake session: a state machine that turns
// structured function calls from the speech-AI backend into an IntakeRecord and
// finalizes it exactly once.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/IntakeLine/internal/models"
	"github.com/BTreeMap/IntakeLine/internal/scoring"
	"github.com/BTreeMap/IntakeLine/internal/util"
	"github.com/google/uuid"
)

// State is the session lifecycle state.
type State string

const (
	StateCollecting State = "collecting"
	StateFinalizing State = "finalizing"
	StateFinalized  State = "finalized"
)

var (
	// ErrNotCollecting is returned when an operation arrives after finalize began.
	ErrNotCollecting = errors.New("session is no longer collecting")
	// ErrFinalizeInProgress is returned when Finalize is called while another Finalize runs.
	ErrFinalizeInProgress = errors.New("finalize already in progress")
)

// Result is the acknowledgment returned to the backend for one operation.
type Result struct {
	OK        bool           `json:"ok"`
	Operation string         `json:"operation,omitempty"`
	Recorded  map[string]any `json:"recorded,omitempty"`
	Guidance  string         `json:"guidance,omitempty"`
	Error     string         `json:"error,omitempty"`

	// EndCall and Transfer tell the orchestrator to wind the call down.
	EndCall  bool `json:"-"`
	Transfer bool `json:"-"`
}

// JSON encodes the acknowledgment for a function_call_output item.
func (r Result) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		return `{"ok":false,"error":"failed to encode result"}`
	}
	return string(b)
}

func errorResult(operation string, err error) Result {
	return Result{OK: false, Operation: operation, Error: err.Error()}
}

// FlagListener is notified when a call flag transitions to true.
type FlagListener func(flag string, flags models.CallFlags)

// Flag names passed to FlagListener.
const (
	FlagNameUrgent   = "urgent"
	FlagNameCrisis   = "crisis"
	FlagNameTransfer = "transfer_requested"
)

// Session is the state container for one call.
type Session struct {
	mu sync.Mutex

	id        string
	callSID   string
	caseRef   string
	caller    models.CallerInfo
	createdAt time.Time

	state   State
	record  models.IntakeRecord
	flags   models.CallFlags
	version int

	cached        *models.ScoringResult
	cachedVersion int
	endRequested  bool
	result        *models.IntakeResult

	engine   *scoring.Engine
	scorer   scoring.Scorer
	effects  []Effect
	now      func() time.Time
	listener FlagListener
}

// Opts holds configuration options for Session.
type Opts struct {
	SessionID string
	CallSID   string
	CaseRef   string
	Caller    models.CallerInfo
	Engine    *scoring.Engine
	Scorer    scoring.Scorer
	Effects   []Effect
	Clock     func() time.Time
	Listener  FlagListener
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithSessionID sets the session id. Defaults to a random UUID.
func WithSessionID(id string) Option {
	return func(o *Opts) { o.SessionID = id }
}

// WithCallSID sets the carrier call identifier.
func WithCallSID(sid string) Option {
	return func(o *Opts) { o.CallSID = sid }
}

// WithCaseRef sets the case reference. Defaults to a generated reference.
func WithCaseRef(ref string) Option {
	return func(o *Opts) { o.CaseRef = ref }
}

// WithCaller sets carrier caller metadata. City and state pre-populate demographics.
func WithCaller(c models.CallerInfo) Option {
	return func(o *Opts) { o.Caller = c }
}

// WithEngine sets the local scoring engine used by complete_assessment and guidance.
func WithEngine(e *scoring.Engine) Option {
	return func(o *Opts) { o.Engine = e }
}

// WithScorer sets the scorer used at finalize. Defaults to the local engine.
func WithScorer(s scoring.Scorer) Option {
	return func(o *Opts) { o.Scorer = s }
}

// WithEffects sets the post-finalize effects, run in order.
func WithEffects(effects ...Effect) Option {
	return func(o *Opts) { o.Effects = append(o.Effects, effects...) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// WithFlagListener registers a callback for flag transitions.
func WithFlagListener(l FlagListener) Option {
	return func(o *Opts) { o.Listener = l }
}

// NewSession creates a session in the collecting state.
func NewSession(opts ...Option) *Session {
	cfg := Opts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.CaseRef == "" {
		cfg.CaseRef = util.GenerateCaseRef()
	}
	if cfg.Engine == nil {
		cfg.Engine = scoring.NewEngine()
	}
	if cfg.Scorer == nil {
		cfg.Scorer = scoring.NewLocalScorer(cfg.Engine)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	s := &Session{
		id:       cfg.SessionID,
		callSID:  cfg.CallSID,
		caseRef:  cfg.CaseRef,
		caller:   cfg.Caller,
		state:    StateCollecting,
		engine:   cfg.Engine,
		scorer:   cfg.Scorer,
		effects:  cfg.Effects,
		now:      cfg.Clock,
		listener: cfg.Listener,
	}
	s.createdAt = s.now()
	s.record.Demographics.City = cfg.Caller.City
	s.record.Demographics.State = cfg.Caller.State

	slog.Debug("Session.NewSession: created", "sessionID", s.id, "callSid", s.callSID, "caseRef", s.caseRef)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CaseRef returns the case reference read to the caller.
func (s *Session) CaseRef() string { return s.caseRef }

// CallSID returns the carrier call identifier.
func (s *Session) CallSID() string { return s.callSID }

// Caller returns carrier caller metadata.
func (s *Session) Caller() models.CallerInfo { return s.caller }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Record returns a deep copy of the current record.
func (s *Session) Record() models.IntakeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Clone()
}

// Flags returns the current call flags.
func (s *Session) Flags() models.CallFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

// EndRequested reports whether end_call was received.
func (s *Session) EndRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endRequested
}

// CachedScore returns the score computed by complete_assessment, if any.
func (s *Session) CachedScore() (models.ScoringResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached == nil {
		return models.ScoringResult{}, false
	}
	return *s.cached, true
}

// AppendTranscript adds an assembled utterance. Ignored once finalize began.
func (s *Session) AppendTranscript(role models.Role, text string) {
	if text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCollecting {
		slog.Debug("Session.AppendTranscript: dropped after finalize began", "sessionID", s.id, "role", role)
		return
	}
	s.record.AppendTranscript(models.TranscriptEntry{Role: role, Text: text, Timestamp: s.now()})
}

// HandleStructuredEvent decodes and applies one function call. It never panics and
// never returns an error: failures become structured error acknowledgments and the
// record is left unchanged.
func (s *Session) HandleStructuredEvent(ctx context.Context, name string, args []byte) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Session.HandleStructuredEvent: recovered from panic", "sessionID", s.id, "operation", name, "panic", r)
			result = errorResult(name, fmt.Errorf("internal error handling %s", name))
		}
	}()

	op, err := DecodeOperation(name, args)
	if err != nil {
		slog.Warn("Session.HandleStructuredEvent: rejected operation", "sessionID", s.id, "operation", name, "error", err)
		if errors.Is(err, ErrUnknownOperation) {
			return errorResult(name, fmt.Errorf("unknown operation %q", name))
		}
		return errorResult(name, err)
	}

	result, err = s.Apply(ctx, op)
	if err != nil {
		slog.Warn("Session.HandleStructuredEvent: operation failed", "sessionID", s.id, "operation", name, "error", err)
		return errorResult(name, err)
	}
	slog.Debug("Session.HandleStructuredEvent: applied", "sessionID", s.id, "operation", name, "guidance", result.Guidance)
	return result
}

// Apply runs a typed operation against the record.
func (s *Session) Apply(ctx context.Context, op Operation) (Result, error) {
	res, before, after, err := s.commit(op)
	if err != nil {
		return Result{}, err
	}
	s.notifyFlags(before, after)
	res.OK = true
	res.Operation = op.Name()
	return res, nil
}

// commit applies op to a copy of the record and swaps it in only when every
// step succeeded. A panic leaves the record untouched and the lock released.
func (s *Session) commit(op Operation) (res Result, before, after models.CallFlags, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCollecting {
		return Result{}, before, after, ErrNotCollecting
	}

	before = s.flags
	working := s.record.Clone()
	flags := s.flags
	res, err = s.apply(&working, &flags, op)
	if err != nil {
		return Result{}, before, before, err
	}
	var score *models.ScoringResult
	if op.Name() == OpCompleteAssessment {
		computed := s.engine.CalculateScore(working)
		score = &computed
		res.Guidance = assessmentGuidance(computed)
	}

	s.record = working
	s.flags = flags
	s.version++
	if res.EndCall {
		s.endRequested = true
	}
	if score != nil {
		s.cached = score
		s.cachedVersion = s.version
	}
	return res, before, s.flags, nil
}

func (s *Session) notifyFlags(before, after models.CallFlags) {
	if s.listener == nil {
		return
	}
	if !before.Urgent && after.Urgent {
		s.listener(FlagNameUrgent, after)
	}
	if !before.CrisisMentioned && after.CrisisMentioned {
		s.listener(FlagNameCrisis, after)
	}
	if !before.TransferRequested && after.TransferRequested {
		s.listener(FlagNameTransfer, after)
	}
}

// raiseUrgent sets the urgent flag. The first reason wins.
func raiseUrgent(flags *models.CallFlags, reason string) {
	if !flags.Urgent {
		flags.Urgent = true
		flags.UrgentReason = reason
		return
	}
	if flags.UrgentReason == "" {
		flags.UrgentReason = reason
	}
}

// Finalize scores the record, assembles the IntakeResult and runs the post-finalize
// effects. It runs at most once: later calls return the cached result, and a call
// made while another Finalize is in flight returns ErrFinalizeInProgress.
// A scoring failure is returned alongside the (unscored) result after effects ran.
func (s *Session) Finalize(ctx context.Context, outcome models.Outcome) (*models.IntakeResult, error) {
	s.mu.Lock()
	switch s.state {
	case StateFinalized:
		cached := *s.result
		s.mu.Unlock()
		slog.Debug("Session.Finalize: already finalized, returning cached result", "sessionID", s.id)
		return &cached, nil
	case StateFinalizing:
		s.mu.Unlock()
		return nil, ErrFinalizeInProgress
	}
	s.state = StateFinalizing
	record := s.record.Clone()
	flags := s.flags
	version := s.version
	var cached *models.ScoringResult
	if s.cached != nil && s.cachedVersion == version {
		c := *s.cached
		cached = &c
	}
	s.mu.Unlock()

	if outcome == "" {
		outcome = models.OutcomeCompleted
	}
	endedAt := s.now()

	result := models.IntakeResult{
		IntakeID:  util.GenerateIntakeID(),
		SessionID: s.id,
		CallSID:   s.callSID,
		CaseRef:   s.caseRef,
		Caller:    s.caller,
		Record:    record,
		Flags:     flags,
		Outcome:   outcome,
		StartedAt: s.createdAt,
		EndedAt:   endedAt,
	}

	scoreErr := s.score(ctx, &result, cached)

	slog.Info("Session.Finalize: finalizing intake", "sessionID", s.id, "intakeID", result.IntakeID, "callSid", s.callSID,
		"outcome", outcome, "urgent", flags.Urgent, "scored", result.Scoring != nil)

	runEffects(ctx, s.effects, &result)

	s.mu.Lock()
	s.state = StateFinalized
	s.result = &result
	s.mu.Unlock()

	out := result
	return &out, scoreErr
}

func (s *Session) score(ctx context.Context, result *models.IntakeResult, cached *models.ScoringResult) error {
	if _, local := s.scorer.(*scoring.LocalScorer); local && cached != nil {
		slog.Debug("Session.Finalize: reusing cached assessment score", "sessionID", s.id)
		result.Scoring = cached
		return nil
	}

	req := scoring.Request{
		Record: result.Record,
		Call: scoring.CallMetadata{
			Phone:           firstNonEmpty(result.Record.Demographics.Phone, s.caller.Phone),
			City:            firstNonEmpty(result.Record.Demographics.City, s.caller.City),
			State:           firstNonEmpty(result.Record.Demographics.State, s.caller.State),
			DurationSeconds: int(result.Duration().Seconds()),
			SMSConsent:      result.Record.Consent.Granted(),
			Urgent:          result.Flags.Urgent,
			UrgentReason:    result.Flags.UrgentReason,
			Transcript:      result.Record.Transcript,
		},
	}
	score, err := s.scorer.Score(ctx, req)
	if err != nil {
		slog.Error("Session.Finalize: scoring failed", "sessionID", s.id, "error", err)
		result.ScoringError = err.Error()
		return fmt.Errorf("scoring failed: %w", err)
	}
	result.Scoring = &score
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
