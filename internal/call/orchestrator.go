// Package call wires one carrier media stream, one realtime AI session and
// one intake session together for the lifetime of a phone call.
package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/IntakeLine/internal/events"
	"github.com/BTreeMap/IntakeLine/internal/intake"
	"github.com/BTreeMap/IntakeLine/internal/models"
	"github.com/BTreeMap/IntakeLine/internal/realtime"
	"github.com/BTreeMap/IntakeLine/internal/scoring"
	"github.com/BTreeMap/IntakeLine/internal/telephony"
)

// GoodbyeMark names the playback checkpoint queued after the closing words.
const GoodbyeMark = "goodbye"

// DefaultControlTimeout bounds a hangup or transfer REST call.
const DefaultControlTimeout = 10 * time.Second

// Opts holds configuration options for Orchestrator.
type Opts struct {
	Realtime        realtime.Config
	RealtimeOptions []realtime.Option
	Engine          *scoring.Engine
	Scorer          scoring.Scorer
	Effects         []intake.Effect
	Controller      telephony.CallController
	Publisher       events.Publisher
	Tracker         *Tracker
	Clock           func() time.Time
	ControlTimeout  time.Duration
}

// Option configures an Orchestrator.
type Option func(*Opts)

// WithRealtimeConfig sets the base realtime session config. Instructions and tools are filled per call.
func WithRealtimeConfig(cfg realtime.Config) Option {
	return func(o *Opts) { o.Realtime = cfg }
}

// WithRealtimeOptions passes options to every realtime client.
func WithRealtimeOptions(opts ...realtime.Option) Option {
	return func(o *Opts) { o.RealtimeOptions = append(o.RealtimeOptions, opts...) }
}

// WithEngine sets the scoring engine used for in-call assessments.
func WithEngine(e *scoring.Engine) Option {
	return func(o *Opts) { o.Engine = e }
}

// WithScorer sets the scorer used at finalize.
func WithScorer(s scoring.Scorer) Option {
	return func(o *Opts) { o.Scorer = s }
}

// WithEffects sets the post-finalize effects.
func WithEffects(effects ...intake.Effect) Option {
	return func(o *Opts) { o.Effects = append(o.Effects, effects...) }
}

// WithController sets the REST call controller used to hang up and transfer.
func WithController(c telephony.CallController) Option {
	return func(o *Opts) { o.Controller = c }
}

// WithPublisher sets the live event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(o *Opts) { o.Publisher = p }
}

// WithTracker sets the active call tracker.
func WithTracker(t *Tracker) Option {
	return func(o *Opts) { o.Tracker = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Orchestrator serves carrier media stream connections.
type Orchestrator struct {
	opts  Opts
	tools []realtime.Tool
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(opts ...Option) *Orchestrator {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Engine == nil {
		cfg.Engine = scoring.NewEngine()
	}
	if cfg.Scorer == nil {
		cfg.Scorer = scoring.NewLocalScorer(cfg.Engine)
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NopPublisher{}
	}
	if cfg.Tracker == nil {
		cfg.Tracker = NewTracker()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = DefaultControlTimeout
	}
	// The live feed hears about a call last, after it was stored and notified.
	effects := make([]intake.Effect, 0, len(cfg.Effects)+1)
	effects = append(effects, cfg.Effects...)
	cfg.Effects = append(effects, intake.NotifyEffect("publish_finalized", events.PublishFinalized(cfg.Publisher)))
	return &Orchestrator{
		opts:  cfg,
		tools: realtime.ToolsFromDefinitions(intake.ToolDefinitions()),
	}
}

// Tracker returns the active call tracker.
func (o *Orchestrator) Tracker() *Tracker {
	return o.opts.Tracker
}

// Serve runs one call over an upgraded carrier websocket. It returns once the
// stream ended and the intake was finalized. The result is nil when the call
// never got past the start event.
func (o *Orchestrator) Serve(ctx context.Context, conn telephony.Conn) (*models.IntakeResult, error) {
	bridge := telephony.NewBridge(conn)
	c := &activeCall{o: o, bridge: bridge}
	runErr := bridge.Run(ctx, c)
	result := c.finish(ctx, runErr)
	return result, runErr
}

// activeCall is the per-connection state. It implements telephony.Handler.
type activeCall struct {
	o      *Orchestrator
	bridge *telephony.Bridge

	mu          sync.Mutex
	session     *intake.Session
	client      *realtime.Client
	started     bool
	stopped     bool
	ending      bool
	transfer    bool
	goodbyeSent bool
	concluded   bool
}

func (c *activeCall) OnStart(ctx context.Context, info telephony.StartInfo) error {
	o := c.o
	caller := models.CallerInfo{
		Phone: info.Param(telephony.ParamCallerPhone),
		City:  info.Param(telephony.ParamCallerCity),
		State: info.Param(telephony.ParamCallerState),
	}

	sessOpts := []intake.Option{
		intake.WithCallSID(info.CallSID),
		intake.WithCaller(caller),
		intake.WithEngine(o.opts.Engine),
		intake.WithScorer(o.opts.Scorer),
		intake.WithEffects(o.opts.Effects...),
		intake.WithClock(o.opts.Clock),
		intake.WithFlagListener(c.onFlag),
	}
	if ref := info.Param(telephony.ParamCaseRef); ref != "" {
		sessOpts = append(sessOpts, intake.WithCaseRef(ref))
	}
	session := intake.NewSession(sessOpts...)

	cfg := o.opts.Realtime
	cfg.Instructions = intake.Instructions(session.CaseRef())
	cfg.Tools = o.tools
	client := realtime.NewClient(cfg, realtime.Handlers{
		OnAudio:        c.onAudio,
		OnAudioDone:    c.onAudioDone,
		OnTranscript:   c.onTranscript,
		OnFunctionCall: c.onFunctionCall,
		OnInterrupt:    c.onInterrupt,
		OnError: func(err error) {
			slog.Warn("activeCall.OnError: realtime backend error", "sessionID", session.ID(), "error", err)
		},
		OnClose: c.onBackendClose,
	}, o.opts.RealtimeOptions...)

	c.mu.Lock()
	c.session = session
	c.client = client
	c.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		slog.Error("activeCall.OnStart: realtime connect failed", "sessionID", session.ID(), "callSid", info.CallSID, "error", err)
		c.toVoicemail(info.CallSID)
		return err
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	o.opts.Tracker.Add(CallInfo{
		SessionID: session.ID(),
		CallSID:   info.CallSID,
		CaseRef:   session.CaseRef(),
		StartedAt: o.opts.Clock(),
	})
	events.Safe(ctx, o.opts.Publisher, events.Event{
		Type:      events.CallStarted,
		SessionID: session.ID(),
		CallSID:   info.CallSID,
		CaseRef:   session.CaseRef(),
	})
	slog.Info("activeCall.OnStart: call started", "sessionID", session.ID(), "callSid", info.CallSID, "caseRef", session.CaseRef())
	return nil
}

// toVoicemail sends a caller the AI line could not serve to a recorded message.
func (c *activeCall) toVoicemail(callSID string) {
	ctrl := c.o.opts.Controller
	if ctrl == nil || callSID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.o.opts.ControlTimeout)
	defer cancel()
	if err := ctrl.Voicemail(ctx, callSID); err != nil {
		slog.Error("activeCall.toVoicemail: redirect failed", "callSid", callSID, "error", err)
	}
}

func (c *activeCall) OnMedia(payload string) {
	client := c.realtimeClient()
	if client == nil {
		return
	}
	if err := client.SendAudio(payload); err != nil && !errors.Is(err, realtime.ErrClosed) {
		slog.Debug("activeCall.OnMedia: relay failed", "error", err)
	}
}

func (c *activeCall) OnMark(name string) {
	if name != GoodbyeMark {
		return
	}
	c.mu.Lock()
	if c.concluded {
		c.mu.Unlock()
		return
	}
	c.concluded = true
	transfer := c.transfer
	c.mu.Unlock()

	c.conclude(transfer)
}

func (c *activeCall) OnStop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

// conclude ends the call after the goodbye finished playing.
func (c *activeCall) conclude(transfer bool) {
	callSID := c.bridge.CallSID()
	ctrl := c.o.opts.Controller
	if ctrl == nil || callSID == "" {
		// Closing the stream lets the TwiML <Hangup/> after <Connect> run.
		_ = c.bridge.Close()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.o.opts.ControlTimeout)
	defer cancel()
	if transfer {
		err := ctrl.Transfer(ctx, callSID)
		if err == nil {
			return
		}
		slog.Error("activeCall.conclude: transfer failed, hanging up", "callSid", callSID, "error", err)
	}
	if err := ctrl.Hangup(ctx, callSID); err != nil {
		slog.Error("activeCall.conclude: hangup failed, closing stream", "callSid", callSID, "error", err)
		_ = c.bridge.Close()
	}
}

func (c *activeCall) onAudio(payload string) {
	if err := c.bridge.SendAudio(payload); err != nil && !errors.Is(err, telephony.ErrBridgeClosed) {
		slog.Debug("activeCall.onAudio: relay failed", "error", err)
	}
}

func (c *activeCall) onAudioDone() {
	c.mu.Lock()
	send := c.ending && !c.goodbyeSent
	if send {
		c.goodbyeSent = true
	}
	c.mu.Unlock()
	if !send {
		return
	}
	if err := c.bridge.Mark(GoodbyeMark); err != nil {
		slog.Warn("activeCall.onAudioDone: goodbye mark failed", "error", err)
	}
}

func (c *activeCall) onTranscript(role, text string) {
	if s := c.intakeSession(); s != nil {
		s.AppendTranscript(models.Role(role), text)
	}
}

func (c *activeCall) onFunctionCall(ctx context.Context, name, args string) string {
	s := c.intakeSession()
	if s == nil {
		return `{"ok":false,"error":"session not ready"}`
	}
	res := s.HandleStructuredEvent(ctx, name, []byte(args))
	if res.EndCall || res.Transfer {
		c.mu.Lock()
		c.ending = true
		if res.Transfer {
			c.transfer = true
		}
		client := c.client
		c.mu.Unlock()
		if client != nil {
			client.MarkConcluding()
		}
		slog.Info("activeCall.onFunctionCall: call concluding", "sessionID", s.ID(), "transfer", res.Transfer)
	}
	return res.JSON()
}

func (c *activeCall) onInterrupt() {
	if err := c.bridge.Clear(); err != nil && !errors.Is(err, telephony.ErrBridgeClosed) {
		slog.Warn("activeCall.onInterrupt: clear failed", "error", err)
	}
}

func (c *activeCall) onBackendClose(err error) {
	if err != nil {
		slog.Warn("activeCall.onBackendClose: realtime session dropped, closing carrier stream", "error", err)
	}
	_ = c.bridge.Close()
}

func (c *activeCall) onFlag(flag string, flags models.CallFlags) {
	s := c.intakeSession()
	if s == nil {
		return
	}
	ev := events.Event{SessionID: s.ID(), CallSID: s.CallSID(), CaseRef: s.CaseRef()}
	switch flag {
	case intake.FlagNameUrgent, intake.FlagNameCrisis:
		c.o.opts.Tracker.MarkUrgent(s.ID())
		ev.Type = events.CallUrgent
		ev.Reason = flags.UrgentReason
		if flag == intake.FlagNameCrisis {
			ev.Reason = "crisis mentioned"
		}
	case intake.FlagNameTransfer:
		ev.Type = events.CallTransferRequested
	default:
		return
	}
	events.Safe(context.Background(), c.o.opts.Publisher, ev)
}

// outcome classifies how the call ended. c.mu must be held.
func (c *activeCall) outcomeLocked() models.Outcome {
	switch {
	case c.transfer && c.concluded:
		return models.OutcomeTransferred
	case c.ending:
		return models.OutcomeCompleted
	case c.stopped:
		return models.OutcomeCallerHungUp
	default:
		return models.OutcomeConnectionLost
	}
}

// finish finalizes the intake and releases both connections.
func (c *activeCall) finish(ctx context.Context, runErr error) *models.IntakeResult {
	defer c.bridge.Close()

	c.mu.Lock()
	started := c.started
	session := c.session
	client := c.client
	outcome := c.outcomeLocked()
	c.mu.Unlock()

	if !started {
		if client != nil {
			_ = client.Close()
		}
		if runErr != nil {
			slog.Warn("activeCall.finish: call ended before it started", "error", runErr)
		}
		return nil
	}

	// Finalize runs to completion even when the request context is gone.
	fctx := context.WithoutCancel(ctx)
	result, err := session.Finalize(fctx, outcome)
	if err != nil {
		slog.Error("activeCall.finish: finalize reported an error", "sessionID", session.ID(), "error", err)
	}
	_ = client.Close()
	c.o.opts.Tracker.Remove(session.ID())

	slog.Info("activeCall.finish: call finished", "sessionID", session.ID(), "outcome", outcome)
	return result
}

func (c *activeCall) realtimeClient() *realtime.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	return c.client
}

func (c *activeCall) intakeSession() *intake.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}
