// Package realtime is the client side of a speech-AI realtime session: it
// configures the session, relays caller audio, assembles transcripts, runs
// function calls, re-prompts silent callers and cancels responses on barge-in.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/IntakeLine/internal/timer"
)

// Defaults applied when the corresponding Config field is empty.
const (
	DefaultURL                = "wss://api.openai.com/v1/realtime"
	DefaultModel              = "gpt-4o-realtime-preview"
	DefaultVoice              = "alloy"
	DefaultTranscriptionModel = "whisper-1"
	DefaultSilenceFirst       = 10 * time.Second
	DefaultSilenceReprompt    = 7 * time.Second
	DefaultMaxReprompts       = 2

	writeTimeout = 5 * time.Second
)

// DefaultRepromptMessages are the system-directed nudges used when the caller goes quiet.
var DefaultRepromptMessages = []string{
	"The caller has been quiet for a while. Gently ask whether they are still on the line and briefly repeat your last question.",
	"The caller is still quiet. Let them know you are still here, that they can take their time, and that they can call back later if now is not a good time.",
}

var (
	// ErrNotConnected is returned when writing before Connect succeeded.
	ErrNotConnected = errors.New("realtime: not connected")
	// ErrClosed is returned when writing after Close.
	ErrClosed = errors.New("realtime: connection closed")
)

// Roles passed to Handlers.OnTranscript.
const (
	RoleAssistant = "assistant"
	RoleCaller    = "caller"
)

// Conn is the subset of *websocket.Conn used by the client.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens the backend connection.
type Dialer func(ctx context.Context, rawURL string, header http.Header) (Conn, error)

// Config holds session settings.
type Config struct {
	URL                string
	Model              string
	APIKey             string
	Voice              string
	Instructions       string
	Tools              []Tool
	Temperature        float64
	MaxOutputTokens    int
	VADThreshold       float64
	VADPrefixPadding   time.Duration
	VADSilence         time.Duration
	TranscriptionModel string

	// Greeting is injected as a system item once the session is configured.
	Greeting string

	SilenceFirstTimeout    time.Duration
	SilenceRepromptTimeout time.Duration
	MaxReprompts           int
	RepromptMessages       []string
}

// DefaultConfig returns a Config with every tunable populated.
func DefaultConfig() Config {
	return Config{
		URL:                    DefaultURL,
		Model:                  DefaultModel,
		Voice:                  DefaultVoice,
		Temperature:            0.8,
		MaxOutputTokens:        4096,
		VADThreshold:           0.5,
		VADPrefixPadding:       300 * time.Millisecond,
		VADSilence:             500 * time.Millisecond,
		TranscriptionModel:     DefaultTranscriptionModel,
		SilenceFirstTimeout:    DefaultSilenceFirst,
		SilenceRepromptTimeout: DefaultSilenceReprompt,
		MaxReprompts:           DefaultMaxReprompts,
		RepromptMessages:       DefaultRepromptMessages,
	}
}

// Handlers receive backend activity. All are optional and run on the read
// loop goroutine.
type Handlers struct {
	// OnAudio receives a base64 mu-law chunk of assistant speech.
	OnAudio func(payload string)
	// OnAudioDone fires when the assistant finishes the audio of one response.
	OnAudioDone func()
	// OnTranscript receives one complete utterance.
	OnTranscript func(role, text string)
	// OnFunctionCall runs a structured event and returns the JSON output sent back to the backend.
	OnFunctionCall func(ctx context.Context, name, arguments string) string
	// OnInterrupt fires after a response was cancelled because the caller started speaking.
	OnInterrupt func()
	// OnError receives backend error events.
	OnError func(err error)
	// OnClose fires once when the read loop ends. err is nil for a local Close.
	OnClose func(err error)
}

// Opts holds optional dependencies.
type Opts struct {
	Timer  timer.Timer
	Dialer Dialer
}

// Option configures a Client.
type Option func(*Opts)

// WithTimer sets the timer used for silence recovery.
func WithTimer(t timer.Timer) Option {
	return func(o *Opts) { o.Timer = t }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(o *Opts) { o.Dialer = d }
}

// Client manages one realtime connection.
type Client struct {
	cfg      Config
	handlers Handlers
	timer    timer.Timer
	dial     Dialer

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	conn    Conn

	mu             sync.Mutex
	greeted        bool
	responseActive bool
	cancelling     bool
	pendingReply   bool
	callerSpeaking bool
	concluding     bool
	closed         bool
	reprompts      int
	silenceGen     uint64
	silenceID      string
	assistantText  strings.Builder
	callerText     strings.Builder

	started   bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewClient creates a client. Connect must be called before any audio is sent.
func NewClient(cfg Config, handlers Handlers, opts ...Option) *Client {
	var o Opts
	for _, opt := range opts {
		opt(&o)
	}
	if o.Timer == nil {
		o.Timer = timer.NewSimpleTimer()
	}
	if o.Dialer == nil {
		o.Dialer = dialWebsocket
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if len(cfg.RepromptMessages) == 0 {
		cfg.RepromptMessages = DefaultRepromptMessages
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg,
		handlers: handlers,
		timer:    o.Timer,
		dial:     o.Dialer,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func dialWebsocket(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial realtime backend: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial realtime backend: %w", err)
	}
	return conn, nil
}

// Endpoint returns the websocket URL including the model query parameter.
func (c *Client) Endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", c.cfg.Model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the backend, sends the session configuration and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	endpoint, err := c.Endpoint()
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, err := c.dial(ctx, endpoint, header)
	if err != nil {
		slog.Error("Client.Connect: dial failed", "error", err)
		return err
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	if err := c.configure(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send session configuration: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.started = true
	c.mu.Unlock()

	slog.Info("Client.Connect: connected", "model", c.cfg.Model)
	go c.readLoop()
	return nil
}

// SessionConfig builds the session.update payload from the client config.
func (c *Client) SessionConfig() SessionConfig {
	sc := SessionConfig{
		Modalities:        []string{"audio", "text"},
		Instructions:      c.cfg.Instructions,
		Voice:             c.cfg.Voice,
		InputAudioFormat:  AudioFormatULaw,
		OutputAudioFormat: AudioFormatULaw,
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         c.cfg.VADThreshold,
			PrefixPaddingMs:   int(c.cfg.VADPrefixPadding / time.Millisecond),
			SilenceDurationMs: int(c.cfg.VADSilence / time.Millisecond),
		},
		Tools:                   c.cfg.Tools,
		Temperature:             c.cfg.Temperature,
		MaxResponseOutputTokens: c.cfg.MaxOutputTokens,
	}
	if c.cfg.TranscriptionModel != "" {
		sc.InputAudioTranscription = &InputTranscription{Model: c.cfg.TranscriptionModel}
	}
	if len(sc.Tools) > 0 {
		sc.ToolChoice = "auto"
	}
	return sc
}

func (c *Client) configure() error {
	return c.send(sessionUpdate{Type: EventSessionUpdate, Session: c.SessionConfig()})
}

// SendAudio appends a base64 mu-law chunk of caller audio.
func (c *Client) SendAudio(payload string) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.send(audioAppend{Type: EventInputAudioAppend, Audio: payload})
}

// CommitAudio commits the input buffer. Server VAD normally does this itself.
func (c *Client) CommitAudio() error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.send(bareEvent{Type: EventInputAudioCommit})
}

// SendSystemMessage injects a system item and asks for a response.
func (c *Client) SendSystemMessage(text string) error {
	if err := c.send(systemMessage(text)); err != nil {
		return err
	}
	return c.send(bareEvent{Type: EventResponseCreate})
}

// MarkConcluding disables silence recovery for the rest of the call.
func (c *Client) MarkConcluding() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.concluding = true
	c.disarmLocked()
}

// Reprompts returns how many silence re-prompts were issued since the caller last spoke.
func (c *Client) Reprompts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reprompts
}

// Done is closed when the read loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears down the connection. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.disarmLocked()
		started := c.started
		c.mu.Unlock()
		c.cancel()
		if !started {
			close(c.done)
		}

		c.writeMu.Lock()
		conn := c.conn
		c.writeMu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
		slog.Debug("Client.Close: closed")
	})
	return err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal realtime event: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop() {
	var loopErr error
	defer func() {
		local := c.isClosed()
		_ = c.Close()
		close(c.done)
		if local {
			loopErr = nil
		}
		if c.handlers.OnClose != nil {
			c.handlers.OnClose(loopErr)
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				slog.Info("Client.readLoop: backend closed the session")
				return
			}
			if !c.isClosed() {
				slog.Error("Client.readLoop: read failed", "error", err)
			}
			loopErr = err
			return
		}
		c.handleMessage(data)
	}
}

// handleMessage processes one backend event. A panic while handling an
// event is logged and the event dropped.
func (c *Client) handleMessage(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Client.handleMessage: recovered from panic", "panic", r)
		}
	}()

	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("Client.handleMessage: malformed event", "error", err)
		return
	}

	switch ev.Type {
	case EventSessionCreated:
		slog.Debug("Client.handleMessage: session created")
	case EventSessionUpdated:
		c.onSessionUpdated()
	case EventResponseCreated:
		c.mu.Lock()
		c.responseActive = true
		c.disarmLocked()
		c.mu.Unlock()
	case EventResponseDone:
		c.onResponseDone()
	case EventAudioDelta:
		if c.handlers.OnAudio != nil && ev.Delta != "" {
			c.handlers.OnAudio(ev.Delta)
		}
	case EventAudioDone:
		if c.handlers.OnAudioDone != nil {
			c.handlers.OnAudioDone()
		}
	case EventAudioTranscriptDelta:
		c.mu.Lock()
		c.assistantText.WriteString(ev.Delta)
		c.mu.Unlock()
	case EventAudioTranscriptDone:
		c.flushTranscript(RoleAssistant, ev.Transcript)
	case EventInputTranscriptDelta:
		c.mu.Lock()
		c.callerText.WriteString(ev.Delta)
		c.mu.Unlock()
	case EventInputTranscriptDone:
		c.flushTranscript(RoleCaller, ev.Transcript)
	case EventFunctionCallDone:
		c.onFunctionCall(ev)
	case EventSpeechStarted:
		c.onSpeechStarted()
	case EventSpeechStopped:
		c.mu.Lock()
		c.callerSpeaking = false
		c.mu.Unlock()
	case EventError:
		err := error(ev.Error)
		if ev.Error == nil {
			err = errors.New("realtime: unspecified backend error")
		}
		slog.Error("Client.handleMessage: backend error", "error", err)
		if c.handlers.OnError != nil {
			c.handlers.OnError(err)
		}
	default:
		slog.Debug("Client.handleMessage: ignored event", "type", ev.Type)
	}
}

func (c *Client) onSessionUpdated() {
	c.mu.Lock()
	if c.greeted {
		c.mu.Unlock()
		return
	}
	c.greeted = true
	c.mu.Unlock()

	var err error
	if c.cfg.Greeting != "" {
		err = c.SendSystemMessage(c.cfg.Greeting)
	} else {
		err = c.send(bareEvent{Type: EventResponseCreate})
	}
	if err != nil {
		slog.Error("Client.onSessionUpdated: greeting failed", "error", err)
	}
}

func (c *Client) onResponseDone() {
	c.mu.Lock()
	c.responseActive = false
	c.cancelling = false
	reply := c.pendingReply
	c.pendingReply = false
	if !reply {
		c.armLocked()
	}
	c.mu.Unlock()

	if reply {
		if err := c.send(bareEvent{Type: EventResponseCreate}); err != nil {
			slog.Error("Client.onResponseDone: response.create failed", "error", err)
		}
	}
}

func (c *Client) flushTranscript(role, final string) {
	c.mu.Lock()
	buf := &c.assistantText
	if role == RoleCaller {
		buf = &c.callerText
	}
	text := buf.String()
	buf.Reset()
	c.mu.Unlock()

	if final != "" {
		text = final
	}
	text = strings.TrimSpace(text)
	if text == "" || c.handlers.OnTranscript == nil {
		return
	}
	c.handlers.OnTranscript(role, text)
}

func (c *Client) onFunctionCall(ev ServerEvent) {
	output := `{"ok":false,"error":"no function handler configured"}`
	if c.handlers.OnFunctionCall != nil {
		output = c.handlers.OnFunctionCall(c.ctx, ev.Name, ev.Arguments)
	}
	slog.Debug("Client.onFunctionCall: handled", "name", ev.Name, "callID", ev.CallID)

	if err := c.send(functionOutput(ev.CallID, output)); err != nil {
		slog.Error("Client.onFunctionCall: sending output failed", "name", ev.Name, "error", err)
		return
	}

	// The backend rejects response.create while a response is still open,
	// including one being cancelled, so the follow-up turn waits for
	// response.done.
	c.mu.Lock()
	active := c.responseActive
	if active {
		c.pendingReply = true
	}
	c.mu.Unlock()
	if !active {
		if err := c.send(bareEvent{Type: EventResponseCreate}); err != nil {
			slog.Error("Client.onFunctionCall: response.create failed", "error", err)
		}
	}
}

func (c *Client) onSpeechStarted() {
	c.mu.Lock()
	c.callerSpeaking = true
	c.reprompts = 0
	c.disarmLocked()
	// A cancelled response stays open until its response.done arrives.
	interrupt := c.responseActive && !c.cancelling
	if interrupt {
		c.cancelling = true
	}
	c.mu.Unlock()

	if !interrupt {
		return
	}
	if err := c.send(bareEvent{Type: EventResponseCancel}); err != nil {
		slog.Error("Client.onSpeechStarted: response.cancel failed", "error", err)
	}
	if c.handlers.OnInterrupt != nil {
		c.handlers.OnInterrupt()
	}
}

// armLocked schedules a silence re-prompt. c.mu must be held.
func (c *Client) armLocked() {
	if c.closed || c.concluding || c.callerSpeaking || c.reprompts >= c.cfg.MaxReprompts {
		return
	}
	c.disarmLocked()
	delay := c.cfg.SilenceFirstTimeout
	if c.reprompts > 0 {
		delay = c.cfg.SilenceRepromptTimeout
	}
	if delay <= 0 {
		return
	}
	gen := c.silenceGen
	id, err := c.timer.ScheduleAfter(delay, func() { c.onSilence(gen) })
	if err != nil {
		slog.Error("Client.armLocked: schedule failed", "error", err)
		return
	}
	c.silenceID = id
}

// disarmLocked cancels any pending silence timer and invalidates one that is
// already running. c.mu must be held.
func (c *Client) disarmLocked() {
	c.silenceGen++
	if c.silenceID != "" {
		_ = c.timer.Cancel(c.silenceID)
		c.silenceID = ""
	}
}

func (c *Client) onSilence(gen uint64) {
	c.mu.Lock()
	if gen != c.silenceGen || c.closed || c.concluding || c.reprompts >= c.cfg.MaxReprompts {
		c.mu.Unlock()
		return
	}
	idx := c.reprompts
	if idx >= len(c.cfg.RepromptMessages) {
		idx = len(c.cfg.RepromptMessages) - 1
	}
	msg := c.cfg.RepromptMessages[idx]
	c.reprompts++
	count := c.reprompts
	c.silenceID = ""
	c.mu.Unlock()

	slog.Info("Client.onSilence: re-prompting caller", "reprompt", count)
	if err := c.SendSystemMessage(msg); err != nil {
		slog.Error("Client.onSilence: re-prompt failed", "error", err)
	}
}
