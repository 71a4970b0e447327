package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/BTreeMap/IntakeLine/internal/timer"
)

type fakeConn struct {
	mu        sync.Mutex
	writes    [][]byte
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case d := <-f.in:
		return websocket.TextMessage, d, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) events() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.writes))
	for _, w := range f.writes {
		var m map[string]any
		_ = json.Unmarshal(w, &m)
		out = append(out, m)
	}
	return out
}

func (f *fakeConn) types() []string {
	var out []string
	for _, ev := range f.events() {
		out = append(out, ev["type"].(string))
	}
	return out
}

func (f *fakeConn) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = nil
}

// newAttached returns a client wired to a fake connection without a read loop,
// so tests can feed events synchronously.
func newAttached(cfg Config, h Handlers) (*Client, *fakeConn, *timer.Manual) {
	m := timer.NewManual()
	fc := newFakeConn()
	c := NewClient(cfg, h, WithTimer(m))
	c.conn = fc
	return c, fc, m
}

func feed(c *Client, events ...string) {
	for _, e := range events {
		c.handleMessage([]byte(e))
	}
}

func ev(typ string) string {
	return `{"type":"` + typ + `"}`
}

func equalTypes(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestConnect_ConfiguresSessionFirst(t *testing.T) {
	fc := newFakeConn()
	var gotURL string
	var gotHeader http.Header
	dialer := func(_ context.Context, rawURL string, h http.Header) (Conn, error) {
		gotURL, gotHeader = rawURL, h
		return fc, nil
	}

	closed := make(chan error, 1)
	cfg := DefaultConfig()
	cfg.APIKey = "sk-test"
	cfg.Tools = []Tool{{Type: "function", Name: "end_call"}}
	c := NewClient(cfg, Handlers{OnClose: func(err error) { closed <- err }},
		WithDialer(dialer), WithTimer(timer.NewManual()))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if !strings.Contains(gotURL, "model="+DefaultModel) {
		t.Errorf("expected model query parameter, got %s", gotURL)
	}
	if gotHeader.Get("Authorization") != "Bearer sk-test" || gotHeader.Get("OpenAI-Beta") != "realtime=v1" {
		t.Errorf("unexpected headers %v", gotHeader)
	}

	evs := fc.events()
	if len(evs) != 1 || evs[0]["type"] != EventSessionUpdate {
		t.Fatalf("expected a single session.update, got %v", fc.types())
	}
	session := evs[0]["session"].(map[string]any)
	if session["input_audio_format"] != AudioFormatULaw || session["output_audio_format"] != AudioFormatULaw {
		t.Errorf("expected mu-law both ways, got %v", session)
	}
	if session["tool_choice"] != "auto" {
		t.Errorf("expected tool_choice auto, got %v", session["tool_choice"])
	}
	td := session["turn_detection"].(map[string]any)
	if td["type"] != "server_vad" || td["silence_duration_ms"].(float64) != 500 {
		t.Errorf("unexpected turn detection %v", td)
	}

	_ = c.Close()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit after Close")
	}
	if err := <-closed; err != nil {
		t.Errorf("expected nil close error for a local close, got %v", err)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	dialErr := errors.New("refused")
	c := NewClient(DefaultConfig(), Handlers{}, WithDialer(func(context.Context, string, http.Header) (Conn, error) {
		return nil, dialErr
	}))
	if err := c.Connect(context.Background()); !errors.Is(err, dialErr) {
		t.Fatalf("expected dial error, got %v", err)
	}
	_ = c.Close()
	select {
	case <-c.Done():
	default:
		t.Error("Done should be closed after Close on a client that never connected")
	}
}

func TestReadLoop_RemoteCloseReportsError(t *testing.T) {
	fc := newFakeConn()
	closed := make(chan error, 1)
	c := NewClient(DefaultConfig(), Handlers{OnClose: func(err error) { closed <- err }},
		WithDialer(func(context.Context, string, http.Header) (Conn, error) { return fc, nil }),
		WithTimer(timer.NewManual()))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	_ = fc.Close()
	select {
	case err := <-closed:
		if err == nil {
			t.Error("expected an error when the backend drops the connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose not called")
	}
}

func TestGreeting_OnlyAfterSessionUpdated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Greeting = "Greet the caller."
	c, fc, _ := newAttached(cfg, Handlers{})

	feed(c, ev(EventSessionCreated))
	if len(fc.types()) != 0 {
		t.Fatalf("nothing should be sent before session.updated, got %v", fc.types())
	}

	feed(c, ev(EventSessionUpdated))
	if !equalTypes(fc.types(), EventItemCreate, EventResponseCreate) {
		t.Fatalf("expected greeting item then response.create, got %v", fc.types())
	}
	item := fc.events()[0]["item"].(map[string]any)
	if item["role"] != "system" {
		t.Errorf("expected a system item, got %v", item)
	}

	feed(c, ev(EventSessionUpdated))
	if len(fc.types()) != 2 {
		t.Errorf("greeting must be sent once, got %v", fc.types())
	}
}

func TestTranscript_AssembledOnlyOnDone(t *testing.T) {
	type line struct{ role, text string }
	var lines []line
	c, _, _ := newAttached(DefaultConfig(), Handlers{
		OnTranscript: func(role, text string) { lines = append(lines, line{role, text}) },
	})

	feed(c,
		`{"type":"response.audio_transcript.delta","delta":"Hello, "}`,
		`{"type":"response.audio_transcript.delta","delta":"how can I help?"}`,
		`{"type":"conversation.item.input_audio_transcription.delta","delta":"I need"}`,
	)
	if len(lines) != 0 {
		t.Fatalf("no transcript should be emitted before done, got %v", lines)
	}

	feed(c, ev(EventAudioTranscriptDone))
	feed(c, `{"type":"conversation.item.input_audio_transcription.completed","transcript":"I need help with my claim"}`)

	want := []line{
		{RoleAssistant, "Hello, how can I help?"},
		{RoleCaller, "I need help with my claim"},
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %v", len(want), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %v, want %v", i, lines[i], want[i])
		}
	}

	feed(c, ev(EventAudioTranscriptDone))
	if len(lines) != 2 {
		t.Errorf("an empty utterance must not be emitted, got %v", lines)
	}
}

func TestFunctionCall_OutputThenResponse(t *testing.T) {
	var gotName, gotArgs string
	c, fc, _ := newAttached(DefaultConfig(), Handlers{
		OnFunctionCall: func(_ context.Context, name, args string) string {
			gotName, gotArgs = name, args
			return `{"ok":true}`
		},
	})

	feed(c, ev(EventResponseCreated))
	feed(c, `{"type":"response.function_call_arguments.done","name":"record_education","arguments":"{\"level\":\"high_school\"}","call_id":"call_1"}`)

	if gotName != "record_education" || gotArgs != `{"level":"high_school"}` {
		t.Errorf("handler got %q %q", gotName, gotArgs)
	}
	if !equalTypes(fc.types(), EventItemCreate) {
		t.Fatalf("expected only the function output while the response is open, got %v", fc.types())
	}
	item := fc.events()[0]["item"].(map[string]any)
	if item["type"] != "function_call_output" || item["call_id"] != "call_1" || item["output"] != `{"ok":true}` {
		t.Errorf("unexpected output item %v", item)
	}

	feed(c, ev(EventResponseDone))
	if !equalTypes(fc.types(), EventItemCreate, EventResponseCreate) {
		t.Errorf("expected response.create after response.done, got %v", fc.types())
	}

	fc.reset()
	feed(c, `{"type":"response.function_call_arguments.done","name":"end_call","arguments":"{}","call_id":"call_2"}`)
	if !equalTypes(fc.types(), EventItemCreate, EventResponseCreate) {
		t.Errorf("expected immediate response.create with no open response, got %v", fc.types())
	}
}

func TestFunctionCall_NoHandler(t *testing.T) {
	c, fc, _ := newAttached(DefaultConfig(), Handlers{})
	feed(c, `{"type":"response.function_call_arguments.done","name":"x","arguments":"{}","call_id":"c"}`)
	item := fc.events()[0]["item"].(map[string]any)
	if !strings.Contains(item["output"].(string), `"ok":false`) {
		t.Errorf("expected a failure acknowledgment, got %v", item["output"])
	}
}

func TestBargeIn(t *testing.T) {
	interrupts := 0
	c, fc, _ := newAttached(DefaultConfig(), Handlers{OnInterrupt: func() { interrupts++ }})

	feed(c, ev(EventSpeechStarted))
	if len(fc.types()) != 0 || interrupts != 0 {
		t.Fatalf("speech with no active response must not cancel, got %v", fc.types())
	}

	feed(c, ev(EventSpeechStopped), ev(EventResponseCreated), ev(EventSpeechStarted))
	if !equalTypes(fc.types(), EventResponseCancel) {
		t.Errorf("expected response.cancel, got %v", fc.types())
	}
	if interrupts != 1 {
		t.Errorf("expected one interrupt, got %d", interrupts)
	}
}

func TestBargeIn_FunctionCallDuringCancel(t *testing.T) {
	c, fc, _ := newAttached(DefaultConfig(), Handlers{
		OnFunctionCall: func(context.Context, string, string) string { return `{"ok":true}` },
	})

	feed(c, ev(EventResponseCreated), ev(EventSpeechStarted))
	feed(c, `{"type":"response.function_call_arguments.done","name":"record_education","arguments":"{}","call_id":"call_1"}`)
	if !equalTypes(fc.types(), EventResponseCancel, EventItemCreate) {
		t.Fatalf("expected the follow-up to wait for the cancelled response, got %v", fc.types())
	}

	feed(c, ev(EventSpeechStarted))
	if !equalTypes(fc.types(), EventResponseCancel, EventItemCreate) {
		t.Fatalf("a response already being cancelled must not be cancelled again, got %v", fc.types())
	}

	feed(c, ev(EventResponseDone))
	if !equalTypes(fc.types(), EventResponseCancel, EventItemCreate, EventResponseCreate) {
		t.Errorf("expected response.create after the cancelled response finished, got %v", fc.types())
	}
}

func silenceConfig() Config {
	cfg := DefaultConfig()
	cfg.SilenceFirstTimeout = 10 * time.Second
	cfg.SilenceRepromptTimeout = 7 * time.Second
	cfg.MaxReprompts = 2
	cfg.RepromptMessages = []string{"first nudge", "second nudge"}
	return cfg
}

func systemTexts(fc *fakeConn) []string {
	var out []string
	for _, e := range fc.events() {
		if e["type"] != EventItemCreate {
			continue
		}
		item := e["item"].(map[string]any)
		if item["role"] != "system" {
			continue
		}
		content := item["content"].([]any)
		out = append(out, content[0].(map[string]any)["text"].(string))
	}
	return out
}

func TestSilence_RepromptCap(t *testing.T) {
	c, fc, m := newAttached(silenceConfig(), Handlers{})

	feed(c, ev(EventResponseCreated), ev(EventResponseDone))
	if p := m.Pending(); len(p) != 1 || p[0] != 10*time.Second {
		t.Fatalf("expected first arming at 10s, got %v", p)
	}

	for i := 0; i < 5; i++ {
		if !m.Fire() {
			break
		}
		feed(c, ev(EventResponseCreated), ev(EventResponseDone))
		if p := m.Pending(); len(p) == 1 && p[0] != 7*time.Second {
			t.Errorf("re-arm should use the shorter timeout, got %v", p)
		}
	}

	if got := c.Reprompts(); got != 2 {
		t.Errorf("expected reprompts capped at 2, got %d", got)
	}
	texts := systemTexts(fc)
	if len(texts) != 2 || texts[0] != "first nudge" || texts[1] != "second nudge" {
		t.Errorf("unexpected re-prompts %v", texts)
	}
	if len(m.Pending()) != 0 {
		t.Errorf("no timer should be armed at the cap, got %v", m.Pending())
	}
}

func TestSilence_MessagesPersistAtLast(t *testing.T) {
	cfg := silenceConfig()
	cfg.MaxReprompts = 3
	c, fc, m := newAttached(cfg, Handlers{})

	feed(c, ev(EventResponseDone))
	for m.Fire() {
		feed(c, ev(EventResponseCreated), ev(EventResponseDone))
	}
	texts := systemTexts(fc)
	if len(texts) != 3 || texts[2] != "second nudge" {
		t.Errorf("expected the last message to repeat, got %v", texts)
	}
}

func TestSilence_SpeechResets(t *testing.T) {
	c, _, m := newAttached(silenceConfig(), Handlers{})

	feed(c, ev(EventResponseDone))
	m.Fire()
	if c.Reprompts() != 1 {
		t.Fatalf("expected one re-prompt, got %d", c.Reprompts())
	}
	feed(c, ev(EventResponseCreated), ev(EventResponseDone))
	if len(m.Pending()) != 1 {
		t.Fatalf("expected a re-armed timer")
	}

	feed(c, ev(EventSpeechStarted))
	if len(m.Pending()) != 0 {
		t.Errorf("speech must cancel the silence timer, got %v", m.Pending())
	}
	if c.Reprompts() != 0 {
		t.Errorf("speech must reset the re-prompt count, got %d", c.Reprompts())
	}

	feed(c, ev(EventResponseDone))
	if len(m.Pending()) != 0 {
		t.Errorf("no arming while the caller is still speaking, got %v", m.Pending())
	}
	feed(c, ev(EventSpeechStopped), ev(EventResponseCreated), ev(EventResponseDone))
	if p := m.Pending(); len(p) != 1 || p[0] != 10*time.Second {
		t.Errorf("expected a fresh first-timeout arming, got %v", p)
	}
}

func TestSilence_ConcludingStopsInFlightTimer(t *testing.T) {
	c, fc, m := newAttached(silenceConfig(), Handlers{})

	feed(c, ev(EventResponseDone))
	inFlight := m.FireFunc()
	if inFlight == nil {
		t.Fatal("expected an armed timer")
	}
	c.MarkConcluding()
	if len(m.Pending()) != 0 {
		t.Errorf("concluding must cancel the pending timer, got %v", m.Pending())
	}
	inFlight()
	if len(fc.types()) != 0 {
		t.Errorf("no re-prompt after concluding, got %v", fc.types())
	}

	feed(c, ev(EventResponseCreated), ev(EventResponseDone))
	if len(m.Pending()) != 0 {
		t.Errorf("no arming after concluding, got %v", m.Pending())
	}
}

func TestSilence_StaleTimerIgnored(t *testing.T) {
	c, fc, m := newAttached(silenceConfig(), Handlers{})

	feed(c, ev(EventResponseDone))
	stale := m.FireFunc()
	feed(c, ev(EventResponseCreated))
	stale()
	if len(fc.types()) != 0 {
		t.Errorf("stale timer must not re-prompt, got %v", fc.types())
	}
	if c.Reprompts() != 0 {
		t.Errorf("stale timer must not count, got %d", c.Reprompts())
	}
}

func TestHandleMessage_Resilience(t *testing.T) {
	var errs []error
	c, _, _ := newAttached(DefaultConfig(), Handlers{
		OnAudio: func(string) { panic("boom") },
		OnError: func(err error) { errs = append(errs, err) },
	})

	feed(c, "not json", `{"type":"response.audio.delta","delta":"AAAA"}`, `{"type":"some.future.event"}`)
	feed(c, `{"type":"error","error":{"type":"invalid_request_error","code":"bad_param","message":"nope"}}`)

	if len(errs) != 1 {
		t.Fatalf("expected one backend error, got %v", errs)
	}
	var se *ServerError
	if !errors.As(errs[0], &se) || se.Code != "bad_param" {
		t.Errorf("expected a ServerError with the backend code, got %v", errs[0])
	}
}

func TestAudioRelay(t *testing.T) {
	var chunks []string
	done := 0
	c, fc, _ := newAttached(DefaultConfig(), Handlers{
		OnAudio:     func(p string) { chunks = append(chunks, p) },
		OnAudioDone: func() { done++ },
	})
	feed(c, `{"type":"response.audio.delta","delta":"AAA="}`, `{"type":"response.audio.delta","delta":"BBB="}`, ev(EventAudioDone))
	if len(chunks) != 2 || chunks[0] != "AAA=" || done != 1 {
		t.Errorf("unexpected relay %v done=%d", chunks, done)
	}

	if err := c.SendAudio("CCC="); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	evs := fc.events()
	if evs[0]["type"] != EventInputAudioAppend || evs[0]["audio"] != "CCC=" {
		t.Errorf("unexpected append %v", evs[0])
	}

	_ = c.Close()
	if err := c.SendAudio("DDD="); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}

func TestToolsFromDefinitions(t *testing.T) {
	defs := []shared.FunctionDefinitionParam{{
		Name:        "end_call",
		Description: openai.String("Hang up"),
		Parameters:  shared.FunctionParameters{"type": "object"},
	}}
	tools := ToolsFromDefinitions(defs)
	if len(tools) != 1 || tools[0].Type != "function" || tools[0].Description != "Hang up" || tools[0].Parameters["type"] != "object" {
		t.Errorf("unexpected tools %+v", tools)
	}
}
