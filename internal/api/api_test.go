package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/IntakeLine/internal/call"
	"github.com/BTreeMap/IntakeLine/internal/models"
	"github.com/BTreeMap/IntakeLine/internal/store"
	"github.com/BTreeMap/IntakeLine/internal/telephony"
)

type fakeCalls struct {
	served chan string
}

func (f *fakeCalls) Serve(ctx context.Context, conn telephony.Conn) (*models.IntakeResult, error) {
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, append([]byte("echo:"), msg...)); err != nil {
		return nil, err
	}
	f.served <- string(msg)
	return &models.IntakeResult{IntakeID: "in_1", Outcome: models.OutcomeCompleted}, nil
}

type fakeActive struct{ calls []call.CallInfo }

func (f fakeActive) Count() int { return len(f.calls) }
func (f fakeActive) List() []call.CallInfo { return f.calls }

type errReader struct{}

func (errReader) GetIntake(ctx context.Context, id string) (*models.IntakeResult, error) {
	return nil, errors.New("db down")
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rr.Body.String(), err)
	}
	return resp
}

func voiceForm() url.Values {
	return url.Values{
		"CallSid":   {"CA123"},
		"From":      {"+15552223333"},
		"FromCity":  {"DAYTON"},
		"FromState": {"OH"},
	}
}

func postForm(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

// sign reproduces the carrier's X-Twilio-Signature.
func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVoiceHandler_ConnectsStream(t *testing.T) {
	s := NewServer(&fakeCalls{}, nil, nil, WithPublicBaseURL("https://intake.example.com/"))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, postForm("/twilio/voice", voiceForm()))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"<Connect>",
		"wss://intake.example.com/media-stream",
		"+15552223333",
		"DAYTON",
		telephony.ParamCaseRef,
		"IL-",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("TwiML missing %q:\n%s", want, body)
		}
	}
}

func TestVoiceHandler_VoicemailWithoutBackend(t *testing.T) {
	s := NewServer(nil, nil, nil, WithVoicemailMessage("Leave a message please."))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, postForm("/twilio/voice", voiceForm()))

	body := rr.Body.String()
	if !strings.Contains(body, "<Record") || !strings.Contains(body, "Leave a message please.") {
		t.Errorf("expected voicemail TwiML, got:\n%s", body)
	}
	if strings.Contains(body, "<Stream") {
		t.Error("voicemail must not open a media stream")
	}
}

func TestVoiceHandler_SignatureValidation(t *testing.T) {
	const token = "secret-token"
	s := NewServer(&fakeCalls{}, nil, nil,
		WithPublicBaseURL("https://intake.example.com"),
		WithSignatureValidation(token))
	form := voiceForm()

	rr := httptest.NewRecorder()
	req := postForm("/twilio/voice", form)
	req.Header.Set("X-Twilio-Signature", "bogus")
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for bad signature, got %d", rr.Code)
	}
	if resp := decodeResponse(t, rr); resp.Status != string(models.APIStatusError) {
		t.Errorf("expected error envelope, got %+v", resp)
	}

	rr = httptest.NewRecorder()
	req = postForm("/twilio/voice", form)
	req.Header.Set("X-Twilio-Signature", sign(token, "https://intake.example.com/twilio/voice", form))
	s.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid signature, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRecordingHandler(t *testing.T) {
	s := NewServer(nil, nil, nil)
	rr := httptest.NewRecorder()
	form := url.Values{"CallSid": {"CA1"}, "RecordingUrl": {"https://api.twilio.com/rec/RE1"}}
	s.Handler().ServeHTTP(rr, postForm(RecordingPath, form))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "<Hangup") {
		t.Errorf("unexpected response %d: %s", rr.Code, rr.Body.String())
	}
}

func TestMethodRouting(t *testing.T) {
	s := NewServer(nil, nil, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/twilio/voice", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}

func TestHealthAndActiveCalls(t *testing.T) {
	started := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	active := fakeActive{calls: []call.CallInfo{{SessionID: "s1", CaseRef: "IL-1", StartedAt: started, Urgent: true}}}
	s := NewServer(&fakeCalls{}, active, nil)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rr.Code)
	}
	var health struct {
		Status string       `json:"status"`
		Result healthStatus `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.Result.ActiveCalls != 1 || !health.Result.AIBackend {
		t.Errorf("unexpected health: %+v", health)
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/calls/active", nil))
	var list struct {
		Result []call.CallInfo `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Result) != 1 || list.Result[0].CaseRef != "IL-1" || !list.Result[0].Urgent {
		t.Errorf("unexpected active calls: %+v", list.Result)
	}
}

func TestActiveCalls_EmptyIsArray(t *testing.T) {
	s := NewServer(nil, nil, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/calls/active", nil))
	if !strings.Contains(rr.Body.String(), `"result":[]`) {
		t.Errorf("expected empty array, got %s", rr.Body.String())
	}
}

func TestGetIntakeHandler(t *testing.T) {
	st := store.NewInMemoryStore()
	if _, err := st.SaveIntake(context.Background(), models.IntakeResult{IntakeID: "in_42", CaseRef: "IL-42"}); err != nil {
		t.Fatal(err)
	}
	s := NewServer(nil, nil, st)

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/intakes/in_42", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "IL-42") {
		t.Errorf("unexpected response %d: %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/intakes/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rr.Code)
	}

	s = NewServer(nil, nil, errReader{})
	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/intakes/x", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
}

func TestMediaStreamHandler(t *testing.T) {
	calls := &fakeCalls{served: make(chan string, 1)}
	srv := httptest.NewServer(NewServer(calls, nil, nil).Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + MediaStreamPath
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"connected"}`)); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(msg) != `echo:{"event":"connected"}` {
		t.Errorf("unexpected echo %q", msg)
	}
	select {
	case got := <-calls.served:
		if got != `{"event":"connected"}` {
			t.Errorf("served %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call server was not invoked")
	}
}

func TestMediaStreamHandler_NoBackend(t *testing.T) {
	s := NewServer(nil, nil, nil)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, MediaStreamPath, nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rr.Code)
	}
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://intake.example.com", "wss://intake.example.com/media-stream"},
		{"http://localhost:8080", "ws://localhost:8080/media-stream"},
		{"", "wss://calls.local/media-stream"},
	}
	for _, tt := range tests {
		s := NewServer(nil, nil, nil, WithPublicBaseURL(tt.base))
		req := httptest.NewRequest(http.MethodPost, "/twilio/voice", nil)
		req.Host = "calls.local"
		if got := s.streamURL(req); got != tt.want {
			t.Errorf("streamURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}
