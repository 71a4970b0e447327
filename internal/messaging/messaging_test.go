package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/IntakeLine/internal/models"
)

type memLedger struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (l *memLedger) RecordNotification(ctx context.Context, intakeID, kind string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	if l.seen == nil {
		l.seen = make(map[string]bool)
	}
	key := intakeID + "/" + kind
	if l.seen[key] {
		return false, nil
	}
	l.seen[key] = true
	return true, nil
}

func boolPtr(b bool) *bool { return &b }

func testResult() models.IntakeResult {
	return models.IntakeResult{
		IntakeID: "intake-1",
		CaseRef:  "IL-7Q2K",
		Caller:   models.CallerInfo{Phone: "+15550001111"},
		Record: models.IntakeRecord{
			Demographics: models.Demographics{Name: "Dana", Phone: "(555) 222-3333"},
			Consent:      models.Consent{Given: boolPtr(true)},
		},
		Outcome:   models.OutcomeCompleted,
		StartedAt: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC),
		EndedAt:   time.Date(2026, 10, 19, 9, 12, 0, 0, time.UTC),
	}
}

func TestCanonicalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"(555) 222-3333", "+15552223333", false},
		{"1-555-222-3333", "+15552223333", false},
		{"+44 20 7946 0958", "+442079460958", false},
		{"+1 (555) 222-3333", "+15552223333", false},
		{"", "", true},
		{"call me", "", true},
		{"12345", "", true},
		{"25552223333", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalizePhone(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("CanonicalizePhone(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("CanonicalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSMSNotifier_ConsentGate(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		mutate  func(*models.IntakeResult)
		want    SMSOutcome
		sends   int
	}{
		{"disabled", false, func(*models.IntakeResult) {}, SMSSkippedDisabled, 0},
		{"consent never asked", true, func(r *models.IntakeResult) { r.Record.Consent.Given = nil }, SMSSkippedNoConsent, 0},
		{"consent declined", true, func(r *models.IntakeResult) { r.Record.Consent.Given = boolPtr(false) }, SMSSkippedNoConsent, 0},
		{"no usable phone", true, func(r *models.IntakeResult) {
			r.Record.Demographics.Phone = ""
			r.Caller.Phone = "anonymous"
		}, SMSSkippedNoPhone, 0},
		{"sent", true, func(*models.IntakeResult) {}, SMSSent, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender := &MockSMSSender{}
			n := NewSMSNotifier(sender, WithSMSEnabled(tt.enabled))
			r := testResult()
			tt.mutate(&r)
			got, err := n.Notify(context.Background(), r)
			if err != nil {
				t.Fatalf("Notify returned error: %v", err)
			}
			if got != tt.want {
				t.Errorf("outcome = %q, want %q", got, tt.want)
			}
			if len(sender.Messages()) != tt.sends {
				t.Errorf("sent %d messages, want %d", len(sender.Messages()), tt.sends)
			}
		})
	}
}

func TestSMSNotifier_SendsToConsentedNumber(t *testing.T) {
	sender := &MockSMSSender{}
	n := NewSMSNotifier(sender, WithSMSEnabled(true), WithOfficeName("Rivera Law"))
	r := testResult()
	r.Record.Consent.Phone = "555-444-1212"
	r.Record.Callback = &models.CallbackRequest{Requested: true, PreferredTime: "tomorrow morning"}

	if _, err := n.Notify(context.Background(), r); err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
	msgs := sender.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].To != "+15554441212" {
		t.Errorf("to = %q", msgs[0].To)
	}
	for _, want := range []string{"Rivera Law", "IL-7Q2K", "tomorrow morning", "Reply STOP"} {
		if !strings.Contains(msgs[0].Body, want) {
			t.Errorf("body %q missing %q", msgs[0].Body, want)
		}
	}
}

func TestSMSNotifier_LedgerPreventsDuplicates(t *testing.T) {
	sender := &MockSMSSender{}
	ledger := &memLedger{}
	n := NewSMSNotifier(sender, WithSMSEnabled(true), WithSMSLedger(ledger))
	r := testResult()

	first, err := n.Notify(context.Background(), r)
	if err != nil || first != SMSSent {
		t.Fatalf("first Notify = %q, %v", first, err)
	}
	second, err := n.Notify(context.Background(), r)
	if err != nil || second != SMSSkippedDuplicate {
		t.Fatalf("second Notify = %q, %v", second, err)
	}
	if len(sender.Messages()) != 1 {
		t.Errorf("expected exactly one message, got %d", len(sender.Messages()))
	}
}

func TestSMSNotifier_Errors(t *testing.T) {
	r := testResult()

	ledgerErr := errors.New("db down")
	n := NewSMSNotifier(&MockSMSSender{}, WithSMSEnabled(true), WithSMSLedger(&memLedger{err: ledgerErr}))
	if _, err := n.Notify(context.Background(), r); !errors.Is(err, ledgerErr) {
		t.Errorf("expected ledger error, got %v", err)
	}

	sendErr := errors.New("twilio 500")
	n = NewSMSNotifier(&MockSMSSender{Err: sendErr}, WithSMSEnabled(true))
	if err := n.Effect(context.Background(), r); !errors.Is(err, sendErr) {
		t.Errorf("expected send error, got %v", err)
	}
}

type fakeCreator struct {
	params *twilioApi.CreateMessageParams
	err    error
}

func (f *fakeCreator) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = params
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestTwilioSMSSender_SendSMS(t *testing.T) {
	creator := &fakeCreator{}
	s := &TwilioSMSSender{api: creator, from: "+15550009999"}
	if err := s.SendSMS(context.Background(), "+15552223333", "hi"); err != nil {
		t.Fatalf("SendSMS returned error: %v", err)
	}
	if *creator.params.To != "+15552223333" || *creator.params.From != "+15550009999" || *creator.params.Body != "hi" {
		t.Errorf("unexpected params: to=%s from=%s body=%s", *creator.params.To, *creator.params.From, *creator.params.Body)
	}

	creator.err = errors.New("invalid number")
	if err := s.SendSMS(context.Background(), "+1", "hi"); err == nil {
		t.Error("expected error from failing creator")
	}
}

func TestNewTwilioSMSSender_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewTwilioSMSSender(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewTwilioSMSSender(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	if _, err := NewTwilioSMSSender(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromNumber("+15550009999")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestHTTPEmailSender(t *testing.T) {
	var got Email
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got.To == "fail@example.com" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewHTTPEmailSender(srv.URL, "key-123", srv.Client())
	email := Email{From: "intake@example.com", To: "staff@example.com", Subject: "s", Text: "t"}
	if err := s.SendEmail(context.Background(), email); err != nil {
		t.Fatalf("SendEmail returned error: %v", err)
	}
	if auth != "Bearer key-123" {
		t.Errorf("Authorization = %q", auth)
	}
	if got != email {
		t.Errorf("server received %+v", got)
	}

	email.To = "fail@example.com"
	if err := s.SendEmail(context.Background(), email); err == nil {
		t.Error("expected error on 422")
	}
}

type recordingEmail struct {
	mu   sync.Mutex
	sent []Email
}

func (r *recordingEmail) SendEmail(ctx context.Context, e Email) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, e)
	return nil
}

type stubSummarizer struct {
	text string
	err  error
}

func (s stubSummarizer) SummarizeCall(ctx context.Context, result models.IntakeResult) (string, error) {
	return s.text, s.err
}

func TestEmailNotifier_NotifyStaff(t *testing.T) {
	sender := &recordingEmail{}
	ledger := &memLedger{}
	n := NewEmailNotifier(sender,
		WithEmailFrom("intake@example.com"),
		WithStaffEmail("team@example.com"),
		WithEmailLedger(ledger),
		WithSummarizer(stubSummarizer{text: "Dana called about back pain."}))

	r := testResult()
	r.Flags = models.CallFlags{Urgent: true, UrgentReason: "eviction notice"}
	r.Scoring = &models.ScoringResult{Score: 72, Recommendation: "accept", Strengths: []string{"age 55+"}}

	sent, err := n.NotifyStaff(context.Background(), r)
	if err != nil || !sent {
		t.Fatalf("NotifyStaff = %v, %v", sent, err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 email, got %d", len(sender.sent))
	}
	e := sender.sent[0]
	if e.To != "team@example.com" || e.From != "intake@example.com" {
		t.Errorf("unexpected addresses: %+v", e)
	}
	if !strings.HasPrefix(e.Subject, "[URGENT] New intake IL-7Q2K - score 72") {
		t.Errorf("subject = %q", e.Subject)
	}
	for _, want := range []string{"eviction notice", "age 55+", "Dana called about back pain.", "Duration: 12m0s"} {
		if !strings.Contains(e.Text, want) {
			t.Errorf("body missing %q:\n%s", want, e.Text)
		}
	}

	sent, err = n.NotifyStaff(context.Background(), r)
	if err != nil || sent {
		t.Errorf("duplicate NotifyStaff = %v, %v", sent, err)
	}
}

func TestEmailNotifier_SummaryFailureStillSends(t *testing.T) {
	sender := &recordingEmail{}
	n := NewEmailNotifier(sender, WithStaffEmail("team@example.com"),
		WithSummarizer(stubSummarizer{err: errors.New("rate limited")}))
	r := testResult()
	r.ScoringError = "remote scorer unavailable"

	if err := n.StaffEffect(context.Background(), r); err != nil {
		t.Fatalf("StaffEffect returned error: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 email, got %d", len(sender.sent))
	}
	if !strings.Contains(sender.sent[0].Subject, "not scored") || !strings.Contains(sender.sent[0].Text, "remote scorer unavailable") {
		t.Errorf("unexpected email: %+v", sender.sent[0])
	}
}

func TestEmailNotifier_NotifyCaller(t *testing.T) {
	sender := &recordingEmail{}
	n := NewEmailNotifier(sender, WithEmailOfficeName("Rivera Law"))
	r := testResult()

	sent, err := n.NotifyCaller(context.Background(), r)
	if err != nil || sent {
		t.Fatalf("without email NotifyCaller = %v, %v", sent, err)
	}

	r.Record.Demographics.Email = "dana@example.com"
	if err := n.CallerEffect(context.Background(), r); err != nil {
		t.Fatalf("CallerEffect returned error: %v", err)
	}
	if len(sender.sent) != 1 || sender.sent[0].To != "dana@example.com" {
		t.Fatalf("unexpected emails: %+v", sender.sent)
	}
	if !strings.Contains(sender.sent[0].Text, "Rivera Law") || !strings.Contains(sender.sent[0].Text, "IL-7Q2K") {
		t.Errorf("body = %q", sender.sent[0].Text)
	}
}
