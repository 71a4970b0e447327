package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/BTreeMap/IntakeLine/internal/models"
)

// DefaultEmailTimeout bounds one email API request.
const DefaultEmailTimeout = 15 * time.Second

// Email is one outgoing message.
type Email struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

// EmailSender delivers an email.
type EmailSender interface {
	SendEmail(ctx context.Context, email Email) error
}

// HTTPEmailSender posts messages to a JSON email API with a bearer key.
type HTTPEmailSender struct {
	client *resty.Client
	url    string
}

// NewHTTPEmailSender creates a sender for the API at url.
func NewHTTPEmailSender(url, apiKey string, httpClient *http.Client) *HTTPEmailSender {
	var client *resty.Client
	if httpClient != nil {
		client = resty.NewWithClient(httpClient)
	} else {
		client = resty.New()
	}
	client.
		SetTimeout(DefaultEmailTimeout).
		SetRetryCount(1).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}
	return &HTTPEmailSender{client: client, url: url}
}

// SendEmail implements EmailSender.
func (s *HTTPEmailSender) SendEmail(ctx context.Context, email Email) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(email).
		Post(s.url)
	if err != nil {
		return fmt.Errorf("send email to %s: %w", email.To, err)
	}
	if resp.IsError() {
		return fmt.Errorf("send email to %s: status %d", email.To, resp.StatusCode())
	}
	slog.Debug("HTTPEmailSender.SendEmail: sent", "to", email.To, "subject", email.Subject)
	return nil
}

// Summarizer writes a free-text staff summary of a call.
type Summarizer interface {
	SummarizeCall(ctx context.Context, result models.IntakeResult) (string, error)
}

// EmailOpts holds configuration options for EmailNotifier.
type EmailOpts struct {
	From       string
	StaffTo    string
	Ledger     Ledger
	Summarizer Summarizer
	OfficeName string
}

// EmailOption configures an EmailNotifier.
type EmailOption func(*EmailOpts)

// WithEmailFrom sets the sender address.
func WithEmailFrom(from string) EmailOption {
	return func(o *EmailOpts) { o.From = from }
}

// WithStaffEmail sets the intake team address.
func WithStaffEmail(to string) EmailOption {
	return func(o *EmailOpts) { o.StaffTo = to }
}

// WithEmailLedger sets the at-most-once ledger.
func WithEmailLedger(l Ledger) EmailOption {
	return func(o *EmailOpts) { o.Ledger = l }
}

// WithSummarizer adds a generated summary to staff emails.
func WithSummarizer(s Summarizer) EmailOption {
	return func(o *EmailOpts) { o.Summarizer = s }
}

// WithEmailOfficeName sets the name used in caller emails.
func WithEmailOfficeName(name string) EmailOption {
	return func(o *EmailOpts) { o.OfficeName = name }
}

// EmailNotifier sends the staff intake notice and the caller confirmation email.
type EmailNotifier struct {
	sender EmailSender
	opts   EmailOpts
}

// NewEmailNotifier creates an email notifier.
func NewEmailNotifier(sender EmailSender, opts ...EmailOption) *EmailNotifier {
	cfg := EmailOpts{OfficeName: "our office"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &EmailNotifier{sender: sender, opts: cfg}
}

// NotifyStaff emails the intake team. It reports whether a message was sent.
func (n *EmailNotifier) NotifyStaff(ctx context.Context, result models.IntakeResult) (bool, error) {
	if n.opts.StaffTo == "" {
		slog.Info("EmailNotifier.NotifyStaff: skipped", "intakeID", result.IntakeID, "reason", "no_staff_address")
		return false, nil
	}
	if ok, err := n.claim(ctx, result.IntakeID, KindEmailStaff); !ok || err != nil {
		return false, err
	}

	summary := ""
	if n.opts.Summarizer != nil {
		s, err := n.opts.Summarizer.SummarizeCall(ctx, result)
		if err != nil {
			slog.Warn("EmailNotifier.NotifyStaff: summary unavailable", "intakeID", result.IntakeID, "error", err)
		} else {
			summary = s
		}
	}

	email := Email{
		From:    n.opts.From,
		To:      n.opts.StaffTo,
		Subject: StaffSubject(result),
		Text:    StaffBody(result, summary),
	}
	if err := n.sender.SendEmail(ctx, email); err != nil {
		slog.Error("EmailNotifier.NotifyStaff: send failed", "intakeID", result.IntakeID, "error", err)
		return false, err
	}
	slog.Info("EmailNotifier.NotifyStaff: sent", "intakeID", result.IntakeID)
	return true, nil
}

// NotifyCaller emails the caller a confirmation when they gave an address.
func (n *EmailNotifier) NotifyCaller(ctx context.Context, result models.IntakeResult) (bool, error) {
	to := strings.TrimSpace(result.Record.Demographics.Email)
	if to == "" || !strings.Contains(to, "@") {
		slog.Info("EmailNotifier.NotifyCaller: skipped", "intakeID", result.IntakeID, "reason", "no_email")
		return false, nil
	}
	if ok, err := n.claim(ctx, result.IntakeID, KindEmailCaller); !ok || err != nil {
		return false, err
	}

	name := strings.TrimSpace(result.Record.Demographics.Name)
	if name == "" {
		name = "there"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\nThank you for calling %s about your disability claim.\n", name, n.opts.OfficeName)
	if result.CaseRef != "" {
		fmt.Fprintf(&b, "Your case reference is %s. Please keep it handy if you call again.\n", result.CaseRef)
	}
	b.WriteString("A member of our team will review your information and contact you.\n")

	email := Email{
		From:    n.opts.From,
		To:      to,
		Subject: "We received your call",
		Text:    b.String(),
	}
	if err := n.sender.SendEmail(ctx, email); err != nil {
		slog.Error("EmailNotifier.NotifyCaller: send failed", "intakeID", result.IntakeID, "error", err)
		return false, err
	}
	slog.Info("EmailNotifier.NotifyCaller: sent", "intakeID", result.IntakeID)
	return true, nil
}

// StaffEffect and CallerEffect adapt the notifier to post-finalize effects.
func (n *EmailNotifier) StaffEffect(ctx context.Context, result models.IntakeResult) error {
	_, err := n.NotifyStaff(ctx, result)
	return err
}

func (n *EmailNotifier) CallerEffect(ctx context.Context, result models.IntakeResult) error {
	_, err := n.NotifyCaller(ctx, result)
	return err
}

func (n *EmailNotifier) claim(ctx context.Context, intakeID, kind string) (bool, error) {
	if n.opts.Ledger == nil {
		return true, nil
	}
	first, err := n.opts.Ledger.RecordNotification(ctx, intakeID, kind)
	if err != nil {
		return false, fmt.Errorf("record %s notification: %w", kind, err)
	}
	if !first {
		slog.Info("EmailNotifier: skipped", "intakeID", intakeID, "kind", kind, "reason", "duplicate")
	}
	return first, nil
}

// StaffSubject is the subject line of the staff notice.
func StaffSubject(result models.IntakeResult) string {
	var b strings.Builder
	if result.Flags.Urgent || result.Flags.CrisisMentioned {
		b.WriteString("[URGENT] ")
	}
	fmt.Fprintf(&b, "New intake %s", result.CaseRef)
	if result.Scoring != nil {
		fmt.Fprintf(&b, " - score %d (%s)", result.Scoring.Score, result.Scoring.Recommendation)
	} else {
		b.WriteString(" - not scored")
	}
	return b.String()
}

// StaffBody renders the staff notice.
func StaffBody(result models.IntakeResult, summary string) string {
	rec := result.Record
	var b strings.Builder
	fmt.Fprintf(&b, "Case reference: %s\nIntake ID: %s\n", result.CaseRef, result.IntakeID)
	fmt.Fprintf(&b, "Caller: %s  Phone: %s\n", orDash(rec.Demographics.Name), orDash(result.SMSDestination()))
	if age, ok := rec.AgeValue(); ok {
		fmt.Fprintf(&b, "Age: %d\n", age)
	}
	fmt.Fprintf(&b, "Outcome: %s  Duration: %s\n", result.Outcome, result.Duration().Round(time.Second))
	if result.Flags.Urgent {
		fmt.Fprintf(&b, "URGENT: %s\n", orDash(result.Flags.UrgentReason))
	}
	if result.Flags.CrisisMentioned {
		b.WriteString("Caller mentioned a crisis. Follow the crisis protocol.\n")
	}
	if result.Flags.TransferRequested {
		b.WriteString("Caller asked to speak with staff.\n")
	}
	if rec.Callback != nil && rec.Callback.Requested {
		fmt.Fprintf(&b, "Callback requested: %s\n", orDash(rec.Callback.PreferredTime))
	}

	if s := result.Scoring; s != nil {
		fmt.Fprintf(&b, "\nScore: %d (%s)\nViability: %s  Approval likelihood: %s\nCallback: %s\n",
			s.Score, s.Recommendation, s.Viability, s.ApprovalLikelihood, s.CallbackTimeframe)
		writeList(&b, "Strengths", s.Strengths)
		writeList(&b, "Concerns", s.Concerns)
	} else if result.ScoringError != "" {
		fmt.Fprintf(&b, "\nScoring failed: %s\n", result.ScoringError)
	}

	if len(rec.Medical.Conditions) > 0 {
		fmt.Fprintf(&b, "\nConditions: %s\n", strings.Join(rec.Medical.Conditions, ", "))
	}
	if summary != "" {
		fmt.Fprintf(&b, "\nSummary:\n%s\n", summary)
	}
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "  - %s\n", it)
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
