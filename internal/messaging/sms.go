package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/IntakeLine/internal/models"
)

// SMSOutcome describes what happened to the caller confirmation text.
type SMSOutcome string

const (
	SMSSent             SMSOutcome = "sent"
	SMSSkippedDisabled  SMSOutcome = "skipped_disabled"
	SMSSkippedNoConsent SMSOutcome = "skipped_no_consent"
	SMSSkippedNoPhone   SMSOutcome = "skipped_no_phone"
	SMSSkippedDuplicate SMSOutcome = "skipped_duplicate"
)

// SMSOpts holds configuration options for SMSNotifier.
type SMSOpts struct {
	Enabled    bool
	Ledger     Ledger
	OfficeName string
}

// SMSOption configures an SMSNotifier.
type SMSOption func(*SMSOpts)

// WithSMSEnabled turns caller texts on or off.
func WithSMSEnabled(enabled bool) SMSOption {
	return func(o *SMSOpts) { o.Enabled = enabled }
}

// WithSMSLedger sets the at-most-once ledger.
func WithSMSLedger(l Ledger) SMSOption {
	return func(o *SMSOpts) { o.Ledger = l }
}

// WithOfficeName sets the sender name used in the message.
func WithOfficeName(name string) SMSOption {
	return func(o *SMSOpts) { o.OfficeName = name }
}

// SMSNotifier sends the caller a confirmation text when they agreed to one.
type SMSNotifier struct {
	sender SMSSender
	opts   SMSOpts
}

// NewSMSNotifier creates a notifier. Texts are disabled unless WithSMSEnabled(true) is given.
func NewSMSNotifier(sender SMSSender, opts ...SMSOption) *SMSNotifier {
	cfg := SMSOpts{OfficeName: "our office"}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &SMSNotifier{sender: sender, opts: cfg}
}

// Notify applies the consent gate and sends the confirmation. Every skip is
// logged with its own reason; only a delivery failure returns an error.
func (n *SMSNotifier) Notify(ctx context.Context, result models.IntakeResult) (SMSOutcome, error) {
	log := slog.With("intakeID", result.IntakeID, "caseRef", result.CaseRef)

	if !n.opts.Enabled || n.sender == nil {
		log.Info("SMSNotifier.Notify: skipped", "reason", SMSSkippedDisabled)
		return SMSSkippedDisabled, nil
	}
	if !result.Record.Consent.Granted() {
		log.Info("SMSNotifier.Notify: skipped", "reason", SMSSkippedNoConsent)
		return SMSSkippedNoConsent, nil
	}
	to, err := CanonicalizePhone(result.SMSDestination())
	if err != nil {
		log.Info("SMSNotifier.Notify: skipped", "reason", SMSSkippedNoPhone, "detail", err.Error())
		return SMSSkippedNoPhone, nil
	}
	if n.opts.Ledger != nil {
		first, err := n.opts.Ledger.RecordNotification(ctx, result.IntakeID, KindSMSCaller)
		if err != nil {
			log.Error("SMSNotifier.Notify: ledger failed", "error", err)
			return "", fmt.Errorf("record sms notification: %w", err)
		}
		if !first {
			log.Info("SMSNotifier.Notify: skipped", "reason", SMSSkippedDuplicate)
			return SMSSkippedDuplicate, nil
		}
	}

	if err := n.sender.SendSMS(ctx, to, n.body(result)); err != nil {
		log.Error("SMSNotifier.Notify: send failed", "error", err)
		return "", err
	}
	log.Info("SMSNotifier.Notify: sent")
	return SMSSent, nil
}

// Effect adapts Notify to the post-finalize effect signature.
func (n *SMSNotifier) Effect(ctx context.Context, result models.IntakeResult) error {
	_, err := n.Notify(ctx, result)
	return err
}

func (n *SMSNotifier) body(result models.IntakeResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Thank you for calling %s.", n.opts.OfficeName)
	if result.CaseRef != "" {
		fmt.Fprintf(&b, " Your case reference is %s.", result.CaseRef)
	}
	switch {
	case result.Flags.TransferRequested:
		b.WriteString(" A team member is following up on your call.")
	case result.Record.Callback != nil && result.Record.Callback.PreferredTime != "":
		fmt.Fprintf(&b, " We will call you back %s.", result.Record.Callback.PreferredTime)
	default:
		b.WriteString(" A member of our team will review your information and contact you.")
	}
	b.WriteString(" Reply STOP to opt out.")
	return b.String()
}
