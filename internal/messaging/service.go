// Package messaging delivers post-call notifications: a consent-gated SMS to
// the caller and emails to staff and, when an address was given, the caller.
package messaging

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Notification kinds recorded in the ledger.
const (
	KindSMSCaller   = "sms_caller"
	KindEmailStaff  = "email_staff"
	KindEmailCaller = "email_caller"
)

// SMSSender delivers a text message.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// Ledger records notifications so each is delivered at most once per intake.
type Ledger interface {
	// RecordNotification returns true the first time kind is recorded for intakeID.
	RecordNotification(ctx context.Context, intakeID, kind string) (bool, error)
}

var nonDigits = regexp.MustCompile(`[^0-9]`)

// CanonicalizePhone normalises a North American or international number to E.164.
func CanonicalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("phone number cannot be empty")
	}
	international := strings.HasPrefix(raw, "+")
	digits := nonDigits.ReplaceAllString(raw, "")
	switch {
	case digits == "":
		return "", fmt.Errorf("invalid phone number: no digits found in %q", raw)
	case international && len(digits) >= 8 && len(digits) <= 15:
		return "+" + digits, nil
	case len(digits) == 10:
		return "+1" + digits, nil
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits, nil
	default:
		return "", fmt.Errorf("invalid phone number %q", raw)
	}
}
