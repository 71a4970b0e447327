package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// ErrNoTransferNumber is returned by Transfer when no staff number is configured.
var ErrNoTransferNumber = errors.New("telephony: no transfer number configured")

// DefaultVoicemailMessage is played before recording a message.
const DefaultVoicemailMessage = "Thank you for calling. Our intake assistant is unavailable right now. " +
	"Please leave your name, phone number and a short message after the tone and we will call you back."

// CallController changes the state of a live call.
type CallController interface {
	Hangup(ctx context.Context, callSID string) error
	Transfer(ctx context.Context, callSID string) error
	Voicemail(ctx context.Context, callSID string) error
}

// callUpdater is satisfied by the Twilio API v2010 service.
type callUpdater interface {
	UpdateCall(sid string, params *twilioApi.UpdateCallParams) (*twilioApi.ApiV2010Call, error)
}

// ControlOpts holds configuration for the Twilio call controller.
type ControlOpts struct {
	AccountSID      string
	AuthToken       string
	TransferNumber   string
	TransferMessage  string
	VoicemailMessage string
	RecordingURL     string
}

// ControlOption configures a TwilioCallController.
type ControlOption func(*ControlOpts)

// WithCredentials sets the Twilio account credentials.
func WithCredentials(accountSID, authToken string) ControlOption {
	return func(o *ControlOpts) {
		o.AccountSID = accountSID
		o.AuthToken = authToken
	}
}

// WithTransferNumber sets the number warm transfers dial.
func WithTransferNumber(number string) ControlOption {
	return func(o *ControlOpts) { o.TransferNumber = number }
}

// WithTransferMessage sets what the caller hears before the transfer dials.
func WithTransferMessage(msg string) ControlOption {
	return func(o *ControlOpts) { o.TransferMessage = msg }
}

// WithVoicemail sets the voicemail prompt and the URL the recording is posted to.
func WithVoicemail(message, recordingURL string) ControlOption {
	return func(o *ControlOpts) {
		o.VoicemailMessage = message
		o.RecordingURL = recordingURL
	}
}

// TwilioCallController implements CallController with the Twilio REST API.
type TwilioCallController struct {
	api              callUpdater
	transferNumber   string
	transferMessage  string
	voicemailMessage string
	recordingURL     string
}

// NewTwilioCallController creates a controller from account credentials.
func NewTwilioCallController(opts ...ControlOption) (*TwilioCallController, error) {
	var cfg ControlOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newCallController(client.Api, cfg), nil
}

func newCallController(api callUpdater, cfg ControlOpts) *TwilioCallController {
	msg := cfg.TransferMessage
	if msg == "" {
		msg = "Please hold while I connect you with a member of our team."
	}
	voicemail := cfg.VoicemailMessage
	if voicemail == "" {
		voicemail = DefaultVoicemailMessage
	}
	return &TwilioCallController{
		api:              api,
		transferNumber:   cfg.TransferNumber,
		transferMessage:  msg,
		voicemailMessage: voicemail,
		recordingURL:     cfg.RecordingURL,
	}
}

// Hangup completes the call.
func (c *TwilioCallController) Hangup(ctx context.Context, callSID string) error {
	params := &twilioApi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := c.api.UpdateCall(callSID, params); err != nil {
		slog.Error("TwilioCallController.Hangup failed", "callSid", callSID, "error", err)
		return fmt.Errorf("hang up call %s: %w", callSID, err)
	}
	slog.Info("TwilioCallController.Hangup: call completed", "callSid", callSID)
	return nil
}

// Transfer redirects the call to the configured staff number.
func (c *TwilioCallController) Transfer(ctx context.Context, callSID string) error {
	if c.transferNumber == "" {
		return ErrNoTransferNumber
	}
	doc, err := TransferTwiML(c.transferNumber, c.transferMessage)
	if err != nil {
		return err
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(doc)
	if _, err := c.api.UpdateCall(callSID, params); err != nil {
		slog.Error("TwilioCallController.Transfer failed", "callSid", callSID, "error", err)
		return fmt.Errorf("transfer call %s: %w", callSID, err)
	}
	slog.Info("TwilioCallController.Transfer: call redirected", "callSid", callSID)
	return nil
}

// Voicemail redirects the call to a recorded message.
func (c *TwilioCallController) Voicemail(ctx context.Context, callSID string) error {
	doc, err := VoicemailTwiML(c.voicemailMessage, c.recordingURL)
	if err != nil {
		return err
	}
	params := &twilioApi.UpdateCallParams{}
	params.SetTwiml(doc)
	if _, err := c.api.UpdateCall(callSID, params); err != nil {
		slog.Error("TwilioCallController.Voicemail failed", "callSid", callSID, "error", err)
		return fmt.Errorf("redirect call %s to voicemail: %w", callSID, err)
	}
	slog.Info("TwilioCallController.Voicemail: call redirected", "callSid", callSID)
	return nil
}
