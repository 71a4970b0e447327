package telephony

import (
	"fmt"

	"github.com/twilio/twilio-go/twiml"
)

// StreamParams are forwarded to the media stream as custom parameters.
type StreamParams struct {
	CallerPhone string
	CallerCity  string
	CallerState string
	CaseRef     string
}

func (p StreamParams) elements() []twiml.Element {
	var out []twiml.Element
	add := func(name, value string) {
		if value != "" {
			out = append(out, &twiml.VoiceParameter{Name: name, Value: value})
		}
	}
	add(ParamCallerPhone, p.CallerPhone)
	add(ParamCallerCity, p.CallerCity)
	add(ParamCallerState, p.CallerState)
	add(ParamCaseRef, p.CaseRef)
	return out
}

// ConnectStreamTwiML answers the call with a bidirectional media stream.
// When the stream ends the call hangs up.
func ConnectStreamTwiML(streamURL string, p StreamParams) (string, error) {
	if streamURL == "" {
		return "", fmt.Errorf("stream url is required")
	}
	stream := &twiml.VoiceStream{Url: streamURL, InnerElements: p.elements()}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	return twiml.Voice([]twiml.Element{connect, &twiml.VoiceHangup{}})
}

// TransferTwiML bridges the caller to a staff number.
func TransferTwiML(number, message string) (string, error) {
	if number == "" {
		return "", fmt.Errorf("transfer number is required")
	}
	var verbs []twiml.Element
	if message != "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: message})
	}
	verbs = append(verbs, &twiml.VoiceDial{Number: number, Timeout: "30"})
	return twiml.Voice(verbs)
}

// VoicemailTwiML takes a message when the AI line is unavailable.
func VoicemailTwiML(message, recordAction string) (string, error) {
	record := &twiml.VoiceRecord{
		Action:    recordAction,
		Method:    "POST",
		Timeout:   "5",
		MaxLength: "120",
		PlayBeep:  "true",
	}
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: message},
		record,
		&twiml.VoiceSay{Message: "Thank you. We will get back to you soon. Goodbye."},
		&twiml.VoiceHangup{},
	})
}

// HangupTwiML ends the call, optionally after a message.
func HangupTwiML(message string) (string, error) {
	var verbs []twiml.Element
	if message != "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: message})
	}
	return twiml.Voice(append(verbs, &twiml.VoiceHangup{}))
}
