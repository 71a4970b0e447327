package telephony

import (
	"encoding/json"
	"fmt"
)

// Media Stream frame events.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventStop      = "stop"
	EventClear     = "clear"
)

// Custom parameters passed from the voice webhook into the stream.
const (
	ParamCallerPhone = "caller_phone"
	ParamCallerCity  = "caller_city"
	ParamCallerState = "caller_state"
	ParamCaseRef     = "case_ref"
)

// Frame is one Media Stream websocket message, inbound or outbound.
type Frame struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Version        string        `json:"version,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
	DTMF           *DTMFPayload  `json:"dtmf,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
}

// MediaFormat describes the stream codec.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// StartPayload carries stream metadata.
type StartPayload struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

type DTMFPayload struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

type StopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// StartInfo is the parsed start event handed to the bridge handler.
type StartInfo struct {
	StreamSID   string
	CallSID     string
	AccountSID  string
	Parameters  map[string]string
	MediaFormat MediaFormat
}

// Param returns a custom parameter or "".
func (s StartInfo) Param(key string) string {
	return s.Parameters[key]
}

// DecodeFrame parses one inbound frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode media stream frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("decode media stream frame: missing event")
	}
	return f, nil
}

func (f Frame) startInfo() StartInfo {
	info := StartInfo{StreamSID: f.StreamSID}
	if f.Start != nil {
		info.AccountSID = f.Start.AccountSID
		info.CallSID = f.Start.CallSID
		info.Parameters = f.Start.CustomParameters
		info.MediaFormat = f.Start.MediaFormat
		if f.Start.StreamSID != "" {
			info.StreamSID = f.Start.StreamSID
		}
	}
	if info.Parameters == nil {
		info.Parameters = map[string]string{}
	}
	return info
}

// MediaFrame builds an outbound audio frame.
func MediaFrame(streamSID, payload string) Frame {
	return Frame{Event: EventMedia, StreamSID: streamSID, Media: &MediaPayload{Payload: payload}}
}

// ClearFrame builds a frame that discards audio buffered toward the caller.
func ClearFrame(streamSID string) Frame {
	return Frame{Event: EventClear, StreamSID: streamSID}
}

// MarkFrame builds a playback checkpoint; the carrier echoes it once preceding audio has played.
func MarkFrame(streamSID, name string) Frame {
	return Frame{Event: EventMark, StreamSID: streamSID, Mark: &MarkPayload{Name: name}}
}
