package realtime

import (
	"github.com/openai/openai-go/shared"
)

// Event types sent and received on the realtime connection.
const (
	EventSessionUpdate        = "session.update"
	EventItemCreate           = "conversation.item.create"
	EventResponseCreate       = "response.create"
	EventResponseCancel       = "response.cancel"
	EventInputAudioAppend     = "input_audio_buffer.append"
	EventInputAudioCommit     = "input_audio_buffer.commit"
	EventSessionCreated       = "session.created"
	EventSessionUpdated       = "session.updated"
	EventResponseCreated      = "response.created"
	EventResponseDone         = "response.done"
	EventAudioDelta           = "response.audio.delta"
	EventAudioDone            = "response.audio.done"
	EventAudioTranscriptDelta = "response.audio_transcript.delta"
	EventAudioTranscriptDone  = "response.audio_transcript.done"
	EventInputTranscriptDelta = "conversation.item.input_audio_transcription.delta"
	EventInputTranscriptDone  = "conversation.item.input_audio_transcription.completed"
	EventFunctionCallDone     = "response.function_call_arguments.done"
	EventSpeechStarted        = "input_audio_buffer.speech_started"
	EventSpeechStopped        = "input_audio_buffer.speech_stopped"
	EventError                = "error"
)

// AudioFormatULaw is 8kHz G.711 mu-law, the telephony codec used end to end.
const AudioFormatULaw = "g711_ulaw"

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// InputTranscription enables caller speech-to-text.
type InputTranscription struct {
	Model string `json:"model"`
}

// Tool is a function declaration in the realtime session format.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolsFromDefinitions converts chat-style function definitions to realtime tools.
func ToolsFromDefinitions(defs []shared.FunctionDefinitionParam) []Tool {
	tools := make([]Tool, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, Tool{
			Type:        "function",
			Name:        d.Name,
			Description: d.Description.Value,
			Parameters:  map[string]any(d.Parameters),
		})
	}
	return tools
}

// SessionConfig is the session.update payload.
type SessionConfig struct {
	Modalities              []string            `json:"modalities"`
	Instructions            string              `json:"instructions,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *InputTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection      `json:"turn_detection,omitempty"`
	Tools                   []Tool              `json:"tools,omitempty"`
	ToolChoice              string              `json:"tool_choice,omitempty"`
	Temperature             float64             `json:"temperature,omitempty"`
	MaxResponseOutputTokens int                 `json:"max_response_output_tokens,omitempty"`
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []contentPart `json:"content,omitempty"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
}

type itemCreate struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type bareEvent struct {
	Type string `json:"type"`
}

// ServerError is the payload of an error event.
type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

func (e *ServerError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// ServerEvent is the union of fields read from backend events.
type ServerEvent struct {
	Type       string       `json:"type"`
	EventID    string       `json:"event_id"`
	ItemID     string       `json:"item_id"`
	Delta      string       `json:"delta"`
	Transcript string       `json:"transcript"`
	Name       string       `json:"name"`
	Arguments  string       `json:"arguments"`
	CallID     string       `json:"call_id"`
	Error      *ServerError `json:"error"`
}

func systemMessage(text string) itemCreate {
	return itemCreate{
		Type: EventItemCreate,
		Item: conversationItem{
			Type:    "message",
			Role:    "system",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	}
}

func functionOutput(callID, output string) itemCreate {
	return itemCreate{
		Type: EventItemCreate,
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}
}
