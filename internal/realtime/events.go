// Package realtime is a client for the OpenAI Realtime websocket event protocol.
package realtime

import (
	"encoding/base64"
	"encoding/json"

	oaischema "github.com/sashabaranov/go-openai/jsonschema"
)

// EventType names a realtime protocol event.
type EventType string

// Client events.
const (
	EventSessionUpdate          EventType = "session.update"
	EventInputAudioAppend       EventType = "input_audio_buffer.append"
	EventResponseCreate         EventType = "response.create"
	EventResponseCancel         EventType = "response.cancel"
	EventConversationItemCreate EventType = "conversation.item.create"
)

// Server events.
const (
	EventSessionCreated          EventType = "session.created"
	EventSessionUpdated          EventType = "session.updated"
	EventSpeechStarted           EventType = "input_audio_buffer.speech_started"
	EventSpeechStopped           EventType = "input_audio_buffer.speech_stopped"
	EventResponseCreated         EventType = "response.created"
	EventResponseAudioDelta      EventType = "response.audio.delta"
	EventResponseAudioDone       EventType = "response.audio.done"
	EventAudioTranscriptDone     EventType = "response.audio_transcript.done"
	EventInputTranscriptionDone  EventType = "conversation.item.input_audio_transcription.completed"
	EventInputTranscriptionError EventType = "conversation.item.input_audio_transcription.failed"
	EventFunctionCallArgsDone    EventType = "response.function_call_arguments.done"
	EventResponseDone            EventType = "response.done"
	EventError                   EventType = "error"
)

// Response statuses reported on response.done.
const (
	ResponseCompleted  = "completed"
	ResponseCancelled  = "cancelled"
	ResponseFailed     = "failed"
	ResponseIncomplete = "incomplete"
)

// AudioFormatG711ULaw is the realtime name for 8 kHz μ-law, the telephony encoding.
const AudioFormatG711ULaw = "g711_ulaw"

// ClientEvent is any event the bridge sends to the backend.
type ClientEvent struct {
	Type     EventType         `json:"type"`
	EventID  string            `json:"event_id,omitempty"`
	Session  *SessionConfig    `json:"session,omitempty"`
	Audio    string            `json:"audio,omitempty"`
	Item     *ConversationItem `json:"item,omitempty"`
	Response *ResponseConfig   `json:"response,omitempty"`
}

// SessionConfig is the session.update payload.
type SessionConfig struct {
	Modalities              []string                 `json:"modalities,omitempty"`
	Instructions            string                   `json:"instructions"`
	Voice                   string                   `json:"voice,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string                   `json:"output_audio_format,omitempty"`
	InputAudioTranscription *InputAudioTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection           `json:"turn_detection,omitempty"`
	Tools                   []Tool                   `json:"tools"`
	ToolChoice              string                   `json:"tool_choice,omitempty"`
	Temperature             float64                  `json:"temperature,omitempty"`
}

// InputAudioTranscription enables transcripts of the caller's speech.
type InputAudioTranscription struct {
	Model string `json:"model"`
}

// TurnDetection configures server-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// Tool declares a function the model may call.
type Tool struct {
	Type        string               `json:"type"`
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Parameters  oaischema.Definition `json:"parameters"`
}

// ConversationItem is the item carried by conversation.item.create.
type ConversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// ResponseConfig overrides per-response settings on response.create.
type ResponseConfig struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// ServerEvent is the union of every event the bridge consumes. Fields not
// used by an event type are left zero.
type ServerEvent struct {
	Type       EventType     `json:"type"`
	EventID    string        `json:"event_id,omitempty"`
	ResponseID string        `json:"response_id,omitempty"`
	ItemID     string        `json:"item_id,omitempty"`
	Delta      string        `json:"delta,omitempty"`
	Transcript string        `json:"transcript,omitempty"`
	Name       string        `json:"name,omitempty"`
	CallID     string        `json:"call_id,omitempty"`
	Arguments  string        `json:"arguments,omitempty"`
	Response   *ResponseInfo `json:"response,omitempty"`
	Error      *APIError     `json:"error,omitempty"`
}

// ResponseInfo accompanies response.created and response.done.
type ResponseInfo struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"`
	StatusDetails json.RawMessage `json:"status_details,omitempty"`
}

// APIError is the payload of an error event.
type APIError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Type + " (" + e.Code + "): " + e.Message
	}
	return e.Type + ": " + e.Message
}

// ResponseIDOf returns the response an event belongs to, whichever field carries it.
func (e *ServerEvent) ResponseIDOf() string {
	if e.ResponseID != "" {
		return e.ResponseID
	}
	if e.Response != nil {
		return e.Response.ID
	}
	return ""
}

// DecodeAudio returns the bytes of a response.audio.delta.
func (e *ServerEvent) DecodeAudio() ([]byte, error) {
	return base64.StdEncoding.DecodeString(e.Delta)
}

// SessionUpdate builds the one-time session configuration event.
func SessionUpdate(cfg SessionConfig) ClientEvent {
	return ClientEvent{Type: EventSessionUpdate, Session: &cfg}
}

// InputAudioAppend forwards caller audio.
func InputAudioAppend(audio []byte) ClientEvent {
	return ClientEvent{Type: EventInputAudioAppend, Audio: base64.StdEncoding.EncodeToString(audio)}
}

// ResponseCancel stops the in-flight response.
func ResponseCancel() ClientEvent {
	return ClientEvent{Type: EventResponseCancel}
}

// FunctionCallOutput returns a tool result for callID to the conversation.
func FunctionCallOutput(callID, output string) ClientEvent {
	return ClientEvent{
		Type: EventConversationItemCreate,
		Item: &ConversationItem{Type: "function_call_output", CallID: callID, Output: output},
	}
}

// ResponseCreate asks the model to speak. Empty instructions continue the
// conversation with the session defaults.
func ResponseCreate(instructions string) ClientEvent {
	ev := ClientEvent{Type: EventResponseCreate}
	if instructions != "" {
		ev.Response = &ResponseConfig{
			Modalities:   []string{"audio", "text"},
			Instructions: instructions,
		}
	}
	return ev
}
