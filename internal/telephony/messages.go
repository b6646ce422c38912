// Package telephony speaks the Twilio Media Streams websocket protocol.
package telephony

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// Media Streams event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventClear     = "clear"
)

// Custom parameters the bridge reads from the start event.
const (
	ParamTenantID = "tenantId"
	ParamFrom     = "From"
	ParamTo       = "To"
	ParamCallSid  = "CallSid"
)

// ErrMalformedMessage wraps frames that are not valid Media Streams JSON.
var ErrMalformedMessage = errors.New("malformed media stream message")

// Message represents a message from Twilio Media Streams
type Message struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	StreamSid      string `json:"streamSid,omitempty"`
	Protocol       string `json:"protocol,omitempty"`
	Version        string `json:"version,omitempty"`
	Start          *Start `json:"start,omitempty"`
	Media          *Media `json:"media,omitempty"`
	Stop           *Stop  `json:"stop,omitempty"`
	Mark           *Mark  `json:"mark,omitempty"`
	DTMF           *DTMF  `json:"dtmf,omitempty"`
}

// Start represents the start event payload
type Start struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid"`
	CallSid          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// Param returns a custom parameter or "".
func (s *Start) Param(name string) string {
	if s == nil || s.CustomParameters == nil {
		return ""
	}
	return s.CustomParameters[name]
}

// CallSID prefers the custom parameter, which survives <Stream> proxies.
func (s *Start) CallSID() string {
	if v := s.Param(ParamCallSid); v != "" {
		return v
	}
	if s == nil {
		return ""
	}
	return s.CallSid
}

// MediaFormat describes the stream encoding, audio/x-mulaw at 8000 Hz for phone calls.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Media represents the media payload in a media event
type Media struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"` // legacy field some proxies use for the audio
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // Base64 encoded audio
}

// Decode returns the raw audio carried by the event.
func (m *Media) Decode() ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: media event missing payload", ErrMalformedMessage)
	}
	encoded := m.Payload
	if encoded == "" {
		encoded = m.Chunk
	}
	if encoded == "" {
		return nil, fmt.Errorf("%w: media event missing payload", ErrMalformedMessage)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decode media payload: %v", ErrMalformedMessage, err)
	}
	return data, nil
}

// Stop represents the stop event payload
type Stop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// Mark echoes a named position in the outbound audio once played.
type Mark struct {
	Name string `json:"name"`
}

// DTMF carries a keypad digit pressed by the caller.
type DTMF struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     Media  `json:"media"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

type outboundMark struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Mark      Mark   `json:"mark"`
}

// NewMediaMessage builds the outbound media frame for one chunk of audio.
func NewMediaMessage(streamSid string, frame []byte) any {
	return outboundMedia{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     Media{Payload: base64.StdEncoding.EncodeToString(frame)},
	}
}

// NewClearMessage asks Twilio to discard audio it has buffered but not yet played.
func NewClearMessage(streamSid string) any {
	return outboundClear{Event: EventClear, StreamSid: streamSid}
}

// NewMarkMessage builds a mark that Twilio echoes back after playback reaches it.
func NewMarkMessage(streamSid, name string) any {
	return outboundMark{Event: EventMark, StreamSid: streamSid, Mark: Mark{Name: name}}
}
