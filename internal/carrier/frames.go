// Package carrier adapts the telephone carrier's media-stream protocol: it
// parses the framed JSON messages Twilio sends over the per-call websocket,
// emits the outbound media/mark/clear messages the session runtime produces,
// and drives call-leg changes (originate, hold, resume, hangup) through the
// carrier's REST API.
package carrier

import (
	"strconv"
)

// Inbound and outbound event kinds on the media stream.
const (
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventDTMF      = "dtmf"
	EventStop      = "stop"
	EventConnected = "connected"
	EventClear     = "clear"
)

// Message is one frame on the carrier media stream, inbound or outbound.
// Exactly one payload field is set, matching Event.
type Message struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`

	Start *StartPayload `json:"start,omitempty"`
	Media *MediaPayload `json:"media,omitempty"`
	Mark  *MarkPayload  `json:"mark,omitempty"`
	DTMF  *DTMFPayload  `json:"dtmf,omitempty"`
	Stop  *StopPayload  `json:"stop,omitempty"`
}

// StartPayload carries stream identity and the custom parameters configured
// on the TwiML <Stream> element.
type StartPayload struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      map[string]any    `json:"mediaFormat,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// StartParams is the typed view of the custom parameters the bridge sets on
// its own TwiML. Absent keys yield zero values.
type StartParams struct {
	FromNumber         string
	ToNumber           string
	Voice              string
	SystemInstructions string
	CallInstructions   string
}

// Params extracts the typed custom parameters from the start payload.
func (s *StartPayload) Params() StartParams {
	get := func(key string) string {
		if s.CustomParameters == nil {
			return ""
		}
		return s.CustomParameters[key]
	}
	return StartParams{
		FromNumber:         get("fromNumber"),
		ToNumber:           get("toNumber"),
		Voice:              get("voice"),
		SystemInstructions: get("systemInstructions"),
		CallInstructions:   get("callInstructions"),
	}
}

// MediaPayload carries one base64-encoded μ-law audio chunk. The carrier
// sends Timestamp as a decimal string of milliseconds since stream start.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// TimestampMs parses the media timestamp. Returns 0 for a missing or
// malformed value; timestamps only move the playback clock forward, so a
// dropped value is harmless.
func (m *MediaPayload) TimestampMs() int64 {
	if m.Timestamp == "" {
		return 0
	}
	ts, err := strconv.ParseInt(m.Timestamp, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

// MarkPayload acknowledges a previously sent mark token.
type MarkPayload struct {
	Name string `json:"name"`
}

// DTMFPayload carries a single keypad digit pressed by the caller.
type DTMFPayload struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

// StopPayload signals the carrier tore down the media stream.
type StopPayload struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// NewMediaMessage builds an outbound media frame for streamSID. The payload
// must already be base64-encoded μ-law audio.
func NewMediaMessage(streamSID, payload string) *Message {
	return &Message{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     &MediaPayload{Payload: payload},
	}
}

// NewMarkMessage builds an outbound mark frame. The carrier echoes the name
// back once it has accepted all media sent before the mark.
func NewMarkMessage(streamSID, name string) *Message {
	return &Message{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      &MarkPayload{Name: name},
	}
}

// NewClearMessage builds an outbound clear frame, instructing the carrier to
// discard buffered, unplayed audio. This is the barge-in primitive.
func NewClearMessage(streamSID string) *Message {
	return &Message{
		Event:     EventClear,
		StreamSID: streamSID,
	}
}
