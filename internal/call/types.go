// Package call defines the data model for a single telephone call: the
// durable [Record] persisted across the call's lifetime and the ephemeral
// [State] owned by the session runtime while the call is live.
//
// The package is internal because the shapes here mirror the carrier's wire
// vocabulary (stream SIDs, media timestamps, mark tokens) and are not meant
// as a public API.
package call

import (
	"time"
)

// Direction indicates who initiated the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// IsValid reports whether d is a recognised direction.
func (d Direction) IsValid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// Status is the lifecycle state of a call. Durable status transitions are
// monotonic along initiated → in-progress → (on-hold ↔ in-progress)* →
// completed|failed.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusInProgress Status = "in-progress"
	StatusOnHold     Status = "on-hold"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether s is a final status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single entry in a call's conversation history.
//
// History is append-only for the duration of a call, with one exception: when
// the caller interrupts the agent mid-response (barge-in), the most recent
// assistant message is marked truncated in place, recording how many
// milliseconds of its audio the caller actually heard.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// Truncated is set when the message's audio was cut short by barge-in.
	Truncated bool `json:"truncated,omitempty"`

	// TruncatedAtMs is the audio offset in milliseconds at which playback was
	// cut. Only meaningful when Truncated is true.
	TruncatedAtMs int64 `json:"truncatedAt,omitempty"`
}

// LogEntry is one event in a call's carrier or provider event log.
type LogEntry struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ContextRequest records that the agent paused the conversation to ask the
// human operator for information it does not have.
type ContextRequest struct {
	Question    string    `json:"question"`
	RequestedBy string    `json:"requestedBy"`
	Timestamp   time.Time `json:"timestamp"`
}

// Record is the durable representation of a call. It is created when a new
// call is first bridged, updated throughout the call, and finalized exactly
// once on termination.
type Record struct {
	CallID             string     `json:"callId"`
	Direction          Direction  `json:"direction"`
	FromNumber         string     `json:"fromNumber"`
	ToNumber           string     `json:"toNumber"`
	Voice              string     `json:"voice"`
	Provider           string     `json:"provider"`
	SystemInstructions string     `json:"systemInstructions"`
	CallInstructions   string     `json:"callInstructions"`
	StartedAt          time.Time  `json:"startedAt"`
	EndedAt            *time.Time `json:"endedAt,omitempty"`

	// DurationSeconds is the wall-clock call length, set at finalization.
	DurationSeconds int `json:"durationSeconds"`

	Status       Status `json:"status"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	ConversationHistory []Message  `json:"conversationHistory"`
	CarrierEvents       []LogEntry `json:"carrierEvents,omitempty"`
	ProviderEvents      []LogEntry `json:"providerEvents,omitempty"`
}

// Finalization carries the terminal snapshot written when a call ends.
type Finalization struct {
	EndedAt             time.Time
	DurationSeconds     int
	Status              Status
	ErrorMessage        string
	ConversationHistory []Message
	CarrierEvents       []LogEntry
	ProviderEvents      []LogEntry
}
