// Package realtime defines the Provider interface for realtime
// speech-to-speech backends used to drive a live telephone call.
//
// A realtime provider wraps a voice AI service that accepts streamed caller
// audio and returns synthesised speech plus transcripts in a single stateful
// session. Examples are the OpenAI Realtime API and the ElevenLabs
// Conversational AI endpoint.
//
// The central abstraction is [Session]: a bidirectional connection whose
// server-side events are delivered on one ordered channel. A single channel
// (rather than one channel per event kind) matters here: the session runtime
// must observe audio deltas, transcripts, and speech-detection events in
// exactly the order the provider emitted them, or barge-in truncation offsets
// drift from what the caller actually heard.
//
// All implementations must be safe for concurrent use.
package realtime

import "context"

// ToolDefinition describes a function the model may invoke mid-call.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Config is the initial configuration for a new realtime session.
type Config struct {
	// Voice is the provider-specific voice identifier for synthesised speech.
	Voice string

	// Instructions is the system-level prompt defining the agent's behaviour.
	Instructions string

	// Greeting, when non-empty, is an opening instruction delivered at the
	// earliest possible moment so the agent speaks first. Implementations
	// must accept it before the session is ready and queue it internally.
	Greeting string

	// Temperature controls response sampling. Zero means provider default.
	Temperature float64

	// Tools is the set of tool definitions offered to the model.
	Tools []ToolDefinition
}

// Event is a semantic event from the provider. Exactly one of the concrete
// types in this package is delivered per value on [Session.Events].
type Event interface {
	event()
}

// ReadyEvent signals that the provider session is configured and accepting
// audio. Emitted exactly once, before any other event that depends on
// session state.
type ReadyEvent struct{}

// AudioDeltaEvent carries one chunk of synthesised speech.
type AudioDeltaEvent struct {
	// ItemID is the provider-assigned id of the response this chunk belongs
	// to. Needed to address truncation on barge-in.
	ItemID string

	// Payload is the base64-encoded audio in the session's negotiated format.
	Payload string
}

// UserTranscriptEvent carries recognised caller speech.
type UserTranscriptEvent struct {
	Text  string
	Final bool
}

// AgentTranscriptEvent carries the text of the agent's spoken response.
type AgentTranscriptEvent struct {
	Text  string
	Final bool
}

// SpeechStartedEvent signals that the provider's voice-activity detection
// heard the caller start speaking. This is the barge-in trigger.
type SpeechStartedEvent struct{}

// InterruptionEvent signals that the provider itself cancelled the current
// response because the caller interrupted. Providers that handle barge-in
// server-side (ElevenLabs) emit this instead of SpeechStartedEvent.
type InterruptionEvent struct{}

// ToolCallEvent signals that the model requested a tool invocation.
type ToolCallEvent struct {
	CallID    string
	Name      string
	Arguments string
}

// ErrorEvent carries a non-fatal provider error. The session stays open.
type ErrorEvent struct {
	Err error
}

// ClosedEvent is the last event on the channel: the session ended. Err is
// nil for a clean close.
type ClosedEvent struct {
	Err error
}

func (ReadyEvent) event()           {}
func (AudioDeltaEvent) event()      {}
func (UserTranscriptEvent) event()  {}
func (AgentTranscriptEvent) event() {}
func (SpeechStartedEvent) event()   {}
func (InterruptionEvent) event()    {}
func (ToolCallEvent) event()        {}
func (ErrorEvent) event()           {}
func (ClosedEvent) event()          {}

// Session is an open realtime connection for one call. Methods must return
// quickly; audio output is channel-based so the session runtime's event loop
// is never blocked by provider I/O.
//
// Callers must call Close when the session is no longer needed and must
// drain Events until ClosedEvent to avoid stalling the receive loop.
type Session interface {
	// SendAudio forwards one base64-encoded caller audio chunk, exactly as
	// carried on the carrier's media stream. Audio sent before the session
	// is ready may be rejected; callers buffer until ReadyEvent.
	SendAudio(payload string) error

	// Truncate tells the provider to treat the response identified by itemID
	// as having ended after audioEndMs milliseconds of audio, keeping the
	// server-side conversation consistent with what the caller heard.
	// Providers that manage interruption server-side may ignore this.
	Truncate(itemID string, audioEndMs int64) error

	// InjectContext inserts an out-of-band text item (operator instructions,
	// conversation summaries, resume markers) into the session context.
	// Safe to call before the session is ready; queued items are flushed
	// as soon as the provider accepts them.
	InjectContext(text string) error

	// RequestResponse asks the model to produce a spoken response now, for
	// example after an operator note resolved a pending context request.
	RequestResponse() error

	// SendToolResult returns the output of a tool invocation surfaced via
	// ToolCallEvent.
	SendToolResult(callID, output string) error

	// Events returns the ordered event channel. It is closed after
	// ClosedEvent is delivered.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil.
	Err() error

	// Close terminates the session. Calling Close more than once is safe.
	Close() error
}

// Provider is the abstraction over any realtime speech backend. The session
// runtime knows no provider names; concrete variants map their native event
// vocabulary onto [Event].
type Provider interface {
	// Name returns the provider identifier recorded on call records
	// (e.g. "openai", "elevenlabs").
	Name() string

	// Connect establishes a new session. The returned Session accepts
	// InjectContext immediately; audio should be held until ReadyEvent.
	Connect(ctx context.Context, cfg Config) (Session, error)
}
