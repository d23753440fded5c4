package call

import "time"

// State is the ephemeral, in-memory record of a live call. It tracks the
// carrier stream identity, the audio playback position, the mark-token queue
// used to count unacknowledged outbound audio chunks, and the conversation
// history accumulated so far.
//
// State is intentionally unsynchronised: it is owned by a single session
// runtime goroutine and must only be mutated from that goroutine's event
// loop. It never escapes the session.
type State struct {
	CallID    string
	StreamSID string

	// LatestMediaTimestamp is the most recent media timestamp (milliseconds
	// since stream start) reported by the carrier for inbound audio.
	LatestMediaTimestamp int64

	// LastAssistantItemID is the provider-assigned id of the response whose
	// audio is currently streaming to the caller, or "" when idle.
	LastAssistantItemID string

	// ResponseStartTimestamp is the carrier-time (milliseconds) at which the
	// current assistant response began playing, or nil when no response is
	// in flight. Non-nil exactly while an assistant response streams out.
	ResponseStartTimestamp *int64

	// HasSeenMedia is set on the first inbound media event.
	HasSeenMedia bool

	// PendingContextRequest is set while the agent is waiting for operator
	// input requested via the request_operator_context tool.
	PendingContextRequest *ContextRequest

	Status Status

	ConversationHistory []Message
	CarrierEvents       []LogEntry
	ProviderEvents      []LogEntry

	markQueue []string
}

// NewState creates the ephemeral state for callID with status initiated.
func NewState(callID string) *State {
	return &State{
		CallID: callID,
		Status: StatusInitiated,
	}
}

// AppendConversation appends msg to the conversation history.
func (s *State) AppendConversation(msg Message) {
	s.ConversationHistory = append(s.ConversationHistory, msg)
}

// MarkLastAssistantTruncated flags the most recent assistant message as
// truncated at elapsedMs. It scans backwards so interleaved user messages do
// not mask the entry. Returns false if no assistant message exists or the
// last one is already truncated.
func (s *State) MarkLastAssistantTruncated(elapsedMs int64) bool {
	for i := len(s.ConversationHistory) - 1; i >= 0; i-- {
		if s.ConversationHistory[i].Role != RoleAssistant {
			continue
		}
		if s.ConversationHistory[i].Truncated {
			return false
		}
		s.ConversationHistory[i].Truncated = true
		s.ConversationHistory[i].TruncatedAtMs = elapsedMs
		return true
	}
	return false
}

// LogCarrierEvent appends an entry to the carrier event log.
func (s *State) LogCarrierEvent(eventType string, data map[string]any) {
	s.CarrierEvents = append(s.CarrierEvents, LogEntry{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// LogProviderEvent appends an entry to the provider event log.
func (s *State) LogProviderEvent(eventType string, data map[string]any) {
	s.ProviderEvents = append(s.ProviderEvents, LogEntry{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// EnqueueMark records a mark token sent to the carrier after an audio chunk.
func (s *State) EnqueueMark(token string) {
	s.markQueue = append(s.markQueue, token)
}

// DequeueMark removes and returns the oldest outstanding mark token.
// The carrier does not guarantee token identity on acknowledgment, so only
// queue cardinality is significant.
func (s *State) DequeueMark() (string, bool) {
	if len(s.markQueue) == 0 {
		return "", false
	}
	token := s.markQueue[0]
	s.markQueue = s.markQueue[1:]
	return token, true
}

// MarkDepth returns the number of outbound audio chunks the carrier has not
// yet acknowledged.
func (s *State) MarkDepth() int {
	return len(s.markQueue)
}

// ResetResponseTracking clears all playback bookkeeping after a barge-in or
// when a response finishes: the mark queue, the current assistant item id,
// and the response start timestamp.
func (s *State) ResetResponseTracking() {
	s.markQueue = nil
	s.LastAssistantItemID = ""
	s.ResponseStartTimestamp = nil
}
