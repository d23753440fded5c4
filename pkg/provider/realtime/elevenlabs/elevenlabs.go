// Package elevenlabs implements the realtime.Provider interface for the
// ElevenLabs Conversational AI WebSocket endpoint.
//
// Unlike the OpenAI Realtime API, ElevenLabs manages barge-in server-side:
// when the caller interrupts, the agent emits an interruption event and
// stops generating on its own. The adapter therefore surfaces
// [realtime.InterruptionEvent] (so the session runtime can clear carrier-side
// buffers) and implements Truncate as a no-op. Audio arrives as base64
// ulaw_8000, matching the carrier media stream without transcoding.
package elevenlabs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/coder/websocket"

	"github.com/callbridge-ai/callbridge/pkg/provider/realtime"
)

// Compile-time assertions that Provider and session satisfy the realtime interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Session = (*session)(nil)

const defaultBaseURL = "wss://api.elevenlabs.io/v1/convai/conversation"

// eventBuf is the buffer depth of the session event channel.
const eventBuf = 128

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for ElevenLabs Conversational AI.
type Provider struct {
	apiKey  string
	agentID string
	baseURL string
}

// New creates a new ElevenLabs provider for the given API key and agent id.
func New(apiKey, agentID string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		agentID: agentID,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns the provider identifier recorded on call records.
func (p *Provider) Name() string { return "elevenlabs" }

// Connect opens the conversational websocket and sends the conversation
// initiation overrides (prompt, first message, voice). The session is ready
// once conversation_initiation_metadata arrives.
func (p *Provider) Connect(ctx context.Context, cfg realtime.Config) (realtime.Session, error) {
	wsURL := fmt.Sprintf("%s?agent_id=%s", p.baseURL, p.agentID)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"xi-api-key": []string{p.apiKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan realtime.Event, eventBuf),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendInitiation(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "initiation failed")
		return nil, fmt.Errorf("elevenlabs: initiation: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type initiationMessage struct {
	Type     string          `json:"type"`
	Override *configOverride `json:"conversation_config_override,omitempty"`
}

type configOverride struct {
	Agent *agentOverride `json:"agent,omitempty"`
	TTS   *ttsOverride   `json:"tts,omitempty"`
}

type agentOverride struct {
	Prompt       *promptOverride `json:"prompt,omitempty"`
	FirstMessage string          `json:"first_message,omitempty"`
}

type promptOverride struct {
	Prompt string `json:"prompt"`
}

type ttsOverride struct {
	VoiceID string `json:"voice_id,omitempty"`
}

type audioChunkMessage struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

type contextualUpdateMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int64  `json:"event_id"`
}

type toolResultMessage struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result"`
	IsError    bool   `json:"is_error"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int64  `json:"event_id"`
	} `json:"audio_event,omitempty"`

	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event,omitempty"`

	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event,omitempty"`

	InterruptionEvent *struct {
		Reason string `json:"reason"`
	} `json:"interruption_event,omitempty"`

	PingEvent *struct {
		EventID int64 `json:"event_id"`
	} `json:"ping_event,omitempty"`

	ClientToolCall *struct {
		ToolName   string          `json:"tool_name"`
		ToolCallID string          `json:"tool_call_id"`
		Parameters json.RawMessage `json:"parameters"`
	} `json:"client_tool_call,omitempty"`

	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan realtime.Event

	mu      sync.Mutex
	errVal  error
	closed  bool
	ready   bool
	pending []string // context items queued before initiation metadata

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendInitiation sends conversation_initiation_client_data with the prompt,
// greeting, and voice overrides. The greeting rides in first_message, which
// ElevenLabs speaks as soon as the conversation starts — the earliest
// possible delivery the protocol allows.
func (s *session) sendInitiation(cfg realtime.Config) error {
	msg := initiationMessage{Type: "conversation_initiation_client_data"}

	override := &configOverride{}
	hasOverride := false
	if cfg.Instructions != "" || cfg.Greeting != "" {
		override.Agent = &agentOverride{FirstMessage: cfg.Greeting}
		if cfg.Instructions != "" {
			override.Agent.Prompt = &promptOverride{Prompt: cfg.Instructions}
		}
		hasOverride = true
	}
	if cfg.Voice != "" {
		override.TTS = &ttsOverride{VoiceID: cfg.Voice}
		hasOverride = true
	}
	if hasOverride {
		msg.Override = override
	}

	return s.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("elevenlabs: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns
// the events channel: it emits ClosedEvent and closes the channel on exit.
func (s *session) receiveLoop() {
	defer func() {
		s.emit(realtime.ClosedEvent{Err: s.Err()})
		close(s.events)
	}()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "conversation_initiation_metadata":
		s.flushPending()
		s.emit(realtime.ReadyEvent{})

	case "audio":
		if evt.AudioEvent == nil || evt.AudioEvent.AudioBase64 == "" {
			return
		}
		// ElevenLabs has no response item ids; the audio event id stands in
		// so the session runtime can track the currently playing response.
		s.emit(realtime.AudioDeltaEvent{
			ItemID:  strconv.FormatInt(evt.AudioEvent.EventID, 10),
			Payload: evt.AudioEvent.AudioBase64,
		})

	case "user_transcript":
		if evt.UserTranscriptionEvent == nil || evt.UserTranscriptionEvent.UserTranscript == "" {
			return
		}
		s.emit(realtime.UserTranscriptEvent{
			Text:  evt.UserTranscriptionEvent.UserTranscript,
			Final: true,
		})

	case "agent_response":
		if evt.AgentResponseEvent == nil || evt.AgentResponseEvent.AgentResponse == "" {
			return
		}
		s.emit(realtime.AgentTranscriptEvent{
			Text:  evt.AgentResponseEvent.AgentResponse,
			Final: true,
		})

	case "interruption":
		s.emit(realtime.InterruptionEvent{})

	case "ping":
		if evt.PingEvent != nil {
			_ = s.writeJSON(pongMessage{Type: "pong", EventID: evt.PingEvent.EventID})
		}

	case "client_tool_call":
		if evt.ClientToolCall == nil {
			return
		}
		s.emit(realtime.ToolCallEvent{
			CallID:    evt.ClientToolCall.ToolCallID,
			Name:      evt.ClientToolCall.ToolName,
			Arguments: string(evt.ClientToolCall.Parameters),
		})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(realtime.ErrorEvent{Err: fmt.Errorf("elevenlabs: %s", msg)})
	}
}

// flushPending delivers context items queued before the conversation
// initiation metadata arrived, in submission order.
func (s *session) flushPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.ready = true
	s.mu.Unlock()

	for _, text := range pending {
		_ = s.writeJSON(contextualUpdateMessage{Type: "contextual_update", Text: text})
	}
}

func (s *session) emit(evt realtime.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio forwards one base64 ulaw chunk as a user_audio_chunk message.
func (s *session) SendAudio(payload string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("elevenlabs: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(audioChunkMessage{UserAudioChunk: payload})
}

// Truncate is a no-op: ElevenLabs cancels and re-aligns interrupted
// responses server-side, signalled by the interruption event.
func (s *session) Truncate(string, int64) error { return nil }

// InjectContext sends text as a contextual_update. Items submitted before
// the session is ready are queued and flushed on initiation metadata.
func (s *session) InjectContext(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("elevenlabs: session closed")
	}
	if !s.ready {
		s.pending = append(s.pending, text)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.writeJSON(contextualUpdateMessage{Type: "contextual_update", Text: text})
}

// RequestResponse is a no-op: the ElevenLabs agent decides on its own when
// to speak after a contextual update.
func (s *session) RequestResponse() error { return nil }

// SendToolResult returns the output of a client tool call.
func (s *session) SendToolResult(callID, output string) error {
	return s.writeJSON(toolResultMessage{
		Type:       "client_tool_result",
		ToolCallID: callID,
		Result:     output,
	})
}

// Events returns the ordered provider event channel.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
