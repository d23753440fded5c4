// Package openai implements the realtime.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Audio is relayed as base64-encoded G.711 μ-law so telephony media passes
// through without transcoding. Barge-in truncation is supported via
// conversation.item.truncate; mid-call context injection via
// conversation.item.create.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"encoding/json"

	"github.com/coder/websocket"

	"github.com/callbridge-ai/callbridge/pkg/provider/realtime"
)

// Compile-time assertions that Provider and session satisfy the realtime interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Session = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// audioFormat is the negotiated audio codec for both directions. G.711
	// μ-law at 8 kHz matches the carrier's media stream exactly.
	audioFormat = "g711_ulaw"
)

// eventBuf is the buffer depth of the session event channel. Deep enough to
// absorb a burst of audio deltas while the session runtime persists state.
const eventBuf = 128

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name returns the provider identifier recorded on call records.
func (p *Provider) Name() string { return "openai" }

// Connect establishes a new OpenAI Realtime session. The session
// configuration (voice, instructions, VAD, tools) is sent immediately after
// the dial so the first agent audio arrives with minimal latency; the
// session is ready once the server acknowledges with session.created.
func (p *Provider) Connect(ctx context.Context, cfg realtime.Config) (realtime.Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan realtime.Event, eventBuf),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	// Queue the greeting; it is flushed the moment session.created arrives.
	if cfg.Greeting != "" {
		sess.queueGreeting(cfg.Greeting)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string       `json:"modalities,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
	Tools             []oaiTool      `json:"tools,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
	InputTranscribe   *transcribeCfg `json:"input_audio_transcription,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type transcribeCfg struct {
	Model string `json:"model"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded payload, passed through as-is
}

type truncateMessage struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int64  `json:"audio_end_ms"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta  string `json:"delta,omitempty"`
	ItemID string `json:"item_id,omitempty"`

	// conversation.item.input_audio_transcription.completed and
	// response.audio_transcript.done both carry the full text here.
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan realtime.Event

	mu       sync.Mutex
	errVal   error
	closed   bool
	ready    bool
	greeting string
	pending  []string // context items queued before session.created

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate sends a session.update event configuring voice,
// instructions, server-side VAD, caller-speech transcription, tools, and the
// μ-law audio formats.
func (s *session) sendSessionUpdate(cfg realtime.Config) error {
	params := sessionParams{
		Modalities:        []string{"text", "audio"},
		InputAudioFormat:  audioFormat,
		OutputAudioFormat: audioFormat,
		TurnDetection:     &turnDetection{Type: "server_vad"},
		InputTranscribe:   &transcribeCfg{Model: "whisper-1"},
	}
	if cfg.Voice != "" {
		params.Voice = cfg.Voice
	}
	if cfg.Instructions != "" {
		params.Instructions = cfg.Instructions
	}
	if cfg.Temperature != 0 {
		params.Temperature = cfg.Temperature
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *session) queueGreeting(greeting string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.greeting = greeting
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
	case "session.created":
		s.flushPending()
		s.emit(realtime.ReadyEvent{})

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		s.emit(realtime.AudioDeltaEvent{ItemID: evt.ItemID, Payload: evt.Delta})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.emit(realtime.AgentTranscriptEvent{Text: evt.Delta, Final: false})

	case "response.audio_transcript.done":
		if evt.Transcript == "" {
			return
		}
		s.emit(realtime.AgentTranscriptEvent{Text: evt.Transcript, Final: true})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(realtime.UserTranscriptEvent{Text: evt.Transcript, Final: true})

	case "input_audio_buffer.speech_started":
		s.emit(realtime.SpeechStartedEvent{})

	case "response.function_call_arguments.done":
		s.emit(realtime.ToolCallEvent{
			CallID:    evt.CallID,
			Name:      evt.Name,
			Arguments: evt.Arguments,
		})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(realtime.ErrorEvent{Err: fmt.Errorf("openai: %s", msg)})
	}
}

// flushPending delivers the queued greeting and any context items submitted
// before session.created, in submission order.
func (s *session) flushPending() {
	s.mu.Lock()
	greeting := s.greeting
	pending := s.pending
	s.greeting = ""
	s.pending = nil
	s.ready = true
	s.mu.Unlock()

	for _, text := range pending {
		_ = s.writeContextItem(text)
	}
	if greeting != "" {
		_ = s.writeContextItem(greeting)
		_ = s.writeJSON(map[string]string{"type": "response.create"})
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

// toOAITools converts realtime tool definitions to the Realtime API format.
func toOAITools(tools []realtime.ToolDefinition) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── Session methods ────────────────────────────────────────────────────────────

// SendAudio forwards one base64 μ-law chunk via input_audio_buffer.append.
// The payload is already base64 on the carrier wire, so it passes through
// without re-encoding.
func (s *session) SendAudio(payload string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	s.mu.Unlock()

	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: payload,
	})
}

// Truncate sends conversation.item.truncate so the server-side conversation
// ends exactly where the caller stopped hearing audio.
func (s *session) Truncate(itemID string, audioEndMs int64) error {
	return s.writeJSON(truncateMessage{
		Type:         "conversation.item.truncate",
		ItemID:       itemID,
		ContentIndex: 0,
		AudioEndMs:   audioEndMs,
	})
}

// InjectContext inserts text as a system conversation item. Items submitted
// before the session is ready are queued and flushed on session.created.
func (s *session) InjectContext(text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	if !s.ready {
		s.pending = append(s.pending, text)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.writeContextItem(text)
}

func (s *session) writeContextItem(text string) error {
	return s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "system",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	})
}

// RequestResponse triggers a model response via response.create.
func (s *session) RequestResponse() error {
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// SendToolResult returns tool output and triggers the next model response.
func (s *session) SendToolResult(callID, output string) error {
	if err := s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.create"})
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
