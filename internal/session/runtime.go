package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/callbridge-ai/callbridge/internal/call"
	"github.com/callbridge-ai/callbridge/internal/carrier"
	"github.com/callbridge-ai/callbridge/internal/events"
	"github.com/callbridge-ai/callbridge/internal/store"
	"github.com/callbridge-ai/callbridge/pkg/provider/realtime"
)

// DefaultGoodbyePhrases end the call when they appear in a final transcript
// on either side of the conversation.
var DefaultGoodbyePhrases = []string{
	"goodbye now",
	"bye bye",
	"talk to you later",
	"gotta go",
	"have to go now",
	"need to go",
	"end the call",
	"hang up now",
}

// dtmfRe validates operator- and tool-submitted DTMF strings. w/W encode a
// half-second pause on the carrier side.
var dtmfRe = regexp.MustCompile(`^[0-9*#A-DwW ]+$`)

// ValidDTMF reports whether digits is a playable DTMF sequence.
func ValidDTMF(digits string) bool {
	return digits != "" && dtmfRe.MatchString(digits)
}

// summaryExcerptLen caps each conversation excerpt in operator context blocks.
const summaryExcerptLen = 100

// Metrics receives call-level measurements from the runtime. A nil Metrics
// disables instrumentation. Implementations must be safe for concurrent use.
type Metrics interface {
	SessionStarted(direction call.Direction)
	SessionEnded(direction call.Direction)
	CallFinalized(direction call.Direction, duration time.Duration)
	AudioChunk(direction string)
	BargeIn()
}

// Config tunes the per-call runtime.
type Config struct {
	// DefaultSystemInstructions is used when a new inbound call arrives
	// without systemInstructions in its start parameters.
	DefaultSystemInstructions string

	// DefaultVoice is used when the start parameters carry no voice.
	DefaultVoice string

	// GoodbyePhrases trigger a graceful hangup when matched (lowercase
	// substring) in a final transcript. Empty means DefaultGoodbyePhrases.
	GoodbyePhrases []string

	// GoodbyeGrace is the delay between goodbye detection and finalization,
	// long enough for the closing audio to play out.
	GoodbyeGrace time.Duration

	// CloseGrace is the delay between finalization and transport teardown.
	CloseGrace time.Duration

	// CapacityMessage is spoken to inbound callers refused at capacity.
	CapacityMessage string

	// HoldAnnouncement is spoken before hold audio starts.
	HoldAnnouncement string

	// MaxInboundDuration and MaxOutboundDuration cap call length by
	// direction. Zero disables the cap.
	MaxInboundDuration  time.Duration
	MaxOutboundDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultSystemInstructions == "" {
		c.DefaultSystemInstructions = "You are a helpful phone assistant. Keep responses short and conversational."
	}
	if c.DefaultVoice == "" {
		c.DefaultVoice = "sage"
	}
	if len(c.GoodbyePhrases) == 0 {
		c.GoodbyePhrases = DefaultGoodbyePhrases
	}
	if c.GoodbyeGrace == 0 {
		c.GoodbyeGrace = 2 * time.Second
	}
	if c.CloseGrace == 0 {
		c.CloseGrace = 5 * time.Second
	}
	if c.CapacityMessage == "" {
		c.CapacityMessage = "We are sorry, all of our lines are busy right now. Please call back later."
	}
	if c.HoldAnnouncement == "" {
		c.HoldAnnouncement = "Please hold for a moment."
	}
	return c
}

// Deps are the collaborators a Runtime is wired with.
type Deps struct {
	Stream   carrier.MediaStream
	Control  carrier.Control
	Provider realtime.Provider
	Store    store.Store
	Bus      *events.Bus
	Manager  *Manager
	Metrics  Metrics
	Config   Config
	Log      *slog.Logger
}

// ── commands from the control plane ──────────────────────────────────────────

type command interface{ isCommand() }

type holdCmd struct{ reply chan error }

type hangupCmd struct {
	reply chan hangupReply
}

type hangupReply struct {
	status call.Status
	err    error
}

type injectCmd struct {
	text  string
	reply chan injectReply
}

type injectReply struct {
	resumed bool
	err     error
}

type dtmfCmd struct {
	digits string
	reply  chan error
}

func (holdCmd) isCommand()   {}
func (hangupCmd) isCommand() {}
func (injectCmd) isCommand() {}
func (dtmfCmd) isCommand()   {}

// InjectResult reports how an operator context injection was applied.
type InjectResult struct {
	// Resumed is true when the injection cleared a pending context request
	// and the agent was told to continue speaking.
	Resumed bool `json:"resumed"`
}

// ── Runtime ──────────────────────────────────────────────────────────────────

// Runtime bridges one call between the carrier media stream and a realtime
// provider session. All call state lives on a single goroutine running
// [Runtime.Run]; the exported command methods hand work to that goroutine
// over a channel and never touch state directly.
type Runtime struct {
	stream   carrier.MediaStream
	control  carrier.Control
	provider realtime.Provider
	store    store.Store
	bus      *events.Bus
	manager  *Manager
	metrics  Metrics
	cfg      Config
	log      *slog.Logger

	// Loop-owned state. Never read or written outside Run's goroutine.
	state        *call.State
	direction    call.Direction
	startedAt    time.Time
	started      bool
	ending       bool
	detached     bool
	session      realtime.Session
	provEvents   <-chan realtime.Event
	ready        bool
	pendingAudio []string

	durationTimer *time.Timer
	durationC     <-chan time.Time
	goodbyeTimer  *time.Timer
	goodbyeC      <-chan time.Time

	commands chan command
	done     chan struct{}

	mu       sync.Mutex
	terminal call.Status
}

// NewRuntime wires a runtime for one accepted media-stream connection. Call
// [Runtime.Run] on its own goroutine to start it.
func NewRuntime(deps Deps) *Runtime {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		stream:   deps.Stream,
		control:  deps.Control,
		provider: deps.Provider,
		store:    deps.Store,
		bus:      deps.Bus,
		manager:  deps.Manager,
		metrics:  deps.Metrics,
		cfg:      deps.Config.withDefaults(),
		log:      log,
		commands: make(chan command),
		done:     make(chan struct{}),
	}
}

// CallID returns the carrier call id, or "" before the start event.
func (r *Runtime) CallID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return ""
	}
	return r.state.CallID
}

// IsAlive reports whether the runtime's event loop is still running.
func (r *Runtime) IsAlive() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// TerminalStatus returns the status the call ended with, or "" while live.
func (r *Runtime) TerminalStatus() call.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal
}

func (r *Runtime) setTerminal(status call.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminal = status
}

// setStateRef publishes the state pointer for CallID. The pointee is still
// loop-owned; only the CallID field, written once at start, is read outside.
func (r *Runtime) setStateRef(s *call.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// ── event loop ───────────────────────────────────────────────────────────────

// Run drives the session until the call ends. It owns all call state; every
// carrier frame, provider event, control command, and timer is serialised
// through its select.
func (r *Runtime) Run(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case msg, ok := <-r.stream.Events():
			if !ok {
				if r.detached {
					return
				}
				// Transport closed: normal caller hangup.
				r.finalize(call.StatusCompleted, "")
				return
			}
			if r.handleCarrier(ctx, msg) {
				return
			}

		case evt, ok := <-r.provEvents:
			if !ok {
				// Receive loop exited without a ClosedEvent; treat as close.
				r.provEvents = nil
				r.finalize(call.StatusCompleted, "")
				return
			}
			if r.handleProvider(ctx, evt) {
				return
			}

		case cmd := <-r.commands:
			if r.handleCommand(ctx, cmd) {
				return
			}

		case <-r.durationC:
			r.log.Info("call duration cap reached", "callId", r.callID())
			r.finalize(call.StatusCompleted, "")
			r.completeLeg(context.Background())
			return

		case <-r.goodbyeC:
			r.log.Info("goodbye grace elapsed, ending call", "callId", r.callID())
			r.finalize(call.StatusCompleted, "")
			r.completeLeg(context.Background())
			return

		case <-ctx.Done():
			r.finalize(call.StatusCompleted, "shutdown")
			return
		}
	}
}

func (r *Runtime) callID() string {
	if r.state == nil {
		return ""
	}
	return r.state.CallID
}

// ── carrier events ───────────────────────────────────────────────────────────

func (r *Runtime) handleCarrier(ctx context.Context, msg *carrier.Message) bool {
	if msg.Event == carrier.EventStart {
		return r.handleStart(ctx, msg.Start)
	}
	if r.state == nil {
		// Frames before start carry no usable call identity.
		return false
	}

	switch msg.Event {
	case carrier.EventMedia:
		if msg.Media == nil {
			return false
		}
		if ts := msg.Media.TimestampMs(); ts > r.state.LatestMediaTimestamp {
			r.state.LatestMediaTimestamp = ts
		}
		if !r.state.HasSeenMedia {
			r.state.HasSeenMedia = true
			r.state.LogCarrierEvent("first-media", nil)
		}
		if r.metrics != nil {
			r.metrics.AudioChunk("inbound")
		}
		if r.ready {
			if err := r.session.SendAudio(msg.Media.Payload); err != nil {
				r.log.Warn("forward caller audio failed", "callId", r.callID(), "err", err)
			}
		} else {
			r.pendingAudio = append(r.pendingAudio, msg.Media.Payload)
		}

	case carrier.EventMark:
		r.state.DequeueMark()

	case carrier.EventDTMF:
		if msg.DTMF == nil {
			return false
		}
		r.state.LogCarrierEvent("dtmf", map[string]any{"digit": msg.DTMF.Digit})
		r.state.AppendConversation(call.Message{
			Role:      call.RoleSystem,
			Content:   "Caller pressed DTMF digit: " + msg.DTMF.Digit,
			Timestamp: time.Now(),
		})

	case carrier.EventStop:
		r.state.LogCarrierEvent("stop", nil)
		if r.detached {
			return true
		}
		r.finalize(call.StatusCompleted, "")
		return true
	}
	return false
}

// handleStart discriminates the four start-event branches by the durable
// record's status: no record means a fresh inbound call, initiated means an
// originated outbound call attaching its media stream, on-hold means a
// resume, and in-progress means the stream reconnected mid-call (after an
// in-band DTMF redirect or a carrier-side stream reset).
func (r *Runtime) handleStart(ctx context.Context, start *carrier.StartPayload) bool {
	if start == nil || r.started {
		return false
	}
	callID := start.CallSID
	params := start.Params()

	rec, err := r.store.GetCall(ctx, callID)
	if err != nil {
		serr := &call.StorageError{Op: "get call", Err: err}
		r.log.Error("call lookup failed, treating as new call", "callId", callID, "err", serr)
		rec = nil
	}

	switch {
	case rec == nil:
		return r.startNewInbound(ctx, callID, start, params)
	case rec.Status == call.StatusInitiated:
		return r.startOutboundAttach(ctx, start, rec)
	case rec.Status == call.StatusOnHold:
		return r.startRestored(ctx, start, rec, true)
	case rec.Status == call.StatusInProgress:
		return r.startRestored(ctx, start, rec, false)
	default:
		r.log.Warn("start event for terminated call, closing stream",
			"callId", callID, "status", rec.Status)
		r.stream.Close()
		r.detached = true
		return true
	}
}

func (r *Runtime) startNewInbound(ctx context.Context, callID string, start *carrier.StartPayload, params carrier.StartParams) bool {
	if err := r.manager.AdmitAndRegister(callID, call.DirectionInbound, r); err != nil {
		r.log.Warn("inbound call refused", "callId", callID, "err", err)
		if err := r.control.SayAndHangup(ctx, callID, r.cfg.CapacityMessage); err != nil {
			r.log.Error("capacity refusal hangup failed", "callId", callID, "err", err)
		}
		r.stream.Close()
		r.detached = true
		return true
	}

	system := params.SystemInstructions
	if strings.TrimSpace(system) == "" {
		system = r.cfg.DefaultSystemInstructions
	}
	voice := params.Voice
	if voice == "" {
		voice = r.cfg.DefaultVoice
	}

	now := time.Now()
	rec := &call.Record{
		CallID:             callID,
		Direction:          call.DirectionInbound,
		FromNumber:         params.FromNumber,
		ToNumber:           params.ToNumber,
		Voice:              voice,
		Provider:           r.provider.Name(),
		SystemInstructions: system,
		CallInstructions:   params.CallInstructions,
		StartedAt:          now,
		Status:             call.StatusInitiated,
	}
	if err := r.store.CreateCall(ctx, rec); err != nil {
		serr := &call.StorageError{Op: "create call", Err: err}
		r.log.Error("continuing without durable record", "callId", callID, "err", serr)
	}

	r.beginCall(start, rec, now)
	return r.connectProvider(ctx, realtime.Config{
		Voice:        voice,
		Instructions: system,
		Greeting:     params.CallInstructions,
		Tools:        toolDefinitions(),
	}, "")
}

func (r *Runtime) startOutboundAttach(ctx context.Context, start *carrier.StartPayload, rec *call.Record) bool {
	if err := r.manager.Attach(rec.CallID, r); err != nil {
		// Reservation expired; re-admit from scratch.
		if err := r.manager.AdmitAndRegister(rec.CallID, rec.Direction, r); err != nil {
			r.log.Warn("outbound attach refused", "callId", rec.CallID, "err", err)
			r.stream.Close()
			r.detached = true
			return true
		}
	}

	r.beginCall(start, rec, rec.StartedAt)
	return r.connectProvider(ctx, realtime.Config{
		Voice:        rec.Voice,
		Instructions: rec.SystemInstructions,
		Greeting:     rec.CallInstructions,
		Tools:        toolDefinitions(),
	}, "")
}

// startRestored handles the resume-from-hold and mid-call reconnect branches.
// Both restore the stored conversation history into fresh state and open a
// new provider session seeded with a summary of the conversation so far.
func (r *Runtime) startRestored(ctx context.Context, start *carrier.StartPayload, rec *call.Record, fromHold bool) bool {
	if err := r.manager.AdmitAndRegister(rec.CallID, rec.Direction, r); err != nil {
		if errors.Is(err, call.ErrCapacityExceeded) && fromHold {
			// No slot free: park the caller on hold again rather than drop.
			r.log.Warn("resume refused at capacity, returning to hold", "callId", rec.CallID)
			if err := r.control.RedirectToHold(ctx, rec.CallID, r.cfg.HoldAnnouncement); err != nil {
				r.log.Error("re-hold failed", "callId", rec.CallID, "err", err)
			}
			r.stream.Close()
			r.detached = true
			return true
		}
		r.log.Warn("stream reattach refused", "callId", rec.CallID, "err", err)
		r.stream.Close()
		r.detached = true
		return true
	}

	r.beginCall(start, rec, rec.StartedAt)
	r.state.ConversationHistory = append(r.state.ConversationHistory, rec.ConversationHistory...)
	r.state.CarrierEvents = append(r.state.CarrierEvents, rec.CarrierEvents...)
	r.state.ProviderEvents = append(r.state.ProviderEvents, rec.ProviderEvents...)

	seed := restoredContext(r.state.ConversationHistory, fromHold)
	return r.connectProvider(ctx, realtime.Config{
		Voice:        rec.Voice,
		Instructions: rec.SystemInstructions,
		Tools:        toolDefinitions(),
	}, seed)
}

// beginCall installs the per-call state and flips the durable and live
// status to in-progress. The status write precedes any carrier interaction
// so later events observe the new status.
func (r *Runtime) beginCall(start *carrier.StartPayload, rec *call.Record, startedAt time.Time) {
	state := call.NewState(rec.CallID)
	state.StreamSID = start.StreamSID
	state.Status = call.StatusInProgress
	state.LogCarrierEvent("start", map[string]any{"streamSid": start.StreamSID})
	r.setStateRef(state)

	r.direction = rec.Direction
	r.startedAt = startedAt
	r.started = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.MarkInProgress(ctx, rec.CallID); err != nil {
		serr := &call.StorageError{Op: "mark in-progress", Err: err}
		r.log.Error("status write failed", "callId", rec.CallID, "err", serr)
	}
	r.bus.PublishStatus(rec.CallID, string(call.StatusInProgress))
	if r.metrics != nil {
		r.metrics.SessionStarted(r.direction)
	}
	r.armDurationTimer()

	r.log.Info("call bridged",
		"callId", rec.CallID,
		"direction", r.direction,
		"streamSid", start.StreamSID,
		"provider", r.provider.Name())
}

// connectProvider opens the realtime session. seed, when non-empty, is
// injected immediately (queued until the provider is ready) followed by a
// response request so the agent picks the conversation back up.
func (r *Runtime) connectProvider(ctx context.Context, cfg realtime.Config, seed string) bool {
	sess, err := r.provider.Connect(ctx, cfg)
	if err != nil {
		msg := fmt.Sprintf("%v: %v", call.ErrProviderUnavailable, err)
		r.log.Error("provider connect failed", "callId", r.callID(), "err", err)
		r.finalize(call.StatusFailed, msg)
		r.completeLeg(context.Background())
		return true
	}
	r.session = sess
	r.provEvents = sess.Events()

	if seed != "" {
		if err := sess.InjectContext(seed); err != nil {
			r.log.Warn("seed context injection failed", "callId", r.callID(), "err", err)
		}
		if err := sess.RequestResponse(); err != nil {
			r.log.Warn("seed response request failed", "callId", r.callID(), "err", err)
		}
	}
	return false
}

func (r *Runtime) armDurationTimer() {
	limit := r.cfg.MaxInboundDuration
	if r.direction == call.DirectionOutbound {
		limit = r.cfg.MaxOutboundDuration
	}
	if limit <= 0 {
		return
	}
	remaining := limit - time.Since(r.startedAt)
	if remaining < 0 {
		remaining = 0
	}
	r.durationTimer = time.NewTimer(remaining)
	r.durationC = r.durationTimer.C
}

// ── provider events ──────────────────────────────────────────────────────────

func (r *Runtime) handleProvider(ctx context.Context, evt realtime.Event) bool {
	switch e := evt.(type) {
	case realtime.ReadyEvent:
		r.ready = true
		r.state.LogProviderEvent("ready", nil)
		for _, payload := range r.pendingAudio {
			if err := r.session.SendAudio(payload); err != nil {
				r.log.Warn("drain buffered audio failed", "callId", r.callID(), "err", err)
				break
			}
		}
		r.pendingAudio = nil

	case realtime.AudioDeltaEvent:
		r.forwardAudio(e)

	case realtime.UserTranscriptEvent:
		r.handleTranscript(call.RoleUser, e.Text, e.Final)

	case realtime.AgentTranscriptEvent:
		r.handleTranscript(call.RoleAssistant, e.Text, e.Final)

	case realtime.SpeechStartedEvent:
		r.handleBargeIn(true)

	case realtime.InterruptionEvent:
		r.handleBargeIn(false)

	case realtime.ToolCallEvent:
		return r.handleToolCall(ctx, e)

	case realtime.ErrorEvent:
		r.log.Warn("provider error", "callId", r.callID(), "err", e.Err)
		r.state.LogProviderEvent("error", map[string]any{"error": e.Err.Error()})

	case realtime.ClosedEvent:
		if r.detached {
			return true
		}
		if e.Err != nil {
			r.finalize(call.StatusFailed, fmt.Sprintf("provider connection lost: %v", e.Err))
		} else {
			r.finalize(call.StatusCompleted, "")
		}
		r.completeLeg(context.Background())
		return true
	}
	return false
}

// forwardAudio relays one synthesised audio chunk to the caller and sends a
// mark token after it. The pending mark count is the number of chunks the
// carrier has accepted but not yet acknowledged.
func (r *Runtime) forwardAudio(e realtime.AudioDeltaEvent) {
	if e.Payload == "" {
		return
	}
	if err := r.stream.SendMedia(r.state.StreamSID, e.Payload); err != nil {
		r.log.Warn("send media failed", "callId", r.callID(), "err", err)
		return
	}
	token := uuid.NewString()
	if err := r.stream.SendMark(r.state.StreamSID, token); err != nil {
		r.log.Warn("send mark failed", "callId", r.callID(), "err", err)
	}
	r.state.EnqueueMark(token)

	if r.state.ResponseStartTimestamp == nil {
		ts := r.state.LatestMediaTimestamp
		r.state.ResponseStartTimestamp = &ts
	}
	r.state.LastAssistantItemID = e.ItemID
	if r.metrics != nil {
		r.metrics.AudioChunk("outbound")
	}
}

// handleBargeIn truncates the in-flight assistant response when the caller
// starts speaking over it. elapsed is the audio the caller actually heard;
// the provider's conversation state is cut to exactly that offset and the
// carrier discards everything buffered beyond it.
//
// truncateProvider is false for providers that already cancelled the
// response server-side; only the carrier-side cleanup runs then.
func (r *Runtime) handleBargeIn(truncateProvider bool) {
	// All three guards failing means no response is playing: truncating
	// silence would corrupt provider state, and a second speech-started
	// after a completed barge-in must be a no-op.
	if r.state.MarkDepth() == 0 {
		return
	}
	if r.state.ResponseStartTimestamp == nil {
		return
	}
	if r.state.LastAssistantItemID == "" {
		return
	}

	elapsed := r.state.LatestMediaTimestamp - *r.state.ResponseStartTimestamp
	if elapsed < 0 {
		elapsed = 0
	}

	if truncateProvider {
		if err := r.session.Truncate(r.state.LastAssistantItemID, elapsed); err != nil {
			r.log.Warn("truncate failed", "callId", r.callID(), "err", err)
		}
	}
	if err := r.stream.SendClear(r.state.StreamSID); err != nil {
		r.log.Warn("clear failed", "callId", r.callID(), "err", err)
	}
	r.state.MarkLastAssistantTruncated(elapsed)
	r.state.ResetResponseTracking()
	r.state.LogProviderEvent("barge-in", map[string]any{"audioEndMs": elapsed})
	if r.metrics != nil {
		r.metrics.BargeIn()
	}

	r.log.Debug("barge-in", "callId", r.callID(), "audioEndMs", elapsed)
}

func (r *Runtime) handleTranscript(role call.Role, text string, final bool) {
	if !final {
		r.bus.Publish(events.Event{
			Type:   events.TypeTranscript,
			CallID: r.callID(),
			Data:   map[string]any{"role": string(role), "content": text, "partial": true},
		})
		return
	}
	if strings.TrimSpace(text) == "" {
		return
	}

	r.state.AppendConversation(call.Message{
		Role:      role,
		Content:   text,
		Timestamp: time.Now(),
	})
	r.bus.PublishTranscript(r.callID(), string(role), text)
	r.checkGoodbye(text)
}

// checkGoodbye schedules a graceful hangup when a goodbye phrase appears in
// a final transcript. The grace delay lets the closing audio play out.
func (r *Runtime) checkGoodbye(text string) {
	if r.goodbyeC != nil {
		return
	}
	lower := strings.ToLower(text)
	for _, phrase := range r.cfg.GoodbyePhrases {
		if strings.Contains(lower, phrase) {
			r.log.Info("goodbye detected", "callId", r.callID(), "phrase", phrase)
			r.goodbyeTimer = time.NewTimer(r.cfg.GoodbyeGrace)
			r.goodbyeC = r.goodbyeTimer.C
			return
		}
	}
}

func (r *Runtime) handleToolCall(ctx context.Context, e realtime.ToolCallEvent) bool {
	r.state.LogProviderEvent("tool-call", map[string]any{"name": e.Name})

	switch e.Name {
	case "request_operator_context":
		var args struct {
			Question string `json:"question"`
		}
		if err := json.Unmarshal([]byte(e.Arguments), &args); err != nil || strings.TrimSpace(args.Question) == "" {
			r.toolResult(e.CallID, "The question was empty; ask again with a specific question.")
			return false
		}
		r.state.PendingContextRequest = &call.ContextRequest{
			Question:    args.Question,
			RequestedBy: "agent",
			Timestamp:   time.Now(),
		}
		r.bus.PublishContextRequest(r.callID(), args.Question)
		r.toolResult(e.CallID, "The operator has been notified. Let the caller know you are checking on it.")

	case "send_dtmf":
		var args struct {
			Digits string `json:"digits"`
		}
		if err := json.Unmarshal([]byte(e.Arguments), &args); err != nil || !ValidDTMF(args.Digits) {
			r.toolResult(e.CallID, "Invalid digits. Use 0-9, *, #, A-D and w for pauses.")
			return false
		}
		if err := r.control.PlayDigits(ctx, r.callID(), args.Digits); err != nil {
			r.log.Error("tool DTMF failed", "callId", r.callID(), "err", err)
			r.toolResult(e.CallID, "Sending the digits failed.")
			return false
		}
		r.state.AppendConversation(call.Message{
			Role:      call.RoleSystem,
			Content:   "Sent DTMF digits: " + args.Digits,
			Timestamp: time.Now(),
		})
		r.toolResult(e.CallID, "Digits sent.")
		// The digits redirect tears down this stream; the call reconnects
		// with a fresh start event and picks the conversation back up.
		r.persistHistory(ctx)
		r.detachForReconnect()
		return true

	default:
		r.toolResult(e.CallID, "Unknown tool.")
	}
	return false
}

func (r *Runtime) toolResult(callID, output string) {
	if err := r.session.SendToolResult(callID, output); err != nil {
		r.log.Warn("tool result failed", "callId", r.callID(), "err", err)
	}
}

// ── control commands ─────────────────────────────────────────────────────────

func (r *Runtime) handleCommand(ctx context.Context, cmd command) bool {
	switch c := cmd.(type) {
	case holdCmd:
		done, err := r.doHold(ctx)
		c.reply <- err
		return done
	case hangupCmd:
		status, err := r.doHangup(ctx)
		c.reply <- hangupReply{status: status, err: err}
		return true
	case injectCmd:
		c.reply <- r.doInject(ctx, c.text)
		return false
	case dtmfCmd:
		done, err := r.doDTMF(ctx, c.digits)
		c.reply <- err
		return done
	}
	return false
}

// doHold parks the call: durable status and history are written first, then
// the carrier redirects the leg to hold audio, which tears down this media
// stream. The session ends without finalizing — the on-hold record is what
// a later resume picks up.
func (r *Runtime) doHold(ctx context.Context) (bool, error) {
	if err := r.store.MarkOnHold(ctx, r.callID()); err != nil {
		return false, fmt.Errorf("hold %s: %w", r.callID(), err)
	}
	r.persistHistory(ctx)

	if err := r.control.RedirectToHold(ctx, r.callID(), r.cfg.HoldAnnouncement); err != nil {
		// Redirect failed: flip the status back so the record is not stranded.
		if rerr := r.store.MarkInProgress(ctx, r.callID()); rerr != nil {
			r.log.Error("hold rollback failed", "callId", r.callID(), "err", rerr)
		}
		return false, fmt.Errorf("hold %s: %w", r.callID(), err)
	}

	r.bus.PublishStatus(r.callID(), string(call.StatusOnHold))
	r.setTerminal(call.StatusOnHold)
	r.log.Info("call placed on hold", "callId", r.callID())
	r.endLeg()
	return true, nil
}

func (r *Runtime) doHangup(ctx context.Context) (call.Status, error) {
	if err := r.control.CompleteCall(ctx, r.callID()); err != nil {
		r.log.Warn("carrier hangup failed, finalizing anyway", "callId", r.callID(), "err", err)
	}
	r.finalize(call.StatusCompleted, "")
	return call.StatusCompleted, nil
}

func (r *Runtime) doInject(ctx context.Context, text string) injectReply {
	if strings.TrimSpace(text) == "" {
		return injectReply{err: fmt.Errorf("inject context: empty text: %w", call.ErrInvalidArgument)}
	}

	r.state.AppendConversation(OperatorNoteMessage(text))
	r.persistHistory(ctx)
	r.bus.PublishTranscript(r.callID(), string(call.RoleSystem), operatorNotePrefix+text)

	block := operatorContext(text, r.state.ConversationHistory)
	if err := r.session.InjectContext(block); err != nil {
		return injectReply{err: fmt.Errorf("inject context: %w", err)}
	}

	// A pending context request means the agent paused waiting for exactly
	// this; answer it and set the conversation moving again.
	if r.state.PendingContextRequest != nil {
		r.state.PendingContextRequest = nil
		if err := r.session.RequestResponse(); err != nil {
			return injectReply{err: fmt.Errorf("inject context: resume response: %w", err)}
		}
		return injectReply{resumed: true}
	}
	return injectReply{}
}

func (r *Runtime) doDTMF(ctx context.Context, digits string) (bool, error) {
	if !ValidDTMF(digits) {
		return false, fmt.Errorf("dtmf %q: %w", digits, call.ErrInvalidArgument)
	}
	r.state.AppendConversation(call.Message{
		Role:      call.RoleSystem,
		Content:   "Sent DTMF digits: " + digits,
		Timestamp: time.Now(),
	})
	r.persistHistory(ctx)

	if err := r.control.PlayDigits(ctx, r.callID(), digits); err != nil {
		return false, fmt.Errorf("dtmf: %w", err)
	}
	// The redirect tears down this stream; a reconnect start event follows.
	r.detachForReconnect()
	return true, nil
}

// ── teardown ─────────────────────────────────────────────────────────────────

// detachForReconnect ends this session leg while the durable call stays
// in-progress: the carrier is about to open a replacement media stream.
func (r *Runtime) detachForReconnect() {
	r.setTerminal(call.StatusInProgress)
	r.endLeg()
}

// endLeg releases everything this leg held without touching the durable
// record: registry slot, timers, metrics gauge, and both transports.
func (r *Runtime) endLeg() {
	r.detached = true
	r.stopTimers()
	r.manager.Unregister(r.callID())
	if r.metrics != nil {
		r.metrics.SessionEnded(r.direction)
	}
	if r.session != nil {
		r.session.Close()
	}
	r.stream.Close()
}

func (r *Runtime) stopTimers() {
	if r.durationTimer != nil {
		r.durationTimer.Stop()
	}
	if r.goodbyeTimer != nil {
		r.goodbyeTimer.Stop()
	}
}

// completeLeg asks the carrier to end the call leg after the session
// finalized for a reason the caller cannot observe (duration cap, goodbye,
// provider loss); without it the caller would hear dead air.
func (r *Runtime) completeLeg(ctx context.Context) {
	if err := r.control.CompleteCall(ctx, r.callID()); err != nil {
		r.log.Warn("complete call leg failed", "callId", r.callID(), "err", err)
	}
}

// finalize writes the terminal snapshot exactly once. Later triggers are
// no-ops: every exit path funnels through here, and two triggers racing on
// the loop still serialise.
func (r *Runtime) finalize(status call.Status, errMsg string) {
	if r.ending || r.detached {
		return
	}
	r.ending = true
	r.stopTimers()

	if !r.started {
		// Transport closed before a start event: nothing durable exists.
		r.stream.Close()
		return
	}

	callID := r.callID()
	endedAt := time.Now()
	fin := call.Finalization{
		EndedAt:             endedAt,
		DurationSeconds:     int(endedAt.Sub(r.startedAt).Seconds()),
		Status:              status,
		ErrorMessage:        errMsg,
		ConversationHistory: r.state.ConversationHistory,
		CarrierEvents:       r.state.CarrierEvents,
		ProviderEvents:      r.state.ProviderEvents,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.Finalize(ctx, callID, fin); err != nil {
		serr := &call.StorageError{Op: "finalize", Err: err}
		r.log.Error("finalize write failed, retrying once", "callId", callID, "err", serr)
		if err := r.store.Finalize(ctx, callID, fin); err != nil {
			r.log.Error("finalize retry failed, record is stale", "callId", callID, "err", err)
		}
	}

	r.bus.PublishStatus(callID, string(status))
	r.manager.Unregister(callID)
	if r.metrics != nil {
		r.metrics.SessionEnded(r.direction)
		r.metrics.CallFinalized(r.direction, endedAt.Sub(r.startedAt))
	}
	r.setTerminal(status)
	r.state.Status = status

	r.log.Info("call finalized",
		"callId", callID,
		"status", status,
		"durationSeconds", fin.DurationSeconds)

	// Grace before teardown so the last audio reaches the caller.
	sess, stream := r.session, r.stream
	time.AfterFunc(r.cfg.CloseGrace, func() {
		if sess != nil {
			sess.Close()
		}
		stream.Close()
	})
}

func (r *Runtime) persistHistory(ctx context.Context) {
	if err := r.store.UpdateConversationHistory(ctx, r.callID(), r.state.ConversationHistory); err != nil {
		serr := &call.StorageError{Op: "update history", Err: err}
		r.log.Error("history write failed, continuing in memory", "callId", r.callID(), "err", serr)
	}
}

// ── exported command surface ─────────────────────────────────────────────────

// errSessionEnded wraps ErrNotFound: by the time a caller observes it the
// session is gone and the control plane should answer 404.
func errSessionEnded(callID string) error {
	return fmt.Errorf("session for call %s ended: %w", callID, call.ErrNotFound)
}

func (r *Runtime) send(ctx context.Context, cmd command) error {
	select {
	case r.commands <- cmd:
		return nil
	case <-r.done:
		return errSessionEnded(r.CallID())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hold parks the call on hold audio and ends this session. The durable
// record stays on-hold until Resume.
func (r *Runtime) Hold(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := r.send(ctx, holdCmd{reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hangup ends the call and returns its terminal status. Idempotent: invoking
// it on an already-ended call returns the recorded terminal status.
func (r *Runtime) Hangup(ctx context.Context) (call.Status, error) {
	reply := make(chan hangupReply, 1)
	if err := r.send(ctx, hangupCmd{reply: reply}); err != nil {
		if errors.Is(err, call.ErrNotFound) {
			return r.TerminalStatus(), nil
		}
		return "", err
	}
	select {
	case res := <-reply:
		return res.status, res.err
	case <-r.done:
		return r.TerminalStatus(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// InjectContext delivers an operator instruction into the live conversation.
func (r *Runtime) InjectContext(ctx context.Context, text string) (InjectResult, error) {
	reply := make(chan injectReply, 1)
	if err := r.send(ctx, injectCmd{text: text, reply: reply}); err != nil {
		return InjectResult{}, err
	}
	select {
	case res := <-reply:
		return InjectResult{Resumed: res.resumed}, res.err
	case <-r.done:
		return InjectResult{}, errSessionEnded(r.CallID())
	case <-ctx.Done():
		return InjectResult{}, ctx.Err()
	}
}

// SendDTMF plays keypad tones on the call leg.
func (r *Runtime) SendDTMF(ctx context.Context, digits string) error {
	reply := make(chan error, 1)
	if err := r.send(ctx, dtmfCmd{digits: digits, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── context blocks ───────────────────────────────────────────────────────────

// toolDefinitions is the fixed tool schema offered on every provider session.
func toolDefinitions() []realtime.ToolDefinition {
	return []realtime.ToolDefinition{
		{
			Name:        "request_operator_context",
			Description: "Ask the human operator for information you do not have. Use this when the caller asks something your instructions do not cover.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question": map[string]any{
						"type":        "string",
						"description": "What you need the operator to clarify.",
					},
				},
				"required": []string{"question"},
			},
		},
		{
			Name:        "send_dtmf",
			Description: "Send DTMF keypad tones on the call, for example to navigate a phone menu.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"digits": map[string]any{
						"type":        "string",
						"description": "Digits to send: 0-9, *, #, A-D, and w for a half-second pause.",
					},
				},
				"required": []string{"digits"},
			},
		},
	}
}

// operatorContext builds the text item sent to the provider for an operator
// instruction: the instruction plus a numbered summary of the conversation
// so far, each excerpt capped so the block stays small.
func operatorContext(text string, history []call.Message) string {
	var b strings.Builder
	b.WriteString("OPERATOR INSTRUCTION:\n")
	b.WriteString(text)
	b.WriteString("\n\nCONVERSATION SUMMARY:\n")
	b.WriteString(summaryExcerpts(history))
	return b.String()
}

// operatorNotePrefix marks system history entries written for operator
// context injections. A trailing note survives a hold/resume cycle by being
// promoted back into the seed of the fresh provider session.
const operatorNotePrefix = "Operator note: "

// OperatorNoteMessage builds the history entry recorded for an operator
// context injection. The control plane appends one to the durable history
// when it injects into an on-hold call, so the note rides the resume seed.
func OperatorNoteMessage(text string) call.Message {
	return call.Message{
		Role:      call.RoleSystem,
		Content:   operatorNotePrefix + text,
		Timestamp: time.Now(),
	}
}

// restoredContext seeds a fresh provider session with the prior conversation
// after a resume or a mid-call stream reconnect.
func restoredContext(history []call.Message, fromHold bool) string {
	var b strings.Builder
	if n := len(history); n > 0 && history[n-1].Role == call.RoleSystem &&
		strings.HasPrefix(history[n-1].Content, operatorNotePrefix) {
		b.WriteString("OPERATOR INSTRUCTION:\n")
		b.WriteString(strings.TrimPrefix(history[n-1].Content, operatorNotePrefix))
		b.WriteString("\n\n")
	}
	b.WriteString("CONVERSATION SUMMARY:\n")
	b.WriteString(summaryExcerpts(history))
	if fromHold {
		b.WriteString("\nResuming call from hold. Continue the conversation naturally.")
	} else {
		b.WriteString("\nThe call reconnected. Continue the conversation naturally.")
	}
	return b.String()
}

func summaryExcerpts(history []call.Message) string {
	var b strings.Builder
	n := 0
	for _, m := range history {
		if m.Role == call.RoleSystem {
			continue
		}
		n++
		content := m.Content
		if len(content) > summaryExcerptLen {
			// Back up to a rune boundary so the excerpt stays valid UTF-8.
			cut := summaryExcerptLen
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
			content = content[:cut]
		}
		fmt.Fprintf(&b, "%d. %s: %s\n", n, m.Role, content)
	}
	if n == 0 {
		b.WriteString("(no conversation yet)\n")
	}
	return b.String()
}
