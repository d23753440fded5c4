package session_test

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/callbridge-ai/callbridge/internal/call"
	"github.com/callbridge-ai/callbridge/internal/carrier"
	carriermock "github.com/callbridge-ai/callbridge/internal/carrier/mock"
	"github.com/callbridge-ai/callbridge/internal/events"
	"github.com/callbridge-ai/callbridge/internal/session"
	"github.com/callbridge-ai/callbridge/internal/store/memstore"
	"github.com/callbridge-ai/callbridge/pkg/provider/realtime"
	provmock "github.com/callbridge-ai/callbridge/pkg/provider/realtime/mock"
)

// testConfig keeps all grace periods short so the suite stays fast.
func testConfig() session.Config {
	return session.Config{
		DefaultSystemInstructions: "You are a test agent.",
		GoodbyeGrace:              30 * time.Millisecond,
		CloseGrace:                5 * time.Millisecond,
	}
}

type fixture struct {
	stream  *carriermock.Stream
	control *carriermock.Control
	sess    *provmock.Session
	prov    *provmock.Provider
	store   *memstore.Store
	bus     *events.Bus
	mgr     *session.Manager
	rt      *session.Runtime
}

// newCall wires a runtime against shared collaborators and starts its loop.
func newCall(t *testing.T, mgr *session.Manager, st *memstore.Store, bus *events.Bus, cfg session.Config) *fixture {
	t.Helper()
	f := &fixture{
		stream:  carriermock.NewStream(),
		control: &carriermock.Control{},
		sess:    provmock.NewSession(),
		store:   st,
		bus:     bus,
		mgr:     mgr,
	}
	f.prov = &provmock.Provider{ProviderName: "openai", Session: f.sess}
	f.rt = session.NewRuntime(session.Deps{
		Stream:   f.stream,
		Control:  f.control,
		Provider: f.prov,
		Store:    f.store,
		Bus:      f.bus,
		Manager:  f.mgr,
		Config:   cfg,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.rt.Run(ctx)
	return f
}

func newFixture(t *testing.T, cfg session.Config, limits session.Limits) *fixture {
	t.Helper()
	return newCall(t,
		session.NewManager(limits, nil),
		memstore.NewStore(),
		events.NewBus(nil),
		cfg)
}

func defaultLimits() session.Limits {
	return session.Limits{MaxTotal: 10, MaxOutgoing: 5, MaxIncoming: 5}
}

func startMsg(callID, streamSID string, params map[string]string) *carrier.Message {
	return &carrier.Message{
		Event: carrier.EventStart,
		Start: &carrier.StartPayload{
			StreamSID:        streamSID,
			CallSID:          callID,
			CustomParameters: params,
		},
	}
}

func mediaMsg(tsMs int64, payload string) *carrier.Message {
	return &carrier.Message{
		Event: carrier.EventMedia,
		Media: &carrier.MediaPayload{
			Timestamp: strconv.FormatInt(tsMs, 10),
			Payload:   payload,
		},
	}
}

func markMsg(name string) *carrier.Message {
	return &carrier.Message{Event: carrier.EventMark, Mark: &carrier.MarkPayload{Name: name}}
}

func stopMsg() *carrier.Message {
	return &carrier.Message{Event: carrier.EventStop, Stop: &carrier.StopPayload{}}
}

func agentFinal(text string) realtime.Event {
	return realtime.AgentTranscriptEvent{Text: text, Final: true}
}

func userFinal(text string) realtime.Event {
	return realtime.UserTranscriptEvent{Text: text, Final: true}
}

func audioDelta(itemID, payload string) realtime.Event {
	return realtime.AudioDeltaEvent{ItemID: itemID, Payload: payload}
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// awaitEvent blocks until an event of the given type arrives on ch.
func awaitEvent(t *testing.T, ch <-chan events.Event, typ events.Type) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == typ {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for bus event %s", typ)
		}
	}
}

// bridgeInbound drives a fresh inbound call to the ready state.
func bridgeInbound(t *testing.T, f *fixture, callID string) {
	t.Helper()
	f.stream.Emit(startMsg(callID, "MZ-"+callID, map[string]string{
		"fromNumber":         "+15550001111",
		"toNumber":           "+15550002222",
		"voice":              "sage",
		"systemInstructions": "You are helpful.",
		"callInstructions":   "Greet the caller.",
	}))
	waitUntil(t, "call registered", func() bool {
		_, ok := f.mgr.Get(callID)
		return ok
	})
	f.sess.Emit(realtime.ReadyEvent{})
	waitUntil(t, "record in progress", func() bool {
		rec, _ := f.store.GetCall(context.Background(), callID)
		return rec != nil && rec.Status == call.StatusInProgress
	})
}

func TestInboundCallLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), defaultLimits())
	bridgeInbound(t, f, "CA1")

	// Connect carried the start parameters through.
	connects := f.prov.ConnectCallsSnapshot()
	if len(connects) != 1 {
		t.Fatalf("connects = %d, want 1", len(connects))
	}
	cfg := connects[0].Cfg
	if cfg.Voice != "sage" || cfg.Instructions != "You are helpful." || cfg.Greeting != "Greet the caller." {
		t.Errorf("connect config = %+v", cfg)
	}
	if len(cfg.Tools) != 2 {
		t.Errorf("tools = %d, want 2", len(cfg.Tools))
	}

	// Caller audio flows through once ready.
	f.stream.Emit(mediaMsg(100, "payload-1"))
	waitUntil(t, "audio forwarded", func() bool { return f.sess.SentAudioCount() == 1 })

	f.stream.Emit(stopMsg())
	waitUntil(t, "finalized", func() bool { return !f.rt.IsAlive() })

	rec, _ := f.store.GetCall(context.Background(), "CA1")
	if rec.Status != call.StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
	if rec.EndedAt == nil {
		t.Error("EndedAt not set")
	}
	if rec.Direction != call.DirectionInbound || rec.FromNumber != "+15550001111" {
		t.Errorf("record = %+v", rec)
	}
	if f.mgr.Stats().TotalCalls != 0 {
		t.Error("session still registered after finalize")
	}
	waitUntil(t, "transports closed", func() bool { return f.sess.CloseCalls() > 0 })
}

func TestAudioBufferedUntilReady(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), defaultLimits())

	f.stream.Emit(startMsg("CA1", "MZ1", map[string]string{"systemInstructions": "x"}))
	waitUntil(t, "registered", func() bool {
		_, ok := f.mgr.Get("CA1")
		return ok
	})

	f.stream.Emit(mediaMsg(20, "chunk-a"))
	f.stream.Emit(mediaMsg(40, "chunk-b"))

	// Nothing reaches the provider before it is ready.
	time.Sleep(30 * time.Millisecond)
	if n := f.sess.SentAudioCount(); n != 0 {
		t.Fatalf("audio sent before ready: %d", n)
	}

	f.sess.Emit(realtime.ReadyEvent{})
	waitUntil(t, "buffer drained", func() bool { return f.sess.SentAudioCount() == 2 })
	if sent := f.sess.SentAudioSnapshot(); sent[0] != "chunk-a" || sent[1] != "chunk-b" {
		t.Errorf("drain order = %v", sent)
	}
}

func TestBargeIn(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), defaultLimits())
	bridgeInbound(t, f, "CA1")

	// The assistant's transcript lands first, then its audio starts playing
	// at carrier time 1000.
	f.sess.Emit(agentFinal("I can certainly help you with that today."))
	f.stream.Emit(mediaMsg(1000, "caller-audio"))
	waitUntil(t, "media processed", func() bool { return f.sess.SentAudioCount() == 1 })

	for i := 0; i < 8; i++ {
		f.sess.Emit(audioDelta("item-42", "delta-"+strconv.Itoa(i)))
	}
	waitUntil(t, "8 chunks forwarded", func() bool { return f.stream.SentMediaCount() == 8 })
	if marks := f.stream.SentMarksSnapshot(); len(marks) != 8 {
		t.Fatalf("marks sent = %d, want 8", len(marks))
	}

	// The caller keeps talking: playback clock reaches 1700, then VAD fires.
	f.stream.Emit(mediaMsg(1700, "caller-audio"))
	waitUntil(t, "second media processed", func() bool { return f.sess.SentAudioCount() == 2 })
	f.sess.Emit(realtime.SpeechStartedEvent{})
	waitUntil(t, "clear sent", func() bool { return f.stream.Clears() == 1 })

	truncates := f.sess.TruncateCallsSnapshot()
	if len(truncates) != 1 {
		t.Fatalf("truncates = %d, want 1", len(truncates))
	}
	if truncates[0].ItemID != "item-42" || truncates[0].AudioEndMs != 700 {
		t.Errorf("truncate = %+v, want item-42 @ 700ms", truncates[0])
	}

	// A second speech-started after the reset is a no-op.
	f.sess.Emit(realtime.SpeechStartedEvent{})
	time.Sleep(30 * time.Millisecond)
	if n := len(f.sess.TruncateCallsSnapshot()); n != 1 {
		t.Errorf("truncates after second event = %d, want 1", n)
	}
	if f.stream.Clears() != 1 {
		t.Errorf("clears = %d, want 1", f.stream.Clears())
	}

	// The truncation is recorded on the history entry.
	f.stream.Emit(stopMsg())
	waitUntil(t, "finalized", func() bool { return !f.rt.IsAlive() })
	rec, _ := f.store.GetCall(context.Background(), "CA1")
	last := rec.ConversationHistory[len(rec.ConversationHistory)-1]
	if !last.Truncated || last.TruncatedAtMs != 700 {
		t.Errorf("history entry = %+v, want truncated at 700", last)
	}
}

func TestBargeInGuardsBeforeAnyAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), defaultLimits())
	busCh, cancel := f.bus.Subscribe()
	defer cancel()
	bridgeInbound(t, f, "CA1")

	// VAD fires before the assistant produced any audio: all guards fail.
	f.sess.Emit(realtime.SpeechStartedEvent{})
	f.sess.Emit(agentFinal("Hello!"))
	awaitEvent(t, busCh, events.TypeTranscript)

	f.stream.Emit(stopMsg())
	waitUntil(t, "finalized", func() bool { return !f.rt.IsAlive() })

	if n := len(f.sess.TruncateCallsSnapshot()); n != 0 {
		t.Errorf("truncates = %d, want 0", n)
	}
	if f.stream.Clears() != 0 {
		t.Errorf("clears = %d, want 0", f.stream.Clears())
	}
	rec, _ := f.store.GetCall(context.Background(), "CA1")
	if len(rec.ConversationHistory) != 1 || rec.ConversationHistory[0].Truncated {
		t.Errorf("history = %+v", rec.ConversationHistory)
	}
}

func TestMarkAcknowledgment(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), defaultLimits())
	bridgeInbound(t, f, "CA1")

	f.stream.Emit(mediaMsg(500, "x"))
	waitUntil(t, "media", func() bool { return f.sess.SentAudioCount() == 1 })
	for i := 0; i < 3; i++ {
		f.sess.Emit(audioDelta("item-1", "d"))
	}
	waitUntil(t, "chunks", func() bool { return f.stream.SentMediaCount() == 3 })

	// Acknowledge all three chunks, then fire VAD: the empty queue means no
	// response is in flight, so nothing is truncated.
	for _, name := range f.stream.SentMarksSnapshot() {
		f.stream.Emit(markMsg(name))
	}
	f.stream.Emit(mediaMsg(900, "x"))
	waitUntil(t, "media 2", func() bool { return f.sess.SentAudioCount() == 2 })
	f.sess.Emit(realtime.SpeechStartedEvent{})
	time.Sleep(30 * time.Millisecond)

	if n := len(f.sess.TruncateCallsSnapshot()); n != 0 {
		t.Errorf("truncates = %d, want 0 after all marks acked", n)
	}
}

func TestGoodbyeDetection(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), defaultLimits())
	bridgeInbound(t, f, "CA1")

	f.sess.Emit(userFinal("Alright, bye bye!"))
	waitUntil(t, "finalized after grace", func() bool { return !f.rt.IsAlive() })

	rec, _ := f.store.GetCall(context.Background(), "CA1")
	if rec.Status != call.StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
	if len(rec.ConversationHistory) != 1 || rec.ConversationHistory[0].Role != call.RoleUser {
		t.Errorf("history = %+v", rec.ConversationHistory)
	}
	// The leg is hung up so the caller is not left on dead air.
	if len(f.control.CallsFor("complete")) != 1 {
		t.Errorf("complete calls = %v", f.control.CallsSnapshot())
	}
}

func TestDurationCap(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxInboundDuration = 40 * time.Millisecond
	f := newFixture(t, cfg, defaultLimits())
	bridgeInbound(t, f, "CA1")

	waitUntil(t, "cap finalize", func() bool { return !f.rt.IsAlive() })
	rec, _ := f.store.GetCall(context.Background(), "CA1")
	if rec.Status != call.StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
	waitUntil(t, "transports closed", func() bool { return f.sess.CloseCalls() > 0 })
}

func TestHoldPersistsAndDetaches(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), defaultLimits())
	busCh, cancel := f.bus.Subscribe()
	defer cancel()
	bridgeInbound(t, f, "CA1")

	f.sess.Emit(userFinal("I need to check something."))
	awaitEvent(t, busCh, events.TypeTranscript)
	f.sess.Emit(agentFinal("Sure, take your time."))
	awaitEvent(t, busCh, events.TypeTranscript)

	if err := f.rt.Hold(context.Background()); err != nil {
		t.Fatalf("Hold: %v", err)
	}
	waitUntil(t, "loop exited", func() bool { return !f.rt.IsAlive() })

	rec, _ := f.store.GetCall(context.Background(), "CA1")
	if rec.Status != call.StatusOnHold {
		t.Errorf("status = %s, want on-hold", rec.Status)
	}
	if rec.EndedAt != nil {
		t.Error("hold must not finalize the record")
	}
	if len(rec.ConversationHistory) != 2 {
		t.Errorf("persisted history = %d entries, want 2", len(rec.ConversationHistory))
	}
	if len(f.control.CallsFor("hold")) != 1 {
		t.Errorf("control calls = %v", f.control.CallsSnapshot())
	}
	if f.mgr.Stats().TotalCalls != 0 {
		t.Error("session still registered after hold")
	}
}

func TestResumeRestoresHistory(t *testing.T) {
	t.Parallel()
	st := memstore.NewStore()
	history := []call.Message{
		{Role: call.RoleUser, Content: "My order number is 12345.", Timestamp: time.Now()},
		{Role: call.RoleAssistant, Content: "Thanks, one moment.", Timestamp: time.Now()},
	}
	rec := &call.Record{
		CallID:              "CA1",
		Direction:           call.DirectionInbound,
		Voice:               "sage",
		SystemInstructions:  "You are helpful.",
		StartedAt:           time.Now().Add(-time.Minute),
		Status:              call.StatusOnHold,
		ConversationHistory: history,
	}
	if err := st.CreateCall(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	f := newCall(t, session.NewManager(defaultLimits(), nil), st, events.NewBus(nil), testConfig())
	f.stream.Emit(startMsg("CA1", "MZ2", nil))
	waitUntil(t, "re-registered", func() bool {
		_, ok := f.mgr.Get("CA1")
		return ok
	})

	waitUntil(t, "seed injected", func() bool { return len(f.sess.InjectedContextSnapshot()) == 1 })
	seed := f.sess.InjectedContextSnapshot()[0]
	if !strings.Contains(seed, "Resuming call from hold") {
		t.Errorf("seed missing resume marker:\n%s", seed)
	}
	if !strings.Contains(seed, "My order number is 12345.") {
		t.Errorf("seed missing prior conversation:\n%s", seed)
	}
	waitUntil(t, "response requested", func() bool { return f.sess.ResponseRequestCount() == 1 })

	waitUntil(t, "back in progress", func() bool {
		got, _ := st.GetCall(context.Background(), "CA1")
		return got.Status == call.StatusInProgress
	})

	// The restored history survives into finalization untouched.
	f.stream.Emit(stopMsg())
	waitUntil(t, "finalized", func() bool { return !f.rt.IsAlive() })
	got, _ := st.GetCall(context.Background(), "CA1")
	if len(got.ConversationHistory) != 2 || got.ConversationHistory[0].Content != history[0].Content {
		t.Errorf("restored history = %+v", got.ConversationHistory)
	}
}

func TestInjectContextAutoResume(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), defaultLimits())
	busCh, cancel := f.bus.Subscribe()
	defer cancel()
	bridgeInbound(t, f, "CA1")

	// The agent pauses to ask the operator.
	f.sess.Emit(realtime.ToolCallEvent{
		CallID:    "tc-1",
		Name:      "request_operator_context",
		Arguments: `{"question":"What is the refund policy?"}`,
	})
	evt := awaitEvent(t, busCh, events.TypeContextRequest)
	if evt.Data["question"] != "What is the refund policy?" {
		t.Errorf("context request = %v", evt.Data)
	}

	res, err := f.rt.InjectContext(context.Background(), "Refunds are allowed within 30 days.")
	if err != nil {
		t.Fatalf("InjectContext: %v", err)
	}
	if !res.Resumed {
		t.Error("Resumed = false, want true with a pending context request")
	}

	injected := f.sess.InjectedContextSnapshot()
	last := injected[len(injected)-1]
	if !strings.Contains(last, "OPERATOR INSTRUCTION:\nRefunds are allowed within 30 days.") {
		t.Errorf("injected block:\n%s", last)
	}
	if !strings.Contains(last, "CONVERSATION SUMMARY:") {
		t.Errorf("injected block missing summary:\n%s", last)
	}
	if f.sess.ResponseRequestCount() != 1 {
		t.Errorf("response requests = %d, want 1", f.sess.ResponseRequestCount())
	}

	// A second injection with nothing pending does not resume.
	res, err = f.rt.InjectContext(context.Background(), "Also mention the loyalty program.")
	if err != nil || res.Resumed {
		t.Errorf("second inject = %+v, %v", res, err)
	}
}

func TestInjectContextRejectsBlank(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), defaultLimits())
	bridgeInbound(t, f, "CA1")

	for _, text := range []string{"", "   "} {
		if _, err := f.rt.InjectContext(context.Background(), text); !errors.Is(err, call.ErrInvalidArgument) {
			t.Errorf("InjectContext(%q) = %v, want ErrInvalidArgument", text, err)
		}
	}
}

func TestHangupIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), defaultLimits())
	bridgeInbound(t, f, "CA1")

	status1, err := f.rt.Hangup(context.Background())
	if err != nil || status1 != call.StatusCompleted {
		t.Fatalf("first hangup = %s, %v", status1, err)
	}
	waitUntil(t, "loop exited", func() bool { return !f.rt.IsAlive() })

	status2, err := f.rt.Hangup(context.Background())
	if err != nil || status2 != status1 {
		t.Errorf("second hangup = %s, %v; want %s, nil", status2, err, status1)
	}
	if len(f.control.CallsFor("complete")) != 1 {
		t.Errorf("complete calls = %v, want exactly one", f.control.CallsSnapshot())
	}
}

func TestInboundCapacityRefusal(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), session.Limits{MaxTotal: 0})

	f.stream.Emit(startMsg("CA1", "MZ1", map[string]string{"systemInstructions": "x"}))
	waitUntil(t, "refused", func() bool { return len(f.control.CallsFor("reject")) == 1 })

	if f.mgr.Stats().TotalCalls != 0 {
		t.Error("refused call was registered")
	}
	if len(f.prov.ConnectCallsSnapshot()) != 0 {
		t.Error("provider connected for a refused call")
	}
	waitUntil(t, "loop exited", func() bool { return !f.rt.IsAlive() })
}

func TestSendDTMFDetachesForReconnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), defaultLimits())
	bridgeInbound(t, f, "CA1")

	if err := f.rt.SendDTMF(context.Background(), "bad!"); !errors.Is(err, call.ErrInvalidArgument) {
		t.Fatalf("invalid digits = %v, want ErrInvalidArgument", err)
	}
	if !f.rt.IsAlive() {
		t.Fatal("runtime died on invalid digits")
	}

	if err := f.rt.SendDTMF(context.Background(), "12#"); err != nil {
		t.Fatalf("SendDTMF: %v", err)
	}
	waitUntil(t, "detached", func() bool { return !f.rt.IsAlive() })

	digits := f.control.CallsFor("digits")
	if len(digits) != 1 || digits[0].Arg != "12#" {
		t.Errorf("digits calls = %v", digits)
	}
	rec, _ := f.store.GetCall(context.Background(), "CA1")
	if rec.Status != call.StatusInProgress {
		t.Errorf("status = %s, want in-progress across the redirect", rec.Status)
	}
	if rec.EndedAt != nil {
		t.Error("DTMF redirect must not finalize the record")
	}
	found := false
	for _, m := range rec.ConversationHistory {
		if m.Role == call.RoleSystem && strings.Contains(m.Content, "12#") {
			found = true
		}
	}
	if !found {
		t.Errorf("history missing DTMF marker: %+v", rec.ConversationHistory)
	}
}

func TestProviderConnectFailureFailsCall(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), defaultLimits())
	f.prov.ConnectErr = errors.New("dial refused")

	f.stream.Emit(startMsg("CA1", "MZ1", map[string]string{"systemInstructions": "x"}))
	waitUntil(t, "failed finalize", func() bool { return !f.rt.IsAlive() })

	rec, _ := f.store.GetCall(context.Background(), "CA1")
	if rec.Status != call.StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if !strings.Contains(rec.ErrorMessage, "provider unavailable") {
		t.Errorf("error message = %q", rec.ErrorMessage)
	}
	if f.mgr.Stats().TotalCalls != 0 {
		t.Error("failed call still registered")
	}
}

func TestEmergencyShutdown(t *testing.T) {
	t.Parallel()
	mgr := session.NewManager(defaultLimits(), nil)
	st := memstore.NewStore()
	bus := events.NewBus(nil)

	ids := []string{"CA1", "CA2", "CA3"}
	fixtures := make([]*fixture, 0, len(ids))
	for _, id := range ids {
		f := newCall(t, mgr, st, bus, testConfig())
		bridgeInbound(t, f, id)
		fixtures = append(fixtures, f)
	}

	report := mgr.EmergencyShutdown(context.Background())
	if report.TerminatedCount != 3 || report.FailedCount != 0 {
		t.Fatalf("report = %+v", report)
	}
	if len(report.TerminatedCalls) != 3 {
		t.Errorf("terminated calls = %v", report.TerminatedCalls)
	}
	if mgr.Stats().TotalCalls != 0 {
		t.Errorf("stats after shutdown = %+v", mgr.Stats())
	}
	for _, id := range ids {
		rec, _ := st.GetCall(context.Background(), id)
		if rec.Status != call.StatusCompleted {
			t.Errorf("call %s status = %s, want completed", id, rec.Status)
		}
	}
	for _, f := range fixtures {
		if f.rt.IsAlive() {
			t.Error("runtime alive after emergency shutdown")
		}
	}
}
