// Package mock provides test doubles for the realtime package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions. Use
// Session to drive the provider event stream and inspect which commands the
// session runtime issued.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(realtime.ReadyEvent{})
package mock

import (
	"context"
	"sync"

	"github.com/callbridge-ai/callbridge/pkg/provider/realtime"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the Config passed to Connect.
	Cfg realtime.Config
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Session is the Session returned by Connect. If nil, Connect returns a
	// fresh default Session.
	Session realtime.Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Name returns ProviderName, or "mock" when unset.
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg realtime.Config) (realtime.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Ensure Provider implements realtime.Provider at compile time.
var _ realtime.Provider = (*Provider)(nil)

// ConnectCallsSnapshot returns a copy of the recorded Connect invocations.
func (p *Provider) ConnectCallsSnapshot() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// TruncateCall records a single invocation of Session.Truncate.
type TruncateCall struct {
	ItemID     string
	AudioEndMs int64
}

// ToolResultCall records a single invocation of Session.SendToolResult.
type ToolResultCall struct {
	CallID string
	Output string
}

// Session is a mock implementation of realtime.Session. Tests feed events to
// the runtime via Emit and assert on the recorded command slices.
type Session struct {
	mu sync.Mutex

	events chan realtime.Event
	closed bool

	// ErrVal is returned by Err.
	ErrVal error

	// SendAudioErr, if non-nil, is returned from SendAudio.
	SendAudioErr error

	// SentAudio records every payload passed to SendAudio.
	SentAudio []string

	// TruncateCalls records every call to Truncate.
	TruncateCalls []TruncateCall

	// InjectedContext records every text passed to InjectContext.
	InjectedContext []string

	// ResponseRequests counts RequestResponse invocations.
	ResponseRequests int

	// ToolResults records every call to SendToolResult.
	ToolResults []ToolResultCall

	// CloseCount counts Close invocations.
	CloseCount int
}

// NewSession creates a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan realtime.Event, 64)}
}

// Emit delivers evt to the runtime as if the provider produced it.
// Emitting a ClosedEvent also closes the event channel.
func (s *Session) Emit(evt realtime.Event) {
	s.events <- evt
	if _, ok := evt.(realtime.ClosedEvent); ok {
		close(s.events)
	}
}

// SendAudio records payload and returns SendAudioErr.
func (s *Session) SendAudio(payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.SentAudio = append(s.SentAudio, payload)
	return nil
}

// Truncate records the call.
func (s *Session) Truncate(itemID string, audioEndMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TruncateCalls = append(s.TruncateCalls, TruncateCall{ItemID: itemID, AudioEndMs: audioEndMs})
	return nil
}

// InjectContext records text.
func (s *Session) InjectContext(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InjectedContext = append(s.InjectedContext, text)
	return nil
}

// RequestResponse records the call.
func (s *Session) RequestResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResponseRequests++
	return nil
}

// SendToolResult records the call.
func (s *Session) SendToolResult(callID, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ToolResults = append(s.ToolResults, ToolResultCall{CallID: callID, Output: output})
	return nil
}

// Events returns the mock event channel.
func (s *Session) Events() <-chan realtime.Event { return s.events }

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close records the call. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
	}
	s.CloseCount++
	return nil
}

// Snapshot methods for concurrent-safe assertions.

// SentAudioCount returns the number of audio payloads recorded.
func (s *Session) SentAudioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SentAudio)
}

// InjectedContextSnapshot returns a copy of the recorded context items.
func (s *Session) InjectedContextSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.InjectedContext))
	copy(out, s.InjectedContext)
	return out
}

// TruncateCallsSnapshot returns a copy of the recorded truncate calls.
func (s *Session) TruncateCallsSnapshot() []TruncateCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TruncateCall, len(s.TruncateCalls))
	copy(out, s.TruncateCalls)
	return out
}

// SentAudioSnapshot returns a copy of the recorded audio payloads.
func (s *Session) SentAudioSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.SentAudio))
	copy(out, s.SentAudio)
	return out
}

// ToolResultsSnapshot returns a copy of the recorded tool results.
func (s *Session) ToolResultsSnapshot() []ToolResultCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolResultCall, len(s.ToolResults))
	copy(out, s.ToolResults)
	return out
}

// ResponseRequestCount returns the number of RequestResponse invocations.
func (s *Session) ResponseRequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ResponseRequests
}

// CloseCalls returns the number of Close invocations.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCount
}

// Ensure Session implements realtime.Session at compile time.
var _ realtime.Session = (*Session)(nil)
