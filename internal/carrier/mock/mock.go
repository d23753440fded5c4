// Package mock provides test doubles for the carrier package interfaces.
//
// Stream feeds scripted inbound frames to a session runtime and records the
// outbound media/mark/clear messages it produced. Control records REST
// call-leg changes without touching the Twilio API.
package mock

import (
	"context"
	"sync"

	"github.com/callbridge-ai/callbridge/internal/carrier"
)

// Stream is a mock implementation of carrier.MediaStream.
type Stream struct {
	mu sync.Mutex

	events chan *carrier.Message
	closed bool

	// ErrVal is returned by Err.
	ErrVal error

	// SentMedia records payloads passed to SendMedia.
	SentMedia []string

	// SentMarks records names passed to SendMark.
	SentMarks []string

	// ClearCount counts SendClear invocations.
	ClearCount int

	// CloseCount counts Close invocations.
	CloseCount int
}

var _ carrier.MediaStream = (*Stream)(nil)

// NewStream creates a Stream with a buffered inbound frame channel.
func NewStream() *Stream {
	return &Stream{events: make(chan *carrier.Message, 64)}
}

// Emit delivers msg to the runtime as if the carrier sent it.
func (s *Stream) Emit(msg *carrier.Message) {
	s.events <- msg
}

// EndStream closes the inbound channel, signalling transport close.
func (s *Stream) EndStream() {
	close(s.events)
}

// Events returns the mock inbound frame channel.
func (s *Stream) Events() <-chan *carrier.Message { return s.events }

// SendMedia records the payload.
func (s *Stream) SendMedia(_, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SentMedia = append(s.SentMedia, payload)
	return nil
}

// SendMark records the mark name.
func (s *Stream) SendMark(_, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SentMarks = append(s.SentMarks, name)
	return nil
}

// SendClear records the call.
func (s *Stream) SendClear(string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClearCount++
	return nil
}

// Err returns ErrVal.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close records the call. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.CloseCount++
	return nil
}

// SentMediaCount returns the number of media payloads recorded.
func (s *Stream) SentMediaCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SentMedia)
}

// SentMarksSnapshot returns a copy of the recorded mark names.
func (s *Stream) SentMarksSnapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.SentMarks))
	copy(out, s.SentMarks)
	return out
}

// Clears returns the number of clear frames recorded.
func (s *Stream) Clears() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ClearCount
}

// ControlCall records one invocation of a Control method.
type ControlCall struct {
	Op     string // "originate", "hold", "resume", "digits", "reject", "complete"
	CallID string
	Arg    string // digits, announcement, message, or the dialled number
}

// Control is a mock implementation of carrier.Control.
type Control struct {
	mu sync.Mutex

	// OriginateSID is the call id returned by OriginateCall.
	OriginateSID string

	// OriginateErr, if non-nil, is returned from OriginateCall.
	OriginateErr error

	// Calls records every Control invocation in order.
	Calls []ControlCall
}

var _ carrier.Control = (*Control)(nil)

func (c *Control) record(op, callID, arg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, ControlCall{Op: op, CallID: callID, Arg: arg})
}

// OriginateCall records the call and returns OriginateSID, OriginateErr.
func (c *Control) OriginateCall(_ context.Context, p carrier.OriginateParams) (string, error) {
	c.record("originate", "", p.To)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OriginateErr != nil {
		return "", c.OriginateErr
	}
	if c.OriginateSID == "" {
		return "CA-mock", nil
	}
	return c.OriginateSID, nil
}

// RedirectToHold records the call.
func (c *Control) RedirectToHold(_ context.Context, callID, announcement string) error {
	c.record("hold", callID, announcement)
	return nil
}

// RedirectToStream records the call.
func (c *Control) RedirectToStream(_ context.Context, callID string) error {
	c.record("resume", callID, "")
	return nil
}

// PlayDigits records the call.
func (c *Control) PlayDigits(_ context.Context, callID, digits string) error {
	c.record("digits", callID, digits)
	return nil
}

// SayAndHangup records the call.
func (c *Control) SayAndHangup(_ context.Context, callID, message string) error {
	c.record("reject", callID, message)
	return nil
}

// CompleteCall records the call.
func (c *Control) CompleteCall(_ context.Context, callID string) error {
	c.record("complete", callID, "")
	return nil
}

// CallsSnapshot returns a copy of the recorded invocations.
func (c *Control) CallsSnapshot() []ControlCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ControlCall, len(c.Calls))
	copy(out, c.Calls)
	return out
}

// CallsFor returns the recorded invocations matching op.
func (c *Control) CallsFor(op string) []ControlCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ControlCall
	for _, call := range c.Calls {
		if call.Op == op {
			out = append(out, call)
		}
	}
	return out
}
