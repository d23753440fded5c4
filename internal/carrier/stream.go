package carrier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/callbridge-ai/callbridge/internal/call"
)

// streamEventBuf is the buffer depth of the inbound event channel. Media
// frames arrive every 20ms; the buffer absorbs short stalls in the session
// loop (e.g. a durable write) without backpressuring the websocket read.
const streamEventBuf = 256

// MediaStream is the duplex carrier transport for one call. Inbound frames
// are delivered in receipt order on Events; outbound messages are emitted
// exactly as submitted. The channel closes when the transport closes.
type MediaStream interface {
	// Events returns the ordered inbound frame channel. Malformed frames are
	// dropped (logged as TransportError) and never appear here.
	Events() <-chan *Message

	// SendMedia emits an audio chunk to the caller.
	SendMedia(streamSID, payload string) error

	// SendMark emits a mark token for later acknowledgment.
	SendMark(streamSID, name string) error

	// SendClear instructs the carrier to discard buffered outbound audio.
	SendClear(streamSID string) error

	// Err returns the error that closed the transport, or nil.
	Err() error

	// Close tears down the transport. Idempotent.
	Close() error
}

// Stream implements MediaStream over a carrier websocket connection.
type Stream struct {
	conn   *websocket.Conn
	events chan *Message

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ MediaStream = (*Stream)(nil)

// NewStream wraps an accepted carrier websocket connection and starts its
// read loop. The caller owns the Stream and must call Close.
func NewStream(conn *websocket.Conn) *Stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		conn:   conn,
		events: make(chan *Message, streamEventBuf),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.readLoop()
	return s
}

// readLoop reads frames from the websocket until the transport closes. It
// owns the events channel and closes it on exit, which is the single
// transport-closed signal the session runtime observes.
func (s *Stream) readLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// Bad frame: drop it, log it, keep the call alive.
			terr := &call.TransportError{Kind: "unmarshal", Err: err}
			slog.Warn("carrier: dropping malformed frame", "err", terr)
			continue
		}

		switch msg.Event {
		case EventConnected:
			// Protocol preamble, carries nothing the session needs.
			continue
		case EventStart, EventMedia, EventMark, EventDTMF, EventStop:
		default:
			terr := &call.TransportError{Kind: "unknown-event", Err: fmt.Errorf("event %q", msg.Event)}
			slog.Warn("carrier: dropping unrecognised frame", "err", terr)
			continue
		}

		select {
		case s.events <- &msg:
		case <-s.ctx.Done():
			return
		}
	}
}

// Events returns the ordered inbound frame channel.
func (s *Stream) Events() <-chan *Message { return s.events }

// SendMedia emits an outbound media frame.
func (s *Stream) SendMedia(streamSID, payload string) error {
	return s.writeJSON(NewMediaMessage(streamSID, payload))
}

// SendMark emits an outbound mark frame.
func (s *Stream) SendMark(streamSID, name string) error {
	return s.writeJSON(NewMarkMessage(streamSID, name))
}

// SendClear emits an outbound clear frame.
func (s *Stream) SendClear(streamSID string) error {
	return s.writeJSON(NewClearMessage(streamSID))
}

func (s *Stream) writeJSON(msg *Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("carrier: stream closed")
	}
	s.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("carrier: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

func (s *Stream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// Err returns the error that closed the transport, or nil for a clean close.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close tears down the transport. Idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "call ended")
	})
	return nil
}
