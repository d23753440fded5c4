package server

import (
	"encoding/json"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/callbridge-ai/callbridge/internal/carrier"
	"github.com/callbridge-ai/callbridge/internal/session"
)

// mediaStream accepts one carrier media-stream websocket and runs a session
// runtime on it until the call ends. The handler blocks for the lifetime of
// the call; the runtime owns both transports from here on.
func (s *Server) mediaStream(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("media-stream accept failed", "err", err)
		return
	}

	stream := carrier.NewStream(conn)
	rt := session.NewRuntime(session.Deps{
		Stream:   stream,
		Control:  s.control,
		Provider: s.provider,
		Store:    s.store,
		Bus:      s.bus,
		Manager:  s.mgr,
		Metrics:  s.metrics,
		Config:   s.sessCfg,
		Log:      s.log,
	})
	rt.Run(c.Request.Context())
}

// eventStream feeds one dashboard subscriber from the event bus. Delivery is
// best-effort: a subscriber that cannot keep up misses events rather than
// slowing the sessions that publish them.
func (s *Server) eventStream(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("event-stream accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch, cancel := s.bus.Subscribe()
	defer cancel()

	// CloseRead watches for the client hanging up; its context ends when the
	// peer closes or the request context is cancelled.
	ctx := conn.CloseRead(c.Request.Context())
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.log.Warn("event marshal failed", "type", evt.Type, "err", err)
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
