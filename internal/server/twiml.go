package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/callbridge-ai/callbridge/internal/carrier"
)

const twimlContentType = "text/xml; charset=utf-8"

// twimlIncoming answers the carrier's webhook for an inbound call with the
// TwiML that bridges the leg onto the media-stream websocket. The caller and
// callee numbers ride along as custom stream parameters so they reappear on
// the start event.
func (s *Server) twimlIncoming(c *gin.Context) {
	params := map[string]string{
		"fromNumber": c.PostForm("From"),
		"toNumber":   c.PostForm("To"),
	}
	s.log.Info("incoming call webhook",
		"callId", c.PostForm("CallSid"), "from", params["fromNumber"])
	c.Data(http.StatusOK, twimlContentType,
		[]byte(carrier.StreamTwiML(s.streamWSURL(), params)))
}

// twimlOutgoing answers the webhook fetched when an originated callee picks
// up. No custom parameters are needed: the call's instructions already live
// in its durable record, keyed by the call id on the start event.
func (s *Server) twimlOutgoing(c *gin.Context) {
	s.log.Info("outgoing call answered", "callId", c.PostForm("CallSid"))
	c.Data(http.StatusOK, twimlContentType,
		[]byte(carrier.StreamTwiML(s.streamWSURL(), nil)))
}
