package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/callbridge-ai/callbridge/internal/call"
	"github.com/callbridge-ai/callbridge/internal/carrier"
	"github.com/callbridge-ai/callbridge/internal/session"
)

// createCallRequest is the body of POST /calls/create.
type createCallRequest struct {
	To                 string `json:"to"`
	FromNumber         string `json:"fromNumber"`
	Voice              string `json:"voice"`
	SystemInstructions string `json:"systemInstructions"`
	CallInstructions   string `json:"callInstructions"`
}

// createCall originates an outbound call. The capacity slot is reserved under
// a placeholder id before the carrier request, then rebound to the carrier's
// call id, so admission stays atomic without holding the registry lock across
// the REST round-trip.
func (s *Server) createCall(c *gin.Context) {
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("decode request: %v: %w", err, call.ErrInvalidArgument))
		return
	}
	if !carrier.ValidPhoneNumber(req.To) {
		fail(c, fmt.Errorf("to %q is not a dialable number: %w", req.To, call.ErrInvalidArgument))
		return
	}
	if strings.TrimSpace(req.SystemInstructions) == "" {
		fail(c, fmt.Errorf("systemInstructions is required: %w", call.ErrInvalidArgument))
		return
	}

	placeholder := "pending-" + uuid.NewString()
	if err := s.mgr.Reserve(placeholder, call.DirectionOutbound); err != nil {
		stats := s.mgr.Stats()
		c.JSON(httpStatus(err), gin.H{
			"error":         err.Error(),
			"totalCalls":    stats.TotalCalls,
			"outgoingCalls": stats.OutgoingCalls,
			"incomingCalls": stats.IncomingCalls,
		})
		return
	}

	from := req.FromNumber
	if from == "" {
		from = s.cfg.FromNumber
	}
	ctx := c.Request.Context()
	sid, err := s.control.OriginateCall(ctx, carrier.OriginateParams{
		To:       req.To,
		From:     from,
		TwiMLURL: s.cfg.PublicURL + "/twiml/outgoing?secret=" + s.cfg.Secret,
	})
	if err != nil {
		s.mgr.ReleaseReservation(placeholder)
		s.log.Error("originate call failed", "to", req.To, "err", err)
		fail(c, err)
		return
	}
	if err := s.mgr.Rebind(placeholder, sid); err != nil {
		s.mgr.ReleaseReservation(placeholder)
		s.log.Error("rebind reservation failed", "callId", sid, "err", err)
		if cerr := s.control.CompleteCall(ctx, sid); cerr != nil {
			s.log.Error("cancel orphaned call failed", "callId", sid, "err", cerr)
		}
		fail(c, err)
		return
	}

	rec := &call.Record{
		CallID:             sid,
		Direction:          call.DirectionOutbound,
		FromNumber:         from,
		ToNumber:           req.To,
		Voice:              req.Voice,
		Provider:           s.provider.Name(),
		SystemInstructions: req.SystemInstructions,
		CallInstructions:   req.CallInstructions,
		StartedAt:          time.Now(),
		Status:             call.StatusInitiated,
	}
	if err := s.store.CreateCall(ctx, rec); err != nil {
		serr := &call.StorageError{Op: "create call", Err: err}
		s.log.Error("outbound record write failed, cancelling call", "callId", sid, "err", serr)
		if cerr := s.control.CompleteCall(ctx, sid); cerr != nil {
			s.log.Error("cancel call failed", "callId", sid, "err", cerr)
		}
		s.mgr.Unregister(sid)
		fail(c, serr)
		return
	}

	// Safety net: free the slot if the callee never answers and no media
	// stream ever attaches.
	time.AfterFunc(s.cfg.ReservationTTL, func() {
		s.mgr.ReleaseReservation(sid)
	})

	s.log.Info("outbound call originated", "callId", sid, "to", req.To)
	c.JSON(http.StatusOK, gin.H{"callId": sid, "status": call.StatusInitiated})
}

// listActive returns the live-session census for dashboard resynchronisation.
func (s *Server) listActive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"calls": s.mgr.ListActive(),
		"stats": s.mgr.Stats(),
	})
}

// listHeld returns the durable records of calls parked on hold. Held calls
// have no live session, so the active-call census cannot see them; operators
// use this listing to find calls waiting to be resumed.
func (s *Server) listHeld(c *gin.Context) {
	recs, err := s.store.ListByStatus(c.Request.Context(), call.StatusOnHold)
	if err != nil {
		fail(c, &call.StorageError{Op: "list held", Err: err})
		return
	}
	if recs == nil {
		recs = []*call.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": recs, "count": len(recs)})
}

// getCall returns the durable record for one call.
func (s *Server) getCall(c *gin.Context) {
	id := c.Param("id")
	rec, err := s.store.GetCall(c.Request.Context(), id)
	if err != nil {
		fail(c, &call.StorageError{Op: "get call", Err: err})
		return
	}
	if rec == nil {
		fail(c, fmt.Errorf("call %s: %w", id, call.ErrNotFound))
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) holdCall(c *gin.Context) {
	id := c.Param("id")
	rt, ok := s.mgr.Get(id)
	if !ok {
		// No live session: holding is only meaningful on a bridged call,
		// except that re-holding an on-hold call is a harmless no-op.
		rec, err := s.lookupRecord(c, id)
		if err != nil {
			return
		}
		if rec.Status == call.StatusOnHold {
			c.JSON(http.StatusOK, gin.H{"callId": id, "status": call.StatusOnHold})
			return
		}
		fail(c, fmt.Errorf("call %s has no live session: %w", id, call.ErrNotFound))
		return
	}

	if err := rt.Hold(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"callId": id, "status": call.StatusOnHold})
}

// resumeCall redirects an on-hold leg back to a fresh media stream. The
// durable status flips to in-progress when the new stream's start event is
// bridged.
func (s *Server) resumeCall(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.mgr.Get(id); ok {
		fail(c, fmt.Errorf("call %s is not on hold: %w", id, call.ErrInvalidArgument))
		return
	}
	rec, err := s.lookupRecord(c, id)
	if err != nil {
		return
	}
	if rec.Status != call.StatusOnHold {
		fail(c, fmt.Errorf("call %s is %s, not on-hold: %w", id, rec.Status, call.ErrInvalidArgument))
		return
	}

	if err := s.control.RedirectToStream(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	s.log.Info("call resumed from hold", "callId", id)
	c.JSON(http.StatusOK, gin.H{"callId": id, "status": call.StatusInProgress})
}

func (s *Server) hangupCall(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	if rt, ok := s.mgr.Get(id); ok {
		status, err := rt.Hangup(ctx)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"callId": id, "status": status})
		return
	}

	rec, err := s.lookupRecord(c, id)
	if err != nil {
		return
	}
	if rec.Status.IsTerminal() {
		// Hangup is idempotent: report how the call already ended.
		c.JSON(http.StatusOK, gin.H{"callId": id, "status": rec.Status})
		return
	}

	// On-hold or still-ringing call: no session owns it, so the control
	// plane completes the leg and finalizes the record itself.
	if err := s.control.CompleteCall(ctx, id); err != nil {
		s.log.Warn("carrier hangup failed, finalizing anyway", "callId", id, "err", err)
	}
	endedAt := time.Now()
	fin := call.Finalization{
		EndedAt:             endedAt,
		DurationSeconds:     int(endedAt.Sub(rec.StartedAt).Seconds()),
		Status:              call.StatusCompleted,
		ConversationHistory: rec.ConversationHistory,
		CarrierEvents:       rec.CarrierEvents,
		ProviderEvents:      rec.ProviderEvents,
	}
	if err := s.store.Finalize(ctx, id, fin); err != nil {
		fail(c, &call.StorageError{Op: "finalize", Err: err})
		return
	}
	s.mgr.ReleaseReservation(id)
	s.bus.PublishStatus(id, string(call.StatusCompleted))
	c.JSON(http.StatusOK, gin.H{"callId": id, "status": call.StatusCompleted})
}

// injectContextRequest is the body of POST /calls/{id}/inject-context.
type injectContextRequest struct {
	Context string `json:"context"`
}

func (s *Server) injectContext(c *gin.Context) {
	id := c.Param("id")
	var req injectContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("decode request: %v: %w", err, call.ErrInvalidArgument))
		return
	}
	if strings.TrimSpace(req.Context) == "" {
		fail(c, fmt.Errorf("context is required: %w", call.ErrInvalidArgument))
		return
	}
	ctx := c.Request.Context()

	if rt, ok := s.mgr.Get(id); ok {
		res, err := rt.InjectContext(ctx, req.Context)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"callId": id, "resumed": res.Resumed})
		return
	}

	rec, err := s.lookupRecord(c, id)
	if err != nil {
		return
	}
	if rec.Status != call.StatusOnHold {
		fail(c, fmt.Errorf("call %s has no live session: %w", id, call.ErrNotFound))
		return
	}

	// On-hold call: record the note durably and wake the call. The fresh
	// provider session picks the note up from the resume seed.
	note := session.OperatorNoteMessage(req.Context)
	history := append(append([]call.Message(nil), rec.ConversationHistory...), note)
	if err := s.store.UpdateConversationHistory(ctx, id, history); err != nil {
		fail(c, &call.StorageError{Op: "update history", Err: err})
		return
	}
	if err := s.control.RedirectToStream(ctx, id); err != nil {
		fail(c, err)
		return
	}
	s.bus.PublishTranscript(id, string(call.RoleSystem), note.Content)
	s.log.Info("context injected into held call, resuming", "callId", id)
	c.JSON(http.StatusOK, gin.H{"callId": id, "resumed": true})
}

// dtmfRequest is the body of POST /calls/{id}/dtmf.
type dtmfRequest struct {
	Digits string `json:"digits"`
}

func (s *Server) sendDTMF(c *gin.Context) {
	id := c.Param("id")
	var req dtmfRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fmt.Errorf("decode request: %v: %w", err, call.ErrInvalidArgument))
		return
	}
	if !session.ValidDTMF(req.Digits) {
		fail(c, fmt.Errorf("digits %q: %w", req.Digits, call.ErrInvalidArgument))
		return
	}

	rt, ok := s.mgr.Get(id)
	if !ok {
		fail(c, fmt.Errorf("call %s has no live session: %w", id, call.ErrNotFound))
		return
	}
	if err := rt.SendDTMF(c.Request.Context(), req.Digits); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"callId": id, "digits": req.Digits})
}

func (s *Server) emergencyShutdown(c *gin.Context) {
	report := s.mgr.EmergencyShutdown(c.Request.Context())
	s.log.Warn("emergency shutdown executed",
		"terminated", report.TerminatedCount, "failed", report.FailedCount)
	c.JSON(http.StatusOK, report)
}

// lookupRecord fetches the durable record or writes the error response.
// Returns a nil error only when rec is usable.
func (s *Server) lookupRecord(c *gin.Context, id string) (*call.Record, error) {
	rec, err := s.store.GetCall(c.Request.Context(), id)
	if err != nil {
		serr := &call.StorageError{Op: "get call", Err: err}
		fail(c, serr)
		return nil, serr
	}
	if rec == nil {
		err := fmt.Errorf("call %s: %w", id, call.ErrNotFound)
		fail(c, err)
		return nil, err
	}
	return rec, nil
}
