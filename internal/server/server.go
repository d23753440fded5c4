// Package server is the HTTP surface of the bridge: the operator control
// plane (call origination and live-call commands), the TwiML webhooks the
// carrier fetches, the per-call media-stream websocket, and the dashboard
// event stream.
//
// Every route except the health and metrics probes is guarded by a shared
// secret carried in the query string. The secret also rides the websocket
// URL embedded in TwiML, so the media-stream endpoint is covered by the same
// check.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/callbridge-ai/callbridge/internal/call"
	"github.com/callbridge-ai/callbridge/internal/carrier"
	"github.com/callbridge-ai/callbridge/internal/events"
	"github.com/callbridge-ai/callbridge/internal/health"
	"github.com/callbridge-ai/callbridge/internal/session"
	"github.com/callbridge-ai/callbridge/internal/store"
	"github.com/callbridge-ai/callbridge/pkg/provider/realtime"
)

// shutdownTimeout bounds the graceful drain when Run's context is cancelled.
const shutdownTimeout = 10 * time.Second

// Config holds the server's own settings; collaborator wiring lives in Deps.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// Secret is the shared secret required in the query string of every
	// guarded route.
	Secret string

	// PublicURL is the externally reachable base URL, used to compose the
	// TwiML webhook and media-stream websocket URLs handed to the carrier.
	PublicURL string

	// FromNumber is the default caller id for originated calls.
	FromNumber string

	// ReservationTTL is how long an originated call may stay unanswered
	// before its capacity slot is released. Zero means a minute.
	ReservationTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReservationTTL == 0 {
		c.ReservationTTL = time.Minute
	}
	return c
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Manager  *session.Manager
	Store    store.Store
	Control  carrier.Control
	Provider realtime.Provider
	Bus      *events.Bus
	Health   *health.Handler

	// Metrics instruments the sessions the server spawns. Optional.
	Metrics session.Metrics

	// HTTPMiddleware, when non-nil, wraps every route (request metrics and
	// tracing). Optional.
	HTTPMiddleware gin.HandlerFunc

	// SessionConfig is handed to every runtime started on /media-stream.
	SessionConfig session.Config

	Log *slog.Logger
}

// Server routes the control plane, webhooks, and websocket endpoints.
type Server struct {
	cfg      Config
	mgr      *session.Manager
	store    store.Store
	control  carrier.Control
	provider realtime.Provider
	bus      *events.Bus
	health   *health.Handler
	metrics  session.Metrics
	mw       gin.HandlerFunc
	sessCfg  session.Config
	log      *slog.Logger
}

// New wires a Server. Deps.Manager, Store, Control, Provider, and Bus are
// required; the rest are optional.
func New(cfg Config, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg.withDefaults(),
		mgr:      deps.Manager,
		store:    deps.Store,
		control:  deps.Control,
		provider: deps.Provider,
		bus:      deps.Bus,
		health:   deps.Health,
		metrics:  deps.Metrics,
		mw:       deps.HTTPMiddleware,
		sessCfg:  deps.SessionConfig,
		log:      log,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	if s.mw != nil {
		r.Use(s.mw)
	}

	// Unguarded probes.
	if s.health != nil {
		r.GET("/healthz", gin.WrapF(s.health.Healthz))
		r.GET("/readyz", gin.WrapF(s.health.Readyz))
	}
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := r.Group("/", s.requireSecret)
	auth.POST("/calls/create", s.createCall)
	auth.GET("/calls/active", s.listActive)
	auth.GET("/calls/held", s.listHeld)
	auth.GET("/calls/:id", s.getCall)
	auth.POST("/calls/:id/hold", s.holdCall)
	auth.POST("/calls/:id/resume", s.resumeCall)
	auth.POST("/calls/:id/hangup", s.hangupCall)
	auth.POST("/calls/:id/inject-context", s.injectContext)
	auth.POST("/calls/:id/dtmf", s.sendDTMF)
	auth.POST("/emergency-shutdown", s.emergencyShutdown)

	auth.POST("/twiml/incoming", s.twimlIncoming)
	auth.POST("/twiml/outgoing", s.twimlOutgoing)

	auth.GET("/media-stream", s.mediaStream)
	auth.GET("/events/stream", s.eventStream)

	return r
}

// Run serves until ctx is cancelled, then drains gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("http server listening", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shCtx)
	})
	return g.Wait()
}

// requireSecret rejects requests whose secret query parameter does not match
// the configured shared secret.
func (s *Server) requireSecret(c *gin.Context) {
	if c.Query("secret") != s.cfg.Secret {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": call.ErrUnauthorized.Error()})
		return
	}
	c.Next()
}

// streamWSURL is the media-stream websocket URL handed to the carrier,
// secret included.
func (s *Server) streamWSURL() string {
	return carrier.StreamURL(s.cfg.PublicURL) + "?secret=" + s.cfg.Secret
}

// httpStatus maps the call-control error taxonomy to HTTP statuses.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, call.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, call.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, call.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.JSON(httpStatus(err), gin.H{"error": err.Error()})
}
