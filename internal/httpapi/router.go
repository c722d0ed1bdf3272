// Package httpapi exposes the engine's configuration and observability
// surface over HTTP (spec §4.H "metrics interface"): POST /v1/state
// drives the reconciler, GET /v1/metrics reports live counters, and
// GET /healthz is a liveness probe.
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/screamrouter/engine/internal/config"
	"github.com/screamrouter/engine/internal/engine"
	"github.com/screamrouter/engine/internal/telemetry"
)

// MetricsSource is the subset of *engine.Manager the metrics handler
// needs; narrowed to an interface so handlers can be tested without a
// live engine.
type MetricsSource interface {
	Metrics() engine.Metrics
}

// SignalSource is the subset of *engine.Manager the WebRTC signaling
// routes need: polling a sink's local offer/ICE candidates and
// submitting the remote side's answer/candidates (spec §4.G, §9's
// plain-callback signaling contract, carried over HTTP since this
// engine has no other out-of-band channel to the embedder).
type SignalSource interface {
	LocalOffer(sinkID string) (sdp string, candidates []engine.ICECandidate, ok bool)
	SubmitRemoteAnswer(sinkID, sdp string) error
	SubmitRemoteICECandidate(sinkID, candidate, mid string) error
}

// API holds the engine-facing dependencies every handler needs.
type API struct {
	log     telemetry.Logger
	applier *config.Applier
	metrics MetricsSource
	signals SignalSource
}

// New builds an API. applier drives POST /v1/state; metrics backs
// GET /v1/metrics; signals backs the /v1/sinks/:id/webrtc/* routes.
func New(log telemetry.Logger, applier *config.Applier, metrics MetricsSource, signals SignalSource) *API {
	return &API{log: log, applier: applier, metrics: metrics, signals: signals}
}

// Router builds the gin engine with every route registered. environment
// selects gin's debug/release mode the same way internal/telemetry
// selects its logging encoder.
func (a *API) Router(environment string) *gin.Engine {
	if environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(a.requestLogger())

	r.GET("/healthz", a.handleHealth)
	v1 := r.Group("/v1")
	v1.POST("/state", a.handleApplyState)
	v1.GET("/metrics", a.handleMetrics)
	v1.GET("/sinks/:id/webrtc/offer", a.handleWebRTCOffer)
	v1.POST("/sinks/:id/webrtc/answer", a.handleWebRTCAnswer)
	v1.POST("/sinks/:id/webrtc/ice", a.handleWebRTCICE)

	return r
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		a.log.Debugw("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
		)
	}
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleMetrics serves the timeshift/mixer/sender counters GET
// /v1/metrics names.
func (a *API) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, a.metrics.Metrics())
}

// handleWebRTCOffer serves the local SDP offer and buffered ICE
// candidates a WebRTC sink has generated, for an embedder to relay to
// the remote peer over whatever side channel it has.
func (a *API) handleWebRTCOffer(c *gin.Context) {
	sdp, candidates, ok := a.signals.LocalOffer(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown sink"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sdp": sdp, "candidates": candidates})
}

type webrtcAnswerRequest struct {
	SDP string `json:"sdp" binding:"required"`
}

// handleWebRTCAnswer applies a remote SDP answer an embedder received
// out-of-band from the peer.
func (a *API) handleWebRTCAnswer(c *gin.Context) {
	var req webrtcAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.signals.SubmitRemoteAnswer(c.Param("id"), req.SDP); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type webrtcICERequest struct {
	Candidate string `json:"candidate" binding:"required"`
	Mid       string `json:"mid"`
}

// handleWebRTCICE forwards a remote ICE candidate an embedder received
// out-of-band from the peer.
func (a *API) handleWebRTCICE(c *gin.Context) {
	var req webrtcICERequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.signals.SubmitRemoteICECandidate(c.Param("id"), req.Candidate, req.Mid); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// applyResponse mirrors config.OpResult but swaps the error for its
// string form, since error doesn't marshal to JSON on its own.
type applyResponse struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

// handleApplyState decodes a DesiredEngineState and drives the
// reconciler (spec §4.H "passed as structured value in one call").
// A per-item apply failure does not fail the whole request (spec §7);
// the response reports each operation's outcome individually.
func (a *API) handleApplyState(c *gin.Context) {
	var desired config.DesiredEngineState
	if err := c.ShouldBindJSON(&desired); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := config.Validate(desired); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results := a.applier.Apply(desired)
	resp := make([]applyResponse, len(results))
	failed := false
	for i, r := range results {
		resp[i] = applyResponse{Kind: r.Kind, ID: r.ID}
		if r.Err != nil {
			resp[i].Error = r.Err.Error()
			failed = true
		}
	}

	status := http.StatusOK
	if failed {
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{"results": resp})
}
