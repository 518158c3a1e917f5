package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/tunnelkeeper/internal/history"
	"github.com/loykin/tunnelkeeper/internal/metrics"
	"github.com/loykin/tunnelkeeper/internal/supervisor"
)

// StatusSource is what the router reports on.
type StatusSource interface {
	Snapshot() supervisor.Snapshot
}

// HistoryReader lists recent history events, newest first.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Event, error)
}

// Router provides read-only HTTP handlers for a running supervisor.
// Endpoints:
//
//	GET {basePath}/status     supervisor snapshot
//	GET {basePath}/endpoint   current public URL (404 when none)
//	GET {basePath}/healthz    200 when monitoring with both processes alive, else 503
//	GET {basePath}/resources  latest CPU/memory sample per role (when sampling is enabled)
//	GET {basePath}/history    recent events (when a readable history sink is configured)
//	GET /metrics              Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src       StatusSource
	basePath  string
	resources *metrics.ResourceCollector
	history   HistoryReader
}

func NewRouter(src StatusSource, basePath string) *Router {
	return &Router{src: src, basePath: sanitizeBase(basePath)}
}

// WithResources exposes samples from rc at {basePath}/resources.
func (r *Router) WithResources(rc *metrics.ResourceCollector) *Router {
	r.resources = rc
	return r
}

// WithHistory exposes hr at {basePath}/history.
func (r *Router) WithHistory(hr HistoryReader) *Router {
	r.history = hr
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/endpoint", r.handleEndpoint)
	group.GET("/healthz", r.handleHealthz)
	group.GET("/resources", r.handleResources)
	group.GET("/history", r.handleHistory)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Listen errors other than a normal close are logged to log.
func NewServer(addr string, r *Router, log *slog.Logger) *http.Server {
	if log == nil {
		log = slog.Default()
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status server stopped", "addr", addr, "error", err)
		}
	}()
	return server
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.src.Snapshot())
}

func (r *Router) handleEndpoint(c *gin.Context) {
	rec := r.src.Snapshot().Endpoint
	if !rec.Known() {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no endpoint discovered yet"})
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleHealthz(c *gin.Context) {
	snap := r.src.Snapshot()
	body := gin.H{
		"state":   snap.State,
		"service": snap.Service.Alive,
		"tunnel":  snap.Tunnel.Alive,
	}
	if !snap.Healthy() {
		writeJSON(c, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(c, http.StatusOK, body)
}

func (r *Router) handleResources(c *gin.Context) {
	if r.resources == nil || !r.resources.Enabled() {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling disabled"})
		return
	}
	snap := r.src.Snapshot()
	out := make(map[string]metrics.ProcessMetrics, 2)
	for _, role := range []string{snap.Service.Name, snap.Tunnel.Name} {
		if m, ok := r.resources.Latest(role); ok {
			out[role] = m
		}
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no readable history sink configured"})
		return
	}
	events, err := r.history.Recent(c.Request.Context(), queryLimit(c, 50, 500))
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}
