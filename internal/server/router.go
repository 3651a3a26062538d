package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/guardr/internal/metrics"
	"github.com/loykin/guardr/internal/supervisor"
)

// StatusSource is what the router reports on; *supervisor.Supervisor
// satisfies it.
type StatusSource interface {
	Name() string
	Status() supervisor.Status
}

// Router provides read-only HTTP handlers for one supervised app.
// Endpoints:
//
//	GET {basePath}/status     current supervisor status
//	GET {basePath}/healthz    200 unless halted or stopped, 503 otherwise
//	GET {basePath}/resources  latest resource sample and history (when a collector is set)
//	GET /metrics              Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	src       StatusSource
	resources *metrics.ProcessMetricsCollector
	basePath  string
}

// NewRouter constructs a Router. resources may be nil.
func NewRouter(src StatusSource, resources *metrics.ProcessMetricsCollector, basePath string) *Router {
	return &Router{src: src, resources: resources, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/healthz", r.handleHealth)
	group.GET("/resources", r.handleResources)
	return g
}

// NewServer starts a standalone HTTP server on addr. Stop it with
// Shutdown or Close.
func NewServer(addr string, r *Router) *http.Server {
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
			slog.Error("http server failed", "addr", addr, "error", err)
		}
	}()
	return server
}

// Shutdown stops srv, waiting at most timeout for in-flight requests.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type statusResp struct {
	supervisor.Status
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type healthResp struct {
	Name   string           `json:"name"`
	State  supervisor.State `json:"state"`
	Reason string           `json:"reason,omitempty"`
}

type resourcesResp struct {
	Current metrics.ProcessMetrics   `json:"current"`
	History []metrics.ProcessMetrics `json:"history"`
}

func (r *Router) handleStatus(c *gin.Context) {
	st := r.src.Status()
	writeJSON(c, http.StatusOK, statusResp{Status: st, UptimeSeconds: st.Uptime(time.Now()).Seconds()})
}

func (r *Router) handleHealth(c *gin.Context) {
	st := r.src.Status()
	resp := healthResp{Name: st.Name, State: st.State}
	if st.State.Terminal() {
		resp.Reason = st.HaltReason
		writeJSON(c, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleResources(c *gin.Context) {
	if r.resources == nil || !r.resources.IsEnabled() {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource metrics disabled"})
		return
	}
	name := r.src.Name()
	cur, ok := r.resources.GetMetrics(name)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no samples yet"})
		return
	}
	hist, _ := r.resources.GetHistory(name)
	writeJSON(c, http.StatusOK, resourcesResp{Current: cur, History: hist})
}
