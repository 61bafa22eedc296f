// Package server exposes a read-only HTTP surface for the daemon: status
// snapshots, a health check and Prometheus metrics. Status endpoints never
// mutate state.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/servitor/internal/config"
	"github.com/loykin/servitor/internal/metrics"
	"github.com/loykin/servitor/internal/status"
)

// SpecsFunc yields the current service specs for status snapshots.
type SpecsFunc func() []config.ServiceSpec

type Router struct {
	reporter status.Reporter
	specs    SpecsFunc
}

func NewRouter(reporter status.Reporter, specs SpecsFunc) *Router {
	return &Router{reporter: reporter, specs: specs}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	g.GET("/status", r.handleStatus)
	g.GET("/status/:name", r.handleStatusOne)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

func (r *Router) handleStatus(c *gin.Context) {
	reports := r.reporter.Report(c.Request.Context(), r.specs())
	c.JSON(http.StatusOK, reports)
}

func (r *Router) handleStatusOne(c *gin.Context) {
	name := c.Param("name")
	for _, sp := range r.specs() {
		if sp.Name != name {
			continue
		}
		reports := r.reporter.Report(c.Request.Context(), []config.ServiceSpec{sp})
		c.JSON(http.StatusOK, reports[0])
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown service: " + name})
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, reporter status.Reporter, specs SpecsFunc) *http.Server {
	r := NewRouter(reporter, specs)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
