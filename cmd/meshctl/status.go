package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/peermesh/internal/auth"
	"github.com/danmuck/peermesh/internal/logging"
	"github.com/danmuck/peermesh/internal/mesh"
	"github.com/danmuck/peermesh/internal/observability"
)

// newStatusRouter serves Prometheus metrics and the JSON mesh snapshot.
// A non-empty token guards both behind bearer auth; /health stays open.
func newStatusRouter(token string, m *mesh.Mesh) *gin.Engine {
	observability.RegisterMetrics()
	started := time.Now()
	node := m.LocalID()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logging.New("http")))
	r.Use(observability.RequestMetricsMiddleware(node))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"node":    node,
			"uptime":  time.Since(started).String(),
			"version": version,
		})
	})

	guarded := r.Group("/")
	if token != "" {
		guarded.Use(auth.Middleware(auth.StaticToken{Token: token}))
	}
	guarded.GET("/metrics", gin.WrapH(observability.Handler()))
	guarded.GET("/snapshot", func(c *gin.Context) {
		c.JSON(http.StatusOK, m.Snapshot())
	})
	return r
}

func newStatusServer(addr, token string, m *mesh.Mesh) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           newStatusRouter(token, m),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
