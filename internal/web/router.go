// Package web exposes the cache and sync engine over a small JSON API.
package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"driftwire/internal/cache"
	"driftwire/internal/dedupe"
	"driftwire/internal/jobs"
	"driftwire/internal/logging"
	"driftwire/internal/store"
)

// Server holds what the handlers read from.
type Server struct {
	DB           *store.DB
	Cache        *cache.Cache
	Engine       *jobs.Engine // nil disables POST /api/sync
	Group        *dedupe.Group
	Identity     string
	Window       time.Duration
	StaleMinutes int
}

// NewRouter builds the gin engine with every route mounted.
func NewRouter(s *Server) *gin.Engine {
	if s.Group == nil {
		s.Group = dedupe.New()
	}
	g := gin.New()
	g.Use(gin.Recovery(), requestLogger())

	g.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	g.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := g.Group("/api")
	api.GET("/events", s.handleEvents)
	api.GET("/events/unread", s.handleUnread)
	api.GET("/events/category/:category", s.handleCategory)
	api.GET("/events/grouped", s.handleGrouped)
	api.POST("/events/read", s.handleMarkRead)
	api.GET("/stats", s.handleStats)
	api.GET("/stale", s.handleStale)
	api.GET("/engagers/top", s.handleTopEngagers)
	api.GET("/snapshots", s.handleSnapshots)
	api.GET("/history", s.handleHistory)
	api.GET("/activity", s.handleActivity)
	api.POST("/sync", s.handleSync)
	return g
}

// requestLogger writes one JSON log line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("http_request", map[string]any{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

// Serve runs the router on addr until it fails.
func Serve(addr string, s *Server) error {
	logging.Info("web_listen", map[string]any{"addr": addr})
	return NewRouter(s).Run(addr)
}
