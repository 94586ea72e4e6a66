package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/perry-workspaces/backend/internal/logger"
	"github.com/perry-workspaces/backend/internal/registry"
	"github.com/perry-workspaces/backend/internal/session"
	"github.com/perry-workspaces/backend/internal/ws"
)

// NewRouter builds the HTTP API: health check, session REST routes and the
// chat websocket under /api.
func NewRouter(manager *session.Manager, reg *registry.Registry, chat *ws.Handler, log logger.Logger) *gin.Engine {
	if log == nil {
		log = logger.Nop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log.With("component", "http")))
	r.Use(corsMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"sessions": len(manager.ListSessions()),
		})
	})

	api := r.Group("/api")
	{
		NewSessionHandler(manager, reg).RegisterRoutes(api)
		NewWebSocketHandler(chat).RegisterRoutes(api)
	}
	return r
}

// requestLogger logs each request at debug level, and failures at warn.
func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		args := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"latency", time.Since(start),
		}
		if status >= http.StatusInternalServerError {
			log.Warn("request failed", args...)
			return
		}
		log.Debug("request", args...)
	}
}

// corsMiddleware returns a CORS middleware for browser clients.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
