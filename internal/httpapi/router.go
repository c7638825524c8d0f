// Package httpapi exposes the planner over HTTP with gin.
package httpapi

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/abhisek/packplan/internal/logger"
)

// NewRouter builds the gin engine.
func NewRouter(h *Handler, log *logger.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))

	r.GET("/healthz", Health)

	v1 := r.Group("/v1/learners/:learner_id/packs")
	{
		v1.POST("", h.PlanNext)
		v1.GET("/:sequence", h.GetPack)
		v1.POST("/:sequence/served", h.MarkServed)
		v1.POST("/:sequence/attempts", h.RecordAttempt)
	}
	return r
}

// RequestLogger logs one line per request, at a level chosen by status.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if log == nil {
			return
		}
		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []any{
			"method", strings.ToUpper(c.Request.Method),
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if id := c.Param("learner_id"); id != "" {
			fields = append(fields, "learner_id", id)
		}

		switch {
		case status >= 500:
			log.Error("HTTP request", fields...)
		case status >= 400:
			log.Warn("HTTP request", fields...)
		default:
			log.Info("HTTP request", fields...)
		}
	}
}
