package api

import (
	"github.com/gin-gonic/gin"

	"github.com/okvist/collabd/internal/policy"
)

// NewRouter assembles the operator REST surface. The probe endpoints stay
// outside the rate limiter by default (see rate_limit.excluded_paths).
func NewRouter(h *Handler, cfg *policy.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RateLimit(cfg.RateLimit, cfg.RateLimitWindow(), nil))

	r.GET("/health", h.Health)
	r.GET("/status", h.Status)
	r.GET("/metrics", h.Metrics)

	apiGroup := r.Group("/api")
	{
		apiGroup.POST("/session/start", h.StartSession)
		apiGroup.POST("/session/:id/pause", h.PauseSession)
		apiGroup.POST("/session/:id/resume", h.ResumeSession)
		apiGroup.POST("/session/:id/cancel", h.CancelSession)
		apiGroup.POST("/session/:id/complete", h.CompleteSession)
		apiGroup.GET("/session/:id/status", h.SessionStatus)

		apiGroup.GET("/task/available", h.AvailableTasks)
		apiGroup.POST("/task/:id/claim", h.ClaimTask)
		apiGroup.POST("/task/:id/progress", h.ReportProgress)
		apiGroup.POST("/task/:id/complete", h.CompleteTask)

		apiGroup.POST("/agent/register", h.RegisterAgent)
		apiGroup.POST("/handoff", h.RequestHandoff)
		apiGroup.POST("/handoff/:id/accept", h.AcceptHandoff)

		apiGroup.GET("/context/:id", h.GetContext)
		apiGroup.PUT("/context/:id", h.SaveContext)

		apiGroup.POST("/conflict/:id/resolve", h.ResolveConflict)
	}

	if cfg.EnableWebSocket {
		r.GET("/ws", h.Stream)
	}
	return r
}
