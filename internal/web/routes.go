package web

import (
	"github.com/gin-gonic/gin"

	"github.com/calsync/caldavcore/internal/auth"
)

// SetupRoutes configures the dashboard routes.
func SetupRoutes(r *gin.Engine, h *Handlers, sessions *auth.Sessions) {
	r.Use(SecurityHeaders())
	r.Use(RequestLogger())

	// Probes carry no auth and no rate limit.
	r.GET("/healthz", h.Liveness)
	r.GET("/ready", h.Readiness)

	// Auth endpoints are rate limited against brute force.
	authGroup := r.Group("/auth")
	authGroup.Use(RateLimiter(5, 10))
	{
		authGroup.GET("/login", h.Login)
		authGroup.GET("/callback", h.Callback)
		authGroup.POST("/logout", h.Logout)
	}

	apiLimiter := RateLimiter(30, 60)

	// AuthStatus reads the session itself; it answers for anonymous
	// callers too.
	r.GET("/api/auth/status", apiLimiter, h.AuthStatus)

	protected := r.Group("/api")
	protected.Use(apiLimiter)
	protected.Use(auth.RequireOperator(sessions))
	protected.Use(RequireJSONContentType())
	{
		protected.GET("/status", h.Status)
		protected.GET("/activity", h.Activity)
		protected.GET("/logs", h.SyncLogs)
		protected.GET("/quarantine", h.Quarantine)
		protected.POST("/quarantine/clear", h.QuarantineClear)
		protected.POST("/sync", h.TriggerSync)
	}
}
