package api

import (
	"github.com/gin-gonic/gin"
	"github.com/mirabell/studiopulse/internal/api/handler"
	"github.com/mirabell/studiopulse/internal/api/middleware"
	"github.com/mirabell/studiopulse/internal/service"
)

// RouterDeps holds everything the HTTP layer needs from the rest of the app.
type RouterDeps struct {
	Orchestrator *service.Orchestrator
	Hub          *service.Hub
	Runs         service.RunStore
	Freshness    *service.FreshnessReporter
	HistorySize  int
	CORS         middleware.CORSConfig
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps RouterDeps, mode string) *gin.Engine {
	// Set Gin mode
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(middleware.CORS(deps.CORS))

	// Create handlers
	healthHandler := handler.NewHealthHandler()
	pipelineHandler := handler.NewPipelineHandler(deps.Orchestrator, deps.Hub, deps.Runs, deps.HistorySize)
	freshnessHandler := handler.NewFreshnessHandler(deps.Freshness)

	// Health check
	r.GET("/health", healthHandler.Health)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Pipeline control
		v1.POST("/pipeline", pipelineHandler.Start)
		v1.DELETE("/pipeline", pipelineHandler.Reset)

		// Progress stream (SSE)
		v1.GET("/pipeline/status", pipelineHandler.Status)

		// Run history
		v1.GET("/pipeline/runs", pipelineHandler.Runs)

		// Freshness
		v1.GET("/freshness", freshnessHandler.Snapshot)
	}

	return r
}
