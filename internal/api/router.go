package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/phamdk/lingocore/internal/gateway"
)

// NewRouter configures the orchestrator's Gin router: the job API,
// queue stats, and the WebSocket endpoint.
func NewRouter(h *JobHandler, ws *gateway.Server, verifier gateway.TokenVerifier) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(h.logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "lingocore-orchestrator",
		})
	})

	// Auth for the socket happens on the first envelope, not here.
	r.GET("/ws", ws.Handle)

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(verifier))
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", h.CreateJob)
			jobs.GET("/:job_id", h.GetJob)
			jobs.POST("/:job_id/cancel", h.CancelJob)
		}
		v1.GET("/stats", h.Stats)
	}

	return r
}

// NewEdgeRouter configures the edge service's router.
func NewEdgeRouter(h *EdgeHandler, verifier gateway.TokenVerifier) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(h.logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "lingocore-api",
		})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(verifier))
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", h.CreateJob)
			jobs.GET("/:job_id", h.GetJob)
			jobs.POST("/:job_id/cancel", h.CancelJob)
		}
	}

	return r
}
