package api

import (
	"github.com/gin-gonic/gin"

	"github.com/opscore/opscore/internal/common/logger"
	"github.com/opscore/opscore/internal/lifecycle"
	"github.com/opscore/opscore/internal/workflow"
)

// NewRouter builds the gin engine with the full middleware chain and
// route table.
func NewRouter(lm *lifecycle.Manager, engine *workflow.Engine, apiKey string, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(log), RequestLogger(log), ErrorHandler(log))

	handler := NewHandler(lm, engine, log)
	SetupRoutes(router, handler, apiKey)
	return router
}

// SetupRoutes configures the Ops-Core API routes
func SetupRoutes(router *gin.Engine, handler *Handler, apiKey string) {
	router.GET("/health", handler.Health)

	// trusted-ingress webhook, no bearer gate
	internal := router.Group("/v1/opscore/internal")
	{
		internal.POST("/agent/notify", handler.AgentNotify)
	}

	// authenticated surface
	authed := router.Group("/v1/opscore", BearerAuth(apiKey))
	{
		authed.POST("/agent/:agentId/state", handler.UpdateAgentState)
		authed.GET("/agent/:agentId/state", handler.GetAgentState)
		authed.GET("/agent/:agentId/state/history", handler.GetAgentStateHistory)
		authed.POST("/agent/:agentId/workflow", handler.TriggerWorkflow)
		authed.GET("/session/:sessionId", handler.GetSession)
	}
}
