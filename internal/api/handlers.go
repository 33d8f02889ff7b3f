package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/opscore/opscore/internal/common/errors"
	"github.com/opscore/opscore/internal/common/logger"
	"github.com/opscore/opscore/internal/lifecycle"
	"github.com/opscore/opscore/internal/workflow"
	v1 "github.com/opscore/opscore/pkg/api/v1"
)

// Handler contains the HTTP handlers for the Ops-Core API
type Handler struct {
	lifecycle *lifecycle.Manager
	engine    *workflow.Engine
	logger    *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(lm *lifecycle.Manager, engine *workflow.Engine, log *logger.Logger) *Handler {
	return &Handler{
		lifecycle: lm,
		engine:    engine,
		logger:    log,
	}
}

// Health reports liveness
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
}

// UpdateAgentState ingests an agent state callback
// POST /v1/opscore/agent/:agentId/state
func (h *Handler) UpdateAgentState(c *gin.Context) {
	agentID := c.Param("agentId")

	var req StateUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.InvalidRequest("invalid state update payload: " + err.Error()))
		return
	}
	if req.AgentID != agentID {
		_ = c.Error(errors.InvalidRequest("agentId in body does not match path parameter"))
		return
	}

	_, err := h.lifecycle.SetState(c.Request.Context(), agentID, v1.AgentLifecycleState(req.State), req.Timestamp, req.Details)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, StatusResponse{Status: "success"})
}

// GetAgentState returns the latest state record for an agent
// GET /v1/opscore/agent/:agentId/state
func (h *Handler) GetAgentState(c *gin.Context) {
	agentID := c.Param("agentId")

	state, err := h.lifecycle.GetState(c.Request.Context(), agentID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if state == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "no state recorded for agent '" + agentID + "'"})
		return
	}

	c.JSON(http.StatusOK, state)
}

// GetAgentStateHistory returns recent state records, newest first
// GET /v1/opscore/agent/:agentId/state/history?limit=N
func (h *Handler) GetAgentStateHistory(c *gin.Context) {
	agentID := c.Param("agentId")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			_ = c.Error(errors.InvalidRequest("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	history, err := h.lifecycle.GetStateHistory(c.Request.Context(), agentID, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"agentId": agentID, "history": history})
}

// TriggerWorkflow starts a workflow session for an agent
// POST /v1/opscore/agent/:agentId/workflow
func (h *Handler) TriggerWorkflow(c *gin.Context) {
	agentID := c.Param("agentId")

	var req WorkflowTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.InvalidRequest("invalid trigger payload: " + err.Error()))
		return
	}

	result, err := h.engine.Trigger(c.Request.Context(), agentID, &workflow.TriggerRequest{
		WorkflowDefinitionID: req.WorkflowDefinitionID,
		Definition:           req.WorkflowDefinition,
		InitialPayload:       req.InitialPayload,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, TriggerResponse{
		SessionID:  result.SessionID,
		WorkflowID: result.WorkflowID,
		Message:    "workflow triggered, " + strconv.Itoa(result.EnqueuedTasks) + " task(s) enqueued",
	})
}

// GetSession returns a workflow session for progress reporting
// GET /v1/opscore/session/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	sessionID := c.Param("sessionId")

	session, err := h.lifecycle.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, session)
}

// AgentNotify ingests registration webhooks from the routing service
// POST /v1/opscore/internal/agent/notify
func (h *Handler) AgentNotify(c *gin.Context) {
	var req AgentNotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.InvalidRequest("invalid notify payload: " + err.Error()))
		return
	}

	switch req.EventType {
	case EventTypeRegister:
		reg := req.AgentDetails
		if _, err := h.lifecycle.RegisterAgent(c.Request.Context(), &reg); err != nil {
			_ = c.Error(err)
			return
		}
	case EventTypeDeregister:
		if req.AgentDetails.AgentID == "" {
			_ = c.Error(errors.InvalidRequest("agent_details.agentId is required"))
			return
		}
		if err := h.lifecycle.DeregisterAgent(c.Request.Context(), req.AgentDetails.AgentID); err != nil {
			_ = c.Error(err)
			return
		}
	default:
		_ = c.Error(errors.InvalidRequest("unknown event_type '" + req.EventType + "'"))
		return
	}

	h.logger.Info("Agent notify processed",
		zap.String("event_type", req.EventType),
		zap.String("agent_id", req.AgentDetails.AgentID))
	c.JSON(http.StatusOK, StatusResponse{Status: "success"})
}
