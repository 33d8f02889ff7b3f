// Package routing provides the outbound HTTP client for the external
// agent-routing service. The routing service delivers dispatched tasks to
// agents; the core treats it as an opaque POST /v1/agents/{id}/run peer.
package routing

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/opscore/opscore/internal/common/config"
	apperrors "github.com/opscore/opscore/internal/common/errors"
	"github.com/opscore/opscore/internal/common/logger"
	v1 "github.com/opscore/opscore/pkg/api/v1"
)

// dispatchRequest is the routing-service wire payload. The opscore_*
// fields let agents correlate callbacks with the originating session.
type dispatchRequest struct {
	SenderID    string                 `json:"senderId"`
	MessageType string                 `json:"messageType"`
	Payload     map[string]interface{} `json:"payload"`
	SessionID   string                 `json:"opscore_session_id"`
	TaskID      string                 `json:"opscore_task_id"`
}

// Client posts tasks to the routing service. A 2xx response means
// "accepted for dispatch"; delivery is asynchronous and progress is
// observed through agent state callbacks. The client never retries —
// retry policy belongs to the workflow engine.
type Client struct {
	http   *resty.Client
	logger *logger.Logger
}

// NewClient creates a routing client from configuration.
func NewClient(cfg config.RoutingConfig, log *logger.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout()).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")
	if cfg.AuthToken != "" {
		httpClient.SetAuthToken(cfg.AuthToken)
	}

	return &Client{
		http:   httpClient,
		logger: log,
	}
}

// Dispatch posts a task to the routing service. Non-2xx responses and
// transport errors return a TaskDispatchError; the engine inspects its
// Retryable flag.
func (c *Client) Dispatch(ctx context.Context, task *v1.Task) error {
	body := dispatchRequest{
		SenderID:    "opscore",
		MessageType: "workflow_task",
		Payload:     task.Payload,
		SessionID:   task.SessionID,
		TaskID:      task.TaskID,
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(fmt.Sprintf("/v1/agents/%s/run", task.AgentID))
	if err != nil {
		c.logger.WithAgentID(task.AgentID).WithTaskID(task.TaskID).Warn("Routing call failed",
			zap.Error(err))
		return &apperrors.TaskDispatchError{
			AgentID: task.AgentID,
			TaskID:  task.TaskID,
			Err:     err,
		}
	}

	if resp.IsError() {
		c.logger.WithAgentID(task.AgentID).WithTaskID(task.TaskID).Warn("Routing service rejected dispatch",
			zap.Int("status", resp.StatusCode()))
		return &apperrors.TaskDispatchError{
			AgentID:    task.AgentID,
			TaskID:     task.TaskID,
			StatusCode: resp.StatusCode(),
		}
	}

	c.logger.WithAgentID(task.AgentID).WithTaskID(task.TaskID).Debug("Task accepted for dispatch",
		zap.Int("status", resp.StatusCode()))
	return nil
}
