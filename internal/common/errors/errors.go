// Package errors provides the typed error taxonomy for Ops-Core.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeAgentNotFound              = "AGENT_NOT_FOUND"
	ErrCodeAgentAlreadyExists         = "AGENT_ALREADY_EXISTS"
	ErrCodeSessionNotFound            = "SESSION_NOT_FOUND"
	ErrCodeSessionAlreadyExists       = "SESSION_ALREADY_EXISTS"
	ErrCodeWorkflowDefinitionNotFound = "WORKFLOW_DEFINITION_NOT_FOUND"
	ErrCodeWorkflowDefinitionConflict = "WORKFLOW_DEFINITION_CONFLICT"
	ErrCodeInvalidState               = "INVALID_STATE"
	ErrCodeInvalidRequest             = "INVALID_REQUEST"
	ErrCodeUnauthorized               = "UNAUTHORIZED"
	ErrCodeStorageError               = "STORAGE_ERROR"
	ErrCodeTaskDispatchError          = "TASK_DISPATCH_ERROR"
	ErrCodeConfigurationError         = "CONFIGURATION_ERROR"
	ErrCodeInternalError              = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// AgentNotFound creates an error for an unknown agent id.
func AgentNotFound(agentID string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentNotFound,
		Message:    fmt.Sprintf("agent with id '%s' not found", agentID),
		HTTPStatus: http.StatusNotFound,
	}
}

// AgentAlreadyExists creates an error for a duplicate registration.
func AgentAlreadyExists(agentID string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentAlreadyExists,
		Message:    fmt.Sprintf("agent with id '%s' is already registered", agentID),
		HTTPStatus: http.StatusConflict,
	}
}

// SessionNotFound creates an error for an unknown session id.
func SessionNotFound(sessionID string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionNotFound,
		Message:    fmt.Sprintf("session with id '%s' not found", sessionID),
		HTTPStatus: http.StatusNotFound,
	}
}

// SessionAlreadyExists creates an error for a session id collision.
func SessionAlreadyExists(sessionID string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionAlreadyExists,
		Message:    fmt.Sprintf("session with id '%s' already exists", sessionID),
		HTTPStatus: http.StatusConflict,
	}
}

// WorkflowDefinitionNotFound creates an error for an unknown definition id.
func WorkflowDefinitionNotFound(workflowID string) *AppError {
	return &AppError{
		Code:       ErrCodeWorkflowDefinitionNotFound,
		Message:    fmt.Sprintf("workflow definition with id '%s' not found", workflowID),
		HTTPStatus: http.StatusNotFound,
	}
}

// WorkflowDefinitionConflict creates an error for an inline definition that
// collides with a stored one under the same id.
func WorkflowDefinitionConflict(workflowID string) *AppError {
	return &AppError{
		Code:       ErrCodeWorkflowDefinitionConflict,
		Message:    fmt.Sprintf("workflow definition '%s' conflicts with the stored definition", workflowID),
		HTTPStatus: http.StatusConflict,
	}
}

// InvalidState creates an error for a state name outside the allowed set.
func InvalidState(state string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidState,
		Message:    fmt.Sprintf("invalid agent state '%s'", state),
		HTTPStatus: http.StatusBadRequest,
	}
}

// InvalidRequest creates an error for a payload schema violation.
func InvalidRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates an error for a missing or mismatched bearer token.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// StorageError wraps a backend failure. The cause is logged server-side
// and never leaks to external clients.
func StorageError(operation string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeStorageError,
		Message:    fmt.Sprintf("storage operation '%s' failed", operation),
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// TaskDispatchError wraps a failed routing-service call. StatusCode is the
// HTTP status of the routing response, or 0 for transport errors. It is
// handled inside the workflow engine and never surfaced to HTTP clients.
type TaskDispatchError struct {
	AgentID    string
	TaskID     string
	StatusCode int
	Err        error
}

func (e *TaskDispatchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: dispatch of task '%s' to agent '%s' failed with status %d", ErrCodeTaskDispatchError, e.TaskID, e.AgentID, e.StatusCode)
	}
	return fmt.Sprintf("%s: dispatch of task '%s' to agent '%s' failed: %v", ErrCodeTaskDispatchError, e.TaskID, e.AgentID, e.Err)
}

func (e *TaskDispatchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is worth retrying: 5xx responses
// and transport errors are; 4xx responses are not.
func (e *TaskDispatchError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// ConfigurationError creates a startup configuration error. It has no HTTP
// mapping; the process fails fast with exit code 1.
func ConfigurationError(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConfigurationError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// InternalError creates an internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is any of the not-found kinds.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case ErrCodeAgentNotFound, ErrCodeSessionNotFound, ErrCodeWorkflowDefinitionNotFound:
			return true
		}
	}
	return false
}

// IsConflict checks if the error is a duplicate/conflict kind.
func IsConflict(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case ErrCodeAgentAlreadyExists, ErrCodeSessionAlreadyExists, ErrCodeWorkflowDefinitionConflict:
			return true
		}
	}
	return false
}

// IsStorageError checks if the error is a storage backend failure.
func IsStorageError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeStorageError
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
