package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// StartRunRequest is the request body for
// POST /v1/installations/{installation_id}/runs.
type StartRunRequest struct {
	Policy      Policy            `json:"policy"`
	DryRun      bool              `json:"dry_run,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	RequestedBy string            `json:"requested_by,omitempty"`
}

// StartRunResponse is the response body for a started run. It is also the
// payload cached by the idempotency store for replay.
type StartRunResponse struct {
	RunID          string    `json:"run_id"`
	InstallationID string    `json:"installation_id"`
	Status         RunStatus `json:"status"`
	Policy         Policy    `json:"policy"`
	Level          int       `json:"level"`
	Summary        string    `json:"summary"`
	Actions        []string  `json:"actions"`
}

// CancelRunResponse acknowledges a cancellation request.
type CancelRunResponse struct {
	RunID  string    `json:"run_id"`
	Status RunStatus `json:"status"`
}

// PolicyInfo is one row of the policy catalog.
type PolicyInfo struct {
	Policy  Policy   `json:"policy"`
	Level   int      `json:"level"`
	Summary string   `json:"summary"`
	Actions []string `json:"actions"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Driver        string `json:"driver"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
