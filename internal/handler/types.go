package handler

import (
	"time"

	"realty-mail-engine/internal/model"
)

// AuthStatusResponse reports whether the session has a usable mailbox credential
type AuthStatusResponse struct {
	IsAuthenticated bool   `json:"isAuthenticated"`
	UserEmail       string `json:"userEmail,omitempty"`
}

// NotificationRequest is the body of POST /api/v1/notifications
type NotificationRequest struct {
	Type          string           `json:"type" binding:"required"`
	Title         string           `json:"title" binding:"required"`
	Description   string           `json:"description"`
	RelatedEntity *model.EntityRef `json:"related_entity"`
	ActionURL     string           `json:"action_url"`
}

// WorkflowErrorResponse details a failed or partially applied action
type WorkflowErrorResponse struct {
	Error           string `json:"error"`
	Message         string `json:"message"`
	Code            int    `json:"code"`
	SucceededStep   string `json:"succeeded_step,omitempty"`
	FailedStep      string `json:"failed_step,omitempty"`
	CreatedEntityID string `json:"created_entity_id,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status          string            `json:"status"`
	Timestamp       time.Time         `json:"timestamp"`
	Database        string            `json:"database"`
	Scheduler       string            `json:"scheduler"`
	WatchedSessions int               `json:"watched_sessions"`
	Metrics         map[string]string `json:"metrics,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
