package model

import (
	"time"
)

// Notification types published by the engine
const (
	NotifyTransactionCreated = "transaction_created"
	NotifyWorkspaceCreated   = "workspace_created"
	NotifyDocumentAttached   = "document_attached"
	NotifyTaskCreated        = "task_created"
	NotifyReviewRequired     = "review_required"
	NotifyWorkflowFailed     = "workflow_failed"
	NotifyReauthRequired     = "reauth_required"
)

// EntityRef points a notification at an entity for deep-linking
type EntityRef struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

// Notification is an advisory record shown to UI surfaces
type Notification struct {
	ID            string     `json:"id"`
	Recipient     string     `json:"-"`
	Type          string     `json:"type"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Timestamp     time.Time  `json:"timestamp"`
	Read          bool       `json:"read"`
	RelatedEntity *EntityRef `json:"related_entity,omitempty"`
	ActionURL     string     `json:"action_url,omitempty"`
}
