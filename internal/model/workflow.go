package model

import (
	"time"
)

// ActionKind enumerates the mutations the dispatcher can perform
type ActionKind string

const (
	ActionCreateTransaction ActionKind = "create_transaction"
	ActionCreateWorkspace   ActionKind = "create_workspace"
	ActionAttachDocument    ActionKind = "attach_document"
	ActionCreateTask        ActionKind = "create_task"
)

// MatchCandidate is a ranked suggestion linking an attachment to an entity
type MatchCandidate struct {
	EntityType     EntityType `json:"entity_type"`
	EntityID       string     `json:"entity_id"`
	Label          string     `json:"label"`
	Score          float64    `json:"score"`
	Rationale      string     `json:"rationale"`
	LastActivityAt time.Time  `json:"last_activity_at"`
}

// NewEntityProposal is the "create new" option offered alongside candidates
type NewEntityProposal struct {
	Kind      ActionKind `json:"kind"`
	Address   string     `json:"address,omitempty"`
	Name      string     `json:"name,omitempty"`
	Stage     string     `json:"stage"`
	Rationale string     `json:"rationale"`
}

// ActionPayload carries the kind-specific fields of a WorkflowAction
type ActionPayload struct {
	// create_transaction
	Address string `json:"address,omitempty"`
	// create_workspace
	Name string `json:"name,omitempty"`
	// create_transaction, create_workspace
	Stage    string    `json:"stage,omitempty"`
	Contacts []Contact `json:"contacts,omitempty"`

	// attach_document, create_task
	EntityType EntityType `json:"entity_type,omitempty"`
	EntityID   string     `json:"entity_id,omitempty"`

	// attachment metadata, used by attach_document and the create kinds
	FileName     string       `json:"file_name,omitempty"`
	MIMEType     string       `json:"mime_type,omitempty"`
	SizeBytes    int64        `json:"size_bytes,omitempty"`
	DocumentType DocumentType `json:"document_type,omitempty"`

	// create_task
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
}

// WorkflowAction is one committed mutation against the entity stores
type WorkflowAction struct {
	Kind               ActionKind    `json:"kind"`
	Payload            ActionPayload `json:"payload"`
	SourceMessageID    string        `json:"source_message_id"`
	SourceAttachmentID string        `json:"source_attachment_id,omitempty"`
	// RequestedBy is the session the resulting notification is addressed to.
	RequestedBy string `json:"-"`
}

// Suggestion statuses
const (
	SuggestionPending   = "pending"
	SuggestionConfirmed = "confirmed"
	SuggestionDismissed = "dismissed"
	SuggestionPartial   = "partial"
)

// Suggestion is a pending review of an attachment that was not auto-approved
type Suggestion struct {
	ID           string            `json:"id" gorm:"primaryKey;type:varchar(36)"`
	SessionID    string            `json:"-" gorm:"type:varchar(64);not null;index"`
	Mailbox      string            `json:"mailbox" gorm:"type:varchar(255)"`
	MessageID    string            `json:"message_id" gorm:"type:varchar(255);not null;index"`
	Subject      string            `json:"subject" gorm:"type:text"`
	Sender       string            `json:"sender" gorm:"type:varchar(255)"`
	AttachmentID string            `json:"attachment_id" gorm:"type:varchar(255);not null"`
	FileName     string            `json:"file_name" gorm:"type:varchar(255)"`
	MIMEType     string            `json:"mime_type" gorm:"type:varchar(127)"`
	SizeBytes    int64             `json:"size_bytes"`
	DocumentType DocumentType      `json:"document_type" gorm:"type:varchar(64)"`
	Confidence   float64           `json:"confidence"`
	Candidates   []MatchCandidate  `json:"candidates" gorm:"serializer:json;type:text"`
	Proposal     NewEntityProposal `json:"proposal" gorm:"serializer:json;type:text"`
	Status       string            `json:"status" gorm:"type:varchar(32);not null;index"`
	CreatedAt    time.Time         `json:"created_at"`
	ResolvedAt   *time.Time        `json:"resolved_at,omitempty"`
}

// TableName specifies the table name for Suggestion
func (Suggestion) TableName() string {
	return "suggestions"
}

// ProcessedMessage records a claimed message id so it is handled at most once
type ProcessedMessage struct {
	ID          uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Mailbox     string    `json:"mailbox" gorm:"type:varchar(255);not null;uniqueIndex:idx_mailbox_message"`
	MessageID   string    `json:"message_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_mailbox_message"`
	ProcessedAt time.Time `json:"processed_at"`
}

// TableName specifies the table name for ProcessedMessage
func (ProcessedMessage) TableName() string {
	return "processed_messages"
}

// Workflow log statuses
const (
	LogSuccess = "success"
	LogFailure = "failure"
	LogPartial = "partial"
)

// WorkflowLog is the audit entry for one executed WorkflowAction
type WorkflowLog struct {
	ID              uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	Kind            ActionKind `json:"kind" gorm:"type:varchar(32);not null"`
	EntityType      EntityType `json:"entity_type" gorm:"type:varchar(32)"`
	EntityID        string     `json:"entity_id" gorm:"type:varchar(36);index"`
	SourceMessageID string     `json:"source_message_id" gorm:"type:varchar(255);index"`
	Status          string     `json:"status" gorm:"type:varchar(32);not null"`
	ErrorMsg        string     `json:"error_msg" gorm:"type:text"`
	CreatedAt       time.Time  `json:"created_at"`
}

// TableName specifies the table name for WorkflowLog
func (WorkflowLog) TableName() string {
	return "workflow_logs"
}
