package model

import (
	"time"
)

// EntityType names the business entities the engine can target
type EntityType string

const (
	EntityTransaction EntityType = "transaction"
	EntityWorkspace   EntityType = "workspace"
)

// Valid reports whether t is a known entity type
func (t EntityType) Valid() bool {
	return t == EntityTransaction || t == EntityWorkspace
}

// Lifecycle stages shared by transactions and workspaces
const (
	StageLead          = "lead"
	StageActive        = "active"
	StageUnderContract = "under_contract"
	StageClosing       = "closing"
	StageClosed        = "closed"
)

// ValidStage reports whether s is a known lifecycle stage
func ValidStage(s string) bool {
	switch s {
	case StageLead, StageActive, StageUnderContract, StageClosing, StageClosed:
		return true
	}
	return false
}

// Transaction is a property deal tracked by the application
type Transaction struct {
	ID             string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Address        string    `json:"address" gorm:"type:varchar(255);not null"`
	Stage          string    `json:"stage" gorm:"type:varchar(32);not null"`
	LastActivityAt time.Time `json:"last_activity_at" gorm:"index"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName specifies the table name for Transaction
func (Transaction) TableName() string {
	return "transactions"
}

// Workspace is a client-centered collaboration space
type Workspace struct {
	ID             string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Name           string    `json:"name" gorm:"type:varchar(255);not null"`
	Stage          string    `json:"stage" gorm:"type:varchar(32);not null"`
	LastActivityAt time.Time `json:"last_activity_at" gorm:"index"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName specifies the table name for Workspace
func (Workspace) TableName() string {
	return "workspaces"
}

// Contact links an email address to a transaction or workspace
type Contact struct {
	ID         uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	EntityType EntityType `json:"entity_type" gorm:"type:varchar(32);not null;index:idx_contact_entity"`
	EntityID   string     `json:"entity_id" gorm:"type:varchar(36);not null;index:idx_contact_entity"`
	Name       string     `json:"name" gorm:"type:varchar(255)"`
	Email      string     `json:"email" gorm:"type:varchar(255);not null;index"`
	CreatedAt  time.Time  `json:"created_at"`
}

// TableName specifies the table name for Contact
func (Contact) TableName() string {
	return "contacts"
}

// Document is an attachment filed under an entity
type Document struct {
	ID                 string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	EntityType         EntityType   `json:"entity_type" gorm:"type:varchar(32);not null;index:idx_document_entity"`
	EntityID           string       `json:"entity_id" gorm:"type:varchar(36);not null;index:idx_document_entity"`
	FileName           string       `json:"file_name" gorm:"type:varchar(255);not null"`
	MIMEType           string       `json:"mime_type" gorm:"type:varchar(127)"`
	SizeBytes          int64        `json:"size_bytes"`
	DocumentType       DocumentType `json:"document_type" gorm:"type:varchar(64)"`
	SourceMessageID    string       `json:"source_message_id" gorm:"type:varchar(255);index"`
	SourceAttachmentID string       `json:"source_attachment_id" gorm:"type:varchar(255)"`
	CreatedAt          time.Time    `json:"created_at"`
}

// TableName specifies the table name for Document
func (Document) TableName() string {
	return "documents"
}

// Task is a follow-up item, optionally bound to an entity
type Task struct {
	ID              string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	EntityType      EntityType `json:"entity_type,omitempty" gorm:"type:varchar(32);index:idx_task_entity"`
	EntityID        string     `json:"entity_id,omitempty" gorm:"type:varchar(36);index:idx_task_entity"`
	Title           string     `json:"title" gorm:"type:varchar(255);not null"`
	Description     string     `json:"description" gorm:"type:text"`
	DueAt           *time.Time `json:"due_at,omitempty"`
	Status          string     `json:"status" gorm:"type:varchar(32);not null;default:open"`
	SourceMessageID string     `json:"source_message_id,omitempty" gorm:"type:varchar(255)"`
	CreatedAt       time.Time  `json:"created_at"`
}

// TableName specifies the table name for Task
func (Task) TableName() string {
	return "tasks"
}

// EntitySnapshot is the read-only view of an entity used for matching
type EntitySnapshot struct {
	Type           EntityType `json:"type"`
	ID             string     `json:"id"`
	Label          string     `json:"label"`
	Stage          string     `json:"stage"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ContactEmails  []string   `json:"contact_emails"`
}
