// Package repository is the gorm-backed entity store, suggestion store and
// processed-message ledger.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"realty-mail-engine/internal/model"
)

// ErrNotFound is returned when a looked-up record does not exist
var ErrNotFound = errors.New("record not found")

type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Ping checks the underlying connection
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("database handle: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func (r *Repository) CreateTransaction(ctx context.Context, tx *model.Transaction, contacts []model.Contact) error {
	err := r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if err := db.Create(tx).Error; err != nil {
			return err
		}
		if len(contacts) > 0 {
			return db.Create(&contacts).Error
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (r *Repository) CreateWorkspace(ctx context.Context, ws *model.Workspace, contacts []model.Contact) error {
	err := r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if err := db.Create(ws).Error; err != nil {
			return err
		}
		if len(contacts) > 0 {
			return db.Create(&contacts).Error
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	return nil
}

// AttachDocument stores doc and bumps the owning entity's last activity
func (r *Repository) AttachDocument(ctx context.Context, doc *model.Document) error {
	err := r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if err := db.Create(doc).Error; err != nil {
			return err
		}
		return touch(db, doc.EntityType, doc.EntityID, r.now())
	})
	if err != nil {
		return fmt.Errorf("failed to attach document: %w", err)
	}
	return nil
}

func (r *Repository) CreateTask(ctx context.Context, task *model.Task) error {
	err := r.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if err := db.Create(task).Error; err != nil {
			return err
		}
		if task.EntityID == "" {
			return nil
		}
		return touch(db, task.EntityType, task.EntityID, r.now())
	})
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func touch(db *gorm.DB, t model.EntityType, id string, at time.Time) error {
	var target interface{}
	switch t {
	case model.EntityTransaction:
		target = &model.Transaction{}
	case model.EntityWorkspace:
		target = &model.Workspace{}
	default:
		return fmt.Errorf("unknown entity type %q", t)
	}
	return db.Model(target).Where("id = ?", id).Update("last_activity_at", at).Error
}

func (r *Repository) EntityExists(ctx context.Context, t model.EntityType, id string) (bool, error) {
	var count int64
	var err error
	switch t {
	case model.EntityTransaction:
		err = r.db.WithContext(ctx).Model(&model.Transaction{}).Where("id = ?", id).Count(&count).Error
	case model.EntityWorkspace:
		err = r.db.WithContext(ctx).Model(&model.Workspace{}).Where("id = ?", id).Count(&count).Error
	default:
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("database error checking %s: %w", t, err)
	}
	return count > 0, nil
}

// ListEntities returns every transaction and workspace with its contact emails
func (r *Repository) ListEntities(ctx context.Context) ([]model.EntitySnapshot, error) {
	db := r.db.WithContext(ctx)

	var txs []model.Transaction
	if err := db.Find(&txs).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	var wss []model.Workspace
	if err := db.Find(&wss).Error; err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	var contacts []model.Contact
	if err := db.Find(&contacts).Error; err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}

	emails := make(map[string][]string)
	for _, c := range contacts {
		key := string(c.EntityType) + ":" + c.EntityID
		emails[key] = append(emails[key], strings.ToLower(c.Email))
	}

	out := make([]model.EntitySnapshot, 0, len(txs)+len(wss))
	for _, tx := range txs {
		out = append(out, model.EntitySnapshot{
			Type:           model.EntityTransaction,
			ID:             tx.ID,
			Label:          tx.Address,
			Stage:          tx.Stage,
			LastActivityAt: tx.LastActivityAt,
			ContactEmails:  emails["transaction:"+tx.ID],
		})
	}
	for _, ws := range wss {
		out = append(out, model.EntitySnapshot{
			Type:           model.EntityWorkspace,
			ID:             ws.ID,
			Label:          ws.Name,
			Stage:          ws.Stage,
			LastActivityAt: ws.LastActivityAt,
			ContactEmails:  emails["workspace:"+ws.ID],
		})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

// ListDocuments returns the documents filed under an entity, newest first
func (r *Repository) ListDocuments(ctx context.Context, t model.EntityType, id string) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", t, id).
		Order("created_at DESC").
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}

// ListTasks returns tasks, optionally restricted to one entity
func (r *Repository) ListTasks(ctx context.Context, t model.EntityType, id string) ([]model.Task, error) {
	q := r.db.WithContext(ctx).Order("created_at DESC")
	if id != "" {
		q = q.Where("entity_type = ? AND entity_id = ?", t, id)
	}
	var tasks []model.Task
	if err := q.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// ClaimMessage records a message as processed. It reports false when the
// message was already claimed, so each message is handled at most once.
func (r *Repository) ClaimMessage(ctx context.Context, mailbox, messageID string) (bool, error) {
	rec := model.ProcessedMessage{
		Mailbox:     mailbox,
		MessageID:   messageID,
		ProcessedAt: r.now(),
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rec)
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim message: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReleaseMessage removes a claim so the message is retried on the next poll
func (r *Repository) ReleaseMessage(ctx context.Context, mailbox, messageID string) error {
	result := r.db.WithContext(ctx).
		Where("mailbox = ? AND message_id = ?", mailbox, messageID).
		Delete(&model.ProcessedMessage{})
	if result.Error != nil {
		return fmt.Errorf("failed to release message: %w", result.Error)
	}
	return nil
}

func (r *Repository) CreateSuggestion(ctx context.Context, s *model.Suggestion) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("failed to create suggestion: %w", err)
	}
	return nil
}

// ListSuggestions returns a session's suggestions, newest first. An empty
// status matches all.
func (r *Repository) ListSuggestions(ctx context.Context, sessionID, status string) ([]model.Suggestion, error) {
	q := r.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []model.Suggestion
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list suggestions: %w", err)
	}
	return out, nil
}

func (r *Repository) GetSuggestion(ctx context.Context, id string) (*model.Suggestion, error) {
	var s model.Suggestion
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database error getting suggestion: %w", err)
	}
	return &s, nil
}

// TransitionSuggestion moves a suggestion from one status to another. It
// reports false when the suggestion was not in the from status.
func (r *Repository) TransitionSuggestion(ctx context.Context, id, from, to string) (bool, error) {
	updates := map[string]interface{}{"status": to}
	if to == model.SuggestionPending {
		updates["resolved_at"] = nil
	} else {
		updates["resolved_at"] = r.now()
	}

	result := r.db.WithContext(ctx).
		Model(&model.Suggestion{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("failed to update suggestion: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *Repository) LogAction(ctx context.Context, entry *model.WorkflowLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.now()
	}
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to log workflow action: %w", err)
	}
	return nil
}

// ListWorkflowLogs returns a page of workflow logs, newest first, with the total count
func (r *Repository) ListWorkflowLogs(ctx context.Context, limit, offset int) ([]model.WorkflowLog, int64, error) {
	var total int64
	db := r.db.WithContext(ctx)
	if err := db.Model(&model.WorkflowLog{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count workflow logs: %w", err)
	}

	var logs []model.WorkflowLog
	if err := db.Order("created_at DESC, id DESC").Limit(limit).Offset(offset).Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list workflow logs: %w", err)
	}
	return logs, total, nil
}
