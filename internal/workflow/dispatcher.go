// Package workflow executes committed WorkflowActions against the entity stores.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	metricsPkg "realty-mail-engine/internal/metrics"
	"realty-mail-engine/internal/model"
)

// Store is the set of entity store operations the dispatcher may invoke
type Store interface {
	CreateTransaction(ctx context.Context, tx *model.Transaction, contacts []model.Contact) error
	CreateWorkspace(ctx context.Context, ws *model.Workspace, contacts []model.Contact) error
	AttachDocument(ctx context.Context, doc *model.Document) error
	CreateTask(ctx context.Context, task *model.Task) error
	EntityExists(ctx context.Context, entityType model.EntityType, id string) (bool, error)
}

// AuditLog records every executed action
type AuditLog interface {
	LogAction(ctx context.Context, entry *model.WorkflowLog) error
}

// Publisher accepts notifications
type Publisher interface {
	Publish(n model.Notification) model.Notification
}

// Result describes a completed action
type Result struct {
	CreatedEntityID string           `json:"created_entity_id,omitempty"`
	EntityType      model.EntityType `json:"entity_type,omitempty"`
	EntityID        string           `json:"entity_id,omitempty"`
	NotificationID  string           `json:"notification_id,omitempty"`
}

// Dispatcher validates and executes WorkflowActions. Actions touching the
// same entity are serialized; others run concurrently.
type Dispatcher struct {
	store   Store
	audit   AuditLog
	bus     Publisher
	metrics *metricsPkg.Metrics
	locks   *keyedMutex
	newID   func() string
	now     func() time.Time
}

// NewDispatcher creates a Dispatcher. audit may be nil.
func NewDispatcher(store Store, audit AuditLog, bus Publisher, metrics *metricsPkg.Metrics) *Dispatcher {
	return &Dispatcher{
		store:   store,
		audit:   audit,
		bus:     bus,
		metrics: metrics,
		locks:   newKeyedMutex(),
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Execute performs the action and publishes a notification describing its effect
func (d *Dispatcher) Execute(ctx context.Context, action model.WorkflowAction) (*Result, error) {
	var (
		res *Result
		err error
	)

	if err = validate(action); err == nil {
		switch action.Kind {
		case model.ActionCreateTransaction:
			res, err = d.createTransaction(ctx, action)
		case model.ActionCreateWorkspace:
			res, err = d.createWorkspace(ctx, action)
		case model.ActionAttachDocument:
			res, err = d.attachDocument(ctx, action)
		case model.ActionCreateTask:
			res, err = d.createTask(ctx, action)
		}
	}

	d.record(ctx, action, res, err)
	if err != nil {
		var we *WorkflowError
		if errors.As(err, &we) && we.Kind == KindPartialFailure {
			d.publishPartial(action, we)
		}
		return res, err
	}
	return res, nil
}

func validate(a model.WorkflowAction) error {
	p := a.Payload
	if a.SourceAttachmentID != "" && strings.TrimSpace(p.FileName) == "" {
		return validation("file_name is required when source_attachment_id is set")
	}

	switch a.Kind {
	case model.ActionCreateTransaction:
		if strings.TrimSpace(p.Address) == "" {
			return validation("address is required for %s", a.Kind)
		}
		if p.Stage != "" && !model.ValidStage(p.Stage) {
			return validation("unknown stage %q", p.Stage)
		}
	case model.ActionCreateWorkspace:
		if strings.TrimSpace(p.Name) == "" {
			return validation("name is required for %s", a.Kind)
		}
		if p.Stage != "" && !model.ValidStage(p.Stage) {
			return validation("unknown stage %q", p.Stage)
		}
	case model.ActionAttachDocument:
		if !p.EntityType.Valid() {
			return validation("entity_type must be transaction or workspace")
		}
		if p.EntityID == "" {
			return validation("entity_id is required for %s", a.Kind)
		}
		if a.SourceAttachmentID == "" {
			return validation("source_attachment_id is required for %s", a.Kind)
		}
		if a.SourceMessageID == "" {
			return validation("source_message_id is required for %s", a.Kind)
		}
	case model.ActionCreateTask:
		if strings.TrimSpace(p.Title) == "" {
			return validation("title is required for %s", a.Kind)
		}
		if (p.EntityID != "" || p.EntityType != "") && (!p.EntityType.Valid() || p.EntityID == "") {
			return validation("a task entity needs both a valid entity_type and entity_id")
		}
	default:
		return validation("unknown action kind %q", a.Kind)
	}
	return nil
}

func lockKey(t model.EntityType, id string) string {
	return string(t) + ":" + id
}

func hasAttachment(a model.WorkflowAction) bool {
	return a.SourceAttachmentID != ""
}

func (d *Dispatcher) createTransaction(ctx context.Context, a model.WorkflowAction) (*Result, error) {
	id := d.newID()
	unlock := d.locks.Lock(lockKey(model.EntityTransaction, id))
	defer unlock()

	stage := a.Payload.Stage
	if stage == "" {
		stage = model.StageActive
	}
	tx := &model.Transaction{
		ID:             id,
		Address:        strings.TrimSpace(a.Payload.Address),
		Stage:          stage,
		LastActivityAt: d.now(),
	}
	if err := d.store.CreateTransaction(ctx, tx, contactsFor(model.EntityTransaction, id, a.Payload.Contacts)); err != nil {
		return nil, unavailable(string(model.ActionCreateTransaction), err)
	}

	return d.finishCreate(ctx, a, model.EntityTransaction, id, model.Notification{
		Type:        model.NotifyTransactionCreated,
		Title:       "Transaction created",
		Description: fmt.Sprintf("Created transaction for %s", tx.Address),
	})
}

func (d *Dispatcher) createWorkspace(ctx context.Context, a model.WorkflowAction) (*Result, error) {
	id := d.newID()
	unlock := d.locks.Lock(lockKey(model.EntityWorkspace, id))
	defer unlock()

	stage := a.Payload.Stage
	if stage == "" {
		stage = model.StageLead
	}
	ws := &model.Workspace{
		ID:             id,
		Name:           strings.TrimSpace(a.Payload.Name),
		Stage:          stage,
		LastActivityAt: d.now(),
	}
	if err := d.store.CreateWorkspace(ctx, ws, contactsFor(model.EntityWorkspace, id, a.Payload.Contacts)); err != nil {
		return nil, unavailable(string(model.ActionCreateWorkspace), err)
	}

	return d.finishCreate(ctx, a, model.EntityWorkspace, id, model.Notification{
		Type:        model.NotifyWorkspaceCreated,
		Title:       "Workspace created",
		Description: fmt.Sprintf("Created workspace %s", ws.Name),
	})
}

// finishCreate attaches the source document, when there is one, to a freshly
// created entity. The caller holds the entity lock.
func (d *Dispatcher) finishCreate(ctx context.Context, a model.WorkflowAction, t model.EntityType, id string, n model.Notification) (*Result, error) {
	res := &Result{CreatedEntityID: id, EntityType: t, EntityID: id}

	if hasAttachment(a) {
		if err := d.store.AttachDocument(ctx, d.documentFor(a, t, id)); err != nil {
			return res, &WorkflowError{
				Kind:            KindPartialFailure,
				Message:         "entity created but document attach failed",
				SucceededStep:   string(a.Kind),
				FailedStep:      string(model.ActionAttachDocument),
				CreatedEntityID: id,
				Err:             err,
			}
		}
		n.Description += fmt.Sprintf(" and attached %s", a.Payload.FileName)
	}

	n.RelatedEntity = &model.EntityRef{Type: t, ID: id}
	n.ActionURL = entityURL(t, id)
	res.NotificationID = d.publish(a, n)
	return res, nil
}

func (d *Dispatcher) attachDocument(ctx context.Context, a model.WorkflowAction) (*Result, error) {
	t, id := a.Payload.EntityType, a.Payload.EntityID
	unlock := d.locks.Lock(lockKey(t, id))
	defer unlock()

	if err := d.ensureExists(ctx, t, id); err != nil {
		return nil, err
	}

	doc := d.documentFor(a, t, id)
	if err := d.store.AttachDocument(ctx, doc); err != nil {
		return nil, unavailable(string(model.ActionAttachDocument), err)
	}

	res := &Result{EntityType: t, EntityID: id}
	res.NotificationID = d.publish(a, model.Notification{
		Type:          model.NotifyDocumentAttached,
		Title:         "Document attached",
		Description:   fmt.Sprintf("Attached %s to %s", doc.FileName, t),
		RelatedEntity: &model.EntityRef{Type: t, ID: id},
		ActionURL:     entityURL(t, id),
	})
	return res, nil
}

func (d *Dispatcher) createTask(ctx context.Context, a model.WorkflowAction) (*Result, error) {
	t, entityID := a.Payload.EntityType, a.Payload.EntityID
	if entityID != "" {
		unlock := d.locks.Lock(lockKey(t, entityID))
		defer unlock()

		if err := d.ensureExists(ctx, t, entityID); err != nil {
			return nil, err
		}
	}

	task := &model.Task{
		ID:              d.newID(),
		EntityType:      t,
		EntityID:        entityID,
		Title:           strings.TrimSpace(a.Payload.Title),
		Description:     a.Payload.Description,
		DueAt:           a.Payload.DueAt,
		Status:          "open",
		SourceMessageID: a.SourceMessageID,
	}
	if err := d.store.CreateTask(ctx, task); err != nil {
		return nil, unavailable(string(model.ActionCreateTask), err)
	}

	n := model.Notification{
		Type:        model.NotifyTaskCreated,
		Title:       "Task created",
		Description: task.Title,
		ActionURL:   "/tasks/" + task.ID,
	}
	res := &Result{CreatedEntityID: task.ID}
	if entityID != "" {
		n.RelatedEntity = &model.EntityRef{Type: t, ID: entityID}
		res.EntityType, res.EntityID = t, entityID
	}
	res.NotificationID = d.publish(a, n)
	return res, nil
}

func (d *Dispatcher) ensureExists(ctx context.Context, t model.EntityType, id string) error {
	ok, err := d.store.EntityExists(ctx, t, id)
	if err != nil {
		return unavailable("lookup "+string(t), err)
	}
	if !ok {
		return validation("%s %s not found", t, id)
	}
	return nil
}

func (d *Dispatcher) documentFor(a model.WorkflowAction, t model.EntityType, id string) *model.Document {
	docType := a.Payload.DocumentType
	if docType == "" {
		docType = model.DocUnknown
	}
	return &model.Document{
		ID:                 d.newID(),
		EntityType:         t,
		EntityID:           id,
		FileName:           a.Payload.FileName,
		MIMEType:           a.Payload.MIMEType,
		SizeBytes:          a.Payload.SizeBytes,
		DocumentType:       docType,
		SourceMessageID:    a.SourceMessageID,
		SourceAttachmentID: a.SourceAttachmentID,
	}
}

func contactsFor(t model.EntityType, id string, in []model.Contact) []model.Contact {
	out := make([]model.Contact, 0, len(in))
	for _, c := range in {
		email := strings.ToLower(strings.TrimSpace(c.Email))
		if email == "" {
			continue
		}
		out = append(out, model.Contact{EntityType: t, EntityID: id, Name: c.Name, Email: email})
	}
	return out
}

func entityURL(t model.EntityType, id string) string {
	return "/" + string(t) + "s/" + id
}

func (d *Dispatcher) publish(a model.WorkflowAction, n model.Notification) string {
	if d.bus == nil {
		return ""
	}
	n.Recipient = a.RequestedBy
	return d.bus.Publish(n).ID
}

func (d *Dispatcher) publishPartial(a model.WorkflowAction, we *WorkflowError) {
	n := model.Notification{
		Type:        model.NotifyWorkflowFailed,
		Title:       "Action partially completed",
		Description: fmt.Sprintf("%s succeeded but %s failed; attach %s manually", we.SucceededStep, we.FailedStep, a.Payload.FileName),
	}
	if t := createdType(a.Kind); t != "" {
		n.RelatedEntity = &model.EntityRef{Type: t, ID: we.CreatedEntityID}
		n.ActionURL = entityURL(t, we.CreatedEntityID)
	}
	d.publish(a, n)
}

func createdType(k model.ActionKind) model.EntityType {
	switch k {
	case model.ActionCreateTransaction:
		return model.EntityTransaction
	case model.ActionCreateWorkspace:
		return model.EntityWorkspace
	}
	return ""
}

func (d *Dispatcher) record(ctx context.Context, a model.WorkflowAction, res *Result, err error) {
	entry := &model.WorkflowLog{
		Kind:            a.Kind,
		SourceMessageID: a.SourceMessageID,
		Status:          model.LogSuccess,
	}
	if res != nil {
		entry.EntityType = res.EntityType
		entry.EntityID = res.EntityID
	} else {
		entry.EntityType = a.Payload.EntityType
		entry.EntityID = a.Payload.EntityID
	}

	result := "success"
	if err != nil {
		entry.Status = model.LogFailure
		entry.ErrorMsg = err.Error()
		result = "failure"
		var we *WorkflowError
		if errors.As(err, &we) {
			result = string(we.Kind)
			if we.Kind == KindPartialFailure {
				entry.Status = model.LogPartial
			}
		}
	}
	d.metrics.ObserveAction(string(a.Kind), result)

	log := logrus.WithFields(logrus.Fields{
		"kind":       a.Kind,
		"entity_id":  entry.EntityID,
		"message_id": a.SourceMessageID,
		"status":     entry.Status,
	})
	if err != nil {
		log.Warnf("Workflow action failed: %v", err)
	} else {
		log.Info("Workflow action executed")
	}

	if d.audit == nil {
		return
	}
	if auditErr := d.audit.LogAction(ctx, entry); auditErr != nil {
		logrus.Errorf("Failed to record workflow log: %v", auditErr)
	}
}
