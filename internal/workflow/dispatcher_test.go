package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realty-mail-engine/internal/model"
	"realty-mail-engine/internal/notify"
)

type fakeStore struct {
	mu        sync.Mutex
	entities  map[string]bool
	docs      []*model.Document
	tasks     []*model.Task
	contacts  []model.Contact
	attachErr error
	createErr error

	// concurrency probe for AttachDocument
	inFlight    int32
	maxInFlight int32
	attachDelay time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{entities: map[string]bool{}}
}

func (s *fakeStore) CreateTransaction(ctx context.Context, tx *model.Transaction, contacts []model.Contact) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[lockKey(model.EntityTransaction, tx.ID)] = true
	s.contacts = append(s.contacts, contacts...)
	return nil
}

func (s *fakeStore) CreateWorkspace(ctx context.Context, ws *model.Workspace, contacts []model.Contact) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[lockKey(model.EntityWorkspace, ws.ID)] = true
	s.contacts = append(s.contacts, contacts...)
	return nil
}

func (s *fakeStore) AttachDocument(ctx context.Context, doc *model.Document) error {
	n := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		max := atomic.LoadInt32(&s.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&s.maxInFlight, max, n) {
			break
		}
	}
	if s.attachDelay > 0 {
		time.Sleep(s.attachDelay)
	}
	if s.attachErr != nil {
		return s.attachErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, doc)
	return nil
}

func (s *fakeStore) CreateTask(ctx context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *fakeStore) EntityExists(ctx context.Context, t model.EntityType, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entities[lockKey(t, id)], nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []model.WorkflowLog
}

func (a *fakeAudit) LogAction(ctx context.Context, e *model.WorkflowLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, *e)
	return nil
}

func newTestDispatcher(store *fakeStore) (*Dispatcher, *notify.Bus, *fakeAudit) {
	bus := notify.NewBus(100, 4)
	audit := &fakeAudit{}
	return NewDispatcher(store, audit, bus, nil), bus, audit
}

func attachAction(entityID string) model.WorkflowAction {
	return model.WorkflowAction{
		Kind: model.ActionAttachDocument,
		Payload: model.ActionPayload{
			EntityType:   model.EntityTransaction,
			EntityID:     entityID,
			FileName:     "inspection.pdf",
			MIMEType:     "application/pdf",
			DocumentType: model.DocInspectionReport,
		},
		SourceMessageID:    "msg-1",
		SourceAttachmentID: "att-1",
		RequestedBy:        "session-1",
	}
}

func TestCreateTransactionWithAttachment(t *testing.T) {
	store := newFakeStore()
	d, bus, audit := newTestDispatcher(store)

	res, err := d.Execute(context.Background(), model.WorkflowAction{
		Kind: model.ActionCreateTransaction,
		Payload: model.ActionPayload{
			Address:  "12 Oak Street",
			Stage:    model.StageUnderContract,
			Contacts: []model.Contact{{Name: "Pat", Email: " Pat@Example.com "}, {Name: "blank"}},
			FileName: "purchase_agreement.pdf",
		},
		SourceMessageID:    "msg-1",
		SourceAttachmentID: "att-1",
		RequestedBy:        "session-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.CreatedEntityID)
	assert.Equal(t, model.EntityTransaction, res.EntityType)

	require.Len(t, store.docs, 1)
	assert.Equal(t, res.CreatedEntityID, store.docs[0].EntityID)
	assert.Equal(t, model.DocUnknown, store.docs[0].DocumentType)
	require.Len(t, store.contacts, 1)
	assert.Equal(t, "pat@example.com", store.contacts[0].Email)

	n, ok := bus.Get(res.NotificationID)
	require.True(t, ok)
	assert.Equal(t, model.NotifyTransactionCreated, n.Type)
	assert.Equal(t, "session-1", n.Recipient)
	require.NotNil(t, n.RelatedEntity)
	assert.Equal(t, res.CreatedEntityID, n.RelatedEntity.ID)
	assert.Equal(t, "/transactions/"+res.CreatedEntityID, n.ActionURL)
	assert.Contains(t, n.Description, "purchase_agreement.pdf")

	require.Len(t, audit.entries, 1)
	assert.Equal(t, model.LogSuccess, audit.entries[0].Status)
}

func TestValidationFailures(t *testing.T) {
	cases := map[string]model.WorkflowAction{
		"missing address":   {Kind: model.ActionCreateTransaction},
		"bad stage":         {Kind: model.ActionCreateTransaction, Payload: model.ActionPayload{Address: "1 Main St", Stage: "pending"}},
		"missing name":      {Kind: model.ActionCreateWorkspace},
		"bad entity type":   {Kind: model.ActionAttachDocument, Payload: model.ActionPayload{EntityType: "folder", EntityID: "x", FileName: "a.pdf"}, SourceMessageID: "m", SourceAttachmentID: "a"},
		"missing message":   {Kind: model.ActionAttachDocument, Payload: model.ActionPayload{EntityType: model.EntityTransaction, EntityID: "x", FileName: "a.pdf"}, SourceAttachmentID: "a"},
		"missing title":     {Kind: model.ActionCreateTask},
		"half task entity":  {Kind: model.ActionCreateTask, Payload: model.ActionPayload{Title: "t", EntityID: "x"}},
		"unknown kind":      {Kind: "delete_everything"},
		"unnamed file":      {Kind: model.ActionCreateWorkspace, Payload: model.ActionPayload{Name: "Smith"}, SourceAttachmentID: "a"},
	}

	for name, action := range cases {
		t.Run(name, func(t *testing.T) {
			store := newFakeStore()
			d, _, audit := newTestDispatcher(store)

			_, err := d.Execute(context.Background(), action)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidationFailed))
			assert.Empty(t, store.entities)
			require.Len(t, audit.entries, 1)
			assert.Equal(t, model.LogFailure, audit.entries[0].Status)
		})
	}
}

func TestAttachToMissingEntity(t *testing.T) {
	d, _, _ := newTestDispatcher(newFakeStore())

	_, err := d.Execute(context.Background(), attachAction("tx-missing"))
	assert.True(t, errors.Is(err, ErrValidationFailed))
	assert.Contains(t, err.Error(), "not found")
}

func TestPartialFailureReportsCreatedEntity(t *testing.T) {
	store := newFakeStore()
	store.attachErr = errors.New("disk full")
	d, bus, audit := newTestDispatcher(store)

	res, err := d.Execute(context.Background(), model.WorkflowAction{
		Kind:               model.ActionCreateWorkspace,
		Payload:            model.ActionPayload{Name: "Smith Family", FileName: "preapproval.pdf"},
		SourceMessageID:    "msg-1",
		SourceAttachmentID: "att-1",
		RequestedBy:        "session-1",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPartialFailure))

	var we *WorkflowError
	require.True(t, errors.As(err, &we))
	assert.Equal(t, string(model.ActionCreateWorkspace), we.SucceededStep)
	assert.Equal(t, string(model.ActionAttachDocument), we.FailedStep)
	require.NotNil(t, res)
	assert.Equal(t, res.CreatedEntityID, we.CreatedEntityID)
	assert.True(t, store.entities[lockKey(model.EntityWorkspace, we.CreatedEntityID)])

	notes := bus.List(notify.Filter{Recipient: "session-1"})
	require.Len(t, notes, 1)
	assert.Equal(t, model.NotifyWorkflowFailed, notes[0].Type)
	assert.Equal(t, we.CreatedEntityID, notes[0].RelatedEntity.ID)

	require.Len(t, audit.entries, 1)
	assert.Equal(t, model.LogPartial, audit.entries[0].Status)
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	store := newFakeStore()
	store.createErr = errors.New("connection refused")
	d, bus, _ := newTestDispatcher(store)

	_, err := d.Execute(context.Background(), model.WorkflowAction{
		Kind:    model.ActionCreateTransaction,
		Payload: model.ActionPayload{Address: "9 Birch Lane"},
	})
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.Empty(t, bus.List(notify.Filter{}))
}

func TestSameEntityActionsAreSerialized(t *testing.T) {
	store := newFakeStore()
	store.entities[lockKey(model.EntityTransaction, "tx-1")] = true
	store.attachDelay = 5 * time.Millisecond
	d, _, _ := newTestDispatcher(store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Execute(context.Background(), attachAction("tx-1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&store.maxInFlight))
	assert.Len(t, store.docs, 8)
	assert.Equal(t, 0, d.locks.size())
}

func TestDifferentEntitiesRunConcurrently(t *testing.T) {
	store := newFakeStore()
	store.entities[lockKey(model.EntityTransaction, "tx-1")] = true
	store.entities[lockKey(model.EntityTransaction, "tx-2")] = true
	store.attachDelay = 50 * time.Millisecond
	d, _, _ := newTestDispatcher(store)

	var wg sync.WaitGroup
	for _, id := range []string{"tx-1", "tx-2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := d.Execute(context.Background(), attachAction(id))
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(2), atomic.LoadInt32(&store.maxInFlight))
}

func TestCreateTaskForEntity(t *testing.T) {
	store := newFakeStore()
	store.entities[lockKey(model.EntityWorkspace, "ws-1")] = true
	d, bus, _ := newTestDispatcher(store)

	due := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	res, err := d.Execute(context.Background(), model.WorkflowAction{
		Kind: model.ActionCreateTask,
		Payload: model.ActionPayload{
			EntityType: model.EntityWorkspace,
			EntityID:   "ws-1",
			Title:      "Schedule inspection",
			DueAt:      &due,
		},
		RequestedBy: "session-2",
	})
	require.NoError(t, err)
	require.Len(t, store.tasks, 1)
	assert.Equal(t, "open", store.tasks[0].Status)
	assert.Equal(t, res.CreatedEntityID, store.tasks[0].ID)

	n, ok := bus.Get(res.NotificationID)
	require.True(t, ok)
	assert.Equal(t, model.NotifyTaskCreated, n.Type)
	assert.Equal(t, "ws-1", n.RelatedEntity.ID)
}
