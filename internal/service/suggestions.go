package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"realty-mail-engine/internal/model"
	"realty-mail-engine/internal/repository"
	"realty-mail-engine/internal/workflow"
)

var (
	ErrSuggestionNotFound = errors.New("suggestion not found")
	ErrSuggestionResolved = errors.New("suggestion already resolved")
)

// SuggestionStore persists review suggestions
type SuggestionStore interface {
	ListSuggestions(ctx context.Context, sessionID, status string) ([]model.Suggestion, error)
	GetSuggestion(ctx context.Context, id string) (*model.Suggestion, error)
	TransitionSuggestion(ctx context.Context, id, from, to string) (bool, error)
}

// Choice is the reviewer's decision on a suggestion: an existing entity, or
// the create-new proposal with optional overrides.
type Choice struct {
	EntityType model.EntityType `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	CreateNew  bool             `json:"create_new"`
	Kind       model.ActionKind `json:"kind"`
	Address    string           `json:"address"`
	Name       string           `json:"name"`
	Stage      string           `json:"stage"`
}

// Suggestions resolves pending suggestions. Each confirmation executes
// exactly one WorkflowAction.
type Suggestions struct {
	store SuggestionStore
	exec  Executor
}

func NewSuggestions(store SuggestionStore, exec Executor) *Suggestions {
	return &Suggestions{store: store, exec: exec}
}

func (s *Suggestions) List(ctx context.Context, sessionID, status string) ([]model.Suggestion, error) {
	return s.store.ListSuggestions(ctx, sessionID, status)
}

func (s *Suggestions) get(ctx context.Context, sessionID, id string) (*model.Suggestion, error) {
	sug, err := s.store.GetSuggestion(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSuggestionNotFound
	}
	if err != nil {
		return nil, err
	}
	if sug.SessionID != sessionID {
		return nil, ErrSuggestionNotFound
	}
	return sug, nil
}

// Confirm files the suggestion's attachment according to choice
func (s *Suggestions) Confirm(ctx context.Context, sessionID, id string, choice Choice) (*workflow.Result, error) {
	sug, err := s.get(ctx, sessionID, id)
	if err != nil {
		return nil, err
	}

	action, err := actionFor(sug, choice)
	if err != nil {
		return nil, err
	}
	action.RequestedBy = sessionID

	moved, err := s.store.TransitionSuggestion(ctx, id, model.SuggestionPending, model.SuggestionConfirmed)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, ErrSuggestionResolved
	}

	res, execErr := s.exec.Execute(ctx, action)
	if execErr == nil {
		return res, nil
	}

	next := model.SuggestionPending
	if errors.Is(execErr, workflow.ErrPartialFailure) {
		next = model.SuggestionPartial
	}
	if _, err := s.store.TransitionSuggestion(ctx, id, model.SuggestionConfirmed, next); err != nil {
		logrus.WithField("suggestion_id", id).Errorf("Failed to update suggestion after failed action: %v", err)
	}
	return res, execErr
}

// Dismiss closes a pending suggestion without any action
func (s *Suggestions) Dismiss(ctx context.Context, sessionID, id string) error {
	if _, err := s.get(ctx, sessionID, id); err != nil {
		return err
	}
	moved, err := s.store.TransitionSuggestion(ctx, id, model.SuggestionPending, model.SuggestionDismissed)
	if err != nil {
		return err
	}
	if !moved {
		return ErrSuggestionResolved
	}
	return nil
}

func actionFor(sug *model.Suggestion, choice Choice) (model.WorkflowAction, error) {
	action := model.WorkflowAction{
		SourceMessageID:    sug.MessageID,
		SourceAttachmentID: sug.AttachmentID,
		Payload: model.ActionPayload{
			FileName:     sug.FileName,
			MIMEType:     sug.MIMEType,
			SizeBytes:    sug.SizeBytes,
			DocumentType: sug.DocumentType,
		},
	}

	if !choice.CreateNew {
		if choice.EntityID == "" {
			return action, invalidChoice("entity_id or create_new is required")
		}
		action.Kind = model.ActionAttachDocument
		action.Payload.EntityType = choice.EntityType
		action.Payload.EntityID = choice.EntityID
		return action, nil
	}

	action.Kind = sug.Proposal.Kind
	if choice.Kind != "" {
		action.Kind = choice.Kind
	}
	action.Payload.Address = firstNonEmpty(choice.Address, sug.Proposal.Address)
	action.Payload.Name = firstNonEmpty(choice.Name, sug.Proposal.Name)
	action.Payload.Stage = firstNonEmpty(choice.Stage, sug.Proposal.Stage)
	if sug.Sender != "" {
		action.Payload.Contacts = []model.Contact{{Email: sug.Sender}}
	}

	switch action.Kind {
	case model.ActionCreateTransaction, model.ActionCreateWorkspace:
		return action, nil
	}
	return action, invalidChoice(fmt.Sprintf("cannot create a new entity with kind %q", action.Kind))
}

func invalidChoice(msg string) error {
	return &workflow.WorkflowError{Kind: workflow.KindValidationFailed, Message: msg}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
