// Package service turns fetched messages into workflow actions and review
// suggestions.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"realty-mail-engine/internal/config"
	metricsPkg "realty-mail-engine/internal/metrics"
	"realty-mail-engine/internal/model"
	"realty-mail-engine/internal/workflow"
)

// Store is the persistence the pipeline needs
type Store interface {
	ClaimMessage(ctx context.Context, mailbox, messageID string) (bool, error)
	CreateSuggestion(ctx context.Context, s *model.Suggestion) error
}

// Classifier labels an attachment and never fails
type Classifier interface {
	Classify(ctx context.Context, msg model.EmailMessage, att model.Attachment) model.Classification
}

// Matcher ranks candidate entities and proposes a new one
type Matcher interface {
	MatchAttachment(ctx context.Context, msg model.EmailMessage, att model.Attachment, c model.Classification) ([]model.MatchCandidate, error)
	ProposeNew(msg model.EmailMessage, att model.Attachment, c model.Classification) model.NewEntityProposal
}

// Executor runs workflow actions
type Executor interface {
	Execute(ctx context.Context, action model.WorkflowAction) (*workflow.Result, error)
}

// Publisher accepts notifications
type Publisher interface {
	Publish(n model.Notification) model.Notification
}

// Summary counts what one Process call did
type Summary struct {
	Messages     int `json:"messages"`
	Duplicates   int `json:"duplicates"`
	Attachments  int `json:"attachments"`
	AutoApproved int `json:"auto_approved"`
	Suggested    int `json:"suggested"`
	Failed       int `json:"failed"`
}

func (s *Summary) add(o Summary) {
	s.Messages += o.Messages
	s.Duplicates += o.Duplicates
	s.Attachments += o.Attachments
	s.AutoApproved += o.AutoApproved
	s.Suggested += o.Suggested
	s.Failed += o.Failed
}

// Pipeline processes fetched messages. Messages run in parallel up to the
// worker limit; each message is handled at most once per mailbox.
type Pipeline struct {
	store      Store
	classifier Classifier
	matcher    Matcher
	exec       Executor
	bus        Publisher
	metrics    *metricsPkg.Metrics
	matching   config.MatchingConfig
	followUps  map[string]string
	workers    int
	newID      func() string
	now        func() time.Time
}

// NewPipeline creates a Pipeline
func NewPipeline(store Store, classifier Classifier, matcher Matcher, exec Executor, bus Publisher, cfg *config.Config, metrics *metricsPkg.Metrics) *Pipeline {
	workers := cfg.Scheduler.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Pipeline{
		store:      store,
		classifier: classifier,
		matcher:    matcher,
		exec:       exec,
		bus:        bus,
		metrics:    metrics,
		matching:   cfg.Matching,
		followUps:  cfg.Workflow.FollowUpTasks,
		workers:    workers,
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// Process handles a batch of messages for a session's mailbox. It returns an
// error only when the processed-message ledger is unreachable.
func (p *Pipeline) Process(ctx context.Context, sessionID, mailbox string, msgs []model.EmailMessage) (Summary, error) {
	var (
		mu      sync.Mutex
		summary Summary
		g       errgroup.Group
	)
	g.SetLimit(p.workers)

	for _, msg := range msgs {
		msg := msg
		g.Go(func() error {
			res, err := p.processMessage(ctx, sessionID, mailbox, msg)
			mu.Lock()
			summary.add(res)
			mu.Unlock()
			return err
		})
	}

	err := g.Wait()
	logrus.WithFields(logrus.Fields{
		"session_id":    sessionID,
		"messages":      summary.Messages,
		"duplicates":    summary.Duplicates,
		"auto_approved": summary.AutoApproved,
		"suggested":     summary.Suggested,
		"failed":        summary.Failed,
	}).Info("Processed message batch")
	return summary, err
}

func (p *Pipeline) processMessage(ctx context.Context, sessionID, mailbox string, msg model.EmailMessage) (Summary, error) {
	var res Summary

	claimed, err := p.store.ClaimMessage(ctx, mailbox, msg.ID)
	if err != nil {
		return res, fmt.Errorf("failed to claim message %s: %w", msg.ID, err)
	}
	if !claimed {
		logrus.WithField("message_id", msg.ID).Debug("Message already processed, skipping")
		p.metrics.ObserveDuplicate()
		res.Duplicates++
		return res, nil
	}

	start := time.Now()
	res.Messages++
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		c := p.classifier.Classify(ctx, msg, *att)
		att.Apply(c)
		p.metrics.ObserveClassification(string(c.DocumentType))

		res.Attachments++
		switch p.handleAttachment(ctx, sessionID, mailbox, msg, *att, c) {
		case outcomeAutoApproved:
			res.AutoApproved++
		case outcomeSuggested:
			res.Suggested++
		default:
			res.Failed++
		}
	}
	p.metrics.ObserveProcessing(time.Since(start))
	return res, nil
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeAutoApproved
	outcomeSuggested
)

func (p *Pipeline) handleAttachment(ctx context.Context, sessionID, mailbox string, msg model.EmailMessage, att model.Attachment, c model.Classification) outcome {
	log := logrus.WithFields(logrus.Fields{
		"message_id":    msg.ID,
		"attachment_id": att.ID,
		"document_type": c.DocumentType,
	})

	candidates, err := p.matcher.MatchAttachment(ctx, msg, att, c)
	if err != nil {
		log.Warnf("Matching unavailable, offering create-new only: %v", err)
	}
	p.metrics.ObserveMatch()
	proposal := p.matcher.ProposeNew(msg, att, c)

	if p.autoApprove(candidates, c) {
		top := candidates[0]
		action := attachAction(sessionID, msg, att, top.EntityType, top.EntityID)
		_, err := p.exec.Execute(ctx, action)
		if err == nil {
			p.metrics.ObserveAutoApproved()
			p.followUp(ctx, sessionID, msg, c, top)
			log.WithField("entity_id", top.EntityID).Info("Attachment auto-approved")
			return outcomeAutoApproved
		}
		log.Warnf("Auto-approval failed, falling back to review: %v", err)
		p.publishFailure(sessionID, msg, att, err)
	}

	sug := &model.Suggestion{
		ID:           p.newID(),
		SessionID:    sessionID,
		Mailbox:      mailbox,
		MessageID:    msg.ID,
		Subject:      msg.Subject,
		Sender:       msg.From.Email,
		AttachmentID: att.ID,
		FileName:     att.FileName,
		MIMEType:     att.MIMEType,
		SizeBytes:    att.SizeBytes,
		DocumentType: c.DocumentType,
		Confidence:   c.Confidence,
		Candidates:   candidates,
		Proposal:     proposal,
		Status:       model.SuggestionPending,
		CreatedAt:    p.now(),
	}
	if err := p.store.CreateSuggestion(ctx, sug); err != nil {
		log.Errorf("Failed to store suggestion: %v", err)
		p.publishFailure(sessionID, msg, att, err)
		return outcomeFailed
	}

	description := fmt.Sprintf("%s from %s needs review", att.FileName, msg.From.Email)
	if len(candidates) > 0 {
		description += fmt.Sprintf("; best match %s (%.2f)", candidates[0].Label, candidates[0].Score)
	}
	p.publish(model.Notification{
		Recipient:   sessionID,
		Type:        model.NotifyReviewRequired,
		Title:       "Attachment needs review",
		Description: description,
		ActionURL:   "/suggestions/" + sug.ID,
	})
	return outcomeSuggested
}

// autoApprove requires a confident classification and a clear top candidate
func (p *Pipeline) autoApprove(candidates []model.MatchCandidate, c model.Classification) bool {
	if len(candidates) == 0 || c.DocumentType == model.DocUnknown {
		return false
	}
	if c.Confidence < p.matching.AutoApproveConfidence || candidates[0].Score < p.matching.AutoApproveScore {
		return false
	}
	return len(candidates) == 1 || candidates[1].Score < candidates[0].Score
}

func (p *Pipeline) followUp(ctx context.Context, sessionID string, msg model.EmailMessage, c model.Classification, target model.MatchCandidate) {
	title, ok := p.followUps[string(c.DocumentType)]
	if !ok || title == "" {
		return
	}

	_, err := p.exec.Execute(ctx, model.WorkflowAction{
		Kind: model.ActionCreateTask,
		Payload: model.ActionPayload{
			EntityType:  target.EntityType,
			EntityID:    target.EntityID,
			Title:       title,
			Description: fmt.Sprintf("Received %s from %s: %s", c.DocumentType, msg.From.Email, msg.Subject),
		},
		SourceMessageID: msg.ID,
		RequestedBy:     sessionID,
	})
	if err != nil {
		logrus.WithField("message_id", msg.ID).Warnf("Failed to create follow-up task: %v", err)
	}
}

func attachAction(sessionID string, msg model.EmailMessage, att model.Attachment, t model.EntityType, id string) model.WorkflowAction {
	return model.WorkflowAction{
		Kind: model.ActionAttachDocument,
		Payload: model.ActionPayload{
			EntityType:   t,
			EntityID:     id,
			FileName:     att.FileName,
			MIMEType:     att.MIMEType,
			SizeBytes:    att.SizeBytes,
			DocumentType: att.DocumentType,
		},
		SourceMessageID:    msg.ID,
		SourceAttachmentID: att.ID,
		RequestedBy:        sessionID,
	}
}

func (p *Pipeline) publishFailure(sessionID string, msg model.EmailMessage, att model.Attachment, err error) {
	p.publish(model.Notification{
		Recipient:   sessionID,
		Type:        model.NotifyWorkflowFailed,
		Title:       "Could not file attachment",
		Description: fmt.Sprintf("%s from %s: %v", att.FileName, msg.From.Email, err),
	})
}

func (p *Pipeline) publish(n model.Notification) {
	if p.bus != nil {
		p.bus.Publish(n)
	}
}
