package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"realty-mail-engine/internal/auth"
	"realty-mail-engine/internal/model"
	service "realty-mail-engine/internal/service"
)

// ErrNotWatching is returned for sessions without a connected mailbox
var ErrNotWatching = errors.New("session is not being polled")

// poll fetches from the session's cursor and processes the batch. The cursor
// only advances once the batch has been handed to the processor.
func (s *Scheduler) poll(ctx context.Context, w *watch) (service.Summary, error) {
	w.run.Lock()
	defer w.run.Unlock()

	s.wg.Add(1)
	defer s.wg.Done()

	log := logrus.WithField("session_id", w.sessionID)
	log.Info("Starting mailbox poll")
	startTime := time.Now()

	w.mu.RLock()
	cursor := w.cursor
	w.mu.RUnlock()

	batch, err := s.fetcher.FetchRecent(ctx, w.sessionID, cursor)
	if err != nil {
		if errors.Is(err, auth.ErrReauthRequired) {
			log.Warnf("Mailbox needs reauthorization, stopping polls: %v", err)
			s.publishReauth(w.sessionID)
			s.Unwatch(w.sessionID)
		}
		s.record(w, cursor, service.Summary{}, err)
		return service.Summary{}, fmt.Errorf("failed to fetch messages: %w", err)
	}

	log.Infof("Fetched %d new messages", len(batch.Messages))

	summary, err := s.processor.Process(ctx, w.sessionID, batch.Mailbox, batch.Messages)
	if err != nil {
		s.record(w, cursor, summary, err)
		return summary, fmt.Errorf("failed to process messages: %w", err)
	}

	s.record(w, batch.NextSinceToken, summary, nil)
	log.Infof("Mailbox poll completed in %v", time.Since(startTime))
	return summary, nil
}

func (s *Scheduler) record(w *watch, cursor string, summary service.Summary, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cursor = cursor
	w.lastRun = time.Now()
	w.lastSummary = summary
	w.lastError = ""
	if err != nil {
		w.lastError = err.Error()
	}
}

func (s *Scheduler) publishReauth(sessionID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(model.Notification{
		Recipient:   sessionID,
		Type:        model.NotifyReauthRequired,
		Title:       "Reconnect your mailbox",
		Description: "Access to your mailbox expired or was revoked. Connect it again to resume email automation.",
		ActionURL:   "/authorize-start",
	})
}
