package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"realty-mail-engine/internal/config"
	"realty-mail-engine/internal/ingest"
	metricsPkg "realty-mail-engine/internal/metrics"
	"realty-mail-engine/internal/model"
	service "realty-mail-engine/internal/service"
)

// Fetcher reads a session's mailbox from a cursor
type Fetcher interface {
	FetchRecent(ctx context.Context, sessionID, sinceToken string) (*ingest.Batch, error)
}

// Processor handles fetched messages
type Processor interface {
	Process(ctx context.Context, sessionID, mailbox string, msgs []model.EmailMessage) (service.Summary, error)
}

// Publisher accepts notifications
type Publisher interface {
	Publish(n model.Notification) model.Notification
}

// watch is one connected session being polled
type watch struct {
	sessionID string
	entryID   cron.EntryID
	ctx       context.Context
	cancel    context.CancelFunc

	// run serializes polls of the same mailbox
	run         sync.Mutex
	mu          sync.RWMutex
	cursor      string
	lastRun     time.Time
	lastError   string
	lastSummary service.Summary
}

// WatchStatus describes a session's polling state
type WatchStatus struct {
	SessionID   string          `json:"-"`
	Watching    bool            `json:"watching"`
	Cursor      string          `json:"cursor,omitempty"`
	LastRun     time.Time       `json:"last_run"`
	NextRun     time.Time       `json:"next_run"`
	LastError   string          `json:"last_error,omitempty"`
	LastSummary service.Summary `json:"last_summary"`
}

// Scheduler polls every watched session's mailbox on a cron schedule
type Scheduler struct {
	cron      *cron.Cron
	config    *config.SchedulerConfig
	fetcher   Fetcher
	processor Processor
	bus       Publisher
	metrics   *metricsPkg.Metrics
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	watches   map[string]*watch
	mu        sync.RWMutex
}

// New creates a new scheduler
func New(cfg *config.SchedulerConfig, fetcher Fetcher, processor Processor, bus Publisher, metrics *metricsPkg.Metrics) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:      cron.New(),
		config:    cfg,
		fetcher:   fetcher,
		processor: processor,
		bus:       bus,
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
		watches:   make(map[string]*watch),
	}
}

func (s *Scheduler) cronSpec() string {
	interval := s.config.IntervalMinutes
	if interval <= 0 {
		interval = 5
	}
	return fmt.Sprintf("@every %dm", interval)
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		for _, w := range s.watches {
			w.ctx, w.cancel = context.WithCancel(s.ctx)
		}
	}

	s.cron.Start()
	s.isRunning = true

	logrus.Infof("Scheduler started with interval: %d minutes", s.config.IntervalMinutes)
	return nil
}

// Stop stops the scheduler and cancels in-flight polls. Watches are kept and
// resume on the next Start.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	s.cancel()

	ctx := s.cron.Stop()

	select {
	case <-ctx.Done():
		logrus.Info("Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Scheduler stop timeout, forcing shutdown")
	}

	s.isRunning = false
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Watch starts polling a session's mailbox. Watching an already watched
// session is a no-op.
func (s *Scheduler) Watch(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.watches[sessionID]; ok {
		return nil
	}

	w := &watch{sessionID: sessionID}
	w.ctx, w.cancel = context.WithCancel(s.ctx)

	entryID, err := s.cron.AddFunc(s.cronSpec(), func() {
		if w.ctx.Err() != nil {
			return
		}
		if _, err := s.poll(w.ctx, w); err != nil {
			logrus.WithField("session_id", sessionID).Errorf("Scheduled poll failed: %v", err)
		}
	})
	if err != nil {
		w.cancel()
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	w.entryID = entryID

	s.watches[sessionID] = w
	s.metrics.SetWatched(len(s.watches))
	logrus.WithField("session_id", sessionID).Info("Started polling mailbox")
	return nil
}

// Unwatch stops polling a session. In-flight polls are cancelled and the
// session's credential is not used again.
func (s *Scheduler) Unwatch(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.watches[sessionID]
	if !ok {
		return
	}
	s.cron.Remove(w.entryID)
	w.cancel()
	delete(s.watches, sessionID)

	s.metrics.SetWatched(len(s.watches))
	logrus.WithField("session_id", sessionID).Info("Stopped polling mailbox")
}

// Count returns the number of watched sessions
func (s *Scheduler) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watches)
}

// RunOnce polls a watched session immediately (for manual triggering)
func (s *Scheduler) RunOnce(ctx context.Context, sessionID string) (service.Summary, error) {
	s.mu.RLock()
	w, ok := s.watches[sessionID]
	s.mu.RUnlock()
	if !ok {
		return service.Summary{}, ErrNotWatching
	}

	logrus.WithField("session_id", sessionID).Info("Running mailbox poll once")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(w.ctx, cancel)
	defer stop()

	return s.poll(ctx, w)
}

// Status returns the polling state of a session
func (s *Scheduler) Status(sessionID string) WatchStatus {
	s.mu.RLock()
	w, ok := s.watches[sessionID]
	running := s.isRunning
	s.mu.RUnlock()

	st := WatchStatus{SessionID: sessionID}
	if !ok {
		return st
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	st.Watching = true
	st.Cursor = w.cursor
	st.LastRun = w.lastRun
	st.LastError = w.lastError
	st.LastSummary = w.lastSummary
	if running {
		st.NextRun = s.cron.Entry(w.entryID).Next
	}
	return st
}

// Wait waits for in-flight polls to finish
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
