package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	PollCount         prometheus.Counter
	FetchedMessages   prometheus.Counter
	DuplicateMessages prometheus.Counter
	Classifications   *prometheus.CounterVec
	Matches           prometheus.Counter
	AutoApproved      prometheus.Counter
	WorkflowActions   *prometheus.CounterVec
	Refreshes         *prometheus.CounterVec
	AuthCallbacks     *prometheus.CounterVec
	ProcessingTime    prometheus.Histogram
	WatchedSessions   prometheus.Gauge
}

// NewMetrics creates new Prometheus metrics registered with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PollCount: f.NewCounter(prometheus.CounterOpts{
			Name: "realty_mail_engine_poll_count",
			Help: "Total number of mailbox poll operations",
		}),
		FetchedMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "realty_mail_engine_fetched_messages_total",
			Help: "Total number of messages returned by the provider",
		}),
		DuplicateMessages: f.NewCounter(prometheus.CounterOpts{
			Name: "realty_mail_engine_duplicate_messages_total",
			Help: "Total number of messages skipped because they were already processed",
		}),
		Classifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realty_mail_engine_classifications_total",
			Help: "Attachments classified, by document type",
		}, []string{"document_type"}),
		Matches: f.NewCounter(prometheus.CounterOpts{
			Name: "realty_mail_engine_match_count",
			Help: "Total number of attachments with at least one match candidate",
		}),
		AutoApproved: f.NewCounter(prometheus.CounterOpts{
			Name: "realty_mail_engine_auto_approved_total",
			Help: "Total number of attachments filed without review",
		}),
		WorkflowActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realty_mail_engine_workflow_actions_total",
			Help: "Workflow actions executed, by kind and result",
		}, []string{"kind", "result"}),
		Refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realty_mail_engine_credential_refreshes_total",
			Help: "Credential refresh attempts, by result",
		}, []string{"result"}),
		AuthCallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "realty_mail_engine_auth_callbacks_total",
			Help: "Authorization callbacks handled, by result",
		}, []string{"result"}),
		ProcessingTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "realty_mail_engine_processing_duration_seconds",
			Help:    "Time spent processing a fetched batch",
			Buckets: prometheus.DefBuckets,
		}),
		WatchedSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "realty_mail_engine_watched_sessions",
			Help: "Number of sessions with an active polling schedule",
		}),
	}
}

func (m *Metrics) ObservePoll(fetched int) {
	if m == nil {
		return
	}
	m.PollCount.Inc()
	m.FetchedMessages.Add(float64(fetched))
}

func (m *Metrics) ObserveDuplicate() {
	if m == nil {
		return
	}
	m.DuplicateMessages.Inc()
}

func (m *Metrics) ObserveClassification(documentType string) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(documentType).Inc()
}

func (m *Metrics) ObserveMatch() {
	if m == nil {
		return
	}
	m.Matches.Inc()
}

func (m *Metrics) ObserveAutoApproved() {
	if m == nil {
		return
	}
	m.AutoApproved.Inc()
}

func (m *Metrics) ObserveAction(kind, result string) {
	if m == nil {
		return
	}
	m.WorkflowActions.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveRefresh(result string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveCallback(result string) {
	if m == nil {
		return
	}
	m.AuthCallbacks.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveProcessing(d time.Duration) {
	if m == nil {
		return
	}
	m.ProcessingTime.Observe(d.Seconds())
}

func (m *Metrics) SetWatched(n int) {
	if m == nil {
		return
	}
	m.WatchedSessions.Set(float64(n))
}
