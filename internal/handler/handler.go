package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"realty-mail-engine/internal/auth"
	"realty-mail-engine/internal/config"
	metricsPkg "realty-mail-engine/internal/metrics"
	"realty-mail-engine/internal/notify"
	"realty-mail-engine/internal/repository"
	"realty-mail-engine/internal/service"
	schedulerSvc "realty-mail-engine/internal/service/scheduler"
	"realty-mail-engine/internal/session"
	"realty-mail-engine/internal/workflow"
)

// Dependencies are the components the HTTP surface drives
type Dependencies struct {
	Config      *config.Config
	Auth        *auth.Controller
	Refresher   *auth.Refresher
	Bus         *notify.Bus
	Suggestions *service.Suggestions
	Dispatcher  *workflow.Dispatcher
	Repo        *repository.Repository
	Scheduler   *schedulerSvc.Scheduler
	Sessions    *session.Manager
	Metrics     *metricsPkg.Metrics
	Gatherer    prometheus.Gatherer
}

// Handlers contains all HTTP handlers
type Handlers struct {
	cfg         *config.Config
	auth        *auth.Controller
	refresher   *auth.Refresher
	bus         *notify.Bus
	suggestions *service.Suggestions
	dispatcher  *workflow.Dispatcher
	repo        *repository.Repository
	scheduler   *schedulerSvc.Scheduler
	sessions    *session.Manager
	metrics     *metricsPkg.Metrics
	gatherer    prometheus.Gatherer
}

// NewHandlers creates new HTTP handlers
func NewHandlers(d Dependencies) *Handlers {
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handlers{
		cfg:         d.Config,
		auth:        d.Auth,
		refresher:   d.Refresher,
		bus:         d.Bus,
		suggestions: d.Suggestions,
		dispatcher:  d.Dispatcher,
		repo:        d.Repo,
		scheduler:   d.Scheduler,
		sessions:    d.Sessions,
		metrics:     d.Metrics,
		gatherer:    gatherer,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	sessioned := router.Group("/", h.sessions.Middleware())
	{
		sessioned.GET("/authorize-start", h.AuthorizeStart)
		sessioned.GET("/callback", h.Callback)
		sessioned.GET("/auth-status", h.AuthStatus)
		sessioned.POST("/disconnect", h.Disconnect)
	}

	api := router.Group("/api/v1", h.sessions.Middleware())
	{
		api.GET("/notifications", h.GetNotifications)
		api.POST("/notifications", h.AddNotification)
		api.POST("/notifications/:id/read", h.MarkNotificationRead)
		api.GET("/notifications/stream", h.StreamNotifications)

		api.GET("/suggestions", h.GetSuggestions)
		api.POST("/suggestions/:id/confirm", h.ConfirmSuggestion)
		api.POST("/suggestions/:id/dismiss", h.DismissSuggestion)

		api.POST("/actions", h.ExecuteAction)
		api.GET("/entities", h.GetEntities)
		api.GET("/entities/:type/:id/documents", h.GetDocuments)
		api.GET("/tasks", h.GetTasks)

		api.GET("/logs", h.GetLogs)

		api.POST("/sync/start", h.StartSync)
		api.POST("/sync/stop", h.StopSync)
		api.POST("/sync/run-once", h.RunOnce)
		api.GET("/sync/status", h.GetSyncStatus)
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Database:  "ok",
		Metrics:   make(map[string]string),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := h.repo.Ping(ctx); err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	if h.scheduler.IsRunning() {
		response.Scheduler = "running"
	} else {
		response.Scheduler = "stopped"
	}
	response.WatchedSessions = h.scheduler.Count()

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{
		Error:   code,
		Message: message,
		Code:    status,
	})
}
