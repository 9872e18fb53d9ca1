package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"realty-mail-engine/internal/auth"
	schedulerSvc "realty-mail-engine/internal/service/scheduler"
	"realty-mail-engine/internal/session"
)

// StartSync starts polling the session's connected mailbox
func (h *Handlers) StartSync(c *gin.Context) {
	sid := session.ID(c)

	if ok, _ := h.refresher.Status(c.Request.Context(), sid); !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   string(auth.KindReauthRequired),
			Message: "Connect a mailbox before starting sync",
			Code:    http.StatusUnauthorized,
		})
		return
	}

	if err := h.scheduler.Watch(sid); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "scheduler_error",
			Message: "Failed to start sync",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Sync started successfully",
		"status":  "running",
	})
}

// StopSync stops polling the session's mailbox
func (h *Handlers) StopSync(c *gin.Context) {
	h.scheduler.Unwatch(session.ID(c))

	c.JSON(http.StatusOK, gin.H{
		"message": "Sync stopped successfully",
		"status":  "stopped",
	})
}

// RunOnce polls the session's mailbox immediately
func (h *Handlers) RunOnce(c *gin.Context) {
	summary, err := h.scheduler.RunOnce(c.Request.Context(), session.ID(c))
	if err != nil {
		status, code := http.StatusInternalServerError, "scheduler_error"
		switch {
		case errors.Is(err, schedulerSvc.ErrNotWatching):
			status, code = http.StatusConflict, "not_watching"
		case errors.Is(err, auth.ErrReauthRequired):
			status, code = http.StatusUnauthorized, string(auth.KindReauthRequired)
		}
		c.JSON(status, ErrorResponse{
			Error:   code,
			Message: err.Error(),
			Code:    status,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Mailbox sync completed successfully",
		"summary": summary,
	})
}

// GetSyncStatus returns the session's polling state
func (h *Handlers) GetSyncStatus(c *gin.Context) {
	status := "stopped"
	if h.scheduler.IsRunning() {
		status = "running"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"session": h.scheduler.Status(session.ID(c)),
	})
}
