package handler

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"realty-mail-engine/internal/model"
	"realty-mail-engine/internal/notify"
	"realty-mail-engine/internal/session"
)

// GetNotifications lists the session's notifications, newest first
func (h *Handlers) GetNotifications(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	notes := h.bus.List(notify.Filter{
		Recipient:  session.ID(c),
		Type:       c.Query("type"),
		UnreadOnly: c.Query("unread") == "true",
		Limit:      limit,
	})

	c.JSON(http.StatusOK, gin.H{"notifications": notes})
}

// AddNotification publishes a notification addressed to the session
func (h *Handlers) AddNotification(c *gin.Context) {
	var req NotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}

	n := h.bus.Publish(model.Notification{
		Recipient:     session.ID(c),
		Type:          req.Type,
		Title:         req.Title,
		Description:   req.Description,
		RelatedEntity: req.RelatedEntity,
		ActionURL:     req.ActionURL,
	})

	c.JSON(http.StatusCreated, n)
}

// MarkNotificationRead flags one of the session's notifications as read
func (h *Handlers) MarkNotificationRead(c *gin.Context) {
	id := c.Param("id")

	n, ok := h.bus.Get(id)
	if !ok || n.Recipient != session.ID(c) {
		respondError(c, http.StatusNotFound, "not_found", "Notification not found: "+id)
		return
	}
	if err := h.bus.MarkRead(id); err != nil {
		respondError(c, http.StatusNotFound, "not_found", "Notification not found: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Notification marked as read"})
}

// StreamNotifications pushes the session's new notifications as server-sent events
func (h *Handlers) StreamNotifications(c *gin.Context) {
	ch, cancel := h.bus.Subscribe(session.ID(c))
	defer cancel()

	c.Stream(func(w io.Writer) bool {
		select {
		case n, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(n.Type, n)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
