package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"realty-mail-engine/internal/model"
	"realty-mail-engine/internal/service"
	"realty-mail-engine/internal/session"
)

// GetSuggestions lists the session's suggestions, pending by default
func (h *Handlers) GetSuggestions(c *gin.Context) {
	status := c.DefaultQuery("status", model.SuggestionPending)
	if status == "all" {
		status = ""
	}

	suggestions, err := h.suggestions.List(c.Request.Context(), session.ID(c), status)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "database_error", "Failed to list suggestions: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"suggestions": suggestions})
}

// ConfirmSuggestion files the attachment to the chosen entity or creates a new one
func (h *Handlers) ConfirmSuggestion(c *gin.Context) {
	var choice service.Choice
	if err := c.ShouldBindJSON(&choice); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}

	res, err := h.suggestions.Confirm(c.Request.Context(), session.ID(c), c.Param("id"), choice)
	if err != nil {
		respondSuggestionError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// DismissSuggestion closes a suggestion without filing anything
func (h *Handlers) DismissSuggestion(c *gin.Context) {
	if err := h.suggestions.Dismiss(c.Request.Context(), session.ID(c), c.Param("id")); err != nil {
		respondSuggestionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Suggestion dismissed"})
}

func respondSuggestionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrSuggestionNotFound):
		respondError(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, service.ErrSuggestionResolved):
		respondError(c, http.StatusConflict, "conflict", err.Error())
	default:
		respondWorkflowError(c, err)
	}
}
