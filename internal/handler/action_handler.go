package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"realty-mail-engine/internal/model"
	"realty-mail-engine/internal/session"
	"realty-mail-engine/internal/workflow"
)

// ExecuteAction runs a user-authored workflow action through the dispatcher
func (h *Handlers) ExecuteAction(c *gin.Context) {
	var action model.WorkflowAction
	if err := c.ShouldBindJSON(&action); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body: "+err.Error())
		return
	}
	action.RequestedBy = session.ID(c)

	res, err := h.dispatcher.Execute(c.Request.Context(), action)
	if err != nil {
		respondWorkflowError(c, err)
		return
	}

	c.JSON(http.StatusCreated, res)
}

// GetEntities returns the transactions and workspaces the matcher reads
func (h *Handlers) GetEntities(c *gin.Context) {
	entities, err := h.repo.ListEntities(c.Request.Context())
	if err != nil {
		logrus.Errorf("Failed to list entities: %v", err)
		respondError(c, http.StatusInternalServerError, "database_error", "Failed to list entities: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"entities": entities})
}

// GetDocuments returns documents filed to one entity
func (h *Handlers) GetDocuments(c *gin.Context) {
	entityType := model.EntityType(c.Param("type"))
	if !entityType.Valid() {
		respondError(c, http.StatusBadRequest, "invalid_entity_type", "Unknown entity type: "+string(entityType))
		return
	}

	docs, err := h.repo.ListDocuments(c.Request.Context(), entityType, c.Param("id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "database_error", "Failed to list documents: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

// GetTasks returns tasks, optionally filtered by entity_type and entity_id
func (h *Handlers) GetTasks(c *gin.Context) {
	entityType := model.EntityType(c.Query("entity_type"))
	entityID := c.Query("entity_id")
	if entityID != "" && !entityType.Valid() {
		respondError(c, http.StatusBadRequest, "invalid_entity_type", "Unknown entity type: "+string(entityType))
		return
	}

	tasks, err := h.repo.ListTasks(c.Request.Context(), entityType, entityID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "database_error", "Failed to list tasks: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// respondWorkflowError maps a WorkflowError kind to a status code. A partial
// failure reports which step committed so the client can reconcile.
func respondWorkflowError(c *gin.Context, err error) {
	var wfErr *workflow.WorkflowError
	if !errors.As(err, &wfErr) {
		respondError(c, http.StatusInternalServerError, "workflow_error", "Workflow action failed: "+err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch wfErr.Kind {
	case workflow.KindValidationFailed:
		status = http.StatusBadRequest
	case workflow.KindStoreUnavailable:
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, WorkflowErrorResponse{
		Error:           string(wfErr.Kind),
		Message:         wfErr.Error(),
		Code:            status,
		SucceededStep:   wfErr.SucceededStep,
		FailedStep:      wfErr.FailedStep,
		CreatedEntityID: wfErr.CreatedEntityID,
	})
}
