package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/phamdk/lingocore/internal/intake"
	"github.com/phamdk/lingocore/internal/job"
)

// EdgeHandler serves the edge service, which has no in-process queue:
// it persists the record and hands the command to the orchestrator
// over the broker. Cancellation is therefore asynchronous here.
type EdgeHandler struct {
	store     job.Store
	publisher *intake.Publisher
	logger    *slog.Logger
}

// NewEdgeHandler wires the edge handler.
func NewEdgeHandler(store job.Store, publisher *intake.Publisher, logger *slog.Logger) *EdgeHandler {
	return &EdgeHandler{store: store, publisher: publisher, logger: logger}
}

// CreateJob handles POST /api/v1/jobs on the edge: create the record
// first, then announce it. If the publish fails the record stays
// queued and a later submit replay picks it up.
func (h *EdgeHandler) CreateJob(c *gin.Context) {
	actor, ok := CurrentActor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "authentication required"})
		return
	}

	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	j, err := buildJob(&req, actor)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	j.ID = uuid.NewString()
	j.Status = job.StatusQueued
	j.CreatedAt = time.Now().UTC()

	if err := h.store.Create(c.Request.Context(), j); err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to create job"})
		return
	}

	if err := h.publisher.Submit(c.Request.Context(), j.ID); err != nil {
		h.logger.Error("Failed to publish submit",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to enqueue job"})
		return
	}

	c.JSON(http.StatusCreated, jobResponse(j))
}

// GetJob handles GET /api/v1/jobs/:job_id against the shared store.
func (h *EdgeHandler) GetJob(c *gin.Context) {
	actor, ok := CurrentActor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "authentication required"})
		return
	}

	jobID := c.Param("job_id")
	j, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "job not found"})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to get job"})
		return
	}
	if !j.CanWatch(actor) {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "not allowed to view this job"})
		return
	}

	c.JSON(http.StatusOK, jobResponse(j))
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel on the edge. The
// orchestrator performs the authorization and state checks; the edge
// only verifies the job exists and forwards the request, so it
// answers 202.
func (h *EdgeHandler) CancelJob(c *gin.Context) {
	actor, ok := CurrentActor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "authentication required"})
		return
	}

	jobID := c.Param("job_id")
	if _, err := h.store.Get(c.Request.Context(), jobID); err != nil {
		if errors.Is(err, job.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "job not found"})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to get job"})
		return
	}

	if err := h.publisher.Cancel(c.Request.Context(), jobID, actor); err != nil {
		h.logger.Error("Failed to publish cancel",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to request cancellation"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": jobID,
		"status": "cancellation_requested",
	})
}
