package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/phamdk/lingocore/internal/gateway"
	"github.com/phamdk/lingocore/internal/job"
	"github.com/phamdk/lingocore/internal/queue"
)

// JobHandler serves the orchestrator's queue-backed endpoints.
type JobHandler struct {
	queue    *queue.Queue
	store    job.Store
	registry *gateway.Registry
	rooms    *gateway.Rooms
	logger   *slog.Logger
}

// NewJobHandler wires the orchestrator handler.
func NewJobHandler(q *queue.Queue, store job.Store, registry *gateway.Registry, rooms *gateway.Rooms, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		queue:    q,
		store:    store,
		registry: registry,
		rooms:    rooms,
		logger:   logger,
	}
}

// CreateJob handles POST /api/v1/jobs: persist and schedule in one
// call, owned by the authenticated caller.
func (h *JobHandler) CreateJob(c *gin.Context) {
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

	id, err := h.queue.Submit(c.Request.Context(), j)
	if err != nil {
		h.logger.Error("Failed to submit job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to submit job"})
		return
	}

	created, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to load submitted job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to load job"})
		return
	}

	c.JSON(http.StatusCreated, jobResponse(created))
}

// GetJob handles GET /api/v1/jobs/:job_id. Visibility follows the
// same rule as room subscriptions: owner or organization member.
func (h *JobHandler) GetJob(c *gin.Context) {
	actor, ok := CurrentActor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "authentication required"})
		return
	}

	jobID := c.Param("job_id")
	j, err := h.store.Get(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, jobID, err)
		return
	}
	if !j.CanWatch(actor) {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "not allowed to view this job"})
		return
	}

	c.JSON(http.StatusOK, jobResponse(j))
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel. Cancelling a
// terminal job succeeds without changing anything.
func (h *JobHandler) CancelJob(c *gin.Context) {
	actor, ok := CurrentActor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "authentication required"})
		return
	}

	jobID := c.Param("job_id")
	if err := h.queue.Cancel(c.Request.Context(), jobID, actor); err != nil {
		h.writeError(c, jobID, err)
		return
	}

	snap, err := h.queue.Status(c.Request.Context(), jobID)
	if err != nil {
		h.writeError(c, jobID, err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

// Stats handles GET /api/v1/stats.
func (h *JobHandler) Stats(c *gin.Context) {
	s := h.queue.Stats()
	c.JSON(http.StatusOK, StatsResponse{
		Queued:      s.Queued,
		Processing:  s.Processing,
		Completed:   s.Completed,
		Failed:      s.Failed,
		Cancelled:   s.Cancelled,
		Connections: h.registry.Count(),
		Rooms:       h.rooms.RoomCount(),
	})
}

func (h *JobHandler) writeError(c *gin.Context, jobID string, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "job not found"})
	case errors.Is(err, job.ErrForbidden):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "not allowed"})
	default:
		h.logger.Error("Request failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

// buildJob validates the request and stamps ownership from the actor.
func buildJob(req *CreateJobRequest, actor job.Actor) (*job.Job, error) {
	t := job.Type(req.JobType)
	if !t.Valid() {
		return nil, errors.New("unknown job_type")
	}

	return &job.Job{
		Type:     t,
		Priority: job.ParsePriority(req.Priority),
		OwnerID:  actor.UserID,
		OrgID:    actor.OrgID,
		Payload:  req.Payload,
	}, nil
}
