// Package api exposes the HTTP surface: the orchestrator's
// queue-backed endpoints and the edge service's store-and-publish
// endpoints, sharing DTOs, auth middleware, and routing.
package api

import (
	"encoding/json"
	"time"

	"github.com/phamdk/lingocore/internal/job"
)

// CreateJobRequest is the body of POST /api/v1/jobs.
type CreateJobRequest struct {
	JobType  string          `json:"job_type" binding:"required"`
	Priority string          `json:"priority"`
	Payload  json.RawMessage `json:"payload" binding:"required"`
}

// JobResponse is the detailed job view returned by create and get.
type JobResponse struct {
	JobID       string          `json:"job_id"`
	JobType     string          `json:"job_type"`
	Priority    string          `json:"priority"`
	Status      string          `json:"status"`
	OwnerID     string          `json:"owner_id"`
	OrgID       string          `json:"org_id,omitempty"`
	Progress    int             `json:"progress"`
	CurrentStep int             `json:"current_step,omitempty"`
	TotalSteps  int             `json:"total_steps,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func jobResponse(j *job.Job) JobResponse {
	return JobResponse{
		JobID:       j.ID,
		JobType:     string(j.Type),
		Priority:    j.Priority.String(),
		Status:      string(j.Status),
		OwnerID:     j.OwnerID,
		OrgID:       j.OrgID,
		Progress:    j.Progress,
		CurrentStep: j.CurrentStep,
		TotalSteps:  j.TotalSteps,
		Result:      j.Result,
		Error:       j.Error,
		Attempts:    j.Attempts,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

// StatsResponse is GET /api/v1/stats.
type StatsResponse struct {
	Queued      int `json:"queued"`
	Processing  int `json:"processing"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
