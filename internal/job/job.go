// Package job defines the job domain model shared by the queue, the worker
// pool and the realtime gateway: job types, priorities, the status machine,
// and the Store contract used to persist job records.
package job

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of work a job carries.
type Type string

const (
	TypeDocumentProcessing Type = "document_processing"
	TypeTranslation        Type = "translation"
	TypeBatchTranslation   Type = "batch_translation"
)

// Valid reports whether t is a known job type.
func (t Type) Valid() bool {
	switch t {
	case TypeDocumentProcessing, TypeTranslation, TypeBatchTranslation:
		return true
	}
	return false
}

// Priority orders jobs within the queue. Higher values are dispatched first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityNormal:   "normal",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

var prioritiesByName = map[string]Priority{
	"low":      PriorityLow,
	"normal":   PriorityNormal,
	"high":     PriorityHigh,
	"critical": PriorityCritical,
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "normal"
}

// ParsePriority maps a wire name to a Priority. Unknown names fall back
// to normal so a sloppy client never blocks submission.
func ParsePriority(name string) Priority {
	if p, ok := prioritiesByName[name]; ok {
		return p
	}
	return PriorityNormal
}

// MarshalJSON renders the priority by name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts a priority name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*p = ParsePriority(name)
	return nil
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs are
// immutable; no transition leaves a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the status machine permits from → to.
// The only backward edge is processing → queued, taken on retry.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusCancelled || to == StatusFailed
	case StatusProcessing:
		return to == StatusQueued || to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}

// Job is a single unit of translation or document-processing work.
// The queue owns scheduling state, the worker pool owns progress and
// the terminal result; payload and ownership fields are written once
// at submission and never mutated by this core.
type Job struct {
	ID          string          `json:"id" db:"job_id"`
	Type        Type            `json:"type" db:"job_type"`
	Priority    Priority        `json:"priority" db:"priority"`
	Status      Status          `json:"status" db:"status"`
	OwnerID     string          `json:"owner_id" db:"owner_id"`
	OrgID       string          `json:"org_id,omitempty" db:"org_id"`
	Payload     json.RawMessage `json:"payload,omitempty" db:"payload"`
	Progress    int             `json:"progress" db:"progress"`
	CurrentStep int             `json:"current_step,omitempty" db:"current_step"`
	TotalSteps  int             `json:"total_steps,omitempty" db:"total_steps"`
	Result      json.RawMessage `json:"result,omitempty" db:"result"`
	Error       string          `json:"error,omitempty" db:"error"`
	Attempts    int             `json:"attempts" db:"attempts"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// Clone returns a deep enough copy for handing across component
// boundaries without sharing mutable state.
func (j *Job) Clone() *Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Snapshot is the point-in-time view of a job streamed to subscribers.
// It is also replayed to a connection immediately on subscribe so late
// subscribers never miss the current state.
type Snapshot struct {
	JobID       string          `json:"job_id"`
	Type        Type            `json:"type"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	CurrentStep int             `json:"current_step,omitempty"`
	TotalSteps  int             `json:"total_steps,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Snapshot captures the job's current observable state.
func (j *Job) Snapshot() Snapshot {
	return Snapshot{
		JobID:       j.ID,
		Type:        j.Type,
		Status:      j.Status,
		Progress:    j.Progress,
		CurrentStep: j.CurrentStep,
		TotalSteps:  j.TotalSteps,
		Result:      j.Result,
		Error:       j.Error,
		Attempts:    j.Attempts,
		Timestamp:   time.Now().UTC(),
	}
}

// Actor is the identity performing an operation against a job.
type Actor struct {
	UserID   string
	OrgID    string
	OrgAdmin bool
}

// CanWatch reports whether the actor may subscribe to the job's room:
// the owner, or any member of the job's organization.
func (j *Job) CanWatch(a Actor) bool {
	if a.UserID != "" && a.UserID == j.OwnerID {
		return true
	}
	return j.OrgID != "" && a.OrgID == j.OrgID
}

// CanCancel reports whether the actor may cancel the job: the owner,
// or an org admin within the job's organization.
func (j *Job) CanCancel(a Actor) bool {
	if a.UserID != "" && a.UserID == j.OwnerID {
		return true
	}
	return a.OrgAdmin && j.OrgID != "" && a.OrgID == j.OrgID
}
