package job

import (
	"context"
	"encoding/json"
	"time"
)

// Patch is the restricted set of fields the core may update on a
// persisted job. Payload and ownership are written once at creation and
// never patched. Nil fields are left untouched.
type Patch struct {
	Status      *Status
	Progress    *int
	CurrentStep *int
	TotalSteps  *int
	Result      json.RawMessage
	Error       *string
	Attempts    *int
	StartedAt   *time.Time
	CompletedAt *time.Time

	// ClearStartedAt nulls the start timestamp when a job goes back to
	// queued. Ignored when StartedAt is also set.
	ClearStartedAt bool
}

// Store is the durable job record table. Adapters live in
// internal/jobstore; the queue is the only writer once a job is
// scheduled.
type Store interface {
	// Get returns the job by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// Create persists a new job. Returns ErrAlreadyExists when the id
	// is already taken.
	Create(ctx context.Context, j *Job) error

	// Update applies a partial update to an existing job. Returns
	// ErrNotFound when the id is unknown.
	Update(ctx context.Context, id string, p Patch) error
}

// Helpers for building patches without taking addresses of temporaries
// at every call site.

func StatusPtr(s Status) *Status     { return &s }
func IntPtr(i int) *int              { return &i }
func StringPtr(s string) *string     { return &s }
func TimePtr(t time.Time) *time.Time { return &t }
