// Package worker executes jobs pulled from the priority queue: a
// bounded pool of goroutines, a handler registry keyed by job type, and
// a progress reporter that doubles as the cooperative cancellation
// checkpoint.
package worker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/phamdk/lingocore/internal/job"
)

// Reporter is handed to handlers for progress checkpoints. Every call
// persists progress, extends the job's lease and streams the event to
// subscribers; it returns job.ErrCancelled once a cancellation request
// arrived, at which point the handler must abort and release partial
// resources.
type Reporter interface {
	Progress(ctx context.Context, progress, step int) error

	// SetTotalSteps records the step count once the handler has parsed
	// its payload.
	SetTotalSteps(ctx context.Context, total int) error
}

// Handler executes one job. It must call Reporter.Progress at
// meaningful checkpoints and honor its cancellation result. Wrap
// retryable failures with job.Transient; everything else is permanent.
type Handler func(ctx context.Context, j *job.Job, rep Reporter) (json.RawMessage, error)

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[job.Type]Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[job.Type]Handler)}
}

// Register binds a handler to a job type, replacing any previous one.
func (r *Registry) Register(t job.Type, h Handler) {
	r.mu.Lock()
	r.handlers[t] = h
	r.mu.Unlock()
}

// Get looks up the handler for a job type.
func (r *Registry) Get(t job.Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}
