// Package jobstore provides Store adapters for the job record table:
// an in-memory map for tests and development, a PostgreSQL adapter for
// production, and a Redis adapter for ephemeral deployments.
package jobstore

import (
	"context"
	"sync"

	"github.com/phamdk/lingocore/internal/job"
)

// Memory is an in-memory job.Store. Safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

var _ job.Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*job.Job)}
}

// Get returns a copy of the job so callers never share store state.
func (m *Memory) Get(_ context.Context, id string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return j.Clone(), nil
}

// Create persists a new job record.
func (m *Memory) Create(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[j.ID]; exists {
		return job.ErrAlreadyExists
	}
	m.jobs[j.ID] = j.Clone()
	return nil
}

// Update applies a patch to an existing record.
func (m *Memory) Update(_ context.Context, id string, p job.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	applyPatch(j, p)
	return nil
}

// Len returns the number of stored jobs.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

func applyPatch(j *job.Job, p job.Patch) {
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.Progress != nil {
		j.Progress = *p.Progress
	}
	if p.CurrentStep != nil {
		j.CurrentStep = *p.CurrentStep
	}
	if p.TotalSteps != nil {
		j.TotalSteps = *p.TotalSteps
	}
	if p.Result != nil {
		j.Result = p.Result
	}
	if p.Error != nil {
		j.Error = *p.Error
	}
	if p.Attempts != nil {
		j.Attempts = *p.Attempts
	}
	if p.StartedAt != nil {
		j.StartedAt = p.StartedAt
	} else if p.ClearStartedAt {
		j.StartedAt = nil
	}
	if p.CompletedAt != nil {
		j.CompletedAt = p.CompletedAt
	}
}
