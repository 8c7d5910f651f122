package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phamdk/lingocore/internal/job"
)

func TestMemoryCreateAndGet(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	j := &job.Job{
		ID:      "job-1",
		Type:    job.TypeTranslation,
		Status:  job.StatusQueued,
		OwnerID: "alice",
		Payload: []byte(`{"segments":["x"]}`),
	}
	require.NoError(t, store.Create(ctx, j))
	assert.Equal(t, 1, store.Len())

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, j.OwnerID, got.OwnerID)

	// Mutating the returned copy must not touch the stored record.
	got.Status = job.StatusFailed
	again, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, again.Status)
}

func TestMemoryCreateDuplicate(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	j := &job.Job{ID: "job-1", Type: job.TypeTranslation, Status: job.StatusQueued}
	require.NoError(t, store.Create(ctx, j))

	err := store.Create(ctx, j)
	assert.ErrorIs(t, err, job.ErrAlreadyExists)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryGetUnknown(t *testing.T) {
	store := NewMemory()
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestMemoryUpdatePatchesFields(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &job.Job{
		ID:     "job-1",
		Type:   job.TypeTranslation,
		Status: job.StatusQueued,
	}))

	now := time.Now().UTC()
	require.NoError(t, store.Update(ctx, "job-1", job.Patch{
		Status:      job.StatusPtr(job.StatusProcessing),
		Progress:    job.IntPtr(40),
		CurrentStep: job.IntPtr(2),
		StartedAt:   &now,
	}))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, got.Status)
	assert.Equal(t, 40, got.Progress)
	assert.Equal(t, 2, got.CurrentStep)
	require.NotNil(t, got.StartedAt)

	// Fields absent from the patch stay untouched.
	require.NoError(t, store.Update(ctx, "job-1", job.Patch{Progress: job.IntPtr(80)}))
	got, err = store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, got.Status)
	assert.Equal(t, 80, got.Progress)
}

func TestMemoryUpdateUnknown(t *testing.T) {
	store := NewMemory()
	err := store.Update(context.Background(), "missing", job.Patch{Progress: job.IntPtr(1)})
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestMemoryUpdateClearsStartedAt(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.Create(ctx, &job.Job{
		ID:        "job-1",
		Type:      job.TypeTranslation,
		Status:    job.StatusProcessing,
		StartedAt: &now,
	}))

	require.NoError(t, store.Update(ctx, "job-1", job.Patch{
		Status:         job.StatusPtr(job.StatusQueued),
		ClearStartedAt: true,
	}))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, got.Status)
	assert.Nil(t, got.StartedAt, "a re-queued record must not keep a start timestamp")
}
