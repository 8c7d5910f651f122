package job

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeValid(t *testing.T) {
	assert.True(t, TypeTranslation.Valid())
	assert.True(t, TypeDocumentProcessing.Valid())
	assert.True(t, TypeBatchTranslation.Valid())
	assert.False(t, Type("ocr").Valid())
	assert.False(t, Type("").Valid())
}

func TestPriorityOrdering(t *testing.T) {
	assert.Less(t, int(PriorityLow), int(PriorityNormal))
	assert.Less(t, int(PriorityNormal), int(PriorityHigh))
	assert.Less(t, int(PriorityHigh), int(PriorityCritical))
}

func TestParsePriority(t *testing.T) {
	assert.Equal(t, PriorityCritical, ParsePriority("critical"))
	assert.Equal(t, PriorityLow, ParsePriority("low"))
	assert.Equal(t, PriorityNormal, ParsePriority(""))
	assert.Equal(t, PriorityNormal, ParsePriority("urgent"))
}

func TestPriorityJSON(t *testing.T) {
	data, err := json.Marshal(PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, `"high"`, string(data))

	var p Priority
	require.NoError(t, json.Unmarshal([]byte(`"critical"`), &p))
	assert.Equal(t, PriorityCritical, p)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusCancelled, true},
		{StatusProcessing, StatusQueued, true}, // retry
		{StatusCompleted, StatusQueued, false},
		{StatusFailed, StatusProcessing, false},
		{StatusCancelled, StatusCancelled, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s → %s", tt.from, tt.to)
	}
}

func TestCanWatch(t *testing.T) {
	j := &Job{OwnerID: "alice", OrgID: "acme"}

	assert.True(t, j.CanWatch(Actor{UserID: "alice"}))
	assert.True(t, j.CanWatch(Actor{UserID: "bob", OrgID: "acme"}))
	assert.False(t, j.CanWatch(Actor{UserID: "mallory", OrgID: "rivals"}))
	assert.False(t, j.CanWatch(Actor{UserID: "eve"}))

	// Personal job: org members get nothing.
	personal := &Job{OwnerID: "alice"}
	assert.True(t, personal.CanWatch(Actor{UserID: "alice"}))
	assert.False(t, personal.CanWatch(Actor{UserID: "bob", OrgID: "acme"}))
}

func TestCanCancel(t *testing.T) {
	j := &Job{OwnerID: "alice", OrgID: "acme"}

	assert.True(t, j.CanCancel(Actor{UserID: "alice"}))
	assert.True(t, j.CanCancel(Actor{UserID: "carol", OrgID: "acme", OrgAdmin: true}))
	assert.False(t, j.CanCancel(Actor{UserID: "bob", OrgID: "acme"}), "plain members cannot cancel")
	assert.False(t, j.CanCancel(Actor{UserID: "mallory", OrgID: "rivals", OrgAdmin: true}))
}

func TestCloneIsIndependent(t *testing.T) {
	started := time.Now().UTC()
	j := &Job{ID: "job-1", Status: StatusProcessing, StartedAt: &started}

	cp := j.Clone()
	cp.Status = StatusFailed
	*cp.StartedAt = started.Add(time.Hour)

	assert.Equal(t, StatusProcessing, j.Status)
	assert.Equal(t, started, *j.StartedAt)
}

func TestSnapshotReflectsJob(t *testing.T) {
	j := &Job{
		ID:          "job-1",
		Type:        TypeTranslation,
		Status:      StatusProcessing,
		Progress:    55,
		CurrentStep: 5,
		TotalSteps:  9,
		Attempts:    1,
	}

	snap := j.Snapshot()
	assert.Equal(t, "job-1", snap.JobID)
	assert.Equal(t, 55, snap.Progress)
	assert.Equal(t, 5, snap.CurrentStep)
	assert.Equal(t, 9, snap.TotalSteps)
	assert.Equal(t, 1, snap.Attempts)
	assert.WithinDuration(t, time.Now(), snap.Timestamp, time.Second)
}

func TestTransientError(t *testing.T) {
	base := errors.New("connection reset")
	wrapped := Transient(base)

	assert.True(t, IsTransient(wrapped))
	assert.ErrorIs(t, wrapped, base)

	assert.False(t, IsTransient(base))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(ErrInvalidPayload))
}
