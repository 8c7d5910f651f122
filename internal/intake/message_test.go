package intake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phamdk/lingocore/internal/job"
)

func TestMessageRoundTrip(t *testing.T) {
	m := &Message{
		Kind:  KindCancel,
		JobID: "job-1",
		Actor: &Actor{UserID: "alice", OrgID: "acme", OrgAdmin: true},
	}
	m.EnqueuedAt = time.Now().UTC()

	body, err := m.Encode()
	require.NoError(t, err)

	decoded, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, KindCancel, decoded.Kind)
	assert.Equal(t, "job-1", decoded.JobID)
	require.NotNil(t, decoded.Actor)
	assert.Equal(t, "alice", decoded.Actor.UserID)
	assert.True(t, decoded.Actor.OrgAdmin)
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name      string
		msg       Message
		errString string
	}{
		{
			name: "valid submit",
			msg:  Message{Kind: KindSubmit, JobID: "job-1"},
		},
		{
			name: "valid cancel",
			msg:  Message{Kind: KindCancel, JobID: "job-1", Actor: &Actor{UserID: "alice"}},
		},
		{
			name:      "missing job id",
			msg:       Message{Kind: KindSubmit},
			errString: "missing job_id",
		},
		{
			name:      "cancel without actor",
			msg:       Message{Kind: KindCancel, JobID: "job-1"},
			errString: "missing actor",
		},
		{
			name:      "unknown kind",
			msg:       Message{Kind: "pause", JobID: "job-1"},
			errString: "unknown intake message kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.errString == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			}
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode intake message")
}

func TestCancelActorMapping(t *testing.T) {
	// The actor travels by value through the broker; the consumer must
	// reconstruct the same job-domain actor for the ownership check.
	m := Message{Kind: KindCancel, JobID: "job-1", Actor: &Actor{UserID: "alice", OrgID: "acme"}}

	actor := job.Actor{
		UserID:   m.Actor.UserID,
		OrgID:    m.Actor.OrgID,
		OrgAdmin: m.Actor.OrgAdmin,
	}
	assert.Equal(t, "alice", actor.UserID)
	assert.Equal(t, "acme", actor.OrgID)
	assert.False(t, actor.OrgAdmin)
}
