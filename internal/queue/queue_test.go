package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phamdk/lingocore/internal/job"
	"github.com/phamdk/lingocore/internal/jobstore"
	"github.com/phamdk/lingocore/shared/logger"
)

// recorder collects every emitted snapshot in order.
type recorder struct {
	mu    sync.Mutex
	snaps []job.Snapshot
}

func (r *recorder) JobUpdated(s job.Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *recorder) forJob(id string) []job.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []job.Snapshot
	for _, s := range r.snaps {
		if s.JobID == id {
			out = append(out, s)
		}
	}
	return out
}

func newTestQueue(t *testing.T, cfg Config) (*Queue, *jobstore.Memory, *recorder) {
	t.Helper()

	store := jobstore.NewMemory()
	rec := &recorder{}
	q := New(store, rec, logger.Nop().Logger, cfg)
	t.Cleanup(q.Stop)
	return q, store, rec
}

func newTestJob(owner string, prio job.Priority) *job.Job {
	return &job.Job{
		Type:     job.TypeTranslation,
		Priority: prio,
		OwnerID:  owner,
		Payload:  []byte(`{"segments":["hello"],"source_lang":"en","target_lang":"de"}`),
	}
}

func mustDequeue(t *testing.T, q *Queue) *job.Job {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	j, err := q.Dequeue(ctx)
	require.NoError(t, err)
	return j
}

func TestSubmitAssignsIDAndPersists(t *testing.T) {
	q, store, rec := newTestQueue(t, Config{})
	ctx := context.Background()

	id, err := q.Submit(ctx, newTestJob("alice", job.PriorityNormal))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, stored.Status)
	assert.False(t, stored.CreatedAt.IsZero())

	events := rec.forJob(id)
	require.Len(t, events, 1)
	assert.Equal(t, job.StatusQueued, events[0].Status)
}

func TestSubmitRejectsUnknownType(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})

	j := newTestJob("alice", job.PriorityNormal)
	j.Type = "ocr"
	_, err := q.Submit(context.Background(), j)
	require.Error(t, err)
	assert.ErrorIs(t, err, job.ErrInvalidPayload)
}

func TestSubmitIdempotent(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	first := newTestJob("alice", job.PriorityNormal)
	first.ID = "job-1"
	id, err := q.Submit(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	// Same id again must not double-schedule.
	dup := newTestJob("alice", job.PriorityNormal)
	dup.ID = "job-1"
	id, err = q.Submit(ctx, dup)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	assert.Equal(t, 1, q.Stats().Queued)
}

func TestDequeuePriorityOrder(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	ids := map[job.Priority]string{}
	for _, p := range []job.Priority{job.PriorityLow, job.PriorityCritical, job.PriorityNormal, job.PriorityHigh} {
		id, err := q.Submit(ctx, newTestJob("alice", p))
		require.NoError(t, err)
		ids[p] = id
	}

	for _, want := range []job.Priority{job.PriorityCritical, job.PriorityHigh, job.PriorityNormal, job.PriorityLow} {
		j := mustDequeue(t, q)
		assert.Equal(t, ids[want], j.ID, "expected %s job", want)
		assert.Equal(t, job.StatusProcessing, j.Status)
	}
}

func TestDequeueFIFOWithinPriority(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	var submitted []string
	for i := 0; i < 5; i++ {
		id, err := q.Submit(ctx, newTestJob("alice", job.PriorityNormal))
		require.NoError(t, err)
		submitted = append(submitted, id)
	}

	for _, want := range submitted {
		j := mustDequeue(t, q)
		assert.Equal(t, want, j.ID)
	}
}

func TestDequeueExactlyOnce(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	const n = 30
	expected := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		id, err := q.Submit(ctx, newTestJob("alice", job.PriorityNormal))
		require.NoError(t, err)
		expected[id] = true
	}

	var mu sync.Mutex
	seen := make(map[string]int)

	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := q.Dequeue(dctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[j.ID]++
				done := len(seen) == n
				mu.Unlock()
				if done {
					cancel()
					return
				}
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "job %s dispatched more than once", id)
		assert.True(t, expected[id])
	}
}

func TestCancelQueuedJob(t *testing.T) {
	q, store, rec := newTestQueue(t, Config{})
	ctx := context.Background()

	id, err := q.Submit(ctx, newTestJob("alice", job.PriorityNormal))
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, id, job.Actor{UserID: "alice"}))

	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, stored.Status)

	events := rec.forJob(id)
	assert.Equal(t, job.StatusCancelled, events[len(events)-1].Status)

	// The tombstoned entry must never be dispatched.
	dctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(dctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCancelForbidden(t *testing.T) {
	q, store, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	owner := newTestJob("alice", job.PriorityNormal)
	owner.OrgID = "acme"
	id, err := q.Submit(ctx, owner)
	require.NoError(t, err)

	// Plain org member, not an admin and not the owner.
	err = q.Cancel(ctx, id, job.Actor{UserID: "bob", OrgID: "acme"})
	assert.ErrorIs(t, err, job.ErrForbidden)

	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, stored.Status)

	// Org admin may cancel.
	require.NoError(t, q.Cancel(ctx, id, job.Actor{UserID: "carol", OrgID: "acme", OrgAdmin: true}))
}

func TestCancelRunningJobIsCooperative(t *testing.T) {
	q, store, rec := newTestQueue(t, Config{})
	ctx := context.Background()

	id, err := q.Submit(ctx, newTestJob("alice", job.PriorityNormal))
	require.NoError(t, err)

	j := mustDequeue(t, q)
	require.Equal(t, id, j.ID)

	require.NoError(t, q.ReportProgress(ctx, id, 25, 1))
	require.NoError(t, q.Cancel(ctx, id, job.Actor{UserID: "alice"}))

	// The running job keeps its status until the handler checks in.
	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, stored.Status)

	err = q.ReportProgress(ctx, id, 50, 2)
	assert.ErrorIs(t, err, job.ErrCancelled)

	require.NoError(t, q.ConfirmCancelled(ctx, id))

	stored, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, stored.Status)

	events := rec.forJob(id)
	assert.Equal(t, job.StatusCancelled, events[len(events)-1].Status)
}

func TestCancelTerminalIsNoop(t *testing.T) {
	q, store, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	id, err := q.Submit(ctx, newTestJob("alice", job.PriorityNormal))
	require.NoError(t, err)

	j := mustDequeue(t, q)
	require.NoError(t, q.Complete(ctx, j.ID, []byte(`{"ok":true}`)))

	require.NoError(t, q.Cancel(ctx, id, job.Actor{UserID: "alice"}))

	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, stored.Status)
}

func TestReportProgressMonotonicAndClamped(t *testing.T) {
	q, store, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	id, err := q.Submit(ctx, newTestJob("alice", job.PriorityNormal))
	require.NoError(t, err)
	mustDequeue(t, q)

	require.NoError(t, q.ReportProgress(ctx, id, 60, 3))
	require.NoError(t, q.ReportProgress(ctx, id, 40, 4)) // must not regress
	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 60, stored.Progress)
	assert.Equal(t, 4, stored.CurrentStep)

	require.NoError(t, q.ReportProgress(ctx, id, 150, 5))
	stored, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 100, stored.Progress)
}

func TestReportProgressUnknownJob(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	err := q.ReportProgress(context.Background(), "nope", 10, 1)
	assert.ErrorIs(t, err, job.ErrNotFound)
}

func TestCompleteFinalizesWithFullProgress(t *testing.T) {
	q, store, rec := newTestQueue(t, Config{})
	ctx := context.Background()

	id, err := q.Submit(ctx, newTestJob("alice", job.PriorityNormal))
	require.NoError(t, err)
	mustDequeue(t, q)

	require.NoError(t, q.ReportProgress(ctx, id, 40, 2))
	require.NoError(t, q.Complete(ctx, id, []byte(`{"translated":1}`)))

	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.NotNil(t, stored.CompletedAt)
	assert.JSONEq(t, `{"translated":1}`, string(stored.Result))

	final := rec.forJob(id)[len(rec.forJob(id))-1]
	assert.Equal(t, job.StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)

	s := q.Stats()
	assert.Equal(t, 1, s.Completed)
	assert.Equal(t, 0, s.Processing)
}

func TestReleaseRequeuesThenFailsTerminally(t *testing.T) {
	q, store, _ := newTestQueue(t, Config{MaxAttempts: 2, PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	id, err := q.Submit(ctx, newTestJob("alice", job.PriorityNormal))
	require.NoError(t, err)

	mustDequeue(t, q)
	require.NoError(t, q.Release(ctx, id, errors.New("provider unavailable"), 0))

	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Nil(t, stored.StartedAt)

	// Second execution exhausts the budget.
	j := mustDequeue(t, q)
	require.Equal(t, id, j.ID)
	require.NoError(t, q.Release(ctx, id, errors.New("provider unavailable"), 0))

	stored, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
	assert.Contains(t, stored.Error, "provider unavailable")
	assert.Contains(t, stored.Error, "after 2 attempts")
}

func TestLeaseExpiryRequeuesAbandonedJob(t *testing.T) {
	q, store, _ := newTestQueue(t, Config{
		Lease:         50 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
	})
	q.Start()
	ctx := context.Background()

	id, err := q.Submit(ctx, newTestJob("alice", job.PriorityNormal))
	require.NoError(t, err)

	j := mustDequeue(t, q)
	require.Equal(t, id, j.ID)

	// Never report progress; the sweeper must reclaim the job.
	require.Eventually(t, func() bool {
		stored, err := store.Get(ctx, id)
		return err == nil && stored.Status == job.StatusQueued && stored.Attempts == 1
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, stored.StartedAt)

	// And it is dispatchable again.
	j = mustDequeue(t, q)
	assert.Equal(t, id, j.ID)
}

func TestProgressExtendsLease(t *testing.T) {
	q, store, _ := newTestQueue(t, Config{
		Lease:         80 * time.Millisecond,
		SweepInterval: 20 * time.Millisecond,
	})
	q.Start()
	ctx := context.Background()

	id, err := q.Submit(ctx, newTestJob("alice", job.PriorityNormal))
	require.NoError(t, err)
	mustDequeue(t, q)

	// Keep reporting; the job must stay leased the whole time.
	for i := 0; i < 5; i++ {
		time.Sleep(40 * time.Millisecond)
		require.NoError(t, q.ReportProgress(ctx, id, (i+1)*10, i+1))
	}

	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusProcessing, stored.Status)
	assert.Equal(t, 0, stored.Attempts)
}

func TestEventOrderingPerJob(t *testing.T) {
	q, _, rec := newTestQueue(t, Config{})
	ctx := context.Background()

	id, err := q.Submit(ctx, newTestJob("alice", job.PriorityNormal))
	require.NoError(t, err)
	mustDequeue(t, q)
	require.NoError(t, q.ReportProgress(ctx, id, 30, 1))
	require.NoError(t, q.ReportProgress(ctx, id, 70, 2))
	require.NoError(t, q.Complete(ctx, id, nil))

	events := rec.forJob(id)
	require.Len(t, events, 5)
	assert.Equal(t, job.StatusQueued, events[0].Status)
	assert.Equal(t, job.StatusProcessing, events[1].Status)
	assert.Equal(t, 30, events[2].Progress)
	assert.Equal(t, 70, events[3].Progress)
	assert.Equal(t, job.StatusCompleted, events[4].Status)
}

func TestStatsCounters(t *testing.T) {
	q, _, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	a, _ := q.Submit(ctx, newTestJob("alice", job.PriorityNormal))
	b, _ := q.Submit(ctx, newTestJob("alice", job.PriorityNormal))
	c, _ := q.Submit(ctx, newTestJob("alice", job.PriorityNormal))

	mustDequeue(t, q)
	require.NoError(t, q.Complete(ctx, a, nil))

	mustDequeue(t, q)
	require.NoError(t, q.Fail(ctx, b, "bad payload"))

	require.NoError(t, q.Cancel(ctx, c, job.Actor{UserID: "alice"}))

	s := q.Stats()
	assert.Equal(t, 0, s.Queued)
	assert.Equal(t, 0, s.Processing)
	assert.Equal(t, 1, s.Completed)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Cancelled)
}

func TestRequeueDoesNotChargeAttempt(t *testing.T) {
	q, store, _ := newTestQueue(t, Config{PollInterval: 10 * time.Millisecond})
	ctx := context.Background()

	id, err := q.Submit(ctx, newTestJob("alice", job.PriorityNormal))
	require.NoError(t, err)

	j := mustDequeue(t, q)
	require.Equal(t, id, j.ID)

	require.NoError(t, q.Requeue(ctx, id))

	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusQueued, stored.Status)
	assert.Equal(t, 0, stored.Attempts)
	assert.Nil(t, stored.StartedAt)

	// And it is dispatchable again.
	j = mustDequeue(t, q)
	assert.Equal(t, id, j.ID)
}

func TestRequeueWithPendingCancelFinalizes(t *testing.T) {
	q, store, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	id, err := q.Submit(ctx, newTestJob("alice", job.PriorityNormal))
	require.NoError(t, err)

	mustDequeue(t, q)
	require.NoError(t, q.Cancel(ctx, id, job.Actor{UserID: "alice"}))
	require.NoError(t, q.Requeue(ctx, id))

	stored, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCancelled, stored.Status)
}

// staleReadStore serves one stale snapshot before delegating, standing
// in for a read that races a concurrent status transition.
type staleReadStore struct {
	job.Store

	mu    sync.Mutex
	stale *job.Job
}

func (s *staleReadStore) Get(ctx context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stale != nil && s.stale.ID == id {
		j := s.stale.Clone()
		s.stale = nil
		return j, nil
	}
	return s.Store.Get(ctx, id)
}

func TestCancelRacingCompletionKeepsTerminalStatus(t *testing.T) {
	mem := jobstore.NewMemory()
	store := &staleReadStore{Store: mem}
	q := New(store, nil, logger.Nop().Logger, Config{PollInterval: 10 * time.Millisecond})
	t.Cleanup(q.Stop)
	ctx := context.Background()

	id, err := q.Submit(ctx, newTestJob("alice", job.PriorityNormal))
	require.NoError(t, err)

	j := mustDequeue(t, q)
	require.Equal(t, id, j.ID)

	// Keep the processing-era record around, then let the job finish.
	processing, err := mem.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, id, []byte(`{"ok":true}`)))

	// Cancel's first read sees the record as it looked mid-flight.
	store.mu.Lock()
	store.stale = processing
	store.mu.Unlock()

	require.NoError(t, q.Cancel(ctx, id, job.Actor{UserID: "alice"}))

	stored, err := mem.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, job.StatusCompleted, stored.Status)
}

// flakyGetStore fails a fixed number of reads before recovering.
type flakyGetStore struct {
	job.Store

	mu       sync.Mutex
	failures int
}

func (s *flakyGetStore) Get(ctx context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errors.New("backend unavailable")
	}
	s.mu.Unlock()
	return s.Store.Get(ctx, id)
}

func TestDequeueKeepsJobThroughStoreErrors(t *testing.T) {
	mem := jobstore.NewMemory()
	store := &flakyGetStore{Store: mem}
	q := New(store, nil, logger.Nop().Logger, Config{PollInterval: 10 * time.Millisecond})
	t.Cleanup(q.Stop)
	ctx := context.Background()

	id, err := q.Submit(ctx, newTestJob("alice", job.PriorityNormal))
	require.NoError(t, err)

	store.mu.Lock()
	store.failures = 2
	store.mu.Unlock()

	// The failed reads must not strand the job; it stays scheduled and
	// dispatches once the store recovers.
	j := mustDequeue(t, q)
	assert.Equal(t, id, j.ID)
}
