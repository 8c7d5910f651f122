// Package queue implements the priority job queue: idempotent
// submission, priority-then-FIFO dispatch with an exactly-once
// guarantee, cooperative cancellation, and a lease sweeper that
// re-queues abandoned jobs.
//
// The heap, the in-flight table and the lifetime counters form the
// single most contended structure in the system and are guarded by one
// mutex; every status transition happens under it, which is what makes
// per-job event ordering and exactly-once dispatch cheap to reason
// about.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/phamdk/lingocore/internal/job"
)

// ErrClosed is returned by Dequeue after Stop.
var ErrClosed = errors.New("queue closed")

// Notifier receives every job status transition. The progress
// broadcaster implements it; a nil notifier disables streaming.
type Notifier interface {
	JobUpdated(snap job.Snapshot)
}

// Config tunes scheduling behaviour. Zero values fall back to the
// documented defaults.
type Config struct {
	// Lease is how long a dispatched job may go without reporting
	// progress before it is considered abandoned. Default 60s.
	Lease time.Duration

	// SweepInterval is how often the sweeper checks leases and
	// promotes delayed retries. Default 5s.
	SweepInterval time.Duration

	// PollInterval bounds how long an idle Dequeue waits before
	// re-checking for work. Default 250ms.
	PollInterval time.Duration

	// MaxAttempts is the total execution budget per job. Default 3.
	MaxAttempts int

	// RatePerSecond caps sustained dispatches per second. Zero
	// disables rate limiting.
	RatePerSecond float64

	// RateBurst is the token-bucket burst size when rate limiting is
	// enabled. Defaults to 1.
	RateBurst int
}

func (c *Config) applyDefaults() {
	if c.Lease <= 0 {
		c.Lease = 60 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RatePerSecond > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}
}

// Stats are the lifetime queue counters.
type Stats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// flight tracks a job between dequeue and its next transition.
type flight struct {
	job             *job.Job
	deadline        time.Time
	cancelRequested bool
}

// delayed is a retry waiting out its backoff before re-entering the heap.
type delayed struct {
	id      string
	readyAt time.Time
}

// Queue is the priority job queue. All methods are safe for concurrent
// use.
type Queue struct {
	store    job.Store
	notifier Notifier
	logger   *slog.Logger
	cfg      Config
	limiter  *rate.Limiter

	mu       sync.Mutex
	heap     entryHeap
	pending  map[string]*entry
	inflight map[string]*flight
	delayed  []*delayed
	seq      uint64

	completed int
	failed    int
	cancelled int

	signal chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a queue over the given record store.
func New(store job.Store, notifier Notifier, logger *slog.Logger, cfg Config) *Queue {
	cfg.applyDefaults()

	q := &Queue{
		store:    store,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
		pending:  make(map[string]*entry),
		inflight: make(map[string]*flight),
		signal:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	if cfg.RatePerSecond > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst)
	}
	return q
}

// Start launches the lease sweeper. It returns immediately.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.sweepLoop()
}

// Stop shuts the queue down. Blocked Dequeue calls return ErrClosed.
func (q *Queue) Stop() {
	q.once.Do(func() {
		close(q.stopCh)
	})
	q.wg.Wait()
}

// Submit schedules a job. When the caller supplies a pre-generated id
// that is already known, the call is a no-op returning the existing id,
// which makes retried submissions and the AMQP intake path safe.
// The record is persisted as queued before Submit returns.
func (q *Queue) Submit(ctx context.Context, j *job.Job) (string, error) {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if !j.Type.Valid() {
		return "", fmt.Errorf("%w: unknown job type %q", job.ErrInvalidPayload, j.Type)
	}

	j.Status = job.StatusQueued
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}

	err := q.store.Create(ctx, j)
	switch {
	case err == nil:
		// fresh record
	case errors.Is(err, job.ErrAlreadyExists):
		return q.resubmit(ctx, j.ID)
	default:
		return "", fmt.Errorf("persist job: %w", err)
	}

	q.mu.Lock()
	q.scheduleLocked(j)
	q.mu.Unlock()

	q.logger.Info("job submitted",
		slog.String("job_id", j.ID),
		slog.String("job_type", string(j.Type)),
		slog.String("priority", j.Priority.String()),
	)
	return j.ID, nil
}

// resubmit handles a duplicate id: already-tracked jobs are a no-op,
// an untracked queued record (crash recovery, intake replay) gets
// scheduled.
func (q *Queue) resubmit(ctx context.Context, id string) (string, error) {
	q.mu.Lock()
	tracked := q.trackedLocked(id)
	q.mu.Unlock()
	if tracked {
		return id, nil
	}

	existing, err := q.store.Get(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load existing job: %w", err)
	}
	if existing.Status != job.StatusQueued {
		return id, nil
	}

	q.mu.Lock()
	if !q.trackedLocked(id) {
		q.scheduleLocked(existing)
	}
	q.mu.Unlock()
	return id, nil
}

// trackedLocked reports whether the id is anywhere in the scheduler:
// heap, in-flight table or retry delay list. Caller holds q.mu.
func (q *Queue) trackedLocked(id string) bool {
	if _, ok := q.pending[id]; ok {
		return true
	}
	if _, ok := q.inflight[id]; ok {
		return true
	}
	for _, d := range q.delayed {
		if d.id == id {
			return true
		}
	}
	return false
}

// scheduleLocked pushes a queued job into the heap and emits the
// queued event. Caller holds q.mu.
func (q *Queue) scheduleLocked(j *job.Job) {
	q.seq++
	e := &entry{id: j.ID, priority: j.Priority, seq: q.seq}
	heap.Push(&q.heap, e)
	q.pending[j.ID] = e
	q.notifyLocked(j.Snapshot())
	q.wakeLocked()
}

// Dequeue blocks until a job is available, the context is done, or the
// queue stops. The returned job is marked processing with a fresh
// lease; no two callers ever receive the same job.
func (q *Queue) Dequeue(ctx context.Context) (*job.Job, error) {
	for {
		if j, ok := q.tryDequeue(ctx); ok {
			return j, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.stopCh:
			return nil, ErrClosed
		case <-q.signal:
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

func (q *Queue) tryDequeue(ctx context.Context) (*job.Job, bool) {
	if q.limiter != nil && !q.limiter.Allow() {
		return nil, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteDueLocked(time.Now())

	for q.heap.Len() > 0 {
		e := heap.Pop(&q.heap).(*entry)
		if e.cancelled {
			continue
		}
		delete(q.pending, e.id)

		j, err := q.store.Get(ctx, e.id)
		if err != nil {
			q.logger.Error("dequeue: load job failed",
				slog.String("job_id", e.id),
				slog.String("error", err.Error()),
			)
			// Keep the entry scheduled; dropping it would strand a
			// record that is still queued in the store.
			heap.Push(&q.heap, e)
			q.pending[e.id] = e
			return nil, false
		}
		if j.Status != job.StatusQueued {
			continue
		}

		now := time.Now().UTC()
		j.Status = job.StatusProcessing
		j.StartedAt = &now
		if err := q.store.Update(ctx, j.ID, job.Patch{
			Status:    job.StatusPtr(job.StatusProcessing),
			StartedAt: &now,
		}); err != nil {
			q.logger.Error("dequeue: mark processing failed",
				slog.String("job_id", j.ID),
				slog.String("error", err.Error()),
			)
			heap.Push(&q.heap, e)
			q.pending[e.id] = e
			return nil, false
		}

		q.inflight[j.ID] = &flight{
			job:      j.Clone(),
			deadline: now.Add(q.cfg.Lease),
		}
		q.notifyLocked(j.Snapshot())
		return j.Clone(), true
	}

	return nil, false
}

// Cancel requests cancellation. Queued jobs transition to cancelled
// immediately; jobs already executing are flagged and the worker aborts
// at its next progress checkpoint. Cancelling a terminal job is a
// no-op.
func (q *Queue) Cancel(ctx context.Context, jobID string, actor job.Actor) error {
	j, err := q.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !j.CanCancel(actor) {
		return job.ErrForbidden
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if f, ok := q.inflight[jobID]; ok {
		f.cancelRequested = true
		q.logger.Info("cancellation requested for running job",
			slog.String("job_id", jobID),
			slog.String("requester", actor.UserID),
		)
		return nil
	}

	// Still queued (in the heap or waiting out a retry delay).
	if e, ok := q.pending[jobID]; ok {
		e.cancelled = true
		delete(q.pending, jobID)
	}
	q.dropDelayedLocked(jobID)

	// The authorization read raced with the executors; re-read under
	// the lock so a job that finished in the window stays terminal.
	j, err = q.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}

	return q.finishLocked(ctx, j, job.StatusCancelled, "", nil)
}

// ReportProgress records handler progress, extends the lease and emits
// the event. It doubles as the cooperative cancellation checkpoint:
// once Cancel hit the running job, the next report returns
// job.ErrCancelled and persists nothing.
func (q *Queue) ReportProgress(ctx context.Context, jobID string, progress, step int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, ok := q.inflight[jobID]
	if !ok {
		return job.ErrNotFound
	}
	if f.cancelRequested {
		return job.ErrCancelled
	}

	// Progress never moves backwards within one processing lifetime.
	if progress < f.job.Progress {
		progress = f.job.Progress
	}
	if progress > 100 {
		progress = 100
	}

	f.job.Progress = progress
	f.job.CurrentStep = step
	f.deadline = time.Now().Add(q.cfg.Lease)

	if err := q.store.Update(ctx, jobID, job.Patch{
		Progress:    &progress,
		CurrentStep: &step,
	}); err != nil {
		return fmt.Errorf("persist progress: %w", err)
	}

	q.notifyLocked(f.job.Snapshot())
	return nil
}

// SetTotalSteps records the step count a handler discovered from its
// payload. Called once before the first checkpoint.
func (q *Queue) SetTotalSteps(ctx context.Context, jobID string, total int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, ok := q.inflight[jobID]
	if !ok {
		return job.ErrNotFound
	}
	f.job.TotalSteps = total
	return q.store.Update(ctx, jobID, job.Patch{TotalSteps: &total})
}

// Complete finishes a job successfully.
func (q *Queue) Complete(ctx context.Context, jobID string, result []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, ok := q.inflight[jobID]
	if !ok {
		return job.ErrNotFound
	}
	delete(q.inflight, jobID)

	f.job.Progress = 100
	return q.finishLocked(ctx, f.job, job.StatusCompleted, "", result)
}

// Fail terminates a job with a permanent error.
func (q *Queue) Fail(ctx context.Context, jobID, cause string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, ok := q.inflight[jobID]
	if !ok {
		return job.ErrNotFound
	}
	delete(q.inflight, jobID)

	return q.finishLocked(ctx, f.job, job.StatusFailed, cause, nil)
}

// Release returns a transiently failed job to the queue after delay,
// charging one attempt. Once the attempt budget is spent the job fails
// terminally. A job whose cancellation was requested is finalized as
// cancelled instead of retried.
func (q *Queue) Release(ctx context.Context, jobID string, cause error, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, ok := q.inflight[jobID]
	if !ok {
		return job.ErrNotFound
	}
	delete(q.inflight, jobID)

	if f.cancelRequested {
		return q.finishLocked(ctx, f.job, job.StatusCancelled, "", nil)
	}

	f.job.Attempts++
	if f.job.Attempts >= q.cfg.MaxAttempts {
		msg := fmt.Sprintf("%v (after %d attempts)", cause, f.job.Attempts)
		return q.finishLocked(ctx, f.job, job.StatusFailed, msg, nil)
	}

	f.job.Status = job.StatusQueued
	f.job.StartedAt = nil
	if err := q.store.Update(ctx, jobID, job.Patch{
		Status:         job.StatusPtr(job.StatusQueued),
		Attempts:       &f.job.Attempts,
		ClearStartedAt: true,
	}); err != nil {
		return fmt.Errorf("persist release: %w", err)
	}

	q.delayed = append(q.delayed, &delayed{id: jobID, readyAt: time.Now().Add(delay)})
	q.notifyLocked(f.job.Snapshot())

	q.logger.Info("job released for retry",
		slog.String("job_id", jobID),
		slog.Int("attempts", f.job.Attempts),
		slog.Duration("delay", delay),
		slog.String("cause", cause.Error()),
	)
	return nil
}

// ConfirmCancelled finalizes a running job whose handler observed the
// cancellation checkpoint and aborted.
func (q *Queue) ConfirmCancelled(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, ok := q.inflight[jobID]
	if !ok {
		return job.ErrNotFound
	}
	delete(q.inflight, jobID)

	return q.finishLocked(ctx, f.job, job.StatusCancelled, "", nil)
}

// Requeue returns an in-flight job to the queue without charging an
// attempt. Executors use it when they give a job up through no fault
// of the job itself, such as a pool shutdown. A job with a pending
// cancellation request is finalized as cancelled instead.
func (q *Queue) Requeue(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, ok := q.inflight[jobID]
	if !ok {
		return job.ErrNotFound
	}
	delete(q.inflight, jobID)

	if f.cancelRequested {
		return q.finishLocked(ctx, f.job, job.StatusCancelled, "", nil)
	}

	f.job.Status = job.StatusQueued
	f.job.StartedAt = nil
	if err := q.store.Update(ctx, jobID, job.Patch{
		Status:         job.StatusPtr(job.StatusQueued),
		ClearStartedAt: true,
	}); err != nil {
		return fmt.Errorf("persist requeue: %w", err)
	}

	q.scheduleLocked(f.job)

	q.logger.Info("job returned to queue",
		slog.String("job_id", jobID),
	)
	return nil
}

// Status returns the current snapshot of any known job.
func (q *Queue) Status(ctx context.Context, jobID string) (job.Snapshot, error) {
	j, err := q.store.Get(ctx, jobID)
	if err != nil {
		return job.Snapshot{}, err
	}
	return j.Snapshot(), nil
}

// Stats returns the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Queued:     len(q.pending) + len(q.delayed),
		Processing: len(q.inflight),
		Completed:  q.completed,
		Failed:     q.failed,
		Cancelled:  q.cancelled,
	}
}

// finishLocked moves a job into a terminal status, persists it and
// emits the final event. Subscribers always see a last event for
// cancelled and failed jobs rather than a stream that silently stops.
// Caller holds q.mu.
func (q *Queue) finishLocked(ctx context.Context, j *job.Job, status job.Status, cause string, result []byte) error {
	if j.Status.Terminal() {
		return job.ErrTerminal
	}

	now := time.Now().UTC()
	j.Status = status
	j.CompletedAt = &now
	j.Error = cause
	if result != nil {
		j.Result = result
	}

	p := job.Patch{
		Status:      &status,
		CompletedAt: &now,
		Attempts:    job.IntPtr(j.Attempts),
	}
	if cause != "" {
		p.Error = &cause
	}
	if result != nil {
		p.Result = result
	}
	if status == job.StatusCompleted {
		p.Progress = job.IntPtr(100)
	}
	if err := q.store.Update(ctx, j.ID, p); err != nil {
		return fmt.Errorf("persist %s: %w", status, err)
	}

	switch status {
	case job.StatusCompleted:
		q.completed++
	case job.StatusFailed:
		q.failed++
	case job.StatusCancelled:
		q.cancelled++
	}

	q.notifyLocked(j.Snapshot())

	q.logger.Info("job finished",
		slog.String("job_id", j.ID),
		slog.String("status", string(status)),
	)
	return nil
}

// sweepLoop promotes due retries and reclaims abandoned leases.
func (q *Queue) sweepLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.sweep()
		}
	}
}

func (q *Queue) sweep() {
	ctx := context.Background()
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.promoteDueLocked(now)

	for id, f := range q.inflight {
		if now.Before(f.deadline) {
			continue
		}

		// Lease expired: the executor stopped reporting. Reclaim.
		delete(q.inflight, id)
		f.job.Attempts++

		if f.cancelRequested || f.job.Attempts >= q.cfg.MaxAttempts {
			status := job.StatusFailed
			cause := fmt.Sprintf("lease expired (after %d attempts)", f.job.Attempts)
			if f.cancelRequested {
				status = job.StatusCancelled
				cause = ""
			}
			if err := q.finishLocked(ctx, f.job, status, cause, nil); err != nil {
				q.logger.Error("sweep: finalize abandoned job failed",
					slog.String("job_id", id),
					slog.String("error", err.Error()),
				)
			}
			continue
		}

		f.job.Status = job.StatusQueued
		f.job.StartedAt = nil
		if err := q.store.Update(ctx, id, job.Patch{
			Status:         job.StatusPtr(job.StatusQueued),
			Attempts:       &f.job.Attempts,
			ClearStartedAt: true,
		}); err != nil {
			q.logger.Error("sweep: requeue abandoned job failed",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}

		q.logger.Warn("lease expired, job re-queued",
			slog.String("job_id", id),
			slog.Int("attempts", f.job.Attempts),
		)
		q.scheduleLocked(f.job)
	}
}

// promoteDueLocked moves retries whose backoff elapsed into the heap.
// Caller holds q.mu.
func (q *Queue) promoteDueLocked(now time.Time) {
	if len(q.delayed) == 0 {
		return
	}

	remaining := q.delayed[:0]
	for _, d := range q.delayed {
		if now.Before(d.readyAt) {
			remaining = append(remaining, d)
			continue
		}
		j, err := q.store.Get(context.Background(), d.id)
		if err != nil || j.Status != job.StatusQueued {
			continue
		}
		q.seq++
		e := &entry{id: j.ID, priority: j.Priority, seq: q.seq}
		heap.Push(&q.heap, e)
		q.pending[j.ID] = e
		q.wakeLocked()
	}
	q.delayed = remaining
}

func (q *Queue) dropDelayedLocked(jobID string) {
	for i, d := range q.delayed {
		if d.id == jobID {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
			return
		}
	}
}

func (q *Queue) notifyLocked(snap job.Snapshot) {
	if q.notifier != nil {
		q.notifier.JobUpdated(snap)
	}
}

func (q *Queue) wakeLocked() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
