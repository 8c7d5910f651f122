package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phamdk/lingocore/internal/backoff"
	"github.com/phamdk/lingocore/internal/job"
	"github.com/phamdk/lingocore/internal/queue"
)

// Config holds pool configuration.
type Config struct {
	// Concurrency is the number of executor goroutines. Default 4.
	Concurrency int
}

// Pool is a bounded set of executors pulling from the priority queue.
// When every executor is busy, jobs simply wait in the queue; nothing
// errors on saturation.
type Pool struct {
	queue    *queue.Queue
	registry *Registry
	backoff  backoff.Strategy
	logger   *slog.Logger
	cfg      Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	active bool
}

// NewPool creates a worker pool. A nil backoff strategy falls back to
// the default full-jitter exponential.
func NewPool(q *queue.Queue, registry *Registry, bo backoff.Strategy, logger *slog.Logger, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if bo == nil {
		bo = backoff.Default()
	}
	return &Pool{
		queue:    q,
		registry: registry,
		backoff:  bo,
		logger:   logger,
		cfg:      cfg,
	}
}

// Start launches the executor goroutines and returns immediately.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return
	}
	p.active = true

	ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Info("worker pool starting",
		slog.Int("concurrency", p.cfg.Concurrency),
	)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.runLoop(ctx, i)
	}
}

// Stop cancels the executors and waits for in-flight jobs to reach
// their next checkpoint.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

func (p *Pool) runLoop(ctx context.Context, num int) {
	defer p.wg.Done()

	log := p.logger.With(slog.Int("executor", num))

	for {
		j, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.Error("dequeue failed", slog.String("error", err.Error()))
			continue
		}

		p.execute(ctx, log, j)
	}
}

// execute runs one job through its handler and settles the outcome
// with the queue.
func (p *Pool) execute(ctx context.Context, log *slog.Logger, j *job.Job) {
	log.Info("job picked up",
		slog.String("job_id", j.ID),
		slog.String("job_type", string(j.Type)),
		slog.Int("attempt", j.Attempts+1),
	)

	handler, ok := p.registry.Get(j.Type)
	if !ok {
		p.settleFail(ctx, log, j.ID, fmt.Sprintf("no handler registered for job type %q", j.Type))
		return
	}

	rep := &queueReporter{queue: p.queue, jobID: j.ID}
	result, err := handler(ctx, j, rep)

	switch {
	case err == nil:
		if completeErr := p.queue.Complete(ctx, j.ID, result); completeErr != nil {
			log.Error("complete failed",
				slog.String("job_id", j.ID),
				slog.String("error", completeErr.Error()),
			)
			return
		}
		log.Info("job completed", slog.String("job_id", j.ID))

	case errors.Is(err, job.ErrCancelled):
		if cancelErr := p.queue.ConfirmCancelled(ctx, j.ID); cancelErr != nil {
			log.Error("confirm cancel failed",
				slog.String("job_id", j.ID),
				slog.String("error", cancelErr.Error()),
			)
			return
		}
		log.Info("job cancelled at checkpoint", slog.String("job_id", j.ID))

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// The executor lost its context, not the job. Hand it back
		// without charging an attempt.
		if reqErr := p.queue.Requeue(context.Background(), j.ID); reqErr != nil {
			log.Error("requeue failed",
				slog.String("job_id", j.ID),
				slog.String("error", reqErr.Error()),
			)
			return
		}
		log.Info("job returned to queue on shutdown", slog.String("job_id", j.ID))

	case job.IsTransient(err):
		delay := p.backoff.Delay(j.Attempts + 1)
		if relErr := p.queue.Release(ctx, j.ID, err, delay); relErr != nil {
			log.Error("release failed",
				slog.String("job_id", j.ID),
				slog.String("error", relErr.Error()),
			)
			return
		}
		log.Warn("transient failure, job released",
			slog.String("job_id", j.ID),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)

	default:
		p.settleFail(ctx, log, j.ID, err.Error())
	}
}

func (p *Pool) settleFail(ctx context.Context, log *slog.Logger, jobID, cause string) {
	if err := p.queue.Fail(ctx, jobID, cause); err != nil {
		log.Error("fail failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	log.Warn("job failed permanently",
		slog.String("job_id", jobID),
		slog.String("cause", cause),
	)
}

// queueReporter funnels handler checkpoints into the queue, which
// persists progress, extends the lease, streams the event and surfaces
// cancellation.
type queueReporter struct {
	queue *queue.Queue
	jobID string
}

func (r *queueReporter) Progress(ctx context.Context, progress, step int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.queue.ReportProgress(ctx, r.jobID, progress, step)
}

func (r *queueReporter) SetTotalSteps(ctx context.Context, total int) error {
	return r.queue.SetTotalSteps(ctx, r.jobID, total)
}
