package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/phamdk/lingocore/internal/job"
	"github.com/phamdk/lingocore/internal/queue"
	"github.com/phamdk/lingocore/shared/rabbitmq"
)

// ConsumerConfig tunes delivery handling.
type ConsumerConfig struct {
	// Tag identifies this consumer on the channel.
	Tag string

	// PrefetchCount bounds unacked deliveries. Default 8.
	PrefetchCount int
}

func (c *ConsumerConfig) applyDefaults() {
	if c.Tag == "" {
		c.Tag = "lingocore-orchestrator"
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 8
	}
}

// Consumer drains the intake queue on the orchestrator. Malformed
// messages are rejected without requeue; transient failures (store
// unreachable) are requeued for redelivery. Submit is idempotent on
// the queue side, so redelivery of an already scheduled job is a
// no-op.
type Consumer struct {
	client *rabbitmq.Client
	queue  *queue.Queue
	store  job.Store
	logger *slog.Logger
	cfg    ConsumerConfig

	done chan struct{}
}

// NewConsumer creates the intake consumer.
func NewConsumer(client *rabbitmq.Client, q *queue.Queue, store job.Store, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		client: client,
		queue:  q,
		store:  store,
		logger: logger,
		cfg:    cfg,
		done:   make(chan struct{}),
	}
}

// Start begins consuming. It returns once the consumer loop is
// running; the loop exits when ctx is cancelled or the broker channel
// closes.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.client.Channel().Qos(c.cfg.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("set consumer qos: %w", err)
	}

	deliveries, err := c.client.Consume(c.cfg.Tag)
	if err != nil {
		return err
	}

	go c.run(ctx, deliveries)
	return nil
}

// Done is closed when the consumer loop has exited.
func (c *Consumer) Done() <-chan struct{} { return c.done }

func (c *Consumer) run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("intake delivery channel closed")
				return
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	m, err := Decode(d.Body)
	if err != nil {
		c.logger.Error("rejecting malformed intake message",
			slog.Any("error", err),
		)
		_ = d.Nack(false, false)
		return
	}

	switch m.Kind {
	case KindSubmit:
		err = c.handleSubmit(ctx, m)
	case KindCancel:
		err = c.handleCancel(ctx, m)
	}

	if err != nil {
		// Permanent failures cannot be cured by redelivery.
		requeue := !errors.Is(err, job.ErrInvalidPayload)
		c.logger.Error("intake message failed",
			slog.String("kind", m.Kind),
			slog.String("job_id", m.JobID),
			slog.Bool("requeue", requeue),
			slog.Any("error", err),
		)
		_ = d.Nack(false, requeue)
		return
	}

	_ = d.Ack(false)
}

// handleSubmit loads the record the edge persisted and schedules it.
func (c *Consumer) handleSubmit(ctx context.Context, m *Message) error {
	j, err := c.store.Get(ctx, m.JobID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			// The record never made it; nothing to schedule and
			// redelivery cannot help.
			c.logger.Warn("dropping submit for unknown job",
				slog.String("job_id", m.JobID),
			)
			return nil
		}
		return err
	}

	if _, err := c.queue.Submit(ctx, j); err != nil {
		if errors.Is(err, job.ErrAlreadyExists) {
			return nil
		}
		return err
	}

	c.logger.Info("job scheduled from intake",
		slog.String("job_id", m.JobID),
		slog.String("job_type", string(j.Type)),
	)
	return nil
}

// handleCancel applies the cancellation with the original actor, so
// the ownership check still holds on this side.
func (c *Consumer) handleCancel(ctx context.Context, m *Message) error {
	actor := job.Actor{
		UserID:   m.Actor.UserID,
		OrgID:    m.Actor.OrgID,
		OrgAdmin: m.Actor.OrgAdmin,
	}

	err := c.queue.Cancel(ctx, m.JobID, actor)
	switch {
	case err == nil:
		c.logger.Info("job cancelled from intake", slog.String("job_id", m.JobID))
		return nil
	case errors.Is(err, job.ErrNotFound), errors.Is(err, job.ErrForbidden):
		// Authoritative outcomes; redelivery cannot change them.
		c.logger.Warn("dropping cancel",
			slog.String("job_id", m.JobID),
			slog.Any("error", err),
		)
		return nil
	default:
		return err
	}
}
