package intake

import (
	"context"
	"log/slog"
	"time"

	"github.com/phamdk/lingocore/internal/job"
	"github.com/phamdk/lingocore/shared/rabbitmq"
)

const contentTypeJSON = "application/json"

// Publisher sends intake commands from the edge service.
type Publisher struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewPublisher wraps the broker client.
func NewPublisher(client *rabbitmq.Client, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// Submit announces a freshly persisted job to the orchestrator.
func (p *Publisher) Submit(ctx context.Context, jobID string) error {
	return p.publish(ctx, &Message{
		Kind:       KindSubmit,
		JobID:      jobID,
		EnqueuedAt: time.Now().UTC(),
	})
}

// Cancel forwards a cancellation request on behalf of the actor.
func (p *Publisher) Cancel(ctx context.Context, jobID string, actor job.Actor) error {
	return p.publish(ctx, &Message{
		Kind:  KindCancel,
		JobID: jobID,
		Actor: &Actor{
			UserID:   actor.UserID,
			OrgID:    actor.OrgID,
			OrgAdmin: actor.OrgAdmin,
		},
		EnqueuedAt: time.Now().UTC(),
	})
}

func (p *Publisher) publish(ctx context.Context, m *Message) error {
	body, err := m.Encode()
	if err != nil {
		return err
	}
	if err := p.client.PublishWithRetry(ctx, body, contentTypeJSON); err != nil {
		return err
	}
	p.logger.Debug("intake message published",
		slog.String("kind", m.Kind),
		slog.String("job_id", m.JobID),
	)
	return nil
}
