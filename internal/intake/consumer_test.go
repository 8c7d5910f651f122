package intake

import (
	"context"
	"errors"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phamdk/lingocore/internal/job"
	"github.com/phamdk/lingocore/internal/jobstore"
	"github.com/phamdk/lingocore/internal/queue"
	"github.com/phamdk/lingocore/shared/logger"
)

// fakeAcker records the acknowledgement a delivery received.
type fakeAcker struct {
	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcker) Ack(uint64, bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = true
	return nil
}

func (f *fakeAcker) Nack(_ uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAcker) Reject(_ uint64, requeue bool) error {
	return f.Nack(0, false, requeue)
}

func newTestConsumer(t *testing.T, store job.Store) *Consumer {
	t.Helper()

	q := queue.New(store, nil, logger.Nop().Logger, queue.Config{})
	t.Cleanup(q.Stop)

	cfg := ConsumerConfig{}
	cfg.applyDefaults()
	return &Consumer{
		queue:  q,
		store:  store,
		logger: logger.Nop().Logger,
		cfg:    cfg,
		done:   make(chan struct{}),
	}
}

func delivery(t *testing.T, acker *fakeAcker, m *Message) amqp.Delivery {
	t.Helper()

	body, err := m.Encode()
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: acker, DeliveryTag: 1, Body: body}
}

func TestConsumerAcksValidSubmit(t *testing.T) {
	store := jobstore.NewMemory()
	require.NoError(t, store.Create(context.Background(), &job.Job{
		ID:      "job-1",
		Type:    job.TypeTranslation,
		Status:  job.StatusQueued,
		OwnerID: "alice",
		Payload: []byte(`{"segments":["hi"],"source_lang":"en","target_lang":"de"}`),
	}))
	c := newTestConsumer(t, store)

	acker := &fakeAcker{}
	c.handle(context.Background(), delivery(t, acker, &Message{Kind: KindSubmit, JobID: "job-1"}))

	assert.True(t, acker.acked)
	assert.False(t, acker.nacked)
}

func TestConsumerRejectsMalformedBody(t *testing.T) {
	c := newTestConsumer(t, jobstore.NewMemory())

	acker := &fakeAcker{}
	c.handle(context.Background(), amqp.Delivery{
		Acknowledger: acker,
		DeliveryTag:  1,
		Body:         []byte("not json"),
	})

	assert.True(t, acker.nacked)
	assert.False(t, acker.requeue, "malformed messages must not be redelivered")
}

func TestConsumerRejectsInvalidPayloadWithoutRequeue(t *testing.T) {
	store := jobstore.NewMemory()
	// The record carries a type no handler recognizes; Submit rejects
	// it permanently and redelivery cannot change that.
	require.NoError(t, store.Create(context.Background(), &job.Job{
		ID:      "job-1",
		Type:    job.Type("holographic_translation"),
		Status:  job.StatusQueued,
		OwnerID: "alice",
	}))
	c := newTestConsumer(t, store)

	acker := &fakeAcker{}
	c.handle(context.Background(), delivery(t, acker, &Message{Kind: KindSubmit, JobID: "job-1"}))

	assert.True(t, acker.nacked)
	assert.False(t, acker.requeue, "permanent submit failures must not loop through the broker")
}

// unavailableStore fails every read.
type unavailableStore struct {
	job.Store
}

func (unavailableStore) Get(context.Context, string) (*job.Job, error) {
	return nil, errors.New("backend unavailable")
}

func TestConsumerRequeuesOnTransientStoreError(t *testing.T) {
	c := newTestConsumer(t, unavailableStore{Store: jobstore.NewMemory()})

	acker := &fakeAcker{}
	c.handle(context.Background(), delivery(t, acker, &Message{Kind: KindSubmit, JobID: "job-1"}))

	assert.True(t, acker.nacked)
	assert.True(t, acker.requeue, "a flaky store read deserves redelivery")
}
