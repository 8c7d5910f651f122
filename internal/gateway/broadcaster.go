package gateway

import (
	"log/slog"
	"sync/atomic"

	"github.com/phamdk/lingocore/internal/job"
)

// Broadcaster turns job state transitions into room broadcasts. It is
// wired into the queue as its notifier, so every persisted transition
// produces exactly one event in the job's room. Connections that
// cannot keep up are closed instead of slowing the queue down.
type Broadcaster struct {
	rooms    *Rooms
	registry *Registry
	logger   *slog.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBroadcaster creates a broadcaster over the given rooms and
// registry.
func NewBroadcaster(rooms *Rooms, registry *Registry, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		rooms:    rooms,
		registry: registry,
		logger:   logger,
	}
}

// JobUpdated publishes the snapshot to the job's room. Slow consumers
// whose outbound buffers are full get disconnected here.
func (b *Broadcaster) JobUpdated(snap job.Snapshot) {
	env := NewProgressEnvelope(snap)

	delivered, overflowed := b.rooms.Broadcast(RoomID(snap.JobID), env)
	b.published.Add(int64(delivered))

	for _, c := range overflowed {
		b.dropped.Add(1)
		b.logger.Warn("disconnecting slow consumer",
			slog.String("conn_id", c.ID),
			slog.String("job_id", snap.JobID),
		)
		b.registry.Close(c.ID)
	}
}

// Published returns the number of events delivered to connections.
func (b *Broadcaster) Published() int64 { return b.published.Load() }

// Dropped returns the number of connections closed for overflowing.
func (b *Broadcaster) Dropped() int64 { return b.dropped.Load() }
