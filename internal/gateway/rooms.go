package gateway

import (
	"context"
	"log/slog"
	"sync"

	"github.com/phamdk/lingocore/internal/job"
)

// Rooms maps job rooms to their member connections and back. Both
// directions mutate under one lock, so a connection's room set and a
// room's member set can never diverge. Rooms are created lazily on
// first subscribe and deleted once empty.
type Rooms struct {
	store  job.Store
	logger *slog.Logger

	mu      sync.Mutex
	members map[string]map[string]*Conn    // roomID → connID → conn
	byConn  map[string]map[string]struct{} // connID → roomIDs
}

// NewRooms creates the room subscription manager.
func NewRooms(store job.Store, logger *slog.Logger) *Rooms {
	return &Rooms{
		store:   store,
		logger:  logger,
		members: make(map[string]map[string]*Conn),
		byConn:  make(map[string]map[string]struct{}),
	}
}

// Subscribe joins the connection to the job's room after the
// authorization check: the connection must be authenticated and its
// identity must be the job's owner or belong to the job's
// organization. On success the job's current snapshot is replayed to
// this connection only, so a subscriber never has a gap before its
// first event.
func (r *Rooms) Subscribe(ctx context.Context, c *Conn, jobID string) error {
	id := c.Identity()
	if id == nil {
		return job.ErrUnauthenticated
	}

	j, err := r.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if !j.CanWatch(id.Actor()) {
		r.logger.Warn("subscribe rejected",
			slog.String("conn_id", c.ID),
			slog.String("job_id", jobID),
			slog.String("user_id", id.UserID),
		)
		return job.ErrForbidden
	}

	roomID := RoomID(jobID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if c.Closed() {
		return ErrConnNotFound
	}

	// Re-read under the lock Broadcast publishes under: any event
	// committed before this point is contained in the replayed
	// snapshot, and any event after it is delivered to the new member.
	j, err = r.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	snap := j.Snapshot()

	room, ok := r.members[roomID]
	if !ok {
		room = make(map[string]*Conn)
		r.members[roomID] = room
	}
	room[c.ID] = c

	set, ok := r.byConn[c.ID]
	if !ok {
		set = make(map[string]struct{})
		r.byConn[c.ID] = set
	}
	set[roomID] = struct{}{}

	c.Send(NewProgressEnvelope(snap))

	r.logger.Debug("subscribed",
		slog.String("conn_id", c.ID),
		slog.String("room_id", roomID),
	)
	return nil
}

// Unsubscribe removes the membership. Idempotent.
func (r *Rooms) Unsubscribe(connID, jobID string) {
	roomID := RoomID(jobID)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.leaveLocked(connID, roomID)
}

// Cleanup removes the connection from every room it belonged to.
// Called by the registry on close, before the socket is torn down.
func (r *Rooms) Cleanup(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for roomID := range r.byConn[connID] {
		r.leaveLocked(connID, roomID)
	}
}

// leaveLocked removes one membership edge from both maps and garbage
// collects empty structures. Caller holds r.mu.
func (r *Rooms) leaveLocked(connID, roomID string) {
	if room, ok := r.members[roomID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.members, roomID)
		}
	}
	if set, ok := r.byConn[connID]; ok {
		delete(set, roomID)
		if len(set) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// Broadcast delivers the envelope to every member of the room and
// returns the connections whose buffers overflowed; the caller closes
// those rather than letting them backpressure everyone else. Sending
// under the lock keeps per-room, per-connection delivery ordered.
func (r *Rooms) Broadcast(roomID string, env *Envelope) (delivered int, overflowed []*Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.members[roomID] {
		if c.Send(env) {
			delivered++
		} else {
			overflowed = append(overflowed, c)
		}
	}
	return delivered, overflowed
}

// IsMember reports whether the connection is in the job's room.
func (r *Rooms) IsMember(connID, jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.members[RoomID(jobID)]
	if !ok {
		return false
	}
	_, ok = room[connID]
	return ok
}

// MemberCount returns the size of the job's room.
func (r *Rooms) MemberCount(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members[RoomID(jobID)])
}

// RoomCount returns the number of live rooms.
func (r *Rooms) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
