package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phamdk/lingocore/internal/job"
)

// RegistryConfig tunes connection lifecycle behaviour.
type RegistryConfig struct {
	// HeartbeatTimeout is how long a connection may stay silent before
	// the sweeper force-closes it. Default 90s.
	HeartbeatTimeout time.Duration

	// SweepInterval is how often liveness is checked. Default 15s.
	SweepInterval time.Duration

	// OutboundBuffer is the per-connection delivery buffer. Default 64.
	OutboundBuffer int
}

func (c *RegistryConfig) applyDefaults() {
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 90 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 15 * time.Second
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 64
	}
}

// Registry tracks live connections and their liveness. Closing a
// connection here is the single teardown path: it removes the
// connection from every room before the socket goes away, so nothing
// ever fans out to a dead member.
type Registry struct {
	verifier TokenVerifier
	rooms    *Rooms
	logger   *slog.Logger
	cfg      RegistryConfig

	mu    sync.RWMutex
	conns map[string]*Conn

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRegistry creates a connection registry.
func NewRegistry(verifier TokenVerifier, rooms *Rooms, logger *slog.Logger, cfg RegistryConfig) *Registry {
	cfg.applyDefaults()
	return &Registry{
		verifier: verifier,
		rooms:    rooms,
		logger:   logger,
		cfg:      cfg,
		conns:    make(map[string]*Conn),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the liveness sweeper.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop halts the sweeper and closes every connection.
func (r *Registry) Stop() {
	r.once.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()

	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		r.Close(c.ID)
	}
}

// Open registers a new unauthenticated connection.
func (r *Registry) Open() *Conn {
	c := newConn(uuid.NewString(), r.cfg.OutboundBuffer)

	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()

	r.logger.Debug("connection opened", slog.String("conn_id", c.ID))
	return c
}

// Get looks up a connection by id.
func (r *Registry) Get(connID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Authenticate verifies the token and attaches the identity. Until it
// succeeds, every room operation on the connection is rejected.
func (r *Registry) Authenticate(connID, token string) (*Identity, error) {
	c, ok := r.Get(connID)
	if !ok {
		return nil, ErrConnNotFound
	}

	id, err := r.verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	c.setIdentity(id)
	c.Touch()

	r.logger.Info("connection authenticated",
		slog.String("conn_id", connID),
		slog.String("user_id", id.UserID),
		slog.String("org_id", id.OrgID),
	)
	return id, nil
}

// Heartbeat refreshes a connection's liveness window.
func (r *Registry) Heartbeat(connID string) error {
	c, ok := r.Get(connID)
	if !ok {
		return ErrConnNotFound
	}
	c.Touch()
	return nil
}

// Close removes the connection from the registry and from every room
// it belonged to, then signals the transport to drop the socket.
func (r *Registry) Close(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	delete(r.conns, connID)
	r.mu.Unlock()

	if ok {
		c.close()
	}

	// Cleanup runs even for ids already gone from the registry: a
	// close racing a subscribe can leave a membership behind, and the
	// next close must be able to reap it.
	r.rooms.Cleanup(connID)

	if ok {
		r.logger.Debug("connection closed", slog.String("conn_id", connID))
	}
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep force-closes connections silent past the heartbeat timeout.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.cfg.HeartbeatTimeout)

	r.mu.RLock()
	var stale []string
	for id, c := range r.conns {
		if c.LastHeartbeat().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.logger.Warn("connection heartbeat timed out", slog.String("conn_id", id))
		r.Close(id)
	}
}

// Actor returns the job-domain actor for an authenticated connection.
func (r *Registry) Actor(connID string) (job.Actor, error) {
	c, ok := r.Get(connID)
	if !ok {
		return job.Actor{}, ErrConnNotFound
	}
	id := c.Identity()
	if id == nil {
		return job.Actor{}, job.ErrUnauthenticated
	}
	return id.Actor(), nil
}
