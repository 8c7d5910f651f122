package gateway

import (
	"sync"
	"sync/atomic"
	"time"
)

// Conn is one live client connection. The registry owns its lifecycle;
// the transport drains Outbound and feeds inbound envelopes to the
// server handler.
type Conn struct {
	// ID is unique per socket lifetime.
	ID string

	openedAt time.Time

	mu       sync.RWMutex
	identity *Identity

	lastHeartbeat atomic.Value // time.Time

	// outbound is the bounded delivery buffer. A slow consumer fills
	// it up and gets disconnected instead of backpressuring the
	// broadcaster.
	outbound chan *Envelope
	dropped  atomic.Bool

	closed atomic.Bool
	done   chan struct{}
}

func newConn(id string, bufferSize int) *Conn {
	c := &Conn{
		ID:       id,
		openedAt: time.Now().UTC(),
		outbound: make(chan *Envelope, bufferSize),
		done:     make(chan struct{}),
	}
	c.lastHeartbeat.Store(time.Now().UTC())
	return c
}

// Identity returns the authenticated identity, or nil before a
// successful auth.
func (c *Conn) Identity() *Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Conn) setIdentity(id *Identity) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
}

// Authenticated reports whether the connection passed auth.
func (c *Conn) Authenticated() bool {
	return c.Identity() != nil
}

// Touch refreshes the liveness timestamp.
func (c *Conn) Touch() {
	c.lastHeartbeat.Store(time.Now().UTC())
}

// LastHeartbeat returns the most recent liveness timestamp.
func (c *Conn) LastHeartbeat() time.Time {
	return c.lastHeartbeat.Load().(time.Time)
}

// Send enqueues an envelope without blocking. It returns false when
// the connection is closed or its buffer is full; a full buffer marks
// the connection unhealthy and the caller is expected to close it.
func (c *Conn) Send(env *Envelope) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.outbound <- env:
		return true
	default:
		c.dropped.Store(true)
		return false
	}
}

// Outbound is drained by the transport's write loop.
func (c *Conn) Outbound() <-chan *Envelope { return c.outbound }

// Done is closed when the connection is shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Closed reports whether the connection has been shut down.
func (c *Conn) Closed() bool { return c.closed.Load() }

// close is idempotent; only the registry calls it.
func (c *Conn) close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
	}
}
