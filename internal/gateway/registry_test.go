package gateway

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phamdk/lingocore/internal/job"
	"github.com/phamdk/lingocore/internal/jobstore"
	"github.com/phamdk/lingocore/shared/logger"
)

func newTestRegistry(t *testing.T, cfg RegistryConfig) (*Registry, *Rooms, *jobstore.Memory) {
	t.Helper()

	store := jobstore.NewMemory()
	rooms := NewRooms(store, logger.Nop().Logger)
	registry := NewRegistry(NewJWTVerifier(testSecret, ""), rooms, logger.Nop().Logger, cfg)
	t.Cleanup(registry.Stop)
	return registry, rooms, store
}

func TestRegistryOpenAndAuthenticate(t *testing.T) {
	registry, _, _ := newTestRegistry(t, RegistryConfig{})

	c := registry.Open()
	require.NotEmpty(t, c.ID)
	assert.False(t, c.Authenticated())
	assert.Equal(t, 1, registry.Count())

	_, err := registry.Actor(c.ID)
	assert.ErrorIs(t, err, job.ErrUnauthenticated)

	token := signToken(t, testSecret, jwt.SigningMethodHS256, testClaims("alice", time.Now().Add(time.Hour)))
	id, err := registry.Authenticate(c.ID, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.True(t, c.Authenticated())

	actor, err := registry.Actor(c.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", actor.UserID)
}

func TestRegistryAuthenticateFailures(t *testing.T) {
	registry, _, _ := newTestRegistry(t, RegistryConfig{})
	c := registry.Open()

	_, err := registry.Authenticate("unknown-conn", "whatever")
	assert.ErrorIs(t, err, ErrConnNotFound)

	expired := signToken(t, testSecret, jwt.SigningMethodHS256, testClaims("alice", time.Now().Add(-time.Minute)))
	_, err = registry.Authenticate(c.ID, expired)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.False(t, c.Authenticated())
}

func TestRegistryCloseCleansUpRooms(t *testing.T) {
	registry, rooms, store := newTestRegistry(t, RegistryConfig{})

	j := &job.Job{ID: "job-1", Type: job.TypeTranslation, Status: job.StatusQueued, OwnerID: "alice"}
	require.NoError(t, store.Create(t.Context(), j))

	c := registry.Open()
	c.setIdentity(&Identity{UserID: "alice"})
	require.NoError(t, rooms.Subscribe(t.Context(), c, "job-1"))
	require.True(t, rooms.IsMember(c.ID, "job-1"))

	registry.Close(c.ID)

	assert.False(t, rooms.IsMember(c.ID, "job-1"))
	assert.Equal(t, 0, registry.Count())

	select {
	case <-c.Done():
	default:
		t.Fatal("connection not signalled as done")
	}

	// Closing twice is harmless.
	registry.Close(c.ID)
}

func TestRegistrySweepClosesStaleConnections(t *testing.T) {
	registry, _, _ := newTestRegistry(t, RegistryConfig{
		HeartbeatTimeout: 50 * time.Millisecond,
		SweepInterval:    10 * time.Millisecond,
	})
	registry.Start()

	stale := registry.Open()
	fresh := registry.Open()

	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if err := registry.Heartbeat(fresh.ID); err != nil {
				return
			}
			select {
			case <-stale.Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}()
	<-done

	select {
	case <-stale.Done():
	default:
		t.Fatal("stale connection survived the sweeper")
	}
	_, ok := registry.Get(fresh.ID)
	assert.True(t, ok, "heartbeating connection must survive")
}

func TestConnSendOverflow(t *testing.T) {
	c := newConn("c1", 2)

	env := NewErrorEnvelope(CodeInternal, "x", "")
	assert.True(t, c.Send(env))
	assert.True(t, c.Send(env))
	assert.False(t, c.Send(env), "third send must overflow a buffer of two")

	c.close()
	assert.False(t, c.Send(env), "send after close must fail")
}

func TestRegistryCloseReapsLateMembership(t *testing.T) {
	registry, rooms, store := newTestRegistry(t, RegistryConfig{})

	j := &job.Job{ID: "job-1", Type: job.TypeTranslation, Status: job.StatusQueued, OwnerID: "alice"}
	require.NoError(t, store.Create(t.Context(), j))

	c := registry.Open()
	c.setIdentity(&Identity{UserID: "alice"})
	registry.Close(c.ID)

	// A subscribe that lost the race against the close is rejected.
	err := rooms.Subscribe(t.Context(), c, "job-1")
	assert.ErrorIs(t, err, ErrConnNotFound)

	// And a membership that slipped in anyway is reaped by the next
	// close, even though the registry no longer knows the id.
	roomID := RoomID("job-1")
	rooms.mu.Lock()
	rooms.members[roomID] = map[string]*Conn{c.ID: c}
	rooms.byConn[c.ID] = map[string]struct{}{roomID: {}}
	rooms.mu.Unlock()

	registry.Close(c.ID)
	assert.False(t, rooms.IsMember(c.ID, "job-1"))
	assert.Equal(t, 0, rooms.RoomCount())
}
