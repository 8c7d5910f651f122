package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/phamdk/lingocore/internal/job"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 << 10
)

// Server is the WebSocket transport. It upgrades HTTP requests,
// registers the socket with the registry, and runs one read pump and
// one write pump per connection. All session state lives in the
// registry and rooms; the server is just the wire.
type Server struct {
	registry *Registry
	rooms    *Rooms
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates the WebSocket endpoint handler.
func NewServer(registry *Registry, rooms *Rooms, logger *slog.Logger) *Server {
	return &Server{
		registry: registry,
		rooms:    rooms,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients connect from the web app's origin;
			// token auth happens on the first envelope instead.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handle upgrades the request and serves the connection until either
// side goes away.
func (s *Server) Handle(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn := s.registry.Open()
	go s.writePump(ws, conn)
	s.readPump(c, ws, conn)
}

// readPump decodes inbound envelopes and dispatches them. It owns the
// socket's read side and is the only goroutine that closes the
// registry entry on the way out.
func (s *Server) readPump(c *gin.Context, ws *websocket.Conn, conn *Conn) {
	defer s.registry.Close(conn.ID)

	ws.SetReadLimit(maxMessageSize)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed",
					slog.String("conn_id", conn.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			conn.Send(NewErrorEnvelope(CodeBadRequest, "malformed envelope", ""))
			continue
		}

		s.dispatch(c, conn, &env)
	}
}

func (s *Server) dispatch(c *gin.Context, conn *Conn, env *Envelope) {
	switch env.Type {
	case MsgAuth:
		var p AuthPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Token == "" {
			conn.Send(NewErrorEnvelope(CodeBadRequest, "auth requires a token", ""))
			return
		}
		id, err := s.registry.Authenticate(conn.ID, p.Token)
		if err != nil {
			conn.Send(NewErrorEnvelope(errorCode(err), err.Error(), ""))
			return
		}
		conn.Send(NewAuthAckEnvelope(conn.ID, id))

	case MsgSubscribe:
		if env.JobID == "" {
			conn.Send(NewErrorEnvelope(CodeBadRequest, "subscribe requires job_id", ""))
			return
		}
		if err := s.rooms.Subscribe(c.Request.Context(), conn, env.JobID); err != nil {
			conn.Send(NewErrorEnvelope(errorCode(err), err.Error(), env.JobID))
			return
		}
		conn.Send(NewAckEnvelope(MsgSubscribe, env.JobID))

	case MsgUnsubscribe:
		if env.JobID == "" {
			conn.Send(NewErrorEnvelope(CodeBadRequest, "unsubscribe requires job_id", ""))
			return
		}
		s.rooms.Unsubscribe(conn.ID, env.JobID)
		conn.Send(NewAckEnvelope(MsgUnsubscribe, env.JobID))

	case MsgHeartbeat:
		// Liveness only; no ack.
		_ = s.registry.Heartbeat(conn.ID)

	default:
		conn.Send(NewErrorEnvelope(CodeBadRequest, "unknown message type", ""))
	}
}

// writePump drains the outbound buffer onto the socket. It exits when
// the registry closes the connection or a write fails.
func (s *Server) writePump(ws *websocket.Conn, conn *Conn) {
	defer ws.Close()

	for {
		select {
		case <-conn.Done():
			deadline := time.Now().Add(writeWait)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case env := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(env); err != nil {
				s.registry.Close(conn.ID)
				return
			}
		}
	}
}

// errorCode maps domain sentinels onto wire error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, job.ErrUnauthenticated),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrConnNotFound):
		return CodeUnauthenticated
	case errors.Is(err, job.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, job.ErrNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}
