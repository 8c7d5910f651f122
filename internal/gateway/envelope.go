// Package gateway implements the realtime notification side: the
// connection registry, room subscriptions scoped per job, the progress
// broadcaster, and the WebSocket transport speaking the line-delimited
// envelope protocol.
package gateway

import (
	"encoding/json"
	"time"

	"github.com/phamdk/lingocore/internal/job"
)

// MessageType tags an envelope.
type MessageType string

const (
	// Client → server.
	MsgAuth        MessageType = "auth"
	MsgSubscribe   MessageType = "subscribe"
	MsgUnsubscribe MessageType = "unsubscribe"
	MsgHeartbeat   MessageType = "heartbeat"

	// Server → client. Auth/subscribe/unsubscribe double as acks.
	MsgJobProgress MessageType = "job_progress"
	MsgError       MessageType = "error"
)

// Envelope is the single message frame on the gateway wire.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Error codes carried on error envelopes.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeBadRequest      = "bad_request"
	CodeInternal        = "internal"
)

// AuthPayload carries the bearer token on client auth envelopes.
type AuthPayload struct {
	Token string `json:"token"`
}

// AuthAck confirms authentication.
type AuthAck struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
	OrgID        string `json:"org_id,omitempty"`
}

// SubscribeAck confirms a subscribe or unsubscribe.
type SubscribeAck struct {
	JobID  string `json:"job_id"`
	RoomID string `json:"room_id"`
}

// ErrorPayload describes a failed operation.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RoomID derives the broadcast room for a job.
func RoomID(jobID string) string { return "job:" + jobID }

func envelope(t MessageType, payload any, jobID string) *Envelope {
	env := &Envelope{
		Type:      t,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
	}
	if jobID != "" {
		env.RoomID = RoomID(jobID)
	}
	if payload != nil {
		// Payload types are plain structs; marshalling cannot fail.
		env.Payload, _ = json.Marshal(payload)
	}
	return env
}

// NewErrorEnvelope builds a server error message.
func NewErrorEnvelope(code, message, jobID string) *Envelope {
	return envelope(MsgError, ErrorPayload{Code: code, Message: message}, jobID)
}

// NewAuthAckEnvelope acknowledges authentication.
func NewAuthAckEnvelope(connID string, id *Identity) *Envelope {
	return envelope(MsgAuth, AuthAck{
		ConnectionID: connID,
		UserID:       id.UserID,
		OrgID:        id.OrgID,
	}, "")
}

// NewAckEnvelope acknowledges a subscribe or unsubscribe.
func NewAckEnvelope(t MessageType, jobID string) *Envelope {
	return envelope(t, SubscribeAck{JobID: jobID, RoomID: RoomID(jobID)}, jobID)
}

// NewProgressEnvelope wraps a job snapshot for delivery to room
// members; the same shape is replayed on subscribe.
func NewProgressEnvelope(snap job.Snapshot) *Envelope {
	return envelope(MsgJobProgress, snap, snap.JobID)
}
