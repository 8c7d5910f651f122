// Package intake bridges the edge service and the orchestrator over
// RabbitMQ. The edge persists the job record, then publishes a small
// command message; the orchestrator consumes it and drives the queue.
// Messages carry ids, not job bodies, so the store stays the single
// source of truth.
package intake

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message kinds.
const (
	KindSubmit = "submit"
	KindCancel = "cancel"
)

// Actor identifies who asked for a cancel, for the authorization
// check on the orchestrator side.
type Actor struct {
	UserID   string `json:"user_id"`
	OrgID    string `json:"org_id,omitempty"`
	OrgAdmin bool   `json:"org_admin,omitempty"`
}

// Message is one command on the intake queue.
type Message struct {
	Kind       string    `json:"kind"`
	JobID      string    `json:"job_id"`
	Actor      *Actor    `json:"actor,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Validate rejects messages the consumer could never act on.
func (m *Message) Validate() error {
	if m.JobID == "" {
		return fmt.Errorf("intake message missing job_id")
	}
	switch m.Kind {
	case KindSubmit:
		return nil
	case KindCancel:
		if m.Actor == nil || m.Actor.UserID == "" {
			return fmt.Errorf("cancel message missing actor")
		}
		return nil
	default:
		return fmt.Errorf("unknown intake message kind %q", m.Kind)
	}
}

// Encode serializes the message for publishing.
func (m *Message) Encode() ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates a delivery body.
func Decode(body []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode intake message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
