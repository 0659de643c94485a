// Package models defines the shared data types of the triad coordination
// core: chat messages exchanged over the in-process bus, task definitions
// tracked by the coordinator, and the wire envelope spoken between the
// coordinator and remote workers.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ── Chat Messages ────────────────────────────────────────────

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one utterance in a room. Messages are immutable once created;
// the bus, the history store, and every agent only ever read them.
type Message struct {
	Room      string         `json:"room"`
	Sender    string         `json:"sender"`
	Content   string         `json:"content"`
	Role      Role           `json:"role"`
	Timestamp time.Time      `json:"ts"`
	Meta      map[string]any `json:"meta"`
}

// NewMessage builds a message stamped with the current UTC time.
// Meta is never nil so consumers can index into it without checking.
func NewMessage(room, sender, content string, role Role, meta map[string]any) Message {
	if meta == nil {
		meta = map[string]any{}
	}
	return Message{
		Room:      room,
		Sender:    sender,
		Content:   content,
		Role:      role,
		Timestamp: time.Now().UTC(),
		Meta:      meta,
	}
}

// ── Tasks ────────────────────────────────────────────────────

// TaskStatus is the lifecycle state of a distributed task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal tasks never
// transition again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// TaskSpec is the caller-supplied description of work to distribute.
type TaskSpec struct {
	Type                 string         `json:"type"`
	Description          string         `json:"description"`
	Payload              map[string]any `json:"payload"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	Priority             int            `json:"priority"`
	TimeoutSeconds       int            `json:"timeout_seconds"`
}

// TaskDefinition is a submitted task plus the coordinator's bookkeeping.
// Only the coordinator mutates it.
type TaskDefinition struct {
	ID                   string         `json:"id"`
	Type                 string         `json:"type"`
	Description          string         `json:"description"`
	Payload              map[string]any `json:"payload"`
	RequiredCapabilities []string       `json:"required_capabilities"`
	Priority             int            `json:"priority"`
	TimeoutSeconds       int            `json:"timeout_seconds"`
	CreatedAt            time.Time      `json:"created_at"`
	AssignedAgent        string         `json:"assigned_agent,omitempty"`
	Status               TaskStatus     `json:"status"`
	Result               any            `json:"result,omitempty"`
	Error                string         `json:"error,omitempty"`
}

// AgentCapabilities is the registration record for a connected worker.
// LoadFactor is advisory: 0.0 means idle, 1.0 fully loaded.
type AgentCapabilities struct {
	AgentID       string    `json:"agent_id"`
	Capabilities  []string  `json:"capabilities"`
	LoadFactor    float64   `json:"load_factor"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// ── Wire Envelope ────────────────────────────────────────────

// MessageType tags a wire envelope. The set is closed: the coordinator and
// worker dispatch with an exhaustive switch over these values.
type MessageType string

const (
	TypeTaskRequest       MessageType = "task_request"
	TypeTaskResponse      MessageType = "task_response"
	TypeTaskUpdate        MessageType = "task_update"
	TypeAgentRegistration MessageType = "agent_registration"
	TypeAgentHeartbeat    MessageType = "agent_heartbeat"
	TypeCoordination      MessageType = "coordination"
	TypeBroadcast         MessageType = "broadcast"
)

// Valid reports whether t is a known envelope type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeTaskRequest, TypeTaskResponse, TypeTaskUpdate,
		TypeAgentRegistration, TypeAgentHeartbeat, TypeCoordination, TypeBroadcast:
		return true
	}
	return false
}

// Envelope is one frame on the coordinator wire protocol: a typed, addressed
// JSON message. Recipient is empty for broadcasts. Payload stays raw so each
// handler can decode its own typed payload.
type Envelope struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	Sender        string          `json:"sender"`
	Recipient     string          `json:"recipient,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEnvelope builds an envelope with a fresh ID and timestamp. The payload
// must marshal to JSON; a marshal failure leaves the payload empty, which the
// receiving side treats as a protocol error.
func NewEnvelope(t MessageType, sender, recipient string, payload any) Envelope {
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	return Envelope{
		ID:        uuid.New().String(),
		Type:      t,
		Sender:    sender,
		Recipient: recipient,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
}

// ── Envelope Payloads ────────────────────────────────────────

// RegistrationPayload is sent by a worker as its first frame.
type RegistrationPayload struct {
	Capabilities []string `json:"capabilities"`
}

// RegisteredPayload confirms a registration back to the worker.
type RegisteredPayload struct {
	Status  string `json:"status"`
	AgentID string `json:"agent_id"`
}

// HeartbeatPayload carries a worker's advisory load.
type HeartbeatPayload struct {
	LoadFactor float64 `json:"load_factor"`
}

// TaskAssignment is the slice of a task a worker needs to execute it.
type TaskAssignment struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Description    string         `json:"description"`
	Payload        map[string]any `json:"payload"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

// TaskRequestPayload dispatches a task to its assigned worker.
type TaskRequestPayload struct {
	Task TaskAssignment `json:"task"`
}

// TaskResponsePayload reports the outcome of an assigned task.
type TaskResponsePayload struct {
	TaskID  string          `json:"task_id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// TaskUpdatePayload carries a coordinator-side change to an in-flight task.
// Action "cancel" asks the worker to abandon the task; acknowledgement is
// not required.
type TaskUpdatePayload struct {
	TaskID string `json:"task_id"`
	Action string `json:"action"`
}

// ErrorPayload is returned on a malformed or unprocessable frame. The
// connection stays open.
type ErrorPayload struct {
	Error string `json:"error"`
}
