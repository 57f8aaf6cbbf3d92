// Package protocol defines the wire types for the remote task protocol:
// agent cards, messages, tasks with an explicit lifecycle state machine,
// typed content parts and the JSON-RPC envelope used for unary calls.
package protocol

import (
	"encoding/json"
	"fmt"
)

// WellKnownCardPath is the discovery path for a worker's registration card.
const WellKnownCardPath = "/.well-known/agent.json"

// RPC method names.
const (
	MethodMessageSend   = "message/send"
	MethodMessageStream = "message/stream"
	MethodTasksList     = "tasks/list"
)

// AgentCard is a worker's registration card, served at WellKnownCardPath.
// Cards are immutable once registered; re-registration under the same name
// replaces the previous card.
type AgentCard struct {
	Name               string       `json:"name"`
	Description        string       `json:"description"`
	URL                string       `json:"url"`
	Version            string       `json:"version,omitempty"`
	Capabilities       Capabilities `json:"capabilities"`
	DefaultInputModes  []string     `json:"defaultInputModes"`
	DefaultOutputModes []string     `json:"defaultOutputModes"`
}

// Capabilities describes how a worker can be spoken to.
type Capabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications"`
}

// TaskState is the closed set of lifecycle states a remote task can be in.
type TaskState string

const (
	TaskSubmitted     TaskState = "submitted"
	TaskWorking       TaskState = "working"
	TaskInputRequired TaskState = "input_required"
	TaskCompleted     TaskState = "completed"
	TaskCanceled      TaskState = "canceled"
	TaskFailed        TaskState = "failed"
	TaskUnknown       TaskState = "unknown"
)

// Terminal reports whether the state ends the task's lifecycle.
// input_required ends the current turn but not the task, so it is not
// terminal here; callers that only care about the turn should also check
// for TaskInputRequired.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskCanceled, TaskFailed, TaskUnknown:
		return true
	}
	return false
}

// TaskStatus is the current state of a task plus the status message that
// carried it, if any.
type TaskStatus struct {
	State   TaskState `json:"state"`
	Message *Message  `json:"message,omitempty"`
}

// Task is a stateful unit of work tracked by a worker across turns.
type Task struct {
	ID        string     `json:"id"`
	ContextID string     `json:"contextId,omitempty"`
	Status    TaskStatus `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	History   []Message  `json:"history,omitempty"`
}

// Artifact is a named output attached to a task.
type Artifact struct {
	ArtifactID string `json:"artifactId,omitempty"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// Message is a single stateless reply or request that needs no task tracking.
type Message struct {
	MessageID string `json:"messageId"`
	ContextID string `json:"contextId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
}

// SendParams is the payload of a message/send or message/stream call.
type SendParams struct {
	ID            string             `json:"id,omitempty"`
	Message       Message            `json:"message"`
	Configuration *SendConfiguration `json:"configuration,omitempty"`
}

// SendConfiguration carries per-call negotiation hints.
type SendConfiguration struct {
	AcceptedOutputModes []string `json:"acceptedOutputModes,omitempty"`
}

// StatusUpdateEvent is a streaming event signalling a task state change.
type StatusUpdateEvent struct {
	TaskID    string     `json:"taskId"`
	ContextID string     `json:"contextId,omitempty"`
	Status    TaskStatus `json:"status"`
	Final     bool       `json:"final"`
}

// ArtifactUpdateEvent is a streaming event attaching an artifact to a task.
type ArtifactUpdateEvent struct {
	TaskID    string   `json:"taskId"`
	ContextID string   `json:"contextId,omitempty"`
	Artifact  Artifact `json:"artifact"`
}

// Event is one item from a worker's stream: exactly one field is set.
type Event struct {
	Message        *Message
	Task           *Task
	StatusUpdate   *StatusUpdateEvent
	ArtifactUpdate *ArtifactUpdateEvent
}

// Final reports whether this event closes the stream.
func (e *Event) Final() bool {
	if e.Message != nil {
		return true
	}
	return e.StatusUpdate != nil && e.StatusUpdate.Final
}

// eventWire is the tagged JSON encoding of an Event.
type eventWire struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Event kinds on the wire.
const (
	eventKindMessage  = "message"
	eventKindTask     = "task"
	eventKindStatus   = "status-update"
	eventKindArtifact = "artifact-update"
)

// MarshalJSON encodes the event with a kind discriminator.
func (e Event) MarshalJSON() ([]byte, error) {
	var kind string
	var payload any
	switch {
	case e.Message != nil:
		kind, payload = eventKindMessage, e.Message
	case e.Task != nil:
		kind, payload = eventKindTask, e.Task
	case e.StatusUpdate != nil:
		kind, payload = eventKindStatus, e.StatusUpdate
	case e.ArtifactUpdate != nil:
		kind, payload = eventKindArtifact, e.ArtifactUpdate
	default:
		return nil, fmt.Errorf("empty event")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventWire{Kind: kind, Data: data})
}

// UnmarshalJSON decodes a tagged event. Unrecognized kinds are an error so
// that protocol drift surfaces instead of being silently dropped.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{}
	switch w.Kind {
	case eventKindMessage:
		e.Message = &Message{}
		return json.Unmarshal(w.Data, e.Message)
	case eventKindTask:
		e.Task = &Task{}
		return json.Unmarshal(w.Data, e.Task)
	case eventKindStatus:
		e.StatusUpdate = &StatusUpdateEvent{}
		return json.Unmarshal(w.Data, e.StatusUpdate)
	case eventKindArtifact:
		e.ArtifactUpdate = &ArtifactUpdateEvent{}
		return json.Unmarshal(w.Data, e.ArtifactUpdate)
	default:
		return fmt.Errorf("unknown event kind %q", w.Kind)
	}
}
