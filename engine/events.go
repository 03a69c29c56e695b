package engine

import "time"

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Link events
	EventLinkState EventType = iota + 1
	EventLinkAttempt

	// Power events
	EventPowerCondition
	EventSensorError

	// Session events
	EventSessionUp
	EventSessionDown
	EventStatusPublished

	// Job events
	EventJobQueued
	EventJobPrinted
	EventJobDropped

	// Shutdown events
	EventShutdownState
)

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// LinkStateEvent is emitted on every link state change.
type LinkStateEvent struct {
	State string `json:"state"`
	Addr  string `json:"addr,omitempty"`
}

// LinkAttemptEvent is emitted after each connect attempt.
type LinkAttemptEvent struct {
	Attempt int    `json:"attempt"`
	Error   string `json:"error,omitempty"`
}

// PowerConditionEvent is emitted when the debounced condition flips.
type PowerConditionEvent struct {
	Condition string `json:"condition"`
	Sample    uint16 `json:"sample"`
}

type SensorErrorEvent struct {
	Error string `json:"error"`
}

// SessionEvent covers both session up and session down.
type SessionEvent struct {
	Broker    string `json:"broker,omitempty"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}

// StatusPublishedEvent is emitted after a status reached the broker.
type StatusPublishedEvent struct {
	State      string `json:"state"`
	PowerLevel uint16 `json:"power_level"`
}

// JobQueuedEvent is emitted when a job enters the print queue.
type JobQueuedEvent struct {
	JobID      string    `json:"job_id"`
	Source     string    `json:"source"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
	Depth      int       `json:"depth"`
}

// JobPrintedEvent is emitted when the writer finished a job.
type JobPrintedEvent struct {
	JobID       string    `json:"job_id"`
	Source      string    `json:"source"`
	Text        string    `json:"text"`
	ReceivedAt  time.Time `json:"received_at"`
	Lines       int       `json:"lines"`
	WriteErrors int       `json:"write_errors"`
}

// JobDroppedEvent is emitted for rejected messages.
type JobDroppedEvent struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// ShutdownStateEvent is emitted on orchestrator transitions.
type ShutdownStateEvent struct {
	OldState string `json:"old_state"`
	NewState string `json:"new_state"`
}
