package shutdown

// Orchestrator states
const (
	StateRunning = "running"
	StatePending = "pending"
	StateHalted  = "halted"
)

// EventEmitter is the interface the shutdown package uses to emit events.
type EventEmitter interface {
	EmitShutdownState(oldState, newState string)
}
