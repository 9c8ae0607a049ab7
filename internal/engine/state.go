package engine

// State is the lifecycle position of one Sandbox.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateRunning
	StateCompleted
	StateTimedOut
	StateFaulted
	StateCleaned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateFaulted:
		return "faulted"
	case StateCleaned:
		return "cleaned"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends an execution.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateFaulted
}
