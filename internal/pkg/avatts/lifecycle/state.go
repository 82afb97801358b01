package lifecycle

// State is the lifecycle state of the shared engine handle.
type State int32

const (
	// StateUninitialized is the state before the first trigger.
	StateUninitialized State = iota
	// StateInitializing means a background task is provisioning and building the engine.
	StateInitializing
	// StateReady means a handle is published.
	StateReady
	// StateFailed means the last initialization failed; a trigger may retry.
	StateFailed
	// StateShuttingDown means teardown has begun; no handle will be published.
	StateShuttingDown
	// StateDestroyed is terminal.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateShuttingDown:
		return "shutting_down"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

var transitions = map[State][]State{
	StateUninitialized: {StateInitializing, StateShuttingDown},
	StateInitializing:  {StateReady, StateFailed, StateShuttingDown},
	StateReady:         {StateShuttingDown},
	StateFailed:        {StateInitializing, StateShuttingDown},
	StateShuttingDown:  {StateDestroyed},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
