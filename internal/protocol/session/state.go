package session

// State is the connection lifecycle. Only Conn methods move it.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDraining
	StateClosed
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// Phase is the session orchestrator state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStreaming
	PhaseResolving
	PhaseRepairing
	PhaseDone
	PhaseFailed
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStreaming:
		return "streaming"
	case PhaseResolving:
		return "resolving"
	case PhaseRepairing:
		return "repairing"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	case PhaseAborted:
		return "aborted"
	default:
		return "unknown"
	}
}
