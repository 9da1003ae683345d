package adapter

// State of the adapter connection lifecycle
type State int

const (
	Uninitialized State = iota
	Initializing
	Open
	Closed
	Erroring
	Reconnecting
	// Degraded means reconnecting gave up; only Reinitialize leaves it
	Degraded
	Shutdown
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Erroring:
		return "erroring"
	case Reconnecting:
		return "reconnecting"
	case Degraded:
		return "degraded"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}
