package repl

import "fmt"

// State is where the engine is in the raw REPL exchange
type State int

const (
	Idle State = iota
	Interrupting
	RawMode
	Executing
	ExitingRaw
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Interrupting:
		return "interrupting"
	case RawMode:
		return "raw"
	case Executing:
		return "executing"
	case ExitingRaw:
		return "exiting-raw"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// predecessors lists, for each state, the states it may be entered from
var predecessors = map[State][]State{
	Interrupting: {Idle},
	RawMode:      {Interrupting},
	Executing:    {RawMode},
	ExitingRaw:   {Interrupting, RawMode, Executing},
	Idle:         {Interrupting, ExitingRaw},
}

func legal(from, to State) bool {
	for _, s := range predecessors[to] {
		if s == from {
			return true
		}
	}
	return false
}
