package graph

import "fmt"

// State is the execution state of a stage or a graph. States are ordered,
// transitions always step through the intermediate states.
type State int

// Execution states.
const (
	// Null means no resources are allocated.
	Null State = iota
	// Ready means resources are allocated, no data flows.
	Ready
	// Paused means the stage worker is running, but data is held.
	Paused
	// Playing means data flows.
	Playing
)

func (s State) String() string {
	switch s {
	case Null:
		return "null"
	case Ready:
		return "ready"
	case Paused:
		return "paused"
	case Playing:
		return "playing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// next returns the state one step closer to target.
func (s State) next(target State) State {
	switch {
	case s < target:
		return s + 1
	case s > target:
		return s - 1
	}
	return s
}
