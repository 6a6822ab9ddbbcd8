// Package acquisition runs PicoHarp measurement cycles.
//
// A Controller owns one device and moves it through the states
//
//	Idle -> Armed -> Measuring -> {Completing, Overrun, Failed} -> Idle
//
// Histogram cycles busy-poll the completion status and harvest histogram
// memory once the acquisition window has elapsed.  Stream cycles check the
// FIFO-full flag, drain the FIFO and only on an empty drain poll completion,
// in that order, every iteration.
package acquisition

import "fmt"

// State is the lifecycle state of a Controller
type State int

const (
	// Idle has no cycle active
	Idle State = iota

	// Armed has cleared histogram memory and discarded stale flags
	Armed

	// Measuring has started the measurement
	Measuring

	// Completing stops the measurement and collects results
	Completing

	// Overrun saw the FIFO-full flag
	Overrun

	// Failed saw a control call fail
	Failed
)

var stateNames = [...]string{"Idle", "Armed", "Measuring", "Completing", "Overrun", "Failed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// legal lists the transitions a Controller may make
var legal = map[State][]State{
	Idle:       {Armed, Failed},
	Armed:      {Measuring, Failed},
	Measuring:  {Completing, Overrun, Failed},
	Completing: {Idle, Failed},
	Overrun:    {Idle},
	Failed:     {Idle},
}

// Legal is true if a Controller may go from one state to the other
func Legal(from, to State) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome is how a cycle ended
type Outcome int

const (
	// Running is the outcome of a cycle that has not ended
	Running Outcome = iota

	// Completed cycles ran their full acquisition window
	Completed

	// Cancelled cycles were stopped through their context and still collected their data
	Cancelled

	// Overran cycles hit a FIFO overrun; the data drained before it is kept
	Overran

	// Aborted cycles failed
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Overran:
		return "overrun"
	case Aborted:
		return "failed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// MarshalText renders the outcome by name in JSON and YAML
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// MarshalText renders the state by name in JSON and YAML
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
