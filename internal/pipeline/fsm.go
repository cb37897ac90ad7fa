package pipeline

import "fmt"

type State int

const (
	StateResolve State = iota
	StateDraft
	StateValidate
	StateRun
	StateSynthesize
	StateAmbiguous
	StateDone
)

var stateNames = map[State]string{
	StateResolve:    "resolve",
	StateDraft:      "draft",
	StateValidate:   "validate",
	StateRun:        "run",
	StateSynthesize: "synthesize",
	StateAmbiguous:  "ambiguous",
	StateDone:       "done",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists every edge of the resolution graph. Loop-backs to
// StateDraft are the only cycles.
var transitions = map[State][]State{
	StateResolve:    {StateDraft, StateAmbiguous, StateDone},
	StateDraft:      {StateValidate, StateDraft, StateSynthesize},
	StateValidate:   {StateDraft, StateRun},
	StateRun:        {StateDraft, StateSynthesize},
	StateSynthesize: {StateDone},
	StateAmbiguous:  {StateDone},
}

func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transitions returns the allowed successors of s.
func Transitions(s State) []State {
	return append([]State(nil), transitions[s]...)
}
