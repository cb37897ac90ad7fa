package pipeline

import "testing"

func TestTransitionsAllowOnlyGraphEdges(t *testing.T) {
	allowed := map[[2]State]bool{}
	for _, edge := range [][2]State{
		{StateResolve, StateDraft},
		{StateResolve, StateAmbiguous},
		{StateResolve, StateDone},
		{StateDraft, StateValidate},
		{StateDraft, StateDraft},
		{StateDraft, StateSynthesize},
		{StateValidate, StateDraft},
		{StateValidate, StateRun},
		{StateRun, StateDraft},
		{StateRun, StateSynthesize},
		{StateSynthesize, StateDone},
		{StateAmbiguous, StateDone},
	} {
		allowed[edge] = true
	}
	states := []State{StateResolve, StateDraft, StateValidate, StateRun, StateSynthesize, StateAmbiguous, StateDone}
	for _, from := range states {
		for _, to := range states {
			if got, want := CanTransition(from, to), allowed[[2]State{from, to}]; got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestDoneIsTerminal(t *testing.T) {
	if next := Transitions(StateDone); len(next) != 0 {
		t.Fatalf("Transitions(done) = %v", next)
	}
}

func TestTransitionsReturnsCopy(t *testing.T) {
	next := Transitions(StateRun)
	next[0] = StateDone
	if !CanTransition(StateRun, StateDraft) {
		t.Fatalf("Transitions() exposed the shared table")
	}
}

func TestStateString(t *testing.T) {
	if got := StateValidate.String(); got != "validate" {
		t.Fatalf("String() = %q", got)
	}
	if got := State(42).String(); got != "state(42)" {
		t.Fatalf("String() = %q", got)
	}
}
