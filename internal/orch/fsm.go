// Package orch runs autonomous coding sessions against a project workspace.
//
// The Orchestrator re-reads the feature registry before every decision, runs
// an initializer session while no registry exists, then one coding session
// per cycle until every feature passes, the iteration cap is reached, or the
// run is interrupted. FeatureRunner is the single-session variant driven by a
// free-form feature description.
package orch

import "fmt"

// State is an orchestrator state.
type State string

// Orchestrator states. Paused is never persisted: a later run re-derives its
// state from the registry on disk.
const (
	StateUninitialized State = "UNINITIALIZED"
	StateInitializing  State = "INITIALIZING"
	StateCoding        State = "CODING"
	StateCompleted     State = "COMPLETED"
	StatePaused        State = "PAUSED"
)

// Transitions is the allowed transition map. Completed and Paused are
// terminal for a run.
//
//nolint:gochecknoglobals // canonical transition table
var Transitions = map[State][]State{
	// UNINITIALIZED is the entry state; the first registry read picks the real one
	StateUninitialized: {StateInitializing, StateCoding, StateCompleted, StatePaused},

	// INITIALIZING re-evaluates the registry after the initializer session
	StateInitializing: {StateUninitialized, StateCoding, StateCompleted, StatePaused},

	// CODING loops on itself until no feature is pending, or the registry disappears
	StateCoding: {StateUninitialized, StateCompleted, StatePaused},

	StateCompleted: {},
	StatePaused:    {},
}

// IsValidTransition reports whether from -> to is allowed. Staying in the
// same state is always allowed.
func IsValidTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range Transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s ends a run.
func IsTerminal(s State) bool {
	allowed, ok := Transitions[s]
	return ok && len(allowed) == 0
}

func (s State) String() string {
	return string(s)
}

// transitionError reports a transition outside the table.
func transitionError(from, to State) error {
	return fmt.Errorf("invalid orchestrator transition %s -> %s", from, to)
}
