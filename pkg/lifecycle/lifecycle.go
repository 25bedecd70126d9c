// Package lifecycle models the commit gate's outcome state machine and the
// two-phase validate-then-persist discipline the gate requires: an
// artifact is fully validated before a single byte is written, and a
// failure at any validation step must never leave a partial write behind.
//
// The state machine and two-phase helper generalize a generic approval-style
// FSM to the commit gate's submitted/accepted/rejected taxonomy.
package lifecycle

import (
	"context"
	"errors"

	"ledger/pkg/taxonomy"
)

// State is a commit's lifecycle state.
type State string

const (
	Submitted      State = "SUBMITTED"
	Accepted       State = "ACCEPTED"
	RejectedAttempt State = "REJECTED_ATTEMPT"
	Dropped        State = "DROPPED"
)

// ErrInvalidTransition is returned by Transition for a state change the
// gate's taxonomy does not permit.
var ErrInvalidTransition = errors.New("lifecycle: invalid commit transition")

// CanTransition reports whether from -> to is a legal commit lifecycle
// transition. Submitted is the only non-terminal state; every other state
// is terminal: a classification is decided once.
func CanTransition(from, to State) bool {
	if from != Submitted {
		return false
	}
	return to == Accepted || to == RejectedAttempt || to == Dropped
}

// Transition moves from to to, or returns ErrInvalidTransition.
func Transition(from, to State) (State, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

// StateForClass maps a taxonomy classification to the lifecycle state an
// artifact carrying it ends up in: persisted classifications become
// ACCEPTED (if the classification is itself Accept) or REJECTED_ATTEMPT
// (any other persisted classification), and non-persisted classifications
// become DROPPED.
func StateForClass(c taxonomy.Class) State {
	if !taxonomy.Persists(c) {
		return Dropped
	}
	if c == taxonomy.Accept {
		return Accepted
	}
	return RejectedAttempt
}

// TwoPhase is a validate-then-persist unit: Validate runs every structural
// and semantic check the gate requires without touching the store;
// Persist is only invoked if Validate succeeds, and its own failure is
// surfaced as-is rather than retried or partially applied.
type TwoPhase struct {
	Validate func(ctx context.Context) (taxonomy.Class, error)
	Persist  func(ctx context.Context, class taxonomy.Class) error
}

// Outcome is the result of running a TwoPhase commit.
type Outcome struct {
	State State
	Class taxonomy.Class
}

// Run executes validate-then-persist. If Validate returns an error
// unrelated to classification (e.g. malformed input the gate could not
// even classify), Run returns that error directly. Otherwise the returned
// classification decides persistence: classes for which taxonomy.Persists
// is false skip the Persist call entirely, since no canonical bytes exist
// to store for them.
func Run(ctx context.Context, t TwoPhase) (Outcome, error) {
	if t.Validate == nil {
		return Outcome{}, errors.New("lifecycle: validate function missing")
	}
	class, err := t.Validate(ctx)
	if err != nil {
		return Outcome{}, err
	}
	state := StateForClass(class)
	if !taxonomy.Persists(class) {
		return Outcome{State: state, Class: class}, nil
	}
	if t.Persist == nil {
		return Outcome{}, errors.New("lifecycle: persist function missing")
	}
	if err := t.Persist(ctx, class); err != nil {
		return Outcome{}, err
	}
	return Outcome{State: state, Class: class}, nil
}
