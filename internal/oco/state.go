// Package oco runs one bracket (one-cancels-other) trade from entry order to
// resolution.
package oco

import (
	"fmt"
	"time"
)

// State represents the current state of a bracket group.
type State string

const (
	AwaitingEntryFill      State = "AWAITING_ENTRY_FILL"
	EntryFilledPlacingLegs State = "ENTRY_FILLED_PLACING_LEGS"
	LegsActive             State = "LEGS_ACTIVE"
	Resolving              State = "RESOLVING"
	Resolved               State = "RESOLVED"
	EntryRejected          State = "ENTRY_REJECTED"
	Aborted                State = "ABORTED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Resolved || s == EntryRejected || s == Aborted
}

var allowed = map[State][]State{
	AwaitingEntryFill:      {EntryFilledPlacingLegs, EntryRejected, Aborted},
	EntryFilledPlacingLegs: {LegsActive, Aborted},
	LegsActive:             {Resolving, Aborted},
	Resolving:              {Resolved},
}

func canTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateTransition represents a transition from one state to another
type StateTransition struct {
	FromState State
	ToState   State
	Reason    string
	Timestamp time.Time
}

func (t StateTransition) String() string {
	return fmt.Sprintf("%s %s -> %s (%s)", t.Timestamp.Format(time.TimeOnly), t.FromState, t.ToState, t.Reason)
}

// stateMachine holds the group state and its transition history. It is only
// touched by the manager goroutine.
type stateMachine struct {
	current        State
	history        []StateTransition
	lastTransition time.Time
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: AwaitingEntryFill, lastTransition: time.Now().UTC()}
}

// transitionTo moves to next, or fails with a StateConflictError if the edge
// does not exist.
func (sm *stateMachine) transitionTo(groupID string, next State, reason string) (StateTransition, error) {
	if !canTransition(sm.current, next) {
		return StateTransition{}, &StateConflictError{
			GroupID: groupID,
			State:   sm.current,
			Reason:  fmt.Sprintf("illegal transition to %s: %s", next, reason),
		}
	}
	now := time.Now().UTC()
	t := StateTransition{FromState: sm.current, ToState: next, Reason: reason, Timestamp: now}
	sm.history = append(sm.history, t)
	sm.current = next
	sm.lastTransition = now
	return t, nil
}
