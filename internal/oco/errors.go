package oco

import (
	"fmt"

	"github.com/amirphl/bracket-trader/internal/order"
)

// StateConflictError is an event that is not valid in the group's current state,
// for example a fill report after the group resolved. It is logged and dropped.
type StateConflictError struct {
	GroupID string
	State   State
	OrderID string
	Status  order.Status
	Reason  string
}

func (e *StateConflictError) Error() string {
	if e.OrderID != "" {
		return fmt.Sprintf("group %s in %s: order %s %s: %s", e.GroupID, e.State, e.OrderID, e.Status, e.Reason)
	}
	return fmt.Sprintf("group %s in %s: %s", e.GroupID, e.State, e.Reason)
}

// FatalEscalation means an order that must be cancelled may still be live at
// the broker. The operator has to act.
type FatalEscalation struct {
	GroupID  string
	OrderID  string
	Role     order.Role
	Attempts int
	Err      error
}

func (e *FatalEscalation) Error() string {
	return fmt.Sprintf("group %s: could not cancel %s order %s after %d attempts, cancel it manually: %v",
		e.GroupID, e.Role, e.OrderID, e.Attempts, e.Err)
}

func (e *FatalEscalation) Unwrap() error { return e.Err }

// LegPlacementError reports a bracket that could not be completed. Placed lists
// the legs the broker accepted before the failure.
type LegPlacementError struct {
	GroupID string
	Role    order.Role
	Placed  []string
	Err     error
}

func (e *LegPlacementError) Error() string {
	return fmt.Sprintf("group %s: placing %s leg failed (placed before failure: %v): %v", e.GroupID, e.Role, e.Placed, e.Err)
}

func (e *LegPlacementError) Unwrap() error { return e.Err }
