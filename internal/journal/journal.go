// Package journal records the lifecycle of bracket trades as an append-only
// audit trail for the operator and downstream consumers. Entries are never used
// to resume a trade.
package journal

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"github.com/amirphl/bracket-trader/internal/order"
)

// Event types.
const (
	TypeGroupCreated  = "group_created"
	TypeTransition    = "transition"
	TypeOrderPlaced   = "order_placed"
	TypeOrderStatus   = "order_status"
	TypeCancelFailed  = "cancel_failed"
	TypeAnomaly       = "anomaly"
	TypeGroupFinished = "group_finished"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time      `json:"time"`
	GroupID     string         `json:"group_id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
	Order       *order.Order   `json:"order,omitempty"` // snapshot for order events
}

// Journaler interface for journaling events.
type Journaler interface {
	LogEvent(ctx context.Context, event Event) error
}

// Multi writes every event to each journaler in turn.
type Multi []Journaler

func (m Multi) LogEvent(ctx context.Context, event Event) error {
	var err error
	for _, j := range m {
		err = multierr.Append(err, j.LogEvent(ctx, event))
	}
	return err
}

// Nop drops events.
type Nop struct{}

func (Nop) LogEvent(context.Context, Event) error { return nil }
