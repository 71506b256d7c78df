// Package tracker keeps the canonical status of every order placed by the
// process. Status reports from broker pushes and from polling both go through
// Apply, which only admits forward transitions, so redelivered or reordered
// reports are harmless.
package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amirphl/bracket-trader/internal/order"
)

// DuplicateOrderError is returned by Register when the id is already tracked.
type DuplicateOrderError struct {
	OrderID string
}

func (e *DuplicateOrderError) Error() string {
	return fmt.Sprintf("order %s already registered", e.OrderID)
}

// UnknownOrderError is returned by Get for ids that were never registered.
type UnknownOrderError struct {
	OrderID string
}

func (e *UnknownOrderError) Error() string {
	return fmt.Sprintf("order %s is not tracked", e.OrderID)
}

// StatusEvent is one status report for an order, from any source.
type StatusEvent struct {
	OrderID   string
	Status    order.Status
	FilledQty int64
	AvgPrice  decimal.Decimal
	Timestamp time.Time
	Source    string // "push", "poll", "shutdown" ...
}

// Notification is published for every admitted transition.
type Notification struct {
	Order    order.Order // snapshot after the transition
	Previous order.Status
	Source   string
}

// Tracker maps order id to the canonical order.
type Tracker struct {
	mu          sync.Mutex
	orders      map[string]*order.Order
	seq         uint64
	subscribers map[int]func(Notification)
	nextSubID   int
	log         *zap.Logger
}

func New(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		orders:      make(map[string]*order.Order),
		subscribers: make(map[int]func(Notification)),
		log:         logger.Named("tracker"),
	}
}

// Register inserts o in PENDING state.
func (t *Tracker) Register(o order.Order) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.orders[o.ID]; exists {
		return &DuplicateOrderError{OrderID: o.ID}
	}

	o.Status = order.StatusPending
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	o.LastSeen = o.CreatedAt
	t.seq++
	o.Seq = t.seq
	t.orders[o.ID] = &o

	t.log.Debug("order registered", zap.String("order_id", o.ID), zap.String("role", string(o.Role)))
	return nil
}

// Apply admits ev if it moves the order forward: a higher status rank, or the
// same rank with a larger cumulative fill. It returns false for unknown ids,
// unrecognised statuses and everything else; those are logged and dropped. Subscribers are called before Apply returns, under the
// tracker lock, so they observe transitions in admission order and must not call
// back into the tracker.
func (t *Tracker) Apply(ev StatusEvent) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[ev.OrderID]
	if !ok {
		t.log.Info("ignored status for unknown order",
			zap.String("order_id", ev.OrderID), zap.String("status", string(ev.Status)), zap.String("source", ev.Source))
		return false
	}
	if !ev.Status.Valid() {
		t.log.Warn("ignored unrecognised status",
			zap.String("order_id", ev.OrderID), zap.String("status", string(ev.Status)))
		return false
	}
	prev := o.Status
	switch {
	case ev.Status.Rank() > o.Status.Rank():
		o.Status = ev.Status
	case ev.Status.Rank() == o.Status.Rank() && ev.FilledQty > o.FilledQty:
		// same status, more executed; the status itself stays
	default:
		t.log.Debug("ignored duplicate status",
			zap.String("order_id", ev.OrderID),
			zap.String("current", string(o.Status)),
			zap.String("status", string(ev.Status)),
			zap.String("source", ev.Source))
		return false
	}

	if ev.FilledQty > o.FilledQty {
		o.FilledQty = ev.FilledQty
	}
	if o.Status == order.StatusFilled && ev.FilledQty == 0 {
		// FILLED without a quantity means the whole order
		o.FilledQty = o.Quantity
	}
	if !ev.AvgPrice.IsZero() {
		o.AvgPrice = ev.AvgPrice
	}
	o.LastSeen = ev.Timestamp
	if o.LastSeen.IsZero() {
		o.LastSeen = time.Now().UTC()
	}
	t.seq++
	o.Seq = t.seq

	t.log.Info("order status",
		zap.String("order_id", o.ID),
		zap.String("role", string(o.Role)),
		zap.String("from", string(prev)),
		zap.String("to", string(o.Status)),
		zap.Int64("filled_qty", o.FilledQty),
		zap.String("avg_price", o.AvgPrice.String()),
		zap.Uint64("seq", o.Seq),
		zap.String("source", ev.Source))

	n := Notification{Order: *o, Previous: prev, Source: ev.Source}
	for _, fn := range t.subscribers {
		fn(n)
	}
	return true
}

// Get returns a snapshot of the order.
func (t *Tracker) Get(orderID string) (order.Order, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	o, ok := t.orders[orderID]
	if !ok {
		return order.Order{}, &UnknownOrderError{OrderID: orderID}
	}
	return *o, nil
}

// Subscribe registers fn for every admitted transition and returns a function
// that removes it.
func (t *Tracker) Subscribe(fn func(Notification)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSubID
	t.nextSubID++
	t.subscribers[id] = fn

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subscribers, id)
	}
}

// Forget drops orders that no longer need tracking.
func (t *Tracker) Forget(orderIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range orderIDs {
		delete(t.orders, id)
	}
}

// Len returns the number of tracked orders.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.orders)
}
