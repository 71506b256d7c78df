// Package exchange
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/amirphl/bracket-trader/internal/order"
)

// OrderRequest is a new order to be submitted.
type OrderRequest struct {
	Symbol       string
	Side         order.Side
	Quantity     int64
	Kind         order.Kind
	Price        decimal.Decimal // limit price, or the reference LTP for market orders
	TriggerPrice decimal.Decimal // for stop-loss orders
	Role         order.Role      // informational, used in logs and demo ids
}

// OrderStatus is a status report from the broker.
type OrderStatus struct {
	OrderID   string
	Status    order.Status
	FilledQty int64
	AvgPrice  decimal.Decimal
	Timestamp time.Time
}

// GatewayError wraps every failure of a broker call.
type GatewayError struct {
	Op      string // "place", "cancel", "status", "ltp"
	OrderID string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.OrderID != "" {
		return fmt.Sprintf("gateway %s %s: %v", e.Op, e.OrderID, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Gateway is the broker connection shared by the whole process.
type Gateway interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	PollStatus(ctx context.Context, orderID string) (OrderStatus, error)
	LTP(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// StatusPusher is implemented by gateways that deliver status changes
// asynchronously. Delivery may repeat or reorder reports.
type StatusPusher interface {
	SubscribeStatus(fn func(OrderStatus)) (unsubscribe func())
}
