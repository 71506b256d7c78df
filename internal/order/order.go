// Package order
package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the side that closes a position opened on s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

// ParseSide accepts B/BUY and S/SELL in any case.
func ParseSide(in string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(in)) {
	case "B", "BUY":
		return Buy, true
	case "S", "SELL":
		return Sell, true
	}
	return "", false
}

// Role is the part an order plays inside a bracket.
type Role string

const (
	RoleEntry    Role = "ENTRY"
	RoleStopLoss Role = "STOP_LOSS"
	RoleTarget   Role = "TARGET"
)

// Kind is the execution style sent to the broker.
type Kind string

const (
	KindMarket   Kind = "MARKET"
	KindStopLoss Kind = "STOP_LOSS"
	KindLimit    Kind = "LIMIT"
)

// KindFor returns the order kind used for a role.
func KindFor(r Role) Kind {
	switch r {
	case RoleStopLoss:
		return KindStopLoss
	case RoleTarget:
		return KindLimit
	}
	return KindMarket
}

// Order is the canonical record of one broker order.
type Order struct {
	ID           string
	Role         Role
	Symbol       string
	Side         Side
	Quantity     int64
	Kind         Kind
	Price        decimal.Decimal // limit price, zero for market orders
	TriggerPrice decimal.Decimal // stop trigger, zero unless Kind is KindStopLoss
	Status       Status
	FilledQty    int64
	AvgPrice     decimal.Decimal
	CreatedAt    time.Time
	LastSeen     time.Time
	Seq          uint64 // admission sequence of the last accepted status
}

// Filled reports whether any quantity of the order executed.
func (o Order) Filled() bool { return o.FilledQty > 0 || o.Status == StatusFilled }

// ExecutedQty is the filled quantity, falling back to the order quantity for
// brokers that report FILLED without a quantity.
func (o Order) ExecutedQty() int64 {
	if o.FilledQty > 0 {
		return o.FilledQty
	}
	if o.Status == StatusFilled {
		return o.Quantity
	}
	return 0
}

func (o Order) String() string {
	return fmt.Sprintf("%s %s %s %d %s [%s] id=%s", o.Role, o.Side, o.Symbol, o.Quantity, o.Kind, o.Status, o.ID)
}
