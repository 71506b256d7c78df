package oco

import (
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/bracket-trader/internal/order"
)

// Group is a snapshot of one bracket trade.
type Group struct {
	ID         string
	Request    order.TradeRequest
	State      State
	Entry      order.Order
	StopLoss   *order.Order
	Target     *order.Order
	Winner     order.Role // set once a leg fill resolved the group
	Reason     string     // why the group ended ABORTED or ENTRY_REJECTED
	CreatedAt  time.Time
	ResolvedAt time.Time

	History     []StateTransition
	Anomalies   []string
	Unconfirmed []string // orders not confirmed cancelled at shutdown
}

func (g Group) clone() Group {
	c := g
	if g.StopLoss != nil {
		sl := *g.StopLoss
		c.StopLoss = &sl
	}
	if g.Target != nil {
		tg := *g.Target
		c.Target = &tg
	}
	c.History = append([]StateTransition(nil), g.History...)
	c.Anomalies = append([]string(nil), g.Anomalies...)
	c.Unconfirmed = append([]string(nil), g.Unconfirmed...)
	return c
}

// Legs returns the placed exit legs.
func (g Group) Legs() []order.Order {
	var out []order.Order
	if g.StopLoss != nil {
		out = append(out, *g.StopLoss)
	}
	if g.Target != nil {
		out = append(out, *g.Target)
	}
	return out
}

// Orders returns the entry followed by the placed legs.
func (g Group) Orders() []order.Order {
	return append([]order.Order{g.Entry}, g.Legs()...)
}

func (g *Group) order(role order.Role) *order.Order {
	switch role {
	case order.RoleEntry:
		return &g.Entry
	case order.RoleStopLoss:
		return g.StopLoss
	case order.RoleTarget:
		return g.Target
	}
	return nil
}

// Summary is a multi-line description for the operator.
func (g Group) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "group %s  %s %s x%d  state=%s\n", g.ID, g.Request.Side, g.Request.Symbol, g.Request.Quantity, g.State)
	for _, o := range g.Orders() {
		price := o.Price
		if o.Kind == order.KindStopLoss {
			price = o.TriggerPrice
		}
		fmt.Fprintf(&b, "  %-9s %-4s %-9s qty=%-4d @ %-10s %-16s filled=%d avg=%s\n",
			o.Role, o.Side, o.Kind, o.Quantity, price.StringFixed(2), o.Status, o.FilledQty, o.AvgPrice.StringFixed(2))
	}
	if g.Winner != "" {
		fmt.Fprintf(&b, "  winner: %s\n", g.Winner)
	}
	if g.Reason != "" {
		fmt.Fprintf(&b, "  reason: %s\n", g.Reason)
	}
	for _, a := range g.Anomalies {
		fmt.Fprintf(&b, "  anomaly: %s\n", a)
	}
	for _, id := range g.Unconfirmed {
		fmt.Fprintf(&b, "  not confirmed cancelled: %s\n", id)
	}
	return strings.TrimRight(b.String(), "\n")
}
