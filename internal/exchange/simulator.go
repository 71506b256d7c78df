package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amirphl/bracket-trader/internal/order"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrOrderClosed   = errors.New("order already closed")
	ErrNoPrice       = errors.New("no price for symbol")
)

type simOrder struct {
	req    OrderRequest
	status OrderStatus
}

// Simulator is the DEMO broker. It accepts every placement, moves orders to OPEN
// on its own and fills them only when told to: by Fill, or, with auto fill on, by
// SetPrice crossing a resting order's price.
type Simulator struct {
	mu         sync.Mutex
	orders     map[string]*simOrder
	counter    int64
	prices     map[string]decimal.Decimal
	subs       map[int]func(OrderStatus)
	nextSub    int
	autoFill   bool
	placeHook  func(OrderRequest) error
	cancelHook func(string) error
	log        *zap.Logger
}

func NewSimulator(logger *zap.Logger, autoFill bool) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		orders:   make(map[string]*simOrder),
		counter:  1000,
		prices:   make(map[string]decimal.Decimal),
		subs:     make(map[int]func(OrderStatus)),
		autoFill: autoFill,
		log:      logger.Named("simulator"),
	}
}

func (s *Simulator) Name() string { return "demo-simulator" }

// FailPlacements makes PlaceOrder consult fn first; a non-nil result is returned
// as a gateway error. Pass nil to clear.
func (s *Simulator) FailPlacements(fn func(OrderRequest) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.placeHook = fn
}

// FailCancels makes CancelOrder consult fn first. Pass nil to clear.
func (s *Simulator) FailCancels(fn func(orderID string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelHook = fn
}

func (s *Simulator) SubscribeStatus(fn func(OrderStatus)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Simulator) publish(sts ...OrderStatus) {
	s.mu.Lock()
	subs := make([]func(OrderStatus), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, st := range sts {
		for _, fn := range subs {
			fn(st)
		}
	}
}

func (s *Simulator) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", &GatewayError{Op: "place", Err: ctx.Err()}
	default:
	}

	s.mu.Lock()
	if s.placeHook != nil {
		if err := s.placeHook(req); err != nil {
			s.mu.Unlock()
			return "", &GatewayError{Op: "place", Err: err}
		}
	}

	s.counter++
	now := time.Now().UTC()
	orderID := fmt.Sprintf("DEMO_%d_%s_%d", now.Unix(), req.Symbol, s.counter)
	o := &simOrder{
		req:    req,
		status: OrderStatus{OrderID: orderID, Status: order.StatusOpen, Timestamp: now},
	}
	s.orders[orderID] = o

	pushes := []OrderStatus{o.status}
	if s.autoFill && req.Kind == order.KindMarket {
		if ltp, ok := s.prices[req.Symbol]; ok {
			pushes = append(pushes, s.fillLocked(o, req.Quantity, ltp))
		}
	}
	s.mu.Unlock()

	s.log.Info("demo order accepted",
		zap.String("order_id", orderID),
		zap.String("role", string(req.Role)),
		zap.String("side", string(req.Side)),
		zap.String("kind", string(req.Kind)),
		zap.Int64("qty", req.Quantity),
		zap.String("price", req.Price.String()),
		zap.String("trigger", req.TriggerPrice.String()))

	// The caller only learns the id when we return, so the push is delivered
	// afterwards; it may still lose the race with the caller's registration.
	go s.publish(pushes...)

	return orderID, nil
}

func (s *Simulator) CancelOrder(ctx context.Context, orderID string) error {
	select {
	case <-ctx.Done():
		return &GatewayError{Op: "cancel", OrderID: orderID, Err: ctx.Err()}
	default:
	}

	s.mu.Lock()
	if s.cancelHook != nil {
		if err := s.cancelHook(orderID); err != nil {
			s.mu.Unlock()
			return &GatewayError{Op: "cancel", OrderID: orderID, Err: err}
		}
	}
	o, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return &GatewayError{Op: "cancel", OrderID: orderID, Err: ErrOrderNotFound}
	}
	if o.status.Status.Terminal() {
		st := o.status.Status
		s.mu.Unlock()
		return &GatewayError{Op: "cancel", OrderID: orderID, Err: fmt.Errorf("%w: %s", ErrOrderClosed, st)}
	}
	o.status.Status = order.StatusCancelled
	o.status.Timestamp = time.Now().UTC()
	st := o.status
	s.mu.Unlock()

	s.log.Info("demo order cancelled", zap.String("order_id", orderID))
	s.publish(st)
	return nil
}

func (s *Simulator) PollStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	select {
	case <-ctx.Done():
		return OrderStatus{}, &GatewayError{Op: "status", OrderID: orderID, Err: ctx.Err()}
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return OrderStatus{}, &GatewayError{Op: "status", OrderID: orderID, Err: ErrOrderNotFound}
	}
	return o.status, nil
}

func (s *Simulator) LTP(ctx context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[symbol]
	if !ok {
		return decimal.Zero, &GatewayError{Op: "ltp", Err: fmt.Errorf("%w %s", ErrNoPrice, symbol)}
	}
	return p, nil
}

// SetPrice records a new LTP. With auto fill on, resting stop-loss and limit
// orders whose price has been crossed are filled at their own price.
func (s *Simulator) SetPrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	s.prices[symbol] = price

	var pushes []OrderStatus
	if s.autoFill {
		for _, o := range s.orders {
			if o.req.Symbol != symbol || o.status.Status.Terminal() {
				continue
			}
			if at, ok := crossed(o.req, price); ok {
				pushes = append(pushes, s.fillLocked(o, o.req.Quantity-o.status.FilledQty, at))
			}
		}
	}
	s.mu.Unlock()

	if len(pushes) > 0 {
		s.publish(pushes...)
	}
}

func crossed(req OrderRequest, ltp decimal.Decimal) (decimal.Decimal, bool) {
	switch req.Kind {
	case order.KindStopLoss:
		if req.Side == order.Sell && ltp.LessThanOrEqual(req.TriggerPrice) {
			return req.TriggerPrice, true
		}
		if req.Side == order.Buy && ltp.GreaterThanOrEqual(req.TriggerPrice) {
			return req.TriggerPrice, true
		}
	case order.KindLimit:
		if req.Side == order.Sell && ltp.GreaterThanOrEqual(req.Price) {
			return req.Price, true
		}
		if req.Side == order.Buy && ltp.LessThanOrEqual(req.Price) {
			return req.Price, true
		}
	}
	return decimal.Zero, false
}

// Fill executes qty of an order at price. qty <= 0 fills the remainder; a zero
// price uses the order's own price, falling back to the last LTP. A partial fill
// of a market order cancels the unfilled remainder, as an IOC market order would.
func (s *Simulator) Fill(orderID string, qty int64, price decimal.Decimal) error {
	s.mu.Lock()
	o, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("fill %s: %w", orderID, ErrOrderNotFound)
	}
	if o.status.Status.Terminal() {
		st := o.status.Status
		s.mu.Unlock()
		return fmt.Errorf("fill %s: %w: %s", orderID, ErrOrderClosed, st)
	}
	remaining := o.req.Quantity - o.status.FilledQty
	if qty <= 0 || qty > remaining {
		qty = remaining
	}
	if price.IsZero() {
		price = s.referencePriceLocked(o)
	}

	pushes := []OrderStatus{s.fillLocked(o, qty, price)}
	if o.req.Kind == order.KindMarket && !o.status.Status.Terminal() {
		o.status.Status = order.StatusCancelled
		pushes = append(pushes, o.status)
	}
	s.mu.Unlock()

	s.publish(pushes...)
	return nil
}

// Reject marks a live order as rejected by the exchange.
func (s *Simulator) Reject(orderID string) error {
	s.mu.Lock()
	o, ok := s.orders[orderID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("reject %s: %w", orderID, ErrOrderNotFound)
	}
	if o.status.Status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("reject %s: %w", orderID, ErrOrderClosed)
	}
	o.status.Status = order.StatusRejected
	o.status.Timestamp = time.Now().UTC()
	st := o.status
	s.mu.Unlock()

	s.publish(st)
	return nil
}

// Orders returns the requests placed so far keyed by order id.
func (s *Simulator) Orders() map[string]OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]OrderRequest, len(s.orders))
	for id, o := range s.orders {
		out[id] = o.req
	}
	return out
}

func (s *Simulator) referencePriceLocked(o *simOrder) decimal.Decimal {
	switch {
	case o.req.Kind == order.KindStopLoss && !o.req.TriggerPrice.IsZero():
		return o.req.TriggerPrice
	case o.req.Kind == order.KindLimit && !o.req.Price.IsZero():
		return o.req.Price
	}
	if ltp, ok := s.prices[o.req.Symbol]; ok {
		return ltp
	}
	return o.req.Price
}

func (s *Simulator) fillLocked(o *simOrder, qty int64, price decimal.Decimal) OrderStatus {
	prevQty := o.status.FilledQty
	newQty := prevQty + qty
	if prevQty > 0 && !o.status.AvgPrice.IsZero() {
		o.status.AvgPrice = o.status.AvgPrice.Mul(decimal.NewFromInt(prevQty)).
			Add(price.Mul(decimal.NewFromInt(qty))).
			Div(decimal.NewFromInt(newQty))
	} else {
		o.status.AvgPrice = price
	}
	o.status.FilledQty = newQty
	o.status.Timestamp = time.Now().UTC()
	if newQty >= o.req.Quantity {
		o.status.Status = order.StatusFilled
	} else {
		o.status.Status = order.StatusPartiallyFilled
	}

	s.log.Info("demo order fill",
		zap.String("order_id", o.status.OrderID),
		zap.Int64("qty", qty),
		zap.Int64("filled_qty", newQty),
		zap.String("price", price.String()),
		zap.String("status", string(o.status.Status)))
	return o.status
}
