// Package session runs bracket trades one at a time on a shared gateway.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amirphl/bracket-trader/internal/exchange"
	"github.com/amirphl/bracket-trader/internal/journal"
	"github.com/amirphl/bracket-trader/internal/market"
	"github.com/amirphl/bracket-trader/internal/notifier"
	"github.com/amirphl/bracket-trader/internal/oco"
	"github.com/amirphl/bracket-trader/internal/order"
	"github.com/amirphl/bracket-trader/internal/tracker"
)

var (
	ErrTradeInProgress = errors.New("a trade is already in progress, wait for it to finish")
	ErrShuttingDown    = errors.New("session is shutting down")
)

// Session owns the single-trade token. A trade holds the token from Submit until
// its group reached a terminal state and was journaled.
type Session struct {
	gw      exchange.Gateway
	tr      *tracker.Tracker
	feed    exchange.PriceFeed
	notify  notifier.Notifier
	journal journal.Journaler
	log     *zap.Logger
	cfg     oco.Config

	token chan struct{}

	submitMu sync.Mutex
	closing  bool

	mu     sync.RWMutex
	active *oco.Manager
	last   *oco.Group
	ticks  map[string]market.Tick

	unsubscribe func()
}

// New creates a session. If gw pushes status reports they are fed into tr, the
// same path reconciliation polls take.
func New(
	gw exchange.Gateway,
	tr *tracker.Tracker,
	feed exchange.PriceFeed,
	n notifier.Notifier,
	j journal.Journaler,
	logger *zap.Logger,
	cfg oco.Config,
) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if n == nil {
		n = notifier.Nop{}
	}
	if j == nil {
		j = journal.Nop{}
	}
	s := &Session{
		gw:      gw,
		tr:      tr,
		feed:    feed,
		notify:  n,
		journal: j,
		log:     logger.Named("session"),
		cfg:     cfg,
		token:   make(chan struct{}, 1),
		ticks:   make(map[string]market.Tick),
	}
	if pusher, ok := gw.(exchange.StatusPusher); ok {
		s.unsubscribe = pusher.SubscribeStatus(func(st exchange.OrderStatus) {
			tr.Apply(oco.ToStatusEvent(st, "push"))
		})
		s.log.Info("status push enabled", zap.String("gateway", gw.Name()))
	}
	return s
}

// Submit validates req and starts a bracket trade for it. It fails with
// ErrTradeInProgress while another trade holds the token.
func (s *Session) Submit(ctx context.Context, req order.TradeRequest) (*oco.Manager, error) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	if s.closing {
		return nil, ErrShuttingDown
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	select {
	case s.token <- struct{}{}:
	default:
		return nil, ErrTradeInProgress
	}

	m := oco.New(s.gw, s.tr, s.notify, s.journal, s.log, s.cfg)
	m.OnFinish(func(g oco.Group) {
		s.mu.Lock()
		s.active = nil
		s.last = &g
		s.mu.Unlock()
		<-s.token
		s.log.Info("trade slot released", zap.String("group_id", g.ID), zap.String("state", string(g.State)))
	})

	s.mu.Lock()
	s.active = m
	s.mu.Unlock()

	if err := m.Start(ctx, req); err != nil {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
		<-s.token
		return nil, err
	}
	return m, nil
}

// NewRequest builds a trade request priced off the last tick seen for symbol,
// or a gateway LTP query when the feed has not delivered one yet.
func (s *Session) NewRequest(ctx context.Context, symbol string, side order.Side, qty int64, stopLoss, target decimal.Decimal) (order.TradeRequest, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	req := order.TradeRequest{
		Symbol:         symbol,
		Side:           side,
		Quantity:       qty,
		StopLossOffset: stopLoss,
		TargetOffset:   target,
		RequestedAt:    time.Now().UTC(),
	}

	if t, ok := s.LastTick(symbol); ok {
		req.ReferencePrice = t.Price
		return req, nil
	}
	ltp, err := s.gw.LTP(ctx, symbol)
	if err != nil {
		return req, fmt.Errorf("reference price for %s: %w", symbol, err)
	}
	req.ReferencePrice = ltp
	return req, nil
}

// Watch streams symbol's ticks into the session and calls fn for each one.
// It returns once the stream is running; the stream stops with ctx.
func (s *Session) Watch(ctx context.Context, symbol string, fn func(market.Tick)) error {
	if s.feed == nil {
		return errors.New("no price feed configured")
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	ch, err := s.feed.Stream(ctx, symbol)
	if err != nil {
		return fmt.Errorf("stream %s: %w", symbol, err)
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("price watcher panicked", zap.Any("panic", r), zap.String("symbol", symbol))
			}
		}()
		for t := range ch {
			s.mu.Lock()
			s.ticks[t.Symbol] = t
			s.mu.Unlock()
			if fn != nil {
				fn(t)
			}
		}
		s.log.Info("price feed closed", zap.String("symbol", symbol))
	}()
	return nil
}

// LastTick returns the latest tick seen for symbol.
func (s *Session) LastTick(symbol string) (market.Tick, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.ticks[symbol]
	return t, ok
}

// Active returns a snapshot of the running trade.
func (s *Session) Active() (oco.Group, bool) {
	s.mu.RLock()
	m := s.active
	s.mu.RUnlock()
	if m == nil {
		return oco.Group{}, false
	}
	return m.Group(), true
}

// Last returns the most recently finished trade.
func (s *Session) Last() (oco.Group, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return oco.Group{}, false
	}
	return *s.last, true
}

// Shutdown stops accepting trades and interrupts the running one, which cancels
// its live orders. It returns the interrupted group, if there was one. Orders the
// broker did not confirm cancelled are listed in Group.Unconfirmed.
func (s *Session) Shutdown(ctx context.Context) (*oco.Group, error) {
	s.submitMu.Lock()
	s.closing = true
	s.mu.RLock()
	m := s.active
	s.mu.RUnlock()
	s.submitMu.Unlock()

	defer func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	}()

	if m == nil {
		s.log.Info("shutdown with no active trade")
		return nil, nil
	}

	s.log.Warn("interrupting active trade", zap.String("group_id", m.ID()))
	g, err := m.Shutdown(ctx)
	if err != nil {
		s.log.Error("active trade did not finish in time", zap.String("group_id", g.ID),
			zap.String("state", string(g.State)), zap.Error(err), zap.Bool("alert", true))
		return &g, fmt.Errorf("shutdown %s: %w", g.ID, err)
	}
	for _, id := range g.Unconfirmed {
		s.log.Error("order may still be live at the broker", zap.String("order_id", id), zap.Bool("alert", true))
	}
	return &g, nil
}
