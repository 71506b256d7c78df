package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/amirphl/bracket-trader/internal/exchange"
	"github.com/amirphl/bracket-trader/internal/market"
	"github.com/amirphl/bracket-trader/internal/oco"
	"github.com/amirphl/bracket-trader/internal/order"
	"github.com/amirphl/bracket-trader/internal/tracker"
)

// chanFeed hands out a channel the test writes ticks to.
type chanFeed struct {
	ch chan market.Tick
}

func (f *chanFeed) Stream(ctx context.Context, symbol string) (<-chan market.Tick, error) {
	return f.ch, nil
}

func newSession(t *testing.T, feed exchange.PriceFeed) (*Session, *exchange.Simulator) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	// the simulator pushes from its own goroutines, which may outlive the test
	sim := exchange.NewSimulator(zap.NewNop(), false)
	sim.SetPrice("RELIANCE", decimal.RequireFromString("2450.50"))
	cfg := oco.DefaultConfig()
	cfg.ShutdownTimeout = time.Second
	cfg.CancelBackoff = 5 * time.Millisecond
	s := New(sim, tracker.New(zap.NewNop()), feed, nil, nil, logger, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = s.Shutdown(ctx)
	})
	return s, sim
}

func request(t *testing.T, s *Session) order.TradeRequest {
	t.Helper()
	req, err := s.NewRequest(context.Background(), "reliance", order.Buy, 10, decimal.NewFromInt(20), decimal.NewFromInt(30))
	require.NoError(t, err)
	return req
}

func waitDone(t *testing.T, m *oco.Manager) oco.Group {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("trade did not finish, state %s", m.Group().State)
	}
	return m.Group()
}

func TestSubmitRunsBracketThroughPush(t *testing.T) {
	s, sim := newSession(t, nil)

	m, err := s.Submit(context.Background(), request(t, s))
	require.NoError(t, err)

	g, ok := s.Active()
	require.True(t, ok)
	assert.Equal(t, m.ID(), g.ID)

	require.NoError(t, sim.Fill(g.Entry.ID, 0, decimal.Zero))
	require.Eventually(t, func() bool { return m.Group().State == oco.LegsActive }, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, sim.Fill(m.Group().Target.ID, 0, decimal.Zero))
	g = waitDone(t, m)
	assert.Equal(t, oco.Resolved, g.State)

	_, ok = s.Active()
	assert.False(t, ok)
	last, ok := s.Last()
	require.True(t, ok)
	assert.Equal(t, g.ID, last.ID)
}

func TestSecondTradeRejectedWhileActive(t *testing.T) {
	s, sim := newSession(t, nil)

	m, err := s.Submit(context.Background(), request(t, s))
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), request(t, s))
	assert.ErrorIs(t, err, ErrTradeInProgress)
	assert.Len(t, sim.Orders(), 1)

	require.NoError(t, sim.Reject(m.Group().Entry.ID))
	waitDone(t, m)

	m2, err := s.Submit(context.Background(), request(t, s))
	require.NoError(t, err)
	assert.NotEqual(t, m.ID(), m2.ID())
}

func TestSubmitInvalidRequestKeepsSlotFree(t *testing.T) {
	s, sim := newSession(t, nil)

	req := request(t, s)
	req.StopLossOffset = decimal.Zero
	_, err := s.Submit(context.Background(), req)
	var verr *order.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "stop_loss_offset", verr.Field)
	assert.Empty(t, sim.Orders())

	_, err = s.Submit(context.Background(), request(t, s))
	require.NoError(t, err)
}

func TestEntryPlacementFailureReleasesSlot(t *testing.T) {
	s, sim := newSession(t, nil)
	sim.FailPlacements(func(exchange.OrderRequest) error { return errors.New("market closed") })

	_, err := s.Submit(context.Background(), request(t, s))
	var gwErr *exchange.GatewayError
	require.True(t, errors.As(err, &gwErr))
	_, ok := s.Active()
	assert.False(t, ok)

	sim.FailPlacements(nil)
	_, err = s.Submit(context.Background(), request(t, s))
	require.NoError(t, err)
}

func TestNewRequestPrefersLastTick(t *testing.T) {
	feed := &chanFeed{ch: make(chan market.Tick, 1)}
	s, _ := newSession(t, feed)

	seen := make(chan market.Tick, 1)
	require.NoError(t, s.Watch(context.Background(), "RELIANCE", func(tk market.Tick) { seen <- tk }))
	feed.ch <- market.Tick{Symbol: "RELIANCE", Price: decimal.RequireFromString("2455.10"), Timestamp: time.Now()}
	<-seen

	req := request(t, s)
	assert.Equal(t, "RELIANCE", req.Symbol)
	assert.Equal(t, "2455.10", req.ReferencePrice.StringFixed(2))
}

func TestNewRequestFallsBackToGatewayLTP(t *testing.T) {
	s, _ := newSession(t, nil)
	req := request(t, s)
	assert.Equal(t, "2450.50", req.ReferencePrice.StringFixed(2))

	_, err := s.NewRequest(context.Background(), "TCS", order.Sell, 1, decimal.NewFromInt(1), decimal.NewFromInt(1))
	assert.Error(t, err)
}

func TestWatchWithoutFeed(t *testing.T) {
	s, _ := newSession(t, nil)
	assert.Error(t, s.Watch(context.Background(), "RELIANCE", nil))
}

func TestShutdownCancelsActiveTrade(t *testing.T) {
	s, sim := newSession(t, nil)

	m, err := s.Submit(context.Background(), request(t, s))
	require.NoError(t, err)
	require.NoError(t, sim.Fill(m.Group().Entry.ID, 0, decimal.Zero))
	require.Eventually(t, func() bool { return m.Group().State == oco.LegsActive }, 3*time.Second, 5*time.Millisecond)

	g, err := s.Shutdown(context.Background())
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, oco.Aborted, g.State)
	for _, leg := range g.Legs() {
		st, err := sim.PollStatus(context.Background(), leg.ID)
		require.NoError(t, err)
		assert.Equal(t, order.StatusCancelled, st.Status, leg.Role)
	}

	_, err = s.Submit(context.Background(), request(t, s))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestShutdownIdle(t *testing.T) {
	s, _ := newSession(t, nil)
	g, err := s.Shutdown(context.Background())
	require.NoError(t, err)
	assert.Nil(t, g)
}

func TestSubmitAfterShutdown(t *testing.T) {
	s, sim := newSession(t, nil)
	req := request(t, s)

	_, err := s.Shutdown(context.Background())
	require.NoError(t, err)

	m, err := s.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ErrShuttingDown)
	assert.Nil(t, m)
	assert.Empty(t, sim.Orders())
	_, ok := s.Active()
	assert.False(t, ok)
}
