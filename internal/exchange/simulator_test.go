package exchange

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/amirphl/bracket-trader/internal/order"
)

type pushRecorder struct {
	mu  sync.Mutex
	got []OrderStatus
}

func (r *pushRecorder) record(st OrderStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, st)
}

func (r *pushRecorder) statuses(orderID string) []order.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []order.Status
	for _, st := range r.got {
		if st.OrderID == orderID {
			out = append(out, st.Status)
		}
	}
	return out
}

func marketBuy(qty int64) OrderRequest {
	return OrderRequest{
		Symbol:   "RELIANCE",
		Side:     order.Buy,
		Quantity: qty,
		Kind:     order.KindMarket,
		Price:    decimal.RequireFromString("2450.50"),
		Role:     order.RoleEntry,
	}
}

func TestSimulatorPlaceOrder(t *testing.T) {
	sim := NewSimulator(zaptest.NewLogger(t), false)
	rec := &pushRecorder{}
	sim.SubscribeStatus(rec.record)

	id, err := sim.PlaceOrder(context.Background(), marketBuy(10))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "DEMO_"))
	assert.True(t, strings.Contains(id, "_RELIANCE_"))

	st, err := sim.PollStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, order.StatusOpen, st.Status)

	require.Eventually(t, func() bool { return len(rec.statuses(id)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []order.Status{order.StatusOpen}, rec.statuses(id))

	id2, err := sim.PlaceOrder(context.Background(), marketBuy(10))
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
}

func TestSimulatorFill(t *testing.T) {
	sim := NewSimulator(nil, false)
	ctx := context.Background()

	id, err := sim.PlaceOrder(ctx, marketBuy(10))
	require.NoError(t, err)

	require.NoError(t, sim.Fill(id, 0, decimal.Zero))
	st, err := sim.PollStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, st.Status)
	assert.Equal(t, int64(10), st.FilledQty)
	assert.True(t, st.AvgPrice.Equal(decimal.RequireFromString("2450.50")))

	err = sim.Fill(id, 0, decimal.Zero)
	assert.True(t, errors.Is(err, ErrOrderClosed))

	err = sim.Fill("missing", 1, decimal.Zero)
	assert.True(t, errors.Is(err, ErrOrderNotFound))
}

func TestSimulatorPartialMarketFillCancelsRemainder(t *testing.T) {
	sim := NewSimulator(nil, false)
	ctx := context.Background()
	rec := &pushRecorder{}
	sim.SubscribeStatus(rec.record)

	id, err := sim.PlaceOrder(ctx, marketBuy(10))
	require.NoError(t, err)
	require.NoError(t, sim.Fill(id, 6, decimal.RequireFromString("2451")))

	st, err := sim.PollStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, st.Status)
	assert.Equal(t, int64(6), st.FilledQty)
	assert.True(t, st.AvgPrice.Equal(decimal.RequireFromString("2451")))

	require.Eventually(t, func() bool { return len(rec.statuses(id)) == 3 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, rec.statuses(id), order.StatusPartiallyFilled)
	assert.Contains(t, rec.statuses(id), order.StatusCancelled)
}

func TestSimulatorPartialLimitFillAveragesPrice(t *testing.T) {
	sim := NewSimulator(nil, false)
	ctx := context.Background()

	id, err := sim.PlaceOrder(ctx, OrderRequest{
		Symbol: "RELIANCE", Side: order.Sell, Quantity: 10, Kind: order.KindLimit,
		Price: decimal.RequireFromString("2480"), Role: order.RoleTarget,
	})
	require.NoError(t, err)

	require.NoError(t, sim.Fill(id, 4, decimal.RequireFromString("2480")))
	st, _ := sim.PollStatus(ctx, id)
	assert.Equal(t, order.StatusPartiallyFilled, st.Status)

	require.NoError(t, sim.Fill(id, 0, decimal.RequireFromString("2490")))
	st, _ = sim.PollStatus(ctx, id)
	assert.Equal(t, order.StatusFilled, st.Status)
	assert.Equal(t, int64(10), st.FilledQty)
	assert.True(t, st.AvgPrice.Equal(decimal.RequireFromString("2486")), st.AvgPrice.String())
}

func TestSimulatorCancel(t *testing.T) {
	sim := NewSimulator(nil, false)
	ctx := context.Background()

	id, err := sim.PlaceOrder(ctx, marketBuy(5))
	require.NoError(t, err)
	require.NoError(t, sim.CancelOrder(ctx, id))

	st, _ := sim.PollStatus(ctx, id)
	assert.Equal(t, order.StatusCancelled, st.Status)

	err = sim.CancelOrder(ctx, id)
	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, "cancel", gwErr.Op)
	assert.True(t, errors.Is(err, ErrOrderClosed))

	err = sim.CancelOrder(ctx, "missing")
	assert.True(t, errors.Is(err, ErrOrderNotFound))
}

func TestSimulatorFaultHooks(t *testing.T) {
	sim := NewSimulator(nil, false)
	ctx := context.Background()
	boom := errors.New("exchange down")

	sim.FailPlacements(func(req OrderRequest) error {
		if req.Role == order.RoleTarget {
			return boom
		}
		return nil
	})
	_, err := sim.PlaceOrder(ctx, OrderRequest{Symbol: "X", Side: order.Sell, Quantity: 1, Kind: order.KindLimit, Role: order.RoleTarget})
	assert.True(t, errors.Is(err, boom))
	_, err = sim.PlaceOrder(ctx, marketBuy(1))
	assert.NoError(t, err)

	id, err := sim.PlaceOrder(ctx, marketBuy(1))
	require.NoError(t, err)
	sim.FailCancels(func(string) error { return boom })
	assert.True(t, errors.Is(sim.CancelOrder(ctx, id), boom))
	sim.FailCancels(nil)
	assert.NoError(t, sim.CancelOrder(ctx, id))
}

func TestSimulatorReject(t *testing.T) {
	sim := NewSimulator(nil, false)
	ctx := context.Background()
	id, err := sim.PlaceOrder(ctx, marketBuy(1))
	require.NoError(t, err)

	require.NoError(t, sim.Reject(id))
	st, _ := sim.PollStatus(ctx, id)
	assert.Equal(t, order.StatusRejected, st.Status)
	assert.True(t, errors.Is(sim.Reject(id), ErrOrderClosed))
}

func TestSimulatorAutoFill(t *testing.T) {
	sim := NewSimulator(nil, true)
	ctx := context.Background()
	sim.SetPrice("RELIANCE", decimal.RequireFromString("2450.50"))

	entry, err := sim.PlaceOrder(ctx, marketBuy(10))
	require.NoError(t, err)
	st, _ := sim.PollStatus(ctx, entry)
	assert.Equal(t, order.StatusFilled, st.Status)

	stop, err := sim.PlaceOrder(ctx, OrderRequest{
		Symbol: "RELIANCE", Side: order.Sell, Quantity: 10, Kind: order.KindStopLoss,
		TriggerPrice: decimal.RequireFromString("2430.50"), Role: order.RoleStopLoss,
	})
	require.NoError(t, err)
	target, err := sim.PlaceOrder(ctx, OrderRequest{
		Symbol: "RELIANCE", Side: order.Sell, Quantity: 10, Kind: order.KindLimit,
		Price: decimal.RequireFromString("2480.50"), Role: order.RoleTarget,
	})
	require.NoError(t, err)

	sim.SetPrice("RELIANCE", decimal.RequireFromString("2460"))
	st, _ = sim.PollStatus(ctx, stop)
	assert.Equal(t, order.StatusOpen, st.Status)
	st, _ = sim.PollStatus(ctx, target)
	assert.Equal(t, order.StatusOpen, st.Status)

	sim.SetPrice("RELIANCE", decimal.RequireFromString("2481"))
	st, _ = sim.PollStatus(ctx, target)
	assert.Equal(t, order.StatusFilled, st.Status)
	assert.True(t, st.AvgPrice.Equal(decimal.RequireFromString("2480.50")))
	st, _ = sim.PollStatus(ctx, stop)
	assert.Equal(t, order.StatusOpen, st.Status)
}

func TestSimulatorLTP(t *testing.T) {
	sim := NewSimulator(nil, false)
	_, err := sim.LTP(context.Background(), "NOPE")
	assert.True(t, errors.Is(err, ErrNoPrice))

	sim.SetPrice("NOPE", decimal.RequireFromString("10"))
	p, err := sim.LTP(context.Background(), "NOPE")
	require.NoError(t, err)
	assert.True(t, p.Equal(decimal.NewFromInt(10)))
}

func TestCrossed(t *testing.T) {
	tests := []struct {
		name string
		req  OrderRequest
		ltp  string
		want bool
	}{
		{"sell stop above trigger", OrderRequest{Kind: order.KindStopLoss, Side: order.Sell, TriggerPrice: decimal.NewFromInt(100)}, "101", false},
		{"sell stop at trigger", OrderRequest{Kind: order.KindStopLoss, Side: order.Sell, TriggerPrice: decimal.NewFromInt(100)}, "100", true},
		{"buy stop below trigger", OrderRequest{Kind: order.KindStopLoss, Side: order.Buy, TriggerPrice: decimal.NewFromInt(100)}, "99", false},
		{"buy stop above trigger", OrderRequest{Kind: order.KindStopLoss, Side: order.Buy, TriggerPrice: decimal.NewFromInt(100)}, "101", true},
		{"sell limit reached", OrderRequest{Kind: order.KindLimit, Side: order.Sell, Price: decimal.NewFromInt(100)}, "100", true},
		{"buy limit not reached", OrderRequest{Kind: order.KindLimit, Side: order.Buy, Price: decimal.NewFromInt(100)}, "100.5", false},
		{"market never rests", OrderRequest{Kind: order.KindMarket, Side: order.Buy}, "1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := crossed(tt.req, decimal.RequireFromString(tt.ltp))
			assert.Equal(t, tt.want, ok)
		})
	}
}
