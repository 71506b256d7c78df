package db

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/bracket-trader/internal/journal"
	"github.com/amirphl/bracket-trader/internal/order"
)

func sampleLeg(id string, status order.Status) order.Order {
	now := time.Date(2024, 5, 6, 9, 15, 0, 0, time.UTC)
	return order.Order{
		ID:           id,
		Role:         order.RoleStopLoss,
		Symbol:       "RELIANCE",
		Side:         order.Sell,
		Quantity:     10,
		Kind:         order.KindStopLoss,
		TriggerPrice: decimal.RequireFromString("2430.50"),
		Status:       status,
		CreatedAt:    now,
		LastSeen:     now,
		Seq:          3,
	}
}

// exerciseStorage runs the same checks against every backend.
func exerciseStorage(t *testing.T, s Storage) {
	ctx := context.Background()

	leg := sampleLeg("DEMO_1_RELIANCE_1001", order.StatusOpen)
	require.NoError(t, s.SaveOrder(ctx, "g-1", leg))

	got, err := s.GetOrder(ctx, leg.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "g-1", got.GroupID)
	assert.Equal(t, order.StatusOpen, got.Status)
	assert.True(t, got.TriggerPrice.Equal(leg.TriggerPrice))

	filled := leg
	filled.Status = order.StatusFilled
	filled.FilledQty = 10
	filled.AvgPrice = decimal.RequireFromString("2430.50")
	filled.LastSeen = leg.LastSeen.Add(time.Minute)
	filled.Seq = 7

	require.NoError(t, s.LogEvent(ctx, journal.Event{
		Time:        filled.LastSeen,
		GroupID:     "g-1",
		Type:        journal.TypeOrderStatus,
		Description: "stop-loss filled",
		Data:        map[string]any{"status": "FILLED"},
		Order:       &filled,
	}))
	require.NoError(t, s.LogEvent(ctx, journal.Event{
		Time:    filled.LastSeen,
		GroupID: "g-2",
		Type:    journal.TypeGroupCreated,
	}))

	got, err = s.GetOrder(ctx, leg.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, order.StatusFilled, got.Status)
	assert.Equal(t, int64(10), got.FilledQty)
	assert.True(t, got.AvgPrice.Equal(filled.AvgPrice))
	assert.Equal(t, uint64(7), got.Seq)

	events, err := s.GetEvents(ctx, "g-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, journal.TypeOrderStatus, events[0].Type)
	assert.Equal(t, "FILLED", events[0].Data["status"])

	orders, err := s.GetGroupOrders(ctx, "g-1")
	require.NoError(t, err)
	assert.Len(t, orders, 1)

	missing, err := s.GetOrder(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemoryStorage(t *testing.T) {
	m := NewMemory()
	assert.Nil(t, m.GetDB())
	exerciseStorage(t, m)
}

func TestMemoryGroupOrdersSorted(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a := sampleLeg("b", order.StatusOpen)
	b := sampleLeg("a", order.StatusOpen)
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	require.NoError(t, m.SaveOrder(ctx, "g", a))
	require.NoError(t, m.SaveOrder(ctx, "g", b))

	orders, err := m.GetGroupOrders(ctx, "g")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "b", orders[0].ID)
	assert.Equal(t, "a", orders[1].ID)
}
