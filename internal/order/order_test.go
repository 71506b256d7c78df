package order

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLegPrices(t *testing.T) {
	tests := []struct {
		name       string
		side       Side
		fill       string
		stopOffset string
		tgtOffset  string
		wantStop   string
		wantTarget string
	}{
		{"buy", Buy, "2450.50", "20", "30", "2430.50", "2480.50"},
		{"sell", Sell, "2450.50", "20", "30", "2470.50", "2420.50"},
		{"fractional offsets", Buy, "101.05", "0.35", "1.10", "100.70", "102.15"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stop, target := LegPrices(tt.side, dec(tt.fill), dec(tt.stopOffset), dec(tt.tgtOffset))
			assert.True(t, stop.Equal(dec(tt.wantStop)), "stop %s", stop)
			assert.True(t, target.Equal(dec(tt.wantTarget)), "target %s", target)
		})
	}
}

func TestTradeRequestValidate(t *testing.T) {
	valid := TradeRequest{
		Symbol:         "RELIANCE",
		Side:           Buy,
		Quantity:       10,
		StopLossOffset: dec("20"),
		TargetOffset:   dec("30"),
		ReferencePrice: dec("2450.50"),
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name  string
		edit  func(r *TradeRequest)
		field string
	}{
		{"lowercase symbol", func(r *TradeRequest) { r.Symbol = "reliance" }, "symbol"},
		{"empty symbol", func(r *TradeRequest) { r.Symbol = "" }, "symbol"},
		{"bad side", func(r *TradeRequest) { r.Side = "HOLD" }, "side"},
		{"zero quantity", func(r *TradeRequest) { r.Quantity = 0 }, "quantity"},
		{"negative quantity", func(r *TradeRequest) { r.Quantity = -3 }, "quantity"},
		{"zero stop offset", func(r *TradeRequest) { r.StopLossOffset = decimal.Zero }, "stop_loss_offset"},
		{"negative target offset", func(r *TradeRequest) { r.TargetOffset = dec("-1") }, "target_offset"},
		{"no reference price", func(r *TradeRequest) { r.ReferencePrice = decimal.Zero }, "reference_price"},
		{"buy stop below zero", func(r *TradeRequest) { r.StopLossOffset = dec("3000") }, "stop_loss_offset"},
		{"sell target below zero", func(r *TradeRequest) { r.Side = Sell; r.TargetOffset = dec("2450.50") }, "target_offset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.edit(&r)
			err := r.Validate()
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidSymbol(t *testing.T) {
	assert.True(t, ValidSymbol("RELIANCE"))
	assert.True(t, ValidSymbol("M&M"))
	assert.True(t, ValidSymbol("BAJAJ-AUTO"))
	assert.True(t, ValidSymbol("NIFTY50"))
	assert.False(t, ValidSymbol("1ABC"))
	assert.False(t, ValidSymbol("tcs"))
	assert.False(t, ValidSymbol("A B"))
}

func TestParseSide(t *testing.T) {
	for in, want := range map[string]Side{"b": Buy, "BUY": Buy, " s ": Sell, "sell": Sell} {
		got, ok := ParseSide(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got)
	}
	_, ok := ParseSide("x")
	assert.False(t, ok)
	assert.Equal(t, Sell, Buy.Opposite())
	assert.Equal(t, Buy, Sell.Opposite())
}

func TestStatusRank(t *testing.T) {
	assert.Less(t, StatusPending.Rank(), StatusOpen.Rank())
	assert.Less(t, StatusOpen.Rank(), StatusPartiallyFilled.Rank())
	assert.Less(t, StatusPartiallyFilled.Rank(), StatusFilled.Rank())
	assert.Equal(t, StatusFilled.Rank(), StatusCancelled.Rank())
	assert.Equal(t, StatusFilled.Rank(), StatusRejected.Rank())
	assert.True(t, StatusRejected.Terminal())
	assert.False(t, StatusOpen.Terminal())
	assert.False(t, Status("BOGUS").Valid())
}

func TestParseBrokerStatus(t *testing.T) {
	tests := map[string]Status{
		"complete":         StatusFilled,
		"EXECUTED":         StatusFilled,
		"trigger_pending":  StatusOpen,
		"NEW":              StatusOpen,
		"Canceled":         StatusCancelled,
		"EXPIRED":          StatusCancelled,
		"rejected":         StatusRejected,
		"PARTIALLY_FILLED": StatusPartiallyFilled,
	}
	for raw, want := range tests {
		got, ok := ParseBrokerStatus(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, want, got, raw)
	}
	_, ok := ParseBrokerStatus("weird")
	assert.False(t, ok)
}

func TestExecutedQty(t *testing.T) {
	o := Order{Quantity: 10, Status: StatusFilled}
	assert.Equal(t, int64(10), o.ExecutedQty())
	o.FilledQty = 6
	assert.Equal(t, int64(6), o.ExecutedQty())
	o = Order{Quantity: 10, Status: StatusCancelled}
	assert.Equal(t, int64(0), o.ExecutedQty())
	assert.False(t, o.Filled())
	assert.Equal(t, KindStopLoss, KindFor(RoleStopLoss))
	assert.Equal(t, KindLimit, KindFor(RoleTarget))
	assert.Equal(t, KindMarket, KindFor(RoleEntry))
}
