package market

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestTickDisplay(t *testing.T) {
	tick := Tick{Symbol: "RELIANCE", Price: decimal.RequireFromString("2450.5")}
	assert.Equal(t, "RELIANCE | LTP: 2450.50", tick.Display())
}
