// Package market
package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is one last-traded-price update.
type Tick struct {
	Symbol    string
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Timestamp time.Time
}

// Display renders the tick the way the operator console shows it.
func (t Tick) Display() string {
	return fmt.Sprintf("%s | LTP: %s", t.Symbol, t.Price.StringFixed(2))
}
