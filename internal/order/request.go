package order

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var symbolPattern = regexp.MustCompile(`^[A-Z][A-Z0-9\-&]*$`)

// ValidSymbol reports whether s looks like an exchange trading symbol, e.g. RELIANCE or M&M.
func ValidSymbol(s string) bool {
	return symbolPattern.MatchString(strings.TrimSpace(s))
}

// ValidationError rejects a trade request before anything reaches the broker.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TradeRequest is the operator's instruction for one bracket trade.
type TradeRequest struct {
	Symbol         string
	Side           Side
	Quantity       int64
	StopLossOffset decimal.Decimal
	TargetOffset   decimal.Decimal
	ReferencePrice decimal.Decimal
	RequestedAt    time.Time
}

// Validate checks the request fields. The first failing field is reported.
func (r TradeRequest) Validate() error {
	if !ValidSymbol(r.Symbol) {
		return &ValidationError{Field: "symbol", Reason: fmt.Sprintf("%q is not a valid symbol", r.Symbol)}
	}
	if !r.Side.Valid() {
		return &ValidationError{Field: "side", Reason: fmt.Sprintf("%q is not BUY or SELL", r.Side)}
	}
	if r.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Reason: "must be a positive integer"}
	}
	if r.StopLossOffset.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "stop_loss_offset", Reason: "must be positive"}
	}
	if r.TargetOffset.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "target_offset", Reason: "must be positive"}
	}
	if r.ReferencePrice.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "reference_price", Reason: "no LTP available"}
	}
	if r.Side == Buy && r.StopLossOffset.GreaterThanOrEqual(r.ReferencePrice) {
		return &ValidationError{Field: "stop_loss_offset", Reason: "stop-loss would be at or below zero"}
	}
	if r.Side == Sell && r.TargetOffset.GreaterThanOrEqual(r.ReferencePrice) {
		return &ValidationError{Field: "target_offset", Reason: "target would be at or below zero"}
	}
	return nil
}

// LegPrices computes the stop-loss trigger and target price from the entry fill.
// BUY: stop below, target above. SELL: stop above, target below.
func LegPrices(side Side, fill, stopOffset, targetOffset decimal.Decimal) (stop, target decimal.Decimal) {
	if side == Sell {
		return fill.Add(stopOffset), fill.Sub(targetOffset)
	}
	return fill.Sub(stopOffset), fill.Add(targetOffset)
}
