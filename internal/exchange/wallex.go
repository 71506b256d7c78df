// Package exchange
package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/shopspring/decimal"
	wallex "github.com/wallexchange/wallex-go"
	"go.uber.org/zap"

	"github.com/amirphl/bracket-trader/internal/order"
)

// WallexGateway is the LIVE broker gateway backed by the Wallex REST API.
// Status polls are cached for a short TTL so the reconciliation loop and the
// shutdown path do not burn the account's rate limit polling the same order.
type WallexGateway struct {
	client   *wallex.Client
	cache    *ristretto.Cache
	cacheTTL time.Duration
	log      *zap.Logger
}

func NewWallexGateway(apiKey string, cacheTTL time.Duration, logger *zap.Logger) (*WallexGateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("status cache: %w", err)
	}
	return &WallexGateway{
		client:   wallex.New(wallex.ClientOptions{APIKey: apiKey}),
		cache:    cache,
		cacheTTL: cacheTTL,
		log:      logger.Named("wallex"),
	}, nil
}

func (w *WallexGateway) Name() string {
	return "wallex"
}

// wallexOrderType maps an order kind onto the exchange's order type.
func wallexOrderType(k order.Kind) string {
	switch k {
	case order.KindLimit:
		return "LIMIT"
	case order.KindStopLoss:
		return "STOP_LIMIT"
	}
	return "MARKET"
}

func (w *WallexGateway) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	select {
	case <-ctx.Done():
		return "", &GatewayError{Op: "place", Err: ctx.Err()}
	default:
	}

	price := req.Price
	if req.Kind == order.KindStopLoss {
		price = req.TriggerPrice
	}

	params := &wallex.OrderParams{
		Symbol:   NormalizeSymbol(req.Symbol),
		Type:     wallexOrderType(req.Kind),
		Side:     strings.ToUpper(string(req.Side)),
		Price:    wallex.Number(price.StringFixed(8)),
		Quantity: wallex.Number(strconv.FormatInt(req.Quantity, 10)),
	}
	resp, err := w.client.PlaceOrder(params)
	if err != nil {
		return "", &GatewayError{Op: "place", Err: err}
	}

	w.log.Info("order placed",
		zap.String("order_id", resp.ClientOrderID),
		zap.String("role", string(req.Role)),
		zap.String("type", params.Type),
		zap.String("status", resp.Status))
	return resp.ClientOrderID, nil
}

func (w *WallexGateway) CancelOrder(ctx context.Context, orderID string) error {
	select {
	case <-ctx.Done():
		return &GatewayError{Op: "cancel", OrderID: orderID, Err: ctx.Err()}
	default:
	}

	w.cache.Del(orderID)
	if err := w.client.CancelOrder(orderID); err != nil {
		return &GatewayError{Op: "cancel", OrderID: orderID, Err: err}
	}
	return nil
}

func (w *WallexGateway) PollStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	select {
	case <-ctx.Done():
		return OrderStatus{}, &GatewayError{Op: "status", OrderID: orderID, Err: ctx.Err()}
	default:
	}

	if v, ok := w.cache.Get(orderID); ok {
		if st, ok := v.(OrderStatus); ok {
			return st, nil
		}
	}

	resp, err := w.client.Order(orderID)
	if err != nil {
		return OrderStatus{}, &GatewayError{Op: "status", OrderID: orderID, Err: err}
	}
	status, ok := order.ParseBrokerStatus(resp.Status)
	if !ok {
		return OrderStatus{}, &GatewayError{Op: "status", OrderID: orderID, Err: fmt.Errorf("unknown status %q", resp.Status)}
	}

	st := OrderStatus{
		OrderID:   orderID,
		Status:    status,
		FilledQty: numberToDecimal(resp.ExecutedQty).IntPart(),
		AvgPrice:  numberToDecimal(resp.ExecutedPrice),
		Timestamp: time.Now().UTC(),
	}
	w.cache.SetWithTTL(orderID, st, 1, w.cacheTTL)
	return st, nil
}

func (w *WallexGateway) LTP(ctx context.Context, symbol string) (decimal.Decimal, error) {
	select {
	case <-ctx.Done():
		return decimal.Zero, &GatewayError{Op: "ltp", Err: ctx.Err()}
	default:
	}

	trades, err := w.client.MarketTrades(NormalizeSymbol(symbol))
	if err != nil {
		return decimal.Zero, &GatewayError{Op: "ltp", Err: err}
	}
	if len(trades) == 0 {
		return decimal.Zero, &GatewayError{Op: "ltp", Err: fmt.Errorf("%w %s", ErrNoPrice, symbol)}
	}
	return numberToDecimal(&trades[0].Price), nil
}

// Close releases the status cache.
func (w *WallexGateway) Close() {
	w.cache.Close()
}

// numberToDecimal safely dereferences *wallex.Number.
func numberToDecimal(n *wallex.Number) decimal.Decimal {
	if n == nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(string(*n))
	if err != nil {
		return decimal.Zero
	}
	return d
}

// NormalizeSymbol converts e.g. btc-usdt to BTCUSDT for the Wallex API.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}
