// Package exchange
//
// WebsocketFeed notes:
//   - One connection per Stream call; it reconnects with exponential backoff until
//     the context is cancelled.
//   - Only the latest tick is kept for the reader (see offerLatest), and the last
//     tick is also available through LastTick for health checks.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amirphl/bracket-trader/internal/market"
)

// ConnectionState represents the state of the websocket connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

// WallexTrade is a trade message from the Wallex trade channel.
type WallexTrade struct {
	IsBuyOrder bool      `json:"isBuyOrder"`
	Quantity   string    `json:"quantity"`
	Price      string    `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
}

// ToTick converts the trade into a tick; ok is false if the price does not parse.
func (w WallexTrade) ToTick(symbol string) (market.Tick, bool) {
	price, err := decimal.NewFromString(w.Price)
	if err != nil {
		return market.Tick{}, false
	}
	qty, _ := decimal.NewFromString(w.Quantity)
	ts := w.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return market.Tick{Symbol: symbol, Price: price, Quantity: qty, Timestamp: ts.UTC()}, true
}

// SubscribeMessage is used to subscribe to a channel via Socket.IO
// e.g. {"channel": "USDTTMN@trade"}
type SubscribeMessage struct {
	Channel string `json:"channel"`
}

// WebsocketFeed streams LIVE trades from the Wallex Socket.IO endpoint.
type WebsocketFeed struct {
	host string
	log  *zap.Logger

	mu           sync.RWMutex
	state        ConnectionState
	healthErr    error
	lastPong     time.Time
	lastTick     *market.Tick
	lastTickTime time.Time
}

func NewWebsocketFeed(logger *zap.Logger) *WebsocketFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketFeed{
		host:  "api.wallex.ir",
		state: Disconnected,
		log:   logger.Named("ws-feed"),
	}
}

// IsConnected returns true if the websocket is connected.
func (w *WebsocketFeed) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state == Connected
}

// Health returns the last connection error (if any).
func (w *WebsocketFeed) Health() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.healthErr
}

// LastTick returns the most recent tick and when it arrived.
func (w *WebsocketFeed) LastTick() (*market.Tick, time.Time) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.lastTick == nil {
		return nil, time.Time{}
	}
	t := *w.lastTick
	return &t, w.lastTickTime
}

func (w *WebsocketFeed) setState(s ConnectionState, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
	w.healthErr = err
}

func (w *WebsocketFeed) Stream(ctx context.Context, symbol string) (<-chan market.Tick, error) {
	out := make(chan market.Tick, 1)
	channel := NormalizeSymbol(symbol) + "@trade"

	go func() {
		defer close(out)
		retryDelay := time.Second
		for {
			w.setState(Connecting, nil)
			err := w.connectAndStream(ctx, symbol, channel, out)
			if ctx.Err() != nil {
				w.setState(Disconnected, nil)
				return
			}
			w.setState(Reconnecting, err)
			w.log.Warn("websocket disconnected, retrying", zap.Duration("delay", retryDelay), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			if retryDelay < 60*time.Second {
				retryDelay *= 2
			} else {
				retryDelay = 60 * time.Second
			}
		}
	}()
	return out, nil
}

func subscribeFrame(channel string) ([]byte, error) {
	subscribeJSON, err := json.Marshal(SubscribeMessage{Channel: channel})
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf(`42["subscribe",%s]`, string(subscribeJSON))), nil
}

// parseTradeFrame extracts a trade from a Socket.IO event frame of the form
// 42["Broadcaster","<channel>",{...}].
func parseTradeFrame(msg string, channel string) (WallexTrade, bool) {
	if len(msg) < 2 || msg[:2] != "42" {
		return WallexTrade{}, false
	}
	var eventArray []json.RawMessage
	if err := json.Unmarshal([]byte(msg[2:]), &eventArray); err != nil || len(eventArray) < 3 {
		return WallexTrade{}, false
	}
	var eventName, ch string
	if err := json.Unmarshal(eventArray[0], &eventName); err != nil || eventName != "Broadcaster" {
		return WallexTrade{}, false
	}
	if err := json.Unmarshal(eventArray[1], &ch); err != nil || ch != channel {
		return WallexTrade{}, false
	}
	var trade WallexTrade
	if err := json.Unmarshal(eventArray[2], &trade); err != nil {
		return WallexTrade{}, false
	}
	return trade, true
}

// connectAndStream handles a single websocket connection session.
func (w *WebsocketFeed) connectAndStream(ctx context.Context, symbol, channel string, out chan market.Tick) error {
	u := url.URL{Scheme: "wss", Host: w.host, Path: "/socket.io/"}
	query := u.Query()
	query.Set("EIO", "4")
	query.Set("transport", "websocket")
	u.RawQuery = query.Encode()

	c, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer c.Close()

	// unblock ReadMessage when the caller goes away
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	w.mu.Lock()
	w.state = Connected
	w.lastPong = time.Now()
	w.mu.Unlock()
	w.log.Info("websocket connected", zap.String("channel", channel))

	// Socket.IO connect
	if err := c.WriteMessage(websocket.TextMessage, []byte("40")); err != nil {
		return err
	}

	c.SetPongHandler(func(string) error {
		w.mu.Lock()
		w.lastPong = time.Now()
		w.mu.Unlock()
		return nil
	})

	var writeMu sync.Mutex
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		pingTicker := time.NewTicker(20 * time.Second)
		defer pingTicker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-pingTicker.C:
				writeMu.Lock()
				c.WriteMessage(websocket.PingMessage, nil)
				writeMu.Unlock()
			}
		}
	}()

	subscribed := false
	for {
		c.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, message, err := c.ReadMessage()
		if err != nil {
			return err
		}
		msgStr := string(message)

		switch {
		case msgStr == "2":
			// Socket.IO ping
			writeMu.Lock()
			err = c.WriteMessage(websocket.TextMessage, []byte("3"))
			writeMu.Unlock()
			if err != nil {
				return err
			}
		case len(msgStr) >= 2 && msgStr[:2] == "40" && !subscribed:
			frame, err := subscribeFrame(channel)
			if err != nil {
				return err
			}
			writeMu.Lock()
			err = c.WriteMessage(websocket.TextMessage, frame)
			writeMu.Unlock()
			if err != nil {
				return err
			}
			subscribed = true
			w.log.Info("subscribed", zap.String("channel", channel))
		default:
			trade, ok := parseTradeFrame(msgStr, channel)
			if !ok {
				continue
			}
			tick, ok := trade.ToTick(symbol)
			if !ok {
				continue
			}
			w.mu.Lock()
			w.lastTick = &tick
			w.lastTickTime = time.Now()
			w.mu.Unlock()
			offerLatest(out, tick)
		}
	}
}
