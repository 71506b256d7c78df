package exchange

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/amirphl/bracket-trader/internal/market"
)

// PriceFeed produces LTP ticks for one symbol until ctx is done. The returned
// channel keeps only the latest tick, so a slow reader skips ticks instead of
// stalling the producer. The channel is closed when the feed stops and a feed
// can not be restarted after that.
type PriceFeed interface {
	Stream(ctx context.Context, symbol string) (<-chan market.Tick, error)
}

// offerLatest delivers t, replacing an unread tick if the buffer is full.
func offerLatest(ch chan market.Tick, t market.Tick) {
	select {
	case ch <- t:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- t:
	default:
	}
}

// PollingFeed asks the gateway for the LTP on a fixed interval.
type PollingFeed struct {
	gw       Gateway
	interval time.Duration
	log      *zap.Logger
}

func NewPollingFeed(gw Gateway, interval time.Duration, logger *zap.Logger) *PollingFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollingFeed{gw: gw, interval: interval, log: logger.Named("poll-feed")}
}

func (f *PollingFeed) Stream(ctx context.Context, symbol string) (<-chan market.Tick, error) {
	out := make(chan market.Tick, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			price, err := f.gw.LTP(ctx, symbol)
			if err != nil {
				// gaps are tolerated; the next poll may succeed
				f.log.Debug("ltp poll failed", zap.String("symbol", symbol), zap.Error(err))
			} else {
				offerLatest(out, market.Tick{Symbol: symbol, Price: price, Timestamp: time.Now().UTC()})
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

// SyntheticFeed drives the DEMO simulator with a random walk so the program
// runs without market access.
type SyntheticFeed struct {
	sim        *Simulator
	start      decimal.Decimal
	volatility float64 // max relative move per tick, e.g. 0.0005
	interval   time.Duration
}

func NewSyntheticFeed(sim *Simulator, start decimal.Decimal, volatility float64, interval time.Duration) *SyntheticFeed {
	return &SyntheticFeed{
		sim:        sim,
		start:      start,
		volatility: volatility,
		interval:   interval,
	}
}

func (f *SyntheticFeed) next(rnd *rand.Rand, price decimal.Decimal) decimal.Decimal {
	move := (rnd.Float64()*2 - 1) * f.volatility
	next := price.Mul(decimal.NewFromFloat(1 + move)).Round(2)
	if next.LessThanOrEqual(decimal.Zero) {
		return price
	}
	return next
}

func (f *SyntheticFeed) Stream(ctx context.Context, symbol string) (<-chan market.Tick, error) {
	price := f.start
	if ltp, err := f.sim.LTP(ctx, symbol); err == nil {
		price = ltp
	}
	f.sim.SetPrice(symbol, price)

	// one source per stream, rand.Rand is not safe for concurrent use
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	out := make(chan market.Tick, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			offerLatest(out, market.Tick{Symbol: symbol, Price: price, Timestamp: time.Now().UTC()})
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			price = f.next(rnd, price)
			f.sim.SetPrice(symbol, price)
		}
	}()
	return out, nil
}

// MirrorFeed copies the ticks of a real feed into the DEMO simulator, so demo
// orders fill against market prices.
type MirrorFeed struct {
	src PriceFeed
	sim *Simulator
}

func NewMirrorFeed(src PriceFeed, sim *Simulator) *MirrorFeed {
	return &MirrorFeed{src: src, sim: sim}
}

func (f *MirrorFeed) Stream(ctx context.Context, symbol string) (<-chan market.Tick, error) {
	in, err := f.src.Stream(ctx, symbol)
	if err != nil {
		return nil, err
	}
	out := make(chan market.Tick, 1)
	go func() {
		defer close(out)
		for t := range in {
			f.sim.SetPrice(symbol, t.Price)
			offerLatest(out, t)
		}
	}()
	return out, nil
}
