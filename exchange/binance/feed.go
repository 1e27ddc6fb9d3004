// Package binance drives the trigger engine from the Binance kline stream,
// converting closing prices into integer ticks.
package binance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"github.com/tickvault/trailstop/core"
	"github.com/tickvault/trailstop/exchange"
)

// PriceFeed subscribes to kline updates for a set of markets and forwards
// every observed tick to the engine. The first observation of a market
// initializes its trail state.
type PriceFeed struct {
	log      core.Logger
	observer core.PriceObserver
	interval string
	markets  []string

	mu     sync.Mutex
	seeded map[string]bool
}

// NewPriceFeed creates a feed for the given markets. The interval selects
// the kline timeframe, e.g. "1m".
func NewPriceFeed(log core.Logger, observer core.PriceObserver, interval string, markets ...string) *PriceFeed {
	return &PriceFeed{
		log:      log,
		observer: observer,
		interval: interval,
		markets:  markets,
		seeded:   make(map[string]bool),
	}
}

// Start launches one stream per market and blocks until ctx is cancelled.
// Dropped connections are re-established with exponential backoff.
func (f *PriceFeed) Start(ctx context.Context) {
	for _, market := range f.markets {
		go f.stream(ctx, market)
	}
	<-ctx.Done()
}

// stream maintains the websocket subscription for one market
func (f *PriceFeed) stream(ctx context.Context, market string) {
	retry := &backoff.Backoff{
		Min: 100 * time.Millisecond,
		Max: 30 * time.Second,
	}

	for ctx.Err() == nil {
		doneC, stopC, err := binance.WsKlineServe(market, f.interval,
			func(event *binance.WsKlineEvent) {
				f.onKline(ctx, event)
			},
			func(err error) {
				f.log.WithError(err).Errorf("kline stream error for %s", market)
			},
		)
		if err != nil {
			wait := retry.Duration()
			f.log.WithError(err).Warnf("kline subscribe failed for %s, retrying in %s", market, wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}

		retry.Reset()
		select {
		case <-ctx.Done():
			close(stopC)
			return
		case <-doneC:
			f.log.Warnf("kline stream for %s closed, reconnecting", market)
		}
	}
}

// onKline converts the kline close into a tick and hands it to the engine
func (f *PriceFeed) onKline(ctx context.Context, event *binance.WsKlineEvent) {
	tick, err := tickFromClose(event.Kline.Close)
	if err != nil {
		f.log.WithError(err).Errorf("bad close price for %s", event.Symbol)
		return
	}

	f.mu.Lock()
	first := !f.seeded[event.Symbol]
	f.seeded[event.Symbol] = true
	f.mu.Unlock()

	if first {
		f.observer.InitializeMarket(event.Symbol, tick)
		return
	}

	if err := f.observer.OnPriceChanged(ctx, event.Symbol, tick); err != nil {
		if err == core.ErrMarketBusy {
			// The engine is mid-update; the next kline carries a fresher price
			f.log.Debugf("skipped update for %s: market busy", event.Symbol)
			return
		}
		f.log.WithError(err).Errorf("price update failed for %s", event.Symbol)
	}
}

// tickFromClose parses the exchange's decimal close price into a tick
func tickFromClose(close string) (int64, error) {
	price, err := decimal.NewFromString(close)
	if err != nil {
		return 0, fmt.Errorf("parse close %q: %w", close, err)
	}

	value, _ := price.Float64()
	if value <= 0 {
		return 0, fmt.Errorf("non-positive close %q", close)
	}
	return exchange.TickFromPrice(value), nil
}
