package order

import (
	"sync"

	"github.com/tickvault/trailstop/core"
)

// FeedConsumer is a function type that processes order events
type FeedConsumer func(order core.Order)

// DataFeed represents channels for order data and errors
type DataFeed struct {
	Data chan core.Order
	Err  chan error
}

// Subscription represents a consumer subscription to order updates
type Subscription struct {
	onlyNewOrder bool
	consumer     FeedConsumer
}

// Feed manages order event feeds and subscriptions, keyed by market
type Feed struct {
	mu                    sync.RWMutex
	OrderFeeds            map[string]*DataFeed
	SubscriptionsByMarket map[string][]Subscription
}

// NewOrderFeed creates a new order feed manager
func NewOrderFeed() *Feed {
	return &Feed{
		OrderFeeds:            make(map[string]*DataFeed),
		SubscriptionsByMarket: make(map[string][]Subscription),
	}
}

// Subscribe registers a consumer to receive order updates for a market
func (f *Feed) Subscribe(market string, consumer FeedConsumer, onlyNewOrder bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Create a new data feed if one doesn't exist for this market
	if _, ok := f.OrderFeeds[market]; !ok {
		f.OrderFeeds[market] = &DataFeed{
			Data: make(chan core.Order, 100), // Buffered channel to prevent blocking
			Err:  make(chan error, 100),
		}
	}

	f.SubscriptionsByMarket[market] = append(f.SubscriptionsByMarket[market], Subscription{
		onlyNewOrder: onlyNewOrder,
		consumer:     consumer,
	})
}

// Publish sends an order event to all subscribers for the market
func (f *Feed) Publish(order core.Order, isNew bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if feed, ok := f.OrderFeeds[order.Market]; ok {
		// Non-blocking send - drop events if no one is draining the channel
		select {
		case feed.Data <- order:
		default:
		}
	}
}

// Start begins processing order events for all registered feeds
func (f *Feed) Start() {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for market, feed := range f.OrderFeeds {
		go f.processOrdersForMarket(market, feed)
	}
}

// processOrdersForMarket distributes order events for a single market
func (f *Feed) processOrdersForMarket(market string, feed *DataFeed) {
	for order := range feed.Data {
		f.mu.RLock()
		subscriptions := f.SubscriptionsByMarket[market]
		f.mu.RUnlock()

		for _, subscription := range subscriptions {
			subscription.consumer(order)
		}
	}
}

// Stop gracefully shuts down all feed channels
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for market, feed := range f.OrderFeeds {
		close(feed.Data)
		close(feed.Err)
		delete(f.OrderFeeds, market)
	}

	f.SubscriptionsByMarket = make(map[string][]Subscription)
}
