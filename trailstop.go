// Package trailstop wires the trailing-stop trigger engine together with its
// order journal, event feed, and notification surface.
package trailstop

import (
	"context"
	"fmt"
	"time"

	"github.com/tickvault/trailstop/claim"
	"github.com/tickvault/trailstop/core"
	"github.com/tickvault/trailstop/engine"
	"github.com/tickvault/trailstop/notification"
	"github.com/tickvault/trailstop/order"
	"github.com/tickvault/trailstop/storage"
)

const defaultDatabase = "trailstop.db"

// Settings holds the static configuration of a Trailstop instance
type Settings struct {
	// Markets the instance tracks; order events are published per market
	Markets []string

	// Telegram credentials; notifications are disabled when the token is empty
	Telegram notification.Settings
}

// Trailstop bundles the trigger engine with its supporting infrastructure
type Trailstop struct {
	settings Settings
	log      core.Logger
	storage  core.Storage
	notifier core.Notifier
	telegram core.NotifierWithStart

	orderFeed     *order.Feed
	engine        *engine.Engine
	engineOptions []engine.Option
}

// NewBot creates a new Trailstop instance with the provided settings, venue,
// and custodian
func NewBot(settings Settings, venue core.Venue, custody core.Custodian, options ...Option) (*Trailstop, error) {
	if len(settings.Markets) == 0 {
		return nil, fmt.Errorf("at least one market is required")
	}

	bot := &Trailstop{
		settings:  settings,
		orderFeed: order.NewOrderFeed(),
		log:       DefaultLog,
	}

	for _, option := range options {
		option(bot)
	}

	if err := initializeStorage(bot); err != nil {
		return nil, err
	}

	engineOptions := append(bot.engineOptions, engine.WithStorage(bot.storage))
	if bot.notifier != nil {
		engineOptions = append(engineOptions, engine.WithNotifier(bot.notifier))
	}

	bot.engine = engine.New(venue, custody, bot.log, bot.orderFeed, engineOptions...)

	if err := initializeNotifications(bot); err != nil {
		return nil, err
	}

	return bot, nil
}

// initializeStorage sets up the order journal
func initializeStorage(bot *Trailstop) error {
	var err error
	if bot.storage == nil {
		bot.storage, err = storage.NewFromFile(defaultDatabase)
		if err != nil {
			return err
		}
	}
	return nil
}

// initializeNotifications sets up notification systems like Telegram
func initializeNotifications(bot *Trailstop) error {
	if bot.settings.Telegram.Token != "" {
		telegram, err := notification.NewTelegram(bot, bot.settings.Telegram, bot.log)
		if err != nil {
			return err
		}
		bot.telegram = telegram
		if bot.notifier == nil {
			bot.notifier = telegram
		}
	}

	if bot.notifier != nil {
		for _, market := range bot.settings.Markets {
			bot.orderFeed.Subscribe(market, bot.notifier.OnOrder, false)
		}
	}
	return nil
}

// Start launches the order feed and, when configured, the Telegram bot
func (t *Trailstop) Start() {
	t.orderFeed.Start()
	if t.telegram != nil {
		t.telegram.Start()
	}
	t.log.Info("Trailstop started.")
}

// Stop shuts down the order feed
func (t *Trailstop) Stop() {
	t.orderFeed.Stop()
	t.log.Info("Trailstop stopped.")
}

// SubscribeOrder registers a consumer for order events of one market
func (t *Trailstop) SubscribeOrder(market string, consumer order.FeedConsumer) {
	t.orderFeed.Subscribe(market, consumer, false)
}

// InitializeMarket seeds a market's trail state with its first observed tick
func (t *Trailstop) InitializeMarket(market string, tick int64) {
	t.engine.InitializeMarket(market, tick)
}

// OnPriceChanged applies a price update, firing any qualifying orders
func (t *Trailstop) OnPriceChanged(ctx context.Context, market string, tick int64) error {
	return t.engine.OnPriceChanged(ctx, market, tick)
}

// Place registers a trailing order against the market's current price
func (t *Trailstop) Place(ctx context.Context, market string, direction core.Direction, tier core.Tier,
	owner string, amount uint64, expiresIn time.Duration) (core.Order, error) {
	return t.engine.Place(ctx, market, direction, tier, owner, amount, expiresIn)
}

// Cancel returns part or all of an order's principal to its owner
func (t *Trailstop) Cancel(ctx context.Context, market string, direction core.Direction, tier core.Tier,
	index int, amount uint64, caller string) error {
	return t.engine.Cancel(ctx, market, direction, tier, index, amount, caller)
}

// Redeem converts claim shares into the bucket's output asset
func (t *Trailstop) Redeem(ctx context.Context, key claim.BucketKey, claimAmount uint64, caller string) (uint64, error) {
	return t.engine.Redeem(ctx, key, claimAmount, caller)
}

// Markets returns all markets the engine tracks
func (t *Trailstop) Markets() []string {
	return t.engine.Markets()
}

// TrailState returns a market's current trail state
func (t *Trailstop) TrailState(market string) (core.TrailState, bool) {
	return t.engine.TrailState(market)
}

// PendingOrders returns the number of pending orders in one bucket
func (t *Trailstop) PendingOrders(market string, direction core.Direction, tier core.Tier) int {
	return t.engine.PendingOrders(market, direction, tier)
}

// BalanceOf returns owner's claim share balance in a bucket
func (t *Trailstop) BalanceOf(key claim.BucketKey, owner string) uint64 {
	return t.engine.BalanceOf(key, owner)
}

// Claimable previews the payout of redeeming owner's full balance
func (t *Trailstop) Claimable(key claim.BucketKey, owner string) uint64 {
	return t.engine.Claimable(key, owner)
}

// TransferClaim moves claim shares between holders
func (t *Trailstop) TransferClaim(key claim.BucketKey, from, to string, amount uint64) error {
	return t.engine.TransferClaim(key, from, to, amount)
}
