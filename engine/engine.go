package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tickvault/trailstop/claim"
	"github.com/tickvault/trailstop/core"
	"github.com/tickvault/trailstop/order"
)

// Engine runs the trigger evaluation on every price update and owns all
// mutation of a market's trail state, order book, and claim buckets. Each
// market is serialized behind its own lock; distinct markets share no state
// and are processed fully in parallel.
type Engine struct {
	venue   core.Venue
	custody core.Custodian
	storage core.Storage
	log     core.Logger

	feed     *order.Feed
	notifier core.Notifier

	tracker *Tracker
	book    *order.Book
	ledger  *claim.Ledger

	now           func() time.Time
	refundExpired bool

	mu      sync.Mutex
	markets map[string]*sync.Mutex

	recMu   sync.Mutex
	records map[int64]*core.Order
}

// Option is a functional option for configuring an Engine
type Option func(*Engine)

// WithStorage sets the order journal storage
func WithStorage(storage core.Storage) Option {
	return func(e *Engine) {
		e.storage = storage
	}
}

// WithNotifier registers a notifier for engine errors
func WithNotifier(notifier core.Notifier) Option {
	return func(e *Engine) {
		e.notifier = notifier
	}
}

// WithClock replaces the engine's time source, used by expiry checks
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithExpiredOrderRefund selects what happens to the principal of an order
// that expires unexecuted. When true, cleanup refunds the remaining amount
// to the owner like a full cancellation. When false (the default), the
// principal is forfeited to the bucket it was minted into and accrues to the
// bucket's remaining holders.
func WithExpiredOrderRefund(refund bool) Option {
	return func(e *Engine) {
		e.refundExpired = refund
	}
}

// New creates a trigger engine wired to the given venue and custodian
func New(venue core.Venue, custody core.Custodian, log core.Logger, feed *order.Feed, options ...Option) *Engine {
	engine := &Engine{
		venue:   venue,
		custody: custody,
		log:     log,
		feed:    feed,
		tracker: NewTracker(),
		book:    order.NewBook(),
		ledger:  claim.NewLedger(),
		now:     time.Now,
		markets: make(map[string]*sync.Mutex),
		records: make(map[int64]*core.Order),
	}

	for _, option := range options {
		option(engine)
	}

	return engine
}

// marketLock returns the lock serializing all mutation of one market
func (e *Engine) marketLock(market string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lk, ok := e.markets[market]
	if !ok {
		lk = &sync.Mutex{}
		e.markets[market] = lk
	}
	return lk
}

// InitializeMarket seeds the trail state for a newly observed market. It
// must be called once before any other operation on the market; repeated
// calls are ignored.
func (e *Engine) InitializeMarket(market string, tick int64) {
	if !e.tracker.Initialize(market, tick) {
		e.log.Warnf("market %s already initialized", market)
		return
	}
	e.log.WithField("market", market).Infof("market initialized at tick %d", tick)
}

// Markets returns all markets the engine has been initialized with
func (e *Engine) Markets() []string {
	return e.tracker.Markets()
}

// TrailState returns the market's current trail state
func (e *Engine) TrailState(market string) (core.TrailState, bool) {
	return e.tracker.State(market)
}

// PendingOrders returns the number of pending orders in one bucket
func (e *Engine) PendingOrders(market string, direction core.Direction, tier core.Tier) int {
	return e.book.Len(order.BucketKey{Market: market, Direction: direction, Tier: tier})
}

// BalanceOf returns owner's claim share balance in the bucket
func (e *Engine) BalanceOf(key claim.BucketKey, owner string) uint64 {
	return e.ledger.BalanceOf(key, owner)
}

// Bucket returns a claim bucket's total shares and redeemable amount
func (e *Engine) Bucket(key claim.BucketKey) (totalShares, totalRedeemable uint64) {
	return e.ledger.Bucket(key)
}

// Claimable previews the payout of redeeming owner's full balance
func (e *Engine) Claimable(key claim.BucketKey, owner string) uint64 {
	return e.ledger.Claimable(key, owner)
}

// TransferClaim moves claim shares between holders. Claim tokens are freely
// transferable independent of who placed the funding order.
func (e *Engine) TransferClaim(key claim.BucketKey, from, to string, amount uint64) error {
	return e.ledger.Transfer(key, from, to, amount)
}

// OnPriceChanged applies a new price observation and evaluates both
// directions for firing orders. A call arriving while the same market is
// still mid-update is rejected with ErrMarketBusy instead of being processed
// recursively; the venue's own post-trade price change must arrive as a
// later, ordered update. A venue failure aborts the update with the order
// left pending, so the next update can safely retry.
func (e *Engine) OnPriceChanged(ctx context.Context, market string, tick int64) error {
	lk := e.marketLock(market)
	if !lk.TryLock() {
		return core.ErrMarketBusy
	}
	defer lk.Unlock()

	state, ok := e.tracker.Update(market, tick)
	if !ok {
		// Not initialized yet, nothing to track
		return nil
	}

	for _, direction := range []core.Direction{core.DirectionForward, core.DirectionReverse} {
		if err := e.scanDirection(ctx, market, direction, tick, state); err != nil {
			e.notifyError(err)
			return err
		}
	}
	return nil
}

// scanDirection walks the qualifying tiers in ascending threshold order.
// Thresholds are strictly increasing, so the scan stops at the first tier
// the trailing distance does not reach.
func (e *Engine) scanDirection(ctx context.Context, market string, direction core.Direction, tick int64, state core.TrailState) error {
	distance := state.ReferenceTick - tick
	if distance < 0 {
		distance = -distance
	}

	for _, tier := range core.Tiers() {
		if distance < tier.Threshold() {
			break
		}

		key := order.BucketKey{Market: market, Direction: direction, Tier: tier}
		if err := e.scanBucket(ctx, key, tick, state); err != nil {
			return err
		}
	}
	return nil
}

// scanBucket evaluates every order in one qualifying bucket. Removals swap
// the last entry into the current slot, so the index is re-examined instead
// of advanced after each removal.
func (e *Engine) scanBucket(ctx context.Context, key order.BucketKey, tick int64, state core.TrailState) error {
	now := e.now()
	fires := favorable(key.Direction, key.Tier, tick, state)

	for i := 0; i < e.book.Len(key); {
		ord, err := e.book.At(key, i)
		if err != nil {
			break
		}

		if ord.Expired(now) {
			e.expire(ctx, key, i, ord)
			continue
		}

		if !fires {
			i++
			continue
		}

		if err := e.execute(ctx, key, i, ord, tick); err != nil {
			return err
		}
	}
	return nil
}

// favorable reports whether orders of this direction and tier fire at the
// current tick. The two directions are symmetric stop checks against the
// same shared extreme.
func favorable(direction core.Direction, tier core.Tier, tick int64, state core.TrailState) bool {
	threshold := tier.Threshold()
	if direction == core.DirectionForward {
		return state.IsDownward && tick < state.ReferenceTick-threshold
	}
	return !state.IsDownward && tick > state.ReferenceTick+threshold
}

// execute delegates the swap to the venue and books the realized output. The
// principal escrow is burned from the order's bucket and the realized output
// minted into the execution bucket keyed by the post-trade tick, pooling
// with any other fill landing on the same tick.
func (e *Engine) execute(ctx context.Context, key order.BucketKey, index int, ord *core.TrailOrder, tick int64) error {
	amountOut, postTick, err := e.venue.Swap(ctx, ord.Market, ord.Direction, ord.Remaining)
	if err != nil {
		// Order stays pending, no shares move
		return fmt.Errorf("venue swap %s %s: %w", ord.Market, ord.Direction, err)
	}

	principal := claim.BucketKey{Market: ord.Market, Tick: ord.PlacementTick, Direction: ord.Direction}
	shares := ord.Remaining
	if balance := e.ledger.BalanceOf(principal, ord.Owner); balance < shares {
		// Owner transferred principal shares away; burn what is left
		shares = balance
	}
	if err := e.ledger.Burn(principal, ord.Owner, shares, ord.Remaining); err != nil {
		e.log.WithError(err).Errorf("principal burn failed for order %d", ord.ID)
	}

	execution := claim.BucketKey{Market: ord.Market, Tick: postTick, Direction: ord.Direction}
	e.ledger.Mint(execution, ord.Owner, amountOut, amountOut)

	if err := e.book.Remove(key, index); err != nil {
		return err
	}

	e.log.WithFields(map[string]any{
		"market": ord.Market,
		"bucket": execution.ID(),
	}).Infof("[ORDER EXECUTED] id=%d out=%d tick=%d", ord.ID, amountOut, postTick)

	e.journalUpdate(ctx, ord.ID, func(rec *core.Order) {
		rec.Status = core.OrderStatusTypeFilled
		rec.Remaining = 0
		rec.ExecutionTick = postTick
		rec.Payout = amountOut
		rec.BucketID = execution.ID()
	})
	return nil
}

// expire removes an order whose expiry has passed, with no execution. The
// principal is refunded or forfeited according to the engine's configuration.
func (e *Engine) expire(ctx context.Context, key order.BucketKey, index int, ord *core.TrailOrder) {
	principal := claim.BucketKey{Market: ord.Market, Tick: ord.PlacementTick, Direction: ord.Direction}
	shares := ord.Remaining
	if balance := e.ledger.BalanceOf(principal, ord.Owner); balance < shares {
		shares = balance
	}

	if e.refundExpired {
		if err := e.ledger.Burn(principal, ord.Owner, shares, ord.Remaining); err != nil {
			e.log.WithError(err).Errorf("expiry burn failed for order %d", ord.ID)
		}
		if err := e.custody.Push(ctx, ord.Owner, ord.Remaining); err != nil {
			e.log.WithError(err).Errorf("expiry refund failed for order %d", ord.ID)
			e.notifyError(err)
		}
	} else {
		// Forfeit: shares are burned but the escrowed value stays in the
		// bucket, accruing to its remaining holders
		if err := e.ledger.Burn(principal, ord.Owner, shares, 0); err != nil {
			e.log.WithError(err).Errorf("expiry burn failed for order %d", ord.ID)
		}
	}

	if err := e.book.Remove(key, index); err != nil {
		e.log.WithError(err).Errorf("expiry removal failed for order %d", ord.ID)
		return
	}

	e.log.Infof("[ORDER EXPIRED] id=%d market=%s remaining=%d", ord.ID, ord.Market, ord.Remaining)

	e.journalUpdate(ctx, ord.ID, func(rec *core.Order) {
		rec.Status = core.OrderStatusTypeExpired
		rec.Remaining = 0
	})
}

// Place escrows amount from owner and appends a trailing order to the bucket
// selected by direction and tier. The placement tick is captured from the
// market's current price, and amount claim shares are minted into the
// principal bucket keyed by it.
func (e *Engine) Place(ctx context.Context, market string, direction core.Direction, tier core.Tier,
	owner string, amount uint64, expiresIn time.Duration) (core.Order, error) {

	if amount == 0 || !tier.Valid() {
		return core.Order{}, core.ErrInvalidOrder
	}

	lk := e.marketLock(market)
	lk.Lock()
	defer lk.Unlock()

	tick, ok := e.tracker.LastTick(market)
	if !ok {
		return core.Order{}, core.ErrMarketNotInitialized
	}

	key := order.BucketKey{Market: market, Direction: direction, Tier: tier}
	if e.book.Len(key) >= order.MaxOrdersPerBucket {
		return core.Order{}, core.ErrMaxOrdersReached
	}

	if err := e.custody.Pull(ctx, owner, amount); err != nil {
		e.notifyError(err)
		return core.Order{}, err
	}

	ord, _, err := e.book.Place(key, owner, amount, tick, e.now().Add(expiresIn))
	if err != nil {
		// Return the escrowed amount, the placement did not happen
		if pushErr := e.custody.Push(ctx, owner, amount); pushErr != nil {
			e.notifyError(pushErr)
		}
		return core.Order{}, err
	}

	principal := claim.BucketKey{Market: market, Tick: tick, Direction: direction}
	e.ledger.Mint(principal, owner, amount, amount)

	rec := e.journalCreate(ctx, ord, principal.ID())
	e.log.Infof("[ORDER PLACED] %s", rec)
	return rec, nil
}

// Cancel returns amount of an order's principal to its owner, burning the
// proportional claim shares from the principal bucket. The order is removed
// once its remaining amount reaches zero.
func (e *Engine) Cancel(ctx context.Context, market string, direction core.Direction, tier core.Tier,
	index int, amount uint64, caller string) error {

	lk := e.marketLock(market)
	lk.Lock()
	defer lk.Unlock()

	key := order.BucketKey{Market: market, Direction: direction, Tier: tier}
	ord, err := e.book.At(key, index)
	if err != nil {
		return err
	}

	if amount == 0 || amount > ord.Remaining || caller != ord.Owner {
		return core.ErrNotEnoughToClaim
	}

	principal := claim.BucketKey{Market: market, Tick: ord.PlacementTick, Direction: direction}
	burnShares := core.MulDiv(amount, e.ledger.BalanceOf(principal, caller), ord.Remaining)
	if err := e.ledger.Burn(principal, caller, burnShares, amount); err != nil {
		return err
	}

	orderID := ord.ID
	removed, err := e.book.Reduce(key, index, amount)
	if err != nil {
		return err
	}

	if err := e.custody.Push(ctx, caller, amount); err != nil {
		e.notifyError(err)
		return err
	}

	e.log.Infof("[ORDER CANCELED] id=%d market=%s amount=%d removed=%t", orderID, market, amount, removed)

	e.journalUpdate(ctx, orderID, func(rec *core.Order) {
		rec.Remaining -= amount
		if removed {
			rec.Status = core.OrderStatusTypeCanceled
		}
	})
	return nil
}

// Redeem burns claimAmount of caller's shares in the bucket and pays out the
// proportional slice of the bucket's redeemable amount through custody.
func (e *Engine) Redeem(ctx context.Context, key claim.BucketKey, claimAmount uint64, caller string) (uint64, error) {
	lk := e.marketLock(key.Market)
	lk.Lock()
	defer lk.Unlock()

	payout, err := e.ledger.Redeem(key, caller, claimAmount)
	if err != nil {
		return 0, err
	}

	if err := e.custody.Push(ctx, caller, payout); err != nil {
		e.notifyError(err)
		return 0, err
	}

	e.log.Infof("[CLAIM REDEEMED] bucket=%s owner=%s claim=%d payout=%d", key.ID(), caller, claimAmount, payout)
	return payout, nil
}

// journalCreate writes the placement record and publishes it on the feed
func (e *Engine) journalCreate(ctx context.Context, ord *core.TrailOrder, bucketID string) core.Order {
	now := e.now()
	rec := &core.Order{
		ID:            ord.ID,
		Market:        ord.Market,
		Direction:     ord.Direction,
		Tier:          ord.Tier,
		Owner:         ord.Owner,
		Status:        core.OrderStatusTypeNew,
		Amount:        ord.Remaining,
		Remaining:     ord.Remaining,
		PlacementTick: ord.PlacementTick,
		BucketID:      bucketID,
		ExpiresAt:     ord.ExpiresAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	e.recMu.Lock()
	e.records[rec.ID] = rec
	e.recMu.Unlock()

	if e.storage != nil {
		if err := e.storage.CreateOrder(ctx, rec); err != nil {
			e.notifyError(err)
		}
	}

	if e.feed != nil {
		e.feed.Publish(*rec, true)
	}
	return *rec
}

// journalUpdate mutates the order's journal record, persists it, and
// publishes the new state on the feed
func (e *Engine) journalUpdate(ctx context.Context, orderID int64, mutate func(*core.Order)) {
	e.recMu.Lock()
	rec, ok := e.records[orderID]
	if !ok {
		e.recMu.Unlock()
		return
	}
	mutate(rec)
	rec.UpdatedAt = e.now()
	snapshot := *rec
	e.recMu.Unlock()

	if e.storage != nil {
		if err := e.storage.UpdateOrder(ctx, &snapshot); err != nil {
			e.notifyError(err)
		}
	}

	if e.feed != nil {
		e.feed.Publish(snapshot, false)
	}
}

// notifyError sends an error through the logging system and notifier
func (e *Engine) notifyError(err error) {
	e.log.Error(err)
	if e.notifier != nil {
		e.notifier.OnError(err)
	}
}
