package core

import "context"

// Venue performs the actual asset exchange for a firing order. Swap sells
// amountIn in the given direction and reports the realized output together
// with the post-trade tick. The engine books only the realized output, never
// a nominal estimate.
type Venue interface {
	Swap(ctx context.Context, market string, direction Direction, amountIn uint64) (amountOut uint64, postTradeTick int64, err error)
}

// Custodian moves the underlying asset between the holder and the engine's
// escrow. Pull is called on placement, Push on cancellation refunds and
// redemption payouts.
type Custodian interface {
	Pull(ctx context.Context, owner string, amount uint64) error
	Push(ctx context.Context, owner string, amount uint64) error
}

// PriceObserver is the surface a price feed drives. The engine has no
// independent way to discover price; it reacts only to these calls.
type PriceObserver interface {
	InitializeMarket(market string, tick int64)
	OnPriceChanged(ctx context.Context, market string, tick int64) error
}

type Notifier interface {
	Notify(string)
	OnOrder(order Order)
	OnError(err error)
}

type NotifierWithStart interface {
	Notifier
	Start()
}

// OrderSubscriber receives order events from the order feed
type OrderSubscriber interface {
	OnOrder(order Order)
}
