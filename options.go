package trailstop

import (
	"time"

	"github.com/tickvault/trailstop/core"
	"github.com/tickvault/trailstop/engine"
)

// Option is a functional option for configuring a Trailstop instance
type Option func(*Trailstop)

// WithStorage sets the order journal, by default a local file called trailstop.db
func WithStorage(storage core.Storage) Option {
	return func(bot *Trailstop) {
		bot.storage = storage
	}
}

// WithLogger replaces the default logger
func WithLogger(log core.Logger) Option {
	return func(bot *Trailstop) {
		bot.log = log
	}
}

// WithNotifier registers a notifier; it receives order events for every
// configured market plus engine errors
func WithNotifier(notifier core.Notifier) Option {
	return func(bot *Trailstop) {
		bot.notifier = notifier
	}
}

// WithExpiredOrderRefund selects whether expired orders refund their
// remaining principal during cleanup instead of forfeiting it
func WithExpiredOrderRefund(refund bool) Option {
	return func(bot *Trailstop) {
		bot.engineOptions = append(bot.engineOptions, engine.WithExpiredOrderRefund(refund))
	}
}

// WithClock replaces the engine's time source, used by expiry checks
func WithClock(now func() time.Time) Option {
	return func(bot *Trailstop) {
		bot.engineOptions = append(bot.engineOptions, engine.WithClock(now))
	}
}
