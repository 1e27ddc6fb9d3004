package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tickvault/trailstop/core"
)

// Common errors
var (
	ErrUnknownMarket     = errors.New("unknown market")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// pool holds the simulated reserves of one market
type pool struct {
	base  uint64
	quote uint64
}

// price returns the pool's marginal price in quote per base
func (p *pool) price() float64 {
	if p.base == 0 {
		return 0
	}
	return float64(p.quote) / float64(p.base)
}

// PaperVenue implements a simulated constant-product venue for dry runs and
// tests. Swap output moves the pool, so the post-trade tick reflects the
// trade's own impact the way a real venue's would.
type PaperVenue struct {
	mu     sync.Mutex
	log    core.Logger
	pools  map[string]*pool
	feeBps uint64
}

// PaperVenueOption defines an option function to configure PaperVenue
type PaperVenueOption func(*PaperVenue)

// WithPaperPool seeds a market with base and quote reserves
func WithPaperPool(market string, baseReserve, quoteReserve uint64) PaperVenueOption {
	return func(v *PaperVenue) {
		v.pools[market] = &pool{base: baseReserve, quote: quoteReserve}
	}
}

// WithPaperFee configures the venue fee in basis points
func WithPaperFee(feeBps uint64) PaperVenueOption {
	return func(v *PaperVenue) {
		v.feeBps = feeBps
	}
}

// NewPaperVenue creates a new simulated venue
func NewPaperVenue(log core.Logger, options ...PaperVenueOption) *PaperVenue {
	venue := &PaperVenue{
		log:   log,
		pools: make(map[string]*pool),
	}

	for _, option := range options {
		option(venue)
	}

	log.Info("Using paper venue")
	return venue
}

// Tick returns the market's current tick
func (v *PaperVenue) Tick(market string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, ok := v.pools[market]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMarket, market)
	}
	return TickFromPrice(p.price()), nil
}

// Swap executes an exchange against the pool and reports the realized output
// together with the post-trade tick
func (v *PaperVenue) Swap(_ context.Context, market string, direction core.Direction, amountIn uint64) (uint64, int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	p, ok := v.pools[market]
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrUnknownMarket, market)
	}

	var amountOut uint64
	if direction == core.DirectionForward {
		// Selling base for quote pushes the price down
		amountOut = core.MulDiv(p.quote, amountIn, p.base+amountIn)
		amountOut -= core.MulDiv(amountOut, v.feeBps, 10_000)
		if amountOut == 0 || amountOut >= p.quote {
			return 0, 0, fmt.Errorf("swap too large for pool %s", market)
		}
		p.base += amountIn
		p.quote -= amountOut
	} else {
		// Selling quote for base pushes the price up
		amountOut = core.MulDiv(p.base, amountIn, p.quote+amountIn)
		amountOut -= core.MulDiv(amountOut, v.feeBps, 10_000)
		if amountOut == 0 || amountOut >= p.base {
			return 0, 0, fmt.Errorf("swap too large for pool %s", market)
		}
		p.quote += amountIn
		p.base -= amountOut
	}

	postTick := TickFromPrice(p.price())
	v.log.Debugf("paper swap %s %s in=%d out=%d tick=%d", market, direction, amountIn, amountOut, postTick)
	return amountOut, postTick, nil
}

// PaperCustodian implements an in-memory asset custody for dry runs and
// tests. Pull moves funds from the owner into escrow, Push returns them.
type PaperCustodian struct {
	mu       sync.Mutex
	balances map[string]uint64
}

// NewPaperCustodian creates a custodian with the given initial balances
func NewPaperCustodian(balances map[string]uint64) *PaperCustodian {
	c := &PaperCustodian{
		balances: make(map[string]uint64, len(balances)),
	}
	for owner, amount := range balances {
		c.balances[owner] = amount
	}
	return c
}

// Pull withdraws amount from owner's balance into escrow
func (c *PaperCustodian) Pull(_ context.Context, owner string, amount uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.balances[owner] < amount {
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, owner)
	}
	c.balances[owner] -= amount
	return nil
}

// Push returns amount to owner's balance
func (c *PaperCustodian) Push(_ context.Context, owner string, amount uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.balances[owner] += amount
	return nil
}

// Balance returns owner's current free balance
func (c *PaperCustodian) Balance(owner string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[owner]
}
