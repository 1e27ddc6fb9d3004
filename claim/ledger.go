// Package claim implements the share-based claim accounting that pools the
// proceeds of many fills into redeemable buckets.
package claim

import (
	"fmt"
	"sync"

	"github.com/tickvault/trailstop/core"
)

// BucketKey identifies a claim bucket. Proceeds of every fill landing on the
// same (market, tick, direction) triple pool into one bucket.
type BucketKey struct {
	Market    string
	Tick      int64
	Direction core.Direction
}

// ID returns the deterministic bucket identifier. It is a pure function of
// the key, so holders can derive it without querying the ledger.
func (k BucketKey) ID() string {
	return fmt.Sprintf("%s:%d:%s", k.Market, k.Tick, k.Direction)
}

// bucket tracks total shares outstanding against the total redeemable
// amount, plus the per-holder share balances
type bucket struct {
	totalShares     uint64
	totalRedeemable uint64
	balances        map[string]uint64
}

// Ledger is the share ledger over all claim buckets. Buckets are created
// lazily on first mint and never destroyed; a drained bucket can be reused.
type Ledger struct {
	mu      sync.RWMutex
	buckets map[BucketKey]*bucket
}

// NewLedger creates an empty claim ledger
func NewLedger() *Ledger {
	return &Ledger{
		buckets: make(map[BucketKey]*bucket),
	}
}

func (l *Ledger) get(key BucketKey) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{balances: make(map[string]uint64)}
		l.buckets[key] = b
	}
	return b
}

// Mint credits owner with shares in the bucket and grows the bucket's totals.
// Principal escrow and realized execution output both mint with
// shares == value, keeping the share price at exactly 1 until unequal pooling
// is introduced.
func (l *Ledger) Mint(key BucketKey, owner string, shares, value uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.get(key)
	b.balances[owner] += shares
	b.totalShares += shares
	b.totalRedeemable += value
}

// Burn removes shares from owner and value from the bucket's redeemable
// total. A forfeiture burns shares with value zero, leaving the amount to
// accrue to the bucket's remaining holders.
func (l *Ledger) Burn(key BucketKey, owner string, shares, value uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || b.balances[owner] < shares {
		return core.ErrNotEnoughToClaim
	}
	if b.totalShares < shares || b.totalRedeemable < value {
		return core.ErrNotEnoughToClaim
	}

	b.balances[owner] -= shares
	b.totalShares -= shares
	b.totalRedeemable -= value
	return nil
}

// Transfer moves claim shares between holders. Ownership of a bucket's
// entitlement is independent of who placed the orders that funded it.
func (l *Ledger) Transfer(key BucketKey, from, to string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || b.balances[from] < amount {
		return core.ErrNotEnoughToClaim
	}

	b.balances[from] -= amount
	b.balances[to] += amount
	return nil
}

// BalanceOf returns owner's share balance in the bucket
func (l *Ledger) BalanceOf(key BucketKey, owner string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	b, ok := l.buckets[key]
	if !ok {
		return 0
	}
	return b.balances[owner]
}

// Bucket returns the bucket's total shares and total redeemable amount
func (l *Ledger) Bucket(key BucketKey) (totalShares, totalRedeemable uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	b, ok := l.buckets[key]
	if !ok {
		return 0, 0
	}
	return b.totalShares, b.totalRedeemable
}

// Claimable previews what a redemption of owner's full balance would pay out
func (l *Ledger) Claimable(key BucketKey, owner string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	b, ok := l.buckets[key]
	if !ok || b.totalShares == 0 {
		return 0
	}
	return core.MulDiv(b.balances[owner], b.totalRedeemable, b.totalShares)
}

// Redeem burns claimAmount of owner's shares and returns the proportional
// payout, floor rounded. The floor guarantees the sum of all possible
// redemptions never exceeds the bucket's redeemable total.
func (l *Ledger) Redeem(key BucketKey, owner string, claimAmount uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || b.totalRedeemable == 0 {
		return 0, core.ErrNothingToClaim
	}
	if claimAmount == 0 || b.balances[owner] < claimAmount {
		return 0, core.ErrNotEnoughToClaim
	}

	payout := core.MulDiv(claimAmount, b.totalRedeemable, b.totalShares)

	b.balances[owner] -= claimAmount
	b.totalShares -= claimAmount
	b.totalRedeemable -= payout
	return payout, nil
}
