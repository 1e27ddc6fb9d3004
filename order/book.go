// Package order holds the pending trailing orders, partitioned into dense
// per-(market, direction, tier) buckets, and the order event feed.
package order

import (
	"sync"
	"time"

	"github.com/tickvault/trailstop/core"
)

// MaxOrdersPerBucket bounds the number of pending orders in a single bucket.
// The bound caps the worst-case scan cost of a single price update.
const MaxOrdersPerBucket = 50

// BucketKey addresses one dense order bucket
type BucketKey struct {
	Market    string
	Direction core.Direction
	Tier      core.Tier
}

// Book stores pending trailing orders. Entries are appended at placement and
// removed by swapping with the bucket's last entry, so indices are stable
// only until the next removal in the same bucket.
type Book struct {
	mu      sync.RWMutex
	lastID  int64
	buckets map[BucketKey][]*core.TrailOrder
}

// NewBook creates an empty order book
func NewBook() *Book {
	return &Book{
		buckets: make(map[BucketKey][]*core.TrailOrder),
	}
}

// Place validates and appends a new trailing order, returning the stored
// entry and its index within the bucket.
func (b *Book) Place(key BucketKey, owner string, amount uint64, placementTick int64, expiresAt time.Time) (*core.TrailOrder, int, error) {
	if amount == 0 || !key.Tier.Valid() {
		return nil, 0, core.ErrInvalidOrder
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.buckets[key]
	if len(entries) >= MaxOrdersPerBucket {
		return nil, 0, core.ErrMaxOrdersReached
	}

	b.lastID++
	ord := &core.TrailOrder{
		ID:            b.lastID,
		Market:        key.Market,
		Direction:     key.Direction,
		Tier:          key.Tier,
		Owner:         owner,
		PlacementTick: placementTick,
		Remaining:     amount,
		ExpiresAt:     expiresAt,
	}

	b.buckets[key] = append(entries, ord)
	return ord, len(entries), nil
}

// Len returns the number of pending orders in the bucket
func (b *Book) Len(key BucketKey) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.buckets[key])
}

// At returns the order at index within the bucket
func (b *Book) At(key BucketKey, index int) (*core.TrailOrder, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries := b.buckets[key]
	if index < 0 || index >= len(entries) {
		return nil, core.ErrOrderNotFound
	}
	return entries[index], nil
}

// Remove deletes the entry at index by swapping it with the bucket's last
// entry and shrinking the count. Callers that delete while scanning must
// re-examine the same index afterwards, since a different order now occupies
// the slot.
func (b *Book) Remove(key BucketKey, index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.buckets[key]
	if index < 0 || index >= len(entries) {
		return core.ErrOrderNotFound
	}

	last := len(entries) - 1
	entries[index] = entries[last]
	entries[last] = nil
	b.buckets[key] = entries[:last]
	return nil
}

// Reduce decrements the remaining amount of the entry at index, removing the
// order entirely when it reaches zero. It reports whether the order was
// removed.
func (b *Book) Reduce(key BucketKey, index int, amount uint64) (removed bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.buckets[key]
	if index < 0 || index >= len(entries) {
		return false, core.ErrOrderNotFound
	}

	ord := entries[index]
	if amount == 0 || amount > ord.Remaining {
		return false, core.ErrNotEnoughToClaim
	}

	ord.Remaining -= amount
	if ord.Remaining > 0 {
		return false, nil
	}

	last := len(entries) - 1
	entries[index] = entries[last]
	entries[last] = nil
	b.buckets[key] = entries[:last]
	return true, nil
}
