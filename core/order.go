package core

import (
	"fmt"
	"time"
)

// OrderFilter defines a function type for filtering journal orders
type OrderFilter func(order Order) bool

// Direction represents one of the two opposing swap directions of a market
type Direction int8

// Swap directions. Forward sells the base asset for the quote asset and
// protects against a falling price; Reverse is the opposite leg.
const (
	DirectionForward Direction = iota
	DirectionReverse
)

// String returns a human readable direction name
func (d Direction) String() string {
	if d == DirectionForward {
		return "FORWARD"
	}
	return "REVERSE"
}

// Tier selects one of the five fixed trailing-distance thresholds
type Tier int8

// Trailing distance tiers, ordered by threshold
const (
	TierOnePercent Tier = iota
	TierFivePercent
	TierTenPercent
	TierFifteenPercent
	TierTwentyPercent

	tierCount
)

// tierThresholds maps each tier to its trailing distance in tick units.
// 100 ticks is roughly a 1% move on the basis-point tick scale.
var tierThresholds = [tierCount]int64{100, 490, 950, 1400, 1800}

var tierNames = [tierCount]string{
	"ONE_PERCENT",
	"FIVE_PERCENT",
	"TEN_PERCENT",
	"FIFTEEN_PERCENT",
	"TWENTY_PERCENT",
}

// Threshold returns the trailing distance, in ticks, an order of this tier
// must see before it can fire.
func (t Tier) Threshold() int64 {
	if t < 0 || t >= tierCount {
		return 0
	}
	return tierThresholds[t]
}

// String returns a human readable tier name
func (t Tier) String() string {
	if t < 0 || t >= tierCount {
		return "UNKNOWN"
	}
	return tierNames[t]
}

// Valid reports whether the tier is one of the five known tiers
func (t Tier) Valid() bool {
	return t >= 0 && t < tierCount
}

// Tiers returns all tiers in ascending threshold order
func Tiers() []Tier {
	return []Tier{
		TierOnePercent,
		TierFivePercent,
		TierTenPercent,
		TierFifteenPercent,
		TierTwentyPercent,
	}
}

// TrailState holds the per-market trailing reference.
// ReferenceTick is the best price extreme observed since the last reversal,
// IsDownward reports whether price is currently retreating from it.
type TrailState struct {
	ReferenceTick int64
	Initialized   bool
	IsDownward    bool
}

// TrailOrder is a live order book entry. Remaining is always positive while
// the order is present in its bucket; an order reduced to zero is removed.
type TrailOrder struct {
	ID            int64
	Market        string
	Direction     Direction
	Tier          Tier
	Owner         string
	PlacementTick int64
	Remaining     uint64
	ExpiresAt     time.Time
}

// Expired reports whether the order's expiry has passed at the given time
func (o TrailOrder) Expired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// OrderStatusType represents the status of a journal order
type OrderStatusType string

// Order status constants
const (
	OrderStatusTypeNew      OrderStatusType = "NEW"
	OrderStatusTypeFilled   OrderStatusType = "FILLED"
	OrderStatusTypeCanceled OrderStatusType = "CANCELED"
	OrderStatusTypeExpired  OrderStatusType = "EXPIRED"
)

// Order is the journal record of a trailing order, persisted through Storage
// and published on the order feed
type Order struct {
	ID        int64           `db:"id" json:"id" gorm:"primaryKey,autoIncrement"`
	Market    string          `db:"market" json:"market"`
	Direction Direction       `db:"direction" json:"direction"`
	Tier      Tier            `db:"tier" json:"tier"`
	Owner     string          `db:"owner" json:"owner"`
	Status    OrderStatusType `db:"status" json:"status"`

	// Amount is the principal at placement, Remaining what is still pending
	Amount    uint64 `db:"amount" json:"amount"`
	Remaining uint64 `db:"remaining" json:"remaining"`

	PlacementTick int64 `db:"placement_tick" json:"placement_tick"`
	ExecutionTick int64 `db:"execution_tick" json:"execution_tick"`

	// Payout is the realized output booked on execution
	Payout   uint64 `db:"payout" json:"payout"`
	BucketID string `db:"bucket_id" json:"bucket_id"`

	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// String returns a compact description of the order
func (o Order) String() string {
	return fmt.Sprintf("[%s] %s %s %s tier=%s amount=%d remaining=%d tick=%d",
		o.Status, o.Market, o.Direction, o.Owner, o.Tier, o.Amount, o.Remaining, o.PlacementTick)
}
