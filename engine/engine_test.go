package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	rszerolog "github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tickvault/trailstop/claim"
	"github.com/tickvault/trailstop/core"
	zerologadapter "github.com/tickvault/trailstop/logger/zerolog"
	"github.com/tickvault/trailstop/order"
)

const market = "ETHUSDC"

// mockVenue is a scriptable venue for testing
type mockVenue struct {
	out      uint64
	postTick int64
	err      error
	calls    int
}

func (m *mockVenue) Swap(_ context.Context, _ string, _ core.Direction, _ uint64) (uint64, int64, error) {
	m.calls++
	if m.err != nil {
		return 0, 0, m.err
	}
	return m.out, m.postTick, nil
}

// mockCustodian records pulls and pushes per owner
type mockCustodian struct {
	mu      sync.Mutex
	pulled  map[string]uint64
	pushed  map[string]uint64
	pullErr error
}

func newMockCustodian() *mockCustodian {
	return &mockCustodian{
		pulled: make(map[string]uint64),
		pushed: make(map[string]uint64),
	}
}

func (m *mockCustodian) Pull(_ context.Context, owner string, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pullErr != nil {
		return m.pullErr
	}
	m.pulled[owner] += amount
	return nil
}

func (m *mockCustodian) Push(_ context.Context, owner string, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushed[owner] += amount
	return nil
}

// fakeClock is a settable time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testLogger() core.Logger {
	l := rszerolog.Nop()
	return zerologadapter.NewAdapter(&l)
}

func newTestEngine(options ...Option) (*Engine, *mockVenue, *mockCustodian, *fakeClock) {
	venue := &mockVenue{}
	custody := newMockCustodian()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	options = append([]Option{WithClock(clock.Now)}, options...)
	eng := New(venue, custody, testLogger(), order.NewOrderFeed(), options...)
	return eng, venue, custody, clock
}

func TestPlace_Validation(t *testing.T) {
	eng, _, _, _ := newTestEngine()
	eng.InitializeMarket(market, 0)

	_, err := eng.Place(context.Background(), market, core.DirectionForward, core.TierOnePercent, "alice", 0, time.Hour)
	require.ErrorIs(t, err, core.ErrInvalidOrder)

	_, err = eng.Place(context.Background(), "UNKNOWN", core.DirectionForward, core.TierOnePercent, "alice", 100, time.Hour)
	require.ErrorIs(t, err, core.ErrMarketNotInitialized)
}

func TestPlace_MintsPrincipal(t *testing.T) {
	eng, _, custody, _ := newTestEngine()
	eng.InitializeMarket(market, 42)

	rec, err := eng.Place(context.Background(), market, core.DirectionForward, core.TierOnePercent, "alice", 1_000, time.Hour)
	require.NoError(t, err)
	require.Equal(t, core.OrderStatusTypeNew, rec.Status)
	require.Equal(t, int64(42), rec.PlacementTick)
	require.Equal(t, uint64(1_000), custody.pulled["alice"])

	principal := claim.BucketKey{Market: market, Tick: 42, Direction: core.DirectionForward}
	require.Equal(t, uint64(1_000), eng.BalanceOf(principal, "alice"))

	shares, redeemable := eng.Bucket(principal)
	require.Equal(t, uint64(1_000), shares)
	require.Equal(t, uint64(1_000), redeemable)
	require.Equal(t, 1, eng.PendingOrders(market, core.DirectionForward, core.TierOnePercent))
}

func TestPlace_BucketCapacity(t *testing.T) {
	eng, _, _, _ := newTestEngine()
	eng.InitializeMarket(market, 0)

	for i := 0; i < order.MaxOrdersPerBucket; i++ {
		_, err := eng.Place(context.Background(), market, core.DirectionForward, core.TierOnePercent, "alice", 1, time.Hour)
		require.NoError(t, err)
	}

	_, err := eng.Place(context.Background(), market, core.DirectionForward, core.TierOnePercent, "alice", 1, time.Hour)
	require.ErrorIs(t, err, core.ErrMaxOrdersReached)

	// Other tiers still have room
	_, err = eng.Place(context.Background(), market, core.DirectionForward, core.TierFivePercent, "alice", 1, time.Hour)
	require.NoError(t, err)
}

func TestCancel_RoundTrip(t *testing.T) {
	eng, _, custody, _ := newTestEngine()
	eng.InitializeMarket(market, 0)

	_, err := eng.Place(context.Background(), market, core.DirectionForward, core.TierOnePercent, "alice", 1_000, time.Hour)
	require.NoError(t, err)

	err = eng.Cancel(context.Background(), market, core.DirectionForward, core.TierOnePercent, 0, 1_000, "alice")
	require.NoError(t, err)

	require.Equal(t, uint64(1_000), custody.pushed["alice"])
	require.Equal(t, 0, eng.PendingOrders(market, core.DirectionForward, core.TierOnePercent))

	principal := claim.BucketKey{Market: market, Tick: 0, Direction: core.DirectionForward}
	require.Zero(t, eng.BalanceOf(principal, "alice"))

	shares, redeemable := eng.Bucket(principal)
	require.Zero(t, shares)
	require.Zero(t, redeemable)
}

func TestCancel_Partial(t *testing.T) {
	eng, _, custody, _ := newTestEngine()
	eng.InitializeMarket(market, 0)

	_, err := eng.Place(context.Background(), market, core.DirectionForward, core.TierOnePercent, "alice", 1_000, time.Hour)
	require.NoError(t, err)

	err = eng.Cancel(context.Background(), market, core.DirectionForward, core.TierOnePercent, 0, 400, "alice")
	require.NoError(t, err)

	require.Equal(t, uint64(400), custody.pushed["alice"])
	require.Equal(t, 1, eng.PendingOrders(market, core.DirectionForward, core.TierOnePercent))

	principal := claim.BucketKey{Market: market, Tick: 0, Direction: core.DirectionForward}
	require.Equal(t, uint64(600), eng.BalanceOf(principal, "alice"))
}

func TestCancel_Rejections(t *testing.T) {
	eng, _, _, _ := newTestEngine()
	eng.InitializeMarket(market, 0)

	_, err := eng.Place(context.Background(), market, core.DirectionForward, core.TierOnePercent, "alice", 1_000, time.Hour)
	require.NoError(t, err)

	// Zero amount
	err = eng.Cancel(context.Background(), market, core.DirectionForward, core.TierOnePercent, 0, 0, "alice")
	require.ErrorIs(t, err, core.ErrNotEnoughToClaim)

	// Excess amount
	err = eng.Cancel(context.Background(), market, core.DirectionForward, core.TierOnePercent, 0, 2_000, "alice")
	require.ErrorIs(t, err, core.ErrNotEnoughToClaim)

	// Wrong caller
	err = eng.Cancel(context.Background(), market, core.DirectionForward, core.TierOnePercent, 0, 500, "mallory")
	require.ErrorIs(t, err, core.ErrNotEnoughToClaim)

	// Missing order
	err = eng.Cancel(context.Background(), market, core.DirectionForward, core.TierOnePercent, 5, 500, "alice")
	require.ErrorIs(t, err, core.ErrOrderNotFound)
}

// Scenario: market seeded at tick 0, forward order at the one percent tier.
// Price rallies to 300 then reverses to 150, a trailing distance of 150 with
// the retreat flag set, so the order fires.
func TestTrigger_ForwardExecution(t *testing.T) {
	eng, venue, _, _ := newTestEngine()
	venue.out = 940
	venue.postTick = 140

	eng.InitializeMarket(market, 0)

	_, err := eng.Place(context.Background(), market, core.DirectionForward, core.TierOnePercent, "alice", 1_000, time.Hour)
	require.NoError(t, err)

	// New peak, retreat flag clear, nothing fires
	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 300))
	require.Equal(t, 1, eng.PendingOrders(market, core.DirectionForward, core.TierOnePercent))
	require.Zero(t, venue.calls)

	// Reversal to 150: distance 150 >= 100 and 150 < 300-100
	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 150))
	require.Equal(t, 0, eng.PendingOrders(market, core.DirectionForward, core.TierOnePercent))
	require.Equal(t, 1, venue.calls)

	state, ok := eng.TrailState(market)
	require.True(t, ok)
	require.Equal(t, int64(300), state.ReferenceTick)
	require.True(t, state.IsDownward)

	execution := claim.BucketKey{Market: market, Tick: 140, Direction: core.DirectionForward}
	shares, redeemable := eng.Bucket(execution)
	require.Equal(t, uint64(940), shares)
	require.Equal(t, uint64(940), redeemable)
	require.Equal(t, uint64(940), eng.BalanceOf(execution, "alice"))

	// Principal escrow fully consumed
	principal := claim.BucketKey{Market: market, Tick: 0, Direction: core.DirectionForward}
	shares, redeemable = eng.Bucket(principal)
	require.Zero(t, shares)
	require.Zero(t, redeemable)
}

// Scenario: a 150-tick reversal fires the one percent tier but leaves the
// five percent tier pending, since 150 < 490.
func TestTrigger_TierSelectivity(t *testing.T) {
	eng, venue, _, _ := newTestEngine()
	venue.out = 500
	venue.postTick = 140

	eng.InitializeMarket(market, 0)

	_, err := eng.Place(context.Background(), market, core.DirectionForward, core.TierOnePercent, "alice", 1_000, time.Hour)
	require.NoError(t, err)
	_, err = eng.Place(context.Background(), market, core.DirectionForward, core.TierFivePercent, "alice", 1_000, time.Hour)
	require.NoError(t, err)

	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 300))
	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 150))

	require.Equal(t, 0, eng.PendingOrders(market, core.DirectionForward, core.TierOnePercent))
	require.Equal(t, 1, eng.PendingOrders(market, core.DirectionForward, core.TierFivePercent))
	require.Equal(t, 1, venue.calls)
}

// A reversal close to but under the threshold must not fire
func TestTrigger_ThresholdBoundary(t *testing.T) {
	eng, venue, _, _ := newTestEngine()
	venue.out = 500
	venue.postTick = 190

	eng.InitializeMarket(market, 0)

	_, err := eng.Place(context.Background(), market, core.DirectionForward, core.TierOnePercent, "alice", 1_000, time.Hour)
	require.NoError(t, err)

	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 300))

	// Distance 100 qualifies the tier, but 200 is not < 300-100
	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 200))
	require.Equal(t, 1, eng.PendingOrders(market, core.DirectionForward, core.TierOnePercent))
	require.Zero(t, venue.calls)

	// One more tick down crosses the favorability line
	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 199))
	require.Equal(t, 0, eng.PendingOrders(market, core.DirectionForward, core.TierOnePercent))
	require.Equal(t, 1, venue.calls)
}

// Scenario: the order expires before the reversal arrives. Cleanup removes
// it without executing, and the owner is left with no claim.
func TestTrigger_ExpiryForfeit(t *testing.T) {
	eng, venue, custody, clock := newTestEngine()
	venue.out = 940
	venue.postTick = 140

	eng.InitializeMarket(market, 0)

	_, err := eng.Place(context.Background(), market, core.DirectionForward, core.TierOnePercent, "alice", 1_000, time.Hour)
	require.NoError(t, err)

	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 300))
	clock.Advance(2 * time.Hour)

	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 150))
	require.Equal(t, 0, eng.PendingOrders(market, core.DirectionForward, core.TierOnePercent))
	require.Zero(t, venue.calls)
	require.Zero(t, custody.pushed["alice"])

	principal := claim.BucketKey{Market: market, Tick: 0, Direction: core.DirectionForward}
	require.Zero(t, eng.BalanceOf(principal, "alice"))
	require.Zero(t, eng.Claimable(principal, "alice"))

	// Forfeited principal stays in the bucket
	shares, redeemable := eng.Bucket(principal)
	require.Zero(t, shares)
	require.Equal(t, uint64(1_000), redeemable)
}

func TestTrigger_ExpiryRefund(t *testing.T) {
	eng, venue, custody, clock := newTestEngine(WithExpiredOrderRefund(true))
	venue.out = 940
	venue.postTick = 140

	eng.InitializeMarket(market, 0)

	_, err := eng.Place(context.Background(), market, core.DirectionForward, core.TierOnePercent, "alice", 1_000, time.Hour)
	require.NoError(t, err)

	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 300))
	clock.Advance(2 * time.Hour)

	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 150))
	require.Equal(t, 0, eng.PendingOrders(market, core.DirectionForward, core.TierOnePercent))
	require.Zero(t, venue.calls)
	require.Equal(t, uint64(1_000), custody.pushed["alice"])

	principal := claim.BucketKey{Market: market, Tick: 0, Direction: core.DirectionForward}
	shares, redeemable := eng.Bucket(principal)
	require.Zero(t, shares)
	require.Zero(t, redeemable)
}

// A venue failure must abort the update with the order left pending and no
// shares moved, so the next update can retry.
func TestTrigger_VenueFailureRollsBack(t *testing.T) {
	eng, venue, _, _ := newTestEngine()
	venue.err = errors.New("pool offline")

	eng.InitializeMarket(market, 0)

	_, err := eng.Place(context.Background(), market, core.DirectionForward, core.TierOnePercent, "alice", 1_000, time.Hour)
	require.NoError(t, err)

	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 300))
	require.Error(t, eng.OnPriceChanged(context.Background(), market, 150))

	require.Equal(t, 1, eng.PendingOrders(market, core.DirectionForward, core.TierOnePercent))
	principal := claim.BucketKey{Market: market, Tick: 0, Direction: core.DirectionForward}
	require.Equal(t, uint64(1_000), eng.BalanceOf(principal, "alice"))

	// Venue recovers, the retry fires
	venue.err = nil
	venue.out = 940
	venue.postTick = 140
	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 149))
	require.Equal(t, 0, eng.PendingOrders(market, core.DirectionForward, core.TierOnePercent))
}

// Pooling: two fills landing on the same post-trade tick share one bucket
func TestTrigger_ExecutionPooling(t *testing.T) {
	eng, venue, _, _ := newTestEngine()
	venue.out = 500
	venue.postTick = 140

	eng.InitializeMarket(market, 0)

	_, err := eng.Place(context.Background(), market, core.DirectionForward, core.TierOnePercent, "alice", 600, time.Hour)
	require.NoError(t, err)
	_, err = eng.Place(context.Background(), market, core.DirectionForward, core.TierOnePercent, "bob", 400, time.Hour)
	require.NoError(t, err)

	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 300))
	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 150))

	require.Equal(t, 2, venue.calls)

	execution := claim.BucketKey{Market: market, Tick: 140, Direction: core.DirectionForward}
	shares, redeemable := eng.Bucket(execution)
	require.Equal(t, uint64(1_000), shares)
	require.Equal(t, uint64(1_000), redeemable)
	require.Equal(t, uint64(500), eng.BalanceOf(execution, "alice"))
	require.Equal(t, uint64(500), eng.BalanceOf(execution, "bob"))
}

func TestRedeem(t *testing.T) {
	eng, venue, custody, _ := newTestEngine()
	venue.out = 940
	venue.postTick = 140

	eng.InitializeMarket(market, 0)

	_, err := eng.Place(context.Background(), market, core.DirectionForward, core.TierOnePercent, "alice", 1_000, time.Hour)
	require.NoError(t, err)

	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 300))
	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 150))

	execution := claim.BucketKey{Market: market, Tick: 140, Direction: core.DirectionForward}

	// Excess claim
	_, err = eng.Redeem(context.Background(), execution, 2_000, "alice")
	require.ErrorIs(t, err, core.ErrNotEnoughToClaim)

	payout, err := eng.Redeem(context.Background(), execution, 940, "alice")
	require.NoError(t, err)
	require.Equal(t, uint64(940), payout)
	require.Equal(t, uint64(940), custody.pushed["alice"])

	// Drained bucket rejects further redemption
	_, err = eng.Redeem(context.Background(), execution, 1, "alice")
	require.ErrorIs(t, err, core.ErrNothingToClaim)
}

func TestRedeem_TransferredClaim(t *testing.T) {
	eng, venue, custody, _ := newTestEngine()
	venue.out = 940
	venue.postTick = 140

	eng.InitializeMarket(market, 0)

	_, err := eng.Place(context.Background(), market, core.DirectionForward, core.TierOnePercent, "alice", 1_000, time.Hour)
	require.NoError(t, err)

	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 300))
	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 150))

	execution := claim.BucketKey{Market: market, Tick: 140, Direction: core.DirectionForward}
	require.NoError(t, eng.TransferClaim(execution, "alice", "carol", 940))

	payout, err := eng.Redeem(context.Background(), execution, 940, "carol")
	require.NoError(t, err)
	require.Equal(t, uint64(940), payout)
	require.Equal(t, uint64(940), custody.pushed["carol"])
}

// reentrantVenue re-enters the engine with its own post-trade price change
// mid-swap, the way a live venue's fill would move the market
type reentrantVenue struct {
	eng        *Engine
	reentryErr error
}

func (v *reentrantVenue) Swap(ctx context.Context, market string, _ core.Direction, amountIn uint64) (uint64, int64, error) {
	v.reentryErr = v.eng.OnPriceChanged(ctx, market, 140)
	return amountIn, 140, nil
}

// An update arriving while the same market is mid-update is rejected, never
// processed recursively; the post-trade move must come as a later update.
func TestOnPriceChanged_ReentrantUpdateRejected(t *testing.T) {
	venue := &reentrantVenue{}
	eng := New(venue, newMockCustodian(), testLogger(), order.NewOrderFeed())
	venue.eng = eng

	eng.InitializeMarket(market, 0)

	_, err := eng.Place(context.Background(), market, core.DirectionForward, core.TierOnePercent, "alice", 1_000, time.Hour)
	require.NoError(t, err)

	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 300))
	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 150))

	require.ErrorIs(t, venue.reentryErr, core.ErrMarketBusy)
	require.Equal(t, 0, eng.PendingOrders(market, core.DirectionForward, core.TierOnePercent))
}

func TestOnPriceChanged_UninitializedIsNoop(t *testing.T) {
	eng, venue, _, _ := newTestEngine()

	require.NoError(t, eng.OnPriceChanged(context.Background(), market, 500))
	require.Zero(t, venue.calls)

	_, ok := eng.TrailState(market)
	require.False(t, ok)
}

func TestInitializeMarket_Once(t *testing.T) {
	eng, _, _, _ := newTestEngine()

	eng.InitializeMarket(market, 100)
	eng.InitializeMarket(market, 999)

	state, ok := eng.TrailState(market)
	require.True(t, ok)
	require.Equal(t, int64(100), state.ReferenceTick)
}
