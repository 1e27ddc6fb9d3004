package claim

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tickvault/trailstop/core"
)

var key = BucketKey{Market: "ETHUSDC", Tick: 1200, Direction: core.DirectionForward}

func TestBucketKey_ID(t *testing.T) {
	require.Equal(t, "ETHUSDC:1200:FORWARD", key.ID())

	negative := BucketKey{Market: "BTCUSDT", Tick: -42, Direction: core.DirectionReverse}
	require.Equal(t, "BTCUSDT:-42:REVERSE", negative.ID())
}

func TestLedger_MintAndBalances(t *testing.T) {
	ledger := NewLedger()

	ledger.Mint(key, "alice", 600, 600)
	ledger.Mint(key, "bob", 400, 400)

	require.Equal(t, uint64(600), ledger.BalanceOf(key, "alice"))
	require.Equal(t, uint64(400), ledger.BalanceOf(key, "bob"))
	require.Zero(t, ledger.BalanceOf(key, "carol"))

	shares, redeemable := ledger.Bucket(key)
	require.Equal(t, uint64(1_000), shares)
	require.Equal(t, uint64(1_000), redeemable)
}

func TestLedger_Redeem(t *testing.T) {
	ledger := NewLedger()
	ledger.Mint(key, "alice", 600, 600)
	ledger.Mint(key, "bob", 400, 400)

	payout, err := ledger.Redeem(key, "alice", 600)
	require.NoError(t, err)
	require.Equal(t, uint64(600), payout)

	shares, redeemable := ledger.Bucket(key)
	require.Equal(t, uint64(400), shares)
	require.Equal(t, uint64(400), redeemable)

	payout, err = ledger.Redeem(key, "bob", 400)
	require.NoError(t, err)
	require.Equal(t, uint64(400), payout)
}

func TestLedger_RedeemRejections(t *testing.T) {
	ledger := NewLedger()

	// Untouched bucket has nothing to claim
	_, err := ledger.Redeem(key, "alice", 10)
	require.ErrorIs(t, err, core.ErrNothingToClaim)

	ledger.Mint(key, "alice", 100, 100)

	_, err = ledger.Redeem(key, "alice", 0)
	require.ErrorIs(t, err, core.ErrNotEnoughToClaim)

	_, err = ledger.Redeem(key, "alice", 101)
	require.ErrorIs(t, err, core.ErrNotEnoughToClaim)

	_, err = ledger.Redeem(key, "bob", 10)
	require.ErrorIs(t, err, core.ErrNotEnoughToClaim)
}

// Floor rounding on payouts means the sum of redemptions can never exceed the
// bucket's redeemable total, no matter how it is sliced.
func TestLedger_NoInsolvency(t *testing.T) {
	ledger := NewLedger()
	ledger.Mint(key, "alice", 333, 333)
	ledger.Mint(key, "bob", 667, 1_000)

	var total uint64
	for _, claim := range []uint64{111, 111, 111} {
		payout, err := ledger.Redeem(key, "alice", claim)
		require.NoError(t, err)
		total += payout
	}
	for _, claim := range []uint64{300, 300, 67} {
		payout, err := ledger.Redeem(key, "bob", claim)
		require.NoError(t, err)
		total += payout
	}

	require.LessOrEqual(t, total, uint64(1_333))

	shares, redeemable := ledger.Bucket(key)
	require.Zero(t, shares)
	require.Equal(t, uint64(1_333)-total, redeemable)
}

func TestLedger_Burn(t *testing.T) {
	ledger := NewLedger()
	ledger.Mint(key, "alice", 500, 500)

	require.NoError(t, ledger.Burn(key, "alice", 200, 200))
	require.Equal(t, uint64(300), ledger.BalanceOf(key, "alice"))

	shares, redeemable := ledger.Bucket(key)
	require.Equal(t, uint64(300), shares)
	require.Equal(t, uint64(300), redeemable)

	err := ledger.Burn(key, "alice", 400, 0)
	require.ErrorIs(t, err, core.ErrNotEnoughToClaim)
}

// A forfeiture burns shares with zero value, so the escrowed amount accrues
// to the bucket's remaining holders.
func TestLedger_ForfeitAccruesToHolders(t *testing.T) {
	ledger := NewLedger()
	ledger.Mint(key, "alice", 500, 500)
	ledger.Mint(key, "bob", 500, 500)

	require.NoError(t, ledger.Burn(key, "alice", 500, 0))

	shares, redeemable := ledger.Bucket(key)
	require.Equal(t, uint64(500), shares)
	require.Equal(t, uint64(1_000), redeemable)

	require.Equal(t, uint64(1_000), ledger.Claimable(key, "bob"))

	payout, err := ledger.Redeem(key, "bob", 500)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000), payout)
}

func TestLedger_Transfer(t *testing.T) {
	ledger := NewLedger()
	ledger.Mint(key, "alice", 500, 500)

	require.NoError(t, ledger.Transfer(key, "alice", "bob", 200))
	require.Equal(t, uint64(300), ledger.BalanceOf(key, "alice"))
	require.Equal(t, uint64(200), ledger.BalanceOf(key, "bob"))

	// Totals are unaffected by transfers
	shares, redeemable := ledger.Bucket(key)
	require.Equal(t, uint64(500), shares)
	require.Equal(t, uint64(500), redeemable)

	err := ledger.Transfer(key, "alice", "bob", 301)
	require.ErrorIs(t, err, core.ErrNotEnoughToClaim)
}

func TestLedger_Claimable(t *testing.T) {
	ledger := NewLedger()

	require.Zero(t, ledger.Claimable(key, "alice"))

	ledger.Mint(key, "alice", 100, 100)
	ledger.Mint(key, "bob", 200, 350)

	// 100/300 of 450, floored
	require.Equal(t, uint64(150), ledger.Claimable(key, "alice"))
	require.Equal(t, uint64(300), ledger.Claimable(key, "bob"))
}

// A drained bucket is reusable for later mints
func TestLedger_BucketReuse(t *testing.T) {
	ledger := NewLedger()
	ledger.Mint(key, "alice", 100, 100)

	_, err := ledger.Redeem(key, "alice", 100)
	require.NoError(t, err)

	ledger.Mint(key, "bob", 50, 50)
	require.Equal(t, uint64(50), ledger.Claimable(key, "bob"))
}
