package core

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTierThresholds(t *testing.T) {
	require.Equal(t, int64(100), TierOnePercent.Threshold())
	require.Equal(t, int64(490), TierFivePercent.Threshold())
	require.Equal(t, int64(950), TierTenPercent.Threshold())
	require.Equal(t, int64(1400), TierFifteenPercent.Threshold())
	require.Equal(t, int64(1800), TierTwentyPercent.Threshold())
}

// Tiers() walks thresholds in strictly increasing order, which the trigger
// scan relies on to stop at the first non-qualifying tier.
func TestTiersStrictlyIncreasing(t *testing.T) {
	tiers := Tiers()
	require.Len(t, tiers, 5)

	for i := 1; i < len(tiers); i++ {
		require.Greater(t, tiers[i].Threshold(), tiers[i-1].Threshold())
	}
}

func TestTierValidity(t *testing.T) {
	for _, tier := range Tiers() {
		require.True(t, tier.Valid())
	}

	require.False(t, Tier(-1).Valid())
	require.False(t, Tier(5).Valid())
	require.Equal(t, "UNKNOWN", Tier(5).String())
	require.Zero(t, Tier(5).Threshold())
}

func TestMulDiv(t *testing.T) {
	require.Equal(t, uint64(6), MulDiv(4, 5, 3)) // floor(20/3)
	require.Equal(t, uint64(0), MulDiv(1, 1, 2))
	require.Equal(t, uint64(0), MulDiv(10, 10, 0))

	// The intermediate product must not overflow uint64
	max := uint64(math.MaxUint64)
	require.Equal(t, max, MulDiv(max, max, max))
	require.Equal(t, max/2, MulDiv(max, 1, 2))
}

func TestTrailOrderExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ord := TrailOrder{ExpiresAt: now}

	require.False(t, ord.Expired(now))
	require.False(t, ord.Expired(now.Add(-time.Second)))
	require.True(t, ord.Expired(now.Add(time.Second)))
}
