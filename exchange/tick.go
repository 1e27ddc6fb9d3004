// Package exchange provides venue and custody implementations, plus the
// price-to-tick conversion shared by live feeds and the paper venue.
package exchange

import "math"

// tickBase is the price ratio of one tick. One tick is a basis point of a
// percent, so 100 ticks is roughly a 1% move.
const tickBase = 1.0001

// TickFromPrice converts a price into the integer tick coordinate. Larger
// ticks mean higher price.
func TickFromPrice(price float64) int64 {
	if price <= 0 {
		return 0
	}
	return int64(math.Round(math.Log(price) / math.Log(tickBase)))
}

// PriceFromTick converts a tick coordinate back into a price
func PriceFromTick(tick int64) float64 {
	return math.Pow(tickBase, float64(tick))
}
