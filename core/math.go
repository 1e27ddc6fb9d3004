package core

import "math/big"

// MulDiv returns floor(a * b / c) without overflowing the intermediate
// product. All share and payout arithmetic goes through here so that
// rounding dust always accrues to the bucket, never to the holder.
func MulDiv(a, b, c uint64) uint64 {
	if c == 0 {
		return 0
	}

	var p, q big.Int
	p.SetUint64(a)
	q.SetUint64(b)
	p.Mul(&p, &q)
	p.Quo(&p, q.SetUint64(c))
	return p.Uint64()
}
