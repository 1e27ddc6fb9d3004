package core

import "errors"

var (
	ErrInvalidOrder         = errors.New("invalid order")
	ErrMaxOrdersReached     = errors.New("bucket order limit reached")
	ErrNotEnoughToClaim     = errors.New("not enough to claim")
	ErrNothingToClaim       = errors.New("nothing to claim")
	ErrMarketBusy           = errors.New("market update already in progress")
	ErrMarketNotInitialized = errors.New("market not initialized")
	ErrOrderNotFound        = errors.New("order not found")
)
