package core

import (
	"context"
	"slices"
)

// Storage defines the interface for the order journal
type Storage interface {
	// CreateOrder stores a new order record
	CreateOrder(ctx context.Context, order *Order) error

	// UpdateOrder updates an existing order record
	UpdateOrder(ctx context.Context, order *Order) error

	// Orders retrieves order records based on provided filters
	Orders(ctx context.Context, filters ...OrderFilter) ([]*Order, error)
}

func WithStatusIn(status ...OrderStatusType) OrderFilter {
	return func(order Order) bool {
		return slices.Contains(status, order.Status)
	}
}

func WithStatus(status OrderStatusType) OrderFilter {
	return func(order Order) bool {
		return order.Status == status
	}
}

func WithMarket(market string) OrderFilter {
	return func(order Order) bool {
		return order.Market == market
	}
}

func WithOwner(owner string) OrderFilter {
	return func(order Order) bool {
		return order.Owner == owner
	}
}
