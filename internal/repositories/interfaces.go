// Package repositories defines persistence contracts consumed by the service layer.
package repositories

import (
	"context"
	"time"

	domain "github.com/oakline-commerce/checkout-api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ProductRepository resolves catalog data for cart lines.
type ProductRepository interface {
	// Resolve fetches the catalog record for a product. Returns a
	// RepositoryError with IsNotFound when the product is unknown.
	Resolve(ctx context.Context, productID string) (domain.Product, error)
	// ResolveMany fetches multiple products in one call. Missing products are
	// simply absent from the result map; the caller decides how to react.
	ResolveMany(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
}

// OrderFilter narrows order listings.
type OrderFilter struct {
	PlacedAfter  *time.Time
	PlacedBefore *time.Time
	Limit        int
}

// OrderRepository archives committed orders for lookup and reconciliation.
type OrderRepository interface {
	// SaveOrder persists the committed order. Returns a RepositoryError with
	// IsConflict when an order with the same ID already exists.
	SaveOrder(ctx context.Context, order domain.Order) error
	// GetOrder fetches a committed order by ID. Returns a RepositoryError
	// with IsNotFound when the order is absent.
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	// ListOrders returns committed orders matching the filter, newest first.
	ListOrders(ctx context.Context, filter OrderFilter) ([]domain.Order, error)
}
