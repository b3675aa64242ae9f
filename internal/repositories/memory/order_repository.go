package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	domain "github.com/oakline-commerce/checkout-api/internal/domain"
	"github.com/oakline-commerce/checkout-api/internal/repositories"
)

// OrderRepository keeps committed orders in process memory. It is the default
// archive when no Firestore project is configured.
type OrderRepository struct {
	mu     sync.RWMutex
	orders map[string]domain.Order
}

// NewOrderRepository constructs an empty in-memory order archive.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{orders: make(map[string]domain.Order)}
}

// SaveOrder implements repositories.OrderRepository.
func (r *OrderRepository) SaveOrder(_ context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return conflictError("orders.save", "order id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.orders[id]; exists {
		return conflictError("orders.save", "order "+id+" already exists")
	}
	r.orders[id] = order
	return nil
}

// GetOrder implements repositories.OrderRepository.
func (r *OrderRepository) GetOrder(_ context.Context, orderID string) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, notFoundError("orders.get", "order id is required")
	}

	r.mu.RLock()
	order, ok := r.orders[id]
	r.mu.RUnlock()
	if !ok {
		return domain.Order{}, notFoundError("orders.get", "order "+id+" not found")
	}
	return order, nil
}

// ListOrders implements repositories.OrderRepository.
func (r *OrderRepository) ListOrders(_ context.Context, filter repositories.OrderFilter) ([]domain.Order, error) {
	r.mu.RLock()
	matched := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if filter.PlacedAfter != nil && !order.PlacedAt.After(*filter.PlacedAfter) {
			continue
		}
		if filter.PlacedBefore != nil && !order.PlacedAt.Before(*filter.PlacedBefore) {
			continue
		}
		matched = append(matched, order)
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].PlacedAt.After(matched[j].PlacedAt)
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
