package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/oakline-commerce/checkout-api/internal/domain"
	"github.com/oakline-commerce/checkout-api/internal/repositories"
)

func sampleOrder(id string, placedAt time.Time) domain.Order {
	return domain.Order{
		ID:       id,
		Number:   "OAK-" + id,
		Total:    100,
		Currency: "USD",
		Status:   domain.OrderStatusConfirmed,
		PlacedAt: placedAt,
	}
}

func TestOrderRepositorySaveAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	placed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := repo.SaveOrder(ctx, sampleOrder("ord-1", placed)); err != nil {
		t.Fatalf("save order: %v", err)
	}

	order, err := repo.GetOrder(ctx, "ord-1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Number != "OAK-ord-1" {
		t.Fatalf("unexpected order number %q", order.Number)
	}
}

func TestOrderRepositorySaveRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	placed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := repo.SaveOrder(ctx, sampleOrder("ord-1", placed)); err != nil {
		t.Fatalf("save order: %v", err)
	}

	err := repo.SaveOrder(ctx, sampleOrder("ord-1", placed))
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsConflict() {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestOrderRepositoryGetMissing(t *testing.T) {
	repo := NewOrderRepository()

	_, err := repo.GetOrder(context.Background(), "missing")
	var repoErr repositories.RepositoryError
	if !errors.As(err, &repoErr) || !repoErr.IsNotFound() {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestOrderRepositoryListOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"ord-a", "ord-b", "ord-c"} {
		if err := repo.SaveOrder(ctx, sampleOrder(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("save order %s: %v", id, err)
		}
	}

	orders, err := repo.ListOrders(ctx, repositories.OrderFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	if orders[0].ID != "ord-c" || orders[1].ID != "ord-b" {
		t.Fatalf("expected newest first ordering, got %s, %s", orders[0].ID, orders[1].ID)
	}
}
