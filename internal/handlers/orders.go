package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/oakline-commerce/checkout-api/internal/platform/httpx"
	"github.com/oakline-commerce/checkout-api/internal/repositories"
)

const maxOrderListLimit = 100

// OrderHandlers exposes read access to the committed order archive.
type OrderHandlers struct {
	orders repositories.OrderRepository
}

// NewOrderHandlers constructs the order archive handlers.
func NewOrderHandlers(orders repositories.OrderRepository) *OrderHandlers {
	return &OrderHandlers{orders: orders}
}

// Routes registers order endpoints under the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order archive unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderPayloadFromOrder(order))
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order archive unavailable", http.StatusServiceUnavailable))
		return
	}

	filter, err := orderFilterFromQuery(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	orders, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	payload := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		payload = append(payload, orderPayloadFromOrder(order))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"orders": payload})
}

func orderFilterFromQuery(r *http.Request) (repositories.OrderFilter, error) {
	filter := repositories.OrderFilter{Limit: maxOrderListLimit}

	query := r.URL.Query()
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, errors.New("limit must be a positive integer")
		}
		if limit > maxOrderListLimit {
			limit = maxOrderListLimit
		}
		filter.Limit = limit
	}
	if raw := strings.TrimSpace(query.Get("placedAfter")); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("placedAfter must be an RFC3339 timestamp")
		}
		filter.PlacedAfter = &ts
	}
	if raw := strings.TrimSpace(query.Get("placedBefore")); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("placedBefore must be an RFC3339 timestamp")
		}
		filter.PlacedBefore = &ts
	}

	return filter, nil
}

func (h *OrderHandlers) writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	var repoErr repositories.RepositoryError
	switch {
	case errors.As(err, &repoErr) && repoErr.IsNotFound():
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.As(err, &repoErr) && repoErr.IsUnavailable():
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order archive unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("orders_error", "failed to load orders", http.StatusInternalServerError))
	}
}
