package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestRouterServesHealthEndpoints(t *testing.T) {
	now := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	router := NewRouter(WithHealthHandlers(NewHealthHandlers(
		WithHealthStartTime(now.Add(-time.Minute)),
		WithHealthClock(func() time.Time { return now }),
	)))

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200 for %s, got %d", path, rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("expected JSON content type for %s, got %s", path, ct)
		}
	}
}

func TestRouterUnknownRoute(t *testing.T) {
	router := NewRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "route_not_found")
}

func TestRouterUnregisteredGroupsReturnNotImplemented(t *testing.T) {
	router := NewRouter()

	for _, path := range []string{"/api/v1/checkout/sessions", "/api/v1/orders"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusNotImplemented {
			t.Fatalf("expected status 501 for %s, got %d", path, rr.Code)
		}
		assertErrorCode(t, rr.Body.Bytes(), "not_implemented")
	}
}

func TestRouterAppliesCheckoutMiddlewares(t *testing.T) {
	marker := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Checkout-Group", "1")
			next.ServeHTTP(w, r)
		})
	}

	registrar := func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	}

	router := NewRouter(
		WithCheckoutRoutes(registrar),
		WithOrderRoutes(registrar),
		WithCheckoutMiddlewares(marker),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/checkout/ping", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if rr.Header().Get("X-Checkout-Group") != "1" {
		t.Fatalf("expected checkout group middleware to run")
	}

	// The group middleware must not leak onto the orders group.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/orders/ping", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if rr.Header().Get("X-Checkout-Group") != "" {
		t.Fatalf("checkout middleware leaked onto orders group")
	}
}

func TestRouterMethodNotAllowed(t *testing.T) {
	router := NewRouter(WithOrderRoutes(func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	}))

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/orders/ping", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "method_not_allowed")
}
