package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oakline-commerce/checkout-api/internal/domain"
	"github.com/oakline-commerce/checkout-api/internal/services"
)

type stubCheckoutService struct {
	start          func(context.Context, services.StartSessionCommand) (services.CheckoutSessionView, error)
	get            func(context.Context, string) (services.CheckoutSessionView, error)
	advance        func(context.Context, string) (services.CheckoutSessionView, error)
	retreat        func(context.Context, string) (services.CheckoutSessionView, error)
	selectShipping func(context.Context, services.SelectAddressCommand) (services.CheckoutSessionView, error)
	selectBilling  func(context.Context, services.SelectAddressCommand) (services.CheckoutSessionView, error)
	selectOption   func(context.Context, services.SelectShippingOptionCommand) (services.CheckoutSessionView, error)
	selectPayment  func(context.Context, services.SelectPaymentMethodCommand) (services.CheckoutSessionView, error)
	applyPromo     func(context.Context, services.ApplyPromoCommand) (services.CheckoutSessionView, error)
	refresh        func(context.Context, string) (services.CheckoutSessionView, error)
	commit         func(context.Context, string) (services.Order, error)
}

func (s *stubCheckoutService) StartSession(ctx context.Context, cmd services.StartSessionCommand) (services.CheckoutSessionView, error) {
	return s.start(ctx, cmd)
}

func (s *stubCheckoutService) GetSession(ctx context.Context, id string) (services.CheckoutSessionView, error) {
	return s.get(ctx, id)
}

func (s *stubCheckoutService) Advance(ctx context.Context, id string) (services.CheckoutSessionView, error) {
	return s.advance(ctx, id)
}

func (s *stubCheckoutService) Retreat(ctx context.Context, id string) (services.CheckoutSessionView, error) {
	return s.retreat(ctx, id)
}

func (s *stubCheckoutService) SelectShippingAddress(ctx context.Context, cmd services.SelectAddressCommand) (services.CheckoutSessionView, error) {
	return s.selectShipping(ctx, cmd)
}

func (s *stubCheckoutService) SelectBillingAddress(ctx context.Context, cmd services.SelectAddressCommand) (services.CheckoutSessionView, error) {
	return s.selectBilling(ctx, cmd)
}

func (s *stubCheckoutService) SelectShippingOption(ctx context.Context, cmd services.SelectShippingOptionCommand) (services.CheckoutSessionView, error) {
	return s.selectOption(ctx, cmd)
}

func (s *stubCheckoutService) SelectPaymentMethod(ctx context.Context, cmd services.SelectPaymentMethodCommand) (services.CheckoutSessionView, error) {
	return s.selectPayment(ctx, cmd)
}

func (s *stubCheckoutService) ApplyPromoCode(ctx context.Context, cmd services.ApplyPromoCommand) (services.CheckoutSessionView, error) {
	return s.applyPromo(ctx, cmd)
}

func (s *stubCheckoutService) RefreshQuotes(ctx context.Context, id string) (services.CheckoutSessionView, error) {
	return s.refresh(ctx, id)
}

func (s *stubCheckoutService) Commit(ctx context.Context, id string) (services.Order, error) {
	return s.commit(ctx, id)
}

var _ services.CheckoutService = (*stubCheckoutService)(nil)

func sampleSessionView() services.CheckoutSessionView {
	created := time.Date(2026, 4, 2, 15, 30, 0, 0, time.UTC)
	return services.CheckoutSessionView{
		SessionID: "sess-1",
		Step:      domain.StepCartReview,
		Draft: domain.OrderDraft{
			Items: []domain.DraftItem{
				{ProductID: "prod-throw", Name: "Wool Throw", Quantity: 1, UnitPrice: 1500},
			},
			Subtotal: 1500,
			Tax:      133.125,
			Total:    1633.125,
		},
		Quotes: []domain.ShippingQuote{
			{
				Option:       domain.ShippingOption{ID: "standard", Name: "Standard Shipping", TransitDays: 7, Available: true},
				OriginalCost: 4.99,
				AdjustedCost: 4.99,
			},
			{
				Option:       domain.ShippingOption{ID: "express", Name: "Express Shipping", TransitDays: 3, Available: true},
				OriginalCost: 9.99,
				AdjustedCost: 9.99,
			},
		},
		CreatedAt: created,
		UpdatedAt: created,
		ExpiresAt: created.Add(30 * time.Minute),
	}
}

func newCheckoutServer(svc services.CheckoutService) http.Handler {
	h := NewCheckoutHandlers(svc, nil)
	return NewRouter(WithCheckoutRoutes(h.Routes))
}

func TestCheckoutStartSession(t *testing.T) {
	var captured services.StartSessionCommand
	svc := &stubCheckoutService{
		start: func(_ context.Context, cmd services.StartSessionCommand) (services.CheckoutSessionView, error) {
			captured = cmd
			return sampleSessionView(), nil
		},
	}
	server := newCheckoutServer(svc)

	payload := `{"items":[{"productId":"prod-throw","quantity":1,"unitPrice":1500}],"promoCode":"SAVE10"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/sessions", bytes.NewBufferString(payload))
	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(captured.Items) != 1 || captured.Items[0].ProductID != "prod-throw" {
		t.Fatalf("unexpected command items %#v", captured.Items)
	}
	if captured.PromoCode != "SAVE10" {
		t.Fatalf("unexpected promo code %q", captured.PromoCode)
	}

	var body struct {
		SessionID string `json:"sessionId"`
		Step      string `json:"step"`
		Quotes    []struct {
			OptionID    string `json:"optionId"`
			Recommended bool   `json:"recommended"`
		} `json:"quotes"`
		Totals struct {
			TotalDisplay string `json:"totalDisplay"`
		} `json:"totals"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.SessionID != "sess-1" {
		t.Fatalf("unexpected session id %s", body.SessionID)
	}
	if body.Step != "cart_review" {
		t.Fatalf("unexpected step %s", body.Step)
	}
	if body.Totals.TotalDisplay != "$1,633.13" {
		t.Fatalf("unexpected total display %s", body.Totals.TotalDisplay)
	}

	recommendedCount := 0
	for _, quote := range body.Quotes {
		if quote.Recommended {
			recommendedCount++
			if quote.OptionID != "express" {
				t.Fatalf("expected express to be recommended, got %s", quote.OptionID)
			}
		}
	}
	if recommendedCount != 1 {
		t.Fatalf("expected exactly one recommended quote, got %d", recommendedCount)
	}
}

func TestCheckoutStartSessionRateLimited(t *testing.T) {
	svc := &stubCheckoutService{
		start: func(context.Context, services.StartSessionCommand) (services.CheckoutSessionView, error) {
			return sampleSessionView(), nil
		},
	}
	h := NewCheckoutHandlers(svc, nil, WithSessionRateLimit(1, time.Minute))
	server := NewRouter(WithCheckoutRoutes(h.Routes))

	payload := `{"items":[{"productId":"prod-throw","quantity":1,"unitPrice":1500}]}`
	for attempt, want := range []int{http.StatusCreated, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/sessions", bytes.NewBufferString(payload))
		req.RemoteAddr = "203.0.113.9:4312"
		rr := httptest.NewRecorder()
		server.ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("attempt %d: expected status %d, got %d", attempt, want, rr.Code)
		}
	}
}

func TestCheckoutStartSessionRequiresItems(t *testing.T) {
	server := newCheckoutServer(&stubCheckoutService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/sessions", bytes.NewBufferString(`{"items":[]}`))
	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "invalid_request")
}

func TestCheckoutGetSessionNotFound(t *testing.T) {
	svc := &stubCheckoutService{
		get: func(context.Context, string) (services.CheckoutSessionView, error) {
			return services.CheckoutSessionView{}, services.ErrSessionNotFound
		},
	}
	server := newCheckoutServer(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/checkout/sessions/sess-missing", nil)
	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "session_not_found")
}

func TestCheckoutShippingAddress(t *testing.T) {
	var captured services.SelectAddressCommand
	svc := &stubCheckoutService{
		selectShipping: func(_ context.Context, cmd services.SelectAddressCommand) (services.CheckoutSessionView, error) {
			captured = cmd
			view := sampleSessionView()
			view.Step = domain.StepShipping
			return view, nil
		},
	}
	server := newCheckoutServer(svc)

	payload := `{"recipient":"Ada Lovelace","line1":"1 Main St","city":"Seattle","region":"WA","postalCode":"98101"}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/checkout/sessions/sess-1/shipping-address", bytes.NewBufferString(payload))
	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.SessionID != "sess-1" {
		t.Fatalf("unexpected session id %s", captured.SessionID)
	}
	if captured.Address.City != "Seattle" || captured.Address.Region != "WA" {
		t.Fatalf("unexpected address %#v", captured.Address)
	}
}

func TestCheckoutQuotesAppliesPromoWhenPresent(t *testing.T) {
	promoCalled := false
	refreshCalled := false
	svc := &stubCheckoutService{
		applyPromo: func(_ context.Context, cmd services.ApplyPromoCommand) (services.CheckoutSessionView, error) {
			promoCalled = true
			if cmd.Code != "FREESHIP" {
				t.Fatalf("unexpected promo code %q", cmd.Code)
			}
			return sampleSessionView(), nil
		},
		refresh: func(context.Context, string) (services.CheckoutSessionView, error) {
			refreshCalled = true
			return sampleSessionView(), nil
		},
	}
	server := newCheckoutServer(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/sessions/sess-1/quotes", bytes.NewBufferString(`{"promoCode":"FREESHIP"}`))
	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !promoCalled || refreshCalled {
		t.Fatalf("expected promo path, got promo=%v refresh=%v", promoCalled, refreshCalled)
	}

	promoCalled, refreshCalled = false, false
	req = httptest.NewRequest(http.MethodPost, "/api/v1/checkout/sessions/sess-1/quotes", nil)
	rr = httptest.NewRecorder()
	server.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if promoCalled || !refreshCalled {
		t.Fatalf("expected refresh path, got promo=%v refresh=%v", promoCalled, refreshCalled)
	}
}

func TestCheckoutSelectShippingOptionRequiresID(t *testing.T) {
	server := newCheckoutServer(&stubCheckoutService{})

	req := httptest.NewRequest(http.MethodPut, "/api/v1/checkout/sessions/sess-1/shipping-option", bytes.NewBufferString(`{"optionId":"  "}`))
	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	assertErrorCode(t, rr.Body.Bytes(), "invalid_request")
}

func TestCheckoutCommit(t *testing.T) {
	placedAt := time.Date(2026, 4, 2, 15, 31, 0, 0, time.UTC)
	svc := &stubCheckoutService{
		commit: func(_ context.Context, id string) (services.Order, error) {
			if id != "sess-1" {
				t.Fatalf("unexpected session id %s", id)
			}
			return services.Order{
				ID:     "01JXAMPLE0000000000000000",
				Number: "ORD-01JXAMPLE0000000000000000",
				Items: []domain.DraftItem{
					{ProductID: "prod-throw", Name: "Wool Throw", Quantity: 1, UnitPrice: 150},
				},
				ShippingAddress: domain.Address{Recipient: "Ada Lovelace", Line1: "1 Main St", City: "Seattle", Region: "WA", PostalCode: "98101"},
				BillingAddress:  domain.Address{Recipient: "Ada Lovelace", Line1: "1 Main St", City: "Seattle", Region: "WA", PostalCode: "98101"},
				ShippingOption:  domain.ShippingOption{ID: "standard", Name: "Standard Shipping"},
				Subtotal:        150,
				Tax:             13.3125,
				Shipping:        0,
				Total:           163.3125,
				Currency:        "USD",
				PaymentRef:      "pi_123",
				PaymentProvider: "stripe",
				Status:          domain.OrderStatusSubmitted,
				PlacedAt:        placedAt,
			}, nil
		},
	}
	server := newCheckoutServer(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/sessions/sess-1/commit", nil)
	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Number         string `json:"number"`
		Status         string `json:"status"`
		ShippingOption string `json:"shippingOption"`
		TotalDisplay   string `json:"totalDisplay"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Number != "ORD-01JXAMPLE0000000000000000" {
		t.Fatalf("unexpected order number %s", body.Number)
	}
	if body.Status != string(domain.OrderStatusSubmitted) {
		t.Fatalf("unexpected status %s", body.Status)
	}
	if body.ShippingOption != "standard" {
		t.Fatalf("unexpected shipping option %s", body.ShippingOption)
	}
	if body.TotalDisplay != "$163.31" {
		t.Fatalf("unexpected total display %s", body.TotalDisplay)
	}
}

func TestCheckoutErrorMapping(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"payment failed", services.ErrPaymentFailed, http.StatusPaymentRequired, "payment_failed"},
		{"payment cancelled", services.ErrPaymentCancelled, http.StatusConflict, "payment_cancelled"},
		{"network", services.ErrNetwork, http.StatusServiceUnavailable, "network_error"},
		{"missing data", services.ErrMissingRequiredData, http.StatusConflict, "missing_required_data"},
		{"completed", services.ErrFlowCompleted, http.StatusConflict, "checkout_completed"},
		{"quote timeout", services.ErrQuoteTimeout, http.StatusGatewayTimeout, "quote_timeout"},
		{"shipping unavailable", services.ErrShippingUnavailable, http.StatusBadGateway, "shipping_unavailable"},
		{"unknown option", services.ErrUnknownShippingOption, http.StatusUnprocessableEntity, "unknown_shipping_option"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubCheckoutService{
				commit: func(context.Context, string) (services.Order, error) {
					return services.Order{}, tc.err
				},
			}
			server := newCheckoutServer(svc)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/sessions/sess-1/commit", nil)
			rr := httptest.NewRecorder()
			server.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rr.Code)
			}
			assertErrorCode(t, rr.Body.Bytes(), tc.wantCode)
		})
	}
}

func TestCheckoutCartTooHeavyIncludesDetails(t *testing.T) {
	svc := &stubCheckoutService{
		advance: func(context.Context, string) (services.CheckoutSessionView, error) {
			return services.CheckoutSessionView{}, &services.CartTooHeavyError{Weight: 116, Limit: 70}
		},
	}
	server := newCheckoutServer(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout/sessions/sess-1/advance", nil)
	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", rr.Code)
	}

	var body struct {
		Error  string  `json:"error"`
		Weight float64 `json:"weight"`
		Limit  float64 `json:"limit"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Error != "cart_too_heavy" {
		t.Fatalf("unexpected error code %s", body.Error)
	}
	if body.Weight != 116 || body.Limit != 70 {
		t.Fatalf("unexpected details weight=%v limit=%v", body.Weight, body.Limit)
	}
}

func assertErrorCode(t *testing.T, payload []byte, expected string) {
	t.Helper()

	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if body.Error != expected {
		t.Fatalf("expected error code %s, got %s", expected, body.Error)
	}
}
