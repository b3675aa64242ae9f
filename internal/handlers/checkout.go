package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/oakline-commerce/checkout-api/internal/domain"
	"github.com/oakline-commerce/checkout-api/internal/platform/httpx"
	"github.com/oakline-commerce/checkout-api/internal/platform/observability"
	"github.com/oakline-commerce/checkout-api/internal/services"
)

const maxCheckoutRequestBody = 16 * 1024

// CheckoutHandlers exposes the checkout session endpoints.
type CheckoutHandlers struct {
	checkout services.CheckoutService
	metrics  *observability.CheckoutMetrics
	limiter  rateLimiter
}

// CheckoutOption customises checkout handler behaviour.
type CheckoutOption func(*CheckoutHandlers)

// WithSessionRateLimit throttles session creation per client address.
func WithSessionRateLimit(limit int, window time.Duration) CheckoutOption {
	return func(h *CheckoutHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// NewCheckoutHandlers constructs the checkout session handlers. Metrics may be nil.
func NewCheckoutHandlers(checkout services.CheckoutService, metrics *observability.CheckoutMetrics, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		checkout: checkout,
		metrics:  metrics,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers checkout session endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/sessions", h.startSession)
	r.Route("/sessions/{sessionID}", func(session chi.Router) {
		session.Get("/", h.getSession)
		session.Post("/advance", h.advance)
		session.Post("/retreat", h.retreat)
		session.Put("/shipping-address", h.setShippingAddress)
		session.Put("/billing-address", h.setBillingAddress)
		session.Put("/shipping-option", h.selectShippingOption)
		session.Put("/payment-method", h.selectPaymentMethod)
		session.Post("/quotes", h.refreshQuotes)
		session.Post("/commit", h.commit)
	})
}

type optionSelectionPayload struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type cartItemRequest struct {
	ProductID string                   `json:"productId"`
	Quantity  int                      `json:"quantity"`
	UnitPrice float64                  `json:"unitPrice"`
	Options   []optionSelectionPayload `json:"options,omitempty"`
}

type startSessionRequest struct {
	Items     []cartItemRequest `json:"items"`
	PromoCode string            `json:"promoCode,omitempty"`
}

type addressRequest struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country,omitempty"`
}

type shippingOptionRequest struct {
	OptionID string `json:"optionId"`
}

type paymentMethodRequest struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	DisplayName string `json:"displayName,omitempty"`
	Token       string `json:"token"`
}

type quotesRequest struct {
	PromoCode *string `json:"promoCode"`
}

type draftItemPayload struct {
	ProductID string                   `json:"productId"`
	Name      string                   `json:"name"`
	ImageURL  string                   `json:"imageUrl,omitempty"`
	Quantity  int                      `json:"quantity"`
	UnitPrice float64                  `json:"unitPrice"`
	Options   []optionSelectionPayload `json:"options,omitempty"`
}

type addressPayload struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country,omitempty"`
}

type quotePayload struct {
	OptionID          string   `json:"optionId"`
	Name              string   `json:"name"`
	TransitDays       int      `json:"transitDays"`
	TrackingIncluded  bool     `json:"trackingIncluded"`
	InsuranceIncluded bool     `json:"insuranceIncluded"`
	OriginalCost      float64  `json:"originalCost"`
	AdjustedCost      float64  `json:"adjustedCost"`
	CostDisplay       string   `json:"costDisplay"`
	AdjustmentReason  string   `json:"adjustmentReason,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`
	Recommended       bool     `json:"recommended"`
}

type paymentMethodPayload struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	DisplayName string `json:"displayName,omitempty"`
}

type totalsPayload struct {
	Subtotal        float64 `json:"subtotal"`
	Tax             float64 `json:"tax"`
	Shipping        float64 `json:"shipping"`
	Total           float64 `json:"total"`
	SubtotalDisplay string  `json:"subtotalDisplay"`
	TaxDisplay      string  `json:"taxDisplay"`
	ShippingDisplay string  `json:"shippingDisplay"`
	TotalDisplay    string  `json:"totalDisplay"`
}

type orderPayload struct {
	ID              string             `json:"id"`
	Number          string             `json:"number"`
	Items           []draftItemPayload `json:"items"`
	ShippingAddress *addressPayload    `json:"shippingAddress,omitempty"`
	BillingAddress  *addressPayload    `json:"billingAddress,omitempty"`
	ShippingOption  string             `json:"shippingOption,omitempty"`
	PaymentRef      string             `json:"paymentRef,omitempty"`
	PaymentProvider string             `json:"paymentProvider,omitempty"`
	Subtotal        float64            `json:"subtotal"`
	Tax             float64            `json:"tax"`
	Shipping        float64            `json:"shipping"`
	Total           float64            `json:"total"`
	TotalDisplay    string             `json:"totalDisplay"`
	Currency        string             `json:"currency"`
	Status          string             `json:"status"`
	PlacedAt        string             `json:"placedAt"`
}

type checkoutSessionResponse struct {
	SessionID       string                `json:"sessionId"`
	Step            string                `json:"step"`
	Items           []draftItemPayload    `json:"items"`
	ShippingAddress *addressPayload       `json:"shippingAddress,omitempty"`
	BillingAddress  *addressPayload       `json:"billingAddress,omitempty"`
	SelectedOption  *quotePayload         `json:"selectedOption,omitempty"`
	PaymentMethod   *paymentMethodPayload `json:"paymentMethod,omitempty"`
	PromoCode       string                `json:"promoCode,omitempty"`
	Quotes          []quotePayload        `json:"quotes"`
	Totals          totalsPayload         `json:"totals"`
	Order           *orderPayload         `json:"order,omitempty"`
	CreatedAt       string                `json:"createdAt"`
	UpdatedAt       string                `json:"updatedAt"`
	ExpiresAt       string                `json:"expiresAt"`
}

func (h *CheckoutHandlers) startSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.limiter != nil && !h.limiter.Allow(clientKey(r)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout sessions; retry later", http.StatusTooManyRequests))
		return
	}

	var req startSessionRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "items are required", http.StatusBadRequest))
		return
	}

	items := make([]services.CartItem, 0, len(req.Items))
	for _, item := range req.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "productId is required on every item", http.StatusBadRequest))
			return
		}
		items = append(items, domain.CartItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Options:   optionSelectionsFromPayload(item.Options),
		})
	}

	view, err := h.checkout.StartSession(ctx, services.StartSessionCommand{
		Items:     items,
		PromoCode: strings.TrimSpace(req.PromoCode),
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	h.metrics.SessionStarted(ctx)
	writeJSONResponse(w, http.StatusCreated, sessionResponseFromView(view))
}

func (h *CheckoutHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, err := h.checkout.GetSession(ctx, sessionID(r))
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponseFromView(view))
}

func (h *CheckoutHandlers) advance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, err := h.checkout.Advance(ctx, sessionID(r))
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponseFromView(view))
}

func (h *CheckoutHandlers) retreat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view, err := h.checkout.Retreat(ctx, sessionID(r))
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponseFromView(view))
}

func (h *CheckoutHandlers) setShippingAddress(w http.ResponseWriter, r *http.Request) {
	h.setAddress(w, r, h.checkout.SelectShippingAddress)
}

func (h *CheckoutHandlers) setBillingAddress(w http.ResponseWriter, r *http.Request) {
	h.setAddress(w, r, h.checkout.SelectBillingAddress)
}

func (h *CheckoutHandlers) setAddress(w http.ResponseWriter, r *http.Request, apply func(context.Context, services.SelectAddressCommand) (services.CheckoutSessionView, error)) {
	ctx := r.Context()

	var req addressRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	view, err := apply(ctx, services.SelectAddressCommand{
		SessionID: sessionID(r),
		Address: domain.Address{
			Recipient:  req.Recipient,
			Line1:      req.Line1,
			Line2:      req.Line2,
			City:       req.City,
			Region:     req.Region,
			PostalCode: req.PostalCode,
			Country:    req.Country,
		},
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}
	h.metrics.QuotesGenerated(ctx, len(view.Quotes))
	writeJSONResponse(w, http.StatusOK, sessionResponseFromView(view))
}

func (h *CheckoutHandlers) selectShippingOption(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req shippingOptionRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.OptionID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "optionId is required", http.StatusBadRequest))
		return
	}

	view, err := h.checkout.SelectShippingOption(ctx, services.SelectShippingOptionCommand{
		SessionID: sessionID(r),
		OptionID:  strings.TrimSpace(req.OptionID),
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponseFromView(view))
}

func (h *CheckoutHandlers) selectPaymentMethod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req paymentMethodRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	view, err := h.checkout.SelectPaymentMethod(ctx, services.SelectPaymentMethodCommand{
		SessionID: sessionID(r),
		Method: domain.PaymentMethod{
			ID:          strings.TrimSpace(req.ID),
			Kind:        domain.PaymentMethodKind(strings.TrimSpace(req.Kind)),
			DisplayName: strings.TrimSpace(req.DisplayName),
			Token:       strings.TrimSpace(req.Token),
		},
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sessionResponseFromView(view))
}

func (h *CheckoutHandlers) refreshQuotes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := sessionID(r)

	// Body is optional; a promoCode field reruns the quote pipeline with the
	// promotion applied.
	var req quotesRequest
	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	switch {
	case errors.Is(err, errEmptyBody):
	case err != nil:
		h.writeBodyError(ctx, w, err)
		return
	default:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}

	var view services.CheckoutSessionView
	if req.PromoCode != nil {
		view, err = h.checkout.ApplyPromoCode(ctx, services.ApplyPromoCommand{
			SessionID: id,
			Code:      *req.PromoCode,
		})
	} else {
		view, err = h.checkout.RefreshQuotes(ctx, id)
	}
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}
	h.metrics.QuotesGenerated(ctx, len(view.Quotes))
	writeJSONResponse(w, http.StatusOK, sessionResponseFromView(view))
}

func (h *CheckoutHandlers) commit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	order, err := h.checkout.Commit(ctx, sessionID(r))
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	h.metrics.OrderCommitted(ctx, order.PaymentProvider)
	payload := orderPayloadFromOrder(order)
	writeJSONResponse(w, http.StatusCreated, payload)
}

func (h *CheckoutHandlers) decodeBody(w http.ResponseWriter, r *http.Request, dest any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		h.writeBodyError(ctx, w, err)
		return false
	}
	if err := json.Unmarshal(body, dest); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

func (h *CheckoutHandlers) writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	if errors.Is(err, errBodyTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
}

func (h *CheckoutHandlers) writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	var tooHeavy *services.CartTooHeavyError
	switch {
	case errors.Is(err, services.ErrSessionNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "checkout session not found or expired", http.StatusNotFound))
	case errors.As(err, &tooHeavy):
		httpx.WriteError(ctx, w, httpx.NewError("cart_too_heavy", tooHeavy.Error(), http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"weight": tooHeavy.Weight, "limit": tooHeavy.Limit}))
	case errors.Is(err, services.ErrOversizedItem):
		httpx.WriteError(ctx, w, httpx.NewError("oversized_item", "an item exceeds the maximum shippable dimensions", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrUnsupportedDestination):
		httpx.WriteError(ctx, w, httpx.NewError("unsupported_destination", "shipping to this destination is not supported", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrHazardousItem):
		httpx.WriteError(ctx, w, httpx.NewError("hazardous_item", "an item belongs to a restricted category", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrUnresolvedItems):
		httpx.WriteError(ctx, w, httpx.NewError("unresolved_items", "one or more cart items could not be resolved", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrUnknownShippingOption):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_shipping_option", "shipping option is not part of the current quotes", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrUnsupportedPaymentMethod):
		httpx.WriteError(ctx, w, httpx.NewError("unsupported_payment_method", "payment method kind is not supported", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrShippingInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrMissingRequiredData):
		httpx.WriteError(ctx, w, httpx.NewError("missing_required_data", "the current step is missing required selections", http.StatusConflict))
	case errors.Is(err, services.ErrFlowCompleted):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_completed", "checkout has already been completed", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentCancelled):
		httpx.WriteError(ctx, w, httpx.NewError("payment_cancelled", "payment was cancelled", http.StatusConflict))
	case errors.Is(err, services.ErrPaymentFailed):
		h.metrics.PaymentFailed(ctx, "declined")
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "payment could not be completed", http.StatusPaymentRequired))
	case errors.Is(err, services.ErrNetwork):
		h.metrics.PaymentFailed(ctx, "network")
		httpx.WriteError(ctx, w, httpx.NewError("network_error", "a downstream dependency is unreachable; retry shortly", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrQuoteTimeout):
		httpx.WriteError(ctx, w, httpx.NewError("quote_timeout", "shipping quotes did not arrive in time", http.StatusGatewayTimeout))
	case errors.Is(err, services.ErrShippingUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("shipping_unavailable", "shipping rates are temporarily unavailable", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}

func sessionID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "sessionID"))
}

func optionSelectionsFromPayload(options []optionSelectionPayload) []domain.OptionSelection {
	if len(options) == 0 {
		return nil
	}
	out := make([]domain.OptionSelection, 0, len(options))
	for _, opt := range options {
		out = append(out, domain.OptionSelection{Name: opt.Name, Value: opt.Value})
	}
	return out
}

func optionSelectionsToPayload(options []domain.OptionSelection) []optionSelectionPayload {
	if len(options) == 0 {
		return nil
	}
	out := make([]optionSelectionPayload, 0, len(options))
	for _, opt := range options {
		out = append(out, optionSelectionPayload{Name: opt.Name, Value: opt.Value})
	}
	return out
}

func addressToPayload(addr *domain.Address) *addressPayload {
	if addr == nil {
		return nil
	}
	return &addressPayload{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		Region:     addr.Region,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
	}
}

func quoteToPayload(quote domain.ShippingQuote, recommended bool) quotePayload {
	return quotePayload{
		OptionID:          quote.Option.ID,
		Name:              quote.Option.Name,
		TransitDays:       quote.Option.TransitDays,
		TrackingIncluded:  quote.Option.TrackingIncluded,
		InsuranceIncluded: quote.Option.InsuranceIncluded,
		OriginalCost:      quote.OriginalCost,
		AdjustedCost:      quote.AdjustedCost,
		CostDisplay:       formatMoney(quote.AdjustedCost),
		AdjustmentReason:  quote.AdjustmentReason,
		Warnings:          quote.Warnings,
		Recommended:       recommended,
	}
}

func draftItemsToPayload(items []domain.DraftItem) []draftItemPayload {
	out := make([]draftItemPayload, 0, len(items))
	for _, item := range items {
		out = append(out, draftItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			ImageURL:  item.ImageURL,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Options:   optionSelectionsToPayload(item.Options),
		})
	}
	return out
}

func sessionResponseFromView(view services.CheckoutSessionView) checkoutSessionResponse {
	recommended, hasRecommended := services.RecommendShippingQuote(view.Quotes)

	quotes := make([]quotePayload, 0, len(view.Quotes))
	for _, quote := range view.Quotes {
		isRecommended := hasRecommended && quote.Option.ID == recommended.Option.ID
		quotes = append(quotes, quoteToPayload(quote, isRecommended))
	}

	resp := checkoutSessionResponse{
		SessionID:       view.SessionID,
		Step:            view.Step.String(),
		Items:           draftItemsToPayload(view.Draft.Items),
		ShippingAddress: addressToPayload(view.Draft.ShippingAddress),
		BillingAddress:  addressToPayload(view.Draft.BillingAddress),
		PromoCode:       view.Draft.PromoCode,
		Quotes:          quotes,
		Totals: totalsPayload{
			Subtotal:        view.Draft.Subtotal,
			Tax:             view.Draft.Tax,
			Shipping:        view.Draft.Shipping,
			Total:           view.Draft.Total,
			SubtotalDisplay: formatMoney(view.Draft.Subtotal),
			TaxDisplay:      formatMoney(view.Draft.Tax),
			ShippingDisplay: formatMoney(view.Draft.Shipping),
			TotalDisplay:    formatMoney(view.Draft.Total),
		},
		CreatedAt: formatTime(view.CreatedAt),
		UpdatedAt: formatTime(view.UpdatedAt),
		ExpiresAt: formatTime(view.ExpiresAt),
	}

	if view.Draft.SelectedQuote != nil {
		selected := quoteToPayload(*view.Draft.SelectedQuote, hasRecommended && view.Draft.SelectedQuote.Option.ID == recommended.Option.ID)
		resp.SelectedOption = &selected
	}
	if view.Draft.PaymentMethod != nil {
		resp.PaymentMethod = &paymentMethodPayload{
			ID:          view.Draft.PaymentMethod.ID,
			Kind:        string(view.Draft.PaymentMethod.Kind),
			DisplayName: view.Draft.PaymentMethod.DisplayName,
		}
	}
	if view.Order != nil {
		payload := orderPayloadFromOrder(*view.Order)
		resp.Order = &payload
	}

	return resp
}

func orderPayloadFromOrder(order domain.Order) orderPayload {
	payload := orderPayload{
		ID:              order.ID,
		Number:          order.Number,
		Items:           draftItemsToPayload(order.Items),
		ShippingAddress: addressToPayload(&order.ShippingAddress),
		BillingAddress:  addressToPayload(&order.BillingAddress),
		ShippingOption:  order.ShippingOption.ID,
		PaymentRef:      order.PaymentRef,
		PaymentProvider: order.PaymentProvider,
		Subtotal:        order.Subtotal,
		Tax:             order.Tax,
		Shipping:        order.Shipping,
		Total:           order.Total,
		TotalDisplay:    formatMoney(order.Total),
		Currency:        order.Currency,
		Status:          string(order.Status),
		PlacedAt:        formatTime(order.PlacedAt),
	}
	return payload
}
