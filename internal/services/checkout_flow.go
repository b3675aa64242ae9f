package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/oakline-commerce/checkout-api/internal/domain"
	"github.com/oakline-commerce/checkout-api/internal/payments"
	"github.com/oakline-commerce/checkout-api/internal/repositories"
	"github.com/oakline-commerce/checkout-api/internal/telemetry"
)

var (
	// ErrMissingRequiredData signals a step gate failure: the current step lacks the data needed to proceed.
	ErrMissingRequiredData = errors.New("checkout flow: missing required data for this step")
	// ErrFlowCompleted is returned for mutations attempted after the flow reached confirmation.
	ErrFlowCompleted = errors.New("checkout flow: checkout already completed")
	// ErrUnresolvedItems is returned when catalog lookups fail and the flow is configured to reject partial carts.
	ErrUnresolvedItems = errors.New("checkout flow: cart references unknown products")
	// ErrUnknownShippingOption is returned when a selection does not match any current quote.
	ErrUnknownShippingOption = errors.New("checkout flow: shipping option not in current quotes")
	// ErrUnsupportedPaymentMethod is returned for payment method kinds no provider can charge.
	ErrUnsupportedPaymentMethod = errors.New("checkout flow: unsupported payment method")
	// ErrQuoteTimeout is returned when the shipping estimator misses its deadline.
	ErrQuoteTimeout = errors.New("checkout flow: shipping quote request timed out")
	// ErrPaymentFailed is returned when the processor rejects the charge.
	ErrPaymentFailed = errors.New("checkout flow: payment failed")
	// ErrPaymentCancelled is returned when the shopper abandons the payment sheet.
	ErrPaymentCancelled = errors.New("checkout flow: payment cancelled")
	// ErrNetwork is returned for transient transport failures; the commit may be retried.
	ErrNetwork = errors.New("checkout flow: network failure")
)

// UnresolvedItemPolicy controls how Initialize treats cart lines whose product
// no longer exists in the catalog.
type UnresolvedItemPolicy string

const (
	// UnresolvedItemsDrop silently removes unknown lines from the draft.
	UnresolvedItemsDrop UnresolvedItemPolicy = "drop"
	// UnresolvedItemsFail rejects the whole snapshot when any line is unknown.
	UnresolvedItemsFail UnresolvedItemPolicy = "fail"
)

// Flow timing and tax defaults.
const (
	defaultTaxRate        = 0.08875
	defaultQuoteTimeout   = 10 * time.Second
	defaultPaymentTimeout = 30 * time.Second
	defaultCurrency       = "USD"
)

// CheckoutFlowDeps wires the collaborators a flow needs. Catalog, Shipping
// and Payments are required; the order repository and submitter degrade to
// logging when absent.
type CheckoutFlowDeps struct {
	Catalog   repositories.ProductRepository
	Shipping  ShippingEstimator
	Payments  PaymentAuthorizer
	Orders    repositories.OrderRepository
	Submitter OrderSubmitter
	// Verifier optionally validates card tokens with the processor before
	// they are accepted onto the draft.
	Verifier  PaymentMethodVerifier
	Telemetry telemetry.Sink

	TaxRate         float64
	QuoteTimeout    time.Duration
	PaymentTimeout  time.Duration
	UnresolvedItems UnresolvedItemPolicy
	Currency        string

	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
	IDGen  func() string
}

// CheckoutFlow drives one checkout through cart review, shipping, payment and
// confirmation. It is single-threaded by contract; the session service
// serializes access.
type CheckoutFlow struct {
	catalog   repositories.ProductRepository
	shipping  ShippingEstimator
	payments  PaymentAuthorizer
	orders    repositories.OrderRepository
	submitter OrderSubmitter
	verifier  PaymentMethodVerifier
	telemetry telemetry.Sink

	taxRate         float64
	quoteTimeout    time.Duration
	paymentTimeout  time.Duration
	unresolvedItems UnresolvedItemPolicy
	currency        string

	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
	idGen  func() string

	step        CheckoutStep
	draft       OrderDraft
	quotes      []ShippingQuote
	order       *Order
	orderNumber string
}

// NewCheckoutFlow constructs a CheckoutFlow and validates required dependencies.
func NewCheckoutFlow(deps CheckoutFlowDeps) (*CheckoutFlow, error) {
	if deps.Catalog == nil {
		return nil, errors.New("checkout flow: product catalog is required")
	}
	if deps.Shipping == nil {
		return nil, errors.New("checkout flow: shipping estimator is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout flow: payment authorizer is required")
	}

	sink := deps.Telemetry
	if sink == nil {
		sink = telemetry.Noop()
	}
	taxRate := deps.TaxRate
	if taxRate <= 0 {
		taxRate = defaultTaxRate
	}
	quoteTimeout := deps.QuoteTimeout
	if quoteTimeout <= 0 {
		quoteTimeout = defaultQuoteTimeout
	}
	paymentTimeout := deps.PaymentTimeout
	if paymentTimeout <= 0 {
		paymentTimeout = defaultPaymentTimeout
	}
	policy := deps.UnresolvedItems
	if policy == "" {
		policy = UnresolvedItemsDrop
	}
	if policy != UnresolvedItemsDrop && policy != UnresolvedItemsFail {
		return nil, fmt.Errorf("checkout flow: unknown unresolved-item policy %q", policy)
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	return &CheckoutFlow{
		catalog:         deps.Catalog,
		shipping:        deps.Shipping,
		payments:        deps.Payments,
		orders:          deps.Orders,
		submitter:       deps.Submitter,
		verifier:        deps.Verifier,
		telemetry:       sink,
		taxRate:         taxRate,
		quoteTimeout:    quoteTimeout,
		paymentTimeout:  paymentTimeout,
		unresolvedItems: policy,
		currency:        currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
		idGen:  idGen,
		step:   domain.StepCartReview,
	}, nil
}

// Initialize captures the cart snapshot and resolves each line against the
// catalog. The snapshot is final: later cart edits never reach this flow.
func (f *CheckoutFlow) Initialize(ctx context.Context, snapshot CartSnapshot) error {
	items := make([]DraftItem, 0, len(snapshot.Items))
	var unresolved []string

	for _, line := range snapshot.Items {
		if line.Quantity <= 0 {
			continue
		}
		product, err := f.catalog.Resolve(ctx, line.ProductID)
		if err != nil {
			var repoErr repositories.RepositoryError
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				unresolved = append(unresolved, line.ProductID)
				continue
			}
			return fmt.Errorf("checkout flow: resolve product %s: %w", line.ProductID, err)
		}
		items = append(items, DraftItem{
			ProductID:  product.ID,
			Name:       product.Name,
			ImageURL:   product.ImageURL,
			Quantity:   line.Quantity,
			UnitPrice:  line.UnitPrice,
			Weight:     product.Weight,
			Dimensions: product.Dimensions,
			Category:   product.Category,
			Options:    line.Options,
		})
	}

	if len(unresolved) > 0 {
		f.logger(ctx, "checkout.items_unresolved", map[string]any{
			"productIds": unresolved,
			"policy":     string(f.unresolvedItems),
		})
		if f.unresolvedItems == UnresolvedItemsFail {
			return fmt.Errorf("%w: %s", ErrUnresolvedItems, strings.Join(unresolved, ", "))
		}
	}

	f.step = domain.StepCartReview
	f.draft = OrderDraft{Items: items}
	f.quotes = nil
	f.order = nil
	f.RecomputeTotals()

	f.telemetry.Breadcrumb(ctx, "checkout started")
	f.telemetry.Event(ctx, "checkout.initialized", map[string]any{
		"itemCount": len(items),
		"subtotal":  f.draft.Subtotal,
	})
	return nil
}

// Step returns the current checkout step.
func (f *CheckoutFlow) Step() CheckoutStep { return f.step }

// Draft returns a copy of the working order draft.
func (f *CheckoutFlow) Draft() OrderDraft { return f.draft }

// Quotes returns the current shipping quotes, newest request wins.
func (f *CheckoutFlow) Quotes() []ShippingQuote { return f.quotes }

// Order returns the committed order, or nil before commit.
func (f *CheckoutFlow) Order() *Order {
	if f.order == nil {
		return nil
	}
	ord := *f.order
	return &ord
}

// CanAdvance reports whether the current step's gate is satisfied.
func (f *CheckoutFlow) CanAdvance() bool {
	switch f.step {
	case domain.StepCartReview:
		return len(f.draft.Items) > 0
	case domain.StepShipping:
		return f.draft.ShippingAddress != nil && f.draft.SelectedQuote != nil
	case domain.StepPayment:
		return f.draft.PaymentMethod != nil
	default:
		return false
	}
}

// Advance moves the flow one step forward. Entering the shipping step
// requests quotes when an address is already on file; a quote failure leaves
// the step unchanged so the caller can retry.
func (f *CheckoutFlow) Advance(ctx context.Context) error {
	if f.step == domain.StepConfirmation {
		return ErrFlowCompleted
	}
	if !f.CanAdvance() {
		return fmt.Errorf("%w: step %s", ErrMissingRequiredData, f.step)
	}

	switch f.step {
	case domain.StepCartReview:
		if f.draft.ShippingAddress != nil {
			if err := f.requestQuotes(ctx); err != nil {
				return err
			}
		}
		f.setStep(ctx, domain.StepShipping)
	case domain.StepShipping:
		f.RecomputeTotals()
		f.setStep(ctx, domain.StepPayment)
	case domain.StepPayment:
		if _, err := f.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Retreat moves the flow one step back. Completed flows cannot be reopened;
// retreating from the first step is a no-op. Draft data survives retreats.
func (f *CheckoutFlow) Retreat(ctx context.Context) error {
	switch f.step {
	case domain.StepConfirmation:
		return ErrFlowCompleted
	case domain.StepCartReview:
		return nil
	default:
		f.setStep(ctx, f.step-1)
		return nil
	}
}

// SelectShippingAddress validates and stores the destination. A changed
// destination invalidates existing quotes; when the flow already sits on the
// shipping step, fresh quotes are requested immediately.
func (f *CheckoutFlow) SelectShippingAddress(ctx context.Context, addr Address) error {
	if f.step == domain.StepConfirmation {
		return ErrFlowCompleted
	}
	normalized := domain.NormalizeAddress(addr)
	normalized.Role = domain.AddressRoleShipping
	if err := normalized.Validate(); err != nil {
		return err
	}

	// Hold on to the current selection so it can be re-bound against the
	// fresh quote set for the new destination.
	prior := f.draft.SelectedQuote

	f.draft.ShippingAddress = &normalized
	f.draft.SelectedQuote = nil
	f.quotes = nil
	f.RecomputeTotals()

	f.telemetry.Breadcrumb(ctx, "shipping address selected")

	if f.step == domain.StepShipping {
		return f.requestQuotesRebinding(ctx, prior)
	}
	return nil
}

// SelectBillingAddress validates and stores an explicit billing address.
func (f *CheckoutFlow) SelectBillingAddress(ctx context.Context, addr Address) error {
	if f.step == domain.StepConfirmation {
		return ErrFlowCompleted
	}
	normalized := domain.NormalizeAddress(addr)
	normalized.Role = domain.AddressRoleBilling
	if err := normalized.Validate(); err != nil {
		return err
	}
	f.draft.BillingAddress = &normalized
	f.telemetry.Breadcrumb(ctx, "billing address selected")
	return nil
}

// SelectShippingOption picks one of the currently quoted options.
func (f *CheckoutFlow) SelectShippingOption(ctx context.Context, optionID string) error {
	if f.step == domain.StepConfirmation {
		return ErrFlowCompleted
	}
	for _, quote := range f.quotes {
		if quote.Option.ID == optionID {
			selected := quote
			f.draft.SelectedQuote = &selected
			f.RecomputeTotals()
			f.telemetry.Event(ctx, "checkout.shipping_option_selected", map[string]any{
				"optionId": optionID,
				"cost":     selected.AdjustedCost,
			})
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownShippingOption, optionID)
}

// SelectPaymentMethod stores the instrument the commit will charge.
func (f *CheckoutFlow) SelectPaymentMethod(ctx context.Context, method PaymentMethod) error {
	if f.step == domain.StepConfirmation {
		return ErrFlowCompleted
	}
	if !method.Kind.Known() {
		return fmt.Errorf("%w: kind %q", ErrUnsupportedPaymentMethod, method.Kind)
	}
	if strings.TrimSpace(method.Token) == "" {
		return fmt.Errorf("%w: missing method token", ErrUnsupportedPaymentMethod)
	}
	if f.verifier != nil && method.Kind == domain.PaymentMethodCard {
		details, err := f.verifier.Lookup(ctx, method.Token)
		if err != nil {
			return translatePaymentError(err)
		}
		if method.DisplayName == "" && details.Brand != "" {
			method.DisplayName = details.Brand + " " + details.Last4
		}
	}
	f.draft.PaymentMethod = &method
	f.telemetry.Event(ctx, "checkout.payment_method_selected", map[string]any{
		"kind": string(method.Kind),
	})
	return nil
}

// ApplyPromoCode stores the promo code and re-quotes when quotes exist.
func (f *CheckoutFlow) ApplyPromoCode(ctx context.Context, code string) error {
	if f.step == domain.StepConfirmation {
		return ErrFlowCompleted
	}
	f.draft.PromoCode = strings.ToUpper(strings.TrimSpace(code))
	if f.step == domain.StepShipping && f.draft.ShippingAddress != nil {
		return f.requestQuotes(ctx)
	}
	return nil
}

// RefreshQuotes re-runs the quote request, e.g. after a transient failure.
func (f *CheckoutFlow) RefreshQuotes(ctx context.Context) error {
	if f.step == domain.StepConfirmation {
		return ErrFlowCompleted
	}
	if f.draft.ShippingAddress == nil {
		return fmt.Errorf("%w: shipping address not set", ErrMissingRequiredData)
	}
	return f.requestQuotes(ctx)
}

// RecomputeTotals derives subtotal, tax, shipping and total from the draft.
// Safe to call any number of times.
func (f *CheckoutFlow) RecomputeTotals() {
	var subtotal float64
	for _, item := range f.draft.Items {
		subtotal += item.UnitPrice * float64(item.Quantity)
	}
	shipping := 0.0
	if f.draft.SelectedQuote != nil {
		shipping = f.draft.SelectedQuote.AdjustedCost
	}
	tax := subtotal * f.taxRate

	f.draft.Subtotal = subtotal
	f.draft.Tax = tax
	f.draft.Shipping = shipping
	f.draft.Total = subtotal + tax + shipping
}

// Commit charges the selected method and finalizes the order. It is
// idempotent: once an order exists, the same order is returned. A failed
// payment leaves the draft and step untouched for retry.
func (f *CheckoutFlow) Commit(ctx context.Context) (Order, error) {
	if f.order != nil {
		return *f.order, nil
	}
	if f.step != domain.StepPayment {
		return Order{}, fmt.Errorf("%w: commit requires the payment step", ErrMissingRequiredData)
	}
	if f.draft.PaymentMethod == nil || f.draft.ShippingAddress == nil || f.draft.SelectedQuote == nil {
		return Order{}, fmt.Errorf("%w: payment method, shipping address and shipping option must be set", ErrMissingRequiredData)
	}

	f.RecomputeTotals()
	method := *f.draft.PaymentMethod

	// The order number doubles as the processor idempotency key, so a retried
	// commit can never double-charge.
	if f.orderNumber == "" {
		f.orderNumber = f.idGen()
	}

	f.telemetry.Event(ctx, "checkout.payment_started", map[string]any{
		"kind":   string(method.Kind),
		"amount": f.draft.Total,
	})

	payCtx, cancel := context.WithTimeout(ctx, f.paymentTimeout)
	defer cancel()

	receipt, err := f.payments.Authorize(payCtx, payments.PaymentContext{
		MethodKind: string(method.Kind),
	}, payments.AuthorizeRequest{
		Amount:         f.draft.Total,
		Currency:       f.currency,
		MethodToken:    method.Token,
		Description:    fmt.Sprintf("Order %s", f.orderNumber),
		IdempotencyKey: f.orderNumber,
	})
	if err != nil {
		translated := translatePaymentError(err)
		f.logger(ctx, "checkout.payment_failed", map[string]any{
			"kind":  string(method.Kind),
			"error": err.Error(),
		})
		f.telemetry.Event(ctx, "checkout.payment_failed", map[string]any{
			"kind": string(method.Kind),
		})
		return Order{}, translated
	}

	f.telemetry.Event(ctx, "checkout.payment_succeeded", map[string]any{
		"provider":       receipt.Provider,
		"transactionRef": receipt.TransactionRef,
	})

	order := Order{
		ID:              f.orderNumber,
		Number:          "ORD-" + f.orderNumber,
		Items:           append([]DraftItem(nil), f.draft.Items...),
		ShippingAddress: *f.draft.ShippingAddress,
		BillingAddress:  *f.draft.EffectiveBillingAddress(),
		ShippingOption:  f.draft.SelectedQuote.Option,
		PaymentRef:      receipt.TransactionRef,
		PaymentProvider: receipt.Provider,
		Subtotal:        f.draft.Subtotal,
		Tax:             f.draft.Tax,
		Shipping:        f.draft.Shipping,
		Total:           f.draft.Total,
		Currency:        f.currency,
		Status:          domain.OrderStatusConfirmed,
		PlacedAt:        f.clock(),
	}

	if f.submitter != nil {
		if ref, err := f.submitter.Submit(ctx, order); err != nil {
			// Payment already went through; fulfillment submission is retried out of band.
			f.logger(ctx, "checkout.submission_failed", map[string]any{
				"orderNumber": order.Number,
				"error":       err.Error(),
			})
		} else {
			order.Status = domain.OrderStatusSubmitted
			f.telemetry.Event(ctx, "checkout.order_submitted", map[string]any{
				"orderNumber":   order.Number,
				"submissionRef": ref,
			})
		}
	}

	if f.orders != nil {
		if err := f.orders.SaveOrder(ctx, order); err != nil {
			f.logger(ctx, "checkout.order_save_failed", map[string]any{
				"orderNumber": order.Number,
				"error":       err.Error(),
			})
		}
	}

	f.order = &order
	f.setStep(ctx, domain.StepConfirmation)
	return order, nil
}

func (f *CheckoutFlow) requestQuotes(ctx context.Context) error {
	return f.requestQuotesRebinding(ctx, f.draft.SelectedQuote)
}

// requestQuotesRebinding refreshes the quote set and re-binds prior (when
// non-nil) to the matching fresh quote, dropping it if the option no longer
// applies to the destination.
func (f *CheckoutFlow) requestQuotesRebinding(ctx context.Context, prior *ShippingQuote) error {
	dest := f.draft.ShippingAddress
	if dest == nil {
		return fmt.Errorf("%w: shipping address not set", ErrMissingRequiredData)
	}

	quoteCtx, cancel := context.WithTimeout(ctx, f.quoteTimeout)
	defer cancel()

	f.telemetry.Breadcrumb(ctx, "shipping quotes requested")

	quotes, err := f.shipping.Quote(quoteCtx, ShippingQuoteRequest{
		Items:       shippingItemsFromDraft(f.draft.Items),
		Destination: *dest,
		PromoCode:   f.draft.PromoCode,
	})
	if err != nil {
		f.logger(ctx, "checkout.quote_failed", map[string]any{"error": err.Error()})
		f.telemetry.Event(ctx, "checkout.quote_failed", nil)
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrQuoteTimeout, err)
		}
		return err
	}

	f.quotes = quotes
	if prior != nil {
		f.draft.SelectedQuote = nil
		for _, quote := range quotes {
			if quote.Option.ID == prior.Option.ID {
				selected := quote
				f.draft.SelectedQuote = &selected
				break
			}
		}
		f.RecomputeTotals()
	}

	f.telemetry.Event(ctx, "checkout.quotes_generated", map[string]any{
		"quoteCount": len(quotes),
	})
	return nil
}

func (f *CheckoutFlow) setStep(ctx context.Context, step CheckoutStep) {
	if step == f.step {
		return
	}
	f.telemetry.Event(ctx, "checkout.step_changed", map[string]any{
		"from": f.step.String(),
		"to":   step.String(),
	})
	f.step = step
}

// translatePaymentError maps processor errors onto the flow taxonomy.
func translatePaymentError(err error) error {
	switch {
	case errors.Is(err, payments.ErrCancelled):
		return fmt.Errorf("%w: %v", ErrPaymentCancelled, err)
	case errors.Is(err, payments.ErrNetwork),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	case errors.Is(err, payments.ErrUnsupportedProvider):
		return fmt.Errorf("%w: %v", ErrUnsupportedPaymentMethod, err)
	default:
		return fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}
}
