package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	domain "github.com/oakline-commerce/checkout-api/internal/domain"
	"github.com/oakline-commerce/checkout-api/internal/payments"
	"github.com/oakline-commerce/checkout-api/internal/repositories"
)

type stubCatalog struct {
	resolve     func(ctx context.Context, productID string) (domain.Product, error)
	resolveMany func(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
}

func (s *stubCatalog) Resolve(ctx context.Context, productID string) (domain.Product, error) {
	if s.resolve == nil {
		return domain.Product{}, errors.New("unexpected Resolve call")
	}
	return s.resolve(ctx, productID)
}

func (s *stubCatalog) ResolveMany(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if s.resolveMany == nil {
		return nil, errors.New("unexpected ResolveMany call")
	}
	return s.resolveMany(ctx, productIDs)
}

type stubEstimator struct {
	quote func(ctx context.Context, req ShippingQuoteRequest) ([]ShippingQuote, error)
}

func (s *stubEstimator) Quote(ctx context.Context, req ShippingQuoteRequest) ([]ShippingQuote, error) {
	if s.quote == nil {
		return nil, errors.New("unexpected Quote call")
	}
	return s.quote(ctx, req)
}

type stubAuthorizer struct {
	calls     int
	authorize func(ctx context.Context, pctx payments.PaymentContext, req payments.AuthorizeRequest) (payments.Receipt, error)
}

func (s *stubAuthorizer) Authorize(ctx context.Context, pctx payments.PaymentContext, req payments.AuthorizeRequest) (payments.Receipt, error) {
	s.calls++
	if s.authorize == nil {
		return payments.Receipt{}, errors.New("unexpected Authorize call")
	}
	return s.authorize(ctx, pctx, req)
}

type stubOrderRepo struct {
	save func(ctx context.Context, order domain.Order) error
}

func (s *stubOrderRepo) SaveOrder(ctx context.Context, order domain.Order) error {
	if s.save == nil {
		return nil
	}
	return s.save(ctx, order)
}

func (s *stubOrderRepo) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return domain.Order{}, errors.New("unexpected GetOrder call")
}

func (s *stubOrderRepo) ListOrders(ctx context.Context, filter repositories.OrderFilter) ([]domain.Order, error) {
	return nil, errors.New("unexpected ListOrders call")
}

type stubSubmitter struct {
	submit func(ctx context.Context, order domain.Order) (string, error)
}

func (s *stubSubmitter) Submit(ctx context.Context, order domain.Order) (string, error) {
	if s.submit == nil {
		return "sub-1", nil
	}
	return s.submit(ctx, order)
}

func flowClock() func() time.Time {
	fixed := time.Date(2026, 4, 2, 15, 30, 0, 0, time.UTC)
	return func() time.Time { return fixed }
}

func testCatalog() *stubCatalog {
	products := map[string]domain.Product{
		"prod-throw": {ID: "prod-throw", Name: "Wool Throw", ImageURL: "https://img.test/throw.jpg", UnitPrice: 150, Weight: 2.4, Category: "home"},
		"prod-mug":   {ID: "prod-mug", Name: "Ceramic Mug", ImageURL: "https://img.test/mug.jpg", UnitPrice: 18, Weight: 1.2, Category: "kitchen"},
	}
	return &stubCatalog{
		resolve: func(_ context.Context, productID string) (domain.Product, error) {
			product, ok := products[productID]
			if !ok {
				return domain.Product{}, notFoundRepoError{fmt.Sprintf("product %s not found", productID)}
			}
			return product, nil
		},
	}
}

type notFoundRepoError struct{ msg string }

func (e notFoundRepoError) Error() string       { return e.msg }
func (e notFoundRepoError) IsNotFound() bool    { return true }
func (e notFoundRepoError) IsConflict() bool    { return false }
func (e notFoundRepoError) IsUnavailable() bool { return false }

func standardQuotes() []ShippingQuote {
	return []ShippingQuote{
		{Option: ShippingOption{ID: "standard", Name: "Standard Shipping", TransitDays: 7, Available: true}, AdjustedCost: 0},
		{Option: ShippingOption{ID: "express", Name: "Express Shipping", Cost: 9.99, TransitDays: 3, Available: true}, OriginalCost: 9.99, AdjustedCost: 9.99},
	}
}

func newTestFlow(t *testing.T, deps CheckoutFlowDeps) *CheckoutFlow {
	t.Helper()
	if deps.Catalog == nil {
		deps.Catalog = testCatalog()
	}
	if deps.Shipping == nil {
		deps.Shipping = &stubEstimator{quote: func(context.Context, ShippingQuoteRequest) ([]ShippingQuote, error) {
			return standardQuotes(), nil
		}}
	}
	if deps.Payments == nil {
		deps.Payments = &stubAuthorizer{authorize: func(_ context.Context, pctx payments.PaymentContext, req payments.AuthorizeRequest) (payments.Receipt, error) {
			return payments.Receipt{Provider: "stripe", TransactionRef: "pi_1", Status: payments.StatusSucceeded, Amount: req.Amount, Currency: req.Currency}, nil
		}}
	}
	if deps.Clock == nil {
		deps.Clock = flowClock()
	}
	if deps.IDGen == nil {
		deps.IDGen = func() string { return "01JXTESTULID0000000000000" }
	}
	flow, err := NewCheckoutFlow(deps)
	if err != nil {
		t.Fatalf("new checkout flow: %v", err)
	}
	return flow
}

func shippingAddressFixture() Address {
	return Address{
		Recipient:  "Jordan Blake",
		Line1:      "400 Pine St",
		City:       "Seattle",
		Region:     "WA",
		PostalCode: "98101",
		Country:    "US",
	}
}

func driveToPayment(t *testing.T, flow *CheckoutFlow) {
	t.Helper()
	ctx := context.Background()
	if err := flow.Initialize(ctx, CartSnapshot{Items: []CartItem{{ProductID: "prod-throw", Quantity: 1, UnitPrice: 150}}}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := flow.Advance(ctx); err != nil {
		t.Fatalf("advance to shipping: %v", err)
	}
	if err := flow.SelectShippingAddress(ctx, shippingAddressFixture()); err != nil {
		t.Fatalf("select address: %v", err)
	}
	if err := flow.SelectShippingOption(ctx, "standard"); err != nil {
		t.Fatalf("select option: %v", err)
	}
	if err := flow.Advance(ctx); err != nil {
		t.Fatalf("advance to payment: %v", err)
	}
	if err := flow.SelectPaymentMethod(ctx, PaymentMethod{ID: "pm-1", Kind: domain.PaymentMethodCard, DisplayName: "Visa 4242", Token: "tok_visa"}); err != nil {
		t.Fatalf("select payment method: %v", err)
	}
}

func TestNewCheckoutFlowValidatesDeps(t *testing.T) {
	_, err := NewCheckoutFlow(CheckoutFlowDeps{Shipping: &stubEstimator{}, Payments: &stubAuthorizer{}})
	if err == nil {
		t.Fatalf("expected error for missing catalog")
	}
	_, err = NewCheckoutFlow(CheckoutFlowDeps{Catalog: testCatalog(), Payments: &stubAuthorizer{}})
	if err == nil {
		t.Fatalf("expected error for missing estimator")
	}
	_, err = NewCheckoutFlow(CheckoutFlowDeps{Catalog: testCatalog(), Shipping: &stubEstimator{}})
	if err == nil {
		t.Fatalf("expected error for missing payment authorizer")
	}
}

func TestInitializeDropsUnresolvedItemsByDefault(t *testing.T) {
	flow := newTestFlow(t, CheckoutFlowDeps{})

	err := flow.Initialize(context.Background(), CartSnapshot{Items: []CartItem{
		{ProductID: "prod-throw", Quantity: 1, UnitPrice: 150},
		{ProductID: "prod-ghost", Quantity: 2, UnitPrice: 10},
	}})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	draft := flow.Draft()
	if len(draft.Items) != 1 {
		t.Fatalf("expected unresolved line dropped, got %d items", len(draft.Items))
	}
	if draft.Items[0].Name != "Wool Throw" {
		t.Fatalf("expected resolved catalog name, got %q", draft.Items[0].Name)
	}
	if !domain.MoneyEquals(draft.Subtotal, 150) {
		t.Fatalf("expected subtotal 150, got %.4f", draft.Subtotal)
	}
}

func TestInitializeFailPolicyRejectsUnresolvedItems(t *testing.T) {
	flow := newTestFlow(t, CheckoutFlowDeps{UnresolvedItems: UnresolvedItemsFail})

	err := flow.Initialize(context.Background(), CartSnapshot{Items: []CartItem{
		{ProductID: "prod-ghost", Quantity: 1, UnitPrice: 10},
	}})
	if !errors.Is(err, ErrUnresolvedItems) {
		t.Fatalf("expected ErrUnresolvedItems, got %v", err)
	}
}

func TestAdvanceBlockedOnEmptyCart(t *testing.T) {
	flow := newTestFlow(t, CheckoutFlowDeps{})
	if err := flow.Initialize(context.Background(), CartSnapshot{}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if flow.CanAdvance() {
		t.Fatalf("empty cart must not pass the cart review gate")
	}
	if err := flow.Advance(context.Background()); !errors.Is(err, ErrMissingRequiredData) {
		t.Fatalf("expected ErrMissingRequiredData, got %v", err)
	}
	if flow.Step() != domain.StepCartReview {
		t.Fatalf("step must not move on gate failure, got %v", flow.Step())
	}
}

func TestFullCheckoutTotalsAndCommit(t *testing.T) {
	authorizer := &stubAuthorizer{authorize: func(_ context.Context, pctx payments.PaymentContext, req payments.AuthorizeRequest) (payments.Receipt, error) {
		if pctx.MethodKind != "card" {
			t.Fatalf("expected card routing, got %q", pctx.MethodKind)
		}
		if !domain.MoneyEquals(req.Amount, 163.3125) {
			t.Fatalf("expected charge of 163.3125, got %.6f", req.Amount)
		}
		if req.IdempotencyKey == "" {
			t.Fatalf("expected an idempotency key on the charge")
		}
		return payments.Receipt{Provider: "stripe", TransactionRef: "pi_42", Status: payments.StatusSucceeded}, nil
	}}

	var saved *domain.Order
	repo := &stubOrderRepo{save: func(_ context.Context, order domain.Order) error {
		saved = &order
		return nil
	}}

	flow := newTestFlow(t, CheckoutFlowDeps{Payments: authorizer, Orders: repo, Submitter: &stubSubmitter{}})
	driveToPayment(t, flow)

	draft := flow.Draft()
	if !domain.MoneyEquals(draft.Tax, 13.3125) {
		t.Fatalf("expected tax 13.3125 on a 150 subtotal, got %.6f", draft.Tax)
	}
	if !domain.MoneyEquals(draft.Total, 163.3125) {
		t.Fatalf("expected total 163.3125, got %.6f", draft.Total)
	}

	order, err := flow.Commit(context.Background())
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if flow.Step() != domain.StepConfirmation {
		t.Fatalf("expected confirmation step after commit, got %v", flow.Step())
	}
	if order.Number != "ORD-01JXTESTULID0000000000000" {
		t.Fatalf("unexpected order number %q", order.Number)
	}
	if order.PaymentRef != "pi_42" || order.PaymentProvider != "stripe" {
		t.Fatalf("receipt data missing from order: %+v", order)
	}
	if order.Status != domain.OrderStatusSubmitted {
		t.Fatalf("expected submitted status after sink ack, got %q", order.Status)
	}
	if order.BillingAddress.City != "Seattle" {
		t.Fatalf("billing address should default to shipping, got %+v", order.BillingAddress)
	}
	if !order.PlacedAt.Equal(time.Date(2026, 4, 2, 15, 30, 0, 0, time.UTC)) {
		t.Fatalf("expected clock-driven timestamp, got %v", order.PlacedAt)
	}
	if saved == nil || saved.ID != order.ID {
		t.Fatalf("expected order persisted, got %+v", saved)
	}
}

func TestCommitIsIdempotent(t *testing.T) {
	authorizer := &stubAuthorizer{authorize: func(context.Context, payments.PaymentContext, payments.AuthorizeRequest) (payments.Receipt, error) {
		return payments.Receipt{Provider: "stripe", TransactionRef: "pi_1", Status: payments.StatusSucceeded}, nil
	}}
	flow := newTestFlow(t, CheckoutFlowDeps{Payments: authorizer})
	driveToPayment(t, flow)

	first, err := flow.Commit(context.Background())
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}
	second, err := flow.Commit(context.Background())
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same order back, got %q and %q", first.ID, second.ID)
	}
	if authorizer.calls != 1 {
		t.Fatalf("expected a single charge, got %d", authorizer.calls)
	}
}

func TestCommitDeclinedLeavesFlowRetryable(t *testing.T) {
	declined := true
	authorizer := &stubAuthorizer{authorize: func(context.Context, payments.PaymentContext, payments.AuthorizeRequest) (payments.Receipt, error) {
		if declined {
			return payments.Receipt{}, fmt.Errorf("%w: card declined", payments.ErrDeclined)
		}
		return payments.Receipt{Provider: "stripe", TransactionRef: "pi_retry", Status: payments.StatusSucceeded}, nil
	}}
	flow := newTestFlow(t, CheckoutFlowDeps{Payments: authorizer})
	driveToPayment(t, flow)

	if _, err := flow.Commit(context.Background()); !errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("expected ErrPaymentFailed, got %v", err)
	}
	if flow.Step() != domain.StepPayment {
		t.Fatalf("failed payment must not move the step, got %v", flow.Step())
	}
	if flow.Draft().PaymentMethod == nil {
		t.Fatalf("failed payment must keep the draft intact")
	}
	if flow.Order() != nil {
		t.Fatalf("no order may exist after a failed commit")
	}

	declined = false
	order, err := flow.Commit(context.Background())
	if err != nil {
		t.Fatalf("retry commit: %v", err)
	}
	if order.PaymentRef != "pi_retry" {
		t.Fatalf("unexpected payment ref %q", order.PaymentRef)
	}
}

func TestCommitTranslatesProcessorErrors(t *testing.T) {
	cases := []struct {
		name string
		give error
		want error
	}{
		{"cancelled", payments.ErrCancelled, ErrPaymentCancelled},
		{"network", payments.ErrNetwork, ErrNetwork},
		{"unrouted", payments.ErrUnsupportedProvider, ErrUnsupportedPaymentMethod},
		{"requires action", payments.ErrRequiresAction, ErrPaymentFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			authorizer := &stubAuthorizer{authorize: func(context.Context, payments.PaymentContext, payments.AuthorizeRequest) (payments.Receipt, error) {
				return payments.Receipt{}, tc.give
			}}
			flow := newTestFlow(t, CheckoutFlowDeps{Payments: authorizer})
			driveToPayment(t, flow)

			if _, err := flow.Commit(context.Background()); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSubmitterFailureIsNonFatal(t *testing.T) {
	submitter := &stubSubmitter{submit: func(context.Context, domain.Order) (string, error) {
		return "", errors.New("pubsub unavailable")
	}}
	flow := newTestFlow(t, CheckoutFlowDeps{Submitter: submitter})
	driveToPayment(t, flow)

	order, err := flow.Commit(context.Background())
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if order.Status != domain.OrderStatusConfirmed {
		t.Fatalf("expected confirmed status when submission fails, got %q", order.Status)
	}
}

func TestOrderSaveFailureIsNonFatal(t *testing.T) {
	repo := &stubOrderRepo{save: func(context.Context, domain.Order) error {
		return errors.New("firestore unavailable")
	}}
	flow := newTestFlow(t, CheckoutFlowDeps{Orders: repo})
	driveToPayment(t, flow)

	if _, err := flow.Commit(context.Background()); err != nil {
		t.Fatalf("commit must survive archive failures: %v", err)
	}
	if flow.Step() != domain.StepConfirmation {
		t.Fatalf("expected confirmation step, got %v", flow.Step())
	}
}

func TestQuoteFailureLeavesStepUnchanged(t *testing.T) {
	failing := true
	estimator := &stubEstimator{quote: func(context.Context, ShippingQuoteRequest) ([]ShippingQuote, error) {
		if failing {
			return nil, ErrShippingUnavailable
		}
		return standardQuotes(), nil
	}}
	flow := newTestFlow(t, CheckoutFlowDeps{Shipping: estimator})
	ctx := context.Background()

	if err := flow.Initialize(ctx, CartSnapshot{Items: []CartItem{{ProductID: "prod-mug", Quantity: 1, UnitPrice: 18}}}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := flow.Advance(ctx); err != nil {
		t.Fatalf("advance to shipping: %v", err)
	}

	if err := flow.SelectShippingAddress(ctx, shippingAddressFixture()); !errors.Is(err, ErrShippingUnavailable) {
		t.Fatalf("expected quote failure surfaced, got %v", err)
	}
	if flow.Step() != domain.StepShipping {
		t.Fatalf("quote failure must keep the shipping step, got %v", flow.Step())
	}
	if flow.Draft().ShippingAddress == nil {
		t.Fatalf("address selection must stick despite the quote failure")
	}
	if len(flow.Quotes()) != 0 {
		t.Fatalf("expected no quotes after failure, got %d", len(flow.Quotes()))
	}

	failing = false
	if err := flow.RefreshQuotes(ctx); err != nil {
		t.Fatalf("refresh quotes: %v", err)
	}
	if len(flow.Quotes()) != 2 {
		t.Fatalf("expected quotes after retry, got %d", len(flow.Quotes()))
	}
}

func TestAdvanceFromCartReviewWithAddressQuotesFirst(t *testing.T) {
	failing := true
	estimator := &stubEstimator{quote: func(context.Context, ShippingQuoteRequest) ([]ShippingQuote, error) {
		if failing {
			return nil, ErrShippingUnavailable
		}
		return standardQuotes(), nil
	}}
	flow := newTestFlow(t, CheckoutFlowDeps{Shipping: estimator})
	ctx := context.Background()

	if err := flow.Initialize(ctx, CartSnapshot{Items: []CartItem{{ProductID: "prod-mug", Quantity: 1, UnitPrice: 18}}}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	// Address chosen while still on cart review; no quote request yet.
	if err := flow.SelectShippingAddress(ctx, shippingAddressFixture()); err != nil {
		t.Fatalf("select address: %v", err)
	}

	if err := flow.Advance(ctx); !errors.Is(err, ErrShippingUnavailable) {
		t.Fatalf("expected quote failure on advance, got %v", err)
	}
	if flow.Step() != domain.StepCartReview {
		t.Fatalf("failed quote must keep cart review, got %v", flow.Step())
	}

	failing = false
	if err := flow.Advance(ctx); err != nil {
		t.Fatalf("advance retry: %v", err)
	}
	if flow.Step() != domain.StepShipping {
		t.Fatalf("expected shipping step, got %v", flow.Step())
	}
	if len(flow.Quotes()) != 2 {
		t.Fatalf("expected quotes ready on arrival, got %d", len(flow.Quotes()))
	}
}

func TestQuoteTimeoutTranslated(t *testing.T) {
	estimator := &stubEstimator{quote: func(ctx context.Context, _ ShippingQuoteRequest) ([]ShippingQuote, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	flow := newTestFlow(t, CheckoutFlowDeps{Shipping: estimator, QuoteTimeout: 10 * time.Millisecond})
	ctx := context.Background()

	if err := flow.Initialize(ctx, CartSnapshot{Items: []CartItem{{ProductID: "prod-mug", Quantity: 1, UnitPrice: 18}}}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := flow.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := flow.SelectShippingAddress(ctx, shippingAddressFixture()); !errors.Is(err, ErrQuoteTimeout) {
		t.Fatalf("expected ErrQuoteTimeout, got %v", err)
	}
}

func TestRetreatBoundaries(t *testing.T) {
	flow := newTestFlow(t, CheckoutFlowDeps{})
	driveToPayment(t, flow)
	ctx := context.Background()

	if err := flow.Retreat(ctx); err != nil {
		t.Fatalf("retreat from payment: %v", err)
	}
	if flow.Step() != domain.StepShipping {
		t.Fatalf("expected shipping step, got %v", flow.Step())
	}
	if flow.Draft().PaymentMethod == nil {
		t.Fatalf("retreat must not clear folded draft data")
	}

	if err := flow.Retreat(ctx); err != nil {
		t.Fatalf("retreat to cart review: %v", err)
	}
	if err := flow.Retreat(ctx); err != nil {
		t.Fatalf("retreat at cart review must be a no-op: %v", err)
	}
	if flow.Step() != domain.StepCartReview {
		t.Fatalf("expected cart review step, got %v", flow.Step())
	}
}

func TestRetreatAfterCommitRejected(t *testing.T) {
	flow := newTestFlow(t, CheckoutFlowDeps{})
	driveToPayment(t, flow)

	if _, err := flow.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := flow.Retreat(context.Background()); !errors.Is(err, ErrFlowCompleted) {
		t.Fatalf("expected ErrFlowCompleted, got %v", err)
	}
	if err := flow.Advance(context.Background()); !errors.Is(err, ErrFlowCompleted) {
		t.Fatalf("expected ErrFlowCompleted on advance, got %v", err)
	}
}

func TestSelectShippingOptionUnknown(t *testing.T) {
	flow := newTestFlow(t, CheckoutFlowDeps{})
	ctx := context.Background()

	if err := flow.Initialize(ctx, CartSnapshot{Items: []CartItem{{ProductID: "prod-mug", Quantity: 1, UnitPrice: 18}}}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := flow.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := flow.SelectShippingAddress(ctx, shippingAddressFixture()); err != nil {
		t.Fatalf("select address: %v", err)
	}

	if err := flow.SelectShippingOption(ctx, "drone_drop"); !errors.Is(err, ErrUnknownShippingOption) {
		t.Fatalf("expected ErrUnknownShippingOption, got %v", err)
	}
}

func TestSelectPaymentMethodValidation(t *testing.T) {
	flow := newTestFlow(t, CheckoutFlowDeps{})
	ctx := context.Background()
	if err := flow.Initialize(ctx, CartSnapshot{Items: []CartItem{{ProductID: "prod-mug", Quantity: 1, UnitPrice: 18}}}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	err := flow.SelectPaymentMethod(ctx, PaymentMethod{Kind: "barter", Token: "tok"})
	if !errors.Is(err, ErrUnsupportedPaymentMethod) {
		t.Fatalf("expected ErrUnsupportedPaymentMethod for unknown kind, got %v", err)
	}
	err = flow.SelectPaymentMethod(ctx, PaymentMethod{Kind: domain.PaymentMethodCard})
	if !errors.Is(err, ErrUnsupportedPaymentMethod) {
		t.Fatalf("expected ErrUnsupportedPaymentMethod for missing token, got %v", err)
	}
}

func TestAddressChangeInvalidatesSelection(t *testing.T) {
	flow := newTestFlow(t, CheckoutFlowDeps{})
	ctx := context.Background()

	if err := flow.Initialize(ctx, CartSnapshot{Items: []CartItem{{ProductID: "prod-mug", Quantity: 1, UnitPrice: 18}}}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := flow.Advance(ctx); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := flow.SelectShippingAddress(ctx, shippingAddressFixture()); err != nil {
		t.Fatalf("select address: %v", err)
	}
	if err := flow.SelectShippingOption(ctx, "express"); err != nil {
		t.Fatalf("select option: %v", err)
	}
	if !domain.MoneyEquals(flow.Draft().Shipping, 9.99) {
		t.Fatalf("expected express cost folded into totals, got %.4f", flow.Draft().Shipping)
	}

	other := shippingAddressFixture()
	other.City = "Portland"
	other.Region = "OR"
	other.PostalCode = "97201"
	if err := flow.SelectShippingAddress(ctx, other); err != nil {
		t.Fatalf("select new address: %v", err)
	}

	// Selection survives only if the fresh quotes still carry the option.
	draft := flow.Draft()
	if draft.SelectedQuote == nil || draft.SelectedQuote.Option.ID != "express" {
		t.Fatalf("expected re-bound express selection, got %+v", draft.SelectedQuote)
	}
}

func TestRecomputeTotalsIsIdempotent(t *testing.T) {
	flow := newTestFlow(t, CheckoutFlowDeps{})
	driveToPayment(t, flow)

	before := flow.Draft()
	flow.RecomputeTotals()
	flow.RecomputeTotals()
	after := flow.Draft()

	if !domain.MoneyEquals(before.Total, after.Total) || !domain.MoneyEquals(before.Tax, after.Tax) {
		t.Fatalf("recompute must be idempotent: before %+v after %+v", before, after)
	}
	if !domain.MoneyEquals(after.Total, after.Subtotal+after.Tax+after.Shipping) {
		t.Fatalf("totals invariant violated: %+v", after)
	}
}

type stubMethodVerifier struct {
	lookup func(ctx context.Context, token string) (payments.PaymentMethodDetails, error)
}

func (s *stubMethodVerifier) Lookup(ctx context.Context, token string) (payments.PaymentMethodDetails, error) {
	if s.lookup == nil {
		return payments.PaymentMethodDetails{}, errors.New("unexpected Lookup call")
	}
	return s.lookup(ctx, token)
}

func TestSelectPaymentMethodVerifiesCardTokens(t *testing.T) {
	verifier := &stubMethodVerifier{
		lookup: func(_ context.Context, token string) (payments.PaymentMethodDetails, error) {
			if token != "pm_visa" {
				t.Fatalf("unexpected token %q", token)
			}
			return payments.PaymentMethodDetails{Token: token, Brand: "visa", Last4: "4242"}, nil
		},
	}
	flow := newTestFlow(t, CheckoutFlowDeps{Verifier: verifier})
	ctx := context.Background()
	if err := flow.Initialize(ctx, CartSnapshot{Items: []CartItem{{ProductID: "prod-mug", Quantity: 1, UnitPrice: 18}}}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if err := flow.SelectPaymentMethod(ctx, PaymentMethod{ID: "pm-1", Kind: domain.PaymentMethodCard, Token: "pm_visa"}); err != nil {
		t.Fatalf("select payment method: %v", err)
	}

	method := flow.Draft().PaymentMethod
	if method == nil {
		t.Fatalf("expected payment method on draft")
	}
	if method.DisplayName != "visa 4242" {
		t.Fatalf("expected verifier-derived display name, got %q", method.DisplayName)
	}

	// Wallet methods skip processor verification.
	if err := flow.SelectPaymentMethod(ctx, PaymentMethod{ID: "pm-2", Kind: domain.PaymentMethodWallet, Token: "wallet-tok"}); err != nil {
		t.Fatalf("select wallet method: %v", err)
	}
}

func TestSelectPaymentMethodVerifierFailure(t *testing.T) {
	verifier := &stubMethodVerifier{
		lookup: func(context.Context, string) (payments.PaymentMethodDetails, error) {
			return payments.PaymentMethodDetails{}, payments.ErrNetwork
		},
	}
	flow := newTestFlow(t, CheckoutFlowDeps{Verifier: verifier})
	ctx := context.Background()
	if err := flow.Initialize(ctx, CartSnapshot{Items: []CartItem{{ProductID: "prod-mug", Quantity: 1, UnitPrice: 18}}}); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	err := flow.SelectPaymentMethod(ctx, PaymentMethod{ID: "pm-1", Kind: domain.PaymentMethodCard, Token: "pm_bad"})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if flow.Draft().PaymentMethod != nil {
		t.Fatalf("failed verification must not attach the method")
	}
}
