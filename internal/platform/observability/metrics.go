package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CheckoutMetrics bundles the counters emitted by the checkout surface.
// A nil receiver disables every method, so wiring stays optional.
type CheckoutMetrics struct {
	sessionsStarted metric.Int64Counter
	quotesGenerated metric.Int64Counter
	ordersCommitted metric.Int64Counter
	paymentFailures metric.Int64Counter
}

// NewCheckoutMetrics registers the checkout counters on the global meter provider.
func NewCheckoutMetrics() (*CheckoutMetrics, error) {
	meter := otel.Meter("github.com/oakline-commerce/checkout-api/internal/platform/observability")

	sessionsStarted, err := meter.Int64Counter("checkout.sessions.started",
		metric.WithDescription("Checkout sessions opened"))
	if err != nil {
		return nil, fmt.Errorf("observability: sessions counter: %w", err)
	}
	quotesGenerated, err := meter.Int64Counter("checkout.quotes.generated",
		metric.WithDescription("Shipping quote sets produced"))
	if err != nil {
		return nil, fmt.Errorf("observability: quotes counter: %w", err)
	}
	ordersCommitted, err := meter.Int64Counter("checkout.orders.committed",
		metric.WithDescription("Orders committed successfully"))
	if err != nil {
		return nil, fmt.Errorf("observability: orders counter: %w", err)
	}
	paymentFailures, err := meter.Int64Counter("checkout.payments.failed",
		metric.WithDescription("Payment authorizations rejected or errored"))
	if err != nil {
		return nil, fmt.Errorf("observability: payment failures counter: %w", err)
	}

	return &CheckoutMetrics{
		sessionsStarted: sessionsStarted,
		quotesGenerated: quotesGenerated,
		ordersCommitted: ordersCommitted,
		paymentFailures: paymentFailures,
	}, nil
}

// SessionStarted records a newly opened checkout session.
func (m *CheckoutMetrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsStarted.Add(ctx, 1)
}

// QuotesGenerated records one produced quote set of the given size.
func (m *CheckoutMetrics) QuotesGenerated(ctx context.Context, count int) {
	if m == nil {
		return
	}
	m.quotesGenerated.Add(ctx, 1, metric.WithAttributes(attribute.Int("quote.count", count)))
}

// OrderCommitted records a successful commit for the given provider.
func (m *CheckoutMetrics) OrderCommitted(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.ordersCommitted.Add(ctx, 1, metric.WithAttributes(attribute.String("payment.provider", provider)))
}

// PaymentFailed records a rejected or errored authorization.
func (m *CheckoutMetrics) PaymentFailed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.paymentFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("failure.kind", kind)))
}
