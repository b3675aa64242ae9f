package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Simulated method token prefixes recognised by the provider. The demo
// storefront encodes the desired outcome in the token so flows can be
// exercised without a real processor.
const (
	simulatedTokenDecline = "sim_decline"
	simulatedTokenCancel  = "sim_cancel"
	simulatedTokenTimeout = "sim_timeout"
)

// simulatedMinimumCharge mirrors the processor minimum enforced by Stripe.
const simulatedMinimumCharge = 0.50

// SimulatedProviderConfig configures the SimulatedProvider.
type SimulatedProviderConfig struct {
	Clock  func() time.Time
	Logger StripeLogger
}

// SimulatedProvider settles wallet and store-credit payments locally. The
// outcome is deterministic per method token, which keeps checkout flows
// reproducible in demos and tests.
type SimulatedProvider struct {
	clock  func() time.Time
	logger StripeLogger
}

// NewSimulatedProvider constructs a SimulatedProvider.
func NewSimulatedProvider(cfg SimulatedProviderConfig) *SimulatedProvider {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &SimulatedProvider{
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}
}

// Authorize settles the payment according to the token-encoded outcome.
func (p *SimulatedProvider) Authorize(ctx context.Context, req AuthorizeRequest) (Receipt, error) {
	if p == nil {
		return Receipt{}, errors.New("simulated: provider is nil")
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	token := strings.ToLower(strings.TrimSpace(req.MethodToken))
	if token == "" {
		return Receipt{}, ErrDeclined
	}
	if req.Amount < simulatedMinimumCharge {
		return Receipt{}, ErrAmountTooSmall
	}

	switch {
	case strings.HasPrefix(token, simulatedTokenDecline):
		p.logger(ctx, "payments.simulated.declined", map[string]any{"amount": req.Amount})
		return Receipt{}, ErrDeclined
	case strings.HasPrefix(token, simulatedTokenCancel):
		p.logger(ctx, "payments.simulated.cancelled", map[string]any{"amount": req.Amount})
		return Receipt{}, ErrCancelled
	case strings.HasPrefix(token, simulatedTokenTimeout):
		// Behave like a hung processor call: block until the caller gives up.
		<-ctx.Done()
		return Receipt{}, ctx.Err()
	}

	ref := "sim_" + uuid.NewString()
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}

	p.logger(ctx, "payments.simulated.settled", map[string]any{
		"transactionRef": ref,
		"amount":         req.Amount,
		"currency":       currency,
	})

	return Receipt{
		Provider:       "simulated",
		TransactionRef: ref,
		Status:         StatusSucceeded,
		Amount:         req.Amount,
		Currency:       currency,
		ProcessedAt:    p.clock(),
	}, nil
}

var _ Provider = (*SimulatedProvider)(nil)
