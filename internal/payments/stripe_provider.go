package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripePaymentMethodAPI interface {
	Get(id string, params *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error)
}

type stripeClients struct {
	intents        stripePaymentIntentAPI
	paymentMethods stripePaymentMethodAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Clients   *stripeClients
}

// StripeProvider charges tokenised cards through Stripe Payment Intents.
type StripeProvider struct {
	api     stripeClients
	account string
	clock   func() time.Time
	logger  StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents:        sc.PaymentIntents,
			paymentMethods: sc.PaymentMethods,
		}
	}

	if clients.intents == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Authorize creates and confirms a Payment Intent for the supplied method token.
func (p *StripeProvider) Authorize(ctx context.Context, req AuthorizeRequest) (Receipt, error) {
	if p == nil {
		return Receipt{}, errors.New("stripe: provider is nil")
	}

	token := strings.TrimSpace(req.MethodToken)
	if token == "" {
		return Receipt{}, fmt.Errorf("%w: payment method token is required", ErrDeclined)
	}

	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "usd"
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(minorUnits(req.Amount)),
		Currency:      stripe.String(currency),
		PaymentMethod: stripe.String(token),
		Confirm:       stripe.Bool(true),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if desc := strings.TrimSpace(req.Description); desc != "" {
		params.Description = stripe.String(desc)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		translated := translateStripeError(err)
		p.logger(ctx, "payments.stripe.intent.failed", map[string]any{
			"currency": currency,
			"error":    err.Error(),
		})
		return Receipt{}, translated
	}

	p.logger(ctx, "payments.stripe.intent.confirmed", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
	})

	receipt := stripeReceipt(intent, p.clock())
	switch receipt.Status {
	case StatusSucceeded:
		return receipt, nil
	case StatusCancelled:
		return Receipt{}, ErrCancelled
	case StatusPending:
		if intent.Status == stripe.PaymentIntentStatusRequiresAction ||
			intent.Status == stripe.PaymentIntentStatusRequiresConfirmation {
			return Receipt{}, ErrRequiresAction
		}
		return receipt, nil
	default:
		return Receipt{}, fmt.Errorf("%w: intent status %s", ErrDeclined, intent.Status)
	}
}

func stripeReceipt(intent *stripe.PaymentIntent, processedAt time.Time) Receipt {
	if intent == nil {
		return Receipt{}
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusCancelled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		status = StatusFailed
	case stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresConfirmation,
		stripe.PaymentIntentStatusRequiresCapture:
		status = StatusPending
	}

	currency := strings.ToUpper(string(intent.Currency))

	raw := map[string]any{}
	if data, err := json.Marshal(intent); err == nil {
		_ = json.Unmarshal(data, &raw)
	} else {
		raw["payment_intent"] = intent
	}

	return Receipt{
		Provider:       "stripe",
		TransactionRef: intent.ID,
		Status:         status,
		Amount:         float64(intent.Amount) / 100,
		Currency:       currency,
		ProcessedAt:    processedAt,
		Raw:            raw,
	}
}

func translateStripeError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	switch stripeErr.Code {
	case stripe.ErrorCodeAmountTooSmall:
		return fmt.Errorf("%w: %s", ErrAmountTooSmall, stripeErr.Msg)
	case stripe.ErrorCodeCardDeclined, stripe.ErrorCodeExpiredCard, stripe.ErrorCodeIncorrectCVC:
		return fmt.Errorf("%w: %s", ErrDeclined, stripeErr.Msg)
	case stripe.ErrorCodePaymentIntentAuthenticationFailure:
		return fmt.Errorf("%w: %s", ErrRequiresAction, stripeErr.Msg)
	}

	switch stripeErr.Type {
	case stripe.ErrorTypeCard:
		return fmt.Errorf("%w: %s", ErrDeclined, stripeErr.Msg)
	case stripe.ErrorTypeAPI:
		// Server-side Stripe failures are retriable from the caller's view.
		return fmt.Errorf("%w: %s", ErrNetwork, stripeErr.Msg)
	}
	return fmt.Errorf("%w: %s", ErrDeclined, stripeErr.Msg)
}

// minorUnits converts float64 dollars to the integer cents Stripe expects.
func minorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

var _ Provider = (*StripeProvider)(nil)
