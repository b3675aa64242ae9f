package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// PaymentMethodDetails carries the PSP-sourced card metadata the checkout
// flow folds into a draft's payment method display name.
type PaymentMethodDetails struct {
	Token    string
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
}

// StripePaymentMethodVerifier resolves card tokens against Stripe before the
// flow attaches them to an order draft.
type StripePaymentMethodVerifier struct {
	api     stripePaymentMethodAPI
	account string
}

// NewStripePaymentMethodVerifier constructs a verifier from the same
// configuration used for the Stripe provider.
func NewStripePaymentMethodVerifier(cfg StripeProviderConfig) (*StripePaymentMethodVerifier, error) {
	api := resolvePaymentMethodAPI(cfg)
	if api == nil {
		return nil, errors.New("stripe: api key is required")
	}
	return &StripePaymentMethodVerifier{
		api:     api,
		account: strings.TrimSpace(cfg.AccountID),
	}, nil
}

func resolvePaymentMethodAPI(cfg StripeProviderConfig) stripePaymentMethodAPI {
	if cfg.Clients != nil && cfg.Clients.paymentMethods != nil {
		return cfg.Clients.paymentMethods
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil
	}
	return client.New(apiKey, cfg.Backends).PaymentMethods
}

// Lookup fetches the payment method identified by token. Card brand and last
// four digits are populated only for card-type methods.
func (v *StripePaymentMethodVerifier) Lookup(ctx context.Context, token string) (PaymentMethodDetails, error) {
	if v == nil {
		return PaymentMethodDetails{}, errors.New("stripe: verifier is nil")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return PaymentMethodDetails{}, errors.New("stripe: payment method token is required")
	}

	params := &stripe.PaymentMethodParams{}
	params.Context = ctx
	if v.account != "" {
		params.SetStripeAccount(v.account)
	}

	pm, err := v.api.Get(token, params)
	if err != nil {
		return PaymentMethodDetails{}, translateStripeError(err)
	}
	if pm == nil {
		return PaymentMethodDetails{Token: token}, nil
	}

	details := PaymentMethodDetails{Token: token}
	if id := strings.TrimSpace(pm.ID); id != "" {
		details.Token = id
	}
	if pm.Type == stripe.PaymentMethodTypeCard && pm.Card != nil {
		details.Brand = strings.ToLower(string(pm.Card.Brand))
		details.Last4 = strings.TrimSpace(pm.Card.Last4)
		details.ExpMonth = int(pm.Card.ExpMonth)
		details.ExpYear = int(pm.Card.ExpYear)
	}
	return details, nil
}
