package services

import (
	"context"
	"time"

	domain "github.com/oakline-commerce/checkout-api/internal/domain"
	"github.com/oakline-commerce/checkout-api/internal/payments"
	"github.com/oakline-commerce/checkout-api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	CheckoutStep      = domain.CheckoutStep
	CartItem          = domain.CartItem
	CartSnapshot      = domain.CartSnapshot
	Address           = domain.Address
	Dimensions        = domain.Dimensions
	Product           = domain.Product
	ShippingOption    = domain.ShippingOption
	ShippingQuote     = domain.ShippingQuote
	PaymentMethod     = domain.PaymentMethod
	PaymentMethodKind = domain.PaymentMethodKind
	OrderDraft        = domain.OrderDraft
	DraftItem         = domain.DraftItem
	Order             = domain.Order
	OrderStatus       = domain.OrderStatus
	SystemHealthCheck = domain.SystemHealthCheck
)

// ShippingEstimator produces shipping quotes for a destination and cart contents.
type ShippingEstimator interface {
	Quote(ctx context.Context, req ShippingQuoteRequest) ([]ShippingQuote, error)
}

// ShippingQuoteRequest carries everything the rule engine needs to price a shipment.
type ShippingQuoteRequest struct {
	Items       []ShippingItem
	Destination Address
	PromoCode   string
}

// ShippingItem is a cart line enriched with the physical attributes quoting depends on.
type ShippingItem struct {
	ProductID  string
	Quantity   int
	UnitPrice  float64
	Weight     float64
	Dimensions Dimensions
	Category   string
}

// PaymentAuthorizer charges a payment method through whichever provider the
// routing context selects.
type PaymentAuthorizer interface {
	Authorize(ctx context.Context, pctx payments.PaymentContext, req payments.AuthorizeRequest) (payments.Receipt, error)
}

// OrderSubmitter hands a confirmed order to downstream fulfillment and returns
// a submission reference.
type OrderSubmitter interface {
	Submit(ctx context.Context, order Order) (string, error)
}

// PaymentMethodVerifier looks up processor-side metadata for a tokenised card
// before it is attached to the draft.
type PaymentMethodVerifier interface {
	Lookup(ctx context.Context, token string) (payments.PaymentMethodDetails, error)
}

// CheckoutService exposes checkout flows keyed by session so transport layers
// never hold flow state themselves.
type CheckoutService interface {
	StartSession(ctx context.Context, cmd StartSessionCommand) (CheckoutSessionView, error)
	GetSession(ctx context.Context, sessionID string) (CheckoutSessionView, error)
	Advance(ctx context.Context, sessionID string) (CheckoutSessionView, error)
	Retreat(ctx context.Context, sessionID string) (CheckoutSessionView, error)
	SelectShippingAddress(ctx context.Context, cmd SelectAddressCommand) (CheckoutSessionView, error)
	SelectBillingAddress(ctx context.Context, cmd SelectAddressCommand) (CheckoutSessionView, error)
	SelectShippingOption(ctx context.Context, cmd SelectShippingOptionCommand) (CheckoutSessionView, error)
	SelectPaymentMethod(ctx context.Context, cmd SelectPaymentMethodCommand) (CheckoutSessionView, error)
	ApplyPromoCode(ctx context.Context, cmd ApplyPromoCommand) (CheckoutSessionView, error)
	RefreshQuotes(ctx context.Context, sessionID string) (CheckoutSessionView, error)
	Commit(ctx context.Context, sessionID string) (Order, error)
}

// SystemService aggregates readiness checks for the health endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// SystemHealthReport summarizes dependency health for readiness probes.
type SystemHealthReport struct {
	Status    string
	Checks    []SystemHealthCheck
	CheckedAt time.Time
}

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// Command and DTO definitions ------------------------------------------------

type StartSessionCommand struct {
	Items     []CartItem
	PromoCode string
}

type SelectAddressCommand struct {
	SessionID string
	Address   Address
}

type SelectShippingOptionCommand struct {
	SessionID string
	OptionID  string
}

type SelectPaymentMethodCommand struct {
	SessionID string
	Method    PaymentMethod
}

type ApplyPromoCommand struct {
	SessionID string
	Code      string
}

// CheckoutSessionView is the read model handed to transports after every
// mutation. It carries the full flow state so clients never need follow-up reads.
type CheckoutSessionView struct {
	SessionID string
	Step      CheckoutStep
	Draft     OrderDraft
	Quotes    []ShippingQuote
	Order     *Order
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// OrderFilter mirrors the repository filter for transport use.
type OrderFilter = repositories.OrderFilter
