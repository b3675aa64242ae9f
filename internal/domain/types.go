package domain

import (
	"math"
	"strings"
	"time"
)

// moneyEpsilon bounds the rounding drift tolerated when comparing monetary
// amounts. Quote adjustments compound fractional multipliers, so amounts are
// carried as float64 dollars rather than integer minor units.
const moneyEpsilon = 1e-6

// MoneyEquals reports whether two monetary amounts are equal within tolerance.
func MoneyEquals(a, b float64) bool {
	return math.Abs(a-b) < moneyEpsilon
}

// CheckoutStep identifies a stage in the linear checkout progression.
type CheckoutStep int

const (
	// StepCartReview is the initial step where the captured cart is reviewed.
	StepCartReview CheckoutStep = iota
	// StepShipping collects the destination address and shipping selection.
	StepShipping
	// StepPayment collects the payment method ahead of order commitment.
	StepPayment
	// StepConfirmation is the terminal step reached once an order exists.
	StepConfirmation
)

// String returns the wire representation of the step.
func (s CheckoutStep) String() string {
	switch s {
	case StepCartReview:
		return "cart_review"
	case StepShipping:
		return "shipping"
	case StepPayment:
		return "payment"
	case StepConfirmation:
		return "confirmation"
	default:
		return "unknown"
	}
}

// Valid reports whether the step is one of the four known stages.
func (s CheckoutStep) Valid() bool {
	return s >= StepCartReview && s <= StepConfirmation
}

// OptionSelection captures a single product option choice (e.g. size or colour).
type OptionSelection struct {
	Name  string
	Value string
}

// CartItem is a single line in the captured cart.
type CartItem struct {
	ProductID string
	Quantity  int
	UnitPrice float64
	Options   []OptionSelection
}

// CartSnapshot is the immutable copy of the cart taken when checkout starts.
// Later cart edits do not affect an in-flight checkout.
type CartSnapshot struct {
	Items   []CartItem
	TakenAt time.Time
}

// Empty reports whether the snapshot carries no purchasable lines.
func (s CartSnapshot) Empty() bool {
	for _, item := range s.Items {
		if item.Quantity > 0 {
			return false
		}
	}
	return true
}

// Subtotal sums unit price times quantity across all lines.
func (s CartSnapshot) Subtotal() float64 {
	var total float64
	for _, item := range s.Items {
		if item.Quantity <= 0 || item.UnitPrice < 0 {
			continue
		}
		total += item.UnitPrice * float64(item.Quantity)
	}
	return total
}

// AddressRole distinguishes how an address is used on the order draft.
type AddressRole string

const (
	// AddressRoleShipping marks the parcel destination.
	AddressRoleShipping AddressRole = "shipping"
	// AddressRoleBilling marks the payment billing address.
	AddressRoleBilling AddressRole = "billing"
	// AddressRoleBoth marks an address used for shipping and billing alike.
	AddressRoleBoth AddressRole = "both"
)

// Address is a postal address attached to a checkout draft or order.
type Address struct {
	Recipient  string
	Line1      string
	Line2      string
	City       string
	Region     string
	PostalCode string
	Country    string
	Role       AddressRole
}

// IsUS reports whether the address targets the United States. An empty
// country defaults to US to match the storefront's single-market catalog.
func (a Address) IsUS() bool {
	country := strings.ToUpper(strings.TrimSpace(a.Country))
	return country == "" || country == "US" || country == "USA" || country == "UNITED STATES"
}

// Dimensions describes a packed item in inches.
type Dimensions struct {
	Height float64
	Width  float64
	Depth  float64
}

// Product is the catalog record resolved for a cart line.
type Product struct {
	ID         string
	Name       string
	ImageURL   string
	UnitPrice  float64
	Weight     float64 // pounds
	Dimensions Dimensions
	Category   string
}

// ShippingOption is one fulfilment method from the carrier catalog.
type ShippingOption struct {
	ID                string
	Name              string
	Cost              float64
	TransitDays       int
	Available         bool
	TrackingIncluded  bool
	InsuranceIncluded bool
}

// ShippingQuote pairs an option with the cost after adjustment rules ran.
// Quotes are immutable once produced; a fresh request yields fresh quotes.
type ShippingQuote struct {
	Option           ShippingOption
	OriginalCost     float64
	AdjustedCost     float64
	AdjustmentReason string
	Warnings         []string
}

// PaymentMethodKind routes a payment method to the provider able to charge it.
type PaymentMethodKind string

const (
	// PaymentMethodCard is a tokenised credit or debit card.
	PaymentMethodCard PaymentMethodKind = "card"
	// PaymentMethodWallet is a device wallet payment (e.g. Apple Pay).
	PaymentMethodWallet PaymentMethodKind = "wallet"
	// PaymentMethodStoreCredit draws down prepaid store balance.
	PaymentMethodStoreCredit PaymentMethodKind = "store_credit"
)

// Known reports whether the kind maps to a registered provider family.
func (k PaymentMethodKind) Known() bool {
	switch k {
	case PaymentMethodCard, PaymentMethodWallet, PaymentMethodStoreCredit:
		return true
	default:
		return false
	}
}

// PaymentMethod references a chargeable instrument selected during checkout.
type PaymentMethod struct {
	ID          string
	Kind        PaymentMethodKind
	DisplayName string
	Token       string
}

// DraftItem is a cart line enriched with resolved catalog data.
type DraftItem struct {
	ProductID  string
	Name       string
	ImageURL   string
	Quantity   int
	UnitPrice  float64
	Weight     float64
	Dimensions Dimensions
	Category   string
	Options    []OptionSelection
}

// OrderDraft accumulates selections while the checkout progresses. The totals
// fields satisfy Total = Subtotal + Tax + Shipping after every recompute.
type OrderDraft struct {
	Items           []DraftItem
	ShippingAddress *Address
	BillingAddress  *Address
	SelectedQuote   *ShippingQuote
	PaymentMethod   *PaymentMethod
	PromoCode       string

	Subtotal float64
	Tax      float64
	Shipping float64
	Total    float64
}

// EffectiveBillingAddress returns the billing address, defaulting to the
// shipping address when no explicit billing address was supplied.
func (d OrderDraft) EffectiveBillingAddress() *Address {
	if d.BillingAddress != nil {
		return d.BillingAddress
	}
	return d.ShippingAddress
}

// OrderStatus is the lifecycle state of a committed order.
type OrderStatus string

const (
	// OrderStatusConfirmed means payment succeeded and the order is final.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusSubmitted means the fulfilment sink acknowledged the order.
	OrderStatusSubmitted OrderStatus = "submitted"
)

// Order is the immutable record produced by a successful commit.
type Order struct {
	ID              string
	Number          string
	Items           []DraftItem
	ShippingAddress Address
	BillingAddress  Address
	ShippingOption  ShippingOption
	PaymentRef      string
	PaymentProvider string
	Subtotal        float64
	Tax             float64
	Shipping        float64
	Total           float64
	Currency        string
	Status          OrderStatus
	PlacedAt        time.Time
}

// HealthStatusOK and friends report component readiness in health payloads.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
)

// SystemHealthCheck records the outcome of probing a single dependency.
type SystemHealthCheck struct {
	Name      string
	Status    string
	Latency   time.Duration
	Error     string
	CheckedAt time.Time
}
