package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrShippingInvalidInput signals bad request data such as missing items or negative quantities.
	ErrShippingInvalidInput = errors.New("shipping quote: invalid input")
	// ErrOversizedItem is returned when any item exceeds the carrier dimension thresholds.
	ErrOversizedItem = errors.New("shipping quote: item exceeds maximum dimensions")
	// ErrUnsupportedDestination is returned for regions no carrier in the catalog serves.
	ErrUnsupportedDestination = errors.New("shipping quote: destination not supported")
	// ErrHazardousItem is returned when the cart contains a restricted-category item.
	ErrHazardousItem = errors.New("shipping quote: cart contains restricted items")
	// ErrShippingUnavailable wraps transient estimator failures; callers may retry.
	ErrShippingUnavailable = errors.New("shipping quote: service unavailable")
)

// CartTooHeavyError reports a cart over the carrier weight ceiling.
type CartTooHeavyError struct {
	Weight float64
	Limit  float64
}

func (e *CartTooHeavyError) Error() string {
	return fmt.Sprintf("shipping quote: cart weight %.2f lb exceeds %.0f lb limit", e.Weight, e.Limit)
}

// Carrier constraints and rule thresholds. Dimensions are inches, weights pounds.
const (
	maxCartWeightLbs    = 70.0
	maxItemHeightIn     = 36.0
	maxItemWidthIn      = 24.0
	maxItemDepthIn      = 24.0
	bulkyDimensionIn    = 20.0
	heavyCartWeightLbs  = 5.0
	heavySurcharge      = 5.99
	freeShippingMinimum = 100.0
	insuranceMinimum    = 500.0
	overnightWarnWeight = 10.0
	sameDayRegion       = "NY"
)

// optionTemplates is the fixed carrier catalog. Quotes copy from it so a
// request can never mutate shared state.
var optionTemplates = []ShippingOption{
	{ID: "standard", Name: "Standard Shipping", Cost: 0, TransitDays: 7, Available: true, TrackingIncluded: true},
	{ID: "express", Name: "Express Shipping", Cost: 9.99, TransitDays: 3, Available: true, TrackingIncluded: true},
	{ID: "overnight", Name: "Overnight Shipping", Cost: 24.99, TransitDays: 1, Available: true, TrackingIncluded: true, InsuranceIncluded: true},
	{ID: "two_day", Name: "Two-Day Shipping", Cost: 14.99, TransitDays: 2, Available: true, TrackingIncluded: true},
	{ID: "same_day", Name: "Same-Day Delivery", Cost: 34.99, TransitDays: 0, Available: false, TrackingIncluded: true, InsuranceIncluded: true},
}

// disallowedRegions lists destinations no catalog carrier delivers to:
// military mail codes and minor outlying territories.
var disallowedRegions = map[string]struct{}{
	"AA": {}, "AE": {}, "AP": {},
	"AS": {}, "FM": {}, "GU": {}, "MH": {}, "MP": {}, "PW": {}, "VI": {},
}

// remoteRegionMultipliers scales delivery cost for regions outside the
// contiguous carrier network.
var remoteRegionMultipliers = map[string]float64{
	"AK": 1.5,
	"HI": 1.5,
	"PR": 1.5,
}

// remoteZIPPrefixMultipliers is the fallback when the region table misses,
// covering remote pockets inside otherwise standard regions.
var remoteZIPPrefixMultipliers = map[string]float64{
	"995": 1.5,
	"996": 1.5,
	"997": 1.5,
	"998": 1.5,
	"999": 1.5,
	"967": 1.5,
	"968": 1.5,
	"498": 1.2,
	"499": 1.2,
}

// restrictedCategories are product categories carriers refuse.
var restrictedCategories = map[string]struct{}{
	"hazmat":    {},
	"flammable": {},
	"aerosol":   {},
}

// promoDiscounts maps promo codes to the cost fraction they remove.
var promoDiscounts = map[string]float64{
	"SAVE10":   0.10,
	"SAVE25":   0.25,
	"FREESHIP": 1.0,
}

// ShippingQuoteEngine prices shipments against the fixed catalog through a
// deterministic rule pipeline. It holds no per-request state and is safe for
// concurrent use.
type ShippingQuoteEngine struct {
	logger func(context.Context, string, map[string]any)
}

// ShippingQuoteEngineDeps configures the engine.
type ShippingQuoteEngineDeps struct {
	Logger func(context.Context, string, map[string]any)
}

// NewShippingQuoteEngine constructs a ShippingQuoteEngine.
func NewShippingQuoteEngine(deps ShippingQuoteEngineDeps) (*ShippingQuoteEngine, error) {
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &ShippingQuoteEngine{logger: logger}, nil
}

// Quote validates the request and prices every deliverable catalog option.
// Validation failures return zero quotes.
func (e *ShippingQuoteEngine) Quote(ctx context.Context, req ShippingQuoteRequest) ([]ShippingQuote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Items) == 0 {
		return nil, fmt.Errorf("%w: no items to ship", ErrShippingInvalidInput)
	}

	var totalWeight, subtotal float64
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %s quantity must be positive", ErrShippingInvalidInput, item.ProductID)
		}
		if item.UnitPrice < 0 || item.Weight < 0 {
			return nil, fmt.Errorf("%w: item %s has negative price or weight", ErrShippingInvalidInput, item.ProductID)
		}
		totalWeight += item.Weight * float64(item.Quantity)
		subtotal += item.UnitPrice * float64(item.Quantity)
	}

	if err := e.validate(ctx, req, totalWeight); err != nil {
		return nil, err
	}

	region := normalizedRegion(req.Destination)
	multiplier := remoteMultiplier(req.Destination)
	bulky := anyDimensionOver(req.Items, bulkyDimensionIn)

	quotes := make([]ShippingQuote, 0, len(optionTemplates))
	for _, template := range optionTemplates {
		option := template
		cost := option.Cost
		reason := ""
		var warnings []string

		if totalWeight > heavyCartWeightLbs && option.Cost == 0 {
			cost += heavySurcharge
			reason = "Heavy cart surcharge"
		}
		if subtotal > freeShippingMinimum && option.ID == "standard" {
			cost = 0
			reason = "Free shipping on orders over $100"
		}
		if region == sameDayRegion && option.ID == "same_day" {
			option.Available = true
		}
		if multiplier > 1 && cost > 0 {
			cost *= multiplier
			reason = "Remote area delivery"
		}
		if bulky && option.ID == "express" {
			option.Available = false
			warnings = append(warnings, "Bulky item: express delivery unavailable")
		}
		if option.ID == "overnight" && totalWeight > overnightWarnWeight {
			warnings = append(warnings, "Overnight delivery may be delayed for heavy shipments")
		}
		if subtotal > insuranceMinimum {
			option.InsuranceIncluded = true
		}

		quotes = append(quotes, ShippingQuote{
			Option:           option,
			OriginalCost:     template.Cost,
			AdjustedCost:     cost,
			AdjustmentReason: reason,
			Warnings:         warnings,
		})
	}

	available := quotes[:0]
	for _, quote := range quotes {
		if quote.Option.Available {
			available = append(available, quote)
		}
	}
	quotes = available

	if fraction, ok := promoDiscounts[strings.ToUpper(strings.TrimSpace(req.PromoCode))]; ok {
		for idx := range quotes {
			discounted := quotes[idx].AdjustedCost * (1 - fraction)
			if discounted < 0 {
				discounted = 0
			}
			quotes[idx].AdjustedCost = discounted
		}
	}

	sort.SliceStable(quotes, func(i, j int) bool {
		return quotes[i].AdjustedCost < quotes[j].AdjustedCost
	})

	e.logger(ctx, "shipping.quotes_generated", map[string]any{
		"destinationRegion": region,
		"totalWeight":       totalWeight,
		"subtotal":          subtotal,
		"quoteCount":        len(quotes),
	})

	return quotes, nil
}

func (e *ShippingQuoteEngine) validate(ctx context.Context, req ShippingQuoteRequest, totalWeight float64) error {
	if totalWeight > maxCartWeightLbs {
		e.logger(ctx, "shipping.validation_failed", map[string]any{"rule": "weight", "totalWeight": totalWeight})
		return &CartTooHeavyError{Weight: totalWeight, Limit: maxCartWeightLbs}
	}
	for _, item := range req.Items {
		dims := item.Dimensions
		if dims.Height > maxItemHeightIn || dims.Width > maxItemWidthIn || dims.Depth > maxItemDepthIn {
			e.logger(ctx, "shipping.validation_failed", map[string]any{"rule": "oversize", "productId": item.ProductID})
			return fmt.Errorf("%w: product %s", ErrOversizedItem, item.ProductID)
		}
	}
	if _, blocked := disallowedRegions[normalizedRegion(req.Destination)]; blocked {
		e.logger(ctx, "shipping.validation_failed", map[string]any{"rule": "destination", "region": normalizedRegion(req.Destination)})
		return ErrUnsupportedDestination
	}
	for _, item := range req.Items {
		if _, restricted := restrictedCategories[strings.ToLower(strings.TrimSpace(item.Category))]; restricted {
			e.logger(ctx, "shipping.validation_failed", map[string]any{"rule": "hazardous", "productId": item.ProductID})
			return fmt.Errorf("%w: product %s", ErrHazardousItem, item.ProductID)
		}
	}
	return nil
}

// RecommendShippingQuote picks the cheapest quote delivering within five
// days, falling back to the overall cheapest.
func RecommendShippingQuote(quotes []ShippingQuote) (ShippingQuote, bool) {
	if len(quotes) == 0 {
		return ShippingQuote{}, false
	}

	const maxTransitDays = 5
	best := -1
	for idx, quote := range quotes {
		if quote.Option.TransitDays > maxTransitDays {
			continue
		}
		if best == -1 || quote.AdjustedCost < quotes[best].AdjustedCost {
			best = idx
		}
	}
	if best >= 0 {
		return quotes[best], true
	}

	best = 0
	for idx, quote := range quotes {
		if quote.AdjustedCost < quotes[best].AdjustedCost {
			best = idx
		}
	}
	return quotes[best], true
}

func normalizedRegion(addr Address) string {
	return strings.ToUpper(strings.TrimSpace(addr.Region))
}

func remoteMultiplier(addr Address) float64 {
	if !addr.IsUS() {
		return 1.0
	}
	if multiplier, ok := remoteRegionMultipliers[normalizedRegion(addr)]; ok {
		return multiplier
	}
	zip := strings.TrimSpace(addr.PostalCode)
	if len(zip) >= 3 {
		if multiplier, ok := remoteZIPPrefixMultipliers[zip[:3]]; ok {
			return multiplier
		}
	}
	return 1.0
}

func anyDimensionOver(items []ShippingItem, threshold float64) bool {
	for _, item := range items {
		dims := item.Dimensions
		if dims.Height > threshold || dims.Width > threshold || dims.Depth > threshold {
			return true
		}
	}
	return false
}

// shippingItemsFromDraft projects draft lines into the engine request shape.
func shippingItemsFromDraft(items []DraftItem) []ShippingItem {
	out := make([]ShippingItem, 0, len(items))
	for _, item := range items {
		out = append(out, ShippingItem{
			ProductID:  item.ProductID,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Weight:     item.Weight,
			Dimensions: item.Dimensions,
			Category:   item.Category,
		})
	}
	return out
}

var _ ShippingEstimator = (*ShippingQuoteEngine)(nil)
