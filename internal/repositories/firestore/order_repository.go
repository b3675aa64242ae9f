package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/oakline-commerce/checkout-api/internal/domain"
	pfirestore "github.com/oakline-commerce/checkout-api/internal/platform/firestore"
	"github.com/oakline-commerce/checkout-api/internal/repositories"
)

const orderCollection = "orders"

// OrderRepository archives committed orders in Firestore.
type OrderRepository struct {
	base     *pfirestore.BaseRepository[orderDocument]
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order archive.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil)
	return &OrderRepository{
		base:     base,
		provider: provider,
	}, nil
}

// SaveOrder persists the committed order keyed by order ID. The write uses a
// create precondition so replays surface as conflicts rather than overwrites.
func (r *OrderRepository) SaveOrder(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}

	doc, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return err
	}
	if _, err := doc.Create(ctx, encodeOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.save", err)
	}
	return nil
}

// GetOrder loads a committed order by ID.
func (r *OrderRepository) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrderDocument(doc.ID, doc.Data), nil
}

// ListOrders returns committed orders matching the filter, newest first.
func (r *OrderRepository) ListOrders(ctx context.Context, filter repositories.OrderFilter) ([]domain.Order, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("order repository not initialised")
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		query = query.OrderBy("placedAt", firestore.Desc)
		if filter.PlacedAfter != nil {
			query = query.Where("placedAt", ">", filter.PlacedAfter.UTC())
		}
		if filter.PlacedBefore != nil {
			query = query.Where("placedAt", "<", filter.PlacedBefore.UTC())
		}
		if filter.Limit > 0 {
			query = query.Limit(filter.Limit)
		}
		return query
	})
	if err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, decodeOrderDocument(doc.ID, doc.Data))
	}
	return orders, nil
}

func encodeOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		Number:          strings.TrimSpace(order.Number),
		PaymentRef:      strings.TrimSpace(order.PaymentRef),
		PaymentProvider: strings.TrimSpace(order.PaymentProvider),
		Subtotal:        order.Subtotal,
		Tax:             order.Tax,
		Shipping:        order.Shipping,
		Total:           order.Total,
		Currency:        strings.ToUpper(strings.TrimSpace(order.Currency)),
		Status:          string(order.Status),
		PlacedAt:        order.PlacedAt.UTC(),
		ShippingAddress: encodeAddressDocument(order.ShippingAddress),
		BillingAddress:  encodeAddressDocument(order.BillingAddress),
		ShippingOption: orderShippingOptionDocument{
			ID:                order.ShippingOption.ID,
			Name:              order.ShippingOption.Name,
			Cost:              order.ShippingOption.Cost,
			TransitDays:       order.ShippingOption.TransitDays,
			TrackingIncluded:  order.ShippingOption.TrackingIncluded,
			InsuranceIncluded: order.ShippingOption.InsuranceIncluded,
		},
	}
	doc.Items = make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument{
			ProductID: item.ProductID,
			Name:      item.Name,
			ImageURL:  item.ImageURL,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Options:   encodeOptionDocuments(item.Options),
		})
	}
	return doc
}

func decodeOrderDocument(id string, doc orderDocument) domain.Order {
	order := domain.Order{
		ID:              id,
		Number:          doc.Number,
		PaymentRef:      doc.PaymentRef,
		PaymentProvider: doc.PaymentProvider,
		Subtotal:        doc.Subtotal,
		Tax:             doc.Tax,
		Shipping:        doc.Shipping,
		Total:           doc.Total,
		Currency:        doc.Currency,
		Status:          domain.OrderStatus(doc.Status),
		PlacedAt:        doc.PlacedAt,
		ShippingAddress: decodeAddressDocument(doc.ShippingAddress, domain.AddressRoleShipping),
		BillingAddress:  decodeAddressDocument(doc.BillingAddress, domain.AddressRoleBilling),
		ShippingOption: domain.ShippingOption{
			ID:                doc.ShippingOption.ID,
			Name:              doc.ShippingOption.Name,
			Cost:              doc.ShippingOption.Cost,
			TransitDays:       doc.ShippingOption.TransitDays,
			Available:         true,
			TrackingIncluded:  doc.ShippingOption.TrackingIncluded,
			InsuranceIncluded: doc.ShippingOption.InsuranceIncluded,
		},
	}
	order.Items = make([]domain.DraftItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		order.Items = append(order.Items, domain.DraftItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			ImageURL:  item.ImageURL,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Options:   decodeOptionDocuments(item.Options),
		})
	}
	return order
}

func encodeAddressDocument(addr domain.Address) orderAddressDocument {
	return orderAddressDocument{
		Recipient:  strings.TrimSpace(addr.Recipient),
		Line1:      strings.TrimSpace(addr.Line1),
		Line2:      strings.TrimSpace(addr.Line2),
		City:       strings.TrimSpace(addr.City),
		Region:     strings.ToUpper(strings.TrimSpace(addr.Region)),
		PostalCode: strings.TrimSpace(addr.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(addr.Country)),
	}
}

func decodeAddressDocument(doc orderAddressDocument, role domain.AddressRole) domain.Address {
	return domain.Address{
		Recipient:  doc.Recipient,
		Line1:      doc.Line1,
		Line2:      doc.Line2,
		City:       doc.City,
		Region:     doc.Region,
		PostalCode: doc.PostalCode,
		Country:    doc.Country,
		Role:       role,
	}
}

func encodeOptionDocuments(options []domain.OptionSelection) []orderOptionDocument {
	if len(options) == 0 {
		return nil
	}
	out := make([]orderOptionDocument, 0, len(options))
	for _, opt := range options {
		out = append(out, orderOptionDocument{Name: opt.Name, Value: opt.Value})
	}
	return out
}

func decodeOptionDocuments(options []orderOptionDocument) []domain.OptionSelection {
	if len(options) == 0 {
		return nil
	}
	out := make([]domain.OptionSelection, 0, len(options))
	for _, opt := range options {
		out = append(out, domain.OptionSelection{Name: opt.Name, Value: opt.Value})
	}
	return out
}

type orderDocument struct {
	Number          string                      `firestore:"number"`
	Items           []orderItemDocument         `firestore:"items"`
	ShippingAddress orderAddressDocument        `firestore:"shippingAddress"`
	BillingAddress  orderAddressDocument        `firestore:"billingAddress"`
	ShippingOption  orderShippingOptionDocument `firestore:"shippingOption"`
	PaymentRef      string                      `firestore:"paymentRef"`
	PaymentProvider string                      `firestore:"paymentProvider"`
	Subtotal        float64                     `firestore:"subtotal"`
	Tax             float64                     `firestore:"tax"`
	Shipping        float64                     `firestore:"shipping"`
	Total           float64                     `firestore:"total"`
	Currency        string                      `firestore:"currency"`
	Status          string                      `firestore:"status"`
	PlacedAt        time.Time                   `firestore:"placedAt"`
}

type orderItemDocument struct {
	ProductID string                `firestore:"productId"`
	Name      string                `firestore:"name"`
	ImageURL  string                `firestore:"imageUrl,omitempty"`
	Quantity  int                   `firestore:"quantity"`
	UnitPrice float64               `firestore:"unitPrice"`
	Options   []orderOptionDocument `firestore:"options,omitempty"`
}

type orderOptionDocument struct {
	Name  string `firestore:"name"`
	Value string `firestore:"value"`
}

type orderAddressDocument struct {
	Recipient  string `firestore:"recipient"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	Region     string `firestore:"region"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
}

type orderShippingOptionDocument struct {
	ID                string  `firestore:"id"`
	Name              string  `firestore:"name"`
	Cost              float64 `firestore:"cost"`
	TransitDays       int     `firestore:"transitDays"`
	TrackingIncluded  bool    `firestore:"trackingIncluded"`
	InsuranceIncluded bool    `firestore:"insuranceIncluded"`
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
