package memory

import (
	"context"
	"strings"
	"sync"

	domain "github.com/oakline-commerce/checkout-api/internal/domain"
	"github.com/oakline-commerce/checkout-api/internal/repositories"
)

// ProductRepository serves catalog records from an in-memory table. It backs
// local development and tests where no external catalog service exists.
type ProductRepository struct {
	mu       sync.RWMutex
	products map[string]domain.Product
}

// NewProductRepository constructs a repository seeded with the provided products.
func NewProductRepository(products []domain.Product) *ProductRepository {
	table := make(map[string]domain.Product, len(products))
	for _, product := range products {
		id := strings.TrimSpace(product.ID)
		if id == "" {
			continue
		}
		table[id] = product
	}
	return &ProductRepository{products: table}
}

// NewDemoProductRepository returns a repository seeded with the demo storefront catalog.
func NewDemoProductRepository() *ProductRepository {
	return NewProductRepository(demoCatalog())
}

// Resolve implements repositories.ProductRepository.
func (r *ProductRepository) Resolve(_ context.Context, productID string) (domain.Product, error) {
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.Product{}, notFoundError("products.resolve", "product id is required")
	}

	r.mu.RLock()
	product, ok := r.products[id]
	r.mu.RUnlock()
	if !ok {
		return domain.Product{}, notFoundError("products.resolve", "product "+id+" not found")
	}
	return product, nil
}

// ResolveMany implements repositories.ProductRepository.
func (r *ProductRepository) ResolveMany(_ context.Context, productIDs []string) (map[string]domain.Product, error) {
	resolved := make(map[string]domain.Product, len(productIDs))

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, raw := range productIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if product, ok := r.products[id]; ok {
			resolved[id] = product
		}
	}
	return resolved, nil
}

// Upsert inserts or replaces a catalog record. Primarily used by tests.
func (r *ProductRepository) Upsert(product domain.Product) {
	id := strings.TrimSpace(product.ID)
	if id == "" {
		return
	}
	r.mu.Lock()
	r.products[id] = product
	r.mu.Unlock()
}

func demoCatalog() []domain.Product {
	return []domain.Product{
		{
			ID:        "prod-canvas-tote",
			Name:      "Canvas Tote Bag",
			ImageURL:  "https://cdn.oakline.example/products/canvas-tote.jpg",
			UnitPrice: 24.50,
			Weight:    0.8,
			Dimensions: domain.Dimensions{
				Height: 15, Width: 13, Depth: 4,
			},
			Category: "accessories",
		},
		{
			ID:        "prod-ceramic-mug",
			Name:      "Stoneware Mug",
			ImageURL:  "https://cdn.oakline.example/products/stoneware-mug.jpg",
			UnitPrice: 18.00,
			Weight:    1.2,
			Dimensions: domain.Dimensions{
				Height: 4.5, Width: 5, Depth: 3.5,
			},
			Category: "kitchen",
		},
		{
			ID:        "prod-walnut-desk",
			Name:      "Walnut Writing Desk",
			ImageURL:  "https://cdn.oakline.example/products/walnut-desk.jpg",
			UnitPrice: 640.00,
			Weight:    58,
			Dimensions: domain.Dimensions{
				Height: 30, Width: 48, Depth: 24,
			},
			Category: "furniture",
		},
		{
			ID:        "prod-cast-iron-skillet",
			Name:      "Cast Iron Skillet",
			ImageURL:  "https://cdn.oakline.example/products/cast-iron-skillet.jpg",
			UnitPrice: 42.00,
			Weight:    8.5,
			Dimensions: domain.Dimensions{
				Height: 3, Width: 12, Depth: 12,
			},
			Category: "kitchen",
		},
		{
			ID:        "prod-wool-throw",
			Name:      "Merino Wool Throw",
			ImageURL:  "https://cdn.oakline.example/products/wool-throw.jpg",
			UnitPrice: 120.00,
			Weight:    2.4,
			Dimensions: domain.Dimensions{
				Height: 12, Width: 10, Depth: 6,
			},
			Category: "home",
		},
		{
			ID:        "prod-paint-solvent",
			Name:      "Furniture Finishing Solvent",
			ImageURL:  "https://cdn.oakline.example/products/finishing-solvent.jpg",
			UnitPrice: 16.00,
			Weight:    2.0,
			Dimensions: domain.Dimensions{
				Height: 8, Width: 4, Depth: 4,
			},
			Category: "hazmat",
		},
	}
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
