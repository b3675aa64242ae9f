package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or provider confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the provider reports the payment as captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the provider reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the customer abandoned the payment before completion.
	StatusCancelled Status = "cancelled"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrDeclined is returned when the provider rejects the charge outright.
	ErrDeclined = errors.New("payments: payment declined")
	// ErrRequiresAction is returned when the instrument needs out-of-band confirmation.
	ErrRequiresAction = errors.New("payments: payment requires additional action")
	// ErrAmountTooSmall is returned when the charge falls below the provider minimum.
	ErrAmountTooSmall = errors.New("payments: amount below provider minimum")
	// ErrCancelled is returned when the customer cancelled the payment flow.
	ErrCancelled = errors.New("payments: payment cancelled")
	// ErrNetwork is returned when the provider could not be reached.
	ErrNetwork = errors.New("payments: provider unreachable")
)

// AuthorizeRequest captures the payload required to charge an instrument.
type AuthorizeRequest struct {
	Amount         float64
	Currency       string
	MethodToken    string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Receipt normalises the provider response for storage on the order.
type Receipt struct {
	Provider       string
	TransactionRef string
	Status         Status
	Amount         float64
	Currency       string
	ProcessedAt    time.Time
	Raw            map[string]any
}

// Provider defines the contract for payment adapters to implement.
type Provider interface {
	Authorize(ctx context.Context, req AuthorizeRequest) (Receipt, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	kindRoutes      map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the provider used when no route matches.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithKindRoutes configures static payment-method-kind to provider mappings.
func WithKindRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.kindRoutes == nil {
			m.kindRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.kindRoutes[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	MethodKind        string
	Metadata          map[string]string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	kind := strings.ToLower(strings.TrimSpace(ctx.MethodKind))
	if kind != "" && m.kindRoutes != nil {
		if providerKey, ok := m.kindRoutes[kind]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// Authorize delegates to the resolved provider and stamps the provider key.
func (m *Manager) Authorize(ctx context.Context, paymentCtx PaymentContext, req AuthorizeRequest) (Receipt, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Receipt{}, err
	}
	receipt, err := provider.Authorize(ctx, req)
	if err != nil {
		return Receipt{}, err
	}
	receipt.Provider = key
	return receipt, nil
}
