package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/oakline-commerce/checkout-api/internal/platform/observability"
	"github.com/oakline-commerce/checkout-api/internal/telemetry"
)

// ErrSessionNotFound is returned for unknown or expired checkout sessions.
var ErrSessionNotFound = errors.New("checkout session: session not found")

// defaultSessionTTL bounds how long an idle checkout stays resumable.
const defaultSessionTTL = 30 * time.Minute

// CheckoutSessionServiceDeps wires the session service.
type CheckoutSessionServiceDeps struct {
	// FlowFactory builds a fresh CheckoutFlow per session.
	FlowFactory func() (*CheckoutFlow, error)
	Telemetry   telemetry.Sink
	SessionTTL  time.Duration
	Clock       func() time.Time
	Logger      func(ctx context.Context, event string, fields map[string]any)
	IDGen       func() string
}

// CheckoutSessionService owns one CheckoutFlow per session and serializes all
// access to it. Flows are single-threaded by contract; the per-session mutex
// is what makes concurrent HTTP requests safe.
type CheckoutSessionService struct {
	flowFactory func() (*CheckoutFlow, error)
	telemetry   telemetry.Sink
	ttl         time.Duration
	clock       func() time.Time
	logger      func(context.Context, string, map[string]any)
	idGen       func() string

	mu       sync.RWMutex
	sessions map[string]*checkoutSession
}

type checkoutSession struct {
	mu        sync.Mutex
	id        string
	flow      *CheckoutFlow
	createdAt time.Time
	updatedAt time.Time
	expiresAt time.Time
}

// NewCheckoutSessionService constructs a CheckoutSessionService.
func NewCheckoutSessionService(deps CheckoutSessionServiceDeps) (*CheckoutSessionService, error) {
	if deps.FlowFactory == nil {
		return nil, errors.New("checkout session: flow factory is required")
	}
	sink := deps.Telemetry
	if sink == nil {
		sink = telemetry.Noop()
	}
	ttl := deps.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	return &CheckoutSessionService{
		flowFactory: deps.FlowFactory,
		telemetry:   sink,
		ttl:         ttl,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:   logger,
		idGen:    idGen,
		sessions: make(map[string]*checkoutSession),
	}, nil
}

// StartSession captures the cart and opens a new checkout at cart review.
func (s *CheckoutSessionService) StartSession(ctx context.Context, cmd StartSessionCommand) (CheckoutSessionView, error) {
	flow, err := s.flowFactory()
	if err != nil {
		return CheckoutSessionView{}, fmt.Errorf("checkout session: build flow: %w", err)
	}

	now := s.clock()
	snapshot := CartSnapshot{Items: cmd.Items, TakenAt: now}
	if err := flow.Initialize(ctx, snapshot); err != nil {
		return CheckoutSessionView{}, err
	}
	if cmd.PromoCode != "" {
		if err := flow.ApplyPromoCode(ctx, cmd.PromoCode); err != nil {
			return CheckoutSessionView{}, err
		}
	}

	sess := &checkoutSession{
		id:        s.idGen(),
		flow:      flow,
		createdAt: now,
		updatedAt: now,
		expiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	// Session IDs come from an injectable generator, so scrub them like any
	// other externally shaped identifier before they reach log fields.
	loggedID := observability.SanitizeSessionID(sess.id)
	s.logger(ctx, "checkout.session_started", map[string]any{
		"sessionId": loggedID,
		"itemCount": len(cmd.Items),
	})
	s.telemetry.Event(ctx, "checkout.session_started", map[string]any{"sessionId": loggedID})

	return s.viewLocked(sess), nil
}

// GetSession returns the current state of a session.
func (s *CheckoutSessionService) GetSession(ctx context.Context, sessionID string) (CheckoutSessionView, error) {
	return s.withSession(ctx, sessionID, func(context.Context, *CheckoutFlow) error { return nil })
}

// Advance moves the session's flow one step forward.
func (s *CheckoutSessionService) Advance(ctx context.Context, sessionID string) (CheckoutSessionView, error) {
	return s.withSession(ctx, sessionID, func(ctx context.Context, flow *CheckoutFlow) error {
		return flow.Advance(ctx)
	})
}

// Retreat moves the session's flow one step back.
func (s *CheckoutSessionService) Retreat(ctx context.Context, sessionID string) (CheckoutSessionView, error) {
	return s.withSession(ctx, sessionID, func(ctx context.Context, flow *CheckoutFlow) error {
		return flow.Retreat(ctx)
	})
}

// SelectShippingAddress stores the destination on the session's draft.
func (s *CheckoutSessionService) SelectShippingAddress(ctx context.Context, cmd SelectAddressCommand) (CheckoutSessionView, error) {
	return s.withSession(ctx, cmd.SessionID, func(ctx context.Context, flow *CheckoutFlow) error {
		return flow.SelectShippingAddress(ctx, cmd.Address)
	})
}

// SelectBillingAddress stores an explicit billing address.
func (s *CheckoutSessionService) SelectBillingAddress(ctx context.Context, cmd SelectAddressCommand) (CheckoutSessionView, error) {
	return s.withSession(ctx, cmd.SessionID, func(ctx context.Context, flow *CheckoutFlow) error {
		return flow.SelectBillingAddress(ctx, cmd.Address)
	})
}

// SelectShippingOption picks one of the quoted options.
func (s *CheckoutSessionService) SelectShippingOption(ctx context.Context, cmd SelectShippingOptionCommand) (CheckoutSessionView, error) {
	return s.withSession(ctx, cmd.SessionID, func(ctx context.Context, flow *CheckoutFlow) error {
		return flow.SelectShippingOption(ctx, cmd.OptionID)
	})
}

// SelectPaymentMethod stores the instrument to charge at commit.
func (s *CheckoutSessionService) SelectPaymentMethod(ctx context.Context, cmd SelectPaymentMethodCommand) (CheckoutSessionView, error) {
	return s.withSession(ctx, cmd.SessionID, func(ctx context.Context, flow *CheckoutFlow) error {
		return flow.SelectPaymentMethod(ctx, cmd.Method)
	})
}

// ApplyPromoCode stores a promo code and refreshes quotes when present.
func (s *CheckoutSessionService) ApplyPromoCode(ctx context.Context, cmd ApplyPromoCommand) (CheckoutSessionView, error) {
	return s.withSession(ctx, cmd.SessionID, func(ctx context.Context, flow *CheckoutFlow) error {
		return flow.ApplyPromoCode(ctx, cmd.Code)
	})
}

// RefreshQuotes re-runs the quote request for the session.
func (s *CheckoutSessionService) RefreshQuotes(ctx context.Context, sessionID string) (CheckoutSessionView, error) {
	return s.withSession(ctx, sessionID, func(ctx context.Context, flow *CheckoutFlow) error {
		return flow.RefreshQuotes(ctx)
	})
}

// Commit finalizes the session's checkout. The per-session mutex guarantees a
// single outstanding commit even under concurrent requests.
func (s *CheckoutSessionService) Commit(ctx context.Context, sessionID string) (Order, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return Order{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	order, err := sess.flow.Commit(ctx)
	if err != nil {
		return Order{}, err
	}
	s.touch(sess)

	s.logger(ctx, "checkout.session_committed", map[string]any{
		"sessionId":   observability.SanitizeSessionID(sess.id),
		"orderNumber": order.Number,
	})
	return order, nil
}

// PruneExpired drops sessions past their TTL and reports how many went.
func (s *CheckoutSessionService) PruneExpired(ctx context.Context) int {
	now := s.clock()

	s.mu.Lock()
	var expired []string
	for id, sess := range s.sessions {
		if now.After(sess.expiresAt) {
			expired = append(expired, id)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	if len(expired) > 0 {
		s.logger(ctx, "checkout.sessions_pruned", map[string]any{"count": len(expired)})
	}
	return len(expired)
}

// SessionCount reports the number of live sessions, for readiness payloads.
func (s *CheckoutSessionService) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *CheckoutSessionService) withSession(ctx context.Context, sessionID string, op func(context.Context, *CheckoutFlow) error) (CheckoutSessionView, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return CheckoutSessionView{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := op(ctx, sess.flow); err != nil {
		return CheckoutSessionView{}, err
	}
	s.touch(sess)
	return s.viewLocked(sess), nil
}

func (s *CheckoutSessionService) lookup(sessionID string) (*checkoutSession, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.clock().After(sess.expiresAt) {
		s.mu.Lock()
		delete(s.sessions, sessionID)
		s.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// touch slides the expiry window; callers hold the session mutex.
func (s *CheckoutSessionService) touch(sess *checkoutSession) {
	now := s.clock()
	sess.updatedAt = now
	sess.expiresAt = now.Add(s.ttl)
}

// viewLocked snapshots the session state; callers hold the session mutex.
func (s *CheckoutSessionService) viewLocked(sess *checkoutSession) CheckoutSessionView {
	return CheckoutSessionView{
		SessionID: sess.id,
		Step:      sess.flow.Step(),
		Draft:     sess.flow.Draft(),
		Quotes:    sess.flow.Quotes(),
		Order:     sess.flow.Order(),
		CreatedAt: sess.createdAt,
		UpdatedAt: sess.updatedAt,
		ExpiresAt: sess.expiresAt,
	}
}

var _ CheckoutService = (*CheckoutSessionService)(nil)
