// Package netsim injects artificial latency and failures into outbound
// dependencies so checkout flows can be exercised under degraded-network
// conditions without real infrastructure.
package netsim

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oakline-commerce/checkout-api/internal/payments"
	"github.com/oakline-commerce/checkout-api/internal/services"
)

// ErrInjectedFailure marks a failure produced by the simulator rather than a
// real dependency.
var ErrInjectedFailure = errors.New("netsim: injected failure")

// Config controls the simulated network conditions.
type Config struct {
	Enabled     bool
	FailureRate float64 // 0..1 probability per call
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Seed        int64 // 0 seeds from the current time
}

// Simulator produces per-call delays and failures from a seeded source so
// test runs are reproducible.
type Simulator struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

// New constructs a Simulator. A disabled config yields a pass-through simulator.
func New(cfg Config) *Simulator {
	if cfg.FailureRate < 0 {
		cfg.FailureRate = 0
	}
	if cfg.FailureRate > 1 {
		cfg.FailureRate = 1
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Wait sleeps for a sampled delay, then rolls for an injected failure.
// Context cancellation wins over the delay.
func (s *Simulator) Wait(ctx context.Context) error {
	if s == nil || !s.cfg.Enabled {
		return nil
	}

	delay, fail := s.sample()
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if fail {
		return ErrInjectedFailure
	}
	return nil
}

func (s *Simulator) sample() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := s.cfg.MinDelay
	if span := s.cfg.MaxDelay - s.cfg.MinDelay; span > 0 {
		delay += time.Duration(s.rng.Int63n(int64(span)))
	}
	fail := s.cfg.FailureRate > 0 && s.rng.Float64() < s.cfg.FailureRate
	return delay, fail
}

type simulatedEstimator struct {
	sim  *Simulator
	next services.ShippingEstimator
}

// WrapShippingEstimator decorates the estimator with simulated conditions.
// Injected failures surface as retryable ErrShippingUnavailable.
func WrapShippingEstimator(sim *Simulator, next services.ShippingEstimator) services.ShippingEstimator {
	if sim == nil || !sim.cfg.Enabled {
		return next
	}
	return &simulatedEstimator{sim: sim, next: next}
}

func (e *simulatedEstimator) Quote(ctx context.Context, req services.ShippingQuoteRequest) ([]services.ShippingQuote, error) {
	if err := e.sim.Wait(ctx); err != nil {
		if errors.Is(err, ErrInjectedFailure) {
			return nil, fmt.Errorf("%w: %v", services.ErrShippingUnavailable, err)
		}
		return nil, err
	}
	return e.next.Quote(ctx, req)
}

type simulatedProvider struct {
	sim  *Simulator
	next payments.Provider
}

// WrapPaymentProvider decorates a payment provider with simulated conditions.
// Injected failures surface as ErrNetwork so the flow treats them as retryable.
func WrapPaymentProvider(sim *Simulator, next payments.Provider) payments.Provider {
	if sim == nil || !sim.cfg.Enabled {
		return next
	}
	return &simulatedProvider{sim: sim, next: next}
}

func (p *simulatedProvider) Authorize(ctx context.Context, req payments.AuthorizeRequest) (payments.Receipt, error) {
	if err := p.sim.Wait(ctx); err != nil {
		if errors.Is(err, ErrInjectedFailure) {
			return payments.Receipt{}, fmt.Errorf("%w: %v", payments.ErrNetwork, err)
		}
		return payments.Receipt{}, err
	}
	return p.next.Authorize(ctx, req)
}
