package services

import (
	"context"
	"errors"
	"sort"
	"time"

	domain "github.com/oakline-commerce/checkout-api/internal/domain"
)

// HealthProbe checks one dependency; a nil return means healthy.
type HealthProbe func(ctx context.Context) error

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	Probes map[string]HealthProbe
	Clock  func() time.Time
}

type systemService struct {
	probes map[string]HealthProbe
	clock  func() time.Time
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the utility service backing the health endpoints.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &systemService{
		probes: deps.Probes,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	names := make([]string, 0, len(s.probes))
	for name := range s.probes {
		names = append(names, name)
	}
	sort.Strings(names)

	now := s.clock()
	report := SystemHealthReport{
		Status:    domain.HealthStatusOK,
		Checks:    make([]SystemHealthCheck, 0, len(names)),
		CheckedAt: now,
	}

	for _, name := range names {
		started := s.clock()
		check := SystemHealthCheck{
			Name:      name,
			Status:    domain.HealthStatusOK,
			CheckedAt: started,
		}
		if err := s.probes[name](ctx); err != nil {
			check.Status = domain.HealthStatusDegraded
			check.Error = err.Error()
			report.Status = domain.HealthStatusDegraded
		}
		check.Latency = s.clock().Sub(started)
		report.Checks = append(report.Checks, check)
	}

	return report, nil
}
