// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

// Package health tracks per-destination delivery health and implements the
// circuit breaker that suppresses traffic to failing endpoints.
package health

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default health errs class.
	Error = errs.Class("health")
	// ErrNotFound is returned when a destination has no health record yet.
	ErrNotFound = errs.Class("health record not found")
	// ErrCircuitOpen marks deliveries suppressed by an open breaker.
	ErrCircuitOpen = errs.Class("circuit open")
)

// CircuitState is the breaker state of a destination.
type CircuitState string

// Breaker states. closed allows deliveries, open suppresses them, half-open
// allows a single probe.
const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// Status is the derived health classification of a destination.
type Status string

// Health statuses.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusDisabled  Status = "disabled"
)

// Health is the per-destination record. It is created lazily on the first
// delivery attempt and updated after every attempt.
type Health struct {
	DestinationID string

	ConsecutiveFailures int
	TotalFailures       int64
	TotalDeliveries     int64

	AverageResponseTime time.Duration
	LastAttemptAt       *time.Time
	LastFailureAt       *time.Time

	CircuitState    CircuitState
	CircuitOpenedAt *time.Time

	Status    Status
	UpdatedAt time.Time
}

// SuccessRate returns the fraction of successful deliveries, in [0, 1].
// A destination with no attempts counts as fully healthy.
func (h Health) SuccessRate() float64 {
	if h.TotalDeliveries == 0 {
		return 1
	}
	return float64(h.TotalDeliveries-h.TotalFailures) / float64(h.TotalDeliveries)
}

// DB stores destination health records.
//
// architecture: Database
type DB interface {
	// Upsert writes a health record, creating it when absent.
	Upsert(ctx context.Context, health Health) error
	// Get returns the health record for a destination.
	Get(ctx context.Context, destinationID string) (Health, error)
	// FindUnhealthy lists destinations currently classified unhealthy or
	// with an open breaker.
	FindUnhealthy(ctx context.Context) ([]Health, error)
	// CountUnhealthy returns how many destinations are unhealthy.
	CountUnhealthy(ctx context.Context) (int64, error)
}

// Config contains circuit breaker and classification thresholds.
type Config struct {
	FailureThreshold  int           `help:"consecutive failures that open the circuit" default:"5"`
	RecoveryTimeout   time.Duration `help:"how long the circuit stays open before a half-open probe" default:"30s"`
	SuccessRateWindow time.Duration `help:"recency window for counting a destination as active" default:"24h"`
	HealthyRate       float64       `help:"success rate at or above which a destination is healthy" default:"0.95"`
	DegradedRate      float64       `help:"success rate at or above which a destination is degraded rather than unhealthy" default:"0.70"`
}
