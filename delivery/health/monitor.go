// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-sub005/delivery/destination"
)

// Alert is emitted when a destination crosses a health threshold.
type Alert struct {
	DestinationID string
	Status        Status
	CircuitState  CircuitState
	Reason        string
}

// AlertFunc receives health alerts. The default implementation logs them.
type AlertFunc func(ctx context.Context, alert Alert)

// Monitor records delivery outcomes and drives the per-destination circuit
// breaker state machine.
//
// architecture: Service
type Monitor struct {
	log          *zap.Logger
	db           DB
	destinations destination.DB
	config       Config
	alert        AlertFunc

	// probeMu guards probes, the half-open destinations with a delivery
	// in flight.
	probeMu sync.Mutex
	probes  map[string]struct{}
}

// NewMonitor creates a health monitor.
func NewMonitor(log *zap.Logger, db DB, destinations destination.DB, config Config) *Monitor {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.HealthyRate == 0 {
		config.HealthyRate = 0.95
	}
	if config.DegradedRate == 0 {
		config.DegradedRate = 0.70
	}
	if config.SuccessRateWindow <= 0 {
		config.SuccessRateWindow = 24 * time.Hour
	}
	monitor := &Monitor{
		log:          log,
		db:           db,
		destinations: destinations,
		config:       config,
		probes:       map[string]struct{}{},
	}
	monitor.alert = monitor.logAlert
	return monitor
}

// SetAlertFunc registers a callback for threshold alerts.
func (m *Monitor) SetAlertFunc(fn AlertFunc) {
	if fn != nil {
		m.alert = fn
	}
}

func (m *Monitor) logAlert(ctx context.Context, alert Alert) {
	m.log.Warn("destination health alert",
		zap.String("destination_id", alert.DestinationID),
		zap.String("status", string(alert.Status)),
		zap.String("circuit_state", string(alert.CircuitState)),
		zap.String("reason", alert.Reason))
}

// ShouldAllowDelivery reports whether traffic to the destination is
// currently permitted. It returns false only when the breaker is open and
// the recovery timeout has not elapsed, the destination is disabled, or a
// half-open probe is already in flight. When the timeout has elapsed, the
// breaker moves to half-open and exactly one probe is admitted until its
// outcome is recorded.
func (m *Monitor) ShouldAllowDelivery(ctx context.Context, destinationID string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	dest, err := m.destinations.Get(ctx, destinationID)
	if err != nil {
		return false, Error.Wrap(err)
	}
	if dest.Disabled {
		return false, nil
	}

	health, err := m.db.Get(ctx, destinationID)
	if err != nil {
		if ErrNotFound.Has(err) {
			return true, nil
		}
		return false, Error.Wrap(err)
	}

	switch health.CircuitState {
	case CircuitHalfOpen:
		return m.acquireProbe(destinationID), nil
	case CircuitOpen:
	default:
		return true, nil
	}

	if health.CircuitOpenedAt == nil ||
		time.Since(*health.CircuitOpenedAt) < m.config.RecoveryTimeout {
		return false, nil
	}
	if !m.acquireProbe(destinationID) {
		return false, nil
	}

	health.CircuitState = CircuitHalfOpen
	if err := m.persist(ctx, health); err != nil {
		m.releaseProbe(destinationID)
		return false, err
	}
	m.log.Info("circuit half-open",
		zap.String("destination_id", destinationID))
	return true, nil
}

// acquireProbe claims the half-open probe slot for a destination.
func (m *Monitor) acquireProbe(destinationID string) bool {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	if _, held := m.probes[destinationID]; held {
		return false
	}
	m.probes[destinationID] = struct{}{}
	return true
}

func (m *Monitor) releaseProbe(destinationID string) {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()
	delete(m.probes, destinationID)
}

// RecordSuccess records a successful delivery and runs breaker transitions.
func (m *Monitor) RecordSuccess(ctx context.Context, destinationID string, responseTime time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)
	return m.record(ctx, destinationID, true, responseTime, "")
}

// RecordFailure records a failed delivery and runs breaker transitions.
func (m *Monitor) RecordFailure(ctx context.Context, destinationID string, reason string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return m.record(ctx, destinationID, false, 0, reason)
}

// UpdateCircuitBreakerState applies one delivery outcome to the breaker.
// RecordSuccess and RecordFailure call this internally; it is exported for
// operator tooling.
func (m *Monitor) UpdateCircuitBreakerState(ctx context.Context, destinationID string, success bool, responseTime time.Duration) error {
	return m.record(ctx, destinationID, success, responseTime, "")
}

func (m *Monitor) record(ctx context.Context, destinationID string, success bool, responseTime time.Duration, reason string) error {
	defer m.releaseProbe(destinationID)

	health, err := m.db.Get(ctx, destinationID)
	if err != nil {
		if !ErrNotFound.Has(err) {
			return Error.Wrap(err)
		}
		health = Health{
			DestinationID: destinationID,
			CircuitState:  CircuitClosed,
			Status:        StatusHealthy,
		}
	}

	now := time.Now().UTC()
	health.TotalDeliveries++
	health.LastAttemptAt = &now

	previousState := health.CircuitState

	if success {
		health.ConsecutiveFailures = 0
		// rolling average over all successful attempts
		n := health.TotalDeliveries - health.TotalFailures
		if n <= 1 {
			health.AverageResponseTime = responseTime
		} else {
			health.AverageResponseTime += (responseTime - health.AverageResponseTime) / time.Duration(n)
		}

		switch health.CircuitState {
		case CircuitHalfOpen, CircuitOpen:
			health.CircuitState = CircuitClosed
			health.CircuitOpenedAt = nil
		}
	} else {
		health.ConsecutiveFailures++
		health.TotalFailures++
		health.LastFailureAt = &now

		switch health.CircuitState {
		case CircuitHalfOpen:
			health.CircuitState = CircuitOpen
			health.CircuitOpenedAt = &now
		case CircuitClosed:
			if health.ConsecutiveFailures >= m.config.FailureThreshold {
				health.CircuitState = CircuitOpen
				health.CircuitOpenedAt = &now
			}
		}
	}

	previousStatus := health.Status
	health.Status = m.classify(health)

	if err := m.persist(ctx, health); err != nil {
		return err
	}

	if health.CircuitState == CircuitOpen && previousState != CircuitOpen {
		m.alert(ctx, Alert{
			DestinationID: destinationID,
			Status:        health.Status,
			CircuitState:  health.CircuitState,
			Reason:        "circuit opened: " + reason,
		})
	} else if health.Status == StatusUnhealthy && previousStatus != StatusUnhealthy {
		m.alert(ctx, Alert{
			DestinationID: destinationID,
			Status:        health.Status,
			CircuitState:  health.CircuitState,
			Reason:        "destination unhealthy: " + reason,
		})
	}
	return nil
}

func (m *Monitor) persist(ctx context.Context, health Health) error {
	health.UpdatedAt = time.Now().UTC()
	return Error.Wrap(m.db.Upsert(ctx, health))
}

// classify derives the status from recent counters.
func (m *Monitor) classify(health Health) Status {
	rate := health.SuccessRate()
	switch {
	case rate >= m.config.HealthyRate:
		return StatusHealthy
	case rate >= m.config.DegradedRate:
		return StatusDegraded
	default:
		if health.LastAttemptAt != nil &&
			time.Since(*health.LastAttemptAt) <= m.config.SuccessRateWindow {
			return StatusUnhealthy
		}
		return StatusDegraded
	}
}

// Get returns the health record for a destination, deriving the status for
// destinations that are explicitly disabled.
func (m *Monitor) Get(ctx context.Context, destinationID string) (_ Health, err error) {
	defer mon.Task()(&ctx)(&err)

	health, err := m.db.Get(ctx, destinationID)
	if err != nil {
		return Health{}, Error.Wrap(err)
	}
	dest, err := m.destinations.Get(ctx, destinationID)
	if err == nil && dest.Disabled {
		health.Status = StatusDisabled
	}
	return health, nil
}

// FindUnhealthy lists destinations in a bad state.
func (m *Monitor) FindUnhealthy(ctx context.Context) (_ []Health, err error) {
	defer mon.Task()(&ctx)(&err)
	records, err := m.db.FindUnhealthy(ctx)
	return records, Error.Wrap(err)
}
