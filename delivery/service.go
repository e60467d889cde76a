// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-sub005/delivery/deliverylog"
	"github.com/smedrec/smart-logs-sub005/delivery/destination"
	"github.com/smedrec/smart-logs-sub005/delivery/health"
	"github.com/smedrec/smart-logs-sub005/delivery/queue"
	"github.com/smedrec/smart-logs-sub005/delivery/retry"
)

// EnqueueRequest describes one delivery to be queued.
type EnqueueRequest struct {
	OrganizationID string
	DestinationID  string
	Type           string
	Data           []byte
	Metadata       map[string]any
	CorrelationID  string
	IdempotencyKey string
	Priority       int
	ScheduledAt    time.Time
	MaxRetries     int
}

// EnqueueResult reports the queued delivery. Deduplicated reports whether an
// existing live item with the same idempotency key was returned instead of a
// new one.
type EnqueueResult struct {
	DeliveryID   string
	Deduplicated bool
}

// HealthStatus is the aggregate service health snapshot.
type HealthStatus struct {
	Healthy          bool
	DatabaseOK       bool
	UnhealthyTargets int64
	Details          string
}

// Service is the facade over the delivery subsystem: destination CRUD,
// enqueueing, health queries, and connection testing.
//
// architecture: Service
type Service struct {
	log      *zap.Logger
	db       DB
	registry *destination.Registry
	retries  *retry.Manager
	health   *health.Monitor
}

// NewService creates the delivery service facade.
func NewService(log *zap.Logger, db DB, registry *destination.Registry, retries *retry.Manager, monitor *health.Monitor) *Service {
	return &Service{
		log:      log,
		db:       db,
		registry: registry,
		retries:  retries,
		health:   monitor,
	}
}

// Enqueue validates the request against the destination and inserts a queue
// item. A request reusing a live idempotency key returns the existing
// delivery id.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (_ EnqueueResult, err error) {
	defer mon.Task()(&ctx)(&err)

	dest, err := s.db.Destinations().Get(ctx, req.DestinationID)
	if err != nil {
		return EnqueueResult{}, Error.Wrap(err)
	}
	if dest.Disabled {
		return EnqueueResult{}, destination.ErrDisabled.New("%s", dest.ID)
	}
	if dest.OrganizationID != req.OrganizationID {
		return EnqueueResult{}, destination.ErrNotFound.New("%s", req.DestinationID)
	}

	priority := req.Priority
	if priority < 0 {
		priority = 0
	}
	if priority > queue.MaxPriority {
		priority = queue.MaxPriority
	}
	scheduledAt := req.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now().UTC()
	}

	deliveryID := uuid.NewString()
	item := queue.Item{
		ID:             uuid.NewString(),
		OrganizationID: req.OrganizationID,
		DestinationID:  req.DestinationID,
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
		Payload: destination.Payload{
			DeliveryID:     deliveryID,
			OrganizationID: req.OrganizationID,
			Type:           req.Type,
			Data:           req.Data,
			Metadata:       req.Metadata,
			CorrelationID:  req.CorrelationID,
			IdempotencyKey: req.IdempotencyKey,
		},
		Priority:    priority,
		ScheduledAt: scheduledAt,
		Status:      queue.StatusPending,
		MaxRetries:  req.MaxRetries,
	}

	stored, created, err := s.db.Queue().Enqueue(ctx, item)
	if err != nil {
		return EnqueueResult{}, Error.Wrap(err)
	}
	return EnqueueResult{
		DeliveryID:   stored.Payload.DeliveryID,
		Deduplicated: !created,
	}, nil
}

// CreateDestination validates and stores a destination.
func (s *Service) CreateDestination(ctx context.Context, dest destination.Destination) (_ destination.Destination, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.validateDestination(ctx, dest); err != nil {
		return destination.Destination{}, err
	}
	if dest.ID == "" {
		dest.ID = uuid.NewString()
	}
	created, err := s.db.Destinations().Create(ctx, dest)
	return created, Error.Wrap(err)
}

// UpdateDestination validates and updates a destination's label and config.
func (s *Service) UpdateDestination(ctx context.Context, dest destination.Destination) (_ destination.Destination, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.validateDestination(ctx, dest); err != nil {
		return destination.Destination{}, err
	}
	updated, err := s.db.Destinations().Update(ctx, dest)
	return updated, Error.Wrap(err)
}

// GetDestination returns a destination by id.
func (s *Service) GetDestination(ctx context.Context, id string) (_ destination.Destination, err error) {
	defer mon.Task()(&ctx)(&err)
	dest, err := s.db.Destinations().Get(ctx, id)
	return dest, Error.Wrap(err)
}

// ListDestinations returns an organization's destinations.
func (s *Service) ListDestinations(ctx context.Context, organizationID string) (_ []destination.Destination, err error) {
	defer mon.Task()(&ctx)(&err)
	dests, err := s.db.Destinations().FindByOrg(ctx, organizationID)
	return dests, Error.Wrap(err)
}

// DisableDestination soft-disables a destination. Deletion is not offered;
// queue items and logs keep referencing the row.
func (s *Service) DisableDestination(ctx context.Context, id, disabledBy string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(s.db.Destinations().Disable(ctx, id, disabledBy))
}

func (s *Service) validateDestination(ctx context.Context, dest destination.Destination) error {
	if !dest.Type.Valid() {
		return destination.ErrInvalidConfig.New("unknown type %q", dest.Type)
	}
	handler, ok := s.registry.Lookup(dest.Type)
	if !ok {
		return destination.ErrInvalidConfig.New("no handler for type %q", dest.Type)
	}
	result := handler.ValidateConfig(ctx, dest.Config)
	if !result.Valid {
		return destination.ErrInvalidConfig.New("%v", result.Errors)
	}
	for _, warning := range result.Warnings {
		s.log.Warn("destination config warning",
			zap.String("destination_id", dest.ID),
			zap.String("warning", warning))
	}
	return nil
}

// TestDestination probes the destination's endpoint with its stored config.
func (s *Service) TestDestination(ctx context.Context, id string) (_ destination.TestResult, err error) {
	defer mon.Task()(&ctx)(&err)

	dest, err := s.db.Destinations().Get(ctx, id)
	if err != nil {
		return destination.TestResult{}, Error.Wrap(err)
	}
	handler, ok := s.registry.Lookup(dest.Type)
	if !ok {
		return destination.TestResult{}, destination.ErrInvalidConfig.New("no handler for type %q", dest.Type)
	}
	return handler.TestConnection(ctx, dest.Config), nil
}

// DeliveryStatus returns the queue item and delivery log entry for a
// delivery id.
func (s *Service) DeliveryStatus(ctx context.Context, deliveryID string) (_ queue.Item, _ deliverylog.Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	item, err := s.db.Queue().FindByDeliveryID(ctx, deliveryID)
	if err != nil {
		return queue.Item{}, deliverylog.Entry{}, Error.Wrap(err)
	}
	entry, err := s.db.DeliveryLogs().Get(ctx, deliveryID)
	if err != nil && !deliverylog.ErrNotFound.Has(err) {
		return item, deliverylog.Entry{}, Error.Wrap(err)
	}
	return item, entry, nil
}

// DestinationHealth returns the health record for a destination.
func (s *Service) DestinationHealth(ctx context.Context, destinationID string) (health.Health, error) {
	return s.health.Get(ctx, destinationID)
}

// RecordDeliverySuccess feeds an out-of-band success into retry and health
// bookkeeping.
func (s *Service) RecordDeliverySuccess(ctx context.Context, deliveryID, destinationID string, responseTime time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := s.retries.RecordAttempt(ctx, deliveryID, true, "", 0, responseTime); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(s.health.RecordSuccess(ctx, destinationID, responseTime))
}

// RecordDeliveryFailure feeds an out-of-band failure into retry and health
// bookkeeping.
func (s *Service) RecordDeliveryFailure(ctx context.Context, deliveryID, destinationID, reason string, statusCode int) (err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := s.retries.RecordAttempt(ctx, deliveryID, false, reason, statusCode, 0); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(s.health.RecordFailure(ctx, destinationID, reason))
}

// HealthCheck reports aggregate subsystem health: database connectivity and
// the number of unhealthy destinations.
func (s *Service) HealthCheck(ctx context.Context) (_ HealthStatus, err error) {
	defer mon.Task()(&ctx)(&err)

	status := HealthStatus{Healthy: true, DatabaseOK: true}
	if err := s.db.Ping(ctx); err != nil {
		status.Healthy = false
		status.DatabaseOK = false
		status.Details = "database unreachable: " + err.Error()
		return status, nil
	}

	count, err := s.db.Health().CountUnhealthy(ctx)
	if err != nil {
		return status, Error.Wrap(err)
	}
	status.UnhealthyTargets = count
	if count > 0 {
		status.Details = "destinations in unhealthy state"
	}
	return status, nil
}
