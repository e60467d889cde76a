// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

// Package processor runs the central dispatch loop: workers claim ready
// queue items, consult destination health, dispatch to protocol handlers,
// and record outcomes through the retry manager and delivery log.
package processor

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/smedrec/smart-logs-sub005/delivery/deliverylog"
	"github.com/smedrec/smart-logs-sub005/delivery/destination"
	"github.com/smedrec/smart-logs-sub005/delivery/health"
	"github.com/smedrec/smart-logs-sub005/delivery/queue"
	"github.com/smedrec/smart-logs-sub005/delivery/retry"
)

var (
	mon = monkit.Package()

	// Error is the default processor errs class.
	Error = errs.Class("processor")
)

// Config contains queue processor settings.
type Config struct {
	Workers       int           `help:"number of queue polling workers" default:"4"`
	BatchSize     int           `help:"items claimed per poll" default:"10"`
	Concurrency   int           `help:"parallel deliveries per worker" default:"5"`
	PollInterval  time.Duration `help:"sleep between empty polls" default:"5s"`
	DrainTimeout  time.Duration `help:"how long shutdown waits for in-flight deliveries" default:"30s"`
	StaleTimeout  time.Duration `help:"age after which a processing item is reclaimed" default:"5m"`
	SweepInterval time.Duration `help:"how often stale processing items are reclaimed" default:"1m"`
}

// Processor claims queue items and dispatches them to handlers.
//
// architecture: Service
type Processor struct {
	log          *zap.Logger
	queue        queue.DB
	destinations destination.DB
	logs         deliverylog.DB
	registry     *destination.Registry
	retries      *retry.Manager
	health       *health.Monitor
	config       Config

	workerID string
}

// New creates a queue processor.
func New(log *zap.Logger, queueDB queue.DB, destinations destination.DB, logs deliverylog.DB,
	registry *destination.Registry, retries *retry.Manager, monitor *health.Monitor,
	workerID string, config Config) *Processor {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 5
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 30 * time.Second
	}
	if config.StaleTimeout <= 0 {
		config.StaleTimeout = 5 * time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Minute
	}
	return &Processor{
		log:          log,
		queue:        queueDB,
		destinations: destinations,
		logs:         logs,
		registry:     registry,
		retries:      retries,
		health:       monitor,
		config:       config,
		workerID:     workerID,
	}
}

// Run starts the worker pool and blocks until ctx is done and in-flight
// deliveries have drained. Items left in processing by a previous crash are
// reclaimed first, then periodically.
func (p *Processor) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := p.recoverStale(ctx); err != nil {
		return err
	}

	// Deliveries in flight at shutdown finish on the drain context, which
	// outlives ctx by at most DrainTimeout.
	drainCtx, cancelDrain := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDrain()
	go func() {
		<-ctx.Done()
		timer := time.NewTimer(p.config.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancelDrain()
		case <-drainCtx.Done():
		}
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Workers; i++ {
		group.Go(func() error {
			p.worker(groupCtx, drainCtx)
			return nil
		})
	}
	group.Go(func() error {
		p.sweeper(groupCtx)
		return nil
	})

	err = group.Wait()
	cancelDrain()
	return err
}

// Close implements the service lifecycle; shutdown happens via Run's ctx.
func (p *Processor) Close() error { return nil }

func (p *Processor) recoverStale(ctx context.Context) error {
	reclaimed, err := p.queue.RecoverStale(ctx, time.Now().UTC().Add(-p.config.StaleTimeout))
	if err != nil {
		return Error.Wrap(err)
	}
	if reclaimed > 0 {
		p.log.Info("reclaimed stale processing items", zap.Int64("count", reclaimed))
	}
	return nil
}

// sweeper periodically reclaims items stuck in processing.
func (p *Processor) sweeper(ctx context.Context) {
	ticker := time.NewTicker(p.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.recoverStale(ctx); err != nil {
				p.log.Error("stale item sweep failed", zap.Error(err))
			}
		}
	}
}

// worker polls the queue until ctx is done. Claimed items are processed on
// drainCtx so shutdown does not abandon them mid-delivery.
func (p *Processor) worker(ctx, drainCtx context.Context) {
	for {
		items, err := p.queue.ClaimReady(ctx, p.config.BatchSize, p.workerID)
		if err != nil && !queue.ErrEmptyQueue.Has(err) && ctx.Err() == nil {
			p.log.Error("claim failed", zap.Error(err))
		}

		if len(items) > 0 {
			group := errgroup.Group{}
			group.SetLimit(p.config.Concurrency)
			for _, item := range items {
				item := item
				group.Go(func() error {
					p.Process(drainCtx, item)
					return nil
				})
			}
			_ = group.Wait()
			// claim again immediately while the queue has work
			if ctx.Err() == nil {
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.config.PollInterval):
		}
	}
}

// Process handles one claimed queue item end to end.
func (p *Processor) Process(ctx context.Context, item queue.Item) {
	var err error
	defer mon.Task()(&ctx)(&err)

	log := p.log.With(
		zap.String("delivery_id", item.Payload.DeliveryID),
		zap.String("destination_id", item.DestinationID))

	dest, err := p.destinations.Get(ctx, item.DestinationID)
	if err != nil {
		p.failTerminally(ctx, item, "destination not found: "+item.DestinationID)
		return
	}
	if dest.Disabled {
		p.failTerminally(ctx, item, "destination disabled")
		return
	}

	allowed, err := p.health.ShouldAllowDelivery(ctx, item.DestinationID)
	if err != nil {
		log.Error("health check failed, allowing delivery", zap.Error(err))
		allowed = true
	}
	if !allowed {
		// the breaker is open: push the item back without counting an
		// attempt, at half the current backoff
		delay := p.retries.CalculateBackoff(item.RetryCount) / 2
		if err := p.queue.Defer(ctx, item.ID, time.Now().UTC().Add(delay)); err != nil {
			log.Error("cannot defer delivery", zap.Error(err))
		}
		return
	}

	handler, ok := p.registry.Lookup(dest.Type)
	if !ok {
		p.failTerminally(ctx, item, "invalid destination: no handler for type "+string(dest.Type))
		return
	}

	result := handler.Deliver(ctx, item.Payload, dest)

	if result.Success {
		p.recordSuccess(ctx, item, dest, result, log)
		return
	}
	p.recordFailure(ctx, item, result, log)
}

func (p *Processor) recordSuccess(ctx context.Context, item queue.Item, dest destination.Destination, result destination.Result, log *zap.Logger) {
	if _, err := p.retries.RecordAttempt(ctx, item.Payload.DeliveryID, true, "", result.StatusCode, result.ResponseTime); err != nil {
		log.Error("cannot record successful attempt", zap.Error(err))
	}
	if err := p.health.RecordSuccess(ctx, item.DestinationID, result.ResponseTime); err != nil {
		log.Error("cannot record health success", zap.Error(err))
	}

	deliveredAt := time.Now().UTC()
	if result.DeliveredAt != nil {
		deliveredAt = *result.DeliveredAt
	}
	if err := p.logs.Append(ctx, deliverylog.Record{
		DeliveryID:           item.Payload.DeliveryID,
		OrganizationID:       item.OrganizationID,
		DestinationID:        item.DestinationID,
		AttemptAt:            deliveredAt,
		Success:              true,
		Terminal:             true,
		CrossSystemReference: result.CrossSystemReference,
	}); err != nil {
		log.Error("cannot append delivery log", zap.Error(err))
	}
	if err := p.destinations.RecordUsage(ctx, item.DestinationID, deliveredAt); err != nil {
		log.Error("cannot record destination usage", zap.Error(err))
	}

	log.Debug("delivered",
		zap.Duration("response_time", result.ResponseTime),
		zap.String("reference", result.CrossSystemReference))
}

func (p *Processor) recordFailure(ctx context.Context, item queue.Item, result destination.Result, log *zap.Logger) {
	nextRetryAt, err := p.retries.RecordAttempt(ctx, item.Payload.DeliveryID, false, result.Error, result.StatusCode, result.ResponseTime)
	if err != nil {
		log.Error("cannot record failed attempt", zap.Error(err))
	}
	if err := p.health.RecordFailure(ctx, item.DestinationID, result.Error); err != nil {
		log.Error("cannot record health failure", zap.Error(err))
	}

	if err := p.logs.Append(ctx, deliverylog.Record{
		DeliveryID:     item.Payload.DeliveryID,
		OrganizationID: item.OrganizationID,
		DestinationID:  item.DestinationID,
		AttemptAt:      time.Now().UTC(),
		Terminal:       nextRetryAt == nil,
		FailureReason:  result.Error,
	}); err != nil {
		log.Error("cannot append delivery log", zap.Error(err))
	}

	if nextRetryAt != nil {
		log.Info("delivery failed, retry scheduled",
			zap.String("error", result.Error),
			zap.Time("next_retry_at", *nextRetryAt))
	} else {
		log.Warn("delivery failed terminally", zap.String("error", result.Error))
	}
}

// failTerminally marks an item failed without invoking a handler, for
// conditions that no retry can fix.
func (p *Processor) failTerminally(ctx context.Context, item queue.Item, reason string) {
	metadata := item.Metadata
	metadata.NonRetryable = true
	metadata.NonRetryableReason = reason
	if err := p.queue.MarkFailed(ctx, item.ID, metadata); err != nil {
		p.log.Error("cannot fail queue item",
			zap.String("delivery_id", item.Payload.DeliveryID), zap.Error(err))
	}
	if err := p.logs.Append(ctx, deliverylog.Record{
		DeliveryID:     item.Payload.DeliveryID,
		OrganizationID: item.OrganizationID,
		DestinationID:  item.DestinationID,
		AttemptAt:      time.Now().UTC(),
		Terminal:       true,
		FailureReason:  reason,
	}); err != nil {
		p.log.Error("cannot append delivery log",
			zap.String("delivery_id", item.Payload.DeliveryID), zap.Error(err))
	}
}
