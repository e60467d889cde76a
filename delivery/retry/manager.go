// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package retry

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-sub005/delivery/queue"
)

// Manager applies the retry policy to queue items.
//
// architecture: Service
type Manager struct {
	log    *zap.Logger
	queue  queue.DB
	config Config
}

// NewManager creates a retry manager.
func NewManager(log *zap.Logger, queueDB queue.DB, config Config) *Manager {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Minute
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = 2
	}
	return &Manager{log: log, queue: queueDB, config: config}
}

// CalculateBackoff returns the delay before the given attempt, counted from
// zero: min(base × multiplier^attempt, max), plus uniform jitter up to
// JitterMaxPercent when enabled.
func (m *Manager) CalculateBackoff(attempt int) time.Duration {
	delay := float64(m.config.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= m.config.BackoffMultiplier
		if delay >= float64(m.config.MaxDelay) {
			delay = float64(m.config.MaxDelay)
			break
		}
	}
	if delay > float64(m.config.MaxDelay) {
		delay = float64(m.config.MaxDelay)
	}

	if m.config.JitterEnabled && m.config.JitterMaxPercent > 0 {
		jitter := delay * float64(m.config.JitterMaxPercent) / 100 * rand.Float64()
		delay += jitter
	}
	return time.Duration(delay)
}

// MaxRetriesFor returns the effective retry cap for an item, honoring a
// per-item override when one was enqueued.
func (m *Manager) MaxRetriesFor(item queue.Item) int {
	if item.MaxRetries > 0 {
		return item.MaxRetries
	}
	return m.config.MaxRetries
}

// ShouldRetry reports whether the delivery may be attempted again, given the
// item's attempt count and the failure classification.
func (m *Manager) ShouldRetry(ctx context.Context, deliveryID string, errorMessage string, statusCode int) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	item, err := m.queue.FindByDeliveryID(ctx, deliveryID)
	if err != nil {
		return false, Error.Wrap(err)
	}
	if item.Metadata.NonRetryable {
		return false, nil
	}
	if item.RetryCount >= m.MaxRetriesFor(item) {
		return false, nil
	}
	return Classify(errorMessage, statusCode), nil
}

// RecordAttempt appends an attempt to the item metadata and, on failure,
// either schedules the next attempt or fails the item terminally. It
// returns the time of the next attempt when one was scheduled.
func (m *Manager) RecordAttempt(ctx context.Context, deliveryID string, success bool, errorMessage string, statusCode int, duration time.Duration) (nextRetryAt *time.Time, err error) {
	defer mon.Task()(&ctx)(&err)

	item, err := m.queue.FindByDeliveryID(ctx, deliveryID)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	metadata := item.Metadata
	metadata.RetryAttempts = append(metadata.RetryAttempts, queue.Attempt{
		Attempt:  item.RetryCount + 1,
		At:       time.Now().UTC(),
		Success:  success,
		Error:    errorMessage,
		Duration: duration,
	})

	if success {
		return nil, Error.Wrap(m.queue.MarkCompleted(ctx, item.ID, metadata))
	}

	retryable := Classify(errorMessage, statusCode)
	exhausted := item.RetryCount >= m.MaxRetriesFor(item)
	if !retryable || metadata.NonRetryable || exhausted {
		if !retryable {
			metadata.NonRetryable = true
			metadata.NonRetryableReason = errorMessage
		}
		m.log.Info("delivery failed terminally",
			zap.String("delivery_id", deliveryID),
			zap.Bool("retryable", retryable),
			zap.Int("retry_count", item.RetryCount),
			zap.String("error", errorMessage))
		return nil, Error.Wrap(m.queue.MarkFailed(ctx, item.ID, metadata))
	}

	next := time.Now().UTC().Add(m.CalculateBackoff(item.RetryCount))
	if err := m.queue.ScheduleRetry(ctx, item.ID, next, metadata); err != nil {
		return nil, Error.Wrap(err)
	}
	return &next, nil
}

// Schedule describes the retry position of a delivery.
type Schedule struct {
	CurrentAttempt int
	MaxAttempts    int
	NextRetryAt    *time.Time
	BackoffDelay   time.Duration
	TotalDelay     time.Duration
}

// RetrySchedule reports the current retry position of a delivery.
func (m *Manager) RetrySchedule(ctx context.Context, deliveryID string) (_ Schedule, err error) {
	defer mon.Task()(&ctx)(&err)

	item, err := m.queue.FindByDeliveryID(ctx, deliveryID)
	if err != nil {
		return Schedule{}, Error.Wrap(err)
	}

	var total time.Duration
	for _, attempt := range item.Metadata.RetryAttempts {
		total += attempt.Duration
	}
	return Schedule{
		CurrentAttempt: item.RetryCount,
		MaxAttempts:    m.MaxRetriesFor(item),
		NextRetryAt:    item.NextRetryAt,
		BackoffDelay:   m.CalculateBackoff(item.RetryCount),
		TotalDelay:     total,
	}, nil
}

// ResetRetryCount zeroes the retry counter and revives a failed item.
// Operator tool.
func (m *Manager) ResetRetryCount(ctx context.Context, deliveryID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	item, err := m.queue.FindByDeliveryID(ctx, deliveryID)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(m.queue.ResetRetries(ctx, item.ID))
}

// MarkAsNonRetryable pins a delivery so no further attempts are made.
// Operator tool.
func (m *Manager) MarkAsNonRetryable(ctx context.Context, deliveryID, reason string) (err error) {
	defer mon.Task()(&ctx)(&err)

	item, err := m.queue.FindByDeliveryID(ctx, deliveryID)
	if err != nil {
		return Error.Wrap(err)
	}
	metadata := item.Metadata
	metadata.NonRetryable = true
	metadata.NonRetryableReason = reason
	if err := m.queue.SetMetadata(ctx, item.ID, metadata); err != nil {
		return Error.Wrap(err)
	}
	if item.Status == queue.StatusPending || item.Status == queue.StatusProcessing {
		return Error.Wrap(m.queue.MarkFailed(ctx, item.ID, metadata))
	}
	return nil
}
