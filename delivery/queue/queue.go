// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

// Package queue defines the durable delivery queue: one item per
// (payload, destination) attempt chain, with priority, scheduling,
// idempotency, and retry bookkeeping.
package queue

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/smedrec/smart-logs-sub005/delivery/destination"
)

var (
	mon = monkit.Package()

	// Error is the default queue errs class.
	Error = errs.Class("queue")
	// ErrEmptyQueue is returned when no items are ready for claiming.
	ErrEmptyQueue = errs.Class("empty queue")
	// ErrItemNotFound is returned when a queue item does not exist.
	ErrItemNotFound = errs.Class("queue item not found")
	// ErrDuplicateIdempotencyKey wraps the existing item's delivery id when
	// an enqueue hits a live idempotency key.
	ErrDuplicateIdempotencyKey = errs.Class("duplicate idempotency key")
)

// Status is the lifecycle state of a queue item.
type Status string

// Queue item states. Transitions out of processing are monotonic; completed
// and failed items are never revived except by explicit reset.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// MaxPriority is the highest queue priority; higher runs first.
const MaxPriority = 10

// Attempt records one delivery attempt in the item metadata.
type Attempt struct {
	Attempt  int           `json:"attempt"`
	At       time.Time     `json:"at"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"durationMs,omitempty"`
}

// Metadata carries the recognized per-item keys plus an opaque bag for the
// rest.
type Metadata struct {
	RetryAttempts      []Attempt      `json:"retryAttempts,omitempty"`
	NonRetryable       bool           `json:"nonRetryable,omitempty"`
	NonRetryableReason string         `json:"nonRetryableReason,omitempty"`
	Extra              map[string]any `json:"extra,omitempty"`
}

// Item is a single queued delivery.
type Item struct {
	ID             string
	OrganizationID string
	DestinationID  string
	CorrelationID  string
	IdempotencyKey string

	Payload  destination.Payload
	Priority int

	ScheduledAt time.Time
	NextRetryAt *time.Time
	ProcessedAt *time.Time

	Status     Status
	RetryCount int
	MaxRetries int

	Metadata Metadata

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DB stores queue items.
//
// architecture: Database
type DB interface {
	// Enqueue inserts a new item. When an item with the same
	// (organization_id, destination_id, idempotency_key) exists in a
	// non-failed state, the existing item is returned with created=false.
	Enqueue(ctx context.Context, item Item) (_ Item, created bool, err error)
	// ClaimReady atomically selects up to batchSize eligible pending items
	// (scheduled_at and next_retry_at due), marks them processing, and
	// returns them ordered by priority descending then scheduled_at
	// ascending. Each row is delivered to at most one worker.
	ClaimReady(ctx context.Context, batchSize int, workerID string) ([]Item, error)
	// UpdateStatus transitions an item to the given status.
	UpdateStatus(ctx context.Context, id string, status Status) error
	// ScheduleRetry returns a processing item to pending with the next
	// attempt time, incremented retry count, and updated metadata.
	ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, metadata Metadata) error
	// Defer returns a processing item to pending with the next attempt
	// time without counting an attempt. Used when the circuit breaker
	// holds traffic back.
	Defer(ctx context.Context, id string, nextRetryAt time.Time) error
	// MarkCompleted finalizes an item after a successful delivery.
	MarkCompleted(ctx context.Context, id string, metadata Metadata) error
	// MarkFailed finalizes an item terminally.
	MarkFailed(ctx context.Context, id string, metadata Metadata) error
	// SetMetadata replaces the item metadata.
	SetMetadata(ctx context.Context, id string, metadata Metadata) error
	// ResetRetries zeroes the retry count and returns a failed item to
	// pending. Operator tool.
	ResetRetries(ctx context.Context, id string) error
	// FindByDeliveryID returns the item carrying the given delivery id.
	FindByDeliveryID(ctx context.Context, deliveryID string) (Item, error)
	// FindByStatus lists items in the given state, oldest first.
	FindByStatus(ctx context.Context, status Status, limit int) ([]Item, error)
	// RecoverStale returns processing items whose processed_at is older
	// than the cutoff back to pending, and reports how many were
	// reclaimed. Used by the startup recovery sweep.
	RecoverStale(ctx context.Context, olderThan time.Time) (int64, error)
}
