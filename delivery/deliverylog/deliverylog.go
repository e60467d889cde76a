// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

// Package deliverylog keeps the append-style audit trail of delivery
// attempts, one entry per delivery id.
package deliverylog

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

// Error is the default deliverylog errs class.
var Error = errs.Class("deliverylog")

// ErrNotFound is returned when no log entry exists for a delivery id.
var ErrNotFound = errs.Class("delivery log not found")

// Status is the latest delivery outcome recorded in the log.
type Status string

// Delivery log statuses.
const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Entry is the audit trail row for one delivery id. Attempts accumulate
// across retries.
type Entry struct {
	DeliveryID     string
	OrganizationID string
	DestinationID  string

	Attempts []time.Time
	Status   Status

	LastAttemptAt        *time.Time
	DeliveredAt          *time.Time
	FailureReason        string
	CrossSystemReference string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Record is one attempt outcome submitted to Append.
type Record struct {
	DeliveryID     string
	OrganizationID string
	DestinationID  string

	AttemptAt            time.Time
	Success              bool
	Terminal             bool
	FailureReason        string
	CrossSystemReference string
}

// DB stores delivery logs.
//
// architecture: Database
type DB interface {
	// Append records one attempt, creating the entry on first use and
	// updating the latest status otherwise.
	Append(ctx context.Context, record Record) error
	// Get returns the entry for a delivery id.
	Get(ctx context.Context, deliveryID string) (Entry, error)
}
