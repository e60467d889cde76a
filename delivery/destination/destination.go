// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

// Package destination defines delivery destinations, their typed
// configuration, and the handler contract used to dispatch payloads to them.
package destination

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default destination errs class.
	Error = errs.Class("destination")
	// ErrNotFound is returned when a destination does not exist.
	ErrNotFound = errs.Class("destination not found")
	// ErrDisabled is returned when a destination has been disabled.
	ErrDisabled = errs.Class("destination disabled")
	// ErrInvalidConfig is returned for configurations rejected at CRUD time.
	ErrInvalidConfig = errs.Class("invalid destination config")
)

// Type enumerates the supported destination protocols.
type Type string

// Supported destination types.
const (
	TypeWebhook  Type = "webhook"
	TypeEmail    Type = "email"
	TypeSFTP     Type = "sftp"
	TypeStorage  Type = "storage"
	TypeDownload Type = "download"
)

// Valid reports whether the type is one of the supported protocols.
func (t Type) Valid() bool {
	switch t {
	case TypeWebhook, TypeEmail, TypeSFTP, TypeStorage, TypeDownload:
		return true
	}
	return false
}

// Destination is a configured delivery endpoint owned by an organization.
type Destination struct {
	ID             string
	OrganizationID string
	Label          string
	Type           Type
	Config         Config

	Disabled   bool
	DisabledAt *time.Time
	DisabledBy string

	CountUsage int64
	LastUsedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DB stores delivery destinations.
//
// architecture: Database
type DB interface {
	// Create inserts a new destination. (organization_id, label) is unique.
	Create(ctx context.Context, dest Destination) (Destination, error)
	// Get returns a destination by id.
	Get(ctx context.Context, id string) (Destination, error)
	// Update replaces the label and config of an existing destination.
	Update(ctx context.Context, dest Destination) (Destination, error)
	// Disable soft-disables a destination. Deletion is forbidden while
	// active deliveries reference it; disabling is the supported path.
	Disable(ctx context.Context, id, disabledBy string) error
	// FindByOrg lists destinations belonging to an organization.
	FindByOrg(ctx context.Context, organizationID string) ([]Destination, error)
	// RecordUsage increments the usage counter and stamps last_used_at.
	RecordUsage(ctx context.Context, id string, usedAt time.Time) error
}
