// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

// Package downloads tracks time-limited download links: creation, access
// validation and auditing, analytics, and scheduled cleanup of expired rows.
package downloads

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default downloads errs class.
	Error = errs.Class("downloads")
	// ErrNotFound is returned when a link does not exist.
	ErrNotFound = errs.Class("download link not found")
)

// Link is a time-limited download link row.
//
// architecture: Database
type Link struct {
	ID             string
	OrganizationID string
	DeliveryID     string
	ObjectType     string
	FileName       string
	FileSize       int64
	ExpiresAt      time.Time
	MaxAccess      int
	AccessCount    int
	IsActive       bool
	RevokedAt      *time.Time
	RevokedReason  string
	CreatedAt      time.Time
}

// Access is one recorded access attempt, successful or not.
type Access struct {
	LinkID    string
	Success   bool
	UserID    string
	IP        string
	UserAgent string
	Reason    string
	At        time.Time
}

// DB is the download link persistence interface.
//
// architecture: Database
type DB interface {
	// Create inserts a new link row.
	Create(ctx context.Context, link Link) (Link, error)
	// Get returns a link by id.
	Get(ctx context.Context, id string) (Link, error)
	// RecordAccess appends an access record and, on success, increments
	// the link's access count atomically.
	RecordAccess(ctx context.Context, access Access) error
	// Revoke deactivates a link with a reason.
	Revoke(ctx context.Context, id, reason string, at time.Time) error
	// ListAccesses returns access records for a link, newest first.
	ListAccesses(ctx context.Context, linkID string, limit int) ([]Access, error)
	// FindByOrganization returns links for an organization created within
	// the window, optionally filtered by object type.
	FindByOrganization(ctx context.Context, orgID string, since time.Time, objectType string) ([]Link, error)
	// RecentAccesses returns the organization's most recent access
	// records across all links, newest first.
	RecentAccesses(ctx context.Context, orgID string, limit int) ([]Access, error)
	// DeleteExpired removes links that expired or were revoked before the
	// cutoff and returns the rows removed and their summed file sizes.
	DeleteExpired(ctx context.Context, before time.Time) (removed int64, bytesFreed int64, err error)
}

// AccessDecision is the outcome of validating a download attempt.
type AccessDecision struct {
	Allowed         bool
	Reason          string
	RemainingAccess int
	TimeUntilExpiry time.Duration
}

// Analytics summarizes an organization's download activity.
type Analytics struct {
	TotalLinks      int
	TotalAccesses   int
	UniqueUsers     int
	TopObjectTypes  []ObjectTypeCount
	DailyHistogram  []DayCount
	RecentActivity  []Access
}

// ObjectTypeCount pairs an object type with its link count.
type ObjectTypeCount struct {
	ObjectType string
	Count      int
}

// DayCount is one bucket of the daily link-creation histogram.
type DayCount struct {
	Day   time.Time
	Count int
}

// BucketCount is one time bucket of an access histogram.
type BucketCount struct {
	Start time.Time
	Count int
}

// KeyCount ranks a user agent or client address by occurrences.
type KeyCount struct {
	Key   string
	Count int
}

// LinkStats summarizes one link's access history: totals over the 24-hour
// and 30-day windows, an hourly and a daily histogram, and the most common
// user agents and client addresses.
type LinkStats struct {
	Accesses24h   int
	Accesses30d   int
	SuccessRate   float64
	Hourly        []BucketCount
	Daily         []BucketCount
	TopUserAgents []KeyCount
	TopIPs        []KeyCount
}
