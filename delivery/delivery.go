// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

// Package delivery assembles the audit event delivery subsystem: the
// durable queue, protocol handlers, retry and health management, webhook
// secrets, and download links.
package delivery

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/smedrec/smart-logs-sub005/delivery/deliverylog"
	"github.com/smedrec/smart-logs-sub005/delivery/destination"
	"github.com/smedrec/smart-logs-sub005/delivery/downloads"
	"github.com/smedrec/smart-logs-sub005/delivery/health"
	"github.com/smedrec/smart-logs-sub005/delivery/queue"
	"github.com/smedrec/smart-logs-sub005/delivery/secrets"
)

var (
	mon = monkit.Package()

	// Error is the default delivery errs class.
	Error = errs.Class("delivery")
)

// DB is the master database for the delivery subsystem.
//
// architecture: Master Database
type DB interface {
	// Destinations returns the destination database.
	Destinations() destination.DB
	// Queue returns the delivery queue database.
	Queue() queue.DB
	// DeliveryLogs returns the delivery log database.
	DeliveryLogs() deliverylog.DB
	// Health returns the destination health database.
	Health() health.DB
	// Secrets returns the webhook secret database.
	Secrets() secrets.DB
	// DownloadLinks returns the download link database.
	DownloadLinks() downloads.DB

	// MigrateToLatest migrates the database schema.
	MigrateToLatest(ctx context.Context) error
	// CheckVersion verifies the schema is at the expected version.
	CheckVersion(ctx context.Context) error
	// Ping checks connectivity.
	Ping(ctx context.Context) error
	// Close closes the database.
	Close() error
}
