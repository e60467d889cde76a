// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

// Package deliverydb implements the delivery master database on PostgreSQL.
package deliverydb

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/smedrec/smart-logs-sub005/delivery"
	"github.com/smedrec/smart-logs-sub005/delivery/deliverylog"
	"github.com/smedrec/smart-logs-sub005/delivery/destination"
	"github.com/smedrec/smart-logs-sub005/delivery/downloads"
	"github.com/smedrec/smart-logs-sub005/delivery/health"
	"github.com/smedrec/smart-logs-sub005/delivery/queue"
	"github.com/smedrec/smart-logs-sub005/delivery/secrets"
)

var (
	mon = monkit.Package()

	// Error is the default deliverydb errs class.
	Error = errs.Class("deliverydb")
)

// Config contains database connection settings.
type Config struct {
	URL             string        `help:"postgres connection string" default:""`
	MaxOpenConns    int           `help:"maximum open database connections" default:"25"`
	MaxIdleConns    int           `help:"maximum idle database connections" default:"10"`
	ConnMaxLifetime time.Duration `help:"maximum lifetime of a database connection" default:"30m"`
}

// DB is the PostgreSQL implementation of delivery.DB.
//
// architecture: Master Database
type DB struct {
	log *zap.Logger
	db  *sql.DB

	destinations  *destinationsDB
	queue         *queueDB
	deliveryLogs  *deliveryLogsDB
	health        *healthDB
	secrets       *secretsDB
	downloadLinks *downloadLinksDB
}

// Open connects to the database and prepares the per-entity databases. The
// schema is not touched; call MigrateToLatest separately.
func Open(ctx context.Context, log *zap.Logger, config Config) (*DB, error) {
	handle, err := sql.Open("pgx", config.URL)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if config.MaxOpenConns > 0 {
		handle.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		handle.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		handle.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	if err := handle.PingContext(ctx); err != nil {
		_ = handle.Close()
		return nil, Error.New("cannot reach database: %v", err)
	}
	return Wrap(log, handle), nil
}

// Wrap builds the master database around an existing handle. Used by Open
// and by tests that substitute a mock handle.
func Wrap(log *zap.Logger, handle *sql.DB) *DB {
	db := &DB{log: log, db: handle}
	db.destinations = &destinationsDB{db: handle}
	db.queue = &queueDB{db: handle}
	db.deliveryLogs = &deliveryLogsDB{db: handle}
	db.health = &healthDB{db: handle}
	db.secrets = &secretsDB{db: handle}
	db.downloadLinks = &downloadLinksDB{db: handle}
	return db
}

var _ delivery.DB = (*DB)(nil)

// Destinations implements delivery.DB.
func (db *DB) Destinations() destination.DB { return db.destinations }

// Queue implements delivery.DB.
func (db *DB) Queue() queue.DB { return db.queue }

// DeliveryLogs implements delivery.DB.
func (db *DB) DeliveryLogs() deliverylog.DB { return db.deliveryLogs }

// Health implements delivery.DB.
func (db *DB) Health() health.DB { return db.health }

// Secrets implements delivery.DB.
func (db *DB) Secrets() secrets.DB { return db.secrets }

// DownloadLinks implements delivery.DB.
func (db *DB) DownloadLinks() downloads.DB { return db.downloadLinks }

// Ping implements delivery.DB.
func (db *DB) Ping(ctx context.Context) error {
	return Error.Wrap(db.db.PingContext(ctx))
}

// Close implements delivery.DB.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}
