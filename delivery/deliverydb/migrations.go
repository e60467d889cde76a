// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package deliverydb

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"
)

// migration is one schema step. Versions are contiguous from 1 and applied
// inside a single transaction each.
type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "delivery destinations",
		statements: []string{
			`CREATE TABLE delivery_destinations (
				id              TEXT PRIMARY KEY,
				organization_id TEXT NOT NULL,
				label           TEXT NOT NULL,
				type            TEXT NOT NULL,
				config          JSONB NOT NULL,
				disabled        BOOLEAN NOT NULL DEFAULT FALSE,
				disabled_at     TIMESTAMPTZ,
				disabled_by     TEXT NOT NULL DEFAULT '',
				count_usage     BIGINT NOT NULL DEFAULT 0,
				last_used_at    TIMESTAMPTZ,
				created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
				UNIQUE (organization_id, label)
			)`,
			`CREATE INDEX delivery_destinations_org_idx
				ON delivery_destinations (organization_id)`,
		},
	},
	{
		version:     2,
		description: "delivery queue",
		statements: []string{
			`CREATE TABLE delivery_queue (
				id              TEXT PRIMARY KEY,
				delivery_id     TEXT NOT NULL UNIQUE,
				organization_id TEXT NOT NULL,
				destination_id  TEXT NOT NULL REFERENCES delivery_destinations (id),
				correlation_id  TEXT NOT NULL DEFAULT '',
				idempotency_key TEXT NOT NULL DEFAULT '',
				payload_type    TEXT NOT NULL,
				payload_data    JSONB,
				payload_meta    JSONB,
				priority        INTEGER NOT NULL DEFAULT 0,
				scheduled_at    TIMESTAMPTZ NOT NULL,
				next_retry_at   TIMESTAMPTZ,
				processed_at    TIMESTAMPTZ,
				worker_id       TEXT NOT NULL DEFAULT '',
				status          TEXT NOT NULL DEFAULT 'pending',
				retry_count     INTEGER NOT NULL DEFAULT 0,
				max_retries     INTEGER NOT NULL DEFAULT 0,
				metadata        JSONB NOT NULL DEFAULT '{}',
				created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX delivery_queue_ready_idx
				ON delivery_queue (priority DESC, scheduled_at ASC)
				WHERE status = 'pending'`,
			`CREATE UNIQUE INDEX delivery_queue_idempotency_idx
				ON delivery_queue (organization_id, destination_id, idempotency_key)
				WHERE idempotency_key <> '' AND status IN ('pending', 'processing', 'completed')`,
		},
	},
	{
		version:     3,
		description: "delivery logs",
		statements: []string{
			`CREATE TABLE delivery_logs (
				delivery_id            TEXT PRIMARY KEY,
				organization_id        TEXT NOT NULL,
				destination_id         TEXT NOT NULL,
				attempts               JSONB NOT NULL DEFAULT '[]',
				status                 TEXT NOT NULL DEFAULT 'pending',
				last_attempt_at        TIMESTAMPTZ,
				delivered_at           TIMESTAMPTZ,
				failure_reason         TEXT NOT NULL DEFAULT '',
				cross_system_reference TEXT NOT NULL DEFAULT '',
				created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX delivery_logs_org_idx ON delivery_logs (organization_id)`,
		},
	},
	{
		version:     4,
		description: "destination health",
		statements: []string{
			`CREATE TABLE destination_health (
				destination_id        TEXT PRIMARY KEY REFERENCES delivery_destinations (id),
				status                TEXT NOT NULL DEFAULT 'healthy',
				circuit_state         TEXT NOT NULL DEFAULT 'closed',
				circuit_opened_at     TIMESTAMPTZ,
				consecutive_failures  INTEGER NOT NULL DEFAULT 0,
				total_deliveries      BIGINT NOT NULL DEFAULT 0,
				total_failures        BIGINT NOT NULL DEFAULT 0,
				average_response_time BIGINT NOT NULL DEFAULT 0,
				last_attempt_at       TIMESTAMPTZ,
				last_failure_at       TIMESTAMPTZ,
				updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
		},
	},
	{
		version:     5,
		description: "webhook secrets",
		statements: []string{
			`CREATE TABLE webhook_secrets (
				id               TEXT PRIMARY KEY,
				destination_id   TEXT NOT NULL REFERENCES delivery_destinations (id),
				encrypted_secret TEXT NOT NULL,
				algorithm        TEXT NOT NULL DEFAULT 'HMAC-SHA256',
				is_active        BOOLEAN NOT NULL DEFAULT TRUE,
				is_primary       BOOLEAN NOT NULL DEFAULT FALSE,
				expires_at       TIMESTAMPTZ,
				rotated_at       TIMESTAMPTZ,
				usage_count      BIGINT NOT NULL DEFAULT 0,
				last_used_at     TIMESTAMPTZ,
				created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX webhook_secrets_destination_idx
				ON webhook_secrets (destination_id) WHERE is_active`,
		},
	},
	{
		version:     6,
		description: "download links",
		statements: []string{
			`CREATE TABLE download_links (
				id              TEXT PRIMARY KEY,
				organization_id TEXT NOT NULL,
				delivery_id     TEXT NOT NULL DEFAULT '',
				object_type     TEXT NOT NULL DEFAULT '',
				file_name       TEXT NOT NULL DEFAULT '',
				file_size       BIGINT NOT NULL DEFAULT 0,
				expires_at      TIMESTAMPTZ NOT NULL,
				max_access      INTEGER NOT NULL DEFAULT 0,
				access_count    INTEGER NOT NULL DEFAULT 0,
				is_active       BOOLEAN NOT NULL DEFAULT TRUE,
				revoked_at      TIMESTAMPTZ,
				revoked_reason  TEXT NOT NULL DEFAULT '',
				created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX download_links_org_idx
				ON download_links (organization_id, created_at DESC)`,
			`CREATE TABLE download_accesses (
				id         BIGSERIAL PRIMARY KEY,
				link_id    TEXT NOT NULL,
				success    BOOLEAN NOT NULL,
				user_id    TEXT NOT NULL DEFAULT '',
				ip         TEXT NOT NULL DEFAULT '',
				user_agent TEXT NOT NULL DEFAULT '',
				reason     TEXT NOT NULL DEFAULT '',
				at         TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			`CREATE INDEX download_accesses_link_idx
				ON download_accesses (link_id, at DESC)`,
		},
	},
}

// MigrateToLatest creates the schema version table when missing and applies
// every unapplied migration in order.
func (db *DB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version     INTEGER PRIMARY KEY,
		description TEXT NOT NULL,
		applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return Error.Wrap(err)
	}

	current, err := db.schemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, step := range migrations {
		if step.version <= current {
			continue
		}
		if err := db.applyMigration(ctx, step); err != nil {
			return err
		}
		db.log.Info("applied migration",
			zap.Int("version", step.version),
			zap.String("description", step.description))
	}
	return nil
}

func (db *DB) applyMigration(ctx context.Context, step migration) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, statement := range step.statements {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return Error.New("migration %d failed: %v", step.version, err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, description) VALUES ($1, $2)`,
		step.version, step.description)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(tx.Commit())
}

func (db *DB) schemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := db.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM schema_version`).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, Error.Wrap(err)
	}
	return int(version.Int64), nil
}

// CheckVersion verifies the schema is fully migrated.
func (db *DB) CheckVersion(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	current, err := db.schemaVersion(ctx)
	if err != nil {
		return err
	}
	latest := migrations[len(migrations)-1].version
	if current != latest {
		return Error.New("schema version %d does not match latest %d; run migrations", current, latest)
	}
	return nil
}
