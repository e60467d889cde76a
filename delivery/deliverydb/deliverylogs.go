// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package deliverydb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/smedrec/smart-logs-sub005/delivery/deliverylog"
)

// deliveryLogsDB implements deliverylog.DB.
//
// architecture: Database Implementation
type deliveryLogsDB struct {
	db *sql.DB
}

func (db *deliveryLogsDB) Append(ctx context.Context, record deliverylog.Record) (err error) {
	defer mon.Task()(&ctx)(&err)

	status := deliverylog.StatusPending
	if record.Success {
		status = deliverylog.StatusDelivered
	} else if record.Terminal {
		status = deliverylog.StatusFailed
	}

	var deliveredAt any
	if record.Success {
		deliveredAt = record.AttemptAt
	}

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO delivery_logs
			(delivery_id, organization_id, destination_id, attempts, status,
			 last_attempt_at, delivered_at, failure_reason, cross_system_reference)
		VALUES ($1, $2, $3, jsonb_build_array(to_jsonb($4::timestamptz)), $5, $4, $6, $7, $8)
		ON CONFLICT (delivery_id) DO UPDATE SET
			attempts = delivery_logs.attempts || to_jsonb($4::timestamptz),
			status = $5,
			last_attempt_at = $4,
			delivered_at = COALESCE($6, delivery_logs.delivered_at),
			failure_reason = $7,
			cross_system_reference = CASE WHEN $8 <> ''
				THEN $8 ELSE delivery_logs.cross_system_reference END,
			updated_at = now()`,
		record.DeliveryID, record.OrganizationID, record.DestinationID,
		record.AttemptAt, string(status), deliveredAt,
		record.FailureReason, record.CrossSystemReference)
	return deliverylog.Error.Wrap(err)
}

func (db *deliveryLogsDB) Get(ctx context.Context, deliveryID string) (_ deliverylog.Entry, err error) {
	defer mon.Task()(&ctx)(&err)

	var (
		entry         deliverylog.Entry
		attempts      []byte
		status        string
		lastAttemptAt sql.NullTime
		deliveredAt   sql.NullTime
	)
	err = db.db.QueryRowContext(ctx, `
		SELECT delivery_id, organization_id, destination_id, attempts, status,
			last_attempt_at, delivered_at, failure_reason,
			cross_system_reference, created_at, updated_at
		FROM delivery_logs WHERE delivery_id = $1`, deliveryID).Scan(
		&entry.DeliveryID, &entry.OrganizationID, &entry.DestinationID,
		&attempts, &status, &lastAttemptAt, &deliveredAt,
		&entry.FailureReason, &entry.CrossSystemReference,
		&entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return deliverylog.Entry{}, deliverylog.ErrNotFound.New("%s", deliveryID)
		}
		return deliverylog.Entry{}, deliverylog.Error.Wrap(err)
	}

	entry.Status = deliverylog.Status(status)
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &entry.Attempts); err != nil {
			return deliverylog.Entry{}, deliverylog.Error.Wrap(err)
		}
	}
	if lastAttemptAt.Valid {
		entry.LastAttemptAt = &lastAttemptAt.Time
	}
	if deliveredAt.Valid {
		entry.DeliveredAt = &deliveredAt.Time
	}
	return entry, nil
}
