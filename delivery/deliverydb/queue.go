// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package deliverydb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"github.com/smedrec/smart-logs-sub005/delivery/queue"
)

// queueDB implements queue.DB.
//
// architecture: Database Implementation
type queueDB struct {
	db *sql.DB
}

const queueColumns = `id, delivery_id, organization_id, destination_id,
	correlation_id, idempotency_key, payload_type, payload_data, payload_meta,
	priority, scheduled_at, next_retry_at, processed_at, status,
	retry_count, max_retries, metadata, created_at, updated_at`

func (db *queueDB) Enqueue(ctx context.Context, item queue.Item) (_ queue.Item, created bool, err error) {
	defer mon.Task()(&ctx)(&err)

	metadata, err := json.Marshal(item.Metadata)
	if err != nil {
		return queue.Item{}, false, queue.Error.Wrap(err)
	}
	payloadMeta, err := json.Marshal(item.Payload.Metadata)
	if err != nil {
		return queue.Item{}, false, queue.Error.Wrap(err)
	}

	row := db.db.QueryRowContext(ctx, `
		INSERT INTO delivery_queue
			(id, delivery_id, organization_id, destination_id,
			 correlation_id, idempotency_key, payload_type, payload_data,
			 payload_meta, priority, scheduled_at, status, max_retries, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending', $12, $13)
		ON CONFLICT DO NOTHING
		RETURNING `+queueColumns,
		item.ID, item.Payload.DeliveryID, item.OrganizationID, item.DestinationID,
		item.CorrelationID, item.IdempotencyKey, item.Payload.Type,
		nullableJSON(item.Payload.Data), payloadMeta,
		item.Priority, item.ScheduledAt, item.MaxRetries, metadata)

	inserted, err := scanQueueItem(row)
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return queue.Item{}, false, queue.Error.Wrap(err)
	}

	// conflict: return the live item holding the idempotency key
	row = db.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+`
		FROM delivery_queue
		WHERE organization_id = $1 AND destination_id = $2 AND idempotency_key = $3
			AND status IN ('pending', 'processing', 'completed')`,
		item.OrganizationID, item.DestinationID, item.IdempotencyKey)

	existing, err := scanQueueItem(row)
	if err != nil {
		return queue.Item{}, false, queue.ErrDuplicateIdempotencyKey.Wrap(err)
	}
	return existing, false, nil
}

func (db *queueDB) ClaimReady(ctx context.Context, batchSize int, workerID string) (_ []queue.Item, err error) {
	defer mon.Task()(&ctx)(&err)

	if batchSize <= 0 {
		batchSize = 1
	}

	rows, err := db.db.QueryContext(ctx, `
		WITH ready AS (
			SELECT id FROM delivery_queue
			WHERE status = 'pending'
				AND scheduled_at <= now()
				AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE delivery_queue AS dq
		SET status = 'processing', processed_at = now(), worker_id = $2,
			updated_at = now()
		FROM ready
		WHERE dq.id = ready.id
		RETURNING `+prefixColumns("dq", queueColumns),
		batchSize, workerID)
	if err != nil {
		return nil, queue.Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var items []queue.Item
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, queue.Error.Wrap(err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, queue.Error.Wrap(err)
	}

	// claimed items run by priority then age
	return items, nil
}

func (db *queueDB) UpdateStatus(ctx context.Context, id string, status queue.Status) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE delivery_queue SET status = $2, updated_at = now()
		WHERE id = $1`, id, string(status))
	if err != nil {
		return queue.Error.Wrap(err)
	}
	return affectedOrNotFound(result, id)
}

func (db *queueDB) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, metadata queue.Metadata) (err error) {
	defer mon.Task()(&ctx)(&err)

	encoded, err := json.Marshal(metadata)
	if err != nil {
		return queue.Error.Wrap(err)
	}
	result, err := db.db.ExecContext(ctx, `
		UPDATE delivery_queue
		SET status = 'pending', next_retry_at = $2, retry_count = retry_count + 1,
			metadata = $3, processed_at = NULL, updated_at = now()
		WHERE id = $1`, id, nextRetryAt, encoded)
	if err != nil {
		return queue.Error.Wrap(err)
	}
	return affectedOrNotFound(result, id)
}

func (db *queueDB) Defer(ctx context.Context, id string, nextRetryAt time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE delivery_queue
		SET status = 'pending', next_retry_at = $2, processed_at = NULL,
			updated_at = now()
		WHERE id = $1`, id, nextRetryAt)
	if err != nil {
		return queue.Error.Wrap(err)
	}
	return affectedOrNotFound(result, id)
}

func (db *queueDB) MarkCompleted(ctx context.Context, id string, metadata queue.Metadata) (err error) {
	defer mon.Task()(&ctx)(&err)
	return db.finalize(ctx, id, queue.StatusCompleted, metadata)
}

func (db *queueDB) MarkFailed(ctx context.Context, id string, metadata queue.Metadata) (err error) {
	defer mon.Task()(&ctx)(&err)
	return db.finalize(ctx, id, queue.StatusFailed, metadata)
}

func (db *queueDB) finalize(ctx context.Context, id string, status queue.Status, metadata queue.Metadata) error {
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return queue.Error.Wrap(err)
	}
	result, err := db.db.ExecContext(ctx, `
		UPDATE delivery_queue
		SET status = $2, metadata = $3, updated_at = now()
		WHERE id = $1`, id, string(status), encoded)
	if err != nil {
		return queue.Error.Wrap(err)
	}
	return affectedOrNotFound(result, id)
}

func (db *queueDB) SetMetadata(ctx context.Context, id string, metadata queue.Metadata) (err error) {
	defer mon.Task()(&ctx)(&err)

	encoded, err := json.Marshal(metadata)
	if err != nil {
		return queue.Error.Wrap(err)
	}
	result, err := db.db.ExecContext(ctx, `
		UPDATE delivery_queue SET metadata = $2, updated_at = now()
		WHERE id = $1`, id, encoded)
	if err != nil {
		return queue.Error.Wrap(err)
	}
	return affectedOrNotFound(result, id)
}

func (db *queueDB) ResetRetries(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE delivery_queue
		SET status = 'pending', retry_count = 0, next_retry_at = NULL,
			processed_at = NULL, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return queue.Error.Wrap(err)
	}
	return affectedOrNotFound(result, id)
}

func (db *queueDB) FindByDeliveryID(ctx context.Context, deliveryID string) (_ queue.Item, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+`
		FROM delivery_queue WHERE delivery_id = $1`, deliveryID)

	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.Item{}, queue.ErrItemNotFound.New("%s", deliveryID)
		}
		return queue.Item{}, queue.Error.Wrap(err)
	}
	return item, nil
}

func (db *queueDB) FindByStatus(ctx context.Context, status queue.Status, limit int) (_ []queue.Item, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 100
	}
	rows, err := db.db.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM delivery_queue WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, queue.Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var items []queue.Item
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, queue.Error.Wrap(err)
		}
		items = append(items, item)
	}
	return items, queue.Error.Wrap(rows.Err())
}

func (db *queueDB) RecoverStale(ctx context.Context, olderThan time.Time) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE delivery_queue
		SET status = 'pending', processed_at = NULL, updated_at = now()
		WHERE status = 'processing' AND processed_at < $1`, olderThan)
	if err != nil {
		return 0, queue.Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	return affected, queue.Error.Wrap(err)
}

func scanQueueItem(row scanner) (queue.Item, error) {
	var (
		item        queue.Item
		payloadData []byte
		payloadMeta []byte
		metadata    []byte
		nextRetryAt sql.NullTime
		processedAt sql.NullTime
		status      string
	)
	err := row.Scan(&item.ID, &item.Payload.DeliveryID, &item.OrganizationID,
		&item.DestinationID, &item.CorrelationID, &item.IdempotencyKey,
		&item.Payload.Type, &payloadData, &payloadMeta,
		&item.Priority, &item.ScheduledAt, &nextRetryAt, &processedAt, &status,
		&item.RetryCount, &item.MaxRetries, &metadata,
		&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return queue.Item{}, err
	}

	item.Status = queue.Status(status)
	item.Payload.Data = payloadData
	item.Payload.OrganizationID = item.OrganizationID
	item.Payload.CorrelationID = item.CorrelationID
	item.Payload.IdempotencyKey = item.IdempotencyKey
	if len(payloadMeta) > 0 {
		if err := json.Unmarshal(payloadMeta, &item.Payload.Metadata); err != nil {
			return queue.Item{}, err
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &item.Metadata); err != nil {
			return queue.Item{}, err
		}
	}
	if nextRetryAt.Valid {
		item.NextRetryAt = &nextRetryAt.Time
	}
	if processedAt.Valid {
		item.ProcessedAt = &processedAt.Time
	}
	return item, nil
}

func affectedOrNotFound(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return queue.Error.Wrap(err)
	}
	if affected == 0 {
		return queue.ErrItemNotFound.New("%s", id)
	}
	return nil
}

// nullableJSON passes nil for empty raw JSON so the column stays NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// prefixColumns qualifies a comma-separated column list with a table alias,
// for RETURNING clauses in UPDATE ... FROM statements.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
