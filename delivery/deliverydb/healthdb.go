// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package deliverydb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"github.com/smedrec/smart-logs-sub005/delivery/health"
)

// healthDB implements health.DB.
//
// architecture: Database Implementation
type healthDB struct {
	db *sql.DB
}

const healthColumns = `destination_id, status, circuit_state, circuit_opened_at,
	consecutive_failures, total_deliveries, total_failures,
	average_response_time, last_attempt_at, last_failure_at, updated_at`

func (db *healthDB) Upsert(ctx context.Context, record health.Health) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO destination_health
			(destination_id, status, circuit_state, circuit_opened_at,
			 consecutive_failures, total_deliveries, total_failures,
			 average_response_time, last_attempt_at, last_failure_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (destination_id) DO UPDATE SET
			status = $2, circuit_state = $3, circuit_opened_at = $4,
			consecutive_failures = $5, total_deliveries = $6, total_failures = $7,
			average_response_time = $8, last_attempt_at = $9,
			last_failure_at = $10, updated_at = $11`,
		record.DestinationID, string(record.Status), string(record.CircuitState),
		nullableTime(record.CircuitOpenedAt), record.ConsecutiveFailures,
		record.TotalDeliveries, record.TotalFailures,
		record.AverageResponseTime.Nanoseconds(),
		nullableTime(record.LastAttemptAt), nullableTime(record.LastFailureAt),
		record.UpdatedAt)
	return health.Error.Wrap(err)
}

func (db *healthDB) Get(ctx context.Context, destinationID string) (_ health.Health, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT `+healthColumns+`
		FROM destination_health WHERE destination_id = $1`, destinationID)

	record, err := scanHealth(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return health.Health{}, health.ErrNotFound.New("%s", destinationID)
		}
		return health.Health{}, health.Error.Wrap(err)
	}
	return record, nil
}

func (db *healthDB) FindUnhealthy(ctx context.Context) (_ []health.Health, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT `+healthColumns+`
		FROM destination_health
		WHERE status = 'unhealthy' OR circuit_state = 'open'
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, health.Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var records []health.Health
	for rows.Next() {
		record, err := scanHealth(rows)
		if err != nil {
			return nil, health.Error.Wrap(err)
		}
		records = append(records, record)
	}
	return records, health.Error.Wrap(rows.Err())
}

func (db *healthDB) CountUnhealthy(ctx context.Context) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int64
	err = db.db.QueryRowContext(ctx, `
		SELECT count(*) FROM destination_health
		WHERE status = 'unhealthy' OR circuit_state = 'open'`).Scan(&count)
	return count, health.Error.Wrap(err)
}

func scanHealth(row scanner) (health.Health, error) {
	var (
		record          health.Health
		status          string
		circuitState    string
		circuitOpenedAt sql.NullTime
		avgResponseNs   int64
		lastAttemptAt   sql.NullTime
		lastFailureAt   sql.NullTime
	)
	err := row.Scan(&record.DestinationID, &status, &circuitState,
		&circuitOpenedAt, &record.ConsecutiveFailures,
		&record.TotalDeliveries, &record.TotalFailures, &avgResponseNs,
		&lastAttemptAt, &lastFailureAt, &record.UpdatedAt)
	if err != nil {
		return health.Health{}, err
	}

	record.Status = health.Status(status)
	record.CircuitState = health.CircuitState(circuitState)
	record.AverageResponseTime = time.Duration(avgResponseNs)
	if circuitOpenedAt.Valid {
		record.CircuitOpenedAt = &circuitOpenedAt.Time
	}
	if lastAttemptAt.Valid {
		record.LastAttemptAt = &lastAttemptAt.Time
	}
	if lastFailureAt.Valid {
		record.LastFailureAt = &lastFailureAt.Time
	}
	return record, nil
}

// nullableTime passes nil for absent timestamps.
func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
