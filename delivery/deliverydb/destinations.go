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

	"github.com/smedrec/smart-logs-sub005/delivery/destination"
)

// destinationsDB implements destination.DB.
//
// architecture: Database Implementation
type destinationsDB struct {
	db *sql.DB
}

const destinationColumns = `id, organization_id, label, type, config,
	disabled, disabled_at, disabled_by, count_usage, last_used_at,
	created_at, updated_at`

func (db *destinationsDB) Create(ctx context.Context, dest destination.Destination) (_ destination.Destination, err error) {
	defer mon.Task()(&ctx)(&err)

	config, err := json.Marshal(dest.Config)
	if err != nil {
		return destination.Destination{}, destination.Error.Wrap(err)
	}

	row := db.db.QueryRowContext(ctx, `
		INSERT INTO delivery_destinations
			(id, organization_id, label, type, config)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+destinationColumns,
		dest.ID, dest.OrganizationID, dest.Label, string(dest.Type), config)

	created, err := scanDestination(row)
	if err != nil {
		if isUniqueViolation(err) {
			return destination.Destination{}, destination.Error.New(
				"label %q already exists in organization %s", dest.Label, dest.OrganizationID)
		}
		return destination.Destination{}, destination.Error.Wrap(err)
	}
	return created, nil
}

func (db *destinationsDB) Get(ctx context.Context, id string) (_ destination.Destination, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT `+destinationColumns+`
		FROM delivery_destinations WHERE id = $1`, id)

	dest, err := scanDestination(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return destination.Destination{}, destination.ErrNotFound.New("%s", id)
		}
		return destination.Destination{}, destination.Error.Wrap(err)
	}
	return dest, nil
}

func (db *destinationsDB) Update(ctx context.Context, dest destination.Destination) (_ destination.Destination, err error) {
	defer mon.Task()(&ctx)(&err)

	config, err := json.Marshal(dest.Config)
	if err != nil {
		return destination.Destination{}, destination.Error.Wrap(err)
	}

	row := db.db.QueryRowContext(ctx, `
		UPDATE delivery_destinations
		SET label = $2, config = $3, updated_at = now()
		WHERE id = $1
		RETURNING `+destinationColumns,
		dest.ID, dest.Label, config)

	updated, err := scanDestination(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return destination.Destination{}, destination.ErrNotFound.New("%s", dest.ID)
		}
		return destination.Destination{}, destination.Error.Wrap(err)
	}
	return updated, nil
}

func (db *destinationsDB) Disable(ctx context.Context, id, disabledBy string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE delivery_destinations
		SET disabled = TRUE, disabled_at = now(), disabled_by = $2, updated_at = now()
		WHERE id = $1`, id, disabledBy)
	if err != nil {
		return destination.Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return destination.Error.Wrap(err)
	}
	if affected == 0 {
		return destination.ErrNotFound.New("%s", id)
	}
	return nil
}

func (db *destinationsDB) FindByOrg(ctx context.Context, organizationID string) (_ []destination.Destination, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT `+destinationColumns+`
		FROM delivery_destinations
		WHERE organization_id = $1
		ORDER BY created_at`, organizationID)
	if err != nil {
		return nil, destination.Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var dests []destination.Destination
	for rows.Next() {
		dest, err := scanDestination(rows)
		if err != nil {
			return nil, destination.Error.Wrap(err)
		}
		dests = append(dests, dest)
	}
	return dests, destination.Error.Wrap(rows.Err())
}

func (db *destinationsDB) RecordUsage(ctx context.Context, id string, usedAt time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		UPDATE delivery_destinations
		SET count_usage = count_usage + 1, last_used_at = $2, updated_at = now()
		WHERE id = $1`, id, usedAt)
	return destination.Error.Wrap(err)
}

// scanner abstracts sql.Row and sql.Rows for the scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanDestination(row scanner) (destination.Destination, error) {
	var (
		dest       destination.Destination
		typ        string
		config     []byte
		disabledAt sql.NullTime
		lastUsedAt sql.NullTime
	)
	err := row.Scan(&dest.ID, &dest.OrganizationID, &dest.Label, &typ, &config,
		&dest.Disabled, &disabledAt, &dest.DisabledBy, &dest.CountUsage, &lastUsedAt,
		&dest.CreatedAt, &dest.UpdatedAt)
	if err != nil {
		return destination.Destination{}, err
	}
	dest.Type = destination.Type(typ)
	if err := json.Unmarshal(config, &dest.Config); err != nil {
		return destination.Destination{}, err
	}
	if disabledAt.Valid {
		dest.DisabledAt = &disabledAt.Time
	}
	if lastUsedAt.Valid {
		dest.LastUsedAt = &lastUsedAt.Time
	}
	return dest, nil
}

// isUniqueViolation detects a unique constraint error without binding to the
// driver's error type.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate key value")
}
