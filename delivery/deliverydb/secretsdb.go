// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package deliverydb

import (
	"context"
	"database/sql"
	"time"

	"github.com/zeebo/errs"

	"github.com/smedrec/smart-logs-sub005/delivery/secrets"
)

// secretsDB implements secrets.DB. The secret_key column stores ciphertext;
// encryption happens in the secret manager.
//
// architecture: Database Implementation
type secretsDB struct {
	db *sql.DB
}

const secretColumns = `id, destination_id, encrypted_secret, algorithm,
	is_active, is_primary, expires_at, rotated_at, usage_count, last_used_at,
	created_at`

func (db *secretsDB) Create(ctx context.Context, secret secrets.Secret) (_ secrets.Secret, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		INSERT INTO webhook_secrets
			(id, destination_id, encrypted_secret, algorithm, is_active,
			 is_primary, expires_at, rotated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+secretColumns,
		secret.ID, secret.DestinationID, secret.SecretKey, secret.Algorithm,
		secret.IsActive, secret.IsPrimary,
		nullableTime(secret.ExpiresAt), nullableTime(secret.RotatedAt))

	created, err := scanSecret(row)
	if err != nil {
		return secrets.Secret{}, secrets.Error.Wrap(err)
	}
	return created, nil
}

func (db *secretsDB) FindActiveByDestination(ctx context.Context, destinationID string) (_ []secrets.Secret, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT `+secretColumns+`
		FROM webhook_secrets
		WHERE destination_id = $1 AND is_active
		ORDER BY is_primary DESC, created_at DESC`, destinationID)
	if err != nil {
		return nil, secrets.Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var found []secrets.Secret
	for rows.Next() {
		secret, err := scanSecret(rows)
		if err != nil {
			return nil, secrets.Error.Wrap(err)
		}
		found = append(found, secret)
	}
	return found, secrets.Error.Wrap(rows.Err())
}

func (db *secretsDB) MarkInactive(ctx context.Context, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		UPDATE webhook_secrets
		SET is_active = FALSE, is_primary = FALSE
		WHERE id = $1`, id)
	return secrets.Error.Wrap(err)
}

func (db *secretsDB) SetPrimary(ctx context.Context, id string, primary bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		UPDATE webhook_secrets SET is_primary = $2 WHERE id = $1`, id, primary)
	return secrets.Error.Wrap(err)
}

func (db *secretsDB) SetExpiresAt(ctx context.Context, id string, expiresAt time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		UPDATE webhook_secrets SET expires_at = $2, rotated_at = now()
		WHERE id = $1`, id, expiresAt)
	return secrets.Error.Wrap(err)
}

func (db *secretsDB) RecordUse(ctx context.Context, id string, usedAt time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		UPDATE webhook_secrets
		SET usage_count = usage_count + 1, last_used_at = $2
		WHERE id = $1`, id, usedAt)
	return secrets.Error.Wrap(err)
}

func (db *secretsDB) Cleanup(ctx context.Context, before time.Time) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		DELETE FROM webhook_secrets
		WHERE NOT is_active
			OR (expires_at IS NOT NULL AND expires_at < $1)`, before)
	if err != nil {
		return 0, secrets.Error.Wrap(err)
	}
	removed, err := result.RowsAffected()
	return removed, secrets.Error.Wrap(err)
}

func scanSecret(row scanner) (secrets.Secret, error) {
	var (
		secret     secrets.Secret
		expiresAt  sql.NullTime
		rotatedAt  sql.NullTime
		lastUsedAt sql.NullTime
	)
	err := row.Scan(&secret.ID, &secret.DestinationID, &secret.SecretKey,
		&secret.Algorithm, &secret.IsActive, &secret.IsPrimary,
		&expiresAt, &rotatedAt, &secret.UsageCount, &lastUsedAt,
		&secret.CreatedAt)
	if err != nil {
		return secrets.Secret{}, err
	}
	if expiresAt.Valid {
		secret.ExpiresAt = &expiresAt.Time
	}
	if rotatedAt.Valid {
		secret.RotatedAt = &rotatedAt.Time
	}
	if lastUsedAt.Valid {
		secret.LastUsedAt = &lastUsedAt.Time
	}
	return secret, nil
}
