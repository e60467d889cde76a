// Copyright (C) 2025 SMEDREC
// See LICENSE for copying information.

package deliverydb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/zeebo/errs"

	"github.com/smedrec/smart-logs-sub005/delivery/downloads"
)

// downloadLinksDB implements downloads.DB.
//
// architecture: Database Implementation
type downloadLinksDB struct {
	db *sql.DB
}

const linkColumns = `id, organization_id, delivery_id, object_type, file_name,
	file_size, expires_at, max_access, access_count, is_active, revoked_at,
	revoked_reason, created_at`

func (db *downloadLinksDB) Create(ctx context.Context, link downloads.Link) (_ downloads.Link, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		INSERT INTO download_links
			(id, organization_id, delivery_id, object_type, file_name,
			 file_size, expires_at, max_access, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+linkColumns,
		link.ID, link.OrganizationID, link.DeliveryID, link.ObjectType,
		link.FileName, link.FileSize, link.ExpiresAt, link.MaxAccess,
		link.IsActive, link.CreatedAt)

	created, err := scanLink(row)
	if err != nil {
		return downloads.Link{}, downloads.Error.Wrap(err)
	}
	return created, nil
}

func (db *downloadLinksDB) Get(ctx context.Context, id string) (_ downloads.Link, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT `+linkColumns+`
		FROM download_links WHERE id = $1`, id)

	link, err := scanLink(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return downloads.Link{}, downloads.ErrNotFound.New("%s", id)
		}
		return downloads.Link{}, downloads.Error.Wrap(err)
	}
	return link, nil
}

func (db *downloadLinksDB) RecordAccess(ctx context.Context, access downloads.Access) (err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return downloads.Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO download_accesses
			(link_id, success, user_id, ip, user_agent, reason, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		access.LinkID, access.Success, access.UserID, access.IP,
		access.UserAgent, access.Reason, access.At)
	if err != nil {
		return downloads.Error.Wrap(err)
	}

	if access.Success {
		result, err := tx.ExecContext(ctx, `
			UPDATE download_links SET access_count = access_count + 1
			WHERE id = $1`, access.LinkID)
		if err != nil {
			return downloads.Error.Wrap(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return downloads.Error.Wrap(err)
		}
		if affected == 0 {
			return downloads.ErrNotFound.New("%s", access.LinkID)
		}
	}
	return downloads.Error.Wrap(tx.Commit())
}

func (db *downloadLinksDB) Revoke(ctx context.Context, id, reason string, at time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE download_links
		SET is_active = FALSE, revoked_at = $2, revoked_reason = $3
		WHERE id = $1`, id, at, reason)
	if err != nil {
		return downloads.Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return downloads.Error.Wrap(err)
	}
	if affected == 0 {
		return downloads.ErrNotFound.New("%s", id)
	}
	return nil
}

func (db *downloadLinksDB) ListAccesses(ctx context.Context, linkID string, limit int) (_ []downloads.Access, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `
		SELECT link_id, success, user_id, ip, user_agent, reason, at
		FROM download_accesses WHERE link_id = $1
		ORDER BY at DESC`
	args := []any{linkID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, downloads.Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	return scanAccesses(rows)
}

func (db *downloadLinksDB) FindByOrganization(ctx context.Context, orgID string, since time.Time, objectType string) (_ []downloads.Link, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `
		SELECT ` + linkColumns + `
		FROM download_links
		WHERE organization_id = $1 AND created_at >= $2`
	args := []any{orgID, since}
	if objectType != "" {
		query += ` AND object_type = $3`
		args = append(args, objectType)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, downloads.Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var links []downloads.Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, downloads.Error.Wrap(err)
		}
		links = append(links, link)
	}
	return links, downloads.Error.Wrap(rows.Err())
}

func (db *downloadLinksDB) RecentAccesses(ctx context.Context, orgID string, limit int) (_ []downloads.Access, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 50
	}
	rows, err := db.db.QueryContext(ctx, `
		SELECT a.link_id, a.success, a.user_id, a.ip, a.user_agent, a.reason, a.at
		FROM download_accesses a
		JOIN download_links l ON l.id = a.link_id
		WHERE l.organization_id = $1
		ORDER BY a.at DESC
		LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, downloads.Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	return scanAccesses(rows)
}

func (db *downloadLinksDB) DeleteExpired(ctx context.Context, before time.Time) (removed int64, bytesFreed int64, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		WITH deleted AS (
			DELETE FROM download_links
			WHERE expires_at < $1 OR NOT is_active
			RETURNING file_size
		)
		SELECT count(*), COALESCE(sum(file_size), 0) FROM deleted`, before)
	if err := row.Scan(&removed, &bytesFreed); err != nil {
		return 0, 0, downloads.Error.Wrap(err)
	}

	_, err = db.db.ExecContext(ctx, `
		DELETE FROM download_accesses a
		WHERE NOT EXISTS (SELECT 1 FROM download_links l WHERE l.id = a.link_id)`)
	if err != nil {
		return removed, bytesFreed, downloads.Error.Wrap(err)
	}
	return removed, bytesFreed, nil
}

func scanLink(row scanner) (downloads.Link, error) {
	var (
		link      downloads.Link
		revokedAt sql.NullTime
	)
	err := row.Scan(&link.ID, &link.OrganizationID, &link.DeliveryID,
		&link.ObjectType, &link.FileName, &link.FileSize, &link.ExpiresAt,
		&link.MaxAccess, &link.AccessCount, &link.IsActive,
		&revokedAt, &link.RevokedReason, &link.CreatedAt)
	if err != nil {
		return downloads.Link{}, err
	}
	if revokedAt.Valid {
		link.RevokedAt = &revokedAt.Time
	}
	return link, nil
}

func scanAccesses(rows *sql.Rows) ([]downloads.Access, error) {
	var accesses []downloads.Access
	for rows.Next() {
		var access downloads.Access
		err := rows.Scan(&access.LinkID, &access.Success, &access.UserID,
			&access.IP, &access.UserAgent, &access.Reason, &access.At)
		if err != nil {
			return nil, downloads.Error.Wrap(err)
		}
		accesses = append(accesses, access)
	}
	return accesses, downloads.Error.Wrap(rows.Err())
}
