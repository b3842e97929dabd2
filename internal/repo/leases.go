package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"leoline/internal/domain"
)

func (r Repo) GetLease(ctx context.Context, q sqlx.QueryerContext, sdID string) (domain.Lease, error) {
	var l domain.Lease
	err := r.get(ctx, q, &l, `SELECT sd_id,owner_id,acquired_at,expires_at FROM leases WHERE sd_id=?`, sdID)
	return l, err
}

func (r Repo) UpsertLease(ctx context.Context, tx *sqlx.Tx, l domain.Lease) error {
	_, err := r.exec(ctx, tx, `INSERT INTO leases(sd_id,owner_id,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(sd_id) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		l.SDID, l.OwnerID, l.AcquiredAt, l.ExpiresAt)
	return err
}

func (r Repo) DeleteLease(ctx context.Context, tx *sqlx.Tx, sdID string) error {
	return r.execOne(ctx, tx, `DELETE FROM leases WHERE sd_id=?`, sdID)
}
