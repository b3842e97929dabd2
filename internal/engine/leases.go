package engine

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"leoline/internal/domain"
	"leoline/internal/events"
)

// ClaimLease gives actorID exclusive write access to an SD for leaseSeconds
// (the configured default when <= 0). Holders may renew.
func (e Engine) ClaimLease(ctx context.Context, sdID, actorID string, leaseSeconds int) (domain.Lease, error) {
	if err := e.ready(); err != nil {
		return domain.Lease{}, err
	}
	if leaseSeconds <= 0 {
		leaseSeconds = e.Config.Leases.DefaultSeconds
	}
	var out domain.Lease
	err := e.Repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		sd, err := e.lockForEvidence(ctx, tx, sdID, actorID)
		if err != nil {
			return err
		}
		now := e.now().UTC()
		l := domain.Lease{
			SDID:       sd.ID,
			OwnerID:    actorID,
			AcquiredAt: now.Format(time.RFC3339),
			ExpiresAt:  now.Add(time.Duration(leaseSeconds) * time.Second).Format(time.RFC3339),
		}
		if err := e.Repo.UpsertLease(ctx, tx, l); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, "lease.claimed", sd.ID, "lease", sd.ID, actorID, events.EventPayload{"expires_at": l.ExpiresAt}); err != nil {
			return err
		}
		out = l
		return nil
	})
	return out, err
}

// ReleaseLease drops the lease. Only its owner may release an unexpired lease.
func (e Engine) ReleaseLease(ctx context.Context, sdID, actorID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.Repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		sd, err := e.lockForWrite(ctx, tx, sdID, actorID)
		if err != nil {
			return err
		}
		if err := e.Repo.DeleteLease(ctx, tx, sd.ID); err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		return e.emit(ctx, tx, "lease.released", sd.ID, "lease", sd.ID, actorID, events.EventPayload{})
	})
}

func (e Engine) GetLease(ctx context.Context, sdID string) (domain.Lease, error) {
	return e.Repo.GetLease(ctx, e.DB, sdID)
}
