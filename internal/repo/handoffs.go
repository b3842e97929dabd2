package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"leoline/internal/domain"
)

const handoffColumns = `id,sd_id,from_phase,to_phase,status,payload_json,created_by,created_at,decided_by,decided_at,rejection_reason`

func (r Repo) InsertHandoff(ctx context.Context, tx *sqlx.Tx, h domain.PhaseHandoff) error {
	_, err := r.exec(ctx, tx, `INSERT INTO phase_handoffs(`+handoffColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		h.ID, h.SDID, h.FromPhase, h.ToPhase, h.Status, h.PayloadJSON, h.CreatedBy, h.CreatedAt, h.DecidedBy, h.DecidedAt, h.RejectionReason)
	return err
}

func (r Repo) GetHandoff(ctx context.Context, q sqlx.QueryerContext, id string) (domain.PhaseHandoff, error) {
	var h domain.PhaseHandoff
	err := r.get(ctx, q, &h, `SELECT `+handoffColumns+` FROM phase_handoffs WHERE id=?`, id)
	return h, err
}

func (r Repo) ListHandoffs(ctx context.Context, q sqlx.QueryerContext, sdID string) ([]domain.PhaseHandoff, error) {
	res := []domain.PhaseHandoff{}
	err := r.selectAll(ctx, q, &res, `SELECT `+handoffColumns+` FROM phase_handoffs WHERE sd_id=? ORDER BY created_at, id`, sdID)
	return res, err
}

// PendingHandoff returns the SD's hand-off awaiting a decision, if any.
func (r Repo) PendingHandoff(ctx context.Context, q sqlx.QueryerContext, sdID string) (domain.PhaseHandoff, error) {
	var h domain.PhaseHandoff
	err := r.get(ctx, q, &h, `SELECT `+handoffColumns+` FROM phase_handoffs WHERE sd_id=? AND status=?`, sdID, domain.HandoffPending)
	return h, err
}

// DecideHandoff moves a pending hand-off to accepted or rejected. Decided rows
// are frozen by the store.
func (r Repo) DecideHandoff(ctx context.Context, tx *sqlx.Tx, id, status, decidedBy, decidedAt string, reason *string) error {
	return r.execOne(ctx, tx, `UPDATE phase_handoffs SET status=?, decided_by=?, decided_at=?, rejection_reason=? WHERE id=? AND status=?`,
		status, decidedBy, decidedAt, reason, id, domain.HandoffPending)
}
