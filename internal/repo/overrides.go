package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"leoline/internal/domain"
)

const overrideColumns = `id,sd_id,actor_id,reason,from_status,to_status,from_progress,to_progress,derived_progress,blocking_reasons_json,created_at`

func (r Repo) InsertOverride(ctx context.Context, tx *sqlx.Tx, o domain.Override) error {
	_, err := r.exec(ctx, tx, `INSERT INTO overrides(`+overrideColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.SDID, o.ActorID, o.Reason, o.FromStatus, o.ToStatus, o.FromProgress, o.ToProgress, o.DerivedProgress, o.BlockingReasonsJSON, o.CreatedAt)
	return err
}

func (r Repo) ListOverrides(ctx context.Context, sdID string) ([]domain.Override, error) {
	res := []domain.Override{}
	err := r.selectAll(ctx, r.DB, &res, `SELECT `+overrideColumns+` FROM overrides WHERE sd_id=? ORDER BY created_at, id`, sdID)
	return res, err
}
