package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"leoline/internal/domain"
)

const subItemColumns = `id,sd_id,kind,title,mandatory,validated,completed,created_at,updated_at`

func (r Repo) InsertSubItem(ctx context.Context, tx *sqlx.Tx, it domain.SubItem) error {
	_, err := r.exec(ctx, tx, `INSERT INTO sub_items(`+subItemColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		it.ID, it.SDID, it.Kind, it.Title, it.Mandatory, it.Validated, it.Completed, it.CreatedAt, it.UpdatedAt)
	return err
}

func (r Repo) GetSubItem(ctx context.Context, q sqlx.QueryerContext, id string) (domain.SubItem, error) {
	var it domain.SubItem
	err := r.get(ctx, q, &it, `SELECT `+subItemColumns+` FROM sub_items WHERE id=?`, id)
	return it, err
}

func (r Repo) UpdateSubItemFlags(ctx context.Context, tx *sqlx.Tx, it domain.SubItem) error {
	return r.execOne(ctx, tx, `UPDATE sub_items SET mandatory=?, validated=?, completed=?, updated_at=? WHERE id=?`,
		it.Mandatory, it.Validated, it.Completed, it.UpdatedAt, it.ID)
}

func (r Repo) ListSubItems(ctx context.Context, q sqlx.QueryerContext, sdID string) ([]domain.SubItem, error) {
	res := []domain.SubItem{}
	err := r.selectAll(ctx, q, &res, `SELECT `+subItemColumns+` FROM sub_items WHERE sd_id=? ORDER BY created_at, id`, sdID)
	return res, err
}

const artifactColumns = `id,sd_id,kind,status,created_by,created_at,updated_at`

// UpsertArtifact records the artifact of a kind, updating status if it exists.
func (r Repo) UpsertArtifact(ctx context.Context, tx *sqlx.Tx, a domain.Artifact) error {
	_, err := r.exec(ctx, tx, `INSERT INTO sd_artifacts(`+artifactColumns+`) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(sd_id, kind) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at`,
		a.ID, a.SDID, a.Kind, a.Status, a.CreatedBy, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) ListArtifacts(ctx context.Context, q sqlx.QueryerContext, sdID string) ([]domain.Artifact, error) {
	res := []domain.Artifact{}
	err := r.selectAll(ctx, q, &res, `SELECT `+artifactColumns+` FROM sd_artifacts WHERE sd_id=? ORDER BY kind`, sdID)
	return res, err
}
