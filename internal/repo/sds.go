package repo

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"

	"leoline/internal/domain"
)

const sdColumns = `id,title,description,sd_type,status,current_phase,derived_phase,progress,progress_pinned,parent_id,created_by,created_at,updated_at,completed_at`

type SDFilters struct {
	Status   string
	ParentID string
	RootOnly bool
	Limit    int
}

func (r Repo) InsertSD(ctx context.Context, tx *sqlx.Tx, sd domain.StrategicDirective) error {
	_, err := r.exec(ctx, tx, `INSERT INTO strategic_directives(`+sdColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sd.ID, sd.Title, sd.Description, sd.Type, sd.Status, sd.CurrentPhase, sd.DerivedPhase, sd.Progress, sd.ProgressPinned,
		sd.ParentID, sd.CreatedBy, sd.CreatedAt, sd.UpdatedAt, sd.CompletedAt)
	return err
}

func (r Repo) GetSD(ctx context.Context, id string) (domain.StrategicDirective, error) {
	return r.GetSDTx(ctx, r.DB, id)
}

func (r Repo) GetSDTx(ctx context.Context, q sqlx.QueryerContext, id string) (domain.StrategicDirective, error) {
	var sd domain.StrategicDirective
	err := r.get(ctx, q, &sd, `SELECT `+sdColumns+` FROM strategic_directives WHERE id=?`, id)
	return sd, err
}

// LockSD reads an SD inside tx, taking a row lock where the store supports it.
// Callers lock child rows before parent rows.
func (r Repo) LockSD(ctx context.Context, tx *sqlx.Tx, id string) (domain.StrategicDirective, error) {
	query := `SELECT ` + sdColumns + ` FROM strategic_directives WHERE id=?`
	if r.IsPostgres() {
		query += ` FOR UPDATE`
	}
	var sd domain.StrategicDirective
	err := r.get(ctx, tx, &sd, query, id)
	return sd, err
}

func (r Repo) ListSDs(ctx context.Context, f SDFilters) ([]domain.StrategicDirective, error) {
	return r.ListSDsTx(ctx, r.DB, f)
}

func (r Repo) ListSDsTx(ctx context.Context, q sqlx.QueryerContext, f SDFilters) ([]domain.StrategicDirective, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.ParentID != "" {
		where = append(where, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.RootOnly {
		where = append(where, "parent_id IS NULL")
	}
	query := `SELECT ` + sdColumns + ` FROM strategic_directives`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	res := []domain.StrategicDirective{}
	err := r.selectAll(ctx, q, &res, query, args...)
	return res, err
}

func (r Repo) ListChildren(ctx context.Context, q sqlx.QueryerContext, parentID string) ([]domain.StrategicDirective, error) {
	res := []domain.StrategicDirective{}
	err := r.selectAll(ctx, q, &res, `SELECT `+sdColumns+` FROM strategic_directives WHERE parent_id=? ORDER BY created_at, id`, parentID)
	return res, err
}

// UpdateSDState writes the mutable lifecycle columns of an SD.
func (r Repo) UpdateSDState(ctx context.Context, tx *sqlx.Tx, sd domain.StrategicDirective) error {
	return r.execOne(ctx, tx, `UPDATE strategic_directives SET status=?, current_phase=?, derived_phase=?, progress=?, progress_pinned=?, updated_at=?, completed_at=? WHERE id=?`,
		sd.Status, sd.CurrentPhase, sd.DerivedPhase, sd.Progress, sd.ProgressPinned, sd.UpdatedAt, sd.CompletedAt, sd.ID)
}

func (r Repo) SetParent(ctx context.Context, tx *sqlx.Tx, id string, parentID *string, updatedAt string) error {
	return r.execOne(ctx, tx, `UPDATE strategic_directives SET parent_id=?, updated_at=? WHERE id=?`, parentID, updatedAt, id)
}
