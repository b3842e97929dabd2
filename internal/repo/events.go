package repo

import (
	"context"
	"strings"

	"leoline/internal/domain"
)

type EventFilters struct {
	SDID     string
	Type     string
	BeforeID int64
	Limit    int
}

// LatestEvents returns events newest first.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.SDID != "" {
		where = append(where, "sd_id=?")
		args = append(args, f.SDID)
	}
	if f.Type != "" {
		where = append(where, "type=?")
		args = append(args, f.Type)
	}
	if f.BeforeID > 0 {
		where = append(where, "id<?")
		args = append(args, f.BeforeID)
	}
	query := `SELECT id,ts,type,sd_id,entity_kind,entity_id,actor_id,payload_json FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC`
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, f.Limit)
	res := []domain.Event{}
	err := r.selectAll(ctx, r.DB, &res, query, args...)
	return res, err
}
