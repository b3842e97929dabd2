package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"leoline/internal/domain"
)

const resultColumns = `seq,id,sd_id,agent_code,verdict,confidence,findings_json,recorded_by,recorded_at`

// InsertVerificationResult appends a result. The store assigns seq and
// recorded_at at commit so recency never depends on agent clocks.
func (r Repo) InsertVerificationResult(ctx context.Context, tx *sqlx.Tx, res domain.VerificationResult) (domain.VerificationResult, error) {
	var out domain.VerificationResult
	err := r.get(ctx, tx, &out, `INSERT INTO verification_results(id,sd_id,agent_code,verdict,confidence,findings_json,recorded_by) VALUES (?,?,?,?,?,?,?) RETURNING `+resultColumns,
		res.ID, res.SDID, res.AgentCode, res.Verdict, res.Confidence, res.FindingsJSON, res.RecordedBy)
	return out, err
}

func (r Repo) ListVerificationResults(ctx context.Context, q sqlx.QueryerContext, sdID string) ([]domain.VerificationResult, error) {
	res := []domain.VerificationResult{}
	err := r.selectAll(ctx, q, &res, `SELECT `+resultColumns+` FROM verification_results WHERE sd_id=? ORDER BY seq`, sdID)
	return res, err
}
