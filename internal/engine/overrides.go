package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"leoline/internal/domain"
)

// OverrideRequest bypasses the integrity rules for one SD. Reason is mandatory.
type OverrideRequest struct {
	SDID      string
	NewStatus string
	Progress  *int
	ClearPin  bool
	ActorID   string
	Reason    string
}

// Override forces a status and/or progress value and writes exactly one audit
// record. It creates no hand-offs and no other evidence.
func (e Engine) Override(ctx context.Context, req OverrideRequest) (domain.StrategicDirective, domain.Override, error) {
	if err := e.ready(); err != nil {
		return domain.StrategicDirective{}, domain.Override{}, err
	}
	var missing []string
	if req.ActorID == "" {
		missing = append(missing, "actor")
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		missing = append(missing, "reason")
	}
	if len(missing) > 0 {
		return domain.StrategicDirective{}, domain.Override{}, &ValidationError{Message: "override requires an actor and a reason", MissingFields: missing}
	}
	if req.NewStatus == "" && req.Progress == nil && !req.ClearPin {
		return domain.StrategicDirective{}, domain.Override{}, &ValidationError{Message: "override changes nothing", MissingFields: []string{"status"}}
	}
	if req.NewStatus != "" && !domain.ValidStatus(req.NewStatus) {
		return domain.StrategicDirective{}, domain.Override{}, &ValidationError{Message: fmt.Sprintf("invalid status %q", req.NewStatus)}
	}
	if req.Progress != nil && (*req.Progress < 0 || *req.Progress > 100) {
		return domain.StrategicDirective{}, domain.Override{}, &ValidationError{Message: fmt.Sprintf("progress %d outside 0..100", *req.Progress)}
	}
	ctx, span := e.Telemetry.Start(ctx, "engine.Override", req.SDID)
	defer span.End()

	var (
		out    domain.StrategicDirective
		record domain.Override
	)
	err := e.Repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		// overrides are administrative and ignore leases
		sd, err := e.Repo.LockSD(ctx, tx, req.SDID)
		if err != nil {
			return err
		}
		if domain.IsTerminalStatus(sd.Status) {
			return transitionErr(sd.ID, "sd is "+sd.Status+"; overrides cannot reopen it")
		}
		if req.NewStatus != "" && statusRank(req.NewStatus) < statusRank(sd.Status) {
			return transitionErr(sd.ID, fmt.Sprintf("overrides move status forward only, not %s -> %s", sd.Status, req.NewStatus))
		}
		res, err := e.compute(ctx, tx, sd)
		if err != nil {
			return err
		}
		next := sd
		next.UpdatedAt = e.ts()
		if req.NewStatus != "" {
			next.Status = req.NewStatus
		}
		switch {
		case req.Progress != nil:
			p := *req.Progress
			next.ProgressPinned = &p
			next.Progress = p
		case req.ClearPin:
			next.ProgressPinned = nil
			next.Progress = res.Score
		case next.Status == domain.StatusCompleted && res.Score != 100:
			p := 100
			next.ProgressPinned = &p
			next.Progress = p
		}
		if next.Status == domain.StatusCompleted {
			next.CompletedAt = &next.UpdatedAt
		}
		reasons, err := json.Marshal(res.BlockingReasons)
		if err != nil {
			return err
		}
		record = domain.Override{
			ID:                  uuid.New().String(),
			SDID:                sd.ID,
			ActorID:             req.ActorID,
			Reason:              req.Reason,
			FromStatus:          sd.Status,
			ToStatus:            next.Status,
			FromProgress:        sd.Progress,
			ToProgress:          next.Progress,
			DerivedProgress:     res.Score,
			BlockingReasonsJSON: string(reasons),
			CreatedAt:           next.UpdatedAt,
		}
		if err := e.Repo.InsertOverride(ctx, tx, record); err != nil {
			return err
		}
		if err := e.Repo.UpdateSDState(ctx, tx, next); err != nil {
			return err
		}
		if err := e.propagate(ctx, tx, next, req.ActorID); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return domain.StrategicDirective{}, domain.Override{}, err
	}
	e.log().Warn("override applied",
		"sd_id", record.SDID, "actor", record.ActorID, "reason", record.Reason,
		"from_status", record.FromStatus, "to_status", record.ToStatus,
		"from_progress", record.FromProgress, "to_progress", record.ToProgress,
		"derived_progress", record.DerivedProgress)
	e.Telemetry.Override(ctx)
	return out, record, nil
}

func (e Engine) ListOverrides(ctx context.Context, sdID string) ([]domain.Override, error) {
	if _, err := e.Repo.GetSD(ctx, sdID); err != nil {
		return nil, err
	}
	return e.Repo.ListOverrides(ctx, sdID)
}
