package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/singleflight"

	"leoline/internal/config"
	"leoline/internal/domain"
	"leoline/internal/engine/progress"
	"leoline/internal/events"
	"leoline/internal/repo"
	"leoline/internal/telemetry"
)

// maxDepth bounds upward walks; a forest deeper than this indicates corrupt parent links.
const maxDepth = 256

type Engine struct {
	DB        *sqlx.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Calc      progress.Calculator
	Logger    *slog.Logger
	Telemetry telemetry.Instruments
	Now       func() time.Time

	reads *singleflight.Group
}

func New(db *sqlx.DB, cfg *config.Config) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Config:    cfg,
		Calc:      progress.New(cfg),
		Logger:    slog.Default(),
		Telemetry: telemetry.NewInstruments(),
		Now:       time.Now,
		reads:     &singleflight.Group{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) emit(ctx context.Context, tx *sqlx.Tx, evtType, sdID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, sdID, entityKind, entityID, actorID, payload)
}

func (e Engine) ready() error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	return nil
}

// collect is the gate evidence collector: every row the calculator reads for one SD.
func (e Engine) collect(ctx context.Context, q sqlx.QueryerContext, sdID string) (progress.Evidence, error) {
	var ev progress.Evidence
	var err error
	if ev.Handoffs, err = e.Repo.ListHandoffs(ctx, q, sdID); err != nil {
		return ev, fmt.Errorf("collect hand-offs: %w", err)
	}
	if ev.Artifacts, err = e.Repo.ListArtifacts(ctx, q, sdID); err != nil {
		return ev, fmt.Errorf("collect artifacts: %w", err)
	}
	if ev.SubItems, err = e.Repo.ListSubItems(ctx, q, sdID); err != nil {
		return ev, fmt.Errorf("collect sub-items: %w", err)
	}
	if ev.Results, err = e.Repo.ListVerificationResults(ctx, q, sdID); err != nil {
		return ev, fmt.Errorf("collect verification results: %w", err)
	}
	if ev.Children, err = e.Repo.ListChildren(ctx, q, sdID); err != nil {
		return ev, fmt.Errorf("collect children: %w", err)
	}
	return ev, nil
}

func (e Engine) compute(ctx context.Context, q sqlx.QueryerContext, sd domain.StrategicDirective) (progress.Result, error) {
	ev, err := e.collect(ctx, q, sd.ID)
	if err != nil {
		return progress.Result{}, err
	}
	return e.Calc.Compute(sd, ev), nil
}

// ProgressReport is the read-path answer for one SD: the live calculation
// plus the cached values stored on the row.
type ProgressReport struct {
	progress.Result
	Status         string `json:"status"`
	StoredProgress int    `json:"stored_progress"`
	HandoffPhase   string `json:"handoff_phase"`
	ProgressPinned *int   `json:"progress_pinned,omitempty"`
	Discrepancy    int    `json:"discrepancy"`
}

// Progress computes the SD's score from current evidence. Concurrent reads of
// the same SD share one evaluation.
func (e Engine) Progress(ctx context.Context, sdID string) (ProgressReport, error) {
	if err := e.ready(); err != nil {
		return ProgressReport{}, err
	}
	load := func() (any, error) {
		sd, err := e.Repo.GetSD(ctx, sdID)
		if err != nil {
			return ProgressReport{}, err
		}
		res, err := e.compute(ctx, e.DB, sd)
		if err != nil {
			return ProgressReport{}, err
		}
		return ProgressReport{
			Result:         res,
			Status:         sd.Status,
			StoredProgress: sd.Progress,
			HandoffPhase:   string(sd.CurrentPhase),
			ProgressPinned: sd.ProgressPinned,
			Discrepancy:    sd.Progress - res.Score,
		}, nil
	}
	if e.reads == nil {
		v, err := load()
		return v.(ProgressReport), err
	}
	v, err, _ := e.reads.Do("progress:"+sdID, load)
	if err != nil {
		return ProgressReport{}, err
	}
	return v.(ProgressReport), nil
}

// refresh rewrites the cached progress, derived phase, derived status and
// audit events for one locked SD from its current evidence. Terminal SDs are
// left untouched.
func (e Engine) refresh(ctx context.Context, tx *sqlx.Tx, sd domain.StrategicDirective, actorID string) (domain.StrategicDirective, progress.Result, error) {
	res, err := e.compute(ctx, tx, sd)
	if err != nil {
		return sd, res, err
	}
	if domain.IsTerminalStatus(sd.Status) {
		return sd, res, nil
	}
	next := sd
	next.Progress = res.Score
	next.DerivedPhase = res.CurrentPhase
	if sd.ProgressPinned != nil {
		next.Progress = *sd.ProgressPinned
	}
	switch {
	case sd.Status == domain.StatusInProgress && res.Complete():
		next.Status = domain.StatusPendingApproval
	case sd.Status == domain.StatusPendingApproval && !res.Complete():
		next.Status = domain.StatusInProgress
	}
	if res.Orchestrator && res.Rollup.AllCompleted && res.Complete() && e.Config.Hierarchy.AutoCompleteParents {
		ts := e.ts()
		next.Status = domain.StatusCompleted
		next.CompletedAt = &ts
	}
	if next.Progress == sd.Progress && next.Status == sd.Status && next.DerivedPhase == sd.DerivedPhase {
		return sd, res, nil
	}
	next.UpdatedAt = e.ts()
	if err := e.Repo.UpdateSDState(ctx, tx, next); err != nil {
		return sd, res, fmt.Errorf("update sd %s: %w", sd.ID, err)
	}
	if next.Progress != sd.Progress {
		evt := "sd.progress.updated"
		payload := events.EventPayload{"from": sd.Progress, "to": next.Progress}
		if next.Progress < sd.Progress {
			// only superseded or withdrawn evidence can lower a score
			evt = "sd.progress.regressed"
			payload["blocking_reasons"] = res.BlockingReasons
			e.log().Info("progress regressed", "sd_id", sd.ID, "from", sd.Progress, "to", next.Progress)
		}
		if err := e.emit(ctx, tx, evt, sd.ID, "sd", sd.ID, actorID, payload); err != nil {
			return sd, res, err
		}
	}
	if next.Status != sd.Status {
		if err := e.emit(ctx, tx, "sd.status.updated", sd.ID, "sd", sd.ID, actorID, events.EventPayload{
			"from": sd.Status, "to": next.Status, "cause": "evidence",
		}); err != nil {
			return sd, res, err
		}
	}
	return next, res, nil
}

// propagate walks strictly upward from sd, refreshing each ancestor inside tx.
// Rows are locked child before parent.
func (e Engine) propagate(ctx context.Context, tx *sqlx.Tx, sd domain.StrategicDirective, actorID string) error {
	depth := 0
	cur := sd
	for cur.ParentID != nil {
		if depth >= maxDepth {
			return fmt.Errorf("hierarchy above %s exceeds %d levels", sd.ID, maxDepth)
		}
		parent, err := e.Repo.LockSD(ctx, tx, *cur.ParentID)
		if err != nil {
			return fmt.Errorf("load parent %s: %w", *cur.ParentID, err)
		}
		if cur, _, err = e.refresh(ctx, tx, parent, actorID); err != nil {
			return err
		}
		depth++
	}
	e.Telemetry.PropagationDepth(ctx, depth)
	return nil
}

// settle refreshes sd and then every ancestor, in one transaction.
func (e Engine) settle(ctx context.Context, tx *sqlx.Tx, sd domain.StrategicDirective, actorID string) (domain.StrategicDirective, progress.Result, error) {
	sd, res, err := e.refresh(ctx, tx, sd, actorID)
	if err != nil {
		return sd, res, err
	}
	return sd, res, e.propagate(ctx, tx, sd, actorID)
}

// Recompute rebuilds the cached progress and derived phase of an SD and its
// ancestors from evidence.
func (e Engine) Recompute(ctx context.Context, sdID, actorID string) (ProgressReport, error) {
	if err := e.ready(); err != nil {
		return ProgressReport{}, err
	}
	ctx, span := e.Telemetry.Start(ctx, "engine.Recompute", sdID)
	defer span.End()
	var report ProgressReport
	err := e.Repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		sd, err := e.Repo.LockSD(ctx, tx, sdID)
		if err != nil {
			return err
		}
		sd, res, err := e.settle(ctx, tx, sd, actorID)
		if err != nil {
			return err
		}
		report = ProgressReport{Result: res, Status: sd.Status, StoredProgress: sd.Progress, HandoffPhase: string(sd.CurrentPhase), ProgressPinned: sd.ProgressPinned, Discrepancy: sd.Progress - res.Score}
		return nil
	})
	return report, err
}

// Propagate re-derives every ancestor of sdID. It is safe to repeat.
func (e Engine) Propagate(ctx context.Context, sdID, actorID string) error {
	if err := e.ready(); err != nil {
		return err
	}
	return e.Repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		sd, err := e.Repo.LockSD(ctx, tx, sdID)
		if err != nil {
			return err
		}
		return e.propagate(ctx, tx, sd, actorID)
	})
}

func (e Engine) requireNoForeignLease(ctx context.Context, tx *sqlx.Tx, sdID, actorID string) error {
	l, err := e.Repo.GetLease(ctx, tx, sdID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if l.OwnerID == actorID {
		return nil
	}
	exp, err := time.Parse(time.RFC3339, l.ExpiresAt)
	if err != nil || e.now().UTC().Before(exp) {
		return &LeaseConflictError{SDID: sdID, OwnerID: l.OwnerID, ExpiresAt: l.ExpiresAt}
	}
	return nil
}

// lockForWrite loads an SD for an actor-attributed mutation.
func (e Engine) lockForWrite(ctx context.Context, tx *sqlx.Tx, sdID, actorID string) (domain.StrategicDirective, error) {
	if actorID == "" {
		return domain.StrategicDirective{}, &ValidationError{Message: "actor is required", MissingFields: []string{"actor"}}
	}
	sd, err := e.Repo.LockSD(ctx, tx, sdID)
	if err != nil {
		return sd, err
	}
	if err := e.requireNoForeignLease(ctx, tx, sdID, actorID); err != nil {
		return sd, err
	}
	return sd, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// History returns audit events newest first.
func (e Engine) History(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
