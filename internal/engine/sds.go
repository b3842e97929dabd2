package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"leoline/internal/domain"
	"leoline/internal/engine/hierarchy"
	"leoline/internal/events"
	"leoline/internal/repo"
)

// SDCreateOptions describes a new strategic directive.
type SDCreateOptions struct {
	ID          string
	Title       string
	Description string
	Type        string
	ParentID    string
	ActorID     string
}

func (e Engine) CreateSD(ctx context.Context, opts SDCreateOptions) (domain.StrategicDirective, error) {
	if err := e.ready(); err != nil {
		return domain.StrategicDirective{}, err
	}
	if opts.Type == "" {
		opts.Type = "feature"
	}
	var missing []string
	if strings.TrimSpace(opts.Title) == "" {
		missing = append(missing, "title")
	}
	if opts.ActorID == "" {
		missing = append(missing, "actor")
	}
	if len(missing) > 0 {
		return domain.StrategicDirective{}, &ValidationError{Message: "invalid strategic directive", MissingFields: missing}
	}
	if _, ok := e.Config.Profile(opts.Type); !ok {
		return domain.StrategicDirective{}, &ValidationError{Message: fmt.Sprintf("invalid sd_type %q", opts.Type)}
	}
	now := e.ts()
	id := opts.ID
	if id == "" {
		id = "SD-" + strings.ToUpper(uuid.New().String()[:8])
	}
	sd := domain.StrategicDirective{
		ID:           id,
		Title:        opts.Title,
		Description:  opts.Description,
		Type:         opts.Type,
		Status:       domain.StatusDraft,
		CurrentPhase: domain.PhaseLeadApproval,
		DerivedPhase: string(domain.PhaseLeadApproval),
		ParentID:     optionalString(opts.ParentID),
		CreatedBy:    opts.ActorID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := e.Repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		if sd.ParentID != nil {
			parent, err := e.Repo.GetSDTx(ctx, tx, *sd.ParentID)
			if err != nil {
				return fmt.Errorf("parent %s: %w", *sd.ParentID, err)
			}
			if domain.IsTerminalStatus(parent.Status) {
				return transitionErr(parent.ID, "cannot attach a child to a "+parent.Status+" sd")
			}
		}
		if err := e.Repo.InsertSD(ctx, tx, sd); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, "sd.created", sd.ID, "sd", sd.ID, opts.ActorID, events.EventPayload{
			"title": sd.Title, "sd_type": sd.Type, "parent_id": sd.ParentID,
		}); err != nil {
			return err
		}
		return e.propagate(ctx, tx, sd, opts.ActorID)
	})
	if err != nil {
		return domain.StrategicDirective{}, err
	}
	e.log().Info("sd created", "sd_id", sd.ID, "sd_type", sd.Type, "actor", opts.ActorID)
	return sd, nil
}

func (e Engine) GetSD(ctx context.Context, id string) (domain.StrategicDirective, error) {
	return e.Repo.GetSD(ctx, id)
}

func (e Engine) ListSDs(ctx context.Context, f repo.SDFilters) ([]domain.StrategicDirective, error) {
	return e.Repo.ListSDs(ctx, f)
}

// ensureNoCycle loads the forest into an id-keyed index and fails if
// childID already sits above parentID.
func (e Engine) ensureNoCycle(ctx context.Context, q sqlx.QueryerContext, parentID, childID string) error {
	all, err := e.Repo.ListSDsTx(ctx, q, repo.SDFilters{})
	if err != nil {
		return err
	}
	idx := hierarchy.NewIndex(all)
	if _, ok := idx.Get(parentID); !ok {
		return fmt.Errorf("parent %s: %w", parentID, repo.ErrNotFound)
	}
	if idx.WouldCycle(childID, parentID) {
		return transitionErr(childID, "sd hierarchy cycle detected")
	}
	return nil
}

// SetParent re-homes an SD; an empty parentID detaches it. Both the old and
// the new ancestor chains are re-derived.
func (e Engine) SetParent(ctx context.Context, sdID, parentID, actorID string) (domain.StrategicDirective, error) {
	if err := e.ready(); err != nil {
		return domain.StrategicDirective{}, err
	}
	var out domain.StrategicDirective
	err := e.Repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		sd, err := e.lockForWrite(ctx, tx, sdID, actorID)
		if err != nil {
			return err
		}
		if domain.IsTerminalStatus(sd.Status) {
			return transitionErr(sd.ID, "sd is "+sd.Status)
		}
		if parentID != "" {
			if err := e.ensureNoCycle(ctx, tx, parentID, sd.ID); err != nil {
				return err
			}
			parent, err := e.Repo.GetSDTx(ctx, tx, parentID)
			if err != nil {
				return err
			}
			if domain.IsTerminalStatus(parent.Status) {
				return transitionErr(parent.ID, "cannot attach a child to a "+parent.Status+" sd")
			}
		}
		old := sd
		sd.ParentID = optionalString(parentID)
		sd.UpdatedAt = e.ts()
		if err := e.Repo.SetParent(ctx, tx, sd.ID, sd.ParentID, sd.UpdatedAt); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, "sd.parent.set", sd.ID, "sd", sd.ID, actorID, events.EventPayload{
			"from": old.ParentID, "to": sd.ParentID,
		}); err != nil {
			return err
		}
		if err := e.propagate(ctx, tx, old, actorID); err != nil {
			return err
		}
		if err := e.propagate(ctx, tx, sd, actorID); err != nil {
			return err
		}
		out = sd
		return nil
	})
	return out, err
}

var statusTransitions = map[string][]string{
	domain.StatusDraft:           {domain.StatusActive, domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusActive:          {domain.StatusInProgress, domain.StatusPendingApproval, domain.StatusCompleted, domain.StatusCancelled},
	domain.StatusInProgress:      {domain.StatusPendingApproval, domain.StatusCompleted, domain.StatusCancelled},
	domain.StatusPendingApproval: {domain.StatusInProgress, domain.StatusCompleted, domain.StatusCancelled},
}

// statusRank orders the lifecycle; cancelled ranks with completed.
func statusRank(s string) int {
	switch s {
	case domain.StatusDraft:
		return 0
	case domain.StatusActive:
		return 1
	case domain.StatusInProgress:
		return 2
	case domain.StatusPendingApproval:
		return 3
	}
	return 4
}

func ensureStatusTransition(sdID, oldStatus, newStatus string) error {
	if !domain.ValidStatus(newStatus) {
		return &ValidationError{Message: fmt.Sprintf("invalid status %q", newStatus)}
	}
	for _, s := range statusTransitions[oldStatus] {
		if s == newStatus {
			return nil
		}
	}
	return transitionErr(sdID, fmt.Sprintf("invalid status transition %s -> %s", oldStatus, newStatus))
}

// StateWrite is a request to change an SD's lifecycle status and/or its
// stored progress outside the override path.
type StateWrite struct {
	SDID     string
	Status   string
	Progress *int
	ActorID  string
}

// WriteState applies a status or progress change only when current evidence
// supports it. Unsupported writes return *IntegrityViolation and change nothing.
func (e Engine) WriteState(ctx context.Context, w StateWrite) (domain.StrategicDirective, error) {
	if err := e.ready(); err != nil {
		return domain.StrategicDirective{}, err
	}
	if w.Status == "" && w.Progress == nil {
		return domain.StrategicDirective{}, &ValidationError{Message: "nothing to write", MissingFields: []string{"status"}}
	}
	ctx, span := e.Telemetry.Start(ctx, "engine.WriteState", w.SDID)
	defer span.End()

	var (
		out       domain.StrategicDirective
		violation *IntegrityViolation
	)
	err := e.Repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		violation = nil
		sd, err := e.lockForWrite(ctx, tx, w.SDID, w.ActorID)
		if err != nil {
			return err
		}
		if w.Status != "" && w.Status != sd.Status {
			if domain.IsTerminalStatus(sd.Status) {
				return transitionErr(sd.ID, "sd is "+sd.Status)
			}
			if err := ensureStatusTransition(sd.ID, sd.Status, w.Status); err != nil {
				return err
			}
		}
		res, err := e.compute(ctx, tx, sd)
		if err != nil {
			return err
		}
		derived := res.Score
		if sd.ProgressPinned != nil {
			derived = *sd.ProgressPinned
		}
		if w.Progress != nil && *w.Progress != derived {
			violation = &IntegrityViolation{SDID: sd.ID, Attempted: fmt.Sprintf("progress=%d", *w.Progress), DerivedProgress: res.Score, BlockingReasons: res.BlockingReasons}
			return nil
		}
		if w.Status == domain.StatusPendingApproval && sd.Status == domain.StatusActive && !res.Complete() {
			violation = &IntegrityViolation{SDID: sd.ID, Attempted: "status=pending_approval", DerivedProgress: res.Score, BlockingReasons: res.BlockingReasons}
			return nil
		}
		// skipping active needs at least one satisfied gate
		if w.Status == domain.StatusInProgress && sd.Status == domain.StatusDraft && res.Score == 0 {
			violation = &IntegrityViolation{SDID: sd.ID, Attempted: "status=in_progress", DerivedProgress: res.Score, BlockingReasons: res.BlockingReasons}
			return nil
		}
		if w.Status == domain.StatusCompleted && sd.Status != domain.StatusCompleted {
			childrenDone := res.Rollup == nil || res.Rollup.AllCompleted
			if !res.Complete() || !childrenDone {
				violation = &IntegrityViolation{SDID: sd.ID, Attempted: "status=completed", DerivedProgress: res.Score, BlockingReasons: res.BlockingReasons}
				return nil
			}
		}
		if w.Status == "" || w.Status == sd.Status {
			out = sd
			return nil
		}
		prev := sd.Status
		sd.Status = w.Status
		sd.UpdatedAt = e.ts()
		if w.Status == domain.StatusCompleted {
			sd.CompletedAt = &sd.UpdatedAt
		}
		if err := e.Repo.UpdateSDState(ctx, tx, sd); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, "sd.status.updated", sd.ID, "sd", sd.ID, w.ActorID, events.EventPayload{
			"from": prev, "to": sd.Status, "cause": "request",
		}); err != nil {
			return err
		}
		if sd, _, err = e.settle(ctx, tx, sd, w.ActorID); err != nil {
			return err
		}
		out = sd
		return nil
	})
	if err != nil {
		return domain.StrategicDirective{}, err
	}
	if violation != nil {
		attrs := []any{"sd_id", violation.SDID, "attempted", violation.Attempted, "derived_progress", violation.DerivedProgress, "actor", w.ActorID}
		for _, br := range violation.BlockingReasons {
			attrs = append(attrs, "blocking."+br.Code, br.Message)
		}
		e.log().Warn("integrity violation", attrs...)
		e.Telemetry.Violation(ctx, violation.Attempted)
		return domain.StrategicDirective{}, violation
	}
	return out, nil
}

// HierarchyStatus returns the tree rooted at rootID, or every root tree when
// rootID is empty.
func (e Engine) HierarchyStatus(ctx context.Context, rootID string) ([]domain.HierarchyNode, error) {
	all, err := e.Repo.ListSDs(ctx, repo.SDFilters{})
	if err != nil {
		return nil, err
	}
	idx := hierarchy.NewIndex(all)
	if rootID != "" {
		node, ok := idx.Tree(rootID)
		if !ok {
			return nil, fmt.Errorf("sd %s: %w", rootID, repo.ErrNotFound)
		}
		return []domain.HierarchyNode{node}, nil
	}
	out := []domain.HierarchyNode{}
	for _, root := range idx.Roots() {
		if node, ok := idx.Tree(root.ID); ok {
			out = append(out, node)
		}
	}
	return out, nil
}

func isNotFound(err error) bool { return errors.Is(err, repo.ErrNotFound) }
