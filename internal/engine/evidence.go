package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"leoline/internal/domain"
	"leoline/internal/events"
)

type SubItemOptions struct {
	SDID      string
	Kind      string
	Title     string
	Mandatory bool
	ActorID   string
}

// AddSubItem records a user story or deliverable against an SD.
func (e Engine) AddSubItem(ctx context.Context, opts SubItemOptions) (domain.SubItem, error) {
	if err := e.ready(); err != nil {
		return domain.SubItem{}, err
	}
	if opts.Kind != domain.SubItemUserStory && opts.Kind != domain.SubItemDeliverable {
		return domain.SubItem{}, &ValidationError{Message: fmt.Sprintf("invalid sub-item kind %q", opts.Kind)}
	}
	if strings.TrimSpace(opts.Title) == "" {
		return domain.SubItem{}, &ValidationError{Message: "invalid sub-item", MissingFields: []string{"title"}}
	}
	now := e.ts()
	it := domain.SubItem{
		ID:        uuid.New().String(),
		SDID:      opts.SDID,
		Kind:      opts.Kind,
		Title:     opts.Title,
		Mandatory: opts.Mandatory,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := e.Repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		sd, err := e.lockForEvidence(ctx, tx, opts.SDID, opts.ActorID)
		if err != nil {
			return err
		}
		if err := e.ensureGateOpen(ctx, tx, sd, it); err != nil {
			return err
		}
		if err := e.Repo.InsertSubItem(ctx, tx, it); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, "subitem.added", sd.ID, "sub_item", it.ID, opts.ActorID, events.EventPayload{
			"kind": it.Kind, "title": it.Title, "mandatory": it.Mandatory,
		}); err != nil {
			return err
		}
		_, _, err = e.settle(ctx, tx, sd, opts.ActorID)
		return err
	})
	if err != nil {
		return domain.SubItem{}, err
	}
	return it, nil
}

// SubItemUpdate carries the flags to change; nil leaves a flag as is.
type SubItemUpdate struct {
	ID        string
	Mandatory *bool
	Validated *bool
	Completed *bool
	ActorID   string
}

func (e Engine) UpdateSubItem(ctx context.Context, u SubItemUpdate) (domain.SubItem, error) {
	if err := e.ready(); err != nil {
		return domain.SubItem{}, err
	}
	var out domain.SubItem
	err := e.Repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		it, err := e.Repo.GetSubItem(ctx, tx, u.ID)
		if err != nil {
			return err
		}
		sd, err := e.lockForEvidence(ctx, tx, it.SDID, u.ActorID)
		if err != nil {
			return err
		}
		prev := it
		if u.Mandatory != nil {
			it.Mandatory = *u.Mandatory
		}
		if u.Validated != nil {
			it.Validated = *u.Validated
		}
		if u.Completed != nil {
			it.Completed = *u.Completed
		}
		if it == prev {
			out = it
			return nil
		}
		if it.Mandatory && !prev.Mandatory {
			if err := e.ensureGateOpen(ctx, tx, sd, it); err != nil {
				return err
			}
		}
		it.UpdatedAt = e.ts()
		if err := e.Repo.UpdateSubItemFlags(ctx, tx, it); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, "subitem.updated", sd.ID, "sub_item", it.ID, u.ActorID, events.EventPayload{
			"mandatory": it.Mandatory, "validated": it.Validated, "completed": it.Completed,
		}); err != nil {
			return err
		}
		if _, _, err := e.settle(ctx, tx, sd, u.ActorID); err != nil {
			return err
		}
		out = it
		return nil
	})
	return out, err
}

func (e Engine) ListSubItems(ctx context.Context, sdID string) ([]domain.SubItem, error) {
	if _, err := e.Repo.GetSD(ctx, sdID); err != nil {
		return nil, err
	}
	return e.Repo.ListSubItems(ctx, e.DB, sdID)
}

// RecordArtifact sets the status of the SD's prd or retrospective artifact.
func (e Engine) RecordArtifact(ctx context.Context, sdID, kind, status, actorID string) (domain.Artifact, error) {
	if err := e.ready(); err != nil {
		return domain.Artifact{}, err
	}
	if kind != domain.ArtifactPRD && kind != domain.ArtifactRetrospective {
		return domain.Artifact{}, &ValidationError{Message: fmt.Sprintf("invalid artifact kind %q", kind)}
	}
	if status == "" {
		status = domain.ArtifactDraft
	}
	if status != domain.ArtifactDraft && status != domain.ArtifactComplete {
		return domain.Artifact{}, &ValidationError{Message: fmt.Sprintf("invalid artifact status %q", status)}
	}
	var out domain.Artifact
	err := e.Repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		sd, err := e.lockForEvidence(ctx, tx, sdID, actorID)
		if err != nil {
			return err
		}
		now := e.ts()
		a := domain.Artifact{ID: uuid.New().String(), SDID: sd.ID, Kind: kind, Status: status, CreatedBy: actorID, CreatedAt: now, UpdatedAt: now}
		if err := e.Repo.UpsertArtifact(ctx, tx, a); err != nil {
			return err
		}
		stored, err := e.Repo.ListArtifacts(ctx, tx, sd.ID)
		if err != nil {
			return err
		}
		for _, s := range stored {
			if s.Kind == kind {
				a = s
			}
		}
		if err := e.emit(ctx, tx, "artifact.recorded", sd.ID, "artifact", a.ID, actorID, events.EventPayload{
			"kind": a.Kind, "status": a.Status,
		}); err != nil {
			return err
		}
		if _, _, err := e.settle(ctx, tx, sd, actorID); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

func (e Engine) ListArtifacts(ctx context.Context, sdID string) ([]domain.Artifact, error) {
	if _, err := e.Repo.GetSD(ctx, sdID); err != nil {
		return nil, err
	}
	return e.Repo.ListArtifacts(ctx, e.DB, sdID)
}

// gateFor names the phase whose gate an open sub-item of this shape holds back.
func gateFor(it domain.SubItem) (domain.Phase, bool) {
	switch {
	case it.Kind == domain.SubItemDeliverable && it.Mandatory && !it.Completed:
		return domain.PhaseExecImplementation, true
	case it.Kind == domain.SubItemUserStory && !it.Validated:
		return domain.PhasePlanVerification, true
	}
	return "", false
}

// ensureGateOpen refuses a new open requirement once its gate has closed,
// either by evidence or because hand-offs have moved the SD past that phase.
// Added evidence never lowers a score.
func (e Engine) ensureGateOpen(ctx context.Context, tx *sqlx.Tx, sd domain.StrategicDirective, it domain.SubItem) error {
	phase, ok := gateFor(it)
	if !ok {
		return nil
	}
	if sd.CurrentPhase.Index() > phase.Index() {
		return transitionErr(sd.ID, fmt.Sprintf("sd is past %s; a new %s would reopen its gate", phase, it.Kind))
	}
	res, err := e.compute(ctx, tx, sd)
	if err != nil {
		return err
	}
	for _, pr := range res.Phases {
		if pr.Phase == phase && pr.Mandatory && pr.Complete {
			return transitionErr(sd.ID, fmt.Sprintf("%s gate is closed; a new %s would reopen it", phase, it.Kind))
		}
	}
	return nil
}

// lockForEvidence is lockForWrite plus the rule that closed SDs take no new evidence.
func (e Engine) lockForEvidence(ctx context.Context, tx *sqlx.Tx, sdID, actorID string) (domain.StrategicDirective, error) {
	sd, err := e.lockForWrite(ctx, tx, sdID, actorID)
	if err != nil {
		return sd, err
	}
	if domain.IsTerminalStatus(sd.Status) {
		return sd, transitionErr(sd.ID, "sd is "+sd.Status)
	}
	return sd, nil
}
