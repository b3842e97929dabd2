package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"leoline/internal/domain"
	"leoline/internal/engine/handoff"
	"leoline/internal/events"
	"leoline/internal/repo"
)

type HandoffSubmitOptions struct {
	SDID    string
	From    domain.Phase
	To      domain.Phase
	Payload json.RawMessage
	ActorID string
	// Accept decides the hand-off in the same transaction.
	Accept bool
}

// SubmitHandoff records a pending hand-off after validating its payload and
// its place in the phase sequence.
func (e Engine) SubmitHandoff(ctx context.Context, opts HandoffSubmitOptions) (domain.PhaseHandoff, error) {
	if err := e.ready(); err != nil {
		return domain.PhaseHandoff{}, err
	}
	ctx, span := e.Telemetry.Start(ctx, "engine.SubmitHandoff", opts.SDID)
	defer span.End()

	rules := handoff.RulesFromConfig(e.Config)
	res := rules.ValidateJSON(string(opts.Payload))
	if !res.Valid {
		e.Telemetry.Handoff(ctx, "invalid")
		e.log().Info("hand-off payload rejected", "sd_id", opts.SDID, "missing", res.MissingFields, "placeholder", res.PlaceholderFields)
		return domain.PhaseHandoff{}, &ValidationError{
			Message:           "hand-off payload incomplete",
			MissingFields:     res.MissingFields,
			PlaceholderFields: res.PlaceholderFields,
		}
	}

	var out domain.PhaseHandoff
	err := e.Repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		sd, err := e.lockForWrite(ctx, tx, opts.SDID, opts.ActorID)
		if err != nil {
			return err
		}
		if err := handoff.CheckOrder(sd, opts.From, opts.To); err != nil {
			return err
		}
		if pending, err := e.Repo.PendingHandoff(ctx, tx, sd.ID); err == nil {
			return &TransitionError{SDID: sd.ID, Current: sd.CurrentPhase, From: opts.From, To: opts.To,
				Reason: "hand-off " + pending.ID + " is still pending"}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		now := e.ts()
		h := domain.PhaseHandoff{
			ID:          uuid.New().String(),
			SDID:        sd.ID,
			FromPhase:   opts.From,
			ToPhase:     opts.To,
			Status:      domain.HandoffPending,
			PayloadJSON: string(opts.Payload),
			CreatedBy:   opts.ActorID,
			CreatedAt:   now,
		}
		if err := e.Repo.InsertHandoff(ctx, tx, h); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, "handoff.submitted", sd.ID, "handoff", h.ID, opts.ActorID, events.EventPayload{
			"from_phase": h.FromPhase, "to_phase": h.ToPhase,
		}); err != nil {
			return err
		}
		if opts.Accept {
			if h, err = e.acceptTx(ctx, tx, sd, h, opts.ActorID); err != nil {
				return err
			}
		}
		out = h
		return nil
	})
	if err != nil {
		return domain.PhaseHandoff{}, err
	}
	if opts.Accept {
		e.Telemetry.Handoff(ctx, domain.HandoffAccepted)
	} else {
		e.Telemetry.Handoff(ctx, domain.HandoffPending)
	}
	return out, nil
}

// AcceptHandoff decides the SD's pending hand-off in its favour and advances the phase.
func (e Engine) AcceptHandoff(ctx context.Context, handoffID, actorID string) (domain.PhaseHandoff, error) {
	if err := e.ready(); err != nil {
		return domain.PhaseHandoff{}, err
	}
	var out domain.PhaseHandoff
	err := e.Repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		h, err := e.Repo.GetHandoff(ctx, tx, handoffID)
		if err != nil {
			return err
		}
		sd, err := e.lockForWrite(ctx, tx, h.SDID, actorID)
		if err != nil {
			return err
		}
		out, err = e.acceptTx(ctx, tx, sd, h, actorID)
		return err
	})
	if err != nil {
		return domain.PhaseHandoff{}, err
	}
	e.Telemetry.Handoff(ctx, domain.HandoffAccepted)
	return out, nil
}

func (e Engine) acceptTx(ctx context.Context, tx *sqlx.Tx, sd domain.StrategicDirective, h domain.PhaseHandoff, actorID string) (domain.PhaseHandoff, error) {
	if h.Status != domain.HandoffPending {
		return h, &TransitionError{SDID: sd.ID, Current: sd.CurrentPhase, From: h.FromPhase, To: h.ToPhase, Reason: "hand-off is already " + h.Status}
	}
	// payload rules may have been tightened since submission
	if res := handoff.RulesFromConfig(e.Config).ValidateJSON(h.PayloadJSON); !res.Valid {
		return h, &ValidationError{Message: "hand-off payload incomplete", MissingFields: res.MissingFields, PlaceholderFields: res.PlaceholderFields}
	}
	next, err := handoff.ApplyTransition(sd, h)
	if err != nil {
		return h, err
	}
	now := e.ts()
	if err := e.Repo.DecideHandoff(ctx, tx, h.ID, domain.HandoffAccepted, actorID, now, nil); err != nil {
		return h, err
	}
	h.Status = domain.HandoffAccepted
	h.DecidedBy = &actorID
	h.DecidedAt = &now

	if next.Status == domain.StatusDraft || next.Status == domain.StatusActive {
		next.Status = domain.StatusInProgress
	}
	next.UpdatedAt = now
	if err := e.Repo.UpdateSDState(ctx, tx, next); err != nil {
		return h, err
	}
	if err := e.emit(ctx, tx, "handoff.accepted", sd.ID, "handoff", h.ID, actorID, events.EventPayload{
		"from_phase": h.FromPhase, "to_phase": h.ToPhase,
	}); err != nil {
		return h, err
	}
	if next.Status != sd.Status {
		if err := e.emit(ctx, tx, "sd.status.updated", sd.ID, "sd", sd.ID, actorID, events.EventPayload{
			"from": sd.Status, "to": next.Status, "cause": "handoff",
		}); err != nil {
			return h, err
		}
	}
	if _, _, err := e.settle(ctx, tx, next, actorID); err != nil {
		return h, err
	}
	e.log().Info("hand-off accepted", "sd_id", sd.ID, "from", h.FromPhase, "to", h.ToPhase, "actor", actorID)
	return h, nil
}

// RejectHandoff closes a pending hand-off without moving the SD.
func (e Engine) RejectHandoff(ctx context.Context, handoffID, reason, actorID string) (domain.PhaseHandoff, error) {
	if err := e.ready(); err != nil {
		return domain.PhaseHandoff{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.PhaseHandoff{}, &ValidationError{Message: "rejection reason is required", MissingFields: []string{"reason"}}
	}
	var out domain.PhaseHandoff
	err := e.Repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		h, err := e.Repo.GetHandoff(ctx, tx, handoffID)
		if err != nil {
			return err
		}
		sd, err := e.lockForWrite(ctx, tx, h.SDID, actorID)
		if err != nil {
			return err
		}
		if h.Status != domain.HandoffPending {
			return &TransitionError{SDID: sd.ID, Current: sd.CurrentPhase, From: h.FromPhase, To: h.ToPhase, Reason: "hand-off is already " + h.Status}
		}
		now := e.ts()
		if err := e.Repo.DecideHandoff(ctx, tx, h.ID, domain.HandoffRejected, actorID, now, &reason); err != nil {
			return err
		}
		h.Status = domain.HandoffRejected
		h.DecidedBy = &actorID
		h.DecidedAt = &now
		h.RejectionReason = &reason
		if err := e.emit(ctx, tx, "handoff.rejected", sd.ID, "handoff", h.ID, actorID, events.EventPayload{
			"from_phase": h.FromPhase, "to_phase": h.ToPhase, "reason": reason,
		}); err != nil {
			return err
		}
		out = h
		return nil
	})
	if err != nil {
		return domain.PhaseHandoff{}, err
	}
	e.Telemetry.Handoff(ctx, domain.HandoffRejected)
	return out, nil
}

func (e Engine) ListHandoffs(ctx context.Context, sdID string) ([]domain.PhaseHandoff, error) {
	if _, err := e.Repo.GetSD(ctx, sdID); err != nil {
		return nil, err
	}
	return e.Repo.ListHandoffs(ctx, e.DB, sdID)
}
