package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"leoline/internal/domain"
	"leoline/internal/engine/verdict"
	"leoline/internal/events"
)

type VerificationOptions struct {
	SDID       string
	AgentCode  string
	Verdict    domain.Verdict
	Confidence int
	Findings   json.RawMessage
	ActorID    string
}

// RecordVerification appends one agent result. Results are never updated; a
// newer result for the same agent supersedes the older one in aggregation.
func (e Engine) RecordVerification(ctx context.Context, opts VerificationOptions) (domain.VerificationResult, error) {
	if err := e.ready(); err != nil {
		return domain.VerificationResult{}, err
	}
	ctx, span := e.Telemetry.Start(ctx, "engine.RecordVerification", opts.SDID)
	defer span.End()

	opts.AgentCode = strings.ToUpper(strings.TrimSpace(opts.AgentCode))
	var missing []string
	if opts.AgentCode == "" {
		missing = append(missing, "agent_code")
	}
	if opts.ActorID == "" {
		missing = append(missing, "actor")
	}
	if len(missing) > 0 {
		return domain.VerificationResult{}, &ValidationError{Message: "invalid verification result", MissingFields: missing}
	}
	if !opts.Verdict.Valid() {
		return domain.VerificationResult{}, &ValidationError{Message: fmt.Sprintf("invalid verdict %q", opts.Verdict)}
	}
	if opts.Confidence < 0 || opts.Confidence > 100 {
		return domain.VerificationResult{}, &ValidationError{Message: fmt.Sprintf("confidence %d outside 0..100", opts.Confidence)}
	}
	var findings *string
	if len(opts.Findings) > 0 && string(opts.Findings) != "null" {
		if !json.Valid(opts.Findings) {
			return domain.VerificationResult{}, &ValidationError{Message: "findings must be valid JSON"}
		}
		s := string(opts.Findings)
		findings = &s
	}

	var out domain.VerificationResult
	err := e.Repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		// agents report without holding the SD lease
		sd, err := e.Repo.LockSD(ctx, tx, opts.SDID)
		if err != nil {
			return err
		}
		if domain.IsTerminalStatus(sd.Status) {
			return transitionErr(sd.ID, "sd is "+sd.Status)
		}
		out, err = e.Repo.InsertVerificationResult(ctx, tx, domain.VerificationResult{
			ID:           uuid.New().String(),
			SDID:         sd.ID,
			AgentCode:    opts.AgentCode,
			Verdict:      opts.Verdict,
			Confidence:   opts.Confidence,
			FindingsJSON: findings,
			RecordedBy:   opts.ActorID,
			RecordedAt:   e.ts(),
		})
		if err != nil {
			return err
		}
		if err := e.emit(ctx, tx, "verification.recorded", sd.ID, "verification_result", out.ID, opts.ActorID, events.EventPayload{
			"agent_code": out.AgentCode, "verdict": out.Verdict, "confidence": out.Confidence,
		}); err != nil {
			return err
		}
		_, _, err = e.settle(ctx, tx, sd, opts.ActorID)
		return err
	})
	if err != nil {
		return domain.VerificationResult{}, err
	}
	e.Telemetry.Verdict(ctx, string(out.Verdict))
	return out, nil
}

// GateVerdict aggregates the latest result per agent for the SD's profile.
func (e Engine) GateVerdict(ctx context.Context, sdID string) (domain.GateVerdict, error) {
	if err := e.ready(); err != nil {
		return domain.GateVerdict{}, err
	}
	sd, err := e.Repo.GetSD(ctx, sdID)
	if err != nil {
		return domain.GateVerdict{}, err
	}
	results, err := e.Repo.ListVerificationResults(ctx, e.DB, sd.ID)
	if err != nil {
		return domain.GateVerdict{}, err
	}
	return verdict.ForProfile(e.Config, e.Config.ProfileOrDefault(sd.Type)).Aggregate(results), nil
}

func (e Engine) ListVerificationResults(ctx context.Context, sdID string) ([]domain.VerificationResult, error) {
	if _, err := e.Repo.GetSD(ctx, sdID); err != nil {
		return nil, err
	}
	return e.Repo.ListVerificationResults(ctx, e.DB, sdID)
}
