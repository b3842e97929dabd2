// Package progress converts gate evidence into a weighted completion score.
package progress

import (
	"fmt"

	"leoline/internal/config"
	"leoline/internal/domain"
	"leoline/internal/engine/handoff"
	"leoline/internal/engine/hierarchy"
	"leoline/internal/engine/verdict"
)

// Evidence is everything the gates read for one SD.
type Evidence struct {
	Handoffs  []domain.PhaseHandoff
	Artifacts []domain.Artifact
	SubItems  []domain.SubItem
	Results   []domain.VerificationResult
	Children  []domain.StrategicDirective
}

type PhaseResult struct {
	Phase      domain.Phase `json:"phase"`
	BaseWeight int          `json:"base_weight"`
	Weight     int          `json:"weight"`
	Mandatory  bool         `json:"mandatory"`
	Complete   bool         `json:"complete"`
	Reasons    []string     `json:"reasons,omitempty"`
}

// BlockingReason names one piece of missing evidence. Gap marks evidence that
// is absent rather than present but failing.
type BlockingReason struct {
	Phase   domain.Phase `json:"phase,omitempty"`
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Gap     bool         `json:"evidence_gap"`
}

type Result struct {
	SDID            string             `json:"sd_id"`
	Score           int                `json:"score"`
	CurrentPhase    string             `json:"current_phase"`
	Phases          []PhaseResult      `json:"phase_breakdown"`
	BlockingReasons []BlockingReason   `json:"blocking_reasons"`
	Verdict         domain.GateVerdict `json:"gate_verdict"`
	Orchestrator    bool               `json:"orchestrator"`
	Rollup          *hierarchy.Rollup  `json:"rollup,omitempty"`
}

// Complete reports whether every mandatory gate holds.
func (r Result) Complete() bool { return r.Score == 100 }

type Calculator struct {
	Config  *config.Config
	Handoff handoff.Rules
}

func New(cfg *config.Config) Calculator {
	return Calculator{Config: cfg, Handoff: handoff.RulesFromConfig(cfg)}
}

// Compute never fails: malformed or missing evidence leaves a phase incomplete.
func (c Calculator) Compute(sd domain.StrategicDirective, ev Evidence) (res Result) {
	res = Result{SDID: sd.ID, BlockingReasons: []BlockingReason{}, Phases: []PhaseResult{}}
	defer func() {
		if p := recover(); p != nil {
			res = Result{
				SDID:         sd.ID,
				CurrentPhase: string(domain.PhaseLeadApproval),
				Phases:       []PhaseResult{},
				BlockingReasons: []BlockingReason{{
					Code:    "calculator_fault",
					Message: fmt.Sprintf("evidence could not be evaluated: %v", p),
				}},
			}
		}
	}()

	profile := c.Config.ProfileOrDefault(sd.Type)
	weights := EffectiveWeights(c.Config.Phases, profile)
	res.Verdict = verdict.ForProfile(c.Config, profile).Aggregate(ev.Results)

	for _, pw := range c.Config.Phases {
		complete, reasons := c.gate(pw.Phase, profile, res.Verdict, ev)
		pr := PhaseResult{
			Phase:      pw.Phase,
			BaseWeight: pw.Weight,
			Weight:     weights[pw.Phase],
			Mandatory:  profile.Mandatory(pw.Phase),
			Complete:   complete,
		}
		for _, r := range reasons {
			pr.Reasons = append(pr.Reasons, r.Message)
		}
		res.Phases = append(res.Phases, pr)
		if !pr.Mandatory {
			continue
		}
		if complete {
			res.Score += pr.Weight
			continue
		}
		res.BlockingReasons = append(res.BlockingReasons, reasons...)
		if res.CurrentPhase == "" {
			res.CurrentPhase = string(pw.Phase)
		}
	}
	if res.CurrentPhase == "" {
		res.CurrentPhase = domain.PhaseComplete
	}

	roll := hierarchy.Roll(ev.Children)
	if roll.HasChildren() {
		res.Orchestrator = true
		res.Rollup = &roll
		res.Score = roll.Progress
		res.BlockingReasons = []BlockingReason{}
		for _, ch := range roll.Incomplete {
			res.BlockingReasons = append(res.BlockingReasons, BlockingReason{
				Code:    "child_incomplete",
				Message: fmt.Sprintf("child %s is %s at %d%%", ch.ID, ch.Status, ch.Progress),
			})
		}
	}
	if res.Score > 100 {
		res.Score = 100
	}
	return res
}

func (c Calculator) gate(ph domain.Phase, profile config.SDTypeProfile, gv domain.GateVerdict, ev Evidence) (bool, []BlockingReason) {
	var reasons []BlockingReason
	add := func(code, msg string, gap bool) {
		reasons = append(reasons, BlockingReason{Phase: ph, Code: code, Message: msg, Gap: gap})
	}
	switch ph {
	case domain.PhaseLeadApproval:
		c.requireHandoff(domain.PhaseLeadApproval, domain.PhasePlanDesign, ev, add)
	case domain.PhasePlanDesign:
		c.requireHandoff(domain.PhasePlanDesign, domain.PhaseExecImplementation, ev, add)
		switch a, ok := findArtifact(ev.Artifacts, domain.ArtifactPRD); {
		case !ok:
			add("prd_missing", "requirements artifact (prd) not recorded", true)
		case a.Status != domain.ArtifactComplete:
			add("prd_incomplete", "requirements artifact (prd) is "+a.Status, false)
		}
	case domain.PhaseExecImplementation:
		total, done := 0, 0
		for _, it := range ev.SubItems {
			if it.Kind != domain.SubItemDeliverable || !it.Mandatory {
				continue
			}
			total++
			if it.Completed {
				done++
			}
		}
		switch {
		case total == 0:
			add("deliverables_missing", "no mandatory deliverables recorded", true)
		case done < total:
			add("deliverables_incomplete", fmt.Sprintf("%d of %d deliverables not completed", total-done, total), false)
		}
		if !profile.ExecHandoffOptional {
			c.requireHandoff(domain.PhaseExecImplementation, domain.PhasePlanVerification, ev, add)
		}
	case domain.PhasePlanVerification:
		if !verdict.Passing(gv.Verdict) {
			gap := gv.Verdict == domain.VerdictPending
			msg := fmt.Sprintf("verification verdict is %s", gv.Verdict)
			if gv.Rationale != "" {
				msg += ": " + gv.Rationale
			}
			add("verdict_not_passing", msg, gap)
		}
		total, validated := 0, 0
		for _, it := range ev.SubItems {
			if it.Kind != domain.SubItemUserStory {
				continue
			}
			total++
			if it.Validated {
				validated++
			}
		}
		if validated < total {
			add("stories_unvalidated", fmt.Sprintf("%d of %d user stories not validated", total-validated, total), false)
		}
	case domain.PhaseLeadFinalApproval:
		c.requireHandoff(domain.PhasePlanVerification, domain.PhaseLeadFinalApproval, ev, add)
		if _, ok := findArtifact(ev.Artifacts, domain.ArtifactRetrospective); !ok {
			add("retrospective_missing", "closing retrospective not recorded", true)
		}
	default:
		add("unknown_phase", "phase has no gate rule", false)
	}
	return len(reasons) == 0, reasons
}

// requireHandoff is satisfied by an accepted hand-off whose payload still
// passes validation; anything else counts as missing.
func (c Calculator) requireHandoff(from, to domain.Phase, ev Evidence, add func(code, msg string, gap bool)) {
	label := fmt.Sprintf("%s->%s", from, to)
	var accepted []domain.PhaseHandoff
	pending := false
	for _, h := range ev.Handoffs {
		if h.FromPhase != from || h.ToPhase != to {
			continue
		}
		switch h.Status {
		case domain.HandoffAccepted:
			accepted = append(accepted, h)
		case domain.HandoffPending:
			pending = true
		}
	}
	for _, h := range accepted {
		if c.Handoff.ValidateJSON(h.PayloadJSON).Valid {
			return
		}
	}
	switch {
	case len(accepted) > 0:
		res := c.Handoff.ValidateJSON(accepted[len(accepted)-1].PayloadJSON)
		add("handoff_incomplete", fmt.Sprintf("accepted hand-off %s is missing fields: %v", label, res.Invalid()), false)
	case pending:
		add("handoff_pending", fmt.Sprintf("hand-off %s awaits acceptance", label), true)
	default:
		add("handoff_missing", fmt.Sprintf("no accepted hand-off %s", label), true)
	}
}

func findArtifact(items []domain.Artifact, kind string) (domain.Artifact, bool) {
	for _, a := range items {
		if a.Kind == kind {
			return a, true
		}
	}
	return domain.Artifact{}, false
}
