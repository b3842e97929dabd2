// Package verdict merges verification-agent results into one gate verdict.
package verdict

import (
	"fmt"
	"sort"
	"strings"

	"github.com/montanaflynn/stats"

	"leoline/internal/config"
	"leoline/internal/domain"
)

type Aggregator struct {
	Threshold       int
	MandatoryAgents []string
}

// ForProfile builds the aggregator used for one sd_type.
func ForProfile(cfg *config.Config, profile config.SDTypeProfile) Aggregator {
	return Aggregator{Threshold: cfg.Verification.Threshold, MandatoryAgents: profile.MandatoryAgents}
}

func normalizeAgent(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Latest keeps the most recent result per agent, ordered by agent code.
// Recency is the store-assigned sequence, never the caller's clock.
func Latest(results []domain.VerificationResult) []domain.VerificationResult {
	byAgent := map[string]domain.VerificationResult{}
	for _, r := range results {
		code := normalizeAgent(r.AgentCode)
		if prev, ok := byAgent[code]; !ok || r.Seq > prev.Seq {
			r.AgentCode = code
			byAgent[code] = r
		}
	}
	out := make([]domain.VerificationResult, 0, len(byAgent))
	for _, r := range byAgent {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentCode < out[j].AgentCode })
	return out
}

// Aggregate derives the gate verdict from all results recorded for an SD.
func (a Aggregator) Aggregate(results []domain.VerificationResult) domain.GateVerdict {
	latest := Latest(results)
	gv := domain.GateVerdict{Threshold: a.Threshold, Contributing: []domain.AgentVerdict{}}
	confidences := make(stats.Float64Data, 0, len(latest))
	present := map[string]bool{}
	for _, r := range latest {
		present[r.AgentCode] = true
		confidences = append(confidences, float64(r.Confidence))
		gv.Contributing = append(gv.Contributing, domain.AgentVerdict{
			AgentCode:  r.AgentCode,
			Verdict:    r.Verdict,
			Confidence: r.Confidence,
			Seq:        r.Seq,
		})
	}
	if len(confidences) > 0 {
		gv.AvgConfidence, _ = stats.Mean(confidences)
		lowest := latest[0]
		for _, r := range latest[1:] {
			if r.Confidence < lowest.Confidence {
				lowest = r
			}
		}
		gv.LowestAgent = lowest.AgentCode
	}

	for _, r := range latest {
		if r.Verdict == domain.VerdictBlocked {
			gv.Verdict = domain.VerdictBlocked
			gv.Rationale = fmt.Sprintf("%s reported BLOCKED", r.AgentCode)
			return gv
		}
	}
	for _, code := range a.MandatoryAgents {
		code = normalizeAgent(code)
		if !present[code] {
			gv.MissingAgents = append(gv.MissingAgents, code)
		}
	}
	if len(latest) == 0 {
		gv.Verdict = domain.VerdictPending
		gv.Rationale = "no verification results recorded"
		return gv
	}
	if len(gv.MissingAgents) > 0 {
		gv.Verdict = domain.VerdictPending
		gv.Rationale = "awaiting mandatory agents: " + strings.Join(gv.MissingAgents, ", ")
		return gv
	}

	allPass, allSoft := true, true
	var sawError, sawPending bool
	for _, r := range latest {
		if r.Verdict != domain.VerdictPass || r.Confidence < a.Threshold {
			allPass = false
		}
		switch r.Verdict {
		case domain.VerdictPass, domain.VerdictConditional, domain.VerdictManualRequired:
		case domain.VerdictError:
			allSoft, sawError = false, true
		default:
			allSoft, sawPending = false, true
		}
	}
	threshold := float64(a.Threshold)
	switch {
	case allPass:
		gv.Verdict = domain.VerdictPass
	case allSoft && gv.AvgConfidence >= threshold:
		gv.Verdict = domain.VerdictConditional
		gv.Rationale = fmt.Sprintf("average confidence %.1f meets threshold %d; lowest contributor %s at %d",
			gv.AvgConfidence, a.Threshold, gv.LowestAgent, confidenceOf(latest, gv.LowestAgent))
	case sawError:
		gv.Verdict = domain.VerdictError
		gv.Rationale = "an agent reported ERROR"
	case sawPending:
		gv.Verdict = domain.VerdictPending
		gv.Rationale = "an agent has not finished"
	default:
		gv.Verdict = domain.VerdictManualRequired
		gv.Rationale = fmt.Sprintf("average confidence %.1f below threshold %d", gv.AvgConfidence, a.Threshold)
	}
	return gv
}

// Passing reports whether a gate verdict satisfies PLAN_VERIFICATION.
func Passing(v domain.Verdict) bool {
	return v == domain.VerdictPass || v == domain.VerdictConditional
}

func confidenceOf(results []domain.VerificationResult, agent string) int {
	for _, r := range results {
		if r.AgentCode == agent {
			return r.Confidence
		}
	}
	return 0
}
