package handoff

import (
	"fmt"

	"leoline/internal/domain"
)

// TransitionError reports an out-of-sequence hand-off or an illegal lifecycle move.
type TransitionError struct {
	SDID    string
	Current domain.Phase
	From    domain.Phase
	To      domain.Phase
	Reason  string
}

func (e *TransitionError) Error() string {
	if e.From == "" && e.To == "" {
		return fmt.Sprintf("transition rejected for %s: %s", e.SDID, e.Reason)
	}
	return fmt.Sprintf("transition %s -> %s rejected for %s (current phase %s): %s", e.From, e.To, e.SDID, e.Current, e.Reason)
}

// CheckOrder verifies that from -> to is the next step for an SD at current.
func CheckOrder(sd domain.StrategicDirective, from, to domain.Phase) error {
	fail := func(reason string) error {
		return &TransitionError{SDID: sd.ID, Current: sd.CurrentPhase, From: from, To: to, Reason: reason}
	}
	if domain.IsTerminalStatus(sd.Status) {
		return fail("sd is " + sd.Status)
	}
	if !from.Valid() {
		return fail(fmt.Sprintf("unknown from_phase %q", from))
	}
	if !to.Valid() {
		return fail(fmt.Sprintf("unknown to_phase %q", to))
	}
	if from != sd.CurrentPhase {
		return fail("from_phase must equal current phase")
	}
	next, ok := from.Next()
	if !ok {
		return fail("no phase follows " + string(from))
	}
	if to != next {
		if to.Index() < from.Index() {
			return fail("hand-offs cannot move backward; reject the pending hand-off instead")
		}
		return fail("expected to_phase " + string(next))
	}
	return nil
}

// ApplyTransition advances the SD past an accepted hand-off.
func ApplyTransition(sd domain.StrategicDirective, h domain.PhaseHandoff) (domain.StrategicDirective, error) {
	if h.SDID != sd.ID {
		return sd, &TransitionError{SDID: sd.ID, Current: sd.CurrentPhase, From: h.FromPhase, To: h.ToPhase, Reason: "hand-off belongs to " + h.SDID}
	}
	if err := CheckOrder(sd, h.FromPhase, h.ToPhase); err != nil {
		return sd, err
	}
	sd.CurrentPhase = h.ToPhase
	return sd, nil
}
