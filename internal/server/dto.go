package server

import (
	"encoding/json"

	"leoline/internal/domain"
	"leoline/internal/engine/progress"
)

// Request payloads

type CreateSDRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Type        string  `json:"sd_type,omitempty"`
	ParentID    *string `json:"parent_id,omitempty"`
}

type SetParentRequest struct {
	// Empty or null detaches the SD.
	ParentID *string `json:"parent_id"`
}

type WriteStatusRequest struct {
	Status   string `json:"status,omitempty" enum:"draft,active,in_progress,pending_approval,completed,cancelled"`
	Progress *int   `json:"progress,omitempty" minimum:"0" maximum:"100"`
}

type HandoffRequest struct {
	FromPhase domain.Phase    `json:"from_phase" enum:"LEAD_APPROVAL,PLAN_DESIGN,EXEC_IMPLEMENTATION,PLAN_VERIFICATION,LEAD_FINAL_APPROVAL"`
	ToPhase   domain.Phase    `json:"to_phase" enum:"LEAD_APPROVAL,PLAN_DESIGN,EXEC_IMPLEMENTATION,PLAN_VERIFICATION,LEAD_FINAL_APPROVAL"`
	Payload   json.RawMessage `json:"payload"`
	// Accept decides the hand-off immediately. Defaults to true.
	Accept *bool `json:"accept,omitempty"`
}

type ValidateHandoffRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type RejectHandoffRequest struct {
	Reason string `json:"reason"`
}

type VerificationRequest struct {
	AgentCode  string          `json:"agent_code"`
	Verdict    domain.Verdict  `json:"verdict" enum:"PASS,CONDITIONAL_PASS,BLOCKED,MANUAL_REQUIRED,PENDING,ERROR"`
	Confidence int             `json:"confidence" minimum:"0" maximum:"100"`
	Findings   json.RawMessage `json:"findings,omitempty"`
}

type OverrideRequest struct {
	Status   string `json:"status,omitempty" enum:"draft,active,in_progress,pending_approval,completed,cancelled"`
	Progress *int   `json:"progress,omitempty" minimum:"0" maximum:"100"`
	ClearPin bool   `json:"clear_pin,omitempty"`
	Reason   string `json:"reason"`
}

type SubItemRequest struct {
	Kind      string `json:"kind" enum:"user_story,deliverable"`
	Title     string `json:"title"`
	Mandatory bool   `json:"mandatory,omitempty"`
}

type UpdateSubItemRequest struct {
	Mandatory *bool `json:"mandatory,omitempty"`
	Validated *bool `json:"validated,omitempty"`
	Completed *bool `json:"completed,omitempty"`
}

type ArtifactRequest struct {
	Kind   string `json:"kind" enum:"prd,retrospective"`
	Status string `json:"status,omitempty" enum:"draft,complete"`
}

type LeaseRequest struct {
	Seconds int `json:"seconds,omitempty" minimum:"0"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type ProgressResponse struct {
	SDID            string                    `json:"sd_id"`
	Score           int                       `json:"score"`
	StoredProgress  int                       `json:"stored_progress"`
	Pinned          bool                      `json:"pinned"`
	Status          string                    `json:"status"`
	CurrentPhase    string                    `json:"current_phase"`
	HandoffPhase    string                    `json:"handoff_phase"`
	PhaseBreakdown  []progress.PhaseResult    `json:"phase_breakdown"`
	BlockingReasons []progress.BlockingReason `json:"blocking_reasons"`
	GateVerdict     domain.GateVerdict        `json:"gate_verdict"`
	Orchestrator    bool                      `json:"orchestrator"`
	Rollup          *RollupResponse           `json:"rollup,omitempty"`
}

type RollupResponse struct {
	Progress     int  `json:"progress"`
	Counted      int  `json:"counted"`
	Cancelled    int  `json:"cancelled"`
	AllCompleted bool `json:"all_completed"`
}

type HandoffValidationResponse struct {
	Valid             bool     `json:"valid"`
	MissingFields     []string `json:"missing_fields"`
	PlaceholderFields []string `json:"placeholder_fields"`
}

type OverrideResponse struct {
	SD       domain.StrategicDirective `json:"sd"`
	Override domain.Override           `json:"override"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SDID       string         `json:"sd_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	_ = json.Unmarshal([]byte(e.PayloadJSON), &payload)
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SDID:       stringOrEmpty(e.SDID),
		EntityKind: e.EntityKind,
		EntityID:   stringOrEmpty(e.EntityID),
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func progressResponse(r progressReport) ProgressResponse {
	out := ProgressResponse{
		SDID:            r.SDID,
		Score:           r.Score,
		StoredProgress:  r.StoredProgress,
		Pinned:          r.ProgressPinned != nil,
		Status:          r.Status,
		CurrentPhase:    r.CurrentPhase,
		HandoffPhase:    r.HandoffPhase,
		PhaseBreakdown:  r.Phases,
		BlockingReasons: r.BlockingReasons,
		GateVerdict:     r.Verdict,
		Orchestrator:    r.Orchestrator,
	}
	if r.Rollup != nil {
		out.Rollup = &RollupResponse{
			Progress:     r.Rollup.Progress,
			Counted:      r.Rollup.Counted,
			Cancelled:    r.Rollup.Cancelled,
			AllCompleted: r.Rollup.AllCompleted,
		}
	}
	return out
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
