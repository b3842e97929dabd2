package domain

import "encoding/json"

// Phase is one stage of the fixed SD pipeline.
type Phase string

const (
	PhaseLeadApproval       Phase = "LEAD_APPROVAL"
	PhasePlanDesign         Phase = "PLAN_DESIGN"
	PhaseExecImplementation Phase = "EXEC_IMPLEMENTATION"
	PhasePlanVerification   Phase = "PLAN_VERIFICATION"
	PhaseLeadFinalApproval  Phase = "LEAD_FINAL_APPROVAL"
)

// Phases lists the pipeline in order.
var Phases = []Phase{
	PhaseLeadApproval,
	PhasePlanDesign,
	PhaseExecImplementation,
	PhasePlanVerification,
	PhaseLeadFinalApproval,
}

// Index returns the position of p in the pipeline or -1.
func (p Phase) Index() int {
	for i, ph := range Phases {
		if ph == p {
			return i
		}
	}
	return -1
}

func (p Phase) Valid() bool { return p.Index() >= 0 }

// Next returns the phase after p; ok is false for the last phase.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i == len(Phases)-1 {
		return "", false
	}
	return Phases[i+1], true
}

// PhaseComplete is the derived label once every mandatory gate holds.
const PhaseComplete = "COMPLETE"

const (
	StatusDraft           = "draft"
	StatusActive          = "active"
	StatusInProgress      = "in_progress"
	StatusPendingApproval = "pending_approval"
	StatusCompleted       = "completed"
	StatusCancelled       = "cancelled"
)

func IsTerminalStatus(s string) bool {
	return s == StatusCompleted || s == StatusCancelled
}

func ValidStatus(s string) bool {
	switch s {
	case StatusDraft, StatusActive, StatusInProgress, StatusPendingApproval, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type StrategicDirective struct {
	ID             string  `db:"id" json:"id"`
	Title          string  `db:"title" json:"title"`
	Description    string  `db:"description" json:"description,omitempty"`
	Type           string  `db:"sd_type" json:"sd_type"`
	Status         string  `db:"status" json:"status" enum:"draft,active,in_progress,pending_approval,completed,cancelled"`
	// CurrentPhase is the hand-off cursor: the phase the last accepted hand-off moved to.
	CurrentPhase   Phase   `db:"current_phase" json:"current_phase"`
	// DerivedPhase caches the first incomplete mandatory gate, or COMPLETE.
	DerivedPhase   string  `db:"derived_phase" json:"derived_phase"`
	Progress       int     `db:"progress" json:"progress"`
	ProgressPinned *int    `db:"progress_pinned" json:"progress_pinned,omitempty"`
	ParentID       *string `db:"parent_id" json:"parent_id,omitempty"`
	CreatedBy      string  `db:"created_by" json:"created_by"`
	CreatedAt      string  `db:"created_at" json:"created_at" format:"date-time"`
	UpdatedAt      string  `db:"updated_at" json:"updated_at" format:"date-time"`
	CompletedAt    *string `db:"completed_at" json:"completed_at,omitempty" format:"date-time"`
}

const (
	HandoffPending  = "pending_acceptance"
	HandoffAccepted = "accepted"
	HandoffRejected = "rejected"
)

// HandoffPayload is the seven-field package carried by every hand-off.
// Fields stay raw so malformed legacy content degrades instead of failing to decode.
type HandoffPayload struct {
	ExecutiveSummary     json.RawMessage `json:"executive_summary,omitempty"`
	CompletenessReport   json.RawMessage `json:"completeness_report,omitempty"`
	DeliverablesManifest json.RawMessage `json:"deliverables_manifest,omitempty"`
	KeyDecisions         json.RawMessage `json:"key_decisions,omitempty"`
	KnownIssues          json.RawMessage `json:"known_issues,omitempty"`
	ResourceUtilization  json.RawMessage `json:"resource_utilization,omitempty"`
	ActionItems          json.RawMessage `json:"action_items,omitempty"`
}

// Fields returns the payload's elements keyed by wire name, in contract order.
func (p HandoffPayload) Fields() []PayloadField {
	return []PayloadField{
		{"executive_summary", p.ExecutiveSummary},
		{"completeness_report", p.CompletenessReport},
		{"deliverables_manifest", p.DeliverablesManifest},
		{"key_decisions", p.KeyDecisions},
		{"known_issues", p.KnownIssues},
		{"resource_utilization", p.ResourceUtilization},
		{"action_items", p.ActionItems},
	}
}

type PayloadField struct {
	Name  string
	Value json.RawMessage
}

type PhaseHandoff struct {
	ID              string  `db:"id" json:"id"`
	SDID            string  `db:"sd_id" json:"sd_id"`
	FromPhase       Phase   `db:"from_phase" json:"from_phase"`
	ToPhase         Phase   `db:"to_phase" json:"to_phase"`
	Status          string  `db:"status" json:"status" enum:"pending_acceptance,accepted,rejected"`
	PayloadJSON     string  `db:"payload_json" json:"payload_json"`
	CreatedBy       string  `db:"created_by" json:"created_by"`
	CreatedAt       string  `db:"created_at" json:"created_at" format:"date-time"`
	DecidedBy       *string `db:"decided_by" json:"decided_by,omitempty"`
	DecidedAt       *string `db:"decided_at" json:"decided_at,omitempty" format:"date-time"`
	RejectionReason *string `db:"rejection_reason" json:"rejection_reason,omitempty"`
}

// Verdict is reported by one verification agent, or aggregated for a gate.
type Verdict string

const (
	VerdictPass           Verdict = "PASS"
	VerdictConditional    Verdict = "CONDITIONAL_PASS"
	VerdictBlocked        Verdict = "BLOCKED"
	VerdictManualRequired Verdict = "MANUAL_REQUIRED"
	VerdictPending        Verdict = "PENDING"
	VerdictError          Verdict = "ERROR"
)

func (v Verdict) Valid() bool {
	switch v {
	case VerdictPass, VerdictConditional, VerdictBlocked, VerdictManualRequired, VerdictPending, VerdictError:
		return true
	}
	return false
}

type VerificationResult struct {
	Seq          int64   `db:"seq" json:"seq"`
	ID           string  `db:"id" json:"id"`
	SDID         string  `db:"sd_id" json:"sd_id"`
	AgentCode    string  `db:"agent_code" json:"agent_code"`
	Verdict      Verdict `db:"verdict" json:"verdict"`
	Confidence   int     `db:"confidence" json:"confidence"`
	FindingsJSON *string `db:"findings_json" json:"findings_json,omitempty"`
	RecordedBy   string  `db:"recorded_by" json:"recorded_by"`
	RecordedAt   string  `db:"recorded_at" json:"recorded_at" format:"date-time"`
}

// GateVerdict is the aggregate over the latest result of each agent.
type GateVerdict struct {
	Verdict       Verdict        `json:"verdict"`
	Rationale     string         `json:"rationale,omitempty"`
	AvgConfidence float64        `json:"avg_confidence"`
	MissingAgents []string       `json:"missing_agents,omitempty"`
	Contributing  []AgentVerdict `json:"contributing"`
	LowestAgent   string         `json:"lowest_agent,omitempty"`
	Threshold     int            `json:"threshold"`
}

type AgentVerdict struct {
	AgentCode  string  `json:"agent_code"`
	Verdict    Verdict `json:"verdict"`
	Confidence int     `json:"confidence"`
	Seq        int64   `json:"seq"`
}

const (
	SubItemUserStory   = "user_story"
	SubItemDeliverable = "deliverable"
)

type SubItem struct {
	ID        string `db:"id" json:"id"`
	SDID      string `db:"sd_id" json:"sd_id"`
	Kind      string `db:"kind" json:"kind" enum:"user_story,deliverable"`
	Title     string `db:"title" json:"title"`
	Mandatory bool   `db:"mandatory" json:"mandatory"`
	Validated bool   `db:"validated" json:"validated"`
	Completed bool   `db:"completed" json:"completed"`
	CreatedAt string `db:"created_at" json:"created_at" format:"date-time"`
	UpdatedAt string `db:"updated_at" json:"updated_at" format:"date-time"`
}

const (
	ArtifactPRD           = "prd"
	ArtifactRetrospective = "retrospective"

	ArtifactDraft    = "draft"
	ArtifactComplete = "complete"
)

type Artifact struct {
	ID        string `db:"id" json:"id"`
	SDID      string `db:"sd_id" json:"sd_id"`
	Kind      string `db:"kind" json:"kind" enum:"prd,retrospective"`
	Status    string `db:"status" json:"status" enum:"draft,complete"`
	CreatedBy string `db:"created_by" json:"created_by"`
	CreatedAt string `db:"created_at" json:"created_at" format:"date-time"`
	UpdatedAt string `db:"updated_at" json:"updated_at" format:"date-time"`
}

// Override is the permanent record of an administrative bypass.
type Override struct {
	ID                  string `db:"id" json:"id"`
	SDID                string `db:"sd_id" json:"sd_id"`
	ActorID             string `db:"actor_id" json:"actor_id"`
	Reason              string `db:"reason" json:"reason"`
	FromStatus          string `db:"from_status" json:"from_status"`
	ToStatus            string `db:"to_status" json:"to_status"`
	FromProgress        int    `db:"from_progress" json:"from_progress"`
	ToProgress          int    `db:"to_progress" json:"to_progress"`
	DerivedProgress     int    `db:"derived_progress" json:"derived_progress"`
	BlockingReasonsJSON string `db:"blocking_reasons_json" json:"blocking_reasons_json"`
	CreatedAt           string `db:"created_at" json:"created_at" format:"date-time"`
}

type Lease struct {
	SDID       string `db:"sd_id" json:"sd_id"`
	OwnerID    string `db:"owner_id" json:"owner_id"`
	AcquiredAt string `db:"acquired_at" json:"acquired_at" format:"date-time"`
	ExpiresAt  string `db:"expires_at" json:"expires_at" format:"date-time"`
}

type Event struct {
	ID          int64   `db:"id" json:"id"`
	TS          string  `db:"ts" json:"ts" format:"date-time"`
	Type        string  `db:"type" json:"type"`
	SDID        *string `db:"sd_id" json:"sd_id,omitempty"`
	EntityKind  string  `db:"entity_kind" json:"entity_kind"`
	EntityID    *string `db:"entity_id" json:"entity_id,omitempty"`
	ActorID     string  `db:"actor_id" json:"actor_id"`
	PayloadJSON string  `db:"payload_json" json:"payload_json"`
}

// HierarchyNode is one SD in a hierarchyStatus tree.
type HierarchyNode struct {
	SDID     string          `json:"sd_id"`
	Title    string          `json:"title"`
	Status   string          `json:"status"`
	Progress int             `json:"progress"`
	Children []HierarchyNode `json:"children,omitempty"`
}
