package leosdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal LEO protocol HTTP API client for dashboards and
// verification agents.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set. Only servers
	// started with the dev actor header accept it.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// SD represents a strategic directive (partial).
type SD struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Type         string  `json:"sd_type"`
	Status       string  `json:"status"`
	CurrentPhase string  `json:"current_phase"`
	DerivedPhase string  `json:"derived_phase"`
	Progress     int     `json:"progress"`
	ParentID     *string `json:"parent_id,omitempty"`
}

// Handoff is a phase transition record.
type Handoff struct {
	ID              string  `json:"id"`
	SDID            string  `json:"sd_id"`
	FromPhase       string  `json:"from_phase"`
	ToPhase         string  `json:"to_phase"`
	Status          string  `json:"status"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
}

// HandoffPayload is the seven-element package every hand-off carries.
type HandoffPayload struct {
	ExecutiveSummary     string   `json:"executive_summary"`
	CompletenessReport   string   `json:"completeness_report"`
	DeliverablesManifest []string `json:"deliverables_manifest"`
	KeyDecisions         []string `json:"key_decisions"`
	KnownIssues          []string `json:"known_issues"`
	ResourceUtilization  string   `json:"resource_utilization"`
	ActionItems          []string `json:"action_items"`
}

// VerificationResult is one agent's report.
type VerificationResult struct {
	Seq        int64  `json:"seq"`
	ID         string `json:"id"`
	SDID       string `json:"sd_id"`
	AgentCode  string `json:"agent_code"`
	Verdict    string `json:"verdict"`
	Confidence int    `json:"confidence"`
}

// GateVerdict is the aggregate over the latest result of each agent.
type GateVerdict struct {
	Verdict       string   `json:"verdict"`
	Rationale     string   `json:"rationale"`
	AvgConfidence float64  `json:"avg_confidence"`
	MissingAgents []string `json:"missing_agents"`
}

// BlockingReason names one piece of evidence holding progress back.
type BlockingReason struct {
	Phase   string `json:"phase"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Gap     bool   `json:"evidence_gap"`
}

// Progress is the evidence-derived score of an SD.
type Progress struct {
	SDID            string           `json:"sd_id"`
	Score           int              `json:"score"`
	StoredProgress  int              `json:"stored_progress"`
	Pinned          bool             `json:"pinned"`
	Status          string           `json:"status"`
	CurrentPhase    string           `json:"current_phase"`
	HandoffPhase    string           `json:"handoff_phase"`
	BlockingReasons []BlockingReason `json:"blocking_reasons"`
	GateVerdict     GateVerdict      `json:"gate_verdict"`
	Orchestrator    bool             `json:"orchestrator"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SDID       string         `json:"sd_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Details come from the error
// envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IntegrityViolation reports whether the server refused a write that
// evidence does not support.
func (e *APIError) IntegrityViolation() bool { return e.Code == "integrity_violation" }

// CreateSD creates a strategic directive, optionally under an orchestrator.
func (c *Client) CreateSD(ctx context.Context, title, sdType, parentID string) (SD, error) {
	body := map[string]any{"title": title}
	if sdType != "" {
		body["sd_type"] = sdType
	}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	var resp SD
	err := c.do(ctx, http.MethodPost, "sds", body, &resp)
	return resp, err
}

// GetSD fetches one SD.
func (c *Client) GetSD(ctx context.Context, sdID string) (SD, error) {
	var resp SD
	err := c.do(ctx, http.MethodGet, c.sdPath(sdID, ""), nil, &resp)
	return resp, err
}

// Progress returns the evidence-derived score with blocking reasons.
func (c *Client) Progress(ctx context.Context, sdID string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, c.sdPath(sdID, "progress"), nil, &resp)
	return resp, err
}

// SubmitHandoff submits and accepts a hand-off in one call.
func (c *Client) SubmitHandoff(ctx context.Context, sdID, from, to string, payload HandoffPayload) (Handoff, error) {
	body := map[string]any{
		"from_phase": from,
		"to_phase":   to,
		"payload":    payload,
	}
	var resp Handoff
	err := c.do(ctx, http.MethodPost, c.sdPath(sdID, "handoffs"), body, &resp)
	return resp, err
}

// RecordVerification appends an agent verdict.
func (c *Client) RecordVerification(ctx context.Context, sdID, agentCode, verdict string, confidence int, findings any) (VerificationResult, error) {
	body := map[string]any{
		"agent_code": agentCode,
		"verdict":    verdict,
		"confidence": confidence,
	}
	if findings != nil {
		body["findings"] = findings
	}
	var resp VerificationResult
	err := c.do(ctx, http.MethodPost, c.sdPath(sdID, "verification-results"), body, &resp)
	return resp, err
}

// GateVerdict returns the aggregate verification verdict for an SD.
func (c *Client) GateVerdict(ctx context.Context, sdID string) (GateVerdict, error) {
	var resp GateVerdict
	err := c.do(ctx, http.MethodGet, c.sdPath(sdID, "gate-verdict"), nil, &resp)
	return resp, err
}

// WriteStatus asks the engine to move an SD to status. The server answers
// with an integrity_violation error when evidence does not support it.
func (c *Client) WriteStatus(ctx context.Context, sdID, status string) (SD, error) {
	var resp SD
	err := c.do(ctx, http.MethodPatch, c.sdPath(sdID, "status"), map[string]any{"status": status}, &resp)
	return resp, err
}

// Events returns recent events for an SD, or for all SDs when sdID is empty.
func (c *Client) Events(ctx context.Context, sdID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, sdID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, sdID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if sdID != "" {
		q.Set("sd_id", sdID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) sdPath(sdID, sub string) string {
	p := "sds/" + url.PathEscape(sdID)
	if sub != "" {
		p += "/" + sub
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
