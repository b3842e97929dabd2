package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leoline/internal/config"
	"leoline/internal/db"
	"leoline/internal/domain"
	"leoline/internal/engine"
	"leoline/internal/migrate"
)

const testSecret = "test-secret"

const goodPayload = `{
  "executive_summary": "Scope approved for the billing export redesign",
  "completeness_report": "all twelve requirements captured",
  "deliverables_manifest": ["export service skeleton"],
  "key_decisions": ["use streaming writer for exports"],
  "known_issues": ["legacy CSV quoting differs"],
  "resource_utilization": "two engineers three days",
  "action_items": ["plan team drafts PRD"]
}`

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

var asLead = map[string]string{"X-Actor-Id": "lead-agent"}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func createSD(t *testing.T, ts *testServer, title string, parentID string) domain.StrategicDirective {
	t.Helper()
	body := map[string]any{"title": title}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	resp, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/sds", body, asLead)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var sd domain.StrategicDirective
	require.NoError(t, json.Unmarshal(data, &sd))
	return sd
}

func submitHandoff(t *testing.T, ts *testServer, sdID string, from, to domain.Phase) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/sds/"+sdID+"/handoffs", map[string]any{
		"from_phase": from,
		"to_phase":   to,
		"payload":    json.RawMessage(goodPayload),
	}, asLead)
}

func TestHealthIsOpenAndOtherRoutesNeedAuth(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	resp, _ := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/sds", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Error.Code)
}

func TestDevLoginTokenAuthenticates(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()

	resp, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "ops", "roles": []string{"admin"},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))

	resp, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "ops", me.ActorID)
	assert.Equal(t, []string{"admin"}, me.Roles)
	assert.Equal(t, "jwt", me.Source)

	resp, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandoffAdvancesProgress(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()
	sd := createSD(t, ts, "billing export", "")

	resp, data := submitHandoff(t, ts, sd.ID, domain.PhaseLeadApproval, domain.PhasePlanDesign)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var h domain.PhaseHandoff
	require.NoError(t, json.Unmarshal(data, &h))
	assert.Equal(t, domain.HandoffAccepted, h.Status)

	resp, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/sds/"+sd.ID+"/progress", nil, asLead)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var p ProgressResponse
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, 20, p.Score)
	assert.Equal(t, 20, p.StoredProgress)
	assert.Equal(t, domain.StatusInProgress, p.Status)
	assert.Equal(t, string(domain.PhasePlanDesign), p.CurrentPhase)
	assert.Equal(t, string(domain.PhasePlanDesign), p.HandoffPhase)
	assert.Len(t, p.PhaseBreakdown, 5)
	assert.NotEmpty(t, p.BlockingReasons)
}

func TestOutOfOrderHandoffConflicts(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()
	sd := createSD(t, ts, "skip ahead", "")

	resp, data := submitHandoff(t, ts, sd.ID, domain.PhaseExecImplementation, domain.PhasePlanVerification)
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(data))
	assert.Equal(t, "transition_conflict", decodeError(t, data).Error.Code)
}

func TestPlaceholderPayloadIsValidationFailure(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()
	sd := createSD(t, ts, "lazy", "")

	resp, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/sds/"+sd.ID+"/handoffs", map[string]any{
		"from_phase": domain.PhaseLeadApproval,
		"to_phase":   domain.PhasePlanDesign,
		"payload":    map[string]any{"executive_summary": "TBD"},
	}, asLead)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "validation_failed", env.Error.Code)
	assert.Contains(t, env.Error.Details["placeholder_fields"], "executive_summary")
	assert.Contains(t, env.Error.Details["missing_fields"], "action_items")

	resp, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/handoffs/validate", map[string]any{
		"payload": json.RawMessage(goodPayload),
	}, asLead)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var v HandoffValidationResponse
	require.NoError(t, json.Unmarshal(data, &v))
	assert.True(t, v.Valid)
}

func TestStatusWriteWithoutEvidenceIsIntegrityViolation(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()
	sd := createSD(t, ts, "eager", "")
	resp, data := submitHandoff(t, ts, sd.ID, domain.PhaseLeadApproval, domain.PhasePlanDesign)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))

	resp, data = doJSON(t, ts.Client(), http.MethodPatch, ts.URL+"/v0/sds/"+sd.ID+"/status", map[string]any{
		"status": domain.StatusCompleted,
	}, asLead)
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "integrity_violation", env.Error.Code)
	assert.EqualValues(t, 20, env.Error.Details["derived_progress"])
	assert.NotEmpty(t, env.Error.Details["blocking_reasons"])

	resp, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/sds/"+sd.ID, nil, asLead)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got domain.StrategicDirective
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, domain.StatusInProgress, got.Status)
}

func TestOverrideRequiresRole(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()
	sd := createSD(t, ts, "stuck", "")
	body := map[string]any{"status": domain.StatusCompleted, "reason": "shipped out of band"}

	resp, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/sds/"+sd.ID+"/override", body, asLead)
	require.Equal(t, http.StatusForbidden, resp.StatusCode, string(data))

	admin := map[string]string{"X-Actor-Id": "ops", "X-Actor-Roles": "admin"}
	resp, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/sds/"+sd.ID+"/override", body, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var out OverrideResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, domain.StatusCompleted, out.SD.Status)
	assert.Equal(t, "ops", out.Override.ActorID)
	assert.Equal(t, 0, out.Override.DerivedProgress)

	resp, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/sds/"+sd.ID+"/overrides", nil, asLead)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []domain.Override
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Len(t, list, 1)
}

func TestLeaseConflictAcrossActors(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()
	sd := createSD(t, ts, "contended", "")

	resp, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/sds/"+sd.ID+"/lease", map[string]any{"seconds": 600}, asLead)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	other := map[string]string{"X-Actor-Id": "exec-agent"}
	resp, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/sds/"+sd.ID+"/sub-items", map[string]any{
		"kind": domain.SubItemDeliverable, "title": "export endpoint", "mandatory": true,
	}, other)
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "lease_conflict", env.Error.Code)
	assert.Equal(t, "lead-agent", env.Error.Details["owner_id"])

	resp, _ = doJSON(t, ts.Client(), http.MethodDelete, ts.URL+"/v0/sds/"+sd.ID+"/lease", nil, asLead)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, data = doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/sds/"+sd.ID+"/sub-items", map[string]any{
		"kind": domain.SubItemDeliverable, "title": "export endpoint", "mandatory": true,
	}, other)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
}

func TestHierarchyRollup(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()
	parent := createSD(t, ts, "platform", "")
	createSD(t, ts, "child a", parent.ID)
	createSD(t, ts, "child b", parent.ID)

	resp, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/sds/"+parent.ID+"/hierarchy", nil, asLead)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var node domain.HierarchyNode
	require.NoError(t, json.Unmarshal(data, &node))
	assert.Equal(t, parent.ID, node.SDID)
	assert.Len(t, node.Children, 2)

	resp, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/sds/"+parent.ID+"/progress", nil, asLead)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var p ProgressResponse
	require.NoError(t, json.Unmarshal(data, &p))
	assert.True(t, p.Orchestrator)
	require.NotNil(t, p.Rollup)
	assert.Equal(t, 2, p.Rollup.Counted)

	resp, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/sds/SD-MISSING/hierarchy", nil, asLead)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVerificationAndGateVerdict(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()
	sd := createSD(t, ts, "verified", "")

	resp, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/sds/"+sd.ID+"/verification-results", map[string]any{
		"agent_code": "testing", "verdict": domain.VerdictPass, "confidence": 90,
	}, asLead)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))

	resp, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/sds/"+sd.ID+"/gate-verdict", nil, asLead)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var gv domain.GateVerdict
	require.NoError(t, json.Unmarshal(data, &gv))
	assert.Equal(t, domain.VerdictPass, gv.Verdict)
}

func TestEventsPaginate(t *testing.T) {
	ts, cleanup := newTestServer(t)
	defer cleanup()
	sd := createSD(t, ts, "audited", "")
	for i := 0; i < 3; i++ {
		resp, data := doJSON(t, ts.Client(), http.MethodPost, ts.URL+"/v0/sds/"+sd.ID+"/sub-items", map[string]any{
			"kind": domain.SubItemUserStory, "title": "story",
		}, asLead)
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	}

	resp, data := doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/events?sd_id="+sd.ID+"&type=subitem.added&limit=2", nil, asLead)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	resp, data = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/events?sd_id="+sd.ID+"&type=subitem.added&limit=2&cursor="+page.NextCursor, nil, asLead)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var next paginatedEvents
	require.NoError(t, json.Unmarshal(data, &next))
	assert.Len(t, next.Items, 1)
	assert.Empty(t, next.NextCursor)

	resp, _ = doJSON(t, ts.Client(), http.MethodGet, ts.URL+"/v0/events?cursor=abc", nil, asLead)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
