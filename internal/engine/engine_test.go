package engine_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leoline/internal/config"
	"leoline/internal/db"
	"leoline/internal/domain"
	"leoline/internal/engine"
	"leoline/internal/migrate"
	"leoline/internal/repo"
)

const actor = "tester"

const goodPayload = `{
  "executive_summary": "Scope approved for the billing export redesign",
  "completeness_report": "all twelve requirements captured",
  "deliverables_manifest": ["export service skeleton"],
  "key_decisions": ["use streaming writer for exports"],
  "known_issues": ["legacy CSV quoting differs"],
  "resource_utilization": "two engineers three days",
  "action_items": ["plan team drafts PRD"]
}`

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	eng := engine.New(conn, config.Default())
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	return testEnv{Engine: eng, Ctx: context.Background(), clock: &clock}
}

func (env testEnv) advance(d time.Duration) { *env.clock = env.clock.Add(d) }

func (env testEnv) createSD(t *testing.T, title, parentID string) domain.StrategicDirective {
	t.Helper()
	sd, err := env.Engine.CreateSD(env.Ctx, engine.SDCreateOptions{Title: title, ParentID: parentID, ActorID: actor})
	require.NoError(t, err)
	return sd
}

func (env testEnv) handoff(t *testing.T, sdID string, from, to domain.Phase) {
	t.Helper()
	_, err := env.Engine.SubmitHandoff(env.Ctx, engine.HandoffSubmitOptions{
		SDID: sdID, From: from, To: to, Payload: json.RawMessage(goodPayload), ActorID: actor, Accept: true,
	})
	require.NoError(t, err)
}

func (env testEnv) score(t *testing.T, sdID string) int {
	t.Helper()
	rep, err := env.Engine.Progress(env.Ctx, sdID)
	require.NoError(t, err)
	return rep.Score
}

type step struct {
	name string
	run  func(t *testing.T, env testEnv, sdID string)
}

// evidenceSteps records, in pipeline order, everything a feature SD needs to reach 100.
func evidenceSteps() []step {
	return []step{
		{"lead hand-off", func(t *testing.T, env testEnv, id string) {
			env.handoff(t, id, domain.PhaseLeadApproval, domain.PhasePlanDesign)
		}},
		{"prd", func(t *testing.T, env testEnv, id string) {
			_, err := env.Engine.RecordArtifact(env.Ctx, id, domain.ArtifactPRD, domain.ArtifactComplete, actor)
			require.NoError(t, err)
		}},
		{"plan hand-off", func(t *testing.T, env testEnv, id string) {
			env.handoff(t, id, domain.PhasePlanDesign, domain.PhaseExecImplementation)
		}},
		{"deliverable", func(t *testing.T, env testEnv, id string) {
			it, err := env.Engine.AddSubItem(env.Ctx, engine.SubItemOptions{SDID: id, Kind: domain.SubItemDeliverable, Title: "export endpoint", Mandatory: true, ActorID: actor})
			require.NoError(t, err)
			done := true
			_, err = env.Engine.UpdateSubItem(env.Ctx, engine.SubItemUpdate{ID: it.ID, Completed: &done, ActorID: actor})
			require.NoError(t, err)
		}},
		{"exec hand-off", func(t *testing.T, env testEnv, id string) {
			env.handoff(t, id, domain.PhaseExecImplementation, domain.PhasePlanVerification)
		}},
		{"verification", func(t *testing.T, env testEnv, id string) {
			_, err := env.Engine.RecordVerification(env.Ctx, engine.VerificationOptions{SDID: id, AgentCode: "TESTING", Verdict: domain.VerdictPass, Confidence: 92, ActorID: "qa-agent"})
			require.NoError(t, err)
		}},
		{"verification hand-off", func(t *testing.T, env testEnv, id string) {
			env.handoff(t, id, domain.PhasePlanVerification, domain.PhaseLeadFinalApproval)
		}},
		{"retrospective", func(t *testing.T, env testEnv, id string) {
			_, err := env.Engine.RecordArtifact(env.Ctx, id, domain.ArtifactRetrospective, domain.ArtifactDraft, actor)
			require.NoError(t, err)
		}},
	}
}

func (env testEnv) complete(t *testing.T, sdID string) {
	t.Helper()
	for _, s := range evidenceSteps() {
		s.run(t, env, sdID)
	}
	_, err := env.Engine.WriteState(env.Ctx, engine.StateWrite{SDID: sdID, Status: domain.StatusCompleted, ActorID: actor})
	require.NoError(t, err)
}

func TestFullLifecycleReachesCompleted(t *testing.T) {
	env := newTestEnv(t)
	sd := env.createSD(t, "billing export", "")
	assert.Equal(t, domain.StatusDraft, sd.Status)
	assert.Equal(t, 0, env.score(t, sd.ID))

	for _, s := range evidenceSteps() {
		s.run(t, env, sd.ID)
	}
	got, err := env.Engine.GetSD(env.Ctx, sd.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, domain.StatusPendingApproval, got.Status)
	assert.Equal(t, domain.PhaseLeadFinalApproval, got.CurrentPhase)

	done, err := env.Engine.WriteState(env.Ctx, engine.StateWrite{SDID: sd.ID, Status: domain.StatusCompleted, ActorID: actor})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
}

func TestProgressIsMonotonicWhileEvidenceAccumulates(t *testing.T) {
	env := newTestEnv(t)
	sd := env.createSD(t, "monotonic", "")
	last := 0
	for _, s := range evidenceSteps() {
		s.run(t, env, sd.ID)
		cur := env.score(t, sd.ID)
		assert.GreaterOrEqual(t, cur, last, s.name)
		last = cur
	}
	assert.Equal(t, 100, last)
}

func TestClosedGateRefusesNewRequirements(t *testing.T) {
	env := newTestEnv(t)
	sd := env.createSD(t, "late scope", "")
	for _, s := range evidenceSteps() {
		s.run(t, env, sd.ID)
	}
	require.Equal(t, 100, env.score(t, sd.ID))

	var te *engine.TransitionError
	_, err := env.Engine.AddSubItem(env.Ctx, engine.SubItemOptions{SDID: sd.ID, Kind: domain.SubItemDeliverable, Title: "late export format", Mandatory: true, ActorID: actor})
	require.ErrorAs(t, err, &te)
	_, err = env.Engine.AddSubItem(env.Ctx, engine.SubItemOptions{SDID: sd.ID, Kind: domain.SubItemUserStory, Title: "late story", ActorID: actor})
	require.ErrorAs(t, err, &te)

	optional, err := env.Engine.AddSubItem(env.Ctx, engine.SubItemOptions{SDID: sd.ID, Kind: domain.SubItemDeliverable, Title: "nice to have", ActorID: actor})
	require.NoError(t, err)
	mandatory := true
	_, err = env.Engine.UpdateSubItem(env.Ctx, engine.SubItemUpdate{ID: optional.ID, Mandatory: &mandatory, ActorID: actor})
	require.ErrorAs(t, err, &te)

	got, err := env.Engine.GetSD(env.Ctx, sd.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, domain.StatusPendingApproval, got.Status)
	assert.Equal(t, 100, env.score(t, sd.ID))
	regressed, err := env.Engine.History(env.Ctx, repo.EventFilters{SDID: sd.ID, Type: "sd.progress.regressed", Limit: 100})
	require.NoError(t, err)
	assert.Empty(t, regressed)
}

func TestClosedGateRefusesStoriesBeforeItsPhase(t *testing.T) {
	env := newTestEnv(t)
	sd := env.createSD(t, "early verdict", "")
	_, err := env.Engine.RecordVerification(env.Ctx, engine.VerificationOptions{SDID: sd.ID, AgentCode: "TESTING", Verdict: domain.VerdictPass, Confidence: 92, ActorID: "qa-agent"})
	require.NoError(t, err)
	require.Equal(t, 15, env.score(t, sd.ID))

	_, err = env.Engine.AddSubItem(env.Ctx, engine.SubItemOptions{SDID: sd.ID, Kind: domain.SubItemUserStory, Title: "story", ActorID: actor})
	var te *engine.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 15, env.score(t, sd.ID))

	// deliverables belong to a gate that is still open
	_, err = env.Engine.AddSubItem(env.Ctx, engine.SubItemOptions{SDID: sd.ID, Kind: domain.SubItemDeliverable, Title: "endpoint", Mandatory: true, ActorID: actor})
	require.NoError(t, err)
}

func TestRecomputeRebuildsDerivedPhase(t *testing.T) {
	env := newTestEnv(t)
	sd := env.createSD(t, "phases", "")
	assert.Equal(t, string(domain.PhaseLeadApproval), sd.DerivedPhase)
	env.handoff(t, sd.ID, domain.PhaseLeadApproval, domain.PhasePlanDesign)
	env.handoff(t, sd.ID, domain.PhasePlanDesign, domain.PhaseExecImplementation)

	// a stale cache left behind by an older writer
	_, err := env.Engine.DB.Exec(`UPDATE strategic_directives SET derived_phase=? WHERE id=?`, string(domain.PhaseLeadApproval), sd.ID)
	require.NoError(t, err)

	rep, err := env.Engine.Recompute(env.Ctx, sd.ID, actor)
	require.NoError(t, err)
	assert.Equal(t, 20, rep.Score)
	assert.Equal(t, string(domain.PhasePlanDesign), rep.CurrentPhase)
	assert.Equal(t, string(domain.PhaseExecImplementation), rep.HandoffPhase)

	got, err := env.Engine.GetSD(env.Ctx, sd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseExecImplementation, got.CurrentPhase)
	assert.Equal(t, rep.CurrentPhase, got.DerivedPhase)

	_, err = env.Engine.RecordArtifact(env.Ctx, sd.ID, domain.ArtifactPRD, domain.ArtifactComplete, actor)
	require.NoError(t, err)
	got, err = env.Engine.GetSD(env.Ctx, sd.ID)
	require.NoError(t, err)
	assert.Equal(t, string(domain.PhaseExecImplementation), got.DerivedPhase)
	rep, err = env.Engine.Progress(env.Ctx, sd.ID)
	require.NoError(t, err)
	assert.Equal(t, got.DerivedPhase, rep.CurrentPhase)
}

func TestCompletionBlockedWithFourOfFiveGates(t *testing.T) {
	env := newTestEnv(t)
	sd := env.createSD(t, "almost", "")
	steps := evidenceSteps()
	for _, s := range steps[:len(steps)-1] {
		s.run(t, env, sd.ID)
	}
	rep, err := env.Engine.Progress(env.Ctx, sd.ID)
	require.NoError(t, err)
	assert.Equal(t, 85, rep.Score)

	_, err = env.Engine.WriteState(env.Ctx, engine.StateWrite{SDID: sd.ID, Status: domain.StatusCompleted, ActorID: actor})
	var iv *engine.IntegrityViolation
	require.ErrorAs(t, err, &iv)
	assert.Equal(t, 85, iv.DerivedProgress)
	require.NotEmpty(t, iv.BlockingReasons)
	assert.Equal(t, "retrospective_missing", iv.BlockingReasons[0].Code)

	got, err := env.Engine.GetSD(env.Ctx, sd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Equal(t, 85, got.Progress)
}

func TestWriteStateRejectsUnsupportedProgress(t *testing.T) {
	env := newTestEnv(t)
	sd := env.createSD(t, "inflate", "")
	env.handoff(t, sd.ID, domain.PhaseLeadApproval, domain.PhasePlanDesign)

	p := 90
	_, err := env.Engine.WriteState(env.Ctx, engine.StateWrite{SDID: sd.ID, Progress: &p, ActorID: actor})
	var iv *engine.IntegrityViolation
	require.ErrorAs(t, err, &iv)
	assert.Equal(t, 20, iv.DerivedProgress)

	p = 20
	_, err = env.Engine.WriteState(env.Ctx, engine.StateWrite{SDID: sd.ID, Progress: &p, ActorID: actor})
	require.NoError(t, err)
}

func TestWriteStateTransitions(t *testing.T) {
	env := newTestEnv(t)
	sd := env.createSD(t, "states", "")
	_, err := env.Engine.WriteState(env.Ctx, engine.StateWrite{SDID: sd.ID, Status: domain.StatusActive, ActorID: actor})
	require.NoError(t, err)
	_, err = env.Engine.WriteState(env.Ctx, engine.StateWrite{SDID: sd.ID, Status: domain.StatusDraft, ActorID: actor})
	var te *engine.TransitionError
	require.ErrorAs(t, err, &te)

	_, err = env.Engine.WriteState(env.Ctx, engine.StateWrite{SDID: sd.ID, Status: domain.StatusCancelled, ActorID: actor})
	require.NoError(t, err)
	_, err = env.Engine.WriteState(env.Ctx, engine.StateWrite{SDID: sd.ID, Status: domain.StatusInProgress, ActorID: actor})
	require.ErrorAs(t, err, &te)
}

func TestDraftSkipsToInProgressOnlyWithEvidence(t *testing.T) {
	env := newTestEnv(t)
	sd := env.createSD(t, "skip", "")
	_, err := env.Engine.WriteState(env.Ctx, engine.StateWrite{SDID: sd.ID, Status: domain.StatusInProgress, ActorID: actor})
	var iv *engine.IntegrityViolation
	require.ErrorAs(t, err, &iv)
	assert.Equal(t, "status=in_progress", iv.Attempted)
	assert.Equal(t, 0, iv.DerivedProgress)

	_, err = env.Engine.RecordVerification(env.Ctx, engine.VerificationOptions{SDID: sd.ID, AgentCode: "TESTING", Verdict: domain.VerdictPass, Confidence: 90, ActorID: "qa-agent"})
	require.NoError(t, err)
	got, err := env.Engine.WriteState(env.Ctx, engine.StateWrite{SDID: sd.ID, Status: domain.StatusInProgress, ActorID: actor})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
}

func TestHandoffOrderIsEnforced(t *testing.T) {
	env := newTestEnv(t)
	sd := env.createSD(t, "order", "")
	submit := func(from, to domain.Phase) error {
		_, err := env.Engine.SubmitHandoff(env.Ctx, engine.HandoffSubmitOptions{
			SDID: sd.ID, From: from, To: to, Payload: json.RawMessage(goodPayload), ActorID: actor,
		})
		return err
	}
	var te *engine.TransitionError
	require.ErrorAs(t, submit(domain.PhasePlanDesign, domain.PhaseExecImplementation), &te)
	require.ErrorAs(t, submit(domain.PhaseLeadApproval, domain.PhaseExecImplementation), &te)

	require.NoError(t, submit(domain.PhaseLeadApproval, domain.PhasePlanDesign))
	// a second submission waits for the first decision
	require.ErrorAs(t, submit(domain.PhaseLeadApproval, domain.PhasePlanDesign), &te)

	got, err := env.Engine.GetSD(env.Ctx, sd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseLeadApproval, got.CurrentPhase)
	assert.Equal(t, 0, env.score(t, sd.ID))
}

func TestHandoffRejectedPayloadWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	sd := env.createSD(t, "placeholders", "")
	_, err := env.Engine.SubmitHandoff(env.Ctx, engine.HandoffSubmitOptions{
		SDID: sd.ID, From: domain.PhaseLeadApproval, To: domain.PhasePlanDesign, ActorID: actor,
		Payload: json.RawMessage(`{"executive_summary":"TBD","completeness_report":"all requirements captured here","key_decisions":[]}`),
	})
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.PlaceholderFields, "executive_summary")
	assert.Contains(t, ve.MissingFields, "key_decisions")
	assert.Contains(t, ve.MissingFields, "action_items")
	assert.NotContains(t, ve.MissingFields, "completeness_report")

	hs, err := env.Engine.ListHandoffs(env.Ctx, sd.ID)
	require.NoError(t, err)
	assert.Empty(t, hs)
}

func TestRejectThenResubmit(t *testing.T) {
	env := newTestEnv(t)
	sd := env.createSD(t, "reject", "")
	h, err := env.Engine.SubmitHandoff(env.Ctx, engine.HandoffSubmitOptions{
		SDID: sd.ID, From: domain.PhaseLeadApproval, To: domain.PhasePlanDesign, Payload: json.RawMessage(goodPayload), ActorID: actor,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.HandoffPending, h.Status)

	_, err = env.Engine.RejectHandoff(env.Ctx, h.ID, "", actor)
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)

	rej, err := env.Engine.RejectHandoff(env.Ctx, h.ID, "scope unclear", actor)
	require.NoError(t, err)
	assert.Equal(t, domain.HandoffRejected, rej.Status)

	_, err = env.Engine.AcceptHandoff(env.Ctx, h.ID, actor)
	var te *engine.TransitionError
	require.ErrorAs(t, err, &te)

	env.handoff(t, sd.ID, domain.PhaseLeadApproval, domain.PhasePlanDesign)
	got, err := env.Engine.GetSD(env.Ctx, sd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhasePlanDesign, got.CurrentPhase)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Equal(t, 20, got.Progress)
}

func TestDecidedHandoffIsImmutableInStore(t *testing.T) {
	env := newTestEnv(t)
	sd := env.createSD(t, "immutable", "")
	env.handoff(t, sd.ID, domain.PhaseLeadApproval, domain.PhasePlanDesign)
	_, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE phase_handoffs SET payload_json='{}' WHERE sd_id=?`, sd.ID)
	require.Error(t, err)
	_, err = env.Engine.DB.ExecContext(env.Ctx, `DELETE FROM phase_handoffs WHERE sd_id=?`, sd.ID)
	require.Error(t, err)
}

func TestVerificationSupersedesEarlierResult(t *testing.T) {
	env := newTestEnv(t)
	sd := env.createSD(t, "verdicts", "")
	record := func(v domain.Verdict, c int) {
		_, err := env.Engine.RecordVerification(env.Ctx, engine.VerificationOptions{SDID: sd.ID, AgentCode: "testing", Verdict: v, Confidence: c, ActorID: "qa"})
		require.NoError(t, err)
	}
	record(domain.VerdictBlocked, 95)
	gv, err := env.Engine.GateVerdict(env.Ctx, sd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictBlocked, gv.Verdict)

	record(domain.VerdictPass, 88)
	gv, err = env.Engine.GateVerdict(env.Ctx, sd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPass, gv.Verdict)

	results, err := env.Engine.ListVerificationResults(env.Ctx, sd.ID)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	_, err = env.Engine.RecordVerification(env.Ctx, engine.VerificationOptions{SDID: sd.ID, AgentCode: "TESTING", Verdict: "MAYBE", Confidence: 50, ActorID: "qa"})
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
	_, err = env.Engine.RecordVerification(env.Ctx, engine.VerificationOptions{SDID: sd.ID, AgentCode: "TESTING", Verdict: domain.VerdictPass, Confidence: 101, ActorID: "qa"})
	require.ErrorAs(t, err, &ve)
}

func TestHierarchyRollupAndPropagation(t *testing.T) {
	env := newTestEnv(t)
	parent := env.createSD(t, "orchestrator", "")
	a := env.createSD(t, "child a", parent.ID)
	b := env.createSD(t, "child b", parent.ID)
	c := env.createSD(t, "child c", parent.ID)

	env.complete(t, a.ID)
	env.complete(t, b.ID)
	env.handoff(t, c.ID, domain.PhaseLeadApproval, domain.PhasePlanDesign)
	_, err := env.Engine.RecordArtifact(env.Ctx, c.ID, domain.ArtifactPRD, domain.ArtifactComplete, actor)
	require.NoError(t, err)
	env.handoff(t, c.ID, domain.PhasePlanDesign, domain.PhaseExecImplementation)

	assert.Equal(t, 40, env.score(t, c.ID))
	rep, err := env.Engine.Progress(env.Ctx, parent.ID)
	require.NoError(t, err)
	assert.True(t, rep.Orchestrator)
	assert.Equal(t, 80, rep.Score)
	assert.Equal(t, 80, rep.StoredProgress)

	_, err = env.Engine.WriteState(env.Ctx, engine.StateWrite{SDID: parent.ID, Status: domain.StatusInProgress, ActorID: actor})
	require.NoError(t, err)
	_, err = env.Engine.WriteState(env.Ctx, engine.StateWrite{SDID: parent.ID, Status: domain.StatusCompleted, ActorID: actor})
	var iv *engine.IntegrityViolation
	require.ErrorAs(t, err, &iv)

	// cancelling the straggler leaves two completed children
	_, err = env.Engine.WriteState(env.Ctx, engine.StateWrite{SDID: c.ID, Status: domain.StatusCancelled, ActorID: actor})
	require.NoError(t, err)
	got, err := env.Engine.GetSD(env.Ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, domain.StatusPendingApproval, got.Status)

	nodes, err := env.Engine.HierarchyStatus(env.Ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Len(t, nodes[0].Children, 3)
}

func TestPropagateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	root := env.createSD(t, "root", "")
	mid := env.createSD(t, "mid", root.ID)
	leaf := env.createSD(t, "leaf", mid.ID)
	env.handoff(t, leaf.ID, domain.PhaseLeadApproval, domain.PhasePlanDesign)

	require.NoError(t, env.Engine.Propagate(env.Ctx, leaf.ID, actor))
	before, err := env.Engine.History(env.Ctx, repo.EventFilters{Limit: 1000})
	require.NoError(t, err)
	first := map[string]int{}
	for _, id := range []string{root.ID, mid.ID} {
		sd, err := env.Engine.GetSD(env.Ctx, id)
		require.NoError(t, err)
		first[id] = sd.Progress
	}

	require.NoError(t, env.Engine.Propagate(env.Ctx, leaf.ID, actor))
	after, err := env.Engine.History(env.Ctx, repo.EventFilters{Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, after, len(before))
	for id, p := range first {
		sd, err := env.Engine.GetSD(env.Ctx, id)
		require.NoError(t, err)
		assert.Equal(t, p, sd.Progress)
	}
	assert.Equal(t, 20, first[mid.ID])
	assert.Equal(t, 20, first[root.ID])
}

func TestSetParentRejectsCycles(t *testing.T) {
	env := newTestEnv(t)
	root := env.createSD(t, "root", "")
	child := env.createSD(t, "child", root.ID)
	_, err := env.Engine.SetParent(env.Ctx, root.ID, child.ID, actor)
	var te *engine.TransitionError
	require.ErrorAs(t, err, &te)
	_, err = env.Engine.SetParent(env.Ctx, root.ID, root.ID, actor)
	require.ErrorAs(t, err, &te)

	grandchild := env.createSD(t, "grandchild", child.ID)
	_, err = env.Engine.SetParent(env.Ctx, root.ID, grandchild.ID, actor)
	require.ErrorAs(t, err, &te)
	_, err = env.Engine.SetParent(env.Ctx, root.ID, "SD-NOPE", actor)
	require.ErrorIs(t, err, repo.ErrNotFound)

	moved, err := env.Engine.SetParent(env.Ctx, child.ID, "", actor)
	require.NoError(t, err)
	assert.Nil(t, moved.ParentID)
}

func TestCreateSDValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateSD(env.Ctx, engine.SDCreateOptions{ActorID: actor})
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
	_, err = env.Engine.CreateSD(env.Ctx, engine.SDCreateOptions{Title: "x", Type: "moonshot", ActorID: actor})
	require.ErrorAs(t, err, &ve)
	_, err = env.Engine.CreateSD(env.Ctx, engine.SDCreateOptions{Title: "x", ParentID: "SD-NOPE", ActorID: actor})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestOverrideWritesExactlyOneAuditRecord(t *testing.T) {
	env := newTestEnv(t)
	sd := env.createSD(t, "override", "")
	env.handoff(t, sd.ID, domain.PhaseLeadApproval, domain.PhasePlanDesign)
	before, err := env.Engine.History(env.Ctx, repo.EventFilters{SDID: sd.ID, Limit: 1000})
	require.NoError(t, err)

	_, _, err = env.Engine.Override(env.Ctx, engine.OverrideRequest{SDID: sd.ID, NewStatus: domain.StatusCompleted, ActorID: "admin"})
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)

	out, rec, err := env.Engine.Override(env.Ctx, engine.OverrideRequest{
		SDID: sd.ID, NewStatus: domain.StatusCompleted, ActorID: "admin", Reason: "shipped under incident process",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, out.Status)
	assert.Equal(t, 100, out.Progress)
	assert.Equal(t, 20, rec.DerivedProgress)
	assert.Equal(t, domain.StatusInProgress, rec.FromStatus)

	overrides, err := env.Engine.ListOverrides(env.Ctx, sd.ID)
	require.NoError(t, err)
	require.Len(t, overrides, 1)
	assert.Equal(t, "shipped under incident process", overrides[0].Reason)
	assert.Contains(t, overrides[0].BlockingReasonsJSON, "prd_missing")

	hs, err := env.Engine.ListHandoffs(env.Ctx, sd.ID)
	require.NoError(t, err)
	assert.Len(t, hs, 1)
	after, err := env.Engine.History(env.Ctx, repo.EventFilters{SDID: sd.ID, Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	// the stored score stays pinned; the live calculation is unchanged
	rep, err := env.Engine.Progress(env.Ctx, sd.ID)
	require.NoError(t, err)
	assert.Equal(t, 20, rep.Score)
	assert.Equal(t, 100, rep.StoredProgress)
}

func TestOverrideMovesStatusForwardOnly(t *testing.T) {
	env := newTestEnv(t)
	sd := env.createSD(t, "rewind", "")
	env.handoff(t, sd.ID, domain.PhaseLeadApproval, domain.PhasePlanDesign)

	_, _, err := env.Engine.Override(env.Ctx, engine.OverrideRequest{
		SDID: sd.ID, NewStatus: domain.StatusDraft, ActorID: "admin", Reason: "restart planning",
	})
	var te *engine.TransitionError
	require.ErrorAs(t, err, &te)
	overrides, err := env.Engine.ListOverrides(env.Ctx, sd.ID)
	require.NoError(t, err)
	assert.Empty(t, overrides)

	out, _, err := env.Engine.Override(env.Ctx, engine.OverrideRequest{
		SDID: sd.ID, NewStatus: domain.StatusCancelled, ActorID: "admin", Reason: "superseded by SD-2",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, out.Status)
}

func TestLeaseBlocksOtherWriters(t *testing.T) {
	env := newTestEnv(t)
	sd := env.createSD(t, "leased", "")
	_, err := env.Engine.ClaimLease(env.Ctx, sd.ID, "alice", 60)
	require.NoError(t, err)

	_, err = env.Engine.SubmitHandoff(env.Ctx, engine.HandoffSubmitOptions{
		SDID: sd.ID, From: domain.PhaseLeadApproval, To: domain.PhasePlanDesign, Payload: json.RawMessage(goodPayload), ActorID: "bob",
	})
	var lc *engine.LeaseConflictError
	require.ErrorAs(t, err, &lc)
	assert.Equal(t, "alice", lc.OwnerID)
	_, err = env.Engine.ClaimLease(env.Ctx, sd.ID, "bob", 60)
	require.ErrorAs(t, err, &lc)

	// verification agents report regardless of the lease
	_, err = env.Engine.RecordVerification(env.Ctx, engine.VerificationOptions{SDID: sd.ID, AgentCode: "TESTING", Verdict: domain.VerdictPass, Confidence: 80, ActorID: "bob"})
	require.NoError(t, err)

	env.advance(2 * time.Minute)
	_, err = env.Engine.ClaimLease(env.Ctx, sd.ID, "bob", 0)
	require.NoError(t, err)
	l, err := env.Engine.GetLease(env.Ctx, sd.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", l.OwnerID)
	require.NoError(t, env.Engine.ReleaseLease(env.Ctx, sd.ID, "bob"))
}

func TestConcurrentProgressReadsAgree(t *testing.T) {
	env := newTestEnv(t)
	sd := env.createSD(t, "reads", "")
	env.handoff(t, sd.ID, domain.PhaseLeadApproval, domain.PhasePlanDesign)

	var wg sync.WaitGroup
	scores := make([]int, 8)
	errs := make([]error, 8)
	for i := range scores {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rep, err := env.Engine.Progress(env.Ctx, sd.ID)
			scores[i], errs[i] = rep.Score, err
		}(i)
	}
	wg.Wait()
	for i := range scores {
		require.NoError(t, errs[i])
		assert.Equal(t, 20, scores[i])
	}
}

func TestConcurrentVerificationWritersResolveByRecency(t *testing.T) {
	env := newTestEnv(t)
	sd := env.createSD(t, "busy gate", "")
	agents := []string{"TESTING", "SECURITY"}
	const perAgent = 8

	var wg sync.WaitGroup
	errs := make(chan error, len(agents)*perAgent)
	for _, agent := range agents {
		for i := 0; i < perAgent; i++ {
			wg.Add(1)
			go func(agent string, i int) {
				defer wg.Done()
				v := domain.VerdictPass
				if i%2 == 1 {
					v = domain.VerdictBlocked
				}
				_, err := env.Engine.RecordVerification(env.Ctx, engine.VerificationOptions{
					SDID: sd.ID, AgentCode: agent, Verdict: v, Confidence: 60 + i, ActorID: "agent-" + agent,
				})
				errs <- err
			}(agent, i)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	results, err := env.Engine.ListVerificationResults(env.Ctx, sd.ID)
	require.NoError(t, err)
	require.Len(t, results, len(agents)*perAgent)
	latest := map[string]domain.VerificationResult{}
	seqs := map[int64]bool{}
	for _, r := range results {
		assert.False(t, seqs[r.Seq], "duplicate seq %d", r.Seq)
		seqs[r.Seq] = true
		if cur, ok := latest[r.AgentCode]; !ok || r.Seq > cur.Seq {
			latest[r.AgentCode] = r
		}
	}

	gv, err := env.Engine.GateVerdict(env.Ctx, sd.ID)
	require.NoError(t, err)
	require.Len(t, gv.Contributing, len(agents))
	for _, c := range gv.Contributing {
		want := latest[c.AgentCode]
		assert.Equal(t, want.Seq, c.Seq, c.AgentCode)
		assert.Equal(t, want.Verdict, c.Verdict, c.AgentCode)
	}

	// a later report from each agent supersedes the burst
	for _, agent := range agents {
		_, err := env.Engine.RecordVerification(env.Ctx, engine.VerificationOptions{SDID: sd.ID, AgentCode: agent, Verdict: domain.VerdictPass, Confidence: 95, ActorID: "agent-" + agent})
		require.NoError(t, err)
	}
	gv, err = env.Engine.GateVerdict(env.Ctx, sd.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictPass, gv.Verdict)
}
