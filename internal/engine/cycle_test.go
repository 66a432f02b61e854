package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cyclegate/internal/domain"
	"cyclegate/internal/engine"
	"cyclegate/internal/events"
	"cyclegate/internal/repo"
)

func TestCycleLifecycle(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCycle(env.Ctx, engine.CreateCycleInput{
		PlanID: "plan-1", PeriodStart: "2024-01-01", PeriodEnd: "2024-03-31", ReportDue: "2024-04-15", ActorID: "mgr",
	})
	require.NoError(t, err)
	require.Equal(t, domain.CycleStatusPending, c.Status)
	require.Nil(t, c.SnapshotVersion)

	_, err = env.Engine.SubmitCycle(env.Ctx, c.ID, "mgr")
	se := requireState(t, err)
	require.Equal(t, "pending", se.Status)

	started, err := env.Engine.StartCycle(env.Ctx, c.ID, "mgr")
	require.NoError(t, err)
	require.Equal(t, domain.CycleStatusDataCollection, started.Status)
	require.NotNil(t, started.SnapshotVersion)

	_, err = env.Engine.StartCycle(env.Ctx, c.ID, "mgr")
	requireState(t, err)

	reviewed, err := env.Engine.SubmitCycle(env.Ctx, c.ID, "mgr")
	require.NoError(t, err)
	require.Equal(t, domain.CycleStatusUnderReview, reviewed.Status)
}

func TestCreateCycleValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateCycle(env.Ctx, engine.CreateCycleInput{PlanID: "plan-1", PeriodStart: "2024-13-01", PeriodEnd: "2024-03-31", ActorID: "m"})
	requireValidation(t, err, engine.CodeInvalidValue)
	_, err = env.Engine.CreateCycle(env.Ctx, engine.CreateCycleInput{PlanID: "plan-1", PeriodStart: "2024-03-01", PeriodEnd: "2024-01-31", ActorID: "m"})
	requireValidation(t, err, engine.CodeInvalidValue)
	_, err = env.Engine.CreateCycle(env.Ctx, engine.CreateCycleInput{PlanID: "plan-1", PeriodEnd: "2024-01-31", ActorID: "m"})
	requireValidation(t, err, engine.CodeRequired)
	_, err = env.Engine.CreateCycle(env.Ctx, engine.CreateCycleInput{PlanID: "nope", PeriodStart: "2024-01-01", PeriodEnd: "2024-01-31", ActorID: "m"})
	require.Error(t, err)
}

func TestSnapshotIsolatesLiveMetricChanges(t *testing.T) {
	env := newTestEnv(t)
	id := env.collecting(t)

	spec, err := engine.ParsePlan([]byte(planYAML))
	require.NoError(t, err)
	limit := 10.0
	spec.Metrics[0].Thresholds.RedMax = &limit
	_, err = env.Engine.ImportPlan(env.Ctx, spec, "tester")
	require.NoError(t, err)

	rec := env.upsert(t, id, "m-cap", nil, 50, "")
	require.Equal(t, domain.VerdictGreen, *rec.Verdict)

	metrics, err := env.Engine.ListSnapshotMetrics(env.Ctx, id)
	require.NoError(t, err)
	require.Len(t, metrics, 4)
	require.Equal(t, 100.0, *metrics[0].Thresholds.RedMax)

	// A cycle started after the change locks the new definitions.
	next := env.collecting(t)
	rec = env.upsert(t, next, "m-cap", nil, 50, "")
	require.Equal(t, domain.VerdictRed, *rec.Verdict)
}

func TestHoldResumeCancel(t *testing.T) {
	env := newTestEnv(t)
	id := env.underReview(t)

	_, err := env.Engine.HoldCycle(env.Ctx, id, "  ", "mgr")
	requireValidation(t, err, engine.CodeRequired)

	held, err := env.Engine.HoldCycle(env.Ctx, id, "data quality audit", "mgr")
	require.NoError(t, err)
	require.Equal(t, domain.CycleStatusOnHold, held.Status)
	require.Equal(t, domain.CycleStatusUnderReview, held.HoldReturnStatus)
	require.Equal(t, "mgr", held.HoldBy)

	_, err = env.Engine.HoldCycle(env.Ctx, id, "again", "mgr")
	requireState(t, err)
	_, err = env.Engine.RequestApproval(env.Ctx, engine.RequestApprovalInput{CycleID: id, ActorID: "rev"})
	requireState(t, err)

	resumed, err := env.Engine.ResumeCycle(env.Ctx, id, "mgr")
	require.NoError(t, err)
	require.Equal(t, domain.CycleStatusUnderReview, resumed.Status)
	require.Empty(t, resumed.HoldReason)

	_, err = env.Engine.CancelCycle(env.Ctx, id, "", "mgr")
	requireValidation(t, err, engine.CodeRequired)
	cancelled, err := env.Engine.CancelCycle(env.Ctx, id, "plan retired", "mgr")
	require.NoError(t, err)
	require.Equal(t, domain.CycleStatusCancelled, cancelled.Status)
	require.Equal(t, "plan retired", cancelled.CancelReason)

	_, err = env.Engine.CancelCycle(env.Ctx, id, "twice", "mgr")
	requireState(t, err)
	_, err = env.Engine.ResumeCycle(env.Ctx, id, "mgr")
	requireState(t, err)
}

func TestCancelFromHold(t *testing.T) {
	env := newTestEnv(t)
	id := env.collecting(t)
	_, err := env.Engine.HoldCycle(env.Ctx, id, "pause", "mgr")
	require.NoError(t, err)
	c, err := env.Engine.CancelCycle(env.Ctx, id, "abandoned", "mgr")
	require.NoError(t, err)
	require.Equal(t, domain.CycleStatusCancelled, c.Status)
}

// Three results, one RED with a blank narrative.
func TestBreachGateScenario(t *testing.T) {
	env := newTestEnv(t)
	id := env.collecting(t)
	env.upsert(t, id, "m-floor", nil, 10, "")
	red := env.upsert(t, id, "m-cap", nil, 130, "  ")
	env.upsert(t, id, "m-gini", nil, 0.5, "")
	_, err := env.Engine.SubmitCycle(env.Ctx, id, "collector")
	require.NoError(t, err)

	req := engine.RequestApprovalInput{CycleID: id, ReportURL: "https://reports.example/q1", ActorID: "rev"}
	_, err = env.Engine.RequestApproval(env.Ctx, req)
	var gate engine.BreachGateError
	require.ErrorAs(t, err, &gate)
	require.Len(t, gate.Breaches, 1)
	b := gate.Breaches[0]
	require.Equal(t, red.ID, b.ResultID)
	require.Equal(t, "Override rate", b.MetricName)
	require.Empty(t, b.EntityName)
	require.Equal(t, 130.0, *b.NumericValue)

	view, err := env.Engine.GetCycle(env.Ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.CycleStatusUnderReview, view.Status)
	require.Empty(t, view.ReportURL)
	slots, err := env.Engine.ListSlots(env.Ctx, id)
	require.NoError(t, err)
	require.Empty(t, slots)

	narrative := "Seasonal peak, reviewed with the model owner"
	_, err = env.Engine.UpsertResult(env.Ctx, domain.ResultUpsert{
		CycleID: id, MetricID: "m-cap", NumericValue: ptr(130.0), Narrative: &narrative, ActorID: "rev",
	})
	require.NoError(t, err)

	view, err = env.Engine.RequestApproval(env.Ctx, req)
	require.NoError(t, err)
	require.Equal(t, domain.CycleStatusPendingApproval, view.Status)
	require.Equal(t, "https://reports.example/q1", view.ReportURL)
	require.Equal(t, 2, view.Quorum.Required)
	require.Equal(t, 3, view.Quorum.Pending)
	require.Equal(t, 3, view.Counts.PendingApprovals)
	slots, err = env.Engine.ListSlots(env.Ctx, id)
	require.NoError(t, err)
	require.Len(t, slots, 3)
	for _, s := range slots {
		require.Equal(t, domain.SlotPending, s.Status)
	}

	// Replaying the identical call is refused and creates nothing.
	_, err = env.Engine.RequestApproval(env.Ctx, req)
	requireState(t, err)
	slots, err = env.Engine.ListSlots(env.Ctx, id)
	require.NoError(t, err)
	require.Len(t, slots, 3)
	n, err := env.Engine.Repo.CountEvents(env.Ctx, id, events.CycleApprovalRequested)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = env.Engine.Repo.CountEvents(env.Ctx, id, events.SlotCreated)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestBreachGateListsEntityNames(t *testing.T) {
	env := newTestEnv(t)
	id := env.collecting(t)
	env.upsert(t, id, "m-cap", ptr("ent-b"), 101, "")
	env.upsert(t, id, "m-cap", ptr("ent-a"), 150, "")
	env.upsert(t, id, "m-gini", ptr("ent-a"), 0.1, "explained")

	breaches, err := env.Engine.FindUnjustifiedBreaches(env.Ctx, id)
	require.NoError(t, err)
	require.Len(t, breaches, 2)
	require.Equal(t, "Scorecard A", breaches[0].EntityName)
	require.Equal(t, "Scorecard B", breaches[1].EntityName)

	// The gate is a pure query.
	again, err := env.Engine.FindUnjustifiedBreaches(env.Ctx, id)
	require.NoError(t, err)
	require.Equal(t, breaches, again)
}

func TestRequestApprovalNeedsRequiredApprovers(t *testing.T) {
	env := newTestEnv(t)
	spec, err := engine.ParsePlan([]byte(`
id: plan-optional
name: Optional sign-off only
metrics:
  - {id: po-m, name: Volume, kind: quantitative}
approvers:
  - {kind: global, required: false}
`))
	require.NoError(t, err)
	_, err = env.Engine.ImportPlan(env.Ctx, spec, "tester")
	require.NoError(t, err)
	c, err := env.Engine.CreateCycle(env.Ctx, engine.CreateCycleInput{PlanID: "plan-optional", PeriodStart: "2024-01-01", PeriodEnd: "2024-01-31", ActorID: "m"})
	require.NoError(t, err)
	_, err = env.Engine.StartCycle(env.Ctx, c.ID, "m")
	require.NoError(t, err)
	_, err = env.Engine.SubmitCycle(env.Ctx, c.ID, "m")
	require.NoError(t, err)

	_, err = env.Engine.RequestApproval(env.Ctx, engine.RequestApprovalInput{CycleID: c.ID, ActorID: "rev"})
	requireValidation(t, err, engine.CodeNoApprovers)

	view, err := env.Engine.GetCycle(env.Ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CycleStatusUnderReview, view.Status)
	slots, err := env.Engine.ListSlots(env.Ctx, c.ID)
	require.NoError(t, err)
	require.Empty(t, slots)
}

func TestListCycles(t *testing.T) {
	env := newTestEnv(t)
	a := env.collecting(t)
	b := env.underReview(t)
	all, err := env.Engine.ListCycles(env.Ctx, repo.CycleFilters{PlanID: "plan-1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	review, err := env.Engine.ListCycles(env.Ctx, repo.CycleFilters{PlanID: "plan-1", Status: "under_review"})
	require.NoError(t, err)
	require.Len(t, review, 1)
	require.Equal(t, b, review[0].ID)
	require.NotEqual(t, a, review[0].ID)
}

func TestStartRefusesPlanWithoutMetrics(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.CreateCycle(env.Ctx, engine.CreateCycleInput{
		PlanID: "plan-1", PeriodStart: "2024-01-01", PeriodEnd: "2024-03-31", ActorID: "tester",
	})
	require.NoError(t, err)
	_, err = env.Engine.DB.ExecContext(env.Ctx, `DELETE FROM plan_metrics WHERE plan_id='plan-1'`)
	require.NoError(t, err)

	_, err = env.Engine.StartCycle(env.Ctx, c.ID, "tester")
	requireValidation(t, err, engine.CodeInvalidPlan)
	got, err := env.Engine.GetCycle(env.Ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CycleStatusPending, got.Status)
	require.Nil(t, got.SnapshotVersion)
}
