package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cyclegate/internal/domain"
	"cyclegate/internal/engine"
	"cyclegate/internal/engine/auth"
	"cyclegate/internal/events"
)

// pendingApproval returns a cycle awaiting sign-off and its slots keyed by region ("" for global).
func (env testEnv) pendingApproval(t *testing.T) (string, map[string]domain.ApprovalSlot) {
	t.Helper()
	id := env.underReview(t)
	_, err := env.Engine.RequestApproval(env.Ctx, engine.RequestApprovalInput{CycleID: id, ActorID: "rev"})
	require.NoError(t, err)
	slots, err := env.Engine.ListSlots(env.Ctx, id)
	require.NoError(t, err)
	byRegion := map[string]domain.ApprovalSlot{}
	for _, s := range slots {
		byRegion[s.Region] = s
	}
	require.Len(t, byRegion, 3)
	return id, byRegion
}

func TestEvaluateQuorum(t *testing.T) {
	cases := []struct {
		name  string
		slots []domain.ApprovalSlot
		want  domain.Quorum
	}{
		{name: "empty never reached", slots: nil, want: domain.Quorum{}},
		{
			name: "optional only",
			slots: []domain.ApprovalSlot{{Status: domain.SlotApproved}},
			want:  domain.Quorum{},
		},
		{
			name: "all required approved",
			slots: []domain.ApprovalSlot{
				{Required: true, Status: domain.SlotApproved},
				{Required: true, Status: domain.SlotApproved},
				{Status: domain.SlotPending},
			},
			want: domain.Quorum{Required: 2, Approved: 2, Pending: 1, Reached: true},
		},
		{
			name: "voided required slot drops out",
			slots: []domain.ApprovalSlot{
				{Required: true, Status: domain.SlotApproved},
				{Required: true, Status: domain.SlotPending, Voided: true},
			},
			want: domain.Quorum{Required: 1, Approved: 1, Voided: 1, Reached: true},
		},
		{
			name: "rejected blocks",
			slots: []domain.ApprovalSlot{
				{Required: true, Status: domain.SlotApproved},
				{Required: true, Status: domain.SlotRejected},
			},
			want: domain.Quorum{Required: 2, Approved: 1, Rejected: 1},
		},
		{
			name: "all required voided",
			slots: []domain.ApprovalSlot{
				{Required: true, Status: domain.SlotPending, Voided: true},
				{Status: domain.SlotPending},
			},
			want: domain.Quorum{Voided: 1, Pending: 1, Reached: true},
		},
		{
			name: "optional voided only",
			slots: []domain.ApprovalSlot{
				{Status: domain.SlotPending, Voided: true},
			},
			want: domain.Quorum{Voided: 1},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, engine.Evaluate(tc.slots))
		})
	}
}

func TestApprovalQuorumAndProxyEvidence(t *testing.T) {
	env := newTestEnv(t)
	id, slots := env.pendingApproval(t)

	out, err := env.Engine.ApproveSlot(env.Ctx, engine.ApproveSlotInput{SlotID: slots[""].ID, ActorID: "alice", Comments: "ok"})
	require.NoError(t, err)
	require.False(t, out.Slot.IsProxy)
	require.Equal(t, domain.CycleStatusPendingApproval, out.Cycle.Status)
	require.Equal(t, 1, out.Cycle.Quorum.Approved)

	_, err = env.Engine.ApproveSlot(env.Ctx, engine.ApproveSlotInput{SlotID: slots[""].ID, ActorID: "alice"})
	requireState(t, err)

	_, err = env.Engine.ApproveSlot(env.Ctx, engine.ApproveSlotInput{SlotID: slots["EU"].ID, ActorID: "carol"})
	requireValidation(t, err, engine.CodeEvidenceRequired)

	out, err = env.Engine.ApproveSlot(env.Ctx, engine.ApproveSlotInput{SlotID: slots["EU"].ID, ActorID: "carol", Evidence: "email from bob, 2024-03-01"})
	require.NoError(t, err)
	require.True(t, out.Slot.IsProxy)
	require.Equal(t, "carol", out.Slot.Approver)
	require.Equal(t, domain.CycleStatusApproved, out.Cycle.Status)
	require.True(t, out.Cycle.Quorum.Reached)

	// The optional slot no longer accepts decisions once the cycle is final.
	_, err = env.Engine.ApproveSlot(env.Ctx, engine.ApproveSlotInput{SlotID: slots["APAC"].ID, ActorID: "dave", Evidence: "x"})
	requireState(t, err)

	n, err := env.Engine.Repo.CountEvents(env.Ctx, id, events.CycleApproved)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSlotWithoutNominalApproverIsAlwaysProxy(t *testing.T) {
	env := newTestEnv(t)
	_, slots := env.pendingApproval(t)
	_, err := env.Engine.ApproveSlot(env.Ctx, engine.ApproveSlotInput{SlotID: slots["APAC"].ID, ActorID: "dave"})
	requireValidation(t, err, engine.CodeEvidenceRequired)
}

func TestRejectReturnsCycleToReview(t *testing.T) {
	env := newTestEnv(t)
	id, slots := env.pendingApproval(t)

	_, err := env.Engine.ApproveSlot(env.Ctx, engine.ApproveSlotInput{SlotID: slots[""].ID, ActorID: "alice"})
	require.NoError(t, err)

	_, err = env.Engine.RejectSlot(env.Ctx, engine.RejectSlotInput{SlotID: slots["APAC"].ID, ActorID: "dave"})
	requireValidation(t, err, engine.CodeRequired)

	// Rejecting even an optional slot sends the cycle back.
	out, err := env.Engine.RejectSlot(env.Ctx, engine.RejectSlotInput{SlotID: slots["EU"].ID, ActorID: "bob", Comments: "numbers for Q1 look off"})
	require.NoError(t, err)
	require.Equal(t, domain.SlotRejected, out.Slot.Status)
	require.Equal(t, domain.CycleStatusUnderReview, out.Cycle.Status)

	_, err = env.Engine.ApproveSlot(env.Ctx, engine.ApproveSlotInput{SlotID: slots["APAC"].ID, ActorID: "dave", Evidence: "x"})
	requireState(t, err)

	view, err := env.Engine.RequestApproval(env.Ctx, engine.RequestApprovalInput{CycleID: id, ActorID: "rev"})
	require.NoError(t, err)
	require.Equal(t, domain.CycleStatusPendingApproval, view.Status)

	eu, err := env.Engine.GetSlot(env.Ctx, slots["EU"].ID)
	require.NoError(t, err)
	require.Equal(t, domain.SlotPending, eu.Status)
	require.Empty(t, eu.Comments)
	global, err := env.Engine.GetSlot(env.Ctx, slots[""].ID)
	require.NoError(t, err)
	require.Equal(t, domain.SlotApproved, global.Status)

	history, err := env.Engine.SlotHistory(env.Ctx, eu.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, domain.SlotRejected, history[0].Status)
	require.Equal(t, "numbers for Q1 look off", history[0].Comments)
	require.Equal(t, "bob", history[0].Approver)
	require.Equal(t, 1, history[0].Round)

	out, err = env.Engine.ApproveSlot(env.Ctx, engine.ApproveSlotInput{SlotID: eu.ID, ActorID: "bob"})
	require.NoError(t, err)
	require.Equal(t, domain.CycleStatusApproved, out.Cycle.Status)
}

func TestVoidSlot(t *testing.T) {
	env := newTestEnv(t)
	_, slots := env.pendingApproval(t)

	_, err := env.Engine.VoidSlot(env.Ctx, engine.VoidSlotInput{SlotID: slots["EU"].ID, ActorID: "bob", Reason: "region merged"})
	require.ErrorIs(t, err, auth.ErrNotAdmin)

	_, err = env.Engine.VoidSlot(env.Ctx, engine.VoidSlotInput{SlotID: slots["EU"].ID, ActorID: "admin-1"})
	requireValidation(t, err, engine.CodeRequired)

	_, err = env.Engine.ApproveSlot(env.Ctx, engine.ApproveSlotInput{SlotID: slots[""].ID, ActorID: "alice"})
	require.NoError(t, err)
	_, err = env.Engine.VoidSlot(env.Ctx, engine.VoidSlotInput{SlotID: slots[""].ID, ActorID: "admin-1", Reason: "late"})
	se := requireState(t, err)
	require.Equal(t, "approved", se.Status)

	// Voiding the last outstanding required slot completes the quorum.
	out, err := env.Engine.VoidSlot(env.Ctx, engine.VoidSlotInput{SlotID: slots["EU"].ID, ActorID: "admin-1", Reason: "region merged"})
	require.NoError(t, err)
	require.True(t, out.Slot.Voided)
	require.Equal(t, "admin-1", out.Slot.VoidedBy)
	require.Equal(t, domain.CycleStatusApproved, out.Cycle.Status)
	require.Equal(t, 1, out.Cycle.Quorum.Voided)
}

func TestVoidingEveryRequiredSlotApprovesCycle(t *testing.T) {
	env := newTestEnv(t)
	_, slots := env.pendingApproval(t)

	out, err := env.Engine.VoidSlot(env.Ctx, engine.VoidSlotInput{SlotID: slots[""].ID, ActorID: "admin-1", Reason: "approver left"})
	require.NoError(t, err)
	require.Equal(t, domain.CycleStatusPendingApproval, out.Cycle.Status)

	out, err = env.Engine.VoidSlot(env.Ctx, engine.VoidSlotInput{SlotID: slots["EU"].ID, ActorID: "admin-1", Reason: "region merged"})
	require.NoError(t, err)
	require.Equal(t, domain.CycleStatusApproved, out.Cycle.Status)
	require.Equal(t, 0, out.Cycle.Quorum.Required)
	require.True(t, out.Cycle.Quorum.Reached)

	// The optional APAC slot was never needed and stays pending.
	apac, err := env.Engine.GetSlot(env.Ctx, slots["APAC"].ID)
	require.NoError(t, err)
	require.Equal(t, domain.SlotPending, apac.Status)
}

func TestVoidIsIrreversible(t *testing.T) {
	env := newTestEnv(t)
	id, slots := env.pendingApproval(t)

	_, err := env.Engine.VoidSlot(env.Ctx, engine.VoidSlotInput{SlotID: slots["APAC"].ID, ActorID: "ops", Reason: "no APAC exposure", AssertedRoles: []string{"admin"}})
	require.NoError(t, err)

	_, err = env.Engine.ApproveSlot(env.Ctx, engine.ApproveSlotInput{SlotID: slots["APAC"].ID, ActorID: "dave", Evidence: "x"})
	se := requireState(t, err)
	require.Equal(t, "voided", se.Status)
	_, err = env.Engine.VoidSlot(env.Ctx, engine.VoidSlotInput{SlotID: slots["APAC"].ID, ActorID: "admin-1", Reason: "again"})
	requireState(t, err)

	// A rejection round does not revive it.
	_, err = env.Engine.RejectSlot(env.Ctx, engine.RejectSlotInput{SlotID: slots["EU"].ID, ActorID: "bob", Comments: "redo"})
	require.NoError(t, err)
	_, err = env.Engine.RequestApproval(env.Ctx, engine.RequestApprovalInput{CycleID: id, ActorID: "rev"})
	require.NoError(t, err)
	apac, err := env.Engine.GetSlot(env.Ctx, slots["APAC"].ID)
	require.NoError(t, err)
	require.True(t, apac.Voided)
	require.Equal(t, domain.SlotPending, apac.Status)

	// The schema refuses a direct status change too.
	_, err = env.Engine.DB.ExecContext(env.Ctx, `UPDATE approval_slots SET status='approved' WHERE id=?`, apac.ID)
	require.Error(t, err)
}

func TestDecisionsOnlyWhilePendingApproval(t *testing.T) {
	env := newTestEnv(t)
	id, slots := env.pendingApproval(t)
	_, err := env.Engine.HoldCycle(env.Ctx, id, "not allowed here", "mgr")
	requireState(t, err)
	_, err = env.Engine.CancelCycle(env.Ctx, id, "withdrawn", "mgr")
	require.NoError(t, err)
	_, err = env.Engine.ApproveSlot(env.Ctx, engine.ApproveSlotInput{SlotID: slots[""].ID, ActorID: "alice"})
	se := requireState(t, err)
	require.Equal(t, "cycle", se.Kind)
	require.Equal(t, "cancelled", se.Status)
}
