package engine

import (
	"context"
	"database/sql"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"cyclegate/internal/domain"
	"cyclegate/internal/events"
	"cyclegate/internal/repo"
)

// Evaluate computes the quorum over a cycle's slots. Required and Approved
// count required, non-voided slots; Pending and Rejected count every
// non-voided slot. The quorum is reached when every required, non-voided
// slot is approved, provided at least one required slot was ever activated.
func Evaluate(slots []domain.ApprovalSlot) domain.Quorum {
	var q domain.Quorum
	activated := false
	for _, s := range slots {
		activated = activated || s.Required
		if s.Voided {
			q.Voided++
			continue
		}
		switch s.Status {
		case domain.SlotPending:
			q.Pending++
		case domain.SlotRejected:
			q.Rejected++
		}
		if !s.Required {
			continue
		}
		q.Required++
		if s.Status == domain.SlotApproved {
			q.Approved++
		}
	}
	q.Reached = activated && q.Approved == q.Required
	return q
}

// SlotOutcome is a decided slot together with the cycle it left behind.
type SlotOutcome struct {
	Slot  domain.ApprovalSlot `json:"slot"`
	Cycle domain.CycleView    `json:"cycle"`
}

type ApproveSlotInput struct {
	SlotID   string
	ActorID  string
	Comments string
	Evidence string
}

type RejectSlotInput struct {
	SlotID   string
	ActorID  string
	Comments string
}

// VoidSlotInput carries roles asserted by a verified credential in addition
// to the roles granted in the database.
type VoidSlotInput struct {
	SlotID        string
	ActorID       string
	Reason        string
	AssertedRoles []string
}

// loadDecisionTx loads a slot and its cycle and checks the cycle is collecting approvals.
func (e Engine) loadDecisionTx(ctx context.Context, tx *sql.Tx, op, slotID string) (repo.SlotRow, domain.Cycle, error) {
	slot, err := e.Repo.GetSlotTx(ctx, tx, slotID)
	if err != nil {
		return slot, domain.Cycle{}, err
	}
	c, err := e.Repo.GetCycleTx(ctx, tx, slot.CycleID)
	if err != nil {
		return slot, c, err
	}
	if c.Status != domain.CycleStatusPendingApproval {
		return slot, c, cycleStateError(op, c)
	}
	return slot, c, nil
}

// IsProxy reports whether actorID deciding the slot counts as a proxy decision.
// A slot without a nominal approver can only be decided by proxy.
func IsProxy(s domain.ApprovalSlot, actorID string) bool {
	return s.NominalApprover == "" || s.NominalApprover != actorID
}

func (e Engine) ApproveSlot(ctx context.Context, in ApproveSlotInput) (SlotOutcome, error) {
	ctx, span := e.Telemetry.Start(ctx, "ApproveSlot", attribute.String("slot_id", in.SlotID))
	defer span.End()
	if err := requireActor(in.ActorID); err != nil {
		return SlotOutcome{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SlotOutcome{}, err
	}
	defer tx.Rollback()

	slot, c, err := e.loadDecisionTx(ctx, tx, "approve slots of", in.SlotID)
	if err != nil {
		return SlotOutcome{}, err
	}
	if slot.Voided || slot.Status != domain.SlotPending {
		return SlotOutcome{}, slotStateError("approve", slot.ApprovalSlot)
	}
	evidence := strings.TrimSpace(in.Evidence)
	proxy := IsProxy(slot.ApprovalSlot, in.ActorID)
	if proxy && evidence == "" {
		return SlotOutcome{}, ValidationError{Field: "evidence", Code: CodeEvidenceRequired, Message: "evidence is required when approving on behalf of the nominal approver"}
	}
	slot.Status = domain.SlotApproved
	slot.Approver = in.ActorID
	slot.Comments = strings.TrimSpace(in.Comments)
	slot.Evidence = evidence
	slot.IsProxy = proxy
	slot.DecidedAt = e.stamp()
	if err := e.Repo.UpdateSlotTx(ctx, tx, slot); err != nil {
		return SlotOutcome{}, mapStoreError(err)
	}
	if err := e.emit(ctx, tx, events.SlotApproved, c.ID, "approval_slot", slot.ID, in.ActorID, events.EventPayload{
		"is_proxy": proxy,
		"round":    slot.Round,
	}); err != nil {
		return SlotOutcome{}, err
	}
	reached, err := e.settleQuorumTx(ctx, tx, &c, in.ActorID)
	if err != nil {
		return SlotOutcome{}, err
	}
	out, err := e.slotOutcomeTx(ctx, tx, slot, c)
	if err != nil {
		return SlotOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return SlotOutcome{}, err
	}
	e.Telemetry.SlotDecided(ctx, "approved")
	if reached {
		e.Telemetry.Transition(ctx, string(domain.CycleStatusPendingApproval), string(domain.CycleStatusApproved))
	}
	return out, nil
}

// RejectSlot records a rejection and sends the cycle back to review no matter
// how the other slots stand.
func (e Engine) RejectSlot(ctx context.Context, in RejectSlotInput) (SlotOutcome, error) {
	ctx, span := e.Telemetry.Start(ctx, "RejectSlot", attribute.String("slot_id", in.SlotID))
	defer span.End()
	if err := requireActor(in.ActorID); err != nil {
		return SlotOutcome{}, err
	}
	comments := strings.TrimSpace(in.Comments)
	if comments == "" {
		return SlotOutcome{}, ValidationError{Field: "comments", Code: CodeRequired, Message: "comments are required to reject"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SlotOutcome{}, err
	}
	defer tx.Rollback()

	slot, c, err := e.loadDecisionTx(ctx, tx, "reject slots of", in.SlotID)
	if err != nil {
		return SlotOutcome{}, err
	}
	if slot.Voided || slot.Status != domain.SlotPending {
		return SlotOutcome{}, slotStateError("reject", slot.ApprovalSlot)
	}
	slot.Status = domain.SlotRejected
	slot.Approver = in.ActorID
	slot.Comments = comments
	slot.Evidence = ""
	slot.IsProxy = IsProxy(slot.ApprovalSlot, in.ActorID)
	slot.DecidedAt = e.stamp()
	if err := e.Repo.UpdateSlotTx(ctx, tx, slot); err != nil {
		return SlotOutcome{}, mapStoreError(err)
	}
	if err := e.emit(ctx, tx, events.SlotRejected, c.ID, "approval_slot", slot.ID, in.ActorID, events.EventPayload{
		"comments": comments,
		"round":    slot.Round,
	}); err != nil {
		return SlotOutcome{}, err
	}
	from := c.Status
	c.Status = domain.CycleStatusUnderReview
	c.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateCycleTx(ctx, tx, c); err != nil {
		return SlotOutcome{}, err
	}
	if err := e.emit(ctx, tx, events.CycleReturnedToReview, c.ID, "cycle", c.ID, in.ActorID, events.EventPayload{
		"from":    string(from),
		"to":      string(c.Status),
		"slot_id": slot.ID,
	}); err != nil {
		return SlotOutcome{}, err
	}
	out, err := e.slotOutcomeTx(ctx, tx, slot, c)
	if err != nil {
		return SlotOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return SlotOutcome{}, err
	}
	e.Telemetry.SlotDecided(ctx, "rejected")
	e.Telemetry.Transition(ctx, string(from), string(c.Status))
	return out, nil
}

// VoidSlot permanently removes a slot from the required set. Only an
// administrator may void, and never a slot that is already approved.
func (e Engine) VoidSlot(ctx context.Context, in VoidSlotInput) (SlotOutcome, error) {
	ctx, span := e.Telemetry.Start(ctx, "VoidSlot", attribute.String("slot_id", in.SlotID))
	defer span.End()
	if err := requireActor(in.ActorID); err != nil {
		return SlotOutcome{}, err
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return SlotOutcome{}, ValidationError{Field: "void_reason", Code: CodeRequired, Message: "a reason is required to void a slot"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return SlotOutcome{}, err
	}
	defer tx.Rollback()

	slot, c, err := e.loadDecisionTx(ctx, tx, "void slots of", in.SlotID)
	if err != nil {
		return SlotOutcome{}, err
	}
	if err := e.Auth.RequireAdmin(ctx, tx, c.PlanID, in.ActorID, in.AssertedRoles); err != nil {
		return SlotOutcome{}, err
	}
	if slot.Voided || slot.Status == domain.SlotApproved {
		return SlotOutcome{}, slotStateError("void", slot.ApprovalSlot)
	}
	slot.Voided = true
	slot.VoidReason = reason
	slot.VoidedBy = in.ActorID
	slot.VoidedAt = e.stamp()
	if err := e.Repo.UpdateSlotTx(ctx, tx, slot); err != nil {
		return SlotOutcome{}, mapStoreError(err)
	}
	if err := e.emit(ctx, tx, events.SlotVoided, c.ID, "approval_slot", slot.ID, in.ActorID, events.EventPayload{
		"reason":   reason,
		"required": slot.Required,
	}); err != nil {
		return SlotOutcome{}, err
	}
	reached, err := e.settleQuorumTx(ctx, tx, &c, in.ActorID)
	if err != nil {
		return SlotOutcome{}, err
	}
	out, err := e.slotOutcomeTx(ctx, tx, slot, c)
	if err != nil {
		return SlotOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return SlotOutcome{}, err
	}
	e.Telemetry.SlotDecided(ctx, "voided")
	if reached {
		e.Telemetry.Transition(ctx, string(domain.CycleStatusPendingApproval), string(domain.CycleStatusApproved))
	}
	return out, nil
}

// settleQuorumTx approves the cycle once every required, non-voided slot is approved.
func (e Engine) settleQuorumTx(ctx context.Context, tx *sql.Tx, c *domain.Cycle, actorID string) (bool, error) {
	slots, err := e.Repo.ListSlotsTx(ctx, tx, c.ID)
	if err != nil {
		return false, err
	}
	if !Evaluate(plainSlots(slots)).Reached {
		return false, nil
	}
	return true, e.approveCycleTx(ctx, tx, c, actorID)
}

func (e Engine) slotOutcomeTx(ctx context.Context, tx *sql.Tx, slot repo.SlotRow, c domain.Cycle) (SlotOutcome, error) {
	view, err := e.viewTx(ctx, tx, c)
	if err != nil {
		return SlotOutcome{}, err
	}
	return SlotOutcome{Slot: slot.ApprovalSlot, Cycle: view}, nil
}

func (e Engine) ListSlots(ctx context.Context, cycleID string) ([]domain.ApprovalSlot, error) {
	if _, err := e.Repo.GetCycle(ctx, cycleID); err != nil {
		return nil, err
	}
	slots, err := e.Repo.ListSlots(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if slots == nil {
		slots = []domain.ApprovalSlot{}
	}
	return slots, nil
}

func (e Engine) GetSlot(ctx context.Context, slotID string) (domain.ApprovalSlot, error) {
	row, err := e.Repo.GetSlot(ctx, slotID)
	return row.ApprovalSlot, err
}

// SlotHistory lists decisions retained from earlier approval rounds.
func (e Engine) SlotHistory(ctx context.Context, slotID string) ([]domain.SlotDecision, error) {
	if _, err := e.Repo.GetSlot(ctx, slotID); err != nil {
		return nil, err
	}
	h, err := e.Repo.ListSlotHistory(ctx, slotID)
	if err != nil {
		return nil, err
	}
	if h == nil {
		h = []domain.SlotDecision{}
	}
	return h, nil
}
