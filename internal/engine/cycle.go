package engine

import (
	"context"
	"database/sql"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"cyclegate/internal/domain"
	"cyclegate/internal/events"
	"cyclegate/internal/repo"
)

const dateLayout = "2006-01-02"

// CreateCycleInput describes a new monitoring period for a plan.
type CreateCycleInput struct {
	ID            string
	PlanID        string
	PeriodStart   string
	PeriodEnd     string
	SubmissionDue string
	ReportDue     string
	ActorID       string
}

func parseDate(field, v string, required bool) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		if required {
			return time.Time{}, ValidationError{Field: field, Code: CodeRequired, Message: field + " is required"}
		}
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, ValidationError{Field: field, Code: CodeInvalidValue, Message: field + " must be a YYYY-MM-DD date"}
	}
	return t, nil
}

func (e Engine) CreateCycle(ctx context.Context, in CreateCycleInput) (domain.CycleView, error) {
	if err := requireActor(in.ActorID); err != nil {
		return domain.CycleView{}, err
	}
	start, err := parseDate("period_start", in.PeriodStart, true)
	if err != nil {
		return domain.CycleView{}, err
	}
	end, err := parseDate("period_end", in.PeriodEnd, true)
	if err != nil {
		return domain.CycleView{}, err
	}
	if end.Before(start) {
		return domain.CycleView{}, ValidationError{Field: "period_end", Code: CodeInvalidValue, Message: "period_end is before period_start"}
	}
	if _, err := parseDate("submission_due", in.SubmissionDue, false); err != nil {
		return domain.CycleView{}, err
	}
	if _, err := parseDate("report_due", in.ReportDue, false); err != nil {
		return domain.CycleView{}, err
	}
	if _, err := e.Repo.GetPlan(ctx, in.PlanID); err != nil {
		return domain.CycleView{}, err
	}
	now := e.stamp()
	c := domain.Cycle{
		ID:            strings.TrimSpace(in.ID),
		PlanID:        in.PlanID,
		PeriodStart:   start.Format(dateLayout),
		PeriodEnd:     end.Format(dateLayout),
		SubmissionDue: strings.TrimSpace(in.SubmissionDue),
		ReportDue:     strings.TrimSpace(in.ReportDue),
		Status:        domain.CycleStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if c.ID == "" {
		c.ID = newID()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CycleView{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCycleTx(ctx, tx, c); err != nil {
		return domain.CycleView{}, err
	}
	if err := e.emit(ctx, tx, events.CycleCreated, c.ID, "cycle", c.ID, in.ActorID, events.EventPayload{
		"plan_id":      c.PlanID,
		"period_start": c.PeriodStart,
		"period_end":   c.PeriodEnd,
	}); err != nil {
		return domain.CycleView{}, err
	}
	view, err := e.viewTx(ctx, tx, c)
	if err != nil {
		return domain.CycleView{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CycleView{}, err
	}
	return view, nil
}

// transition describes one status change of a cycle.
type transition struct {
	op    string
	event string
	from  []domain.CycleStatus
	// apply mutates the loaded cycle inside the tx; the new status must be set by it.
	apply   func(ctx context.Context, tx *sql.Tx, c *domain.Cycle) error
	payload func(c domain.Cycle) events.EventPayload
}

func (e Engine) transition(ctx context.Context, cycleID, actorID string, t transition) (domain.CycleView, error) {
	ctx, span := e.Telemetry.Start(ctx, t.op, attribute.String("cycle_id", cycleID))
	defer span.End()
	if err := requireActor(actorID); err != nil {
		return domain.CycleView{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CycleView{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCycleTx(ctx, tx, cycleID)
	if err != nil {
		return domain.CycleView{}, err
	}
	if !slices.Contains(t.from, c.Status) {
		return domain.CycleView{}, cycleStateError(t.op, c)
	}
	from := c.Status
	if err := t.apply(ctx, tx, &c); err != nil {
		return domain.CycleView{}, err
	}
	c.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateCycleTx(ctx, tx, c); err != nil {
		return domain.CycleView{}, err
	}
	payload := events.EventPayload{"from": string(from), "to": string(c.Status)}
	if t.payload != nil {
		for k, v := range t.payload(c) {
			payload[k] = v
		}
	}
	if err := e.emit(ctx, tx, t.event, c.ID, "cycle", c.ID, actorID, payload); err != nil {
		return domain.CycleView{}, err
	}
	view, err := e.viewTx(ctx, tx, c)
	if err != nil {
		return domain.CycleView{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CycleView{}, err
	}
	e.Telemetry.Transition(ctx, string(from), string(c.Status))
	return view, nil
}

// StartCycle opens data collection and locks the plan's current metric
// definitions into a new snapshot version that the cycle keeps for life.
func (e Engine) StartCycle(ctx context.Context, cycleID, actorID string) (domain.CycleView, error) {
	return e.transition(ctx, cycleID, actorID, transition{
		op:    "start",
		event: events.CycleStarted,
		from:  []domain.CycleStatus{domain.CycleStatusPending},
		apply: func(ctx context.Context, tx *sql.Tx, c *domain.Cycle) error {
			n, err := e.Repo.CountPlanMetricsTx(ctx, tx, c.PlanID)
			if err != nil {
				return err
			}
			if n == 0 {
				return ValidationError{Field: "plan_id", Code: CodeInvalidPlan, Message: "plan " + c.PlanID + " has no metrics to lock"}
			}
			version, err := e.Repo.LockSnapshotTx(ctx, tx, c.PlanID, e.stamp())
			if err != nil {
				return err
			}
			c.SnapshotVersion = &version
			c.Status = domain.CycleStatusDataCollection
			return nil
		},
		payload: func(c domain.Cycle) events.EventPayload {
			return events.EventPayload{"snapshot_version": *c.SnapshotVersion}
		},
	})
}

// SubmitCycle moves collected data into review. Partial data is allowed.
func (e Engine) SubmitCycle(ctx context.Context, cycleID, actorID string) (domain.CycleView, error) {
	return e.transition(ctx, cycleID, actorID, transition{
		op:    "submit",
		event: events.CycleSubmitted,
		from:  []domain.CycleStatus{domain.CycleStatusDataCollection},
		apply: func(_ context.Context, _ *sql.Tx, c *domain.Cycle) error {
			c.Status = domain.CycleStatusUnderReview
			return nil
		},
	})
}

func (e Engine) HoldCycle(ctx context.Context, cycleID, reason, actorID string) (domain.CycleView, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.CycleView{}, ValidationError{Field: "reason", Code: CodeRequired, Message: "a reason is required to hold a cycle"}
	}
	return e.transition(ctx, cycleID, actorID, transition{
		op:    "hold",
		event: events.CycleHeld,
		from:  []domain.CycleStatus{domain.CycleStatusDataCollection, domain.CycleStatusUnderReview},
		apply: func(_ context.Context, _ *sql.Tx, c *domain.Cycle) error {
			c.HoldReturnStatus = c.Status
			c.HoldReason = reason
			c.HoldBy = actorID
			c.HeldAt = e.stamp()
			c.Status = domain.CycleStatusOnHold
			return nil
		},
		payload: func(c domain.Cycle) events.EventPayload {
			return events.EventPayload{"reason": c.HoldReason}
		},
	})
}

// ResumeCycle returns a held cycle to the status it was held from.
func (e Engine) ResumeCycle(ctx context.Context, cycleID, actorID string) (domain.CycleView, error) {
	return e.transition(ctx, cycleID, actorID, transition{
		op:    "resume",
		event: events.CycleResumed,
		from:  []domain.CycleStatus{domain.CycleStatusOnHold},
		apply: func(_ context.Context, _ *sql.Tx, c *domain.Cycle) error {
			back := c.HoldReturnStatus
			if back != domain.CycleStatusDataCollection && back != domain.CycleStatusUnderReview {
				back = domain.CycleStatusDataCollection
			}
			c.Status = back
			c.HoldReturnStatus = ""
			c.HoldReason = ""
			c.HoldBy = ""
			c.HeldAt = ""
			return nil
		},
	})
}

func (e Engine) CancelCycle(ctx context.Context, cycleID, reason, actorID string) (domain.CycleView, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.CycleView{}, ValidationError{Field: "reason", Code: CodeRequired, Message: "a reason is required to cancel a cycle"}
	}
	return e.transition(ctx, cycleID, actorID, transition{
		op:    "cancel",
		event: events.CycleCancelled,
		from: []domain.CycleStatus{
			domain.CycleStatusPending, domain.CycleStatusDataCollection, domain.CycleStatusUnderReview,
			domain.CycleStatusPendingApproval, domain.CycleStatusOnHold,
		},
		apply: func(_ context.Context, _ *sql.Tx, c *domain.Cycle) error {
			c.CancelReason = reason
			c.Status = domain.CycleStatusCancelled
			return nil
		},
		payload: func(c domain.Cycle) events.EventPayload {
			return events.EventPayload{"reason": c.CancelReason}
		},
	})
}

// RequestApprovalInput is the gated review to approval transition. Calling it
// again with the same input after resolving breaches is the intended retry.
type RequestApprovalInput struct {
	CycleID   string
	ReportURL string
	ActorID   string
}

// RequestApproval runs the breach gate and, if it passes, activates the
// cycle's approval slots. A blocked request changes nothing.
func (e Engine) RequestApproval(ctx context.Context, in RequestApprovalInput) (domain.CycleView, error) {
	ctx, span := e.Telemetry.Start(ctx, "RequestApproval", attribute.String("cycle_id", in.CycleID))
	defer span.End()
	if err := requireActor(in.ActorID); err != nil {
		return domain.CycleView{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CycleView{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCycleTx(ctx, tx, in.CycleID)
	if err != nil {
		return domain.CycleView{}, err
	}
	if c.Status != domain.CycleStatusUnderReview {
		return domain.CycleView{}, cycleStateError("request approval for", c)
	}
	breaches, err := e.Repo.UnjustifiedBreachesTx(ctx, tx, c.ID)
	if err != nil {
		return domain.CycleView{}, err
	}
	if len(breaches) > 0 {
		e.Telemetry.GateBlocked(ctx, len(breaches))
		return domain.CycleView{}, BreachGateError{CycleID: c.ID, Breaches: breaches}
	}

	now := e.stamp()
	reqs, err := e.Repo.ListApproversTx(ctx, tx, c.PlanID)
	if err != nil {
		return domain.CycleView{}, err
	}
	for _, req := range reqs {
		slot := domain.ApprovalSlot{
			ID:              newID(),
			CycleID:         c.ID,
			ApprovalKind:    req.ApprovalKind,
			Region:          req.Region,
			Required:        req.Required,
			NominalApprover: req.NominalApprover,
			CreatedAt:       now,
		}
		created, err := e.Repo.EnsureSlotTx(ctx, tx, slot)
		if err != nil {
			return domain.CycleView{}, err
		}
		if created {
			if err := e.emit(ctx, tx, events.SlotCreated, c.ID, "approval_slot", slot.ID, in.ActorID, events.EventPayload{
				"approval_kind": slot.ApprovalKind,
				"region":        slot.Region,
				"required":      slot.Required,
			}); err != nil {
				return domain.CycleView{}, err
			}
		}
	}

	slots, err := e.Repo.ListSlotsTx(ctx, tx, c.ID)
	if err != nil {
		return domain.CycleView{}, err
	}
	for i := range slots {
		s := &slots[i]
		if s.Voided || s.Status != domain.SlotRejected {
			continue
		}
		if err := e.reopenSlotTx(ctx, tx, s, now, in.ActorID); err != nil {
			return domain.CycleView{}, err
		}
	}
	if !hasRequiredSlot(slots) {
		return domain.CycleView{}, ValidationError{Field: "approvers", Code: CodeNoApprovers, Message: "plan " + c.PlanID + " has no required approvers"}
	}
	q := Evaluate(plainSlots(slots))

	from := c.Status
	c.Status = domain.CycleStatusPendingApproval
	if url := strings.TrimSpace(in.ReportURL); url != "" {
		c.ReportURL = url
	}
	c.UpdatedAt = now
	if err := e.Repo.UpdateCycleTx(ctx, tx, c); err != nil {
		return domain.CycleView{}, err
	}
	if err := e.emit(ctx, tx, events.CycleApprovalRequested, c.ID, "cycle", c.ID, in.ActorID, events.EventPayload{
		"from":       string(from),
		"to":         string(c.Status),
		"report_url": c.ReportURL,
		"slots":      len(slots),
	}); err != nil {
		return domain.CycleView{}, err
	}
	// Slots approved in an earlier round can already satisfy the quorum.
	if q.Reached {
		if err := e.approveCycleTx(ctx, tx, &c, in.ActorID); err != nil {
			return domain.CycleView{}, err
		}
	}
	view, err := e.viewTx(ctx, tx, c)
	if err != nil {
		return domain.CycleView{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CycleView{}, err
	}
	e.Telemetry.Transition(ctx, string(from), string(domain.CycleStatusPendingApproval))
	if q.Reached {
		e.Telemetry.Transition(ctx, string(domain.CycleStatusPendingApproval), string(domain.CycleStatusApproved))
	}
	return view, nil
}

func hasRequiredSlot(slots []repo.SlotRow) bool {
	for _, s := range slots {
		if s.Required {
			return true
		}
	}
	return false
}

// reopenSlotTx archives a rejected decision and resets the slot for a new round.
func (e Engine) reopenSlotTx(ctx context.Context, tx *sql.Tx, s *repo.SlotRow, now, actorID string) error {
	if err := e.Repo.ArchiveDecisionTx(ctx, tx, *s, now); err != nil {
		return err
	}
	prev := s.Round
	s.Status = domain.SlotPending
	s.Approver = ""
	s.Comments = ""
	s.Evidence = ""
	s.IsProxy = false
	s.DecidedAt = ""
	s.Round++
	if err := e.Repo.UpdateSlotTx(ctx, tx, *s); err != nil {
		return mapStoreError(err)
	}
	return e.emit(ctx, tx, events.SlotReopened, s.CycleID, "approval_slot", s.ID, actorID, events.EventPayload{
		"previous_round": prev,
		"round":          s.Round,
	})
}

func (e Engine) approveCycleTx(ctx context.Context, tx *sql.Tx, c *domain.Cycle, actorID string) error {
	from := c.Status
	c.Status = domain.CycleStatusApproved
	c.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateCycleTx(ctx, tx, *c); err != nil {
		return err
	}
	return e.emit(ctx, tx, events.CycleApproved, c.ID, "cycle", c.ID, actorID, events.EventPayload{
		"from": string(from),
		"to":   string(c.Status),
	})
}

// viewTx derives the cycle's projections from the record and slot sets as
// seen by tx.
func (e Engine) viewTx(ctx context.Context, tx *sql.Tx, c domain.Cycle) (domain.CycleView, error) {
	counts, err := e.Repo.CycleCountsTx(ctx, tx, c.ID)
	if err != nil {
		return domain.CycleView{}, err
	}
	mode, err := e.Repo.CycleScopeModeTx(ctx, tx, c.ID)
	if err != nil {
		return domain.CycleView{}, err
	}
	slots, err := e.Repo.ListSlotsTx(ctx, tx, c.ID)
	if err != nil {
		return domain.CycleView{}, err
	}
	return domain.CycleView{Cycle: c, Counts: counts, Mode: mode, Quorum: Evaluate(plainSlots(slots))}, nil
}

// GetCycle returns the cycle with counts, scoping mode and quorum read in one transaction.
func (e Engine) GetCycle(ctx context.Context, cycleID string) (domain.CycleView, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CycleView{}, err
	}
	defer tx.Rollback()
	c, err := e.Repo.GetCycleTx(ctx, tx, cycleID)
	if err != nil {
		return domain.CycleView{}, err
	}
	return e.viewTx(ctx, tx, c)
}

func (e Engine) ListCycles(ctx context.Context, f repo.CycleFilters) ([]domain.CycleView, error) {
	cycles, err := e.Repo.ListCycles(ctx, f)
	if err != nil {
		return nil, err
	}
	views := make([]domain.CycleView, 0, len(cycles))
	for _, c := range cycles {
		v, err := e.GetCycle(ctx, c.ID)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// ListSnapshotMetrics returns the metric definitions locked for the cycle.
func (e Engine) ListSnapshotMetrics(ctx context.Context, cycleID string) ([]domain.MetricDefinition, error) {
	c, err := e.Repo.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if c.SnapshotVersion == nil {
		return nil, cycleStateError("read metrics of", c)
	}
	return e.Repo.ListSnapshotMetrics(ctx, c.PlanID, *c.SnapshotVersion)
}

func plainSlots(rows []repo.SlotRow) []domain.ApprovalSlot {
	out := make([]domain.ApprovalSlot, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ApprovalSlot)
	}
	return out
}
