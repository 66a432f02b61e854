package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	CycleCreated           = "cycle.created"
	CycleStarted           = "cycle.started"
	CycleSubmitted         = "cycle.submitted"
	CycleApprovalRequested = "cycle.approval_requested"
	CycleReturnedToReview  = "cycle.returned_to_review"
	CycleApproved          = "cycle.approved"
	CycleHeld              = "cycle.held"
	CycleResumed           = "cycle.resumed"
	CycleCancelled         = "cycle.cancelled"
	ResultUpserted         = "result.upserted"
	ResultSkipped          = "result.skipped"
	ResultDeleted          = "result.deleted"
	SlotCreated            = "approval.slot_created"
	SlotReopened           = "approval.slot_reopened"
	SlotApproved           = "approval.approved"
	SlotRejected           = "approval.rejected"
	SlotVoided             = "approval.voided"
	PlanImported           = "plan.imported"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, cycleID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,cycle_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(cycleID), entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
