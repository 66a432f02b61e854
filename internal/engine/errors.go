package engine

import (
	"fmt"
	"strings"

	"cyclegate/internal/domain"
)

// Validation codes carried by ValidationError.
const (
	CodeRequired            = "required"
	CodeEntityScopeConflict = "entity_scope_conflict"
	CodeNarrativeRequired   = "narrative_required"
	CodePayloadMismatch     = "payload_kind_mismatch"
	CodeInvalidValue        = "invalid_value"
	CodeUnknownMetric       = "unknown_metric"
	CodeUnknownEntity       = "unknown_entity"
	CodeUnknownOutcome      = "unknown_outcome"
	CodeEvidenceRequired    = "evidence_required"
	CodeNoApprovers         = "no_required_approvers"
	CodeInvalidPlan         = "invalid_plan"
)

// StateError means the operation is not allowed from the target's current
// status. The caller's view is stale and must be refreshed; retrying the same
// call will not help.
type StateError struct {
	Op     string
	Kind   string
	ID     string
	Status string
}

func (e StateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %s; refresh and retry", e.Op, e.Kind, e.ID, e.Status)
}

func cycleStateError(op string, c domain.Cycle) StateError {
	return StateError{Op: op, Kind: "cycle", ID: c.ID, Status: string(c.Status)}
}

func slotStateError(op string, s domain.ApprovalSlot) StateError {
	status := string(s.Status)
	if s.Voided {
		status = "voided"
	}
	return StateError{Op: op, Kind: "approval slot", ID: s.ID, Status: status}
}

// ValidationError is a field-level payload violation on a single mutation.
type ValidationError struct {
	Field   string
	Code    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Code)
}

// BreachGateError blocks an approval request while RED results lack a narrative.
type BreachGateError struct {
	CycleID  string
	Breaches []domain.Breach
}

func (e BreachGateError) Error() string {
	names := make([]string, 0, len(e.Breaches))
	for _, b := range e.Breaches {
		label := b.MetricName
		if b.EntityName != "" {
			label += " / " + b.EntityName
		}
		names = append(names, label)
	}
	return fmt.Sprintf("cycle %s has %d unjustified breach(es): %s", e.CycleID, len(e.Breaches), strings.Join(names, ", "))
}
