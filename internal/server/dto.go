package server

import (
	"encoding/json"

	"cyclegate/internal/domain"
	"cyclegate/internal/engine"
)

type CreateCycleRequest struct {
	ID            string `json:"id,omitempty"`
	PlanID        string `json:"plan_id"`
	PeriodStart   string `json:"period_start" format:"date"`
	PeriodEnd     string `json:"period_end" format:"date"`
	SubmissionDue string `json:"submission_due,omitempty" format:"date"`
	ReportDue     string `json:"report_due,omitempty" format:"date"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type RequestApprovalRequest struct {
	ReportURL string `json:"report_url,omitempty"`
}

type UpsertResultRequest struct {
	MetricID       string   `json:"metric_id"`
	EntityID       *string  `json:"entity_id,omitempty"`
	NumericValue   *float64 `json:"numeric_value,omitempty"`
	OutcomeValueID *string  `json:"outcome_value_id,omitempty"`
	Narrative      *string  `json:"narrative,omitempty"`
}

type ImportResultsRequest struct {
	Rows []engine.ImportRow `json:"rows"`
}

type SkipResultRequest struct {
	Narrative string `json:"narrative"`
}

type ApproveSlotRequest struct {
	Comments string `json:"comments,omitempty"`
	Evidence string `json:"evidence,omitempty" doc:"Required when deciding on behalf of the nominal approver"`
}

type RejectSlotRequest struct {
	Comments string `json:"comments"`
}

type VoidSlotRequest struct {
	Reason string `json:"reason"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source"`
	PlanID      string   `json:"plan_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	CycleID    string         `json:"cycle_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		CycleID:    e.CycleID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
