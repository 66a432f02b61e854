package domain

// CycleStatus is the lifecycle state of a monitoring cycle.
type CycleStatus string

const (
	CycleStatusPending         CycleStatus = "pending"
	CycleStatusDataCollection  CycleStatus = "data_collection"
	CycleStatusUnderReview     CycleStatus = "under_review"
	CycleStatusPendingApproval CycleStatus = "pending_approval"
	CycleStatusApproved        CycleStatus = "approved"
	CycleStatusOnHold          CycleStatus = "on_hold"
	CycleStatusCancelled       CycleStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s CycleStatus) Terminal() bool {
	return s == CycleStatusApproved || s == CycleStatusCancelled
}

// AcceptsResults reports whether result records may be written in this status.
func (s CycleStatus) AcceptsResults() bool {
	return s == CycleStatusDataCollection || s == CycleStatusUnderReview
}

// Verdict is the traffic-light classification of a result.
type Verdict string

const (
	VerdictGreen        Verdict = "GREEN"
	VerdictYellow       Verdict = "YELLOW"
	VerdictRed          Verdict = "RED"
	VerdictUnconfigured Verdict = "UNCONFIGURED"
	VerdictSkipped      Verdict = "SKIPPED"
)

func (v Verdict) Valid() bool {
	switch v {
	case VerdictGreen, VerdictYellow, VerdictRed, VerdictUnconfigured, VerdictSkipped:
		return true
	}
	return false
}

// EvaluationKind decides which payload a result for the metric carries.
type EvaluationKind string

const (
	KindQuantitative EvaluationKind = "quantitative"
	KindQualitative  EvaluationKind = "qualitative"
	KindOutcomeOnly  EvaluationKind = "outcome_only"
)

func (k EvaluationKind) Valid() bool {
	return k == KindQuantitative || k == KindQualitative || k == KindOutcomeOnly
}

// Numeric reports whether results for this kind carry a numeric value.
func (k EvaluationKind) Numeric() bool { return k == KindQuantitative }

// ScopeMode is the entity-scoping mode of a cycle's result set.
type ScopeMode string

const (
	ScopeUndetermined   ScopeMode = "undetermined"
	ScopePlanLevel      ScopeMode = "plan_level"
	ScopeEntitySpecific ScopeMode = "entity_specific"
)

// ModeFor returns the scoping mode a record with the given entity reference implies.
func ModeFor(entityID *string) ScopeMode {
	if entityID == nil || *entityID == "" {
		return ScopePlanLevel
	}
	return ScopeEntitySpecific
}

// Thresholds bound the breach regions of a quantitative metric. A nil bound is unset.
type Thresholds struct {
	YellowMin *float64 `json:"yellow_min,omitempty" yaml:"yellow_min,omitempty"`
	YellowMax *float64 `json:"yellow_max,omitempty" yaml:"yellow_max,omitempty"`
	RedMin    *float64 `json:"red_min,omitempty" yaml:"red_min,omitempty"`
	RedMax    *float64 `json:"red_max,omitempty" yaml:"red_max,omitempty"`
}

// Configured reports whether at least one bound is set.
func (t Thresholds) Configured() bool {
	return t.YellowMin != nil || t.YellowMax != nil || t.RedMin != nil || t.RedMax != nil
}

type Plan struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Entity struct {
	ID     string `json:"id"`
	PlanID string `json:"plan_id"`
	Name   string `json:"name"`
}

// ApproverRequirement is a plan-level sign-off that becomes an ApprovalSlot per cycle.
type ApproverRequirement struct {
	PlanID          string `json:"plan_id"`
	ApprovalKind    string `json:"approval_kind" enum:"global,regional"`
	Region          string `json:"region,omitempty"`
	Required        bool   `json:"required"`
	NominalApprover string `json:"nominal_approver,omitempty"`
}

// MetricDefinition is a metric as locked into a snapshot version.
type MetricDefinition struct {
	ID              string         `json:"id"`
	PlanID          string         `json:"plan_id"`
	SnapshotVersion int            `json:"snapshot_version"`
	Name            string         `json:"name"`
	Kind            EvaluationKind `json:"kind" enum:"quantitative,qualitative,outcome_only"`
	Thresholds      Thresholds     `json:"thresholds"`
	Guidance        string         `json:"guidance,omitempty"`
}

type OutcomeValue struct {
	ID      string  `json:"id"`
	Code    string  `json:"code"`
	Label   string  `json:"label"`
	Verdict Verdict `json:"verdict" enum:"GREEN,YELLOW,RED"`
}

type ResultRecord struct {
	ID             string   `json:"id"`
	CycleID        string   `json:"cycle_id"`
	MetricID       string   `json:"metric_id"`
	EntityID       *string  `json:"entity_id,omitempty"`
	NumericValue   *float64 `json:"numeric_value,omitempty"`
	OutcomeValueID *string  `json:"outcome_value_id,omitempty"`
	Verdict        *Verdict `json:"verdict,omitempty"`
	Narrative      string   `json:"narrative,omitempty"`
	Skipped        bool     `json:"skipped"`
	UpdatedBy      string   `json:"updated_by"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

// ResultUpsert is the write payload for one (cycle, metric, entity) cell.
type ResultUpsert struct {
	CycleID        string   `json:"cycle_id"`
	MetricID       string   `json:"metric_id"`
	EntityID       *string  `json:"entity_id,omitempty"`
	NumericValue   *float64 `json:"numeric_value,omitempty"`
	OutcomeValueID *string  `json:"outcome_value_id,omitempty"`
	Narrative      *string  `json:"narrative,omitempty"`
	ActorID        string   `json:"-"`
}

// Breach identifies a RED result that still lacks a narrative.
type Breach struct {
	ResultID     string   `json:"result_id"`
	MetricID     string   `json:"metric_id"`
	MetricName   string   `json:"metric_name"`
	EntityID     *string  `json:"entity_id,omitempty"`
	EntityName   string   `json:"entity_name,omitempty"`
	NumericValue *float64 `json:"numeric_value,omitempty"`
}

// CycleCounts is derived from the result and slot sets on every read.
type CycleCounts struct {
	Results          int `json:"results"`
	Green            int `json:"green"`
	Yellow           int `json:"yellow"`
	Red              int `json:"red"`
	Unconfigured     int `json:"unconfigured"`
	Skipped          int `json:"skipped"`
	PendingApprovals int `json:"pending_approvals"`
}

type Cycle struct {
	ID               string      `json:"id"`
	PlanID           string      `json:"plan_id"`
	PeriodStart      string      `json:"period_start" format:"date"`
	PeriodEnd        string      `json:"period_end" format:"date"`
	SubmissionDue    string      `json:"submission_due,omitempty" format:"date"`
	ReportDue        string      `json:"report_due,omitempty" format:"date"`
	Status           CycleStatus `json:"status" enum:"pending,data_collection,under_review,pending_approval,approved,on_hold,cancelled"`
	HoldReason       string      `json:"hold_reason,omitempty"`
	HoldReturnStatus CycleStatus `json:"hold_return_status,omitempty"`
	HoldBy           string      `json:"hold_by,omitempty"`
	HeldAt           string      `json:"held_at,omitempty"`
	CancelReason     string      `json:"cancel_reason,omitempty"`
	SnapshotVersion  *int        `json:"snapshot_version,omitempty"`
	ReportURL        string      `json:"report_url,omitempty"`
	CreatedAt        string      `json:"created_at" format:"date-time"`
	UpdatedAt        string      `json:"updated_at" format:"date-time"`
}

// CycleView is a cycle plus its computed projections.
type CycleView struct {
	Cycle
	Counts CycleCounts `json:"counts"`
	Mode   ScopeMode   `json:"mode" enum:"undetermined,plan_level,entity_specific"`
	Quorum Quorum      `json:"quorum"`
}

type SlotStatus string

const (
	SlotPending  SlotStatus = "pending"
	SlotApproved SlotStatus = "approved"
	SlotRejected SlotStatus = "rejected"
)

type ApprovalSlot struct {
	ID              string     `json:"id"`
	CycleID         string     `json:"cycle_id"`
	ApprovalKind    string     `json:"approval_kind" enum:"global,regional"`
	Region          string     `json:"region,omitempty"`
	Required        bool       `json:"required"`
	NominalApprover string     `json:"nominal_approver,omitempty"`
	Status          SlotStatus `json:"status" enum:"pending,approved,rejected"`
	Approver        string     `json:"approver,omitempty"`
	Comments        string     `json:"comments,omitempty"`
	Evidence        string     `json:"evidence,omitempty"`
	IsProxy         bool       `json:"is_proxy"`
	DecidedAt       string     `json:"decided_at,omitempty"`
	Voided          bool       `json:"voided"`
	VoidReason      string     `json:"void_reason,omitempty"`
	VoidedBy        string     `json:"voided_by,omitempty"`
	VoidedAt        string     `json:"voided_at,omitempty"`
	CreatedAt       string     `json:"created_at" format:"date-time"`
}

// SlotDecision is a prior decision retained when a rejected slot reopens.
type SlotDecision struct {
	ID        int64      `json:"id"`
	SlotID    string     `json:"slot_id"`
	Status    SlotStatus `json:"status"`
	Approver  string     `json:"approver,omitempty"`
	Comments  string     `json:"comments,omitempty"`
	Evidence  string     `json:"evidence,omitempty"`
	IsProxy   bool       `json:"is_proxy"`
	DecidedAt string     `json:"decided_at,omitempty"`
	Round     int        `json:"round"`
}

// Quorum summarises the approval slots of a cycle.
type Quorum struct {
	Required int  `json:"required"`
	Approved int  `json:"approved"`
	Pending  int  `json:"pending"`
	Rejected int  `json:"rejected"`
	Voided   int  `json:"voided"`
	Reached  bool `json:"reached"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CycleID    string `json:"cycle_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
