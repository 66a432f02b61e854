package engine

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"

	"cyclegate/internal/domain"
	"cyclegate/internal/events"
)

// PlanSpec is the seed file for a monitoring plan. Plans are loaded from
// YAML and never edited through the API.
type PlanSpec struct {
	ID        string         `yaml:"id"`
	Name      string         `yaml:"name"`
	Metrics   []MetricSpec   `yaml:"metrics"`
	Entities  []EntitySpec   `yaml:"entities"`
	Approvers []ApproverSpec `yaml:"approvers"`
}

type MetricSpec struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name"`
	Kind       string            `yaml:"kind"`
	Thresholds domain.Thresholds `yaml:"thresholds"`
	Guidance   string            `yaml:"guidance"`
}

type EntitySpec struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type ApproverSpec struct {
	Kind            string `yaml:"kind"`
	Region          string `yaml:"region"`
	Required        *bool  `yaml:"required"`
	NominalApprover string `yaml:"nominal_approver"`
}

// PlanDetail is a plan with its live definitions.
type PlanDetail struct {
	domain.Plan
	Metrics   []domain.MetricDefinition    `json:"metrics"`
	Entities  []domain.Entity              `json:"entities"`
	Approvers []domain.ApproverRequirement `json:"approvers"`
}

// ParsePlan decodes a plan seed file, rejecting unknown keys.
func ParsePlan(data []byte) (PlanSpec, error) {
	var spec PlanSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return spec, fmt.Errorf("parse plan: %w", err)
	}
	return spec, spec.Validate()
}

func invalidPlan(format string, args ...any) error {
	return ValidationError{Field: "plan", Code: CodeInvalidPlan, Message: fmt.Sprintf(format, args...)}
}

func (s PlanSpec) Validate() error {
	if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.Name) == "" {
		return invalidPlan("plan id and name are required")
	}
	if len(s.Metrics) == 0 {
		return invalidPlan("plan %s defines no metrics", s.ID)
	}
	seen := map[string]bool{}
	for _, m := range s.Metrics {
		if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.Name) == "" {
			return invalidPlan("metric id and name are required")
		}
		if seen[m.ID] {
			return invalidPlan("duplicate metric %s", m.ID)
		}
		seen[m.ID] = true
		kind := domain.EvaluationKind(m.Kind)
		if !kind.Valid() {
			return invalidPlan("metric %s: unknown kind %q", m.ID, m.Kind)
		}
		for _, b := range []*float64{m.Thresholds.YellowMin, m.Thresholds.YellowMax, m.Thresholds.RedMin, m.Thresholds.RedMax} {
			if b != nil && (math.IsNaN(*b) || math.IsInf(*b, 0)) {
				return invalidPlan("metric %s: thresholds must be finite", m.ID)
			}
		}
		if !kind.Numeric() && m.Thresholds.Configured() {
			return invalidPlan("metric %s: thresholds only apply to quantitative metrics", m.ID)
		}
	}
	seen = map[string]bool{}
	for _, ent := range s.Entities {
		if strings.TrimSpace(ent.ID) == "" {
			return invalidPlan("entity id is required")
		}
		if seen[ent.ID] {
			return invalidPlan("duplicate entity %s", ent.ID)
		}
		seen[ent.ID] = true
	}
	seen = map[string]bool{}
	for _, a := range s.Approvers {
		switch a.Kind {
		case "global":
			if a.Region != "" {
				return invalidPlan("global approver cannot carry a region")
			}
		case "regional":
			if strings.TrimSpace(a.Region) == "" {
				return invalidPlan("regional approver requires a region")
			}
		default:
			return invalidPlan("unknown approval kind %q", a.Kind)
		}
		key := a.Kind + "|" + a.Region
		if seen[key] {
			return invalidPlan("duplicate approver %s %s", a.Kind, a.Region)
		}
		seen[key] = true
	}
	return nil
}

// ImportPlan upserts the plan and its definitions. Metrics, entities and
// approvers missing from the file are left in place; locked snapshots are
// never touched.
func (e Engine) ImportPlan(ctx context.Context, spec PlanSpec, actorID string) (PlanDetail, error) {
	if err := requireActor(actorID); err != nil {
		return PlanDetail{}, err
	}
	if err := spec.Validate(); err != nil {
		return PlanDetail{}, err
	}
	now := e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PlanDetail{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpsertPlanTx(ctx, tx, domain.Plan{ID: spec.ID, Name: spec.Name, CreatedAt: now}); err != nil {
		return PlanDetail{}, err
	}
	for i, m := range spec.Metrics {
		def := domain.MetricDefinition{
			ID:         m.ID,
			PlanID:     spec.ID,
			Name:       m.Name,
			Kind:       domain.EvaluationKind(m.Kind),
			Thresholds: m.Thresholds,
			Guidance:   m.Guidance,
		}
		if err := e.Repo.UpsertPlanMetricTx(ctx, tx, def, i, now); err != nil {
			return PlanDetail{}, fmt.Errorf("metric %s: %w", m.ID, err)
		}
	}
	for _, ent := range spec.Entities {
		name := ent.Name
		if name == "" {
			name = ent.ID
		}
		if err := e.Repo.UpsertEntityTx(ctx, tx, domain.Entity{ID: ent.ID, PlanID: spec.ID, Name: name}); err != nil {
			return PlanDetail{}, fmt.Errorf("entity %s: %w", ent.ID, err)
		}
	}
	for _, a := range spec.Approvers {
		required := a.Required == nil || *a.Required
		req := domain.ApproverRequirement{
			PlanID:          spec.ID,
			ApprovalKind:    a.Kind,
			Region:          a.Region,
			Required:        required,
			NominalApprover: strings.TrimSpace(a.NominalApprover),
		}
		if err := e.Repo.UpsertApproverTx(ctx, tx, req); err != nil {
			return PlanDetail{}, fmt.Errorf("approver %s %s: %w", a.Kind, a.Region, err)
		}
	}
	if err := e.emit(ctx, tx, events.PlanImported, "", "plan", spec.ID, actorID, events.EventPayload{
		"metrics":   len(spec.Metrics),
		"entities":  len(spec.Entities),
		"approvers": len(spec.Approvers),
	}); err != nil {
		return PlanDetail{}, err
	}
	if err := tx.Commit(); err != nil {
		return PlanDetail{}, err
	}
	return e.GetPlan(ctx, spec.ID)
}

func (e Engine) GetPlan(ctx context.Context, planID string) (PlanDetail, error) {
	p, err := e.Repo.GetPlan(ctx, planID)
	if err != nil {
		return PlanDetail{}, err
	}
	d := PlanDetail{Plan: p}
	if d.Metrics, err = e.Repo.ListPlanMetrics(ctx, planID); err != nil {
		return PlanDetail{}, err
	}
	if d.Entities, err = e.Repo.ListEntities(ctx, planID); err != nil {
		return PlanDetail{}, err
	}
	if d.Approvers, err = e.Repo.ListApprovers(ctx, planID); err != nil {
		return PlanDetail{}, err
	}
	return d, nil
}

func (e Engine) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	return e.Repo.ListPlans(ctx)
}

// ListOutcomeValues returns the outcome vocabulary for qualitative metrics.
func (e Engine) ListOutcomeValues(ctx context.Context) ([]domain.OutcomeValue, error) {
	return e.Repo.ListOutcomeValues(ctx)
}
