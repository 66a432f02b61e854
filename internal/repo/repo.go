package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cyclegate/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Plans

func (r Repo) UpsertPlanTx(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO plans(id,name,created_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name`, p.ID, p.Name, p.CreatedAt)
	return err
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	var p domain.Plan
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM plans WHERE id=?`, id).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, fmt.Errorf("plan %s: %w", id, ErrNotFound)
	}
	return p, err
}

func (r Repo) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM plans ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		var p domain.Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// Live metric definitions

func (r Repo) UpsertPlanMetricTx(ctx context.Context, tx *sql.Tx, m domain.MetricDefinition, position int, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO plan_metrics(id,plan_id,position,name,kind,yellow_min,yellow_max,red_min,red_max,guidance,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET position=excluded.position, name=excluded.name, kind=excluded.kind,
  yellow_min=excluded.yellow_min, yellow_max=excluded.yellow_max, red_min=excluded.red_min, red_max=excluded.red_max,
  guidance=excluded.guidance, updated_at=excluded.updated_at
WHERE plan_metrics.plan_id=excluded.plan_id`,
		m.ID, m.PlanID, position, m.Name, string(m.Kind),
		nullableFloatPtr(m.Thresholds.YellowMin), nullableFloatPtr(m.Thresholds.YellowMax),
		nullableFloatPtr(m.Thresholds.RedMin), nullableFloatPtr(m.Thresholds.RedMax),
		nullable(m.Guidance), now)
	return err
}

func (r Repo) ListPlanMetrics(ctx context.Context, planID string) ([]domain.MetricDefinition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,plan_id,0,name,kind,yellow_min,yellow_max,red_min,red_max,COALESCE(guidance,'')
FROM plan_metrics WHERE plan_id=? ORDER BY position, id`, planID)
	if err != nil {
		return nil, err
	}
	return scanMetrics(rows)
}

func (r Repo) CountPlanMetricsTx(ctx context.Context, tx *sql.Tx, planID string) (int, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM plan_metrics WHERE plan_id=?`, planID).Scan(&n)
	return n, err
}

func scanMetrics(rows *sql.Rows) ([]domain.MetricDefinition, error) {
	defer rows.Close()
	var res []domain.MetricDefinition
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMetric(s scanner) (domain.MetricDefinition, error) {
	var m domain.MetricDefinition
	var kind string
	var ymin, ymax, rmin, rmax sql.NullFloat64
	if err := s.Scan(&m.ID, &m.PlanID, &m.SnapshotVersion, &m.Name, &kind, &ymin, &ymax, &rmin, &rmax, &m.Guidance); err != nil {
		return m, err
	}
	m.Kind = domain.EvaluationKind(kind)
	m.Thresholds = domain.Thresholds{
		YellowMin: floatPtr(ymin),
		YellowMax: floatPtr(ymax),
		RedMin:    floatPtr(rmin),
		RedMax:    floatPtr(rmax),
	}
	return m, nil
}

// Snapshots

// LockSnapshotTx copies the plan's live metric definitions into a new
// snapshot version and returns it.
func (r Repo) LockSnapshotTx(ctx context.Context, tx *sql.Tx, planID, lockedAt string) (int, error) {
	var version int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0)+1 FROM metric_snapshots WHERE plan_id=?`, planID).Scan(&version); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO metric_snapshots(plan_id,version,metric_id,position,name,kind,yellow_min,yellow_max,red_min,red_max,guidance,locked_at)
SELECT plan_id,?,id,position,name,kind,yellow_min,yellow_max,red_min,red_max,guidance,? FROM plan_metrics WHERE plan_id=?`,
		version, lockedAt, planID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("plan %s has no metrics to lock", planID)
	}
	return version, nil
}

const snapshotColumns = `metric_id,plan_id,version,name,kind,yellow_min,yellow_max,red_min,red_max,COALESCE(guidance,'')`

func (r Repo) ListSnapshotMetrics(ctx context.Context, planID string, version int) ([]domain.MetricDefinition, error) {
	return r.ListSnapshotMetricsTx(ctx, nil, planID, version)
}

func (r Repo) ListSnapshotMetricsTx(ctx context.Context, tx *sql.Tx, planID string, version int) ([]domain.MetricDefinition, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+snapshotColumns+` FROM metric_snapshots
WHERE plan_id=? AND version=? ORDER BY position, metric_id`, planID, version)
	if err != nil {
		return nil, err
	}
	return scanMetrics(rows)
}

func (r Repo) GetSnapshotMetricTx(ctx context.Context, tx *sql.Tx, planID string, version int, metricID string) (domain.MetricDefinition, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM metric_snapshots
WHERE plan_id=? AND version=? AND metric_id=?`, planID, version, metricID)
	m, err := scanMetric(row)
	if err == sql.ErrNoRows {
		return m, fmt.Errorf("metric %s in snapshot v%d: %w", metricID, version, ErrNotFound)
	}
	return m, err
}

// Entities

func (r Repo) UpsertEntityTx(ctx context.Context, tx *sql.Tx, e domain.Entity) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO plan_entities(id,plan_id,name) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name WHERE plan_entities.plan_id=excluded.plan_id`, e.ID, e.PlanID, e.Name)
	return err
}

func (r Repo) ListEntities(ctx context.Context, planID string) ([]domain.Entity, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,plan_id,name FROM plan_entities WHERE plan_id=? ORDER BY name, id`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Entity
	for rows.Next() {
		var e domain.Entity
		if err := rows.Scan(&e.ID, &e.PlanID, &e.Name); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) GetEntityTx(ctx context.Context, tx *sql.Tx, id string) (domain.Entity, error) {
	var e domain.Entity
	err := r.on(tx).QueryRowContext(ctx, `SELECT id,plan_id,name FROM plan_entities WHERE id=?`, id).Scan(&e.ID, &e.PlanID, &e.Name)
	if err == sql.ErrNoRows {
		return e, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return e, err
}

// Approver requirements

func (r Repo) UpsertApproverTx(ctx context.Context, tx *sql.Tx, a domain.ApproverRequirement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO plan_approvers(plan_id,approval_kind,region,required,nominal_approver) VALUES (?,?,?,?,?)
ON CONFLICT(plan_id,approval_kind,region) DO UPDATE SET required=excluded.required, nominal_approver=excluded.nominal_approver`,
		a.PlanID, a.ApprovalKind, a.Region, boolInt(a.Required), nullable(a.NominalApprover))
	return err
}

func (r Repo) ListApprovers(ctx context.Context, planID string) ([]domain.ApproverRequirement, error) {
	return r.ListApproversTx(ctx, nil, planID)
}

func (r Repo) ListApproversTx(ctx context.Context, tx *sql.Tx, planID string) ([]domain.ApproverRequirement, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT plan_id,approval_kind,region,required,COALESCE(nominal_approver,'')
FROM plan_approvers WHERE plan_id=? ORDER BY approval_kind, region`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApproverRequirement
	for rows.Next() {
		var a domain.ApproverRequirement
		var required int
		if err := rows.Scan(&a.PlanID, &a.ApprovalKind, &a.Region, &required, &a.NominalApprover); err != nil {
			return nil, err
		}
		a.Required = required == 1
		res = append(res, a)
	}
	return res, rows.Err()
}

// Outcome vocabulary

func (r Repo) UpsertOutcomeValueTx(ctx context.Context, tx *sql.Tx, o domain.OutcomeValue) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO outcome_values(id,code,label,verdict) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET code=excluded.code, label=excluded.label, verdict=excluded.verdict`,
		o.ID, o.Code, o.Label, string(o.Verdict))
	return err
}

func (r Repo) ListOutcomeValues(ctx context.Context) ([]domain.OutcomeValue, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,code,label,verdict FROM outcome_values ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutcomeValue
	for rows.Next() {
		var o domain.OutcomeValue
		var v string
		if err := rows.Scan(&o.ID, &o.Code, &o.Label, &v); err != nil {
			return nil, err
		}
		o.Verdict = domain.Verdict(v)
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) GetOutcomeValueTx(ctx context.Context, tx *sql.Tx, id string) (domain.OutcomeValue, error) {
	var o domain.OutcomeValue
	var v string
	err := r.on(tx).QueryRowContext(ctx, `SELECT id,code,label,verdict FROM outcome_values WHERE id=? OR code=? LIMIT 1`, id, id).
		Scan(&o.ID, &o.Code, &o.Label, &v)
	if err == sql.ErrNoRows {
		return o, fmt.Errorf("outcome value %s: %w", id, ErrNotFound)
	}
	o.Verdict = domain.Verdict(v)
	return o, err
}
