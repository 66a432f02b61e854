package repo

import (
	"context"
	"database/sql"
	"fmt"

	"cyclegate/internal/domain"
)

const cycleColumns = `id,plan_id,period_start,period_end,COALESCE(submission_due,''),COALESCE(report_due,''),status,
COALESCE(hold_reason,''),COALESCE(hold_return_status,''),COALESCE(hold_by,''),COALESCE(held_at,''),COALESCE(cancel_reason,''),
snapshot_version,COALESCE(report_url,''),created_at,updated_at`

func scanCycle(s scanner) (domain.Cycle, error) {
	var c domain.Cycle
	var status, holdReturn string
	var version sql.NullInt64
	err := s.Scan(&c.ID, &c.PlanID, &c.PeriodStart, &c.PeriodEnd, &c.SubmissionDue, &c.ReportDue, &status,
		&c.HoldReason, &holdReturn, &c.HoldBy, &c.HeldAt, &c.CancelReason,
		&version, &c.ReportURL, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.Status = domain.CycleStatus(status)
	c.HoldReturnStatus = domain.CycleStatus(holdReturn)
	if version.Valid {
		v := int(version.Int64)
		c.SnapshotVersion = &v
	}
	return c, nil
}

func (r Repo) InsertCycleTx(ctx context.Context, tx *sql.Tx, c domain.Cycle) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cycles(id,plan_id,period_start,period_end,submission_due,report_due,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		c.ID, c.PlanID, c.PeriodStart, c.PeriodEnd, nullable(c.SubmissionDue), nullable(c.ReportDue), string(c.Status), c.CreatedAt, c.UpdatedAt)
	return err
}

// UpdateCycleTx writes every mutable cycle column.
func (r Repo) UpdateCycleTx(ctx context.Context, tx *sql.Tx, c domain.Cycle) error {
	res, err := tx.ExecContext(ctx, `UPDATE cycles SET status=?, hold_reason=?, hold_return_status=?, hold_by=?, held_at=?, cancel_reason=?,
snapshot_version=?, report_url=?, updated_at=? WHERE id=?`,
		string(c.Status), nullable(c.HoldReason), nullable(string(c.HoldReturnStatus)), nullable(c.HoldBy), nullable(c.HeldAt),
		nullable(c.CancelReason), nullableIntPtr(c.SnapshotVersion), nullable(c.ReportURL), c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cycle %s: %w", c.ID, ErrNotFound)
	}
	return nil
}

func (r Repo) GetCycle(ctx context.Context, id string) (domain.Cycle, error) {
	return r.GetCycleTx(ctx, nil, id)
}

func (r Repo) GetCycleTx(ctx context.Context, tx *sql.Tx, id string) (domain.Cycle, error) {
	c, err := scanCycle(r.on(tx).QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM cycles WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return c, fmt.Errorf("cycle %s: %w", id, ErrNotFound)
	}
	return c, err
}

type CycleFilters struct {
	PlanID string
	Status string
	Limit  int
}

func (r Repo) ListCycles(ctx context.Context, f CycleFilters) ([]domain.Cycle, error) {
	query := `SELECT ` + cycleColumns + ` FROM cycles WHERE plan_id=?`
	args := []any{f.PlanID}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY period_start DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CycleCountsTx derives the count projection from the current result and slot sets.
func (r Repo) CycleCountsTx(ctx context.Context, tx *sql.Tx, cycleID string) (domain.CycleCounts, error) {
	var c domain.CycleCounts
	q := r.on(tx)
	err := q.QueryRowContext(ctx, `SELECT COUNT(*),
  COALESCE(SUM(CASE WHEN verdict='GREEN' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN verdict='YELLOW' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN verdict='RED' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN verdict='UNCONFIGURED' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN skipped=1 THEN 1 ELSE 0 END),0)
FROM results WHERE cycle_id=?`, cycleID).Scan(&c.Results, &c.Green, &c.Yellow, &c.Red, &c.Unconfigured, &c.Skipped)
	if err != nil {
		return c, err
	}
	err = q.QueryRowContext(ctx, `SELECT COUNT(*) FROM approval_slots WHERE cycle_id=? AND status='pending' AND voided=0`, cycleID).
		Scan(&c.PendingApprovals)
	return c, err
}
