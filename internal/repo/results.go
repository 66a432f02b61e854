package repo

import (
	"context"
	"database/sql"
	"fmt"

	"cyclegate/internal/domain"
)

const resultColumns = `id,cycle_id,metric_id,entity_id,numeric_value,outcome_value_id,verdict,narrative,skipped,updated_by,created_at,updated_at`

func scanResult(s scanner) (domain.ResultRecord, error) {
	var rec domain.ResultRecord
	var entityID, outcomeID, verdict sql.NullString
	var value sql.NullFloat64
	var skipped int
	err := s.Scan(&rec.ID, &rec.CycleID, &rec.MetricID, &entityID, &value, &outcomeID, &verdict,
		&rec.Narrative, &skipped, &rec.UpdatedBy, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return rec, err
	}
	rec.EntityID = stringPtr(entityID)
	rec.NumericValue = floatPtr(value)
	rec.OutcomeValueID = stringPtr(outcomeID)
	if verdict.Valid && verdict.String != "" {
		v := domain.Verdict(verdict.String)
		rec.Verdict = &v
	}
	rec.Skipped = skipped == 1
	return rec, nil
}

// EntityKey maps an optional entity reference to the cell key column.
func EntityKey(entityID *string) string {
	if entityID == nil {
		return ""
	}
	return *entityID
}

// PutResultTx inserts or replaces the record for its (cycle, metric, entity) cell.
func (r Repo) PutResultTx(ctx context.Context, tx *sql.Tx, rec domain.ResultRecord) error {
	var verdict any
	if rec.Verdict != nil {
		verdict = string(*rec.Verdict)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO results(id,cycle_id,metric_id,entity_id,entity_key,numeric_value,outcome_value_id,verdict,narrative,skipped,updated_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(cycle_id,metric_id,entity_key) DO UPDATE SET
  numeric_value=excluded.numeric_value, outcome_value_id=excluded.outcome_value_id, verdict=excluded.verdict,
  narrative=excluded.narrative, skipped=excluded.skipped, updated_by=excluded.updated_by, updated_at=excluded.updated_at`,
		rec.ID, rec.CycleID, rec.MetricID, nullableStringPtr(rec.EntityID), EntityKey(rec.EntityID),
		nullableFloatPtr(rec.NumericValue), nullableStringPtr(rec.OutcomeValueID), verdict,
		rec.Narrative, boolInt(rec.Skipped), rec.UpdatedBy, rec.CreatedAt, rec.UpdatedAt)
	return err
}

func (r Repo) GetResult(ctx context.Context, id string) (domain.ResultRecord, error) {
	return r.GetResultTx(ctx, nil, id)
}

func (r Repo) GetResultTx(ctx context.Context, tx *sql.Tx, id string) (domain.ResultRecord, error) {
	rec, err := scanResult(r.on(tx).QueryRowContext(ctx, `SELECT `+resultColumns+` FROM results WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return rec, fmt.Errorf("result %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// GetResultByCellTx returns the record at a cell, or ErrNotFound if the cell is unset.
func (r Repo) GetResultByCellTx(ctx context.Context, tx *sql.Tx, cycleID, metricID string, entityID *string) (domain.ResultRecord, error) {
	rec, err := scanResult(r.on(tx).QueryRowContext(ctx, `SELECT `+resultColumns+` FROM results
WHERE cycle_id=? AND metric_id=? AND entity_key=?`, cycleID, metricID, EntityKey(entityID)))
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

func (r Repo) DeleteResultTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM results WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("result %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListResults returns a cycle's records, optionally only those for one entity.
func (r Repo) ListResults(ctx context.Context, cycleID string, entityID *string) ([]domain.ResultRecord, error) {
	return r.ListResultsTx(ctx, nil, cycleID, entityID)
}

func (r Repo) ListResultsTx(ctx context.Context, tx *sql.Tx, cycleID string, entityID *string) ([]domain.ResultRecord, error) {
	query := `SELECT ` + resultColumns + ` FROM results WHERE cycle_id=?`
	args := []any{cycleID}
	if entityID != nil {
		query += ` AND entity_key=?`
		args = append(args, *entityID)
	}
	query += ` ORDER BY metric_id, entity_key`
	rows, err := r.on(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ResultRecord
	for rows.Next() {
		rec, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ScopeModeTx derives the cycle's entity-scoping mode from its records,
// ignoring the given cell so a record can be rewritten in place.
func (r Repo) ScopeModeTx(ctx context.Context, tx *sql.Tx, cycleID, exceptMetricID string, exceptEntity *string) (domain.ScopeMode, error) {
	var total, planLevel int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN entity_key='' THEN 1 ELSE 0 END),0)
FROM results WHERE cycle_id=? AND NOT (metric_id=? AND entity_key=?)`,
		cycleID, exceptMetricID, EntityKey(exceptEntity)).Scan(&total, &planLevel)
	if err != nil {
		return domain.ScopeUndetermined, err
	}
	return scopeFromCounts(total, planLevel), nil
}

// CycleScopeModeTx derives the scoping mode of the full record set.
func (r Repo) CycleScopeModeTx(ctx context.Context, tx *sql.Tx, cycleID string) (domain.ScopeMode, error) {
	return r.ScopeModeTx(ctx, tx, cycleID, "", nil)
}

func scopeFromCounts(total, planLevel int) domain.ScopeMode {
	switch {
	case total == 0:
		return domain.ScopeUndetermined
	case planLevel == total:
		return domain.ScopePlanLevel
	default:
		return domain.ScopeEntitySpecific
	}
}

// UnjustifiedBreachesTx lists RED records whose narrative is blank. It only reads.
func (r Repo) UnjustifiedBreachesTx(ctx context.Context, tx *sql.Tx, cycleID string) ([]domain.Breach, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT r.id, r.metric_id, COALESCE(ms.name, r.metric_id), r.entity_id, COALESCE(pe.name,''), r.numeric_value
FROM results r
JOIN cycles c ON c.id = r.cycle_id
LEFT JOIN metric_snapshots ms ON ms.plan_id = c.plan_id AND ms.version = c.snapshot_version AND ms.metric_id = r.metric_id
LEFT JOIN plan_entities pe ON pe.id = r.entity_id
WHERE r.cycle_id = ? AND r.verdict = 'RED' AND r.skipped = 0
  AND length(trim(r.narrative, ' '||char(9)||char(10)||char(13))) = 0
ORDER BY COALESCE(ms.position, 0), r.metric_id, COALESCE(pe.name,''), r.id`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Breach
	for rows.Next() {
		var b domain.Breach
		var entityID sql.NullString
		var value sql.NullFloat64
		if err := rows.Scan(&b.ResultID, &b.MetricID, &b.MetricName, &entityID, &b.EntityName, &value); err != nil {
			return nil, err
		}
		b.EntityID = stringPtr(entityID)
		b.NumericValue = floatPtr(value)
		res = append(res, b)
	}
	return res, rows.Err()
}
