package repo

import (
	"context"
	"database/sql"
	"fmt"

	"cyclegate/internal/domain"
)

const slotColumns = `id,cycle_id,approval_kind,region,required,COALESCE(nominal_approver,''),status,COALESCE(approver,''),
COALESCE(comments,''),COALESCE(evidence,''),is_proxy,COALESCE(decided_at,''),voided,COALESCE(void_reason,''),
COALESCE(voided_by,''),COALESCE(voided_at,''),round,created_at`

// SlotRow is an approval slot together with its approval round.
type SlotRow struct {
	domain.ApprovalSlot
	Round int
}

func scanSlot(s scanner) (SlotRow, error) {
	var row SlotRow
	var required, proxy, voided int
	var status string
	sl := &row.ApprovalSlot
	err := s.Scan(&sl.ID, &sl.CycleID, &sl.ApprovalKind, &sl.Region, &required, &sl.NominalApprover, &status, &sl.Approver,
		&sl.Comments, &sl.Evidence, &proxy, &sl.DecidedAt, &voided, &sl.VoidReason,
		&sl.VoidedBy, &sl.VoidedAt, &row.Round, &sl.CreatedAt)
	if err != nil {
		return row, err
	}
	sl.Required = required == 1
	sl.IsProxy = proxy == 1
	sl.Voided = voided == 1
	sl.Status = domain.SlotStatus(status)
	return row, nil
}

// EnsureSlotTx inserts the slot unless one already exists for its
// (cycle, kind, region). It reports whether a row was created.
func (r Repo) EnsureSlotTx(ctx context.Context, tx *sql.Tx, s domain.ApprovalSlot) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO approval_slots(id,cycle_id,approval_kind,region,required,nominal_approver,status,created_at)
VALUES (?,?,?,?,?,?,'pending',?)
ON CONFLICT(cycle_id,approval_kind,region) DO NOTHING`,
		s.ID, s.CycleID, s.ApprovalKind, s.Region, boolInt(s.Required), nullable(s.NominalApprover), s.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) GetSlot(ctx context.Context, id string) (SlotRow, error) {
	return r.GetSlotTx(ctx, nil, id)
}

func (r Repo) GetSlotTx(ctx context.Context, tx *sql.Tx, id string) (SlotRow, error) {
	row, err := scanSlot(r.on(tx).QueryRowContext(ctx, `SELECT `+slotColumns+` FROM approval_slots WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return row, fmt.Errorf("approval slot %s: %w", id, ErrNotFound)
	}
	return row, err
}

func (r Repo) ListSlots(ctx context.Context, cycleID string) ([]domain.ApprovalSlot, error) {
	rows, err := r.ListSlotsTx(ctx, nil, cycleID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ApprovalSlot, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.ApprovalSlot)
	}
	return out, nil
}

func (r Repo) ListSlotsTx(ctx context.Context, tx *sql.Tx, cycleID string) ([]SlotRow, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT `+slotColumns+` FROM approval_slots WHERE cycle_id=? ORDER BY approval_kind, region`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []SlotRow
	for rows.Next() {
		row, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, row)
	}
	return res, rows.Err()
}

// UpdateSlotTx writes the decision, void and round columns of a slot.
func (r Repo) UpdateSlotTx(ctx context.Context, tx *sql.Tx, s SlotRow) error {
	res, err := tx.ExecContext(ctx, `UPDATE approval_slots SET status=?, approver=?, comments=?, evidence=?, is_proxy=?, decided_at=?,
voided=?, void_reason=?, voided_by=?, voided_at=?, round=? WHERE id=?`,
		string(s.Status), nullable(s.Approver), nullable(s.Comments), nullable(s.Evidence), boolInt(s.IsProxy), nullable(s.DecidedAt),
		boolInt(s.Voided), nullable(s.VoidReason), nullable(s.VoidedBy), nullable(s.VoidedAt), s.Round, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("approval slot %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

// ArchiveDecisionTx copies the slot's current decision into its history.
func (r Repo) ArchiveDecisionTx(ctx context.Context, tx *sql.Tx, s SlotRow, archivedAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_slot_history(slot_id,round,status,approver,comments,evidence,is_proxy,decided_at,archived_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.Round, string(s.Status), nullable(s.Approver), nullable(s.Comments), nullable(s.Evidence), boolInt(s.IsProxy),
		nullable(s.DecidedAt), archivedAt)
	return err
}

func (r Repo) ListSlotHistory(ctx context.Context, slotID string) ([]domain.SlotDecision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,slot_id,round,status,COALESCE(approver,''),COALESCE(comments,''),COALESCE(evidence,''),
is_proxy,COALESCE(decided_at,'') FROM approval_slot_history WHERE slot_id=? ORDER BY id`, slotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SlotDecision
	for rows.Next() {
		var d domain.SlotDecision
		var status string
		var proxy int
		if err := rows.Scan(&d.ID, &d.SlotID, &d.Round, &status, &d.Approver, &d.Comments, &d.Evidence, &proxy, &d.DecidedAt); err != nil {
			return nil, err
		}
		d.Status = domain.SlotStatus(status)
		d.IsProxy = proxy == 1
		res = append(res, d)
	}
	return res, rows.Err()
}
