package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
)

// Permissions checked by the API and the engine.
const (
	PermPlanImport       = "plan.import"
	PermCycleRead        = "cycle.read"
	PermCycleCreate      = "cycle.create"
	PermCycleStart       = "cycle.start"
	PermCycleSubmit      = "cycle.submit"
	PermRequestApproval  = "cycle.request_approval"
	PermCycleHold        = "cycle.hold"
	PermCycleCancel      = "cycle.cancel"
	PermResultWrite      = "result.write"
	PermResultImport     = "result.import"
	PermApprovalDecide   = "approval.decide"
	PermApprovalVoid     = "approval.void"
	PermEventsRead       = "events.read"
	defaultAdminRoleName = "admin"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// ErrNotAdmin is returned when an administrative role is required.
var ErrNotAdmin = errors.New("administrative role required")

// Service provides RBAC helpers backed by SQL.
type Service struct {
	DB        *sql.DB
	AdminRole string
}

func (s Service) adminRole() string {
	if s.AdminRole != "" {
		return s.AdminRole
	}
	return defaultAdminRoleName
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s Service) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return s.DB
}

// ActorHasPermission reports whether any role granted on planID, or on every plan, carries perm.
func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, planID, actorID, perm string) (bool, error) {
	row := s.on(tx).QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.plan_id IN (?, '*') AND ar.actor_id=? AND rp.permission_id=? LIMIT 1`,
		planID, actorID, perm)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Require returns ForbiddenError unless the actor holds perm on planID.
func (s Service) Require(ctx context.Context, tx *sql.Tx, planID, actorID, perm string) error {
	ok, err := s.ActorHasPermission(ctx, tx, planID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, planID, actorID string) ([]string, error) {
	rows, err := s.on(tx).QueryContext(ctx, `SELECT DISTINCT role_id FROM actor_roles WHERE plan_id IN (?, '*') AND actor_id=? ORDER BY role_id`, planID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, planID, actorID string) ([]string, error) {
	rows, err := s.on(tx).QueryContext(ctx, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.plan_id IN (?, '*') AND ar.actor_id=?
ORDER BY rp.permission_id`, planID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// RequireAdmin accepts an actor holding the admin role either in the
// database or in roles asserted by a verified credential.
func (s Service) RequireAdmin(ctx context.Context, tx *sql.Tx, planID, actorID string, asserted []string) error {
	if slices.Contains(asserted, s.adminRole()) {
		return nil
	}
	roles, err := s.ActorRoles(ctx, tx, planID, actorID)
	if err != nil {
		return err
	}
	if slices.Contains(roles, s.adminRole()) {
		return nil
	}
	return ErrNotAdmin
}
