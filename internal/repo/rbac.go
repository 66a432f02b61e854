package repo

import (
	"context"
	"database/sql"
)

// AllPlans scopes a role grant to every plan.
const AllPlans = "*"

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO roles(id, description) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET description=excluded.description`, id, nullable(desc))
	return err
}

func (r Repo) InsertPermission(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id) VALUES (?)`, id)
	return err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID, permID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, permID)
	return err
}

// ClearRolePermissions drops every permission of a role so it can be reseeded.
func (r Repo) ClearRolePermissions(ctx context.Context, tx *sql.Tx, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=?`, roleID)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, planID, actorID, roleID string) error {
	if planID == "" {
		planID = AllPlans
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(plan_id, actor_id, role_id) VALUES (?,?,?)`, planID, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, planID, actorID, roleID string) error {
	if planID == "" {
		planID = AllPlans
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE plan_id=? AND actor_id=? AND role_id=?`, planID, actorID, roleID)
	return err
}

// RoleGrant is one actor_roles row.
type RoleGrant struct {
	PlanID  string `json:"plan_id"`
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

func (r Repo) ListGrants(ctx context.Context, actorID string) ([]RoleGrant, error) {
	query := `SELECT plan_id, actor_id, role_id FROM actor_roles`
	var args []any
	if actorID != "" {
		query += ` WHERE actor_id=?`
		args = append(args, actorID)
	}
	query += ` ORDER BY actor_id, plan_id, role_id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var grants []RoleGrant
	for rows.Next() {
		var g RoleGrant
		if err := rows.Scan(&g.PlanID, &g.ActorID, &g.RoleID); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
