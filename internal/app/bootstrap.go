// Package app wires a workspace into a ready engine: database, migrations,
// configuration and the reference data the configuration declares.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"cyclegate/internal/config"
	"cyclegate/internal/db"
	"cyclegate/internal/domain"
	"cyclegate/internal/engine"
	"cyclegate/internal/migrate"
	"cyclegate/internal/repo"
	"cyclegate/internal/telemetry"
)

// DefaultServiceID names the service when the workspace has no config file.
const DefaultServiceID = "cyclegate"

type Options struct {
	Workspace string
	ServiceID string
	// Config overrides the workspace config file when set.
	Config *config.Config
}

type App struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// Bootstrap opens and migrates the workspace database, loads the config and
// seeds RBAC and the outcome vocabulary from it.
func Bootstrap(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		serviceID := opts.ServiceID
		if serviceID == "" {
			serviceID = DefaultServiceID
		}
		loaded, err := config.LoadOrDefault(opts.Workspace, serviceID)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	if err := Seed(ctx, r, cfg, time.Now()); err != nil {
		conn.Close()
		return nil, err
	}
	eng := engine.New(conn, cfg)
	instruments, err := telemetry.NewInstruments(nil, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("telemetry instruments: %w", err)
	}
	eng.Telemetry = instruments
	return &App{DB: conn, Config: cfg, Engine: eng}, nil
}

// Seed reconciles roles, role permissions, grants and outcome values with cfg
// in one transaction. Role permissions are replaced; grants are only added.
func Seed(ctx context.Context, r repo.Repo, cfg *config.Config, now time.Time) error {
	stamp := now.UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	roleIDs := make([]string, 0, len(cfg.RBAC.Roles))
	for id := range cfg.RBAC.Roles {
		roleIDs = append(roleIDs, id)
	}
	sort.Strings(roleIDs)
	for _, id := range roleIDs {
		role := cfg.RBAC.Roles[id]
		if err := r.InsertRole(ctx, tx, id, role.Description); err != nil {
			return fmt.Errorf("seed role %s: %w", id, err)
		}
		if err := r.ClearRolePermissions(ctx, tx, id); err != nil {
			return fmt.Errorf("seed role %s: %w", id, err)
		}
		for _, perm := range role.Permissions {
			if err := r.InsertPermission(ctx, tx, perm); err != nil {
				return fmt.Errorf("seed permission %s: %w", perm, err)
			}
			if err := r.AddRolePermission(ctx, tx, id, perm); err != nil {
				return fmt.Errorf("seed role %s permission %s: %w", id, perm, err)
			}
		}
	}
	for _, g := range cfg.RBAC.Grants {
		if err := r.EnsureActor(ctx, tx, g.Actor, stamp); err != nil {
			return fmt.Errorf("seed actor %s: %w", g.Actor, err)
		}
		if err := r.AssignRole(ctx, tx, g.Plan, g.Actor, g.Role); err != nil {
			return fmt.Errorf("seed grant %s/%s: %w", g.Actor, g.Role, err)
		}
	}
	for _, o := range cfg.Outcomes {
		label := o.Label
		if label == "" {
			label = o.Code
		}
		ov := domain.OutcomeValue{ID: o.OutcomeID(), Code: o.Code, Label: label, Verdict: domain.Verdict(o.Verdict)}
		if err := r.UpsertOutcomeValueTx(ctx, tx, ov); err != nil {
			return fmt.Errorf("seed outcome %s: %w", o.Code, err)
		}
	}
	return tx.Commit()
}

// Grant assigns a role to an actor, creating the actor if needed.
func Grant(ctx context.Context, r repo.Repo, planID, actorID, roleID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureActor(ctx, tx, actorID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if err := r.AssignRole(ctx, tx, planID, actorID, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

func Revoke(ctx context.Context, r repo.Repo, planID, actorID, roleID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.RevokeRole(ctx, tx, planID, actorID, roleID); err != nil {
		return err
	}
	return tx.Commit()
}
